package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"circulation-service/internal/models"
	"circulation-service/internal/store"
	"circulation-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	acquireAttempts = 3
	maxUnitsPerAdd  = 100
)

// StockLedger tracks the physical copies of each book
type StockLedger struct {
	*core
	queue *ReservationQueue
}

// AddUnitsRequest is an inventory intake for one book
type AddUnitsRequest struct {
	BookID       int64  `json:"book_id"`
	Count        int    `json:"count" binding:"required,min=1"`
	ShelfLevelID *int64 `json:"shelf_level_id,omitempty"`
}

// AcquireUnit claims one free unit of a book for a loan inside the caller's
// transaction. Losing a race for a unit moves on to the next free one.
func (l *StockLedger) AcquireUnit(ctx context.Context, tx *store.Tx, bookID int64, now time.Time) (*models.StockUnit, error) {
	for attempt := 0; attempt < acquireAttempts; attempt++ {
		unit, err := tx.FindFreeUnit(ctx, bookID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, newError(KindNoUnitsAvailable, "no units of book %d are available", bookID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to find free unit: %w", err)
		}

		err = tx.MarkUnitOnLoan(ctx, unit.ID, now)
		if errors.Is(err, store.ErrStaleState) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to claim unit %d: %w", unit.ID, err)
		}
		unit.Status = models.StockStatusOnLoan
		return unit, nil
	}
	return nil, newError(KindNoUnitsAvailable, "no units of book %d are available", bookID)
}

// ReleaseUnit frees the unit a loan was holding and hands it to the head of
// the book's queue, all inside the caller's transaction. It returns the
// promoted reservation, or nil when the unit went back to general stock.
func (l *StockLedger) ReleaseUnit(ctx context.Context, tx *store.Tx, out *Outbox, stockID, loanID int64, now time.Time) (*models.Reservation, error) {
	unit, err := tx.GetStockUnit(ctx, stockID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(KindNotFound, "stock unit %d not found", stockID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load stock unit: %w", err)
	}

	err = tx.FreeLoanedUnit(ctx, stockID, loanID, now)
	if errors.Is(err, store.ErrStaleState) {
		return nil, newError(KindAlreadyFree, "stock unit %d is not on loan to loan %d", stockID, loanID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to free unit %d: %w", stockID, err)
	}

	out.touch(unit.BookID)
	return l.queue.PromoteNext(ctx, tx, out, unit.BookID, stockID, now)
}

// AddUnits registers new copies of a book. Each copy is offered to the queue
// first so waiting readers are served before stock sits idle.
func (l *StockLedger) AddUnits(ctx context.Context, req *AddUnitsRequest) ([]models.StockUnit, error) {
	ctx, span := util.StartSpan(ctx, "StockLedger.AddUnits", attribute.Int64("book_id", req.BookID))
	defer span.End()

	if req.BookID <= 0 {
		return nil, newError(KindValidation, "book_id must be positive")
	}
	if req.Count < 1 || req.Count > maxUnitsPerAdd {
		return nil, newError(KindValidation, "count must be between 1 and %d", maxUnitsPerAdd)
	}
	if req.ShelfLevelID != nil {
		if _, err := l.store.GetShelfLevel(ctx, *req.ShelfLevelID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, newError(KindValidation, "shelf level %d does not exist", *req.ShelfLevelID)
			}
			return nil, fmt.Errorf("failed to check shelf level: %w", err)
		}
	}

	var units []models.StockUnit
	var out *Outbox
	now := l.now()

	err := l.store.RunInTx(ctx, "add_units", func(tx *store.Tx) error {
		units = make([]models.StockUnit, 0, req.Count)
		out = newOutbox()

		if err := tx.LockBook(ctx, req.BookID); err != nil {
			return err
		}

		for i := 0; i < req.Count; i++ {
			unit := models.StockUnit{
				BookID:    req.BookID,
				Status:    models.StockStatusAvailable,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if req.ShelfLevelID != nil {
				unit.ShelfLevelID.Int64, unit.ShelfLevelID.Valid = *req.ShelfLevelID, true
			}
			if err := tx.InsertStockUnit(ctx, &unit); err != nil {
				return fmt.Errorf("failed to insert stock unit: %w", err)
			}

			promoted, err := l.queue.PromoteNext(ctx, tx, out, req.BookID, unit.ID, now)
			if err != nil {
				return err
			}
			if promoted != nil {
				unit.Status = models.StockStatusOnHold
				unit.HeldForReservationID.Int64, unit.HeldForReservationID.Valid = promoted.ID, true
			}
			units = append(units, unit)
		}
		out.touch(req.BookID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.dispatch.flush(ctx, out)
	l.logger.Info("Stock units added",
		zap.Int64("book_id", req.BookID),
		zap.Int("count", len(units)))
	return units, nil
}

// ListUnits lists every unit of a book in intake order
func (l *StockLedger) ListUnits(ctx context.Context, bookID int64) ([]models.StockUnit, error) {
	if bookID <= 0 {
		return nil, newError(KindValidation, "book_id must be positive")
	}
	units, err := l.store.ListStockUnits(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("failed to list units: %w", err)
	}
	return units, nil
}

// Availability reports per-status unit counts of a book, served from the
// cache when a fresh view is there.
func (l *StockLedger) Availability(ctx context.Context, bookID int64) (*models.Availability, error) {
	ctx, span := util.StartSpan(ctx, "StockLedger.Availability", attribute.Int64("book_id", bookID))
	defer span.End()

	if bookID <= 0 {
		return nil, newError(KindValidation, "book_id must be positive")
	}

	cached, err := l.cache.GetAvailability(ctx, bookID)
	if err != nil {
		l.logger.Warn("Availability cache read failed, falling back to DB",
			zap.Int64("book_id", bookID),
			zap.Error(err))
	}
	if cached != nil {
		return cached, nil
	}

	avail, err := l.store.Availability(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("failed to count units: %w", err)
	}

	if err := l.cache.SetAvailability(ctx, avail, availabilityTTL); err != nil {
		l.logger.Warn("Failed to cache availability", zap.Int64("book_id", bookID), zap.Error(err))
	}
	return avail, nil
}
