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

// ReservationQueue keeps the per-book FIFO of readers waiting for a copy
type ReservationQueue struct {
	*core
}

// EnqueueRequest asks for the next free copy of a book
type EnqueueRequest struct {
	UserID int64 `json:"user_id" binding:"required,min=1"`
	BookID int64 `json:"book_id" binding:"required,min=1"`
}

// Enqueue adds a PENDING reservation at the tail of the book's queue. When a
// unit of the book is free right now the queue head is promoted at once.
func (q *ReservationQueue) Enqueue(ctx context.Context, req *EnqueueRequest) (*models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationQueue.Enqueue",
		attribute.Int64("user_id", req.UserID),
		attribute.Int64("book_id", req.BookID))
	defer span.End()

	if req.UserID <= 0 || req.BookID <= 0 {
		return nil, newError(KindValidation, "user_id and book_id must be positive")
	}

	var reservation *models.Reservation
	var out *Outbox
	now := q.now()

	err := q.store.RunInTx(ctx, "enqueue", func(tx *store.Tx) error {
		out = newOutbox()

		if err := tx.LockBook(ctx, req.BookID); err != nil {
			return err
		}

		r := &models.Reservation{
			UserID:    req.UserID,
			BookID:    req.BookID,
			Status:    models.ReservationStatusPending,
			CreatedAt: now,
		}
		err := tx.InsertReservation(ctx, r)
		if errors.Is(err, store.ErrUniqueViolation) {
			return newError(KindDuplicateActive, "user %d already has an active reservation for book %d", req.UserID, req.BookID)
		}
		if err != nil {
			return fmt.Errorf("failed to insert reservation: %w", err)
		}
		out.reservation(models.EventTypeReservationCreated, r, 0, now)
		reservation = r

		unit, err := tx.FindFreeUnit(ctx, req.BookID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to look for a free unit: %w", err)
		}

		promoted, err := q.PromoteNext(ctx, tx, out, req.BookID, unit.ID, now)
		if err != nil {
			return err
		}
		if promoted != nil && promoted.ID == r.ID {
			reservation = promoted
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateActive) {
			util.ReservationsTotal.WithLabelValues("duplicate").Inc()
		}
		return nil, err
	}

	util.ReservationsTotal.WithLabelValues("created").Inc()
	q.dispatch.flush(ctx, out)

	q.logger.Info("Reservation queued",
		zap.Int64("reservation_id", reservation.ID),
		zap.Int64("user_id", reservation.UserID),
		zap.Int64("book_id", reservation.BookID),
		zap.String("status", reservation.Status))
	return reservation, nil
}

// PromoteNext hands a free unit to the earliest PENDING reservation of the book
// inside the caller's transaction. The reservation becomes AVAILABLE with a hold
// that lapses after the grace window, and the unit goes ON_HOLD for it. With an
// empty queue the unit stays AVAILABLE and nil is returned.
func (q *ReservationQueue) PromoteNext(ctx context.Context, tx *store.Tx, out *Outbox, bookID, stockID int64, now time.Time) (*models.Reservation, error) {
	next, err := tx.NextPendingReservation(ctx, bookID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read queue head: %w", err)
	}

	holdExpiresAt := now.Add(q.policy.HoldGrace)
	if err := tx.MarkReservationAvailable(ctx, next.ID, now, holdExpiresAt); err != nil {
		return nil, fmt.Errorf("failed to promote reservation %d: %w", next.ID, err)
	}
	if err := tx.HoldUnit(ctx, stockID, next.ID, now); err != nil {
		if errors.Is(err, store.ErrStaleState) {
			return nil, newError(KindAlreadyFree, "stock unit %d is not free to hold", stockID)
		}
		return nil, fmt.Errorf("failed to hold unit %d: %w", stockID, err)
	}

	next.Status = models.ReservationStatusAvailable
	next.PromotedAt.Time, next.PromotedAt.Valid = now, true
	next.HoldExpiresAt.Time, next.HoldExpiresAt.Valid = holdExpiresAt, true

	out.reservation(models.EventTypeReservationPromoted, next, stockID, now)
	out.notify(models.Notification{
		UserID:        next.UserID,
		Kind:          models.NotificationReservationReady,
		Message:       fmt.Sprintf("A copy of book %d is on hold for you until %s", bookID, holdExpiresAt.Format(time.RFC3339)),
		BookID:        bookID,
		ReservationID: next.ID,
	})
	util.ReservationsTotal.WithLabelValues("promoted").Inc()
	return next, nil
}

// Complete closes an AVAILABLE reservation whose held unit the caller has just
// taken, inside the caller's transaction. Any other status is InvalidState.
func (q *ReservationQueue) Complete(ctx context.Context, tx *store.Tx, out *Outbox, r *models.Reservation, now time.Time) error {
	err := tx.CompleteReservation(ctx, r.ID, now)
	if errors.Is(err, store.ErrStaleState) {
		return newError(KindInvalidState, "reservation %d is not AVAILABLE", r.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to complete reservation %d: %w", r.ID, err)
	}

	r.Status = models.ReservationStatusCompleted
	r.ClosedAt.Time, r.ClosedAt.Valid = now, true
	out.reservation(models.EventTypeReservationCompleted, r, 0, now)
	util.ReservationsTotal.WithLabelValues("completed").Inc()
	return nil
}

// Cancel withdraws a PENDING or AVAILABLE reservation on the reader's behalf.
// A cancelled hold passes its unit to the next reader or back to stock.
func (q *ReservationQueue) Cancel(ctx context.Context, reservationID int64) (*models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationQueue.Cancel", attribute.Int64("reservation_id", reservationID))
	defer span.End()

	var cancelled *models.Reservation
	var out *Outbox
	now := q.now()

	err := q.store.RunInTx(ctx, "cancel_reservation", func(tx *store.Tx) error {
		out = newOutbox()

		r, err := q.lockReservation(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		if !r.IsActive() {
			return newError(KindInvalidState, "reservation %d is %s", r.ID, r.Status)
		}

		if err := q.cancel(ctx, tx, out, r, models.CancelReasonUser, now); err != nil {
			return err
		}
		cancelled = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	util.ReservationsTotal.WithLabelValues("cancelled").Inc()
	q.dispatch.flush(ctx, out)

	q.logger.Info("Reservation cancelled",
		zap.Int64("reservation_id", cancelled.ID),
		zap.Int64("user_id", cancelled.UserID))
	return cancelled, nil
}

// ExpireHolds cancels every hold whose grace window has lapsed and passes the
// held units on. It returns how many holds expired.
func (q *ReservationQueue) ExpireHolds(ctx context.Context) (total int, err error) {
	ctx, span := util.StartSpan(ctx, "ReservationQueue.ExpireHolds")
	defer func() { util.EndSpan(span, err) }()

	now := q.now()
	books, err := q.store.BooksWithExpiredHolds(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to find expired holds: %w", err)
	}

	for _, bookID := range books {
		var expired int
		var out *Outbox

		err := q.store.RunInTx(ctx, "expire_holds", func(tx *store.Tx) error {
			out = newOutbox()
			if err := tx.LockBook(ctx, bookID); err != nil {
				return err
			}
			var err error
			expired, err = q.expireHolds(ctx, tx, out, bookID, now)
			return err
		})
		if err != nil {
			return total, fmt.Errorf("failed to expire holds of book %d: %w", bookID, err)
		}

		q.dispatch.flush(ctx, out)
		total += expired
	}

	if total > 0 {
		q.logger.Info("Expired reservation holds", zap.Int("count", total))
	}
	return total, nil
}

// expireHolds runs under the book lock of the caller's transaction
func (q *ReservationQueue) expireHolds(ctx context.Context, tx *store.Tx, out *Outbox, bookID int64, now time.Time) (int, error) {
	holds, err := tx.ExpiredHolds(ctx, bookID, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired holds: %w", err)
	}

	for i := range holds {
		if err := q.cancel(ctx, tx, out, &holds[i], models.CancelReasonExpired, now); err != nil {
			return 0, err
		}
		out.notify(models.Notification{
			UserID:        holds[i].UserID,
			Kind:          models.NotificationReservationExpired,
			Message:       fmt.Sprintf("Your hold on book %d expired", bookID),
			BookID:        bookID,
			ReservationID: holds[i].ID,
		})
		util.HoldsExpiredTotal.Inc()
	}
	return len(holds), nil
}

// cancel moves an active reservation to CANCELLED. A unit on hold for it is
// given to the next reader in line, or returned to stock.
func (q *ReservationQueue) cancel(ctx context.Context, tx *store.Tx, out *Outbox, r *models.Reservation, reason string, now time.Time) error {
	from := r.Status
	err := tx.CancelReservation(ctx, r.ID, from, reason, now)
	if errors.Is(err, store.ErrStaleState) {
		return newError(KindInvalidState, "reservation %d is no longer %s", r.ID, from)
	}
	if err != nil {
		return fmt.Errorf("failed to cancel reservation %d: %w", r.ID, err)
	}

	r.Status = models.ReservationStatusCancelled
	r.ClosedAt.Time, r.ClosedAt.Valid = now, true
	r.CancelReason.String, r.CancelReason.Valid = reason, true
	out.reservation(models.EventTypeReservationCancelled, r, 0, now)

	if from != models.ReservationStatusAvailable {
		return nil
	}

	unit, err := tx.FindUnitHeldFor(ctx, r.ID)
	if errors.Is(err, store.ErrNotFound) {
		q.logger.Warn("Available reservation had no unit on hold", zap.Int64("reservation_id", r.ID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to find held unit: %w", err)
	}
	if err := tx.UnholdUnit(ctx, unit.ID, r.ID, now); err != nil {
		return fmt.Errorf("failed to release held unit %d: %w", unit.ID, err)
	}
	_, err = q.PromoteNext(ctx, tx, out, r.BookID, unit.ID, now)
	return err
}

// lockReservation reads a reservation, takes its book lock and re-reads it
// under that lock
func (q *ReservationQueue) lockReservation(ctx context.Context, tx *store.Tx, reservationID int64) (*models.Reservation, error) {
	r, err := tx.GetReservation(ctx, reservationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(KindNotFound, "reservation %d not found", reservationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load reservation: %w", err)
	}
	if err := tx.LockBook(ctx, r.BookID); err != nil {
		return nil, err
	}
	return tx.GetReservationForUpdate(ctx, reservationID)
}

// GetReservation retrieves a reservation by ID
func (q *ReservationQueue) GetReservation(ctx context.Context, reservationID int64) (*models.Reservation, error) {
	r, err := q.store.GetReservation(ctx, reservationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(KindNotFound, "reservation %d not found", reservationID)
	}
	return r, err
}

// ListQueue returns the active reservations of a book in service order
func (q *ReservationQueue) ListQueue(ctx context.Context, bookID int64) ([]models.Reservation, error) {
	if bookID <= 0 {
		return nil, newError(KindValidation, "book_id must be positive")
	}
	return q.store.ListQueue(ctx, bookID)
}
