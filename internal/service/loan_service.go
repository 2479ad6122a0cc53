package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"circulation-service/internal/models"
	"circulation-service/internal/store"
	"circulation-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// LoanService opens and closes loans
type LoanService struct {
	*core
	ledger *StockLedger
	queue  *ReservationQueue
}

// BorrowRequest represents a request to borrow a copy of a book
type BorrowRequest struct {
	UserID         int64  `json:"user_id" binding:"required,min=1"`
	BookID         int64  `json:"book_id" binding:"required,min=1"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ReturnResult describes a completed return
type ReturnResult struct {
	Loan                *models.Loan        `json:"loan"`
	Fine                decimal.Decimal     `json:"fine"`
	Promoted            bool                `json:"promoted"`
	PromotedReservation *models.Reservation `json:"promoted_reservation,omitempty"`
}

// ListLoansRequest filters loan listings
type ListLoansRequest struct {
	UserID   int64 `form:"user_id"`
	BookID   int64 `form:"book_id"`
	OpenOnly bool  `form:"open"`
	Overdue  bool  `form:"overdue"`
	Limit    int   `form:"limit"`
	Offset   int   `form:"offset"`
}

// Borrow lends a copy of a book to a user. A copy on hold for the user's own
// reservation is preferred; otherwise any free copy is taken. When nothing is
// free the error is NoUnitsAvailable and the caller may enqueue instead.
func (s *LoanService) Borrow(ctx context.Context, req *BorrowRequest) (*models.Loan, error) {
	ctx, span := util.StartSpan(ctx, "LoanService.Borrow",
		attribute.Int64("user_id", req.UserID),
		attribute.Int64("book_id", req.BookID))
	defer span.End()

	if req.UserID <= 0 || req.BookID <= 0 {
		return nil, newError(KindValidation, "user_id and book_id must be positive")
	}

	if req.IdempotencyKey == "" {
		return s.borrow(ctx, req)
	}

	// keys are scoped per reader
	key := borrowKey(req.UserID, req.IdempotencyKey)
	if loan, err := s.replayBorrow(ctx, key, req); loan != nil || err != nil {
		return loan, err
	}

	lockKey := "borrow:" + key
	acquired, err := s.cache.AcquireLock(ctx, lockKey, borrowLockTTL)
	if err != nil {
		s.logger.Warn("Idempotency lock unavailable, borrowing without it",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Error(err))
		acquired = true
	}
	if !acquired {
		return nil, newError(KindInProgress, "a borrow with idempotency key %q is in progress", req.IdempotencyKey)
	}
	defer func() {
		if err := s.cache.ReleaseLock(context.WithoutCancel(ctx), lockKey); err != nil {
			s.logger.Warn("Failed to release idempotency lock", zap.String("idempotency_key", req.IdempotencyKey), zap.Error(err))
		}
	}()

	// the first request may have finished while we waited for the lock
	if loan, err := s.replayBorrow(ctx, key, req); loan != nil || err != nil {
		return loan, err
	}

	loan, err := s.borrow(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.cache.RememberBorrow(ctx, key, loan.ID, idempotencyTTL); err != nil {
		s.logger.Warn("Failed to store idempotency key",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Error(err))
	}
	return loan, nil
}

func borrowKey(userID int64, key string) string {
	return fmt.Sprintf("%d:%s", userID, key)
}

// replayBorrow returns the loan an earlier Borrow with the same key created.
// A key reused for a different book is a validation error.
func (s *LoanService) replayBorrow(ctx context.Context, key string, req *BorrowRequest) (*models.Loan, error) {
	loanID, found, err := s.cache.LookupBorrow(ctx, key)
	if err != nil {
		s.logger.Warn("Idempotency lookup failed", zap.String("idempotency_key", req.IdempotencyKey), zap.Error(err))
		return nil, nil
	}
	if !found {
		return nil, nil
	}
	loan, err := s.store.GetLoan(ctx, loanID)
	if err != nil {
		s.logger.Warn("Idempotency key points at an unreadable loan",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Int64("loan_id", loanID),
			zap.Error(err))
		return nil, nil
	}
	if loan.UserID != req.UserID || loan.BookID != req.BookID {
		return nil, newError(KindValidation, "idempotency key %q was already used for another borrow", req.IdempotencyKey)
	}
	s.logger.Info("Duplicate borrow request detected",
		zap.String("idempotency_key", req.IdempotencyKey),
		zap.Int64("loan_id", loan.ID))
	return loan, nil
}

func (s *LoanService) borrow(ctx context.Context, req *BorrowRequest) (*models.Loan, error) {
	var loan *models.Loan
	var out *Outbox
	now := s.now()

	err := s.store.RunInTx(ctx, "borrow", func(tx *store.Tx) error {
		out = newOutbox()

		if err := tx.LockBook(ctx, req.BookID); err != nil {
			return err
		}
		if _, err := s.queue.expireHolds(ctx, tx, out, req.BookID, now); err != nil {
			return err
		}

		reservation, err := tx.FindActiveReservation(ctx, req.UserID, req.BookID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to look up reservation: %w", err)
		}

		var unit *models.StockUnit
		var fromHold int64
		if reservation != nil && reservation.Status == models.ReservationStatusAvailable {
			unit, err = s.takeHeldUnit(ctx, tx, reservation, now)
			if err != nil {
				return err
			}
			if unit != nil {
				if err := s.queue.Complete(ctx, tx, out, reservation, now); err != nil {
					return err
				}
				fromHold = reservation.ID
			}
		}
		if unit == nil {
			if unit, err = s.ledger.AcquireUnit(ctx, tx, req.BookID, now); err != nil {
				return err
			}
		}

		loan = &models.Loan{
			StockID:   unit.ID,
			BookID:    req.BookID,
			UserID:    req.UserID,
			Status:    models.LoanStatusOpen,
			LoanDate:  now,
			DueDate:   now.Add(s.policy.LoanPeriod),
			CreatedAt: now,
		}
		err = tx.InsertLoan(ctx, loan)
		if errors.Is(err, store.ErrUniqueViolation) {
			return s.integrityViolation("borrow", err, "stock unit %d claimed while an open loan exists", unit.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to insert loan: %w", err)
		}
		err = tx.AttachLoan(ctx, unit.ID, loan.ID, now)
		if errors.Is(err, store.ErrStaleState) {
			return s.integrityViolation("borrow", err, "stock unit %d could not take loan %d", unit.ID, loan.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to attach loan %d to unit %d: %w", loan.ID, unit.ID, err)
		}

		// the reader now holds a copy, their place in the queue is spent
		if reservation != nil && fromHold == 0 {
			if err := s.closeReservation(ctx, tx, out, reservation, now); err != nil {
				return err
			}
		}

		out.loanOpened(loan, fromHold, now)
		return nil
	})
	if err != nil {
		switch KindOf(err) {
		case KindNoUnitsAvailable:
			util.BorrowFailedTotal.WithLabelValues("no_units").Inc()
		case KindIntegrity:
			util.BorrowFailedTotal.WithLabelValues("integrity").Inc()
		default:
			util.BorrowFailedTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	util.LoansOpenedTotal.Inc()
	s.dispatch.flush(ctx, out)

	s.logger.Info("Loan opened",
		zap.Int64("loan_id", loan.ID),
		zap.Int64("stock_id", loan.StockID),
		zap.Int64("user_id", loan.UserID),
		zap.Time("due_date", loan.DueDate))
	return loan, nil
}

func (s *LoanService) closeReservation(ctx context.Context, tx *store.Tx, out *Outbox, r *models.Reservation, now time.Time) error {
	if r.Status == models.ReservationStatusAvailable {
		return s.queue.Complete(ctx, tx, out, r, now)
	}
	if err := tx.CompletePendingReservation(ctx, r.ID, now); err != nil {
		return fmt.Errorf("failed to complete pending reservation %d: %w", r.ID, err)
	}
	r.Status = models.ReservationStatusCompleted
	r.ClosedAt.Time, r.ClosedAt.Valid = now, true
	out.reservation(models.EventTypeReservationCompleted, r, 0, now)
	util.ReservationsTotal.WithLabelValues("completed").Inc()
	return nil
}

// takeHeldUnit moves the unit on hold for reservation onto loan. It returns
// nil when no unit is on hold for it.
func (s *LoanService) takeHeldUnit(ctx context.Context, tx *store.Tx, reservation *models.Reservation, now time.Time) (*models.StockUnit, error) {
	unit, err := tx.FindUnitHeldFor(ctx, reservation.ID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("Available reservation had no unit on hold", zap.Int64("reservation_id", reservation.ID))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find held unit: %w", err)
	}
	if err := tx.MarkHeldUnitOnLoan(ctx, unit.ID, reservation.ID, now); err != nil {
		return nil, fmt.Errorf("failed to take held unit %d: %w", unit.ID, err)
	}
	unit.Status = models.StockStatusOnLoan
	return unit, nil
}

// Return closes a loan, assesses the fine and frees the unit, which is
// promoted to the next queued reader in the same transaction.
func (s *LoanService) Return(ctx context.Context, loanID int64) (_ *ReturnResult, err error) {
	ctx, span := util.StartSpan(ctx, "LoanService.Return", attribute.Int64("loan_id", loanID))
	defer func() { util.EndSpan(span, err) }()

	var result *ReturnResult
	var out *Outbox
	now := s.now()

	err = s.store.RunInTx(ctx, "return", func(tx *store.Tx) error {
		out = newOutbox()

		loan, err := tx.GetLoan(ctx, loanID)
		if errors.Is(err, store.ErrNotFound) {
			return newError(KindNotFound, "loan %d not found", loanID)
		}
		if err != nil {
			return fmt.Errorf("failed to load loan: %w", err)
		}
		if err := tx.LockBook(ctx, loan.BookID); err != nil {
			return err
		}
		if loan, err = tx.GetLoanForUpdate(ctx, loanID); err != nil {
			return fmt.Errorf("failed to lock loan: %w", err)
		}
		if !loan.IsOpen() {
			return newError(KindAlreadyReturned, "loan %d was already returned", loanID)
		}

		returnedAt := now
		if returnedAt.Before(loan.LoanDate) {
			returnedAt = loan.LoanDate
		}
		fine := s.fines.Assess(loan.DueDate, returnedAt)

		err = tx.CloseLoan(ctx, loan.ID, returnedAt, toCents(fine))
		if errors.Is(err, store.ErrStaleState) {
			return newError(KindAlreadyReturned, "loan %d was already returned", loanID)
		}
		if err != nil {
			return fmt.Errorf("failed to close loan: %w", err)
		}
		loan.Status = models.LoanStatusClosed
		loan.ReturnDate.Time, loan.ReturnDate.Valid = returnedAt, true
		loan.FineCents = toCents(fine)

		promoted, err := s.ledger.ReleaseUnit(ctx, tx, out, loan.StockID, loan.ID, returnedAt)
		if err != nil {
			if KindOf(err) == KindAlreadyFree || KindOf(err) == KindNotFound {
				return s.integrityViolation("return", err, "loan %d closed but its unit %d was not on loan", loan.ID, loan.StockID)
			}
			return err
		}

		out.loanClosed(loan, promoted != nil, returnedAt)
		if fine.IsPositive() {
			out.notify(models.Notification{
				UserID:  loan.UserID,
				Kind:    models.NotificationFineAssessed,
				Message: fmt.Sprintf("Loan %d was returned %d day(s) late, fine %s", loan.ID, DaysLate(loan.DueDate, returnedAt), fine.StringFixed(2)),
				BookID:  loan.BookID,
				LoanID:  loan.ID,
			})
		}

		result = &ReturnResult{
			Loan:                loan,
			Fine:                fine,
			Promoted:            promoted != nil,
			PromotedReservation: promoted,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	util.LoansClosedTotal.Inc()
	util.FinesAssessedCents.Add(float64(result.Loan.FineCents))
	s.dispatch.flush(ctx, out)

	s.logger.Info("Loan closed",
		zap.Int64("loan_id", result.Loan.ID),
		zap.String("fine", result.Fine.StringFixed(2)),
		zap.Bool("promoted", result.Promoted))
	return result, nil
}

// integrityViolation reports a broken consistency invariant. The transaction
// rolls back and the caller sees only a generic failure.
func (s *LoanService) integrityViolation(operation string, cause error, format string, args ...interface{}) error {
	util.IntegrityViolationsTotal.WithLabelValues(operation).Inc()
	s.logger.Error("Integrity violation",
		zap.String("operation", operation),
		zap.String("detail", fmt.Sprintf(format, args...)),
		zap.Error(cause))
	return wrapError(KindIntegrity, cause, format, args...)
}

// GetLoan retrieves a loan by ID
func (s *LoanService) GetLoan(ctx context.Context, loanID int64) (*models.Loan, error) {
	loan, err := s.store.GetLoan(ctx, loanID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(KindNotFound, "loan %d not found", loanID)
	}
	return loan, err
}

// ListLoans lists loans, newest first
func (s *LoanService) ListLoans(ctx context.Context, req *ListLoansRequest) ([]models.Loan, error) {
	if req.Limit < 0 || req.Offset < 0 {
		return nil, newError(KindValidation, "limit and offset must not be negative")
	}

	filter := store.LoanFilter{
		UserID: req.UserID,
		BookID: req.BookID,
		Limit:  req.Limit,
		Offset: req.Offset,
	}
	if req.OpenOnly {
		filter.Status = models.LoanStatusOpen
	}
	if req.Overdue {
		filter.OverdueAt = s.now()
	}

	loans, err := s.store.ListLoans(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	return loans, nil
}
