package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"circulation-service/internal/models"
	"circulation-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueDuplicateActive(t *testing.T) {
	h := newHarness(t)
	h.addUnits(t, 1, 1)
	h.borrow(t, 1, 1)

	h.enqueue(t, 2, 1)
	_, err := h.Queue.Enqueue(context.Background(), &EnqueueRequest{UserID: 2, BookID: 1})
	assert.ErrorIs(t, err, ErrDuplicateActive)

	// another reader is unaffected
	h.enqueue(t, 3, 1)
}

func TestEnqueueWithFreeUnitPromotesImmediately(t *testing.T) {
	h := newHarness(t)
	units := h.addUnits(t, 4, 1)

	r := h.enqueue(t, 9, 4)

	assert.Equal(t, models.ReservationStatusAvailable, r.Status)
	assert.True(t, r.HoldExpiresAt.Time.Equal(testEpoch.Add(48*time.Hour)))

	unit := h.unit(t, units[0].ID)
	assert.Equal(t, models.StockStatusOnHold, unit.Status)
	assert.Equal(t, r.ID, unit.HeldForReservationID.Int64)

	ready := h.notifier.ofKind(models.NotificationReservationReady)
	require.Len(t, ready, 1)
	assert.Equal(t, int64(9), ready[0].UserID)
}

func TestPromotionIsFIFO(t *testing.T) {
	h := newHarness(t)
	h.addUnits(t, 1, 1)
	loan := h.borrow(t, 1, 1)

	b := h.enqueue(t, 2, 1)
	h.clock.Advance(time.Minute)
	c := h.enqueue(t, 3, 1)
	h.clock.Advance(time.Minute)
	d := h.enqueue(t, 4, 1)

	queue, err := h.Queue.ListQueue(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, queue, 3)
	assert.Equal(t, []int64{b.ID, c.ID, d.ID}, []int64{queue[0].ID, queue[1].ID, queue[2].ID})

	result, err := h.Loans.Return(context.Background(), loan.ID)
	require.NoError(t, err)
	require.True(t, result.Promoted)
	assert.Equal(t, b.ID, result.PromotedReservation.ID)
	assert.Equal(t, models.ReservationStatusPending, h.reservation(t, c.ID).Status)

	second := h.borrow(t, 2, 1)
	assert.Equal(t, loan.StockID, second.StockID)

	result, err = h.Loans.Return(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, result.PromotedReservation.ID)
	assert.Equal(t, models.ReservationStatusPending, h.reservation(t, d.ID).Status)
}

func TestCancelPending(t *testing.T) {
	h := newHarness(t)
	h.addUnits(t, 1, 1)
	h.borrow(t, 1, 1)
	r := h.enqueue(t, 2, 1)

	cancelled, err := h.Queue.Cancel(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationStatusCancelled, cancelled.Status)
	assert.Equal(t, models.CancelReasonUser, cancelled.CancelReason.String)

	_, err = h.Queue.Cancel(context.Background(), r.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = h.Queue.Cancel(context.Background(), 777)
	assert.ErrorIs(t, err, ErrNotFound)

	// the pair is free for a new reservation
	h.enqueue(t, 2, 1)
}

func TestCancelHoldPassesUnitOn(t *testing.T) {
	h := newHarness(t)
	h.addUnits(t, 1, 1)
	loan := h.borrow(t, 1, 1)
	b := h.enqueue(t, 2, 1)
	c := h.enqueue(t, 3, 1)

	_, err := h.Loans.Return(context.Background(), loan.ID)
	require.NoError(t, err)
	require.Equal(t, models.ReservationStatusAvailable, h.reservation(t, b.ID).Status)

	_, err = h.Queue.Cancel(context.Background(), b.ID)
	require.NoError(t, err)

	promoted := h.reservation(t, c.ID)
	assert.Equal(t, models.ReservationStatusAvailable, promoted.Status)
	unit := h.unit(t, loan.StockID)
	assert.Equal(t, models.StockStatusOnHold, unit.Status)
	assert.Equal(t, c.ID, unit.HeldForReservationID.Int64)

	// with nobody left in line the unit returns to stock
	_, err = h.Queue.Cancel(context.Background(), c.ID)
	require.NoError(t, err)
	unit = h.unit(t, loan.StockID)
	assert.Equal(t, models.StockStatusAvailable, unit.Status)
	assert.False(t, unit.HeldForReservationID.Valid)
}

func TestCompleteRequiresAvailable(t *testing.T) {
	h := newHarness(t)
	h.addUnits(t, 1, 1)
	h.borrow(t, 1, 1)
	r := h.enqueue(t, 2, 1)

	err := h.store.RunInTx(context.Background(), "test_complete", func(tx *store.Tx) error {
		return h.Queue.Complete(context.Background(), tx, newOutbox(), r, h.clock.Now())
	})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, models.ReservationStatusPending, h.reservation(t, r.ID).Status)
}

func TestExpireHolds(t *testing.T) {
	h := newHarness(t)
	h.addUnits(t, 1, 1)
	loan := h.borrow(t, 1, 1)
	b := h.enqueue(t, 2, 1)
	c := h.enqueue(t, 3, 1)

	_, err := h.Loans.Return(context.Background(), loan.ID)
	require.NoError(t, err)

	h.clock.Advance(47 * time.Hour)
	expired, err := h.Queue.ExpireHolds(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, expired)

	h.clock.Advance(2 * time.Hour)
	expired, err = h.Queue.ExpireHolds(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	lapsed := h.reservation(t, b.ID)
	assert.Equal(t, models.ReservationStatusCancelled, lapsed.Status)
	assert.Equal(t, models.CancelReasonExpired, lapsed.CancelReason.String)
	assert.Equal(t, models.ReservationStatusAvailable, h.reservation(t, c.ID).Status)

	notices := h.notifier.ofKind(models.NotificationReservationExpired)
	require.Len(t, notices, 1)
	assert.Equal(t, int64(2), notices[0].UserID)
}

func TestBorrowSweepsExpiredHoldFirst(t *testing.T) {
	h := newHarness(t)
	h.addUnits(t, 1, 1)
	b := h.enqueue(t, 2, 1)
	require.Equal(t, models.ReservationStatusAvailable, b.Status)

	// another reader cannot take the held copy while the hold stands
	_, err := h.Loans.Borrow(context.Background(), &BorrowRequest{UserID: 5, BookID: 1})
	assert.ErrorIs(t, err, ErrNoUnitsAvailable)

	h.clock.Advance(49 * time.Hour)
	loan := h.borrow(t, 5, 1)
	assert.Equal(t, models.LoanStatusOpen, loan.Status)
	assert.Equal(t, models.ReservationStatusCancelled, h.reservation(t, b.ID).Status)
}

func TestAddUnitsServesQueue(t *testing.T) {
	h := newHarness(t)
	h.addUnits(t, 6, 1)
	h.borrow(t, 1, 6)
	b := h.enqueue(t, 2, 6)

	units := h.addUnits(t, 6, 2)
	require.Len(t, units, 2)
	assert.Equal(t, models.StockStatusOnHold, units[0].Status)
	assert.Equal(t, b.ID, units[0].HeldForReservationID.Int64)
	assert.Equal(t, models.StockStatusAvailable, units[1].Status)

	avail, err := h.Ledger.Availability(context.Background(), 6)
	require.NoError(t, err)
	assert.Equal(t, 3, avail.Total)
	assert.Equal(t, 1, avail.OnLoan)
	assert.Equal(t, 1, avail.OnHold)
	assert.Equal(t, 1, avail.Available)
	assert.Equal(t, 0, avail.Queued)

	listed, err := h.Ledger.ListUnits(context.Background(), 6)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, models.StockStatusOnLoan, listed[0].Status)
	assert.Equal(t, units[0].ID, listed[1].ID)
}

func TestEndToEndLateReturnPromotesWaitingReader(t *testing.T) {
	h := newHarness(t)
	const bookID, alice, bob = int64(42), int64(1), int64(2)
	h.addUnits(t, bookID, 1)

	loan := h.borrow(t, alice, bookID)

	_, err := h.Loans.Borrow(context.Background(), &BorrowRequest{UserID: bob, BookID: bookID})
	require.ErrorIs(t, err, ErrNoUnitsAvailable)
	waiting := h.enqueue(t, bob, bookID)
	assert.Equal(t, models.ReservationStatusPending, waiting.Status)

	h.clock.Advance(24 * 24 * time.Hour)
	result, err := h.Loans.Return(context.Background(), loan.ID)
	require.NoError(t, err)

	assert.Equal(t, "5.00", result.Fine.StringFixed(2))
	require.True(t, result.Promoted)
	assert.Equal(t, waiting.ID, result.PromotedReservation.ID)
	assert.Equal(t, models.ReservationStatusAvailable, result.PromotedReservation.Status)

	ready := h.notifier.ofKind(models.NotificationReservationReady)
	require.Len(t, ready, 1)
	assert.Equal(t, bob, ready[0].UserID)
	assert.Equal(t, waiting.ID, ready[0].ReservationID)

	fines := h.notifier.ofKind(models.NotificationFineAssessed)
	require.Len(t, fines, 1)
	assert.Equal(t, alice, fines[0].UserID)

	bobLoan := h.borrow(t, bob, bookID)
	assert.Equal(t, loan.StockID, bobLoan.StockID)
	assert.Equal(t, models.ReservationStatusCompleted, h.reservation(t, waiting.ID).Status)
}

func TestCancelRacesBorrowOfHeldUnit(t *testing.T) {
	for round := 0; round < 10; round++ {
		h := newHarness(t)
		h.addUnits(t, 1, 1)
		first := h.borrow(t, 1, 1)
		held := h.enqueue(t, 2, 1)
		_, err := h.Loans.Return(context.Background(), first.ID)
		require.NoError(t, err)
		require.Equal(t, models.ReservationStatusAvailable, h.reservation(t, held.ID).Status)

		var (
			wg        sync.WaitGroup
			cancelErr error
			borrowErr error
			loan      *models.Loan
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancelErr = h.Queue.Cancel(context.Background(), held.ID)
		}()
		go func() {
			defer wg.Done()
			loan, borrowErr = h.Loans.Borrow(context.Background(), &BorrowRequest{UserID: 2, BookID: 1})
		}()
		wg.Wait()

		// the unit is free either way: a cancelled hold returns it to stock
		require.NoError(t, borrowErr)
		assert.Equal(t, first.StockID, loan.StockID)

		r := h.reservation(t, held.ID)
		switch r.Status {
		case models.ReservationStatusCompleted:
			assert.True(t, errors.Is(cancelErr, ErrInvalidState), "cancel after completion: %v", cancelErr)
		case models.ReservationStatusCancelled:
			assert.NoError(t, cancelErr)
		default:
			t.Fatalf("round %d: reservation left %s", round, r.Status)
		}

		unit := h.unit(t, first.StockID)
		assert.Equal(t, models.StockStatusOnLoan, unit.Status)
		assert.Equal(t, loan.ID, unit.CurrentLoanID.Int64)
		assert.False(t, unit.HeldForReservationID.Valid)
	}
}

func TestCancelRacesReturnPromotion(t *testing.T) {
	for round := 0; round < 10; round++ {
		h := newHarness(t)
		h.addUnits(t, 1, 1)
		loan := h.borrow(t, 1, 1)
		waiting := h.enqueue(t, 2, 1)

		var (
			wg        sync.WaitGroup
			cancelErr error
			returnErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancelErr = h.Queue.Cancel(context.Background(), waiting.ID)
		}()
		go func() {
			defer wg.Done()
			_, returnErr = h.Loans.Return(context.Background(), loan.ID)
		}()
		wg.Wait()

		// a PENDING or freshly promoted reservation can both be cancelled
		require.NoError(t, returnErr)
		require.NoError(t, cancelErr)

		assert.Equal(t, models.ReservationStatusCancelled, h.reservation(t, waiting.ID).Status)
		unit := h.unit(t, loan.StockID)
		assert.Equal(t, models.StockStatusAvailable, unit.Status)
		assert.False(t, unit.HeldForReservationID.Valid)
		assert.False(t, unit.CurrentLoanID.Valid)
	}
}
