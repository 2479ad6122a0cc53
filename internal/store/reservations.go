package store

import (
	"context"
	"time"

	"circulation-service/internal/models"
)

const reservationColumns = `id, user_id, book_id, status, created_at, promoted_at, hold_expires_at, closed_at, cancel_reason`

// InsertReservation queues a PENDING reservation. ErrUniqueViolation means the
// user already has an active reservation for the book.
func (t *Tx) InsertReservation(ctx context.Context, r *models.Reservation) error {
	query := `
		INSERT INTO reservations (user_id, book_id, status, created_at)
		VALUES (?, ?, ?, ?)
		RETURNING id`

	err := t.get(ctx, &r.ID, query, r.UserID, r.BookID, r.Status, r.CreatedAt)
	if isUniqueViolation(err) {
		return ErrUniqueViolation
	}
	return err
}

// GetReservation reads a reservation inside a transaction without locking it
func (t *Tx) GetReservation(ctx context.Context, id int64) (*models.Reservation, error) {
	var r models.Reservation
	if err := t.get(ctx, &r, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id); err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

// GetReservationForUpdate loads a reservation inside a transaction
func (t *Tx) GetReservationForUpdate(ctx context.Context, id int64) (*models.Reservation, error) {
	var r models.Reservation
	if err := t.get(ctx, &r, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`+t.forUpdate(), id); err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

// FindActiveReservation returns the user's PENDING or AVAILABLE reservation for a book
func (t *Tx) FindActiveReservation(ctx context.Context, userID, bookID int64) (*models.Reservation, error) {
	var r models.Reservation
	err := t.get(ctx, &r, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE user_id = ? AND book_id = ? AND status IN (?, ?)`+t.forUpdate(),
		userID, bookID, models.ReservationStatusPending, models.ReservationStatusAvailable)
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

// NextPendingReservation returns the head of a book's queue: the earliest
// PENDING reservation, ties broken by ID.
func (t *Tx) NextPendingReservation(ctx context.Context, bookID int64) (*models.Reservation, error) {
	var r models.Reservation
	err := t.get(ctx, &r, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE book_id = ? AND status = ?
		ORDER BY created_at, id
		LIMIT 1`+t.forUpdate(),
		bookID, models.ReservationStatusPending)
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

// MarkReservationAvailable promotes a PENDING reservation
func (t *Tx) MarkReservationAvailable(ctx context.Context, id int64, now, holdExpiresAt time.Time) error {
	return t.execOne(ctx, `
		UPDATE reservations
		SET status = ?, promoted_at = ?, hold_expires_at = ?
		WHERE id = ? AND status = ?`,
		models.ReservationStatusAvailable, now, holdExpiresAt, id, models.ReservationStatusPending)
}

// CompleteReservation closes an AVAILABLE reservation that turned into a loan
func (t *Tx) CompleteReservation(ctx context.Context, id int64, now time.Time) error {
	return t.execOne(ctx, `
		UPDATE reservations
		SET status = ?, closed_at = ?
		WHERE id = ? AND status = ?`,
		models.ReservationStatusCompleted, now, id, models.ReservationStatusAvailable)
}

// CompletePendingReservation closes a PENDING reservation whose user borrowed
// the book from free stock
func (t *Tx) CompletePendingReservation(ctx context.Context, id int64, now time.Time) error {
	return t.execOne(ctx, `
		UPDATE reservations
		SET status = ?, closed_at = ?
		WHERE id = ? AND status = ?`,
		models.ReservationStatusCompleted, now, id, models.ReservationStatusPending)
}

// CancelReservation cancels a reservation that is still in the expected status
func (t *Tx) CancelReservation(ctx context.Context, id int64, fromStatus, reason string, now time.Time) error {
	return t.execOne(ctx, `
		UPDATE reservations
		SET status = ?, closed_at = ?, cancel_reason = ?
		WHERE id = ? AND status = ?`,
		models.ReservationStatusCancelled, now, reason, id, fromStatus)
}

// ExpiredHolds lists AVAILABLE reservations of a book whose hold lapsed before now
func (t *Tx) ExpiredHolds(ctx context.Context, bookID int64, now time.Time) ([]models.Reservation, error) {
	holds := make([]models.Reservation, 0)
	err := t.sel(ctx, &holds, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE book_id = ? AND status = ? AND hold_expires_at < ?
		ORDER BY hold_expires_at, id`+t.forUpdate(),
		bookID, models.ReservationStatusAvailable, now)
	return holds, err
}

// BooksWithExpiredHolds lists the books that have at least one lapsed hold
func (s *Store) BooksWithExpiredHolds(ctx context.Context, now time.Time) ([]int64, error) {
	books := make([]int64, 0)
	err := s.sel(ctx, &books, `
		SELECT DISTINCT book_id FROM reservations
		WHERE status = ? AND hold_expires_at < ?
		ORDER BY book_id`,
		models.ReservationStatusAvailable, now)
	return books, err
}

// GetReservation retrieves a reservation by ID
func (s *Store) GetReservation(ctx context.Context, id int64) (*models.Reservation, error) {
	var r models.Reservation
	if err := s.get(ctx, &r, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id); err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

// ListQueue returns the active reservations of a book in service order:
// AVAILABLE holds first, then PENDING by arrival.
func (s *Store) ListQueue(ctx context.Context, bookID int64) ([]models.Reservation, error) {
	queue := make([]models.Reservation, 0)
	err := s.sel(ctx, &queue, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE book_id = ? AND status IN (?, ?)
		ORDER BY CASE status WHEN 'AVAILABLE' THEN 0 ELSE 1 END, created_at, id`,
		bookID, models.ReservationStatusAvailable, models.ReservationStatusPending)
	return queue, err
}
