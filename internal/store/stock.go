package store

import (
	"context"
	"time"

	"circulation-service/internal/models"
)

const stockColumns = `id, book_id, status, current_loan_id, held_for_reservation_id, shelf_level_id, created_at, updated_at`

// InsertStockUnit adds one free copy of a book
func (t *Tx) InsertStockUnit(ctx context.Context, unit *models.StockUnit) error {
	query := `
		INSERT INTO stock_units (book_id, status, shelf_level_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`

	return t.get(ctx, &unit.ID, query,
		unit.BookID, unit.Status, unit.ShelfLevelID, unit.CreatedAt, unit.UpdatedAt)
}

// GetStockUnit retrieves a stock unit, locking it on Postgres
func (t *Tx) GetStockUnit(ctx context.Context, stockID int64) (*models.StockUnit, error) {
	var unit models.StockUnit
	err := t.get(ctx, &unit, `SELECT `+stockColumns+` FROM stock_units WHERE id = ?`+t.forUpdate(), stockID)
	if err != nil {
		return nil, notFound(err)
	}
	return &unit, nil
}

// FindFreeUnit returns the lowest-numbered AVAILABLE unit of a book that no
// other transaction has locked
func (t *Tx) FindFreeUnit(ctx context.Context, bookID int64) (*models.StockUnit, error) {
	var unit models.StockUnit
	err := t.get(ctx, &unit, `
		SELECT `+stockColumns+` FROM stock_units
		WHERE book_id = ? AND status = ?
		ORDER BY id
		LIMIT 1`+t.forUpdateSkipLocked(),
		bookID, models.StockStatusAvailable)
	if err != nil {
		return nil, notFound(err)
	}
	return &unit, nil
}

// FindUnitHeldFor returns the unit on hold for a reservation
func (t *Tx) FindUnitHeldFor(ctx context.Context, reservationID int64) (*models.StockUnit, error) {
	var unit models.StockUnit
	err := t.get(ctx, &unit, `
		SELECT `+stockColumns+` FROM stock_units
		WHERE held_for_reservation_id = ? AND status = ?`+t.forUpdate(),
		reservationID, models.StockStatusOnHold)
	if err != nil {
		return nil, notFound(err)
	}
	return &unit, nil
}

// MarkUnitOnLoan claims a free unit. ErrStaleState means somebody else holds it.
func (t *Tx) MarkUnitOnLoan(ctx context.Context, stockID int64, now time.Time) error {
	return t.execOne(ctx, `
		UPDATE stock_units
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ? AND current_loan_id IS NULL`,
		models.StockStatusOnLoan, now, stockID, models.StockStatusAvailable)
}

// MarkHeldUnitOnLoan claims a unit that is on hold for the given reservation
func (t *Tx) MarkHeldUnitOnLoan(ctx context.Context, stockID, reservationID int64, now time.Time) error {
	return t.execOne(ctx, `
		UPDATE stock_units
		SET status = ?, held_for_reservation_id = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND held_for_reservation_id = ?`,
		models.StockStatusOnLoan, now, stockID, models.StockStatusOnHold, reservationID)
}

// AttachLoan records the loan that holds a claimed unit
func (t *Tx) AttachLoan(ctx context.Context, stockID, loanID int64, now time.Time) error {
	return t.execOne(ctx, `
		UPDATE stock_units
		SET current_loan_id = ?, updated_at = ?
		WHERE id = ? AND status = ? AND current_loan_id IS NULL`,
		loanID, now, stockID, models.StockStatusOnLoan)
}

// FreeLoanedUnit detaches a loan from its unit. ErrStaleState means the unit
// was not on loan to that loan.
func (t *Tx) FreeLoanedUnit(ctx context.Context, stockID, loanID int64, now time.Time) error {
	return t.execOne(ctx, `
		UPDATE stock_units
		SET status = ?, current_loan_id = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND current_loan_id = ?`,
		models.StockStatusAvailable, now, stockID, models.StockStatusOnLoan, loanID)
}

// HoldUnit puts a free unit on hold for a reservation
func (t *Tx) HoldUnit(ctx context.Context, stockID, reservationID int64, now time.Time) error {
	return t.execOne(ctx, `
		UPDATE stock_units
		SET status = ?, held_for_reservation_id = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		models.StockStatusOnHold, reservationID, now, stockID, models.StockStatusAvailable)
}

// UnholdUnit returns a held unit to general stock
func (t *Tx) UnholdUnit(ctx context.Context, stockID, reservationID int64, now time.Time) error {
	return t.execOne(ctx, `
		UPDATE stock_units
		SET status = ?, held_for_reservation_id = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND held_for_reservation_id = ?`,
		models.StockStatusAvailable, now, stockID, models.StockStatusOnHold, reservationID)
}

// Availability counts the units of a book per status, plus the waiting queue
func (s *Store) Availability(ctx context.Context, bookID int64) (*models.Availability, error) {
	avail := models.Availability{BookID: bookID}
	err := s.get(ctx, &avail, `
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN status = 'AVAILABLE' THEN 1 ELSE 0 END), 0) AS available,
			COALESCE(SUM(CASE WHEN status = 'ON_LOAN' THEN 1 ELSE 0 END), 0) AS on_loan,
			COALESCE(SUM(CASE WHEN status = 'ON_HOLD' THEN 1 ELSE 0 END), 0) AS on_hold,
			(SELECT COUNT(*) FROM reservations WHERE book_id = ? AND status = 'PENDING') AS queued
		FROM stock_units
		WHERE book_id = ?`,
		bookID, bookID)
	if err != nil {
		return nil, err
	}
	return &avail, nil
}

// GetStockUnit retrieves a stock unit outside a transaction
func (s *Store) GetStockUnit(ctx context.Context, stockID int64) (*models.StockUnit, error) {
	var unit models.StockUnit
	if err := s.get(ctx, &unit, `SELECT `+stockColumns+` FROM stock_units WHERE id = ?`, stockID); err != nil {
		return nil, notFound(err)
	}
	return &unit, nil
}

// ListStockUnits lists the units of a book
func (s *Store) ListStockUnits(ctx context.Context, bookID int64) ([]models.StockUnit, error) {
	var units []models.StockUnit
	err := s.sel(ctx, &units, `SELECT `+stockColumns+` FROM stock_units WHERE book_id = ? ORDER BY id`, bookID)
	return units, err
}

// CountUnitsOnShelf derives shelf occupancy from the units placed on its levels
func (s *Store) CountUnitsOnShelf(ctx context.Context, shelfID int64) (int, error) {
	var count int
	err := s.get(ctx, &count, `
		SELECT COUNT(*) FROM stock_units su
		JOIN shelf_levels sl ON sl.id = su.shelf_level_id
		WHERE sl.shelf_id = ?`, shelfID)
	return count, err
}
