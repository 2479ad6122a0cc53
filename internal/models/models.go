package models

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// StockUnit is one physical copy of a book
type StockUnit struct {
	ID                   int64         `db:"id" json:"id"`
	BookID               int64         `db:"book_id" json:"book_id"`
	Status               string        `db:"status" json:"status"`
	CurrentLoanID        sql.NullInt64 `db:"current_loan_id" json:"-"`
	HeldForReservationID sql.NullInt64 `db:"held_for_reservation_id" json:"-"`
	ShelfLevelID         sql.NullInt64 `db:"shelf_level_id" json:"-"`
	CreatedAt            time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time     `db:"updated_at" json:"updated_at"`
}

// Loan is one borrowing episode of a stock unit
type Loan struct {
	ID         int64        `db:"id" json:"id"`
	StockID    int64        `db:"stock_id" json:"stock_id"`
	BookID     int64        `db:"book_id" json:"book_id"`
	UserID     int64        `db:"user_id" json:"user_id"`
	Status     string       `db:"status" json:"status"`
	LoanDate   time.Time    `db:"loan_date" json:"loan_date"`
	DueDate    time.Time    `db:"due_date" json:"due_date"`
	ReturnDate sql.NullTime `db:"return_date" json:"-"`
	FineCents  int64        `db:"fine_cents" json:"-"`
	CreatedAt  time.Time    `db:"created_at" json:"created_at"`
}

// Fine returns the assessed fine as a monetary amount
func (l *Loan) Fine() decimal.Decimal {
	return decimal.New(l.FineCents, -2)
}

// IsOpen reports whether the loan has not been returned yet
func (l *Loan) IsOpen() bool {
	return l.Status == LoanStatusOpen
}

// Reservation is a user's standing request for a title
type Reservation struct {
	ID            int64          `db:"id" json:"id"`
	UserID        int64          `db:"user_id" json:"user_id"`
	BookID        int64          `db:"book_id" json:"book_id"`
	Status        string         `db:"status" json:"status"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	PromotedAt    sql.NullTime   `db:"promoted_at" json:"-"`
	HoldExpiresAt sql.NullTime   `db:"hold_expires_at" json:"-"`
	ClosedAt      sql.NullTime   `db:"closed_at" json:"-"`
	CancelReason  sql.NullString `db:"cancel_reason" json:"-"`
}

// IsActive reports whether the reservation still stands in the queue
func (r *Reservation) IsActive() bool {
	return r.Status == ReservationStatusPending || r.Status == ReservationStatusAvailable
}

// Zone is a floor/aisle pair
type Zone struct {
	ID          int64     `db:"id" json:"id"`
	FloorNumber int       `db:"floor_number" json:"floor_number"`
	AisleCode   string    `db:"aisle_code" json:"aisle_code"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Shelf belongs to exactly one zone
type Shelf struct {
	ID        int64     `db:"id" json:"id"`
	ZoneID    int64     `db:"zone_id" json:"zone_id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ShelfLevel belongs to exactly one shelf
type ShelfLevel struct {
	ID          int64     `db:"id" json:"id"`
	ShelfID     int64     `db:"shelf_id" json:"shelf_id"`
	LevelNumber int       `db:"level_number" json:"level_number"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// LocationIDs is the resolved identity of a shelf place
type LocationIDs struct {
	ZoneID       int64  `json:"zone_id"`
	ShelfID      int64  `json:"shelf_id"`
	ShelfLevelID int64  `json:"shelf_level_id"`
	FloorNumber  int    `json:"floor_number"`
	AisleCode    string `json:"aisle_code"`
	ShelfName    string `json:"shelf_name"`
	LevelNumber  int    `json:"level_number"`
}

// Availability is the per-status unit count of a book
type Availability struct {
	BookID    int64 `db:"book_id" json:"book_id"`
	Total     int   `db:"total" json:"total"`
	Available int   `db:"available" json:"available"`
	OnLoan    int   `db:"on_loan" json:"on_loan"`
	OnHold    int   `db:"on_hold" json:"on_hold"`
	Queued    int   `db:"queued" json:"queued"`
}

// Stock unit statuses
const (
	StockStatusAvailable = "AVAILABLE"
	StockStatusOnLoan    = "ON_LOAN"
	StockStatusOnHold    = "ON_HOLD"
)

// Loan statuses
const (
	LoanStatusOpen   = "OPEN"
	LoanStatusClosed = "CLOSED"
)

// Reservation statuses
const (
	ReservationStatusPending   = "PENDING"
	ReservationStatusAvailable = "AVAILABLE"
	ReservationStatusCompleted = "COMPLETED"
	ReservationStatusCancelled = "CANCELLED"
)

// Reservation cancel reasons
const (
	CancelReasonUser    = "USER"
	CancelReasonExpired = "EXPIRED"
)
