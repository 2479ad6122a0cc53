package api

import (
	"time"

	"circulation-service/internal/models"
	"circulation-service/internal/service"
)

type loanView struct {
	ID         int64      `json:"id"`
	StockID    int64      `json:"stock_id"`
	BookID     int64      `json:"book_id"`
	UserID     int64      `json:"user_id"`
	Status     string     `json:"status"`
	LoanDate   time.Time  `json:"loan_date"`
	DueDate    time.Time  `json:"due_date"`
	ReturnDate *time.Time `json:"return_date,omitempty"`
	Fine       string     `json:"fine"`
}

func newLoanView(l *models.Loan) loanView {
	v := loanView{
		ID:       l.ID,
		StockID:  l.StockID,
		BookID:   l.BookID,
		UserID:   l.UserID,
		Status:   l.Status,
		LoanDate: l.LoanDate,
		DueDate:  l.DueDate,
		Fine:     l.Fine().StringFixed(2),
	}
	if l.ReturnDate.Valid {
		returned := l.ReturnDate.Time
		v.ReturnDate = &returned
	}
	return v
}

type reservationView struct {
	ID            int64      `json:"id"`
	UserID        int64      `json:"user_id"`
	BookID        int64      `json:"book_id"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	PromotedAt    *time.Time `json:"promoted_at,omitempty"`
	HoldExpiresAt *time.Time `json:"hold_expires_at,omitempty"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
	CancelReason  string     `json:"cancel_reason,omitempty"`
}

func newReservationView(r *models.Reservation) reservationView {
	v := reservationView{
		ID:           r.ID,
		UserID:       r.UserID,
		BookID:       r.BookID,
		Status:       r.Status,
		CreatedAt:    r.CreatedAt,
		CancelReason: r.CancelReason.String,
	}
	if r.PromotedAt.Valid {
		t := r.PromotedAt.Time
		v.PromotedAt = &t
	}
	if r.HoldExpiresAt.Valid {
		t := r.HoldExpiresAt.Time
		v.HoldExpiresAt = &t
	}
	if r.ClosedAt.Valid {
		t := r.ClosedAt.Time
		v.ClosedAt = &t
	}
	return v
}

type returnView struct {
	Loan                loanView         `json:"loan"`
	Fine                string           `json:"fine"`
	Promoted            bool             `json:"promoted"`
	PromotedReservation *reservationView `json:"promoted_reservation,omitempty"`
}

func newReturnView(result *service.ReturnResult) returnView {
	v := returnView{
		Loan:     newLoanView(result.Loan),
		Fine:     result.Fine.StringFixed(2),
		Promoted: result.Promoted,
	}
	if result.PromotedReservation != nil {
		promoted := newReservationView(result.PromotedReservation)
		v.PromotedReservation = &promoted
	}
	return v
}

type unitView struct {
	ID                   int64  `json:"id"`
	BookID               int64  `json:"book_id"`
	Status               string `json:"status"`
	HeldForReservationID *int64 `json:"held_for_reservation_id,omitempty"`
	ShelfLevelID         *int64 `json:"shelf_level_id,omitempty"`
}

func newUnitView(u *models.StockUnit) unitView {
	v := unitView{ID: u.ID, BookID: u.BookID, Status: u.Status}
	if u.HeldForReservationID.Valid {
		id := u.HeldForReservationID.Int64
		v.HeldForReservationID = &id
	}
	if u.ShelfLevelID.Valid {
		id := u.ShelfLevelID.Int64
		v.ShelfLevelID = &id
	}
	return v
}
