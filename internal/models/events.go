package models

import "time"

// Event types
const (
	EventTypeLoanOpened           = "LOAN_OPENED"
	EventTypeLoanClosed           = "LOAN_CLOSED"
	EventTypeReservationCreated   = "RESERVATION_CREATED"
	EventTypeReservationPromoted  = "RESERVATION_PROMOTED"
	EventTypeReservationCompleted = "RESERVATION_COMPLETED"
	EventTypeReservationCancelled = "RESERVATION_CANCELLED"
	EventTypeNotificationRequest  = "NOTIFICATION_REQUESTED"
)

// Notification kinds
const (
	NotificationFineAssessed       = "FINE_ASSESSED"
	NotificationReservationReady   = "RESERVATION_READY"
	NotificationReservationExpired = "RESERVATION_EXPIRED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// LoanOpenedEvent published when a borrow succeeds
type LoanOpenedEvent struct {
	BaseEvent
	LoanID        int64     `json:"loan_id"`
	StockID       int64     `json:"stock_id"`
	BookID        int64     `json:"book_id"`
	UserID        int64     `json:"user_id"`
	DueDate       time.Time `json:"due_date"`
	ReservationID *int64    `json:"reservation_id,omitempty"`
}

// LoanClosedEvent published when a loan is returned
type LoanClosedEvent struct {
	BaseEvent
	LoanID     int64     `json:"loan_id"`
	StockID    int64     `json:"stock_id"`
	BookID     int64     `json:"book_id"`
	UserID     int64     `json:"user_id"`
	ReturnDate time.Time `json:"return_date"`
	Fine       string    `json:"fine"`
	Promoted   bool      `json:"promoted"`
}

// ReservationEvent published on every reservation transition
type ReservationEvent struct {
	BaseEvent
	ReservationID int64      `json:"reservation_id"`
	UserID        int64      `json:"user_id"`
	BookID        int64      `json:"book_id"`
	Status        string     `json:"status"`
	StockID       *int64     `json:"stock_id,omitempty"`
	HoldExpiresAt *time.Time `json:"hold_expires_at,omitempty"`
	Reason        string     `json:"reason,omitempty"`
}

// Notification is a request to tell a user something. Delivery happens elsewhere.
type Notification struct {
	UserID        int64  `json:"user_id"`
	Kind          string `json:"kind"`
	Message       string `json:"message"`
	BookID        int64  `json:"book_id,omitempty"`
	LoanID        int64  `json:"loan_id,omitempty"`
	ReservationID int64  `json:"reservation_id,omitempty"`
}

// NotificationEvent carries a Notification over the notifications topic
type NotificationEvent struct {
	BaseEvent
	Notification
}
