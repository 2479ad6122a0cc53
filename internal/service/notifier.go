package service

import (
	"context"
	"time"

	"circulation-service/internal/models"
	"circulation-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Notifier hands a notification request to the delivery side
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// EventPublisher receives the circulation event stream
type EventPublisher interface {
	PublishLoanOpened(ctx context.Context, event *models.LoanOpenedEvent) error
	PublishLoanClosed(ctx context.Context, event *models.LoanClosedEvent) error
	PublishReservation(ctx context.Context, event *models.ReservationEvent) error
}

// Outbox collects what a transaction wants to tell the outside world. It is
// only flushed after the transaction commits.
type Outbox struct {
	loansOpened   []*models.LoanOpenedEvent
	loansClosed   []*models.LoanClosedEvent
	reservations  []*models.ReservationEvent
	notifications []models.Notification
	books         map[int64]struct{}
}

func newOutbox() *Outbox {
	return &Outbox{books: make(map[int64]struct{})}
}

func (o *Outbox) touch(bookID int64) {
	o.books[bookID] = struct{}{}
}

func (o *Outbox) loanOpened(loan *models.Loan, reservationID int64, at time.Time) {
	event := &models.LoanOpenedEvent{
		BaseEvent: newBaseEvent(models.EventTypeLoanOpened, at),
		LoanID:    loan.ID,
		StockID:   loan.StockID,
		BookID:    loan.BookID,
		UserID:    loan.UserID,
		DueDate:   loan.DueDate,
	}
	if reservationID > 0 {
		event.ReservationID = &reservationID
	}
	o.loansOpened = append(o.loansOpened, event)
	o.touch(loan.BookID)
}

func (o *Outbox) loanClosed(loan *models.Loan, promoted bool, at time.Time) {
	o.loansClosed = append(o.loansClosed, &models.LoanClosedEvent{
		BaseEvent:  newBaseEvent(models.EventTypeLoanClosed, at),
		LoanID:     loan.ID,
		StockID:    loan.StockID,
		BookID:     loan.BookID,
		UserID:     loan.UserID,
		ReturnDate: at,
		Fine:       loan.Fine().StringFixed(2),
		Promoted:   promoted,
	})
	o.touch(loan.BookID)
}

func (o *Outbox) reservation(eventType string, r *models.Reservation, stockID int64, at time.Time) {
	event := &models.ReservationEvent{
		BaseEvent:     newBaseEvent(eventType, at),
		ReservationID: r.ID,
		UserID:        r.UserID,
		BookID:        r.BookID,
		Status:        r.Status,
		Reason:        r.CancelReason.String,
	}
	if stockID > 0 {
		event.StockID = &stockID
	}
	if r.HoldExpiresAt.Valid {
		expires := r.HoldExpiresAt.Time
		event.HoldExpiresAt = &expires
	}
	o.reservations = append(o.reservations, event)
	o.touch(r.BookID)
}

func (o *Outbox) notify(n models.Notification) {
	o.notifications = append(o.notifications, n)
}

func newBaseEvent(eventType string, at time.Time) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: at,
	}
}

// dispatcher flushes committed outboxes. Failures are logged and counted,
// never returned: the state change they describe has already happened.
type dispatcher struct {
	events   EventPublisher
	notifier Notifier
	cache    Cache
	logger   *zap.Logger
}

func (d *dispatcher) flush(ctx context.Context, out *Outbox) {
	ctx = context.WithoutCancel(ctx)

	for bookID := range out.books {
		if err := d.cache.InvalidateAvailability(ctx, bookID); err != nil {
			d.logger.Warn("Failed to invalidate availability cache",
				zap.Int64("book_id", bookID),
				zap.Error(err))
		}
	}

	if d.events != nil {
		for _, event := range out.loansOpened {
			if err := d.events.PublishLoanOpened(ctx, event); err != nil {
				d.logger.Error("Failed to publish LoanOpened event", zap.Int64("loan_id", event.LoanID), zap.Error(err))
			}
		}
		for _, event := range out.loansClosed {
			if err := d.events.PublishLoanClosed(ctx, event); err != nil {
				d.logger.Error("Failed to publish LoanClosed event", zap.Int64("loan_id", event.LoanID), zap.Error(err))
			}
		}
		for _, event := range out.reservations {
			if err := d.events.PublishReservation(ctx, event); err != nil {
				d.logger.Error("Failed to publish reservation event",
					zap.Int64("reservation_id", event.ReservationID),
					zap.String("event_type", event.EventType),
					zap.Error(err))
			}
		}
	}

	for _, n := range out.notifications {
		if d.notifier == nil {
			util.NotificationsTotal.WithLabelValues(n.Kind, "dropped").Inc()
			continue
		}
		if err := d.notifier.Notify(ctx, n); err != nil {
			util.NotificationsTotal.WithLabelValues(n.Kind, "failed").Inc()
			d.logger.Error("Failed to request notification",
				zap.Int64("user_id", n.UserID),
				zap.String("kind", n.Kind),
				zap.Error(err))
			continue
		}
		util.NotificationsTotal.WithLabelValues(n.Kind, "requested").Inc()
	}
}
