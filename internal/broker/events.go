package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"circulation-service/internal/models"
	"circulation-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher publishes the circulation event stream and notification
// requests
type EventPublisher struct {
	circulation   *Producer
	notifications *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(circulation, notifications *Producer) *EventPublisher {
	return &EventPublisher{circulation: circulation, notifications: notifications}
}

func bookKey(bookID int64) string {
	return fmt.Sprintf("book-%d", bookID)
}

// PublishLoanOpened publishes LoanOpened event
func (ep *EventPublisher) PublishLoanOpened(ctx context.Context, event *models.LoanOpenedEvent) error {
	return ep.circulation.PublishEvent(ctx, bookKey(event.BookID), event.EventType, event)
}

// PublishLoanClosed publishes LoanClosed event
func (ep *EventPublisher) PublishLoanClosed(ctx context.Context, event *models.LoanClosedEvent) error {
	return ep.circulation.PublishEvent(ctx, bookKey(event.BookID), event.EventType, event)
}

// PublishReservation publishes a reservation transition
func (ep *EventPublisher) PublishReservation(ctx context.Context, event *models.ReservationEvent) error {
	return ep.circulation.PublishEvent(ctx, bookKey(event.BookID), event.EventType, event)
}

// Notify publishes a notification request for the notification worker
func (ep *EventPublisher) Notify(ctx context.Context, n models.Notification) error {
	event := &models.NotificationEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeNotificationRequest,
			Timestamp: time.Now().UTC(),
		},
		Notification: n,
	}
	return ep.notifications.PublishEvent(ctx, fmt.Sprintf("user-%d", n.UserID), event.EventType, event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onNotification func(context.Context, *models.NotificationEvent) error
	logger         *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.Component("broker")}
}

// OnNotificationRequested registers a handler for notification requests
func (eh *EventHandler) OnNotificationRequested(handler func(context.Context, *models.NotificationEvent) error) {
	eh.onNotification = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeNotificationRequest:
		if eh.onNotification != nil {
			var event models.NotificationEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal NotificationRequested event: %w", err)
			}
			return eh.onNotification(ctx, &event)
		}

	default:
		eh.logger.Debug("Unhandled event type", zap.String("event_type", baseEvent.EventType))
	}

	return nil
}
