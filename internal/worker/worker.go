package worker

import (
	"context"
	"time"

	"circulation-service/internal/broker"
	"circulation-service/internal/models"
	"circulation-service/internal/util"

	"go.uber.org/zap"
)

// Deliverer hands a notification to the reader over some channel
type Deliverer interface {
	Deliver(ctx context.Context, event *models.NotificationEvent) error
}

// LogDeliverer writes notifications to the log. It stands in for a mail or
// SMS gateway.
type LogDeliverer struct {
	logger *zap.Logger
}

// NewLogDeliverer creates a log-backed deliverer
func NewLogDeliverer() *LogDeliverer {
	return &LogDeliverer{logger: util.Component("notifications")}
}

// Deliver logs the notification
func (d *LogDeliverer) Deliver(_ context.Context, event *models.NotificationEvent) error {
	d.logger.Info("Notification delivered",
		zap.String("event_id", event.EventID),
		zap.Int64("user_id", event.UserID),
		zap.String("kind", event.Kind),
		zap.String("message", event.Message))
	util.NotificationsTotal.WithLabelValues(event.Kind, "delivered").Inc()
	return nil
}

// NotificationWorker consumes notification requests and delivers them
type NotificationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer *broker.Consumer, deliverer Deliverer) *NotificationWorker {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnNotificationRequested(deliverer.Deliver)

	return &NotificationWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.Component("worker"),
	}
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.consumer.Close()
}

// HoldExpirer cancels reservation holds whose grace window lapsed
type HoldExpirer interface {
	ExpireHolds(ctx context.Context) (int, error)
}

// HoldExpiryWorker periodically sweeps lapsed holds so their units move on
// to the next reader even when nobody borrows the book
type HoldExpiryWorker struct {
	expirer  HoldExpirer
	interval time.Duration
	logger   *zap.Logger
}

// NewHoldExpiryWorker creates a sweeper running every interval
func NewHoldExpiryWorker(expirer HoldExpirer, interval time.Duration) *HoldExpiryWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &HoldExpiryWorker{
		expirer:  expirer,
		interval: interval,
		logger:   util.Component("worker"),
	}
}

// Run sweeps once immediately, then on every tick until ctx is done
func (w *HoldExpiryWorker) Run(ctx context.Context) {
	w.logger.Info("Starting hold expiry worker", zap.Duration("interval", w.interval))

	t := time.NewTicker(w.interval)
	defer t.Stop()

	w.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping hold expiry worker")
			return
		case <-t.C:
			w.sweepOnce(ctx)
		}
	}
}

func (w *HoldExpiryWorker) sweepOnce(ctx context.Context) {
	start := time.Now()
	expired, err := w.expirer.ExpireHolds(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("Hold expiry sweep failed", zap.Error(err))
		}
		return
	}
	if expired > 0 {
		w.logger.Info("Hold expiry sweep",
			zap.Int("expired", expired),
			zap.Duration("latency", time.Since(start)))
	}
}
