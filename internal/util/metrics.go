package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LoansOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "circulation_loans_opened_total",
		Help: "Total number of loans opened",
	})

	LoansClosedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "circulation_loans_closed_total",
		Help: "Total number of loans closed by a return",
	})

	BorrowFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circulation_borrow_failed_total",
		Help: "Total number of failed borrow attempts",
	}, []string{"reason"})

	FinesAssessedCents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "circulation_fines_assessed_cents_total",
		Help: "Sum of fines assessed at return time, in cents",
	})

	ReservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circulation_reservations_total",
		Help: "Reservation transitions by outcome",
	}, []string{"outcome"})

	LocationRowsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circulation_location_rows_created_total",
		Help: "Location rows created by ensure, per level",
	}, []string{"level"})

	IntegrityViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circulation_integrity_violations_total",
		Help: "Operations halted because a consistency invariant was violated",
	}, []string{"operation"})

	TxRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circulation_tx_retries_total",
		Help: "Transactions retried after a transient storage failure",
	}, []string{"operation"})

	TxLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "circulation_tx_latency_seconds",
		Help:    "Latency of circulation transactions",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circulation_notifications_total",
		Help: "Notification requests by kind and result",
	}, []string{"kind", "result"})

	HoldsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "circulation_holds_expired_total",
		Help: "Reservation holds cancelled because the grace window elapsed",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
