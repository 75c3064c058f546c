package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketing_requests_total",
			Help: "Total number of requests",
		},
		[]string{"route", "code", "method"},
	)

	DBTxDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ticketing_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	DBTxRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ticketing_db_tx_retries_total",
			Help: "Transactions retried after a serialization or lock conflict",
		},
	)

	ReservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketing_reservations_total",
			Help: "Inventory reservation attempts by outcome",
		},
		[]string{"outcome"},
	)

	OrderTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketing_order_transitions_total",
			Help: "Order status transitions by target status",
		},
		[]string{"status"},
	)

	WebhookOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketing_webhook_outcomes_total",
			Help: "Processed payment notifications by outcome",
		},
		[]string{"outcome"},
	)

	WebhookFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketing_webhook_failures_total",
			Help: "Payment notifications acknowledged but not applied",
		},
		[]string{"stage"},
	)

	TicketsIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ticketing_tickets_issued_total",
			Help: "Admission credentials minted",
		},
	)

	ScanOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketing_scans_total",
			Help: "Ticket validations by outcome",
		},
		[]string{"outcome"},
	)

	OutboxLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ticketing_outbox_lag_seconds",
			Help: "Lag of outbox publishing",
		},
	)

	RabbitPublishRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ticketing_rabbit_publish_retries_total",
			Help: "Total rabbit publish retries",
		},
	)

	RateLimitExceeded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ticketing_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)
)

var registerOnce sync.Once

func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RequestsTotal,
			DBTxDuration,
			DBTxRetries,
			ReservationsTotal,
			OrderTransitions,
			WebhookOutcomes,
			WebhookFailures,
			TicketsIssued,
			ScanOutcomes,
			OutboxLag,
			RabbitPublishRetries,
			RateLimitExceeded,
		)
	})
}
