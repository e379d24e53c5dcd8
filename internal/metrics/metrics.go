package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Publication metrics
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_events_published_total",
			Help: "Total number of events accepted for distribution",
		},
		[]string{"status"},
	)

	LiveNotificationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_events_live_notifications_total",
			Help: "Total number of live subscriber callbacks invoked",
		},
	)

	// Delivery metrics
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_events_deliveries_total",
			Help: "Total number of webhook delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telhawk_events_delivery_duration_seconds",
			Help:    "Duration of webhook delivery attempts in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telhawk_events_delivery_queue_depth",
			Help: "Current depth of the in-memory delivery queue",
		},
	)

	// Circuit breaker metrics
	BreakersOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telhawk_events_breakers_open",
			Help: "Number of webhook circuit breakers currently open",
		},
	)

	BreakerRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_events_breaker_rejections_total",
			Help: "Total number of deliveries rejected by an open circuit breaker",
		},
	)

	// Dead letter metrics
	DeadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_events_dead_letters_total",
			Help: "Total number of dead letter actions by type",
		},
		[]string{"action"},
	)

	DeadLetterQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telhawk_events_dead_letter_queue_size",
			Help: "Current number of entries in the dead letter queue",
		},
	)
)
