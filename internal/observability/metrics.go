package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_booking"

var (
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "transitions_total", Help: "Booking status transitions applied"},
		[]string{"to"},
	)
	TransitionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "transitions_rejected_total", Help: "Booking operations that failed, by error kind"},
		[]string{"kind"},
	)
	PaymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "payments_total", Help: "Payment gateway calls by operation and outcome"},
		[]string{"operation", "outcome"},
	)
	PaymentLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "payment_latency_seconds", Help: "Payment gateway call latency", Buckets: prometheus.DefBuckets},
		[]string{"operation"},
	)
	RouteLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "route_lookups_total", Help: "Route provider lookups by outcome"},
		[]string{"outcome"},
	)
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Notifications recorded by type"},
		[]string{"type"},
	)
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notification_deliveries_total", Help: "Notification channel deliveries by outcome"},
		[]string{"channel", "outcome"},
	)
	LeaveTimersFired = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "leave_timers_fired_total", Help: "Leave-now timers that fired"})
	LeaveTimersArmed = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "leave_timers_armed", Help: "Leave-now timers currently armed in process"})

	TrackingSessions  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "tracking_sessions", Help: "Open live tracking sessions"})
	TrackingObservers = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "tracking_observers", Help: "Connected tracking observers"})
	SamplesTotal      = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_samples_total", Help: "Driver location samples received"},
		[]string{"persisted"},
	)
	AutoTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "auto_transitions_total", Help: "Proximity triggered transitions by target status and result"},
		[]string{"to", "result"},
	)
	EchoesSkipped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "tracking_echoes_skipped_total", Help: "Echoes not queued for a lagging driver connection"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
