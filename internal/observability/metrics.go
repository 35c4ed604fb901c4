package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	RidesRequested = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "rides_requested_total", Help: "Ride requests created"}, []string{"kind"})
	OffersSent     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_sent_total", Help: "Offers sent to candidate drivers"})
	OffersDeclined = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_declined_total", Help: "Offers declined by drivers"})
	OffersExpired  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_expired_total", Help: "Offers expired by timeout, acceptance elsewhere or cancellation"})
	NoDriverTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "no_driver_available_total", Help: "Broadcast rounds that ended without any driver"})
	DriversOnline  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online drivers"})
	SessionsOpen   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "sessions_open", Help: "Live notification sessions"})

	AcceptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "accepts_total", Help: "Accept attempts by outcome"},
		[]string{"outcome"},
	)
	AcceptLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "accept_latency_seconds",
		Help:      "Time from offer sent to winning accept",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
	})
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "transitions_total", Help: "Ride state transitions by target status"},
		[]string{"to"},
	)
	DisconnectReleases = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "disconnect_lock_releases_total",
		Help:      "Dispatch locks freed because the holding connection dropped on a non-terminal ride",
	})
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Fan-out deliveries by event type and outcome"},
		[]string{"type", "outcome"},
	)
	PaymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "payments_total", Help: "Payment gateway calls by operation and result"},
		[]string{"op", "result"},
	)

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
