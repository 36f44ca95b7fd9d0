package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TripsRequested = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "trips_requested_total", Help: "Total trip requests accepted"})
	OffersTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_total", Help: "Total offers pushed to drivers"})

	OffersResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_resolved_total", Help: "Offers by outcome"},
		[]string{"outcome"}, // accepted | declined | expired
	)

	ReservationConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "reservation_conflicts_total", Help: "Lost driver reservation races, retried internally"})
	DispatchExhausted    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "dispatch_exhausted_total", Help: "Trips cancelled with no drivers available"})

	NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "notifications_dropped_total", Help: "Events dropped because no session was connected"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
