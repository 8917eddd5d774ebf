package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OpenRequests  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_orchestrator", Name: "open_requests", Help: "Ride requests currently open"})
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_orchestrator", Name: "drivers_online", Help: "Drivers with a recent location update"})

	OffersTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_orchestrator", Name: "offers_total", Help: "Driver offers created"})
	MatchesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_orchestrator", Name: "matches_total", Help: "Offers accepted into trips"})
	MatchLosses  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_orchestrator", Name: "match_losses_total", Help: "Accept attempts that lost the race"})

	TripTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_orchestrator", Name: "trip_transitions_total", Help: "Trip state transitions by target status"},
		[]string{"to"},
	)

	SettlementOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_orchestrator", Name: "settlement_outcomes_total", Help: "Settlement leg outcomes"},
		[]string{"leg", "outcome"},
	)
	SettlementRetries = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_orchestrator", Name: "settlement_retries_total", Help: "Settlement debit retries scheduled"})

	EventsPublished = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_orchestrator", Name: "events_published_total", Help: "Lifecycle events handed to the publisher"})
	EventsDropped   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_orchestrator", Name: "events_dropped_total", Help: "Lifecycle events dropped by the fire-and-forget publisher"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_orchestrator", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_orchestrator",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
