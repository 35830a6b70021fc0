package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesCreated    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_created_total", Help: "Rides created"})
	RidesAccepted   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_accepted_total", Help: "Rides accepted by a driver"})
	RidesCompleted  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_completed_total", Help: "Rides completed"})
	RidesCancelled  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_cancelled_total", Help: "Rides cancelled"})
	AcceptConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "accept_conflicts_total", Help: "Accept attempts that lost the race"})

	FanoutDelivered = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "fanout_delivered_total", Help: "Per-recipient fanout deliveries that succeeded"})
	FanoutFailed    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "fanout_failed_total", Help: "Per-recipient fanout deliveries that failed"})

	SessionsOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "sessions_online", Help: "Sessions currently registered and online"})

	RelayForwarded    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "relay_forwarded_total", Help: "Location updates forwarded to a counterpart"})
	RelayDroppedStale = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "relay_dropped_stale_total", Help: "Location updates dropped for carrying an older timestamp"})
	RelaySessionless  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "relay_sessionless_total", Help: "Location updates accepted from parties without a live session"})

	RideIDFallbacks = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rideid_fallbacks_total", Help: "Ride IDs minted via the degraded fallback path"})

	WSMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "ws_messages_total", Help: "Inbound websocket messages by event"},
		[]string{"event"},
	)
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
