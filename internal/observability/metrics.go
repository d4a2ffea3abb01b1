package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsLive = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ems_dispatch", Name: "connections_live", Help: "Live realtime connections"})
	UsersOnline     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ems_dispatch", Name: "users_online", Help: "Users with at least one live connection"})

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ems_dispatch", Name: "ride_transitions_total", Help: "Ride state transitions applied"},
		[]string{"target"},
	)
	AssignmentsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ems_dispatch", Name: "assignments_total", Help: "Rides assigned to a driver"})
	RebalanceSkipped = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ems_dispatch", Name: "rebalance_skipped_total", Help: "Rides left pending because all drivers were saturated"})
	RebalanceLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ems_dispatch", Name: "rebalance_latency_seconds", Help: "Matching pass latency"})

	EventsFannedOut = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ems_dispatch", Name: "events_fanned_out_total", Help: "Events delivered to live connections"},
		[]string{"event"},
	)
	SendErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ems_dispatch", Name: "ws_send_errors_total", Help: "Failed writes to realtime connections"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ems_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ems_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
