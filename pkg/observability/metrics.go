package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scheduler metrics
var (
	PlacementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skylab_placements_total",
			Help: "Total number of placement decisions",
		},
		[]string{"class", "result"}, // placed, deferred, failed
	)

	AdmissionRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skylab_admission_rejections_total",
			Help: "Total number of requests rejected at admission",
		},
		[]string{"class", "reason"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "skylab_queue_depth",
			Help: "Current number of pending requests per capability class",
		},
		[]string{"class"},
	)

	TickDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "skylab_tick_duration_seconds",
			Help:    "Duration of reconciliation ticks in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.2, 0.5, 1.0, 2.0, 5.0},
		},
	)

	ProvisionAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skylab_provision_attempts_total",
			Help: "Total number of fleet provisioning attempts",
		},
		[]string{"class", "result"}, // ok, error
	)

	StoreConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "skylab_store_conflicts_total",
			Help: "Total number of conditional-write conflicts retried",
		},
	)
)

// Fleet metrics
var (
	NodesByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "skylab_nodes",
			Help: "Current number of nodes per class and state",
		},
		[]string{"class", "state"},
	)

	NodesReclaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skylab_nodes_reclaimed_total",
			Help: "Total number of nodes torn down by idle reclamation",
		},
		[]string{"class"},
	)

	NodesLostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skylab_nodes_lost_total",
			Help: "Total number of nodes declared lost after missing heartbeats",
		},
		[]string{"class"},
	)
)

// Session metrics
var (
	SessionTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skylab_session_transitions_total",
			Help: "Total number of session state transitions",
		},
		[]string{"from", "to"},
	)

	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "skylab_active_sessions",
			Help: "Current number of active sessions per class",
		},
		[]string{"class"},
	)
)

// Gateway metrics
var (
	GatewayConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skylab_gateway_connections_total",
			Help: "Total number of gateway connection attempts",
		},
		[]string{"result"}, // ok, invalid_token, session_not_active, node_unavailable
	)

	GatewayActiveProxies = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "skylab_gateway_active_proxies",
			Help: "Current number of live proxied connections",
		},
	)

	GatewayProxiedBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skylab_gateway_proxied_bytes_total",
			Help: "Total bytes proxied through the gateway",
		},
		[]string{"direction"}, // client_to_node, node_to_client
	)
)
