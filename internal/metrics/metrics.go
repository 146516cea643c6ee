package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amp_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "amp_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5, 15},
		},
		[]string{"method", "path"},
	)

	// Routing metrics
	RoutesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amp_routes_total",
			Help: "Route outcomes",
		},
		[]string{"status", "method"}, // delivered/queued/rejected, local/mesh/relay
	)

	MeshForwardFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amp_mesh_forward_failures_total",
			Help: "Failed mesh forwards that fell back to the relay",
		},
		[]string{"host"},
	)

	MeshForwardDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "amp_mesh_forward_duration_seconds",
			Help:    "Mesh forward call latency",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 15},
		},
	)

	SignatureChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amp_signature_checks_total",
			Help: "Envelope signature verification outcomes",
		},
		[]string{"result"}, // valid/missing/invalid/unverified
	)

	// Relay metrics
	RelayEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "amp_relay_enqueued_total",
			Help: "Messages queued in the relay",
		},
	)

	RelayAcknowledged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "amp_relay_acknowledged_total",
			Help: "Relay messages acknowledged by recipients",
		},
	)

	RelayExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "amp_relay_expired_total",
			Help: "Relay entries removed after TTL expiry or as unreadable",
		},
	)

	// Registration metrics
	AgentsRegistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "amp_agents_registered_total",
			Help: "Total agents registered",
		},
	)

	RegistrationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amp_registration_failures_total",
			Help: "Rejected registrations",
		},
		[]string{"code"},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amp_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	BlockedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amp_blocked_requests_total",
			Help: "Total blocked requests",
		},
		[]string{"reason"},
	)
)
