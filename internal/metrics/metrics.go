// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Buffer path counters
	Enqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spillway_enqueued_total",
			Help: "Requests durably enqueued into the buffer",
		},
	)

	Replayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spillway_replayed_total",
			Help: "Buffered requests replayed downstream successfully",
		},
	)

	Rejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spillway_rejected_total",
			Help: "Buffered requests permanently rejected downstream",
		},
	)

	Dropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spillway_dropped_total",
			Help: "Buffered requests dropped at TTL expiry without replay",
		},
	)

	Deferred = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spillway_deferred_total",
			Help: "Replay attempts deferred on downstream distress",
		},
	)

	IngestRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spillway_ingest_rejections_total",
			Help: "Ingest requests refused before enqueue",
		},
		[]string{"reason"},
	)

	// Buffer introspection
	BufferLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "spillway_buffer_lag",
			Help: "Undelivered records currently in the buffer",
		},
	)

	BufferOldestAge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "spillway_buffer_oldest_age_seconds",
			Help: "Age of the oldest undelivered buffered record",
		},
	)

	// Controller state
	Mode = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "spillway_mode",
			Help: "Current diversion mode (0=normal, 1=diverting, 2=draining)",
		},
	)

	TargetWeight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "spillway_target_weight",
			Help: "Target diversion weight commanded to the routing layer",
		},
	)

	WeightCommandFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spillway_weight_command_failures_total",
			Help: "Weight-change commands that exhausted their retry budget",
		},
	)

	// Replay governance
	ReplayRateLimit = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "spillway_replay_rate_limit",
			Help: "Current replay rate budget in requests per second",
		},
	)

	BreakerOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "spillway_replay_breaker_open",
			Help: "Whether the replay circuit breaker is open (1) or closed (0)",
		},
	)
)
