// Package telemetry provides observability primitives for the gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	ActiveRequests     prometheus.Gauge
	UpstreamDuration   *prometheus.HistogramVec
	UpstreamErrors     *prometheus.CounterVec
	Conversions        *prometheus.CounterVec
	Failovers          *prometheus.CounterVec
	CandidatesPlanned  prometheus.Histogram
	RateLimitRejects   *prometheus.CounterVec
	TokensProcessed    *prometheus.CounterVec
	BreakerState       *prometheus.GaugeVec
	UsageStreamLag     *prometheus.GaugeVec
	UsageStreamPending *prometheus.GaugeVec
	DimensionsMissing  *prometheus.CounterVec
	PollerBatches      *prometheus.CounterVec
	NodesOnline        prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aether",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "aether",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aether",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "aether",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aether",
			Name:      "upstream_errors_total",
			Help:      "Total upstream errors by provider and category.",
		}, []string{"provider", "category"}),

		Conversions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aether",
			Name:      "format_conversions_total",
			Help:      "Cross-format request translations.",
		}, []string{"from", "to"}),

		Failovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aether",
			Name:      "failovers_total",
			Help:      "Attempts that moved past a failed candidate.",
		}, []string{"provider", "reason"}),

		CandidatesPlanned: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aether",
			Name:      "candidates_planned",
			Help:      "Candidates the planner produced per request.",
			Buckets:   prometheus.LinearBuckets(0, 2, 10),
		}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aether",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"type"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aether",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "aether",
			Name:      "credential_breaker_state",
			Help:      "Breaker state per credential (0 closed, 1 half-open, 2 open).",
		}, []string{"credential"}),

		UsageStreamLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "aether",
			Name:      "usage_stream_lag",
			Help:      "Usage event stream entries not yet delivered to the group.",
		}, []string{"group"}),

		UsageStreamPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "aether",
			Name:      "usage_stream_pending",
			Help:      "Usage event stream entries delivered but unacknowledged.",
		}, []string{"group"}),

		DimensionsMissing: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aether",
			Name:      "billing_dimensions_missing_total",
			Help:      "Required billing dimensions absent at settlement.",
		}, []string{"model", "dimension"}),

		PollerBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aether",
			Name:      "poller_batches_total",
			Help:      "Task poller batch outcomes.",
		}, []string{"outcome"}),

		NodesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aether",
			Name:      "proxy_nodes_online",
			Help:      "Proxy nodes currently online.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.Conversions,
		m.Failovers,
		m.CandidatesPlanned,
		m.RateLimitRejects,
		m.TokensProcessed,
		m.BreakerState,
		m.UsageStreamLag,
		m.UsageStreamPending,
		m.DimensionsMissing,
		m.PollerBatches,
		m.NodesOnline,
	)

	return m
}

// ObserveUsageStream implements the usage consumer's gauge sink.
func (m *Metrics) ObserveUsageStream(group string, lag, pending int64) {
	m.UsageStreamLag.WithLabelValues(group).Set(float64(lag))
	m.UsageStreamPending.WithLabelValues(group).Set(float64(pending))
}
