// Package metrics backs spec §4.5's send_metrics payload and the process
// gauges that accompany it, using github.com/prometheus/client_golang
// (pulled into the domain stack from the example pack's observability
// surface; the core itself treats these as a pluggable, optional sink).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// FlowStats is the per-flow payload posted to …/call/metrics[/<path>]
// (spec §4.5), grounded on original_source/src/flowmgr/flow.c's
// flow_stats_handler field set.
type FlowStats struct {
	ConvID              string `json:"conv_id"`
	FlowID              string `json:"flow_id"`
	SetupTimeMillis     int64  `json:"setup_time_ms"`
	LocalCandidateType  string `json:"local_candidate"`
	RemoteCandidateType string `json:"remote_candidate"`
	MediaTimeMillis     int64  `json:"media_time_ms"`
	Codec               string `json:"codec"`
	Crypto              string `json:"crypto"`
	DTLSReady           bool   `json:"dtls"`
	ICEReady            bool   `json:"ice"`
	Success             bool   `json:"success"`
}

// Registry holds the process-wide gauges/counters the core updates as
// calls and flows come and go.
type Registry struct {
	ActiveCalls      prometheus.Gauge
	ActiveFlows      prometheus.Gauge
	EstablishedFlows prometheus.Gauge
	FlowsAdded       prometheus.Counter
	FlowsDeleted     prometheus.Counter
	FlowErrors       prometheus.Counter
	SetupTime        prometheus.Histogram
	MetricsPosted    prometheus.Counter
}

// NewRegistry constructs and registers the metric set against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the process
// default registry.
func NewRegistry(reg prometheus.Registerer) *Registry {
	m := &Registry{
		ActiveCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowcore", Name: "active_calls", Help: "Number of calls currently tracked by the flow manager.",
		}),
		ActiveFlows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowcore", Name: "active_flows", Help: "Number of flows currently tracked across all calls.",
		}),
		EstablishedFlows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowcore", Name: "established_flows", Help: "Number of flows that have reached MEDIA establishment and have not since been removed.",
		}),
		FlowsAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowcore", Name: "flows_added_total", Help: "Flows added, by any path (POST response or flow-add event).",
		}),
		FlowsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowcore", Name: "flows_deleted_total", Help: "Flows removed, including ghost collection.",
		}),
		FlowErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowcore", Name: "flow_errors_total", Help: "Flows torn down via the MEDIA_FAIL error path.",
		}),
		SetupTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "flowcore", Name: "flow_setup_seconds", Help: "Time from flow-add to first MEDIA establishment.",
			Buckets: prometheus.DefBuckets,
		}),
		MetricsPosted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowcore", Name: "metrics_posts_total", Help: "POST …/call/metrics calls issued.",
		}),
	}

	reg.MustRegister(m.ActiveCalls, m.ActiveFlows, m.EstablishedFlows, m.FlowsAdded, m.FlowsDeleted, m.FlowErrors, m.SetupTime, m.MetricsPosted)
	return m
}
