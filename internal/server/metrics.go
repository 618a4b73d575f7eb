package server

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the process-wide counters/histograms exposed on
// /metrics. Server updates ConnectionsOpened and ConnectionsActive;
// the turn-depth, tool-dispatch and frame-jitter histograms are
// registered, but nothing in this module observes values into them.
type Metrics struct {
	ConnectionsOpened prometheus.Counter
	ConnectionsActive prometheus.Gauge
	TurnDepth         prometheus.Histogram
	ToolDispatchSecs  prometheus.HistogramVec
	FrameJitterMS     prometheus.Histogram
}

// NewMetrics registers the gateway's metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_connections_opened_total",
			Help: "Total device WebSocket connections accepted.",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voicebridge_connections_active",
			Help: "Currently open device WebSocket connections.",
		}),
		TurnDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicebridge_turn_depth",
			Help:    "Recursion depth reached by a completed turn.",
			Buckets: prometheus.LinearBuckets(0, 1, 6),
		}),
		ToolDispatchSecs: *prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicebridge_tool_dispatch_seconds",
			Help:    "Tool dispatch latency by action outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"action"}),
		FrameJitterMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicebridge_paced_frame_jitter_ms",
			Help:    "Deviation of paced audio frame delivery from frame_duration_ms.",
			Buckets: prometheus.LinearBuckets(-20, 2, 20),
		}),
	}
	reg.MustRegister(m.ConnectionsOpened, m.ConnectionsActive, m.TurnDepth, &m.ToolDispatchSecs, m.FrameJitterMS)
	return m
}
