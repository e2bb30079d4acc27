package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the daemon.
type Metrics struct {
	ActiveChannels       *prometheus.GaugeVec
	LifecycleTransitions *prometheus.CounterVec
	ChannelEvents        *prometheus.CounterVec
	UnauthorizedSignals  *prometheus.CounterVec
	UpstreamRequests     *prometheus.CounterVec
	SubmitLatency        prometheus.Histogram
	GenerationDuration   prometheus.Histogram

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveChannels: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_channels",
			Help:      "Number of open realtime channels by kind.",
		}, []string{"channel"}),
		LifecycleTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_transitions_total",
			Help:      "AI exam lifecycle transitions by source and target phase.",
		}, []string{"from", "to"}),
		ChannelEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_events_total",
			Help:      "Realtime channel events by channel and kind.",
		}, []string{"channel", "kind"}),
		UnauthorizedSignals: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unauthorized_signals_total",
			Help:      "Unauthorized-session triggers by source and notice outcome.",
		}, []string{"source", "outcome"}),
		UpstreamRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Upstream REST requests by operation and status class.",
		}, []string{"op", "class"}),
		SubmitLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submit_latency_ms",
			Help:      "Latency of the generation submit request in milliseconds.",
			Buckets:   []float64{50, 100, 200, 400, 800, 1500, 3000, 6000},
		}),
		GenerationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Time from task acceptance to a terminal envelope.",
			Buckets:   []float64{5, 10, 20, 40, 60, 120, 240, 480},
		}),
		stages: newStageWindow(256),
	}
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.LifecycleTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveChannelEvent(channel, kind string) {
	if m == nil {
		return
	}
	m.ChannelEvents.WithLabelValues(channel, kind).Inc()
	m.stages.ObserveIndicator(channel + "_" + kind)
}

func (m *Metrics) ChannelOpened(channel string) {
	if m == nil {
		return
	}
	m.ActiveChannels.WithLabelValues(channel).Inc()
}

func (m *Metrics) ChannelClosed(channel string) {
	if m == nil {
		return
	}
	m.ActiveChannels.WithLabelValues(channel).Dec()
}

func (m *Metrics) ObserveUnauthorized(source string, noticeShown bool) {
	if m == nil {
		return
	}
	outcome := "suppressed"
	if noticeShown {
		outcome = "notice"
	}
	m.UnauthorizedSignals.WithLabelValues(source, outcome).Inc()
	m.stages.ObserveIndicator("unauthorized_" + outcome)
}

func (m *Metrics) ObserveUpstream(op string, status int) {
	if m == nil {
		return
	}
	m.UpstreamRequests.WithLabelValues(op, statusClass(status)).Inc()
}

func (m *Metrics) ObserveSubmitLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.SubmitLatency.Observe(float64(d.Milliseconds()))
	m.stages.Observe(StageSubmit, float64(d.Milliseconds()))
}

func (m *Metrics) ObserveGeneration(d time.Duration) {
	if m == nil {
		return
	}
	m.GenerationDuration.Observe(d.Seconds())
	m.stages.Observe(StageGeneration, float64(d.Milliseconds()))
}

// StageSnapshot returns rolling percentiles for the local status page.
func (m *Metrics) StageSnapshot() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.stages.Snapshot()
}

func statusClass(status int) string {
	switch {
	case status <= 0:
		return "network"
	case status < 300:
		return "2xx"
	case status == 401:
		return "401"
	case status == 409:
		return "409"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
