// Package metrics provides Prometheus metrics for the sync subsystem.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors updated by the queue, the engine and the
// transports. A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	queueDepth      prometheus.Gauge
	uploadsTotal    *prometheus.CounterVec
	uploadDuration  prometheus.Histogram
	pullsTotal      *prometheus.CounterVec
	pullDuration    prometheus.Histogram
	changesApplied  *prometheus.CounterVec
	conflictsTotal  *prometheus.CounterVec
	transportCalls  *prometheus.CounterVec
	transportTiming *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry registers the collectors on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "quill_queue_depth",
			Help: "Number of pending upload operations",
		}),
		uploadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quill_uploads_total",
			Help: "Total upload attempts by outcome",
		}, []string{"status"}),
		uploadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "quill_upload_duration_seconds",
			Help:    "Duration of push processor invocations",
			Buckets: prometheus.DefBuckets,
		}),
		pullsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quill_pulls_total",
			Help: "Total pull cycles by outcome",
		}, []string{"status"}),
		pullDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "quill_pull_duration_seconds",
			Help:    "Duration of pull cycles",
			Buckets: prometheus.DefBuckets,
		}),
		changesApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quill_remote_changes_total",
			Help: "Remote changes processed during pulls by action",
		}, []string{"action"}),
		conflictsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quill_conflicts_total",
			Help: "Conflicts detected by origin",
		}, []string{"origin"}),
		transportCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quill_transport_calls_total",
			Help: "Remote transport calls",
		}, []string{"operation", "status"}),
		transportTiming: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quill_transport_call_duration_seconds",
			Help:    "Remote transport call duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

// Handler returns the HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// SetQueueDepth records the current number of pending operations.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// RecordUpload records one processor invocation.
func (m *Metrics) RecordUpload(duration time.Duration, success bool) {
	if m == nil {
		return
	}
	m.uploadsTotal.WithLabelValues(status(success)).Inc()
	m.uploadDuration.Observe(duration.Seconds())
}

// RecordPull records one pull cycle.
func (m *Metrics) RecordPull(duration time.Duration, success bool) {
	if m == nil {
		return
	}
	m.pullsTotal.WithLabelValues(status(success)).Inc()
	m.pullDuration.Observe(duration.Seconds())
}

// RecordChange counts a remote change handled during a pull.
func (m *Metrics) RecordChange(action string) {
	if m == nil {
		return
	}
	m.changesApplied.WithLabelValues(action).Inc()
}

// RecordConflict counts a detected conflict.
func (m *Metrics) RecordConflict(origin string) {
	if m == nil {
		return
	}
	m.conflictsTotal.WithLabelValues(origin).Inc()
}

// RecordTransportCall records a remote call.
func (m *Metrics) RecordTransportCall(operation string, duration time.Duration, success bool) {
	if m == nil {
		return
	}
	m.transportCalls.WithLabelValues(operation, status(success)).Inc()
	m.transportTiming.WithLabelValues(operation).Observe(duration.Seconds())
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
