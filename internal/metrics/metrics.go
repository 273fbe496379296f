// Package metrics exposes runtime and sync counters as Prometheus series,
// served at /metrics via promhttp.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	syncpkg "github.com/gatewaycore/llmcore/internal/sync"
)

// Registry groups every collector this process exposes. A fresh Registry
// is also what each test uses to avoid cross-test registration panics.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal       *prometheus.CounterVec
	StreamDuration      *prometheus.HistogramVec
	ActiveStreams       prometheus.Gauge
	TokensTotal         *prometheus.CounterVec
	SyncOperationsTotal prometheus.Counter
	SyncConflictsTotal  prometheus.Counter
	SyncBytesSent       prometheus.Counter
	SyncBytesReceived   prometheus.Counter
}

// New registers every collector against a fresh prometheus.Registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		RequestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "llmcore_requests_total",
			Help: "Completions and streams requested, by provider type and outcome.",
		}, []string{"provider", "outcome"}),
		StreamDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llmcore_stream_duration_seconds",
			Help:    "Wall-clock duration of a streaming completion from first to last chunk.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		ActiveStreams: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "llmcore_active_streams",
			Help: "Number of streaming sessions currently in flight.",
		}),
		TokensTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "llmcore_tokens_total",
			Help: "Prompt and completion tokens consumed, by provider and kind.",
		}, []string{"provider", "kind"}),
		SyncOperationsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "llmcore_sync_operations_total",
			Help: "Collaborative sync operations processed (local edits plus incoming changes).",
		}),
		SyncConflictsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "llmcore_sync_conflicts_total",
			Help: "Concurrent vector-clock conflicts resolved by the sync engine.",
		}),
		SyncBytesSent: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "llmcore_sync_bytes_sent_total",
			Help: "Bytes of outgoing sync changes transported.",
		}),
		SyncBytesReceived: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "llmcore_sync_bytes_received_total",
			Help: "Bytes of incoming sync changes processed.",
		}),
	}
	return r
}

// Handler returns the http.Handler that serves this registry's series.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// StreamStarted/StreamEnded wrap the obvious gauge increment/decrement so
// callers can defer the decrement next to the increment.
func (r *Registry) StreamStarted() { r.ActiveStreams.Inc() }
func (r *Registry) StreamEnded()   { r.ActiveStreams.Dec() }

// RecordRequest increments the request counter for one completion or
// stream attempt.
func (r *Registry) RecordRequest(provider, outcome string) {
	r.RequestsTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordTokens adds usage counts for one completion.
func (r *Registry) RecordTokens(provider string, promptTokens, completionTokens int) {
	r.TokensTotal.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	r.TokensTotal.WithLabelValues(provider, "completion").Add(float64(completionTokens))
}

// ObserveSyncStatistics publishes a sync.Engine's point-in-time counters.
// Since sync.Statistics accumulates from zero on the engine side, this
// adds only the delta against what was last observed.
func (r *Registry) ObserveSyncStatistics(prev, cur syncpkg.Statistics) {
	r.SyncOperationsTotal.Add(float64(cur.SyncOperations - prev.SyncOperations))
	r.SyncConflictsTotal.Add(float64(cur.ConflictsResolved - prev.ConflictsResolved))
	r.SyncBytesSent.Add(float64(cur.BytesSent - prev.BytesSent))
	r.SyncBytesReceived.Add(float64(cur.BytesReceived - prev.BytesReceived))
}
