package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the shipping pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry           *prometheus.Registry
	chunkTransitions   *prometheus.CounterVec
	chunksReset        *prometheus.CounterVec
	chunksShipped      *prometheus.CounterVec
	shipFailures       *prometheus.CounterVec
	notReady           *prometheus.CounterVec
	manifestPublishes  *prometheus.CounterVec
	manifestRejections *prometheus.CounterVec
	encodeDuration     *prometheus.HistogramVec
	fragmentBytes      *prometheus.HistogramVec
	assembledAhead     *prometheus.GaugeVec
	activeStreams      prometheus.Gauge
}

// NewMetrics creates and registers the pipeline collectors on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		chunkTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shipper_chunk_transitions_total",
			Help: "Chunk state transitions by target state",
		}, []string{"stream_key", "state"}),
		chunksReset: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shipper_chunks_reset_total",
			Help: "Chunks reset to pending after exceeding the print timeout",
		}, []string{"stream_key"}),
		chunksShipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shipper_chunks_shipped_total",
			Help: "Chunks that reached the done state",
		}, []string{"stream_key"}),
		shipFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shipper_ship_failures_total",
			Help: "Failed mix, encode, build or upload attempts",
		}, []string{"stream_key", "stage"}),
		notReady: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shipper_chunks_not_ready_total",
			Help: "Mix attempts deferred because source audio was not ready",
		}, []string{"stream_key"}),
		manifestPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shipper_manifest_publishes_total",
			Help: "Manifest uploads by format",
		}, []string{"stream_key", "format"}),
		manifestRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shipper_manifest_rejections_total",
			Help: "Playlist entries rejected because they would leave a sequence gap",
		}, []string{"stream_key"}),
		encodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shipper_encode_duration_seconds",
			Help:    "Time spent in the external AAC encoder per chunk",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"stream_key"}),
		fragmentBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shipper_fragment_bytes",
			Help:    "Size of published media fragments",
			Buckets: prometheus.ExponentialBuckets(16*1024, 2, 8),
		}, []string{"stream_key"}),
		assembledAhead: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shipper_assembled_ahead_seconds",
			Help: "How far the contiguous done horizon is ahead of now",
		}, []string{"stream_key"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shipper_active_streams",
			Help: "Number of running stream workers",
		}),
	}

	registry.MustRegister(
		m.chunkTransitions,
		m.chunksReset,
		m.chunksShipped,
		m.shipFailures,
		m.notReady,
		m.manifestPublishes,
		m.manifestRejections,
		m.encodeDuration,
		m.fragmentBytes,
		m.assembledAhead,
		m.activeStreams,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ChunkTransition records a chunk moving into state.
func (m *Metrics) ChunkTransition(streamKey, state string) {
	if m == nil {
		return
	}
	m.chunkTransitions.WithLabelValues(streamKey, state).Inc()
}

// ChunkReset records a stalled chunk being reset.
func (m *Metrics) ChunkReset(streamKey string) {
	if m == nil {
		return
	}
	m.chunksReset.WithLabelValues(streamKey).Inc()
}

// ChunkShipped records a chunk reaching done.
func (m *Metrics) ChunkShipped(streamKey string, fragmentSize int) {
	if m == nil {
		return
	}
	m.chunksShipped.WithLabelValues(streamKey).Inc()
	if fragmentSize > 0 {
		m.fragmentBytes.WithLabelValues(streamKey).Observe(float64(fragmentSize))
	}
}

// ShipFailure records a failure at the named pipeline stage.
func (m *Metrics) ShipFailure(streamKey, stage string) {
	if m == nil {
		return
	}
	m.shipFailures.WithLabelValues(streamKey, stage).Inc()
}

// NotReady records a deferred mix.
func (m *Metrics) NotReady(streamKey string) {
	if m == nil {
		return
	}
	m.notReady.WithLabelValues(streamKey).Inc()
}

// ManifestPublished records a manifest upload.
func (m *Metrics) ManifestPublished(streamKey, format string) {
	if m == nil {
		return
	}
	m.manifestPublishes.WithLabelValues(streamKey, format).Inc()
}

// ManifestRejected records a gap-guard rejection.
func (m *Metrics) ManifestRejected(streamKey string) {
	if m == nil {
		return
	}
	m.manifestRejections.WithLabelValues(streamKey).Inc()
}

// ObserveEncode records encoder wall time in seconds.
func (m *Metrics) ObserveEncode(streamKey string, seconds float64) {
	if m == nil {
		return
	}
	m.encodeDuration.WithLabelValues(streamKey).Observe(seconds)
}

// SetAssembledAhead sets the horizon lead for a stream.
func (m *Metrics) SetAssembledAhead(streamKey string, seconds float64) {
	if m == nil {
		return
	}
	m.assembledAhead.WithLabelValues(streamKey).Set(seconds)
}

// SetActiveStreams sets the running worker gauge.
func (m *Metrics) SetActiveStreams(n int) {
	if m == nil {
		return
	}
	m.activeStreams.Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
