package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	m.ChunkReset("abc")
	m.ChunkReset("abc")
	m.ChunkShipped("abc", 4096)
	m.ShipFailure("abc", "encode")
	m.ManifestRejected("abc")
	m.SetActiveStreams(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.chunksReset.WithLabelValues("abc")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.chunksShipped.WithLabelValues("abc")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.shipFailures.WithLabelValues("abc", "encode")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.manifestRejections.WithLabelValues("abc")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.activeStreams))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ChunkTransition("abc", "done")
		m.ChunkReset("abc")
		m.NotReady("abc")
		m.SetAssembledAhead("abc", 12)
	})
	assert.Nil(t, m.Registry())
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.ManifestPublished("abc", "hls")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `shipper_manifest_publishes_total{format="hls",stream_key="abc"} 1`)
}
