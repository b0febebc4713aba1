package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)

	assert.NotNil(t, collector)
	assert.Same(t, reg, collector.Registry())
	assert.NotNil(t, NewCollector(nil).Registry(), "nil registry gets a private one")
}

func TestCollectorsAreIndependent(t *testing.T) {
	// Two collectors on separate registries must not collide.
	assert.NotPanics(t, func() {
		NewCollector(prometheus.NewRegistry())
		NewCollector(prometheus.NewRegistry())
	})
}

func TestRecordItem(t *testing.T) {
	c := NewCollector(nil)

	c.RecordItem("webp", 100, false, 10*time.Millisecond)
	c.RecordItem("webp", 50, false, 20*time.Millisecond)
	c.RecordItem("png", 400, true, 30*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.itemsConverted.WithLabelValues("webp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.itemsConverted.WithLabelValues("png")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.itemsFallback))
	assert.Equal(t, 550.0, testutil.ToFloat64(c.stagedBytes))
	assert.Equal(t, 1, testutil.CollectAndCount(c.convertLatency))
}

func TestRecordOutcome(t *testing.T) {
	c := NewCollector(nil)

	c.RecordDone(4096, 1024)
	c.RecordError("DecodeError")
	c.RecordError("DecodeError")

	assert.Equal(t, 4096.0, testutil.ToFloat64(c.archiveBytes))
	assert.Equal(t, 1024.0, testutil.ToFloat64(c.compressedBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.batches.WithLabelValues("done")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.batches.WithLabelValues("error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.errors.WithLabelValues("DecodeError")))
}

func TestRecordStaging(t *testing.T) {
	c := NewCollector(nil)
	c.RecordStaging(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.memoryStaging))
	c.RecordStaging(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.memoryStaging))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordItem("webp", 1, false, time.Millisecond)
		c.RecordPhase("archive", time.Millisecond)
		c.RecordStaging(true)
		c.RecordDone(1, 1)
		c.RecordError("Error")
		require.NoError(t, c.WriteTextfile("/nonexistent/dir/metrics.prom"))
	})
	assert.Nil(t, c.Registry())
}

func TestWriteTextfile(t *testing.T) {
	c := NewCollector(nil)
	c.RecordItem("webp", 10, false, time.Millisecond)
	c.RecordPhase("compress", 5*time.Millisecond)
	c.RecordDone(2048, 300)

	path := filepath.Join(t.TempDir(), "webptar.prom")
	require.NoError(t, c.WriteTextfile(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(raw)
	assert.True(t, strings.Contains(text, `webptar_items_converted_total{format="webp"} 1`))
	assert.True(t, strings.Contains(text, `webptar_archive_bytes 2048`))
	assert.True(t, strings.Contains(text, `webptar_phase_seconds_count{phase="compress"} 1`))
}

func TestWriteTextfileBadPath(t *testing.T) {
	c := NewCollector(nil)
	err := c.WriteTextfile(filepath.Join(t.TempDir(), "missing", "x.prom"))
	assert.Error(t, err)
}
