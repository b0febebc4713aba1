// ============================================================================
// webptar Metrics - Prometheus batch metrics
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: Collect per-batch pipeline metrics; optionally dump them to a
//           node_exporter textfile when the batch ends
//
// Metric categories:
//
//   1. Counters:
//      - webptar_items_converted_total{format}: items staged, by output format
//      - webptar_items_fallback_total: items re-encoded with the fallback
//      - webptar_staged_bytes_total: payload bytes written to staging
//      - webptar_batches_total{outcome}: finished batches, done|error
//      - webptar_errors_total{kind}: terminal errors by taxonomy kind
//
//   2. Histograms:
//      - webptar_item_convert_seconds: decode + encode + stage per item
//      - webptar_phase_seconds{phase}: archive and compress wall time
//
//   3. Gauges:
//      - webptar_archive_bytes: uncompressed container size of the last batch
//      - webptar_compressed_bytes: artifact size of the last batch
//      - webptar_staging_memory: 1 when the batch ran on in-memory staging
//
// Export:
//   There is no listener; the process runs one batch and exits. With
//   metrics.textfile set, WriteTextfile dumps the registry in text format for
//   the node_exporter textfile collector.
//
// Nil safety:
//   Every Record* method is a no-op on a nil *Collector, so callers do not
//   branch on whether metrics are enabled.
//
// ============================================================================

package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "webptar"

// Collector holds the batch metrics.
type Collector struct {
	registry *prometheus.Registry

	itemsConverted *prometheus.CounterVec
	itemsFallback  prometheus.Counter
	stagedBytes    prometheus.Counter
	batches        *prometheus.CounterVec
	errors         *prometheus.CounterVec

	convertLatency prometheus.Histogram
	phaseLatency   *prometheus.HistogramVec

	archiveBytes    prometheus.Gauge
	compressedBytes prometheus.Gauge
	memoryStaging   prometheus.Gauge
}

// NewCollector registers the batch metrics on reg. A nil reg gets a fresh
// private registry.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		itemsConverted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_converted_total",
			Help:      "Items converted and staged, by output format.",
		}, []string{"format"}),
		itemsFallback: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_fallback_total",
			Help:      "Items encoded with the lossless fallback format.",
		}),
		stagedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "staged_bytes_total",
			Help:      "Encoded payload bytes written to the staging store.",
		}),
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Finished batches by outcome.",
		}, []string{"outcome"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Terminal batch errors by kind.",
		}, []string{"kind"}),
		convertLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "item_convert_seconds",
			Help:      "Per-item decode, encode and stage latency.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		phaseLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_seconds",
			Help:      "Wall time of the archive and compress phases.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"phase"}),
		archiveBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "archive_bytes",
			Help:      "Uncompressed archive size of the last batch.",
		}),
		compressedBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "compressed_bytes",
			Help:      "Compressed artifact size of the last batch.",
		}),
		memoryStaging: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "staging_memory",
			Help:      "1 when the last batch staged in memory.",
		}),
	}
}

// Registry returns the registry the collector writes to.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// RecordItem records one staged item.
func (c *Collector) RecordItem(format string, size int, fallback bool, took time.Duration) {
	if c == nil {
		return
	}
	c.itemsConverted.WithLabelValues(format).Inc()
	if fallback {
		c.itemsFallback.Inc()
	}
	c.stagedBytes.Add(float64(size))
	c.convertLatency.Observe(took.Seconds())
}

// RecordPhase records the duration of "archive" or "compress".
func (c *Collector) RecordPhase(phase string, took time.Duration) {
	if c == nil {
		return
	}
	c.phaseLatency.WithLabelValues(phase).Observe(took.Seconds())
}

// RecordStaging notes whether the batch staged in memory.
func (c *Collector) RecordStaging(memory bool) {
	if c == nil {
		return
	}
	if memory {
		c.memoryStaging.Set(1)
	} else {
		c.memoryStaging.Set(0)
	}
}

// RecordDone records a successful batch.
func (c *Collector) RecordDone(archiveSize, compressedSize int64) {
	if c == nil {
		return
	}
	c.archiveBytes.Set(float64(archiveSize))
	c.compressedBytes.Set(float64(compressedSize))
	c.batches.WithLabelValues("done").Inc()
}

// RecordError records a failed batch with its taxonomy kind.
func (c *Collector) RecordError(kind string) {
	if c == nil {
		return
	}
	c.errors.WithLabelValues(kind).Inc()
	c.batches.WithLabelValues("error").Inc()
}

// WriteTextfile writes every registered metric to path in the Prometheus
// text format. The file is replaced atomically.
func (c *Collector) WriteTextfile(path string) error {
	if c == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
