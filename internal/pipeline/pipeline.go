// ============================================================================
// webptar Pipeline - one batch from inputs to a delivered artifact
// ============================================================================
//
// Package: internal/pipeline
// File: pipeline.go
// Function: Wire every component for one batch and run it
//
// Flow:
//
//   probe ──▶ select plan ──▶ build converter/compressor ──▶ executor
//                                                              │
//   textfile ◀── deliver ◀── done{result} ◀── worker.Run ◀─────┘
//
//   1. mode.Probe checks background execution, persistent staging and the
//      WebP encoder; mode.Select maps them to a Plan
//   2. plan caveats reach the observer as warning events
//   3. the plan picks the executor (Background or Inline) and the staging
//      backend the coordinator opens on start
//   4. worker.Run drives the pull protocol until done or error
//   5. the result is written as <prefix>_<ms>.tar.zst (plus manifest)
//   6. metrics are dumped to a textfile when configured
//
// Every batch carries a batch_id in its log lines and manifest.
//
// ============================================================================

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image/png"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/ChuLiYu/webptar/internal/compress"
	"github.com/ChuLiYu/webptar/internal/convert"
	"github.com/ChuLiYu/webptar/internal/coordinator"
	"github.com/ChuLiYu/webptar/internal/delivery"
	"github.com/ChuLiYu/webptar/internal/metrics"
	"github.com/ChuLiYu/webptar/internal/mode"
	"github.com/ChuLiYu/webptar/internal/staging"
	"github.com/ChuLiYu/webptar/internal/worker"
	"github.com/ChuLiYu/webptar/pkg/types"
)

// ============================================================================
// Configuration
// ============================================================================

// Config is everything one batch needs.
type Config struct {
	Policy              mode.Policy
	Staging             staging.Options
	AllowMemoryFallback bool

	CWebP   string  // encoder binary, resolved through PATH
	PNGOnly bool    // skip the WebP probe and write PNG
	Quality float64 // lossy quality in (0,1]

	CompressLevel zstd.EncoderLevel
	ModTime       time.Time // zero stamps entries with the batch start time

	OutputDir string
	Prefix    string
	Manifest  bool

	// Metrics is optional; MetricsTextfile is written after every batch
	// when both are set.
	Metrics         *metrics.Collector
	MetricsTextfile string

	Logger *slog.Logger
}

// Report describes a finished batch.
type Report struct {
	BatchID      string
	Capabilities mode.Capabilities
	Plan         mode.Plan
	Result       *types.Result
	Artifact     delivery.Artifact
	Duration     time.Duration
}

// Pipeline runs batches, one at a time.
type Pipeline struct {
	cfg    Config
	log    *slog.Logger
	writer *delivery.Writer
	newID  func() string
}

// New validates cfg and returns a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Quality == 0 {
		cfg.Quality = convert.DefaultQuality
	}
	if cfg.Quality < 0 || cfg.Quality > 1 {
		return nil, fmt.Errorf("quality %.2f out of range (0,1]", cfg.Quality)
	}
	if cfg.Policy == "" {
		cfg.Policy = mode.PolicyAuto
	}
	if cfg.CompressLevel == 0 {
		cfg.CompressLevel = zstd.SpeedDefault
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "."
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Pipeline{
		cfg:    cfg,
		log:    cfg.Logger,
		writer: delivery.NewWriter(cfg.OutputDir, cfg.Prefix, delivery.WithManifest(cfg.Manifest)),
		newID:  uuid.NewString,
	}, nil
}

// Plan probes the capabilities and resolves the plan without running a
// batch.
func (p *Pipeline) Plan(ctx context.Context) (mode.Capabilities, mode.Plan, error) {
	caps := mode.Probe(ctx, mode.ProbeOptions{
		Policy:  p.cfg.Policy,
		Staging: p.cfg.Staging,
		CWebP:   p.cfg.CWebP,
		PNGOnly: p.cfg.PNGOnly,
		Logger:  p.log,
	})
	plan, err := mode.Select(p.cfg.Policy, caps, p.cfg.AllowMemoryFallback)
	return caps, plan, err
}

// Run converts every item of src and delivers the artifact.
//
// Parameters:
//   - ctx: checked between items
//   - src: the batch, read one item at a time
//   - observe: receives warning, progress and terminal events; may be nil
//
// Returns:
//   - *Report: the plan, result and artifact paths
//   - error: the terminal error; a *types.ReportedError when the batch
//     failed inside the coordinator
func (p *Pipeline) Run(ctx context.Context, src worker.ItemSource, observe worker.Observer) (*Report, error) {
	if observe == nil {
		observe = func(types.Event) {}
	}
	started := time.Now()
	report := &Report{BatchID: p.newID()}
	logger := p.log.With("batch_id", report.BatchID)

	caps, plan, err := p.Plan(ctx)
	report.Capabilities, report.Plan = caps, plan
	if err != nil {
		p.cfg.Metrics.RecordError(types.KindName(err))
		logger.Error("no usable execution plan", "error", err)
		return report, err
	}
	logger.Info("batch started",
		"items", src.Len(),
		"execution", plan.Execution,
		"staging", plan.Staging,
		"format", plan.Format)
	for _, c := range plan.Caveats {
		logger.Warn("degraded capability", "caveat", c)
		observe(types.Event{Kind: types.EventWarning, Label: c})
	}

	zs := compress.NewZstd(p.cfg.CompressLevel)
	defer zs.Close()

	stagingOpts := p.cfg.Staging
	stagingOpts.Backend = plan.Staging
	coordCfg := coordinator.Config{
		Converter:           p.converter(plan),
		Compressor:          zs,
		Staging:             stagingOpts,
		AllowMemoryFallback: p.cfg.AllowMemoryFallback,
		ModTime:             p.cfg.ModTime,
		Metrics:             p.cfg.Metrics,
		Logger:              logger,
	}

	var exec worker.Executor
	if plan.Execution == types.ExecutionBackground {
		exec = worker.NewBackground(coordCfg)
	} else {
		exec = worker.NewInline(coordCfg)
	}

	res, err := worker.Run(ctx, exec, src, observe)
	if cerr := exec.Close(); cerr != nil {
		logger.Warn("close executor", "error", cerr)
	}
	p.writeMetrics(logger)
	if err != nil {
		logger.Error("batch failed", "error", err, "duration", time.Since(started))
		return report, err
	}
	report.Result = res

	art, err := p.writer.Deliver(res, delivery.Manifest{
		BatchID:   report.BatchID,
		Execution: plan.Execution,
		Staging:   plan.Staging,
		Caveats:   plan.Caveats,
	})
	if err != nil {
		return report, fmt.Errorf("deliver artifact: %w", err)
	}
	report.Artifact = art
	report.Duration = time.Since(started)

	logger.Info("batch delivered",
		"artifact", art.Path,
		"entries", len(res.Entries),
		"archive_bytes", res.ArchiveSize,
		"compressed_bytes", art.Size,
		"duration", report.Duration)
	return report, nil
}

// converter builds the converter the plan calls for.
func (p *Pipeline) converter(plan mode.Plan) *convert.Converter {
	opts := []convert.Option{
		convert.WithQuality(p.cfg.Quality),
		convert.WithFallback(convert.PNGEncoder{Level: png.DefaultCompression}),
	}
	if plan.Format != types.FormatWebP {
		return convert.New(nil, opts...)
	}
	return convert.New(convert.NewCWebP(p.cfg.CWebP), opts...)
}

func (p *Pipeline) writeMetrics(logger *slog.Logger) {
	if p.cfg.MetricsTextfile == "" || p.cfg.Metrics == nil {
		return
	}
	if err := p.cfg.Metrics.WriteTextfile(p.cfg.MetricsTextfile); err != nil {
		logger.Warn("metrics textfile", "error", err)
	}
}

// IsBatchError reports whether err ended a batch inside the coordinator, as
// opposed to a setup, cancellation or delivery failure.
func IsBatchError(err error) bool {
	var reported *types.ReportedError
	return errors.As(err, &reported)
}
