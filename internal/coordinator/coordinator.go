// ============================================================================
// webptar Coordinator - pipeline driver on the library side of the protocol
// ============================================================================
//
// Package: internal/coordinator
// File: coordinator.go
// Function: Pull items one at a time, convert and stage them, then build the
//           archive and compress it, emitting protocol events throughout
//
// Protocol (caller ⇄ coordinator):
//
//   start{total}         ─▶  [warning]  request-next{0} | finalize
//   process-item{i}      ─▶  progress   request-next{i+1} | finalize
//   finalize             ─▶  progress*  done{result} | error{reason}
//
// Core flow:
//   1. Start   - reset BatchState, open or clear the staging store
//   2. Submit  - convert → put → record → progress → pull the next item
//   3. Finalize - archive.Build over the records (85..95) → zstd (95..99)
//   4. done{100} carries the compressed artifact
//
// Guarantees:
//   - exactly one item is in Converting at any time (pull, not push)
//   - records are appended in submission order, which is index order
//   - fail-fast: the first error ends the batch with one error event
//   - at most one terminal event; later commands are logged and ignored
//   - progress never decreases and only done carries 100
//
// Degraded staging:
//   If the persistent store cannot be initialized and AllowMemoryFallback is
//   set, the batch continues on an in-memory store and a warning event is
//   emitted. Otherwise the batch fails with InitializationError.
//
// Concurrency:
//   A Coordinator is driven by one goroutine at a time; mu serializes Handle
//   calls made from elsewhere (tests, the inline driver).
//
// ============================================================================

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/webptar/internal/archive"
	"github.com/ChuLiYu/webptar/internal/batch"
	"github.com/ChuLiYu/webptar/internal/convert"
	"github.com/ChuLiYu/webptar/internal/metrics"
	"github.com/ChuLiYu/webptar/internal/staging"
	"github.com/ChuLiYu/webptar/pkg/types"
)

// ============================================================================
// Collaborators
// ============================================================================

// Converter converts one source item.
type Converter interface {
	Convert(ctx context.Context, item types.SourceItem) (convert.Output, error)
	Format() string
}

// Compressor compresses the complete archive buffer in one call.
type Compressor interface {
	Compress(src []byte) ([]byte, error)
}

// Emitter receives every event the coordinator produces, in order.
type Emitter func(types.Event)

// Config wires a Coordinator.
type Config struct {
	Converter  Converter
	Compressor Compressor

	// Staging selects the store opened on Start. Ignored when Store is set.
	Staging staging.Options
	// Store, when set, is used as is and cleared on every Start.
	Store staging.Store
	// AllowMemoryFallback continues on an in-memory store when the
	// persistent one cannot be initialized.
	AllowMemoryFallback bool

	// ModTime is stamped on every archive entry. Zero uses the Start time.
	ModTime time.Time

	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Coordinator is the library side of the batch protocol.
type Coordinator struct {
	mu         sync.Mutex
	cfg        Config
	emit       Emitter
	log        *slog.Logger
	batch      *batch.Batch
	meter      batch.Meter
	store      staging.Store
	ownsStore  bool // store was opened here and is closed by Close
	modTime    time.Time
	terminated bool // a done or error event has been emitted
	current    string
}

// New returns an idle coordinator that reports through emit.
func New(cfg Config, emit Emitter) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if emit == nil {
		emit = func(types.Event) {}
	}
	return &Coordinator{
		cfg:   cfg,
		emit:  emit,
		log:   logger.With("component", "coordinator"),
		batch: batch.New(),
		store: cfg.Store,
	}
}

// Handle dispatches one protocol command.
func (c *Coordinator) Handle(ctx context.Context, cmd types.Command) {
	switch cmd.Kind {
	case types.CommandStart:
		c.Start(ctx, cmd.Total)
	case types.CommandProcessItem:
		c.Submit(ctx, cmd.Item)
	case types.CommandFinalize:
		c.Finalize(ctx)
	default:
		c.mu.Lock()
		defer c.mu.Unlock()
		c.failLocked(types.NewError(types.ErrProtocol, fmt.Errorf("unknown command %q", cmd.Kind)))
	}
}

// ============================================================================
// start
// ============================================================================

// Start resets the batch, initializes staging and pulls the first item.
func (c *Coordinator) Start(ctx context.Context, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ignoredLocked("start") {
		return
	}

	if err := c.batch.Start(total); err != nil {
		c.failLocked(types.NewError(types.ErrProtocol, err))
		return
	}
	c.meter.Reset()
	c.modTime = c.cfg.ModTime
	if c.modTime.IsZero() {
		c.modTime = time.Now()
	}

	if err := c.initStoreLocked(ctx); err != nil {
		c.failLocked(err)
		return
	}
	c.cfg.Metrics.RecordStaging(c.store.Kind() == types.StagingMemory)

	c.log.Info("batch started",
		"total", total,
		"staging", c.store.Kind(),
		"format", c.cfg.Converter.Format())

	c.progressLocked(0, "", true)
	c.pullLocked()
}

// initStoreLocked clears the existing store or opens a new one, falling back
// to memory when the policy allows it.
func (c *Coordinator) initStoreLocked(ctx context.Context) error {
	if c.store != nil {
		err := c.store.Clear(ctx)
		if err == nil {
			return nil
		}
		if !c.ownsStore {
			return c.degradeLocked(types.NewError(types.ErrInitialization, fmt.Errorf("clear staging store: %w", err)))
		}
		// reopen below
		_ = c.store.Close()
		c.store = nil
	}

	store, err := staging.Open(ctx, c.cfg.Staging)
	if err != nil {
		return c.degradeLocked(err)
	}
	c.store = store
	c.ownsStore = true
	return nil
}

func (c *Coordinator) degradeLocked(cause error) error {
	if !c.cfg.AllowMemoryFallback {
		return cause
	}
	c.log.Warn("persistent staging unavailable, staging in memory", "error", cause)
	c.store = staging.NewMemoryStore()
	c.ownsStore = true
	c.emit(types.Event{
		Kind:  types.EventWarning,
		Label: "staging in memory: peak memory grows with batch size (" + cause.Error() + ")",
	})
	return nil
}

// ============================================================================
// submit
// ============================================================================

// Submit converts and stages one item, then pulls the next one.
func (c *Coordinator) Submit(ctx context.Context, item types.SourceItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ignoredLocked("process-item") {
		return
	}

	if err := c.batch.Begin(item.Index); err != nil {
		c.failLocked(types.NewItemError(types.ErrProtocol, item.Index, item.Name, err))
		return
	}
	c.current = item.Name
	start := time.Now()

	out, err := c.cfg.Converter.Convert(ctx, item)
	if err != nil {
		c.failLocked(err)
		return
	}
	if out.Fallback {
		c.log.Debug("item encoded with fallback", "index", item.Index, "name", out.Name)
	}

	entry := out.Entry(item.Index)
	if err := c.store.Put(ctx, entry.Key, entry.Data); err != nil {
		c.failLocked(err)
		return
	}
	if err := c.batch.Stage(entry.Record()); err != nil {
		c.failLocked(types.NewItemError(types.ErrProtocol, item.Index, item.Name, err))
		return
	}

	took := time.Since(start)
	c.cfg.Metrics.RecordItem(out.Format, len(entry.Data), out.Fallback, took)
	c.log.Debug("item staged",
		"index", item.Index,
		"name", entry.Name,
		"bytes", len(entry.Data),
		"duration", took)

	c.progressLocked(batch.ConvertPercent(c.batch.Completed(), c.batch.Total()), item.Name, true)
	c.pullLocked()
}

// pullLocked asks for the next item, or for finalize once all are staged.
func (c *Coordinator) pullLocked() {
	if c.batch.Exhausted() {
		c.emit(types.Event{Kind: types.EventFinalize})
		return
	}
	next, err := c.batch.Await()
	if err != nil {
		c.failLocked(types.NewError(types.ErrProtocol, err))
		return
	}
	c.emit(types.Event{Kind: types.EventRequestNext, Index: next})
}

// ============================================================================
// finalize
// ============================================================================

// Finalize builds the archive from the staged records, compresses it and
// emits done.
func (c *Coordinator) Finalize(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ignoredLocked("finalize") {
		return
	}

	if err := c.batch.Finalize(); err != nil {
		c.failLocked(types.NewError(types.ErrProtocol, err))
		return
	}

	records := c.batch.Records()
	phase := time.Now()
	c.progressLocked(batch.ConvertBand, "archiving", true)

	tarball, err := archive.Build(records, c.fetch(ctx), archive.Options{
		ModTime: c.modTime,
		Progress: func(done, total int) {
			c.progressLocked(batch.ArchivePercent(done, total), "archiving", false)
		},
	})
	if err != nil {
		c.failLocked(err)
		return
	}
	c.cfg.Metrics.RecordPhase("archive", time.Since(phase))

	if err := c.batch.Compress(); err != nil {
		c.failLocked(types.NewError(types.ErrProtocol, err))
		return
	}
	phase = time.Now()
	c.progressLocked(batch.ArchiveBand, "compressing", true)

	if c.cfg.Compressor == nil {
		c.failLocked(types.NewError(types.ErrCompression, errors.New("no compressor configured")))
		return
	}
	compressed, err := c.cfg.Compressor.Compress(tarball)
	if err != nil {
		if types.KindOf(err) == nil {
			err = types.NewError(types.ErrCompression, err)
		}
		c.failLocked(err)
		return
	}
	c.cfg.Metrics.RecordPhase("compress", time.Since(phase))
	c.progressLocked(batch.CompressedPercent, "compressed", true)

	if err := c.batch.Complete(); err != nil {
		c.failLocked(types.NewError(types.ErrProtocol, err))
		return
	}
	if err := c.store.Clear(ctx); err != nil {
		c.log.Warn("failed to clear staging after batch", "error", err)
	}

	c.cfg.Metrics.RecordDone(int64(len(tarball)), int64(len(compressed)))
	c.log.Info("batch done",
		"entries", len(records),
		"archive_bytes", len(tarball),
		"compressed_bytes", len(compressed))

	c.terminated = true
	c.emit(types.Event{
		Kind:    types.EventDone,
		Percent: c.meter.Finish(),
		Result: &types.Result{
			Data:        compressed,
			Entries:     records,
			ArchiveSize: int64(len(tarball)),
			Format:      c.cfg.Converter.Format(),
		},
	})
}

func (c *Coordinator) fetch(ctx context.Context) archive.FetchFunc {
	return func(key int) ([]byte, error) {
		return c.store.Get(ctx, key)
	}
}

// ============================================================================
// reset / close / introspection
// ============================================================================

// Reset returns the coordinator to Idle so a new batch can start. The
// staging store is kept and cleared by the next Start.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batch.Reset()
	c.meter.Reset()
	c.terminated = false
	c.current = ""
}

// Abort ends the batch with err unless a terminal event was already emitted.
func (c *Coordinator) Abort(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failLocked(err)
}

// Close releases a store the coordinator opened itself.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil || !c.ownsStore {
		return nil
	}
	err := c.store.Close()
	c.store = nil
	return err
}

// State returns the lifecycle state.
func (c *Coordinator) State() batch.State {
	return c.batch.State()
}

// StagingKind reports the backend in use, empty before the first Start.
func (c *Coordinator) StagingKind() types.StagingKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		return ""
	}
	return c.store.Kind()
}

// ============================================================================
// helpers
// ============================================================================

func (c *Coordinator) ignoredLocked(cmd string) bool {
	if !c.terminated {
		return false
	}
	c.log.Warn("command after terminal event ignored", "command", cmd, "state", c.batch.State())
	return true
}

func (c *Coordinator) progressLocked(percent int, label string, force bool) {
	p, ok := c.meter.Next(percent, force)
	if !ok {
		return
	}
	c.emit(types.Event{Kind: types.EventProgress, Percent: p, Label: label})
}

// failLocked ends the batch with a single error event.
func (c *Coordinator) failLocked(err error) {
	if c.terminated {
		return
	}
	c.batch.Fail()
	c.terminated = true

	kind := types.KindName(err)
	c.cfg.Metrics.RecordError(kind)
	c.log.Error("batch failed",
		"kind", kind,
		"state", c.batch.State(),
		"item", c.current,
		"error", err)

	c.emit(types.Event{
		Kind:      types.EventError,
		Reason:    err.Error(),
		ErrorKind: kind,
	})
}
