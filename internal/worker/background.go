// ============================================================================
// webptar Background Executor - isolated execution context
// ============================================================================
//
// Package: internal/worker
// File: background.go
// Function: Run the coordinator in its own goroutine and talk to it only
//           through serialized frames
//
// How it works:
//   The coordinator is constructed inside the worker goroutine and never
//   escapes it. The caller posts encoded commands on cmdCh; every event the
//   coordinator emits is encoded and sent back on evCh:
//
//   ┌──────────────┐   cmdCh []byte    ┌─────────────────────────────┐
//   │ caller       │ ────────────────▶ │ worker goroutine            │
//   │ Post / Next  │                   │  for frame := range cmdCh   │
//   │              │ ◀──────────────── │    coord.Handle(decode(f))  │
//   └──────────────┘   evCh []byte     └─────────────────────────────┘
//
// Backpressure:
//   cmdCh holds one frame. The caller only posts after reading the event that
//   asked for it (request-next or finalize), so the worker never has more
//   than one item queued or converting.
//
// Shutdown:
//   Close closes cmdCh, cancels the worker context and waits for the
//   goroutine; the coordinator's staging store is closed on the way out.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/webptar/internal/coordinator"
	"github.com/ChuLiYu/webptar/pkg/types"
)

var (
	// ErrExecutorClosed is returned by Post or Next after Close.
	ErrExecutorClosed = errors.New("worker: executor is closed")
	// ErrStalled is returned by Next when no event is pending and none can
	// arrive without another command.
	ErrStalled = errors.New("worker: no pending event")
)

// Executor runs the library side of the protocol in some execution context.
type Executor interface {
	// Post delivers one command.
	Post(ctx context.Context, cmd types.Command) error
	// Next returns the next event, blocking if the context allows it.
	Next(ctx context.Context) (types.Event, error)
	// Close stops the executor and releases the coordinator's resources.
	Close() error
}

// Background is the isolated-context Executor.
type Background struct {
	cmdCh  chan []byte
	evCh   chan []byte
	cancel context.CancelFunc
	done   chan struct{}
	log    *slog.Logger

	mu       sync.Mutex
	closed   bool
	closeErr error
}

// NewBackground starts a worker goroutine that owns a coordinator built from
// cfg.
func NewBackground(cfg coordinator.Config) *Background {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Background{
		cmdCh:  make(chan []byte, 1),
		evCh:   make(chan []byte, 16),
		cancel: cancel,
		done:   make(chan struct{}),
		log:    logger.With("component", "background"),
	}
	go b.run(ctx, cfg)
	return b
}

// run is the worker goroutine.
func (b *Background) run(ctx context.Context, cfg coordinator.Config) {
	defer close(b.done)
	defer close(b.evCh)

	emit := func(ev types.Event) {
		select {
		case b.evCh <- MarshalEvent(ev):
		case <-ctx.Done():
		}
	}
	coord := coordinator.New(cfg, emit)
	defer func() {
		if err := coord.Close(); err != nil {
			b.log.Warn("close staging store", "error", err)
			b.mu.Lock()
			b.closeErr = err
			b.mu.Unlock()
		}
	}()

	for frame := range b.cmdCh {
		cmd, err := UnmarshalCommand(frame)
		if err != nil {
			coord.Abort(types.NewError(types.ErrProtocol, err))
			continue
		}
		coord.Handle(ctx, cmd)
	}
}

// Post encodes cmd and hands it to the worker.
func (b *Background) Post(ctx context.Context, cmd types.Command) error {
	frame := MarshalCommand(cmd)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrExecutorClosed
	}
	select {
	case b.cmdCh <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next waits for the next event from the worker.
func (b *Background) Next(ctx context.Context) (types.Event, error) {
	select {
	case frame, ok := <-b.evCh:
		if !ok {
			return types.Event{}, ErrExecutorClosed
		}
		return UnmarshalEvent(frame)
	case <-ctx.Done():
		return types.Event{}, ctx.Err()
	}
}

// Close stops the worker and waits for it to exit.
func (b *Background) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return nil
	}
	b.closed = true
	close(b.cmdCh)
	b.mu.Unlock()

	b.cancel()
	<-b.done

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeErr
}
