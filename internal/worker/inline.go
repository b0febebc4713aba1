package worker

import (
	"context"
	"runtime"

	"github.com/ChuLiYu/webptar/internal/coordinator"
	"github.com/ChuLiYu/webptar/pkg/types"
)

// Inline runs the coordinator on the caller's goroutine. Each Post handles
// the command to completion and queues its events; a yield point precedes
// every command so other goroutines of the caller keep running during long
// batches.
type Inline struct {
	coord  *coordinator.Coordinator
	queue  []types.Event
	yield  func()
	closed bool
}

// InlineOption configures an Inline executor.
type InlineOption func(*Inline)

// WithYield replaces the yield point, runtime.Gosched by default.
func WithYield(fn func()) InlineOption {
	return func(in *Inline) {
		if fn != nil {
			in.yield = fn
		}
	}
}

// NewInline returns a same-context executor over a coordinator built from cfg.
func NewInline(cfg coordinator.Config, opts ...InlineOption) *Inline {
	in := &Inline{yield: runtime.Gosched}
	for _, opt := range opts {
		opt(in)
	}
	in.coord = coordinator.New(cfg, func(ev types.Event) {
		in.queue = append(in.queue, ev)
	})
	return in
}

// Post yields, then handles cmd synchronously.
func (in *Inline) Post(ctx context.Context, cmd types.Command) error {
	if in.closed {
		return ErrExecutorClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	in.yield()
	in.coord.Handle(ctx, cmd)
	return nil
}

// Next pops the oldest queued event. It never blocks: an empty queue means
// the caller owes the coordinator a command.
func (in *Inline) Next(ctx context.Context) (types.Event, error) {
	if in.closed {
		return types.Event{}, ErrExecutorClosed
	}
	if err := ctx.Err(); err != nil {
		return types.Event{}, err
	}
	if len(in.queue) == 0 {
		return types.Event{}, ErrStalled
	}
	ev := in.queue[0]
	in.queue[0] = types.Event{}
	in.queue = in.queue[1:]
	return ev, nil
}

// Close releases the coordinator's staging store.
func (in *Inline) Close() error {
	if in.closed {
		return nil
	}
	in.closed = true
	in.queue = nil
	return in.coord.Close()
}
