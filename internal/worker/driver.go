package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/webptar/pkg/types"
)

// Observer receives progress and warning events, and the terminal event.
type Observer func(types.Event)

// Run plays the caller side of the protocol against exec until a terminal
// event arrives. Items are read from src only when requested.
//
// Run checks ctx between items; a cancelled context stops the batch before
// the next item is read and returns ctx.Err(). A done event yields its
// result; an error event yields a *types.ReportedError.
func Run(ctx context.Context, exec Executor, src ItemSource, observe Observer) (*types.Result, error) {
	if observe == nil {
		observe = func(types.Event) {}
	}

	if err := exec.Post(ctx, types.Command{Kind: types.CommandStart, Total: src.Len()}); err != nil {
		return nil, fmt.Errorf("post start: %w", err)
	}

	for {
		ev, err := exec.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrStalled) {
				return nil, types.NewError(types.ErrProtocol, err)
			}
			return nil, err
		}

		switch ev.Kind {
		case types.EventRequestNext:
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			item, err := src.Item(ctx, ev.Index)
			if err != nil {
				return nil, types.NewItemError(types.ErrDecode, ev.Index, "", fmt.Errorf("load source: %w", err))
			}
			if err := exec.Post(ctx, types.Command{Kind: types.CommandProcessItem, Item: item}); err != nil {
				return nil, fmt.Errorf("post item %d: %w", ev.Index, err)
			}

		case types.EventFinalize:
			if err := exec.Post(ctx, types.Command{Kind: types.CommandFinalize}); err != nil {
				return nil, fmt.Errorf("post finalize: %w", err)
			}

		case types.EventProgress, types.EventWarning:
			observe(ev)

		case types.EventDone:
			observe(ev)
			if ev.Result == nil {
				return nil, types.NewError(types.ErrProtocol, errors.New("done event without result"))
			}
			return ev.Result, nil

		case types.EventError:
			observe(ev)
			return nil, types.ErrorFromEvent(ev)

		default:
			return nil, types.NewError(types.ErrProtocol, fmt.Errorf("unexpected event %q", ev.Kind))
		}
	}
}
