package bot

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/semaphore"

	"github.com/ssd-technologies/vaultrelay/internal/platform"
)

// DefaultConcurrency is the number of messages handled at the same time.
const DefaultConcurrency = 16

// Source delivers inbound messages until ctx is done.
type Source interface {
	Poll(ctx context.Context, handle func(*platform.Message)) error
}

// Serve reads messages from src and handles each on its own goroutine, with
// at most slots handlers in flight. It returns once src stops and every
// in-flight handler has finished.
func (a *App) Serve(ctx context.Context, src Source, slots int64) error {
	if slots <= 0 {
		slots = DefaultConcurrency
	}
	sem := semaphore.NewWeighted(slots)

	// Handlers outlive ctx so replies in flight at shutdown still go out.
	handlerCtx := context.WithoutCancel(ctx)

	err := src.Poll(ctx, func(msg *platform.Message) {
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		go func() {
			defer sem.Release(1)
			defer func() {
				if r := recover(); r != nil {
					a.logger.Error("handler panic", "panic", r, "stack", string(debug.Stack()))
				}
			}()
			a.Handle(handlerCtx, msg)
		}()
	})

	// Wait for in-flight handlers.
	if werr := sem.Acquire(context.Background(), slots); werr != nil {
		return fmt.Errorf("drain handlers: %w", werr)
	}
	sem.Release(slots)
	return err
}
