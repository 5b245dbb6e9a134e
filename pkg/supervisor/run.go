package supervisor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

type runHandle struct {
	done chan error
}

func (h *runHandle) Done() <-chan error { return h.done }

// Run launches fn in its own goroutine and wraps it as a Handle: a panic
// inside fn is recovered and reported as a crash (spec §7 item 2, "user
// callback crashes"); a non-nil error returned while ctx is still active is
// also a crash; any other return is a graceful stop.
func Run(ctx context.Context, logger zerolog.Logger, name string, fn func(ctx context.Context) error) Handle {
	h := &runHandle{done: make(chan error, 1)}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Interface("panic", r).Str("child", name).Msg("stage panicked")
				h.done <- fmt.Errorf("%s: panic: %v", name, r)
			}
		}()
		err := fn(ctx)
		if err != nil && ctx.Err() == nil {
			h.done <- fmt.Errorf("%s: %w", name, err)
			return
		}
		h.done <- nil
	}()
	return h
}
