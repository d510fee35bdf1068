package sourcebuf

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

const busyRetryInterval = 5 * time.Millisecond

// WhenIdle waits until none of buffers has work queued or in flight and then
// runs f. If f fails with ErrBusy because an operation started in the
// meantime, it waits again and retries until f succeeds or ctx is done.
func WhenIdle(ctx context.Context, buffers []Buffer, f func() error) error {
	for {
		g, gctx := errgroup.WithContext(ctx)
		for _, b := range buffers {
			g.Go(func() error { return b.WaitIdle(gctx) })
		}
		if err := g.Wait(); err != nil {
			return err
		}

		err := f()
		if !errors.Is(err, ErrBusy) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(busyRetryInterval):
		}
	}
}
