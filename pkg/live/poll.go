package live

import (
	"context"
	"time"
)

// Poll evaluates compute immediately and then every interval, and calls out
// only when the value differs from the last one delivered. Poll stops when
// ctx is done or cancel is called. cancel is idempotent and waits for the
// poller to exit, so out is never called after it returns; out must
// therefore not call cancel itself.
func Poll[T any](ctx context.Context, interval time.Duration, compute func() T, equal func(a, b T) bool, out func(T)) (cancel func()) {
	ctx, stop := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()

		var last T
		sent := false
		for {
			v := compute()
			if ctx.Err() != nil {
				return
			}
			if !sent || !equal(last, v) {
				out(v)
				last, sent = v, true
			}

			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()

	return func() {
		stop()
		<-done
	}
}
