package resilience

import (
	"context"
	"time"

	engerrors "github.com/loomwork/engine/pkg/errors"
)

// CancelFunc aborts whatever is in flight; Timeout calls it when the
// deadline elapses before fn returns (spec 4.3: "on timeout it invokes
// abort() on an attached cancellation token").
type CancelFunc func()

// Run executes fn with a deadline of d and returns fn's result if fn
// returns first. Otherwise, as soon as the deadline passes or ctx is
// canceled, abort is invoked and Run returns without waiting for fn's
// goroutine: a CancelledError if ctx itself was canceled, else a
// TimeoutError.
func Run(ctx context.Context, d time.Duration, operation string, abort CancelFunc, fn func(ctx context.Context) (any, error)) (any, error) {
	runCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type outcome struct {
		val any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(runCtx)
		done <- outcome{v, err}
	}()

	select {
	case o := <-done:
		return o.val, o.err
	case <-runCtx.Done():
		if abort != nil {
			abort()
		}
		if ctx.Err() != nil {
			return nil, &engerrors.CancelledError{Reason: "parent context canceled"}
		}
		return nil, &engerrors.TimeoutError{Operation: operation, Duration: d}
	}
}
