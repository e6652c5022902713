package exec

import (
	"context"
	"time"

	"github.com/loomwork/engine/pkg/engine/resilience"
)

// timeoutRun adapts resilience.Run for executors that have no natural
// abort callback beyond letting the context deadline propagate (most step
// types already watch ctx.Done() internally -- e.g. exec.CommandContext,
// time.After via a select).
func timeoutRun(ctx context.Context, d time.Duration, operation string, fn func(context.Context) (any, error)) (any, error) {
	return resilience.Run(ctx, d, operation, nil, fn)
}
