package exec

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	engerrors "github.com/loomwork/engine/pkg/errors"
	"github.com/loomwork/engine/pkg/engine/types"
)

// execParallel runs step.Steps concurrently bounded by step.Concurrency (0
// means unbounded), cancelling the remaining siblings on the first failure
// unless step.OnError == "ignore" (spec 12 supplement, grounded on the
// teacher's executeParallel semaphore+fail-fast pattern, reimplemented with
// errgroup.Group's native cancel-on-first-error since that's exactly what a
// plain errgroup.Group -- no SetLimit call needed when unbounded -- already
// does; ForeachEngine deliberately avoids this same fail-fast behavior).
func (e *Executor) execParallel(ctx context.Context, step *types.Step, state RunState, evalCtx *types.EvalContext) (types.StepResult, error) {
	if len(step.Steps) == 0 {
		return types.StepResult{}, &engerrors.ValidationError{Field: "steps", Message: "parallel step has no nested steps"}
	}

	ignoreErrors := step.OnError == "ignore"

	g, gctx := errgroup.WithContext(ctx)
	if step.Concurrency > 0 {
		g.SetLimit(step.Concurrency)
	}

	outputs := make(map[string]any, len(step.Steps))
	var mu sync.Mutex

	for i := range step.Steps {
		nested := step.Steps[i]
		g.Go(func() error {
			result, err := e.dispatchType(gctx, &nested, state, evalCtx)
			if err != nil || result.Status == types.StepFailed {
				msg := result.Error
				if err != nil {
					msg = err.Error()
				}
				mu.Lock()
				outputs[nested.ID] = map[string]any{"status": "failed", "error": msg}
				mu.Unlock()
				if ignoreErrors {
					return nil
				}
				return &engerrors.StepExecutionError{StepID: nested.ID, Message: msg}
			}
			mu.Lock()
			outputs[nested.ID] = result.Output
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return types.StepResult{Status: types.StepFailed, Output: outputs, Error: err.Error()}, nil
	}
	return types.StepResult{Status: types.StepSuccess, Output: outputs}, nil
}
