package exec

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	engerrors "github.com/loomwork/engine/pkg/errors"
	"github.com/loomwork/engine/pkg/engine/types"
)

// IterationSink receives each completed foreach iteration so the caller
// (the Runner) can persist it as its own StepExecution row (iteration_index
// = i, spec 4.8). Grounded on the errgroup-based fan-out idiom used for
// concurrent workflow step execution across the retrieval pack (e.g.
// golang.org/x/sync/errgroup in the workflow-executor reference file),
// which replaces the teacher's own (sequential) pkg/workflow executor for
// this one concern.
type IterationSink interface {
	RecordIteration(ctx context.Context, runID, stepID string, index int, result types.StepResult) error
}

// ForeachEngine implements spec 4.8: fan out foreach into N indexed
// iteration executions bounded by the step's own concurrency.
type ForeachEngine struct {
	Exec *Executor
	Sink IterationSink
}

// Run evaluates step.Foreach, fans out an iteration per element bounded by
// step.Concurrency, aggregates outputs, and derives the parent status.
func (f *ForeachEngine) Run(ctx context.Context, step *types.Step, state RunState, allStepIDs []string) (types.StepResult, error) {
	evalCtx := buildEvalContext(state, nil, nil)
	evalCtx.Steps = StepContextMap(state, allStepIDs)

	itemsAny, err := f.Exec.Eval.Evaluate(ctx, step.Foreach, evalCtx.ToMap())
	if err != nil {
		return types.StepResult{}, &engerrors.ExpressionError{Expression: step.Foreach, Reason: err.Error(), StepID: step.ID, Cause: err}
	}
	items, ok := itemsAny.([]any)
	if !ok {
		return types.StepResult{}, &engerrors.SchemaError{StepID: step.ID, Message: "foreach must evaluate to a sequence"}
	}
	n := len(items)

	childStep := *step
	childStep.Foreach = ""
	childStep.Concurrency = 0

	concurrency := step.Concurrency
	if concurrency <= 0 {
		concurrency = n
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	results := make([]types.StepResult, n)
	errs := make([]error, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var mu sync.Mutex
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			iterEvalCtx := buildEvalContext(state, item, &i)
			iterEvalCtx.Steps = evalCtx.Steps

			result, execErr := f.Exec.dispatchType(gctx, &childStep, state, iterEvalCtx)
			if execErr != nil {
				result = types.StepResult{Status: types.StepFailed, Error: execErr.Error()}
			}

			mu.Lock()
			results[i] = result
			errs[i] = execErr
			mu.Unlock()

			if f.Sink != nil {
				if recErr := f.Sink.RecordIteration(gctx, state.RunID(), step.ID, i, result); recErr != nil {
					return recErr
				}
			}
			// Foreach has no fail-fast (spec 4.8): every iteration must
			// complete or be cancelled, so a failed iteration does not
			// abort the errgroup for its siblings.
			return nil
		})
	}
	if waitErr := g.Wait(); waitErr != nil {
		return types.StepResult{}, waitErr
	}

	return aggregateForeach(step.ID, results)
}

// aggregateForeach builds the parent StepExecution row's Output as the raw
// per-iteration list (spec 4.8: "output = [iteration.output for i in
// 0..N]"). The element-wise merged `outputs` object is not computed here;
// only store.Hydrate (store/hydrate.go) derives it, when a run is
// rehydrated by Resume or DeliverEvent. During a live run the Runner
// records only output for the step, so steps.X.outputs is empty there.
func aggregateForeach(stepID string, results []types.StepResult) (types.StepResult, error) {
	outputs := make([]any, len(results))
	anyFailed := false
	var iterErrors []error

	for i, r := range results {
		outputs[i] = r.Output
		if r.Status == types.StepFailed {
			anyFailed = true
			iterErrors = append(iterErrors, &engerrors.StepExecutionError{StepID: stepID, Message: r.Error})
		}
	}

	if anyFailed {
		var aggErr error = &engerrors.AggregateWorkflowError{StepID: stepID, Errors: iterErrors}
		if len(iterErrors) == 1 {
			aggErr = iterErrors[0]
		}
		return types.StepResult{Status: types.StepFailed, Output: outputs, Error: aggErr.Error()}, nil
	}

	return types.StepResult{Status: types.StepSuccess, Output: outputs}, nil
}
