package exec

import (
	"context"
	"time"

	engerrors "github.com/loomwork/engine/pkg/errors"
	"github.com/loomwork/engine/pkg/engine/expression"
	"github.com/loomwork/engine/pkg/engine/pool"
	"github.com/loomwork/engine/pkg/engine/redact"
	"github.com/loomwork/engine/pkg/engine/types"
)

// Config bounds the ambient behavior of every executor: the shell denylist,
// the default shell output cap, the default step timeout, and the default
// llm iteration/handoff limits.
type Config struct {
	ShellDenylist     []string
	DefaultShellCapMB int // 0 => redact.DefaultShellOutputCap
	DefaultTimeout    time.Duration
	DefaultMaxIterations    int
	DefaultMaxAgentHandoffs int
}

// Executor dispatches one step to its type-specific implementation, wrapped
// by the shared prelude (spec 4.7): if-gate, foreach fan-out, pool
// acquisition, timeout, and output-schema validation.
type Executor struct {
	Eval      *expression.Evaluator
	Pools     *pool.Manager
	Redactor  *redact.Redactor
	Config    Config
	LM        LanguageModel
	Tools     ToolInvoker
	Foreach   *ForeachEngine
	SubRunner SubWorkflowRunner
	Memory    MemoryStore
}

// SubWorkflowRunner resolves and runs a nested workflow by name (spec 4.7
// sub_workflow). Implemented by the Runner, which alone knows how to
// construct a nested Runner sharing the same Store.
type SubWorkflowRunner interface {
	RunSubWorkflow(ctx context.Context, name string, inputs map[string]any) (map[string]any, error)
}

// MemoryStore is the embedding-backed store consumed by memory steps.
type MemoryStore interface {
	Store(ctx context.Context, text string, metadata map[string]any) (string, error)
	Search(ctx context.Context, query string, topK int) ([]MemoryHit, error)
}

// MemoryHit is one memory search result.
type MemoryHit struct {
	ID       string
	Text     string
	Score    float64
	Metadata map[string]any
}

// Execute runs the shared prelude then dispatches step to its type
// implementation. state is the per-invocation RunState view (already
// reflecting completed sibling steps).
func (e *Executor) Execute(ctx context.Context, step *types.Step, state RunState, allStepIDs []string) (types.StepResult, error) {
	evalCtx := buildEvalContext(state, nil, nil)
	evalCtx.Steps = StepContextMap(state, allStepIDs)

	if step.If != "" {
		ok, err := e.evalBool(ctx, step.If, evalCtx, step.ID)
		if err != nil {
			return types.StepResult{}, err
		}
		if !ok {
			return types.StepResult{Status: types.StepSkipped}, nil
		}
	}

	if step.Foreach != "" {
		return e.Foreach.Run(ctx, step, state, allStepIDs)
	}

	release, err := e.acquirePool(ctx, step)
	if err != nil {
		return types.StepResult{Status: types.StepFailed, Error: err.Error()}, nil
	}
	defer release()

	timeout := e.Config.DefaultTimeout
	if step.TimeoutMs > 0 {
		timeout = time.Duration(step.TimeoutMs) * time.Millisecond
	}

	var result types.StepResult
	runFn := func(runCtx context.Context) (any, error) {
		r, err := e.dispatchType(runCtx, step, state, evalCtx)
		return r, err
	}

	if timeout > 0 {
		v, err := runWithTimeout(ctx, timeout, step.ID, runFn)
		if err != nil {
			return mapErrorToResult(err), nil
		}
		result = v.(types.StepResult)
	} else {
		v, err := runFn(ctx)
		if err != nil {
			return mapErrorToResult(err), nil
		}
		result = v.(types.StepResult)
	}

	if result.Status == types.StepSuccess && step.OutputSchema != nil {
		if err := validateOutputSchema(step.ID, result.Output, step.OutputSchema); err != nil {
			return types.StepResult{Status: types.StepFailed, Error: err.Error()}, nil
		}
	}
	return result, nil
}

func (e *Executor) acquirePool(ctx context.Context, step *types.Step) (pool.Release, error) {
	name := step.Pool
	if name == "" {
		name = "default:" + string(step.Type)
	}
	return e.Pools.Acquire(ctx, name, 0)
}

func (e *Executor) evalBool(ctx context.Context, expr string, env *types.EvalContext, stepID string) (bool, error) {
	v, err := e.Eval.Evaluate(ctx, expr, env.ToMap())
	if err != nil {
		return false, &engerrors.ExpressionError{Expression: expr, Reason: err.Error(), StepID: stepID, Cause: err}
	}
	b, ok := v.(bool)
	if !ok {
		return false, &engerrors.ExpressionError{Expression: expr, Reason: "if must evaluate to a boolean", StepID: stepID}
	}
	return b, nil
}

func (e *Executor) dispatchType(ctx context.Context, step *types.Step, state RunState, evalCtx *types.EvalContext) (types.StepResult, error) {
	switch step.Type {
	case types.StepShell:
		return e.execShell(ctx, step, evalCtx)
	case types.StepSleep:
		return e.execSleep(ctx, step)
	case types.StepHuman:
		return e.execHuman(ctx, step, evalCtx, state)
	case types.StepMemory:
		return e.execMemory(ctx, step, evalCtx)
	case types.StepSubWorkflow:
		return e.execSubWorkflow(ctx, step, evalCtx)
	case types.StepJoin:
		return e.execJoin(step)
	case types.StepLLM:
		return e.execLLM(ctx, step, evalCtx, state)
	case types.StepDynamic:
		return e.execDynamic(ctx, step, state, evalCtx, nil)
	case types.StepLoop:
		return e.execLoop(ctx, step, state, evalCtx)
	case types.StepParallel:
		return e.execParallel(ctx, step, state, evalCtx)
	default:
		return types.StepResult{}, &engerrors.ConfigError{Key: "step.type", Reason: "unsupported step type: " + string(step.Type)}
	}
}

func runWithTimeout(ctx context.Context, d time.Duration, stepID string, fn func(context.Context) (any, error)) (any, error) {
	return timeoutRun(ctx, d, "step "+stepID, fn)
}

func mapErrorToResult(err error) types.StepResult {
	return types.StepResult{Status: types.StepFailed, Error: err.Error()}
}
