package exec

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	engerrors "github.com/loomwork/engine/pkg/errors"
	"github.com/loomwork/engine/pkg/engine/types"
)

// execSleep suspends cooperatively for step.DurationMs, honoring
// cancellation (spec 4.7 sleep).
func (e *Executor) execSleep(ctx context.Context, step *types.Step) (types.StepResult, error) {
	d := time.Duration(step.DurationMs) * time.Millisecond
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return types.StepResult{Status: types.StepSuccess}, nil
	case <-ctx.Done():
		return types.StepResult{}, &engerrors.CancelledError{StepID: step.ID, Reason: "step canceled"}
	}
}

// isTTY reports whether stdin looks interactive. Executors that suspend in
// non-TTY contexts (human, llm's ask) instead return a `suspended`
// StepResult for the Runner to persist.
func isTTY() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// execHuman prompts interactively on a TTY, otherwise returns suspended
// keyed on a synthetic event name (spec 4.7 human). On resume (state carries
// a ResumeInput for this step), the stored answer is adopted directly rather
// than re-suspending.
func (e *Executor) execHuman(ctx context.Context, step *types.Step, evalCtx *types.EvalContext, state RunState) (types.StepResult, error) {
	if resume, ok := state.ResumeInput(step.ID); ok {
		answer, _ := resume["answer"].(string)
		return types.StepResult{Status: types.StepSuccess, Output: map[string]any{"answer": answer}}, nil
	}

	prompt, err := e.Eval.EvaluateString(ctx, step.Prompt, evalCtx.ToMap())
	if err != nil {
		return types.StepResult{}, &engerrors.ExpressionError{Expression: step.Prompt, Reason: err.Error(), StepID: step.ID, Cause: err}
	}

	if !isTTY() {
		eventName := "human:" + step.ID + ":" + uuid.NewString()
		return types.StepResult{Status: types.StepSuspended, Output: map[string]any{"question": prompt, "event_name": eventName}}, nil
	}

	fmt.Fprintln(os.Stdout, prompt)
	reader := bufio.NewScanner(os.Stdin)
	reader.Scan()
	answer := reader.Text()
	return types.StepResult{Status: types.StepSuccess, Output: map[string]any{"answer": answer}}, nil
}

// execMemory performs a store or search against the MemoryStore (spec 4.7
// memory).
func (e *Executor) execMemory(ctx context.Context, step *types.Step, evalCtx *types.EvalContext) (types.StepResult, error) {
	text, err := e.Eval.EvaluateString(ctx, step.MemoryText, evalCtx.ToMap())
	if err != nil {
		return types.StepResult{}, &engerrors.ExpressionError{Expression: step.MemoryText, Reason: err.Error(), StepID: step.ID, Cause: err}
	}

	switch step.MemoryOp {
	case "store":
		id, err := e.Memory.Store(ctx, text, nil)
		if err != nil {
			return types.StepResult{}, &engerrors.StepExecutionError{StepID: step.ID, Message: "memory store failed", Cause: err}
		}
		return types.StepResult{Status: types.StepSuccess, Output: map[string]any{"id": id}}, nil
	case "search":
		hits, err := e.Memory.Search(ctx, text, 10)
		if err != nil {
			return types.StepResult{}, &engerrors.StepExecutionError{StepID: step.ID, Message: "memory search failed", Cause: err}
		}
		results := make([]map[string]any, len(hits))
		for i, h := range hits {
			results[i] = map[string]any{"id": h.ID, "text": h.Text, "score": h.Score, "metadata": h.Metadata}
		}
		return types.StepResult{Status: types.StepSuccess, Output: map[string]any{"results": results}}, nil
	default:
		return types.StepResult{}, &engerrors.ConfigError{Key: "step.memory_op", Reason: "unknown memory operation: " + step.MemoryOp}
	}
}

// execSubWorkflow resolves and runs a nested workflow, merging its outputs
// back under the step's outputMapping (spec 4.7 sub_workflow).
func (e *Executor) execSubWorkflow(ctx context.Context, step *types.Step, evalCtx *types.EvalContext) (types.StepResult, error) {
	inputs := make(map[string]any, len(step.Inputs))
	for k, raw := range step.Inputs {
		v, err := e.Eval.Evaluate(ctx, fmt.Sprintf("%v", raw), evalCtx.ToMap())
		if err != nil {
			return types.StepResult{}, &engerrors.ExpressionError{Expression: k, Reason: err.Error(), StepID: step.ID, Cause: err}
		}
		inputs[k] = v
	}

	outputs, err := e.SubRunner.RunSubWorkflow(ctx, step.Workflow, inputs)
	if err != nil {
		return types.StepResult{Status: types.StepFailed, Error: err.Error()}, nil
	}

	if len(step.OutputMapping) == 0 {
		return types.StepResult{Status: types.StepSuccess, Output: outputs}, nil
	}
	mapped := make(map[string]any, len(step.OutputMapping))
	for newKey, oldKey := range step.OutputMapping {
		mapped[newKey] = outputs[oldKey]
	}
	return types.StepResult{Status: types.StepSuccess, Output: mapped}, nil
}

// execJoin is a synchronization-only no-op (spec 4.7 join): never fails
// unless a need failed, which the scheduler already enforces by not
// dispatching a join whose needs aren't all completed -- a failed need
// instead leaves the join permanently pending, which the Runner's drain
// loop surfaces as an incomplete run.
func (e *Executor) execJoin(step *types.Step) (types.StepResult, error) {
	return types.StepResult{Status: types.StepSuccess, Output: map[string]any{"completed": step.Needs}}, nil
}

// execDynamic resolves step.Run as an expression yielding an inline step
// definition and dispatches it. The child keeps the dynamic step's own id;
// its type is taken from the resolved definition, which must name a
// concrete, non-dynamic type. Of the remaining fields only run and prompt
// are taken from the definition; every other field stays the dynamic
// step's own. The spec lists "dynamic" among step types (3) but 4.7 does
// not define its contract in detail.
func (e *Executor) execDynamic(ctx context.Context, step *types.Step, state RunState, evalCtx *types.EvalContext, overrides map[string]any) (types.StepResult, error) {
	resolved, err := e.Eval.Evaluate(ctx, step.Run, evalCtx.ToMap())
	if err != nil {
		return types.StepResult{}, &engerrors.ExpressionError{Expression: step.Run, Reason: err.Error(), StepID: step.ID, Cause: err}
	}
	spec, ok := resolved.(map[string]any)
	if !ok {
		return types.StepResult{}, &engerrors.SchemaError{StepID: step.ID, Message: "dynamic step run must evaluate to a step definition object"}
	}
	resolvedType, _ := spec["type"].(string)
	if resolvedType == "" || resolvedType == string(types.StepDynamic) {
		return types.StepResult{}, &engerrors.ConfigError{Key: "dynamic.type", Reason: "resolved dynamic step must name a concrete, non-dynamic type"}
	}
	child := *step
	child.Type = types.StepType(resolvedType)
	if run, ok := spec["run"].(string); ok {
		child.Run = run
	}
	if prompt, ok := spec["prompt"].(string); ok {
		child.Prompt = prompt
	}
	return e.dispatchType(ctx, &child, state, evalCtx)
}
