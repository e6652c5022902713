package exec

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	engerrors "github.com/loomwork/engine/pkg/errors"
	"github.com/loomwork/engine/pkg/engine/types"
)

// maxLoopHistoryBytes caps the serialized size of a loop step's iteration
// history, FIFO-truncating the oldest entries once exceeded.
const maxLoopHistoryBytes = 1024 * 1024

// loopTerminatedBy values mirror the teacher's LoopTerminatedBy* constants.
const (
	loopTerminatedByCondition     = "condition"
	loopTerminatedByMaxIterations = "max_iterations"
	loopTerminatedByTimeout       = "timeout"
	loopTerminatedByError         = "error"
)

type iterationRecord struct {
	Iteration  int            `json:"iteration"`
	Steps      map[string]any `json:"steps"`
	Timestamp  time.Time      `json:"timestamp"`
	DurationMs int64          `json:"duration_ms"`
}

// execLoop runs step.Steps sequentially, do-while style, until step.Until
// evaluates true or step.MaxIterations is reached (spec 12 supplement,
// grounded on the teacher's pkg/workflow/loop.go executeLoop).
func (e *Executor) execLoop(ctx context.Context, step *types.Step, state RunState, evalCtx *types.EvalContext) (types.StepResult, error) {
	if len(step.Steps) == 0 {
		return types.StepResult{}, &engerrors.ValidationError{Field: "steps", Message: "loop step has no nested steps"}
	}
	if step.MaxIterations < 1 {
		return types.StepResult{}, &engerrors.ValidationError{Field: "max_iterations", Message: "loop step requires max_iterations >= 1"}
	}
	if step.Until == "" {
		return types.StepResult{}, &engerrors.ValidationError{Field: "until", Message: "loop step requires an until expression"}
	}

	history := make([]iterationRecord, 0, step.MaxIterations)
	var lastOutputs map[string]any
	terminatedBy := loopTerminatedByMaxIterations
	ignoreErrors := step.OnError == "ignore"

	for iteration := 0; iteration < step.MaxIterations; iteration++ {
		select {
		case <-ctx.Done():
			terminatedBy = loopTerminatedByTimeout
			if ctx.Err() != context.DeadlineExceeded {
				terminatedBy = loopTerminatedByError
			}
			return buildLoopResult(lastOutputs, iteration, terminatedBy, history), nil
		default:
		}

		iterStart := time.Now()
		iterCtx := *evalCtx
		iterCtx.Steps = cloneStepContextMap(evalCtx.Steps)

		stepOutputs := make(map[string]any, len(step.Steps))
		var iterationErr error

		for i := range step.Steps {
			nested := step.Steps[i]

			if nested.If != "" {
				ok, err := e.evalBool(ctx, nested.If, &iterCtx, nested.ID)
				if err != nil || !ok {
					stepOutputs[nested.ID] = nil
					continue
				}
			}

			nestedResult, err := e.dispatchType(ctx, &nested, state, &iterCtx)
			if err != nil || nestedResult.Status == types.StepFailed {
				msg := nestedResult.Error
				if err != nil {
					msg = err.Error()
				}
				stepOutputs[nested.ID] = map[string]any{"status": "failed", "error": msg}
				if nested.OnError == "ignore" {
					continue
				}
				iterationErr = &engerrors.StepExecutionError{StepID: nested.ID, Message: msg}
				break
			}
			stepOutputs[nested.ID] = nestedResult.Output
			iterCtx.Steps[nested.ID] = types.StepContext{Output: nestedResult.Output, Status: nestedResult.Status}
		}

		history = append(history, iterationRecord{
			Iteration:  iteration,
			Steps:      maskSensitiveFields(stepOutputs),
			Timestamp:  iterStart,
			DurationMs: time.Since(iterStart).Milliseconds(),
		})
		history = truncateLoopHistory(history)
		lastOutputs = stepOutputs

		if iterationErr != nil {
			if ignoreErrors {
				iterationErr = nil
			} else {
				return buildLoopResult(lastOutputs, iteration+1, loopTerminatedByError, history), nil
			}
		}

		condCtx := iterCtx
		condCtx.Steps = cloneStepContextMap(iterCtx.Steps)
		conditionMet, err := e.Eval.Evaluate(ctx, step.Until, condCtx.ToMap())
		met, _ := conditionMet.(bool)
		if err == nil && met {
			terminatedBy = loopTerminatedByCondition
			return buildLoopResult(lastOutputs, iteration+1, terminatedBy, history), nil
		}
	}

	return buildLoopResult(lastOutputs, step.MaxIterations, terminatedBy, history), nil
}

func buildLoopResult(stepOutputs map[string]any, iterationCount int, terminatedBy string, history []iterationRecord) types.StepResult {
	output := map[string]any{
		"step_outputs":    stepOutputs,
		"iteration_count": iterationCount,
		"terminated_by":   terminatedBy,
		"history":         history,
	}
	status := types.StepSuccess
	if terminatedBy == loopTerminatedByError {
		status = types.StepFailed
	}
	return types.StepResult{Status: status, Output: output}
}

func truncateLoopHistory(history []iterationRecord) []iterationRecord {
	for len(history) > 1 && historySize(history) > maxLoopHistoryBytes {
		history = history[1:]
	}
	return history
}

func historySize(history []iterationRecord) int {
	data, err := json.Marshal(history)
	if err != nil {
		return 0
	}
	return len(data)
}

var sensitiveFieldTerms = []string{"token", "password", "secret", "api_key", "credential", "apikey"}

// maskSensitiveFields redacts map values whose key looks secret-bearing,
// recursing into nested maps (loop history is persisted, so it gets the
// same treatment as redact.Redactor applies to live shell/tool output).
func maskSensitiveFields(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	masked := make(map[string]any, len(data))
	for k, v := range data {
		lower := strings.ToLower(k)
		sensitive := false
		for _, term := range sensitiveFieldTerms {
			if strings.Contains(lower, term) {
				sensitive = true
				break
			}
		}
		if sensitive {
			masked[k] = "***MASKED***"
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			masked[k] = maskSensitiveFields(nested)
		} else {
			masked[k] = v
		}
	}
	return masked
}

func cloneStepContextMap(m map[string]types.StepContext) map[string]types.StepContext {
	out := make(map[string]types.StepContext, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
