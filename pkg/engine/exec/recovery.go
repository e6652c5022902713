package exec

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"time"

	engerrors "github.com/loomwork/engine/pkg/errors"
	"github.com/loomwork/engine/pkg/engine/types"
)

// AttemptRecorder lets recovery wrappers persist every attempt as its own
// StepExecution row with an incrementing attempt number (spec 4.9: "a new
// StepExecution row with attempt+1").
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, runID, stepID string, attempt int, result types.StepResult) error
}

// patchableFields are the only Step fields a reflexion/auto-heal patch may
// alter (spec 4.9, 4.10's security invariant): id and type are always
// frozen regardless of what the patch object contains.
var patchableFields = map[string]bool{"run": true, "prompt": true, "inputs": true}

// applyWhitelistedPatch returns a copy of step with only run/prompt/inputs
// overwritten from patch; id and type are never touched, satisfying the
// invariant tested by canonical scenario 3 (spec 8).
func applyWhitelistedPatch(step types.Step, patch map[string]any) types.Step {
	patched := step
	for key, value := range patch {
		if !patchableFields[key] {
			continue // id and type (and anything else) are silently ignored
		}
		switch key {
		case "run":
			if s, ok := value.(string); ok {
				patched.Run = s
			}
		case "prompt":
			if s, ok := value.(string); ok {
				patched.Prompt = s
			}
		case "inputs":
			if m, ok := value.(map[string]any); ok {
				patched.Inputs = m
			}
		}
	}
	return patched
}

// RecoveryRunner wraps Executor.Execute with the retry -> reflexion ->
// auto_heal -> qualityGate sequencing (spec 4.9). Each stage is opt-in per
// the step's policies.
type RecoveryRunner struct {
	Exec     *Executor
	Recorder AttemptRecorder
}

// Run executes step under its recovery policies. step is the declared step
// as the Runner dispatches it; for a foreach step, Execute fans it out and
// the policies apply to the aggregated result, not to single iterations.
func (rr *RecoveryRunner) Run(ctx context.Context, step *types.Step, state RunState, allStepIDs []string) (types.StepResult, error) {
	result, err := rr.Exec.Execute(ctx, step, state, allStepIDs)
	if err != nil {
		return types.StepResult{}, err
	}
	attempt := 1

	if result.Status == types.StepFailed && step.Retry != nil {
		result, attempt, err = rr.runRetry(ctx, step, state, allStepIDs, attempt, result)
		if err != nil {
			return types.StepResult{}, err
		}
	}

	if result.Status == types.StepFailed && step.Reflexion != nil {
		result, attempt, err = rr.runReflexion(ctx, step, state, allStepIDs, attempt, result)
		if err != nil {
			return types.StepResult{}, err
		}
	}

	if result.Status == types.StepFailed && step.AutoHeal != nil {
		result, attempt, err = rr.runAutoHeal(ctx, step, state, allStepIDs, attempt, result)
		if err != nil {
			return types.StepResult{}, err
		}
	}

	if step.QualityGate != nil && result.Status == types.StepSuccess {
		result, _, err = rr.runQualityGate(ctx, step, state, allStepIDs, attempt, result)
		if err != nil {
			return types.StepResult{}, err
		}
	}

	return result, nil
}

func (rr *RecoveryRunner) record(ctx context.Context, state RunState, stepID string, attempt int, result types.StepResult) {
	if rr.Recorder == nil {
		return
	}
	_ = rr.Recorder.RecordAttempt(ctx, state.RunID(), stepID, attempt, result)
}

// runRetry re-drives step after a backoff delay, up to MaxAttempts total
// attempts (spec 4.9 retry).
func (rr *RecoveryRunner) runRetry(ctx context.Context, step *types.Step, state RunState, allStepIDs []string, attempt int, last types.StepResult) (types.StepResult, int, error) {
	policy := step.Retry
	for attempt < policy.MaxAttempts && last.Status == types.StepFailed {
		delay := backoffDelay(policy, attempt)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return types.StepResult{}, attempt, &engerrors.CancelledError{StepID: step.ID, Reason: "step canceled during retry backoff"}
		}
		attempt++
		result, err := rr.Exec.Execute(ctx, step, state, allStepIDs)
		if err != nil {
			return types.StepResult{}, attempt, err
		}
		rr.record(ctx, state, step.ID, attempt, result)
		last = result
	}
	return last, attempt, nil
}

func backoffDelay(policy *types.RetryPolicy, attempt int) time.Duration {
	base := float64(policy.InitialDelayMs) * math.Pow(policy.BackoffFactor, float64(attempt-1))
	if policy.MaxDelayMs > 0 && base > float64(policy.MaxDelayMs) {
		base = float64(policy.MaxDelayMs)
	}
	if policy.JitterFraction > 0 {
		jitter := base * policy.JitterFraction * (rand.Float64()*2 - 1)
		base += jitter
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base) * time.Millisecond
}

// runReflexion invokes an internal LLM call with the failing step and its
// error, applies the whitelisted patch, and retries up to Limit attempts
// (spec 4.9 reflexion).
func (rr *RecoveryRunner) runReflexion(ctx context.Context, step *types.Step, state RunState, allStepIDs []string, attempt int, last types.StepResult) (types.StepResult, int, error) {
	policy := step.Reflexion
	current := *step
	for i := 0; i < policy.Limit && last.Status == types.StepFailed; i++ {
		patch, err := rr.reflect(ctx, state, allStepIDs, current, last.Error, policy.Agent, policy.Hint)
		if err != nil {
			return last, attempt, nil // unable to reflect; stop trying further reflexion rounds
		}
		current = applyWhitelistedPatch(current, patch)
		attempt++
		result, execErr := rr.Exec.Execute(ctx, &current, state, allStepIDs)
		if execErr != nil {
			return types.StepResult{}, attempt, execErr
		}
		rr.record(ctx, state, step.ID, attempt, result)
		last = result
	}
	return last, attempt, nil
}

// runAutoHeal introduces a sibling healer step whose llm output patches the
// failing step under the same whitelist (spec 4.9 auto_heal).
func (rr *RecoveryRunner) runAutoHeal(ctx context.Context, step *types.Step, state RunState, allStepIDs []string, attempt int, last types.StepResult) (types.StepResult, int, error) {
	policy := step.AutoHeal
	current := *step
	for i := 0; i < policy.MaxAttempts && last.Status == types.StepFailed; i++ {
		healer := types.Step{
			ID:     step.ID + "-healer",
			Type:   types.StepLLM,
			Agent:  policy.Agent,
			Prompt: "The step failed with: " + last.Error + ". Propose a patch with run/prompt/inputs fields to fix it.",
		}
		healResult, execErr := rr.Exec.Execute(ctx, &healer, state, allStepIDs)
		if execErr != nil || healResult.Status != types.StepSuccess {
			return last, attempt, nil
		}
		patch, ok := healResult.Output.(map[string]any)
		if !ok {
			return last, attempt, nil
		}
		current = applyWhitelistedPatch(current, patch)
		attempt++
		result, execErr := rr.Exec.Execute(ctx, &current, state, allStepIDs)
		if execErr != nil {
			return types.StepResult{}, attempt, execErr
		}
		rr.record(ctx, state, step.ID, attempt, result)
		last = result
	}
	return last, attempt, nil
}

// runQualityGate calls a reviewer llm after a successful run; if
// approved=false, reruns up to MaxAttempts with the reviewer's issues and
// suggestions appended to the prompt, then accepts the last output regardless (spec 4.9
// qualityGate). An unmet gate is not recorded anywhere beyond the
// per-attempt rows written by rr.record.
func (rr *RecoveryRunner) runQualityGate(ctx context.Context, step *types.Step, state RunState, allStepIDs []string, attempt int, last types.StepResult) (types.StepResult, int, error) {
	policy := step.QualityGate
	current := *step
	for i := 0; i < policy.MaxAttempts; i++ {
		approved, issues, err := rr.review(ctx, state, allStepIDs, current, last.Output, policy.Agent)
		if err != nil || approved {
			return last, attempt, nil
		}
		current.Prompt = current.Prompt + "\n\nReviewer feedback: " + issues
		attempt++
		result, execErr := rr.Exec.Execute(ctx, &current, state, allStepIDs)
		if execErr != nil {
			return types.StepResult{}, attempt, execErr
		}
		rr.record(ctx, state, step.ID, attempt, result)
		last = result
	}
	// Gate exhausted: accept the last output; the attempt rows recorded
	// above are the only trace of the unmet gate.
	return last, attempt, nil
}

// reflect and review both shell out to the llm executor with a
// purpose-built internal step, reusing execLLM rather than talking to
// LanguageModel directly so reflexion/quality-gate calls go through the
// same tool/handoff machinery as any other llm step.
func (rr *RecoveryRunner) reflect(ctx context.Context, state RunState, allStepIDs []string, failing types.Step, failureErr, agent, hint string) (map[string]any, error) {
	reflectStep := types.Step{
		ID:           failing.ID + "-reflect",
		Type:         types.StepLLM,
		Agent:        agent,
		Prompt:       "Step " + failing.ID + " failed: " + failureErr + ". Hint: " + hint + ". Return a JSON patch object with run/prompt/inputs fields only.",
		OutputSchema: map[string]any{},
	}
	result, err := rr.Exec.Execute(ctx, &reflectStep, state, allStepIDs)
	if err != nil {
		return nil, err
	}
	patch, ok := result.Output.(map[string]any)
	if !ok {
		return nil, &engerrors.SchemaError{StepID: failing.ID, Message: "reflexion patch was not a JSON object"}
	}
	return patch, nil
}

func (rr *RecoveryRunner) review(ctx context.Context, state RunState, allStepIDs []string, step types.Step, output any, agent string) (bool, string, error) {
	rendered, _ := json.Marshal(output)
	reviewStep := types.Step{
		ID:           step.ID + "-review",
		Type:         types.StepLLM,
		Agent:        agent,
		Prompt:       "Review this step output for quality and return {\"approved\": bool, \"issues\": string, \"suggestions\": string}.\n\nOutput: " + string(rendered),
		OutputSchema: map[string]any{},
	}
	result, err := rr.Exec.Execute(ctx, &reviewStep, state, allStepIDs)
	if err != nil {
		return true, "", err
	}
	obj, ok := result.Output.(map[string]any)
	if !ok {
		return true, "", nil
	}
	approved, _ := obj["approved"].(bool)
	issues, _ := obj["issues"].(string)
	if suggestions, _ := obj["suggestions"].(string); suggestions != "" {
		issues += "\nSuggestions: " + suggestions
	}
	return approved, issues, nil
}
