// Package exec implements the Executor Dispatch layer (spec 4.7): the
// shared prelude (if/foreach/pool/timeout/outputSchema), the per-type step
// executors, the Foreach Engine (4.8) and the Recovery Wrappers (4.9).
//
// Grounded on the teacher's pkg/workflow/executor.go (overall dispatch
// shape and StepResult-like return contract) and
// internal/action/shell/action.go (the shell execution idiom: exec.CommandContext
// with "sh -c", buffered stdout/stderr, exit-code metadata).
package exec

import (
	"github.com/loomwork/engine/pkg/engine/types"
)

// RunState is the read side of the Runner's shared state a step's context
// is built from: every step's hydrated/recorded output so far, plus the
// run-level inputs/secrets/env.
type RunState interface {
	// StepContext returns the current {output, outputs, status, error,
	// items} view of stepID, or false if it has no recorded execution yet.
	StepContext(stepID string) (types.StepContext, bool)
	Inputs() map[string]any
	Secrets() map[string]string
	Env() map[string]string
	Memory() map[string]any
	RunID() string

	// ResumeInput returns the external-event payload a suspended step is
	// being resumed with, if stepID is currently being resumed this
	// dispatch. human/llm's ask consult this instead of re-suspending.
	ResumeInput(stepID string) (map[string]any, bool)
}

// buildEvalContext assembles the spec 4.1 context object for a step
// evaluation, optionally overlaying a foreach item/index.
func buildEvalContext(state RunState, item any, index *int) *types.EvalContext {
	steps := make(map[string]types.StepContext)
	// RunState only exposes StepContext on demand (it may be backed by a
	// map that grows as steps complete), so the caller is expected to
	// query individual ids through ToMap's steps map when evaluating --
	// here we only seed the env with what's cheaply available up front.
	ec := &types.EvalContext{
		Inputs:  state.Inputs(),
		Secrets: state.Secrets(),
		Env:     state.Env(),
		Steps:   steps,
		Memory:  state.Memory(),
	}
	if item != nil {
		ec.Item = item
	}
	if index != nil {
		ec.Index = *index
	}
	return ec
}

// StepContextMap lets an exec package caller materialize every known step's
// context once, rather than querying RunState.StepContext per-identifier
// inside the evaluator's env (expr-lang walks the whole env map lazily, so
// this must be a concrete map up front).
func StepContextMap(state RunState, stepIDs []string) map[string]types.StepContext {
	m := make(map[string]types.StepContext, len(stepIDs))
	for _, id := range stepIDs {
		if sc, ok := state.StepContext(id); ok {
			m[id] = sc
		}
	}
	return m
}
