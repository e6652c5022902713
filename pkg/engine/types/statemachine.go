package types

import (
	"context"
	"fmt"

	"github.com/loomwork/engine/pkg/errors"
)

// TransitionGuard determines whether a transition may proceed.
type TransitionGuard func(ctx context.Context, exec *StepExecution) (bool, error)

// TransitionAction runs as part of executing a transition.
type TransitionAction func(ctx context.Context, exec *StepExecution) error

// Transition is one edge in the StepExecution state machine (spec 3
// invariants: pending -> running -> {success,failed,skipped,suspended};
// running -> pending only via an explicit resume with restart policy).
type Transition struct {
	From    StepStatus
	To      StepStatus
	Event   string
	Guards  []TransitionGuard
	Actions []TransitionAction
}

// CanTransition reports whether the transition's starting state matches and
// every guard allows it.
func (t *Transition) CanTransition(ctx context.Context, exec *StepExecution) (bool, error) {
	if exec.Status != t.From {
		return false, nil
	}
	for _, g := range t.Guards {
		ok, err := g(ctx, exec)
		if err != nil {
			return false, fmt.Errorf("guard error: %w", err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Execute runs the transition's actions and updates exec.Status.
func (t *Transition) Execute(ctx context.Context, exec *StepExecution) error {
	for _, a := range t.Actions {
		if err := a(ctx, exec); err != nil {
			return fmt.Errorf("action error: %w", err)
		}
	}
	exec.Status = t.To
	return nil
}

// StateMachine enforces the StepExecution lifecycle transitions.
type StateMachine struct {
	transitions map[string][]*Transition
}

// NewStateMachine builds a machine from the given transitions, grouped by
// event name; one event may carry several transitions from different
// starting states.
func NewStateMachine(transitions []*Transition) *StateMachine {
	sm := &StateMachine{transitions: make(map[string][]*Transition, len(transitions))}
	for _, t := range transitions {
		sm.transitions[t.Event] = append(sm.transitions[t.Event], t)
	}
	return sm
}

// Trigger fires the first transition registered for the named event that
// exec's current status and the transition's guards allow.
func (sm *StateMachine) Trigger(ctx context.Context, exec *StepExecution, event string) error {
	candidates, ok := sm.transitions[event]
	if !ok {
		return &errors.ValidationError{Field: "event", Message: fmt.Sprintf("unknown event: %s", event)}
	}
	for _, t := range candidates {
		allowed, err := t.CanTransition(ctx, exec)
		if err != nil {
			return err
		}
		if allowed {
			return t.Execute(ctx, exec)
		}
	}
	return &errors.ValidationError{
		Field:      "status",
		Message:    fmt.Sprintf("transition not allowed: from %s on event %s", exec.Status, event),
		Suggestion: fmt.Sprintf("step execution must be in the right state to trigger %s", event),
	}
}

// DefaultStepTransitions returns the standard StepExecution transitions from
// spec 3's invariants: pending -> running -> terminal, plus the resume path
// (suspended -> running) and the explicit-restart path (running -> pending,
// only fired by an explicit resume-with-restart-policy caller, never by the
// scheduler itself).
func DefaultStepTransitions() []*Transition {
	return []*Transition{
		{From: StepPending, To: StepRunning, Event: "start"},
		{From: StepRunning, To: StepSuccess, Event: "succeed"},
		{From: StepRunning, To: StepFailed, Event: "fail"},
		{From: StepRunning, To: StepSkipped, Event: "skip"},
		{From: StepPending, To: StepSkipped, Event: "skip"},
		{From: StepRunning, To: StepSuspended, Event: "suspend"},
		{From: StepSuspended, To: StepRunning, Event: "resume"},
		{From: StepRunning, To: StepPending, Event: "restart"},
	}
}
