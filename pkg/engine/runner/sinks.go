package runner

import (
	"context"

	"github.com/google/uuid"

	"github.com/loomwork/engine/pkg/engine/store"
	"github.com/loomwork/engine/pkg/engine/types"
)

// attemptRecorder persists every recovery-wrapper attempt as its own
// step_executions row (spec 4.9), satisfying exec.AttemptRecorder.
type attemptRecorder struct {
	store *store.Store
}

func (a *attemptRecorder) RecordAttempt(ctx context.Context, runID, stepID string, attempt int, result types.StepResult) error {
	execID := uuid.NewString()
	if err := a.store.CreateAttempt(ctx, execID, runID, stepID, attempt); err != nil {
		return err
	}
	return a.store.CompleteStep(ctx, execID, result.Status, result.Output, result.Error, result.Usage)
}

// iterationSink persists each foreach iteration as a step_executions row
// keyed by iteration_index (spec 4.8), satisfying exec.IterationSink.
type iterationSink struct {
	store *store.Store
}

func (s *iterationSink) RecordIteration(ctx context.Context, runID, stepID string, index int, result types.StepResult) error {
	execID := uuid.NewString()
	idx := index
	if err := s.store.CreateStep(ctx, execID, runID, stepID, &idx); err != nil {
		return err
	}
	if err := s.store.StartStep(ctx, execID); err != nil {
		return err
	}
	return s.store.CompleteStep(ctx, execID, result.Status, result.Output, result.Error, result.Usage)
}
