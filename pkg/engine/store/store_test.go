package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	engerrors "github.com/loomwork/engine/pkg/errors"
	"github.com/loomwork/engine/pkg/engine/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seedRun inserts the parent run row that step, event and suspension rows
// reference through their run_id foreign key.
func seedRun(t *testing.T, s *Store, runID string) {
	t.Helper()
	require.NoError(t, s.CreateRun(context.Background(), &types.Run{RunID: runID, WorkflowName: "demo", Status: types.RunRunning, StartedAt: time.Now()}))
}

func TestCreateRunAndGetRunRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run := &types.Run{
		RunID:        "run-1",
		WorkflowName: "demo",
		Inputs:       map[string]any{"x": float64(1)},
		Status:       types.RunPending,
		StartedAt:    time.Now(),
	}
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "demo", got.WorkflowName)
	assert.Equal(t, types.RunPending, got.Status)
	assert.Equal(t, map[string]any{"x": float64(1)}, got.Inputs)
	assert.Nil(t, got.EndedAt)
}

func TestGetRunMissingReturnsNotFoundError(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetRun(context.Background(), "missing")
	require.Error(t, err)
	var nf *engerrors.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestUpdateRunStatusSetsEndedAtOnlyOnTerminalStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run := &types.Run{RunID: "run-1", WorkflowName: "demo", Status: types.RunPending, StartedAt: time.Now()}
	require.NoError(t, s.CreateRun(ctx, run))

	require.NoError(t, s.UpdateRunStatus(ctx, "run-1", types.RunRunning))
	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunRunning, got.Status)
	assert.Nil(t, got.EndedAt)

	require.NoError(t, s.UpdateRunStatus(ctx, "run-1", types.RunCompleted))
	got, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, got.Status)
	require.NotNil(t, got.EndedAt)
}

func TestSetRunOutputsPersists(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run := &types.Run{RunID: "run-1", WorkflowName: "demo", Status: types.RunPending, StartedAt: time.Now()}
	require.NoError(t, s.CreateRun(ctx, run))

	require.NoError(t, s.SetRunOutputs(ctx, "run-1", map[string]any{"result": "ok"}))
	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": "ok"}, got.Outputs)
}

func TestStepLifecycleCreateStartComplete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1")

	require.NoError(t, s.CreateStep(ctx, "exec-1", "run-1", "a", nil))

	require.NoError(t, s.StartStep(ctx, "exec-1"))
	// starting an already-running step is rejected
	err := s.StartStep(ctx, "exec-1")
	require.Error(t, err)
	var ve *engerrors.ValidationError
	assert.ErrorAs(t, err, &ve)

	require.NoError(t, s.CompleteStep(ctx, "exec-1", types.StepSuccess, map[string]any{"y": float64(2)}, "", nil))

	got, err := s.GetMainStep(ctx, "run-1", "a")
	require.NoError(t, err)
	assert.Equal(t, types.StepSuccess, got.Status)
	assert.Equal(t, map[string]any{"y": float64(2)}, got.Output)
	require.NotNil(t, got.EndedAt)
}

func TestCompleteStepWithRunningStatusLeavesEndedAtUnset(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1")

	require.NoError(t, s.CreateStep(ctx, "exec-1", "run-1", "a", nil))
	require.NoError(t, s.StartStep(ctx, "exec-1"))
	require.NoError(t, s.CompleteStep(ctx, "exec-1", types.StepRunning, nil, "", nil))

	got, err := s.GetMainStep(ctx, "run-1", "a")
	require.NoError(t, err)
	assert.Equal(t, types.StepRunning, got.Status)
	assert.Nil(t, got.EndedAt)
}

func TestCreateAttemptIsDistinctFromCreateStep(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1")

	require.NoError(t, s.CreateStep(ctx, "exec-1", "run-1", "a", nil))
	require.NoError(t, s.CreateAttempt(ctx, "exec-2", "run-1", "a", 2))

	got, err := s.GetMainStep(ctx, "run-1", "a")
	require.NoError(t, err)
	// highest attempt wins, and CreateAttempt starts as running (not pending)
	assert.Equal(t, "exec-2", got.ExecID)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, types.StepRunning, got.Status)
}

func TestGetStepIterationsOrderedAndCounted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1")

	for i := 0; i < 3; i++ {
		idx := i
		execID := "exec-iter-" + string(rune('a'+i))
		require.NoError(t, s.CreateStep(ctx, execID, "run-1", "fe", &idx))
		require.NoError(t, s.StartStep(ctx, execID))
		require.NoError(t, s.CompleteStep(ctx, execID, types.StepSuccess, idx, "", nil))
	}
	// a non-iteration row for the same step must not be counted
	require.NoError(t, s.CreateStep(ctx, "exec-parent", "run-1", "fe", nil))

	n, err := s.CountStepIterations(ctx, "run-1", "fe")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	iters, err := s.GetStepIterations(ctx, "run-1", "fe", true)
	require.NoError(t, err)
	require.Len(t, iters, 3)
	for i, se := range iters {
		require.NotNil(t, se.IterationIndex)
		assert.Equal(t, i, *se.IterationIndex)
	}

	stripped, err := s.GetStepIterations(ctx, "run-1", "fe", false)
	require.NoError(t, err)
	require.Len(t, stripped, 3)
	for _, se := range stripped {
		assert.Nil(t, se.Output)
		assert.Empty(t, se.Error)
		assert.Nil(t, se.Usage)
	}
}

func TestStoreEventAppends(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1")

	require.NoError(t, s.StoreEvent(ctx, &types.Event{
		EventID: "ev-1",
		RunID:   "run-1",
		StepID:  "a",
		TS:      time.Now(),
		Type:    "step.started",
		Payload: map[string]any{"foo": "bar"},
	}))
	// no reader method exists beyond suspension queries; a second insert with a
	// distinct id must not conflict
	require.NoError(t, s.StoreEvent(ctx, &types.Event{
		EventID: "ev-2",
		RunID:   "run-1",
		TS:      time.Now(),
		Type:    "run.completed",
	}))
}

func TestSuspensionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1")

	require.NoError(t, s.SuspendStep(ctx, "run-1", "wait-for-approval", "approval.granted"))

	sus, err := s.GetSuspendedStepsForEvent(ctx, "approval.granted")
	require.NoError(t, err)
	require.Len(t, sus, 1)
	assert.Equal(t, "run-1", sus[0].RunID)
	assert.Equal(t, "wait-for-approval", sus[0].StepID)

	// re-suspending the same run/step on a different event overwrites, not duplicates
	require.NoError(t, s.SuspendStep(ctx, "run-1", "wait-for-approval", "approval.rejected"))
	sus, err = s.GetSuspendedStepsForEvent(ctx, "approval.granted")
	require.NoError(t, err)
	assert.Empty(t, sus)
	sus, err = s.GetSuspendedStepsForEvent(ctx, "approval.rejected")
	require.NoError(t, err)
	require.Len(t, sus, 1)

	require.NoError(t, s.ClearSuspension(ctx, "run-1", "wait-for-approval"))
	sus, err = s.GetSuspendedStepsForEvent(ctx, "approval.rejected")
	require.NoError(t, err)
	assert.Empty(t, sus)
}
