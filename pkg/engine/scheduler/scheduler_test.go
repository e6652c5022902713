package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomwork/engine/pkg/engine/types"
)

func wf(steps ...types.Step) *types.Workflow {
	return &types.Workflow{Name: "test", Steps: steps}
}

func TestNewDetectsCycle(t *testing.T) {
	_, err := New(wf(
		types.Step{ID: "a", Needs: []string{"b"}},
		types.Step{ID: "b", Needs: []string{"a"}},
	), nil)
	require.Error(t, err)
	var cycleErr *CycleDetected
	assert.ErrorAs(t, err, &cycleErr)
}

func TestGetRunnableStepsRespectsNeeds(t *testing.T) {
	s, err := New(wf(
		types.Step{ID: "a"},
		types.Step{ID: "b", Needs: []string{"a"}},
	), nil)
	require.NoError(t, err)

	runnable := s.GetRunnableSteps(0, 0)
	require.Len(t, runnable, 1)
	assert.Equal(t, "a", runnable[0].ID)

	s.StartStep("a")
	assert.Empty(t, s.GetRunnableSteps(1, 0))

	s.MarkStepComplete("a")
	runnable = s.GetRunnableSteps(0, 0)
	require.Len(t, runnable, 1)
	assert.Equal(t, "b", runnable[0].ID)
}

func TestGetRunnableStepsHonorsGlobalCap(t *testing.T) {
	s, err := New(wf(
		types.Step{ID: "a"},
		types.Step{ID: "b"},
		types.Step{ID: "c"},
	), nil)
	require.NoError(t, err)

	runnable := s.GetRunnableSteps(0, 2)
	assert.Len(t, runnable, 2)

	assert.Empty(t, s.GetRunnableSteps(2, 2))
}

func TestPreCompletedStepsSkipped(t *testing.T) {
	s, err := New(wf(
		types.Step{ID: "a"},
		types.Step{ID: "b", Needs: []string{"a"}},
	), map[string]bool{"a": true})
	require.NoError(t, err)

	runnable := s.GetRunnableSteps(0, 0)
	require.Len(t, runnable, 1)
	assert.Equal(t, "b", runnable[0].ID)
}

func TestMarkStepFailedIsTerminal(t *testing.T) {
	s, err := New(wf(
		types.Step{ID: "a"},
		types.Step{ID: "b", Needs: []string{"a"}},
	), nil)
	require.NoError(t, err)

	s.StartStep("a")
	s.MarkStepFailed("a")

	assert.Empty(t, s.GetRunnableSteps(0, 0)) // b never becomes runnable, a's failure is terminal
	assert.Equal(t, []string{"a"}, s.Failed())
	assert.False(t, s.IsComplete()) // b is still pending, so the scheduler is not complete
}

func TestIsCompleteRequiresEmptyRunning(t *testing.T) {
	s, err := New(wf(types.Step{ID: "a"}), nil)
	require.NoError(t, err)

	assert.False(t, s.IsComplete())
	s.StartStep("a")
	assert.False(t, s.IsComplete())
	s.MarkStepComplete("a")
	assert.True(t, s.IsComplete())
}

func TestStepByIDNotFound(t *testing.T) {
	s, err := New(wf(types.Step{ID: "a"}), nil)
	require.NoError(t, err)
	_, err = s.StepByID("missing")
	assert.Error(t, err)
}
