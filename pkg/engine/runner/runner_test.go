package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomwork/engine/pkg/engine/expression"
	"github.com/loomwork/engine/pkg/engine/exec"
	"github.com/loomwork/engine/pkg/engine/pool"
	"github.com/loomwork/engine/pkg/engine/redact"
	"github.com/loomwork/engine/pkg/engine/store"
	"github.com/loomwork/engine/pkg/engine/types"
)

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	st, err := store.Open(context.Background(), store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return New(Config{
		Store:    st,
		Pools:    pool.NewManager(4),
		Eval:     expression.New(),
		Redactor: redact.New(nil, nil),
		ExecCfg:  exec.Config{DefaultTimeout: 5 * time.Second},
	})
}

func TestRunTwoStepHappyPath(t *testing.T) {
	rn := newTestRunner(t)

	workflow := &types.Workflow{
		Name: "greet",
		Steps: []types.Step{
			{ID: "a", Type: types.StepShell, Run: "echo -n hello"},
			{ID: "b", Type: types.StepShell, Needs: []string{"a"}, Run: "echo -n \"${{ steps.a.output.stdout }} world\""},
		},
		Outputs: map[string]string{
			"greeting": "${{ steps.b.output.stdout }}",
		},
	}

	run, err := rn.Run(context.Background(), workflow, nil)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, run.Status)
	assert.Equal(t, "hello world", run.Outputs["greeting"])
}

func TestRunFailedStepFailsTheRun(t *testing.T) {
	rn := newTestRunner(t)

	workflow := &types.Workflow{
		Name: "boom",
		Steps: []types.Step{
			{ID: "a", Type: types.StepShell, Run: "exit 3"},
		},
	}

	run, err := rn.Run(context.Background(), workflow, nil)
	require.Error(t, err)
	assert.Equal(t, types.RunFailed, run.Status)
}

func TestRunSkipsStepWhenIfFalse(t *testing.T) {
	rn := newTestRunner(t)

	workflow := &types.Workflow{
		Name: "conditional",
		Steps: []types.Step{
			{ID: "a", Type: types.StepShell, Run: "echo -n skip-me", If: "${{ false }}"},
		},
	}

	run, err := rn.Run(context.Background(), workflow, nil)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, run.Status)
}

func TestResumeSkipsAlreadyCompletedSteps(t *testing.T) {
	rn := newTestRunner(t)
	ctx := context.Background()

	workflow := &types.Workflow{
		Name: "resumable",
		Steps: []types.Step{
			{ID: "a", Type: types.StepShell, Run: "echo -n first"},
			{ID: "b", Type: types.StepShell, Needs: []string{"a"}, Run: "echo -n second"},
		},
	}

	run, err := rn.Run(ctx, workflow, nil)
	require.NoError(t, err)
	require.Equal(t, types.RunCompleted, run.Status)

	// resuming an already-completed run should simply reproduce the same
	// terminal state, re-hydrating both steps from the store rather than
	// re-executing them
	resumed, err := rn.Resume(ctx, workflow, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, resumed.Status)
}

func TestRunLeavesHumanStepSuspended(t *testing.T) {
	rn := newTestRunner(t)
	ctx := context.Background()

	workflow := &types.Workflow{
		Name: "human-in-the-loop",
		Steps: []types.Step{
			{ID: "wait", Type: types.StepHuman, Prompt: "continue?"},
		},
	}

	// non-interactive test process has no TTY on stdin, so the human step
	// suspends rather than blocking on a read
	run, err := rn.Run(ctx, workflow, nil)
	require.NoError(t, err)
	assert.Equal(t, types.RunPaused, run.Status)
}
