package mcp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	engerrors "github.com/loomwork/engine/pkg/errors"
	"github.com/loomwork/engine/pkg/engine/exec"
)

type fakeLocalTool struct {
	name  string
	calls int
	last  map[string]any
}

func (f *fakeLocalTool) Spec() exec.ToolSpec {
	return exec.ToolSpec{Name: f.name, Description: "fake"}
}

func (f *fakeLocalTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	f.calls++
	f.last = args
	return "ok:" + f.name, nil
}

func TestListToolsAlwaysIncludesBuiltins(t *testing.T) {
	r := NewRegistry()
	specs, err := r.ListTools(context.Background(), "unbound-agent", nil, nil)
	require.NoError(t, err)

	names := map[string]bool{}
	for _, s := range specs {
		names[s.Name] = true
	}
	assert.True(t, names["ask"])
	assert.True(t, names["transfer_to_agent"])
}

func TestListToolsMergesAgentBindingAndStepTools(t *testing.T) {
	r := NewRegistry()
	r.AddLocalTool(&fakeLocalTool{name: "search"})
	r.AddLocalTool(&fakeLocalTool{name: "fetch"})
	r.BindAgent("researcher", AgentTools{Tools: []string{"search"}})

	specs, err := r.ListTools(context.Background(), "researcher", []string{"fetch"}, nil)
	require.NoError(t, err)

	names := map[string]bool{}
	for _, s := range specs {
		names[s.Name] = true
	}
	assert.True(t, names["search"])
	assert.True(t, names["fetch"])
}

func TestInvokeRoutesToLocalTool(t *testing.T) {
	r := NewRegistry()
	tool := &fakeLocalTool{name: "search"}
	r.AddLocalTool(tool)

	out, err := r.Invoke(context.Background(), "search", map[string]any{"q": "go"})
	require.NoError(t, err)
	assert.Equal(t, "ok:search", out)
	assert.Equal(t, 1, tool.calls)
	assert.Equal(t, "go", tool.last["q"])
}

func TestInvokeUnknownToolReturnsNotFoundError(t *testing.T) {
	r := NewRegistry()
	_, err := r.Invoke(context.Background(), "nope", nil)
	require.Error(t, err)
	var nf *engerrors.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestMergeUniqueDropsEmptyAndDuplicates(t *testing.T) {
	out := mergeUnique([]string{"a", "", "b"}, []string{"b", "c"})
	assert.Equal(t, []string{"a", "b", "c"}, out)
}
