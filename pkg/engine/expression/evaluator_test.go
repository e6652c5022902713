package expression

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateWholeTemplate(t *testing.T) {
	e := New()
	v, err := e.Evaluate(context.Background(), "${{ 1 + 2 }}", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestEvaluateWholeTemplatePreservesType(t *testing.T) {
	e := New()
	v, err := e.Evaluate(context.Background(), "${{ steps.a.output }}", map[string]any{
		"steps": map[string]any{"a": map[string]any{"output": map[string]any{"x": 1}}},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1}, v)
}

func TestEvaluateStringInterpolatesMultipleFragments(t *testing.T) {
	e := New()
	out, err := e.EvaluateString(context.Background(), "hello ${{ name }}, total=${{ 2 * 3 }}", map[string]any{"name": "world"})
	require.NoError(t, err)
	assert.Equal(t, "hello world, total=6", out)
}

func TestEvaluateStringPassesThroughLiteralText(t *testing.T) {
	e := New()
	out, err := e.EvaluateString(context.Background(), "no templates here", nil)
	require.NoError(t, err)
	assert.Equal(t, "no templates here", out)
}

func TestEvaluateUnterminatedFragmentErrors(t *testing.T) {
	e := New()
	_, err := e.EvaluateString(context.Background(), "broken ${{ 1 + 1", nil)
	assert.Error(t, err)
}

func TestEvaluateBannedIdentifierRejected(t *testing.T) {
	e := New()
	_, err := e.Evaluate(context.Background(), "${{ String(1) }}", nil)
	assert.Error(t, err)
}

func TestEvaluateCompileErrorReported(t *testing.T) {
	e := New()
	_, err := e.Evaluate(context.Background(), "${{ )( }}", nil)
	assert.Error(t, err)
}

func TestEvaluateCachesCompiledPrograms(t *testing.T) {
	e := New()
	_, err := e.Evaluate(context.Background(), "${{ 1 + 1 }}", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, e.CacheSize())

	_, err = e.Evaluate(context.Background(), "${{ 1 + 1 }}", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, e.CacheSize())

	e.ClearCache()
	assert.Equal(t, 0, e.CacheSize())
}

func TestEvaluateTimesOutOnSlowExpression(t *testing.T) {
	e := New().WithTimeout(5 * time.Millisecond)
	_, err := e.Evaluate(context.Background(), "${{ 1..100000000 }}", nil)
	require.Error(t, err)
}

func TestEvaluateCanceledByContext(t *testing.T) {
	e := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Evaluate(ctx, "${{ 1..100000000 }}", nil)
	assert.Error(t, err)
}
