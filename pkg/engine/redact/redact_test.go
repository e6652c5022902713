package redact

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactMasksKnownSecretValues(t *testing.T) {
	r := New(map[string]string{"api_key": "sk-verysecretvalue"}, nil)
	out := r.Redact("request used sk-verysecretvalue as credentials")
	assert.Equal(t, "request used "+ReplacementToken+" as credentials", out)
}

func TestRedactLeavesUnrelatedTextAlone(t *testing.T) {
	r := New(map[string]string{"token": "abcdef123456"}, nil)
	out := r.Redact("nothing secret in here")
	assert.Equal(t, "nothing secret in here", out)
}

func TestRedactShortValuesUseWordBoundary(t *testing.T) {
	r := New(map[string]string{"pin": "42"}, nil) // shorter than 3, not registered at all
	out := r.Redact("answer is 42")
	assert.Equal(t, "answer is 42", out) // len < 3 is dropped by New, never masked

	r2 := New(map[string]string{"code": "abc"}, nil)
	assert.Equal(t, "value is "+ReplacementToken, r2.Redact("value is abc"))
	assert.Equal(t, "embedded abcdef stays", r2.Redact("embedded abcdef stays")) // word-boundary protects substrings
}

func TestRedactForcedSecretsAlsoMasked(t *testing.T) {
	r := New(nil, []string{"runtime-computed-secret"})
	assert.Equal(t, ReplacementToken, r.Redact("runtime-computed-secret"))
}

func TestRedactValueMasksSensitiveKeysRegardlessOfLength(t *testing.T) {
	r := New(nil, nil)
	out := r.RedactValue(map[string]any{
		"password": "x",
		"note":     "hello",
	})
	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, ReplacementToken, m["password"])
	assert.Equal(t, "hello", m["note"])
}

func TestRedactValueRecursesThroughNestedStructures(t *testing.T) {
	r := New(map[string]string{"k": "leaked-value"}, nil)
	in := map[string]any{
		"items": []any{
			map[string]any{"text": "contains leaked-value here"},
		},
	}
	out := r.RedactValue(in).(map[string]any)
	items := out["items"].([]any)
	first := items[0].(map[string]any)
	assert.Equal(t, "contains "+ReplacementToken+" here", first["text"])
}

func TestRedactionBufferHoldsBackTailAcrossWrites(t *testing.T) {
	r := New(map[string]string{"k": "secretword"}, nil)
	buf := NewRedactionBuffer(r)

	emitted := buf.Write([]byte("prefix secret"))
	emitted = append(emitted, buf.Write([]byte("word suffix"))...)
	emitted = append(emitted, buf.Flush()...)

	assert.Equal(t, "prefix "+ReplacementToken+" suffix", string(emitted))
}

func TestRedactionBufferFlushWithNoRedactor(t *testing.T) {
	buf := NewRedactionBuffer(nil)
	emitted := buf.Write([]byte("hello"))
	emitted = append(emitted, buf.Flush()...)
	assert.Equal(t, "hello", string(emitted))
}

func TestOutputLimiterCapsAndMarksTruncated(t *testing.T) {
	lim := NewOutputLimiter(5)
	lim.Write([]byte("hello world"))
	assert.True(t, lim.Truncated())
	assert.Equal(t, "hello\n... [truncated]", lim.String())
}

func TestOutputLimiterUnderCapNotTruncated(t *testing.T) {
	lim := NewOutputLimiter(100)
	lim.Write([]byte("hello"))
	assert.False(t, lim.Truncated())
	assert.Equal(t, "hello", lim.String())
}

func TestOutputLimiterDoesNotSplitMultiByteRune(t *testing.T) {
	lim := NewOutputLimiter(1)
	lim.Write([]byte("é")) // 2-byte rune; a cap of 1 lands inside it
	assert.True(t, lim.Truncated())
	// either the full rune survives or none of it does -- never a half rune
	s := lim.String()
	trimmed := s[:len(s)-len(truncationSuffix)]
	assert.True(t, trimmed == "é" || trimmed == "")
}
