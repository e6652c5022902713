// Package redact implements value-based secret masking and byte-capped
// output accumulation (spec 4.2). It keeps the teacher's general Redactor
// shape (internal/tracing/redact) -- a constructed object holding a set of
// things to mask, applied via a RedactString-style method -- but switches
// the masking mechanism from regex pattern matching to exact known-value
// matching, since the spec's Redactor is built from a concrete secrets map
// rather than scanning for secret-shaped substrings.
package redact

import (
	"regexp"
	"sort"
	"strings"
)

// ReplacementToken is what a masked secret value is replaced with.
const ReplacementToken = "***REDACTED***"

// sensitiveKeyTerms mirrors the teacher's shouldRedactKey substring list
// (internal/tracing/redact/redactor.go), extended with the terms spec 4.2
// names explicitly.
var sensitiveKeyTerms = []string{
	"api_key", "apikey", "token", "secret", "password", "passwd", "pwd",
	"auth", "credential", "access_key", "private_key",
}

// Redactor masks known secret values (and values keyed by a sensitive term)
// wherever they appear in text or structured data.
type Redactor struct {
	values  []string         // sorted longest-first for greedy non-overlapping replacement
	longest int
}

// New constructs a Redactor from a secrets map (each registered value is
// masked wherever it appears) plus an optional list of forced secret
// values (masked even if they didn't come from the map — e.g. values a step
// computed at runtime that must never be echoed).
func New(secrets map[string]string, forcedSecrets []string) *Redactor {
	seen := make(map[string]bool)
	var values []string
	add := func(v string) {
		if v != "" && !seen[v] {
			seen[v] = true
			values = append(values, v)
		}
	}
	// A secrets-map value is registered if its key matches a sensitive
	// term OR its length is >= 3; a forced secret is registered
	// if its length is >= 3. Empty values are never registered.
	for k, v := range secrets {
		if isSensitiveKey(k) || len(v) >= 3 {
			add(v)
		}
	}
	for _, v := range forcedSecrets {
		if len(v) >= 3 {
			add(v)
		}
	}
	sort.Slice(values, func(i, j int) bool { return len(values[i]) > len(values[j]) })

	longest := 0
	for _, v := range values {
		if len(v) > longest {
			longest = len(v)
		}
	}
	return &Redactor{values: values, longest: longest}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, term := range sensitiveKeyTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

// LongestSecret returns the length in bytes of the longest known secret
// value, used by RedactionBuffer to size its held-back tail.
func (r *Redactor) LongestSecret() int {
	return r.longest
}

// Redact masks every occurrence of a known secret value in text. Values
// shorter than 5 characters are matched with \b word boundaries (spec 4.2)
// so they don't clobber substrings of unrelated words; longer values are
// matched as plain substrings.
func (r *Redactor) Redact(text string) string {
	if text == "" || len(r.values) == 0 {
		return text
	}
	result := text
	for _, v := range r.values {
		if len(v) < 5 {
			re := regexp.MustCompile(`\b` + regexp.QuoteMeta(v) + `\b`)
			result = re.ReplaceAllString(result, ReplacementToken)
		} else {
			result = strings.ReplaceAll(result, v, ReplacementToken)
		}
	}
	return result
}

// RedactValue recurses through maps/slices, redacting every string leaf and
// masking any map value whose key looks sensitive outright (even if the
// value itself wasn't registered as a known secret), mirroring the
// teacher's shouldRedactKey behavior.
func (r *Redactor) RedactValue(v any) any {
	switch t := v.(type) {
	case string:
		return r.Redact(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if isSensitiveKey(k) {
				out[k] = ReplacementToken
				continue
			}
			out[k] = r.RedactValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = r.RedactValue(val)
		}
		return out
	default:
		return v
	}
}
