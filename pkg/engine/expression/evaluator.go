// Package expression implements the `${{ }}` sandboxed expression language
// (spec 4.1), built on expr-lang/expr the way the teacher's own
// pkg/workflow/expression package is, but generalized from a boolean-only
// condition evaluator into one returning arbitrary JSON-like values and
// doing both whole-value and string-interpolating substitution.
package expression

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	engerrors "github.com/loomwork/engine/pkg/errors"
)

// DefaultTimeout is the soft evaluation cap spec 4.1 requires.
const DefaultTimeout = 1 * time.Second

// bannedIdentifiers are refused even though expr.AllowUndefinedVariables
// would otherwise let them resolve to nil; spec 4.1 calls these out by name.
var bannedIdentifiers = map[string]bool{
	"Array":  true,
	"String": true,
}

// Evaluator compiles and caches expr-lang programs, the same caching shape
// as the teacher's expression.Evaluator (pkg/workflow/expression/evaluator.go)
// generalized to return native values instead of only booleans.
type Evaluator struct {
	mu      sync.RWMutex
	cache   map[string]*vm.Program
	timeout time.Duration
}

// New constructs an Evaluator with the spec's default soft timeout.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program), timeout: DefaultTimeout}
}

// WithTimeout overrides the default soft evaluation cap (used by tests that
// want to exercise the EvaluationTimeout error deterministically).
func (e *Evaluator) WithTimeout(d time.Duration) *Evaluator {
	e.timeout = d
	return e
}

// ClearCache drops all compiled programs. Exposed for tests.
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]*vm.Program)
}

// CacheSize reports the number of compiled programs held. Exposed for tests.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

func (e *Evaluator) compile(expression string, env map[string]any) (*vm.Program, error) {
	e.mu.RLock()
	p, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return p, nil
	}

	for ident := range bannedIdentifiers {
		if strings.Contains(expression, ident) {
			return nil, &engerrors.ExpressionError{Expression: expression, Reason: "banned identifier: " + ident}
		}
	}

	program, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, &engerrors.ExpressionError{Expression: expression, Reason: "compile error", Cause: err}
	}

	e.mu.Lock()
	e.cache[expression] = program
	e.mu.Unlock()
	return program, nil
}

// evalRaw compiles and runs expression against env, honoring the soft
// timeout by running the VM on its own goroutine (expr-lang has no native
// cancellation; spec 9's "Exceptions/panics" and "cooperative" guidance
// means the caller still owns the goroutine lifecycle, we just don't block
// the calling context past the deadline).
func (e *Evaluator) evalRaw(ctx context.Context, expression string, env map[string]any) (any, error) {
	program, err := e.compile(expression, env)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		val any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, runErr := vm.Run(program, env)
		done <- outcome{v, runErr}
	}()

	timeout := e.timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, &engerrors.ExpressionError{Expression: expression, Reason: "evaluation error", Cause: o.err}
		}
		return o.val, nil
	case <-timer.C:
		return nil, &engerrors.ExpressionError{Expression: expression, Reason: "evaluator timeout"}
	case <-ctx.Done():
		return nil, &engerrors.ExpressionError{Expression: expression, Reason: "canceled", Cause: ctx.Err()}
	}
}

// wholeTemplate reports whether tpl is entirely a single ${{ ... }}
// fragment with nothing else around it, and returns its trimmed inner
// expression if so.
func wholeTemplate(tpl string) (string, bool) {
	trimmed := strings.TrimSpace(tpl)
	if strings.HasPrefix(trimmed, "${{") && strings.HasSuffix(trimmed, "}}") {
		inner := trimmed[3 : len(trimmed)-2]
		// Reject if there is a second "${{" later - not a single whole fragment.
		if !strings.Contains(inner, "${{") {
			return strings.TrimSpace(inner), true
		}
	}
	return "", false
}

// Evaluate implements spec 4.1's `evaluate(tpl, ctx)`: if tpl is a single
// whole ${{ }} fragment, returns its native evaluation; otherwise behaves
// like EvaluateString.
func (e *Evaluator) Evaluate(ctx context.Context, tpl string, env map[string]any) (any, error) {
	if inner, ok := wholeTemplate(tpl); ok {
		return e.evalRaw(ctx, inner, env)
	}
	return e.EvaluateString(ctx, tpl, env)
}

// EvaluateString implements spec 4.1's `evaluateString(tpl, ctx)`: replaces
// every ${{ expr }} fragment with the stringified evaluation of expr;
// literal text outside the markers is preserved verbatim.
func (e *Evaluator) EvaluateString(ctx context.Context, tpl string, env map[string]any) (string, error) {
	var b strings.Builder
	i := 0
	for i < len(tpl) {
		start := strings.Index(tpl[i:], "${{")
		if start < 0 {
			b.WriteString(tpl[i:])
			break
		}
		start += i
		b.WriteString(tpl[i:start])

		end := strings.Index(tpl[start+3:], "}}")
		if end < 0 {
			return "", &engerrors.ExpressionError{Expression: tpl, Reason: "unterminated ${{ }} fragment"}
		}
		end += start + 3

		inner := strings.TrimSpace(tpl[start+3 : end])
		val, err := e.evalRaw(ctx, inner, env)
		if err != nil {
			return "", err
		}
		b.WriteString(stringifyValue(val))
		i = end + 2
	}
	return b.String(), nil
}

func stringifyValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}
