package exec

import (
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	engerrors "github.com/loomwork/engine/pkg/errors"
	"github.com/loomwork/engine/pkg/engine/redact"
	"github.com/loomwork/engine/pkg/engine/types"
)

// sensitiveEnvNames lists the substrings of env var names that must not be inherited
// unfiltered into a spawned shell (spec 6, reused here for shell's own
// child process as the same hygiene concern).
var sensitiveEnvNames = []string{"API_KEY", "TOKEN", "SECRET", "PASSWORD", "CREDENTIAL", "AUTH"}

func isSensitiveEnvName(name string) bool {
	upper := strings.ToUpper(name)
	for _, term := range sensitiveEnvNames {
		if strings.Contains(upper, term) {
			return true
		}
	}
	return false
}

// execShell runs step.Run via "sh -c", grounded on the teacher's
// internal/action/shell/action.go (exec.CommandContext("sh","-c",v),
// buffered output, exit-code metadata) with the spec's additions: a
// denylist on the first argv token, a filtered environment overlay, and
// streaming the captured output through the Redactor and an OutputLimiter.
func (e *Executor) execShell(ctx context.Context, step *types.Step, evalCtx *types.EvalContext) (types.StepResult, error) {
	run, err := e.Eval.EvaluateString(ctx, step.Run, evalCtx.ToMap())
	if err != nil {
		return types.StepResult{}, &engerrors.ExpressionError{Expression: step.Run, Reason: err.Error(), StepID: step.ID, Cause: err}
	}

	if err := e.checkDenylist(step.ID, run); err != nil {
		return types.StepResult{}, err
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", run)

	env := filteredEnv(os.Environ())
	for k, v := range step.Env {
		rendered, err := e.Eval.EvaluateString(ctx, v, evalCtx.ToMap())
		if err != nil {
			return types.StepResult{}, &engerrors.ExpressionError{Expression: v, Reason: err.Error(), StepID: step.ID, Cause: err}
		}
		env = append(env, k+"="+rendered)
	}
	cmd.Env = env

	stdoutLimiter := redact.NewOutputLimiter(capOrDefault(e.Config.DefaultShellCapMB))
	stderrLimiter := redact.NewOutputLimiter(capOrDefault(e.Config.DefaultShellCapMB))
	stdoutBuf := redact.NewRedactionBuffer(e.Redactor)
	stderrBuf := redact.NewRedactionBuffer(e.Redactor)

	cmd.Stdout = writerFunc(func(p []byte) (int, error) {
		stdoutLimiter.Write(stdoutBuf.Write(p))
		return len(p), nil
	})
	cmd.Stderr = writerFunc(func(p []byte) (int, error) {
		stderrLimiter.Write(stderrBuf.Write(p))
		return len(p), nil
	})

	runErr := cmd.Run()
	stdoutLimiter.Write(stdoutBuf.Flush())
	stderrLimiter.Write(stderrBuf.Flush())

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if ctx.Err() != nil {
			return types.StepResult{}, &engerrors.CancelledError{StepID: step.ID, Reason: "step canceled"}
		} else {
			return types.StepResult{}, &engerrors.StepExecutionError{StepID: step.ID, Message: runErr.Error(), Cause: runErr}
		}
	}

	output := map[string]any{
		"stdout": strings.TrimSpace(stdoutLimiter.String()),
		"stderr": strings.TrimSpace(stderrLimiter.String()),
		"code":   exitCode,
	}

	if exitCode != 0 {
		return types.StepResult{Status: types.StepFailed, Output: output, Error: "command exited with code " + itoa(exitCode)}, nil
	}
	return types.StepResult{Status: types.StepSuccess, Output: output}, nil
}

func (e *Executor) checkDenylist(stepID, run string) error {
	firstToken := run
	if i := strings.IndexAny(run, " \t\n"); i >= 0 {
		firstToken = run[:i]
	}
	for _, pattern := range e.Config.ShellDenylist {
		matched, err := doublestar.Match(pattern, firstToken)
		if err == nil && matched {
			return &engerrors.SecurityError{StepID: stepID, Reason: "command matches denylist pattern " + pattern, Subject: firstToken}
		}
	}
	return nil
}

// filteredEnv strips sensitive vars from the inherited system environment
// unless the step explicitly re-supplies them via step.Env (spec 6's
// stripping rule, applied here to shell's own child as well as MCP's).
func filteredEnv(environ []string) []string {
	out := make([]string, 0, len(environ))
	for _, kv := range environ {
		name := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			name = kv[:i]
		}
		if isSensitiveEnvName(name) {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func capOrDefault(mb int) int {
	if mb <= 0 {
		return redact.DefaultShellOutputCap
	}
	return mb * 1 << 20
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
