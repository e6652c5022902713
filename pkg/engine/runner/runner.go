// Package runner implements the top-level Runner and Hydration contract
// (spec 4.10): it owns a Scheduler/Executor/RecoveryRunner/ForeachEngine
// quartet wired to one Store, drives the cooperative dispatch loop, and
// resumes a crashed run by replaying store.Hydrate into a fresh in-memory
// RunState before continuing it.
//
// Grounded on the teacher's pkg/workflow/executor.go Execute/Run entry
// points for the overall run/resume/sub-workflow shape, generalized around
// this package's own Scheduler (no teacher equivalent) rather than the
// teacher's sequential step walk.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/loomwork/engine/internal/log"
	engerrors "github.com/loomwork/engine/pkg/errors"
	"github.com/loomwork/engine/pkg/engine/exec"
	"github.com/loomwork/engine/pkg/engine/expression"
	"github.com/loomwork/engine/pkg/engine/pool"
	"github.com/loomwork/engine/pkg/engine/redact"
	"github.com/loomwork/engine/pkg/engine/resilience"
	"github.com/loomwork/engine/pkg/engine/scheduler"
	"github.com/loomwork/engine/pkg/engine/store"
	"github.com/loomwork/engine/pkg/engine/types"
)

// WorkflowResolver looks up a named workflow definition, used to resolve
// sub_workflow steps (spec 4.7) without the runner package depending on
// whatever loader/parser assembled the workflow graph in the first place
// (YAML schema validation is explicitly out of scope).
type WorkflowResolver interface {
	Resolve(name string) (*types.Workflow, error)
}

// Config wires every collaborator the Runner drives. LM and Tools are
// shared across every run; CircuitBreaker/RateLimiter are optional (spec
// 4.3) and, when set, wrap every llm step's Generate call uniformly.
type Config struct {
	Store     *store.Store
	Pools     *pool.Manager
	Eval      *expression.Evaluator
	Redactor  *redact.Redactor
	LM        exec.LanguageModel
	Tools     exec.ToolInvoker
	Memory    exec.MemoryStore
	Workflows WorkflowResolver
	ExecCfg   exec.Config

	Breaker *resilience.CircuitBreaker
	Limiter *resilience.RateLimiter

	Secrets map[string]string
	Env     map[string]string

	// Logger receives per-run/per-step structured log lines (10.1). A nil
	// Logger falls back to slog.Default(), matching the teacher's own
	// "no package-level logger singleton" rule applied at the call site
	// rather than inside this package.
	Logger *slog.Logger
}

// Runner drives runs of a single engine deployment (one Store, one pool
// Manager, one set of provider/tool handles) to completion.
type Runner struct {
	cfg Config
	lm  exec.LanguageModel
}

// New builds a Runner from cfg.
func New(cfg Config) *Runner {
	return &Runner{cfg: cfg, lm: wrapLanguageModel(cfg.LM, cfg.Breaker, cfg.Limiter)}
}

func (rn *Runner) logger() *slog.Logger {
	if rn.cfg.Logger != nil {
		return rn.cfg.Logger
	}
	return slog.Default()
}

func (rn *Runner) newExecutor() *exec.Executor {
	e := &exec.Executor{
		Eval:     rn.cfg.Eval,
		Pools:    rn.cfg.Pools,
		Redactor: rn.cfg.Redactor,
		Config:   rn.cfg.ExecCfg,
		LM:       rn.lm,
		Tools:    rn.cfg.Tools,
		Memory:   rn.cfg.Memory,
	}
	e.SubRunner = subWorkflowAdapter{runner: rn}
	e.Foreach = &exec.ForeachEngine{Exec: e, Sink: &iterationSink{store: rn.cfg.Store}}
	return e
}

func (rn *Runner) newRecoveryRunner() *exec.RecoveryRunner {
	return &exec.RecoveryRunner{Exec: rn.newExecutor(), Recorder: &attemptRecorder{store: rn.cfg.Store}}
}

// subWorkflowAdapter implements exec.SubWorkflowRunner by resolving the
// named workflow and running it to completion as a nested Run sharing the
// same Store, then handing its evaluated outputs back to the parent llm/
// sub_workflow step.
type subWorkflowAdapter struct {
	runner *Runner
}

func (a subWorkflowAdapter) RunSubWorkflow(ctx context.Context, name string, inputs map[string]any) (map[string]any, error) {
	if a.runner.cfg.Workflows == nil {
		return nil, &engerrors.ConfigError{Key: "sub_workflow", Reason: "no workflow resolver configured"}
	}
	wf, err := a.runner.cfg.Workflows.Resolve(name)
	if err != nil {
		return nil, err
	}
	run, err := a.runner.Run(ctx, wf, inputs)
	if err != nil {
		return nil, err
	}
	if run.Status == types.RunFailed {
		return nil, &engerrors.StepExecutionError{Message: "sub-workflow " + name + " failed"}
	}
	return run.Outputs, nil
}

// collectStepIDs lists every top-level step id (loop/parallel nested steps
// are dispatched as one atomic unit by the exec layer and are never
// independently scheduled, so they are intentionally excluded here -- see
// the design notes on this decision).
func collectStepIDs(workflow *types.Workflow) []string {
	ids := make([]string, len(workflow.Steps))
	for i, s := range workflow.Steps {
		ids[i] = s.ID
	}
	return ids
}

// Run starts a brand-new run of workflow with the given inputs (spec 4.10
// step 1, "else create a new Run").
func (rn *Runner) Run(ctx context.Context, workflow *types.Workflow, inputs map[string]any) (*types.Run, error) {
	runID := uuid.NewString()
	run := &types.Run{
		RunID:        runID,
		WorkflowName: workflow.Name,
		Inputs:       inputs,
		Status:       types.RunRunning,
		StartedAt:    time.Now(),
	}
	if err := rn.cfg.Store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	state := newRunState(runID, inputs, rn.cfg.Secrets, rn.cfg.Env)
	return rn.drive(ctx, workflow, run, state, nil)
}

// Resume hydrates runID's recorded state (spec 4.5) and continues it (spec
// 4.10 step 1, "if resumeRunId: hydrate State").
func (rn *Runner) Resume(ctx context.Context, workflow *types.Workflow, runID string) (*types.Run, error) {
	run, err := rn.cfg.Store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	stepIDs := collectStepIDs(workflow)
	hydrated, err := store.Hydrate(ctx, rn.cfg.Store, runID, stepIDs)
	if err != nil {
		return nil, err
	}
	completed := store.CompletedStepIDs(hydrated)

	state := newRunState(runID, run.Inputs, rn.cfg.Secrets, rn.cfg.Env)
	for id, hs := range hydrated {
		state.setStep(id, types.StepContext{Output: hs.Output, Outputs: anyMapFrom(hs.Outputs), Status: hs.Status, Error: hs.Error, Items: hs.Items})
	}

	run.Status = types.RunRunning
	if err := rn.cfg.Store.UpdateRunStatus(ctx, runID, types.RunRunning); err != nil {
		return nil, err
	}
	return rn.drive(ctx, workflow, run, state, completed)
}

func anyMapFrom(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return nil
}

type outcome struct {
	execID string
	stepID string
	result types.StepResult
	err    error
}

// drive is the cooperative dispatch loop (spec 4.10 step 3): repeatedly
// pull the runnable budget from the Scheduler, launch each as its own
// goroutine through the recovery-wrapped Executor, and block on the next
// completion whenever nothing new is dispatchable but work remains
// in-flight. It never polls.
func (rn *Runner) drive(ctx context.Context, workflow *types.Workflow, run *types.Run, state *runState, preCompleted map[string]bool) (*types.Run, error) {
	sched, err := scheduler.New(workflow, preCompleted)
	if err != nil {
		run.Status = types.RunFailed
		_ = rn.cfg.Store.UpdateRunStatus(ctx, run.RunID, types.RunFailed)
		return run, err
	}
	return rn.continueDrive(ctx, workflow, run, state, sched)
}

// applyOutcome folds one step completion back into the Scheduler and
// RunState. A suspended step is deliberately left marked "running" in the
// Scheduler (spec 4.10's suspension points include "human prompt" among
// others): it is never re-dispatched and keeps IsComplete false until
// DeliverEvent resumes it, but it does not count against the concurrency
// cap, which is checked against the dispatch loop's in-flight counter.
func (rn *Runner) applyOutcome(state *runState, sched *scheduler.Scheduler, o outcome) {
	switch o.result.Status {
	case types.StepSuspended:
		var eventName string
		if out, ok := o.result.Output.(map[string]any); ok {
			eventName, _ = out["event_name"].(string)
		}
		if eventName != "" {
			_ = rn.cfg.Store.SuspendStep(context.Background(), state.RunID(), o.stepID, eventName)
		}
		return
	case types.StepFailed:
		sched.MarkStepFailed(o.stepID)
	default:
		sched.MarkStepComplete(o.stepID)
	}
	state.setStep(o.stepID, types.StepContext{Output: o.result.Output, Status: o.result.Status, Error: o.result.Error})
}

// finish evaluates workflow.outputs against the final context and writes
// the terminal Run row (spec 4.10 step 4).
func (rn *Runner) finish(ctx context.Context, workflow *types.Workflow, run *types.Run, state *runState, sched *scheduler.Scheduler) (*types.Run, error) {
	failed := sched.Failed()
	status := types.RunCompleted
	if len(failed) > 0 {
		status = types.RunFailed
	}
	if ctx.Err() != nil {
		status = types.RunFailed
	}

	outputs := make(map[string]any, len(workflow.Outputs))
	if status == types.RunCompleted {
		stepIDs := collectStepIDs(workflow)
		evalCtx := &types.EvalContext{
			Inputs:  state.Inputs(),
			Secrets: state.Secrets(),
			Env:     state.Env(),
			Steps:   stepsMap(state, stepIDs),
			Memory:  state.Memory(),
		}
		for name, expr := range workflow.Outputs {
			v, err := rn.cfg.Eval.Evaluate(ctx, expr, evalCtx.ToMap())
			if err != nil {
				status = types.RunFailed
				outputs = nil
				break
			}
			outputs[name] = v
		}
	}

	run.Status = status
	run.Outputs = outputs
	now := time.Now()
	run.EndedAt = &now

	if err := rn.cfg.Store.SetRunOutputs(ctx, run.RunID, outputs); err != nil {
		return run, err
	}
	if err := rn.cfg.Store.UpdateRunStatus(context.Background(), run.RunID, status); err != nil {
		return run, err
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		return run, fmt.Errorf("run %s failed: steps %v did not complete", run.RunID, failed)
	}
	return run, nil
}

func stepsMap(state *runState, stepIDs []string) map[string]types.StepContext {
	m := make(map[string]types.StepContext, len(stepIDs))
	for _, id := range stepIDs {
		if sc, ok := state.StepContext(id); ok {
			m[id] = sc
		}
	}
	return m
}

// DeliverEvent appends an external event (spec 6: "storeEvent(name, data)
// appends to events") and resumes every step suspended on that name by
// re-driving it with the event payload as its ResumeInput, continuing the
// run's dispatch loop until it is complete or blocked again.
func (rn *Runner) DeliverEvent(ctx context.Context, workflow *types.Workflow, runID, eventName string, payload map[string]any) (*types.Run, error) {
	if err := rn.cfg.Store.StoreEvent(ctx, &types.Event{EventID: uuid.NewString(), RunID: runID, TS: time.Now(), Type: eventName, Payload: payload}); err != nil {
		return nil, err
	}

	suspensions, err := rn.cfg.Store.GetSuspendedStepsForEvent(ctx, eventName)
	if err != nil {
		return nil, err
	}
	if len(suspensions) == 0 {
		run, err := rn.cfg.Store.GetRun(ctx, runID)
		return run, err
	}

	stepIDs := collectStepIDs(workflow)
	hydrated, err := store.Hydrate(ctx, rn.cfg.Store, runID, stepIDs)
	if err != nil {
		return nil, err
	}
	completed := store.CompletedStepIDs(hydrated)

	run, err := rn.cfg.Store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	state := newRunState(runID, run.Inputs, rn.cfg.Secrets, rn.cfg.Env)
	for id, hs := range hydrated {
		state.setStep(id, types.StepContext{Output: hs.Output, Outputs: anyMapFrom(hs.Outputs), Status: hs.Status, Error: hs.Error, Items: hs.Items})
	}

	for _, sp := range suspensions {
		if sp.RunID != runID || sp.EventName != eventName {
			continue
		}
		state.setResume(sp.StepID, payload)
		if err := rn.cfg.Store.ClearSuspension(ctx, runID, sp.StepID); err != nil {
			return nil, err
		}
		delete(completed, sp.StepID) // re-run through the scheduler, not skipped as already-completed
	}

	run.Status = types.RunRunning
	if err := rn.cfg.Store.UpdateRunStatus(ctx, runID, types.RunRunning); err != nil {
		return nil, err
	}

	// A fresh Scheduler starts every non-completed id pending (spec 4.6),
	// which is exactly what a resumed step needs -- its prior attempt only
	// lives on in the now-cleared suspensions table, not in any Scheduler
	// state that survives across a DeliverEvent call.
	sched, err := scheduler.New(workflow, completed)
	if err != nil {
		run.Status = types.RunFailed
		_ = rn.cfg.Store.UpdateRunStatus(ctx, run.RunID, types.RunFailed)
		return run, err
	}
	return rn.continueDrive(ctx, workflow, run, state, sched)
}

// continueDrive is the shared tail of Run/Resume/DeliverEvent once a
// Scheduler exists for the current attempt.
func (rn *Runner) continueDrive(ctx context.Context, workflow *types.Workflow, run *types.Run, state *runState, sched *scheduler.Scheduler) (*types.Run, error) {
	stepIDs := collectStepIDs(workflow)
	for name, capacity := range workflow.Pools {
		rn.cfg.Pools.Configure(name, capacity)
	}
	globalCap := workflow.Concurrency

	doneCh := make(chan outcome)
	inFlight := 0
	rr := rn.newRecoveryRunner()
	logger := rn.logger().With(slog.String(log.RunIDKey, run.RunID), slog.String(log.WorkflowKey, workflow.Name))
	logger.Info("run driving")

	dispatch := func(step *types.Step) {
		sched.StartStep(step.ID)
		inFlight++
		execID := uuid.NewString()
		stepLogger := logger.With(slog.String(log.StepIDKey, step.ID), slog.String(log.ExecIDKey, execID))
		go func(step types.Step) {
			start := time.Now()
			if err := rn.cfg.Store.CreateStep(ctx, execID, run.RunID, step.ID, nil); err != nil {
				stepLogger.Error("create step row failed", slog.Any("error", err))
				doneCh <- outcome{execID: execID, stepID: step.ID, result: types.StepResult{Status: types.StepFailed, Error: err.Error()}}
				return
			}
			_ = rn.cfg.Store.StartStep(ctx, execID)
			result, execErr := rr.Run(ctx, &step, state, stepIDs)
			if execErr != nil {
				result = types.StepResult{Status: types.StepFailed, Error: execErr.Error()}
			}
			state.clearResume(step.ID)
			_ = rn.cfg.Store.CompleteStep(ctx, execID, result.Status, result.Output, result.Error, result.Usage)
			stepLogger.Info("step finished", slog.String("status", string(result.Status)), slog.Int64(log.DurationKey, time.Since(start).Milliseconds()))
			doneCh <- outcome{execID: execID, stepID: step.ID, result: result}
		}(*step)
	}

	for !sched.IsComplete() {
		if ctx.Err() != nil {
			break
		}
		runnable := sched.GetRunnableSteps(inFlight, globalCap)
		if len(runnable) == 0 {
			if inFlight == 0 {
				break
			}
			o := <-doneCh
			inFlight--
			rn.applyOutcome(state, sched, o)
			continue
		}
		for _, step := range runnable {
			dispatch(step)
		}
	}

	for inFlight > 0 {
		o := <-doneCh
		inFlight--
		rn.applyOutcome(state, sched, o)
	}

	// The dispatch loop above exits as soon as nothing is runnable and
	// nothing is in flight, which also happens when a step is suspended
	// (it stays in the Scheduler's running partition, so IsComplete is
	// still false) rather than actually finished. Only run finish's
	// outputs-evaluation and terminal-status bookkeeping once every step is
	// genuinely completed or failed; otherwise park the run as paused so
	// DeliverEvent has something coherent to resume.
	if !sched.IsComplete() && ctx.Err() == nil {
		run.Status = types.RunPaused
		if err := rn.cfg.Store.UpdateRunStatus(ctx, run.RunID, types.RunPaused); err != nil {
			return run, err
		}
		logger.Info("run paused", slog.Any("suspended_steps", sched.Running()))
		return run, nil
	}

	finished, err := rn.finish(ctx, workflow, run, state, sched)
	logger.Info("run finished", slog.String("status", string(finished.Status)), slog.Any("error", err))
	return finished, err
}
