// Package scheduler implements the Workflow Scheduler (spec 4.6): a
// topologically ordered DAG walk over step ids, emitting runnable steps
// under a global concurrency cap.
//
// The teacher's own pkg/workflow/executor.go has no DAG scheduler of its
// own -- its sdk/step.go StepBuilder.DependsOn only records dependency ids
// for a simpler, mostly-sequential runner. This package is therefore built
// fresh, reusing the teacher's DependsOn vocabulary (renamed Needs per the
// spec's own field name) and its general preference for small, explicit,
// mutex-guarded structs over generic container types.
package scheduler

import (
	"fmt"
	"sort"
	"sync"

	engerrors "github.com/loomwork/engine/pkg/errors"
	"github.com/loomwork/engine/pkg/engine/types"
)

// CycleDetected is returned by New when the workflow's needs[] edges form a
// cycle.
type CycleDetected struct {
	Cycle []string
}

func (e *CycleDetected) Error() string {
	return fmt.Sprintf("cycle detected in workflow steps: %v", e.Cycle)
}

// Scheduler tracks each step id's partition (completed/pending/running) and
// computes runnable prefixes under a concurrency cap. Per spec 5, the
// scheduler is not expected to be safe under preemptive concurrent access
// from multiple goroutines simultaneously mutating it -- only re-entrant
// from a single cooperative dispatch loop -- but a mutex is still used here
// since the Runner's completion callbacks may legitimately run on
// different goroutines than the dispatch loop that reads getRunnableSteps.
type Scheduler struct {
	mu sync.Mutex

	steps map[string]*types.Step
	order []string // stable topological order

	completed map[string]bool
	running   map[string]bool
	failed    map[string]bool
}

// New builds a Scheduler for workflow, marking completedIDs (typically from
// hydration) as already completed.
func New(workflow *types.Workflow, completedIDs map[string]bool) (*Scheduler, error) {
	steps := make(map[string]*types.Step)
	var collect func([]types.Step)
	collect = func(list []types.Step) {
		for i := range list {
			s := &list[i]
			steps[s.ID] = s
		}
	}
	collect(workflow.Steps)

	order, err := topoSort(steps)
	if err != nil {
		return nil, err
	}

	completed := make(map[string]bool, len(completedIDs))
	for id, ok := range completedIDs {
		if ok {
			completed[id] = true
		}
	}

	return &Scheduler{
		steps:     steps,
		order:     order,
		completed: completed,
		running:   make(map[string]bool),
		failed:    make(map[string]bool),
	}, nil
}

// topoSort computes a deterministic topological order over steps keyed by
// id, detecting cycles via Kahn's algorithm. Ties among ready steps are
// broken by step id in lexicographic order.
func topoSort(steps map[string]*types.Step) ([]string, error) {
	ids := make([]string, 0, len(steps))
	for id := range steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, id := range ids {
		indegree[id] = 0
	}
	for _, id := range ids {
		for _, dep := range steps[id].Needs {
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var queue []string
	for _, id := range ids {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var order []string
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		order = append(order, next)

		newlyReady := make([]string, 0)
		for _, dep := range dependents[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				newlyReady = append(newlyReady, dep)
			}
		}
		sort.Strings(newlyReady)
		queue = append(queue, newlyReady...)
		sort.Strings(queue)
	}

	if len(order) != len(ids) {
		var remaining []string
		for _, id := range ids {
			if indegree[id] > 0 {
				remaining = append(remaining, id)
			}
		}
		return nil, &CycleDetected{Cycle: remaining}
	}
	return order, nil
}

// GetRunnableSteps returns every pending step whose needs[] are all
// completed, truncated so that len(result)+currentRunning <= globalCap. A
// globalCap <= 0 means unbounded (spec 4.10: "default unbounded by
// workflow, bounded by pool caps").
func (s *Scheduler) GetRunnableSteps(currentRunning, globalCap int) []*types.Step {
	s.mu.Lock()
	defer s.mu.Unlock()

	var runnable []*types.Step
	budget := -1
	if globalCap > 0 {
		budget = globalCap - currentRunning
		if budget <= 0 {
			return nil
		}
	}

	for _, id := range s.order {
		if s.completed[id] || s.running[id] || s.failed[id] {
			continue
		}
		if budget == 0 {
			break
		}
		step := s.steps[id]
		if s.needsSatisfied(step) {
			runnable = append(runnable, step)
			if budget > 0 {
				budget--
			}
		}
	}
	return runnable
}

func (s *Scheduler) needsSatisfied(step *types.Step) bool {
	for _, dep := range step.Needs {
		if !s.completed[dep] {
			return false
		}
	}
	return true
}

// StartStep marks id as running. Call after dispatching it.
func (s *Scheduler) StartStep(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[id] = true
}

// MarkStepComplete moves id from running into completed (success or
// skipped).
func (s *Scheduler) MarkStepComplete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
	s.completed[id] = true
}

// MarkStepFailed removes id from running without completing it. Failure is
// terminal within the scheduler (spec 4.6); a recovery wrapper that wants
// to retry re-creates a fresh StepExecution and must call StartStep again
// via a new dispatch, not by un-failing this id.
func (s *Scheduler) MarkStepFailed(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
	s.failed[id] = true
}

// IsComplete reports whether every step is either completed or failed --
// i.e. nothing remains pending or running.
func (s *Scheduler) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		if !s.completed[id] && !s.failed[id] && !s.running[id] {
			return false
		}
	}
	return len(s.running) == 0
}

// Running returns the ids the Scheduler still considers running --
// dispatched but not yet completed or failed, including steps suspended
// awaiting an external event (spec 4.10's suspension points never clear
// this partition; only DeliverEvent's fresh Scheduler does).
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Failed returns the ids of the steps that ended in a terminal failure,
// sorted.
func (s *Scheduler) Failed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.failed))
	for id := range s.failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StepByID looks up a step definition known to the scheduler.
func (s *Scheduler) StepByID(id string) (*types.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[id]
	if !ok {
		return nil, &engerrors.NotFoundError{Resource: "step", ID: id}
	}
	return step, nil
}
