package runner

import (
	"sync"

	"github.com/loomwork/engine/pkg/engine/types"
)

// runState is the live, mutex-guarded view of one run's progress that
// satisfies exec.RunState. It starts from whatever store.Hydrate recovered
// (spec 4.5's hydration contract) and is updated as each step completes.
type runState struct {
	mu sync.RWMutex

	runID   string
	inputs  map[string]any
	secrets map[string]string
	env     map[string]string
	memory  map[string]any

	steps  map[string]types.StepContext
	resume map[string]map[string]any
}

func newRunState(runID string, inputs map[string]any, secrets map[string]string, env map[string]string) *runState {
	return &runState{
		runID:   runID,
		inputs:  inputs,
		secrets: secrets,
		env:     env,
		memory:  make(map[string]any),
		steps:   make(map[string]types.StepContext),
		resume:  make(map[string]map[string]any),
	}
}

func (s *runState) StepContext(stepID string) (types.StepContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.steps[stepID]
	return sc, ok
}

func (s *runState) Inputs() map[string]any    { return s.inputs }
func (s *runState) Secrets() map[string]string { return s.secrets }
func (s *runState) Env() map[string]string     { return s.env }
func (s *runState) RunID() string              { return s.runID }

func (s *runState) Memory() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.memory
}

func (s *runState) ResumeInput(stepID string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payload, ok := s.resume[stepID]
	return payload, ok
}

func (s *runState) setStep(stepID string, sc types.StepContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[stepID] = sc
}

func (s *runState) setResume(stepID string, payload map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resume[stepID] = payload
}

func (s *runState) clearResume(stepID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.resume, stepID)
}

func (s *runState) snapshotInputs() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inputs
}
