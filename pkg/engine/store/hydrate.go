package store

import (
	"context"
	"sort"

	"github.com/loomwork/engine/pkg/engine/types"
)

// largeForeachThreshold is the iteration count above which hydration skips
// loading individual outputs to cap memory (spec 4.5, 9).
const largeForeachThreshold = 500

// HydratedStep is the per-step view the hydration contract (spec 4.5)
// requires: output/outputs/status/error for a plain step, plus items for a
// foreach step.
type HydratedStep struct {
	Output  any
	Outputs any
	Status  types.StepStatus
	Error   string
	Items   []types.StepContext
}

// Hydrate reconstructs the in-memory steps map for runID's already-recorded
// step executions. workflowStepIDs lists every step id known to the
// workflow (used to distinguish "no row yet" from "foreach with zero
// iterations").
func Hydrate(ctx context.Context, s *Store, runID string, workflowStepIDs []string) (map[string]HydratedStep, error) {
	out := make(map[string]HydratedStep)
	for _, stepID := range workflowStepIDs {
		main, err := s.GetMainStep(ctx, runID, stepID)
		if err != nil {
			continue // not yet created; no entry
		}

		n, err := s.CountStepIterations(ctx, runID, stepID)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			// Plain (non-foreach) step.
			out[stepID] = HydratedStep{
				Output: main.Output,
				Status: main.Status,
				Error:  main.Error,
			}
			continue
		}

		hs, err := hydrateForeach(ctx, s, runID, stepID, main, n)
		if err != nil {
			return nil, err
		}
		out[stepID] = hs
	}
	return out, nil
}

func hydrateForeach(ctx context.Context, s *Store, runID, stepID string, main *types.StepExecution, n int) (HydratedStep, error) {
	if n > largeForeachThreshold {
		// Large-dataset guard (spec 4.5, 9): skip individual outputs
		// entirely, still derive status from a scan that leaves output,
		// error and usage unloaded.
		iterations, err := s.GetStepIterations(ctx, runID, stepID, false)
		if err != nil {
			return HydratedStep{}, err
		}
		status := deriveForeachStatus(main.Status, iterations)
		return HydratedStep{
			Output:  []any{},
			Outputs: map[string]any{},
			Status:  status,
		}, nil
	}

	iterations, err := s.GetStepIterations(ctx, runID, stepID, true)
	if err != nil {
		return HydratedStep{}, err
	}
	sort.Slice(iterations, func(i, j int) bool {
		return *iterations[i].IterationIndex < *iterations[j].IterationIndex
	})

	outputs := make([]any, len(iterations))
	items := make([]types.StepContext, len(iterations))
	merged := map[string]any{}
	allObjects := true
	for i, it := range iterations {
		outputs[i] = it.Output
		items[i] = types.StepContext{
			Output: it.Output,
			Status: it.Status,
			Error:  it.Error,
		}
		if obj, ok := it.Output.(map[string]any); ok {
			for k, v := range obj {
				merged[k] = v
			}
		} else {
			allObjects = false
		}
	}
	var aggregated any = map[string]any{}
	if allObjects && len(iterations) > 0 {
		aggregated = merged
	}

	status := deriveForeachStatus(main.Status, iterations)

	return HydratedStep{
		Output:  outputs,
		Outputs: aggregated,
		Status:  status,
		Error:   main.Error,
		Items:   items,
	}, nil
}

// deriveForeachStatus implements the promotion rule from spec 4.5/8: if
// every iteration is success/skipped but the parent row is still
// running/pending, the in-memory status is promoted to success -- the DB
// row is never rewritten by this function, only the returned value.
func deriveForeachStatus(parentStatus types.StepStatus, iterations []*types.StepExecution) types.StepStatus {
	if parentStatus.IsTerminal() {
		return parentStatus
	}

	allDone := true
	anyFailed := false
	for _, it := range iterations {
		if it.Status == types.StepFailed {
			anyFailed = true
		}
		if !it.Status.IsCompleted() {
			allDone = false
		}
	}
	switch {
	case allDone:
		return types.StepSuccess
	case anyFailed:
		return types.StepFailed
	default:
		return parentStatus
	}
}

// CompletedStepIDs returns the subset of stepIDs whose hydrated status
// satisfies the scheduler's "completed" predicate (spec 3: success or
// skipped).
func CompletedStepIDs(hydrated map[string]HydratedStep) map[string]bool {
	completed := make(map[string]bool)
	for id, hs := range hydrated {
		if hs.Status.IsCompleted() {
			completed[id] = true
		}
	}
	return completed
}
