package types

// StepContext is what a step's own entry in the evaluation context's
// `steps` map looks like (spec 4.1, 4.5 hydration contract). For a
// non-foreach step Items is nil; for a foreach step Output is the
// per-iteration output slice and Items carries one entry per iteration.
type StepContext struct {
	Output  any            `json:"output,omitempty"`
	Outputs map[string]any `json:"outputs,omitempty"`
	Status  StepStatus     `json:"status"`
	Error   string         `json:"error,omitempty"`
	Items   []StepContext  `json:"items,omitempty"`
}

// EvalContext is the root object passed to the Expression Evaluator
// (spec 4.1): {inputs, secrets, env, steps, item, index, memory}.
type EvalContext struct {
	Inputs  map[string]any         `json:"inputs"`
	Secrets map[string]string      `json:"secrets"`
	Env     map[string]string      `json:"env"`
	Steps   map[string]StepContext `json:"steps"`
	Item    any                    `json:"item,omitempty"`
	Index   int                    `json:"index,omitempty"`
	Memory  map[string]any         `json:"memory,omitempty"`
}

// ToMap flattens the context into the generic map shape expr-lang's
// expr.Env expects.
func (c EvalContext) ToMap() map[string]any {
	steps := make(map[string]any, len(c.Steps))
	for id, sc := range c.Steps {
		steps[id] = stepContextToMap(sc)
	}
	m := map[string]any{
		"inputs":  anyMap(c.Inputs),
		"secrets": stringMap(c.Secrets),
		"env":     stringMap(c.Env),
		"steps":   steps,
		"index":   c.Index,
		"memory":  anyMap(c.Memory),
	}
	if c.Item != nil {
		m["item"] = c.Item
	}
	return m
}

func stepContextToMap(sc StepContext) map[string]any {
	m := map[string]any{
		"output":  sc.Output,
		"outputs": anyMap(sc.Outputs),
		"status":  string(sc.Status),
		"error":   sc.Error,
	}
	if sc.Items != nil {
		items := make([]any, len(sc.Items))
		for i, it := range sc.Items {
			items[i] = stepContextToMap(it)
		}
		m["items"] = items
	}
	return m
}

func anyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func stringMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
