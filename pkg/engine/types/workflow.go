// Package types defines the data model shared by every engine component:
// the declarative Workflow/Step graph, persisted Run/StepExecution records,
// and the per-step context passed to executors.
package types

import "time"

// StepType enumerates the kinds of step a Workflow may declare.
type StepType string

const (
	StepShell       StepType = "shell"
	StepLLM         StepType = "llm"
	StepSleep       StepType = "sleep"
	StepHuman       StepType = "human"
	StepMemory      StepType = "memory"
	StepSubWorkflow StepType = "sub_workflow"
	StepJoin        StepType = "join"
	StepDynamic     StepType = "dynamic"
	StepLoop        StepType = "loop"
	StepParallel    StepType = "parallel"
)

// RetryPolicy configures the retry recovery wrapper (spec 4.9).
type RetryPolicy struct {
	MaxAttempts       int     `json:"max_attempts" yaml:"max_attempts"`
	InitialDelayMs    int64   `json:"initial_delay_ms" yaml:"initial_delay_ms"`
	BackoffFactor     float64 `json:"backoff_factor" yaml:"backoff_factor"`
	MaxDelayMs        int64   `json:"max_delay_ms" yaml:"max_delay_ms"`
	JitterFraction    float64 `json:"jitter_fraction" yaml:"jitter_fraction"`
}

// ReflexionPolicy configures the reflexion recovery wrapper.
type ReflexionPolicy struct {
	Limit int    `json:"limit" yaml:"limit"`
	Agent string `json:"agent" yaml:"agent"`
	Hint  string `json:"hint" yaml:"hint"`
}

// AutoHealPolicy configures the auto-heal recovery wrapper.
type AutoHealPolicy struct {
	MaxAttempts int    `json:"max_attempts" yaml:"max_attempts"`
	Agent       string `json:"agent" yaml:"agent"`
}

// QualityGatePolicy configures the quality-gate recovery wrapper.
type QualityGatePolicy struct {
	Agent       string `json:"agent" yaml:"agent"`
	MaxAttempts int    `json:"max_attempts" yaml:"max_attempts"`
}

// CostLimits holds per-step token/cost ceilings, parsed onto Step.Cost. Not
// named by the distilled spec but directly adjacent to the usage field every
// StepExecution already carries (see SPEC_FULL.md 12). Nothing in the engine
// reads it, so no limit is enforced, and there is no run-level counterpart.
type CostLimits struct {
	MaxTotalTokens int64   `json:"max_total_tokens,omitempty" yaml:"max_total_tokens,omitempty"`
	MaxCostUSD     float64 `json:"max_cost_usd,omitempty" yaml:"max_cost_usd,omitempty"`
}

// Step is the polymorphic step definition. Fields shared by every step type
// live at the top level; type-specific fields are grouped below and are
// meaningful only for the matching Type.
type Step struct {
	ID     string   `json:"id" yaml:"id"`
	Type   StepType `json:"type" yaml:"type"`
	Needs  []string `json:"needs,omitempty" yaml:"needs,omitempty"`
	If     string   `json:"if,omitempty" yaml:"if,omitempty"`
	Foreach string  `json:"foreach,omitempty" yaml:"foreach,omitempty"`

	Concurrency int    `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	Pool        string `json:"pool,omitempty" yaml:"pool,omitempty"`

	Retry       *RetryPolicy       `json:"retry,omitempty" yaml:"retry,omitempty"`
	Reflexion   *ReflexionPolicy   `json:"reflexion,omitempty" yaml:"reflexion,omitempty"`
	AutoHeal    *AutoHealPolicy    `json:"auto_heal,omitempty" yaml:"auto_heal,omitempty"`
	QualityGate *QualityGatePolicy `json:"quality_gate,omitempty" yaml:"quality_gate,omitempty"`
	Cost        *CostLimits        `json:"cost,omitempty" yaml:"cost,omitempty"`

	InputSchema  map[string]any `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	TimeoutMs    int64          `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`

	Inputs map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`

	// shell
	Run string            `json:"run,omitempty" yaml:"run,omitempty"`
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// sleep
	DurationMs int64 `json:"duration_ms,omitempty" yaml:"duration_ms,omitempty"`

	// llm
	Agent            string         `json:"agent,omitempty" yaml:"agent,omitempty"`
	Prompt           string         `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	System           string         `json:"system,omitempty" yaml:"system,omitempty"`
	Tools            []string       `json:"tools,omitempty" yaml:"tools,omitempty"`
	MCPServers       []string       `json:"mcp_servers,omitempty" yaml:"mcp_servers,omitempty"`
	MaxIterations    int            `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	MaxAgentHandoffs int            `json:"max_agent_handoffs,omitempty" yaml:"max_agent_handoffs,omitempty"`

	// memory
	MemoryOp   string `json:"memory_op,omitempty" yaml:"memory_op,omitempty"`
	MemoryText string `json:"memory_text,omitempty" yaml:"memory_text,omitempty"`

	// sub_workflow
	Workflow      string            `json:"workflow,omitempty" yaml:"workflow,omitempty"`
	OutputMapping map[string]string `json:"output_mapping,omitempty" yaml:"output_mapping,omitempty"`

	// loop / parallel: nested step sequence. MaxIterations (above, shared
	// with the llm agent loop's own cap) bounds a loop step's do-while
	// repetition count when Type is StepLoop.
	Steps []Step `json:"steps,omitempty" yaml:"steps,omitempty"`
	Until string `json:"until,omitempty" yaml:"until,omitempty"`

	// OnError overrides the default fail-on-error behavior for loop/parallel
	// nested steps and the loop/parallel step itself. "ignore" records the
	// failure and continues; anything else (including "") fails.
	OnError string `json:"on_error,omitempty" yaml:"on_error,omitempty"`
}

// Workflow is the immutable input graph.
type Workflow struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []Step            `json:"steps" yaml:"steps"`
	Inputs      map[string]any    `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs     map[string]string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Concurrency int               `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	Pools       map[string]int    `json:"pools,omitempty" yaml:"pools,omitempty"`
}

// StepByID returns the step with the given id, recursing into nested
// loop/parallel steps, or false if not found.
func (w *Workflow) StepByID(id string) (Step, bool) {
	return findStep(w.Steps, id)
}

func findStep(steps []Step, id string) (Step, bool) {
	for _, s := range steps {
		if s.ID == id {
			return s, true
		}
		if len(s.Steps) > 0 {
			if found, ok := findStep(s.Steps, id); ok {
				return found, true
			}
		}
	}
	return Step{}, false
}

// RunStatus is the lifecycle status of a Run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunPaused    RunStatus = "paused"
)

// Run is the persisted top-level execution record.
type Run struct {
	RunID        string         `json:"run_id"`
	WorkflowName string         `json:"workflow_name"`
	Inputs       map[string]any `json:"inputs"`
	Status       RunStatus      `json:"status"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      *time.Time     `json:"ended_at,omitempty"`
	Outputs      map[string]any `json:"outputs,omitempty"`
}

// StepStatus is the lifecycle status of one StepExecution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSuccess   StepStatus = "success"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepSuspended StepStatus = "suspended"
)

// IsTerminal reports whether the status admits no further transitions
// (except suspended, which may later resume to running).
func (s StepStatus) IsTerminal() bool {
	return s == StepSuccess || s == StepFailed || s == StepSkipped
}

// IsCompleted reports whether the status satisfies a dependency edge
// (spec 3: "a step is completed for scheduling iff success or skipped").
func (s StepStatus) IsCompleted() bool {
	return s == StepSuccess || s == StepSkipped
}

// TokenUsage mirrors the teacher's token accounting shape (pkg/workflow/types.go).
type TokenUsage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	TotalTokens      int `json:"total_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`
}

// StepExecution is one persisted attempt at one step, or one foreach
// iteration of it (IterationIndex != nil).
type StepExecution struct {
	ExecID         string         `json:"exec_id"`
	RunID          string         `json:"run_id"`
	StepID         string         `json:"step_id"`
	IterationIndex *int           `json:"iteration_index,omitempty"`
	Status         StepStatus     `json:"status"`
	Attempt        int            `json:"attempt"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
	Output         any            `json:"output,omitempty"`
	Error          string         `json:"error,omitempty"`
	Usage          *TokenUsage    `json:"usage,omitempty"`
}

// Event is one row of the append-only audit trail.
type Event struct {
	EventID string    `json:"event_id"`
	RunID   string    `json:"run_id"`
	StepID  string    `json:"step_id,omitempty"`
	TS      time.Time `json:"ts"`
	Type    string    `json:"type"`
	Payload any       `json:"payload,omitempty"`
}

// Suspension records a step parked awaiting an external event.
type Suspension struct {
	RunID     string `json:"run_id"`
	StepID    string `json:"step_id"`
	EventName string `json:"event_name"`
}

// StepResult is the common contract every step executor returns (spec 4.7).
type StepResult struct {
	Status StepStatus  `json:"status"`
	Output any         `json:"output,omitempty"`
	Error  string      `json:"error,omitempty"`
	Usage  *TokenUsage `json:"usage,omitempty"`
}
