// Package engine wires the State Store, Resource Pool Manager, Expression
// Evaluator, Redactor and resilience primitives into a ready-to-use Runner
// (spec 10.3). No config-file parsing lives here -- the caller builds a
// Config value directly, the way the teacher's daemon.New(cfg, Options)
// takes an already-loaded configuration rather than reading one itself.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/loomwork/engine/pkg/engine/exec"
	"github.com/loomwork/engine/pkg/engine/expression"
	"github.com/loomwork/engine/pkg/engine/mcp"
	"github.com/loomwork/engine/pkg/engine/pool"
	"github.com/loomwork/engine/pkg/engine/redact"
	"github.com/loomwork/engine/pkg/engine/resilience"
	"github.com/loomwork/engine/pkg/engine/runner"
	"github.com/loomwork/engine/pkg/engine/store"
)

// CircuitBreakerConfig and RateLimiterConfig are nil-able knobs: leaving
// either nil disables that wrapper, matching resilience's own nil-is-a-noop
// contract (see runner.wrapLanguageModel).
type CircuitBreakerConfig = resilience.CircuitBreakerConfig

// RateLimiterConfig configures the shared token bucket guarding every llm
// step's Generate call.
type RateLimiterConfig struct {
	MaxTokens      int
	RefillRate     float64
	RefillInterval time.Duration
}

// Config is the plain Go struct a caller builds by hand to stand up an
// engine deployment: one store file, one set of default pool capacities, a
// shell denylist, and the handles (LM/Tools/Memory/Workflows) that are
// explicitly out of this module's scope to construct (LLM protocol
// adapters, MCP wire transport choice, workflow-file loading).
type Config struct {
	// StorePath is the SQLite file path, or ":memory:" (spec 6).
	StorePath string
	WAL       bool

	DefaultPoolCapacity int
	PoolCapacities      map[string]int

	ShellDenylist     []string
	DefaultShellCapMB int
	DefaultTimeout    time.Duration
	MaxIterations     int
	MaxAgentHandoffs  int

	// Secrets/ForcedSecrets seed the Redactor (spec 4.2) and are also the
	// `secrets` context key every step's expressions see (spec 4.1).
	Secrets       map[string]string
	ForcedSecrets []string
	Env           map[string]string

	Breaker *CircuitBreakerConfig
	Limiter *RateLimiterConfig

	// LM/Tools/Memory/Workflows are caller-supplied collaborators: this
	// module does not ship a concrete LLM provider client, MCP transport
	// policy, or workflow-file loader (out of scope).
	LM        exec.LanguageModel
	Tools     exec.ToolInvoker
	Memory    exec.MemoryStore
	Workflows runner.WorkflowResolver

	// Logger receives structured run/step log lines (10.1). Nil falls back
	// to slog.Default().
	Logger *slog.Logger
}

// Engine owns the opened Store alongside the Runner built from it, so the
// caller can Close it on shutdown.
type Engine struct {
	Store  *store.Store
	Runner *runner.Runner
}

// New opens cfg.StorePath and assembles every collaborator spec 4 names
// into a single Runner.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	st, err := store.Open(ctx, store.Config{Path: cfg.StorePath, WAL: cfg.WAL})
	if err != nil {
		return nil, err
	}

	pools := pool.NewManager(cfg.DefaultPoolCapacity)
	for name, capacity := range cfg.PoolCapacities {
		pools.Configure(name, capacity)
	}

	eval := expression.New()
	redactor := redact.New(cfg.Secrets, cfg.ForcedSecrets)

	tools := cfg.Tools
	if tools == nil {
		tools = mcp.NewRegistry()
	}

	var breaker *resilience.CircuitBreaker
	if cfg.Breaker != nil {
		breaker = resilience.New(*cfg.Breaker)
	}
	var limiter *resilience.RateLimiter
	if cfg.Limiter != nil {
		limiter = resilience.NewRateLimiter(cfg.Limiter.MaxTokens, cfg.Limiter.RefillRate, cfg.Limiter.RefillInterval)
	}

	run := runner.New(runner.Config{
		Store:     st,
		Pools:     pools,
		Eval:      eval,
		Redactor:  redactor,
		LM:        cfg.LM,
		Tools:     tools,
		Memory:    cfg.Memory,
		Workflows: cfg.Workflows,
		ExecCfg: exec.Config{
			ShellDenylist:           cfg.ShellDenylist,
			DefaultShellCapMB:       cfg.DefaultShellCapMB,
			DefaultTimeout:          cfg.DefaultTimeout,
			DefaultMaxIterations:    cfg.MaxIterations,
			DefaultMaxAgentHandoffs: cfg.MaxAgentHandoffs,
		},
		Breaker: breaker,
		Limiter: limiter,
		Secrets: cfg.Secrets,
		Env:     cfg.Env,
		Logger:  cfg.Logger,
	})

	return &Engine{Store: st, Runner: run}, nil
}

// Close releases the underlying store connection.
func (e *Engine) Close() error {
	return e.Store.Close()
}
