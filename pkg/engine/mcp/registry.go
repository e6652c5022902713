package mcp

import (
	"context"
	"sort"
	"sync"

	engerrors "github.com/loomwork/engine/pkg/errors"
	"github.com/loomwork/engine/pkg/engine/exec"
)

// builtinToolSpecs are always available to the llm executor's agent loop;
// it resolves them itself (ask suspends/prompts, transfer_to_agent swaps
// the active agent) rather than routing them through the registry.
var builtinToolSpecs = []exec.ToolSpec{
	{
		Name:        "ask",
		Description: "Ask the operator a clarifying question and wait for their answer.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"question": map[string]any{"type": "string"}},
			"required":   []any{"question"},
		},
	},
	{
		Name:        "transfer_to_agent",
		Description: "Hand the conversation off to a different agent.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"agent": map[string]any{"type": "string"}},
			"required":   []any{"agent"},
		},
	},
}

// AgentTools maps an agent name to the list of bound MCP server names and
// local tool names it may use. The Runner builds this from the workflow's
// agent declarations.
type AgentTools struct {
	MCPServers []string
	Tools      []string
}

// LocalTool is a tool implemented in-process rather than over MCP (the
// engine's own built-ins plus anything a host registers directly).
type LocalTool interface {
	Spec() exec.ToolSpec
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// Registry satisfies exec.ToolInvoker by aggregating every bound MCP
// server's tools with local tools, keyed by agent. It owns the lifecycle of
// the MCP clients it dials.
//
// Grounded on the teacher's internal/mcp/manager.go (one Manager owning
// many named server Clients, looked up by name per call) generalized to
// also merge in local/built-in tools, since the engine's ToolInvoker
// contract covers both.
type Registry struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	local    map[string]LocalTool
	agents   map[string]AgentTools
	toolHome map[string]string // tool name -> server name, last ListTools call wins on clash
}

// NewRegistry builds an empty registry. Call AddServer/AddLocalTool/BindAgent
// before first use.
func NewRegistry() *Registry {
	return &Registry{
		clients:  make(map[string]*Client),
		local:    make(map[string]LocalTool),
		agents:   make(map[string]AgentTools),
		toolHome: make(map[string]string),
	}
}

// AddServer dials cfg and registers the resulting client under its name.
func (r *Registry) AddServer(ctx context.Context, cfg ServerConfig) error {
	client, err := Dial(ctx, cfg)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.clients[cfg.Name] = client
	r.mu.Unlock()
	return nil
}

// AddLocalTool registers an in-process tool (e.g. the built-in ask /
// transfer_to_agent handlers, wired by the Runner rather than this
// package).
func (r *Registry) AddLocalTool(tool LocalTool) {
	r.mu.Lock()
	r.local[tool.Spec().Name] = tool
	r.mu.Unlock()
}

// BindAgent records which MCP servers and local tools agent may reach.
func (r *Registry) BindAgent(agent string, binding AgentTools) {
	r.mu.Lock()
	r.agents[agent] = binding
	r.mu.Unlock()
}

// Close stops every dialed MCP client.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, c := range r.clients {
		if err := c.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ListTools implements exec.ToolInvoker: it merges the agent's bound local
// tools with its bound MCP servers' tools, plus any step-declared tool
// names and mcpServers that weren't part of the agent's static binding
// (spec 6: a step may reference tools beyond its agent's defaults).
func (r *Registry) ListTools(ctx context.Context, agent string, stepTools []string, mcpServers []string) ([]exec.ToolSpec, error) {
	r.mu.RLock()
	binding := r.agents[agent]
	r.mu.RUnlock()

	serverNames := mergeUnique(binding.MCPServers, mcpServers)
	localNames := mergeUnique(binding.Tools, stepTools)

	specs := append([]exec.ToolSpec{}, builtinToolSpecs...)

	r.mu.RLock()
	for _, name := range localNames {
		if t, ok := r.local[name]; ok {
			specs = append(specs, t.Spec())
		}
	}
	r.mu.RUnlock()

	for _, serverName := range serverNames {
		r.mu.RLock()
		client := r.clients[serverName]
		r.mu.RUnlock()
		if client == nil {
			continue
		}
		descriptors, err := client.ListTools(ctx)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		for _, d := range descriptors {
			r.toolHome[d.Name] = serverName
			specs = append(specs, exec.ToolSpec{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema})
		}
		r.mu.Unlock()
	}

	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs, nil
}

// Invoke implements exec.ToolInvoker, routing to whichever backend last
// claimed the tool name via ListTools, preferring local tools on a clash.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	r.mu.RLock()
	tool, isLocal := r.local[name]
	serverName, knownRemote := r.toolHome[name]
	r.mu.RUnlock()

	if isLocal {
		return tool.Invoke(ctx, args)
	}
	if knownRemote {
		r.mu.RLock()
		client := r.clients[serverName]
		r.mu.RUnlock()
		if client != nil {
			return client.CallTool(ctx, name, args)
		}
	}
	return nil, &engerrors.NotFoundError{Resource: "tool", ID: name}
}

func mergeUnique(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if v == "" || seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
