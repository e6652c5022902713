// Package mcp implements the MCP client contract the engine consumes (spec
// 6): initialize/listTools/callTool/stop over two transports, local stdio
// and remote SSE. Wire protocol minutiae are delegated entirely to
// mark3labs/mcp-go; this package only adds the engine's own concerns --
// sensitive-env stripping, monotonic request ids, and per-call timeouts.
//
// Grounded on the teacher's internal/mcp/client.go (same mcp-go client
// wrapper shape, same ListTools/CallTool conversion) and
// internal/mcp/config.go's IsSensitiveEnvKey/RedactEnv helpers (renamed
// here to match the spec's own stripping rule, which is identical).
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	engerrors "github.com/loomwork/engine/pkg/errors"
)

// DefaultTimeout is the per-call timeout when a ServerConfig doesn't
// override it (spec 6: "configurable timeout (default 60s)").
const DefaultTimeout = 60 * time.Second

var sensitiveEnvTerms = []string{"API_KEY", "TOKEN", "SECRET", "PASSWORD", "CREDENTIAL", "AUTH"}

// IsSensitiveEnvName reports whether name looks like it carries a secret.
func IsSensitiveEnvName(name string) bool {
	upper := strings.ToUpper(name)
	for _, term := range sensitiveEnvTerms {
		if strings.Contains(upper, term) {
			return true
		}
	}
	return false
}

// StripSensitiveEnv removes sensitive-looking entries from environ unless
// explicit is set for that key (the caller "explicitly re-supplied them",
// spec 6).
func StripSensitiveEnv(environ []string, explicit map[string]bool) []string {
	out := make([]string, 0, len(environ))
	for _, kv := range environ {
		name := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			name = kv[:i]
		}
		if IsSensitiveEnvName(name) && !explicit[name] {
			continue
		}
		out = append(out, kv)
	}
	return out
}

// ServerConfig describes one MCP server binding, local or remote.
type ServerConfig struct {
	Name string

	// Local (stdio) transport.
	Command string
	Args    []string
	Env     []string

	// Remote (SSE) transport.
	URL string

	Timeout time.Duration
}

func (c ServerConfig) isRemote() bool { return c.URL != "" }

// Client wraps one MCP server connection.
type Client struct {
	name      string
	inner     *mcpclient.Client
	timeout   time.Duration
	requestID int64
}

// Dial connects to cfg's server (spawning a child process for stdio, or
// opening an SSE session for remote) and performs the initialize handshake.
func Dial(ctx context.Context, cfg ServerConfig) (*Client, error) {
	if cfg.Name == "" {
		return nil, &engerrors.ConfigError{Key: "mcp.name", Reason: "server name is required"}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var inner *mcpclient.Client
	var err error
	if cfg.isRemote() {
		inner, err = mcpclient.NewSSEMCPClient(cfg.URL)
	} else {
		if cfg.Command == "" {
			return nil, &engerrors.ConfigError{Key: "mcp.command", Reason: "command is required for a local server"}
		}
		env := StripSensitiveEnv(cfg.Env, explicitKeys(cfg.Env))
		inner, err = mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	}
	if err != nil {
		return nil, &engerrors.ResourceError{Resource: "mcp:" + cfg.Name, Reason: "client construction failed", Cause: err}
	}

	if err := inner.Start(ctx); err != nil {
		return nil, &engerrors.ResourceError{Resource: "mcp:" + cfg.Name, Reason: "start failed", Cause: err}
	}

	c := &Client{name: cfg.Name, inner: inner, timeout: timeout}
	if err := c.initialize(ctx); err != nil {
		inner.Close()
		return nil, err
	}
	return c, nil
}

// explicitKeys treats every key the caller put directly into cfg.Env as
// explicitly re-supplied, exempting it from stripping (spec 6: "unless the
// caller explicitly re-supplied them").
func explicitKeys(env []string) map[string]bool {
	m := make(map[string]bool, len(env))
	for _, kv := range env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = true
		}
	}
	return m
}

func (c *Client) initialize(ctx context.Context) error {
	req := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo: mcp.Implementation{
				Name:    "loom-engine",
				Version: "0.1.0",
			},
		},
	}
	if _, err := c.inner.Initialize(ctx, req); err != nil {
		return &engerrors.ResourceError{Resource: "mcp:" + c.name, Reason: "initialize failed", Cause: err}
	}
	return nil
}

// ToolDescriptor is one tool surfaced by listTools (spec 6).
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ListTools returns every tool the server currently exposes.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	result, err := c.inner.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, &engerrors.StepExecutionError{Message: "mcp listTools failed on " + c.name, Cause: err}
	}
	out := make([]ToolDescriptor, len(result.Tools))
	for i, t := range result.Tools {
		out[i] = ToolDescriptor{Name: t.Name, Description: t.Description, InputSchema: schemaToMap(t)}
	}
	return out, nil
}

func schemaToMap(t mcp.Tool) map[string]any {
	raw, err := t.MarshalJSON()
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	if schema, ok := m["inputSchema"].(map[string]any); ok {
		return schema
	}
	return nil
}

// CallTool invokes name with args under the client's default timeout, with
// a monotonically increasing request id (spec 6).
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	id := atomic.AddInt64(&c.requestID, 1)
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: args},
	}
	result, err := c.inner.CallTool(callCtx, req)
	if err != nil {
		return nil, &engerrors.StepExecutionError{Message: fmt.Sprintf("mcp call %s#%d failed on %s", name, id, c.name), Cause: err}
	}
	if result.IsError {
		return nil, &engerrors.StepExecutionError{Message: fmt.Sprintf("mcp tool %s reported an error", name)}
	}

	var texts []string
	for _, content := range result.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			texts = append(texts, tc.Text)
		}
	}
	return strings.Join(texts, "\n"), nil
}

// Stop closes the connection (and, for stdio, terminates the child
// process).
func (c *Client) Stop() error {
	if c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

// Name returns the server's configured identifier.
func (c *Client) Name() string { return c.name }
