package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	engerrors "github.com/loomwork/engine/pkg/errors"
	"github.com/loomwork/engine/pkg/engine/types"
)

// LanguageModel is the abstract provider handle the llm executor consumes
// (spec 1: "the core consumes an abstract LanguageModel handle" -- the
// protocol adapter turning a provider name into a streaming chat call is
// deliberately out of scope).
type LanguageModel interface {
	Generate(ctx context.Context, req LLMRequest) (LLMResponse, error)
}

// Message is one entry of the conversation, surviving across handoffs.
type Message struct {
	Role       string // system | user | assistant | tool
	Content    string
	ToolCallID string
	ToolName   string
}

// ToolSpec describes one callable tool surfaced to the model.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolCall is one invocation the model asked for.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// LLMRequest is what Generate receives on each turn.
type LLMRequest struct {
	System   string
	Messages []Message
	Tools    []ToolSpec
}

// LLMResponse is the model's reply: either final text or a batch of tool
// calls to resolve before the next turn.
type LLMResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     types.TokenUsage
}

// ToolInvoker resolves a tool call. Agent/step-declared tools and
// MCP-surfaced tools are all dispatched through one ToolInvoker so the llm
// executor does not need to know which backend a given tool name came
// from. The built-ins (ask, transfer_to_agent) are handled by the llm
// executor itself and never reach the ToolInvoker.
type ToolInvoker interface {
	// Invoke calls the named tool with args and returns its JSON-like
	// result, or an error (fed back to the model as the tool's reply)
	// when the call fails or the name is unknown.
	Invoke(ctx context.Context, name string, args map[string]any) (any, error)
	// ListTools returns the specs available to agent (merged from the
	// step's own tools, the agent's tool set, and every bound MCP server).
	ListTools(ctx context.Context, agent string, stepTools []string, mcpServers []string) ([]ToolSpec, error)
}

const (
	toolAsk             = "ask"
	toolTransferToAgent = "transfer_to_agent"
)

// execLLM drives the agent loop: send messages, resolve tool calls
// (including the ask/transfer_to_agent built-ins), repeat up to
// maxIterations or maxAgentHandoffs, then optionally parse the final text
// as JSON against outputSchema (spec 4.7 llm).
func (e *Executor) execLLM(ctx context.Context, step *types.Step, evalCtx *types.EvalContext, state RunState) (types.StepResult, error) {
	maxIterations := step.MaxIterations
	if maxIterations <= 0 {
		maxIterations = e.Config.DefaultMaxIterations
		if maxIterations <= 0 {
			maxIterations = 10
		}
	}
	maxHandoffs := step.MaxAgentHandoffs
	if maxHandoffs <= 0 {
		maxHandoffs = e.Config.DefaultMaxAgentHandoffs
		if maxHandoffs <= 0 {
			maxHandoffs = 10
		}
	}

	currentAgent := step.Agent
	handoffs := 0
	totalUsage := types.TokenUsage{}

	var messages []Message
	if resume, ok := state.ResumeInput(step.ID); ok {
		// Resuming a suspended `ask` tool call (spec 4.7 llm): re-enter with
		// the stored message list and inject the operator's answer as the
		// pending tool result, rather than re-asking.
		messages = deserializeMessages(resume["messages"])
		answer, _ := resume["answer"].(string)
		callID, _ := resume["tool_call_id"].(string)
		messages = append(messages, Message{Role: "tool", ToolCallID: callID, ToolName: toolAsk, Content: answer})
	} else {
		prompt, err := e.Eval.EvaluateString(ctx, step.Prompt, evalCtx.ToMap())
		if err != nil {
			return types.StepResult{}, &engerrors.ExpressionError{Expression: step.Prompt, Reason: err.Error(), StepID: step.ID, Cause: err}
		}
		messages = []Message{{Role: "user", Content: prompt}}
	}

	system, err := e.Eval.EvaluateString(ctx, step.System, evalCtx.ToMap())
	if err != nil {
		return types.StepResult{}, &engerrors.ExpressionError{Expression: step.System, Reason: err.Error(), StepID: step.ID, Cause: err}
	}

	tools, err := e.Tools.ListTools(ctx, currentAgent, step.Tools, step.MCPServers)
	if err != nil {
		return types.StepResult{}, &engerrors.StepExecutionError{StepID: step.ID, Message: "listing tools failed", Cause: err}
	}

	for iter := 0; iter < maxIterations; iter++ {
		resp, err := e.LM.Generate(ctx, LLMRequest{System: system, Messages: messages, Tools: tools})
		if err != nil {
			return types.StepResult{}, &engerrors.StepExecutionError{StepID: step.ID, Attempt: iter + 1, Message: "llm generation failed", Cause: err}
		}
		totalUsage = addUsage(totalUsage, resp.Usage)

		if len(resp.ToolCalls) == 0 {
			return e.finishLLM(step, resp.Content, totalUsage)
		}

		messages = append(messages, Message{Role: "assistant", Content: resp.Content})

		for _, call := range resp.ToolCalls {
			switch call.Name {
			case toolAsk:
				if !isTTY() {
					question, _ := call.Arguments["question"].(string)
					eventName := "llm_ask:" + step.ID + ":" + uuid.NewString()
					return types.StepResult{
						Status: types.StepSuspended,
						Output: map[string]any{"question": question, "messages": serializeMessages(messages), "tool_call_id": call.ID, "event_name": eventName},
						Usage:  &totalUsage,
					}, nil
				}
				question, _ := call.Arguments["question"].(string)
				fmt.Println(question)
				var answer string
				fmt.Scanln(&answer)
				messages = append(messages, Message{Role: "tool", ToolCallID: call.ID, ToolName: call.Name, Content: answer})

			case toolTransferToAgent:
				if handoffs >= maxHandoffs {
					return types.StepResult{}, &engerrors.StepExecutionError{StepID: step.ID, Message: "maximum agent handoffs exceeded"}
				}
				handoffs++
				target, _ := call.Arguments["agent"].(string)
				currentAgent = target
				newTools, err := e.Tools.ListTools(ctx, currentAgent, step.Tools, step.MCPServers)
				if err != nil {
					return types.StepResult{}, &engerrors.StepExecutionError{StepID: step.ID, Message: "listing tools after handoff failed", Cause: err}
				}
				tools = newTools
				messages = append(messages, Message{Role: "tool", ToolCallID: call.ID, ToolName: call.Name, Content: "transferred to " + target})

			default:
				result, err := e.Tools.Invoke(ctx, call.Name, call.Arguments)
				if err != nil {
					messages = append(messages, Message{Role: "tool", ToolCallID: call.ID, ToolName: call.Name, Content: "error: " + err.Error()})
					continue
				}
				rendered, _ := json.Marshal(result)
				messages = append(messages, Message{Role: "tool", ToolCallID: call.ID, ToolName: call.Name, Content: string(rendered)})
			}
		}
	}

	return types.StepResult{}, &engerrors.StepExecutionError{StepID: step.ID, Message: "maximum iterations exceeded"}
}

func (e *Executor) finishLLM(step *types.Step, text string, usage types.TokenUsage) (types.StepResult, error) {
	if step.OutputSchema == nil {
		return types.StepResult{Status: types.StepSuccess, Output: map[string]any{"text": text}, Usage: &usage}, nil
	}
	parsed, err := extractJSON(text)
	if err != nil {
		return types.StepResult{}, &engerrors.SchemaError{StepID: step.ID, Message: "OutputSchemaViolation: " + err.Error()}
	}
	return types.StepResult{Status: types.StepSuccess, Output: parsed, Usage: &usage}, nil
}

func addUsage(a, b types.TokenUsage) types.TokenUsage {
	return types.TokenUsage{
		InputTokens:      a.InputTokens + b.InputTokens,
		OutputTokens:     a.OutputTokens + b.OutputTokens,
		TotalTokens:      a.TotalTokens + b.TotalTokens,
		CacheReadTokens:  a.CacheReadTokens + b.CacheReadTokens,
		CacheWriteTokens: a.CacheWriteTokens + b.CacheWriteTokens,
	}
}

func serializeMessages(messages []Message) []map[string]any {
	out := make([]map[string]any, len(messages))
	for i, m := range messages {
		out[i] = map[string]any{"role": m.Role, "content": m.Content, "tool_call_id": m.ToolCallID, "tool_name": m.ToolName}
	}
	return out
}

// deserializeMessages rebuilds a Message list from the generic JSON shape
// serializeMessages produced, as it comes back out of the store via
// HydratedStep.Output (spec 4.7: "resume by re-entering with the stored
// messages").
func deserializeMessages(raw any) []Message {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		callID, _ := m["tool_call_id"].(string)
		toolName, _ := m["tool_name"].(string)
		out = append(out, Message{Role: role, Content: content, ToolCallID: callID, ToolName: toolName})
	}
	return out
}

// extractJSON mirrors the teacher's pkg/workflow/schema.ExtractJSON: try a
// bare parse, then a fenced ```json block, then a balanced-brace scan over
// the raw text.
func extractJSON(response string) (any, error) {
	response = strings.TrimSpace(response)

	var data any
	if err := json.Unmarshal([]byte(response), &data); err == nil {
		return data, nil
	}

	if block := extractFromCodeBlock(response); block != "" {
		if err := json.Unmarshal([]byte(block), &data); err == nil {
			return data, nil
		}
	}

	if found := extractBalanced(response); found != "" {
		if err := json.Unmarshal([]byte(found), &data); err == nil {
			return data, nil
		}
	}

	return nil, fmt.Errorf("could not extract valid JSON from response")
}

var codeBlockPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?s)` + "```json" + `\s*\n(.+?)` + "```"),
	regexp.MustCompile(`(?s)` + "```" + `\s*\n(.+?)` + "```"),
}

func extractFromCodeBlock(text string) string {
	for _, re := range codeBlockPatterns {
		if m := re.FindStringSubmatch(text); len(m) > 1 {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

func extractBalanced(text string) string {
	var depth, start int
	var inString, escape, found bool
	for i, ch := range text {
		if escape {
			escape = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escape = true
			}
		case '"':
			inString = !inString
		case '{', '[':
			if !inString {
				if depth == 0 {
					start = i
					found = true
				}
				depth++
			}
		case '}', ']':
			if !inString {
				depth--
				if depth == 0 && found {
					return text[start : i+1]
				}
			}
		}
	}
	return ""
}
