package model

import (
	"context"
	"fmt"
	"sync"
)

// Conversation roles understood by the adapters. Summary is the synthetic
// head entry produced by context compaction; adapters render it as system
// style context, never as a literal user or assistant utterance.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSummary   = "summary"
)

// ToolCall is a function invocation request surfaced by a model provider.
// Unified across vendors so the router does not need per-provider branching.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON string of arguments
}

// ToolResult feeds the outcome of a previously requested call back to the
// model on the next turn.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ToolDefinition declaratively exposes a callable function to the model.
// Parameters is a minimal JSON Schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Message is one entry of the transcript sent to the model. Exactly one of
// Content, ToolCalls or ToolResult is typically populated, keyed by Role.
type Message struct {
	Role       string      `json:"role"`
	Content    string      `json:"content,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// Request captures the normalized model input produced by the router.
type Request struct {
	Instructions string           `json:"instructions"`
	Messages     []Message        `json:"messages"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	Stream       bool             `json:"stream,omitempty"`
}

// TokenUsage captures token accounting for one generation.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or final) chunk emitted by a model. Partial
// chunks carry incremental text; the final chunk carries any tool calls,
// the finish reason and, when the provider reports it, token usage.
type Response struct {
	Partial      bool        `json:"partial"`
	Text         string      `json:"text,omitempty"`
	ToolCalls    []ToolCall  `json:"tool_calls,omitempty"`
	FinishReason string      `json:"finish_reason,omitempty"` // "stop", "length", "tool_calls", ...
	Usage        *TokenUsage `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "mock", ...
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the minimal interface required to drive generation. Generate
// returns a response channel and a terminal error channel; both are closed
// when the call completes. Implementations must respect ctx cancellation;
// the model call is one of the request's independent timeout boundaries.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// MockModel is a lightweight scriptable Model for tests and examples.
// Scripted turns are consumed one per Generate call; when the script is
// exhausted the mock echoes the last user message.
type MockModel struct {
	info Info

	mu       sync.Mutex
	turns    [][]Response
	err      error
	requests []Request
}

// NewMockModel constructs a MockModel with tool support enabled.
func NewMockModel(name string) *MockModel {
	return &MockModel{info: Info{Name: name, Provider: "mock", SupportsTools: true}}
}

// EnqueueTurn schedules the responses emitted by the next Generate call.
func (m *MockModel) EnqueueTurn(responses ...Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, responses)
}

// FailWith makes every subsequent Generate call fail with err.
func (m *MockModel) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Requests returns a copy of every Request seen so far.
func (m *MockModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Generate implements Model.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	m.mu.Lock()
	m.requests = append(m.requests, req)
	err := m.err
	var turn []Response
	if len(m.turns) > 0 {
		turn = m.turns[0]
		m.turns = m.turns[1:]
	}
	m.mu.Unlock()

	go func() {
		defer close(respCh)
		defer close(errCh)

		if err != nil {
			errCh <- err
			return
		}

		if turn == nil {
			turn = []Response{{Text: fmt.Sprintf("Mock response to: %s", lastUserText(req)), FinishReason: "stop"}}
		}

		for _, resp := range turn {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case respCh <- resp:
			}
		}
	}()

	return respCh, errCh
}

// Info implements Model.
func (m *MockModel) Info() Info { return m.info }

func lastUserText(req Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}
