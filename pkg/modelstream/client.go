package modelstream

import "context"

// Message is one entry of the conversation sent to a provider.
type Message struct {
	// Role is one of "user", "assistant", or "tool".
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolSpec advertises a tool to the model.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Request is a provider-independent model call.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []ToolSpec
	MaxTokens    int
	Temperature  float64
}

// Client produces an ordered item stream for a request. Adapters close
// the stream after pushing exactly one terminal item.
type Client interface {
	Provider() string
	Stream(ctx context.Context, req Request) *Stream
}
