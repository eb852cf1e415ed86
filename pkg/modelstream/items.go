// Package modelstream turns provider responses into an ordered stream
// of typed items. Consumers see assistant text, reasoning, and tool
// calls in the order the model produced them, followed by exactly one
// terminal item (completed or failed).
package modelstream

// ItemKind identifies what a stream item carries.
type ItemKind string

const (
	ItemMessage   ItemKind = "message"
	ItemReasoning ItemKind = "reasoning"
	ItemToolCall  ItemKind = "tool_call"
	ItemCompleted ItemKind = "completed"
	ItemFailed    ItemKind = "failed"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Usage reports token spend for one model turn.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Total returns combined input and output tokens.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Item is one element of a model output stream. Exactly one of the
// payload fields is meaningful for a given kind.
type Item struct {
	Kind ItemKind
	// Text carries message or reasoning content.
	Text string
	// Call is set for tool_call items.
	Call *ToolCall
	// Usage is set on the completed item.
	Usage *Usage
	// Err is set on the failed item.
	Err error
}
