// Package history records the durable transcript of a session: user
// input, assistant output, reasoning, tool calls and their results, and
// runtime events. The recorder preserves insertion order per session so
// that a replayed transcript reads the way the turn produced it.
package history

import "time"

// Kind identifies what a history item carries.
type Kind string

const (
	KindUserMessage      Kind = "user_message"
	KindAssistantMessage Kind = "assistant_message"
	KindReasoning        Kind = "reasoning"
	KindToolCall         Kind = "tool_call"
	KindToolOutput       Kind = "tool_output"
	KindEvent            Kind = "event"
)

// Item is one entry in a session transcript.
type Item struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Turn      int       `json:"turn"`
	Kind      Kind      `json:"kind"`
	// CallID ties a tool_output item back to its tool_call. It is empty
	// for other kinds, and may be empty on a tool_output whose producer
	// failed to echo the call ID.
	CallID    string    `json:"call_id,omitempty"`
	ToolName  string    `json:"tool_name,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists transcript items. Implementations must keep per-session
// insertion order stable across reads.
type Store interface {
	Append(item Item) error
	Items(sessionID string) ([]Item, error)
	Close() error
}

// Observer is notified once per externally visible item: ItemStarted
// when work on the item begins (a tool call records ahead of its
// execution), ItemCompleted when the item is durably recorded. Used to
// feed metrics without coupling the recorder to a metrics registry.
type Observer interface {
	ItemStarted(item Item)
	ItemCompleted(item Item)
}
