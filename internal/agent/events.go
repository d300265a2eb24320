package agent

import "encoding/json"

// Event is one item in the stream produced by a chat turn. The concrete
// types below are the full vocabulary.
type Event interface {
	event()
}

// TextDelta is a fragment of assistant text, in emission order.
type TextDelta struct {
	Text string
}

// ToolUse reports the agent invoking a tool.
type ToolUse struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult carries the output of a completed tool invocation.
type ToolResult struct {
	ToolUseID string
	Name      string
	Output    string
	IsError   bool
}

// Assistant is the consolidated assistant turn, delivered once at the end.
type Assistant struct {
	Text      string
	ToolCalls []ToolCall
}

// ToolCall pairs a tool invocation with its result, when one arrived.
type ToolCall struct {
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input"`
	Output *string         `json:"output,omitempty"`
}

// Error is a recoverable failure reported in-stream. Kind is one of
// "budget_exceeded", "turn_limit_exceeded" or "internal".
type Error struct {
	Kind   string
	Detail string
}

// Done terminates the stream. Always the last event.
type Done struct{}

func (TextDelta) event()  {}
func (ToolUse) event()    {}
func (ToolResult) event() {}
func (Assistant) event()  {}
func (Error) event()      {}
func (Done) event()       {}

// Error kinds.
const (
	ErrKindBudget    = "budget_exceeded"
	ErrKindTurnLimit = "turn_limit_exceeded"
	ErrKindInternal  = "internal"
)
