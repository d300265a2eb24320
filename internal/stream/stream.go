// Package stream converts agent events into the wire records served over
// SSE and WebSocket, and accumulates the same records into a synchronous
// chat response.
package stream

import (
	"encoding/json"

	"github.com/lflish/claude-agent-http/internal/agent"
)

// Record is one externally visible stream event.
type Record struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolOutput string          `json:"tool_output,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Detail     string          `json:"detail,omitempty"`
}

// Translate maps one agent event to its wire record. The consolidated
// assistant message has no wire form; ok is false for it and any future
// unmapped event.
func Translate(ev agent.Event) (Record, bool) {
	switch e := ev.(type) {
	case agent.TextDelta:
		return Record{Type: "text_delta", Text: e.Text}, true
	case agent.ToolUse:
		return Record{Type: "tool_use", ToolName: e.Name, ToolInput: e.Input}, true
	case agent.ToolResult:
		return Record{Type: "tool_result", ToolName: e.Name, ToolOutput: e.Output}, true
	case agent.Error:
		return Record{Type: "error", Kind: e.Kind, Detail: e.Detail}, true
	case agent.Done:
		return Record{Type: "done"}, true
	}
	return Record{}, false
}

// Accumulator folds one turn's events into the synchronous response
// shape: text is the concatenation of deltas in emission order, tool
// calls keep emission order with outputs paired in as they arrive.
type Accumulator struct {
	text      []byte
	toolCalls []agent.ToolCall
	callIndex map[string]int
	errs      []agent.Error
	done      bool
}

func NewAccumulator() *Accumulator {
	return &Accumulator{callIndex: make(map[string]int)}
}

// Feed consumes one event. Events after Done are ignored.
func (a *Accumulator) Feed(ev agent.Event) {
	if a.done {
		return
	}
	switch e := ev.(type) {
	case agent.TextDelta:
		a.text = append(a.text, e.Text...)
	case agent.ToolUse:
		a.callIndex[e.ID] = len(a.toolCalls)
		a.toolCalls = append(a.toolCalls, agent.ToolCall{Name: e.Name, Input: e.Input})
	case agent.ToolResult:
		if i, ok := a.callIndex[e.ToolUseID]; ok {
			output := e.Output
			a.toolCalls[i].Output = &output
		}
	case agent.Error:
		a.errs = append(a.errs, e)
	case agent.Done:
		a.done = true
	}
}

// Text returns the concatenated assistant text.
func (a *Accumulator) Text() string { return string(a.text) }

// ToolCalls returns the ordered tool call list.
func (a *Accumulator) ToolCalls() []agent.ToolCall {
	if a.toolCalls == nil {
		return []agent.ToolCall{}
	}
	return a.toolCalls
}

// Errors returns any in-stream errors seen before Done.
func (a *Accumulator) Errors() []agent.Error { return a.errs }

// Done reports whether the terminal event arrived.
func (a *Accumulator) Done() bool { return a.done }
