// Package bridge defines the canonical event vocabulary every provider
// adapter emits. Adapters translate their native protocols (NDJSON from a
// subprocess, SSE from a peer server, a direct API tool loop) into this
// one schema so the engine and the HTTP surface consume a single stream
// shape.
package bridge

import "fmt"

// EventType discriminates canonical events.
type EventType string

const (
	EventText      EventType = "text"
	EventToolStart EventType = "tool_start"
	EventToolEnd   EventType = "tool_end"
	EventDone      EventType = "done"
	EventError     EventType = "error"
)

// ToolResultDisplayLen caps the tool result carried in a tool_end event.
// The full result stays with the provider; canonical events only carry
// enough for display.
const ToolResultDisplayLen = 300

// Usage is the final accounting attached to a done event when the
// provider reports it.
type Usage struct {
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
	Turns        int     `json:"turns,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
}

// Event is one canonical streaming event. Done and Error are terminal:
// no further events follow either on a given stream.
type Event struct {
	Type      EventType `json:"type"`
	Text      string    `json:"text,omitempty"`       // text
	ToolName  string    `json:"tool_name,omitempty"`  // tool_start, tool_end
	ToolID    string    `json:"tool_id,omitempty"`    // tool_start, tool_end
	ToolInput string    `json:"tool_input,omitempty"` // tool_start, brief description
	Result    string    `json:"result,omitempty"`     // tool_end, truncated
	IsError   bool      `json:"is_error,omitempty"`   // tool_end
	Err       error     `json:"-"`                    // error
	Message   string    `json:"message,omitempty"`    // error, for serialization
	Usage     *Usage    `json:"usage,omitempty"`      // done
}

// Terminal reports whether no further events follow this one.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// Text returns a text event.
func Text(s string) Event { return Event{Type: EventText, Text: s} }

// ToolStart returns a tool_start event.
func ToolStart(name, id, input string) Event {
	return Event{Type: EventToolStart, ToolName: name, ToolID: id, ToolInput: input}
}

// ToolEnd returns a tool_end event with the result truncated for display.
func ToolEnd(name, id, result string, isErr bool) Event {
	return Event{Type: EventToolEnd, ToolName: name, ToolID: id, Result: TruncateResult(result), IsError: isErr}
}

// Done returns a terminal done event.
func Done(u *Usage) Event { return Event{Type: EventDone, Usage: u} }

// Errorf returns a terminal error event.
func Errorf(format string, args ...any) Event {
	err := fmt.Errorf(format, args...)
	return Event{Type: EventError, Err: err, Message: err.Error()}
}

// WrapError returns a terminal error event for an existing error.
func WrapError(err error) Event {
	return Event{Type: EventError, Err: err, Message: err.Error()}
}

// TruncateResult trims s to the display cap.
func TruncateResult(s string) string {
	if len(s) > ToolResultDisplayLen {
		return s[:ToolResultDisplayLen] + "..."
	}
	return s
}
