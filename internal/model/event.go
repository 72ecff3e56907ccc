package model

import (
	"encoding/json"
	"time"
)

// Role is the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// EventKind tags the payload carried by an Event.
type EventKind string

const (
	EventMessage       EventKind = "message"
	EventToolUse       EventKind = "tool_use"
	EventToolResult    EventKind = "tool_result"
	EventAssistantText EventKind = "assistant_text"
	EventResult        EventKind = "result"
)

// Event is one line of a thread's event log. Exactly one payload field is
// set, matching Kind.
type Event struct {
	Kind  EventKind `json:"type"`
	Time  time.Time `json:"ts"`
	RunID string    `json:"run_id,omitempty"`

	Message    *Message    `json:"message,omitempty"`
	ToolUse    *ToolUse    `json:"tool_use,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
	Text       string      `json:"text,omitempty"`
	Result     *RunResult  `json:"result,omitempty"`
}

// Message is a user or assistant turn.
type Message struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolUse records a tool invocation requested by the engine.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult records the output of a tool invocation.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Output    string `json:"output"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Usage holds engine accounting for one run.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
}

// RunResult closes out one engine run.
type RunResult struct {
	Usage      Usage  `json:"usage"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// MessageEvent wraps a message in an Event stamped with the message time.
func MessageEvent(m Message) Event {
	return Event{Kind: EventMessage, Time: m.Timestamp, Message: &m}
}

// Valid reports whether the event carries the payload its kind requires.
func (e Event) Valid() bool {
	switch e.Kind {
	case EventMessage:
		return e.Message != nil && (e.Message.Role == RoleUser || e.Message.Role == RoleAssistant)
	case EventToolUse:
		return e.ToolUse != nil
	case EventToolResult:
		return e.ToolResult != nil
	case EventAssistantText:
		return true
	case EventResult:
		return e.Result != nil
	}
	return false
}

// Messages projects an event stream onto its conversation turns, oldest first.
func Messages(events []Event) []Message {
	var msgs []Message
	for _, e := range events {
		if e.Kind == EventMessage && e.Message != nil {
			msgs = append(msgs, *e.Message)
		}
	}
	return msgs
}
