package llmstream

import "encoding/json"

// EventKind identifies the shape of an Event emitted by Stream.
type EventKind string

const (
	EventThinkingStart   EventKind = "thinkingStart"
	EventThinkingDelta   EventKind = "thinkingDelta"
	EventThinkingDone    EventKind = "thinkingDone"
	EventTextStart       EventKind = "textStart"
	EventTextDelta       EventKind = "textDelta"
	EventTextDone        EventKind = "textDone"
	EventToolUseStart    EventKind = "toolUseStart"
	EventToolUseInputDelta EventKind = "toolUseInputDelta"
	EventToolUseDone     EventKind = "toolUseDone"
	EventMessageComplete EventKind = "messageComplete"
	EventError           EventKind = "error"
)

// Event is one item in the ordered stream produced by Stream. Only the
// fields relevant to Kind are populated.
type Event struct {
	Kind EventKind

	// Text carries a thinking/text delta's appended string.
	Text string

	// ID and Name identify a tool_use block, for ToolUseStart/Done.
	ID   string
	Name string

	// Input carries the fully-accumulated tool input JSON, for
	// ToolUseDone.
	Input json.RawMessage

	// Message carries the error text, for Error.
	Message string
}
