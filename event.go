package relay

import "encoding/json"

// EventType identifies the kind of progress event produced during a turn.
type EventType string

const (
	// EventTextDelta carries an incremental text fragment.
	EventTextDelta EventType = "text-delta"
	// EventToolStart signals the engine began executing a tool.
	EventToolStart EventType = "tool-start"
	// EventToolEnd signals the engine finished executing a tool.
	EventToolEnd EventType = "tool-end"
	// EventError reports a failure; the turn ends without a done event.
	EventError EventType = "error"
	// EventDone terminates a successful stream and carries the
	// continuation token for the next turn. Exactly one per stream.
	EventDone EventType = "done"
	// EventAborted is synthesized by the runtime when a turn is cancelled,
	// either by Abort or by the inactivity watchdog. Engines never emit it.
	EventAborted EventType = "aborted"
)

// AbortReason distinguishes why a turn was aborted, so subscribers never
// have to parse the Message text.
type AbortReason string

const (
	// AbortUser marks an explicit Abort call.
	AbortUser AbortReason = "user"
	// AbortTimeout marks a turn cancelled by the inactivity watchdog.
	AbortTimeout AbortReason = "timeout"
)

// Event is a single progress event from an Engine stream.
// Which fields are set depends on Type.
type Event struct {
	// Type identifies the event kind.
	Type EventType `json:"type"`
	// Text carries the fragment for text-delta events.
	Text string `json:"text,omitempty"`
	// ToolName is set on tool-start and tool-end.
	ToolName string `json:"tool_name,omitempty"`
	// ToolArgs optionally carries the tool arguments on tool-start.
	ToolArgs json.RawMessage `json:"tool_args,omitempty"`
	// ToolResult optionally carries the tool output on tool-end.
	ToolResult string `json:"tool_result,omitempty"`
	// Message is the human-readable description for error and aborted events.
	Message string `json:"message,omitempty"`
	// Reason is set on aborted events: user cancellation or watchdog timeout.
	Reason AbortReason `json:"reason,omitempty"`
	// Continuation is the resume token carried by the done event.
	Continuation string `json:"continuation,omitempty"`
}

// Source identifies the caller that submitted a prompt: a chat front-end
// connection, the scheduled-task runner, or an internal maintenance routine.
// Subscribers use it to filter the fan-out stream to the turns they care about.
type Source struct {
	// ID is a stable key used for routing replies.
	ID string
	// Label is a human-readable name for logs.
	Label string
	// Internal marks system-generated prompts (e.g. maintenance write-backs)
	// as opposed to user-originated ones.
	Internal bool
}

// TaggedEvent pairs an Event with the Source of the turn that produced it.
// Every subscriber receives every event; the tag lets each one filter.
type TaggedEvent struct {
	Event  Event
	Source Source
}
