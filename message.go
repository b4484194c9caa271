package relay

import (
	"encoding/json"
	"strings"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartKind discriminates the variants of a message Part. The set is closed:
// code that measures, serializes, or renders parts switches exhaustively
// over these three values.
type PartKind string

const (
	PartText       PartKind = "text"
	PartToolCall   PartKind = "tool-call"
	PartToolResult PartKind = "tool-result"
)

// Part is one element of a message body. Kind selects the meaningful fields:
// Text for PartText, ToolName+ToolArgs for PartToolCall, ToolName+ToolResult
// for PartToolResult.
type Part struct {
	Kind       PartKind        `json:"kind"`
	Text       string          `json:"text,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolArgs   json.RawMessage `json:"tool_args,omitempty"`
	ToolResult string          `json:"tool_result,omitempty"`
}

// Message is one turn's content in the stored conversation history.
type Message struct {
	Role      Role   `json:"role"`
	Parts     []Part `json:"parts"`
	Timestamp int64  `json:"timestamp"`
}

// TextMessage creates a single-part text message with the current timestamp.
func TextMessage(role Role, text string) Message {
	return Message{
		Role:      role,
		Parts:     []Part{{Kind: PartText, Text: text}},
		Timestamp: NowUnix(),
	}
}

// UserMessage creates a user text message.
func UserMessage(text string) Message { return TextMessage(RoleUser, text) }

// AssistantMessage creates an assistant text message.
func AssistantMessage(text string) Message { return TextMessage(RoleAssistant, text) }

// Text concatenates the message's text parts.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Kind == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// partLen returns the character cost of a part. Tool-call arguments and
// tool-result payloads count in full: large command output and file contents
// are the dominant contributors to history bloat, so skipping them would
// make the budget meaningless.
func partLen(p Part) int {
	switch p.Kind {
	case PartText:
		return len(p.Text)
	case PartToolCall:
		return len(p.ToolName) + len(p.ToolArgs)
	case PartToolResult:
		return len(p.ToolName) + len(p.ToolResult)
	}
	return 0
}
