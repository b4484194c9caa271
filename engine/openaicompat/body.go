package openaicompat

import (
	"fmt"
	"strings"

	"github.com/nevindra/relay"
)

// buildMessages converts a TurnRequest into OpenAI-format messages: system
// prompt first, then the full history replayed, then the new prompt.
//
// This adapter has no server-side conversation state, so the continuation
// token in the request is never sent upstream; resumption is entirely driven
// by the history replay. Tool call ids are not persisted in the history, so
// replay assigns fresh synthetic ids, pairing each result with the nearest
// preceding unpaired call of the same message.
func buildMessages(req relay.TurnRequest) []wireMessage {
	var msgs []wireMessage
	if req.SystemPrompt != "" {
		msgs = append(msgs, wireMessage{Role: "system", Content: req.SystemPrompt})
	}

	callSeq := 0
	for _, m := range req.History {
		if m.Role != relay.RoleAssistant {
			if text := m.Text(); text != "" {
				msgs = append(msgs, wireMessage{Role: string(m.Role), Content: text})
			}
			continue
		}

		var (
			text    strings.Builder
			calls   []toolCallRequest
			pending []string
			results []wireMessage
		)
		for _, p := range m.Parts {
			switch p.Kind {
			case relay.PartText:
				text.WriteString(p.Text)
			case relay.PartToolCall:
				callSeq++
				id := fmt.Sprintf("call_%d", callSeq)
				pending = append(pending, id)
				args := string(p.ToolArgs)
				if args == "" {
					args = "{}"
				}
				calls = append(calls, toolCallRequest{
					ID:       id,
					Type:     "function",
					Function: functionCall{Name: p.ToolName, Arguments: args},
				})
			case relay.PartToolResult:
				var id string
				if len(pending) > 0 {
					id = pending[0]
					pending = pending[1:]
				}
				results = append(results, wireMessage{Role: "tool", Content: p.ToolResult, ToolCallID: id})
			}
		}

		if len(calls) > 0 {
			msgs = append(msgs, wireMessage{Role: "assistant", Content: text.String(), ToolCalls: calls})
			msgs = append(msgs, results...)
		} else if text.Len() > 0 {
			msgs = append(msgs, wireMessage{Role: "assistant", Content: text.String()})
		}
	}

	msgs = append(msgs, wireMessage{Role: "user", Content: req.Prompt})
	return msgs
}
