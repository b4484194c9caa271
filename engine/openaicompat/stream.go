package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/nevindra/relay"
)

// streamResult is one round's accumulated output.
type streamResult struct {
	id        string
	content   string
	toolCalls []toolCallRequest
	usage     usage
}

// readStream reads an SSE stream from body, emits text-delta events to ch,
// and returns the fully accumulated round (content + tool calls + usage).
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func readStream(ctx context.Context, body io.Reader, ch chan<- relay.Event) (streamResult, error) {
	scanner := bufio.NewScanner(body)
	// Increase buffer for large SSE payloads.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var res streamResult
	var content strings.Builder

	// Tool calls stream incrementally: each chunk has an index, and
	// arguments arrive as string fragments.
	type partialToolCall struct {
		id   string
		name string
		args strings.Builder
	}
	var partials []partialToolCall

	for scanner.Scan() {
		line := scanner.Text()

		// SSE lines that carry data start with "data: ".
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		// End-of-stream sentinel.
		if data == "[DONE]" {
			break
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}
		if chunk.ID != "" {
			res.id = chunk.ID
		}
		if chunk.Usage != nil {
			res.usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			// Usage-only chunk (some providers send this).
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta == nil {
			continue
		}

		if delta.Content != "" {
			content.WriteString(delta.Content)
			select {
			case ch <- relay.Event{Type: relay.EventTextDelta, Text: delta.Content}:
			case <-ctx.Done():
				return streamResult{}, ctx.Err()
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			for len(partials) <= idx {
				partials = append(partials, partialToolCall{})
			}
			if tc.ID != "" {
				partials[idx].id = tc.ID
			}
			if tc.Function.Name != "" {
				partials[idx].name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				partials[idx].args.WriteString(tc.Function.Arguments)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return streamResult{}, err
	}

	res.content = content.String()
	for _, p := range partials {
		args := json.RawMessage(p.args.String())
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		res.toolCalls = append(res.toolCalls, toolCallRequest{
			ID:       p.id,
			Type:     "function",
			Function: functionCall{Name: p.name, Arguments: string(args)},
		})
	}
	return res, nil
}
