package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// SummaryMarker prefixes every compaction summary message. The model is told
// about it via SummaryNotice, so a marker-prefixed message is read as ground
// truth for everything before it rather than as user content.
const SummaryMarker = "[CONTEXT SUMMARY]"

// SummaryNotice is the standing system-prompt fragment describing the marker.
// The runtime appends it to the turn system prompt whenever compaction is
// enabled, so the model never asks the user to repeat what a summary covers.
const SummaryNotice = "A message beginning with " + SummaryMarker +
	" is a compacted summary of earlier conversation. Treat it as accurate" +
	" history for everything before now; do not ask the user to repeat" +
	" information it covers."

// summarySystemPrompt is the fixed instruction for the auxiliary
// summarization call.
const summarySystemPrompt = "You compact conversation history. Produce a dense," +
	" factual summary of the transcript you are given. Preserve decisions made," +
	" facts learned, tasks completed, the current goal, and open questions." +
	" Write plain prose with no preamble."

const (
	// defaultBudgetChars is the default history budget in characters,
	// a proxy for roughly 100K tokens.
	defaultBudgetChars = 400_000

	// defaultSummaryTimeout bounds the auxiliary summarization call.
	defaultSummaryTimeout = 60 * time.Second
)

// Compactor keeps a conversation history under a character budget. When the
// history exceeds Budget, the whole history is replaced with one
// marker-prefixed summary message produced by the Summarizer engine. When the
// Summarizer is nil or its call fails, the oldest messages are trimmed
// instead; the trim pass always terminates and never grows the history.
//
// Replacing the entire history (rather than keeping a tail of recent raw
// messages) is deliberate: a kept tail containing large tool outputs can
// itself exceed the budget and re-trigger compaction on every turn.
type Compactor struct {
	// Budget is the character threshold. <= 0 uses defaultBudgetChars.
	Budget int
	// Summarizer runs the auxiliary summarization call. nil = trim only.
	Summarizer Engine
	// SummaryModel optionally selects a cheaper or larger-context model
	// for the summarization call.
	SummaryModel string
	// SummaryTimeout bounds the summarization call. <= 0 uses the default.
	SummaryTimeout time.Duration
	// Logger is used for compaction outcomes. nil = no logs.
	Logger *slog.Logger
	// Tracer wraps compaction passes in spans. nil = no tracing.
	Tracer Tracer
	// OnCompact is called after every pass that changed the history, with
	// the character sizes before and after. nil = no reporting.
	OnCompact func(ctx context.Context, charsBefore, charsAfter int)
}

// NewCompactor returns a Compactor with default budget and timeout.
func NewCompactor(summarizer Engine) *Compactor {
	return &Compactor{
		Budget:         defaultBudgetChars,
		Summarizer:     summarizer,
		SummaryTimeout: defaultSummaryTimeout,
	}
}

// Measure returns the character cost of a history: the sum over every
// text-bearing part of every message, tool-call arguments and tool-result
// payloads included.
func (c *Compactor) Measure(history []Message) int {
	var n int
	for _, m := range history {
		for _, p := range m.Parts {
			n += partLen(p)
		}
	}
	return n
}

// MaybeCompact returns the history to store for the next turn and whether it
// changed. Under budget it is a no-op. Over budget it summarizes, or trims
// when summarization is unavailable or fails. The returned slice is always
// under budget (or a single message, whichever comes first), so an immediate
// second call is a no-op: callers that write the result back never re-trigger
// compaction on the next turn.
func (c *Compactor) MaybeCompact(ctx context.Context, history []Message) ([]Message, bool) {
	budget := c.Budget
	if budget <= 0 {
		budget = defaultBudgetChars
	}
	size := c.Measure(history)
	if size <= budget {
		return history, false
	}

	if c.Tracer != nil {
		var span Span
		ctx, span = c.Tracer.Start(ctx, "session.compact",
			IntAttr("chars_before", size),
			IntAttr("messages_before", len(history)))
		defer span.End()
	}

	if c.Summarizer != nil {
		summary, err := c.summarize(ctx, history)
		if err == nil {
			msg := Message{
				Role:      RoleAssistant,
				Parts:     []Part{{Kind: PartText, Text: SummaryMarker + "\n" + summary}},
				Timestamp: NowUnix(),
			}
			after := c.Measure([]Message{msg})
			c.log().Info("history compacted",
				"chars_before", size,
				"chars_after", after,
				"messages_before", len(history))
			if c.OnCompact != nil {
				c.OnCompact(ctx, size, after)
			}
			return []Message{msg}, true
		}
		// Compaction is internal housekeeping: the failure is logged and
		// recovered via the trim fallback, never surfaced to the caller.
		c.log().Warn("summarization failed, trimming oldest messages", "error", err)
	}

	trimmed := trimToBudget(history, budget)
	after := c.Measure(trimmed)
	c.log().Info("history trimmed",
		"chars_before", size,
		"chars_after", after,
		"messages_before", len(history),
		"messages_after", len(trimmed))
	if c.OnCompact != nil {
		c.OnCompact(ctx, size, after)
	}
	return trimmed, true
}

// summarize flattens the history to a role-tagged transcript and runs the
// auxiliary summarization call, consuming only the concatenated text output.
func (c *Compactor) summarize(ctx context.Context, history []Message) (string, error) {
	timeout := c.SummaryTimeout
	if timeout <= 0 {
		timeout = defaultSummaryTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	text, _, err := collectText(ctx, c.Summarizer, TurnRequest{
		Prompt:       flattenTranscript(history),
		SystemPrompt: summarySystemPrompt,
		Model:        c.SummaryModel,
	})
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", &ErrEngine{Op: "summarize", Message: "empty summary"}
	}
	return text, nil
}

// trimToBudget drops the oldest messages until the remainder fits the budget
// or one message remains. A single pass is always sufficient: each drop
// strictly shrinks the history, so the result never re-triggers compaction.
func trimToBudget(history []Message, budget int) []Message {
	var size int
	for _, m := range history {
		for _, p := range m.Parts {
			size += partLen(p)
		}
	}
	i := 0
	for size > budget && i < len(history)-1 {
		for _, p := range history[i].Parts {
			size -= partLen(p)
		}
		i++
	}
	return history[i:]
}

// flattenTranscript serializes a history to a flat role-tagged transcript for
// the summarization prompt.
func flattenTranscript(history []Message) string {
	var b strings.Builder
	for _, m := range history {
		for _, p := range m.Parts {
			switch p.Kind {
			case PartText:
				fmt.Fprintf(&b, "%s: %s\n", m.Role, p.Text)
			case PartToolCall:
				fmt.Fprintf(&b, "%s: [tool call] %s(%s)\n", m.Role, p.ToolName, p.ToolArgs)
			case PartToolResult:
				fmt.Fprintf(&b, "%s: [tool result] %s: %s\n", m.Role, p.ToolName, p.ToolResult)
			}
		}
	}
	return b.String()
}

func (c *Compactor) log() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return nopLogger
}
