package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/nevindra/relay"
)

// defaultMaxToolRounds caps the request/tool-execution cycles within one turn
// so a model that keeps requesting tools cannot loop forever.
const defaultMaxToolRounds = 8

// ToolFunc executes one tool call. The returned string is fed back to the
// model as the tool result; an error is reported to the model as
// "error: ..." rather than failing the turn, so it can recover or explain.
type ToolFunc func(ctx context.Context, args json.RawMessage) (string, error)

// Tool is a callable function exposed to the model.
type Tool struct {
	Name        string
	Description string
	// Parameters is a JSON schema for the arguments. Empty = no arguments.
	Parameters json.RawMessage
	Fn         ToolFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

// WithLogger sets a structured logger. If not set, nothing is logged.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTool registers a tool the model may call during a turn.
func WithTool(t Tool) Option {
	return func(e *Engine) { e.tools = append(e.tools, t) }
}

// WithMaxToolRounds caps request/tool cycles per turn.
func WithMaxToolRounds(n int) Option {
	return func(e *Engine) { e.maxToolRounds = n }
}

// WithTemperature sets the sampling temperature for every request.
func WithTemperature(t float64) Option {
	return func(e *Engine) { e.temperature = &t }
}

// WithMaxTokens caps the completion length for every request.
func WithMaxTokens(n int) Option {
	return func(e *Engine) { e.maxTokens = n }
}

// Engine implements relay.Engine against an OpenAI-compatible chat
// completions endpoint. Each turn streams text deltas as they arrive; when
// the model requests tool calls and matching tools are registered, they are
// executed in-line with tool-start and tool-end events around each call, and
// the results are fed back until the model produces a final text response.
//
// The continuation token is synthesized locally from the response id; the
// upstream API is stateless and resumption is driven by history replay.
type Engine struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	logger  *slog.Logger

	tools         []Tool
	maxToolRounds int
	temperature   *float64
	maxTokens     int
}

var _ relay.Engine = (*Engine)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates an Engine.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1", "http://localhost:11434/v1").
// The /chat/completions path is appended automatically.
func New(apiKey, model, baseURL string, opts ...Option) *Engine {
	e := &Engine{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		logger:  nopLogger,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run executes one turn, streaming events into ch. The channel is closed on
// every return path. Exactly one done event is emitted on success.
func (e *Engine) Run(ctx context.Context, req relay.TurnRequest, ch chan<- relay.Event) error {
	defer close(ch)

	model := req.Model
	if model == "" {
		model = e.model
	}
	msgs := buildMessages(req)

	rounds := e.maxToolRounds
	if rounds <= 0 {
		rounds = defaultMaxToolRounds
	}

	var continuation string
	for round := 0; round < rounds; round++ {
		body := chatRequest{
			Model:         model,
			Messages:      msgs,
			Stream:        true,
			StreamOptions: &streamOptions{IncludeUsage: true},
			Temperature:   e.temperature,
			MaxTokens:     e.maxTokens,
		}
		if len(e.tools) > 0 {
			body.Tools = e.toolDefs()
		}

		resp, err := e.send(ctx, body)
		if err != nil {
			return err
		}
		res, err := readStream(ctx, resp.Body, ch)
		resp.Body.Close()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &relay.ErrEngine{Op: "stream", Message: err.Error()}
		}
		if res.id != "" {
			continuation = res.id
		}
		e.logger.Debug("round complete", "round", round, "model", model,
			"tool_calls", len(res.toolCalls),
			"input_tokens", res.usage.PromptTokens, "output_tokens", res.usage.CompletionTokens)

		if len(res.toolCalls) == 0 {
			select {
			case ch <- relay.Event{Type: relay.EventDone, Continuation: continuation}:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		}

		// Echo the calls back as an assistant message, then execute each
		// tool and append its result for the next round.
		msgs = append(msgs, wireMessage{Role: "assistant", Content: res.content, ToolCalls: res.toolCalls})
		for _, tc := range res.toolCalls {
			args := json.RawMessage(tc.Function.Arguments)
			if err := emit(ctx, ch, relay.Event{Type: relay.EventToolStart, ToolName: tc.Function.Name, ToolArgs: args}); err != nil {
				return err
			}
			result := e.dispatch(ctx, tc.Function.Name, args)
			if err := emit(ctx, ch, relay.Event{Type: relay.EventToolEnd, ToolName: tc.Function.Name, ToolResult: result}); err != nil {
				return err
			}
			msgs = append(msgs, wireMessage{Role: "tool", Content: result, ToolCallID: tc.ID})
		}
	}
	return &relay.ErrEngine{Op: "chat", Message: fmt.Sprintf("no final response after %d tool rounds", rounds)}
}

// dispatch runs one registered tool. Failures come back as text so the model
// can recover or explain instead of killing the turn.
func (e *Engine) dispatch(ctx context.Context, name string, args json.RawMessage) string {
	for _, t := range e.tools {
		if t.Name != name {
			continue
		}
		out, err := t.Fn(ctx, args)
		if err != nil {
			e.logger.Warn("tool failed", "tool", name, "error", err)
			return "error: " + err.Error()
		}
		return out
	}
	e.logger.Warn("model requested unknown tool", "tool", name)
	return "error: unknown tool: " + name
}

func (e *Engine) toolDefs() []toolDef {
	out := make([]toolDef, 0, len(e.tools))
	for _, t := range e.tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, toolDef{
			Type:     "function",
			Function: function{Name: t.Name, Description: t.Description, Parameters: params},
		})
	}
	return out
}

// send marshals the request body and posts it to the chat completions
// endpoint, returning the response with a 200 status.
func (e *Engine) send(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &relay.ErrEngine{Op: "chat", Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := e.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &relay.ErrEngine{Op: "chat", Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &relay.ErrEngine{Op: "chat", Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &relay.ErrEngine{Op: "chat", Message: fmt.Sprintf("status %d: %s", resp.StatusCode, errBody)}
	}
	return resp, nil
}

func emit(ctx context.Context, ch chan<- relay.Event, ev relay.Event) error {
	select {
	case ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
