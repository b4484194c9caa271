package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nevindra/relay"
)

// sseResponse writes a minimal SSE stream: one chunk per payload, then [DONE].
func sseResponse(w http.ResponseWriter, payloads ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, p := range payloads {
		fmt.Fprintf(w, "data: %s\n\n", p)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

// runTurn drives one Engine.Run and returns the collected events.
func runTurn(t *testing.T, e *Engine, req relay.TurnRequest) ([]relay.Event, error) {
	t.Helper()
	ch := make(chan relay.Event, 64)
	var evs []relay.Event
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range ch {
			evs = append(evs, ev)
		}
	}()
	err := e.Run(context.Background(), req, ch)
	wg.Wait()
	return evs, err
}

func TestRunStreamsTextDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("auth = %s", r.Header.Get("Authorization"))
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if !req.Stream {
			t.Error("request not marked streaming")
		}
		if req.Model != "gpt-4o" {
			t.Errorf("model = %s", req.Model)
		}
		sseResponse(w,
			`{"id":"chatcmpl-1","choices":[{"delta":{"content":"Hel"}}]}`,
			`{"id":"chatcmpl-1","choices":[{"delta":{"content":"lo!"}}]}`,
			`{"id":"chatcmpl-1","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2}}`,
		)
	}))
	defer srv.Close()

	e := New("test-key", "gpt-4o", srv.URL)
	evs, err := runTurn(t, e, relay.TurnRequest{Prompt: "Hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var text strings.Builder
	for _, ev := range evs[:len(evs)-1] {
		if ev.Type != relay.EventTextDelta {
			t.Errorf("unexpected event %s", ev.Type)
		}
		text.WriteString(ev.Text)
	}
	if text.String() != "Hello!" {
		t.Errorf("accumulated text = %q", text.String())
	}
	last := evs[len(evs)-1]
	if last.Type != relay.EventDone {
		t.Fatalf("terminal event = %s, want done", last.Type)
	}
	if last.Continuation != "chatcmpl-1" {
		t.Errorf("continuation = %q", last.Continuation)
	}
}

func TestRunExecutesToolCalls(t *testing.T) {
	var round int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		round++
		switch round {
		case 1:
			if len(req.Tools) != 1 || req.Tools[0].Function.Name != "get_weather" {
				t.Errorf("tools = %+v", req.Tools)
			}
			// Arguments arrive as string fragments across chunks.
			sseResponse(w,
				`{"id":"chatcmpl-a","choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_abc","function":{"name":"get_weather","arguments":"{\"city\":"}}]}}]}`,
				`{"id":"chatcmpl-a","choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"London\"}"}}]}}]}`,
			)
		case 2:
			// The tool result must be replayed with the matching call id.
			var sawResult bool
			for _, m := range req.Messages {
				if m.Role == "tool" && m.ToolCallID == "call_abc" && m.Content == "rainy, 12C" {
					sawResult = true
				}
			}
			if !sawResult {
				t.Errorf("tool result not replayed: %+v", req.Messages)
			}
			sseResponse(w, `{"id":"chatcmpl-b","choices":[{"delta":{"content":"It is raining."}}]}`)
		}
	}))
	defer srv.Close()

	weather := Tool{
		Name:        "get_weather",
		Description: "Get weather",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
		Fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			var a struct {
				City string `json:"city"`
			}
			if err := json.Unmarshal(args, &a); err != nil {
				return "", err
			}
			if a.City != "London" {
				t.Errorf("city = %q", a.City)
			}
			return "rainy, 12C", nil
		},
	}

	e := New("test-key", "gpt-4o", srv.URL, WithTool(weather))
	evs, err := runTurn(t, e, relay.TurnRequest{Prompt: "Weather in London?"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var types []relay.EventType
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	want := []relay.EventType{relay.EventToolStart, relay.EventToolEnd, relay.EventTextDelta, relay.EventDone}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}
	if evs[1].ToolResult != "rainy, 12C" {
		t.Errorf("tool-end result = %q", evs[1].ToolResult)
	}
	if evs[len(evs)-1].Continuation != "chatcmpl-b" {
		t.Errorf("continuation = %q", evs[len(evs)-1].Continuation)
	}
}

func TestRunToolErrorFedBackToModel(t *testing.T) {
	var round int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		round++
		if round == 1 {
			sseResponse(w,
				`{"id":"c1","choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"lookup","arguments":"{}"}}]}}]}`,
			)
			return
		}
		for _, m := range req.Messages {
			if m.Role == "tool" && !strings.HasPrefix(m.Content, "error:") {
				t.Errorf("tool failure not reported as error text: %q", m.Content)
			}
		}
		sseResponse(w, `{"id":"c2","choices":[{"delta":{"content":"could not look that up"}}]}`)
	}))
	defer srv.Close()

	failing := Tool{
		Name: "lookup",
		Fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "", fmt.Errorf("upstream unavailable")
		},
	}
	e := New("", "m", srv.URL, WithTool(failing))
	evs, err := runTurn(t, e, relay.TurnRequest{Prompt: "look it up"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if evs[len(evs)-1].Type != relay.EventDone {
		t.Fatalf("terminal = %s", evs[len(evs)-1].Type)
	}
}

func TestRunHTTPErrorReturnsEngineError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"invalid api key"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	e := New("bad-key", "m", srv.URL)
	evs, err := runTurn(t, e, relay.TurnRequest{Prompt: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error = %v", err)
	}
	for _, ev := range evs {
		if ev.Type == relay.EventDone {
			t.Error("done event emitted on failed turn")
		}
	}
}

func TestRunToolRoundsBounded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Always request another tool call.
		sseResponse(w,
			`{"id":"c","choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_x","function":{"name":"noop","arguments":"{}"}}]}}]}`,
		)
	}))
	defer srv.Close()

	noop := Tool{Name: "noop", Fn: func(ctx context.Context, args json.RawMessage) (string, error) {
		return "ok", nil
	}}
	e := New("", "m", srv.URL, WithTool(noop), WithMaxToolRounds(3))
	_, err := runTurn(t, e, relay.TurnRequest{Prompt: "x"})
	if err == nil {
		t.Fatal("unbounded tool loop not terminated")
	}
	if !strings.Contains(err.Error(), "tool rounds") {
		t.Errorf("error = %v", err)
	}
}

func TestBuildMessagesReplaysHistory(t *testing.T) {
	history := []relay.Message{
		relay.UserMessage("what's the weather"),
		{
			Role: relay.RoleAssistant,
			Parts: []relay.Part{
				{Kind: relay.PartToolCall, ToolName: "get_weather", ToolArgs: json.RawMessage(`{"city":"Oslo"}`)},
				{Kind: relay.PartToolResult, ToolName: "get_weather", ToolResult: "snow"},
				{Kind: relay.PartText, Text: "It is snowing in Oslo."},
			},
		},
	}
	msgs := buildMessages(relay.TurnRequest{
		Prompt:       "and tomorrow?",
		SystemPrompt: "be brief",
		History:      history,
	})

	if msgs[0].Role != "system" || msgs[0].Content != "be brief" {
		t.Errorf("system message = %+v", msgs[0])
	}
	if msgs[1].Role != "user" || msgs[1].Content != "what's the weather" {
		t.Errorf("history user message = %+v", msgs[1])
	}
	if msgs[2].Role != "assistant" || len(msgs[2].ToolCalls) != 1 {
		t.Fatalf("assistant message = %+v", msgs[2])
	}
	callID := msgs[2].ToolCalls[0].ID
	if callID == "" {
		t.Error("replayed tool call has no id")
	}
	if msgs[3].Role != "tool" || msgs[3].ToolCallID != callID || msgs[3].Content != "snow" {
		t.Errorf("tool result message = %+v", msgs[3])
	}
	last := msgs[len(msgs)-1]
	if last.Role != "user" || last.Content != "and tomorrow?" {
		t.Errorf("prompt message = %+v", last)
	}
}

func TestBuildMessagesEmptyToolArgs(t *testing.T) {
	history := []relay.Message{{
		Role:  relay.RoleAssistant,
		Parts: []relay.Part{{Kind: relay.PartToolCall, ToolName: "ping"}},
	}}
	msgs := buildMessages(relay.TurnRequest{Prompt: "x", History: history})
	for _, m := range msgs {
		for _, tc := range m.ToolCalls {
			if !json.Valid(json.RawMessage(tc.Function.Arguments)) {
				t.Errorf("invalid replayed arguments: %q", tc.Function.Arguments)
			}
		}
	}
}
