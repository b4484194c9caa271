package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	relay "github.com/nevindra/relay"
	"github.com/nevindra/relay/frontend/telegram"
)

type fakeTurnMetrics struct {
	mu        sync.Mutex
	turns     []recordedTurn
	watchdogs int
}

type recordedTurn struct {
	source string
	ok     bool
}

func (m *fakeTurnMetrics) RecordTurn(ctx context.Context, source string, ok bool, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, recordedTurn{source, ok})
}

func (m *fakeTurnMetrics) RecordWatchdogTimeout(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchdogs++
}

// testApp builds an app over a stub Telegram server so handleEvent can flush
// terminal messages without touching the network.
func testApp(t *testing.T, metrics turnMetrics) *app {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":1}}`)
	}))
	t.Cleanup(srv.Close)

	return &app{
		bot:     telegram.New("t", telegram.WithBaseURL(srv.URL)),
		metrics: metrics,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		turns:   make(map[string]*pendingTurn),
	}
}

func TestWatchdogTimeoutAbortIsCounted(t *testing.T) {
	metrics := &fakeTurnMetrics{}
	a := testApp(t, metrics)

	a.handleEvent(context.Background(), relay.TaggedEvent{
		Source: relay.Source{ID: "chat-1", Label: "telegram"},
		Event: relay.Event{
			Type:    relay.EventAborted,
			Reason:  relay.AbortTimeout,
			Message: "engine produced no output for 2m0s",
		},
	})

	if metrics.watchdogs != 1 {
		t.Errorf("watchdog timeouts = %d, want 1", metrics.watchdogs)
	}
	if len(metrics.turns) != 1 || metrics.turns[0].ok {
		t.Errorf("turns = %+v, want one failed turn", metrics.turns)
	}
}

func TestUserAbortIsNotCountedAsTimeout(t *testing.T) {
	metrics := &fakeTurnMetrics{}
	a := testApp(t, metrics)

	a.handleEvent(context.Background(), relay.TaggedEvent{
		Source: relay.Source{ID: "chat-1", Label: "telegram"},
		Event: relay.Event{
			Type:    relay.EventAborted,
			Reason:  relay.AbortUser,
			Message: "turn aborted",
		},
	})

	if metrics.watchdogs != 0 {
		t.Errorf("watchdog timeouts = %d, want 0", metrics.watchdogs)
	}
	if len(metrics.turns) != 1 {
		t.Errorf("turns = %+v, want one recorded turn", metrics.turns)
	}
}

func TestFinishedTurnRecordsSourceAndOutcome(t *testing.T) {
	metrics := &fakeTurnMetrics{}
	a := testApp(t, metrics)

	a.handleEvent(context.Background(), relay.TaggedEvent{
		Source: relay.Source{ID: "chat-1", Label: "telegram"},
		Event:  relay.Event{Type: relay.EventTextDelta, Text: "hello"},
	})
	a.handleEvent(context.Background(), relay.TaggedEvent{
		Source: relay.Source{ID: "chat-1", Label: "telegram"},
		Event:  relay.Event{Type: relay.EventDone},
	})

	if len(metrics.turns) != 1 {
		t.Fatalf("turns = %d, want 1", len(metrics.turns))
	}
	if got := metrics.turns[0]; got.source != "telegram" || !got.ok {
		t.Errorf("recorded turn = %+v", got)
	}
	if len(a.turns) != 0 {
		t.Errorf("pending turn not cleared: %v", a.turns)
	}
}

func TestInternalTurnProducesNoMetrics(t *testing.T) {
	metrics := &fakeTurnMetrics{}
	a := testApp(t, metrics)

	a.handleEvent(context.Background(), relay.TaggedEvent{
		Source: relay.Source{ID: "maintenance", Internal: true},
		Event:  relay.Event{Type: relay.EventDone},
	})

	if len(metrics.turns) != 0 || metrics.watchdogs != 0 {
		t.Errorf("internal turn recorded metrics: turns=%v watchdogs=%d", metrics.turns, metrics.watchdogs)
	}
}
