package relay

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeEngine is a scripted Engine for tests. When script is nil, every call
// emits one text delta ("ok") and a done event with a per-call token.
// Scripts send events on ch but must not close it; Run closes on return.
type fakeEngine struct {
	mu        sync.Mutex
	calls     []TurnRequest
	script    func(call int, req TurnRequest, ch chan<- Event) error
	scriptCtx func(ctx context.Context, call int, req TurnRequest, ch chan<- Event) error
}

func (f *fakeEngine) Run(ctx context.Context, req TurnRequest, ch chan<- Event) error {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	f.mu.Unlock()

	defer close(ch)
	if f.scriptCtx != nil {
		return f.scriptCtx(ctx, n-1, req, ch)
	}
	if f.script != nil {
		return f.script(n-1, req, ch)
	}
	ch <- Event{Type: EventTextDelta, Text: "ok"}
	ch <- Event{Type: EventDone, Continuation: fmt.Sprintf("tok-%d", n)}
	return nil
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeEngine) call(i int) TurnRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

var _ Engine = (*fakeEngine)(nil)

// memStore is an in-memory CheckpointStore.
type memStore struct {
	mu      sync.Mutex
	cps     map[string]Checkpoint
	loads   int
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{cps: make(map[string]Checkpoint)}
}

func (s *memStore) Save(_ context.Context, id string, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.cps[id] = cp
	return nil
}

func (s *memStore) Load(_ context.Context, id string) (Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	cp, ok := s.cps[id]
	return cp, ok, nil
}

func (s *memStore) Clear(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cps, id)
	return nil
}

func (s *memStore) get(id string) (Checkpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.cps[id]
	return cp, ok
}

var _ CheckpointStore = (*memStore)(nil)

// awaitTerminal reads events until a terminal one (done, error, aborted)
// arrives and returns everything received, the terminal event last.
func awaitTerminal(t *testing.T, ch <-chan TaggedEvent) []TaggedEvent {
	t.Helper()
	var evs []TaggedEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			evs = append(evs, ev)
			switch ev.Event.Type {
			case EventDone, EventError, EventAborted:
				return evs
			}
		case <-deadline:
			t.Fatalf("timed out waiting for terminal event, got %d events", len(evs))
		}
	}
}

// terminal returns the last event of a slice produced by awaitTerminal.
func terminal(evs []TaggedEvent) TaggedEvent {
	return evs[len(evs)-1]
}

// textHistory builds a history of single-part text messages with the given
// role/text pairs.
func textHistory(pairs ...string) []Message {
	var msgs []Message
	for i := 0; i+1 < len(pairs); i += 2 {
		msgs = append(msgs, TextMessage(Role(pairs[i]), pairs[i+1]))
	}
	return msgs
}
