package relay

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPromptRunsTurnAndPersists(t *testing.T) {
	engine := &fakeEngine{}
	store := newMemStore()
	rt := New(engine,
		WithCheckpointStore(store),
		WithSessionID("s1"),
		WithSystemPrompt("be helpful"))
	if err := rt.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	events, unsub := rt.Subscribe("test")
	defer unsub()

	src := Source{ID: "chat-1", Label: "telegram"}
	rt.Prompt("hello", src)

	evs := awaitTerminal(t, events)
	term := terminal(evs)
	if term.Event.Type != EventDone {
		t.Fatalf("terminal event = %s, want done", term.Event.Type)
	}
	if term.Source.ID != "chat-1" {
		t.Errorf("event source = %q, want chat-1", term.Source.ID)
	}
	if term.Event.Continuation != "tok-1" {
		t.Errorf("continuation = %q, want tok-1", term.Event.Continuation)
	}

	req := engine.call(0)
	if req.Prompt != "hello" {
		t.Errorf("engine prompt = %q", req.Prompt)
	}
	if !strings.Contains(req.SystemPrompt, "be helpful") {
		t.Errorf("system prompt missing configured text: %q", req.SystemPrompt)
	}
	if !strings.Contains(req.SystemPrompt, SummaryMarker) {
		t.Errorf("system prompt missing summary notice: %q", req.SystemPrompt)
	}

	cp, ok := store.get("s1")
	if !ok {
		t.Fatal("no checkpoint saved after successful turn")
	}
	if cp.Continuation != "tok-1" {
		t.Errorf("checkpoint continuation = %q, want tok-1", cp.Continuation)
	}
	if len(cp.Messages) != 2 {
		t.Fatalf("checkpoint messages = %d, want 2 (user + assistant)", len(cp.Messages))
	}
	if cp.Messages[0].Role != RoleUser || cp.Messages[0].Text() != "hello" {
		t.Errorf("first message = %+v, want user hello", cp.Messages[0])
	}
	if cp.Messages[1].Role != RoleAssistant || cp.Messages[1].Text() != "ok" {
		t.Errorf("second message = %+v, want assistant ok", cp.Messages[1])
	}
}

func TestFIFOOrderingAndSingleFlight(t *testing.T) {
	gate := make(chan struct{})
	var active, maxActive int32
	engine := &fakeEngine{}
	engine.script = func(call int, req TurnRequest, ch chan<- Event) error {
		cur := atomic.AddInt32(&active, 1)
		for {
			prev := atomic.LoadInt32(&maxActive)
			if cur <= prev || atomic.CompareAndSwapInt32(&maxActive, prev, cur) {
				break
			}
		}
		defer atomic.AddInt32(&active, -1)
		if call == 0 {
			// Hold the first turn until all prompts are queued.
			<-gate
		}
		ch <- Event{Type: EventDone, Continuation: "tok"}
		return nil
	}

	rt := New(engine)
	if err := rt.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	events, unsub := rt.Subscribe("test")
	defer unsub()

	rt.Prompt("first", Source{ID: "A"})
	rt.Prompt("second", Source{ID: "B"})
	rt.Prompt("third", Source{ID: "C"})
	close(gate)

	// One done event per turn, in arrival order regardless of source.
	var order []string
	for range 3 {
		evs := awaitTerminal(t, events)
		order = append(order, terminal(evs).Source.ID)
	}
	if got := strings.Join(order, ","); got != "A,B,C" {
		t.Errorf("turn order = %s, want A,B,C", got)
	}

	for i, want := range []string{"first", "second", "third"} {
		if got := engine.call(i).Prompt; got != want {
			t.Errorf("call %d prompt = %q, want %q", i, got, want)
		}
	}
	if atomic.LoadInt32(&maxActive) != 1 {
		t.Errorf("max concurrent turns = %d, want 1", maxActive)
	}
}

func TestSubscribeFanout(t *testing.T) {
	engine := &fakeEngine{}
	rt := New(engine)
	if err := rt.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	chA, unsubA := rt.Subscribe("a")
	chB, unsubB := rt.Subscribe("b")
	defer unsubB()

	rt.Prompt("one", Source{ID: "x"})
	awaitTerminal(t, chA)
	awaitTerminal(t, chB)

	// After unsubscribing, A's channel closes and stops receiving.
	unsubA()
	rt.Prompt("two", Source{ID: "x"})
	awaitTerminal(t, chB)

	select {
	case _, ok := <-chA:
		if ok {
			t.Error("unsubscribed channel still receiving events")
		}
	case <-time.After(time.Second):
		t.Error("unsubscribed channel not closed")
	}
}

func TestSlowSubscriberDoesNotStallTurn(t *testing.T) {
	engine := &fakeEngine{}
	engine.script = func(call int, req TurnRequest, ch chan<- Event) error {
		for range 20 {
			ch <- Event{Type: EventTextDelta, Text: "x"}
		}
		ch <- Event{Type: EventDone, Continuation: "tok"}
		return nil
	}
	store := newMemStore()
	rt := New(engine,
		WithSubscriberBuffer(1),
		WithCheckpointStore(store),
		WithSessionID("s1"))
	if err := rt.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	// Never read from this subscriber; it must only lose events.
	_, unsubSlow := rt.Subscribe("slow")
	defer unsubSlow()

	rt.Prompt("go", Source{ID: "x"})

	// Completion is observable through the checkpoint write.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := store.get("s1"); ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("turn stalled behind a slow subscriber")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAbortTerminatesTurn(t *testing.T) {
	started := make(chan struct{})
	block := make(chan struct{})
	engine := &fakeEngine{}
	engine.script = func(call int, req TurnRequest, ch chan<- Event) error {
		ch <- Event{Type: EventTextDelta, Text: "partial"}
		close(started)
		<-block
		return context.Canceled
	}

	rt := New(engine, WithWatchdogTimeout(10*time.Second))
	if err := rt.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	events, unsub := rt.Subscribe("test")
	defer unsub()

	rt.Prompt("slow one", Source{ID: "x"})
	<-started
	rt.Abort()
	close(block)

	evs := awaitTerminal(t, events)
	term := terminal(evs)
	if term.Event.Type != EventAborted {
		t.Fatalf("terminal event = %s, want aborted", term.Event.Type)
	}
	if term.Event.Reason != AbortUser {
		t.Errorf("abort reason = %q, want %q", term.Event.Reason, AbortUser)
	}
	// The delta already in flight was still delivered.
	if evs[0].Event.Type != EventTextDelta || evs[0].Event.Text != "partial" {
		t.Errorf("first event = %+v, want the partial delta", evs[0].Event)
	}
}

func TestWatchdogAbortsSilentTurn(t *testing.T) {
	engine := &fakeEngine{}
	engine.scriptCtx = func(ctx context.Context, call int, req TurnRequest, ch chan<- Event) error {
		// Produce one event, then go silent until cancelled.
		ch <- Event{Type: EventTextDelta, Text: "alive"}
		<-ctx.Done()
		return ctx.Err()
	}

	rt := New(engine, WithWatchdogTimeout(50*time.Millisecond))
	if err := rt.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	events, unsub := rt.Subscribe("test")
	defer unsub()

	rt.Prompt("hang", Source{ID: "x"})
	evs := awaitTerminal(t, events)

	term := terminal(evs)
	if term.Event.Type != EventAborted {
		t.Fatalf("terminal event = %s, want aborted", term.Event.Type)
	}
	if !strings.Contains(term.Event.Message, "no progress") {
		t.Errorf("abort message = %q, want watchdog timeout text", term.Event.Message)
	}
	if term.Event.Reason != AbortTimeout {
		t.Errorf("abort reason = %q, want %q", term.Event.Reason, AbortTimeout)
	}
}

func TestEngineErrorDoesNotWedgeQueue(t *testing.T) {
	engine := &fakeEngine{}
	engine.script = func(call int, req TurnRequest, ch chan<- Event) error {
		if call == 0 {
			return &ErrEngine{Op: "turn", Message: "boom"}
		}
		ch <- Event{Type: EventDone, Continuation: "tok"}
		return nil
	}
	store := newMemStore()
	rt := New(engine, WithCheckpointStore(store), WithSessionID("s1"))
	if err := rt.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	events, unsub := rt.Subscribe("test")
	defer unsub()

	rt.Prompt("bad", Source{ID: "A"})
	rt.Prompt("good", Source{ID: "B"})

	first := terminal(awaitTerminal(t, events))
	if first.Event.Type != EventError || first.Source.ID != "A" {
		t.Fatalf("first terminal = %s from %s, want error from A", first.Event.Type, first.Source.ID)
	}
	second := terminal(awaitTerminal(t, events))
	if second.Event.Type != EventDone || second.Source.ID != "B" {
		t.Fatalf("second terminal = %s from %s, want done from B", second.Event.Type, second.Source.ID)
	}

	// The failed turn must not have persisted anything; the good one must.
	cp, ok := store.get("s1")
	if !ok {
		t.Fatal("no checkpoint after successful second turn")
	}
	if cp.Messages[0].Text() != "good" {
		t.Errorf("checkpoint contains %q, want only the successful turn", cp.Messages[0].Text())
	}
}

func TestEnginePanicConvertedToErrorEvent(t *testing.T) {
	engine := &fakeEngine{}
	engine.script = func(call int, req TurnRequest, ch chan<- Event) error {
		if call == 0 {
			panic("engine exploded")
		}
		ch <- Event{Type: EventDone, Continuation: "tok"}
		return nil
	}
	rt := New(engine)
	if err := rt.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	events, unsub := rt.Subscribe("test")
	defer unsub()

	rt.Prompt("kaboom", Source{ID: "A"})
	rt.Prompt("after", Source{ID: "B"})

	first := terminal(awaitTerminal(t, events))
	if first.Event.Type != EventError {
		t.Fatalf("terminal after panic = %s, want error", first.Event.Type)
	}
	if !strings.Contains(first.Event.Message, "panic") {
		t.Errorf("error message = %q, want panic description", first.Event.Message)
	}
	second := terminal(awaitTerminal(t, events))
	if second.Event.Type != EventDone {
		t.Fatalf("runtime wedged after panic: second terminal = %s", second.Event.Type)
	}
}

func TestErrorEventEndsTurnWithoutPersist(t *testing.T) {
	engine := &fakeEngine{}
	engine.script = func(call int, req TurnRequest, ch chan<- Event) error {
		ch <- Event{Type: EventTextDelta, Text: "part"}
		ch <- Event{Type: EventError, Message: "upstream failed"}
		return nil
	}
	store := newMemStore()
	rt := New(engine, WithCheckpointStore(store), WithSessionID("s1"))
	if err := rt.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	events, unsub := rt.Subscribe("test")
	defer unsub()

	rt.Prompt("hello", Source{ID: "x"})
	term := terminal(awaitTerminal(t, events))
	if term.Event.Type != EventError {
		t.Fatalf("terminal = %s, want error", term.Event.Type)
	}
	if _, ok := store.get("s1"); ok {
		t.Error("checkpoint saved for a failed turn")
	}
}

func TestClearSessionDiscardsStateButNotQueue(t *testing.T) {
	engine := &fakeEngine{}
	store := newMemStore()
	rt := New(engine, WithCheckpointStore(store), WithSessionID("s1"))
	if err := rt.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	events, unsub := rt.Subscribe("test")
	defer unsub()

	rt.Prompt("one", Source{ID: "x"})
	awaitTerminal(t, events)
	if _, ok := store.get("s1"); !ok {
		t.Fatal("expected a checkpoint after the first turn")
	}

	rt.ClearSession(context.Background())
	if _, ok := store.get("s1"); ok {
		t.Error("checkpoint survived ClearSession")
	}

	rt.Prompt("two", Source{ID: "x"})
	awaitTerminal(t, events)
	if got := engine.call(1).Continuation; got != "" {
		t.Errorf("continuation after clear = %q, want empty", got)
	}
	if got := len(engine.call(1).History); got != 0 {
		t.Errorf("history after clear = %d messages, want 0", got)
	}
}

func TestSetModelAffectsNextTurnOnly(t *testing.T) {
	engine := &fakeEngine{}
	rt := New(engine, WithModel("m1"))
	if err := rt.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	events, unsub := rt.Subscribe("test")
	defer unsub()

	rt.Prompt("one", Source{ID: "x"})
	awaitTerminal(t, events)
	rt.SetModel("m2")
	rt.Prompt("two", Source{ID: "x"})
	awaitTerminal(t, events)

	if got := engine.call(0).Model; got != "m1" {
		t.Errorf("first turn model = %q, want m1", got)
	}
	if got := engine.call(1).Model; got != "m2" {
		t.Errorf("second turn model = %q, want m2", got)
	}
}

func TestInitIdempotent(t *testing.T) {
	engine := &fakeEngine{}
	store := newMemStore()
	rt := New(engine, WithCheckpointStore(store))
	for range 3 {
		if err := rt.Init(context.Background()); err != nil {
			t.Fatalf("Init: %v", err)
		}
	}
	store.mu.Lock()
	loads := store.loads
	store.mu.Unlock()
	if loads != 1 {
		t.Errorf("store loaded %d times across repeated Init, want 1", loads)
	}
}

func TestInitRequiresEngine(t *testing.T) {
	rt := New(nil)
	if err := rt.Init(context.Background()); err == nil {
		t.Fatal("Init with nil engine did not fail")
	}
}

func TestFreshCheckpointRestored(t *testing.T) {
	engine := &fakeEngine{}
	store := newMemStore()
	store.cps["s1"] = Checkpoint{
		Continuation: "resume-token",
		Messages:     textHistory("user", "earlier", "assistant", "reply"),
		SavedAt:      NowUnix() - 60,
	}
	rt := New(engine, WithCheckpointStore(store), WithSessionID("s1"))
	if err := rt.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	events, unsub := rt.Subscribe("test")
	defer unsub()
	rt.Prompt("continue", Source{ID: "x"})
	awaitTerminal(t, events)

	req := engine.call(0)
	if req.Continuation != "resume-token" {
		t.Errorf("continuation = %q, want resume-token", req.Continuation)
	}
	if len(req.History) != 2 {
		t.Errorf("restored history = %d messages, want 2", len(req.History))
	}
}

func TestStaleCheckpointIgnored(t *testing.T) {
	engine := &fakeEngine{}
	store := newMemStore()
	store.cps["s1"] = Checkpoint{
		Continuation: "old-token",
		SavedAt:      NowUnix() - 7200,
	}
	rt := New(engine,
		WithCheckpointStore(store),
		WithSessionID("s1"),
		WithStalenessWindow(time.Hour))
	if err := rt.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	events, unsub := rt.Subscribe("test")
	defer unsub()
	rt.Prompt("hello", Source{ID: "x"})
	awaitTerminal(t, events)

	if got := engine.call(0).Continuation; got != "" {
		t.Errorf("stale continuation %q was restored", got)
	}
}

func TestStalenessDisabledRestoresAnything(t *testing.T) {
	engine := &fakeEngine{}
	store := newMemStore()
	store.cps["s1"] = Checkpoint{Continuation: "ancient", SavedAt: 1}
	rt := New(engine,
		WithCheckpointStore(store),
		WithSessionID("s1"),
		WithStalenessWindow(0))
	if err := rt.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	events, unsub := rt.Subscribe("test")
	defer unsub()
	rt.Prompt("hello", Source{ID: "x"})
	awaitTerminal(t, events)

	if got := engine.call(0).Continuation; got != "ancient" {
		t.Errorf("continuation = %q, want ancient", got)
	}
}

func TestCompactionWritesBackToStoredHistory(t *testing.T) {
	engine := &fakeEngine{}
	store := newMemStore()
	big := strings.Repeat("x", 600)
	store.cps["s1"] = Checkpoint{
		Messages: textHistory("user", big, "assistant", big, "user", big),
		SavedAt:  NowUnix(),
	}
	rt := New(engine,
		WithCheckpointStore(store),
		WithSessionID("s1"),
		WithBudget(1000))
	if err := rt.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	events, unsub := rt.Subscribe("test")
	defer unsub()

	rt.Prompt("first", Source{ID: "x"})
	awaitTerminal(t, events)
	rt.Prompt("second", Source{ID: "x"})
	awaitTerminal(t, events)

	// With no summarizer the compactor trims. The second turn must see the
	// trimmed history plus the first turn's two small messages, not the
	// original oversized history: compaction wrote back to stored state.
	second := engine.call(1)
	c := &Compactor{Budget: 1000}
	if got := c.Measure(second.History); got > 1000+64 {
		t.Errorf("second turn history still over budget: %d chars", got)
	}
}

func TestCompactionHookFiresDuringTurn(t *testing.T) {
	engine := &fakeEngine{}
	store := newMemStore()
	big := strings.Repeat("x", 600)
	store.cps["s1"] = Checkpoint{
		Messages: textHistory("user", big, "assistant", big, "user", big),
		SavedAt:  NowUnix(),
	}

	var mu sync.Mutex
	var before, after int
	rt := New(engine,
		WithCheckpointStore(store),
		WithSessionID("s1"),
		WithBudget(1000),
		WithCompactionHook(func(_ context.Context, b, a int) {
			mu.Lock()
			before, after = b, a
			mu.Unlock()
		}))
	if err := rt.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	events, unsub := rt.Subscribe("test")
	defer unsub()

	rt.Prompt("first", Source{ID: "x"})
	awaitTerminal(t, events)

	mu.Lock()
	defer mu.Unlock()
	if before != 1800 {
		t.Errorf("chars before = %d, want 1800", before)
	}
	if after <= 0 || after > 1000 {
		t.Errorf("chars after = %d, want within budget", after)
	}
}
