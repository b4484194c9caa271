package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// nopLogger discards all output. Used as the fallback so loggers are never nil.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

const (
	// defaultWatchdogTimeout is the default silence window before a turn is
	// considered hung and aborted.
	defaultWatchdogTimeout = 5 * time.Minute

	// defaultStalenessWindow is how old a checkpoint may be and still be
	// trusted on restore.
	defaultStalenessWindow = 72 * time.Hour

	// defaultSubscriberBuffer is the per-subscriber channel capacity.
	// Delivery is non-blocking: a subscriber that falls this far behind
	// starts losing events instead of stalling the drain loop.
	defaultSubscriberBuffer = 256

	// checkpointSaveTimeout bounds the background checkpoint write.
	checkpointSaveTimeout = 10 * time.Second
)

// queueItem is one pending prompt. Strict FIFO, no priority.
type queueItem struct {
	content string
	source  Source
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets a structured logger. If not set, nothing is logged.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithTracer enables span creation around turns and compaction passes.
func WithTracer(t Tracer) Option {
	return func(r *Runtime) { r.tracer = t }
}

// WithCheckpointStore enables session persistence. Without a store the
// session lives only for the process lifetime.
func WithCheckpointStore(s CheckpointStore) Option {
	return func(r *Runtime) { r.store = s }
}

// WithSessionID sets the identity key under which checkpoints are stored.
// Defaults to "default".
func WithSessionID(id string) Option {
	return func(r *Runtime) { r.sessionID = id }
}

// WithSystemPrompt sets the standing instruction sent with every turn.
func WithSystemPrompt(p string) Option {
	return func(r *Runtime) { r.systemPrompt = p }
}

// WithModel sets the initial model id. Can be changed later via SetModel.
func WithModel(id string) Option {
	return func(r *Runtime) { r.model = id }
}

// WithBudget sets the history character budget for compaction.
func WithBudget(chars int) Option {
	return func(r *Runtime) { r.compactor.Budget = chars }
}

// WithSummarizer sets the engine and model used for the auxiliary
// summarization call during compaction. Without one, compaction falls back
// to trimming the oldest messages.
func WithSummarizer(e Engine, model string) Option {
	return func(r *Runtime) {
		r.compactor.Summarizer = e
		r.compactor.SummaryModel = model
	}
}

// WithCompactionHook registers fn, called after every compaction pass that
// changed the history, with the character sizes before and after. Used to
// report compaction metrics without coupling the runtime to a metrics backend.
func WithCompactionHook(fn func(ctx context.Context, charsBefore, charsAfter int)) Option {
	return func(r *Runtime) { r.compactor.OnCompact = fn }
}

// WithWatchdogTimeout sets the per-turn silence window.
func WithWatchdogTimeout(d time.Duration) Option {
	return func(r *Runtime) { r.watchdogTimeout = d }
}

// WithStalenessWindow sets how old a checkpoint may be and still be restored
// on Init. Zero or negative disables the check and trusts any saved state.
func WithStalenessWindow(d time.Duration) Option {
	return func(r *Runtime) {
		r.staleness = d
		r.stalenessSet = true
	}
}

// WithSubscriberBuffer sets the per-subscriber channel capacity.
func WithSubscriberBuffer(n int) Option {
	return func(r *Runtime) { r.subBuffer = n }
}

// Runtime is the single owner of one logical conversation. Many producers
// call Prompt; one drain goroutine consumes the queue and runs exactly one
// turn at a time, so the queue itself is the synchronization primitive and
// two front-ends prompting simultaneously never interleave their turns.
//
// Construct with New and pass the instance to every adapter that needs it.
type Runtime struct {
	engine    Engine
	store     CheckpointStore
	compactor *Compactor
	logger    *slog.Logger
	tracer    Tracer

	sessionID       string
	systemPrompt    string
	watchdogTimeout time.Duration
	staleness       time.Duration
	stalenessSet    bool
	subBuffer       int

	initOnce sync.Once
	initErr  error

	mu           sync.Mutex
	queue        []queueItem
	busy         bool
	model        string
	continuation string
	history      []Message
	cancelTurn   context.CancelFunc
	subs         map[string]chan TaggedEvent
}

// New creates a Runtime for the given engine. The runtime is inert until
// Init is called and the first Prompt arrives.
func New(engine Engine, opts ...Option) *Runtime {
	r := &Runtime{
		engine:          engine,
		compactor:       NewCompactor(nil),
		logger:          nopLogger,
		sessionID:       "default",
		watchdogTimeout: defaultWatchdogTimeout,
		subBuffer:       defaultSubscriberBuffer,
		subs:            make(map[string]chan TaggedEvent),
	}
	for _, o := range opts {
		o(r)
	}
	if !r.stalenessSet {
		r.staleness = defaultStalenessWindow
	}
	r.compactor.Logger = r.logger
	r.compactor.Tracer = r.tracer
	return r
}

// Init validates configuration and seeds the session from a persisted
// checkpoint if one exists and is fresh. Idempotent: subsequent calls return
// the first result without re-running.
func (r *Runtime) Init(ctx context.Context) error {
	r.initOnce.Do(func() { r.initErr = r.restore(ctx) })
	return r.initErr
}

func (r *Runtime) restore(ctx context.Context) error {
	if r.engine == nil {
		return errors.New("relay: runtime requires an engine")
	}
	if r.store == nil {
		return nil
	}
	cp, ok, err := r.store.Load(ctx, r.sessionID)
	if err != nil {
		// Persistence problems cost restart continuity, never availability.
		r.logger.Warn("checkpoint load failed, starting fresh", "session", r.sessionID, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	if r.staleness > 0 {
		age := time.Duration(NowUnix()-cp.SavedAt) * time.Second
		if age > r.staleness {
			r.logger.Info("checkpoint stale, starting fresh",
				"session", r.sessionID, "age", age.String(), "window", r.staleness.String())
			return nil
		}
	}
	r.mu.Lock()
	r.continuation = cp.Continuation
	r.history = cp.Messages
	r.mu.Unlock()
	r.logger.Info("session restored",
		"session", r.sessionID, "messages", len(cp.Messages))
	return nil
}

// Prompt enqueues a request and returns immediately; the caller never blocks
// on turn completion. If no turn is running, the drain loop is started.
func (r *Runtime) Prompt(content string, src Source) {
	r.mu.Lock()
	r.queue = append(r.queue, queueItem{content: content, source: src})
	start := !r.busy
	if start {
		r.busy = true
	}
	depth := len(r.queue)
	r.mu.Unlock()

	r.logger.Debug("prompt queued", "source", src.ID, "internal", src.Internal, "queue_depth", depth)
	if start {
		go r.drain()
	}
}

// Subscribe registers a subscriber and returns its event channel plus an
// unsubscribe function. Every event of every turn is delivered to every
// subscriber, tagged with the Source of the turn that produced it. Delivery
// never blocks: a subscriber whose buffer is full loses events.
func (r *Runtime) Subscribe(id string) (<-chan TaggedEvent, func()) {
	ch := make(chan TaggedEvent, r.subBuffer)
	r.mu.Lock()
	r.subs[id] = ch
	r.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			// Closing under the same lock broadcast holds keeps sends and
			// close ordered; no send can hit a closed channel.
			r.mu.Lock()
			delete(r.subs, id)
			close(ch)
			r.mu.Unlock()
		})
	}
	return ch, unsubscribe
}

// Abort requests cancellation of the in-flight turn. Cooperative: the engine
// is signaled and may take a bounded time to stop; events already in flight
// are still delivered. No-op when no turn is running.
func (r *Runtime) Abort() {
	r.mu.Lock()
	cancel := r.cancelTurn
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ClearSession discards continuation state and the persisted checkpoint.
// Queued-but-not-started requests survive and will run against the fresh
// session.
func (r *Runtime) ClearSession(ctx context.Context) {
	r.mu.Lock()
	r.continuation = ""
	r.history = nil
	r.mu.Unlock()
	if r.store != nil {
		if err := r.store.Clear(ctx, r.sessionID); err != nil {
			r.logger.Warn("checkpoint clear failed", "session", r.sessionID, "error", err)
		}
	}
	r.logger.Info("session cleared", "session", r.sessionID)
}

// SetModel updates which model the next turn uses. A turn already in
// progress is unaffected.
func (r *Runtime) SetModel(id string) {
	r.mu.Lock()
	r.model = id
	r.mu.Unlock()
}

// drain pops one request at a time and runs it to completion. At most one
// drain goroutine exists (guarded by the busy flag), which is the single-flight
// invariant: no two turns are ever in flight for the same Runtime.
func (r *Runtime) drain() {
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.busy = false
			r.mu.Unlock()
			return
		}
		item := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		r.runTurn(item)
	}
}

// runTurn executes exactly one turn: compaction, the engine call with the
// watchdog armed, event fan-out, and checkpointing on success. It must never
// panic; an escaped panic would kill the drain goroutine and wedge the
// runtime for every future caller, so everything is caught here and converted
// to an error event.
func (r *Runtime) runTurn(item queueItem) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("turn panicked", "source", item.source.ID, "panic", p)
			r.broadcast(Event{Type: EventError, Message: fmt.Sprintf("internal error: %v", p)}, item.source)
		}
		r.mu.Lock()
		r.cancelTurn = nil
		r.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.mu.Lock()
	r.cancelTurn = cancel
	model := r.model
	cont := r.continuation
	history := r.history
	r.mu.Unlock()

	// Compact the stored history before the turn and write the result back.
	// Write-back is the idempotence invariant: if only the outgoing payload
	// shrank while the stored history kept growing, every future turn would
	// re-trigger compaction.
	if compacted, changed := r.compactor.MaybeCompact(ctx, history); changed {
		r.mu.Lock()
		r.history = compacted
		r.mu.Unlock()
		history = compacted
	}

	turnCtx := ctx
	var span Span
	if r.tracer != nil {
		turnCtx, span = r.tracer.Start(ctx, "session.turn",
			StringAttr("source", item.source.ID),
			BoolAttr("internal", item.source.Internal),
			StringAttr("model", model))
		defer span.End()
	}

	var timedOut atomic.Bool
	wd := newWatchdog(r.watchdogTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	wd.Arm()
	defer wd.Disarm()

	req := TurnRequest{
		Prompt:       item.content,
		Continuation: cont,
		SystemPrompt: r.turnSystemPrompt(),
		Model:        model,
		History:      history,
	}

	ch := make(chan Event, 64)
	var (
		text      strings.Builder
		toolParts []Part
		done      *Event
		sawError  bool
	)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range ch {
			wd.Reset()
			switch ev.Type {
			case EventTextDelta:
				text.WriteString(ev.Text)
			case EventToolStart:
				toolParts = append(toolParts, Part{Kind: PartToolCall, ToolName: ev.ToolName, ToolArgs: ev.ToolArgs})
			case EventToolEnd:
				toolParts = append(toolParts, Part{Kind: PartToolResult, ToolName: ev.ToolName, ToolResult: ev.ToolResult})
			case EventDone:
				e := ev
				done = &e
			case EventError:
				sawError = true
			}
			r.broadcast(ev, item.source)
		}
	}()

	runErr := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("engine panic: %v", p)
			}
		}()
		return r.engine.Run(turnCtx, req, ch)
	}()
	// The engine closes ch on every normal path; this guards a panicking or
	// misbehaving engine so the fan-out goroutine cannot leak.
	safeClose(ch)
	wg.Wait()
	wd.Disarm()

	switch {
	case timedOut.Load():
		terr := &ErrTurnTimeout{Silence: r.watchdogTimeout}
		r.logger.Warn("watchdog abort", "source", item.source.ID, "silence", r.watchdogTimeout.String())
		if span != nil {
			span.Error(terr)
		}
		r.broadcast(Event{Type: EventAborted, Reason: AbortTimeout, Message: terr.Error()}, item.source)
	case ctx.Err() != nil:
		// Explicit Abort. Events already in flight were delivered above.
		r.logger.Info("turn aborted", "source", item.source.ID)
		r.broadcast(Event{Type: EventAborted, Reason: AbortUser, Message: ErrAborted.Error()}, item.source)
	case runErr != nil:
		r.logger.Error("engine call failed", "source", item.source.ID, "error", runErr)
		if span != nil {
			span.Error(runErr)
		}
		r.broadcast(Event{Type: EventError, Message: runErr.Error()}, item.source)
	case sawError:
		// The error event was already delivered during the stream. End the
		// turn without persisting a partial state; the next queued request
		// proceeds regardless.
	case done != nil:
		r.completeTurn(item, text.String(), toolParts, done.Continuation)
	default:
		r.logger.Error("engine stream ended without terminal event", "source", item.source.ID)
		r.broadcast(Event{Type: EventError, Message: "engine stream ended without done"}, item.source)
	}
}

// completeTurn appends the turn's messages to the stored history, updates the
// continuation token, and checkpoints. Persistence failures are logged only:
// a session that cannot be checkpointed keeps working for the rest of the
// process lifetime and merely loses continuity across a restart.
func (r *Runtime) completeTurn(item queueItem, text string, toolParts []Part, continuation string) {
	assistant := Message{Role: RoleAssistant, Timestamp: NowUnix()}
	assistant.Parts = append(assistant.Parts, toolParts...)
	if text != "" {
		assistant.Parts = append(assistant.Parts, Part{Kind: PartText, Text: text})
	}

	r.mu.Lock()
	r.history = append(r.history, UserMessage(item.content), assistant)
	r.continuation = continuation
	history := r.history
	r.mu.Unlock()

	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), checkpointSaveTimeout)
	defer cancel()
	cp := Checkpoint{Continuation: continuation, Messages: history, SavedAt: NowUnix()}
	if err := r.store.Save(ctx, r.sessionID, cp); err != nil {
		r.logger.Warn("checkpoint save failed", "session", r.sessionID, "error", err)
	}
}

// broadcast delivers an event to every subscriber, tagged with the turn's
// source. Sends are non-blocking so a slow subscriber can never stall the
// engine stream; its events are dropped instead.
func (r *Runtime) broadcast(ev Event, src Source) {
	tagged := TaggedEvent{Event: ev, Source: src}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.subs {
		select {
		case ch <- tagged:
		default:
			r.logger.Debug("subscriber lagging, event dropped", "subscriber", id, "event", string(ev.Type))
		}
	}
}

// turnSystemPrompt combines the configured system prompt with the standing
// summary-marker instruction.
func (r *Runtime) turnSystemPrompt() string {
	if r.systemPrompt == "" {
		return SummaryNotice
	}
	return r.systemPrompt + "\n\n" + SummaryNotice
}

// safeClose closes ch, tolerating an engine that already closed it.
func safeClose(ch chan Event) {
	defer func() { _ = recover() }()
	close(ch)
}
