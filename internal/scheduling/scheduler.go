// Package scheduling polls the task store for due scheduled tasks and runs
// each one as an isolated engine turn. A failing task is reported and
// rescheduled; it never affects the session runtime or other tasks.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	relay "github.com/nevindra/relay"
	"github.com/nevindra/relay/schedule"
)

// defaultInterval is the polling cadence when none is configured.
const defaultInterval = 30 * time.Second

// TaskStore is the slice of the store the scheduler needs. store/sqlite
// satisfies it.
type TaskStore interface {
	DueTasks(ctx context.Context, now int64) ([]relay.ScheduledTask, error)
	UpdateTask(ctx context.Context, task relay.ScheduledTask) error
	SetTaskEnabled(ctx context.Context, id string, enabled bool) error
}

// TaskMetrics receives one record per task execution. observer.Instruments
// satisfies it.
type TaskMetrics interface {
	RecordTaskRun(ctx context.Context, ok bool, d time.Duration)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the polling interval. Default: 30 seconds.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithTZOffset sets the UTC offset in whole hours used for next-run
// computation. Default: 0 (UTC).
func WithTZOffset(hours int) Option {
	return func(s *Scheduler) { s.tzOffset = hours }
}

// WithLogger sets the structured logger. Default: discard.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTracer sets the tracer used to wrap each task run in a span.
// Default: no tracing.
func WithTracer(t relay.Tracer) Option {
	return func(s *Scheduler) { s.tracer = t }
}

// WithMetrics sets the sink for per-run metrics. Default: no metrics.
func WithMetrics(m TaskMetrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler executes due scheduled tasks against an engine and forwards
// notable output to a notifier. Create with New, then call Start.
type Scheduler struct {
	store    TaskStore
	engine   relay.Engine
	notifier relay.Notifier
	interval time.Duration
	tzOffset int
	logger   *slog.Logger
	tracer   relay.Tracer
	metrics  TaskMetrics
	now      func() int64
}

// New creates a Scheduler. notifier may be nil, in which case task output is
// only logged.
func New(store TaskStore, engine relay.Engine, notifier relay.Notifier, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		engine:   engine,
		notifier: notifier,
		interval: defaultInterval,
		logger:   nopLogger,
		now:      func() int64 { return time.Now().Unix() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the polling loop. It ticks once immediately, then every
// interval, and blocks until ctx is cancelled. Returns nil on shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.interval.String())
	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-time.After(s.interval):
		}
	}
}

// tick performs one poll cycle: fetch due tasks and run each sequentially.
func (s *Scheduler) tick(ctx context.Context) {
	due, err := s.store.DueTasks(ctx, s.now())
	if err != nil {
		s.logger.Error("scheduler: fetching due tasks failed", "error", err)
		return
	}
	for _, task := range due {
		if ctx.Err() != nil {
			return
		}
		s.runOne(ctx, task)
	}
}

// runOne executes a single due task. The next run is persisted before the
// engine call so a slow task cannot fire twice, and "once" tasks are
// disabled up front for the same reason.
func (s *Scheduler) runOne(ctx context.Context, task relay.ScheduledTask) {
	start := time.Now()
	s.logger.Info("scheduled task starting", "id", task.ID, "description", task.Description)

	sched, err := schedule.Parse(task.Schedule)
	if err != nil {
		// A stored schedule that no longer parses would fire on every
		// tick. Disable it rather than loop.
		s.logger.Error("scheduled task has invalid schedule, disabling",
			"id", task.ID, "schedule", task.Schedule, "error", err)
		if derr := s.store.SetTaskEnabled(ctx, task.ID, false); derr != nil {
			s.logger.Error("scheduler: disabling task failed", "id", task.ID, "error", derr)
		}
		return
	}

	if sched.Repeats() {
		task.NextRun = sched.NextRun(s.now(), s.tzOffset)
		if uerr := s.store.UpdateTask(ctx, task); uerr != nil {
			// Still run: firing twice beats silently skipping.
			s.logger.Error("scheduler: updating next_run failed", "id", task.ID, "error", uerr)
		}
	} else {
		if derr := s.store.SetTaskEnabled(ctx, task.ID, false); derr != nil {
			s.logger.Error("scheduler: disabling once task failed", "id", task.ID, "error", derr)
		}
	}

	runCtx := ctx
	var span relay.Span
	if s.tracer != nil {
		runCtx, span = s.tracer.Start(ctx, "scheduler.task",
			relay.StringAttr("task_id", task.ID),
			relay.StringAttr("schedule", task.Schedule))
	}

	res := relay.RunTask(runCtx, s.engine, relay.TaskSpec{
		Prompt:       task.Prompt,
		SystemPrompt: task.SystemPrompt,
	}, s.logger)

	if span != nil {
		span.SetAttr(relay.BoolAttr("success", res.Success))
		span.End()
	}
	if s.metrics != nil {
		s.metrics.RecordTaskRun(ctx, res.Success, time.Since(start))
	}

	if relay.ShouldNotify(task.NotifyMode, res.Success, res.Output) {
		s.notify(ctx, task, res)
	}

	attrs := []any{
		"id", task.ID,
		"success", res.Success,
		"duration", time.Since(start).String(),
	}
	if sched.Repeats() {
		attrs = append(attrs, "next_run", schedule.FormatLocalTime(task.NextRun, s.tzOffset))
	}
	s.logger.Info("scheduled task done", attrs...)
}

// notify forwards a task outcome to the notifier, prefixed with the task
// description so the recipient can tell reports apart.
func (s *Scheduler) notify(ctx context.Context, task relay.ScheduledTask, res relay.TaskResult) {
	if s.notifier == nil || task.ChatID == "" {
		s.logger.Warn("scheduled task output dropped, no notifier",
			"id", task.ID, "success", res.Success)
		return
	}
	msg := fmt.Sprintf("**%s**\n\n%s", task.Description, res.Output)
	if err := s.notifier.Send(ctx, task.ChatID, msg); err != nil {
		s.logger.Error("scheduler: notification failed", "id", task.ID, "error", err)
	}
}

// nopLogger discards all output. Used as the fallback so loggers are never nil.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
