package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// defaultTaskTimeout is the silence window for isolated task turns.
const defaultTaskTimeout = 5 * time.Minute

// TaskSpec describes one isolated task invocation.
type TaskSpec struct {
	// Prompt is the task instruction.
	Prompt string
	// SystemPrompt is the standing instruction for this task only.
	SystemPrompt string
	// Model selects the serving model. Empty = engine default.
	Model string
	// Timeout is the watchdog silence window. <= 0 uses the default.
	Timeout time.Duration
}

// TaskResult is the outcome of one isolated task invocation.
type TaskResult struct {
	Success bool
	Output  string
}

// RunTask executes one throwaway turn against the engine: no queue, no shared
// history, no subscribers, no persistence. Used once per scheduled invocation,
// so a failure inside one task can never leak into the next. Panics and engine
// errors are caught here and reported through TaskResult.
func RunTask(ctx context.Context, engine Engine, spec TaskSpec, logger *slog.Logger) (res TaskResult) {
	if logger == nil {
		logger = nopLogger
	}
	defer func() {
		if p := recover(); p != nil {
			logger.Error("task panicked", "panic", p)
			res = TaskResult{Output: fmt.Sprintf("internal error: %v", p)}
		}
	}()

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var timedOut atomic.Bool
	wd := newWatchdog(timeout, func() {
		timedOut.Store(true)
		cancel()
	})
	wd.Arm()
	defer wd.Disarm()

	req := TurnRequest{
		Prompt:       spec.Prompt,
		SystemPrompt: spec.SystemPrompt,
		Model:        spec.Model,
	}

	ch := make(chan Event, 64)
	var (
		text   strings.Builder
		errMsg string
		done   bool
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
			case EventError:
				errMsg = ev.Message
			case EventDone:
				done = true
			}
		}
	}()

	runErr := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("engine panic: %v", p)
			}
		}()
		return engine.Run(ctx, req, ch)
	}()
	safeClose(ch)
	wg.Wait()
	wd.Disarm()

	switch {
	case timedOut.Load():
		terr := &ErrTurnTimeout{Silence: timeout}
		logger.Warn("task watchdog abort", "silence", timeout.String())
		return TaskResult{Output: terr.Error()}
	case runErr != nil:
		logger.Error("task engine call failed", "error", runErr)
		return TaskResult{Output: runErr.Error()}
	case errMsg != "":
		return TaskResult{Output: errMsg}
	case !done:
		return TaskResult{Output: "engine stream ended without done"}
	}
	return TaskResult{Success: true, Output: text.String()}
}

// NotifyMode selects when a scheduled task's output is forwarded to the
// notification side-channel.
type NotifyMode string

const (
	NotifyAlways  NotifyMode = "always"
	NotifyNever   NotifyMode = "never"
	NotifyOnIssue NotifyMode = "on_issue"
)

// problemKeywords are the case-insensitive substrings that mark a successful
// task's output as worth notifying about under NotifyOnIssue.
var problemKeywords = []string{
	"error",
	"fail",
	"warning",
	"critical",
	"unable",
	"denied",
	"exceeded",
	"timed out",
	"timeout",
}

// ShouldNotify applies the notification policy to a task outcome. Unknown
// modes behave like on_issue, the conservative default.
func ShouldNotify(mode NotifyMode, success bool, output string) bool {
	switch mode {
	case NotifyAlways:
		return true
	case NotifyNever:
		return false
	}
	if !success {
		return true
	}
	lower := strings.ToLower(output)
	for _, kw := range problemKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// ScheduledTask is one recurring task record the scheduler executes via
// RunTask. Stored by store/sqlite.
type ScheduledTask struct {
	ID           string
	Description  string
	Prompt       string
	SystemPrompt string
	// Schedule is a schedule string, e.g. "07:30 daily" or "09:00 weekly(monday)".
	Schedule   string
	NotifyMode NotifyMode
	// ChatID is the notification recipient.
	ChatID  string
	NextRun int64
	Enabled bool
}
