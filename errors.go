package relay

import (
	"errors"
	"fmt"
	"time"
)

// ErrEngine reports a failure from the external engine.
type ErrEngine struct {
	Op      string // which call failed: "turn", "summarize", "task", "collect"
	Message string
}

func (e *ErrEngine) Error() string {
	return fmt.Sprintf("engine %s: %s", e.Op, e.Message)
}

// ErrTurnTimeout reports a turn aborted by the inactivity watchdog.
type ErrTurnTimeout struct {
	Silence time.Duration
}

func (e *ErrTurnTimeout) Error() string {
	return fmt.Sprintf("no progress for %s, turn aborted", e.Silence)
}

// ErrAborted signals a turn cancelled by an explicit Abort call.
var ErrAborted = errors.New("turn aborted")
