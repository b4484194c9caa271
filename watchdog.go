package relay

import (
	"sync"
	"time"
)

// watchdog detects engine streams that go silent without failing cleanly.
// A single timer is armed at turn start and reset on every progress event,
// so a turn that runs for a long time while continuously producing events is
// never killed, but one whose transport has silently died fires the timeout
// after a bounded window of silence. This is deliberately not an overall
// deadline.
type watchdog struct {
	timeout   time.Duration
	onTimeout func()

	mu    sync.Mutex
	timer *time.Timer
	fired bool
}

// newWatchdog creates a disarmed watchdog. onTimeout runs on the timer
// goroutine at most once per Arm.
func newWatchdog(timeout time.Duration, onTimeout func()) *watchdog {
	return &watchdog{timeout: timeout, onTimeout: onTimeout}
}

// Arm starts the silence timer. Arming an already-armed watchdog restarts it
// and clears the fired state.
func (w *watchdog) Arm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.fired = false
	w.timer = time.AfterFunc(w.timeout, w.fire)
}

// Reset restarts the silence window. Called on every event observed from the
// engine. No-op when disarmed or already fired.
func (w *watchdog) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer == nil || w.fired {
		return
	}
	w.timer.Stop()
	w.timer = time.AfterFunc(w.timeout, w.fire)
}

// Disarm stops the timer. Safe to call multiple times and concurrently with
// an expiring timer.
func (w *watchdog) Disarm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *watchdog) fire() {
	w.mu.Lock()
	if w.timer == nil || w.fired {
		w.mu.Unlock()
		return
	}
	w.fired = true
	w.mu.Unlock()
	w.onTimeout()
}
