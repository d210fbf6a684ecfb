package session

import (
	"sync"
	"time"
)

// DefaultIdleTimeout reaps sessions with no activity for this long.
const DefaultIdleTimeout = 5 * time.Minute

// watchdog is a per-session inactivity timer. Reset pushes expiry
// back; Stop disarms it for good. All methods are nil-safe so disabled
// watchdogs need no special-casing.
type watchdog struct {
	mu      sync.Mutex
	timer   *time.Timer
	timeout time.Duration
	stopped bool
}

// newWatchdog arms a timer that calls expire after timeout. A
// non-positive timeout disables the watchdog entirely.
func newWatchdog(timeout time.Duration, expire func()) *watchdog {
	if timeout <= 0 {
		return nil
	}
	return &watchdog{
		timer:   time.AfterFunc(timeout, expire),
		timeout: timeout,
	}
}

func (w *watchdog) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.timer.Reset(w.timeout)
	}
}

func (w *watchdog) Stop() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.timer.Stop()
}
