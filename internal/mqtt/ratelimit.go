package mqtt

import (
	"log/slog"
	"sync"
	"time"
)

// wakeThrottle admits at most limit wake messages per window. A
// non-positive limit admits everything.
type wakeThrottle struct {
	limit  int
	window time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	started time.Time
	seen    int
	dropped int
}

func newWakeThrottle(limit int, window time.Duration, logger *slog.Logger) *wakeThrottle {
	return &wakeThrottle{limit: limit, window: window, now: time.Now, logger: logger}
}

// allow counts one message and reports whether it fits in the current
// window. Drops are logged once, when the window closes.
func (w *wakeThrottle) allow() bool {
	if w.limit <= 0 {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if w.started.IsZero() || now.Sub(w.started) >= w.window {
		if w.dropped > 0 {
			w.logger.Warn("wake messages dropped",
				"received", w.seen, "dropped", w.dropped, "limit", w.limit, "window", w.window)
		}
		w.started, w.seen, w.dropped = now, 0, 0
	}
	w.seen++
	if w.seen > w.limit {
		w.dropped++
		return false
	}
	return true
}
