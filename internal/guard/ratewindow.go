package guard

import (
	"context"
	"sync"
	"time"
)

// RateWindow is a sliding window of request timestamps over a trailing
// interval. It is safe for concurrent use and prunes lazily on each check.
// Windows are not persisted; they rebuild fresh on process start.
type RateWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	stamps []time.Time
}

// NewRateWindow creates a window allowing limit requests per interval.
func NewRateWindow(limit int, window time.Duration) *RateWindow {
	return &RateWindow{
		limit:  limit,
		window: window,
		stamps: make([]time.Time, 0, limit),
	}
}

// prune drops timestamps older than the trailing window. Callers must hold mu.
func (w *RateWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// TryAdd records a request timestamp if the window has capacity. When the
// window is full it returns false and the duration until the oldest
// timestamp ages out.
func (w *RateWindow) TryAdd(now time.Time) (bool, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now)
	if len(w.stamps) >= w.limit {
		retryAfter := w.stamps[0].Add(w.window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter
	}

	w.stamps = append(w.stamps, now)
	return true, 0
}

// Wait blocks until the window has capacity, then records a timestamp.
// This absorbs pressure instead of rejecting; callers must not hold other
// locks while waiting.
func (w *RateWindow) Wait(ctx context.Context) error {
	for {
		ok, retryAfter := w.TryAdd(time.Now())
		if ok {
			return nil
		}

		timer := time.NewTimer(retryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Count returns the number of requests in the trailing window.
func (w *RateWindow) Count(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	return len(w.stamps)
}
