package guard

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/kolscope/kolscope/internal/models"
)

// throttleHistory is how many recent call outcomes feed the adaptive delay.
const throttleHistory = 20

// minSampleForAdaptive: the error rate only widens delays once at least this
// many calls have been observed on the path.
const minSampleForAdaptive = 10

// Throttle inserts a randomized pre-call delay to avoid synchronized request
// bursts. The delay range depends on the run mode and widens automatically
// when the recent error rate on the path climbs.
type Throttle struct {
	mu       sync.Mutex
	minDelay time.Duration
	maxDelay time.Duration
	outcomes []bool // ring of recent call results, true = success
	next     int
	filled   bool
	rng      *rand.Rand
}

// NewThrottle builds a throttle for the given run mode. Conservative mode
// uses a wider range with a longer mean delay.
func NewThrottle(mode models.RunMode) *Throttle {
	minDelay, maxDelay := 1500*time.Millisecond, 4*time.Second
	if mode == models.ModeAccelerated {
		minDelay, maxDelay = 300*time.Millisecond, 1*time.Second
	}
	return NewThrottleWithRange(minDelay, maxDelay)
}

// NewThrottleWithRange builds a throttle with an explicit delay range.
func NewThrottleWithRange(minDelay, maxDelay time.Duration) *Throttle {
	return &Throttle{
		minDelay: minDelay,
		maxDelay: maxDelay,
		outcomes: make([]bool, throttleHistory),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Record feeds a call outcome into the error-rate window.
func (t *Throttle) Record(success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.outcomes[t.next] = success
	t.next++
	if t.next == len(t.outcomes) {
		t.next = 0
		t.filled = true
	}
}

// errorRate returns the failure ratio over the recent window and the number
// of observed calls. Callers must hold mu.
func (t *Throttle) errorRate() (float64, int) {
	n := t.next
	if t.filled {
		n = len(t.outcomes)
	}
	if n == 0 {
		return 0, 0
	}
	failures := 0
	for i := 0; i < n; i++ {
		if !t.outcomes[i] {
			failures++
		}
	}
	return float64(failures) / float64(n), n
}

// Delay draws the next pre-call delay: a random duration in the configured
// range plus jitter, widened 2x when the recent error rate exceeds 10% and
// 1.5x above 5%.
func (t *Throttle) Delay() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	span := t.maxDelay - t.minDelay
	d := t.minDelay
	if span > 0 {
		d += time.Duration(t.rng.Int63n(int64(span)))
	}

	rate, n := t.errorRate()
	if n >= minSampleForAdaptive {
		switch {
		case rate > 0.10:
			d *= 2
		case rate > 0.05:
			d = d * 3 / 2
		}
	}

	// small jitter on top, up to 10% of the drawn delay
	if d > 0 {
		d += time.Duration(t.rng.Int63n(int64(d)/10 + 1))
	}
	return d
}

// Wait sleeps for the next adaptive delay, honoring context cancellation.
func (t *Throttle) Wait(ctx context.Context) error {
	return sleepCtx(ctx, t.Delay())
}

// sleepCtx sleeps for d unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
