package guard

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState is the circuit breaker's current position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Breaker is a circuit breaker guarding one call-path. There is one breaker
// per path, not per credential: credential rotation already isolates
// individual key failures, the breaker protects the path itself.
//
// Closed -> Open after threshold consecutive failures. Open -> HalfOpen once
// the cooldown elapses, admitting exactly one trial call. A half-open
// success closes the circuit; any failure reopens it.
type Breaker struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
	trialActive bool

	threshold int
	cooldown  time.Duration
}

// NewBreaker creates a closed breaker that opens after threshold consecutive
// failures and cools down for the given duration.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		state:     BreakerClosed,
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Allow reports whether a call may proceed. It returns a CircuitOpen error
// while the circuit is open and the cooldown has not elapsed, and admits a
// single trial call once it has.
func (b *Breaker) Allow(now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if now.Sub(b.lastFailure) < b.cooldown {
			return NewError(KindCircuitOpen, fmt.Errorf("circuit open, cooling down until %s",
				b.lastFailure.Add(b.cooldown).Format(time.RFC3339)))
		}
		b.state = BreakerHalfOpen
		b.trialActive = true
		return nil
	case BreakerHalfOpen:
		if b.trialActive {
			return NewError(KindCircuitOpen, fmt.Errorf("circuit half-open, trial call in flight"))
		}
		b.trialActive = true
		return nil
	}
	return nil
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.trialActive = false
	b.state = BreakerClosed
}

// RecordFailure counts a consecutive failure, opening the circuit at the
// threshold. Any half-open failure reopens immediately.
func (b *Breaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = now
	b.trialActive = false

	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		b.state = BreakerOpen
	}
}

// State returns the breaker's current position.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
