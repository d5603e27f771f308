// Package guard wraps every outbound API call in a layered protection
// stack: adaptive throttling, per-credential and global sliding-window rate
// limits, a per-path circuit breaker, and classified retry with exponential
// backoff. It exists so a quota-limited, ban-sensitive API can be called
// thousands of times per run without tripping provider-side defenses.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/kolscope/kolscope/internal/metrics"
	"github.com/kolscope/kolscope/internal/models"
)

// CredentialSource supplies credentials and receives consumption and
// failure reports. Implemented by the quota pool.
type CredentialSource interface {
	// Acquire returns a usable credential of the category whose remaining
	// quota covers at least minCost, or a NoCredential guard error.
	Acquire(ctx context.Context, category models.CredentialCategory, minCost int64) (*models.Credential, error)

	// Release records units consumed by a successful call.
	Release(ctx context.Context, id int64, units int64)

	// MarkFailed puts a credential on cooldown (or deactivates it).
	MarkFailed(ctx context.Context, id int64, reason models.FailureReason)
}

// Call performs one outbound request with the supplied credential. The
// implementation must translate provider responses into guard error kinds.
type Call func(ctx context.Context, cred *models.Credential) error

// Config tunes one protection stack instance.
type Config struct {
	// Path names the protected call-path, e.g. "youtube" or "analysis".
	Path     string
	Category models.CredentialCategory

	MaxAttempts int
	CallTimeout time.Duration

	// MinUnitCost is the cheapest meaningful call on this path; acquisition
	// fails once every credential's remaining quota drops below it.
	MinUnitCost int64

	// Sliding-window ceilings over the trailing Window interval.
	PerCredentialLimit int
	GlobalLimit        int
	Window             time.Duration

	BreakerThreshold int
	BreakerCooldown  time.Duration

	// Same-credential backoff for too-many-requests signals.
	RateLimitBaseDelay time.Duration
	RateLimitMaxDelay  time.Duration

	// Randomized delay range for transient server errors.
	TransientMinDelay time.Duration
	TransientMaxDelay time.Duration

	// Jittered exponential delay between whole-stack attempts.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// BanPause briefly quiets the whole path after a suspected ban.
	BanPause time.Duration
}

// DefaultConfig returns the stack tuning used in production.
func DefaultConfig(path string, category models.CredentialCategory) Config {
	return Config{
		Path:               path,
		Category:           category,
		MaxAttempts:        5,
		CallTimeout:        30 * time.Second,
		MinUnitCost:        1,
		PerCredentialLimit: 30,
		GlobalLimit:        90,
		Window:             60 * time.Second,
		BreakerThreshold:   5,
		BreakerCooldown:    2 * time.Minute,
		RateLimitBaseDelay: 1 * time.Second,
		RateLimitMaxDelay:  5 * time.Minute,
		TransientMinDelay:  1 * time.Second,
		TransientMaxDelay:  3 * time.Second,
		RetryBaseDelay:     1 * time.Second,
		RetryMaxDelay:      30 * time.Second,
		BanPause:           30 * time.Second,
	}
}

// Stack composes the protection layers for one call-path. All collection
// workers on the path share a single Stack so the breaker, throttle, and
// windows observe the path's full traffic.
type Stack struct {
	cfg      Config
	pool     CredentialSource
	throttle *Throttle
	global   *RateWindow
	breaker  *Breaker
	logger   *slog.Logger
	metrics  *metrics.Collector

	credMu      sync.Mutex
	credWindows map[int64]*RateWindow

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewStack builds a protection stack over the given credential source.
// The metrics collector may be nil.
func NewStack(cfg Config, pool CredentialSource, mode models.RunMode, logger *slog.Logger, collector *metrics.Collector) *Stack {
	return &Stack{
		cfg:         cfg,
		pool:        pool,
		throttle:    NewThrottle(mode),
		global:      NewRateWindow(cfg.GlobalLimit, cfg.Window),
		breaker:     NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		logger:      logger,
		metrics:     collector,
		credWindows: make(map[int64]*RateWindow),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetThrottle replaces the adaptive throttle, used to narrow delay ranges.
func (s *Stack) SetThrottle(t *Throttle) {
	s.throttle = t
}

// credWindow returns the sliding window for one credential, creating it on
// first use. Windows rebuild empty on process start.
func (s *Stack) credWindow(id int64) *RateWindow {
	s.credMu.Lock()
	defer s.credMu.Unlock()

	w, ok := s.credWindows[id]
	if !ok {
		w = NewRateWindow(s.cfg.PerCredentialLimit, s.cfg.Window)
		s.credWindows[id] = w
	}
	return w
}

// Execute runs call through the full protection stack, consuming cost quota
// units from the acquired credential on success.
//
// Failure handling follows the call classification: rate-limit signals
// retry the same credential with exponential backoff; quota signals rotate
// to a fresh credential; transient server errors retry after a short random
// delay; suspected bans, open circuits, credential exhaustion, and
// unclassified errors propagate without further attempts. The whole layered
// attempt is retried up to MaxAttempts times.
func (s *Stack) Execute(ctx context.Context, cost int64, call Call) error {
	var cred *models.Credential
	var lastErr error

	rlDelay := s.cfg.RateLimitBaseDelay
	outerDelay := s.cfg.RetryBaseDelay

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := s.throttle.Wait(ctx); err != nil {
			return err
		}

		if cred == nil {
			c, err := s.pool.Acquire(ctx, s.cfg.Category, s.cfg.MinUnitCost)
			if err != nil {
				return err
			}
			cred = c
		}

		// Per-credential ceiling rejects without calling; the retry hint is
		// when the oldest stamp ages out of the window.
		ok, retryAfter := s.credWindow(cred.ID).TryAdd(time.Now())
		if !ok {
			lastErr = NewRateLimited(fmt.Errorf("credential %d at %d calls per %s", cred.ID, s.cfg.PerCredentialLimit, s.cfg.Window), retryAfter)
			if s.metrics != nil {
				s.metrics.IncRateLimitRejection(s.cfg.Path)
			}
			s.logger.Debug("per-credential window full",
				"path", s.cfg.Path,
				"credential_id", cred.ID,
				"retry_after", retryAfter)
			if err := sleepCtx(ctx, retryAfter); err != nil {
				return err
			}
			continue
		}

		// The global ceiling reflects shared infrastructure capacity, so it
		// blocks until capacity frees instead of rejecting. No pool locks
		// are held here; only this worker is suspended.
		if err := s.global.Wait(ctx); err != nil {
			return err
		}

		if err := s.breaker.Allow(time.Now()); err != nil {
			s.observeBreaker()
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		start := time.Now()
		err := call(callCtx, cred)
		cancel()

		if err == nil {
			s.breaker.RecordSuccess()
			s.throttle.Record(true)
			s.observeBreaker()
			s.pool.Release(ctx, cred.ID, cost)
			if s.metrics != nil {
				s.metrics.ObserveOutboundCall(s.cfg.Path, "success", time.Since(start).Seconds())
				s.metrics.AddQuotaUnits(string(s.cfg.Category), float64(cost))
			}
			return nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		kind := KindOf(err)
		lastErr = err
		s.breaker.RecordFailure(time.Now())
		s.throttle.Record(false)
		s.observeBreaker()
		if s.metrics != nil {
			s.metrics.ObserveOutboundCall(s.cfg.Path, string(kind), time.Since(start).Seconds())
		}

		s.logger.Warn("outbound call failed",
			"path", s.cfg.Path,
			"attempt", attempt,
			"kind", string(kind),
			"credential_id", cred.ID,
			"error", err)

		switch kind {
		case KindRateLimited:
			// Often self-resolving per credential, so keep the credential
			// and back off exponentially.
			delay := RetryAfterOf(err)
			if delay <= 0 {
				delay = rlDelay
			}
			rlDelay *= 2
			if rlDelay > s.cfg.RateLimitMaxDelay {
				rlDelay = s.cfg.RateLimitMaxDelay
			}
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}

		case KindQuotaExceeded:
			s.pool.MarkFailed(ctx, cred.ID, models.FailureQuotaExceeded)
			cred = nil
			if err := sleepCtx(ctx, s.jittered(outerDelay)); err != nil {
				return err
			}
			outerDelay *= 2
			if outerDelay > s.cfg.RetryMaxDelay {
				outerDelay = s.cfg.RetryMaxDelay
			}

		case KindSuspectedBan:
			s.pool.MarkFailed(ctx, cred.ID, models.FailureSuspectedBan)
			s.logger.Error("suspected ban, pausing path",
				"path", s.cfg.Path,
				"credential_id", cred.ID,
				"pause", s.cfg.BanPause)
			if pauseErr := sleepCtx(ctx, s.cfg.BanPause); pauseErr != nil {
				return pauseErr
			}
			return err

		case KindTransient:
			if err := sleepCtx(ctx, s.transientDelay()); err != nil {
				return err
			}

		default:
			return err
		}
	}

	return fmt.Errorf("attempts exhausted on path %s (%d): %w", s.cfg.Path, s.cfg.MaxAttempts, lastErr)
}

// BreakerState exposes the path's circuit position.
func (s *Stack) BreakerState() BreakerState {
	return s.breaker.State()
}

func (s *Stack) observeBreaker() {
	if s.metrics != nil {
		s.metrics.SetBreakerState(s.cfg.Path, string(s.breaker.State()))
	}
}

// transientDelay draws a random delay in the configured 1-3s range.
func (s *Stack) transientDelay() time.Duration {
	span := s.cfg.TransientMaxDelay - s.cfg.TransientMinDelay
	if span <= 0 {
		return s.cfg.TransientMinDelay
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.cfg.TransientMinDelay + time.Duration(s.rng.Int63n(int64(span)))
}

// jittered adds up to 50% random jitter on top of a base delay.
func (s *Stack) jittered(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return base + time.Duration(s.rng.Int63n(int64(base)/2+1))
}
