package guard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kolscope/kolscope/internal/models"
)

// fakePool is an in-memory CredentialSource tracking what the stack did
// with each credential.
type fakePool struct {
	mu       sync.Mutex
	creds    []*models.Credential
	released map[int64]int64
	failed   map[int64]models.FailureReason
	acquires int
}

func newFakePool(creds ...*models.Credential) *fakePool {
	return &fakePool{
		creds:    creds,
		released: make(map[int64]int64),
		failed:   make(map[int64]models.FailureReason),
	}
}

func (p *fakePool) Acquire(ctx context.Context, category models.CredentialCategory, minCost int64) (*models.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquires++
	for _, c := range p.creds {
		if c.Category != category || !c.Active {
			continue
		}
		if c.Remaining() < minCost {
			continue
		}
		cp := *c
		return &cp, nil
	}
	return nil, NewError(KindNoCredential, fmt.Errorf("no %s credential available", category))
}

func (p *fakePool) Release(ctx context.Context, id int64, units int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released[id] += units
	for _, c := range p.creds {
		if c.ID == id {
			c.UsedQuota += units
		}
	}
}

func (p *fakePool) MarkFailed(ctx context.Context, id int64, reason models.FailureReason) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed[id] = reason
	for _, c := range p.creds {
		if c.ID != id {
			continue
		}
		switch reason {
		case models.FailureQuotaExceeded:
			c.UsedQuota = c.DailyQuota
		case models.FailureSuspectedBan:
			c.Active = false
		}
	}
}

func ytCred(id int64, quota int64) *models.Credential {
	return &models.Credential{
		ID:         id,
		Key:        fmt.Sprintf("key-%d", id),
		Category:   models.CategoryYouTube,
		DailyQuota: quota,
		Active:     true,
	}
}

// testConfig keeps every delay small so retries do not slow the suite.
func testConfig() Config {
	return Config{
		Path:               "youtube",
		Category:           models.CategoryYouTube,
		MaxAttempts:        5,
		CallTimeout:        time.Second,
		MinUnitCost:        1,
		PerCredentialLimit: 100,
		GlobalLimit:        1000,
		Window:             time.Second,
		BreakerThreshold:   5,
		BreakerCooldown:    time.Minute,
		RateLimitBaseDelay: time.Millisecond,
		RateLimitMaxDelay:  5 * time.Millisecond,
		TransientMinDelay:  time.Millisecond,
		TransientMaxDelay:  2 * time.Millisecond,
		RetryBaseDelay:     time.Millisecond,
		RetryMaxDelay:      5 * time.Millisecond,
		BanPause:           time.Millisecond,
	}
}

func testStack(cfg Config, pool CredentialSource) *Stack {
	s := NewStack(cfg, pool, models.ModeAccelerated, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	s.SetThrottle(NewThrottleWithRange(0, 0))
	return s
}

func TestExecuteSuccessConsumesQuota(t *testing.T) {
	pool := newFakePool(ytCred(1, 10000))
	s := testStack(testConfig(), pool)

	calls := 0
	err := s.Execute(context.Background(), 100, func(ctx context.Context, cred *models.Credential) error {
		calls++
		if cred.Key != "key-1" {
			t.Fatalf("unexpected credential key %q", cred.Key)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("call invoked %d times, want 1", calls)
	}
	if pool.released[1] != 100 {
		t.Fatalf("released %d units, want 100", pool.released[1])
	}
}

func TestExecuteRateLimitedRetriesSameCredential(t *testing.T) {
	pool := newFakePool(ytCred(1, 10000))
	s := testStack(testConfig(), pool)

	calls := 0
	err := s.Execute(context.Background(), 1, func(ctx context.Context, cred *models.Credential) error {
		calls++
		if calls < 3 {
			return NewRateLimited(errors.New("too many requests"), 0)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("call invoked %d times, want 3", calls)
	}
	// Rate limits keep the credential; one acquisition serves all attempts.
	if pool.acquires != 1 {
		t.Fatalf("acquired %d times, want 1", pool.acquires)
	}
	if _, marked := pool.failed[1]; marked {
		t.Fatal("rate-limited credential must not be marked failed")
	}
}

func TestExecuteQuotaExceededRotatesCredential(t *testing.T) {
	pool := newFakePool(ytCred(1, 10000), ytCred(2, 10000))
	s := testStack(testConfig(), pool)

	var usedKeys []string
	err := s.Execute(context.Background(), 1, func(ctx context.Context, cred *models.Credential) error {
		usedKeys = append(usedKeys, cred.Key)
		if cred.ID == 1 {
			return NewError(KindQuotaExceeded, errors.New("daily limit exceeded"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if len(usedKeys) != 2 || usedKeys[0] != "key-1" || usedKeys[1] != "key-2" {
		t.Fatalf("used keys %v, want [key-1 key-2]", usedKeys)
	}
	if pool.failed[1] != models.FailureQuotaExceeded {
		t.Fatalf("credential 1 failure = %q, want quota_exceeded", pool.failed[1])
	}
}

func TestExecuteSuspectedBanPropagatesWithoutRetry(t *testing.T) {
	pool := newFakePool(ytCred(1, 10000))
	s := testStack(testConfig(), pool)

	calls := 0
	err := s.Execute(context.Background(), 1, func(ctx context.Context, cred *models.Credential) error {
		calls++
		return NewError(KindSuspectedBan, errors.New("account suspended"))
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if KindOf(err) != KindSuspectedBan {
		t.Fatalf("kind = %s, want %s", KindOf(err), KindSuspectedBan)
	}
	if calls != 1 {
		t.Fatalf("call invoked %d times, want 1", calls)
	}
	if pool.failed[1] != models.FailureSuspectedBan {
		t.Fatalf("credential 1 failure = %q, want suspected_ban", pool.failed[1])
	}
}

func TestExecuteUnclassifiedPropagatesImmediately(t *testing.T) {
	pool := newFakePool(ytCred(1, 10000))
	s := testStack(testConfig(), pool)

	boom := errors.New("malformed response")
	calls := 0
	err := s.Execute(context.Background(), 1, func(ctx context.Context, cred *models.Credential) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
	if calls != 1 {
		t.Fatalf("call invoked %d times, want 1", calls)
	}
}

func TestExecuteTransientExhaustsAttempts(t *testing.T) {
	pool := newFakePool(ytCred(1, 10000))
	cfg := testConfig()
	s := testStack(cfg, pool)

	calls := 0
	err := s.Execute(context.Background(), 1, func(ctx context.Context, cred *models.Credential) error {
		calls++
		return NewError(KindTransient, errors.New("503 backend error"))
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != cfg.MaxAttempts {
		t.Fatalf("call invoked %d times, want %d", calls, cfg.MaxAttempts)
	}
	if !strings.Contains(err.Error(), "attempts exhausted") {
		t.Fatalf("err = %v, want attempts-exhausted wrap", err)
	}
	if KindOf(err) != KindTransient {
		t.Fatalf("kind = %s, want %s preserved through wrap", KindOf(err), KindTransient)
	}
}

func TestExecuteCircuitOpenFailsFast(t *testing.T) {
	pool := newFakePool(ytCred(1, 10000))
	cfg := testConfig()
	s := testStack(cfg, pool)

	// Exhaust one Execute with transient failures; that records
	// BreakerThreshold consecutive failures and opens the circuit.
	_ = s.Execute(context.Background(), 1, func(ctx context.Context, cred *models.Credential) error {
		return NewError(KindTransient, errors.New("503"))
	})
	if s.BreakerState() != BreakerOpen {
		t.Fatalf("breaker state = %s, want open", s.BreakerState())
	}

	calls := 0
	err := s.Execute(context.Background(), 1, func(ctx context.Context, cred *models.Credential) error {
		calls++
		return nil
	})
	if KindOf(err) != KindCircuitOpen {
		t.Fatalf("kind = %s, want %s", KindOf(err), KindCircuitOpen)
	}
	if calls != 0 {
		t.Fatalf("call invoked %d times while circuit open, want 0", calls)
	}
}

func TestExecutePerCredentialWindowDefersCall(t *testing.T) {
	pool := newFakePool(ytCred(1, 10000))
	cfg := testConfig()
	cfg.PerCredentialLimit = 1
	cfg.Window = 20 * time.Millisecond
	s := testStack(cfg, pool)

	for i := 0; i < 2; i++ {
		err := s.Execute(context.Background(), 1, func(ctx context.Context, cred *models.Credential) error {
			return nil
		})
		if err != nil {
			t.Fatalf("Execute %d returned error: %v", i, err)
		}
	}
	// The second call had to wait for the window to slide, not fail.
	if pool.released[1] != 2 {
		t.Fatalf("released %d units, want 2", pool.released[1])
	}
}

func TestExecuteCredentialExhaustionSurfacesNoCredential(t *testing.T) {
	// Both credentials hit their provider-side quota; rotation runs out of
	// candidates and the category is reported exhausted.
	pool := newFakePool(ytCred(1, 10000), ytCred(2, 10000))
	s := testStack(testConfig(), pool)

	err := s.Execute(context.Background(), 100, func(ctx context.Context, cred *models.Credential) error {
		return NewError(KindQuotaExceeded, errors.New("daily limit exceeded"))
	})
	if KindOf(err) != KindNoCredential {
		t.Fatalf("kind = %s, want %s", KindOf(err), KindNoCredential)
	}
	if pool.failed[1] != models.FailureQuotaExceeded || pool.failed[2] != models.FailureQuotaExceeded {
		t.Fatalf("failures = %v, want both credentials quota_exceeded", pool.failed)
	}
}

func TestExecuteHonorsContextCancellation(t *testing.T) {
	pool := newFakePool(ytCred(1, 10000))
	s := testStack(testConfig(), pool)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Execute(ctx, 1, func(ctx context.Context, cred *models.Credential) error {
		t.Fatal("call must not run with cancelled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
