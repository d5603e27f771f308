package quota

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kolscope/kolscope/internal/guard"
	"github.com/kolscope/kolscope/internal/models"
)

// fakeStore is an in-memory Store recording persistence calls.
type fakeStore struct {
	mu           sync.Mutex
	creds        []models.Credential
	quotaUpdates int
}

func (s *fakeStore) List(ctx context.Context) ([]models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Credential, len(s.creds))
	copy(out, s.creds)
	return out, nil
}

func (s *fakeStore) UpdateQuota(ctx context.Context, id int64, usedQuota int64, lastResetDate string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotaUpdates++
	for i := range s.creds {
		if s.creds[i].ID == id {
			s.creds[i].UsedQuota = usedQuota
			s.creds[i].LastResetDate = lastResetDate
		}
	}
	return nil
}

func (s *fakeStore) SetActive(ctx context.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.creds {
		if s.creds[i].ID == id {
			s.creds[i].Active = active
		}
	}
	return nil
}

func testPool(t *testing.T, creds ...models.Credential) (*Pool, *fakeStore) {
	t.Helper()
	store := &fakeStore{creds: creds}
	pool := NewPool(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := pool.Load(context.Background()); err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	return pool, store
}

func cred(id int64, priority int, used, quota int64) models.Credential {
	return models.Credential{
		ID:            id,
		Key:           "key",
		Category:      models.CategoryYouTube,
		DailyQuota:    quota,
		UsedQuota:     used,
		LastResetDate: utcDate(time.Now()),
		Active:        true,
		Priority:      priority,
	}
}

func TestAcquirePrefersPriorityThenLeastConsumed(t *testing.T) {
	pool, _ := testPool(t,
		cred(1, 0, 100, 10000),
		cred(2, 5, 9000, 10000),
		cred(3, 5, 200, 10000),
	)

	got, err := pool.Acquire(context.Background(), models.CategoryYouTube, 1)
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	// Priority 5 beats priority 0; among equals the least-consumed wins.
	if got.ID != 3 {
		t.Fatalf("acquired credential %d, want 3", got.ID)
	}
}

func TestAcquireSkipsExhaustedAndInactive(t *testing.T) {
	pool, _ := testPool(t,
		cred(1, 0, 9950, 10000),
		func() models.Credential {
			c := cred(2, 0, 0, 10000)
			c.Active = false
			return c
		}(),
	)

	// Credential 1 has 50 units left; a 100-unit call cannot use it.
	_, err := pool.Acquire(context.Background(), models.CategoryYouTube, 100)
	if guard.KindOf(err) != guard.KindNoCredential {
		t.Fatalf("kind = %s, want %s", guard.KindOf(err), guard.KindNoCredential)
	}

	// A cheap call still fits.
	got, err := pool.Acquire(context.Background(), models.CategoryYouTube, 50)
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	if got.ID != 1 {
		t.Fatalf("acquired credential %d, want 1", got.ID)
	}
}

func TestAcquireWrongCategoryExcluded(t *testing.T) {
	c := cred(1, 0, 0, 10000)
	c.Category = models.CategoryAnalysis
	pool, _ := testPool(t, c)

	_, err := pool.Acquire(context.Background(), models.CategoryYouTube, 1)
	if guard.KindOf(err) != guard.KindNoCredential {
		t.Fatalf("kind = %s, want %s", guard.KindOf(err), guard.KindNoCredential)
	}
}

func TestDailyResetIsLazyAndIdempotent(t *testing.T) {
	stale := cred(1, 0, 9999, 10000)
	stale.LastResetDate = "2020-01-01"
	pool, store := testPool(t, stale)

	got, err := pool.Acquire(context.Background(), models.CategoryYouTube, 100)
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	if got.UsedQuota != 0 {
		t.Fatalf("UsedQuota = %d after stale reset, want 0", got.UsedQuota)
	}
	if got.LastResetDate != utcDate(time.Now()) {
		t.Fatalf("LastResetDate = %q, want today", got.LastResetDate)
	}

	updatesAfterFirst := store.quotaUpdates
	// A second acquisition the same day must not reset again.
	if _, err := pool.Acquire(context.Background(), models.CategoryYouTube, 100); err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	if store.quotaUpdates != updatesAfterFirst {
		t.Fatalf("reset persisted %d extra times within the same day", store.quotaUpdates-updatesAfterFirst)
	}
}

func TestReleasePersistsConsumption(t *testing.T) {
	pool, store := testPool(t, cred(1, 0, 0, 10000))

	pool.Release(context.Background(), 1, 100)
	pool.Release(context.Background(), 1, 2)

	snap := pool.Snapshot()
	if snap[0].UsedQuota != 102 {
		t.Fatalf("UsedQuota = %d, want 102", snap[0].UsedQuota)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.creds[0].UsedQuota != 102 {
		t.Fatalf("store UsedQuota = %d, want 102", store.creds[0].UsedQuota)
	}
}

func TestMarkFailedRateLimitedCoolsDownForOneHour(t *testing.T) {
	pool, _ := testPool(t, cred(1, 0, 0, 10000))
	base := time.Now()
	pool.now = func() time.Time { return base }

	pool.MarkFailed(context.Background(), 1, models.FailureRateLimited)

	if _, err := pool.Acquire(context.Background(), models.CategoryYouTube, 1); guard.KindOf(err) != guard.KindNoCredential {
		t.Fatal("expected credential on cooldown to be unavailable")
	}

	pool.now = func() time.Time { return base.Add(61 * time.Minute) }
	if _, err := pool.Acquire(context.Background(), models.CategoryYouTube, 1); err != nil {
		t.Fatalf("expected credential back after cooldown, got %v", err)
	}
}

func TestMarkFailedQuotaExceededBlocksUntilUTCReset(t *testing.T) {
	pool, _ := testPool(t, cred(1, 0, 500, 10000))
	base := time.Now()
	pool.now = func() time.Time { return base }

	pool.MarkFailed(context.Background(), 1, models.FailureQuotaExceeded)

	snap := pool.Snapshot()
	if snap[0].Remaining() != 0 {
		t.Fatalf("Remaining = %d after quota exhaustion, want 0", snap[0].Remaining())
	}
	if _, err := pool.Acquire(context.Background(), models.CategoryYouTube, 1); guard.KindOf(err) != guard.KindNoCredential {
		t.Fatal("expected exhausted credential to be unavailable")
	}

	// After the next UTC midnight the lazy reset restores the budget.
	pool.now = func() time.Time { return nextUTCMidnight(base).Add(time.Minute) }
	got, err := pool.Acquire(context.Background(), models.CategoryYouTube, 1)
	if err != nil {
		t.Fatalf("expected credential after daily reset, got %v", err)
	}
	if got.UsedQuota != 0 {
		t.Fatalf("UsedQuota = %d after reset, want 0", got.UsedQuota)
	}
}

func TestMarkFailedSuspectedBanNeedsReactivation(t *testing.T) {
	pool, store := testPool(t, cred(1, 0, 0, 10000))

	pool.MarkFailed(context.Background(), 1, models.FailureSuspectedBan)

	if _, err := pool.Acquire(context.Background(), models.CategoryYouTube, 1); guard.KindOf(err) != guard.KindNoCredential {
		t.Fatal("expected deactivated credential to be unavailable")
	}
	store.mu.Lock()
	persisted := store.creds[0].Active
	store.mu.Unlock()
	if persisted {
		t.Fatal("deactivation must be persisted")
	}

	if err := pool.Reactivate(context.Background(), 1); err != nil {
		t.Fatalf("Reactivate returned error: %v", err)
	}
	if _, err := pool.Acquire(context.Background(), models.CategoryYouTube, 1); err != nil {
		t.Fatalf("expected reactivated credential, got %v", err)
	}
}
