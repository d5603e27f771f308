// Package quota manages the credential pool: daily quota bookkeeping,
// selection, and failure cooldowns. The pool is the single synchronization
// point for quota state; a lost update could silently exceed a real
// provider-side limit, so every mutation happens under the pool lock.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kolscope/kolscope/internal/guard"
	"github.com/kolscope/kolscope/internal/models"
)

// rateLimitCooldown keeps a rate-limited credential out of selection.
const rateLimitCooldown = 1 * time.Hour

// Store persists credential state. Implemented by the database layer.
type Store interface {
	List(ctx context.Context) ([]models.Credential, error)
	UpdateQuota(ctx context.Context, id int64, usedQuota int64, lastResetDate string) error
	SetActive(ctx context.Context, id int64, active bool) error
}

type entry struct {
	cred          models.Credential
	cooldownUntil time.Time
}

// Pool holds credentials with daily quota counters and hands out the next
// usable one. It implements guard.CredentialSource.
type Pool struct {
	mu      sync.Mutex
	entries map[int64]*entry
	store   Store
	logger  *slog.Logger
	now     func() time.Time
}

// NewPool creates an empty pool over the given store.
func NewPool(store Store, logger *slog.Logger) *Pool {
	return &Pool{
		entries: make(map[int64]*entry),
		store:   store,
		logger:  logger,
		now:     time.Now,
	}
}

// Load replaces the in-memory pool with the store's current credentials.
func (p *Pool) Load(ctx context.Context) error {
	creds, err := p.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.entries = make(map[int64]*entry, len(creds))
	for _, c := range creds {
		p.entries[c.ID] = &entry{cred: c}
	}

	p.logger.Info("credential pool loaded", "count", len(creds))
	return nil
}

// utcDate formats t's UTC calendar date.
func utcDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// resetIfStale zeroes the consumed counter when the credential's last reset
// date precedes the current UTC date. Performed lazily at acquisition time,
// so it is correct even if the process was offline at midnight, and
// idempotent within a day. Callers must hold mu.
func (p *Pool) resetIfStale(ctx context.Context, e *entry, today string) {
	if e.cred.LastResetDate >= today {
		return
	}

	e.cred.UsedQuota = 0
	e.cred.LastResetDate = today
	// A quota-exceeded cooldown ends at the daily reset.
	if !e.cooldownUntil.IsZero() && !e.cooldownUntil.After(p.now()) {
		e.cooldownUntil = time.Time{}
	}

	if err := p.store.UpdateQuota(ctx, e.cred.ID, 0, today); err != nil {
		p.logger.Warn("failed to persist daily quota reset",
			"credential_id", e.cred.ID,
			"error", err)
	}
}

// Acquire selects the next usable credential of the category: active, off
// cooldown, with remaining quota covering minCost, ordered by priority
// descending then consumed quota ascending. It returns a NoCredential guard
// error when the whole category is exhausted; callers treat that as "pause
// until reset", not a fatal condition.
func (p *Pool) Acquire(ctx context.Context, category models.CredentialCategory, minCost int64) (*models.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	today := utcDate(now)

	var candidates []*entry
	for _, e := range p.entries {
		if e.cred.Category != category || !e.cred.Active {
			continue
		}
		p.resetIfStale(ctx, e, today)
		if e.cooldownUntil.After(now) {
			continue
		}
		if e.cred.Remaining() < minCost {
			continue
		}
		candidates = append(candidates, e)
	}

	if len(candidates) == 0 {
		return nil, guard.NewError(guard.KindNoCredential,
			fmt.Errorf("no %s credential with %d+ units remaining", category, minCost))
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].cred.Priority != candidates[j].cred.Priority {
			return candidates[i].cred.Priority > candidates[j].cred.Priority
		}
		return candidates[i].cred.UsedQuota < candidates[j].cred.UsedQuota
	})

	cred := candidates[0].cred
	return &cred, nil
}

// Release records units consumed by a successful call and persists the new
// counter best-effort.
func (p *Pool) Release(ctx context.Context, id int64, units int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		return
	}

	e.cred.UsedQuota += units
	if err := p.store.UpdateQuota(ctx, id, e.cred.UsedQuota, e.cred.LastResetDate); err != nil {
		p.logger.Warn("failed to persist quota consumption",
			"credential_id", id,
			"units", units,
			"error", err)
	}
}

// MarkFailed classifies a failure into a cooldown. Rate-limited credentials
// sit out one hour; quota-exceeded ones until the next UTC reset; suspected
// bans deactivate the credential until an operator reactivates it.
func (p *Pool) MarkFailed(ctx context.Context, id int64, reason models.FailureReason) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		return
	}

	now := p.now()
	switch reason {
	case models.FailureRateLimited:
		e.cooldownUntil = now.Add(rateLimitCooldown)

	case models.FailureQuotaExceeded:
		// The provider's counter is authoritative; treat the budget as spent.
		e.cred.UsedQuota = e.cred.DailyQuota
		e.cooldownUntil = nextUTCMidnight(now)
		if err := p.store.UpdateQuota(ctx, id, e.cred.UsedQuota, e.cred.LastResetDate); err != nil {
			p.logger.Warn("failed to persist quota exhaustion",
				"credential_id", id,
				"error", err)
		}

	case models.FailureSuspectedBan:
		e.cred.Active = false
		if err := p.store.SetActive(ctx, id, false); err != nil {
			p.logger.Warn("failed to persist credential deactivation",
				"credential_id", id,
				"error", err)
		}
	}

	p.logger.Warn("credential marked failed",
		"credential_id", id,
		"reason", string(reason),
		"cooldown_until", e.cooldownUntil)
}

// Reactivate clears a suspected-ban deactivation. Operator action only.
func (p *Pool) Reactivate(ctx context.Context, id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		return fmt.Errorf("credential %d not in pool", id)
	}

	e.cred.Active = true
	e.cooldownUntil = time.Time{}
	if err := p.store.SetActive(ctx, id, true); err != nil {
		return fmt.Errorf("failed to persist reactivation: %w", err)
	}

	p.logger.Info("credential reactivated", "credential_id", id)
	return nil
}

// Add inserts a credential into the in-memory pool after it was created in
// the store.
func (p *Pool) Add(cred models.Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[cred.ID] = &entry{cred: cred}
}

// Snapshot returns a copy of the current pool state for reporting.
func (p *Pool) Snapshot() []models.Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	creds := make([]models.Credential, 0, len(p.entries))
	for _, e := range p.entries {
		creds = append(creds, e.cred)
	}
	sort.Slice(creds, func(i, j int) bool { return creds[i].ID < creds[j].ID })
	return creds
}

// nextUTCMidnight returns the start of the next UTC day.
func nextUTCMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
