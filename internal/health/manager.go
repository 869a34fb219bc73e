package health

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	gateway "github.com/aetherlab/aether/internal"
	"github.com/aetherlab/aether/internal/ratelimit"
	"github.com/aetherlab/aether/internal/storage"
)

// Manager owns the per-credential trackers and layers the rate and quota
// gates over the breaker/concurrency gate.
type Manager struct {
	cfg    Config
	store  storage.HealthStore
	limits *ratelimit.Registry
	logger *slog.Logger

	mu       sync.RWMutex
	trackers map[string]*Tracker
}

// NewManager creates a manager persisting through store. A nil store
// keeps health state process-local.
func NewManager(cfg Config, store storage.HealthStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		store:    store,
		limits:   ratelimit.NewRegistry(),
		logger:   logger,
		trackers: make(map[string]*Tracker),
	}
}

// Tracker returns the tracker for a credential, creating and restoring it
// on first use.
func (m *Manager) Tracker(ctx context.Context, credentialID string) *Tracker {
	m.mu.RLock()
	t, ok := m.trackers[credentialID]
	m.mu.RUnlock()
	if ok {
		return t
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.trackers[credentialID]; ok {
		return t
	}
	t = newTracker(credentialID, m.cfg)
	if m.store != nil {
		if h, err := m.store.GetCredentialHealth(ctx, credentialID); err == nil {
			t.restore(h)
		} else if !errors.Is(err, gateway.ErrNotFound) {
			m.logger.Warn("health restore failed",
				"credential_id", credentialID, "error", err)
		}
	}
	m.trackers[credentialID] = t
	return t
}

// Admit runs the full admissibility chain for one credential: breaker and
// concurrency, then the rate bucket, then daily/monthly spend caps. On
// refusal the grant is nil and the reason is one of the Skip constants.
func (m *Manager) Admit(ctx context.Context, cred *gateway.Credential) (*Grant, string) {
	if quotaExhausted(cred) {
		return nil, SkipQuotaExhausted
	}

	t := m.Tracker(ctx, cred.ID)
	grant, reason := t.Admit(cred.MaxConcurrent)
	if grant == nil {
		return nil, reason
	}

	if rpm := effectiveRPM(cred); rpm > 0 {
		lim := m.limits.GetOrCreate(cred.ID, ratelimit.Limits{RPM: rpm})
		if res := lim.AllowRPM(); !res.Allowed {
			grant.Cancel()
			return nil, SkipRateLimited
		}
	}
	return grant, ""
}

// Peek reports whether the credential would currently be admitted,
// without consuming a slot or a rate token. The planner uses it to tag
// candidates; the dispatch loop re-checks with Admit before sending.
func (m *Manager) Peek(ctx context.Context, cred *gateway.Credential) string {
	if quotaExhausted(cred) {
		return SkipQuotaExhausted
	}
	t := m.Tracker(ctx, cred.ID)
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	switch t.state {
	case gateway.BreakerOpen:
		if now.Before(t.nextProbeAt) {
			return SkipBreakerOpen
		}
	case gateway.BreakerHalfOpen:
		if t.probing && now.Before(t.halfOpenUntil) {
			return SkipBreakerOpen
		}
	}
	if limit := t.effectiveLimitLocked(cred.MaxConcurrent); limit > 0 && t.inFlight >= limit {
		return SkipConcurrentLimit
	}
	return ""
}

// Score returns the credential's health score for ranking, 1.0 when the
// credential has no tracker yet.
func (m *Manager) Score(credentialID string) float64 {
	m.mu.RLock()
	t, ok := m.trackers[credentialID]
	m.mu.RUnlock()
	if !ok {
		return 1.0
	}
	return t.Score()
}

// State returns the breaker state, closed for unseen credentials.
func (m *Manager) State(credentialID string) gateway.BreakerState {
	m.mu.RLock()
	t, ok := m.trackers[credentialID]
	m.mu.RUnlock()
	if !ok {
		return gateway.BreakerClosed
	}
	return t.State()
}

// Persist writes every dirty tracker's snapshot through the store.
func (m *Manager) Persist(ctx context.Context) {
	if m.store == nil {
		return
	}
	m.mu.RLock()
	trackers := make([]*Tracker, 0, len(m.trackers))
	for _, t := range m.trackers {
		trackers = append(trackers, t)
	}
	m.mu.RUnlock()

	for _, t := range trackers {
		h, dirty := t.Snapshot()
		if !dirty {
			continue
		}
		if err := m.store.SaveCredentialHealth(ctx, h); err != nil {
			m.logger.Warn("health persist failed",
				"credential_id", h.CredentialID, "error", err)
		}
	}
}

// EvictStale drops trackers idle since cutoff. Two phases: snapshot the
// stale keys under the read lock, then delete under the write lock with
// a re-check so a racing request keeps its tracker.
func (m *Manager) EvictStale(cutoff time.Time) int {
	m.mu.RLock()
	var stale []string
	for id, t := range m.trackers {
		if t.LastUsed().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()
	if len(stale) == 0 {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for _, id := range stale {
		if t, ok := m.trackers[id]; ok && t.LastUsed().Before(cutoff) {
			delete(m.trackers, id)
			evicted++
		}
	}
	m.limits.EvictStale(cutoff)
	return evicted
}

func quotaExhausted(cred *gateway.Credential) bool {
	if cred.DailyQuotaUSD != nil && *cred.DailyQuotaUSD > 0 && cred.DailyUsedUSD >= *cred.DailyQuotaUSD {
		return true
	}
	if cred.MonthlyQuotaUSD != nil && *cred.MonthlyQuotaUSD > 0 && cred.MonthlyUsedUSD >= *cred.MonthlyQuotaUSD {
		return true
	}
	return false
}

func effectiveRPM(cred *gateway.Credential) int64 {
	if cred.RateLimit == nil || *cred.RateLimit <= 0 {
		return 0
	}
	mult := cred.RateMultiplier
	if mult <= 0 {
		mult = 1
	}
	return int64(float64(*cred.RateLimit) * mult)
}
