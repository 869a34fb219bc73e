package health

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	gateway "github.com/aetherlab/aether/internal"
)

// statusErr mimics an upstream API error carrying an HTTP status.
type statusErr struct{ code int }

func (e *statusErr) Error() string   { return fmt.Sprintf("HTTP %d", e.code) }
func (e *statusErr) HTTPStatus() int { return e.code }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinSamples = 3
	cfg.FailureThreshold = 0.5
	cfg.RequiredSuccesses = 2
	cfg.AllowedFailures = 1
	return cfg
}

// clockedTracker returns a tracker whose clock the test controls.
func clockedTracker(cfg Config) (*Tracker, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	t := newTracker("cred-1", cfg)
	t.now = func() time.Time { return now }
	return t, &now
}

func TestWeight(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want float64
	}{
		{"success", nil, 0},
		{"timeout", gateway.ErrUpstreamTimeout, 1.5},
		{"rate limited", gateway.ErrRateLimited, 0.5},
		{"connect", gateway.ErrUpstreamConnect, 1.0},
		{"cancelled", gateway.ErrCancelled, 0},
		{"status 429", &statusErr{429}, 0.5},
		{"status 503", &statusErr{503}, 1.0},
		{"status 400", &statusErr{400}, 0},
		{"unknown", errors.New("boom"), 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Weight(tt.err); got != tt.want {
				t.Errorf("Weight = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBreakerOpensOnFailureRate(t *testing.T) {
	t.Parallel()

	tr, _ := clockedTracker(testConfig())
	for range 3 {
		g, reason := tr.Admit(0)
		if g == nil {
			t.Fatalf("refused: %s", reason)
		}
		g.Done(&statusErr{503}, 100)
	}
	if tr.State() != gateway.BreakerOpen {
		t.Fatalf("state = %s, want open", tr.State())
	}
	if _, reason := tr.Admit(0); reason != SkipBreakerOpen {
		t.Errorf("reason = %q", reason)
	}
}

func TestFatalAuthOpensImmediately(t *testing.T) {
	t.Parallel()

	tr, _ := clockedTracker(testConfig())
	g, _ := tr.Admit(0)
	g.Done(&statusErr{401}, 50)
	if tr.State() != gateway.BreakerOpen {
		t.Errorf("state = %s after 401, want open", tr.State())
	}
}

func TestOtherClientErrorsDoNotOpen(t *testing.T) {
	t.Parallel()

	tr, _ := clockedTracker(testConfig())
	for range 10 {
		g, _ := tr.Admit(0)
		g.Done(&statusErr{400}, 50)
	}
	if tr.State() != gateway.BreakerClosed {
		t.Errorf("state = %s after 400s, want closed", tr.State())
	}
}

func TestProbeRecoversBreaker(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	tr, now := clockedTracker(cfg)
	for range 3 {
		g, _ := tr.Admit(0)
		g.Done(gateway.ErrUpstreamTimeout, 100)
	}
	if tr.State() != gateway.BreakerOpen {
		t.Fatalf("state = %s", tr.State())
	}

	*now = now.Add(cfg.ProbeInterval + time.Second)

	probe, reason := tr.Admit(0)
	if probe == nil {
		t.Fatalf("probe refused: %s", reason)
	}
	if !probe.Probe() {
		t.Error("grant not marked as probe")
	}
	// Only one probe at a time.
	if _, reason := tr.Admit(0); reason != SkipBreakerOpen {
		t.Errorf("second probe admitted, reason = %q", reason)
	}

	probe.Done(nil, 80)
	if tr.State() != gateway.BreakerHalfOpen {
		t.Fatalf("state = %s after first probe success", tr.State())
	}

	probe2, _ := tr.Admit(0)
	if probe2 == nil {
		t.Fatal("second probe refused")
	}
	probe2.Done(nil, 80)
	if tr.State() != gateway.BreakerClosed {
		t.Errorf("state = %s after required successes, want closed", tr.State())
	}
}

func TestProbeFailureDoublesInterval(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	tr, now := clockedTracker(cfg)
	for range 3 {
		g, _ := tr.Admit(0)
		g.Done(gateway.ErrUpstreamTimeout, 100)
	}

	*now = now.Add(cfg.ProbeInterval + time.Second)
	probe, _ := tr.Admit(0)
	probe.Done(&statusErr{503}, 100)

	if tr.State() != gateway.BreakerOpen {
		t.Fatalf("state = %s after failed probe", tr.State())
	}
	if tr.probeInterval != 2*cfg.ProbeInterval {
		t.Errorf("probe interval = %v, want doubled", tr.probeInterval)
	}

	// Doubling is bounded by the max.
	for range 10 {
		*now = now.Add(tr.probeInterval + time.Second)
		probe, _ := tr.Admit(0)
		if probe == nil {
			t.Fatal("probe refused")
		}
		probe.Done(&statusErr{503}, 100)
	}
	if tr.probeInterval > cfg.MaxProbeInterval {
		t.Errorf("probe interval %v exceeds max %v", tr.probeInterval, cfg.MaxProbeInterval)
	}
}

func TestConcurrencyLimit(t *testing.T) {
	t.Parallel()

	tr, _ := clockedTracker(testConfig())
	g1, _ := tr.Admit(1)
	if g1 == nil {
		t.Fatal("first admit refused")
	}
	if _, reason := tr.Admit(1); reason != SkipConcurrentLimit {
		t.Errorf("reason = %q, want concurrent_limit", reason)
	}
	g1.Done(nil, 10)
	if g2, _ := tr.Admit(1); g2 == nil {
		t.Error("admit refused after release")
	}
}

func TestLearnedLimitShrinksOnRateLimitPeaks(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.PeakCount = 3
	tr, _ := clockedTracker(cfg)

	// Hold 9 slots so each 429 records a peak of 10.
	var held []*Grant
	for range 9 {
		g, _ := tr.Admit(0)
		held = append(held, g)
	}
	for range 3 {
		g, _ := tr.Admit(0)
		g.Done(&statusErr{429}, 100)
	}
	for _, g := range held {
		g.Done(nil, 10)
	}

	if tr.learnedMax != 9 { // floor(0.9 * 10)
		t.Errorf("learnedMax = %d, want 9", tr.learnedMax)
	}
	if lim := tr.effectiveLimitLocked(0); lim != 9 {
		t.Errorf("effective limit = %d", lim)
	}
	// Configured cap below learned still wins.
	if lim := tr.effectiveLimitLocked(4); lim != 4 {
		t.Errorf("effective limit with cap = %d", lim)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	tr, _ := clockedTracker(testConfig())
	g, _ := tr.Admit(0)
	g.Done(nil, 120)
	g, _ = tr.Admit(0)
	g.Done(&statusErr{503}, 300)

	h, dirty := tr.Snapshot()
	if !dirty {
		t.Fatal("snapshot not dirty after traffic")
	}
	if h.RequestCount != 2 || h.SuccessCount != 1 || h.ErrorCount != 1 {
		t.Errorf("counters = %d/%d/%d", h.RequestCount, h.SuccessCount, h.ErrorCount)
	}
	if h.TotalResponseTimeMs != 420 {
		t.Errorf("total ms = %d", h.TotalResponseTimeMs)
	}
	if _, dirty := tr.Snapshot(); dirty {
		t.Error("second snapshot still dirty")
	}

	fresh := newTracker("cred-1", testConfig())
	fresh.restore(h)
	if fresh.requestCount != 2 || fresh.state != gateway.BreakerClosed {
		t.Error("restore lost state")
	}
}

type fakeHealthStore struct {
	saved map[string]*gateway.CredentialHealth
}

func (s *fakeHealthStore) GetCredentialHealth(_ context.Context, id string) (*gateway.CredentialHealth, error) {
	if h, ok := s.saved[id]; ok {
		return h, nil
	}
	return nil, gateway.ErrNotFound
}

func (s *fakeHealthStore) SaveCredentialHealth(_ context.Context, h *gateway.CredentialHealth) error {
	if s.saved == nil {
		s.saved = make(map[string]*gateway.CredentialHealth)
	}
	s.saved[h.CredentialID] = h
	return nil
}

func TestManagerAdmitChain(t *testing.T) {
	t.Parallel()

	m := NewManager(testConfig(), &fakeHealthStore{}, nil)
	ctx := context.Background()

	quota := 10.0
	rate := int64(1)
	tests := []struct {
		name   string
		cred   *gateway.Credential
		setup  func()
		reason string
	}{
		{
			name:   "daily quota exhausted",
			cred:   &gateway.Credential{ID: "q1", DailyQuotaUSD: &quota, DailyUsedUSD: 10},
			reason: SkipQuotaExhausted,
		},
		{
			name:   "monthly quota exhausted",
			cred:   &gateway.Credential{ID: "q2", MonthlyQuotaUSD: &quota, MonthlyUsedUSD: 12},
			reason: SkipQuotaExhausted,
		},
		{
			name: "rate limited on second request",
			cred: &gateway.Credential{ID: "r1", RateLimit: &rate},
			setup: func() {
				g, _ := m.Admit(ctx, &gateway.Credential{ID: "r1", RateLimit: &rate})
				if g == nil {
					t.Fatal("first request refused")
				}
				g.Done(nil, 10)
			},
			reason: SkipRateLimited,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			g, reason := m.Admit(ctx, tt.cred)
			if g != nil {
				g.Done(nil, 1)
				t.Fatalf("admitted, wanted %s", tt.reason)
			}
			if reason != tt.reason {
				t.Errorf("reason = %q, want %q", reason, tt.reason)
			}
		})
	}
}

func TestManagerPersistAndEvict(t *testing.T) {
	t.Parallel()

	store := &fakeHealthStore{}
	m := NewManager(testConfig(), store, nil)
	ctx := context.Background()

	g, _ := m.Admit(ctx, &gateway.Credential{ID: "c1"})
	g.Done(nil, 42)
	m.Persist(ctx)

	if store.saved["c1"] == nil || store.saved["c1"].RequestCount != 1 {
		t.Fatal("health not persisted")
	}

	// A new manager restores persisted state.
	m2 := NewManager(testConfig(), store, nil)
	tr := m2.Tracker(ctx, "c1")
	if tr.requestCount != 1 {
		t.Error("restore on first use failed")
	}

	if n := m.EvictStale(time.Now().Add(time.Hour)); n != 1 {
		t.Errorf("evicted = %d, want 1", n)
	}
}
