// Package health tracks per-credential availability: a circuit breaker
// over a weighted outcome window, an adaptive concurrency limit learned
// from upstream 429s, and the admissibility gate the planner consults.
package health

import (
	"math"
	"sync"
	"time"

	gateway "github.com/aetherlab/aether/internal"
)

// Skip reasons returned by Admit. Recorded verbatim in the candidate ledger.
const (
	SkipBreakerOpen     = "breaker_open"
	SkipConcurrentLimit = "concurrent_limit"
	SkipRateLimited     = "rate_limited"
	SkipQuotaExhausted  = "quota_exhausted"
)

// Config holds breaker and learner parameters shared by all trackers.
type Config struct {
	FailureThreshold  float64       // weighted rate to open (0..1]
	MinSamples        int           // window samples before the breaker may open
	WindowMaxCount    int           // outcome window count cap
	WindowMaxAge      time.Duration // outcome window age cap
	ProbeInterval     time.Duration // base open -> half-open wait
	MaxProbeInterval  time.Duration // doubling bound
	HalfOpenWindow    time.Duration // half-open evaluation window
	RequiredSuccesses int           // half-open successes to close
	AllowedFailures   int           // half-open failures to reopen

	PeakCount        int           // 429 peaks above learnedMax to shrink it
	PeakWindow       time.Duration // peaks counted within this window
	LowUtilThreshold float64       // mean utilization below this is "low"
	LowUtilCooldown  time.Duration // sustained low utilization before +1

	EWMAAlpha     float64 // health score smoothing
	SlowLatencyMs int64   // successes slower than this score half
}

// DefaultConfig mirrors the production tuning.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  0.5,
		MinSamples:        5,
		WindowMaxCount:    50,
		WindowMaxAge:      10 * time.Minute,
		ProbeInterval:     time.Minute,
		MaxProbeInterval:  30 * time.Minute,
		HalfOpenWindow:    2 * time.Minute,
		RequiredSuccesses: 2,
		AllowedFailures:   1,
		PeakCount:         3,
		PeakWindow:        5 * time.Minute,
		LowUtilThreshold:  0.3,
		LowUtilCooldown:   15 * time.Minute,
		EWMAAlpha:         0.2,
		SlowLatencyMs:     30000,
	}
}

// Tracker is the mutable health state for one credential.
type Tracker struct {
	cfg          Config
	credentialID string

	mu sync.Mutex

	// rolling counters, persisted
	requestCount int64
	successCount int64
	errorCount   int64
	totalMs      int64
	healthScore  float64

	state               gateway.BreakerState
	openedAt            time.Time
	nextProbeAt         time.Time
	halfOpenUntil       time.Time
	halfOpenSuccesses   int
	halfOpenFailures    int
	consecutiveFailures int
	probeInterval       time.Duration
	probing             bool

	window *outcomeWindow

	inFlight             int
	learnedMax           int // 0 = not learned
	lastPeak             int
	peaks                []peakRecord
	utils                []utilSample
	lastProbeIncreaseAt  time.Time
	last429At            time.Time
	lowUtilSince         time.Time

	lastUsed time.Time
	dirty    bool
	now      func() time.Time
}

func newTracker(credentialID string, cfg Config) *Tracker {
	return &Tracker{
		cfg:           cfg,
		credentialID:  credentialID,
		state:         gateway.BreakerClosed,
		healthScore:   1.0,
		probeInterval: cfg.ProbeInterval,
		window:        newOutcomeWindow(cfg.WindowMaxCount, cfg.WindowMaxAge),
		lastUsed:      time.Now(),
		now:           time.Now,
	}
}

// restore seeds the tracker from a persisted health row.
func (t *Tracker) restore(h *gateway.CredentialHealth) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requestCount = h.RequestCount
	t.successCount = h.SuccessCount
	t.errorCount = h.ErrorCount
	t.totalMs = h.TotalResponseTimeMs
	if h.HealthScore > 0 {
		t.healthScore = h.HealthScore
	}
	t.consecutiveFailures = h.ConsecutiveFailures
	if h.BreakerState != "" {
		t.state = h.BreakerState
	}
	if h.OpenedAt != nil {
		t.openedAt = *h.OpenedAt
	}
	if h.NextProbeAt != nil {
		t.nextProbeAt = *h.NextProbeAt
	}
	if h.HalfOpenUntil != nil {
		t.halfOpenUntil = *h.HalfOpenUntil
	}
	t.halfOpenSuccesses = h.HalfOpenSuccesses
	t.halfOpenFailures = h.HalfOpenFailures
	t.learnedMax = h.LearnedMaxConcurrent
	t.lastPeak = h.LastConcurrentPeak
	if h.LastProbeIncreaseAt != nil {
		t.lastProbeIncreaseAt = *h.LastProbeIncreaseAt
	}
}

// Grant is a held admission slot. Done must be called exactly once.
type Grant struct {
	t       *Tracker
	probe   bool
	started time.Time
	once    sync.Once
}

// Probe reports whether this grant is the half-open probe request.
func (g *Grant) Probe() bool { return g.probe }

// Done releases the slot and records the attempt outcome.
func (g *Grant) Done(err error, latencyMs int64) {
	g.once.Do(func() { g.t.finish(g, err, latencyMs) })
}

// Cancel releases the slot without recording an outcome. Used when a
// later admission gate refuses the request.
func (g *Grant) Cancel() {
	g.once.Do(func() { g.t.release(g) })
}

func (t *Tracker) release(g *Grant) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight--
	if t.inFlight < 0 {
		t.inFlight = 0
	}
	if g.probe {
		t.probing = false
	}
}

// Admit decides whether the credential may take another request. On
// refusal the skip reason is returned; on success the caller must call
// Done on the grant.
func (t *Tracker) Admit(maxConcurrent int) (*Grant, string) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastUsed = now

	probe := false
	switch t.state {
	case gateway.BreakerOpen:
		if now.Before(t.nextProbeAt) {
			return nil, SkipBreakerOpen
		}
		// open -> half-open; this request becomes the probe.
		t.state = gateway.BreakerHalfOpen
		t.halfOpenUntil = now.Add(t.cfg.HalfOpenWindow)
		t.halfOpenSuccesses = 0
		t.halfOpenFailures = 0
		t.probing = true
		t.dirty = true
		probe = true
	case gateway.BreakerHalfOpen:
		if now.After(t.halfOpenUntil) {
			// Evaluation window lapsed without a verdict; reopen.
			t.reopenLocked(now)
			return nil, SkipBreakerOpen
		}
		if t.probing {
			return nil, SkipBreakerOpen
		}
		t.probing = true
		probe = true
	}

	limit := t.effectiveLimitLocked(maxConcurrent)
	if limit > 0 && t.inFlight >= limit {
		if probe {
			t.probing = false
		}
		return nil, SkipConcurrentLimit
	}

	t.inFlight++
	if t.inFlight > t.lastPeak {
		t.lastPeak = t.inFlight
	}
	t.recordUtilizationLocked(now, limit)

	return &Grant{t: t, probe: probe, started: now}, ""
}

// effectiveLimitLocked combines the configured cap with the learned one.
func (t *Tracker) effectiveLimitLocked(maxConcurrent int) int {
	limit := maxConcurrent
	if t.learnedMax > 0 && (limit == 0 || t.learnedMax < limit) {
		limit = t.learnedMax
	}
	return limit
}

// InFlight returns the current in-flight count for ledger observations.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inFlight
}

func (t *Tracker) finish(g *Grant, err error, latencyMs int64) {
	now := t.now()
	weight := Weight(err)
	success := err == nil

	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastUsed = now
	t.dirty = true
	t.inFlight--
	if t.inFlight < 0 {
		t.inFlight = 0
	}

	t.requestCount++
	t.totalMs += latencyMs
	if success {
		t.successCount++
		t.consecutiveFailures = 0
	} else {
		t.errorCount++
		t.consecutiveFailures++
	}
	t.updateScoreLocked(success, latencyMs)
	t.window.add(weight, now)

	if RateLimited(err) {
		t.last429At = now
		t.recordPeakLocked(now)
	}

	switch t.state {
	case gateway.BreakerClosed:
		if FatalAuth(err) {
			t.openLocked(now)
			return
		}
		if weight > 0 {
			rate, samples := t.window.failureRate(now)
			if samples >= t.cfg.MinSamples && rate >= t.cfg.FailureThreshold {
				t.openLocked(now)
			}
		}
	case gateway.BreakerHalfOpen:
		if g.probe {
			t.probing = false
		}
		if success {
			t.halfOpenSuccesses++
			if t.halfOpenSuccesses >= t.cfg.RequiredSuccesses {
				t.closeLocked()
			}
		} else {
			t.halfOpenFailures++
			if t.halfOpenFailures >= t.cfg.AllowedFailures {
				t.reopenLocked(now)
			}
		}
	}
}

// openLocked trips the breaker from closed.
func (t *Tracker) openLocked(now time.Time) {
	t.state = gateway.BreakerOpen
	t.openedAt = now
	t.probeInterval = t.cfg.ProbeInterval
	t.nextProbeAt = now.Add(t.probeInterval)
	t.probing = false
}

// reopenLocked returns to open from half-open with a doubled probe wait.
func (t *Tracker) reopenLocked(now time.Time) {
	t.state = gateway.BreakerOpen
	t.openedAt = now
	t.probeInterval *= 2
	if t.probeInterval > t.cfg.MaxProbeInterval {
		t.probeInterval = t.cfg.MaxProbeInterval
	}
	t.nextProbeAt = now.Add(t.probeInterval)
	t.probing = false
	t.halfOpenSuccesses = 0
	t.halfOpenFailures = 0
}

// closeLocked clears every breaker field after a recovered probe run.
func (t *Tracker) closeLocked() {
	t.state = gateway.BreakerClosed
	t.openedAt = time.Time{}
	t.nextProbeAt = time.Time{}
	t.halfOpenUntil = time.Time{}
	t.halfOpenSuccesses = 0
	t.halfOpenFailures = 0
	t.probeInterval = t.cfg.ProbeInterval
	t.probing = false
	t.window.reset()
}

func (t *Tracker) updateScoreLocked(success bool, latencyMs int64) {
	sample := 0.0
	if success {
		sample = 1.0
		if t.cfg.SlowLatencyMs > 0 && latencyMs > t.cfg.SlowLatencyMs {
			sample = 0.5
		}
	}
	a := t.cfg.EWMAAlpha
	t.healthScore = a*sample + (1-a)*t.healthScore
}

// recordPeakLocked notes a 429-tagged in-flight peak and shrinks the
// learned limit when enough peaks land above it inside the window.
func (t *Tracker) recordPeakLocked(now time.Time) {
	peak := t.inFlight + 1 // the finishing request held a slot
	t.peaks = append(t.peaks, peakRecord{at: now, peak: peak})
	cutoff := now.Add(-t.cfg.PeakWindow)
	i := 0
	for i < len(t.peaks) && t.peaks[i].at.Before(cutoff) {
		i++
	}
	t.peaks = t.peaks[i:]

	above := 0
	maxPeak := 0
	for _, p := range t.peaks {
		if t.learnedMax == 0 || p.peak > t.learnedMax {
			above++
		}
		if p.peak > maxPeak {
			maxPeak = p.peak
		}
	}
	if above >= t.cfg.PeakCount && maxPeak > 0 {
		learned := int(math.Floor(0.9 * float64(maxPeak)))
		if learned < 1 {
			learned = 1
		}
		t.learnedMax = learned
		t.peaks = t.peaks[:0]
	}
}

// recordUtilizationLocked samples utilization and raises the learned
// limit after sustained low usage with no recent 429.
func (t *Tracker) recordUtilizationLocked(now time.Time, limit int) {
	if t.learnedMax == 0 || limit == 0 {
		return
	}
	util := float64(t.inFlight) / float64(limit)
	t.utils = append(t.utils, utilSample{at: now, util: util})
	cutoff := now.Add(-t.cfg.LowUtilCooldown)
	i := 0
	for i < len(t.utils) && t.utils[i].at.Before(cutoff) {
		i++
	}
	t.utils = t.utils[i:]

	if util >= t.cfg.LowUtilThreshold {
		t.lowUtilSince = time.Time{}
		return
	}
	if t.lowUtilSince.IsZero() {
		t.lowUtilSince = now
		return
	}
	if now.Sub(t.lowUtilSince) < t.cfg.LowUtilCooldown {
		return
	}
	if !t.last429At.IsZero() && t.last429At.After(t.lastProbeIncreaseAt) {
		return
	}
	t.learnedMax++
	t.lastProbeIncreaseAt = now
	t.lowUtilSince = time.Time{}
}

// State returns the current breaker state.
func (t *Tracker) State() gateway.BreakerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Score returns the EWMA health score used by the planner ranking.
func (t *Tracker) Score() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.healthScore
}

// Snapshot exports the persistable state and clears the dirty flag.
// The second result reports whether anything changed since the last call.
func (t *Tracker) Snapshot() (*gateway.CredentialHealth, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasDirty := t.dirty
	t.dirty = false

	h := &gateway.CredentialHealth{
		CredentialID:         t.credentialID,
		RequestCount:         t.requestCount,
		SuccessCount:         t.successCount,
		ErrorCount:           t.errorCount,
		TotalResponseTimeMs:  t.totalMs,
		HealthScore:          t.healthScore,
		ConsecutiveFailures:  t.consecutiveFailures,
		BreakerState:         t.state,
		HalfOpenSuccesses:    t.halfOpenSuccesses,
		HalfOpenFailures:     t.halfOpenFailures,
		LearnedMaxConcurrent: t.learnedMax,
		LastConcurrentPeak:   t.lastPeak,
		UpdatedAt:            t.now(),
	}
	if !t.openedAt.IsZero() {
		at := t.openedAt
		h.OpenedAt = &at
	}
	if !t.nextProbeAt.IsZero() {
		at := t.nextProbeAt
		h.NextProbeAt = &at
	}
	if !t.halfOpenUntil.IsZero() {
		at := t.halfOpenUntil
		h.HalfOpenUntil = &at
	}
	if !t.lastProbeIncreaseAt.IsZero() {
		at := t.lastProbeIncreaseAt
		h.LastProbeIncreaseAt = &at
	}
	return h, wasDirty
}

// LastUsed returns the time of last activity for stale eviction.
func (t *Tracker) LastUsed() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastUsed
}
