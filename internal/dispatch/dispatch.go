// Package dispatch runs the request pipeline: quota and rate admission,
// request normalization, candidate planning, the attempt loop with
// failover, telemetry, and accounting.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	gateway "github.com/aetherlab/aether/internal"
	"github.com/aetherlab/aether/internal/billing"
	"github.com/aetherlab/aether/internal/convert"
	"github.com/aetherlab/aether/internal/dimension"
	"github.com/aetherlab/aether/internal/health"
	"github.com/aetherlab/aether/internal/planner"
	"github.com/aetherlab/aether/internal/ratelimit"
	"github.com/aetherlab/aether/internal/storage"
	"github.com/aetherlab/aether/internal/telemetry"
	"github.com/aetherlab/aether/internal/upstream"
	"github.com/aetherlab/aether/internal/usage"
)

// Config tunes the pipeline.
type Config struct {
	MaxAttemptsPerCandidate int           // >= 1
	MaxCandidates           int           // global attempt bound, 0 = all planned
	FirstChunkTimeout       time.Duration // stream probe
	MaxBodyBytes            int64         // non-stream response cap
	SmootherChars           int
	SmootherDelay           time.Duration
	LogLevel                usage.LogLevel
	StrictBilling           bool
	GeminiProject           string
	UserAgent               string
}

// DefaultConfig mirrors the production tuning.
func DefaultConfig() Config {
	return Config{
		MaxAttemptsPerCandidate: 1,
		MaxCandidates:           10,
		FirstChunkTimeout:       30 * time.Second,
		MaxBodyBytes:            32 << 20,
		LogLevel:                usage.LogBasic,
	}
}

// Dispatcher owns the request pipeline.
type Dispatcher struct {
	cfg      Config
	planner  *planner.Planner
	health   *health.Manager
	registry *convert.Registry
	clients  *upstream.ClientPool
	authDeps upstream.AuthDeps
	events   usage.Writer
	billing  *billing.Engine
	dims     *dimension.Service
	store    storage.Store
	limits   *ratelimit.Registry
	rules    FailoverRules
	metrics  *telemetry.Metrics
	logger   *slog.Logger

	inflight sync.Map // api key id -> *keySlot
	pools    sync.Map // endpoint id -> *upstream.URLPool
}

// Deps bundles the pipeline's collaborators.
type Deps struct {
	Planner  *planner.Planner
	Health   *health.Manager
	Convert  *convert.Registry
	Clients  *upstream.ClientPool
	AuthDeps upstream.AuthDeps
	Events   usage.Writer
	Billing  *billing.Engine
	Dims     *dimension.Service
	Store    storage.Store
	Limits   *ratelimit.Registry
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
}

// New creates a dispatcher.
func New(cfg Config, deps Deps) *Dispatcher {
	if cfg.MaxAttemptsPerCandidate < 1 {
		cfg.MaxAttemptsPerCandidate = 1
	}
	if cfg.FirstChunkTimeout <= 0 {
		cfg.FirstChunkTimeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 32 << 20
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:      cfg,
		planner:  deps.Planner,
		health:   deps.Health,
		registry: deps.Convert,
		clients:  deps.Clients,
		authDeps: deps.AuthDeps,
		events:   deps.Events,
		billing:  deps.Billing,
		dims:     deps.Dims,
		store:    deps.Store,
		limits:   deps.Limits,
		rules:    DefaultFailoverRules(),
		metrics:  deps.Metrics,
		logger:   logger,
	}
}

// Request is one client call as the transport layer hands it over.
type Request struct {
	Sig           gateway.Signature
	Body          []byte
	Header        http.Header
	ModelOverride string // gemini routes carry the model in the URL
	StreamHint    *bool  // gemini stream action; body wins elsewhere
}

// Dispatch runs the pipeline and writes the response. Exactly one terminal
// telemetry event is emitted per call.
func (d *Dispatcher) Dispatch(ctx context.Context, w http.ResponseWriter, req *Request) {
	identity := gateway.IdentityFromContext(ctx)
	requestID := gateway.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.Must(uuid.NewV7()).String()
	}
	start := time.Now()

	norm, err := d.normalize(req)
	if err != nil {
		writeError(w, req.Sig, http.StatusBadRequest, gateway.CategoryInvalidRequest, err.Error())
		return
	}

	if err := d.admit(ctx, identity); err != nil {
		status, category := admissionStatus(err)
		writeError(w, req.Sig, status, category, err.Error())
		return
	}
	if identity != nil && !formatAllowed(identity.AllowedFormats, req.Sig.Family) {
		writeError(w, req.Sig, http.StatusForbidden, gateway.CategoryAuth, "api format not allowed for this key")
		return
	}
	release := d.acquireKeySlot(identity)
	if release == nil {
		d.metrics.RateLimitRejects.WithLabelValues("concurrent").Inc()
		writeError(w, req.Sig, http.StatusTooManyRequests, gateway.CategoryConcurrent, "too many concurrent requests")
		return
	}
	defer release()

	row := d.newUsageRow(requestID, identity, norm)
	if err := d.store.InsertUsage(ctx, row); err != nil {
		d.logger.Warn("usage row insert failed", "request_id", requestID, "error", err)
	}

	plan, err := d.planner.Plan(ctx, &planner.Request{
		Model:        norm.Model,
		ClientSig:    norm.Sig,
		Capabilities: norm.Capabilities,
		AffinityKey:  identity.KeyID,
		Identity:     identity,
		Stream:       norm.Stream,
	})
	if err != nil {
		d.finishFailed(ctx, row, 0, gateway.CategoryServerError, err.Error(), start)
		writeError(w, req.Sig, http.StatusInternalServerError, gateway.CategoryServerError, "planning failed")
		return
	}
	d.metrics.CandidatesPlanned.Observe(float64(len(plan.Candidates)))

	ledger := d.openLedger(ctx, requestID, plan)
	if len(plan.Candidates) == 0 {
		d.finishFailed(ctx, row, http.StatusServiceUnavailable,
			gateway.CategoryServerError, gateway.ErrNoProvidersAvailable.Error(), start)
		writeError(w, req.Sig, http.StatusServiceUnavailable,
			gateway.CategoryServerError, gateway.ErrNoProvidersAvailable.Error())
		return
	}

	d.runAttempts(ctx, w, norm, plan, ledger, row, start)
}

// admit applies the caller's spend quota and RPM limit.
func (d *Dispatcher) admit(ctx context.Context, identity *gateway.Identity) error {
	if identity == nil {
		return gateway.ErrAuthenticationFailed
	}
	if identity.UserID != "" {
		user, err := d.store.GetUser(ctx, identity.UserID)
		if err == nil && user.QuotaUSD != nil && user.UsedUSD >= *user.QuotaUSD {
			return gateway.ErrQuotaExceeded
		}
	}
	if identity.RPMLimit > 0 {
		limiter := d.limits.GetOrCreate("key:"+identity.KeyID, ratelimit.Limits{RPM: identity.RPMLimit})
		if res := limiter.AllowRPM(); !res.Allowed {
			d.metrics.RateLimitRejects.WithLabelValues("rpm").Inc()
			return gateway.ErrRateLimited
		}
	}
	return nil
}

// formatAllowed applies the key's api-format allow-list; nil means all.
func formatAllowed(list []string, family gateway.APIFamily) bool {
	if len(list) == 0 {
		return true
	}
	for _, f := range list {
		if f == string(family) {
			return true
		}
	}
	return false
}

func admissionStatus(err error) (int, string) {
	switch {
	case errors.Is(err, gateway.ErrQuotaExceeded):
		return http.StatusPaymentRequired, gateway.CategoryBilling
	case errors.Is(err, gateway.ErrRateLimited):
		return http.StatusTooManyRequests, gateway.CategoryRateLimit
	case errors.Is(err, gateway.ErrAuthenticationFailed):
		return http.StatusUnauthorized, gateway.CategoryAuth
	}
	return http.StatusInternalServerError, gateway.CategoryServerError
}

// keySlot tracks per-key in-flight requests.
type keySlot struct {
	mu    sync.Mutex
	count int
}

// acquireKeySlot takes a concurrency slot for the key, returning the
// release func, or nil when the key is at its limit.
func (d *Dispatcher) acquireKeySlot(identity *gateway.Identity) func() {
	if identity == nil || identity.MaxConcurrent <= 0 {
		return func() {}
	}
	v, _ := d.inflight.LoadOrStore(identity.KeyID, &keySlot{})
	slot := v.(*keySlot)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.count >= identity.MaxConcurrent {
		return nil
	}
	slot.count++
	return func() {
		slot.mu.Lock()
		slot.count--
		slot.mu.Unlock()
	}
}

// urlPool returns the endpoint's base URL pool, building it on first use.
// Endpoints may list comma-separated base URLs; degraded ones are demoted.
func (d *Dispatcher) urlPool(e *gateway.Endpoint) *upstream.URLPool {
	if v, ok := d.pools.Load(e.ID); ok {
		return v.(*upstream.URLPool)
	}
	pool := upstream.NewURLPool(splitBaseURLs(e.BaseURL), upstream.DefaultURLRecoverTTL)
	actual, _ := d.pools.LoadOrStore(e.ID, pool)
	return actual.(*upstream.URLPool)
}

func (d *Dispatcher) newUsageRow(requestID string, identity *gateway.Identity, norm *normalized) *gateway.Usage {
	row := &gateway.Usage{
		ID:             uuid.Must(uuid.NewV7()).String(),
		RequestID:      requestID,
		RequestedModel: norm.Model,
		APIFormat:      norm.Sig.String(),
		TaskType:       string(norm.Sig.Kind),
		Stream:         norm.Stream,
		Status:         gateway.UsagePending,
		BillingStatus:  gateway.BillingPending,
		RequestHeaders: usage.CaptureHeaders(d.cfg.LogLevel, norm.Header),
		RequestBody:    usage.CaptureBody(d.cfg.LogLevel, norm.Body, usage.DefaultBodyCap),
		CreatedAt:      time.Now().UTC(),
	}
	if identity != nil {
		row.UserID = identity.UserID
		row.APIKeyID = identity.KeyID
	}
	return row
}

// finishFailed emits the terminal FAILED event for requests that never
// reached an upstream.
func (d *Dispatcher) finishFailed(ctx context.Context, row *gateway.Usage, status int, category, message string, start time.Time) {
	row.StatusCode = status
	row.ErrorCategory = category
	row.ErrorMessage = SanitizeError(message)
	row.ResponseTimeMs = time.Since(start).Milliseconds()
	d.events.RecordTerminal(ctx, usage.EventFailed, row)
}

// settleAccounting pushes the final cost into the per-key, user, credential
// and provider counters. Best effort, detached from the request context.
func (d *Dispatcher) settleAccounting(ctx context.Context, row *gateway.Usage, cand *planner.Candidate) {
	if row.CostUSD <= 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if row.APIKeyID != "" {
			if err := d.store.TouchKeyUsed(ctx, row.APIKeyID, row.CostUSD); err != nil {
				d.logger.Warn("key accounting failed", "key_id", row.APIKeyID, "error", err)
			}
		}
		if row.UserID != "" {
			if err := d.store.AddUserUsage(ctx, row.UserID, row.CostUSD); err != nil {
				d.logger.Warn("user accounting failed", "user_id", row.UserID, "error", err)
			}
		}
		if cand != nil {
			if err := d.store.AddCredentialUsage(ctx, cand.Credential.ID, row.CostUSD); err != nil {
				d.logger.Warn("credential accounting failed", "credential_id", cand.Credential.ID, "error", err)
			}
			if err := d.store.AddProviderUsage(ctx, cand.Provider.ID, row.CostUSD); err != nil {
				d.logger.Warn("provider accounting failed", "provider_id", cand.Provider.ID, "error", err)
			}
		}
	}()
}

// writeError writes a family-shaped error object.
func writeError(w http.ResponseWriter, sig gateway.Signature, status int, category, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	var payload any
	switch sig.Family {
	case gateway.FamilyClaude:
		payload = map[string]any{
			"type":  "error",
			"error": map[string]any{"type": category, "message": message},
		}
	case gateway.FamilyGemini:
		payload = map[string]any{
			"error": map[string]any{"code": status, "status": category, "message": message},
		}
	default:
		payload = map[string]any{
			"error": map[string]any{"type": category, "code": category, "message": message},
		}
	}
	json.NewEncoder(w).Encode(payload)
}
