// Package poller drives async video tasks to completion. Each tick claims
// an advisory lock, selects due tasks, polls the upstream job status under
// bounded concurrency, and settles the submitted usage row when the task
// reaches a terminal state.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	gateway "github.com/aetherlab/aether/internal"
	"github.com/aetherlab/aether/internal/billing"
	"github.com/aetherlab/aether/internal/dimension"
	"github.com/aetherlab/aether/internal/distlock"
	"github.com/aetherlab/aether/internal/storage"
	"github.com/aetherlab/aether/internal/telemetry"
	"github.com/aetherlab/aether/internal/upstream"
)

const (
	lockKey        = "aether:lock:task-poller"
	maxBackoff     = 300 * time.Second
	maxBackoffExp  = 5
	maxPollBody    = 1 << 20
	failedBatchCap = 3 // consecutive fully-failed batches before the alert log
)

// Config tunes one poller instance.
type Config struct {
	Interval    time.Duration // tick period, also the lock TTL floor
	Batch       int           // tasks per tick
	Concurrency int           // parallel polls within a tick
	LockTTL     time.Duration
	Strict      bool // strict billing at settlement
}

// DefaultConfig returns production poller settings.
func DefaultConfig() Config {
	return Config{
		Interval:    10 * time.Second,
		Batch:       50,
		Concurrency: 8,
		LockTTL:     time.Minute,
	}
}

// Deps are the poller's collaborators. Locker may be nil, which disables
// cross-instance coordination and polls on every tick.
type Deps struct {
	Store    storage.Store
	Clients  *upstream.ClientPool
	AuthDeps upstream.AuthDeps
	Billing  *billing.Engine
	Dims     *dimension.Service
	Metrics  *telemetry.Metrics
	Locker   *distlock.Locker
	Logger   *slog.Logger
}

// Poller polls submitted video tasks.
type Poller struct {
	cfg      Config
	store    storage.Store
	clients  *upstream.ClientPool
	authDeps upstream.AuthDeps
	billing  *billing.Engine
	dims     *dimension.Service
	metrics  *telemetry.Metrics
	locker   *distlock.Locker
	logger   *slog.Logger

	failedBatches atomic.Int32
	missedDims    dimAlert
}

// New returns a poller.
func New(cfg Config, deps Deps) *Poller {
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultConfig().Batch
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultConfig().LockTTL
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		cfg:      cfg,
		store:    deps.Store,
		clients:  deps.Clients,
		authDeps: deps.AuthDeps,
		billing:  deps.Billing,
		dims:     deps.Dims,
		metrics:  deps.Metrics,
		locker:   deps.Locker,
		logger:   logger.With("component", "poller"),
	}
}

// Tick runs one poll round. When the advisory lock is held elsewhere the
// tick is skipped silently; duplicate polling is wasteful, not unsafe.
func (p *Poller) Tick(ctx context.Context) error {
	if p.locker == nil {
		return p.runBatch(ctx)
	}
	return p.locker.WithLock(ctx, lockKey, p.cfg.LockTTL, p.runBatch)
}

func (p *Poller) runBatch(ctx context.Context) error {
	tasks, err := p.store.DueTasks(ctx, time.Now().UTC(), p.cfg.Batch)
	if err != nil {
		return fmt.Errorf("poller: select due tasks: %w", err)
	}
	if len(tasks) == 0 {
		p.metrics.PollerBatches.WithLabelValues("empty").Inc()
		return nil
	}

	var failed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, task := range tasks {
		id := task.ID
		g.Go(func() error {
			if err := p.pollOne(gctx, id); err != nil {
				failed.Add(1)
				p.logger.Warn("task poll failed", "task_id", id, "error", err)
			}
			return nil
		})
	}
	g.Wait()

	if int(failed.Load()) == len(tasks) {
		if n := p.failedBatches.Add(1); n >= failedBatchCap {
			p.logger.Error("task poller degraded: consecutive fully-failed batches",
				"batches", n, "batch_size", len(tasks))
		}
		p.metrics.PollerBatches.WithLabelValues("failed").Inc()
		return nil
	}
	p.failedBatches.Store(0)
	p.metrics.PollerBatches.WithLabelValues("ok").Inc()
	return nil
}

// pollContext is the catalog slice one poll needs, read fresh per attempt.
type pollContext struct {
	task     *gateway.VideoTask
	provider *gateway.Provider
	endpoint *gateway.Endpoint
	cred     *gateway.Credential
}

// pollOne runs the three-phase poll for a single task: fresh read, HTTP
// poll without holding any DB state, fresh merge.
func (p *Poller) pollOne(ctx context.Context, id string) error {
	pc, err := p.loadContext(ctx, id)
	if err != nil {
		return err
	}
	if pc == nil {
		return nil // already terminal, settled elsewhere
	}

	state, transient, err := p.pollUpstream(ctx, pc)
	if err != nil {
		if transient {
			return p.deferTask(ctx, id, err)
		}
		return p.failTask(ctx, id, gateway.CategoryServerError, err.Error())
	}

	return p.mergeState(ctx, id, pc, state)
}

func (p *Poller) loadContext(ctx context.Context, id string) (*pollContext, error) {
	task, err := p.store.GetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if task.Terminal() {
		return nil, nil
	}
	prov, err := p.store.GetProvider(ctx, task.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("load provider: %w", err)
	}
	endpoints, err := p.store.ListEndpoints(ctx, task.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("load endpoints: %w", err)
	}
	var endpoint *gateway.Endpoint
	for _, e := range endpoints {
		if e.ID == task.EndpointID {
			endpoint = e
			break
		}
	}
	if endpoint == nil {
		return nil, fmt.Errorf("endpoint %s gone", task.EndpointID)
	}
	cred, err := p.store.GetCredential(ctx, task.CredentialID)
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	return &pollContext{task: task, provider: prov, endpoint: endpoint, cred: cred}, nil
}

// pollUpstream fetches the job status. transient=true means the attempt
// should back off and retry; false errors are permanent for the task.
func (p *Poller) pollUpstream(ctx context.Context, pc *pollContext) (*taskState, bool, error) {
	url, err := pollURL(pc.endpoint, pc.task)
	if err != nil {
		return nil, false, err
	}
	pooled, err := p.clients.Client(upstream.ProxyURL(pc.endpoint))
	if err != nil {
		return nil, true, err
	}
	rt, err := upstream.TransportFor(ctx, pc.cred, pc.endpoint.Sig(), pooled.Transport, p.authDeps)
	if err != nil {
		return nil, false, err
	}
	client := &http.Client{Transport: rt, Timeout: 30 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	for k, v := range pc.endpoint.Headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, true, upstream.MapTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := upstream.ParseAPIError(pc.provider.Name, resp)
		// Status code is the primary permanence predicate: 4xx except 429
		// cannot heal with retries.
		transient := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, transient, apiErr
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPollBody))
	if err != nil {
		return nil, true, upstream.MapTransportError(err)
	}
	state := parseTaskState(pc.endpoint.Family, raw)
	return state, false, nil
}

// pollURL builds the job status URL for the task's endpoint family.
func pollURL(e *gateway.Endpoint, task *gateway.VideoTask) (string, error) {
	base := strings.TrimRight(e.BaseURL, "/")
	if base == "" {
		return "", fmt.Errorf("endpoint %s has no base URL", e.ID)
	}
	external := task.ExternalTaskID
	if external == "" {
		return "", errors.New("task has no external id")
	}
	switch e.Family {
	case gateway.FamilyGemini:
		// Operation names arrive fully qualified ("models/x/operations/y").
		return base + "/v1beta/" + strings.TrimPrefix(external, "/"), nil
	default:
		if strings.Contains(external, "/") {
			return base + "/" + strings.TrimPrefix(external, "/"), nil
		}
		return base + "/v1/videos/" + external, nil
	}
}

// deferTask applies transient-failure backoff: min(interval * 2^retry, 5m),
// the exponent capped so the doubling stays bounded.
func (p *Poller) deferTask(ctx context.Context, id string, cause error) error {
	task, err := p.store.GetTask(ctx, id)
	if err != nil || task.Terminal() {
		return err
	}
	task.RetryCount++
	task.PollCount++
	if task.PollCount >= task.MaxPollCount {
		return p.timeoutTask(ctx, task)
	}
	exp := task.RetryCount
	if exp > maxBackoffExp {
		exp = maxBackoffExp
	}
	backoff := time.Duration(task.PollIntervalS) * time.Second << exp
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	task.NextPollAt = time.Now().UTC().Add(backoff)
	task.ErrorMessage = cause.Error()
	return p.store.UpdateTask(ctx, task)
}

// mergeState folds the polled upstream state into a fresh task row.
func (p *Poller) mergeState(ctx context.Context, id string, pc *pollContext, state *taskState) error {
	task, err := p.store.GetTask(ctx, id)
	if err != nil {
		return fmt.Errorf("reload task: %w", err)
	}
	if task.Terminal() {
		p.logger.Warn("task settled during poll", "task_id", id)
		return nil
	}
	now := time.Now().UTC()

	switch state.phase {
	case phaseRunning:
		task.Status = gateway.TaskProcessing
		task.PollCount++
		task.RetryCount = 0
		if state.progress > 0 {
			task.Progress = state.progress
		}
		if task.PollCount >= task.MaxPollCount {
			return p.timeoutTask(ctx, task)
		}
		task.NextPollAt = now.Add(time.Duration(task.PollIntervalS) * time.Second)
		return p.store.UpdateTask(ctx, task)

	case phaseCompleted:
		task.Status = gateway.TaskCompleted
		task.Progress = 100
		task.ResultURLs = state.urls
		task.ExpiresAt = state.expiresAt
		task.RawResponse = state.raw
		task.CompletedAt = &now
		if err := p.store.UpdateTask(ctx, task); err != nil {
			return err
		}
		return p.settle(ctx, task, pc, state.raw)

	case phaseFailed:
		code := state.errCode
		if code == "" {
			code = gateway.CategoryServerError
		}
		return p.failTaskRow(ctx, task, code, state.errMsg)
	}
	return nil
}

// timeoutTask fails a task that exhausted its poll budget. Cost settles at
// zero; the upstream never confirmed delivery.
func (p *Poller) timeoutTask(ctx context.Context, task *gateway.VideoTask) error {
	return p.failTaskRow(ctx, task, gateway.CategoryPollTimeout, "poll budget exhausted")
}

func (p *Poller) failTask(ctx context.Context, id string, code, msg string) error {
	task, err := p.store.GetTask(ctx, id)
	if err != nil || task.Terminal() {
		return err
	}
	return p.failTaskRow(ctx, task, code, msg)
}

func (p *Poller) failTaskRow(ctx context.Context, task *gateway.VideoTask, code, msg string) error {
	now := time.Now().UTC()
	task.Status = gateway.TaskFailed
	task.ErrorCode = code
	task.ErrorMessage = msg
	task.CompletedAt = &now
	if err := p.store.UpdateTask(ctx, task); err != nil {
		return err
	}
	return p.settleFailed(ctx, task.RequestID, code, msg)
}

// settleFailed closes the usage row for a failed task at zero cost.
func (p *Poller) settleFailed(ctx context.Context, requestID, code, msg string) error {
	err := p.store.SettleUsage(ctx, requestID, gateway.UsageFailed, 0, nil, code, msg)
	if errors.Is(err, gateway.ErrNotFound) {
		p.logger.Warn("usage row vanished before settlement", "request_id", requestID)
		return nil
	}
	return err
}

// settle prices a completed task and settles its usage row. A billing
// failure in strict mode flips the row to failed with billing_incomplete,
// hiding the artifact from the caller.
func (p *Poller) settle(ctx context.Context, task *gateway.VideoTask, pc *pollContext, raw []byte) error {
	rule := p.taskRule(ctx, task, pc)
	if rule == nil {
		cost, breakdown := p.tierCost(task)
		err := p.store.SettleUsage(ctx, task.RequestID, gateway.UsageCompleted, cost, breakdown, "", "")
		if errors.Is(err, gateway.ErrNotFound) {
			p.logger.Warn("usage row vanished before settlement", "request_id", task.RequestID)
			return nil
		}
		return err
	}

	dims := p.dims.Collect(ctx, dimension.Scope{
		Family:   pc.endpoint.Family,
		Kind:     pc.endpoint.Kind,
		TaskType: "video",
	}, dimension.Inputs{
		Response: raw,
		Metadata: taskMetadata(task),
	})

	result, err := p.billing.Evaluate(billing.Input{
		Expression: rule.Expression,
		Variables:  rule.Variables,
		Dimensions: dims,
		Mappings:   rule.Mappings,
		Strict:     p.cfg.Strict,
	})
	if err != nil {
		if errors.Is(err, gateway.ErrBillingIncomplete) {
			return p.settleFailed(ctx, task.RequestID, gateway.CategoryBilling, err.Error())
		}
		return err
	}
	for _, name := range result.MissingRequired {
		p.metrics.DimensionsMissing.WithLabelValues(task.Model, name).Inc()
		p.logger.Warn("required billing dimension missing", "task_id", task.ID, "dimension", name)
		if n, alert := p.missedDims.observe(task.Model, name, time.Now()); alert {
			p.logger.Error("billing dimension missing repeatedly this hour",
				"model", task.Model, "dimension", name, "count", n)
		}
	}

	breakdown, _ := json.Marshal(result)
	serr := p.store.SettleUsage(ctx, task.RequestID, gateway.UsageCompleted, result.CostUSD, breakdown, "", "")
	if errors.Is(serr, gateway.ErrNotFound) {
		p.logger.Warn("usage row vanished before settlement", "request_id", task.RequestID)
		return nil
	}
	return serr
}

// tierCost prices a rule-less task from the pricing frozen at submission.
// Tasks predating the snapshot, and models without pricing, settle at zero.
func (p *Poller) tierCost(task *gateway.VideoTask) (float64, []byte) {
	if len(task.PriceSnapshot) == 0 {
		return 0, nil
	}
	var snap billing.PriceSnapshot
	if err := json.Unmarshal(task.PriceSnapshot, &snap); err != nil {
		p.logger.Warn("price snapshot unreadable", "task_id", task.ID)
		return 0, nil
	}
	// Video responses carry no token usage; tier cost reduces to the
	// per-request price unless a tier sets token prices a poll reports.
	b := billing.TokenCost(snap.Tiers, gateway.TokenCounts{}, snap.PricePerRequest)
	breakdown, _ := json.Marshal(b)
	return b.TotalUSD, breakdown
}

// taskRule returns the billing rule for the task: the snapshot frozen at
// submission, or a fresh lookup when the snapshot is absent.
func (p *Poller) taskRule(ctx context.Context, task *gateway.VideoTask, pc *pollContext) *gateway.BillingRule {
	if len(task.RuleSnapshot) > 0 {
		var rule gateway.BillingRule
		if err := json.Unmarshal(task.RuleSnapshot, &rule); err == nil && rule.Expression != "" {
			return &rule
		}
		p.logger.Warn("rule snapshot unreadable, falling back to lookup", "task_id", task.ID)
	}

	var modelID, globalID string
	if models, err := p.store.ListModels(ctx, task.ProviderID); err == nil {
		for _, m := range models {
			if m.UpstreamName == task.Model {
				modelID, globalID = m.ID, m.GlobalModelID
				break
			}
		}
	}
	rule, err := p.store.FindBillingRule(ctx, modelID, globalID, "video")
	if err != nil {
		return nil
	}
	return rule
}

// taskMetadata exposes task bookkeeping to metadata-sourced collectors.
func taskMetadata(task *gateway.VideoTask) map[string]any {
	meta := map[string]any{
		"poll_count":  task.PollCount,
		"retry_count": task.RetryCount,
		"model":       task.Model,
	}
	if len(task.Metadata) > 0 {
		var extra map[string]any
		if json.Unmarshal(task.Metadata, &extra) == nil {
			for k, v := range extra {
				meta[k] = v
			}
		}
	}
	return meta
}
