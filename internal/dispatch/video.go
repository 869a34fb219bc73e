package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/aetherlab/aether/internal"
	"github.com/aetherlab/aether/internal/billing"
	"github.com/aetherlab/aether/internal/convert"
	"github.com/aetherlab/aether/internal/planner"
	"github.com/aetherlab/aether/internal/upstream"
	"github.com/aetherlab/aether/internal/usage"

	"github.com/google/uuid"
)

// Video task defaults; endpoints can override the interval per task type
// later without touching submitted tasks.
const (
	defaultPollIntervalS = 5
	defaultMaxPollCount  = 120
)

// SubmitVideo accepts a generation job, creates the tracking task and
// returns the job handle. The poller settles the usage row later.
func (d *Dispatcher) SubmitVideo(ctx context.Context, w http.ResponseWriter, req *Request) {
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
	norm.Stream = false

	if err := d.admit(ctx, identity); err != nil {
		status, category := admissionStatus(err)
		writeError(w, req.Sig, status, category, err.Error())
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
	})
	if err != nil {
		d.finishFailed(ctx, row, 0, gateway.CategoryServerError, err.Error(), start)
		writeError(w, req.Sig, http.StatusInternalServerError, gateway.CategoryServerError, "planning failed")
		return
	}
	ledger := d.openLedger(ctx, requestID, plan)
	if len(plan.Candidates) == 0 {
		d.finishFailed(ctx, row, http.StatusServiceUnavailable,
			gateway.CategoryServerError, gateway.ErrNoProvidersAvailable.Error(), start)
		writeError(w, req.Sig, http.StatusServiceUnavailable,
			gateway.CategoryServerError, gateway.ErrNoProvidersAvailable.Error())
		return
	}

	lastCode := http.StatusBadGateway
	lastMessage := gateway.ErrNoProvidersAvailable.Error()
	lastCategory := gateway.CategoryServerError

	bound := len(plan.Candidates)
	if d.cfg.MaxCandidates > 0 && bound > d.cfg.MaxCandidates {
		bound = d.cfg.MaxCandidates
	}
	for i := 0; i < bound; i++ {
		cand := &plan.Candidates[i]
		ledger.selected(ctx, i)

		grant, skip := d.health.Admit(ctx, cand.Credential)
		if skip != "" {
			ledger.skipped(ctx, i, skip)
			continue
		}
		attemptStart := time.Now()
		task, out := d.submitTask(ctx, norm, cand, row)
		latency := time.Since(attemptStart)
		grant.Done(healthOutcome(out), latency.Milliseconds())

		if out.committed {
			ledger.finished(ctx, i, gateway.CandidateSuccess, "", latency)
			writeVideoHandle(w, task, norm.Model)
			return
		}
		category := usage.Classify(out.httpCode, out.message, out.err)
		ledger.finished(ctx, i, gateway.CandidateFailed, category, latency)
		d.metrics.UpstreamErrors.WithLabelValues(cand.Provider.Name, category).Inc()
		if ctx.Err() != nil {
			d.finishCancelled(ctx, row, norm, gateway.TokenCounts{}, "", start)
			return
		}
		if d.rules.MatchErrorStop(out.httpCode, out.message) {
			lastCode, lastMessage, lastCategory = out.httpCode, out.message, category
			break
		}
		d.metrics.Failovers.WithLabelValues(cand.Provider.Name, category).Inc()
		if out.httpCode != 0 {
			lastCode = out.httpCode
		}
		lastMessage, lastCategory = out.message, category
	}

	d.finishFailed(ctx, row, lastCode, lastCategory, lastMessage, start)
	writeError(w, norm.Sig, lastCode, lastCategory, SanitizeError(lastMessage))
}

// submitTask posts the job to one candidate and persists the tracking task
// with a frozen billing-rule snapshot.
func (d *Dispatcher) submitTask(ctx context.Context, norm *normalized,
	cand *planner.Candidate, row *gateway.Usage) (*gateway.VideoTask, outcome) {

	e, cred, prov := cand.Endpoint, cand.Credential, cand.Provider
	upSig := e.Sig()

	body := norm.Body
	if norm.Sig.DataFormat() != upSig.DataFormat() {
		var err error
		if body, err = d.registry.ConvertRequest(norm.Sig, upSig, body); err != nil {
			return nil, outcome{err: err, message: err.Error()}
		}
	}
	body = convert.OverrideModel(body, cand.UpstreamModel)

	url, err := upstream.BuildURL(e, cred, prov.Type, cand.UpstreamModel, false)
	if err != nil {
		return nil, outcome{err: err, message: err.Error()}
	}
	pooled, err := d.clients.Client(upstream.ProxyURL(e))
	if err != nil {
		return nil, outcome{err: err, message: err.Error()}
	}
	rt, err := upstream.TransportFor(ctx, cred, upSig, pooled.Transport, d.authDeps)
	if err != nil {
		return nil, outcome{err: err, message: err.Error()}
	}
	client := &http.Client{Transport: rt, Timeout: requestTimeout(e, false)}

	httpReq, err := upstream.BuildRequest(ctx, url, body, e, false, nil)
	if err != nil {
		return nil, outcome{err: err, message: err.Error()}
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		err = upstream.MapTransportError(err)
		return nil, outcome{err: err, message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := upstream.ParseAPIError(prov.Name, resp)
		var ae *upstream.APIError
		msg := apiErr.Error()
		if errors.As(apiErr, &ae) {
			msg = ae.Body
		}
		return nil, outcome{err: apiErr, httpCode: resp.StatusCode, message: msg}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, d.cfg.MaxBodyBytes))
	if err != nil {
		err = upstream.MapTransportError(err)
		return nil, outcome{err: err, message: err.Error()}
	}
	externalID := externalTaskID(raw)
	if externalID == "" {
		return nil, outcome{httpCode: resp.StatusCode,
			message: "upstream accepted job without a task id"}
	}

	now := time.Now().UTC()
	task := &gateway.VideoTask{
		ID:             uuid.Must(uuid.NewV7()).String(),
		RequestID:      row.RequestID,
		ExternalTaskID: externalID,
		ProviderID:     prov.ID,
		EndpointID:     e.ID,
		CredentialID:   cred.ID,
		Model:          cand.UpstreamModel,
		Status:         gateway.TaskSubmitted,
		MaxPollCount:   defaultMaxPollCount,
		PollIntervalS:  defaultPollIntervalS,
		NextPollAt:     now.Add(defaultPollIntervalS * time.Second),
		RawResponse:    raw,
		RuleSnapshot:   d.freezeRule(ctx, cand, row.TaskType),
		PriceSnapshot:  freezePrice(cand),
		CreatedAt:      now,
	}
	if err := d.store.CreateTask(ctx, task); err != nil {
		return nil, outcome{err: err, message: "task persist failed"}
	}

	row.ProviderID = prov.ID
	row.EndpointID = e.ID
	row.CredentialID = cred.ID
	row.ResolvedModel = cand.UpstreamModel
	row.EndpointAPIFormat = upSig.String()
	row.StatusCode = resp.StatusCode
	row.Status = gateway.UsageSubmitted
	row.ResponseBody = usage.CaptureBody(d.cfg.LogLevel, raw, usage.DefaultBodyCap)
	if err := d.store.UpsertUsageTerminal(ctx, []*gateway.Usage{row}); err != nil {
		d.logger.Warn("submitted row update failed", "request_id", row.RequestID, "error", err)
	}
	return task, outcome{committed: true, status: gateway.CandidateSuccess}
}

// freezeRule snapshots the billing rule at submission time so poller
// settlement survives later rule edits. nil when no rule applies.
func (d *Dispatcher) freezeRule(ctx context.Context, cand *planner.Candidate, taskType string) json.RawMessage {
	var modelID, globalID string
	if cand.Model != nil {
		modelID = cand.Model.ID
	}
	if cand.GlobalModel != nil {
		globalID = cand.GlobalModel.ID
	}
	rule, err := d.store.FindBillingRule(ctx, modelID, globalID, taskType)
	if err != nil {
		return nil
	}
	snap, err := json.Marshal(rule)
	if err != nil {
		return nil
	}
	return snap
}

// freezePrice snapshots the model's tier pricing at submission; rule-less
// settlement prices against it instead of the live catalog.
func freezePrice(cand *planner.Candidate) json.RawMessage {
	snap := billing.FreezePrice(cand.GlobalModel, cand.Model)
	if snap == nil {
		return nil
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil
	}
	return raw
}

// externalTaskID pulls the upstream job identifier from the accept body.
func externalTaskID(body []byte) string {
	for _, path := range []string{"id", "name", "task_id", "operation.name"} {
		if v := gjson.GetBytes(body, path).String(); v != "" {
			return v
		}
	}
	return ""
}

// writeVideoHandle returns the gateway-local job handle.
func writeVideoHandle(w http.ResponseWriter, task *gateway.VideoTask, model string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"id":         task.ID,
		"object":     "video.task",
		"status":     string(task.Status),
		"model":      model,
		"request_id": task.RequestID,
		"created_at": task.CreatedAt.Unix(),
	})
}
