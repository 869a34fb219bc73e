package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	gateway "github.com/aetherlab/aether/internal"
	"github.com/aetherlab/aether/internal/convert"
	"github.com/aetherlab/aether/internal/planner"
	"github.com/aetherlab/aether/internal/tokencount"
	"github.com/aetherlab/aether/internal/upstream"
	"github.com/aetherlab/aether/internal/usage"
)

// outcome is one attempt's verdict for the loop.
type outcome struct {
	committed bool // bytes reached the client; the request is settled
	status    gateway.CandidateStatus
	category  string
	err       error
	httpCode  int
	message   string
}

// runAttempts walks the ranked candidates until one commits a response or
// the loop exhausts. Exactly one terminal telemetry event is emitted.
func (d *Dispatcher) runAttempts(ctx context.Context, w http.ResponseWriter, norm *normalized,
	plan *planner.Result, ledger *attemptLedger, row *gateway.Usage, start time.Time) {

	bound := len(plan.Candidates)
	if d.cfg.MaxCandidates > 0 && bound > d.cfg.MaxCandidates {
		bound = d.cfg.MaxCandidates
	}

	lastCode := 0
	lastMessage := gateway.ErrNoProvidersAvailable.Error()
	lastCategory := gateway.CategoryServerError

	for i := 0; i < bound; i++ {
		cand := &plan.Candidates[i]
		ledger.selected(ctx, i)

		grant, skip := d.health.Admit(ctx, cand.Credential)
		if skip != "" {
			ledger.skipped(ctx, i, skip)
			continue
		}

		var out outcome
		attemptStart := time.Now()
		for try := 0; try < d.cfg.MaxAttemptsPerCandidate; try++ {
			out = d.attempt(ctx, w, norm, cand, row)
			if out.committed || !transient(out.err) || ctx.Err() != nil {
				break
			}
		}
		latency := time.Since(attemptStart)
		grant.Done(healthOutcome(out), latency.Milliseconds())

		if out.committed {
			ledger.finished(ctx, i, out.status, out.category, latency)
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
		lastCode, lastMessage, lastCategory = out.httpCode, out.message, category
	}

	code := lastCode
	if code == 0 {
		code = http.StatusBadGateway
	}
	d.finishFailed(ctx, row, code, lastCategory, lastMessage, start)
	writeError(w, norm.Sig, code, lastCategory, SanitizeError(lastMessage))
}

// healthOutcome maps an attempt to the error the breaker should weigh.
// Committed responses and client cancels count as success.
func healthOutcome(out outcome) error {
	if out.committed && out.status != gateway.CandidateFailed {
		return nil
	}
	if out.err != nil {
		return out.err
	}
	if out.httpCode >= 400 {
		return &upstream.APIError{StatusCode: out.httpCode, Body: out.message}
	}
	if out.committed {
		return nil
	}
	return errors.New(out.message)
}

// transient reports whether retrying the same candidate can help.
func transient(err error) bool {
	return errors.Is(err, gateway.ErrUpstreamConnect) || errors.Is(err, gateway.ErrUpstreamTimeout)
}

// attempt sends the request to one candidate and relays the response.
func (d *Dispatcher) attempt(ctx context.Context, w http.ResponseWriter, norm *normalized,
	cand *planner.Candidate, row *gateway.Usage) outcome {

	e, cred, prov := cand.Endpoint, cand.Credential, cand.Provider
	upSig := e.Sig()

	pool := d.urlPool(e)
	reporter := pool.Reporter()
	variant := convert.ForProvider(prov.Type, upSig, d.cfg.GeminiProject, d.cfg.UserAgent, reporter)

	decision := d.registry.Decide(norm.Sig, upSig, variant)
	if decision == convert.Unsupported {
		return outcome{err: gateway.ErrUnsupportedConversion, message: gateway.ErrUnsupportedConversion.Error()}
	}
	converted := norm.Sig.DataFormat() != upSig.DataFormat()

	body := norm.Body
	if converted {
		var err error
		if body, err = d.registry.ConvertRequest(norm.Sig, upSig, body); err != nil {
			return outcome{err: err, message: err.Error()}
		}
		d.metrics.Conversions.WithLabelValues(norm.Sig.String(), upSig.String()).Inc()
	}
	body = convert.OverrideModel(body, cand.UpstreamModel)
	if variant != nil {
		var err error
		body, err = variant.WrapRequest(body, convert.RequestMeta{
			Model:     cand.UpstreamModel,
			RequestID: row.RequestID,
			Project:   d.cfg.GeminiProject,
			Stream:    norm.Stream,
		})
		if err != nil {
			return outcome{err: err, message: err.Error()}
		}
	}

	base := *e
	base.BaseURL = pool.Pick()
	url, err := upstream.BuildURL(&base, cred, prov.Type, cand.UpstreamModel, norm.Stream)
	if err != nil {
		return outcome{err: err, message: err.Error()}
	}
	reporter.Capture(url)
	if variant != nil {
		variant.CaptureBaseURL(url)
	}

	pooled, err := d.clients.Client(upstream.ProxyURL(e))
	if err != nil {
		return outcome{err: err, message: err.Error()}
	}
	rt, err := upstream.TransportFor(ctx, cred, upSig, pooled.Transport, d.authDeps)
	if err != nil {
		return outcome{err: err, message: err.Error()}
	}
	client := &http.Client{Transport: rt, Timeout: requestTimeout(e, norm.Stream)}

	httpReq, err := upstream.BuildRequest(ctx, url, body, e, norm.Stream, variantHeaders(variant))
	if err != nil {
		return outcome{err: err, message: err.Error()}
	}

	sendStart := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		err = upstream.MapTransportError(err)
		if errors.Is(err, gateway.ErrUpstreamConnect) {
			reporter.ReportConnectError(err)
		}
		return outcome{err: err, message: err.Error()}
	}
	reporter.ReportStatus(resp.StatusCode)
	if variant != nil {
		variant.OnHTTPStatus(resp.StatusCode)
	}
	d.metrics.UpstreamDuration.WithLabelValues(prov.Name, cand.UpstreamModel).
		Observe(time.Since(sendStart).Seconds())

	if resp.StatusCode >= 300 {
		apiErr := upstream.ParseAPIError(prov.Name, resp)
		var ae *upstream.APIError
		msg := apiErr.Error()
		if errors.As(apiErr, &ae) {
			msg = ae.Body
		}
		return outcome{err: apiErr, httpCode: resp.StatusCode, message: msg}
	}

	row.ProviderID = prov.ID
	row.EndpointID = e.ID
	row.CredentialID = cred.ID
	row.ResolvedModel = cand.UpstreamModel
	row.EndpointAPIFormat = upSig.String()
	row.FormatConverted = converted

	if norm.Stream {
		return d.relayStream(ctx, w, norm, cand, variant, converted, resp, row, body, sendStart)
	}
	return d.relayBody(ctx, w, norm, cand, variant, converted, resp, row, body, sendStart)
}

// relayBody handles the non-stream path: bounded read, optional format
// conversion, pricing, and the COMPLETED event.
func (d *Dispatcher) relayBody(ctx context.Context, w http.ResponseWriter, norm *normalized,
	cand *planner.Candidate, variant convert.Variant, converted bool,
	resp *http.Response, row *gateway.Usage, sentBody []byte, sendStart time.Time) outcome {

	defer resp.Body.Close()
	upSig := cand.Endpoint.Sig()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, d.cfg.MaxBodyBytes))
	if err != nil {
		err = upstream.MapTransportError(err)
		return outcome{err: err, message: err.Error()}
	}
	if variant != nil {
		raw = variant.UnwrapResponse(raw)
	}

	// A 200 whose body is an error object may still need failover.
	if errBody := errorPayload(raw); errBody != "" {
		if pattern, ok := d.rules.MatchSuccessFailover(raw); ok {
			return outcome{httpCode: resp.StatusCode, message: errBody, err: errors.New(pattern)}
		}
	}

	out := raw
	if converted {
		if out, err = d.registry.ConvertResponse(upSig, norm.Sig, raw, norm.Model); err != nil {
			return outcome{err: err, message: err.Error()}
		}
	}

	tokens, _ := extractUsage(upSig.Family, raw)
	row.Tokens = tokens
	d.countTokens(norm.Model, tokens)
	if err := d.priceExchange(ctx, row, cand, sentBody, raw); err != nil {
		d.logger.Warn("pricing failed", "request_id", row.RequestID, "error", err)
	}

	row.StatusCode = resp.StatusCode
	row.ResponseTimeMs = time.Since(sendStart).Milliseconds()
	row.ResponseHeaders = usage.CaptureHeaders(d.cfg.LogLevel, resp.Header)
	row.ResponseBody = usage.CaptureBody(d.cfg.LogLevel, out, usage.DefaultBodyCap)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out); err != nil {
		// The response was complete; a client that went away does not
		// change the accounting.
		d.logger.Debug("client write failed", "request_id", row.RequestID, "error", err)
	}

	d.events.RecordTerminal(ctx, usage.EventCompleted, row)
	d.settleAccounting(ctx, row, cand)
	return outcome{committed: true, status: gateway.CandidateSuccess}
}

// finishCancelled emits the CANCELLED terminal event. Token counts fall
// back to a chars/4 estimate of the text relayed so far.
func (d *Dispatcher) finishCancelled(ctx context.Context, row *gateway.Usage, norm *normalized,
	seen gateway.TokenCounts, relayedText string, start time.Time) {

	row.Tokens = seen
	if row.Tokens.Input == 0 {
		row.Tokens.Input = tokencount.EstimateBody(norm.Body)
	}
	if row.Tokens.Output == 0 && relayedText != "" {
		row.Tokens.Output = tokencount.EstimateText(relayedText)
	}
	row.ErrorCategory = gateway.CategoryCancelled
	row.ResponseTimeMs = time.Since(start).Milliseconds()
	ctx = context.WithoutCancel(ctx)
	d.events.RecordTerminal(ctx, usage.EventCancelled, row)
}

func (d *Dispatcher) countTokens(model string, t gateway.TokenCounts) {
	if t.Input > 0 {
		d.metrics.TokensProcessed.WithLabelValues(model, "input").Add(float64(t.Input))
	}
	if t.Output > 0 {
		d.metrics.TokensProcessed.WithLabelValues(model, "output").Add(float64(t.Output))
	}
}

func variantHeaders(v convert.Variant) map[string]string {
	if v == nil {
		return nil
	}
	return v.ExtraHeaders()
}

// requestTimeout picks the overall client timeout. Streams manage their own
// first-chunk probe and run unbounded after commit.
func requestTimeout(e *gateway.Endpoint, stream bool) time.Duration {
	if stream {
		return 0
	}
	if e.ReadTimeoutMs > 0 {
		return time.Duration(e.ReadTimeoutMs) * time.Millisecond
	}
	return 2 * time.Minute
}
