package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/aetherlab/aether/internal"
	"github.com/aetherlab/aether/internal/convert"
	"github.com/aetherlab/aether/internal/convert/sse"
	"github.com/aetherlab/aether/internal/planner"
	"github.com/aetherlab/aether/internal/tokencount"
	"github.com/aetherlab/aether/internal/upstream"
	"github.com/aetherlab/aether/internal/usage"
)

// streamRelay carries the per-stream state: the lazy commit point, merged
// usage frames and the text accumulated for the cancel estimate.
type streamRelay struct {
	d        *Dispatcher
	w        http.ResponseWriter
	flusher  http.Flusher
	norm     *normalized
	row      *gateway.Usage
	upFam    gateway.APIFamily
	variant  convert.Variant
	conv     convert.StreamConverter
	smoother *convert.Smoother

	committed bool
	sendStart time.Time
	tokens    gateway.TokenCounts
	sawUsage  bool
	text      strings.Builder
	capture   *bytes.Buffer // client-side bytes, LogFull only
}

// relayStream pumps the upstream SSE body to the client. The response is not
// committed until the first client-ready event exists, so early failures can
// still fail over.
func (d *Dispatcher) relayStream(ctx context.Context, w http.ResponseWriter, norm *normalized,
	cand *planner.Candidate, variant convert.Variant, converted bool,
	resp *http.Response, row *gateway.Usage, sentBody []byte, sendStart time.Time) outcome {

	defer resp.Body.Close()
	upSig := cand.Endpoint.Sig()

	// Matching formats with no variant hook relay the upstream bytes as-is.
	if !converted && variant == nil {
		return d.relayRawStream(ctx, w, norm, cand, resp, row, sentBody, sendStart)
	}

	conv, err := d.registry.NewStream(upSig, norm.Sig, norm.Model)
	if err != nil {
		return outcome{err: err, message: err.Error()}
	}
	r := &streamRelay{
		d:         d,
		w:         w,
		norm:      norm,
		row:       row,
		upFam:     upSig.Family,
		variant:   variant,
		conv:      conv,
		sendStart: sendStart,
	}
	if converted {
		r.smoother = convert.NewSmoother(norm.Sig, d.cfg.SmootherChars, d.cfg.SmootherDelay)
	}
	if d.cfg.LogLevel == usage.LogFull {
		r.capture = &bytes.Buffer{}
	}
	reader := sse.NewReader(resp.Body)

	// First-chunk probe: an upstream that accepts the request but never
	// speaks should fail over, not hang the client.
	first, out, ok := probeFirst(ctx, d.cfg.FirstChunkTimeout, resp, reader.Next)
	if !ok {
		return out
	}

	data := r.unwrap(first.Data)
	if pattern, match := d.rules.MatchSuccessFailover(data); match {
		msg := errorPayload(data)
		if msg == "" {
			msg = string(data)
		}
		return outcome{httpCode: resp.StatusCode, message: msg, err: fmt.Errorf("stream failover: %s", pattern)}
	}

	if out, ok := r.handle(ctx, first); !ok {
		return out
	}
	for {
		ev, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return r.abort(ctx, err)
		}
		if out, ok := r.handle(ctx, ev); !ok {
			return out
		}
	}
	for _, ev := range r.conv.Flush() {
		if err := r.send(ctx, ev); err != nil {
			return r.abort(ctx, err)
		}
	}

	if !r.committed {
		// Chunks arrived but none was client-visible: a dressed-up failure.
		return outcome{httpCode: http.StatusBadGateway, message: "upstream stream carried no events"}
	}
	return r.complete(ctx, cand, sentBody, resp)
}

// relayRawStream pumps an unconverted SSE stream to the client byte for
// byte, sniffing usage and text deltas from each block's data payload on
// the way through. Comment lines, id:/retry: fields and the upstream's
// data framing all survive intact.
func (d *Dispatcher) relayRawStream(ctx context.Context, w http.ResponseWriter, norm *normalized,
	cand *planner.Candidate, resp *http.Response, row *gateway.Usage, sentBody []byte, sendStart time.Time) outcome {

	defer resp.Body.Close()
	r := &streamRelay{
		d:         d,
		w:         w,
		norm:      norm,
		row:       row,
		upFam:     cand.Endpoint.Sig().Family,
		sendStart: sendStart,
	}
	if d.cfg.LogLevel == usage.LogFull {
		r.capture = &bytes.Buffer{}
	}
	reader := sse.NewRawReader(resp.Body)

	first, out, ok := probeFirst(ctx, d.cfg.FirstChunkTimeout, resp, reader.Next)
	if !ok {
		return out
	}
	if pattern, match := d.rules.MatchSuccessFailover(first.Data); match {
		msg := errorPayload(first.Data)
		if msg == "" {
			msg = string(first.Data)
		}
		return outcome{httpCode: resp.StatusCode, message: msg, err: fmt.Errorf("stream failover: %s", pattern)}
	}

	if out, ok := r.relayBlock(ctx, first); !ok {
		return out
	}
	for {
		blk, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return r.abort(ctx, err)
		}
		if out, ok := r.relayBlock(ctx, blk); !ok {
			return out
		}
	}

	if !r.committed {
		return outcome{httpCode: http.StatusBadGateway, message: "upstream stream carried no events"}
	}
	return r.complete(ctx, cand, sentBody, resp)
}

// relayBlock writes one raw block through unchanged. ok=false carries the
// terminal outcome.
func (r *streamRelay) relayBlock(ctx context.Context, blk sse.Block) (outcome, bool) {
	if !blk.IsDone() && len(blk.Data) > 0 {
		if t, ok := extractEventUsage(r.upFam, blk.Data); ok {
			r.tokens = mergeUsage(r.tokens, t)
			r.sawUsage = true
		}
		r.text.WriteString(extractTextDelta(r.upFam, blk.Data))
	}
	if !r.committed {
		r.commit(ctx)
	}
	if r.capture != nil && r.capture.Len() < int(usage.DefaultBodyCap) {
		r.capture.Write(blk.Raw)
	}
	if _, err := r.w.Write(blk.Raw); err != nil {
		return r.abort(ctx, err), false
	}
	if r.flusher != nil {
		r.flusher.Flush()
	}
	return outcome{}, true
}

// probeFirst waits for the first upstream read under timeout. ok=false
// means the outcome is final for this attempt.
func probeFirst[T any](ctx context.Context, timeout time.Duration, resp *http.Response, next func() (T, error)) (T, outcome, bool) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := next()
		ch <- result{v, err}
	}()

	var zero T
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			err := upstream.MapTransportError(res.err)
			return zero, outcome{err: err, message: "stream ended before first event"}, false
		}
		return res.v, outcome{}, true
	case <-timer.C:
		resp.Body.Close()
		<-ch
		err := fmt.Errorf("%w: no first chunk within %s", gateway.ErrUpstreamTimeout, timeout)
		return zero, outcome{err: err, message: err.Error()}, false
	case <-ctx.Done():
		resp.Body.Close()
		<-ch
		return zero, outcome{err: ctx.Err(), message: "client cancelled"}, false
	}
}

// handle converts one upstream event and sends the results. ok=false carries
// the terminal outcome.
func (r *streamRelay) handle(ctx context.Context, ev sse.Event) (outcome, bool) {
	ev.Data = r.unwrap(ev.Data)
	if !ev.IsDone() && len(ev.Data) > 0 {
		if t, ok := extractEventUsage(r.upFamily(), ev.Data); ok {
			r.tokens = mergeUsage(r.tokens, t)
			r.sawUsage = true
		}
		r.text.WriteString(extractTextDelta(r.upFamily(), ev.Data))
	}

	outEvs, err := r.conv.Next(ev)
	if err != nil {
		if r.committed {
			return r.abort(ctx, err), false
		}
		return outcome{err: err, message: err.Error()}, false
	}
	for _, out := range outEvs {
		if err := r.send(ctx, out); err != nil {
			return r.abort(ctx, err), false
		}
	}
	return outcome{}, true
}

func (r *streamRelay) upFamily() gateway.APIFamily { return r.upFam }

func (r *streamRelay) unwrap(data []byte) []byte {
	if r.variant == nil {
		return data
	}
	return r.variant.UnwrapResponse(data)
}

// send writes one client event, committing the response on the first one.
func (r *streamRelay) send(ctx context.Context, ev sse.Event) error {
	if !r.committed {
		r.commit(ctx)
	}
	write := func(e sse.Event) error {
		b := e.Encode()
		if r.capture != nil && r.capture.Len() < int(usage.DefaultBodyCap) {
			r.capture.Write(b)
		}
		if _, err := r.w.Write(b); err != nil {
			return err
		}
		if r.flusher != nil {
			r.flusher.Flush()
		}
		return nil
	}
	if r.smoother != nil {
		return r.smoother.Emit(ctx, ev, write)
	}
	return write(ev)
}

// commit writes the SSE response headers and emits the STREAMING event.
func (r *streamRelay) commit(ctx context.Context) {
	r.committed = true
	h := r.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	r.w.WriteHeader(http.StatusOK)
	r.flusher, _ = r.w.(http.Flusher)

	firstByte := time.Since(r.sendStart).Milliseconds()
	r.row.FirstByteTimeMs = firstByte
	r.d.events.RecordStreaming(ctx, r.row.RequestID, firstByte)
}

// abort ends a stream that broke after work started. Post-commit breaks are
// terminal for the request; pre-commit ones fail over.
func (r *streamRelay) abort(ctx context.Context, err error) outcome {
	if ctx.Err() != nil {
		if r.committed {
			r.d.finishCancelled(ctx, r.row, r.norm, r.tokens, r.text.String(), r.sendStart)
			return outcome{committed: true, status: gateway.CandidateCancelled}
		}
		return outcome{err: ctx.Err(), message: "client cancelled"}
	}
	mapped := upstream.MapTransportError(err)
	if !r.committed {
		return outcome{err: mapped, message: mapped.Error()}
	}
	r.row.Tokens = r.tokens
	r.row.ErrorCategory = usage.Classify(0, mapped.Error(), mapped)
	r.row.ErrorMessage = SanitizeError(mapped.Error())
	r.row.ResponseTimeMs = time.Since(r.sendStart).Milliseconds()
	r.d.events.RecordTerminal(context.WithoutCancel(ctx), usage.EventFailed, r.row)
	return outcome{committed: true, status: gateway.CandidateFailed, err: mapped, message: mapped.Error()}
}

// complete prices and records a finished stream.
func (r *streamRelay) complete(ctx context.Context, cand *planner.Candidate, sentBody []byte, resp *http.Response) outcome {
	r.row.Tokens = r.tokens
	if !r.sawUsage {
		r.row.Tokens.Input = tokencount.EstimateBody(r.norm.Body)
		r.row.Tokens.Output = tokencount.EstimateText(r.text.String())
	}
	r.d.countTokens(r.norm.Model, r.row.Tokens)
	if err := r.d.priceExchange(ctx, r.row, cand, sentBody, nil); err != nil {
		r.d.logger.Warn("pricing failed", "request_id", r.row.RequestID, "error", err)
	}

	r.row.StatusCode = resp.StatusCode
	r.row.ResponseTimeMs = time.Since(r.sendStart).Milliseconds()
	r.row.ResponseHeaders = usage.CaptureHeaders(r.d.cfg.LogLevel, resp.Header)
	if r.capture != nil {
		r.row.ResponseBody = usage.CaptureBody(r.d.cfg.LogLevel, r.capture.Bytes(), usage.DefaultBodyCap)
	}

	r.d.events.RecordTerminal(ctx, usage.EventCompleted, r.row)
	r.d.settleAccounting(ctx, r.row, cand)
	return outcome{committed: true, status: gateway.CandidateSuccess}
}

// extractTextDelta pulls the visible text out of one streaming frame in the
// upstream's format, for the cancel-time output estimate.
func extractTextDelta(family gateway.APIFamily, data []byte) string {
	r := gjson.ParseBytes(data)
	switch family {
	case gateway.FamilyClaude:
		return r.Get("delta.text").String()
	case gateway.FamilyGemini:
		return r.Get("candidates.0.content.parts.0.text").String()
	default:
		if s := r.Get("choices.0.delta.content"); s.Exists() {
			return s.String()
		}
		// Responses API text frames carry the piece in "delta".
		if r.Get("type").String() == "response.output_text.delta" {
			return r.Get("delta").String()
		}
		return ""
	}
}
