package dispatch

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	gateway "github.com/aetherlab/aether/internal"
	"github.com/aetherlab/aether/internal/billing"
	"github.com/aetherlab/aether/internal/convert"
	"github.com/aetherlab/aether/internal/dimension"
	"github.com/aetherlab/aether/internal/health"
	"github.com/aetherlab/aether/internal/planner"
	"github.com/aetherlab/aether/internal/ratelimit"
	"github.com/aetherlab/aether/internal/telemetry"
	"github.com/aetherlab/aether/internal/testutil"
	"github.com/aetherlab/aether/internal/upstream"
	"github.com/aetherlab/aether/internal/usage"
)

// captureWriter records telemetry events for assertions.
type captureWriter struct {
	mu        sync.Mutex
	streaming []string
	terminals []capturedEvent
}

type capturedEvent struct {
	typ usage.EventType
	row gateway.Usage
}

func (w *captureWriter) RecordStreaming(_ context.Context, requestID string, _ int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.streaming = append(w.streaming, requestID)
}

func (w *captureWriter) RecordTerminal(_ context.Context, typ usage.EventType, row *gateway.Usage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.terminals = append(w.terminals, capturedEvent{typ: typ, row: *row})
}

func (w *captureWriter) Close(context.Context) error { return nil }

func (w *captureWriter) lastTerminal(t *testing.T) capturedEvent {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.terminals) == 0 {
		t.Fatal("no terminal event recorded")
	}
	return w.terminals[len(w.terminals)-1]
}

func newTestDispatcher(t *testing.T, store *testutil.FakeStore, events *captureWriter) *Dispatcher {
	t.Helper()
	conv := convert.NewRegistry()
	hm := health.NewManager(health.DefaultConfig(), nil, nil)
	source := planner.NewStoreSource(store, store)
	eng, err := billing.NewEngine()
	if err != nil {
		t.Fatalf("billing engine: %v", err)
	}
	cfg := DefaultConfig()
	cfg.FirstChunkTimeout = 5 * time.Second
	return New(cfg, Deps{
		Planner: planner.New(source, hm, conv, 10),
		Health:  hm,
		Convert: conv,
		Clients: upstream.NewClientPool(context.Background()),
		Events:  events,
		Billing: eng,
		Dims:    dimension.NewService(store, nil),
		Store:   store,
		Limits:  ratelimit.NewRegistry(),
		Metrics: telemetry.NewMetrics(prometheus.NewRegistry()),
	})
}

func dispatchCtx(keyID string) context.Context {
	ctx := gateway.ContextWithRequestID(context.Background(), "req-"+keyID)
	return gateway.ContextWithIdentity(ctx, testutil.Identity(keyID, "user-1"))
}

var openaiChat = gateway.Signature{Family: gateway.FamilyOpenAI, Kind: gateway.KindChat}

func TestDispatchPassthroughCompleted(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	up := testutil.NewJSONUpstream(t, 200, `{
		"id":"cmpl-1","model":"gpt-x-up",
		"choices":[{"message":{"role":"assistant","content":"hi"}}],
		"usage":{"prompt_tokens":10,"completion_tokens":4}
	}`)
	testutil.SeedCatalog(store, "gpt-x", "gpt-x-up", up.URL, gateway.FamilyOpenAI, gateway.KindChat)

	events := &captureWriter{}
	d := newTestDispatcher(t, store, events)

	rec := httptest.NewRecorder()
	d.Dispatch(dispatchCtx("k1"), rec, &Request{
		Sig:  openaiChat,
		Body: []byte(`{"model":"gpt-x","messages":[{"role":"user","content":"hey"}]}`),
	})

	if rec.Code != 200 {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"cmpl-1"`) {
		t.Fatalf("body not relayed: %s", rec.Body.String())
	}
	ev := events.lastTerminal(t)
	if ev.typ != usage.EventCompleted {
		t.Fatalf("terminal = %s, want COMPLETED", ev.typ)
	}
	if ev.row.Tokens.Input != 10 || ev.row.Tokens.Output != 4 {
		t.Fatalf("tokens = %+v", ev.row.Tokens)
	}
	if ev.row.ResolvedModel != "gpt-x-up" {
		t.Fatalf("resolved model = %q", ev.row.ResolvedModel)
	}
	// No expression rule is configured, so the catalog tiers price the
	// exchange: 10 in @ $1/M + 4 out @ $2/M.
	want := billing.TokenCost([]gateway.PriceTier{{InputPerM: 1, OutputPerM: 2}}, ev.row.Tokens, 0).TotalUSD
	if ev.row.CostUSD == 0 || ev.row.CostUSD != want {
		t.Fatalf("cost = %v, want %v", ev.row.CostUSD, want)
	}
	if ev.row.BillingStatus != gateway.BillingSettled {
		t.Fatalf("billing = %s", ev.row.BillingStatus)
	}

	cands, _ := store.ListCandidates(context.Background(), "req-k1")
	if len(cands) != 1 || cands[0].Status != gateway.CandidateSuccess {
		t.Fatalf("ledger = %+v", cands)
	}
}

func TestDispatchBillingRuleSettles(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	up := testutil.NewJSONUpstream(t, 200, `{
		"choices":[{"message":{"content":"ok"}}],
		"usage":{"prompt_tokens":1000000,"completion_tokens":0}
	}`)
	ids := testutil.SeedCatalog(store, "gpt-x", "gpt-x-up", up.URL, gateway.FamilyOpenAI, gateway.KindChat)
	store.Rules = append(store.Rules, &gateway.BillingRule{
		ID: "rule-1", ModelID: &ids.Model, TaskType: "chat",
		Expression: "input_tokens / 1000000 * input_price",
		Variables:  map[string]float64{"input_price": 3},
		Enabled:    true,
	})

	events := &captureWriter{}
	d := newTestDispatcher(t, store, events)

	rec := httptest.NewRecorder()
	d.Dispatch(dispatchCtx("k2"), rec, &Request{
		Sig:  openaiChat,
		Body: []byte(`{"model":"gpt-x","messages":[]}`),
	})
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	ev := events.lastTerminal(t)
	if ev.row.CostUSD != 3 {
		t.Fatalf("cost = %v, want 3", ev.row.CostUSD)
	}
	if ev.row.BillingStatus != gateway.BillingSettled {
		t.Fatalf("billing status = %s", ev.row.BillingStatus)
	}
}

func TestDispatchFailsOverToNextProvider(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	bad := testutil.NewJSONUpstream(t, 500, `{"error":{"message":"backend exploded"}}`)
	good := testutil.NewJSONUpstream(t, 200, `{"choices":[{"message":{"content":"ok"}}],"usage":{"prompt_tokens":1,"completion_tokens":1}}`)

	global := &gateway.GlobalModel{ID: "gm", Name: "gpt-x", Enabled: true}
	store.Globals["gm"] = global
	for i, srv := range []*testutil.FakeUpstream{bad, good} {
		pid := []string{"p-bad", "p-good"}[i]
		store.Providers[pid] = &gateway.Provider{ID: pid, Name: pid, Type: "openai", Priority: i, Enabled: true}
		store.Endpoints[pid+"-ep"] = &gateway.Endpoint{
			ID: pid + "-ep", ProviderID: pid,
			Family: gateway.FamilyOpenAI, Kind: gateway.KindChat, BaseURL: srv.URL, Enabled: true,
		}
		store.Credentials[pid+"-cred"] = &gateway.Credential{
			ID: pid + "-cred", EndpointID: pid + "-ep", ProviderID: pid,
			AuthType: gateway.AuthAPIKey, Secret: "sk", Enabled: true,
		}
		store.Models[pid+"-m"] = &gateway.Model{
			ID: pid + "-m", ProviderID: pid, GlobalModelID: "gm", UpstreamName: "up", Enabled: true,
		}
	}

	events := &captureWriter{}
	d := newTestDispatcher(t, store, events)

	rec := httptest.NewRecorder()
	d.Dispatch(dispatchCtx("k3"), rec, &Request{
		Sig:  openaiChat,
		Body: []byte(`{"model":"gpt-x","messages":[]}`),
	})

	if rec.Code != 200 {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if bad.Hits() != 1 || good.Hits() != 1 {
		t.Fatalf("hits bad=%d good=%d", bad.Hits(), good.Hits())
	}
	cands, _ := store.ListCandidates(context.Background(), "req-k3")
	if len(cands) != 2 {
		t.Fatalf("ledger rows = %d", len(cands))
	}
	statuses := map[gateway.CandidateStatus]int{}
	for _, c := range cands {
		statuses[c.Status]++
	}
	if statuses[gateway.CandidateFailed] != 1 || statuses[gateway.CandidateSuccess] != 1 {
		t.Fatalf("ledger statuses = %v", statuses)
	}
}

func TestDispatchErrorStopSkipsRemainingCandidates(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	bad := testutil.NewJSONUpstream(t, 400, `{"error":{"type":"invalid_request_error","message":"bad schema"}}`)
	spare := testutil.NewJSONUpstream(t, 200, `{"choices":[]}`)

	store.Globals["gm"] = &gateway.GlobalModel{ID: "gm", Name: "gpt-x", Enabled: true}
	for i, srv := range []*testutil.FakeUpstream{bad, spare} {
		pid := []string{"p-first", "p-second"}[i]
		store.Providers[pid] = &gateway.Provider{ID: pid, Name: pid, Type: "openai", Priority: i, Enabled: true}
		store.Endpoints[pid+"-ep"] = &gateway.Endpoint{
			ID: pid + "-ep", ProviderID: pid,
			Family: gateway.FamilyOpenAI, Kind: gateway.KindChat, BaseURL: srv.URL, Enabled: true,
		}
		store.Credentials[pid+"-cred"] = &gateway.Credential{
			ID: pid + "-cred", EndpointID: pid + "-ep", ProviderID: pid,
			AuthType: gateway.AuthAPIKey, Secret: "sk", Enabled: true,
		}
		store.Models[pid+"-m"] = &gateway.Model{
			ID: pid + "-m", ProviderID: pid, GlobalModelID: "gm", UpstreamName: "up", Enabled: true,
		}
	}

	events := &captureWriter{}
	d := newTestDispatcher(t, store, events)

	rec := httptest.NewRecorder()
	d.Dispatch(dispatchCtx("k4"), rec, &Request{
		Sig:  openaiChat,
		Body: []byte(`{"model":"gpt-x","messages":[]}`),
	})

	if rec.Code != 400 {
		t.Fatalf("status = %d", rec.Code)
	}
	if spare.Hits() != 0 {
		t.Fatal("second candidate attempted despite stop rule")
	}
	if ev := events.lastTerminal(t); ev.typ != usage.EventFailed {
		t.Fatalf("terminal = %s", ev.typ)
	}
}

func TestDispatchStreamPassthrough(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	up := testutil.NewSSEUpstream(t,
		`{"choices":[{"delta":{"role":"assistant"}}]}`,
		`{"choices":[{"delta":{"content":"hello"}}]}`,
		`{"choices":[{"delta":{}}],"usage":{"prompt_tokens":5,"completion_tokens":2}}`,
		`[DONE]`,
	)
	testutil.SeedCatalog(store, "gpt-x", "gpt-x-up", up.URL, gateway.FamilyOpenAI, gateway.KindChat)

	events := &captureWriter{}
	d := newTestDispatcher(t, store, events)

	rec := httptest.NewRecorder()
	d.Dispatch(dispatchCtx("k5"), rec, &Request{
		Sig:  openaiChat,
		Body: []byte(`{"model":"gpt-x","stream":true,"messages":[]}`),
	})

	if rec.Code != 200 {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"hello"`) || !strings.Contains(body, "[DONE]") {
		t.Fatalf("stream body missing chunks: %s", body)
	}

	events.mu.Lock()
	streamed := len(events.streaming)
	events.mu.Unlock()
	if streamed != 1 {
		t.Fatalf("streaming events = %d", streamed)
	}
	ev := events.lastTerminal(t)
	if ev.typ != usage.EventCompleted {
		t.Fatalf("terminal = %s", ev.typ)
	}
	if ev.row.Tokens.Input != 5 || ev.row.Tokens.Output != 2 {
		t.Fatalf("tokens = %+v", ev.row.Tokens)
	}
}

func TestDispatchStreamRelaysRawFraming(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	raw := ": keepalive\nretry: 3000\n\n" +
		"event: chunk\nid: 7\ndata: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n" +
		"data: {\"choices\":[],\"usage\":{\"prompt_tokens\":7,\"completion_tokens\":3}}\n\n" +
		"data: [DONE]\n\n"
	up := testutil.NewRawUpstream(t, "text/event-stream", raw)
	testutil.SeedCatalog(store, "gpt-x", "gpt-x-up", up.URL, gateway.FamilyOpenAI, gateway.KindChat)

	events := &captureWriter{}
	d := newTestDispatcher(t, store, events)

	rec := httptest.NewRecorder()
	d.Dispatch(dispatchCtx("k5r"), rec, &Request{
		Sig:  openaiChat,
		Body: []byte(`{"model":"gpt-x","stream":true,"messages":[]}`),
	})

	if rec.Code != 200 {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	// Comment lines, retry/id fields and the upstream's own framing must
	// reach the client byte for byte.
	if rec.Body.String() != raw {
		t.Fatalf("stream reframed:\ngot  %q\nwant %q", rec.Body.String(), raw)
	}
	ev := events.lastTerminal(t)
	if ev.typ != usage.EventCompleted {
		t.Fatalf("terminal = %s", ev.typ)
	}
	if ev.row.Tokens.Input != 7 || ev.row.Tokens.Output != 3 {
		t.Fatalf("tokens = %+v", ev.row.Tokens)
	}
}

func TestDispatchStreamConversionClaudeClient(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	up := testutil.NewSSEUpstream(t,
		`{"choices":[{"delta":{"role":"assistant"}}]}`,
		`{"choices":[{"delta":{"content":"hi"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1}}`,
		`[DONE]`,
	)
	testutil.SeedCatalog(store, "gpt-x", "gpt-x-up", up.URL, gateway.FamilyOpenAI, gateway.KindChat)

	events := &captureWriter{}
	d := newTestDispatcher(t, store, events)

	rec := httptest.NewRecorder()
	d.Dispatch(dispatchCtx("k6"), rec, &Request{
		Sig:  gateway.Signature{Family: gateway.FamilyClaude, Kind: gateway.KindChat},
		Body: []byte(`{"model":"gpt-x","stream":true,"max_tokens":100,"messages":[{"role":"user","content":"hey"}]}`),
	})

	if rec.Code != 200 {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, "message_start") || !strings.Contains(body, "message_stop") {
		t.Fatalf("converted stream missing claude envelope: %s", body)
	}
	ev := events.lastTerminal(t)
	if !ev.row.FormatConverted {
		t.Fatal("row not marked converted")
	}
}

func TestDispatchQuotaExceeded(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	quota := 1.0
	store.Users["user-1"] = &gateway.User{ID: "user-1", QuotaUSD: &quota, UsedUSD: 2}

	events := &captureWriter{}
	d := newTestDispatcher(t, store, events)

	rec := httptest.NewRecorder()
	d.Dispatch(dispatchCtx("k7"), rec, &Request{
		Sig:  openaiChat,
		Body: []byte(`{"model":"gpt-x","messages":[]}`),
	})
	if rec.Code != 402 {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestDispatchFormatNotAllowed(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	d := newTestDispatcher(t, store, &captureWriter{})

	id := testutil.Identity("k7f", "user-1")
	id.AllowedFormats = []string{"claude"}
	ctx := gateway.ContextWithIdentity(
		gateway.ContextWithRequestID(context.Background(), "req-k7f"), id)

	rec := httptest.NewRecorder()
	d.Dispatch(ctx, rec, &Request{
		Sig:  openaiChat,
		Body: []byte(`{"model":"gpt-x","messages":[]}`),
	})
	if rec.Code != 403 {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestDispatchNoProviders(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	events := &captureWriter{}
	d := newTestDispatcher(t, store, events)

	rec := httptest.NewRecorder()
	d.Dispatch(dispatchCtx("k8"), rec, &Request{
		Sig:  openaiChat,
		Body: []byte(`{"model":"nonexistent","messages":[]}`),
	})
	if rec.Code != 503 {
		t.Fatalf("status = %d", rec.Code)
	}
	if ev := events.lastTerminal(t); ev.typ != usage.EventFailed {
		t.Fatalf("terminal = %s", ev.typ)
	}
}

func TestDispatchMissingModel(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	d := newTestDispatcher(t, store, &captureWriter{})

	rec := httptest.NewRecorder()
	d.Dispatch(dispatchCtx("k9"), rec, &Request{
		Sig:  openaiChat,
		Body: []byte(`{"messages":[]}`),
	})
	if rec.Code != 400 {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("error body not json: %v", err)
	}
}

func TestSubmitVideoCreatesTask(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	up := testutil.NewJSONUpstream(t, 200, `{"id":"job-abc","status":"queued"}`)
	ids := testutil.SeedCatalog(store, "sora", "sora-up", up.URL, gateway.FamilyOpenAI, gateway.KindVideo)
	store.Rules = append(store.Rules, &gateway.BillingRule{
		ID: "vr", ModelID: &ids.Model, TaskType: "video",
		Expression: "duration * 2", Enabled: true,
	})

	events := &captureWriter{}
	d := newTestDispatcher(t, store, events)

	rec := httptest.NewRecorder()
	d.SubmitVideo(dispatchCtx("k10"), rec, &Request{
		Sig:  gateway.Signature{Family: gateway.FamilyOpenAI, Kind: gateway.KindVideo},
		Body: []byte(`{"model":"sora","prompt":"a cat"}`),
	})

	if rec.Code != 200 {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	task, err := store.GetTaskByRequestID(context.Background(), "req-k10")
	if err != nil {
		t.Fatalf("task not created: %v", err)
	}
	if task.ExternalTaskID != "job-abc" {
		t.Fatalf("external id = %q", task.ExternalTaskID)
	}
	if task.Status != gateway.TaskSubmitted {
		t.Fatalf("status = %s", task.Status)
	}
	if len(task.RuleSnapshot) == 0 {
		t.Fatal("rule snapshot not frozen")
	}
	if len(task.PriceSnapshot) == 0 {
		t.Fatal("price snapshot not frozen")
	}

	row, err := store.GetUsageByRequestID(context.Background(), "req-k10")
	if err != nil {
		t.Fatalf("usage row: %v", err)
	}
	if row.Status != gateway.UsageSubmitted {
		t.Fatalf("row status = %s", row.Status)
	}
	if row.BillingStatus != gateway.BillingPending {
		t.Fatalf("billing = %s", row.BillingStatus)
	}
	// Submission alone must not emit a terminal event; the poller settles it.
	events.mu.Lock()
	terms := len(events.terminals)
	events.mu.Unlock()
	if terms != 0 {
		t.Fatalf("terminal events = %d", terms)
	}
}

func TestAcquireKeySlotLimitsConcurrency(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, testutil.NewFakeStore(), &captureWriter{})
	id := testutil.Identity("slot-key", "user-1")
	id.MaxConcurrent = 2

	r1 := d.acquireKeySlot(id)
	r2 := d.acquireKeySlot(id)
	if r1 == nil || r2 == nil {
		t.Fatal("first two slots refused")
	}
	if d.acquireKeySlot(id) != nil {
		t.Fatal("third slot granted past limit")
	}
	r1()
	if d.acquireKeySlot(id) == nil {
		t.Fatal("slot not released")
	}
}
