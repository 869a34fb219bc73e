package poller

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	gateway "github.com/aetherlab/aether/internal"
	"github.com/aetherlab/aether/internal/billing"
	"github.com/aetherlab/aether/internal/dimension"
	"github.com/aetherlab/aether/internal/telemetry"
	"github.com/aetherlab/aether/internal/testutil"
	"github.com/aetherlab/aether/internal/upstream"
)

func newTestPoller(t *testing.T, store *testutil.FakeStore) *Poller {
	t.Helper()
	eng, err := billing.NewEngine()
	if err != nil {
		t.Fatalf("billing engine: %v", err)
	}
	cfg := DefaultConfig()
	cfg.Strict = true
	return New(cfg, Deps{
		Store:   store,
		Clients: upstream.NewClientPool(context.Background()),
		Billing: eng,
		Dims:    dimension.NewService(store, nil),
		Metrics: telemetry.NewMetrics(prometheus.NewRegistry()),
	})
}

// seedTask installs a due task plus its catalog chain and submitted usage row.
func seedTask(store *testutil.FakeStore, baseURL string, snapshot json.RawMessage) *gateway.VideoTask {
	ids := testutil.SeedCatalog(store, "sora", "sora-up", baseURL, gateway.FamilyOpenAI, gateway.KindVideo)
	task := &gateway.VideoTask{
		ID:             "task-1",
		RequestID:      "req-1",
		ExternalTaskID: "job-abc",
		ProviderID:     ids.Provider,
		EndpointID:     ids.Endpoint,
		CredentialID:   ids.Credential,
		Model:          "sora-up",
		Status:         gateway.TaskSubmitted,
		MaxPollCount:   10,
		PollIntervalS:  5,
		NextPollAt:     time.Now().Add(-time.Second),
		RuleSnapshot:   snapshot,
		CreatedAt:      time.Now().UTC(),
	}
	store.Tasks[task.ID] = task
	store.UsageRows[task.RequestID] = &gateway.Usage{
		ID:            "u-1",
		RequestID:     task.RequestID,
		Status:        gateway.UsageSubmitted,
		BillingStatus: gateway.BillingPending,
	}
	return task
}

func durationSnapshot(t *testing.T) json.RawMessage {
	t.Helper()
	snap, err := json.Marshal(&gateway.BillingRule{
		ID:         "vr",
		TaskType:   "video",
		Expression: "duration * price_per_second",
		Variables:  map[string]float64{"price_per_second": 0.5},
		Mappings: map[string]gateway.DimensionMapping{
			"duration": {Source: gateway.MapDimension, Key: "duration", Required: true},
		},
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	return snap
}

func TestTickRunningTaskAdvancesPoll(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	up := testutil.NewJSONUpstream(t, 200, `{"status":"in_progress","progress":40}`)
	seedTask(store, up.URL, nil)

	p := newTestPoller(t, store)
	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	task := store.Tasks["task-1"]
	if task.Status != gateway.TaskProcessing {
		t.Fatalf("status = %s", task.Status)
	}
	if task.PollCount != 1 || task.Progress != 40 {
		t.Fatalf("poll_count = %d, progress = %d", task.PollCount, task.Progress)
	}
	if !task.NextPollAt.After(time.Now()) {
		t.Fatal("next_poll_at not advanced")
	}
}

func TestTickCompletedTaskSettles(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	up := testutil.NewJSONUpstream(t, 200,
		`{"status":"completed","duration":8,"output":[{"url":"https://cdn.example/v.mp4"}]}`)
	seedTask(store, up.URL, durationSnapshot(t))

	// Collector extracts duration from the poll response.
	store.Collectors = append(store.Collectors, gateway.DimensionCollector{
		ID: "dc", Dimension: "duration", Family: gateway.FamilyOpenAI,
		Kind: gateway.KindVideo, TaskType: "video",
		Source: gateway.SourceResponse, Path: "duration",
		ValueType: "float", Required: true, Enabled: true,
	})

	p := newTestPoller(t, store)
	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	task := store.Tasks["task-1"]
	if task.Status != gateway.TaskCompleted {
		t.Fatalf("status = %s (%s)", task.Status, task.ErrorMessage)
	}
	if len(task.ResultURLs) != 1 || task.ResultURLs[0] != "https://cdn.example/v.mp4" {
		t.Fatalf("urls = %v", task.ResultURLs)
	}
	if task.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}

	row := store.UsageRows["req-1"]
	if row.Status != gateway.UsageCompleted {
		t.Fatalf("row status = %s", row.Status)
	}
	if row.CostUSD != 4 { // 8 s * 0.5
		t.Fatalf("cost = %v", row.CostUSD)
	}
	if row.BillingStatus != gateway.BillingSettled {
		t.Fatalf("billing = %s", row.BillingStatus)
	}
}

func TestTickCompletedRuleLessTaskSettlesByTiers(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	up := testutil.NewJSONUpstream(t, 200,
		`{"status":"completed","output":[{"url":"https://cdn.example/v.mp4"}]}`)
	task := seedTask(store, up.URL, nil)
	task.PriceSnapshot = json.RawMessage(`{"price_per_request":0.25}`)

	p := newTestPoller(t, store)
	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	row := store.UsageRows["req-1"]
	if row.Status != gateway.UsageCompleted {
		t.Fatalf("row status = %s", row.Status)
	}
	if row.CostUSD != 0.25 {
		t.Fatalf("cost = %v, want 0.25 from frozen pricing", row.CostUSD)
	}
}

func TestTickCompletedTaskNoPricingSettlesAtZero(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	up := testutil.NewJSONUpstream(t, 200, `{"status":"completed"}`)
	seedTask(store, up.URL, nil)

	p := newTestPoller(t, store)
	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	row := store.UsageRows["req-1"]
	if row.Status != gateway.UsageCompleted || row.CostUSD != 0 {
		t.Fatalf("row = %s cost %v", row.Status, row.CostUSD)
	}
}

func TestDimAlertThresholdOncePerWindow(t *testing.T) {
	t.Parallel()
	var a dimAlert
	now := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)

	var alerts int
	for range dimAlertThreshold + 5 {
		if _, alert := a.observe("sora-up", "duration", now); alert {
			alerts++
		}
	}
	if alerts != 1 {
		t.Fatalf("alerts = %d, want 1", alerts)
	}
	if n, _ := a.observe("sora-up", "seconds", now); n != 1 {
		t.Fatalf("cross-dimension count = %d", n)
	}
	if n, _ := a.observe("sora-up", "duration", now.Add(time.Hour)); n != 1 {
		t.Fatalf("count after window rollover = %d", n)
	}
}

func TestTickFailedTaskSettlesAtZero(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	up := testutil.NewJSONUpstream(t, 200,
		`{"status":"failed","error":{"code":"moderation_blocked","message":"prompt rejected"}}`)
	seedTask(store, up.URL, durationSnapshot(t))

	p := newTestPoller(t, store)
	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	task := store.Tasks["task-1"]
	if task.Status != gateway.TaskFailed {
		t.Fatalf("status = %s", task.Status)
	}
	if task.ErrorCode != "moderation_blocked" {
		t.Fatalf("error code = %q", task.ErrorCode)
	}
	row := store.UsageRows["req-1"]
	if row.Status != gateway.UsageFailed || row.CostUSD != 0 {
		t.Fatalf("row = %s cost %v", row.Status, row.CostUSD)
	}
}

func TestTickPermanentHTTPErrorFailsTask(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	up := testutil.NewJSONUpstream(t, 404, `{"error":{"message":"no such job"}}`)
	seedTask(store, up.URL, nil)

	p := newTestPoller(t, store)
	p.Tick(context.Background())

	task := store.Tasks["task-1"]
	if task.Status != gateway.TaskFailed {
		t.Fatalf("status = %s", task.Status)
	}
	if store.UsageRows["req-1"].Status != gateway.UsageFailed {
		t.Fatalf("row status = %s", store.UsageRows["req-1"].Status)
	}
}

func TestTickTransientErrorBacksOff(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	up := testutil.NewJSONUpstream(t, 500, `{"error":{"message":"try later"}}`)
	seedTask(store, up.URL, nil)

	p := newTestPoller(t, store)
	p.Tick(context.Background())

	task := store.Tasks["task-1"]
	if task.Terminal() {
		t.Fatalf("task terminal after transient error: %s", task.Status)
	}
	if task.RetryCount != 1 {
		t.Fatalf("retry_count = %d", task.RetryCount)
	}
	// interval 5s doubled once.
	min := time.Now().Add(8 * time.Second)
	if task.NextPollAt.Before(min) {
		t.Fatalf("backoff too short: %s", time.Until(task.NextPollAt))
	}
}

func TestTickPollBudgetExhausted(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	up := testutil.NewJSONUpstream(t, 200, `{"status":"queued"}`)
	task := seedTask(store, up.URL, nil)
	task.PollCount = task.MaxPollCount - 1

	p := newTestPoller(t, store)
	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got := store.Tasks["task-1"]
	if got.Status != gateway.TaskFailed || got.ErrorCode != gateway.CategoryPollTimeout {
		t.Fatalf("status = %s code = %q", got.Status, got.ErrorCode)
	}
	row := store.UsageRows["req-1"]
	if row.Status != gateway.UsageFailed || row.CostUSD != 0 {
		t.Fatalf("row = %s cost %v", row.Status, row.CostUSD)
	}
	if row.ErrorCategory != gateway.CategoryPollTimeout {
		t.Fatalf("category = %q", row.ErrorCategory)
	}
}

func TestTickStrictBillingIncompleteFailsRow(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	// Completed but the response carries no duration and no collector exists.
	up := testutil.NewJSONUpstream(t, 200, `{"status":"completed","url":"https://cdn.example/v.mp4"}`)
	seedTask(store, up.URL, durationSnapshot(t))

	p := newTestPoller(t, store)
	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	row := store.UsageRows["req-1"]
	if row.Status != gateway.UsageFailed {
		t.Fatalf("row status = %s", row.Status)
	}
	if row.ErrorCategory != gateway.CategoryBilling {
		t.Fatalf("category = %q", row.ErrorCategory)
	}
}

func TestTickVanishedUsageRowCountsAsSuccess(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	up := testutil.NewJSONUpstream(t, 200, `{"status":"completed","url":"https://cdn.example/v.mp4"}`)
	seedTask(store, up.URL, nil)
	delete(store.UsageRows, "req-1")

	p := newTestPoller(t, store)
	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if store.Tasks["task-1"].Status != gateway.TaskCompleted {
		t.Fatalf("status = %s", store.Tasks["task-1"].Status)
	}
}

func TestParseTaskState(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		family gateway.APIFamily
		body   string
		phase  phase
		urls   int
	}{
		{"openai queued", gateway.FamilyOpenAI, `{"status":"queued"}`, phaseRunning, 0},
		{"openai succeeded", gateway.FamilyOpenAI, `{"status":"succeeded","data":[{"url":"u1"},{"url":"u2"}]}`, phaseCompleted, 2},
		{"openai failed", gateway.FamilyOpenAI, `{"status":"failed","error":{"code":"x","message":"y"}}`, phaseFailed, 0},
		{"unknown status runs", gateway.FamilyOpenAI, `{"status":"warming_up"}`, phaseRunning, 0},
		{"gemini pending", gateway.FamilyGemini, `{"done":false,"metadata":{"progressPercent":30}}`, phaseRunning, 0},
		{"gemini done", gateway.FamilyGemini, `{"done":true,"response":{"generateVideoResponse":{"generatedSamples":[{"video":{"uri":"gs://v"}}]}}}`, phaseCompleted, 1},
		{"gemini error", gateway.FamilyGemini, `{"done":true,"error":{"status":"INVALID_ARGUMENT","message":"bad"}}`, phaseFailed, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := parseTaskState(tc.family, []byte(tc.body))
			if got.phase != tc.phase {
				t.Fatalf("phase = %d, want %d", got.phase, tc.phase)
			}
			if len(got.urls) != tc.urls {
				t.Fatalf("urls = %v", got.urls)
			}
		})
	}
}
