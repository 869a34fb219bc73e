package planner

import (
	"context"
	"testing"

	gateway "github.com/aetherlab/aether/internal"
)

type fakeSource struct{ snap *Snapshot }

func (s *fakeSource) Snapshot(context.Context) (*Snapshot, error) { return s.snap, nil }

type fakeHealth struct {
	reasons map[string]string
	scores  map[string]float64
}

func (h *fakeHealth) Peek(_ context.Context, cred *gateway.Credential) string {
	return h.reasons[cred.ID]
}

func (h *fakeHealth) Score(id string) float64 {
	if s, ok := h.scores[id]; ok {
		return s
	}
	return 1.0
}

type fakeConvert struct{ deny bool }

func (c *fakeConvert) CanConvert(_, _ gateway.Signature, _ bool) bool { return !c.deny }

func boolPtr(b bool) *bool          { return &b }
func f64Ptr(v float64) *float64     { return &v }
func intPtr(v int) *int             { return &v }

func baseSnapshot() *Snapshot {
	global := &gateway.GlobalModel{ID: "gm1", Name: "gpt-4o", Enabled: true,
		Capabilities: gateway.Capabilities{Vision: boolPtr(true)}}
	return &Snapshot{
		Providers: []*gateway.Provider{
			{ID: "p1", Name: "openai", Priority: 1, Enabled: true},
			{ID: "p2", Name: "backup", Priority: 2, Enabled: true},
		},
		Endpoints: map[string][]*gateway.Endpoint{
			"p1": {{ID: "e1", ProviderID: "p1", Family: gateway.FamilyOpenAI, Kind: gateway.KindChat, BaseURL: "https://a", Enabled: true}},
			"p2": {{ID: "e2", ProviderID: "p2", Family: gateway.FamilyClaude, Kind: gateway.KindChat, BaseURL: "https://b", Enabled: true}},
		},
		Credentials: map[string][]*gateway.Credential{
			"e1": {{ID: "c1", EndpointID: "e1", ProviderID: "p1", Priority: 1, Enabled: true}},
			"e2": {{ID: "c2", EndpointID: "e2", ProviderID: "p2", Priority: 1, Enabled: true}},
		},
		Models: map[string][]*gateway.Model{
			"p1": {{ID: "m1", ProviderID: "p1", GlobalModelID: "gm1", UpstreamName: "gpt-4o", Enabled: true}},
			"p2": {{ID: "m2", ProviderID: "p2", GlobalModelID: "gm1", UpstreamName: "claude-4o-equiv", Enabled: true}},
		},
		GlobalByID:   map[string]*gateway.GlobalModel{"gm1": global},
		GlobalByName: map[string]*gateway.GlobalModel{"gpt-4o": global},
	}
}

func openAIChatRequest() *Request {
	return &Request{
		Model:     "gpt-4o",
		ClientSig: gateway.Signature{Family: gateway.FamilyOpenAI, Kind: gateway.KindChat},
		Identity:  &gateway.Identity{},
	}
}

func newTestPlanner(snap *Snapshot, h *fakeHealth, max int) *Planner {
	if h == nil {
		h = &fakeHealth{}
	}
	return New(&fakeSource{snap: snap}, h, &fakeConvert{}, max)
}

func TestPlanRanksExactFormatFirst(t *testing.T) {
	t.Parallel()

	p := newTestPlanner(baseSnapshot(), nil, 0)
	res, err := p.Plan(context.Background(), openAIChatRequest())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Candidates) != 2 {
		t.Fatalf("candidates = %d, want 2", len(res.Candidates))
	}
	if res.Candidates[0].Credential.ID != "c1" || res.Candidates[0].NeedsConversion {
		t.Errorf("first candidate = %s conv=%v", res.Candidates[0].Credential.ID, res.Candidates[0].NeedsConversion)
	}
	if !res.Candidates[1].NeedsConversion {
		t.Error("claude endpoint should need conversion")
	}
	if res.Candidates[1].UpstreamModel != "claude-4o-equiv" {
		t.Errorf("upstream model = %s", res.Candidates[1].UpstreamModel)
	}
}

func TestPlanFilters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		mutate   func(s *Snapshot, r *Request, h *fakeHealth)
		wantIDs  []string
		wantSkip string
	}{
		{
			name: "disabled provider dropped silently",
			mutate: func(s *Snapshot, _ *Request, _ *fakeHealth) {
				s.Providers[0].Enabled = false
			},
			wantIDs: []string{"c2"},
		},
		{
			name: "provider allow-list",
			mutate: func(_ *Snapshot, r *Request, _ *fakeHealth) {
				r.Identity.AllowedProviders = []string{"openai"}
			},
			wantIDs:  []string{"c1"},
			wantSkip: SkipNotAllowed,
		},
		{
			name: "provider monthly quota",
			mutate: func(s *Snapshot, _ *Request, _ *fakeHealth) {
				s.Providers[0].MonthlyQuotaUSD = f64Ptr(100)
				s.Providers[0].MonthlyUsedUSD = 100
			},
			wantIDs:  []string{"c2"},
			wantSkip: SkipProviderQuota,
		},
		{
			name: "capability unsupported",
			mutate: func(s *Snapshot, r *Request, _ *fakeHealth) {
				r.Capabilities = []string{"vision"}
				s.Models["p2"][0].Capabilities = &gateway.Capabilities{Vision: boolPtr(false)}
			},
			wantIDs:  []string{"c1"},
			wantSkip: SkipCapability,
		},
		{
			name: "credential exclude pattern",
			mutate: func(s *Snapshot, _ *Request, _ *fakeHealth) {
				s.Credentials["e1"][0].ModelExclude = []string{"gpt-*"}
			},
			wantIDs:  []string{"c2"},
			wantSkip: SkipNotAllowed,
		},
		{
			name: "bad include pattern skips credential",
			mutate: func(s *Snapshot, _ *Request, _ *fakeHealth) {
				s.Credentials["e1"][0].ModelInclude = []string{"[unclosed"}
			},
			wantIDs:  []string{"c2"},
			wantSkip: SkipPatternError,
		},
		{
			name: "health skip passes through",
			mutate: func(_ *Snapshot, _ *Request, h *fakeHealth) {
				h.reasons = map[string]string{"c1": "breaker_open"}
			},
			wantIDs:  []string{"c2"},
			wantSkip: "breaker_open",
		},
		{
			name: "quota snapshot exhausted",
			mutate: func(s *Snapshot, _ *Request, _ *fakeHealth) {
				s.Credentials["e1"][0].QuotaSnapshot = []byte(`{"used_percent":99.9}`)
			},
			wantIDs:  []string{"c2"},
			wantSkip: SkipProviderQuota,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			snap := baseSnapshot()
			req := openAIChatRequest()
			h := &fakeHealth{}
			tt.mutate(snap, req, h)

			res, err := newTestPlanner(snap, h, 0).Plan(context.Background(), req)
			if err != nil {
				t.Fatal(err)
			}
			var got []string
			for _, c := range res.Candidates {
				got = append(got, c.Credential.ID)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("candidates = %v, want %v", got, tt.wantIDs)
			}
			for i := range got {
				if got[i] != tt.wantIDs[i] {
					t.Fatalf("candidates = %v, want %v", got, tt.wantIDs)
				}
			}
			if tt.wantSkip != "" {
				found := false
				for _, s := range res.Skips {
					if s.Reason == tt.wantSkip {
						found = true
					}
				}
				if !found {
					t.Errorf("skip %q not recorded: %+v", tt.wantSkip, res.Skips)
				}
			}
		})
	}
}

func TestPlanCredentialPriorityAndHealth(t *testing.T) {
	t.Parallel()

	snap := baseSnapshot()
	snap.Credentials["e1"] = []*gateway.Credential{
		{ID: "c-low", EndpointID: "e1", Priority: 2, Enabled: true},
		{ID: "c-high", EndpointID: "e1", Priority: 1, Enabled: true},
		{ID: "c-sick", EndpointID: "e1", Priority: 1, Enabled: true},
	}
	h := &fakeHealth{scores: map[string]float64{"c-sick": 0.1}}

	res, err := newTestPlanner(snap, h, 0).Plan(context.Background(), openAIChatRequest())
	if err != nil {
		t.Fatal(err)
	}
	var order []string
	for _, c := range res.Candidates {
		if c.Provider.ID == "p1" {
			order = append(order, c.Credential.ID)
		}
	}
	if len(order) != 3 || order[0] != "c-high" || order[1] != "c-sick" || order[2] != "c-low" {
		t.Errorf("order = %v", order)
	}
}

func TestPlanTruncation(t *testing.T) {
	t.Parallel()

	res, err := newTestPlanner(baseSnapshot(), nil, 1).Plan(context.Background(), openAIChatRequest())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Candidates) != 1 {
		t.Fatalf("candidates = %d", len(res.Candidates))
	}
	truncated := 0
	for _, s := range res.Skips {
		if s.Reason == "truncated" {
			truncated++
		}
	}
	if truncated != 1 {
		t.Errorf("truncated skips = %d", truncated)
	}
}

func TestResolveGlobalModel(t *testing.T) {
	t.Parallel()

	snap := baseSnapshot()
	snap.Mappings = []*gateway.ModelMapping{
		{ID: "mm1", Pattern: "gpt-4o-latest", GlobalModelID: "gm1", Enabled: true},
		{ID: "mm2", Pattern: "gpt-4o-????-??-??", GlobalModelID: "gm1", Enabled: true},
		{ID: "mm3", Pattern: "disabled-alias", GlobalModelID: "gm1", Enabled: false},
	}

	tests := []struct {
		name   string
		model  string
		found  bool
		mapped bool
	}{
		{"exact mapping", "gpt-4o-latest", true, true},
		{"glob mapping", "gpt-4o-2024-08-06", true, true},
		{"direct name", "gpt-4o", true, false},
		{"disabled mapping ignored", "disabled-alias", false, false},
		{"unknown", "nope", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, mapped := resolveGlobalModel(snap, tt.model)
			if (g != nil) != tt.found || mapped != tt.mapped {
				t.Errorf("found=%v mapped=%v", g != nil, mapped)
			}
		})
	}
}

func TestResolveUpstreamName(t *testing.T) {
	t.Parallel()

	m := &gateway.Model{
		UpstreamName: "base-name",
		AltNames: []gateway.ModelAlias{
			{Name: "cli-name", Priority: 1, Scopes: []string{"openai:cli"}},
			{Name: "chat-name", Priority: 1, Scopes: []string{"openai:chat"}},
			{Name: "any-name", Priority: 2},
		},
	}
	chatSig := gateway.Signature{Family: gateway.FamilyOpenAI, Kind: gateway.KindChat}
	if got := resolveUpstreamName(m, chatSig, "aff"); got != "chat-name" {
		t.Errorf("chat scope = %s", got)
	}
	claudeSig := gateway.Signature{Family: gateway.FamilyClaude, Kind: gateway.KindChat}
	if got := resolveUpstreamName(m, claudeSig, "aff"); got != "any-name" {
		t.Errorf("unscoped fallback = %s", got)
	}
	if got := resolveUpstreamName(&gateway.Model{UpstreamName: "base"}, chatSig, "aff"); got != "base" {
		t.Errorf("no alt names = %s", got)
	}
}

func TestModelPriorityRanksFirst(t *testing.T) {
	t.Parallel()

	snap := baseSnapshot()
	// Explicit mapping makes model priority count; p2's model outranks.
	snap.Mappings = []*gateway.ModelMapping{
		{ID: "mm", Pattern: "fast", GlobalModelID: "gm1", Enabled: true},
	}
	snap.Models["p2"][0].Priority = intPtr(10)

	req := openAIChatRequest()
	req.Model = "fast"
	res, err := newTestPlanner(snap, nil, 0).Plan(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Candidates) != 2 || res.Candidates[0].Provider.ID != "p2" {
		t.Errorf("model priority did not outrank provider priority: %+v", res.Candidates)
	}
}
