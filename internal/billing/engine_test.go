package billing

import (
	"errors"
	"math"
	"testing"

	gateway "github.com/aetherlab/aether/internal"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine()
	if err != nil {
		t.Fatalf("NewEngine error = %v", err)
	}
	return e
}

func f64(v float64) *float64 { return &v }

func TestEvaluate_VideoRule(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	// The canonical video rule: base + duration * per-second rate scaled by
	// a resolution multiplier from a matrix.
	in := Input{
		Expression: "base + duration_seconds * per_second * resolution_multiplier",
		Variables:  map[string]float64{"base": 0.1, "per_second": 0.05},
		Dimensions: map[string]any{"duration_seconds": float64(4), "resolution": "720p"},
		Mappings: map[string]gateway.DimensionMapping{
			"duration_seconds":      {Source: gateway.MapDimension, Key: "duration_seconds", Required: true},
			"resolution_multiplier": {Source: gateway.MapMatrix, Key: "resolution", Map: map[string]float64{"720p": 1.0, "1080p": 1.5}, Required: true},
		},
	}

	res, err := e.Evaluate(in)
	if err != nil {
		t.Fatalf("Evaluate error = %v", err)
	}
	if res.Status != StatusComplete {
		t.Fatalf("Status = %v, want complete (%+v)", res.Status, res)
	}
	want := 0.1 + 4*0.05*1.0
	if math.Abs(res.CostUSD-want) > 1e-12 {
		t.Errorf("CostUSD = %v, want %v", res.CostUSD, want)
	}
	if res.Resolved["resolution_multiplier"] != 1.0 {
		t.Errorf("resolved multiplier = %v, want 1.0", res.Resolved["resolution_multiplier"])
	}
}

func TestEvaluate_StrictMissingRequired(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	in := Input{
		Expression: "duration * rate",
		Variables:  map[string]float64{"rate": 0.05},
		Dimensions: map[string]any{},
		Mappings: map[string]gateway.DimensionMapping{
			"duration": {Source: gateway.MapDimension, Key: "duration_seconds", Required: true},
		},
		Strict: true,
	}

	res, err := e.Evaluate(in)
	if !errors.Is(err, gateway.ErrBillingIncomplete) {
		t.Fatalf("Evaluate error = %v, want ErrBillingIncomplete", err)
	}
	if res.Status != StatusIncomplete {
		t.Errorf("Status = %v, want incomplete", res.Status)
	}
	if len(res.MissingRequired) != 1 || res.MissingRequired[0] != "duration" {
		t.Errorf("MissingRequired = %v, want [duration]", res.MissingRequired)
	}
	if res.CostUSD != 0 {
		t.Errorf("CostUSD = %v, want 0", res.CostUSD)
	}
}

func TestEvaluate_NonStrictMissingRequired(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	in := Input{
		Expression: "duration * rate",
		Variables:  map[string]float64{"rate": 0.05},
		Mappings: map[string]gateway.DimensionMapping{
			"duration": {Source: gateway.MapDimension, Key: "duration_seconds", Required: true},
		},
	}

	res, err := e.Evaluate(in)
	if err != nil {
		t.Fatalf("Evaluate error = %v, want nil in non-strict mode", err)
	}
	if res.Status != StatusIncomplete {
		t.Errorf("Status = %v, want incomplete", res.Status)
	}
	if res.CostUSD != 0 {
		t.Errorf("CostUSD = %v, want 0", res.CostUSD)
	}
	if len(res.MissingRequired) != 1 {
		t.Errorf("MissingRequired = %v, want one entry", res.MissingRequired)
	}
}

func TestEvaluate_ConstantNeverOverridesCaller(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	in := Input{
		Expression: "rate * 2",
		Variables:  map[string]float64{"rate": 7},
		Mappings: map[string]gateway.DimensionMapping{
			"rate": {Source: gateway.MapConstant, Default: f64(99)},
		},
	}

	res, err := e.Evaluate(in)
	if err != nil {
		t.Fatalf("Evaluate error = %v", err)
	}
	if res.CostUSD != 14 {
		t.Errorf("CostUSD = %v, want 14 (caller value wins)", res.CostUSD)
	}
}

func TestEvaluate_ConstantFillsAbsent(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	in := Input{
		Expression: "rate * 2",
		Mappings: map[string]gateway.DimensionMapping{
			"rate": {Source: gateway.MapConstant, Default: f64(3)},
		},
	}

	res, err := e.Evaluate(in)
	if err != nil {
		t.Fatalf("Evaluate error = %v", err)
	}
	if res.CostUSD != 6 {
		t.Errorf("CostUSD = %v, want 6", res.CostUSD)
	}
}

func TestEvaluate_DimensionCoercion(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	tests := []struct {
		name      string
		dims      map[string]any
		mapping   gateway.DimensionMapping
		wantCost  float64
		wantState Status
	}{
		{
			name:      "numeric string coerced",
			dims:      map[string]any{"d": "2.5"},
			mapping:   gateway.DimensionMapping{Source: gateway.MapDimension, Key: "d", Required: true},
			wantCost:  2.5,
			wantState: StatusComplete,
		},
		{
			name:      "int64 accepted",
			dims:      map[string]any{"d": int64(3)},
			mapping:   gateway.DimensionMapping{Source: gateway.MapDimension, Key: "d", Required: true},
			wantCost:  3,
			wantState: StatusComplete,
		},
		{
			name:      "zero missing by default",
			dims:      map[string]any{"d": float64(0)},
			mapping:   gateway.DimensionMapping{Source: gateway.MapDimension, Key: "d", Required: true},
			wantState: StatusIncomplete,
		},
		{
			name:      "zero allowed when flagged",
			dims:      map[string]any{"d": float64(0)},
			mapping:   gateway.DimensionMapping{Source: gateway.MapDimension, Key: "d", Required: true, AllowZero: true},
			wantCost:  0,
			wantState: StatusComplete,
		},
		{
			name:      "empty string missing",
			dims:      map[string]any{"d": ""},
			mapping:   gateway.DimensionMapping{Source: gateway.MapDimension, Key: "d", Required: true},
			wantState: StatusIncomplete,
		},
		{
			name:      "missing with default",
			dims:      map[string]any{},
			mapping:   gateway.DimensionMapping{Source: gateway.MapDimension, Key: "d", Default: f64(1.5)},
			wantCost:  1.5,
			wantState: StatusComplete,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, err := e.Evaluate(Input{
				Expression: "d",
				Dimensions: tt.dims,
				Mappings:   map[string]gateway.DimensionMapping{"d": tt.mapping},
			})
			if err != nil {
				t.Fatalf("Evaluate error = %v", err)
			}
			if res.Status != tt.wantState {
				t.Fatalf("Status = %v, want %v", res.Status, tt.wantState)
			}
			if res.Status == StatusComplete && math.Abs(res.CostUSD-tt.wantCost) > 1e-12 {
				t.Errorf("CostUSD = %v, want %v", res.CostUSD, tt.wantCost)
			}
		})
	}
}

func TestEvaluate_MatrixDefaultAndMiss(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	mapping := gateway.DimensionMapping{
		Source: gateway.MapMatrix,
		Key:    "resolution",
		Map:    map[string]float64{"720p": 1.0, "1080p": 1.5},
	}

	t.Run("miss uses default", func(t *testing.T) {
		t.Parallel()
		m := mapping
		m.Default = f64(2.0)
		res, err := e.Evaluate(Input{
			Expression: "m",
			Dimensions: map[string]any{"resolution": "4k"},
			Mappings:   map[string]gateway.DimensionMapping{"m": m},
		})
		if err != nil {
			t.Fatalf("Evaluate error = %v", err)
		}
		if res.CostUSD != 2.0 {
			t.Errorf("CostUSD = %v, want default 2.0", res.CostUSD)
		}
	})

	t.Run("miss without default marks required missing", func(t *testing.T) {
		t.Parallel()
		m := mapping
		m.Required = true
		res, err := e.Evaluate(Input{
			Expression: "m",
			Dimensions: map[string]any{"resolution": "4k"},
			Mappings:   map[string]gateway.DimensionMapping{"m": m},
		})
		if err != nil {
			t.Fatalf("Evaluate error = %v", err)
		}
		if res.Status != StatusIncomplete {
			t.Errorf("Status = %v, want incomplete", res.Status)
		}
	})
}

func TestEvaluate_TieredLookup(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	mapping := gateway.DimensionMapping{
		Source:  gateway.MapTiered,
		TierKey: "context",
		Tiers: []gateway.MappingTier{
			{UpTo: f64(1000), Value: 1.0},
			{UpTo: f64(10000), Value: 2.0},
			{UpTo: nil, Value: 3.0},
		},
	}

	tests := []struct {
		name    string
		context float64
		want    float64
	}{
		{name: "first tier", context: 500, want: 1.0},
		{name: "boundary inclusive", context: 1000, want: 1.0},
		{name: "second tier", context: 1001, want: 2.0},
		{name: "unbounded tail", context: 50000, want: 3.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, err := e.Evaluate(Input{
				Expression: "m",
				Dimensions: map[string]any{"context": tt.context},
				Mappings:   map[string]gateway.DimensionMapping{"m": mapping},
			})
			if err != nil {
				t.Fatalf("Evaluate error = %v", err)
			}
			if res.CostUSD != tt.want {
				t.Errorf("CostUSD = %v, want %v", res.CostUSD, tt.want)
			}
		})
	}
}

func TestEvaluate_NegativeCostRejected(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	res, err := e.Evaluate(Input{
		Expression: "0 - 5",
	})
	if err != nil {
		t.Fatalf("Evaluate error = %v", err)
	}
	if res.Status != StatusIncomplete {
		t.Errorf("Status = %v, want incomplete", res.Status)
	}
	if res.CostUSD != 0 {
		t.Errorf("CostUSD = %v, want 0", res.CostUSD)
	}
	if res.ErrorMessage != "negative_cost" {
		t.Errorf("ErrorMessage = %q, want negative_cost", res.ErrorMessage)
	}
}

func TestEvaluate_UnsafeExpression(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	res, err := e.Evaluate(Input{Expression: "__import__('os')"})
	if err != nil {
		t.Fatalf("Evaluate error = %v, want soft failure", err)
	}
	if res.Status != StatusIncomplete || res.ErrorMessage == "" {
		t.Errorf("unsafe expression should yield incomplete with message, got %+v", res)
	}
}

func TestEvaluate_UnboundVariable(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	// No mapping, no caller variable: the evaluation itself fails softly.
	res, err := e.Evaluate(Input{Expression: "ghost * 2"})
	if err != nil {
		t.Fatalf("Evaluate error = %v", err)
	}
	if res.Status != StatusIncomplete || res.ErrorMessage == "" {
		t.Errorf("unbound variable should yield incomplete with message, got %+v", res)
	}
}

func TestResolveRule(t *testing.T) {
	t.Parallel()

	modelRule := &gateway.BillingRule{ID: "model-rule"}
	globalRule := &gateway.BillingRule{ID: "global-rule"}

	tests := []struct {
		name   string
		model  *gateway.BillingRule
		global *gateway.BillingRule
		want   *gateway.BillingRule
	}{
		{name: "model wins", model: modelRule, global: globalRule, want: modelRule},
		{name: "global fallback", global: globalRule, want: globalRule},
		{name: "model only", model: modelRule, want: modelRule},
		{name: "neither", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ResolveRule(tt.model, tt.global); got != tt.want {
				t.Errorf("ResolveRule = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	rule := &gateway.BillingRule{
		ID:         "r1",
		TaskType:   "video",
		Expression: "base + duration * rate",
		Variables:  map[string]float64{"base": 0.1, "rate": 0.05},
		Mappings: map[string]gateway.DimensionMapping{
			"duration": {Source: gateway.MapDimension, Key: "duration_seconds", Required: true},
		},
		Enabled: true,
	}

	raw, err := SnapshotRule(rule)
	if err != nil {
		t.Fatalf("SnapshotRule error = %v", err)
	}
	got, err := ParseSnapshot(raw)
	if err != nil {
		t.Fatalf("ParseSnapshot error = %v", err)
	}
	if got.ID != rule.ID || got.Expression != rule.Expression {
		t.Errorf("round trip lost fields: got %+v", got)
	}
	if got.Mappings["duration"].Key != "duration_seconds" {
		t.Errorf("round trip lost mappings: got %+v", got.Mappings)
	}

	t.Run("empty snapshot", func(t *testing.T) {
		t.Parallel()
		got, err := ParseSnapshot(nil)
		if err != nil || got != nil {
			t.Errorf("ParseSnapshot(nil) = %v, %v; want nil, nil", got, err)
		}
	})
}
