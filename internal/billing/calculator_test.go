package billing

import (
	"math"
	"testing"

	gateway "github.com/aetherlab/aether/internal"
)

func i64(v int64) *int64 { return &v }

func TestTokenCost_SingleTier(t *testing.T) {
	t.Parallel()

	tiers := []gateway.PriceTier{{InputPerM: 2.5, OutputPerM: 10}}
	tokens := gateway.TokenCounts{Input: 1, Output: 1}

	b := TokenCost(tiers, tokens, 0)
	want := (1.0/1e6)*2.5 + (1.0/1e6)*10
	if math.Abs(b.TotalUSD-want) > 1e-12 {
		t.Errorf("TotalUSD = %v, want %v", b.TotalUSD, want)
	}
	if b.TierIndex != 0 {
		t.Errorf("TierIndex = %d, want 0", b.TierIndex)
	}
}

func TestTokenCost_TierByContext(t *testing.T) {
	t.Parallel()

	tiers := []gateway.PriceTier{
		{UpTo: i64(200000), InputPerM: 3, OutputPerM: 15, CacheReadPerM: 0.3},
		{UpTo: nil, InputPerM: 6, OutputPerM: 22.5, CacheReadPerM: 0.6},
	}

	tests := []struct {
		name      string
		tokens    gateway.TokenCounts
		wantTier  int
		wantInput float64
	}{
		{
			name:      "small context first tier",
			tokens:    gateway.TokenCounts{Input: 100000, Output: 500},
			wantTier:  0,
			wantInput: 100000 * 3 * 1e-6,
		},
		{
			name:      "boundary stays in first tier",
			tokens:    gateway.TokenCounts{Input: 200000},
			wantTier:  0,
			wantInput: 200000 * 3 * 1e-6,
		},
		{
			name:      "cache read counts toward context",
			tokens:    gateway.TokenCounts{Input: 150000, CacheRead: 100000},
			wantTier:  1,
			wantInput: 150000 * 6 * 1e-6,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := TokenCost(tiers, tt.tokens, 0)
			if b.TierIndex != tt.wantTier {
				t.Errorf("TierIndex = %d, want %d", b.TierIndex, tt.wantTier)
			}
			if math.Abs(b.InputUSD-tt.wantInput) > 1e-12 {
				t.Errorf("InputUSD = %v, want %v", b.InputUSD, tt.wantInput)
			}
		})
	}
}

func TestTokenCost_CacheTTLPricing(t *testing.T) {
	t.Parallel()

	tiers := []gateway.PriceTier{{
		InputPerM:         3,
		OutputPerM:        15,
		CacheCreationPerM: 3.75,
		CacheReadPerM:     0.3,
		CacheTTLPricing: []gateway.CacheTTLPrice{
			{TTLMinutes: 5, CacheCreationPerM: 3.75},
			{TTLMinutes: 60, CacheCreationPerM: 6},
		},
	}}

	tokens := gateway.TokenCounts{
		Input:           1000,
		Output:          100,
		CacheCreation5m: 2000,
		CacheCreation1h: 3000,
		CacheRead:       500,
	}

	b := TokenCost(tiers, tokens, 0)
	wantCreation := 2000*3.75*1e-6 + 3000*6*1e-6
	if math.Abs(b.CacheCreationUSD-wantCreation) > 1e-12 {
		t.Errorf("CacheCreationUSD = %v, want %v", b.CacheCreationUSD, wantCreation)
	}
}

func TestTokenCost_BreakdownReproducesTotal(t *testing.T) {
	t.Parallel()

	tiers := []gateway.PriceTier{{
		InputPerM:         2.5,
		OutputPerM:        10,
		CacheCreationPerM: 3.125,
		CacheReadPerM:     0.25,
	}}
	tokens := gateway.TokenCounts{
		Input:           123456,
		Output:          7890,
		CacheCreation5m: 1000,
		CacheRead:       42000,
	}

	b := TokenCost(tiers, tokens, 0.001)
	recomputed := b.InputUSD + b.OutputUSD + b.CacheCreationUSD + b.CacheReadUSD + b.PerRequestUSD
	if math.Abs(recomputed-b.TotalUSD) > 1e-9 {
		t.Errorf("breakdown sum %v != TotalUSD %v", recomputed, b.TotalUSD)
	}
}

func TestTokenCost_EmptyTiers(t *testing.T) {
	t.Parallel()

	b := TokenCost(nil, gateway.TokenCounts{Input: 1000, Output: 1000}, 0)
	if b.TotalUSD != 0 {
		t.Errorf("TotalUSD = %v, want 0 with no pricing", b.TotalUSD)
	}
}

func TestEffectiveTiers(t *testing.T) {
	t.Parallel()

	global := &gateway.GlobalModel{PriceTiers: []gateway.PriceTier{{InputPerM: 1}}}
	override := &gateway.Model{PriceTiers: []gateway.PriceTier{{InputPerM: 9}}}
	plain := &gateway.Model{}

	if got := EffectiveTiers(global, override); got[0].InputPerM != 9 {
		t.Errorf("model override not used: %v", got)
	}
	if got := EffectiveTiers(global, plain); got[0].InputPerM != 1 {
		t.Errorf("global fallback not used: %v", got)
	}
	if got := EffectiveTiers(global, nil); got[0].InputPerM != 1 {
		t.Errorf("nil model should fall back to global: %v", got)
	}
	if got := EffectiveTiers(nil, nil); got != nil {
		t.Errorf("EffectiveTiers(nil, nil) = %v, want nil", got)
	}
}

func TestFreezePrice(t *testing.T) {
	t.Parallel()

	global := &gateway.GlobalModel{
		PriceTiers:      []gateway.PriceTier{{InputPerM: 1}},
		PricePerRequest: 0.25,
	}
	snap := FreezePrice(global, nil)
	if snap == nil || len(snap.Tiers) != 1 || snap.PricePerRequest != 0.25 {
		t.Fatalf("snapshot = %+v", snap)
	}

	if FreezePrice(&gateway.GlobalModel{}, &gateway.Model{}) != nil {
		t.Error("unpriced model should freeze to nil")
	}
	perReq := FreezePrice(&gateway.GlobalModel{PricePerRequest: 0.1}, nil)
	if perReq == nil || perReq.PricePerRequest != 0.1 {
		t.Fatalf("per-request-only snapshot = %+v", perReq)
	}
}
