package dispatch

import (
	"context"
	"encoding/json"
	"errors"

	gateway "github.com/aetherlab/aether/internal"
	"github.com/aetherlab/aether/internal/billing"
	"github.com/aetherlab/aether/internal/dimension"
	"github.com/aetherlab/aether/internal/planner"
)

// priceExchange computes the cost for a completed exchange and stamps the
// row. Without an expression rule the model's tiered pricing applies;
// strict-mode incompleteness surfaces as ErrBillingIncomplete.
func (d *Dispatcher) priceExchange(ctx context.Context, row *gateway.Usage, cand *planner.Candidate, reqBody, respBody []byte) error {
	var modelID, globalID string
	if cand.Model != nil {
		modelID = cand.Model.ID
	}
	if cand.GlobalModel != nil {
		globalID = cand.GlobalModel.ID
	}

	rule, err := d.store.FindBillingRule(ctx, modelID, globalID, row.TaskType)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			priceByTiers(row, cand.GlobalModel, cand.Model)
			return nil
		}
		return err
	}

	dims := d.dims.Collect(ctx, dimension.Scope{
		Family:   cand.Endpoint.Family,
		Kind:     cand.Endpoint.Kind,
		TaskType: row.TaskType,
	}, dimension.Inputs{
		Request:  reqBody,
		Response: respBody,
		Base:     baseDimensions(row.Tokens),
	})

	result, err := d.billing.Evaluate(billing.Input{
		Expression: rule.Expression,
		Variables:  rule.Variables,
		Dimensions: dims,
		Mappings:   rule.Mappings,
		Strict:     d.cfg.StrictBilling,
	})
	if err != nil {
		return err
	}

	row.CostUSD = result.CostUSD
	if breakdown, err := json.Marshal(result); err == nil {
		row.CostBreakdown = breakdown
	}
	if result.Status == billing.StatusComplete {
		row.BillingStatus = gateway.BillingSettled
	}
	for _, name := range result.MissingRequired {
		d.metrics.DimensionsMissing.WithLabelValues(row.ResolvedModel, name).Inc()
	}
	return nil
}

// priceByTiers settles an exchange against the model's tiered pricing.
// Only a model with no tiers and no per-request price settles at zero.
func priceByTiers(row *gateway.Usage, global *gateway.GlobalModel, model *gateway.Model) {
	row.BillingStatus = gateway.BillingSettled
	snap := billing.FreezePrice(global, model)
	if snap == nil {
		return
	}
	b := billing.TokenCost(snap.Tiers, row.Tokens, snap.PricePerRequest)
	row.CostUSD = b.TotalUSD
	if breakdown, err := json.Marshal(b); err == nil {
		row.CostBreakdown = breakdown
	}
}

// baseDimensions prefills the collector inputs with the token counts every
// chat exchange produces.
func baseDimensions(t gateway.TokenCounts) map[string]any {
	return map[string]any{
		"input_tokens":             float64(t.Input),
		"output_tokens":            float64(t.Output),
		"cache_read_tokens":        float64(t.CacheRead),
		"cache_creation_tokens":    float64(t.CacheCreation()),
		"cache_creation_5m_tokens": float64(t.CacheCreation5m),
		"cache_creation_1h_tokens": float64(t.CacheCreation1h),
		"total_tokens":             float64(t.Input + t.Output),
	}
}
