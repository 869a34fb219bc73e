package billing

import (
	"encoding/json"
	"fmt"

	gateway "github.com/aetherlab/aether/internal"
)

// ResolveRule picks the effective rule for a scope: the Model-level rule
// wins over the GlobalModel-level one. Either argument may be nil.
func ResolveRule(modelRule, globalRule *gateway.BillingRule) *gateway.BillingRule {
	if modelRule != nil {
		return modelRule
	}
	return globalRule
}

// SnapshotRule freezes a rule for storage on async tasks, so settlement
// prices the job under the rule in force at submission.
func SnapshotRule(rule *gateway.BillingRule) (json.RawMessage, error) {
	if rule == nil {
		return nil, nil
	}
	raw, err := json.Marshal(rule)
	if err != nil {
		return nil, fmt.Errorf("billing: snapshot rule %s: %w", rule.ID, err)
	}
	return raw, nil
}

// ParseSnapshot restores a frozen rule. A nil or empty snapshot returns nil
// without error, signaling the caller to refetch the live rule.
func ParseSnapshot(raw json.RawMessage) (*gateway.BillingRule, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var rule gateway.BillingRule
	if err := json.Unmarshal(raw, &rule); err != nil {
		return nil, fmt.Errorf("billing: parse rule snapshot: %w", err)
	}
	return &rule, nil
}
