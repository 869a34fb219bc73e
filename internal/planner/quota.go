package planner

import (
	"github.com/tidwall/gjson"

	gateway "github.com/aetherlab/aether/internal"
)

// quotaSnapshotExhausted inspects the provider-type quota view cached on
// the credential. Snapshots are advisory; absent or unreadable ones never
// block dispatch.
func quotaSnapshotExhausted(cred *gateway.Credential) bool {
	if len(cred.QuotaSnapshot) == 0 {
		return false
	}
	doc := gjson.ParseBytes(cred.QuotaSnapshot)
	if v := doc.Get("remaining_fraction"); v.Exists() && v.Float() <= 0 {
		return true
	}
	if v := doc.Get("used_percent"); v.Exists() && v.Float() >= 100-quotaEpsilon {
		return true
	}
	// codex-style snapshots report per-window percentages.
	exhausted := false
	doc.Get("windows").ForEach(func(_, w gjson.Result) bool {
		if p := w.Get("used_percent"); p.Exists() && p.Float() >= 100-quotaEpsilon {
			exhausted = true
			return false
		}
		return true
	})
	return exhausted
}
