// Package planner turns a normalized request into a bounded, ordered list
// of dispatch candidates: provider, endpoint, credential and the upstream
// model name, filtered by allow-lists, capabilities, quotas and credential
// admissibility, then ranked lexicographically.
package planner

import (
	"context"
	"hash/fnv"
	"path"
	"slices"
	"strings"

	gateway "github.com/aetherlab/aether/internal"
)

// Skip reasons produced by planner filters. Health skip reasons pass
// through unchanged.
const (
	SkipNotAllowed     = "not_allowed"
	SkipCapability     = "capability_unsupported"
	SkipFormat         = "format_unsupported"
	SkipProviderQuota  = "provider_quota"
	SkipPatternError   = "pattern_error"
	SkipModelUnmatched = "model_unmatched"
)

// quotaEpsilon keeps a snapshot reporting 99.9% used from being planned.
const quotaEpsilon = 0.5

// Request is the normalized dispatch request the planner ranks against.
type Request struct {
	Model        string // client-requested model name
	ClientSig    gateway.Signature
	Capabilities []string // required capability names
	AffinityKey  string
	Identity     *gateway.Identity
	Stream       bool
}

// Candidate is one dispatchable (provider, endpoint, credential) tuple.
type Candidate struct {
	Provider        *gateway.Provider
	Endpoint        *gateway.Endpoint
	Credential      *gateway.Credential
	Model           *gateway.Model
	GlobalModel     *gateway.GlobalModel
	UpstreamModel   string
	NeedsConversion bool

	sortKey [5]int64
}

// Skip is a candidate excluded during planning, kept for the ledger.
type Skip struct {
	ProviderID   string
	EndpointID   string
	CredentialID string
	Reason       string
}

// Result carries the ranked candidates plus every exclusion.
type Result struct {
	Candidates []Candidate
	Skips      []Skip
}

// HealthView is the slice of the health manager the planner needs.
type HealthView interface {
	Peek(ctx context.Context, cred *gateway.Credential) string
	Score(credentialID string) float64
}

// ConvertView reports whether a cross-format conversion is available.
type ConvertView interface {
	CanConvert(from, to gateway.Signature, stream bool) bool
}

// Planner builds candidate lists from catalog snapshots.
type Planner struct {
	source        CatalogSource
	health        HealthView
	convert       ConvertView
	maxCandidates int
}

// New creates a planner. maxCandidates <= 0 means unbounded.
func New(source CatalogSource, health HealthView, convert ConvertView, maxCandidates int) *Planner {
	return &Planner{source: source, health: health, convert: convert, maxCandidates: maxCandidates}
}

// Plan resolves the request's model and assembles the ranked candidates.
// An empty candidate list with a nil error means nothing was dispatchable;
// the caller surfaces ErrNoProvidersAvailable.
func (p *Planner) Plan(ctx context.Context, req *Request) (*Result, error) {
	snap, err := p.source.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	global, mapped := resolveGlobalModel(snap, req.Model)
	if global == nil {
		return res, nil
	}

	for _, provider := range snap.Providers {
		if !provider.Enabled {
			continue
		}
		if !allowed(req.Identity.AllowedProviders, provider.ID, provider.Name) {
			res.Skips = append(res.Skips, Skip{ProviderID: provider.ID, Reason: SkipNotAllowed})
			continue
		}
		if provider.MonthlyQuotaUSD != nil && *provider.MonthlyQuotaUSD > 0 &&
			provider.MonthlyUsedUSD >= *provider.MonthlyQuotaUSD {
			res.Skips = append(res.Skips, Skip{ProviderID: provider.ID, Reason: SkipProviderQuota})
			continue
		}

		model := providerModel(snap.Models[provider.ID], global.ID)
		if model == nil {
			continue
		}
		if !supportsAll(req.Capabilities, model.Capabilities, &global.Capabilities) {
			res.Skips = append(res.Skips, Skip{ProviderID: provider.ID, Reason: SkipCapability})
			continue
		}

		for _, endpoint := range snap.Endpoints[provider.ID] {
			if !endpoint.Enabled {
				continue
			}
			sig := endpoint.Sig()
			if !allowed(req.Identity.AllowedEndpoints, sig.String(), endpoint.ID) {
				res.Skips = append(res.Skips, Skip{ProviderID: provider.ID, EndpointID: endpoint.ID, Reason: SkipNotAllowed})
				continue
			}
			needsConversion := sig.DataFormat() != req.ClientSig.DataFormat()
			if needsConversion && !p.convert.CanConvert(req.ClientSig, sig, req.Stream) {
				res.Skips = append(res.Skips, Skip{ProviderID: provider.ID, EndpointID: endpoint.ID, Reason: SkipFormat})
				continue
			}

			upstreamModel := resolveUpstreamName(model, sig, req.AffinityKey)

			for _, cred := range snap.Credentials[endpoint.ID] {
				if !cred.Enabled {
					continue
				}
				skip := Skip{ProviderID: provider.ID, EndpointID: endpoint.ID, CredentialID: cred.ID}

				ok, reason := modelAllowedByPatterns(cred, upstreamModel)
				if !ok {
					skip.Reason = reason
					res.Skips = append(res.Skips, skip)
					continue
				}
				if quotaSnapshotExhausted(cred) {
					skip.Reason = SkipProviderQuota
					res.Skips = append(res.Skips, skip)
					continue
				}
				if reason := p.health.Peek(ctx, cred); reason != "" {
					skip.Reason = reason
					res.Skips = append(res.Skips, skip)
					continue
				}

				c := Candidate{
					Provider:        provider,
					Endpoint:        endpoint,
					Credential:      cred,
					Model:           model,
					GlobalModel:     global,
					UpstreamModel:   upstreamModel,
					NeedsConversion: needsConversion,
				}
				c.sortKey = p.rankKey(&c, mapped, req.AffinityKey)
				res.Candidates = append(res.Candidates, c)
			}
		}
	}

	slices.SortStableFunc(res.Candidates, func(a, b Candidate) int {
		for i := range a.sortKey {
			if a.sortKey[i] != b.sortKey[i] {
				if a.sortKey[i] < b.sortKey[i] {
					return -1
				}
				return 1
			}
		}
		return 0
	})
	if p.maxCandidates > 0 && len(res.Candidates) > p.maxCandidates {
		for _, c := range res.Candidates[p.maxCandidates:] {
			res.Skips = append(res.Skips, Skip{
				ProviderID:   c.Provider.ID,
				EndpointID:   c.Endpoint.ID,
				CredentialID: c.Credential.ID,
				Reason:       "truncated",
			})
		}
		res.Candidates = res.Candidates[:p.maxCandidates]
	}
	return res, nil
}

// rankKey builds the lexicographic sort key: explicit model priority,
// provider priority, exact format before convertible, credential priority,
// inverted health score, then affinity hash dispersion.
func (p *Planner) rankKey(c *Candidate, mapped bool, affinityKey string) [5]int64 {
	var modelPrio int64
	if mapped && c.Model.Priority != nil {
		modelPrio = -int64(*c.Model.Priority)
	}
	convPenalty := int64(0)
	if c.NeedsConversion {
		convPenalty = 1
	}
	// Provider priority and the conversion penalty share a slot so exact
	// format endpoints order first within a provider.
	providerKey := int64(c.Provider.Priority)*2 + convPenalty

	score := p.health.Score(c.Credential.ID)
	healthKey := -int64(score * 1000)

	return [5]int64{
		modelPrio,
		providerKey,
		int64(c.Credential.Priority),
		healthKey,
		int64(affinityHash(affinityKey, c.Credential.ID)),
	}
}

// affinityHash is FNV-1a over affinityKey ‖ credentialID. The uint32 sum
// widens into the int64 sort key, so it stays non-negative there.
func affinityHash(affinityKey, credentialID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(affinityKey))
	h.Write([]byte(credentialID))
	return h.Sum32()
}

// resolveGlobalModel applies model mappings (exact match first, then glob)
// and falls back to a direct global-model name lookup. The second result
// reports whether an explicit mapping matched.
func resolveGlobalModel(snap *Snapshot, name string) (*gateway.GlobalModel, bool) {
	var globMatch *gateway.GlobalModel
	for _, m := range snap.Mappings {
		if !m.Enabled {
			continue
		}
		if m.Pattern == name {
			if g := snap.GlobalByID[m.GlobalModelID]; g != nil && g.Enabled {
				return g, true
			}
			continue
		}
		if globMatch == nil && strings.ContainsAny(m.Pattern, "*?[") {
			if ok, err := path.Match(m.Pattern, name); err == nil && ok {
				if g := snap.GlobalByID[m.GlobalModelID]; g != nil && g.Enabled {
					globMatch = g
				}
			}
		}
	}
	if globMatch != nil {
		return globMatch, true
	}
	if g := snap.GlobalByName[name]; g != nil && g.Enabled {
		return g, false
	}
	return nil, false
}

// providerModel finds the provider's enabled realization of the global model.
func providerModel(models []*gateway.Model, globalID string) *gateway.Model {
	for _, m := range models {
		if m.Enabled && m.GlobalModelID == globalID {
			return m
		}
	}
	return nil
}

// resolveUpstreamName picks the highest-priority alternate name whose scope
// matches the endpoint signature, falling back to the model's upstream name.
// Priority ties break by the affinity hash for stable dispersion.
func resolveUpstreamName(m *gateway.Model, sig gateway.Signature, affinityKey string) string {
	var best *gateway.ModelAlias
	var bestHash uint32
	for i := range m.AltNames {
		alt := &m.AltNames[i]
		if len(alt.Scopes) > 0 && !slices.Contains(alt.Scopes, sig.String()) {
			continue
		}
		h := affinityHash(affinityKey, alt.Name)
		if best == nil || alt.Priority < best.Priority ||
			(alt.Priority == best.Priority && h < bestHash) {
			best = alt
			bestHash = h
		}
	}
	if best != nil {
		return best.Name
	}
	return m.UpstreamName
}

// modelAllowedByPatterns applies the credential's include/exclude globs.
// A bad pattern skips the credential instead of failing the request.
func modelAllowedByPatterns(cred *gateway.Credential, model string) (bool, string) {
	if len(cred.ModelInclude) > 0 {
		matched := false
		for _, pat := range cred.ModelInclude {
			ok, err := path.Match(pat, model)
			if err != nil {
				return false, SkipPatternError
			}
			if ok {
				matched = true
			}
		}
		if !matched {
			return false, SkipNotAllowed
		}
	}
	for _, pat := range cred.ModelExclude {
		ok, err := path.Match(pat, model)
		if err != nil {
			return false, SkipPatternError
		}
		if ok {
			return false, SkipNotAllowed
		}
	}
	return true, ""
}

// allowed checks an identity allow-list; nil allows everything. Entries
// may name either of the two identifying values.
func allowed(list []string, values ...string) bool {
	if len(list) == 0 {
		return true
	}
	for _, v := range values {
		if v != "" && slices.Contains(list, v) {
			return true
		}
	}
	return false
}

// supportsAll verifies every required capability against the model
// override with global defaults.
func supportsAll(required []string, override *gateway.Capabilities, defaults *gateway.Capabilities) bool {
	if len(required) == 0 {
		return true
	}
	caps := override
	if caps == nil {
		caps = &gateway.Capabilities{}
	}
	for _, name := range required {
		if !caps.Has(name, defaults) {
			return false
		}
	}
	return true
}
