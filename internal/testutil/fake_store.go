// Package testutil provides in-memory fakes shared by package tests.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	gateway "github.com/aetherlab/aether/internal"
)

// FakeStore is an in-memory storage.Store. Zero value is not usable; call
// NewFakeStore. All methods are safe for concurrent use.
type FakeStore struct {
	mu sync.RWMutex

	Users       map[string]*gateway.User
	Keys        map[string]*gateway.APIKey // by id
	Providers   map[string]*gateway.Provider
	Endpoints   map[string]*gateway.Endpoint
	Credentials map[string]*gateway.Credential
	Health      map[string]*gateway.CredentialHealth
	Globals     map[string]*gateway.GlobalModel
	Models      map[string]*gateway.Model
	Mappings    []*gateway.ModelMapping
	Rules       []*gateway.BillingRule
	Collectors  []gateway.DimensionCollector
	UsageRows   map[string]*gateway.Usage // by request id
	Candidates  map[string]*gateway.RequestCandidate
	Tasks       map[string]*gateway.VideoTask
	Nodes       map[string]*gateway.ProxyNode
	NodeEvents  []*gateway.NodeEvent

	AggregatedDays []time.Time

	// Err, when set, is returned by every method. Tests use it to force
	// storage failures.
	Err error
}

// NewFakeStore returns an empty store.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		Users:       map[string]*gateway.User{},
		Keys:        map[string]*gateway.APIKey{},
		Providers:   map[string]*gateway.Provider{},
		Endpoints:   map[string]*gateway.Endpoint{},
		Credentials: map[string]*gateway.Credential{},
		Health:      map[string]*gateway.CredentialHealth{},
		Globals:     map[string]*gateway.GlobalModel{},
		Models:      map[string]*gateway.Model{},
		UsageRows:   map[string]*gateway.Usage{},
		Candidates:  map[string]*gateway.RequestCandidate{},
		Tasks:       map[string]*gateway.VideoTask{},
		Nodes:       map[string]*gateway.ProxyNode{},
	}
}

func (s *FakeStore) Close() error { return nil }

// --- UserStore ---

func (s *FakeStore) CreateUser(_ context.Context, u *gateway.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Users[u.ID] = u
	return nil
}

func (s *FakeStore) GetUser(_ context.Context, id string) (*gateway.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	u, ok := s.Users[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return u, nil
}

func (s *FakeStore) AddUserUsage(_ context.Context, id string, usd float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if u, ok := s.Users[id]; ok {
		u.UsedUSD += usd
		u.TotalUSD += usd
		return nil
	}
	return gateway.ErrNotFound
}

// --- APIKeyStore ---

func (s *FakeStore) CreateKey(_ context.Context, key *gateway.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Keys[key.ID] = key
	return nil
}

func (s *FakeStore) GetKeyByHash(_ context.Context, hash string) (*gateway.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	for _, k := range s.Keys {
		if k.KeyHash == hash {
			return k, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (s *FakeStore) UpdateKey(_ context.Context, key *gateway.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.Keys[key.ID]; !ok {
		return gateway.ErrNotFound
	}
	s.Keys[key.ID] = key
	return nil
}

func (s *FakeStore) DeleteKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	delete(s.Keys, id)
	return nil
}

func (s *FakeStore) TouchKeyUsed(_ context.Context, id string, usd float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	k, ok := s.Keys[id]
	if !ok {
		return gateway.ErrNotFound
	}
	now := time.Now().UTC()
	k.LastUsedAt = &now
	k.TotalRequests++
	k.UsedUSD += usd
	return nil
}

func (s *FakeStore) DeleteExpiredKeys(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	deleted := 0
	for id, k := range s.Keys {
		if !k.Expired(now) {
			continue
		}
		if k.AutoDeleteOnExpiry {
			delete(s.Keys, id)
			deleted++
		} else {
			k.Active = false
		}
	}
	return deleted, nil
}

// --- CatalogStore ---

func (s *FakeStore) CreateProvider(_ context.Context, p *gateway.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Providers[p.ID] = p
	return nil
}

func (s *FakeStore) GetProvider(_ context.Context, id string) (*gateway.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	p, ok := s.Providers[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return p, nil
}

func (s *FakeStore) ListProviders(_ context.Context) ([]*gateway.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := make([]*gateway.Provider, 0, len(s.Providers))
	for _, p := range s.Providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FakeStore) UpdateProvider(_ context.Context, p *gateway.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.Providers[p.ID]; !ok {
		return gateway.ErrNotFound
	}
	s.Providers[p.ID] = p
	return nil
}

func (s *FakeStore) DeleteProvider(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	delete(s.Providers, id)
	return nil
}

func (s *FakeStore) AddProviderUsage(_ context.Context, id string, usd float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if p, ok := s.Providers[id]; ok {
		p.MonthlyUsedUSD += usd
		return nil
	}
	return gateway.ErrNotFound
}

func (s *FakeStore) ResetProviderMonthlyUsage(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	for _, p := range s.Providers {
		p.MonthlyUsedUSD = 0
	}
	return nil
}

func (s *FakeStore) CreateEndpoint(_ context.Context, e *gateway.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Endpoints[e.ID] = e
	return nil
}

func (s *FakeStore) ListEndpoints(_ context.Context, providerID string) ([]*gateway.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []*gateway.Endpoint
	for _, e := range s.Endpoints {
		if e.ProviderID == providerID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FakeStore) ListAllEndpoints(_ context.Context) ([]*gateway.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := make([]*gateway.Endpoint, 0, len(s.Endpoints))
	for _, e := range s.Endpoints {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FakeStore) UpdateEndpoint(_ context.Context, e *gateway.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.Endpoints[e.ID]; !ok {
		return gateway.ErrNotFound
	}
	s.Endpoints[e.ID] = e
	return nil
}

func (s *FakeStore) DeleteEndpoint(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	delete(s.Endpoints, id)
	return nil
}

func (s *FakeStore) CreateCredential(_ context.Context, c *gateway.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Credentials[c.ID] = c
	return nil
}

func (s *FakeStore) GetCredential(_ context.Context, id string) (*gateway.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	c, ok := s.Credentials[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return c, nil
}

func (s *FakeStore) ListCredentials(_ context.Context, endpointID string) ([]*gateway.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []*gateway.Credential
	for _, c := range s.Credentials {
		if c.EndpointID == endpointID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FakeStore) ListAllCredentials(_ context.Context) ([]*gateway.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := make([]*gateway.Credential, 0, len(s.Credentials))
	for _, c := range s.Credentials {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FakeStore) UpdateCredential(_ context.Context, c *gateway.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.Credentials[c.ID]; !ok {
		return gateway.ErrNotFound
	}
	s.Credentials[c.ID] = c
	return nil
}

func (s *FakeStore) DeleteCredential(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	delete(s.Credentials, id)
	return nil
}

func (s *FakeStore) AddCredentialUsage(_ context.Context, id string, usd float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if c, ok := s.Credentials[id]; ok {
		c.DailyUsedUSD += usd
		c.MonthlyUsedUSD += usd
		return nil
	}
	return gateway.ErrNotFound
}

func (s *FakeStore) UpdateCredentialSecret(_ context.Context, id, secret string, authConfig []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	c, ok := s.Credentials[id]
	if !ok {
		return gateway.ErrNotFound
	}
	c.Secret = secret
	c.AuthConfig = authConfig
	return nil
}

// --- HealthStore ---

func (s *FakeStore) GetCredentialHealth(_ context.Context, credentialID string) (*gateway.CredentialHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	h, ok := s.Health[credentialID]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return h, nil
}

func (s *FakeStore) SaveCredentialHealth(_ context.Context, h *gateway.CredentialHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Health[h.CredentialID] = h
	return nil
}

// --- ModelStore ---

func (s *FakeStore) CreateGlobalModel(_ context.Context, m *gateway.GlobalModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Globals[m.ID] = m
	return nil
}

func (s *FakeStore) GetGlobalModel(_ context.Context, id string) (*gateway.GlobalModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	m, ok := s.Globals[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return m, nil
}

func (s *FakeStore) GetGlobalModelByName(_ context.Context, name string) (*gateway.GlobalModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	for _, m := range s.Globals {
		if m.Name == name {
			return m, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (s *FakeStore) ListGlobalModels(_ context.Context) ([]*gateway.GlobalModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := make([]*gateway.GlobalModel, 0, len(s.Globals))
	for _, m := range s.Globals {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FakeStore) CreateModel(_ context.Context, m *gateway.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Models[m.ID] = m
	return nil
}

func (s *FakeStore) ListModels(_ context.Context, providerID string) ([]*gateway.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []*gateway.Model
	for _, m := range s.Models {
		if m.ProviderID == providerID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FakeStore) ListAllModels(_ context.Context) ([]*gateway.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := make([]*gateway.Model, 0, len(s.Models))
	for _, m := range s.Models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FakeStore) CreateModelMapping(_ context.Context, m *gateway.ModelMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Mappings = append(s.Mappings, m)
	return nil
}

func (s *FakeStore) ListModelMappings(_ context.Context) ([]*gateway.ModelMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	return append([]*gateway.ModelMapping(nil), s.Mappings...), nil
}

// --- BillingStore ---

func (s *FakeStore) CreateBillingRule(_ context.Context, r *gateway.BillingRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Rules = append(s.Rules, r)
	return nil
}

func (s *FakeStore) FindBillingRule(_ context.Context, modelID, globalModelID, taskType string) (*gateway.BillingRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var globalHit *gateway.BillingRule
	for _, r := range s.Rules {
		if !r.Enabled || r.TaskType != taskType {
			continue
		}
		if r.ModelID != nil && modelID != "" && *r.ModelID == modelID {
			return r, nil
		}
		if r.GlobalModelID != nil && globalModelID != "" && *r.GlobalModelID == globalModelID {
			globalHit = r
		}
	}
	if globalHit != nil {
		return globalHit, nil
	}
	return nil, gateway.ErrNotFound
}

func (s *FakeStore) CreateCollector(_ context.Context, c *gateway.DimensionCollector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Collectors = append(s.Collectors, *c)
	return nil
}

func (s *FakeStore) ListCollectors(_ context.Context, family gateway.APIFamily, kind gateway.EndpointKind, taskType string) ([]gateway.DimensionCollector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []gateway.DimensionCollector
	for _, c := range s.Collectors {
		if c.Enabled && c.Family == family && c.Kind == kind && c.TaskType == taskType {
			out = append(out, c)
		}
	}
	return out, nil
}

// --- UsageStore ---

func (s *FakeStore) InsertUsage(_ context.Context, u *gateway.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	cp := *u
	s.UsageRows[u.RequestID] = &cp
	return nil
}

func (s *FakeStore) GetUsageByRequestID(_ context.Context, requestID string) (*gateway.Usage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	u, ok := s.UsageRows[requestID]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *FakeStore) MarkUsageStreaming(_ context.Context, requestID string, firstByteMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	u, ok := s.UsageRows[requestID]
	if !ok {
		return gateway.ErrNotFound
	}
	u.Status = gateway.UsageStreaming
	u.FirstByteTimeMs = firstByteMs
	return nil
}

func (s *FakeStore) UpsertUsageTerminal(_ context.Context, rows []*gateway.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	for _, r := range rows {
		cp := *r
		cp.UpdatedAt = time.Now().UTC()
		s.UsageRows[r.RequestID] = &cp
	}
	return nil
}

func (s *FakeStore) SettleUsage(_ context.Context, requestID string, status gateway.UsageStatus, costUSD float64, breakdown []byte, errCategory, errMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	u, ok := s.UsageRows[requestID]
	if !ok {
		return gateway.ErrNotFound
	}
	if u.BillingStatus == gateway.BillingSettled {
		return nil
	}
	u.Status = status
	u.CostUSD = costUSD
	u.CostBreakdown = breakdown
	u.ErrorCategory = errCategory
	u.ErrorMessage = errMessage
	u.BillingStatus = gateway.BillingSettled
	return nil
}

func (s *FakeStore) SumUsageCost(_ context.Context, keyID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return 0, s.Err
	}
	var sum float64
	for _, u := range s.UsageRows {
		if u.APIKeyID == keyID {
			sum += u.CostUSD
		}
	}
	return sum, nil
}

func (s *FakeStore) ReapStale(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	n := 0
	for _, u := range s.UsageRows {
		open := u.Status == gateway.UsagePending || u.Status == gateway.UsageStreaming
		if open && u.CreatedAt.Before(cutoff) {
			u.Status = gateway.UsageFailed
			u.ErrorCategory = gateway.CategoryTimeout
			n++
		}
	}
	return n, nil
}

func (s *FakeStore) InsertCandidates(_ context.Context, rows []gateway.RequestCandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	for i := range rows {
		cp := rows[i]
		s.Candidates[cp.ID] = &cp
	}
	return nil
}

func (s *FakeStore) UpdateCandidate(_ context.Context, id string, status gateway.CandidateStatus, errCategory string, latencyMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	c, ok := s.Candidates[id]
	if !ok {
		return gateway.ErrNotFound
	}
	c.Status = status
	if status == gateway.CandidateSkipped {
		c.SkipReason = errCategory
	} else {
		c.ErrorCategory = errCategory
	}
	c.LatencyMs = latencyMs
	return nil
}

func (s *FakeStore) ListCandidates(_ context.Context, requestID string) ([]gateway.RequestCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []gateway.RequestCandidate
	for _, c := range s.Candidates {
		if c.RequestID == requestID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

// --- RetentionStore ---

func (s *FakeStore) CompressUsageBodies(_ context.Context, _ time.Time, _ int) (int, error) {
	return 0, s.Err
}

func (s *FakeStore) DropCompressedBodies(_ context.Context, _ time.Time, _ int) (int, error) {
	return 0, s.Err
}

func (s *FakeStore) ClearUsageHeaders(_ context.Context, _ time.Time, _ int) (int, error) {
	return 0, s.Err
}

func (s *FakeStore) DeleteOldUsage(_ context.Context, cutoff time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	n := 0
	for id, u := range s.UsageRows {
		if u.CreatedAt.Before(cutoff) && n < limit {
			delete(s.UsageRows, id)
			n++
		}
	}
	return n, nil
}

// --- StatsStore ---

func (s *FakeStore) UpsertDailyStats(_ context.Context, day time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.AggregatedDays = append(s.AggregatedDays, day)
	return nil
}

func (s *FakeStore) LastAggregatedDay(_ context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return time.Time{}, s.Err
	}
	var last time.Time
	for _, d := range s.AggregatedDays {
		if d.After(last) {
			last = d
		}
	}
	return last, nil
}

// --- TaskStore ---

func (s *FakeStore) CreateTask(_ context.Context, t *gateway.VideoTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	cp := *t
	s.Tasks[t.ID] = &cp
	return nil
}

func (s *FakeStore) GetTask(_ context.Context, id string) (*gateway.VideoTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	t, ok := s.Tasks[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *FakeStore) GetTaskByRequestID(_ context.Context, requestID string) (*gateway.VideoTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	for _, t := range s.Tasks {
		if t.RequestID == requestID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (s *FakeStore) DueTasks(_ context.Context, now time.Time, limit int) ([]*gateway.VideoTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []*gateway.VideoTask
	for _, t := range s.Tasks {
		if t.Terminal() || t.NextPollAt.After(now) || t.PollCount >= t.MaxPollCount {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextPollAt.Before(out[j].NextPollAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *FakeStore) UpdateTask(_ context.Context, t *gateway.VideoTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.Tasks[t.ID]; !ok {
		return gateway.ErrNotFound
	}
	cp := *t
	s.Tasks[t.ID] = &cp
	return nil
}

// --- NodeStore ---

func (s *FakeStore) UpsertNode(_ context.Context, n *gateway.ProxyNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	for _, existing := range s.Nodes {
		var same bool
		if n.TunnelMode && !existing.IsManual {
			same = existing.Name == n.Name
		} else {
			same = existing.IP == n.IP && existing.Port == n.Port
		}
		if same {
			n.ID = existing.ID
			s.Nodes[existing.ID] = n
			return nil
		}
	}
	s.Nodes[n.ID] = n
	return nil
}

func (s *FakeStore) GetNode(_ context.Context, id string) (*gateway.ProxyNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	n, ok := s.Nodes[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return n, nil
}

func (s *FakeStore) GetNodeByName(_ context.Context, name string) (*gateway.ProxyNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	for _, n := range s.Nodes {
		if n.Name == name {
			return n, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (s *FakeStore) ListNodes(_ context.Context) ([]*gateway.ProxyNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := make([]*gateway.ProxyNode, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FakeStore) UpdateNodeHeartbeat(_ context.Context, id string, stats gateway.NodeStats, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	n, ok := s.Nodes[id]
	if !ok {
		return gateway.ErrNotFound
	}
	n.Stats = stats
	n.LastHeartbeatAt = &at
	return nil
}

func (s *FakeStore) UpdateNodeStatus(_ context.Context, id string, status gateway.NodeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	n, ok := s.Nodes[id]
	if !ok {
		return gateway.ErrNotFound
	}
	n.Status = status
	return nil
}

func (s *FakeStore) SetNodeRemoteConfig(_ context.Context, id string, cfg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	n, ok := s.Nodes[id]
	if !ok {
		return gateway.ErrNotFound
	}
	n.RemoteConfig = cfg
	n.ConfigVersion++
	return nil
}

func (s *FakeStore) DeleteNode(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	delete(s.Nodes, id)
	return nil
}

func (s *FakeStore) AppendNodeEvent(_ context.Context, e *gateway.NodeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.NodeEvents = append(s.NodeEvents, e)
	return nil
}

func (s *FakeStore) ListNodeEvents(_ context.Context, nodeID string) ([]*gateway.NodeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []*gateway.NodeEvent
	for _, e := range s.NodeEvents {
		if e.NodeID == nodeID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *FakeStore) TrimNodeEvents(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	kept := s.NodeEvents[:0]
	trimmed := 0
	for _, e := range s.NodeEvents {
		if e.CreatedAt.Before(cutoff) {
			trimmed++
			continue
		}
		kept = append(kept, e)
	}
	s.NodeEvents = kept
	return trimmed, nil
}
