// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	gateway "github.com/aetherlab/aether/internal"
)

// UserStore manages tenant persistence and quota accounting.
type UserStore interface {
	CreateUser(ctx context.Context, u *gateway.User) error
	GetUser(ctx context.Context, id string) (*gateway.User, error)
	// AddUserUsage atomically adds usd to the user's used and total counters.
	AddUserUsage(ctx context.Context, id string, usd float64) error
}

// APIKeyStore manages gateway API key persistence.
type APIKeyStore interface {
	CreateKey(ctx context.Context, key *gateway.APIKey) error
	GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error)
	UpdateKey(ctx context.Context, key *gateway.APIKey) error
	DeleteKey(ctx context.Context, id string) error
	// TouchKeyUsed bumps last_used_at, the request counter, and accumulated cost.
	TouchKeyUsed(ctx context.Context, id string, usd float64) error
	// DeleteExpiredKeys removes keys past expiry that opted into auto deletion
	// and deactivates the rest. Returns the number of rows deleted.
	DeleteExpiredKeys(ctx context.Context, now time.Time) (int, error)
}

// CatalogStore manages providers, endpoints, and credentials. The dispatch
// path reads this catalog; only counter updates flow back.
type CatalogStore interface {
	CreateProvider(ctx context.Context, p *gateway.Provider) error
	GetProvider(ctx context.Context, id string) (*gateway.Provider, error)
	ListProviders(ctx context.Context) ([]*gateway.Provider, error)
	UpdateProvider(ctx context.Context, p *gateway.Provider) error
	DeleteProvider(ctx context.Context, id string) error
	AddProviderUsage(ctx context.Context, id string, usd float64) error
	ResetProviderMonthlyUsage(ctx context.Context) error

	CreateEndpoint(ctx context.Context, e *gateway.Endpoint) error
	ListEndpoints(ctx context.Context, providerID string) ([]*gateway.Endpoint, error)
	ListAllEndpoints(ctx context.Context) ([]*gateway.Endpoint, error)
	UpdateEndpoint(ctx context.Context, e *gateway.Endpoint) error
	DeleteEndpoint(ctx context.Context, id string) error

	CreateCredential(ctx context.Context, c *gateway.Credential) error
	GetCredential(ctx context.Context, id string) (*gateway.Credential, error)
	ListCredentials(ctx context.Context, endpointID string) ([]*gateway.Credential, error)
	ListAllCredentials(ctx context.Context) ([]*gateway.Credential, error)
	UpdateCredential(ctx context.Context, c *gateway.Credential) error
	DeleteCredential(ctx context.Context, id string) error
	AddCredentialUsage(ctx context.Context, id string, usd float64) error
	// UpdateCredentialSecret persists a refreshed OAuth token.
	UpdateCredentialSecret(ctx context.Context, id, secret string, authConfig []byte) error
}

// HealthStore persists credential health state. Writes are last-writer-wins
// row updates; a lost update degrades to approximate counting.
type HealthStore interface {
	GetCredentialHealth(ctx context.Context, credentialID string) (*gateway.CredentialHealth, error)
	SaveCredentialHealth(ctx context.Context, h *gateway.CredentialHealth) error
}

// ModelStore manages the model catalog.
type ModelStore interface {
	CreateGlobalModel(ctx context.Context, m *gateway.GlobalModel) error
	GetGlobalModel(ctx context.Context, id string) (*gateway.GlobalModel, error)
	GetGlobalModelByName(ctx context.Context, name string) (*gateway.GlobalModel, error)
	ListGlobalModels(ctx context.Context) ([]*gateway.GlobalModel, error)

	CreateModel(ctx context.Context, m *gateway.Model) error
	ListModels(ctx context.Context, providerID string) ([]*gateway.Model, error)
	ListAllModels(ctx context.Context) ([]*gateway.Model, error)

	CreateModelMapping(ctx context.Context, m *gateway.ModelMapping) error
	ListModelMappings(ctx context.Context) ([]*gateway.ModelMapping, error)
}

// BillingStore manages billing rules and dimension collectors.
type BillingStore interface {
	CreateBillingRule(ctx context.Context, r *gateway.BillingRule) error
	// FindBillingRule returns the single enabled rule for the scope,
	// preferring the Model-level rule over the GlobalModel-level one.
	FindBillingRule(ctx context.Context, modelID, globalModelID, taskType string) (*gateway.BillingRule, error)

	CreateCollector(ctx context.Context, c *gateway.DimensionCollector) error
	// ListCollectors returns enabled collectors for the exact scope tuple.
	ListCollectors(ctx context.Context, family gateway.APIFamily, kind gateway.EndpointKind, taskType string) ([]gateway.DimensionCollector, error)
}

// UsageStore manages usage rows and the candidate ledger.
type UsageStore interface {
	InsertUsage(ctx context.Context, u *gateway.Usage) error
	GetUsageByRequestID(ctx context.Context, requestID string) (*gateway.Usage, error)
	// MarkUsageStreaming flips a row to streaming and records first-byte latency.
	MarkUsageStreaming(ctx context.Context, requestID string, firstByteMs int64) error
	// UpsertUsageTerminal applies terminal rows in one statement: new
	// request_ids are inserted, existing rows updated in place.
	UpsertUsageTerminal(ctx context.Context, rows []*gateway.Usage) error
	// SettleUsage writes final cost and flips billing_status to settled.
	// Settled rows are never modified again.
	SettleUsage(ctx context.Context, requestID string, status gateway.UsageStatus, costUSD float64, breakdown []byte, errCategory, errMessage string) error
	SumUsageCost(ctx context.Context, keyID string) (float64, error)
	// ReapStale fails pending/streaming rows older than cutoff. Returns rows changed.
	ReapStale(ctx context.Context, cutoff time.Time) (int, error)

	InsertCandidates(ctx context.Context, rows []gateway.RequestCandidate) error
	UpdateCandidate(ctx context.Context, id string, status gateway.CandidateStatus, errCategory string, latencyMs int64) error
	ListCandidates(ctx context.Context, requestID string) ([]gateway.RequestCandidate, error)
}

// RetentionStore implements the staged usage-row retention policy. Every
// method processes at most limit rows older than cutoff and reports progress.
type RetentionStore interface {
	CompressUsageBodies(ctx context.Context, cutoff time.Time, limit int) (int, error)
	DropCompressedBodies(ctx context.Context, cutoff time.Time, limit int) (int, error)
	ClearUsageHeaders(ctx context.Context, cutoff time.Time, limit int) (int, error)
	DeleteOldUsage(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// StatsStore manages daily aggregation rollups.
type StatsStore interface {
	// UpsertDailyStats recomputes the rollups for one UTC day from usage rows.
	UpsertDailyStats(ctx context.Context, day time.Time) error
	// LastAggregatedDay returns the most recent day with rollups, zero if none.
	LastAggregatedDay(ctx context.Context) (time.Time, error)
}

// TaskStore manages async video task rows.
type TaskStore interface {
	CreateTask(ctx context.Context, t *gateway.VideoTask) error
	GetTask(ctx context.Context, id string) (*gateway.VideoTask, error)
	GetTaskByRequestID(ctx context.Context, requestID string) (*gateway.VideoTask, error)
	// DueTasks returns up to limit non-terminal tasks with next_poll_at <= now
	// and poll budget remaining, ordered by next_poll_at.
	DueTasks(ctx context.Context, now time.Time, limit int) ([]*gateway.VideoTask, error)
	UpdateTask(ctx context.Context, t *gateway.VideoTask) error
}

// NodeStore manages proxy node registration state.
type NodeStore interface {
	// UpsertNode keys on name for tunnel-mode nodes and on (ip, port) otherwise.
	UpsertNode(ctx context.Context, n *gateway.ProxyNode) error
	GetNode(ctx context.Context, id string) (*gateway.ProxyNode, error)
	GetNodeByName(ctx context.Context, name string) (*gateway.ProxyNode, error)
	ListNodes(ctx context.Context) ([]*gateway.ProxyNode, error)
	UpdateNodeHeartbeat(ctx context.Context, id string, stats gateway.NodeStats, at time.Time) error
	UpdateNodeStatus(ctx context.Context, id string, status gateway.NodeStatus) error
	SetNodeRemoteConfig(ctx context.Context, id string, cfg []byte) error
	// DeleteNode removes the node and nulls any provider/endpoint proxy
	// bindings that referenced it.
	DeleteNode(ctx context.Context, id string) error
	AppendNodeEvent(ctx context.Context, e *gateway.NodeEvent) error
	ListNodeEvents(ctx context.Context, nodeID string) ([]*gateway.NodeEvent, error)
	TrimNodeEvents(ctx context.Context, cutoff time.Time) (int, error)
}

// Store combines all storage interfaces.
type Store interface {
	UserStore
	APIKeyStore
	CatalogStore
	HealthStore
	ModelStore
	BillingStore
	UsageStore
	RetentionStore
	StatsStore
	TaskStore
	NodeStore
	Close() error
}
