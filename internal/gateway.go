// Package gateway defines domain types and interfaces for the aether AI gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// --- Wire-format signatures ---

// APIFamily identifies a wire-format family (request/response schema lineage).
type APIFamily string

const (
	FamilyOpenAI APIFamily = "openai"
	FamilyClaude APIFamily = "claude"
	FamilyGemini APIFamily = "gemini"
)

// EndpointKind identifies the operation class within a family.
type EndpointKind string

const (
	KindChat       EndpointKind = "chat"
	KindCLI        EndpointKind = "cli"
	KindVideo      EndpointKind = "video"
	KindImages     EndpointKind = "images"
	KindEmbeddings EndpointKind = "embeddings"
	KindModels     EndpointKind = "models"
	KindAudio      EndpointKind = "audio"
)

// Signature is the (family, kind) pair identifying a wire format,
// written "family:kind" (e.g. "openai:chat").
type Signature struct {
	Family APIFamily    `json:"family"`
	Kind   EndpointKind `json:"kind"`
}

// String renders the signature in its canonical "family:kind" form.
func (s Signature) String() string { return string(s.Family) + ":" + string(s.Kind) }

// IsZero reports whether the signature is unset.
func (s Signature) IsZero() bool { return s.Family == "" && s.Kind == "" }

// ParseSignature parses "family:kind" into a Signature.
func ParseSignature(raw string) (Signature, error) {
	fam, kind, ok := strings.Cut(raw, ":")
	if !ok || fam == "" || kind == "" {
		return Signature{}, fmt.Errorf("%w: malformed signature %q", ErrInvalidRequest, raw)
	}
	return Signature{Family: APIFamily(fam), Kind: EndpointKind(kind)}, nil
}

// DataFormat returns the underlying wire schema identifier for the signature.
// Claude chat and CLI traffic share one schema; OpenAI chat and CLI do not.
func (s Signature) DataFormat() string {
	switch s.Family {
	case FamilyOpenAI:
		if s.Kind == KindCLI {
			return "openai_responses"
		}
		return "openai_chat"
	case FamilyClaude:
		return "claude"
	case FamilyGemini:
		return "gemini"
	default:
		return s.String()
	}
}

// --- Users and API keys ---

// User is a gateway tenant. Quota fields are mutated only by the quota
// accounting path; everything else belongs to the admin surface.
type User struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Role             string     `json:"role"` // "admin" or "user"
	QuotaUSD         *float64   `json:"quota_usd,omitempty"`
	UsedUSD          float64    `json:"used_usd"`
	TotalUSD         float64    `json:"total_usd"`
	AllowedProviders []string   `json:"allowed_providers,omitempty"` // nil = all
	AllowedEndpoints []string   `json:"allowed_endpoints,omitempty"` // signatures, nil = all
	AllowedModels    []string   `json:"allowed_models,omitempty"`    // nil = all
	Deleted          bool       `json:"deleted"`
	CreatedAt        time.Time  `json:"created_at"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
}

// APIKey is a gateway-issued credential presented by clients.
type APIKey struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"user_id,omitempty"`
	Name               string     `json:"name"`
	KeyHash            string     `json:"-"`          // SHA-256 hex, never exposed
	KeyPrefix          string     `json:"key_prefix"` // first 8 chars for display
	AllowedProviders   []string   `json:"allowed_providers,omitempty"`
	AllowedEndpoints   []string   `json:"allowed_endpoints,omitempty"`
	AllowedFormats     []string   `json:"allowed_formats,omitempty"`
	AllowedModels      []string   `json:"allowed_models,omitempty"`
	RPMLimit           *int64     `json:"rpm_limit,omitempty"`
	MaxConcurrent      *int       `json:"max_concurrent,omitempty"`
	UsedUSD            float64    `json:"used_usd"`
	TotalRequests      int64      `json:"total_requests"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	AutoDeleteOnExpiry bool       `json:"auto_delete_on_expiry"`
	Active             bool       `json:"active"`
	LastUsedAt         *time.Time `json:"last_used_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Expired reports whether the key is past its expiry at the given instant.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// Identity is the authenticated caller context attached to request context.
type Identity struct {
	Subject          string     `json:"subject"` // key prefix
	KeyID            string     `json:"key_id"`
	UserID           string     `json:"user_id"`
	Role             string     `json:"role"` // "admin" or "user"
	Perms            Permission `json:"-"`
	AllowedProviders []string   `json:"-"`
	AllowedEndpoints []string   `json:"-"`
	AllowedFormats   []string   `json:"-"`
	AllowedModels    []string   `json:"-"`
	RPMLimit         int64      `json:"-"` // 0 = unlimited
	MaxConcurrent    int        `json:"-"` // 0 = unlimited
}

// --- RBAC ---

// Permission is a bitmask representing authorization capabilities.
type Permission uint32

const (
	PermDispatch    Permission = 1 << iota // call the wire-format endpoints
	PermViewUsage                          // query own usage rows
	PermManageNodes                        // register/heartbeat proxy nodes
	PermAdmin                              // everything else
)

// Can reports whether the identity has the given permission.
func (id *Identity) Can(p Permission) bool { return id.Perms&p == p }

// RolePermissions maps role names to their permission bitmasks.
var RolePermissions = map[string]Permission{
	"admin": PermDispatch | PermViewUsage | PermManageNodes | PermAdmin,
	"user":  PermDispatch | PermViewUsage,
}

// --- Providers, endpoints, credentials ---

// Provider is a logical upstream service.
type Provider struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Type            string          `json:"type"` // quirk tag: "openai", "claude", "gemini", "codex", "antigravity", ...
	BillingModel    string          `json:"billing_model,omitempty"`
	MonthlyQuotaUSD *float64        `json:"monthly_quota_usd,omitempty"`
	MonthlyUsedUSD  float64         `json:"monthly_used_usd"`
	RPMLimit        *int64          `json:"rpm_limit,omitempty"`
	Priority        int             `json:"priority"` // lower = earlier
	Proxy           json.RawMessage `json:"proxy,omitempty"`
	Enabled         bool            `json:"enabled"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Endpoint is one wire-format surface of a provider, unique per
// (provider_id, family, kind).
type Endpoint struct {
	ID               string            `json:"id"`
	ProviderID       string            `json:"provider_id"`
	Family           APIFamily         `json:"family"`
	Kind             EndpointKind      `json:"kind"`
	BaseURL          string            `json:"base_url"`
	CustomPath       string            `json:"custom_path,omitempty"` // path template, {model} substituted
	Headers          map[string]string `json:"headers,omitempty"`
	AcceptFormats    []string          `json:"accept_formats,omitempty"` // client signatures accepted for conversion, nil = registry default
	StreamConversion bool              `json:"stream_conversion"`
	ConnectTimeoutMs int               `json:"connect_timeout_ms,omitempty"`
	ReadTimeoutMs    int               `json:"read_timeout_ms,omitempty"`
	FirstByteMs      int               `json:"first_byte_ms,omitempty"` // stream first-byte override
	Proxy            json.RawMessage   `json:"proxy,omitempty"`
	Enabled          bool              `json:"enabled"`
}

// Sig returns the endpoint's wire-format signature.
func (e *Endpoint) Sig() Signature { return Signature{Family: e.Family, Kind: e.Kind} }

// CredentialAuthType selects how a credential authenticates upstream.
type CredentialAuthType string

const (
	AuthAPIKey   CredentialAuthType = "api_key"
	AuthOAuth    CredentialAuthType = "oauth"
	AuthVertexAI CredentialAuthType = "vertex_ai"
	AuthAWSSigV4 CredentialAuthType = "aws_sigv4"
)

// Credential is upstream key material plus scheduling hints. Secret material
// is encrypted at rest; health state lives in CredentialHealth.
type Credential struct {
	ID                  string             `json:"id"`
	EndpointID          string             `json:"endpoint_id"`
	ProviderID          string             `json:"provider_id"`
	Name                string             `json:"name"`
	AuthType            CredentialAuthType `json:"auth_type"`
	Secret              string             `json:"-"` // decrypted key / bearer / refresh token
	AuthConfig          json.RawMessage    `json:"auth_config,omitempty"`
	Priority            int                `json:"priority"` // internal_priority, lower = earlier
	RateMultiplier      float64            `json:"rate_multiplier,omitempty"`
	RateLimit           *int64             `json:"rate_limit,omitempty"` // requests/min
	MaxConcurrent       int                `json:"max_concurrent,omitempty"`
	DailyQuotaUSD       *float64           `json:"daily_quota_usd,omitempty"`
	MonthlyQuotaUSD     *float64           `json:"monthly_quota_usd,omitempty"`
	DailyUsedUSD        float64            `json:"daily_used_usd"`
	MonthlyUsedUSD      float64            `json:"monthly_used_usd"`
	ModelInclude        []string           `json:"model_include,omitempty"` // glob patterns
	ModelExclude        []string           `json:"model_exclude,omitempty"`
	QuotaSnapshot       json.RawMessage    `json:"quota_snapshot,omitempty"` // provider-type specific remaining-quota view
	CacheTTLMinutes     int                `json:"cache_ttl_minutes,omitempty"`
	MaxProbeIntervalMin int                `json:"max_probe_interval_minutes,omitempty"`
	Enabled             bool               `json:"enabled"`
	CreatedAt           time.Time          `json:"created_at"`
}

// BreakerState is the circuit-breaker position of a credential.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CredentialHealth is the mutable health record for one credential,
// owned by the health manager. Stored alongside the credential row but
// behaviorally separate from its immutable config.
type CredentialHealth struct {
	CredentialID         string       `json:"credential_id"`
	RequestCount         int64        `json:"request_count"`
	SuccessCount         int64        `json:"success_count"`
	ErrorCount           int64        `json:"error_count"`
	TotalResponseTimeMs  int64        `json:"total_response_time_ms"`
	HealthScore          float64      `json:"health_score"` // [0,1], higher = healthier
	ConsecutiveFailures  int          `json:"consecutive_failures"`
	BreakerState         BreakerState `json:"breaker_state"`
	OpenedAt             *time.Time   `json:"opened_at,omitempty"`
	NextProbeAt          *time.Time   `json:"next_probe_at,omitempty"`
	HalfOpenUntil        *time.Time   `json:"half_open_until,omitempty"`
	HalfOpenSuccesses    int          `json:"half_open_successes"`
	HalfOpenFailures     int          `json:"half_open_failures"`
	LearnedMaxConcurrent int          `json:"learned_max_concurrent,omitempty"` // 0 = not learned
	LastConcurrentPeak   int          `json:"last_concurrent_peak,omitempty"`
	LastProbeIncreaseAt  *time.Time   `json:"last_probe_increase_at,omitempty"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

// --- Models and pricing ---

// CacheTTLPrice prices cache creation for one TTL bucket.
type CacheTTLPrice struct {
	TTLMinutes         int     `json:"ttl_minutes"`
	CacheCreationPerM  float64 `json:"cache_creation_price_per_1m"`
}

// PriceTier is one rung of tiered per-token pricing. A nil UpTo means
// the tier is unbounded; fixed pricing is a single unbounded tier.
type PriceTier struct {
	UpTo              *int64          `json:"up_to,omitempty"` // context tokens, nil = infinity
	InputPerM         float64         `json:"input_price_per_1m"`
	OutputPerM        float64         `json:"output_price_per_1m"`
	CacheCreationPerM float64         `json:"cache_creation_price_per_1m,omitempty"`
	CacheReadPerM     float64         `json:"cache_read_price_per_1m,omitempty"`
	CacheTTLPricing   []CacheTTLPrice `json:"cache_ttl_pricing,omitempty"`
}

// Capabilities declares what a model supports. Pointers distinguish
// "unset, inherit" from an explicit override.
type Capabilities struct {
	Vision           *bool `json:"vision,omitempty"`
	FunctionCalling  *bool `json:"function_calling,omitempty"`
	ExtendedThinking *bool `json:"extended_thinking,omitempty"`
}

// Has reports whether the named capability is enabled, consulting the
// override first and falling back to def.
func (c *Capabilities) Has(name string, def *Capabilities) bool {
	pick := func(v, dv *bool) bool {
		if v != nil {
			return *v
		}
		if dv != nil {
			return *dv
		}
		return false
	}
	var dv Capabilities
	if def != nil {
		dv = *def
	}
	switch name {
	case CapVision:
		return pick(c.Vision, dv.Vision)
	case CapFunctionCalling:
		return pick(c.FunctionCalling, dv.FunctionCalling)
	case CapExtendedThinking:
		return pick(c.ExtendedThinking, dv.ExtendedThinking)
	}
	return false
}

// Capability names derived from request shape.
const (
	CapVision           = "vision"
	CapFunctionCalling  = "function_calling"
	CapExtendedThinking = "extended_thinking"
)

// GlobalModel is a canonical model name with default pricing and capabilities.
type GlobalModel struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	PriceTiers      []PriceTier  `json:"price_tiers"`
	PricePerRequest float64      `json:"price_per_request,omitempty"`
	Capabilities    Capabilities `json:"capabilities"`
	Enabled         bool         `json:"enabled"`
}

// ModelAlias is an alternate upstream name for a Model, optionally scoped
// to specific endpoint signatures.
type ModelAlias struct {
	Name     string   `json:"name"`
	Priority int      `json:"priority"`         // lower = preferred
	Scopes   []string `json:"scopes,omitempty"` // signatures, nil = all
}

// Model is a provider-specific realization of a GlobalModel.
type Model struct {
	ID            string        `json:"id"`
	ProviderID    string        `json:"provider_id"`
	GlobalModelID string        `json:"global_model_id"`
	UpstreamName  string        `json:"upstream_name"`
	AltNames      []ModelAlias  `json:"alt_names,omitempty"`
	PriceTiers    []PriceTier   `json:"price_tiers,omitempty"` // nil = inherit global
	Capabilities  *Capabilities `json:"capabilities,omitempty"`
	Priority      *int          `json:"priority,omitempty"` // explicit model priority for ranking
	Enabled       bool          `json:"enabled"`
}

// ModelMapping rewrites an incoming model name to a target GlobalModel.
type ModelMapping struct {
	ID            string  `json:"id"`
	Pattern       string  `json:"pattern"` // exact or glob
	GlobalModelID string  `json:"global_model_id"`
	ProviderID    *string `json:"provider_id,omitempty"` // scope, nil = any provider
	Kind          string  `json:"kind"`                  // "alias" or "override"
	Enabled       bool    `json:"enabled"`
}

// --- Usage accounting ---

// UsageStatus is the terminal-state machine of a usage row.
type UsageStatus string

const (
	UsagePending   UsageStatus = "pending"
	UsageSubmitted UsageStatus = "submitted"
	UsageStreaming UsageStatus = "streaming"
	UsageCompleted UsageStatus = "completed"
	UsageFailed    UsageStatus = "failed"
	UsageCancelled UsageStatus = "cancelled"
)

// BillingStatus tracks cost settlement of a usage row. Accounting fields
// freeze once settled.
type BillingStatus string

const (
	BillingPending BillingStatus = "pending"
	BillingSettled BillingStatus = "settled"
)

// TokenCounts holds the per-category token tallies of one exchange.
type TokenCounts struct {
	Input            int64 `json:"input_tokens"`
	Output           int64 `json:"output_tokens"`
	CacheCreation5m  int64 `json:"cache_creation_5m_tokens,omitempty"`
	CacheCreation1h  int64 `json:"cache_creation_1h_tokens,omitempty"`
	CacheRead        int64 `json:"cache_read_tokens,omitempty"`
}

// CacheCreation returns the combined cache-creation token count.
func (t TokenCounts) CacheCreation() int64 { return t.CacheCreation5m + t.CacheCreation1h }

// CostBreakdown explains a computed cost by category.
type CostBreakdown struct {
	InputUSD         float64 `json:"input_usd"`
	OutputUSD        float64 `json:"output_usd"`
	CacheCreationUSD float64 `json:"cache_creation_usd,omitempty"`
	CacheReadUSD     float64 `json:"cache_read_usd,omitempty"`
	PerRequestUSD    float64 `json:"per_request_usd,omitempty"`
	TierIndex        int     `json:"tier_index"`
	TotalUSD         float64 `json:"total_usd"`
}

// Usage is one row per logical client request. At most one row exists per
// RequestID; accounting fields are immutable once BillingStatus is settled.
type Usage struct {
	ID                  string          `json:"id"`
	RequestID           string          `json:"request_id"`
	UserID              string          `json:"user_id,omitempty"`
	APIKeyID            string          `json:"api_key_id,omitempty"`
	ProviderID          string          `json:"provider_id,omitempty"`
	EndpointID          string          `json:"endpoint_id,omitempty"`
	CredentialID        string          `json:"credential_id,omitempty"`
	RequestedModel      string          `json:"requested_model"`
	ResolvedModel       string          `json:"resolved_model,omitempty"`
	APIFormat           string          `json:"api_format"`          // client signature
	EndpointAPIFormat   string          `json:"endpoint_api_format"` // upstream signature
	FormatConverted     bool            `json:"has_format_conversion"`
	TaskType            string          `json:"task_type,omitempty"` // "chat", "cli", "video", ...
	Tokens              TokenCounts     `json:"tokens"`
	CostUSD             float64         `json:"cost_usd"`
	UpstreamCostUSD     float64         `json:"upstream_cost_usd,omitempty"`
	CostBreakdown       json.RawMessage `json:"cost_breakdown,omitempty"`
	Stream              bool            `json:"stream"`
	StatusCode          int             `json:"status_code,omitempty"`
	ErrorCategory       string          `json:"error_category,omitempty"`
	ErrorMessage        string          `json:"error_message,omitempty"`
	ResponseTimeMs      int64           `json:"response_time_ms,omitempty"`
	FirstByteTimeMs     int64           `json:"first_byte_time_ms,omitempty"`
	Status              UsageStatus     `json:"status"`
	BillingStatus       BillingStatus   `json:"billing_status"`
	RequestBody         json.RawMessage `json:"request_body,omitempty"`
	ResponseBody        json.RawMessage `json:"response_body,omitempty"`
	RequestBodyGz       []byte          `json:"-"`
	ResponseBodyGz      []byte          `json:"-"`
	RequestHeaders      json.RawMessage `json:"request_headers,omitempty"`
	ResponseHeaders     json.RawMessage `json:"response_headers,omitempty"`
	Metadata            json.RawMessage `json:"metadata,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// --- Billing rules and dimensions ---

// MappingSource selects how a billing variable is resolved.
type MappingSource string

const (
	MapConstant  MappingSource = "constant"
	MapDimension MappingSource = "dimension"
	MapMatrix    MappingSource = "matrix"
	MapTiered    MappingSource = "tiered"
)

// MappingTier is one rung of a tiered variable lookup. A nil UpTo matches
// any value (infinity).
type MappingTier struct {
	UpTo  *float64 `json:"up_to,omitempty"`
	Value float64  `json:"value"`
}

// DimensionMapping binds one expression variable to its value source.
type DimensionMapping struct {
	Source    MappingSource      `json:"source"`
	Key       string             `json:"key,omitempty"`      // dimension name (dimension/matrix)
	TierKey   string             `json:"tier_key,omitempty"` // numeric dimension name (tiered)
	Default   *float64           `json:"default,omitempty"`
	Map       map[string]float64 `json:"map,omitempty"`
	Tiers     []MappingTier      `json:"tiers,omitempty"`
	Required  bool               `json:"required,omitempty"`
	AllowZero bool               `json:"allow_zero,omitempty"`
}

// BillingRule is a cost formula scoped to a Model or GlobalModel plus task
// type. At most one enabled rule exists per scope; Model-level wins.
type BillingRule struct {
	ID            string                      `json:"id"`
	GlobalModelID *string                     `json:"global_model_id,omitempty"`
	ModelID       *string                     `json:"model_id,omitempty"`
	TaskType      string                      `json:"task_type"`
	Expression    string                      `json:"expression"`
	Variables     map[string]float64          `json:"variables,omitempty"` // named constants
	Mappings      map[string]DimensionMapping `json:"dimension_mappings,omitempty"`
	Enabled       bool                        `json:"enabled"`
	CreatedAt     time.Time                   `json:"created_at"`
}

// CollectorSource selects where a dimension collector reads from.
type CollectorSource string

const (
	SourceRequest  CollectorSource = "request"
	SourceResponse CollectorSource = "response"
	SourceMetadata CollectorSource = "metadata"
	SourceComputed CollectorSource = "computed"
)

// DimensionCollector extracts one named dimension for a
// (family, kind, task_type) tuple.
type DimensionCollector struct {
	ID        string          `json:"id"`
	Dimension string          `json:"dimension"`
	Family    APIFamily       `json:"family"`
	Kind      EndpointKind    `json:"kind"`
	TaskType  string          `json:"task_type"`
	Source    CollectorSource `json:"source"`
	Path      string          `json:"path,omitempty"`      // gjson path
	ValueType string          `json:"value_type"`          // "float", "int", "string"
	Transform string          `json:"transform,omitempty"` // expression with `value` bound
	Default   *string         `json:"default,omitempty"`
	Priority  int             `json:"priority"` // higher wins
	Required  bool            `json:"required"`
	Enabled   bool            `json:"enabled"`
}

// --- Candidate ledger ---

// CandidateStatus is the per-attempt outcome recorded in the ledger.
type CandidateStatus string

const (
	CandidateSelected  CandidateStatus = "selected"
	CandidateSkipped   CandidateStatus = "skipped"
	CandidateSuccess   CandidateStatus = "success"
	CandidateFailed    CandidateStatus = "failed"
	CandidateCancelled CandidateStatus = "cancelled"
	CandidateUnused    CandidateStatus = "unused"
)

// RequestCandidate is one ledger row: a candidate the planner considered
// for a request, with its outcome. Appended in attempt order.
type RequestCandidate struct {
	ID             string          `json:"id"`
	RequestID      string          `json:"request_id"`
	Position       int             `json:"position"`
	ProviderID     string          `json:"provider_id"`
	EndpointID     string          `json:"endpoint_id"`
	CredentialID   string          `json:"credential_id"`
	UpstreamModel  string          `json:"upstream_model,omitempty"`
	Status         CandidateStatus `json:"status"`
	SkipReason     string          `json:"skip_reason,omitempty"`
	ErrorCategory  string          `json:"error_category,omitempty"`
	LatencyMs      int64           `json:"latency_ms,omitempty"`
	ObservedInFlight int           `json:"observed_in_flight,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// --- Proxy nodes ---

// NodeStatus is the registry state of a proxy node.
type NodeStatus string

const (
	NodeOnline    NodeStatus = "online"
	NodeUnhealthy NodeStatus = "unhealthy"
	NodeOffline   NodeStatus = "offline"
)

// NodeStats are the rolling metrics a node reports on heartbeat.
type NodeStats struct {
	ActiveConnections int     `json:"active_connections"`
	TotalRequests     int64   `json:"total_requests"`
	AvgLatencyMs      float64 `json:"avg_latency_ms"`
}

// ProxyNode is a remote worker that dispatches upstream traffic via a
// reverse tunnel, or a manual plain HTTP/SOCKS5 proxy.
type ProxyNode struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	IP                 string          `json:"ip,omitempty"`
	Port               int             `json:"port,omitempty"` // 0 = tunnel mode
	Region             string          `json:"region,omitempty"`
	Status             NodeStatus      `json:"status"`
	TunnelMode         bool            `json:"tunnel_mode"`
	IsManual           bool            `json:"is_manual"`
	ProxyURL           string          `json:"proxy_url,omitempty"` // manual nodes
	Username           string          `json:"username,omitempty"`
	Password           string          `json:"-"`
	HeartbeatIntervalS int             `json:"heartbeat_interval_s,omitempty"`
	LastHeartbeatAt    *time.Time      `json:"last_heartbeat_at,omitempty"`
	DeclaredMaxConc    int             `json:"declared_max_concurrency,omitempty"`
	LearnedMaxConc     int             `json:"learned_max_concurrency,omitempty"`
	HardwareInfo       json.RawMessage `json:"hardware_info,omitempty"`
	Stats              NodeStats       `json:"stats"`
	RemoteConfig       json.RawMessage `json:"remote_config,omitempty"`
	ConfigVersion      int             `json:"config_version"`
	TunnelConnected    bool            `json:"tunnel_connected"`
	TunnelConnectedAt  *time.Time      `json:"tunnel_connected_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// MaskedPassword renders the manual-proxy password for display.
func (n *ProxyNode) MaskedPassword() string {
	if n.Password == "" {
		return ""
	}
	if len(n.Password) < 8 {
		return "****"
	}
	return n.Password[:2] + "****" + n.Password[len(n.Password)-2:]
}

// NodeEvent is one line of a proxy node's event log.
type NodeEvent struct {
	ID        string    `json:"id"`
	NodeID    string    `json:"node_id"`
	Kind      string    `json:"kind"` // "connect", "disconnect", "error"
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// --- Async video tasks ---

// TaskStatus is the lifecycle state of a VideoTask.
type TaskStatus string

const (
	TaskSubmitted  TaskStatus = "submitted"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// VideoTask links a Usage row to a long-running upstream job.
type VideoTask struct {
	ID              string          `json:"id"`
	RequestID       string          `json:"request_id"`
	ExternalTaskID  string          `json:"external_task_id,omitempty"`
	ProviderID      string          `json:"provider_id"`
	EndpointID      string          `json:"endpoint_id"`
	CredentialID    string          `json:"credential_id"`
	Model           string          `json:"model"`
	Status          TaskStatus      `json:"status"`
	PollCount       int             `json:"poll_count"`
	MaxPollCount    int             `json:"max_poll_count"`
	PollIntervalS   int             `json:"poll_interval_seconds"`
	NextPollAt      time.Time       `json:"next_poll_at"`
	RetryCount      int             `json:"retry_count"`
	Progress        int             `json:"progress,omitempty"` // percent
	ResultURLs      []string        `json:"result_urls,omitempty"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	ErrorCode       string          `json:"error_code,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	RawResponse     json.RawMessage `json:"raw_response,omitempty"`
	RuleSnapshot    json.RawMessage `json:"rule_snapshot,omitempty"`  // frozen BillingRule
	PriceSnapshot   json.RawMessage `json:"price_snapshot,omitempty"` // frozen tier pricing
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// Terminal reports whether the task reached a final status.
func (t *VideoTask) Terminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Identity field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *Identity
}

// metaFromContext returns the requestMeta stored in ctx, or nil.
func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if present,
// avoiding a new context.WithValue allocation. Falls back to creating new metadata
// if none exists (e.g., in tests).
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared constants and helpers ---

// APIKeyPrefix is the prefix for all aether API keys.
const APIKeyPrefix = "ae_"

// HashKey returns the hex-encoded SHA-256 hash of a raw API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// --- Authenticator interface ---

// Authenticator validates request credentials and returns the caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}
