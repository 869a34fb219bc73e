package gateway

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrInvalidRequest        = errors.New("invalid request")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrKeyExpired            = errors.New("api key expired")
	ErrQuotaExceeded         = errors.New("quota exceeded")
	ErrNotFound              = errors.New("not found")
	ErrConflict              = errors.New("conflict")
	ErrRateLimited           = errors.New("rate limited")
	ErrNoProvidersAvailable  = errors.New("no providers available")
	ErrUpstreamTimeout       = errors.New("upstream timeout")
	ErrUpstreamConnect       = errors.New("upstream connect error")
	ErrCancelled             = errors.New("request cancelled")
	ErrBillingIncomplete     = errors.New("billing incomplete")
	ErrUnsupportedConversion = errors.New("unsupported format conversion")
	ErrUnsafeExpression      = errors.New("unsafe expression")
	ErrEvaluation            = errors.New("expression evaluation failed")
)

// Error categories recorded on usage rows and candidate ledger entries.
// These are the machine-readable classifications shared by the health
// manager, the planner ledger, and the daily error aggregation.
const (
	CategoryInvalidRequest = "invalid_request"
	CategoryAuth           = "auth"
	CategoryNotFound       = "not_found"
	CategoryTimeout        = "timeout"
	CategoryRateLimit      = "rate_limit"
	CategoryConcurrent     = "concurrent"
	CategoryServerError    = "server_error"
	CategoryConnect        = "connect_error"
	CategoryProxy          = "proxy_error"
	CategoryParse          = "parse_error"
	CategoryContextLength  = "context_length"
	CategoryContentFilter  = "content_filter"
	CategoryNetwork        = "network"
	CategoryCancelled      = "cancelled"
	CategoryBilling        = "billing_incomplete"
	CategoryPollTimeout    = "poll_timeout"
	CategoryUnknown        = "unknown"
)
