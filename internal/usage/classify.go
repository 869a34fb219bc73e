package usage

import (
	"context"
	"errors"
	"strings"

	gateway "github.com/aetherlab/aether/internal"
)

// statusCategories maps exact HTTP status codes to error categories.
var statusCategories = map[int]string{
	400: gateway.CategoryInvalidRequest,
	401: gateway.CategoryAuth,
	403: gateway.CategoryAuth,
	404: gateway.CategoryNotFound,
	408: gateway.CategoryTimeout,
	429: gateway.CategoryRateLimit,
	500: gateway.CategoryServerError,
	502: gateway.CategoryServerError,
	503: gateway.CategoryServerError,
	504: gateway.CategoryTimeout,
}

// messagePatterns classify by error text when the status is ambiguous.
// Checked in order; first match wins.
var messagePatterns = []struct {
	category string
	needles  []string
}{
	{gateway.CategoryContextLength, []string{"context length", "context_length", "maximum context", "too many tokens", "prompt is too long"}},
	{gateway.CategoryContentFilter, []string{"content filter", "content_filter", "content policy", "safety"}},
	{gateway.CategoryRateLimit, []string{"rate limit", "rate_limit", "too many requests", "quota exceeded"}},
	{gateway.CategoryTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{gateway.CategoryNetwork, []string{"connection refused", "connection reset", "no such host", "broken pipe", "eof"}},
}

// Classify maps an upstream failure to its machine-readable category.
// The status code is primary; message patterns refine ambiguous codes.
func Classify(status int, message string, err error) string {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, gateway.ErrCancelled) {
			return gateway.CategoryCancelled
		}
		if errors.Is(err, gateway.ErrUpstreamTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return gateway.CategoryTimeout
		}
		if errors.Is(err, gateway.ErrUpstreamConnect) {
			return gateway.CategoryConnect
		}
		if errors.Is(err, gateway.ErrBillingIncomplete) {
			return gateway.CategoryBilling
		}
		if message == "" {
			message = err.Error()
		}
	}

	lower := strings.ToLower(message)
	for _, p := range messagePatterns {
		for _, needle := range p.needles {
			if strings.Contains(lower, needle) {
				return p.category
			}
		}
	}

	if cat, ok := statusCategories[status]; ok {
		return cat
	}
	switch {
	case status >= 500:
		return gateway.CategoryServerError
	case status >= 400:
		return gateway.CategoryInvalidRequest
	default:
		return gateway.CategoryUnknown
	}
}
