package usage

import (
	"context"
	"errors"
	"testing"

	gateway "github.com/aetherlab/aether/internal"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		message string
		err     error
		want    string
	}{
		{"status 400", 400, "", nil, gateway.CategoryInvalidRequest},
		{"status 401", 401, "", nil, gateway.CategoryAuth},
		{"status 404", 404, "", nil, gateway.CategoryNotFound},
		{"status 408", 408, "", nil, gateway.CategoryTimeout},
		{"status 429", 429, "", nil, gateway.CategoryRateLimit},
		{"status 503", 503, "", nil, gateway.CategoryServerError},
		{"status 504", 504, "", nil, gateway.CategoryTimeout},
		{"unmapped 5xx", 599, "", nil, gateway.CategoryServerError},
		{"unmapped 4xx", 422, "", nil, gateway.CategoryInvalidRequest},
		{"no signal", 0, "", nil, gateway.CategoryUnknown},
		{"context length beats 400", 400, "prompt is too long: maximum context exceeded", nil, gateway.CategoryContextLength},
		{"content filter", 400, "blocked by content policy", nil, gateway.CategoryContentFilter},
		{"rate limit message", 0, "Too many requests, slow down", nil, gateway.CategoryRateLimit},
		{"network message", 502, "connection reset by peer", nil, gateway.CategoryNetwork},
		{"cancelled error", 0, "", context.Canceled, gateway.CategoryCancelled},
		{"timeout error", 0, "", gateway.ErrUpstreamTimeout, gateway.CategoryTimeout},
		{"connect error", 0, "", gateway.ErrUpstreamConnect, gateway.CategoryConnect},
		{"billing error", 0, "", gateway.ErrBillingIncomplete, gateway.CategoryBilling},
		{"error text used when message empty", 0, "", errors.New("deadline exceeded waiting for upstream"), gateway.CategoryTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.status, tt.message, tt.err); got != tt.want {
				t.Errorf("Classify = %s, want %s", got, tt.want)
			}
		})
	}
}
