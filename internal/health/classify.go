package health

import (
	"context"
	"errors"
	"os"

	gateway "github.com/aetherlab/aether/internal"
)

// httpStatusError matches errors carrying an upstream HTTP status.
type httpStatusError interface {
	HTTPStatus() int
}

// Weight returns the failure weight recorded into the outcome window.
// Timeouts weigh heaviest because they hold a slot for the full deadline;
// rate limits weigh half because the credential itself is healthy; other
// 4xx are the caller's fault and carry no weight.
func Weight(err error) float64 {
	if err == nil {
		return 0
	}
	if errors.Is(err, gateway.ErrUpstreamTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return 1.5
	}
	if errors.Is(err, gateway.ErrRateLimited) {
		return 0.5
	}
	if errors.Is(err, gateway.ErrUpstreamConnect) {
		return 1.0
	}
	if errors.Is(err, gateway.ErrCancelled) {
		return 0
	}
	var he httpStatusError
	if errors.As(err, &he) {
		return weightForStatus(he.HTTPStatus())
	}
	return 1.0
}

func weightForStatus(code int) float64 {
	switch {
	case code == 429:
		return 0.5
	case code >= 500:
		return 1.0
	default:
		return 0
	}
}

// FatalAuth reports whether the outcome is an upstream credential rejection
// that should open the breaker immediately regardless of window state.
func FatalAuth(err error) bool {
	if err == nil {
		return false
	}
	var he httpStatusError
	if errors.As(err, &he) {
		code := he.HTTPStatus()
		return code == 401 || code == 403
	}
	return false
}

// RateLimited reports whether the outcome was an upstream 429, which feeds
// the adaptive concurrency learner.
func RateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gateway.ErrRateLimited) {
		return true
	}
	var he httpStatusError
	return errors.As(err, &he) && he.HTTPStatus() == 429
}
