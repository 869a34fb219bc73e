// Package upstream builds and executes outbound provider traffic: URL
// construction, per-credential auth transports, pooled HTTP clients and the
// gemini-cli base-URL availability pool.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	gateway "github.com/aetherlab/aether/internal"
)

// APIError is a non-2xx reply from an upstream provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// HTTPStatus returns the status code for failover decisions.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// ParseAPIError reads up to 4KB of the response body into an APIError.
func ParseAPIError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{Provider: provider, StatusCode: resp.StatusCode, Body: string(body)}
}

// MapTransportError classifies a transport-level failure into the gateway
// sentinel taxonomy. nil passes through.
func MapTransportError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", gateway.ErrCancelled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", gateway.ErrUpstreamTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", gateway.ErrUpstreamTimeout, err)
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return fmt.Errorf("%w: %v", gateway.ErrUpstreamConnect, err)
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return fmt.Errorf("%w: %v", gateway.ErrUpstreamConnect, err)
	}
	return err
}

// sensitiveParams are query parameters redacted from logged URLs.
var sensitiveParams = map[string]struct{}{
	"key":        {},
	"api_key":    {},
	"apikey":     {},
	"token":      {},
	"secret":     {},
	"password":   {},
	"credential": {},
}

// RedactURL masks sensitive query parameter values for logging.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	changed := false
	for name := range q {
		if _, ok := sensitiveParams[strings.ToLower(name)]; ok {
			q.Set(name, "***")
			changed = true
		}
	}
	if !changed {
		return raw
	}
	u.RawQuery = q.Encode()
	return u.String()
}
