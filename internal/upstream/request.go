package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	gateway "github.com/aetherlab/aether/internal"
)

const anthropicVersion = "2023-06-01"

// proxyConfig is the endpoint proxy column shape.
type proxyConfig struct {
	URL string `json:"url"`
}

// ProxyURL extracts the forward-proxy URL from an endpoint's proxy config,
// or "" for direct.
func ProxyURL(e *gateway.Endpoint) string {
	if len(e.Proxy) == 0 {
		return ""
	}
	var cfg proxyConfig
	if err := json.Unmarshal(e.Proxy, &cfg); err != nil {
		return ""
	}
	return cfg.URL
}

// BuildRequest assembles the outbound request: per-signature default
// headers, then endpoint extras, then extra (variant hook headers), later
// layers overriding earlier ones. Auth headers are the transport's job.
func BuildRequest(ctx context.Context, url string, body []byte, e *gateway.Endpoint, stream bool, extra map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	if e.Family == gateway.FamilyClaude {
		req.Header.Set("anthropic-version", anthropicVersion)
	}
	for k, v := range e.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}
	return req, nil
}
