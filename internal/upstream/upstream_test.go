package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	gateway "github.com/aetherlab/aether/internal"
)

func TestMapTransportError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   error
		want error
	}{
		{"nil", nil, nil},
		{"cancelled", context.Canceled, gateway.ErrCancelled},
		{"deadline", context.DeadlineExceeded, gateway.ErrUpstreamTimeout},
		{"url error", &url.Error{Op: "Post", URL: "https://h", Err: errors.New("refused")}, gateway.ErrUpstreamConnect},
		{"wrapped cancel", &url.Error{Op: "Post", URL: "https://h", Err: context.Canceled}, gateway.ErrCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapTransportError(tt.in)
			if tt.want == nil {
				if got != nil {
					t.Errorf("got %v", got)
				}
				return
			}
			if !errors.Is(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseAPIErrorCapsBody(t *testing.T) {
	t.Parallel()

	resp := &http.Response{
		StatusCode: 429,
		Body:       io.NopCloser(strings.NewReader(strings.Repeat("x", 10000))),
	}
	err := ParseAPIError("openai", resp)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("not an APIError: %v", err)
	}
	if apiErr.HTTPStatus() != 429 {
		t.Errorf("status = %d", apiErr.HTTPStatus())
	}
	if len(apiErr.Body) != 4096 {
		t.Errorf("body length = %d, want 4096", len(apiErr.Body))
	}
}

func TestBuildRequestHeaders(t *testing.T) {
	t.Parallel()

	e := &gateway.Endpoint{
		Family:  gateway.FamilyClaude,
		Kind:    gateway.KindChat,
		Headers: map[string]string{"X-Custom": "1"},
	}
	req, err := BuildRequest(context.Background(), "https://api.anthropic.com/v1/messages", []byte(`{}`), e, true,
		map[string]string{"OpenAI-Beta": "responses=experimental"})
	if err != nil {
		t.Fatal(err)
	}
	if got := req.Header.Get("anthropic-version"); got != anthropicVersion {
		t.Errorf("anthropic-version = %s", got)
	}
	if got := req.Header.Get("Accept"); got != "text/event-stream" {
		t.Errorf("Accept = %s", got)
	}
	if req.Header.Get("X-Custom") != "1" || req.Header.Get("OpenAI-Beta") == "" {
		t.Error("extra headers not merged")
	}
}

func TestProxyURL(t *testing.T) {
	t.Parallel()

	e := &gateway.Endpoint{Proxy: []byte(`{"url":"socks5://127.0.0.1:1080"}`)}
	if got := ProxyURL(e); got != "socks5://127.0.0.1:1080" {
		t.Errorf("ProxyURL = %s", got)
	}
	if got := ProxyURL(&gateway.Endpoint{}); got != "" {
		t.Errorf("ProxyURL empty = %q", got)
	}
}
