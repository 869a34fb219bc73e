package usage

import (
	"net/http"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func TestMaskValue(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"sk-abcdefghijklmnop", "sk-a****mnop"},
		{"short", "****"},
		{"12345678", "****"},
		{"123456789", "1234****6789"},
	}
	for _, tt := range tests {
		if got := MaskValue(tt.in); got != tt.want {
			t.Errorf("MaskValue(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCaptureHeaders(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("Authorization", "Bearer sk-abcdefghijklmnop")
	h.Set("Content-Type", "application/json")
	h.Set("X-Api-Key", "tiny")

	if got := CaptureHeaders(LogBasic, h); got != nil {
		t.Errorf("basic level captured headers: %s", got)
	}

	raw := CaptureHeaders(LogHeaders, h)
	doc := gjson.ParseBytes(raw)
	if got := doc.Get("Content-Type").String(); got != "application/json" {
		t.Errorf("content type = %q", got)
	}
	auth := doc.Get("Authorization").String()
	if strings.Contains(auth, "abcdefghijkl") || !strings.Contains(auth, "****") {
		t.Errorf("authorization not masked: %q", auth)
	}
	if got := doc.Get("X-Api-Key").String(); got != "****" {
		t.Errorf("short secret = %q", got)
	}
}

func TestCaptureBody(t *testing.T) {
	t.Parallel()

	body := []byte(`{"model":"gpt-4o"}`)
	if got := CaptureBody(LogHeaders, body, 0); got != nil {
		t.Error("headers level captured a body")
	}
	if got := CaptureBody(LogFull, body, 0); string(got) != string(body) {
		t.Errorf("small body rewritten: %s", got)
	}

	big := []byte(strings.Repeat("x", 100))
	marker := gjson.ParseBytes(CaptureBody(LogFull, big, 10))
	if !marker.Get("_truncated").Bool() {
		t.Error("_truncated not set")
	}
	if got := marker.Get("_original_size").Int(); got != 100 {
		t.Errorf("_original_size = %d", got)
	}
	if got := marker.Get("_content").String(); got != "xxxxxxxxxx" {
		t.Errorf("_content = %q", got)
	}
}
