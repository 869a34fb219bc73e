package usage

import (
	"encoding/json"
	"net/http"
	"strings"
)

// LogLevel controls how much of each exchange is captured onto the row.
type LogLevel string

const (
	LogBasic   LogLevel = "basic"   // no headers, no bodies
	LogHeaders LogLevel = "headers" // masked headers only
	LogFull    LogLevel = "full"    // masked headers + truncated bodies
)

// DefaultBodyCap bounds captured request/response bodies.
const DefaultBodyCap = 64 * 1024

// sensitiveHeaders are masked before capture.
var sensitiveHeaders = map[string]struct{}{
	"authorization": {},
	"x-api-key":     {},
	"api-key":       {},
	"cookie":        {},
	"set-cookie":    {},
}

// MaskValue hides the middle of a secret, keeping four characters on each
// side when the value is long enough to stay unidentifiable.
func MaskValue(v string) string {
	if len(v) > 8 {
		return v[:4] + "****" + v[len(v)-4:]
	}
	return "****"
}

// CaptureHeaders serializes headers with secret values masked. Returns nil
// for the basic log level.
func CaptureHeaders(level LogLevel, h http.Header) json.RawMessage {
	if level == LogBasic || len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) == 0 {
			continue
		}
		v := values[0]
		if _, secret := sensitiveHeaders[strings.ToLower(name)]; secret {
			v = MaskValue(v)
		}
		out[name] = v
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil
	}
	return raw
}

// CaptureBody returns the body for capture, replacing oversized payloads
// with a truncation marker. Returns nil unless the level is full.
func CaptureBody(level LogLevel, body []byte, maxBytes int) json.RawMessage {
	if level != LogFull || len(body) == 0 {
		return nil
	}
	if maxBytes <= 0 {
		maxBytes = DefaultBodyCap
	}
	if len(body) <= maxBytes {
		if json.Valid(body) {
			return json.RawMessage(body)
		}
		raw, _ := json.Marshal(string(body))
		return raw
	}
	marker := map[string]any{
		"_truncated":     true,
		"_original_size": len(body),
		"_content":       string(body[:maxBytes]),
	}
	raw, _ := json.Marshal(marker)
	return raw
}
