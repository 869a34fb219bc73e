package dispatch

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

const maxErrorMessageLen = 200

// credentialRe matches key material that upstream error bodies sometimes
// echo back.
var credentialRe = regexp.MustCompile(`(?i)(api[_-]?key|token|bearer|authorization)[=:\s]+\S+`)

// SanitizeError redacts credential-shaped fragments and caps the length so
// error messages are safe to persist and return.
func SanitizeError(msg string) string {
	msg = credentialRe.ReplaceAllString(msg, "$1=[REDACTED]")
	if len(msg) > maxErrorMessageLen {
		msg = msg[:maxErrorMessageLen]
	}
	return msg
}

// StopRule aborts failover when the upstream error is the client's fault:
// retrying another candidate cannot fix the input.
type StopRule struct {
	Substring string
	Status    int // 0 matches any status
}

// FailoverRules drive the attempt loop's pattern checks.
type FailoverRules struct {
	// SuccessFailover patterns mark 200-shaped first chunks that are
	// really failures and should move to the next candidate.
	SuccessFailover []string
	// ErrorStop patterns end the loop immediately.
	ErrorStop []StopRule
}

// DefaultFailoverRules mirrors the production pattern set.
func DefaultFailoverRules() FailoverRules {
	return FailoverRules{
		SuccessFailover: []string{
			"insufficient_quota",
			"resource_exhausted",
			"exceeded your current quota",
			"overloaded_error",
			"model_not_found",
		},
		ErrorStop: []StopRule{
			{Substring: "maximum context", Status: 400},
			{Substring: "context length", Status: 400},
			{Substring: "content policy", Status: 400},
			{Substring: "content_filter", Status: 0},
			{Substring: "invalid_request_error", Status: 400},
		},
	}
}

// MatchSuccessFailover reports whether a first chunk should force failover
// despite the 200 status.
func (r FailoverRules) MatchSuccessFailover(data []byte) (string, bool) {
	lower := strings.ToLower(string(data))
	for _, p := range r.SuccessFailover {
		if strings.Contains(lower, p) {
			return p, true
		}
	}
	return "", false
}

// errorPayload returns the error message when the body is an error object
// delivered with a success status, or "" for a normal payload.
func errorPayload(body []byte) string {
	e := gjson.GetBytes(body, "error")
	if !e.Exists() {
		return ""
	}
	if msg := e.Get("message"); msg.Exists() {
		return msg.String()
	}
	return e.Raw
}

// MatchErrorStop reports whether an upstream error ends the attempt loop.
func (r FailoverRules) MatchErrorStop(status int, message string) bool {
	lower := strings.ToLower(message)
	for _, rule := range r.ErrorStop {
		if rule.Status != 0 && rule.Status != status {
			continue
		}
		if strings.Contains(lower, rule.Substring) {
			return true
		}
	}
	return false
}
