package convert

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	gateway "github.com/aetherlab/aether/internal"
)

// Variant is a provider-specific envelope hook applied around conversion.
// Hooks can wrap the outgoing request, add headers, unwrap response payloads
// and observe transport outcomes. All methods must be cheap; implementations
// are consulted on every attempt.
type Variant interface {
	Name() string
	// WrapRequest rewrites the fully converted upstream request body.
	WrapRequest(body []byte, meta RequestMeta) ([]byte, error)
	ExtraHeaders() map[string]string
	// UnwrapResponse strips the envelope from a response body or SSE data
	// payload. Payloads without the envelope are returned unchanged.
	UnwrapResponse(data []byte) []byte
	// CaptureBaseURL observes the base URL chosen for the attempt.
	CaptureBaseURL(url string)
	OnHTTPStatus(status int)
	OnConnectError(err error)
	// ForceStreamRewrite requests the per-event stream path even when the
	// client and upstream data formats match.
	ForceStreamRewrite() bool
}

// RequestMeta carries per-attempt values a variant may fold into its envelope.
type RequestMeta struct {
	Model     string
	RequestID string
	Project   string
	Stream    bool
}

// NopVariant implements Variant with no-ops; embed it and override.
type NopVariant struct{}

func (NopVariant) Name() string                                       { return "" }
func (NopVariant) WrapRequest(body []byte, _ RequestMeta) ([]byte, error) { return body, nil }
func (NopVariant) ExtraHeaders() map[string]string                    { return nil }
func (NopVariant) UnwrapResponse(data []byte) []byte                  { return data }
func (NopVariant) CaptureBaseURL(string)                              {}
func (NopVariant) OnHTTPStatus(int)                                   {}
func (NopVariant) OnConnectError(error)                               {}
func (NopVariant) ForceStreamRewrite() bool                           { return false }

// URLReporter receives transport observations from a variant; the upstream
// URL pool implements it to demote failing entries.
type URLReporter interface {
	Capture(url string)
	ReportStatus(code int)
	ReportConnectError(err error)
}

/// GeminiCLIVariant speaks the v1internal envelope: requests wrap
// {project, requestId, userAgent, requestType, model, request} and response
// payloads unwrap {response, responseId}. Stream payloads carry the envelope
// too, so the per-event path is forced even for gemini-to-gemini traffic.
type GeminiCLIVariant struct {
	NopVariant
	Project   string
	UserAgent string
	Reporter  URLReporter
}

func (v *GeminiCLIVariant) Name() string { return "gemini_cli" }

func (v *GeminiCLIVariant) WrapRequest(body []byte, meta RequestMeta) ([]byte, error) {
	requestType := "generateContent"
	if meta.Stream {
		requestType = "streamGenerateContent"
	}
	project := meta.Project
	if project == "" {
		project = v.Project
	}
	env := map[string]any{
		"project":     project,
		"requestId":   meta.RequestID,
		"userAgent":   v.UserAgent,
		"requestType": requestType,
		"model":       meta.Model,
		"request":     json.RawMessage(body),
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("gemini_cli: wrap request: %w", err)
	}
	return out, nil
}

func (v *GeminiCLIVariant) UnwrapResponse(data []byte) []byte {
	if inner := gjson.GetBytes(data, "response"); inner.Exists() {
		return []byte(inner.Raw)
	}
	return data
}

func (v *GeminiCLIVariant) CaptureBaseURL(url string) {
	if v.Reporter != nil {
		v.Reporter.Capture(url)
	}
}

func (v *GeminiCLIVariant) OnHTTPStatus(code int) {
	if v.Reporter != nil {
		v.Reporter.ReportStatus(code)
	}
}

func (v *GeminiCLIVariant) OnConnectError(err error) {
	if v.Reporter != nil {
		v.Reporter.ReportConnectError(err)
	}
}

func (v *GeminiCLIVariant) ForceStreamRewrite() bool { return true }

// CodexVariant adjusts responses-API requests for codex-style upstreams:
// storage is disabled and streaming is forced. URL shape (bare /responses,
// no /v1 prefix) is handled by the upstream URL builder.
type CodexVariant struct {
	NopVariant
}

func (CodexVariant) Name() string { return "codex" }

func (CodexVariant) WrapRequest(body []byte, _ RequestMeta) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("codex: parse request: %w", err)
	}
	obj["store"] = json.RawMessage("false")
	obj["stream"] = json.RawMessage("true")
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("codex: wrap request: %w", err)
	}
	return out, nil
}

func (CodexVariant) ExtraHeaders() map[string]string {
	return map[string]string{"OpenAI-Beta": "responses=experimental"}
}

// ForProvider returns the variant hook for a provider type and upstream
// signature, or nil when the provider speaks the plain wire format.
func ForProvider(providerType string, sig gateway.Signature, project, userAgent string, rep URLReporter) Variant {
	switch providerType {
	case "codex":
		if sig.Family == gateway.FamilyOpenAI && sig.Kind == gateway.KindCLI {
			return CodexVariant{}
		}
	case "antigravity":
		if sig.Family == gateway.FamilyGemini {
			return &GeminiCLIVariant{Project: project, UserAgent: userAgent, Reporter: rep}
		}
	}
	return nil
}
