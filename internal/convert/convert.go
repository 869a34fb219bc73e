// Package convert translates requests, responses and SSE streams between
// wire-format families. Converters are registered per (from, to) data-format
// pair; equal data formats pass through untouched unless a variant hook
// forces a rewrite.
package convert

import (
	"encoding/json"
	"fmt"

	gateway "github.com/aetherlab/aether/internal"
	"github.com/aetherlab/aether/internal/convert/sse"
)

// Data-format identifiers. Claude chat and CLI traffic share one schema;
// OpenAI chat and CLI (responses API) do not.
const (
	fmtOpenAIChat      = "openai_chat"
	fmtOpenAIResponses = "openai_responses"
	fmtClaude          = "claude"
	fmtGemini          = "gemini"
)

// Decision is the compatibility verdict for a (client, upstream) pair.
type Decision int

const (
	// Passthrough copies bytes without JSON parsing.
	Passthrough Decision = iota
	// Convert requires a registered converter for the pair.
	Convert
	// Unsupported means no converter is registered for the pair.
	Unsupported
)

// RequestConverter rewrites a client request body into the target format.
// The model field is carried inside the body.
type RequestConverter func(body []byte) ([]byte, error)

// ResponseConverter rewrites a non-stream upstream response body into the
// client format, stamping the client-facing model name.
type ResponseConverter func(body []byte, model string) ([]byte, error)

// StreamConverter translates one upstream SSE event into zero or more
// client-format events. Cross-event state (tool argument assembly, block
// indices, message ids) lives in the converter instance; one instance
// serves exactly one request.
type StreamConverter interface {
	Next(ev sse.Event) ([]sse.Event, error)
	// Flush emits any trailing events after the upstream stream ends.
	Flush() []sse.Event
}

type streamFactory func(model string) StreamConverter

type pair struct{ from, to string }

// Registry holds the converter tables keyed by data-format pair.
type Registry struct {
	requests  map[pair]RequestConverter
	responses map[pair]ResponseConverter
	streams   map[pair]streamFactory
}

// NewRegistry returns a registry with all built-in converters installed.
// Direct converters exist to and from the OpenAI chat format; the remaining
// pairs are composed through it.
func NewRegistry() *Registry {
	r := &Registry{
		requests:  map[pair]RequestConverter{},
		responses: map[pair]ResponseConverter{},
		streams:   map[pair]streamFactory{},
	}

	r.register(fmtOpenAIChat, fmtClaude,
		openaiToClaudeRequest, openaiToClaudeResponse,
		func(model string) StreamConverter { return newOpenAIToClaudeStream(model) })
	r.register(fmtClaude, fmtOpenAIChat,
		claudeToOpenAIRequest, claudeToOpenAIResponse,
		func(model string) StreamConverter { return newClaudeToOpenAIStream(model) })

	r.register(fmtOpenAIChat, fmtGemini,
		openaiToGeminiRequest, openaiToGeminiResponse,
		func(model string) StreamConverter { return newOpenAIToGeminiStream(model) })
	r.register(fmtGemini, fmtOpenAIChat,
		geminiToOpenAIRequest, geminiToOpenAIResponse,
		func(model string) StreamConverter { return newGeminiToOpenAIStream(model) })

	r.register(fmtOpenAIChat, fmtOpenAIResponses,
		chatToResponsesRequest, chatToResponsesResponse,
		func(model string) StreamConverter { return newChatToResponsesStream(model) })
	r.register(fmtOpenAIResponses, fmtOpenAIChat,
		responsesToChatRequest, responsesToChatResponse,
		func(model string) StreamConverter { return newResponsesToChatStream(model) })

	// Remaining pairs pivot through the OpenAI chat format.
	formats := []string{fmtClaude, fmtGemini, fmtOpenAIResponses}
	for _, from := range formats {
		for _, to := range formats {
			if from == to {
				continue
			}
			r.compose(from, fmtOpenAIChat, to)
		}
	}
	return r
}

func (r *Registry) register(from, to string, req RequestConverter, resp ResponseConverter, stream streamFactory) {
	p := pair{from, to}
	r.requests[p] = req
	r.responses[p] = resp
	r.streams[p] = stream
}

// compose installs (from → to) by chaining (from → via) and (via → to).
func (r *Registry) compose(from, via, to string) {
	p := pair{from, to}
	a, b := pair{from, via}, pair{via, to}
	reqA, reqB := r.requests[a], r.requests[b]
	r.requests[p] = func(body []byte) ([]byte, error) {
		mid, err := reqA(body)
		if err != nil {
			return nil, err
		}
		return reqB(mid)
	}
	respA, respB := r.responses[a], r.responses[b]
	r.responses[p] = func(body []byte, model string) ([]byte, error) {
		mid, err := respA(body, model)
		if err != nil {
			return nil, err
		}
		return respB(mid, model)
	}
	sfA, sfB := r.streams[a], r.streams[b]
	r.streams[p] = func(model string) StreamConverter {
		return &composedStream{a: sfA(model), b: sfB(model)}
	}
}

// composedStream feeds the output of one stream converter into another.
type composedStream struct {
	a, b StreamConverter
}

func (c *composedStream) Next(ev sse.Event) ([]sse.Event, error) {
	mid, err := c.a.Next(ev)
	if err != nil {
		return nil, err
	}
	return c.fanOut(mid)
}

func (c *composedStream) Flush() []sse.Event {
	out, _ := c.fanOut(c.a.Flush())
	return append(out, c.b.Flush()...)
}

func (c *composedStream) fanOut(mid []sse.Event) ([]sse.Event, error) {
	var out []sse.Event
	for _, m := range mid {
		evs, err := c.b.Next(m)
		if err != nil {
			return out, err
		}
		out = append(out, evs...)
	}
	return out, nil
}

// CanConvert reports whether a converter chain exists for the pair.
func (r *Registry) CanConvert(from, to gateway.Signature, stream bool) bool {
	p := pair{from.DataFormat(), to.DataFormat()}
	if p.from == p.to {
		return true
	}
	if _, ok := r.requests[p]; !ok {
		return false
	}
	if stream {
		_, ok := r.streams[p]
		return ok
	}
	_, ok := r.responses[p]
	return ok
}

// Decide returns the compatibility verdict for dispatching a client request
// to an upstream endpoint. A variant hook may force stream rewriting even
// when the data formats match.
func (r *Registry) Decide(client, upstream gateway.Signature, hook Variant) Decision {
	if client.DataFormat() == upstream.DataFormat() {
		if hook != nil && hook.ForceStreamRewrite() {
			return Convert
		}
		return Passthrough
	}
	if !r.CanConvert(client, upstream, false) {
		return Unsupported
	}
	return Convert
}

// ConvertRequest rewrites body from the client format into the upstream one.
func (r *Registry) ConvertRequest(from, to gateway.Signature, body []byte) ([]byte, error) {
	p := pair{from.DataFormat(), to.DataFormat()}
	if p.from == p.to {
		return body, nil
	}
	fn, ok := r.requests[p]
	if !ok {
		return nil, fmt.Errorf("%w: request %s -> %s", gateway.ErrUnsupportedConversion, from, to)
	}
	return fn(body)
}

// ConvertResponse rewrites a non-stream upstream body into the client format.
// model is the client-facing model name stamped into the result.
func (r *Registry) ConvertResponse(from, to gateway.Signature, body []byte, model string) ([]byte, error) {
	p := pair{from.DataFormat(), to.DataFormat()}
	if p.from == p.to {
		return OverrideModel(body, model), nil
	}
	fn, ok := r.responses[p]
	if !ok {
		return nil, fmt.Errorf("%w: response %s -> %s", gateway.ErrUnsupportedConversion, from, to)
	}
	return fn(body, model)
}

// NewStream returns a fresh per-request stream converter for the pair.
// model is the client-facing model name stamped into emitted chunks.
func (r *Registry) NewStream(from, to gateway.Signature, model string) (StreamConverter, error) {
	p := pair{from.DataFormat(), to.DataFormat()}
	if p.from == p.to {
		return &identityStream{}, nil
	}
	fn, ok := r.streams[p]
	if !ok {
		return nil, fmt.Errorf("%w: stream %s -> %s", gateway.ErrUnsupportedConversion, from, to)
	}
	return fn(model), nil
}

// identityStream forwards events unchanged; used when a variant hook forces
// the per-event path for an otherwise matching pair.
type identityStream struct{}

func (identityStream) Next(ev sse.Event) ([]sse.Event, error) { return []sse.Event{ev}, nil }
func (identityStream) Flush() []sse.Event                     { return nil }

// OverrideModel stamps the client-facing model name into a JSON body that
// carries a top-level "model" field. Bodies without one are returned as-is.
func OverrideModel(body []byte, model string) []byte {
	if model == "" {
		return body
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return body
	}
	if _, ok := obj["model"]; !ok {
		return body
	}
	m, _ := json.Marshal(model)
	obj["model"] = m
	out, err := json.Marshal(obj)
	if err != nil {
		return body
	}
	return out
}
