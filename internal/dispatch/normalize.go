package dispatch

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/aetherlab/aether/internal"
)

// normalized is the request after model, stream flag, and capability
// detection.
type normalized struct {
	Sig          gateway.Signature
	Model        string
	Stream       bool
	Capabilities []string
	Body         []byte
	Header       http.Header
}

// normalize resolves the model and stream flag and derives the required
// capabilities from the request shape. The body is authoritative for the
// model except on gemini routes, where the URL carries it.
func (d *Dispatcher) normalize(req *Request) (*normalized, error) {
	n := &normalized{Sig: req.Sig, Body: req.Body, Header: req.Header}

	if req.Sig.Family == gateway.FamilyGemini && req.ModelOverride != "" {
		n.Model = req.ModelOverride
	} else {
		n.Model = gjson.GetBytes(req.Body, "model").String()
		if n.Model == "" {
			n.Model = req.ModelOverride
		}
	}
	if n.Model == "" {
		return nil, fmt.Errorf("%w: missing model", gateway.ErrInvalidRequest)
	}
	n.Model = strings.TrimSpace(n.Model)

	if req.StreamHint != nil {
		n.Stream = *req.StreamHint
	} else {
		n.Stream = gjson.GetBytes(req.Body, "stream").Bool()
	}

	n.Capabilities = detectCapabilities(req.Sig, req.Body)
	return n, nil
}

// detectCapabilities inspects the request shape for features the serving
// model must support.
func detectCapabilities(sig gateway.Signature, body []byte) []string {
	var caps []string

	if hasVisionParts(sig, body) {
		caps = append(caps, "vision")
	}
	if gjson.GetBytes(body, "tools").IsArray() && len(gjson.GetBytes(body, "tools").Array()) > 0 {
		caps = append(caps, "function_calling")
	}
	if gjson.GetBytes(body, "thinking").Exists() || // claude
		gjson.GetBytes(body, "reasoning_effort").Exists() || // openai chat
		gjson.GetBytes(body, "reasoning").Exists() || // responses
		gjson.GetBytes(body, "generationConfig.thinkingConfig").Exists() { // gemini
		caps = append(caps, "extended_thinking")
	}
	return caps
}

func hasVisionParts(sig gateway.Signature, body []byte) bool {
	found := false
	scan := func(list gjson.Result, partTypes ...string) {
		list.ForEach(func(_, msg gjson.Result) bool {
			parts := msg.Get("content")
			if sig.Family == gateway.FamilyGemini {
				parts = msg.Get("parts")
			}
			if !parts.IsArray() {
				return true
			}
			parts.ForEach(func(_, part gjson.Result) bool {
				for _, pt := range partTypes {
					if part.Get(pt).Exists() {
						found = true
						return false
					}
				}
				return true
			})
			return !found
		})
	}

	switch sig.Family {
	case gateway.FamilyGemini:
		scan(gjson.GetBytes(body, "contents"), "inlineData", "inline_data", "fileData")
	case gateway.FamilyClaude:
		list := gjson.GetBytes(body, "messages")
		list.ForEach(func(_, msg gjson.Result) bool {
			msg.Get("content").ForEach(func(_, part gjson.Result) bool {
				if part.Get("type").String() == "image" {
					found = true
					return false
				}
				return true
			})
			return !found
		})
	default:
		list := gjson.GetBytes(body, "messages")
		if !list.Exists() {
			list = gjson.GetBytes(body, "input")
		}
		list.ForEach(func(_, msg gjson.Result) bool {
			msg.Get("content").ForEach(func(_, part gjson.Result) bool {
				t := part.Get("type").String()
				if t == "image_url" || t == "input_image" {
					found = true
					return false
				}
				return true
			})
			return !found
		})
	}
	return found
}

// splitBaseURLs splits an endpoint's base_url field, which may carry a
// comma-separated list of equivalent hosts.
func splitBaseURLs(raw string) []string {
	parts := strings.Split(raw, ",")
	urls := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			urls = append(urls, p)
		}
	}
	return urls
}
