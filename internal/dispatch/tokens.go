package dispatch

import (
	"github.com/tidwall/gjson"

	gateway "github.com/aetherlab/aether/internal"
)

// extractUsage pulls token counts from an upstream response body in the
// upstream's own format. Returns false when the body carries no usage.
func extractUsage(family gateway.APIFamily, body []byte) (gateway.TokenCounts, bool) {
	switch family {
	case gateway.FamilyClaude:
		return claudeUsage(gjson.GetBytes(body, "usage"))
	case gateway.FamilyGemini:
		return geminiUsage(gjson.GetBytes(body, "usageMetadata"))
	default:
		return openaiUsage(gjson.GetBytes(body, "usage"), gjson.GetBytes(body, "response.usage"))
	}
}

// extractEventUsage pulls token counts from one SSE event's data payload.
// Claude splits usage across message_start (nested under message) and
// message_delta; callers merge with mergeUsage.
func extractEventUsage(family gateway.APIFamily, data []byte) (gateway.TokenCounts, bool) {
	if family == gateway.FamilyClaude {
		if t, ok := claudeUsage(gjson.GetBytes(data, "message.usage")); ok {
			return t, ok
		}
	}
	return extractUsage(family, data)
}

// mergeUsage overlays non-zero fields of next onto acc. Streaming families
// report input and output counts in different frames.
func mergeUsage(acc, next gateway.TokenCounts) gateway.TokenCounts {
	if next.Input > 0 {
		acc.Input = next.Input
	}
	if next.Output > 0 {
		acc.Output = next.Output
	}
	if next.CacheCreation5m > 0 {
		acc.CacheCreation5m = next.CacheCreation5m
	}
	if next.CacheCreation1h > 0 {
		acc.CacheCreation1h = next.CacheCreation1h
	}
	if next.CacheRead > 0 {
		acc.CacheRead = next.CacheRead
	}
	return acc
}

func openaiUsage(usage, nested gjson.Result) (gateway.TokenCounts, bool) {
	if !usage.Exists() {
		usage = nested // responses API stream frames nest under response
	}
	if !usage.Exists() {
		return gateway.TokenCounts{}, false
	}
	t := gateway.TokenCounts{
		Input:  usage.Get("prompt_tokens").Int(),
		Output: usage.Get("completion_tokens").Int(),
	}
	if t.Input == 0 {
		t.Input = usage.Get("input_tokens").Int()
	}
	if t.Output == 0 {
		t.Output = usage.Get("output_tokens").Int()
	}
	t.CacheRead = usage.Get("prompt_tokens_details.cached_tokens").Int()
	if t.CacheRead == 0 {
		t.CacheRead = usage.Get("input_tokens_details.cached_tokens").Int()
	}
	return t, t.Input > 0 || t.Output > 0
}

func claudeUsage(usage gjson.Result) (gateway.TokenCounts, bool) {
	if !usage.Exists() {
		return gateway.TokenCounts{}, false
	}
	t := gateway.TokenCounts{
		Input:     usage.Get("input_tokens").Int(),
		Output:    usage.Get("output_tokens").Int(),
		CacheRead: usage.Get("cache_read_input_tokens").Int(),
	}
	if cc := usage.Get("cache_creation"); cc.Exists() {
		t.CacheCreation5m = cc.Get("ephemeral_5m_input_tokens").Int()
		t.CacheCreation1h = cc.Get("ephemeral_1h_input_tokens").Int()
	} else {
		t.CacheCreation5m = usage.Get("cache_creation_input_tokens").Int()
	}
	return t, t.Input > 0 || t.Output > 0
}

func geminiUsage(meta gjson.Result) (gateway.TokenCounts, bool) {
	if !meta.Exists() {
		return gateway.TokenCounts{}, false
	}
	t := gateway.TokenCounts{
		Input:     meta.Get("promptTokenCount").Int(),
		Output:    meta.Get("candidatesTokenCount").Int(),
		CacheRead: meta.Get("cachedContentTokenCount").Int(),
	}
	if t.Output == 0 {
		// Thinking tokens bill as output.
		t.Output = meta.Get("thoughtsTokenCount").Int()
	}
	return t, t.Input > 0 || t.Output > 0
}
