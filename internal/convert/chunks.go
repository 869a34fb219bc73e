package convert

import (
	"encoding/json"

	"github.com/aetherlab/aether/internal/convert/sse"
)

// Builders for OpenAI chat.completion.chunk stream events, the pivot stream
// format. All emit data-only SSE events.

func deltaChunk(id, model string, delta map[string]any) sse.Event {
	chunk := map[string]any{
		"id":     id,
		"object": "chat.completion.chunk",
		"model":  model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": nil,
		}},
	}
	b, _ := json.Marshal(chunk)
	return sse.Event{Data: b}
}

func toolCallStartChunk(id, model string, index int, callID, name string) sse.Event {
	return deltaChunk(id, model, map[string]any{
		"tool_calls": []map[string]any{{
			"index": index,
			"id":    callID,
			"type":  "function",
			"function": map[string]any{
				"name":      name,
				"arguments": "",
			},
		}},
	})
}

func toolCallDeltaChunk(id, model string, index int, argumentsDelta string) sse.Event {
	return deltaChunk(id, model, map[string]any{
		"tool_calls": []map[string]any{{
			"index": index,
			"function": map[string]any{
				"arguments": argumentsDelta,
			},
		}},
	})
}

func finishChunk(id, model, finishReason string) sse.Event {
	chunk := map[string]any{
		"id":     id,
		"object": "chat.completion.chunk",
		"model":  model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         map[string]any{},
			"finish_reason": finishReason,
		}},
	}
	b, _ := json.Marshal(chunk)
	return sse.Event{Data: b}
}

func usageChunk(id, model string, prompt, completion, cachedRead int) sse.Event {
	usage := map[string]any{
		"prompt_tokens":     prompt,
		"completion_tokens": completion,
		"total_tokens":      prompt + completion,
	}
	if cachedRead > 0 {
		usage["prompt_tokens_details"] = map[string]any{"cached_tokens": cachedRead}
	}
	chunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"model":   model,
		"choices": []map[string]any{},
		"usage":   usage,
	}
	b, _ := json.Marshal(chunk)
	return sse.Event{Data: b}
}

func doneEvent() sse.Event {
	return sse.Event{Data: []byte(sse.DoneSentinel)}
}
