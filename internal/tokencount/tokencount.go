// Package tokencount estimates token counts when upstream omits usage.
// Uses a character-based heuristic (~4 chars per token for English),
// which is sufficient for accounting fallbacks and TPM rate limiting.
package tokencount

import (
	"github.com/tidwall/gjson"
)

// EstimateText estimates tokens for a plain text string.
func EstimateText(text string) int64 {
	if len(text) == 0 {
		return 0
	}
	// ~4 bytes per token; ceil division.
	return int64(len(text)+3) / 4
}

// EstimateBody estimates the input token count for a chat-shaped request
// body in any of the supported wire formats. Message text, system prompts,
// and tool declarations all count; non-text parts are skipped.
func EstimateBody(body []byte) int64 {
	if len(body) == 0 {
		return 0
	}
	var chars int64

	// openai chat "messages", claude "messages", gemini "contents".
	for _, listPath := range []string{"messages", "contents", "input"} {
		list := gjson.GetBytes(body, listPath)
		if !list.IsArray() {
			continue
		}
		list.ForEach(func(_, msg gjson.Result) bool {
			chars += messageChars(msg)
			return true
		})
	}
	for _, p := range []string{"system", "instructions", "systemInstruction"} {
		chars += textChars(gjson.GetBytes(body, p))
	}
	if tools := gjson.GetBytes(body, "tools"); tools.Exists() {
		chars += int64(len(tools.Raw)) / 2 // declarations compress well
	}
	// 4 tokens of per-message overhead plus the reply priming.
	est := (chars+3)/4 + 3
	return max(est, 1)
}

func messageChars(msg gjson.Result) int64 {
	n := textChars(msg.Get("content")) + textChars(msg.Get("parts"))
	n += int64(len(msg.Get("role").String()))
	n += 16 // role/format overhead in characters
	if tc := msg.Get("tool_calls"); tc.Exists() {
		n += int64(len(tc.Raw))
	}
	return n
}

// textChars counts characters in a string, a part array, or a part object.
func textChars(v gjson.Result) int64 {
	switch {
	case v.Type == gjson.String:
		return int64(len(v.String()))
	case v.IsArray():
		var n int64
		v.ForEach(func(_, part gjson.Result) bool {
			n += textChars(part)
			return true
		})
		return n
	case v.IsObject():
		if t := v.Get("text"); t.Exists() {
			return int64(len(t.String()))
		}
		return 0
	default:
		return 0
	}
}
