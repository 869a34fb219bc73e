package convert

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/aetherlab/aether/internal"
	"github.com/aetherlab/aether/internal/convert/sse"
)

// Smoother defaults: large text deltas split into 5-character sub-events
// 15 ms apart.
const (
	DefaultSmootherChars = 5
	DefaultSmootherDelay = 15 * time.Millisecond
)

// Smoother splits large text deltas into fixed-size sub-events separated by
// a pause, so converted streams keep a typing cadence. Only pure text deltas
// of the client's format are split; every other event passes through
// untouched, and the final sub-chunk carries no trailing delay.
type Smoother struct {
	format   string
	maxChars int
	delay    time.Duration

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSmoother returns a smoother for the client signature. maxChars <= 0 or
// delay <= 0 select the defaults.
func NewSmoother(client gateway.Signature, maxChars int, delay time.Duration) *Smoother {
	if maxChars <= 0 {
		maxChars = DefaultSmootherChars
	}
	if delay <= 0 {
		delay = DefaultSmootherDelay
	}
	return &Smoother{
		format:   client.DataFormat(),
		maxChars: maxChars,
		delay:    delay,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Emit forwards ev to send, splitting it first when it is a large pure text
// delta.
func (s *Smoother) Emit(ctx context.Context, ev sse.Event, send func(sse.Event) error) error {
	text, rebuild, ok := s.textDelta(ev)
	if !ok || len([]rune(text)) <= s.maxChars {
		return send(ev)
	}
	pieces := splitRunes(text, s.maxChars)
	for i, piece := range pieces {
		if err := send(rebuild(piece)); err != nil {
			return err
		}
		if i < len(pieces)-1 {
			if err := s.sleep(ctx, s.delay); err != nil {
				return err
			}
		}
	}
	return nil
}

// textDelta reports whether ev is a pure text delta of the client format and
// returns the text plus a rebuild function producing a sub-event carrying a
// replacement piece.
func (s *Smoother) textDelta(ev sse.Event) (string, func(string) sse.Event, bool) {
	if len(ev.Data) == 0 || ev.IsDone() {
		return "", nil, false
	}
	r := gjson.ParseBytes(ev.Data)

	switch s.format {
	case fmtOpenAIChat:
		delta := r.Get("choices.0.delta")
		text := delta.Get("content").String()
		if text == "" || delta.Get("tool_calls").Exists() || delta.Get("role").Exists() {
			return "", nil, false
		}
		return text, rebuildAt(ev, "choices", "0", "delta", "content"), true

	case fmtClaude:
		name := ev.Name
		if name == "" {
			name = r.Get("type").String()
		}
		if name != "content_block_delta" || r.Get("delta.type").String() != "text_delta" {
			return "", nil, false
		}
		text := r.Get("delta.text").String()
		if text == "" {
			return "", nil, false
		}
		return text, rebuildAt(ev, "delta", "text"), true

	case fmtGemini:
		parts := r.Get("candidates.0.content.parts")
		if !parts.IsArray() || len(parts.Array()) != 1 {
			return "", nil, false
		}
		part := parts.Array()[0]
		text := part.Get("text").String()
		if text == "" || part.Get("functionCall").Exists() || part.Get("thought").Bool() {
			return "", nil, false
		}
		return text, rebuildAt(ev, "candidates", "0", "content", "parts", "0", "text"), true

	case fmtOpenAIResponses:
		name := ev.Name
		if name == "" {
			name = r.Get("type").String()
		}
		if name != "response.output_text.delta" {
			return "", nil, false
		}
		text := r.Get("delta").String()
		if text == "" {
			return "", nil, false
		}
		return text, rebuildAt(ev, "delta"), true
	}
	return "", nil, false
}

// rebuildAt returns a function that replaces the string at path with a new
// piece and re-encodes the event.
func rebuildAt(ev sse.Event, path ...string) func(string) sse.Event {
	return func(piece string) sse.Event {
		var doc any
		if err := json.Unmarshal(ev.Data, &doc); err != nil {
			return ev
		}
		if !setPath(doc, path, piece) {
			return ev
		}
		b, err := json.Marshal(doc)
		if err != nil {
			return ev
		}
		return sse.Event{Name: ev.Name, Data: b}
	}
}

// setPath walks maps and arrays to replace the leaf value.
func setPath(doc any, path []string, value string) bool {
	for i, key := range path {
		last := i == len(path)-1
		switch node := doc.(type) {
		case map[string]any:
			if last {
				node[key] = value
				return true
			}
			doc = node[key]
		case []any:
			idx := 0
			for _, c := range key {
				idx = idx*10 + int(c-'0')
			}
			if idx < 0 || idx >= len(node) {
				return false
			}
			if last {
				node[idx] = value
				return true
			}
			doc = node[idx]
		default:
			return false
		}
	}
	return false
}

// splitRunes cuts text into rune-safe pieces of at most n runes.
func splitRunes(text string, n int) []string {
	runes := []rune(text)
	var out []string
	for len(runes) > n {
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}
