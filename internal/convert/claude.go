package convert

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/aetherlab/aether/internal"
	"github.com/aetherlab/aether/internal/convert/sse"
)

// Claude requires max_tokens; applied when the client omitted a cap.
const defaultClaudeMaxTokens = 4096

type claudeRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens"`
	System        json.RawMessage `json:"system,omitempty"`
	Messages      []claudeMessage `json:"messages"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Tools         []claudeTool    `json:"tools,omitempty"`
	ToolChoice    json.RawMessage `json:"tool_choice,omitempty"`
	Thinking      json.RawMessage `json:"thinking,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type claudeTool struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema"`
	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

// claudeBlock is one inbound content block; unions all block shapes.
type claudeBlock struct {
	Type         string          `json:"type"`
	Text         string          `json:"text,omitempty"`
	Thinking     string          `json:"thinking,omitempty"`
	ID           string          `json:"id,omitempty"`
	Name         string          `json:"name,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	ToolUseID    string          `json:"tool_use_id,omitempty"`
	Content      json.RawMessage `json:"content,omitempty"`
	CacheControl json.RawMessage `json:"cache_control,omitempty"`
	Source       *struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type,omitempty"`
		Data      string `json:"data,omitempty"`
		URL       string `json:"url,omitempty"`
	} `json:"source,omitempty"`
}

// openaiToClaudeRequest rewrites an OpenAI chat request as a Claude messages
// request. System messages collapse into the system field, tool results
// become tool_result blocks, and consecutive same-role turns merge to keep
// the alternation Claude requires.
func openaiToClaudeRequest(body []byte) ([]byte, error) {
	var in chatRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("%w: parse openai request: %v", gateway.ErrInvalidRequest, err)
	}

	out := claudeRequest{
		Model:         in.Model,
		Stream:        in.Stream,
		Temperature:   in.Temperature,
		TopP:          in.TopP,
		StopSequences: stopList(in.Stop),
	}
	switch {
	case in.MaxCompletionTokens != nil:
		out.MaxTokens = *in.MaxCompletionTokens
	case in.MaxTokens != nil:
		out.MaxTokens = *in.MaxTokens
	default:
		out.MaxTokens = defaultClaudeMaxTokens
	}

	var system []string
	for _, m := range in.Messages {
		switch m.Role {
		case "system", "developer":
			system = append(system, extractText(m.Content))
		case "user":
			var blocks []any
			for _, p := range contentParts(m.Content) {
				switch p.Type {
				case "text":
					blocks = append(blocks, map[string]any{"type": "text", "text": p.Text})
				case "image_url":
					if p.ImageURL != nil {
						blocks = append(blocks, claudeImageBlock(p.ImageURL.URL))
					}
				}
			}
			appendClaudeBlocks(&out.Messages, "user", blocks)
		case "assistant":
			var blocks []any
			if text := extractText(m.Content); text != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": text})
			}
			for _, tc := range m.ToolCalls {
				input := json.RawMessage(tc.Function.Arguments)
				if !gjson.ValidBytes(input) || len(input) == 0 {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Function.Name,
					"input": input,
				})
			}
			appendClaudeBlocks(&out.Messages, "assistant", blocks)
		case "tool":
			block := map[string]any{
				"type":        "tool_result",
				"tool_use_id": m.ToolCallID,
				"content":     extractText(m.Content),
			}
			appendClaudeBlocks(&out.Messages, "user", []any{block})
		}
	}
	if len(system) > 0 {
		out.System = stringContent(strings.Join(system, "\n\n"))
	}

	dropTools := false
	if len(in.ToolChoice) > 0 {
		out.ToolChoice, dropTools = claudeToolChoice(in.ToolChoice)
	}
	if !dropTools {
		for _, t := range in.Tools {
			schema := t.Function.Parameters
			if len(schema) == 0 {
				schema = json.RawMessage(`{"type":"object"}`)
			}
			out.Tools = append(out.Tools, claudeTool{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				InputSchema: schema,
			})
		}
	}

	if in.ReasoningEffort != "" {
		budget := reasoningBudget(in.ReasoningEffort)
		out.Thinking = json.RawMessage(fmt.Sprintf(`{"type":"enabled","budget_tokens":%d}`, budget))
	}

	return json.Marshal(out)
}

// appendClaudeBlocks appends blocks under role, merging into the previous
// message when the role repeats.
func appendClaudeBlocks(msgs *[]claudeMessage, role string, blocks []any) {
	if len(blocks) == 0 {
		return
	}
	if n := len(*msgs); n > 0 && (*msgs)[n-1].Role == role {
		var prev []any
		if json.Unmarshal((*msgs)[n-1].Content, &prev) == nil {
			raw, _ := json.Marshal(append(prev, blocks...))
			(*msgs)[n-1].Content = raw
			return
		}
	}
	raw, _ := json.Marshal(blocks)
	*msgs = append(*msgs, claudeMessage{Role: role, Content: raw})
}

func claudeImageBlock(url string) map[string]any {
	if media, data, ok := splitDataURL(url); ok {
		return map[string]any{
			"type": "image",
			"source": map[string]any{
				"type":       "base64",
				"media_type": media,
				"data":       data,
			},
		}
	}
	return map[string]any{
		"type":   "image",
		"source": map[string]any{"type": "url", "url": url},
	}
}

// splitDataURL splits "data:<media>;base64,<payload>" into its parts.
func splitDataURL(url string) (media, data string, ok bool) {
	rest, found := strings.CutPrefix(url, "data:")
	if !found {
		return "", "", false
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	media = strings.TrimSuffix(meta, ";base64")
	return media, payload, true
}

// claudeToolChoice maps an OpenAI tool_choice to Claude's. "none" has no
// Claude equivalent, so the tools themselves are dropped instead.
func claudeToolChoice(raw json.RawMessage) (choice json.RawMessage, dropTools bool) {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		switch s {
		case "none":
			return nil, true
		case "required":
			return json.RawMessage(`{"type":"any"}`), false
		default:
			return json.RawMessage(`{"type":"auto"}`), false
		}
	}
	if name := gjson.GetBytes(raw, "function.name").String(); name != "" {
		b, _ := json.Marshal(map[string]any{"type": "tool", "name": name})
		return b, false
	}
	return json.RawMessage(`{"type":"auto"}`), false
}

func reasoningBudget(effort string) int {
	switch effort {
	case "low", "minimal":
		return 1024
	case "high":
		return 16384
	default:
		return 8192
	}
}

// claudeToOpenAIRequest rewrites a Claude messages request as an OpenAI chat
// request. tool_result blocks split out into tool-role messages; thinking
// blocks land in reasoning_content.
func claudeToOpenAIRequest(body []byte) ([]byte, error) {
	var in claudeRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("%w: parse claude request: %v", gateway.ErrInvalidRequest, err)
	}

	out := chatRequest{
		Model:       in.Model,
		Stream:      in.Stream,
		Temperature: in.Temperature,
		TopP:        in.TopP,
	}
	if in.MaxTokens > 0 {
		mt := in.MaxTokens
		out.MaxTokens = &mt
	}
	if len(in.StopSequences) > 0 {
		raw, _ := json.Marshal(in.StopSequences)
		out.Stop = raw
	}
	if len(in.System) > 0 {
		out.Messages = append(out.Messages, chatMessage{
			Role:    "system",
			Content: stringContent(claudeSystemText(in.System)),
		})
	}

	for _, m := range in.Messages {
		var s string
		if json.Unmarshal(m.Content, &s) == nil {
			out.Messages = append(out.Messages, chatMessage{Role: m.Role, Content: stringContent(s)})
			continue
		}
		var blocks []claudeBlock
		if err := json.Unmarshal(m.Content, &blocks); err != nil {
			continue
		}
		switch m.Role {
		case "user":
			var parts []any
			for _, b := range blocks {
				switch b.Type {
				case "text":
					parts = append(parts, map[string]any{"type": "text", "text": b.Text})
				case "image":
					if b.Source != nil {
						url := b.Source.URL
						if b.Source.Type == "base64" {
							url = "data:" + b.Source.MediaType + ";base64," + b.Source.Data
						}
						parts = append(parts, map[string]any{
							"type":      "image_url",
							"image_url": map[string]any{"url": url},
						})
					}
				case "tool_result":
					out.Messages = append(out.Messages, chatMessage{
						Role:       "tool",
						ToolCallID: b.ToolUseID,
						Content:    stringContent(claudeResultText(b.Content)),
					})
				}
			}
			if len(parts) > 0 {
				raw, _ := json.Marshal(parts)
				out.Messages = append(out.Messages, chatMessage{Role: "user", Content: raw})
			}
		case "assistant":
			var text, reasoning strings.Builder
			var calls []chatToolCall
			for _, b := range blocks {
				switch b.Type {
				case "text":
					text.WriteString(b.Text)
				case "thinking":
					reasoning.WriteString(b.Thinking)
				case "tool_use":
					tc := chatToolCall{ID: b.ID, Type: "function"}
					tc.Function.Name = b.Name
					tc.Function.Arguments = string(b.Input)
					if tc.Function.Arguments == "" {
						tc.Function.Arguments = "{}"
					}
					calls = append(calls, tc)
				}
			}
			msg := chatMessage{Role: "assistant", ToolCalls: calls, ReasoningContent: reasoning.String()}
			if text.Len() > 0 {
				msg.Content = stringContent(text.String())
			}
			out.Messages = append(out.Messages, msg)
		}
	}

	for _, t := range in.Tools {
		out.Tools = append(out.Tools, chatTool{
			Type: "function",
			Function: chatFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	if len(in.ToolChoice) > 0 {
		out.ToolChoice = openaiToolChoice(in.ToolChoice)
	}
	if len(in.Thinking) > 0 {
		if gjson.GetBytes(in.Thinking, "type").String() == "enabled" {
			out.ReasoningEffort = effortFromBudget(int(gjson.GetBytes(in.Thinking, "budget_tokens").Int()))
		}
	}
	return json.Marshal(out)
}

// claudeSystemText flattens a Claude system field (string or text blocks).
func claudeSystemText(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var b strings.Builder
	gjson.ParseBytes(raw).ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			b.WriteString(block.Get("text").String())
		}
		return true
	})
	return b.String()
}

// claudeResultText flattens a tool_result content field (string or blocks).
func claudeResultText(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var b strings.Builder
	gjson.ParseBytes(raw).ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			b.WriteString(block.Get("text").String())
		}
		return true
	})
	if b.Len() > 0 {
		return b.String()
	}
	return string(raw)
}

func openaiToolChoice(raw json.RawMessage) json.RawMessage {
	switch gjson.GetBytes(raw, "type").String() {
	case "auto":
		return json.RawMessage(`"auto"`)
	case "any":
		return json.RawMessage(`"required"`)
	case "none":
		return json.RawMessage(`"none"`)
	case "tool":
		b, _ := json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]any{"name": gjson.GetBytes(raw, "name").String()},
		})
		return b
	}
	return nil
}

func effortFromBudget(budget int) string {
	switch {
	case budget <= 0:
		return ""
	case budget < 2048:
		return "low"
	case budget < 10000:
		return "medium"
	default:
		return "high"
	}
}

// --- Responses ---

// claudeToOpenAIResponse rewrites a Claude message response as an OpenAI
// chat completion.
func claudeToOpenAIResponse(body []byte, model string) ([]byte, error) {
	r := gjson.ParseBytes(body)

	var text, reasoning strings.Builder
	var toolCalls []map[string]any
	r.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			text.WriteString(block.Get("text").String())
		case "thinking":
			reasoning.WriteString(block.Get("thinking").String())
		case "tool_use":
			args := block.Get("input").Raw
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, map[string]any{
				"id":   block.Get("id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      block.Get("name").String(),
					"arguments": args,
				},
			})
		}
		return true
	})

	finish := mapClaudeStopReason(r.Get("stop_reason").String())
	message := map[string]any{"role": "assistant", "content": nil}
	if text.Len() > 0 {
		message["content"] = text.String()
	}
	if reasoning.Len() > 0 {
		message["reasoning_content"] = reasoning.String()
	}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}

	prompt := int(r.Get("usage.input_tokens").Int())
	completion := int(r.Get("usage.output_tokens").Int())
	usage := map[string]any{
		"prompt_tokens":     prompt,
		"completion_tokens": completion,
		"total_tokens":      prompt + completion,
	}
	if cached := r.Get("usage.cache_read_input_tokens").Int(); cached > 0 {
		usage["prompt_tokens_details"] = map[string]any{"cached_tokens": cached}
	}

	return json.Marshal(map[string]any{
		"id":     r.Get("id").String(),
		"object": "chat.completion",
		"model":  model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       message,
			"finish_reason": finish,
		}},
		"usage": usage,
	})
}

// openaiToClaudeResponse rewrites an OpenAI chat completion as a Claude
// message response.
func openaiToClaudeResponse(body []byte, model string) ([]byte, error) {
	r := gjson.ParseBytes(body)
	msg := r.Get("choices.0.message")

	var blocks []map[string]any
	if reasoning := msg.Get("reasoning_content").String(); reasoning != "" {
		blocks = append(blocks, map[string]any{"type": "thinking", "thinking": reasoning})
	}
	if content := msg.Get("content").String(); content != "" {
		blocks = append(blocks, map[string]any{"type": "text", "text": content})
	}
	msg.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		input := json.RawMessage(tc.Get("function.arguments").String())
		if !gjson.ValidBytes(input) || len(input) == 0 {
			input = json.RawMessage("{}")
		}
		blocks = append(blocks, map[string]any{
			"type":  "tool_use",
			"id":    tc.Get("id").String(),
			"name":  tc.Get("function.name").String(),
			"input": input,
		})
		return true
	})
	if blocks == nil {
		blocks = []map[string]any{}
	}

	id := r.Get("id").String()
	if id == "" {
		id = "msg_converted"
	}
	return json.Marshal(map[string]any{
		"id":            id,
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"content":       blocks,
		"stop_reason":   mapOpenAIFinishReason(r.Get("choices.0.finish_reason").String()),
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":  r.Get("usage.prompt_tokens").Int(),
			"output_tokens": r.Get("usage.completion_tokens").Int(),
		},
	})
}

// mapClaudeStopReason converts Claude stop reasons to OpenAI finish reasons.
func mapClaudeStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "":
		return "stop"
	default:
		return reason
	}
}

// mapOpenAIFinishReason converts OpenAI finish reasons to Claude stop reasons.
func mapOpenAIFinishReason(reason string) string {
	switch reason {
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return "end_turn"
	}
}

// --- Streams ---

// claudeToOpenAIStream replays Claude SSE events as OpenAI chunks.
type claudeToOpenAIStream struct {
	model     string
	id        string
	inTokens  int
	outTokens int
	stop      string
	tools     map[int]int // claude block index -> openai tool_calls index
	nextTool  int
	done      bool
}

func newClaudeToOpenAIStream(model string) *claudeToOpenAIStream {
	return &claudeToOpenAIStream{model: model, tools: map[int]int{}}
}

func (s *claudeToOpenAIStream) Next(ev sse.Event) ([]sse.Event, error) {
	if len(ev.Data) == 0 {
		return nil, nil
	}
	r := gjson.ParseBytes(ev.Data)
	name := ev.Name
	if name == "" {
		name = r.Get("type").String()
	}

	switch name {
	case "message_start":
		s.id = r.Get("message.id").String()
		s.inTokens = int(r.Get("message.usage.input_tokens").Int())
		return []sse.Event{deltaChunk(s.id, s.model, map[string]any{"role": "assistant"})}, nil

	case "content_block_start":
		if r.Get("content_block.type").String() != "tool_use" {
			return nil, nil
		}
		idx := int(r.Get("index").Int())
		ti := s.nextTool
		s.nextTool++
		s.tools[idx] = ti
		return []sse.Event{toolCallStartChunk(s.id, s.model, ti,
			r.Get("content_block.id").String(), r.Get("content_block.name").String())}, nil

	case "content_block_delta":
		switch r.Get("delta.type").String() {
		case "text_delta":
			return []sse.Event{deltaChunk(s.id, s.model,
				map[string]any{"content": r.Get("delta.text").String()})}, nil
		case "thinking_delta":
			return []sse.Event{deltaChunk(s.id, s.model,
				map[string]any{"reasoning_content": r.Get("delta.thinking").String()})}, nil
		case "input_json_delta":
			idx := int(r.Get("index").Int())
			ti, ok := s.tools[idx]
			if !ok {
				return nil, nil
			}
			return []sse.Event{toolCallDeltaChunk(s.id, s.model, ti,
				r.Get("delta.partial_json").String())}, nil
		}
		return nil, nil

	case "message_delta":
		s.outTokens = int(r.Get("usage.output_tokens").Int())
		s.stop = r.Get("delta.stop_reason").String()
		return nil, nil

	case "message_stop":
		s.done = true
		return []sse.Event{
			finishChunk(s.id, s.model, mapClaudeStopReason(s.stop)),
			usageChunk(s.id, s.model, s.inTokens, s.outTokens, 0),
			doneEvent(),
		}, nil
	}
	return nil, nil
}

func (s *claudeToOpenAIStream) Flush() []sse.Event {
	if s.done {
		return nil
	}
	s.done = true
	return []sse.Event{finishChunk(s.id, s.model, mapClaudeStopReason(s.stop)), doneEvent()}
}

// openaiToClaudeStream replays OpenAI chunks as Claude SSE events. Blocks
// are emitted sequentially: opening a new block closes the previous one.
type openaiToClaudeStream struct {
	model    string
	started  bool
	id       string
	blockIdx int
	curOpen  int    // index of the open block, -1 when none
	curType  string // "text", "thinking", "tool_use"
	tools    map[int]int
	finish   string
	inTok    int
	outTok   int
	done     bool
}

func newOpenAIToClaudeStream(model string) *openaiToClaudeStream {
	return &openaiToClaudeStream{model: model, curOpen: -1, tools: map[int]int{}}
}

func claudeEvent(name string, payload map[string]any) sse.Event {
	payload["type"] = name
	b, _ := json.Marshal(payload)
	return sse.Event{Name: name, Data: b}
}

func (s *openaiToClaudeStream) Next(ev sse.Event) ([]sse.Event, error) {
	if ev.IsDone() {
		return s.finishEvents(), nil
	}
	if len(ev.Data) == 0 {
		return nil, nil
	}
	r := gjson.ParseBytes(ev.Data)

	var out []sse.Event
	if !s.started {
		s.started = true
		s.id = r.Get("id").String()
		if s.id == "" {
			s.id = "msg_stream"
		}
		out = append(out, claudeEvent("message_start", map[string]any{
			"message": map[string]any{
				"id":            s.id,
				"type":          "message",
				"role":          "assistant",
				"model":         s.model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		}))
	}

	delta := r.Get("choices.0.delta")
	if text := delta.Get("content").String(); text != "" {
		out = append(out, s.openBlock("text", map[string]any{"type": "text", "text": ""})...)
		out = append(out, claudeEvent("content_block_delta", map[string]any{
			"index": s.curOpen,
			"delta": map[string]any{"type": "text_delta", "text": text},
		}))
	}
	if thought := delta.Get("reasoning_content").String(); thought != "" {
		out = append(out, s.openBlock("thinking", map[string]any{"type": "thinking", "thinking": ""})...)
		out = append(out, claudeEvent("content_block_delta", map[string]any{
			"index": s.curOpen,
			"delta": map[string]any{"type": "thinking_delta", "thinking": thought},
		}))
	}
	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		idx := int(tc.Get("index").Int())
		if name := tc.Get("function.name").String(); name != "" {
			callID := tc.Get("id").String()
			if callID == "" {
				callID = fmt.Sprintf("toolu_%d", s.blockIdx)
			}
			out = append(out, s.openBlock("tool_use", map[string]any{
				"type":  "tool_use",
				"id":    callID,
				"name":  name,
				"input": map[string]any{},
			})...)
			s.tools[idx] = s.curOpen
		}
		if args := tc.Get("function.arguments").String(); args != "" {
			block, ok := s.tools[idx]
			if !ok {
				return true
			}
			out = append(out, claudeEvent("content_block_delta", map[string]any{
				"index": block,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": args},
			}))
		}
		return true
	})

	if fr := r.Get("choices.0.finish_reason"); fr.Exists() && fr.String() != "" {
		s.finish = fr.String()
	}
	if u := r.Get("usage"); u.Exists() {
		s.inTok = int(u.Get("prompt_tokens").Int())
		s.outTok = int(u.Get("completion_tokens").Int())
	}
	return out, nil
}

// openBlock starts a new content block of the given type, closing any open
// one first. Returns the events to emit; s.curOpen points at the new block.
func (s *openaiToClaudeStream) openBlock(blockType string, content map[string]any) []sse.Event {
	if s.curOpen >= 0 && s.curType == blockType && blockType != "tool_use" {
		return nil
	}
	var out []sse.Event
	if s.curOpen >= 0 {
		out = append(out, claudeEvent("content_block_stop", map[string]any{"index": s.curOpen}))
	}
	s.curOpen = s.blockIdx
	s.curType = blockType
	s.blockIdx++
	out = append(out, claudeEvent("content_block_start", map[string]any{
		"index":         s.curOpen,
		"content_block": content,
	}))
	return out
}

func (s *openaiToClaudeStream) finishEvents() []sse.Event {
	if s.done {
		return nil
	}
	s.done = true
	var out []sse.Event
	if s.curOpen >= 0 {
		out = append(out, claudeEvent("content_block_stop", map[string]any{"index": s.curOpen}))
		s.curOpen = -1
	}
	out = append(out,
		claudeEvent("message_delta", map[string]any{
			"delta": map[string]any{
				"stop_reason":   mapOpenAIFinishReason(s.finish),
				"stop_sequence": nil,
			},
			"usage": map[string]any{"output_tokens": s.outTok},
		}),
		claudeEvent("message_stop", map[string]any{}),
	)
	return out
}

func (s *openaiToClaudeStream) Flush() []sse.Event {
	return s.finishEvents()
}
