package convert

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/aetherlab/aether/internal"
	"github.com/aetherlab/aether/internal/convert/sse"
)

type responsesRequest struct {
	Model           string          `json:"model"`
	Input           json.RawMessage `json:"input,omitempty"`
	Instructions    string          `json:"instructions,omitempty"`
	MaxOutputTokens *int            `json:"max_output_tokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"top_p,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
	Tools           json.RawMessage `json:"tools,omitempty"`
	ToolChoice      json.RawMessage `json:"tool_choice,omitempty"`
	Store           *bool           `json:"store,omitempty"`
	Reasoning       json.RawMessage `json:"reasoning,omitempty"`
}

// chatToResponsesRequest rewrites an OpenAI chat request as a responses-API
// request. System messages become instructions; tool definitions flatten
// (the responses API puts name/parameters at the tool's top level).
func chatToResponsesRequest(body []byte) ([]byte, error) {
	var in chatRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("%w: parse openai request: %v", gateway.ErrInvalidRequest, err)
	}

	out := responsesRequest{
		Model:           in.Model,
		MaxOutputTokens: in.MaxCompletionTokens,
		Temperature:     in.Temperature,
		TopP:            in.TopP,
		Stream:          in.Stream,
	}
	if out.MaxOutputTokens == nil {
		out.MaxOutputTokens = in.MaxTokens
	}

	var instructions []string
	var items []any
	for _, m := range in.Messages {
		switch m.Role {
		case "system", "developer":
			instructions = append(instructions, extractText(m.Content))
		case "user", "assistant":
			textType := "input_text"
			if m.Role == "assistant" {
				textType = "output_text"
			}
			var content []any
			for _, p := range contentParts(m.Content) {
				switch p.Type {
				case "text":
					content = append(content, map[string]any{"type": textType, "text": p.Text})
				case "image_url":
					if p.ImageURL != nil {
						content = append(content, map[string]any{
							"type":      "input_image",
							"image_url": p.ImageURL.URL,
						})
					}
				}
			}
			if len(content) > 0 {
				items = append(items, map[string]any{
					"type":    "message",
					"role":    m.Role,
					"content": content,
				})
			}
			for _, tc := range m.ToolCalls {
				items = append(items, map[string]any{
					"type":      "function_call",
					"call_id":   tc.ID,
					"name":      tc.Function.Name,
					"arguments": tc.Function.Arguments,
				})
			}
		case "tool":
			items = append(items, map[string]any{
				"type":    "function_call_output",
				"call_id": m.ToolCallID,
				"output":  extractText(m.Content),
			})
		}
	}
	if len(instructions) > 0 {
		out.Instructions = strings.Join(instructions, "\n\n")
	}
	if items != nil {
		raw, _ := json.Marshal(items)
		out.Input = raw
	}

	var tools []map[string]any
	for _, t := range in.Tools {
		tools = append(tools, map[string]any{
			"type":        "function",
			"name":        t.Function.Name,
			"description": t.Function.Description,
			"parameters":  t.Function.Parameters,
		})
	}
	if tools != nil {
		raw, _ := json.Marshal(tools)
		out.Tools = raw
	}
	out.ToolChoice = in.ToolChoice
	if in.ReasoningEffort != "" {
		out.Reasoning = json.RawMessage(fmt.Sprintf(`{"effort":%q}`, in.ReasoningEffort))
	}

	return json.Marshal(out)
}

// responsesToChatRequest rewrites a responses-API request as a chat request.
func responsesToChatRequest(body []byte) ([]byte, error) {
	var in responsesRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("%w: parse responses request: %v", gateway.ErrInvalidRequest, err)
	}

	out := chatRequest{
		Model:       in.Model,
		MaxTokens:   in.MaxOutputTokens,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		Stream:      in.Stream,
		ToolChoice:  in.ToolChoice,
	}
	if in.Instructions != "" {
		out.Messages = append(out.Messages, chatMessage{Role: "system", Content: stringContent(in.Instructions)})
	}

	var prompt string
	if json.Unmarshal(in.Input, &prompt) == nil {
		out.Messages = append(out.Messages, chatMessage{Role: "user", Content: stringContent(prompt)})
	} else {
		gjson.ParseBytes(in.Input).ForEach(func(_, item gjson.Result) bool {
			switch item.Get("type").String() {
			case "message", "":
				role := item.Get("role").String()
				var text strings.Builder
				var parts []any
				item.Get("content").ForEach(func(_, c gjson.Result) bool {
					switch c.Get("type").String() {
					case "input_text", "output_text", "text":
						text.WriteString(c.Get("text").String())
					case "input_image":
						parts = append(parts, map[string]any{
							"type":      "image_url",
							"image_url": map[string]any{"url": c.Get("image_url").String()},
						})
					}
					return true
				})
				if item.Get("content").Type == gjson.String {
					text.WriteString(item.Get("content").String())
				}
				msg := chatMessage{Role: role}
				if len(parts) > 0 {
					if text.Len() > 0 {
						parts = append([]any{map[string]any{"type": "text", "text": text.String()}}, parts...)
					}
					raw, _ := json.Marshal(parts)
					msg.Content = raw
				} else {
					msg.Content = stringContent(text.String())
				}
				out.Messages = append(out.Messages, msg)
			case "function_call":
				tc := chatToolCall{ID: item.Get("call_id").String(), Type: "function"}
				tc.Function.Name = item.Get("name").String()
				tc.Function.Arguments = item.Get("arguments").String()
				out.Messages = append(out.Messages, chatMessage{Role: "assistant", ToolCalls: []chatToolCall{tc}})
			case "function_call_output":
				out.Messages = append(out.Messages, chatMessage{
					Role:       "tool",
					ToolCallID: item.Get("call_id").String(),
					Content:    stringContent(item.Get("output").String()),
				})
			}
			return true
		})
	}

	gjson.ParseBytes(in.Tools).ForEach(func(_, t gjson.Result) bool {
		if t.Get("type").String() != "function" {
			return true
		}
		out.Tools = append(out.Tools, chatTool{
			Type: "function",
			Function: chatFunction{
				Name:        t.Get("name").String(),
				Description: t.Get("description").String(),
				Parameters:  json.RawMessage(t.Get("parameters").Raw),
			},
		})
		return true
	})
	if effort := gjson.GetBytes(in.Reasoning, "effort").String(); effort != "" {
		out.ReasoningEffort = effort
	}

	return json.Marshal(out)
}

// --- Responses ---

// responsesToChatResponse rewrites a responses-API response object as a chat
// completion.
func responsesToChatResponse(body []byte, model string) ([]byte, error) {
	r := gjson.ParseBytes(body)

	var text, reasoning strings.Builder
	var toolCalls []map[string]any
	r.Get("output").ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "message":
			item.Get("content").ForEach(func(_, c gjson.Result) bool {
				if c.Get("type").String() == "output_text" {
					text.WriteString(c.Get("text").String())
				}
				return true
			})
		case "reasoning":
			item.Get("summary").ForEach(func(_, sum gjson.Result) bool {
				reasoning.WriteString(sum.Get("text").String())
				return true
			})
		case "function_call":
			toolCalls = append(toolCalls, map[string]any{
				"id":   item.Get("call_id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      item.Get("name").String(),
					"arguments": item.Get("arguments").String(),
				},
			})
		}
		return true
	})

	finish := "stop"
	if len(toolCalls) > 0 {
		finish = "tool_calls"
	}
	if r.Get("incomplete_details.reason").String() == "max_output_tokens" {
		finish = "length"
	}

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
	if cached := r.Get("usage.input_tokens_details.cached_tokens").Int(); cached > 0 {
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

// chatToResponsesResponse rewrites a chat completion as a responses-API
// response object.
func chatToResponsesResponse(body []byte, model string) ([]byte, error) {
	r := gjson.ParseBytes(body)
	msg := r.Get("choices.0.message")

	var output []map[string]any
	if reasoning := msg.Get("reasoning_content").String(); reasoning != "" {
		output = append(output, map[string]any{
			"type":    "reasoning",
			"summary": []map[string]any{{"type": "summary_text", "text": reasoning}},
		})
	}
	if content := msg.Get("content").String(); content != "" {
		output = append(output, map[string]any{
			"type":   "message",
			"role":   "assistant",
			"status": "completed",
			"content": []map[string]any{{
				"type": "output_text",
				"text": content,
			}},
		})
	}
	msg.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		output = append(output, map[string]any{
			"type":      "function_call",
			"call_id":   tc.Get("id").String(),
			"name":      tc.Get("function.name").String(),
			"arguments": tc.Get("function.arguments").String(),
			"status":    "completed",
		})
		return true
	})
	if output == nil {
		output = []map[string]any{}
	}

	status := "completed"
	resp := map[string]any{
		"id":     r.Get("id").String(),
		"object": "response",
		"status": status,
		"model":  model,
		"output": output,
		"usage": map[string]any{
			"input_tokens":  r.Get("usage.prompt_tokens").Int(),
			"output_tokens": r.Get("usage.completion_tokens").Int(),
			"total_tokens":  r.Get("usage.total_tokens").Int(),
		},
	}
	if r.Get("choices.0.finish_reason").String() == "length" {
		resp["status"] = "incomplete"
		resp["incomplete_details"] = map[string]any{"reason": "max_output_tokens"}
	}
	return json.Marshal(resp)
}

// --- Streams ---

// responsesToChatStream replays responses-API SSE events as chat chunks.
type responsesToChatStream struct {
	model    string
	id       string
	started  bool
	tools    map[int]int // output_index -> tool_calls index
	nextTool int
	sawTools bool
	done     bool
}

func newResponsesToChatStream(model string) *responsesToChatStream {
	return &responsesToChatStream{model: model, tools: map[int]int{}}
}

func (s *responsesToChatStream) Next(ev sse.Event) ([]sse.Event, error) {
	if len(ev.Data) == 0 || ev.IsDone() {
		return nil, nil
	}
	r := gjson.ParseBytes(ev.Data)
	name := ev.Name
	if name == "" {
		name = r.Get("type").String()
	}

	switch name {
	case "response.created":
		s.id = r.Get("response.id").String()
		s.started = true
		return []sse.Event{deltaChunk(s.id, s.model, map[string]any{"role": "assistant"})}, nil

	case "response.output_text.delta":
		return []sse.Event{deltaChunk(s.id, s.model,
			map[string]any{"content": r.Get("delta").String()})}, nil

	case "response.reasoning_summary_text.delta":
		return []sse.Event{deltaChunk(s.id, s.model,
			map[string]any{"reasoning_content": r.Get("delta").String()})}, nil

	case "response.output_item.added":
		item := r.Get("item")
		if item.Get("type").String() != "function_call" {
			return nil, nil
		}
		idx := int(r.Get("output_index").Int())
		ti := s.nextTool
		s.nextTool++
		s.tools[idx] = ti
		s.sawTools = true
		return []sse.Event{toolCallStartChunk(s.id, s.model, ti,
			item.Get("call_id").String(), item.Get("name").String())}, nil

	case "response.function_call_arguments.delta":
		ti, ok := s.tools[int(r.Get("output_index").Int())]
		if !ok {
			return nil, nil
		}
		return []sse.Event{toolCallDeltaChunk(s.id, s.model, ti, r.Get("delta").String())}, nil

	case "response.completed", "response.incomplete", "response.failed":
		s.done = true
		finish := "stop"
		if s.sawTools {
			finish = "tool_calls"
		}
		if name == "response.incomplete" {
			finish = "length"
		}
		prompt := int(r.Get("response.usage.input_tokens").Int())
		completion := int(r.Get("response.usage.output_tokens").Int())
		cached := int(r.Get("response.usage.input_tokens_details.cached_tokens").Int())
		return []sse.Event{
			finishChunk(s.id, s.model, finish),
			usageChunk(s.id, s.model, prompt, completion, cached),
			doneEvent(),
		}, nil
	}
	return nil, nil
}

func (s *responsesToChatStream) Flush() []sse.Event {
	if s.done {
		return nil
	}
	s.done = true
	return []sse.Event{finishChunk(s.id, s.model, "stop"), doneEvent()}
}

// chatToResponsesStream replays chat chunks as responses-API SSE events.
type chatToResponsesStream struct {
	model   string
	id      string
	started bool
	tools   map[int]int // chat tool index -> output_index
	nextOut int
	finish  string
	prompt  int
	compl   int
	done    bool
}

func newChatToResponsesStream(model string) *chatToResponsesStream {
	return &chatToResponsesStream{model: model, tools: map[int]int{}, nextOut: 1}
}

func respEvent(name string, payload map[string]any) sse.Event {
	payload["type"] = name
	b, _ := json.Marshal(payload)
	return sse.Event{Name: name, Data: b}
}

func (s *chatToResponsesStream) Next(ev sse.Event) ([]sse.Event, error) {
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
			s.id = "resp_stream"
		}
		out = append(out, respEvent("response.created", map[string]any{
			"response": map[string]any{
				"id":     s.id,
				"object": "response",
				"status": "in_progress",
				"model":  s.model,
			},
		}))
	}

	delta := r.Get("choices.0.delta")
	if text := delta.Get("content").String(); text != "" {
		out = append(out, respEvent("response.output_text.delta", map[string]any{
			"item_id":      "msg_0",
			"output_index": 0,
			"delta":        text,
		}))
	}
	if thought := delta.Get("reasoning_content").String(); thought != "" {
		out = append(out, respEvent("response.reasoning_summary_text.delta", map[string]any{
			"output_index": 0,
			"delta":        thought,
		}))
	}
	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		idx := int(tc.Get("index").Int())
		if name := tc.Get("function.name").String(); name != "" {
			oi := s.nextOut
			s.nextOut++
			s.tools[idx] = oi
			out = append(out, respEvent("response.output_item.added", map[string]any{
				"output_index": oi,
				"item": map[string]any{
					"type":    "function_call",
					"call_id": tc.Get("id").String(),
					"name":    name,
				},
			}))
		}
		if args := tc.Get("function.arguments").String(); args != "" {
			oi, ok := s.tools[idx]
			if !ok {
				return true
			}
			out = append(out, respEvent("response.function_call_arguments.delta", map[string]any{
				"output_index": oi,
				"delta":        args,
			}))
		}
		return true
	})

	if fr := r.Get("choices.0.finish_reason"); fr.Exists() && fr.String() != "" {
		s.finish = fr.String()
	}
	if u := r.Get("usage"); u.Exists() {
		s.prompt = int(u.Get("prompt_tokens").Int())
		s.compl = int(u.Get("completion_tokens").Int())
	}
	return out, nil
}

func (s *chatToResponsesStream) finishEvents() []sse.Event {
	if s.done {
		return nil
	}
	s.done = true
	resp := map[string]any{
		"id":     s.id,
		"object": "response",
		"status": "completed",
		"model":  s.model,
		"usage": map[string]any{
			"input_tokens":  s.prompt,
			"output_tokens": s.compl,
			"total_tokens":  s.prompt + s.compl,
		},
	}
	name := "response.completed"
	if s.finish == "length" {
		name = "response.incomplete"
		resp["status"] = "incomplete"
		resp["incomplete_details"] = map[string]any{"reason": "max_output_tokens"}
	}
	return []sse.Event{respEvent(name, map[string]any{"response": resp})}
}

func (s *chatToResponsesStream) Flush() []sse.Event {
	return s.finishEvents()
}
