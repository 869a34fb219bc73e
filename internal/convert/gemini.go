package convert

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/aetherlab/aether/internal"
	"github.com/aetherlab/aether/internal/convert/sse"
)

type geminiRequest struct {
	// Model rides along for conversions; the Gemini wire format itself
	// carries the model in the URL, so omitempty keeps outbound bodies clean.
	Model             string                  `json:"model,omitempty"`
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Tools             []geminiToolDecl        `json:"tools,omitempty"`
	ToolConfig        json.RawMessage         `json:"toolConfig,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	SafetySettings    json.RawMessage         `json:"safetySettings,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string          `json:"text,omitempty"`
	Thought          bool            `json:"thought,omitempty"`
	InlineData       *geminiBlob     `json:"inlineData,omitempty"`
	FileData         json.RawMessage `json:"fileData,omitempty"`
	FunctionCall     json.RawMessage `json:"functionCall,omitempty"`
	FunctionResponse json.RawMessage `json:"functionResponse,omitempty"`
}

type geminiBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiToolDecl struct {
	FunctionDeclarations []json.RawMessage `json:"functionDeclarations,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	MaxOutputTokens *int            `json:"maxOutputTokens,omitempty"`
	StopSequences   []string        `json:"stopSequences,omitempty"`
	ThinkingConfig  json.RawMessage `json:"thinkingConfig,omitempty"`
}

// openaiToGeminiRequest rewrites an OpenAI chat request as a Gemini
// generateContent request.
func openaiToGeminiRequest(body []byte) ([]byte, error) {
	var in chatRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("%w: parse openai request: %v", gateway.ErrInvalidRequest, err)
	}

	out := geminiRequest{}
	maxTokens := in.MaxCompletionTokens
	if maxTokens == nil {
		maxTokens = in.MaxTokens
	}
	stops := stopList(in.Stop)
	if in.Temperature != nil || in.TopP != nil || maxTokens != nil || len(stops) > 0 || in.ReasoningEffort != "" {
		out.GenerationConfig = &geminiGenerationConfig{
			Temperature:     in.Temperature,
			TopP:            in.TopP,
			MaxOutputTokens: maxTokens,
			StopSequences:   stops,
		}
		if in.ReasoningEffort != "" {
			out.GenerationConfig.ThinkingConfig = json.RawMessage(
				fmt.Sprintf(`{"thinkingBudget":%d,"includeThoughts":true}`, reasoningBudget(in.ReasoningEffort)))
		}
	}

	var decls []json.RawMessage
	for _, t := range in.Tools {
		decl, _ := json.Marshal(map[string]any{
			"name":        t.Function.Name,
			"description": t.Function.Description,
			"parameters":  t.Function.Parameters,
		})
		decls = append(decls, decl)
	}
	if len(decls) > 0 {
		out.Tools = []geminiToolDecl{{FunctionDeclarations: decls}}
	}
	if len(in.ToolChoice) > 0 {
		out.ToolConfig = geminiToolConfig(in.ToolChoice)
	}

	var system []string
	for _, m := range in.Messages {
		switch m.Role {
		case "system", "developer":
			system = append(system, extractText(m.Content))
		case "user":
			var parts []geminiPart
			for _, p := range contentParts(m.Content) {
				switch p.Type {
				case "text":
					parts = append(parts, geminiPart{Text: p.Text})
				case "image_url":
					if p.ImageURL == nil {
						continue
					}
					if media, data, ok := splitDataURL(p.ImageURL.URL); ok {
						parts = append(parts, geminiPart{InlineData: &geminiBlob{MimeType: media, Data: data}})
					} else {
						fd, _ := json.Marshal(map[string]any{"fileUri": p.ImageURL.URL})
						parts = append(parts, geminiPart{FileData: fd})
					}
				}
			}
			appendGeminiParts(&out.Contents, "user", parts)
		case "assistant":
			var parts []geminiPart
			if text := extractText(m.Content); text != "" {
				parts = append(parts, geminiPart{Text: text})
			}
			for _, tc := range m.ToolCalls {
				args := json.RawMessage(tc.Function.Arguments)
				if !gjson.ValidBytes(args) || len(args) == 0 {
					args = json.RawMessage("{}")
				}
				fc, _ := json.Marshal(map[string]any{"name": tc.Function.Name, "args": args})
				parts = append(parts, geminiPart{FunctionCall: fc})
			}
			appendGeminiParts(&out.Contents, "model", parts)
		case "tool":
			name := m.Name
			if name == "" {
				name = m.ToolCallID
			}
			fr, _ := json.Marshal(map[string]any{
				"name":     name,
				"response": map[string]any{"result": extractText(m.Content)},
			})
			appendGeminiParts(&out.Contents, "user", []geminiPart{{FunctionResponse: fr}})
		}
	}
	if len(system) > 0 {
		out.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: strings.Join(system, "\n\n")}},
		}
	}

	return json.Marshal(out)
}

func appendGeminiParts(contents *[]geminiContent, role string, parts []geminiPart) {
	if len(parts) == 0 {
		return
	}
	if n := len(*contents); n > 0 && (*contents)[n-1].Role == role {
		(*contents)[n-1].Parts = append((*contents)[n-1].Parts, parts...)
		return
	}
	*contents = append(*contents, geminiContent{Role: role, Parts: parts})
}

func geminiToolConfig(raw json.RawMessage) json.RawMessage {
	mode := "AUTO"
	var names []string
	var s string
	if json.Unmarshal(raw, &s) == nil {
		switch s {
		case "none":
			mode = "NONE"
		case "required":
			mode = "ANY"
		}
	} else if name := gjson.GetBytes(raw, "function.name").String(); name != "" {
		mode = "ANY"
		names = []string{name}
	}
	cfg := map[string]any{"mode": mode}
	if len(names) > 0 {
		cfg["allowedFunctionNames"] = names
	}
	b, _ := json.Marshal(map[string]any{"functionCallingConfig": cfg})
	return b
}

// geminiToOpenAIRequest rewrites a Gemini generateContent request as an
// OpenAI chat request. The model is read from the injected top-level field
// (the Gemini wire format carries it in the URL).
func geminiToOpenAIRequest(body []byte) ([]byte, error) {
	var in geminiRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("%w: parse gemini request: %v", gateway.ErrInvalidRequest, err)
	}

	out := chatRequest{Model: in.Model}
	if in.SystemInstruction != nil {
		var b strings.Builder
		for _, p := range in.SystemInstruction.Parts {
			b.WriteString(p.Text)
		}
		if b.Len() > 0 {
			out.Messages = append(out.Messages, chatMessage{Role: "system", Content: stringContent(b.String())})
		}
	}

	for _, c := range in.Contents {
		role := "user"
		if c.Role == "model" {
			role = "assistant"
		}
		var text, reasoning strings.Builder
		var parts []any
		var calls []chatToolCall
		for _, p := range c.Parts {
			switch {
			case p.FunctionCall != nil:
				name := gjson.GetBytes(p.FunctionCall, "name").String()
				tc := chatToolCall{ID: name, Type: "function"}
				tc.Function.Name = name
				if args := gjson.GetBytes(p.FunctionCall, "args"); args.Exists() {
					tc.Function.Arguments = args.Raw
				} else {
					tc.Function.Arguments = "{}"
				}
				calls = append(calls, tc)
			case p.FunctionResponse != nil:
				fr := gjson.ParseBytes(p.FunctionResponse)
				out.Messages = append(out.Messages, chatMessage{
					Role:       "tool",
					ToolCallID: fr.Get("name").String(),
					Content:    stringContent(fr.Get("response").Raw),
				})
			case p.InlineData != nil:
				parts = append(parts, map[string]any{
					"type": "image_url",
					"image_url": map[string]any{
						"url": "data:" + p.InlineData.MimeType + ";base64," + p.InlineData.Data,
					},
				})
			case p.Thought:
				reasoning.WriteString(p.Text)
			default:
				text.WriteString(p.Text)
			}
		}
		msg := chatMessage{Role: role, ToolCalls: calls, ReasoningContent: reasoning.String()}
		switch {
		case len(parts) > 0:
			if text.Len() > 0 {
				parts = append([]any{map[string]any{"type": "text", "text": text.String()}}, parts...)
			}
			raw, _ := json.Marshal(parts)
			msg.Content = raw
		case text.Len() > 0:
			msg.Content = stringContent(text.String())
		}
		if msg.Content != nil || len(calls) > 0 || msg.ReasoningContent != "" {
			out.Messages = append(out.Messages, msg)
		}
	}

	if gc := in.GenerationConfig; gc != nil {
		out.Temperature = gc.Temperature
		out.TopP = gc.TopP
		out.MaxTokens = gc.MaxOutputTokens
		if len(gc.StopSequences) > 0 {
			raw, _ := json.Marshal(gc.StopSequences)
			out.Stop = raw
		}
		if len(gc.ThinkingConfig) > 0 {
			out.ReasoningEffort = effortFromBudget(int(gjson.GetBytes(gc.ThinkingConfig, "thinkingBudget").Int()))
		}
	}
	for _, t := range in.Tools {
		for _, decl := range t.FunctionDeclarations {
			d := gjson.ParseBytes(decl)
			out.Tools = append(out.Tools, chatTool{
				Type: "function",
				Function: chatFunction{
					Name:        d.Get("name").String(),
					Description: d.Get("description").String(),
					Parameters:  json.RawMessage(d.Get("parameters").Raw),
				},
			})
		}
	}
	if len(in.ToolConfig) > 0 {
		switch gjson.GetBytes(in.ToolConfig, "functionCallingConfig.mode").String() {
		case "NONE":
			out.ToolChoice = json.RawMessage(`"none"`)
		case "ANY":
			out.ToolChoice = json.RawMessage(`"required"`)
		case "AUTO":
			out.ToolChoice = json.RawMessage(`"auto"`)
		}
	}
	return json.Marshal(out)
}

// --- Responses ---

// geminiToOpenAIResponse rewrites a Gemini generateContent response as an
// OpenAI chat completion.
func geminiToOpenAIResponse(body []byte, model string) ([]byte, error) {
	r := gjson.ParseBytes(body)

	var text, reasoning strings.Builder
	var toolCalls []map[string]any
	r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Exists() {
			if part.Get("thought").Bool() {
				reasoning.WriteString(t.String())
			} else {
				text.WriteString(t.String())
			}
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			args := fc.Get("args").Raw
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, map[string]any{
				// Gemini has no separate call IDs; the name stands in.
				"id":   fc.Get("name").String(),
				"type": "function",
				"function": map[string]any{
					"name":      fc.Get("name").String(),
					"arguments": args,
				},
			})
		}
		return true
	})

	finish := mapGeminiFinishReason(r.Get("candidates.0.finishReason").String())
	message := map[string]any{"role": "assistant", "content": nil}
	if text.Len() > 0 {
		message["content"] = text.String()
	}
	if reasoning.Len() > 0 {
		message["reasoning_content"] = reasoning.String()
	}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
		if finish == "stop" {
			finish = "tool_calls"
		}
	}

	prompt := int(r.Get("usageMetadata.promptTokenCount").Int())
	completion := int(r.Get("usageMetadata.candidatesTokenCount").Int())
	usage := map[string]any{
		"prompt_tokens":     prompt,
		"completion_tokens": completion,
		"total_tokens":      int(r.Get("usageMetadata.totalTokenCount").Int()),
	}
	if cached := r.Get("usageMetadata.cachedContentTokenCount").Int(); cached > 0 {
		usage["prompt_tokens_details"] = map[string]any{"cached_tokens": cached}
	}

	return json.Marshal(map[string]any{
		"id":     "gemini-" + model,
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

// openaiToGeminiResponse rewrites an OpenAI chat completion as a Gemini
// generateContent response.
func openaiToGeminiResponse(body []byte, _ string) ([]byte, error) {
	r := gjson.ParseBytes(body)
	msg := r.Get("choices.0.message")

	var parts []map[string]any
	if reasoning := msg.Get("reasoning_content").String(); reasoning != "" {
		parts = append(parts, map[string]any{"text": reasoning, "thought": true})
	}
	if content := msg.Get("content").String(); content != "" {
		parts = append(parts, map[string]any{"text": content})
	}
	msg.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		args := json.RawMessage(tc.Get("function.arguments").String())
		if !gjson.ValidBytes(args) || len(args) == 0 {
			args = json.RawMessage("{}")
		}
		parts = append(parts, map[string]any{
			"functionCall": map[string]any{
				"name": tc.Get("function.name").String(),
				"args": args,
			},
		})
		return true
	})
	if parts == nil {
		parts = []map[string]any{}
	}

	prompt := int(r.Get("usage.prompt_tokens").Int())
	completion := int(r.Get("usage.completion_tokens").Int())
	return json.Marshal(map[string]any{
		"candidates": []map[string]any{{
			"content":      map[string]any{"role": "model", "parts": parts},
			"finishReason": mapOpenAIFinishToGemini(r.Get("choices.0.finish_reason").String()),
			"index":        0,
		}},
		"usageMetadata": map[string]any{
			"promptTokenCount":     prompt,
			"candidatesTokenCount": completion,
			"totalTokenCount":      prompt + completion,
		},
	})
}

// mapGeminiFinishReason converts Gemini finish reasons to OpenAI ones.
func mapGeminiFinishReason(reason string) string {
	switch reason {
	case "STOP", "":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "PROHIBITED_CONTENT":
		return "content_filter"
	default:
		return "stop"
	}
}

// mapOpenAIFinishToGemini converts OpenAI finish reasons to Gemini ones.
func mapOpenAIFinishToGemini(reason string) string {
	switch reason {
	case "length":
		return "MAX_TOKENS"
	case "content_filter":
		return "SAFETY"
	default:
		return "STOP"
	}
}

// --- Streams ---

// geminiToOpenAIStream replays Gemini streamGenerateContent chunks as OpenAI
// chunks. Gemini function calls arrive complete, so each becomes a start
// chunk followed by one full-arguments delta.
type geminiToOpenAIStream struct {
	model    string
	id       string
	started  bool
	nextTool int
	sawTools bool
	finish   string
	prompt   int
	compl    int
	total    int
	done     bool
}

func newGeminiToOpenAIStream(model string) *geminiToOpenAIStream {
	return &geminiToOpenAIStream{model: model, id: "gemini-" + model}
}

func (s *geminiToOpenAIStream) Next(ev sse.Event) ([]sse.Event, error) {
	if len(ev.Data) == 0 || ev.IsDone() {
		return nil, nil
	}
	r := gjson.ParseBytes(ev.Data)

	var out []sse.Event
	if !s.started {
		s.started = true
		out = append(out, deltaChunk(s.id, s.model, map[string]any{"role": "assistant"}))
	}

	r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Exists() && t.String() != "" {
			key := "content"
			if part.Get("thought").Bool() {
				key = "reasoning_content"
			}
			out = append(out, deltaChunk(s.id, s.model, map[string]any{key: t.String()}))
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			name := fc.Get("name").String()
			args := fc.Get("args").Raw
			if args == "" {
				args = "{}"
			}
			ti := s.nextTool
			s.nextTool++
			s.sawTools = true
			out = append(out,
				toolCallStartChunk(s.id, s.model, ti, name, name),
				toolCallDeltaChunk(s.id, s.model, ti, args),
			)
		}
		return true
	})

	if u := r.Get("usageMetadata"); u.Exists() {
		s.prompt = int(u.Get("promptTokenCount").Int())
		s.compl = int(u.Get("candidatesTokenCount").Int())
		s.total = int(u.Get("totalTokenCount").Int())
	}
	if fr := r.Get("candidates.0.finishReason"); fr.Exists() && fr.String() != "" {
		s.finish = fr.String()
		out = append(out, s.finishEvents()...)
	}
	return out, nil
}

func (s *geminiToOpenAIStream) finishEvents() []sse.Event {
	if s.done {
		return nil
	}
	s.done = true
	finish := mapGeminiFinishReason(s.finish)
	if s.sawTools && finish == "stop" {
		finish = "tool_calls"
	}
	return []sse.Event{
		finishChunk(s.id, s.model, finish),
		usageChunk(s.id, s.model, s.prompt, s.compl, 0),
		doneEvent(),
	}
}

func (s *geminiToOpenAIStream) Flush() []sse.Event {
	return s.finishEvents()
}

// openaiToGeminiStream replays OpenAI chunks as Gemini stream chunks. Tool
// call arguments accumulate until the stream ends, because Gemini emits
// complete functionCall parts.
type openaiToGeminiStream struct {
	model  string
	tools  map[int]*geminiToolAccum
	order  []int
	finish string
	prompt int
	compl  int
	done   bool
}

type geminiToolAccum struct {
	name string
	args strings.Builder
}

func newOpenAIToGeminiStream(model string) *openaiToGeminiStream {
	return &openaiToGeminiStream{model: model, tools: map[int]*geminiToolAccum{}}
}

func (s *openaiToGeminiStream) Next(ev sse.Event) ([]sse.Event, error) {
	if ev.IsDone() {
		return s.finishEvents(), nil
	}
	if len(ev.Data) == 0 {
		return nil, nil
	}
	r := gjson.ParseBytes(ev.Data)
	delta := r.Get("choices.0.delta")

	var out []sse.Event
	if text := delta.Get("content").String(); text != "" {
		out = append(out, s.textChunk(geminiPart{Text: text}))
	}
	if thought := delta.Get("reasoning_content").String(); thought != "" {
		out = append(out, s.textChunk(geminiPart{Text: thought, Thought: true}))
	}
	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		idx := int(tc.Get("index").Int())
		acc, ok := s.tools[idx]
		if !ok {
			acc = &geminiToolAccum{}
			s.tools[idx] = acc
			s.order = append(s.order, idx)
		}
		if name := tc.Get("function.name").String(); name != "" {
			acc.name = name
		}
		acc.args.WriteString(tc.Get("function.arguments").String())
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

func (s *openaiToGeminiStream) textChunk(part geminiPart) sse.Event {
	b, _ := json.Marshal(map[string]any{
		"candidates": []map[string]any{{
			"content": map[string]any{"role": "model", "parts": []geminiPart{part}},
			"index":   0,
		}},
	})
	return sse.Event{Data: b}
}

func (s *openaiToGeminiStream) finishEvents() []sse.Event {
	if s.done {
		return nil
	}
	s.done = true

	var parts []map[string]any
	for _, idx := range s.order {
		acc := s.tools[idx]
		args := json.RawMessage(acc.args.String())
		if !gjson.ValidBytes(args) || len(args) == 0 {
			args = json.RawMessage("{}")
		}
		parts = append(parts, map[string]any{
			"functionCall": map[string]any{"name": acc.name, "args": args},
		})
	}

	candidate := map[string]any{
		"content":      map[string]any{"role": "model", "parts": parts},
		"finishReason": mapOpenAIFinishToGemini(s.finish),
		"index":        0,
	}
	if parts == nil {
		candidate["content"] = map[string]any{"role": "model", "parts": []any{}}
	}
	b, _ := json.Marshal(map[string]any{
		"candidates": []map[string]any{candidate},
		"usageMetadata": map[string]any{
			"promptTokenCount":     s.prompt,
			"candidatesTokenCount": s.compl,
			"totalTokenCount":      s.prompt + s.compl,
		},
	})
	return []sse.Event{{Data: b}}
}

func (s *openaiToGeminiStream) Flush() []sse.Event {
	return s.finishEvents()
}
