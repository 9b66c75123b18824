// Package gemini implements the Gemini-native executor, translating
// between the canonical Anthropic wire shapes and Google's Generative
// Language API "contents"/"generationConfig" dialect. The JSON Schema
// sanitizer, role remap, and streaming state machine below work on
// generic maps, since the upstream dialect is a moving third-party
// surface the wire package shouldn't need to model field-by-field.
package gemini

import (
	"encoding/json"
	"fmt"

	"github.com/tabrelay/broker/wire"
)

// reasoningTokenMap mirrors the CLI's low/medium/high thinkingBudget
// presets for Gemini requests.
var reasoningTokenMap = map[string]int{
	"low":    1024,
	"medium": 4096,
	"high":   16384,
}

var schemaFieldsToRemove = []string{
	"additionalProperties", "$schema", "allOf", "anyOf", "oneOf",
	"exclusiveMinimum", "exclusiveMaximum", "patternProperties", "dependencies",
}

// sanitizeSchema strips JSON Schema constructs Gemini's function
// declarations reject and collapses a `type` array (e.g.
// ["string","null"]) down to a single preferred type.
func sanitizeSchema(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = val
		}
		for _, f := range schemaFieldsToRemove {
			delete(out, f)
		}
		if arr, ok := out["type"].([]interface{}); ok {
			preferred := ""
			for _, tv := range arr {
				s, _ := tv.(string)
				if s == "string" {
					preferred = "string"
					break
				}
				if preferred == "" && (s == "number" || s == "integer") {
					preferred = s
				}
				if preferred == "" {
					preferred = s
				}
			}
			if preferred != "" {
				out["type"] = preferred
			}
		}
		for k, val := range out {
			out[k] = sanitizeSchema(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = sanitizeSchema(item)
		}
		return out
	default:
		return v
	}
}

// ToGemini converts a canonical wire.Request into the Gemini
// "contents"/"generationConfig" request body.
func ToGemini(req *wire.Request, systemInstruction, reasoningLevel string) (map[string]interface{}, error) {
	body := map[string]interface{}{
		"contents": []interface{}{},
		"generationConfig": map[string]interface{}{
			"thinkingConfig": map[string]interface{}{
				"include_thoughts": true,
				"thinkingBudget":   -1,
			},
		},
	}
	genCfg := body["generationConfig"].(map[string]interface{})
	thinkingCfg := genCfg["thinkingConfig"].(map[string]interface{})

	if budget, ok := reasoningTokenMap[reasoningLevel]; ok {
		thinkingCfg["thinkingBudget"] = budget
	}

	if req.MaxTokens > 0 {
		genCfg["maxOutputTokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		genCfg["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		genCfg["topP"] = *req.TopP
	}
	if len(req.StopSequences) > 0 {
		genCfg["stopSequences"] = req.StopSequences
	}

	if req.Thinking != nil {
		switch req.Thinking.Type {
		case "enabled":
			thinkingCfg["include_thoughts"] = true
			if req.Thinking.BudgetTokens > 0 {
				thinkingCfg["thinkingBudget"] = req.Thinking.BudgetTokens
			}
		case "disabled":
			thinkingCfg["include_thoughts"] = false
			thinkingCfg["thinkingBudget"] = 0
		}
	}

	var systemParts []interface{}
	if systemInstruction != "" {
		systemParts = append(systemParts, map[string]interface{}{"text": systemInstruction})
	}
	systemParts = append(systemParts, systemPartsFromRequest(req)...)
	if len(systemParts) > 0 {
		body["system_instruction"] = map[string]interface{}{
			"role":  "user",
			"parts": systemParts,
		}
	}

	toolIDToName := map[string]string{}
	var contents []interface{}
	for _, msg := range req.Messages {
		role := msg.Role
		if role == "assistant" {
			role = "model"
		}
		parts, err := messagePartsToGemini(msg, toolIDToName)
		if err != nil {
			return nil, err
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, map[string]interface{}{"role": role, "parts": parts})
	}
	body["contents"] = contents

	if len(req.Tools) > 0 {
		var decls []interface{}
		for _, t := range req.Tools {
			var schema interface{} = map[string]interface{}{}
			if len(t.InputSchema) > 0 {
				if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
					return nil, fmt.Errorf("gemini: invalid input_schema for tool %s: %w", t.Name, err)
				}
			}
			decls = append(decls, map[string]interface{}{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  sanitizeSchema(schema),
			})
		}
		body["tools"] = []interface{}{map[string]interface{}{"functionDeclarations": decls}}
	}

	if req.ToolChoice != nil {
		switch req.ToolChoice.Type {
		case "any":
			body["toolConfig"] = map[string]interface{}{"functionCallingConfig": map[string]interface{}{"mode": "ANY"}}
		case "tool":
			body["toolConfig"] = map[string]interface{}{"functionCallingConfig": map[string]interface{}{
				"mode": "ANY", "allowedFunctionNames": []string{req.ToolChoice.Name},
			}}
		case "none":
			body["toolConfig"] = map[string]interface{}{"functionCallingConfig": map[string]interface{}{"mode": "NONE"}}
		}
	}

	return body, nil
}

// systemPartsFromRequest extracts any top-level System content plus
// legacy role:"system" messages into Gemini system_instruction parts.
func systemPartsFromRequest(req *wire.Request) []interface{} {
	var parts []interface{}
	if len(req.System) > 0 {
		var s string
		if err := json.Unmarshal(req.System, &s); err == nil {
			parts = append(parts, map[string]interface{}{"text": s})
		} else {
			var blocks []wire.ContentBlock
			if err := json.Unmarshal(req.System, &blocks); err == nil {
				for _, b := range blocks {
					if b.Type == "text" {
						parts = append(parts, map[string]interface{}{"text": b.Text})
					}
				}
			}
		}
	}
	return parts
}

func messagePartsToGemini(msg wire.Message, toolIDToName map[string]string) ([]interface{}, error) {
	var text string
	if err := json.Unmarshal(msg.Content, &text); err == nil {
		return []interface{}{map[string]interface{}{"text": text}}, nil
	}

	var blocks []wire.ContentBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		return nil, fmt.Errorf("gemini: invalid message content: %w", err)
	}

	var parts []interface{}
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, map[string]interface{}{"text": b.Text})
		case "tool_use":
			if b.ID != "" && b.Name != "" {
				toolIDToName[b.ID] = b.Name
			}
			input := b.Input
			if input == nil {
				input = map[string]interface{}{}
			}
			parts = append(parts, map[string]interface{}{
				"functionCall": map[string]interface{}{"name": b.Name, "args": input},
			})
		case "tool_result":
			name := toolIDToName[b.ToolUseID]
			if name == "" {
				name = b.ToolUseID
			}
			response := map[string]interface{}{}
			var s string
			if err := json.Unmarshal(b.Content, &s); err == nil {
				response = map[string]interface{}{"result": s}
			} else {
				var inner []wire.ContentBlock
				if err := json.Unmarshal(b.Content, &inner); err == nil {
					var texts []string
					for _, it := range inner {
						if it.Type == "text" {
							texts = append(texts, it.Text)
						}
					}
					if len(texts) > 0 {
						joined := ""
						for i, t := range texts {
							if i > 0 {
								joined += "\n"
							}
							joined += t
						}
						response = map[string]interface{}{"result": joined}
					}
				}
			}
			parts = append(parts, map[string]interface{}{
				"functionResponse": map[string]interface{}{"name": name, "response": response},
			})
		case "image":
			if b.Source != nil {
				parts = append(parts, map[string]interface{}{
					"inlineData": map[string]interface{}{
						"mimeType": b.Source.MediaType,
						"data":     b.Source.Data,
					},
				})
			}
		}
	}
	return parts, nil
}

var finishReasonMap = map[string]string{
	"STOP":       "end_turn",
	"MAX_TOKENS": "max_tokens",
	"SAFETY":     "stop_sequence",
	"RECITATION": "stop_sequence",
	"LANGUAGE":   "stop_sequence",
	"OTHER":      "stop_sequence",
}

// FromGemini converts a complete (non-streaming) Gemini response into
// the canonical wire.Response.
func FromGemini(gemini map[string]interface{}, id string) wire.Response {
	resp := wire.Response{ID: id, Type: "message", Role: "assistant"}
	if v, ok := gemini["modelVersion"].(string); ok {
		resp.Model = v
	}

	candidates, _ := gemini["candidates"].([]interface{})
	if len(candidates) > 0 {
		candidate, _ := candidates[0].(map[string]interface{})
		if fr, ok := candidate["finishReason"].(string); ok {
			resp.StopReason = finishReasonMap[fr]
			if resp.StopReason == "" {
				resp.StopReason = "end_turn"
			}
		}
		content, _ := candidate["content"].(map[string]interface{})
		parts, _ := content["parts"].([]interface{})
		for _, p := range parts {
			part, _ := p.(map[string]interface{})
			resp.Content = append(resp.Content, contentBlockFromPart(part))
		}
	}

	if usage, ok := gemini["usageMetadata"].(map[string]interface{}); ok {
		resp.Usage = usageFromMetadata(usage)
	}
	return resp
}

func contentBlockFromPart(part map[string]interface{}) wire.ContentBlock {
	if thought, _ := part["thought"].(bool); thought {
		if text, ok := part["text"].(string); ok {
			return wire.ContentBlock{Type: "thinking", Thinking: text}
		}
	}
	if text, ok := part["text"].(string); ok {
		return wire.ContentBlock{Type: "text", Text: text}
	}
	if fc, ok := part["functionCall"].(map[string]interface{}); ok {
		name, _ := fc["name"].(string)
		args, _ := fc["args"].(map[string]interface{})
		return wire.ContentBlock{Type: "tool_use", ID: wire.NewToolUseID(), Name: name, Input: args}
	}
	return wire.ContentBlock{}
}

func usageFromMetadata(m map[string]interface{}) wire.Usage {
	u := wire.Usage{}
	if v, ok := m["promptTokenCount"].(float64); ok {
		u.InputTokens = int(v)
	}
	if v, ok := m["candidatesTokenCount"].(float64); ok {
		u.OutputTokens = int(v)
	}
	if v, ok := m["thoughtsTokenCount"].(float64); ok {
		u.ThinkingTokens = int(v)
	}
	if v, ok := m["cachedContentTokenCount"].(float64); ok {
		u.CacheReadInputTokens = int(v)
	}
	return u
}

// streamState tracks the in-progress content block and message id
// across the lines of one Gemini SSE response.
type streamState struct {
	messageID    string
	contentIndex int
	currentType  string
	started      bool
	stopSent     bool
}

// NewStreamState returns a fresh per-response streaming state.
func NewStreamState() *streamState { return &streamState{} }

// TranslateLine converts one "data: {...}" Gemini SSE line into zero
// or more canonical wire.Event values. Kept for callers that still
// hand TranslateLine a raw line; TranslateBlock (fed by
// proxy/internal/ssescan, like the Codex and OpenAI-v1 executors) is
// the path actually wired into the streaming response loop.
func (s *streamState) TranslateLine(line string) ([]wire.Event, error) {
	if line == "[DONE]" || line == "data: [DONE]" {
		return nil, nil
	}
	const prefix = "data: "
	if len(line) < len(prefix) || line[:len(prefix)] != prefix {
		return nil, nil
	}
	return s.TranslateBlock(line[len(prefix):])
}

// TranslateBlock decodes one already-extracted SSE data payload (the
// "data:" line of an ssescan.Block, blank-line delimited same as the
// Codex/OpenAI-v1 upstreams) into zero or more canonical wire.Event
// values, advancing state across calls for a single streamed
// response.
func (s *streamState) TranslateBlock(rawData string) ([]wire.Event, error) {
	if rawData == "" || rawData == "[DONE]" {
		return nil, nil
	}
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(rawData), &data); err != nil {
		return nil, nil
	}

	var events []wire.Event
	if !s.started {
		s.started = true
		s.messageID = "msg_" + wire.NewToolUseID()[len("toolu_"):]
		model, _ := data["modelVersion"].(string)
		events = append(events, wire.Event{
			Type: "message_start",
			Message: &wire.Response{
				ID: s.messageID, Type: "message", Role: "assistant", Model: model,
				Content: []wire.ContentBlock{},
			},
		})
	}

	candidates, _ := data["candidates"].([]interface{})
	if len(candidates) == 0 {
		return events, nil
	}
	candidate, _ := candidates[0].(map[string]interface{})
	content, _ := candidate["content"].(map[string]interface{})
	parts, _ := content["parts"].([]interface{})

	for _, p := range parts {
		part, _ := p.(map[string]interface{})
		isThought, _ := part["thought"].(bool)
		if text, ok := part["text"].(string); ok && text != "" {
			blockType := "text"
			deltaType := "text_delta"
			if isThought {
				blockType = "thinking"
				deltaType = "thinking_delta"
			}
			if s.currentType != blockType {
				if s.currentType != "" {
					events = append(events, wire.Event{Type: "content_block_stop", Index: s.contentIndex})
					s.contentIndex++
				}
				var cb wire.ContentBlock
				if blockType == "thinking" {
					cb = wire.ContentBlock{Type: "thinking", Thinking: ""}
				} else {
					cb = wire.ContentBlock{Type: "text", Text: ""}
				}
				events = append(events, wire.Event{Type: "content_block_start", Index: s.contentIndex, ContentBlock: &cb})
				s.currentType = blockType
			}
			delta := &wire.Delta{Type: deltaType}
			if isThought {
				delta.Thinking = text
			} else {
				delta.Text = text
			}
			events = append(events, wire.Event{Type: "content_block_delta", Index: s.contentIndex, Delta: delta})
			continue
		}

		if fc, ok := part["functionCall"].(map[string]interface{}); ok {
			if s.currentType != "" {
				events = append(events, wire.Event{Type: "content_block_stop", Index: s.contentIndex})
				s.contentIndex++
			}
			name, _ := fc["name"].(string)
			toolID := wire.NewToolUseID()
			cb := wire.ContentBlock{Type: "tool_use", ID: toolID, Name: name, Input: map[string]interface{}{}}
			events = append(events, wire.Event{Type: "content_block_start", Index: s.contentIndex, ContentBlock: &cb})
			if args, ok := fc["args"]; ok {
				partialJSON, _ := json.Marshal(args)
				events = append(events, wire.Event{
					Type: "content_block_delta", Index: s.contentIndex,
					Delta: &wire.Delta{Type: "input_json_delta", PartialJSON: string(partialJSON)},
				})
			}
			s.currentType = "tool_use"
		}
	}

	if fr, ok := candidate["finishReason"].(string); ok && fr != "" {
		if s.currentType != "" {
			events = append(events, wire.Event{Type: "content_block_stop", Index: s.contentIndex})
		}
		stopReason := finishReasonMap[fr]
		if stopReason == "" {
			stopReason = "end_turn"
		}
		usage := &wire.Usage{}
		if um, ok := data["usageMetadata"].(map[string]interface{}); ok {
			*usage = usageFromMetadata(um)
		}
		events = append(events, wire.Event{Type: "message_delta", Delta: &wire.Delta{StopReason: stopReason}, Usage: usage})
		events = append(events, wire.Event{Type: "message_stop"})
		s.stopSent = true
	}

	return events, nil
}

// StopSent reports whether a message_stop event has already been
// emitted for this response, so the caller knows whether it still
// needs to synthesize one when the upstream stream ends.
func (s *streamState) StopSent() bool { return s.stopSent }
