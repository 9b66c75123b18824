// Package openaiv1 implements the OpenAI-compatible chat.completions
// executor used for every provider except "openai" (which gets the
// Codex/Responses-API dialect instead) and "anthropic"/"google"
// (which get their own native executors), reusing
// github.com/sashabaranov/go-openai's wire-shaped request/response
// structs instead of hand-rolled JSON maps.
package openaiv1

import (
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"github.com/tabrelay/broker/wire"
)

// ToOpenAI converts a canonical wire.Request into an OpenAI
// chat.completions request, registering each outgoing assistant
// tool_use under a freshly minted call_ id in ids so a later
// tool_result can be translated back to it.
func ToOpenAI(req *wire.Request, ids *wire.ToolIDMap, reasoningEffort string) (openai.ChatCompletionRequest, error) {
	out := openai.ChatCompletionRequest{
		Model:  req.Model,
		Stream: req.Stream,
	}
	switch reasoningEffort {
	case "low", "medium", "high":
		out.ReasoningEffort = reasoningEffort
	}

	if sysText := systemText(req); sysText != "" {
		out.Messages = append(out.Messages, openai.ChatCompletionMessage{Role: "system", Content: sysText})
	}

	for _, msg := range req.Messages {
		converted, err := convertMessage(msg, ids)
		if err != nil {
			return out, err
		}
		out.Messages = append(out.Messages, converted...)
	}

	if len(req.Tools) > 0 {
		for _, t := range req.Tools {
			var params interface{} = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
			if len(t.InputSchema) > 0 {
				var schema interface{}
				if err := json.Unmarshal(t.InputSchema, &schema); err == nil {
					params = schema
				}
			}
			out.Tools = append(out.Tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  params,
				},
			})
		}
	}

	if req.ToolChoice != nil {
		switch req.ToolChoice.Type {
		case "none":
			// omit tool_choice entirely, matching the upstream's "don't send for none" rule
		case "auto", "any":
			out.ToolChoice = "auto"
		case "tool":
			if req.ToolChoice.Name != "" {
				out.ToolChoice = openai.ToolChoice{
					Type:     openai.ToolTypeFunction,
					Function: openai.ToolFunction{Name: req.ToolChoice.Name},
				}
			}
		}
	}

	if req.Temperature != nil {
		t := float32(*req.Temperature)
		out.Temperature = t
	}
	if req.TopP != nil {
		out.TopP = float32(*req.TopP)
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if len(req.StopSequences) > 0 {
		out.Stop = req.StopSequences
	}

	if len(req.ResponseFmt) > 0 {
		var rf map[string]interface{}
		if err := json.Unmarshal(req.ResponseFmt, &rf); err == nil {
			if rf["type"] == "json_object" {
				out.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
			}
		} else {
			var s string
			if err := json.Unmarshal(req.ResponseFmt, &s); err == nil && s == "json" {
				out.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
			}
		}
	}

	return out, nil
}

func systemText(req *wire.Request) string {
	if len(req.System) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(req.System, &s); err == nil {
		return s
	}
	var blocks []wire.ContentBlock
	if err := json.Unmarshal(req.System, &blocks); err == nil {
		joined := ""
		for i, b := range blocks {
			if b.Type != "text" {
				continue
			}
			if i > 0 && joined != "" {
				joined += "\n"
			}
			joined += b.Text
		}
		return joined
	}
	return ""
}

func convertMessage(msg wire.Message, ids *wire.ToolIDMap) ([]openai.ChatCompletionMessage, error) {
	var text string
	if err := json.Unmarshal(msg.Content, &text); err == nil {
		return []openai.ChatCompletionMessage{{Role: msg.Role, Content: text}}, nil
	}

	var blocks []wire.ContentBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		return nil, fmt.Errorf("openaiv1: invalid message content: %w", err)
	}

	if msg.Role == "user" {
		return convertUserMessage(blocks, ids), nil
	}
	return convertAssistantMessage(blocks, ids), nil
}

func convertUserMessage(blocks []wire.ContentBlock, ids *wire.ToolIDMap) []openai.ChatCompletionMessage {
	var out []openai.ChatCompletionMessage
	var parts []openai.ChatMessagePart

	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: b.Text})
		case "image":
			if b.Source != nil && b.Source.Type == "base64" {
				url := fmt.Sprintf("data:%s;base64,%s", b.Source.MediaType, b.Source.Data)
				parts = append(parts, openai.ChatMessagePart{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: url},
				})
			}
		case "tool_result":
			externalID, ok := ids.Upstream(b.ToolUseID)
			if !ok || externalID == "" {
				externalID = b.ToolUseID
			}
			content := toolResultText(b)
			out = append(out, openai.ChatCompletionMessage{
				Role:       "tool",
				ToolCallID: externalID,
				Content:    content,
			})
		}
	}
	if len(parts) > 0 {
		out = append([]openai.ChatCompletionMessage{{Role: "user", MultiContent: parts}}, out...)
	}
	return out
}

func toolResultText(b wire.ContentBlock) string {
	var content string
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		content = s
	} else {
		var inner []wire.ContentBlock
		if err := json.Unmarshal(b.Content, &inner); err == nil {
			for i, it := range inner {
				if it.Type != "text" {
					continue
				}
				if i > 0 {
					content += "\n"
				}
				content += it.Text
			}
		}
	}
	if b.IsError != nil && *b.IsError {
		payload, _ := json.Marshal(map[string]interface{}{"error": true, "content": content})
		content = string(payload)
	}
	return content
}

func convertAssistantMessage(blocks []wire.ContentBlock, ids *wire.ToolIDMap) []openai.ChatCompletionMessage {
	var text string
	var toolCalls []openai.ToolCall

	for _, b := range blocks {
		switch b.Type {
		case "text":
			text += b.Text
		case "tool_use":
			openaiID := "call_" + wire.NewToolUseID()[len("toolu_"):len("toolu_")+16]
			ids.Mint(openaiID, b.Name)
			args, _ := json.Marshal(b.Input)
			toolCalls = append(toolCalls, openai.ToolCall{
				ID:   openaiID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      b.Name,
					Arguments: string(args),
				},
			})
		}
	}

	msg := openai.ChatCompletionMessage{Role: "assistant", Content: text}
	if len(toolCalls) > 0 {
		msg.ToolCalls = toolCalls
	}
	return []openai.ChatCompletionMessage{msg}
}

var finishReasonMap = map[string]string{
	"tool_calls": "tool_use",
	"length":     "max_tokens",
	"stop":       "end_turn",
}

func mapFinishReason(reason string) string {
	if mapped, ok := finishReasonMap[reason]; ok {
		return mapped
	}
	return "end_turn"
}

// FromOpenAI converts a complete (non-streaming) OpenAI chat
// completion into the canonical wire.Response.
func FromOpenAI(resp *openai.ChatCompletionResponse, model string, ids *wire.ToolIDMap) wire.Response {
	out := wire.Response{
		ID:    "msg_" + wire.NewToolUseID()[len("toolu_"):],
		Type:  "message",
		Role:  "assistant",
		Model: model,
	}

	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]

	if choice.Message.Content != "" {
		out.Content = append(out.Content, wire.ContentBlock{Type: "text", Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		anthropicID := ids.Mint(tc.ID, tc.Function.Name)
		var args map[string]interface{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				args = map[string]interface{}{"_raw": tc.Function.Arguments}
			}
		}
		out.Content = append(out.Content, wire.ContentBlock{
			Type: "tool_use", ID: anthropicID, Name: tc.Function.Name, Input: args,
		})
	}

	out.StopReason = mapFinishReason(string(choice.FinishReason))
	out.Usage = wire.Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	return out
}

// toolStreamState tracks one OpenAI tool_calls[].index's accumulated
// arguments and Anthropic content-block index across chunks.
type toolStreamState struct {
	anthIndex int
	anthID    string
	name      string
	arguments string
	started   bool
	stopped   bool
}

// streamState accumulates per-response streaming context across
// chunks: which content-block index is "next", whether the text block
// has been opened, and one toolStreamState per OpenAI tool index.
type streamState struct {
	requestedModel string

	started     bool
	nextIndex   int
	textStarted bool
	textIndex   int
	toolStates  map[int]*toolStreamState

	finishReason string
	inputTokens  int
	outputTokens int
	stopSent     bool
}

// NewStreamState returns fresh per-response streaming state.
func NewStreamState(requestedModel string) *streamState {
	return &streamState{requestedModel: requestedModel, toolStates: make(map[int]*toolStreamState)}
}

func (s *streamState) allocateIndex() int {
	idx := s.nextIndex
	s.nextIndex++
	return idx
}

// TranslateChunk converts one OpenAI streaming chunk (already decoded
// from its "data:" line) into zero or more canonical wire.Event
// values.
func (s *streamState) TranslateChunk(chunk map[string]interface{}, ids *wire.ToolIDMap) []wire.Event {
	var events []wire.Event

	if !s.started {
		s.started = true
		id, _ := chunk["id"].(string)
		if id == "" {
			id = "msg_" + wire.NewToolUseID()[len("toolu_"):]
		}
		events = append(events, wire.Event{
			Type: "message_start",
			Message: &wire.Response{
				ID: id, Type: "message", Role: "assistant", Model: s.requestedModel,
				Content: []wire.ContentBlock{},
			},
		})
	}

	choices, _ := chunk["choices"].([]interface{})
	if len(choices) > 0 {
		choice, _ := choices[0].(map[string]interface{})
		delta, _ := choice["delta"].(map[string]interface{})

		if text, ok := delta["content"].(string); ok && text != "" {
			if !s.textStarted {
				s.textIndex = s.allocateIndex()
				cb := wire.ContentBlock{Type: "text", Text: ""}
				events = append(events, wire.Event{Type: "content_block_start", Index: s.textIndex, ContentBlock: &cb})
				s.textStarted = true
			}
			events = append(events, wire.Event{
				Type: "content_block_delta", Index: s.textIndex,
				Delta: &wire.Delta{Type: "text_delta", Text: text},
			})
		}

		if toolDeltas, ok := delta["tool_calls"].([]interface{}); ok {
			for _, td := range toolDeltas {
				events = append(events, s.translateToolDelta(td, ids)...)
			}
		}

		if fr, ok := choice["finish_reason"].(string); ok && fr != "" {
			if s.textStarted {
				events = append(events, wire.Event{Type: "content_block_stop", Index: s.textIndex})
				s.textStarted = false
			}
			for _, st := range s.toolStates {
				if st.started && !st.stopped {
					events = append(events, wire.Event{Type: "content_block_stop", Index: st.anthIndex})
					st.stopped = true
				}
			}
			s.finishReason = mapFinishReason(fr)
		}
	}

	if usage, ok := chunk["usage"].(map[string]interface{}); ok {
		if v, ok := usage["prompt_tokens"].(float64); ok {
			s.inputTokens = int(v)
		}
		if v, ok := usage["completion_tokens"].(float64); ok {
			s.outputTokens = int(v)
		}
		if s.finishReason != "" {
			events = append(events, s.terminalEvents()...)
		}
	}

	return events
}

func (s *streamState) terminalEvents() []wire.Event {
	s.stopSent = true
	return []wire.Event{
		{
			Type:  "message_delta",
			Delta: &wire.Delta{StopReason: s.finishReason},
			Usage: &wire.Usage{InputTokens: s.inputTokens, OutputTokens: s.outputTokens},
		},
		{Type: "message_stop"},
	}
}

// Finish emits the terminal message_delta/message_stop pair if the
// stream ended without a usage chunk: most OpenAI-compatible upstreams
// only include usage when stream_options asks for it, and the [DONE]
// sentinel carries nothing, so the stream-end caller owns termination.
func (s *streamState) Finish() []wire.Event {
	if s.stopSent {
		return nil
	}
	if s.finishReason == "" {
		s.finishReason = "end_turn"
	}
	return s.terminalEvents()
}

func (s *streamState) translateToolDelta(td interface{}, ids *wire.ToolIDMap) []wire.Event {
	var events []wire.Event
	delta, _ := td.(map[string]interface{})
	openaiIndex := 0
	if v, ok := delta["index"].(float64); ok {
		openaiIndex = int(v)
	}

	state, ok := s.toolStates[openaiIndex]
	if !ok {
		state = &toolStreamState{anthIndex: s.allocateIndex()}
		s.toolStates[openaiIndex] = state
	}

	if fn, ok := delta["function"].(map[string]interface{}); ok {
		if name, ok := fn["name"].(string); ok && name != "" {
			state.name = name
		}
	}
	if id, ok := delta["id"].(string); ok && id != "" && state.anthID == "" {
		state.anthID = ids.Mint(id, state.name)
	}

	if fn, ok := delta["function"].(map[string]interface{}); ok {
		if !state.started && state.anthID != "" && state.name != "" {
			cb := wire.ContentBlock{Type: "tool_use", ID: state.anthID, Name: state.name, Input: map[string]interface{}{}}
			events = append(events, wire.Event{Type: "content_block_start", Index: state.anthIndex, ContentBlock: &cb})
			events = append(events, wire.Event{Type: "content_block_delta", Index: state.anthIndex, Delta: &wire.Delta{Type: "input_json_delta", PartialJSON: ""}})
			state.started = true
		}
		if args, ok := fn["arguments"].(string); ok && args != "" && state.started {
			delta := args
			if len(args) >= len(state.arguments) && args[:len(state.arguments)] == state.arguments {
				delta = args[len(state.arguments):]
			}
			state.arguments = args
			if delta != "" {
				events = append(events, wire.Event{Type: "content_block_delta", Index: state.anthIndex, Delta: &wire.Delta{Type: "input_json_delta", PartialJSON: delta}})
			}
		}
	}

	return events
}
