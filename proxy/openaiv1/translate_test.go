package openaiv1

import (
	"encoding/json"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/tabrelay/broker/wire"
)

func rawJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal fixture: %v", err)
	}
	return b
}

func TestToOpenAIOmitsToolChoiceNone(t *testing.T) {
	req := &wire.Request{
		Model:      "gpt-4o",
		Messages:   []wire.Message{{Role: "user", Content: rawJSON(t, "hi")}},
		ToolChoice: &wire.ToolChoice{Type: "none"},
	}
	out, err := ToOpenAI(req, wire.NewToolIDMap(), "")
	if err != nil {
		t.Fatal(err)
	}
	if out.ToolChoice != nil {
		t.Fatalf("tool_choice none must be omitted, got %v", out.ToolChoice)
	}
}

func TestToOpenAIFlattensSystemBlocks(t *testing.T) {
	system := []wire.ContentBlock{
		{Type: "text", Text: "line one"},
		{Type: "text", Text: "line two"},
	}
	req := &wire.Request{
		Model:    "gpt-4o",
		System:   rawJSON(t, system),
		Messages: []wire.Message{{Role: "user", Content: rawJSON(t, "hi")}},
	}
	out, err := ToOpenAI(req, wire.NewToolIDMap(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Messages) < 2 || out.Messages[0].Role != "system" {
		t.Fatalf("expected a leading system message, got %+v", out.Messages)
	}
	if out.Messages[0].Content != "line one\nline two" {
		t.Fatalf("system blocks must join with newlines, got %q", out.Messages[0].Content)
	}
}

func TestToOpenAITranslatesImagesToDataURLs(t *testing.T) {
	blocks := []wire.ContentBlock{
		{Type: "text", Text: "what is this"},
		{Type: "image", Source: &wire.ImageSource{Type: "base64", MediaType: "image/png", Data: "AAAA"}},
	}
	req := &wire.Request{
		Model:    "gpt-4o",
		Messages: []wire.Message{{Role: "user", Content: rawJSON(t, blocks)}},
	}
	out, err := ToOpenAI(req, wire.NewToolIDMap(), "")
	if err != nil {
		t.Fatal(err)
	}
	parts := out.Messages[0].MultiContent
	if len(parts) != 2 || parts[1].ImageURL == nil {
		t.Fatalf("expected text plus image parts, got %+v", parts)
	}
	if parts[1].ImageURL.URL != "data:image/png;base64,AAAA" {
		t.Fatalf("expected a data URL, got %q", parts[1].ImageURL.URL)
	}
}

func TestToolResultTranslatesBackToUpstreamID(t *testing.T) {
	ids := wire.NewToolIDMap()
	anthID := ids.Mint("call_9", "grep")

	blocks := []wire.ContentBlock{
		{Type: "tool_result", ToolUseID: anthID, Content: rawJSON(t, "3 matches")},
	}
	req := &wire.Request{
		Model:    "gpt-4o",
		Messages: []wire.Message{{Role: "user", Content: rawJSON(t, blocks)}},
	}
	out, err := ToOpenAI(req, ids, "")
	if err != nil {
		t.Fatal(err)
	}
	var toolMsg *openai.ChatCompletionMessage
	for i := range out.Messages {
		if out.Messages[i].Role == "tool" {
			toolMsg = &out.Messages[i]
		}
	}
	if toolMsg == nil {
		t.Fatalf("expected a tool message, got %+v", out.Messages)
	}
	if toolMsg.ToolCallID != "call_9" {
		t.Fatalf("tool_result must carry the original upstream call id, got %q", toolMsg.ToolCallID)
	}
	if toolMsg.Content != "3 matches" {
		t.Fatalf("unexpected tool output %q", toolMsg.Content)
	}
}

func decodeChunk(t *testing.T, raw string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("failed to decode fixture chunk: %v", err)
	}
	return m
}

func TestStreamTranslatesTextDeltas(t *testing.T) {
	s := NewStreamState("gpt-4o")
	ids := wire.NewToolIDMap()

	evs := s.TranslateChunk(decodeChunk(t, `{"id":"chatcmpl-1","choices":[{"delta":{"content":"Hel"}}]}`), ids)
	types := eventTypes(evs)
	if types != "message_start,content_block_start,content_block_delta" {
		t.Fatalf("unexpected opening sequence %s", types)
	}

	evs = s.TranslateChunk(decodeChunk(t, `{"choices":[{"delta":{"content":"lo"}}]}`), ids)
	if len(evs) != 1 || evs[0].Delta.Text != "lo" {
		t.Fatalf("expected a single text_delta, got %+v", evs)
	}

	evs = s.TranslateChunk(decodeChunk(t, `{"choices":[{"delta":{},"finish_reason":"stop"}]}`), ids)
	if eventTypes(evs) != "content_block_stop" {
		t.Fatalf("finish_reason must close the open text block, got %+v", evs)
	}

	terminal := s.Finish()
	if eventTypes(terminal) != "message_delta,message_stop" {
		t.Fatalf("stream end must synthesize the terminal pair, got %+v", terminal)
	}
	if terminal[0].Delta.StopReason != "end_turn" {
		t.Fatalf("finish_reason stop must map to end_turn, got %q", terminal[0].Delta.StopReason)
	}
	if s.Finish() != nil {
		t.Fatal("Finish must be idempotent")
	}
}

func TestStreamTranslatesToolCallDeltas(t *testing.T) {
	s := NewStreamState("gpt-4o")
	ids := wire.NewToolIDMap()

	evs := s.TranslateChunk(decodeChunk(t, `{"id":"chatcmpl-2","choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_7","function":{"name":"search","arguments":""}}]}}]}`), ids)
	var start *wire.Event
	for i := range evs {
		if evs[i].Type == "content_block_start" {
			start = &evs[i]
		}
	}
	if start == nil || start.ContentBlock.Type != "tool_use" {
		t.Fatalf("expected a tool_use content_block_start, got %+v", evs)
	}
	if !strings.HasPrefix(start.ContentBlock.ID, "toolu_") {
		t.Fatalf("tool_use id must be synthesized as toolu_, got %q", start.ContentBlock.ID)
	}
	if upstream, _ := ids.Upstream(start.ContentBlock.ID); upstream != "call_7" {
		t.Fatalf("synthesized id must reverse-map to the upstream call id, got %q", upstream)
	}

	evs = s.TranslateChunk(decodeChunk(t, `{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\":"}}]}}]}`), ids)
	if len(evs) != 1 || evs[0].Delta.PartialJSON != `{"q":` {
		t.Fatalf("expected an incremental input_json_delta, got %+v", evs)
	}

	s.TranslateChunk(decodeChunk(t, `{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`), ids)
	terminal := s.Finish()
	if terminal[0].Delta.StopReason != "tool_use" {
		t.Fatalf("finish_reason tool_calls must map to tool_use, got %q", terminal[0].Delta.StopReason)
	}
}

func TestStreamUsageChunkCarriesTokens(t *testing.T) {
	s := NewStreamState("gpt-4o")
	ids := wire.NewToolIDMap()

	s.TranslateChunk(decodeChunk(t, `{"id":"chatcmpl-3","choices":[{"delta":{"content":"x"}}]}`), ids)
	s.TranslateChunk(decodeChunk(t, `{"choices":[{"delta":{},"finish_reason":"length"}]}`), ids)

	evs := s.TranslateChunk(decodeChunk(t, `{"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":7}}`), ids)
	if eventTypes(evs) != "message_delta,message_stop" {
		t.Fatalf("usage chunk after finish must terminate the stream, got %+v", evs)
	}
	if evs[0].Delta.StopReason != "max_tokens" {
		t.Fatalf("finish_reason length must map to max_tokens, got %q", evs[0].Delta.StopReason)
	}
	if evs[0].Usage == nil || evs[0].Usage.InputTokens != 12 || evs[0].Usage.OutputTokens != 7 {
		t.Fatalf("usage must ride the message_delta, got %+v", evs[0].Usage)
	}
	if s.Finish() != nil {
		t.Fatal("terminal pair must not be emitted twice")
	}
}

func eventTypes(evs []wire.Event) string {
	types := make([]string, len(evs))
	for i, ev := range evs {
		types[i] = ev.Type
	}
	return strings.Join(types, ",")
}
