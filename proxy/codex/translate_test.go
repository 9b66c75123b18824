package codex

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/tabrelay/broker/wire"
)

func TestNormalizeModelDefaultsToLowEffort(t *testing.T) {
	family, effort := NormalizeModel("gpt-5")
	if family != "gpt-5" {
		t.Fatalf("expected family gpt-5, got %s", family)
	}
	if effort != "low" {
		t.Fatalf("expected default effort low, got %s", effort)
	}
}

func TestNormalizeModelHonorsSuffix(t *testing.T) {
	family, effort := NormalizeModel("gpt-5-codex-high")
	if family != "gpt-5-codex" {
		t.Fatalf("expected family gpt-5-codex, got %s", family)
	}
	if effort != "high" {
		t.Fatalf("expected effort high, got %s", effort)
	}
}

func TestToCodexInjectsSentinelAndReplacesInstructions(t *testing.T) {
	req := &wire.Request{
		Model:   "gpt-5",
		System:  rawJSON(t, "you are a helpful assistant"),
		Stream:  true,
		Messages: []wire.Message{
			{Role: "user", Content: rawJSON(t, "hello")},
		},
	}
	ctx := NewContext()
	body, err := ToCodex(req, ctx, "gpt-5", "low")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body["instructions"] == "you are a helpful assistant" {
		t.Fatalf("client system prompt should not reach the instructions field")
	}
	if body["stream"] != true {
		t.Fatalf("expected forced stream:true in upstream body")
	}

	input, _ := body["input"].([]map[string]interface{})
	if len(input) < 2 {
		t.Fatalf("expected sentinel-prefixed system message plus the user turn, got %d items", len(input))
	}
	content, _ := input[0]["content"].([]map[string]interface{})
	if len(content) != 2 || content[0]["text"] != sentinelLine {
		t.Fatalf("expected sentinel line as first content block, got %+v", content)
	}
	if content[1]["text"] != "you are a helpful assistant" {
		t.Fatalf("expected original system text preserved after sentinel, got %+v", content[1])
	}
}

func TestShortenToolNameDisambiguatesCollisions(t *testing.T) {
	seen := make(map[string]int)
	longName := "mcp__" + strings.Repeat("x", 80) + "__doit"
	first := shortenToolName(longName, seen)
	second := shortenToolName(longName, seen)
	if first == second {
		t.Fatalf("expected repeated shortening of the same long name to disambiguate, got %q twice", first)
	}
	if !strings.HasPrefix(first, "mcp__") {
		t.Fatalf("expected mcp__ prefix preserved, got %q", first)
	}
	if len(first) > 64 {
		t.Fatalf("expected shortened name <= 64 chars, got %d (%q)", len(first), first)
	}
}

func TestStreamStateTranslatesTextDeltaAndCompletion(t *testing.T) {
	ctx := NewContext()
	s := NewStreamState()

	created := decodeEvent(t, `{"response":{"id":"resp_1"}}`)
	if evs := s.TranslateEvent("response.created", created, ctx, "gpt-5"); len(evs) != 1 || evs[0].Type != "message_start" {
		t.Fatalf("expected a single message_start event, got %+v", evs)
	}

	added := decodeEvent(t, `{"output_index":0}`)
	s.TranslateEvent("response.content_part.added", added, ctx, "gpt-5")

	delta := decodeEvent(t, `{"output_index":0,"delta":"hi"}`)
	evs := s.TranslateEvent("response.output_text.delta", delta, ctx, "gpt-5")
	if len(evs) != 1 || evs[0].Delta == nil || evs[0].Delta.Text != "hi" {
		t.Fatalf("expected a text_delta event carrying 'hi', got %+v", evs)
	}

	completed := decodeEvent(t, `{"response":{"status":"completed","output":[{"type":"message","content":[{"type":"output_text","text":"hi"}]}],"usage":{"input_tokens":3,"output_tokens":1}}}`)
	evs = s.TranslateEvent("response.completed", completed, ctx, "gpt-5")
	if !s.StopSent() {
		t.Fatalf("expected StopSent to be true after response.completed")
	}
	foundStop := false
	for _, ev := range evs {
		if ev.Type == "message_stop" {
			foundStop = true
		}
	}
	if !foundStop {
		t.Fatalf("expected a message_stop event among %+v", evs)
	}

	resp := s.Assemble("gpt-5", ctx)
	if resp.StopReason != "end_turn" {
		t.Fatalf("expected end_turn stop reason, got %s", resp.StopReason)
	}
	if len(resp.Content) != 1 || resp.Content[0].Text != "hi" {
		t.Fatalf("expected assembled text content 'hi', got %+v", resp.Content)
	}
	if resp.Usage.InputTokens != 3 || resp.Usage.OutputTokens != 1 {
		t.Fatalf("expected usage carried through to assembled response, got %+v", resp.Usage)
	}
}

func TestStreamStateMarksToolUseStopReason(t *testing.T) {
	ctx := NewContext()
	ctx.NameByShort["search"] = "search"
	s := NewStreamState()

	item := decodeEvent(t, `{"output_index":0,"item":{"type":"function_call","call_id":"call_1","name":"search"}}`)
	evs := s.TranslateEvent("response.output_item.added", item, ctx, "gpt-5")
	if len(evs) != 2 || evs[0].ContentBlock == nil || evs[0].ContentBlock.Type != "tool_use" {
		t.Fatalf("expected content_block_start for tool_use plus an empty input_json_delta, got %+v", evs)
	}

	completed := decodeEvent(t, `{"response":{"status":"completed","output":[]}}`)
	s.TranslateEvent("response.completed", completed, ctx, "gpt-5")
	resp := s.Assemble("gpt-5", ctx)
	if resp.StopReason != "tool_use" {
		t.Fatalf("expected tool_use stop reason once a function_call was observed, got %s", resp.StopReason)
	}
}

func decodeEvent(t *testing.T, raw string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("failed to decode fixture event: %v", err)
	}
	return m
}

func rawJSON(t *testing.T, s string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("failed to marshal fixture string: %v", err)
	}
	return b
}
