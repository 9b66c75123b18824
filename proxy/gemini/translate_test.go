package gemini

import (
	"encoding/json"
	"testing"

	"github.com/tabrelay/broker/wire"
)

func TestSanitizeSchemaStripsUnsupportedKeywords(t *testing.T) {
	input := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"allOf":                []interface{}{map[string]interface{}{"type": "string"}},
		"anyOf":                []interface{}{map[string]interface{}{"type": "string"}},
		"oneOf":                []interface{}{map[string]interface{}{"type": "string"}},
		"exclusiveMinimum":     0,
		"exclusiveMaximum":     10,
		"patternProperties":    map[string]interface{}{"^x-": map[string]interface{}{"type": "string"}},
		"dependencies":         map[string]interface{}{"a": []interface{}{"b"}},
		"properties": map[string]interface{}{
			"name": map[string]interface{}{
				"additionalProperties": true,
				"type":                 "string",
			},
		},
	}

	out, ok := sanitizeSchema(input).(map[string]interface{})
	if !ok {
		t.Fatalf("expected map result, got %T", out)
	}

	for _, field := range schemaFieldsToRemove {
		if _, present := out[field]; present {
			t.Errorf("expected %q to be stripped from top level, got present", field)
		}
	}

	props, ok := out["properties"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected properties map to survive, got %T", out["properties"])
	}
	name, ok := props["name"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected nested name schema to survive, got %T", props["name"])
	}
	if _, present := name["additionalProperties"]; present {
		t.Error("expected additionalProperties stripped at nested level too")
	}
	if name["type"] != "string" {
		t.Errorf("expected nested type to survive untouched, got %v", name["type"])
	}
}

func TestSanitizeSchemaCollapsesTypeArray(t *testing.T) {
	cases := []struct {
		name  string
		in    []interface{}
		want  string
	}{
		{"string and null prefers string", []interface{}{"string", "null"}, "string"},
		{"null and string prefers string", []interface{}{"null", "string"}, "string"},
		{"integer and null prefers integer", []interface{}{"integer", "null"}, "integer"},
		{"number and null prefers number", []interface{}{"number", "null"}, "number"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			input := map[string]interface{}{"type": tc.in}
			out, ok := sanitizeSchema(input).(map[string]interface{})
			if !ok {
				t.Fatalf("expected map result, got %T", out)
			}
			if out["type"] != tc.want {
				t.Errorf("expected type %q, got %v", tc.want, out["type"])
			}
		})
	}
}

func TestSanitizeSchemaLeavesScalarTypeAlone(t *testing.T) {
	input := map[string]interface{}{"type": "boolean"}
	out, ok := sanitizeSchema(input).(map[string]interface{})
	if !ok {
		t.Fatalf("expected map result, got %T", out)
	}
	if out["type"] != "boolean" {
		t.Errorf("expected scalar type to survive unchanged, got %v", out["type"])
	}
}

// TestToGeminiSanitizesToolInputSchema verifies the sanitizer is
// actually applied to every tool's input_schema on the way into a
// Gemini request, not just directly callable in isolation.
func TestToGeminiSanitizesToolInputSchema(t *testing.T) {
	schemaJSON, err := json.Marshal(map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{"type": []interface{}{"string", "null"}},
		},
	})
	if err != nil {
		t.Fatalf("marshal schema: %v", err)
	}

	req := &wire.Request{
		Model: "gemini-test",
		Messages: []wire.Message{
			{Role: "user", Content: json.RawMessage(`"hi"`)},
		},
		Tools: []wire.Tool{
			{Name: "search", Description: "search things", InputSchema: schemaJSON},
		},
	}

	body, err := ToGemini(req, "", "")
	if err != nil {
		t.Fatalf("ToGemini: %v", err)
	}

	tools, ok := body["tools"].([]interface{})
	if !ok || len(tools) != 1 {
		t.Fatalf("expected one tools entry, got %#v", body["tools"])
	}
	toolBlock, ok := tools[0].(map[string]interface{})
	if !ok {
		t.Fatalf("expected tool block map, got %T", tools[0])
	}
	decls, ok := toolBlock["functionDeclarations"].([]interface{})
	if !ok || len(decls) != 1 {
		t.Fatalf("expected one function declaration, got %#v", toolBlock["functionDeclarations"])
	}
	decl, ok := decls[0].(map[string]interface{})
	if !ok {
		t.Fatalf("expected declaration map, got %T", decls[0])
	}
	params, ok := decl["parameters"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected parameters map, got %T", decl["parameters"])
	}
	if _, present := params["additionalProperties"]; present {
		t.Error("expected additionalProperties stripped from declared parameters")
	}
	if _, present := params["$schema"]; present {
		t.Error("expected $schema stripped from declared parameters")
	}
	props, ok := params["properties"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected properties map, got %T", params["properties"])
	}
	query, ok := props["query"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected query schema map, got %T", props["query"])
	}
	if query["type"] != "string" {
		t.Errorf("expected collapsed type string, got %v", query["type"])
	}
}

func TestStreamTransitionsBlocksAndMapsFinishReason(t *testing.T) {
	s := NewStreamState()

	evs, err := s.TranslateBlock(`{"modelVersion":"gemini-2.5-pro","candidates":[{"content":{"parts":[{"thought":true,"text":"planning"}]}}]}`)
	if err != nil {
		t.Fatal(err)
	}
	if types := streamEventTypes(evs); types != "message_start,content_block_start,content_block_delta" {
		t.Fatalf("unexpected opening sequence %s", types)
	}
	if evs[1].ContentBlock.Type != "thinking" {
		t.Fatalf("thought part must open a thinking block, got %+v", evs[1].ContentBlock)
	}
	if evs[2].Delta.Thinking != "planning" {
		t.Fatalf("expected a thinking_delta, got %+v", evs[2].Delta)
	}

	evs, err = s.TranslateBlock(`{"candidates":[{"content":{"parts":[{"text":"the answer"}]}}]}`)
	if err != nil {
		t.Fatal(err)
	}
	if types := streamEventTypes(evs); types != "content_block_stop,content_block_start,content_block_delta" {
		t.Fatalf("a thinking-to-text transition must close the open block and start a text block, got %s", types)
	}
	if evs[0].Index != 0 {
		t.Fatalf("content_block_stop must close the thinking block at index 0, got %d", evs[0].Index)
	}
	if evs[1].ContentBlock.Type != "text" || evs[1].Index != 1 {
		t.Fatalf("text block must open at the next index, got %+v at %d", evs[1].ContentBlock, evs[1].Index)
	}
	if evs[2].Delta.Text != "the answer" {
		t.Fatalf("expected a text_delta, got %+v", evs[2].Delta)
	}

	evs, err = s.TranslateBlock(`{"candidates":[{"content":{"parts":[{"functionCall":{"name":"lookup","args":{"q":"go"}}}]}}]}`)
	if err != nil {
		t.Fatal(err)
	}
	if types := streamEventTypes(evs); types != "content_block_stop,content_block_start,content_block_delta" {
		t.Fatalf("a functionCall part must close the open block and start a tool_use block, got %s", types)
	}
	if evs[0].Index != 1 {
		t.Fatalf("content_block_stop must close the text block at index 1, got %d", evs[0].Index)
	}
	if evs[1].ContentBlock.Type != "tool_use" || evs[1].ContentBlock.Name != "lookup" || evs[1].Index != 2 {
		t.Fatalf("unexpected tool_use block %+v at %d", evs[1].ContentBlock, evs[1].Index)
	}
	if evs[2].Delta.PartialJSON != `{"q":"go"}` {
		t.Fatalf("functionCall args must become an input_json_delta, got %q", evs[2].Delta.PartialJSON)
	}

	evs, err = s.TranslateBlock(`{"candidates":[{"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":4,"thoughtsTokenCount":2,"cachedContentTokenCount":6}}`)
	if err != nil {
		t.Fatal(err)
	}
	if types := streamEventTypes(evs); types != "content_block_stop,message_delta,message_stop" {
		t.Fatalf("finishReason must close the stream, got %s", types)
	}
	if evs[1].Delta.StopReason != "end_turn" {
		t.Fatalf("STOP must map to end_turn, got %q", evs[1].Delta.StopReason)
	}
	u := evs[1].Usage
	if u.InputTokens != 10 || u.OutputTokens != 4 || u.ThinkingTokens != 2 || u.CacheReadInputTokens != 6 {
		t.Fatalf("usageMetadata must map through, got %+v", u)
	}
	if !s.StopSent() {
		t.Fatal("StopSent must report the emitted message_stop")
	}
}

func TestStreamMaxTokensFinishReason(t *testing.T) {
	s := NewStreamState()
	if _, err := s.TranslateBlock(`{"candidates":[{"content":{"parts":[{"text":"hi"}]}}]}`); err != nil {
		t.Fatal(err)
	}
	evs, err := s.TranslateBlock(`{"candidates":[{"finishReason":"MAX_TOKENS"}]}`)
	if err != nil {
		t.Fatal(err)
	}
	var delta *wire.Delta
	for _, ev := range evs {
		if ev.Type == "message_delta" {
			delta = ev.Delta
		}
	}
	if delta == nil || delta.StopReason != "max_tokens" {
		t.Fatalf("MAX_TOKENS must map to max_tokens, got %+v", delta)
	}
}

func streamEventTypes(evs []wire.Event) string {
	out := ""
	for i, ev := range evs {
		if i > 0 {
			out += ","
		}
		out += ev.Type
	}
	return out
}
