package wire

import "encoding/json"

// Response is the canonical non-streaming assembled message returned
// to the LLM-CLI subprocess for stream=false requests.
type Response struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"` // "message"
	Role         string         `json:"role"` // "assistant"
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence *string        `json:"stop_sequence,omitempty"`
	Usage        Usage          `json:"usage"`
}

// Usage carries token accounting, including the thinking/cache-read
// extensions some providers surface.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	ThinkingTokens           int `json:"thinking_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// ErrorEnvelope is the Anthropic-shaped error body, used both for
// non-2xx HTTP responses and for the SSE "error" event.
type ErrorEnvelope struct {
	Type  string     `json:"type"` // "error"
	Error ErrorBody  `json:"error"`
}

// ErrorBody is the inner error payload.
type ErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Event is one SSE event in the canonical Anthropic streaming
// sequence: message_start, content_block_start/delta/stop*,
// message_delta, message_stop (or "error" on failure).
type Event struct {
	Type string `json:"type"`

	// message_start
	Message *Response `json:"message,omitempty"`

	// content_block_start / content_block_stop
	Index        int           `json:"index,omitempty"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`

	// content_block_delta
	Delta *Delta `json:"delta,omitempty"`

	// message_delta
	Usage *Usage `json:"usage,omitempty"`

	// error
	Error *ErrorBody `json:"error,omitempty"`
}

// Delta is the incremental payload of a content_block_delta or
// message_delta event; which fields are populated depends on Type.
type Delta struct {
	Type         string  `json:"type,omitempty"` // "text_delta" | "thinking_delta" | "input_json_delta"
	Text         string  `json:"text,omitempty"`
	Thinking     string  `json:"thinking,omitempty"`
	PartialJSON  string  `json:"partial_json,omitempty"`
	StopReason   string  `json:"stop_reason,omitempty"`
	StopSequence *string `json:"stop_sequence,omitempty"`
}

// MarshalEventData renders an Event as the JSON payload of an SSE
// "data:" line. It never fails on a well-formed Event.
func MarshalEventData(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}
