// Package ssescan wraps r3labs/sse's block-framing reader for the
// streaming upstream dialects (OpenAI-v1, Codex, Gemini and
// Gemini-CLI): each reads an upstream event-stream body block by block
// (events are separated by a blank line) and then decodes the
// "event:"/"data:" values of each block itself, since each dialect's
// data payload shape is
// different enough that a shared decoded Event type wouldn't help.
package ssescan

import (
	"bytes"
	"io"

	"github.com/r3labs/sse/v2"
)

const maxBufferSize = 1 << 20

// Block is one raw event-stream block (everything between blank
// lines), with its "event:" and "data:" lines already pulled out.
type Block struct {
	Event string
	Data  string
}

// Reader scans an upstream response body into Blocks.
type Reader struct {
	r *sse.EventStreamReader
}

// NewReader wraps body for block-by-block scanning.
func NewReader(body io.Reader) *Reader {
	return &Reader{r: sse.NewEventStreamReader(body, maxBufferSize)}
}

// Next returns the next block, io.EOF when the stream ends.
func (r *Reader) Next() (Block, error) {
	for {
		raw, err := r.r.ReadEvent()
		if err != nil {
			return Block{}, err
		}
		block := parseBlock(raw)
		if block.Data == "" && block.Event == "" {
			continue
		}
		return block, nil
	}
}

func parseBlock(raw []byte) Block {
	var b Block
	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimSpace(line)
		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			b.Event = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			b.Data = string(bytes.TrimSpace(line[len("data:"):]))
		}
	}
	return b
}
