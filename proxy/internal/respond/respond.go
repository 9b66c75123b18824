// Package respond holds the small set of HTTP response helpers shared
// by the translation proxy and its per-dialect executors: writing the
// canonical Anthropic SSE event sequence, writing a buffered JSON
// message, and writing the Anthropic error envelope. Kept under
// internal/ so only the proxy tree can import it.
package respond

import (
	"encoding/json"
	"net/http"

	"github.com/tabrelay/broker/wire"
)

// SSEWriter wraps an http.ResponseWriter that has already had its
// streaming headers written, flushing after every event so the
// subprocess sees each chunk as it lands.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// StartSSE writes the streaming response headers and status, returning
// a writer for the canonical Anthropic event sequence.
func StartSSE(w http.ResponseWriter, status int) *SSEWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(status)
	flusher, _ := w.(http.Flusher)
	return &SSEWriter{w: w, flusher: flusher}
}

// Event writes one SSE event in the "event: <type>\ndata: <json>\n\n"
// form and flushes immediately so the subprocess sees it without
// buffering delay.
func (s *SSEWriter) Event(ev wire.Event) error {
	data, err := wire.MarshalEventData(ev)
	if err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("event: " + ev.Type + "\ndata: ")); err != nil {
		return err
	}
	if _, err := s.w.Write(data); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// RawLine forwards one already-framed SSE line verbatim (used by the
// Anthropic-native executor's byte-level passthrough, which never
// decodes the upstream stream).
func (s *SSEWriter) RawLine(line string) error {
	if _, err := s.w.Write([]byte(line + "\n")); err != nil {
		return err
	}
	if line == "" && s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// JSON writes a single buffered JSON response.
func JSON(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// Error writes the Anthropic-shaped error envelope.
func Error(w http.ResponseWriter, status int, errType, msg string) {
	_ = JSON(w, status, wire.ErrorEnvelope{
		Type: "error",
		Error: wire.ErrorBody{
			Type:    errType,
			Message: msg,
		},
	})
}

// ErrorSSE writes the Anthropic error envelope as an "error" event
// followed by a "message_stop" event, matching the two-frame failure
// sequence every upstream dialect falls back to when the call fails
// mid-negotiation.
func ErrorSSE(w http.ResponseWriter, status int, errType, msg string) {
	sse := StartSSE(w, status)
	_ = sse.Event(wire.Event{Type: "error", Error: &wire.ErrorBody{Type: errType, Message: msg}})
	_ = sse.Event(wire.Event{Type: "message_stop"})
}
