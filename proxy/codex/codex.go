package codex

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/tabrelay/broker/proxy/internal/auth"
	"github.com/tabrelay/broker/proxy/internal/respond"
	"github.com/tabrelay/broker/proxy/internal/ssescan"
	"github.com/tabrelay/broker/route"
	"github.com/tabrelay/broker/wire"
)

// backendURL is the fixed ChatGPT-backend Responses endpoint: the
// proxy owns this URL, not the route config, since every Codex route
// talks to the same place regardless of which credential it carries.
const backendURL = "https://chatgpt.com/backend-api/codex/responses"

// Executor talks to the ChatGPT-backend Responses API Codex serves
// its CLI from — the dialect with the widest gap from the canonical
// Anthropic shape (see translate.go).
type Executor struct {
	Client *http.Client
}

// New returns an Executor using client for upstream calls.
func New(client *http.Client) *Executor {
	return &Executor{Client: client}
}

// Execute implements proxy.Executor. Codex's own backend only speaks
// SSE, so the upstream call is always made with stream:true regardless
// of what the client asked for; a client that asked for a buffered
// response gets one synthesized from the fully-drained stream instead
// of being forwarded the stream itself.
func (e *Executor) Execute(ctx context.Context, w http.ResponseWriter, cfg route.Config, req *wire.Request) error {
	tctx := NewContext()
	family, effort := NormalizeModel(firstNonEmpty(req.Model, cfg.Model))

	body, err := ToCodex(req, tctx, family, effort)
	if err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid_request_error", "request conversion failed: "+err.Error())
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		respond.Error(w, http.StatusInternalServerError, "api_error", "failed to encode upstream request")
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, backendURL, bytes.NewReader(payload))
	if err != nil {
		respond.Error(w, http.StatusInternalServerError, "api_error", "failed to build upstream request")
		return err
	}
	for k, v := range buildHeaders(cfg) {
		httpReq.Header.Set(k, v)
	}

	upstream, err := e.Client.Do(httpReq)
	if err != nil {
		writeError(w, req.Stream, http.StatusBadGateway, "api_error", "upstream error: "+err.Error())
		return err
	}
	defer upstream.Body.Close()

	if upstream.StatusCode >= 400 {
		errType, msg := parseUpstreamError(upstream.Body)
		writeError(w, req.Stream, upstream.StatusCode, errType, msg)
		return nil
	}

	if req.Stream {
		return streamResponse(w, upstream.Body, tctx, family)
	}
	return bufferResponse(w, upstream.Body, tctx, family)
}

// buildHeaders adds the Codex CLI's own originator header for any
// auth method besides a plain api_key, matching the real Codex CLI's
// own request shape closely enough that the backend accepts it.
func buildHeaders(cfg route.Config) map[string]string {
	headers := map[string]string{"Content-Type": "application/json"}
	for k, v := range auth.Resolve(cfg.Provider, cfg.AuthMethod, cfg.APIKey).Headers() {
		headers[k] = v
	}
	if cfg.AuthMethod != "" && cfg.AuthMethod != "api_key" {
		headers["Originator"] = "codex_cli_rs"
	}
	for k, v := range cfg.ExtraHeaders {
		if k == "reasoning" {
			continue
		}
		headers[k] = v
	}
	return headers
}

func writeError(w http.ResponseWriter, stream bool, status int, errType, msg string) {
	if stream {
		respond.ErrorSSE(w, status, errType, msg)
		return
	}
	respond.Error(w, status, errType, msg)
}

func parseUpstreamError(body io.Reader) (string, string) {
	var payload map[string]interface{}
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return "api_error", "unknown upstream error"
	}
	errType := "api_error"
	message := ""
	if inner, ok := payload["error"].(map[string]interface{}); ok {
		if t, ok := inner["type"].(string); ok {
			errType = t
		}
		if m, ok := inner["message"].(string); ok {
			message = m
		}
	}
	if message == "" {
		raw, _ := json.Marshal(payload)
		message = string(raw)
	}
	return errType, message
}

// streamResponse forwards the always-streaming upstream response as
// the canonical Anthropic SSE event sequence, event by event.
func streamResponse(w http.ResponseWriter, body io.Reader, tctx *Context, model string) error {
	sse := respond.StartSSE(w, http.StatusOK)
	state := NewStreamState()
	reader := ssescan.NewReader(body)

	for {
		block, err := reader.Next()
		if err != nil {
			break
		}
		if block.Data == "" || block.Event == "" {
			continue
		}
		var decoded map[string]interface{}
		if err := json.Unmarshal([]byte(block.Data), &decoded); err != nil {
			continue
		}
		for _, ev := range state.TranslateEvent(block.Event, decoded, tctx, model) {
			_ = sse.Event(ev)
		}
	}
	if !state.StopSent() {
		_ = sse.Event(wire.Event{Type: "message_stop"})
	}
	return nil
}

// bufferResponse drains the forced-stream upstream response server
// side and synthesizes a single buffered JSON response from the
// terminal response.completed event's output array.
func bufferResponse(w http.ResponseWriter, body io.Reader, tctx *Context, model string) error {
	state := NewStreamState()
	reader := ssescan.NewReader(body)

	for {
		block, err := reader.Next()
		if err != nil {
			break
		}
		if block.Data == "" || block.Event == "" {
			continue
		}
		var decoded map[string]interface{}
		if err := json.Unmarshal([]byte(block.Data), &decoded); err != nil {
			continue
		}
		state.TranslateEvent(block.Event, decoded, tctx, model)
	}

	return respond.JSON(w, http.StatusOK, state.Assemble(model, tctx))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
