// Package anthropic implements the Anthropic-native executor: the one
// dialect that needs no shape translation at all. The request body is
// forwarded almost verbatim and, when streaming, the upstream SSE
// bytes are re-framed and passed through without ever being decoded
// into wire.Event.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/tabrelay/broker/log"
	"github.com/tabrelay/broker/proxy/internal/auth"
	"github.com/tabrelay/broker/proxy/internal/respond"
	"github.com/tabrelay/broker/route"
	"github.com/tabrelay/broker/wire"
)

const anthropicVersion = "2023-06-01"

// reasoningTokenMap mirrors the upstream CLI's low/medium/high budget
// presets for the extra_headers["reasoning"] shorthand.
var reasoningTokenMap = map[string]int{
	"low":    2048,
	"medium": 8192,
	"high":   32768,
}

// Executor forwards requests to api.anthropic.com (or an override
// base URL) with no dialect translation beyond header construction and
// the reasoning-level shorthand.
type Executor struct {
	Client *http.Client
}

// New returns an Executor using client for upstream calls.
func New(client *http.Client) *Executor {
	return &Executor{Client: client}
}

// Execute implements proxy.Executor.
func (e *Executor) Execute(ctx context.Context, w http.ResponseWriter, cfg route.Config, req *wire.Request) error {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.anthropic.com"
	}
	url := base + "/v1/messages"

	authMethod := strings.ToLower(cfg.AuthMethod)
	if authMethod == "" {
		authMethod = "api_key"
	}

	headers := map[string]string{
		"Content-Type":     "application/json",
		"anthropic-version": anthropicVersion,
	}
	if authMethod == "oauth" {
		url = base + "/v1/messages?beta=true"
		headers["Anthropic-Beta"] = "claude-code-20250219,oauth-2025-04-20,interleaved-thinking-2025-05-14,fine-grained-tool-streaming-2025-05-14"
		headers["User-Agent"] = "claude-cli/1.0.83 (external, cli)"
		headers["X-App"] = "cli"
		headers["X-Stainless-Helper-Method"] = "stream"
		headers["X-Stainless-Lang"] = "js"
		headers["X-Stainless-Runtime"] = "node"
		headers["X-Stainless-Runtime-Version"] = "v24.3.0"
		headers["X-Stainless-Package-Version"] = "0.55.1"
		headers["Anthropic-Dangerous-Direct-Browser-Access"] = "true"
	}
	for k, v := range auth.Resolve(cfg.Provider, cfg.AuthMethod, cfg.APIKey).Headers() {
		headers[k] = v
	}

	body, err := buildBody(req, cfg)
	if err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return err
	}

	extra := map[string]string{}
	for k, v := range cfg.ExtraHeaders {
		extra[k] = v
	}
	delete(extra, "reasoning")
	for k, v := range extra {
		headers[k] = v
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		respond.Error(w, http.StatusInternalServerError, "api_error", "failed to build upstream request")
		return err
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	upstream, err := e.Client.Do(httpReq)
	if err != nil {
		if req.Stream {
			respond.ErrorSSE(w, http.StatusBadGateway, "api_error", "upstream error: "+err.Error())
		} else {
			respond.Error(w, http.StatusBadGateway, "api_error", "upstream error: "+err.Error())
		}
		return err
	}
	defer upstream.Body.Close()

	if upstream.StatusCode >= 400 {
		errType, msg := extractError(upstream.Body)
		if req.Stream {
			respond.ErrorSSE(w, upstream.StatusCode, errType, msg)
		} else {
			respond.Error(w, upstream.StatusCode, errType, msg)
		}
		return nil
	}

	if !req.Stream {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, err := io.Copy(w, upstream.Body)
		return err
	}

	return passthroughSSE(w, upstream.Body)
}

// buildBody clones the inbound JSON, forces the model to the route's
// configured model when the route has one (the client's model is kept
// otherwise), defaults metadata, and translates the
// extra_headers["reasoning"] shorthand into a thinking budget.
func buildBody(req *wire.Request, cfg route.Config) ([]byte, error) {
	var generic map[string]interface{}
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	if cfg.Model != "" {
		generic["model"] = cfg.Model
	}
	if _, ok := generic["metadata"]; !ok {
		generic["metadata"] = map[string]interface{}{}
	}

	if level, ok := cfg.ExtraHeaders["reasoning"]; ok {
		if budget, ok := reasoningTokenMap[strings.ToLower(level)]; ok {
			generic["thinking"] = map[string]interface{}{
				"type":          "enabled",
				"budget_tokens": budget,
			}
		}
	}

	return json.Marshal(generic)
}

// passthroughSSE re-frames the upstream's raw event-stream bytes line
// by line, exactly as received, inserting a blank line before any
// "event:" line so the client always sees a clean event boundary. It
// never decodes the stream into wire.Event; the upstream's native
// Anthropic framing is already what the CLI subprocess expects.
func passthroughSSE(w http.ResponseWriter, body io.Reader) error {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if bytes.HasPrefix(line, []byte("event:")) {
			if _, err := w.Write([]byte("\n")); err != nil {
				return err
			}
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
		if _, err := w.Write([]byte("\n")); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Msg("anthropic: client disconnected during streaming")
	}
	return nil
}

func extractError(body io.Reader) (errType, message string) {
	var payload map[string]interface{}
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return "api_error", "unknown upstream error"
	}
	errType = "api_error"
	message = ""
	if v, ok := payload["message"].(string); ok {
		message = v
	}
	if v, ok := payload["type"].(string); ok {
		errType = v
	}
	if inner, ok := payload["error"].(map[string]interface{}); ok {
		if v, ok := inner["message"].(string); ok {
			message = v
		}
		if v, ok := inner["type"].(string); ok {
			errType = v
		}
	}
	if message == "" {
		message = "unknown upstream error"
	}
	return errType, message
}
