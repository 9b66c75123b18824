package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tabrelay/broker/proxy/internal/auth"
	"github.com/tabrelay/broker/proxy/internal/respond"
	"github.com/tabrelay/broker/proxy/internal/ssescan"
	"github.com/tabrelay/broker/route"
	"github.com/tabrelay/broker/wire"
)

const (
	endpoint   = "https://generativelanguage.googleapis.com"
	apiVersion = "v1beta"
)

var errTypeMap = map[string]string{
	"INVALID_ARGUMENT":    "invalid_request_error",
	"FAILED_PRECONDITION": "invalid_request_error",
	"OUT_OF_RANGE":        "invalid_request_error",
	"UNAUTHENTICATED":     "authentication_error",
	"PERMISSION_DENIED":   "permission_error",
	"NOT_FOUND":           "not_found_error",
	"RESOURCE_EXHAUSTED":  "rate_limit_error",
	"INTERNAL":            "api_error",
	"UNAVAILABLE":         "api_error",
}

// Executor talks to the Generative Language API's native
// generateContent/streamGenerateContent endpoints.
type Executor struct {
	Client *http.Client
}

// New returns an Executor using client for upstream calls.
func New(client *http.Client) *Executor {
	return &Executor{Client: client}
}

// Execute implements proxy.Executor.
func (e *Executor) Execute(ctx context.Context, w http.ResponseWriter, cfg route.Config, req *wire.Request) error {
	model := req.Model
	if model == "" {
		model = cfg.Model
	}
	if !strings.HasPrefix(model, "gemini") {
		model = "gemini-1.5-flash"
	}

	reasoningLevel := strings.ToLower(cfg.ExtraHeaders["reasoning"])
	body, err := ToGemini(req, cfg.SystemInstruction, reasoningLevel)
	if err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid_request_error", "request conversion failed: "+err.Error())
		return err
	}

	url := buildURL(model, req.Stream, cfg)
	headers := buildHeaders(cfg)

	payload, err := json.Marshal(body)
	if err != nil {
		respond.Error(w, http.StatusInternalServerError, "api_error", "failed to encode upstream request")
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		respond.Error(w, http.StatusInternalServerError, "api_error", "failed to build upstream request")
		return err
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	upstream, err := e.Client.Do(httpReq)
	if err != nil {
		writeError(w, req.Stream, http.StatusBadGateway, "api_error", "failed to connect to Gemini API: "+err.Error())
		return err
	}
	defer upstream.Body.Close()

	if upstream.StatusCode >= 400 {
		errType, msg := parseUpstreamError(upstream.Body)
		writeError(w, req.Stream, upstream.StatusCode, errType, msg)
		return nil
	}

	if !req.Stream {
		var gemini map[string]interface{}
		if err := json.NewDecoder(upstream.Body).Decode(&gemini); err != nil {
			respond.Error(w, http.StatusBadGateway, "api_error", "failed to process response: "+err.Error())
			return err
		}
		resp := FromGemini(gemini, "msg_"+wire.NewToolUseID()[len("toolu_"):])
		return respond.JSON(w, http.StatusOK, resp)
	}

	return streamResponse(w, upstream.Body)
}

func buildURL(model string, stream bool, cfg route.Config) string {
	action := "generateContent"
	if stream {
		action = "streamGenerateContent"
	}
	url := fmt.Sprintf("%s/%s/models/%s:%s", endpoint, apiVersion, model, action)

	authMethod := strings.ToLower(cfg.AuthMethod)
	if authMethod == "" {
		authMethod = "api_key"
	}
	if authMethod != "oauth" && cfg.APIKey != "" {
		url += "?key=" + cfg.APIKey
	}
	if stream {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url += sep + "alt=sse"
	}
	return url
}

func buildHeaders(cfg route.Config) map[string]string {
	headers := map[string]string{"Content-Type": "application/json"}
	for k, v := range auth.Resolve(cfg.Provider, cfg.AuthMethod, cfg.APIKey).Headers() {
		headers[k] = v
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
	if err := json.NewDecoder(bufio.NewReader(body)).Decode(&payload); err != nil {
		return "api_error", "Unknown error"
	}
	errMsg := "Unknown error"
	errCode := "api_error"
	if inner, ok := payload["error"].(map[string]interface{}); ok {
		if m, ok := inner["message"].(string); ok {
			errMsg = m
		}
		if c, ok := inner["code"].(string); ok {
			errCode = c
		}
	} else if m, ok := payload["message"].(string); ok {
		errMsg = m
	}
	if mapped, ok := errTypeMap[errCode]; ok {
		errCode = mapped
	} else {
		errCode = "api_error"
	}
	return errCode, errMsg
}

// streamResponse consumes the upstream SSE body through ssescan, the
// same block reader the Codex and OpenAI-v1 executors use. Gemini's
// stream carries no "event:" line, only "data:", so a block is only
// skipped when Data itself is empty — unlike Codex's reader, which
// also requires a named event.
func streamResponse(w http.ResponseWriter, body io.Reader) error {
	sse := respond.StartSSE(w, http.StatusOK)
	state := NewStreamState()
	reader := ssescan.NewReader(body)

	for {
		block, err := reader.Next()
		if err != nil {
			break
		}
		if block.Data == "" {
			continue
		}
		events, err := state.TranslateBlock(block.Data)
		if err != nil {
			continue
		}
		for _, ev := range events {
			_ = sse.Event(ev)
		}
	}
	if !state.StopSent() {
		_ = sse.Event(wire.Event{Type: "message_stop"})
	}
	return nil
}
