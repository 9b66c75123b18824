// Package geminicli implements the Gemini-CLI (Cloud Code Assist)
// executor: the same request/response shapes as the gemini package's
// translator, wrapped in Cloud Code Assist's {project, model, request}
// envelope, with a preview-model-first fallback retry loop on 429.
package geminicli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tabrelay/broker/proxy/gemini"
	"github.com/tabrelay/broker/proxy/internal/auth"
	"github.com/tabrelay/broker/proxy/internal/respond"
	"github.com/tabrelay/broker/proxy/internal/ssescan"
	"github.com/tabrelay/broker/route"
	"github.com/tabrelay/broker/wire"
)

const (
	endpoint   = "https://cloudcode-pa.googleapis.com"
	apiVersion = "v1internal"
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

// modelFallbackOrder lists, for a handful of base models, the preview
// variants to try before falling back to the base model itself. A
// model with no entry is tried once; a 429 for it is returned as is.
var modelFallbackOrder = map[string][]string{
	"gemini-2.5-pro": {
		"gemini-2.5-pro-preview-05-06",
		"gemini-2.5-pro-preview-06-05",
		"gemini-2.5-pro",
	},
	"gemini-2.5-flash": {
		"gemini-2.5-flash-preview-04-17",
		"gemini-2.5-flash-preview-05-20",
		"gemini-2.5-flash",
	},
	"gemini-2.5-flash-lite": {
		"gemini-2.5-flash-lite-preview-06-17",
		"gemini-2.5-flash-lite",
	},
}

// Executor talks to Cloud Code Assist's v1internal endpoint, the
// OAuth-only backend the CLI's Gemini "Code Assist" login uses.
type Executor struct {
	Client *http.Client
}

// New returns an Executor using client for upstream calls.
func New(client *http.Client) *Executor {
	return &Executor{Client: client}
}

// Execute implements proxy.Executor.
func (e *Executor) Execute(ctx context.Context, w http.ResponseWriter, cfg route.Config, req *wire.Request) error {
	projectID := cfg.ExtraHeaders["project_id"]
	if projectID == "" {
		respond.Error(w, http.StatusBadRequest, "invalid_request_error", "missing project_id for Cloud Code Assist")
		return nil
	}

	model := req.Model
	if model == "" {
		model = cfg.Model
	}
	if !strings.HasPrefix(model, "gemini") {
		model = "gemini-2.5-flash"
	}

	reasoningLevel := strings.ToLower(cfg.ExtraHeaders["reasoning"])
	innerBody, err := gemini.ToGemini(req, cfg.SystemInstruction, reasoningLevel)
	if err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid_request_error", "request conversion failed: "+err.Error())
		return err
	}
	if si, ok := innerBody["system_instruction"]; ok {
		innerBody["systemInstruction"] = si
		delete(innerBody, "system_instruction")
	}

	action := "generateContent"
	if req.Stream {
		action = "streamGenerateContent"
	}

	models := modelFallbackOrder[model]
	if len(models) == 0 {
		models = []string{model}
	}

	var lastStatus int
	var lastErrType, lastErrMsg string = "api_error", "Unknown error"

	for _, attemptModel := range models {
		envelope := map[string]interface{}{
			"request": innerBody,
			"model":   attemptModel,
			"project": projectID,
		}
		payload, err := json.Marshal(envelope)
		if err != nil {
			respond.Error(w, http.StatusInternalServerError, "api_error", "failed to encode upstream request")
			return err
		}

		url := buildURL(action)
		headers := buildHeaders(cfg, req.Stream)

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
			writeError(w, req.Stream, http.StatusBadGateway, "api_error", "failed to connect to Cloud Code Assist: "+err.Error())
			return err
		}

		if upstream.StatusCode >= 400 {
			errType, msg := parseUpstreamError(upstream.Body)
			upstream.Body.Close()
			lastStatus, lastErrType, lastErrMsg = upstream.StatusCode, errType, msg
			if upstream.StatusCode == 429 {
				continue
			}
			writeError(w, req.Stream, upstream.StatusCode, errType, msg)
			return nil
		}

		defer upstream.Body.Close()
		if !req.Stream {
			return nonStreamResponse(w, upstream.Body)
		}
		return streamResponse(w, upstream.Body)
	}

	if lastStatus == 0 {
		lastStatus = http.StatusTooManyRequests
	}
	writeError(w, req.Stream, lastStatus, lastErrType, lastErrMsg)
	return nil
}

func buildURL(action string) string {
	return fmt.Sprintf("%s/%s:%s", endpoint, apiVersion, action)
}

func buildHeaders(cfg route.Config, stream bool) map[string]string {
	headers := map[string]string{
		"Content-Type":     "application/json",
		"User-Agent":       "google-api-nodejs-client/9.15.1",
		"X-Goog-Api-Client": "gl-node/22.17.0",
		"Client-Metadata":  "ideType=IDE_UNSPECIFIED,platform=PLATFORM_UNSPECIFIED,pluginType=GEMINI",
	}
	if stream {
		headers["Accept"] = "text/event-stream"
	} else {
		headers["Accept"] = "application/json"
	}
	for k, v := range auth.Resolve(cfg.Provider, cfg.AuthMethod, cfg.APIKey).Headers() {
		headers[k] = v
	}
	for k, v := range cfg.ExtraHeaders {
		if k == "project_id" || k == "reasoning" {
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

func nonStreamResponse(w http.ResponseWriter, body io.Reader) error {
	var envelope map[string]interface{}
	if err := json.NewDecoder(body).Decode(&envelope); err != nil {
		respond.Error(w, http.StatusBadGateway, "api_error", "failed to process response: "+err.Error())
		return err
	}
	inner, _ := envelope["response"].(map[string]interface{})
	if inner == nil {
		inner = envelope
	}
	resp := gemini.FromGemini(inner, "msg_"+wire.NewToolUseID()[len("toolu_"):])
	return respond.JSON(w, http.StatusOK, resp)
}

// streamResponse consumes the Cloud Code Assist SSE body through
// ssescan, the same block reader Codex, OpenAI-v1, and the plain
// gemini executor use, instead of hand-rolling newline scanning.
func streamResponse(w http.ResponseWriter, body io.Reader) error {
	sse := respond.StartSSE(w, http.StatusOK)
	state := gemini.NewStreamState()
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
