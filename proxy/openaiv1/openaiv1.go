package openaiv1

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"github.com/tabrelay/broker/proxy/internal/auth"
	"github.com/tabrelay/broker/proxy/internal/respond"
	"github.com/tabrelay/broker/proxy/internal/ssescan"
	"github.com/tabrelay/broker/route"
	"github.com/tabrelay/broker/wire"
)

// Executor talks to any OpenAI-compatible chat.completions endpoint
// (openrouter, groq, azure, ollama, togetherai, ...), identified by
// every provider except "openai", "anthropic" and "google"/"gemini".
type Executor struct {
	Client *http.Client
}

// New returns an Executor using client for upstream calls.
func New(client *http.Client) *Executor {
	return &Executor{Client: client}
}

// Execute implements proxy.Executor.
func (e *Executor) Execute(ctx context.Context, w http.ResponseWriter, cfg route.Config, req *wire.Request) error {
	ids := wire.NewToolIDMap()
	reasoningLevel := strings.ToLower(cfg.ExtraHeaders["reasoning"])

	body, err := ToOpenAI(req, ids, reasoningLevel)
	if err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid_request_error", "request conversion failed: "+err.Error())
		return err
	}
	if cfg.Model != "" {
		body.Model = cfg.Model
	}

	url := buildURL(cfg)
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
		writeError(w, req.Stream, http.StatusBadGateway, "api_error", "upstream error: "+err.Error())
		return err
	}
	defer upstream.Body.Close()

	if upstream.StatusCode >= 400 {
		errType, msg := parseUpstreamError(upstream.Body)
		writeError(w, req.Stream, upstream.StatusCode, errType, msg)
		return nil
	}

	model := body.Model
	if !req.Stream {
		var resp openai.ChatCompletionResponse
		if err := json.NewDecoder(upstream.Body).Decode(&resp); err != nil {
			respond.Error(w, http.StatusBadGateway, "api_error", "failed to decode upstream response")
			return err
		}
		return respond.JSON(w, http.StatusOK, FromOpenAI(&resp, model, ids))
	}

	return streamResponse(w, upstream.Body, model, ids)
}

func buildURL(cfg route.Config) string {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Provider == "azure" && cfg.AzureDeployment != "" && cfg.AzureAPIVersion != "" {
		return base + "/openai/deployments/" + cfg.AzureDeployment + "/chat/completions?api-version=" + cfg.AzureAPIVersion
	}
	return base + "/chat/completions"
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

func streamResponse(w http.ResponseWriter, body io.Reader, model string, ids *wire.ToolIDMap) error {
	sse := respond.StartSSE(w, http.StatusOK)
	state := NewStreamState(model)
	reader := ssescan.NewReader(body)

	for {
		block, err := reader.Next()
		if err != nil {
			break
		}
		if block.Data == "" || block.Data == "[DONE]" {
			continue
		}
		var chunk map[string]interface{}
		if err := json.Unmarshal([]byte(block.Data), &chunk); err != nil {
			continue
		}
		for _, ev := range state.TranslateChunk(chunk, ids) {
			_ = sse.Event(ev)
		}
	}
	for _, ev := range state.Finish() {
		_ = sse.Event(ev)
	}
	return nil
}
