// Package proxy implements the embedded translation proxy: a loopback
// HTTP server the LLM-CLI subprocess is pointed at via
// ANTHROPIC_BASE_URL/ANTHROPIC_API_KEY, which resolves the bearer
// token to a route.Config and dispatches to one of five per-dialect
// executors, translating the canonical Anthropic-shaped request/
// response on the way in and out.
package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tabrelay/broker/log"
	"github.com/tabrelay/broker/proxy/internal/respond"
	"github.com/tabrelay/broker/route"
	"github.com/tabrelay/broker/wire"
)

// DefaultUpstreamTimeout is the total-request timeout applied to every
// upstream HTTP call when the caller doesn't override it. Streams are
// long-lived by nature, so this bounds the whole call, not per-chunk
// reads.
const DefaultUpstreamTimeout = 120 * time.Second

// Server is the loopback translation proxy.
type Server struct {
	routes *route.Registry
	client *http.Client

	anthropic Executor
	openaiv1  Executor
	codex     Executor
	gemini    Executor
	geminicli Executor

	httpSrv *http.Server
}

// Executors groups the five per-dialect executors the server
// dispatches to. Constructed by main/server wiring so each executor
// package stays independent of this one (proxy imports them, not the
// other way around).
type Executors struct {
	Anthropic Executor
	OpenAIv1  Executor
	Codex     Executor
	Gemini    Executor
	GeminiCLI Executor
}

// New builds a proxy server bound to addr (e.g. "127.0.0.1:0"), backed
// by routes for credential resolution.
func New(addr string, routes *route.Registry, ex Executors, timeout time.Duration) *Server {
	if timeout <= 0 {
		timeout = DefaultUpstreamTimeout
	}
	s := &Server{
		routes:    routes,
		client:    &http.Client{Timeout: timeout},
		anthropic: ex.Anthropic,
		openaiv1:  ex.OpenAIv1,
		codex:     ex.Codex,
		gemini:    ex.Gemini,
		geminicli: ex.GeminiCLI,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/messages", s.handleMessages)
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/logging", s.handleLogging)
	mux.HandleFunc("/keep-alive", s.handleKeepAlive)

	s.httpSrv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Client returns the shared upstream HTTP client, so executor
// constructors can reuse the one timeout-configured client instead of
// each building their own.
func (s *Server) Client() *http.Client { return s.client }

// Start listens and serves in the background, returning the actual
// bound address (useful when addr's port is 0) once listening begins,
// or an error if the listener can't be created.
func (s *Server) Start() (string, error) {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return "", err
	}
	addr := ln.Addr().String()
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("proxy: server exited")
		}
	}()
	return addr, nil
}

// Shutdown stops the proxy server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		respond.Error(w, http.StatusUnauthorized, "authentication_error", "missing bearer token or x-api-key")
		return
	}

	cfg, ok := s.routes.Get(token)
	if !ok {
		respond.Error(w, http.StatusUnauthorized, "authentication_error", "unknown route token")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}
	defer r.Body.Close()

	var req wire.Request
	if err := json.Unmarshal(body, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}
	if cfg.APIKey == "" {
		respond.Error(w, http.StatusUnauthorized, "authentication_error", "route has no api_key configured")
		return
	}

	executor := s.selectExecutor(cfg)
	if executor == nil {
		respond.Error(w, http.StatusInternalServerError, "api_error", "no executor wired for provider "+cfg.Provider)
		return
	}

	if err := executor.Execute(r.Context(), w, cfg, &req); err != nil {
		log.Error().Err(err).Str("provider", cfg.Provider).Msg("proxy: executor failed")
	}
}

// selectExecutor implements the provider+auth_method dispatch table:
// openai -> Codex, anthropic -> passthrough, google with oauth ->
// Gemini-CLI, google/gemini with api_key -> Gemini native, everything
// else -> OpenAI-v1 chat completions.
func (s *Server) selectExecutor(cfg route.Config) Executor {
	provider := strings.ToLower(cfg.Provider)
	switch {
	case provider == "openai":
		return s.codex
	case provider == "anthropic":
		return s.anthropic
	case provider == "google" && cfg.AuthMethod == "oauth":
		return s.geminicli
	case provider == "google" || provider == "gemini":
		return s.gemini
	default:
		return s.openaiv1
	}
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	_ = respond.JSON(w, http.StatusOK, map[string]any{"object": "list", "data": []any{}})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = respond.JSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleLogging is a no-op sink for the CLI's optional remote-logging
// handshake: GET returns the current (always-disabled) state, POST
// accepts and discards a logging-configuration body.
func (s *Server) handleLogging(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		io.Copy(io.Discard, r.Body)
		r.Body.Close()
	}
	_ = respond.JSON(w, http.StatusOK, map[string]any{"enabled": false})
}

func (s *Server) handleKeepAlive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if v, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return v
		}
	}
	return r.Header.Get("x-api-key")
}
