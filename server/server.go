// Package server wires the broker's independently-owned components
// (route registry, connection registry, message buffer, ack engine,
// session manager, translation proxy, conversation-history store,
// control-channel handlers) into one running process and exposes its
// two HTTP surfaces: the mobile control-channel WebSocket and the
// loopback translation proxy, plus a debug log-tail endpoint, a REST
// diagnostics mirror, and a health check.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tabrelay/broker/ack"
	"github.com/tabrelay/broker/api"
	"github.com/tabrelay/broker/buffer"
	"github.com/tabrelay/broker/config"
	"github.com/tabrelay/broker/connection"
	"github.com/tabrelay/broker/history"
	"github.com/tabrelay/broker/llmcli"
	"github.com/tabrelay/broker/log"
	"github.com/tabrelay/broker/proxy"
	"github.com/tabrelay/broker/proxy/anthropic"
	"github.com/tabrelay/broker/proxy/codex"
	"github.com/tabrelay/broker/proxy/gemini"
	"github.com/tabrelay/broker/proxy/geminicli"
	"github.com/tabrelay/broker/proxy/openaiv1"
	"github.com/tabrelay/broker/route"
	"github.com/tabrelay/broker/session"
)

// Server owns and coordinates every broker component.
type Server struct {
	cfg *config.Config

	routes   *route.Registry
	conns    *connection.Registry
	buf      *buffer.Buffer
	acks     *ack.Engine
	sessions *session.Manager
	history  *history.Store
	proxySrv *proxy.Server
	handlers *api.Handlers

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc

	router *gin.Engine
	http   *http.Server

	proxyAddr string
}

// New builds a Server with every component constructed and wired, but
// does not start listening yet.
func New(cfg *config.Config) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:            cfg,
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}

	log.Info().Msg("initializing route registry")
	s.routes = route.NewRegistry()

	log.Info().Msg("initializing connection registry")
	s.conns = connection.NewRegistry(cfg.MaxConnectionsPerSession)

	log.Info().Msg("initializing message buffer")
	s.buf = buffer.New(cfg.BufferMaxMessages, cfg.BufferRetentionWindow, cfg.BufferRetentionFloor)

	s.acks = ack.NewEngine()

	log.Info().Msg("initializing conversation history store")
	s.history = history.New(cfg.HistoryRoot)

	// The proxy needs its own bound loopback address before the
	// session manager can be handed a proxy base URL to stamp into
	// each subprocess's environment, so it's built and started
	// ahead of the session manager. Every executor shares one
	// timeout-configured upstream client.
	log.Info().Msg("initializing translation proxy")
	upstreamClient := &http.Client{Timeout: cfg.UpstreamTimeout}
	proxyListenAddr := fmt.Sprintf("%s:%d", cfg.ProxyHost, cfg.ProxyPort)
	s.proxySrv = proxy.New(proxyListenAddr, s.routes, s.executors(upstreamClient), cfg.UpstreamTimeout)
	addr, err := s.proxySrv.Start()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start translation proxy: %w", err)
	}
	s.proxyAddr = addr
	log.Info().Str("addr", addr).Msg("translation proxy listening")

	log.Info().Msg("initializing session manager")
	factory := llmcli.Factory(cfg.CLIPath, "http://"+s.proxyAddr)
	s.sessions = session.New(s.buf, s.acks, s.conns, s.routes, cfg.PermissionCacheTTL, factory)

	s.handlers = api.NewHandlers(s.sessions, s.conns, s.routes, s.history, s.shutdownCtx)

	s.setupRouter()

	log.Info().Msg("server initialized successfully")
	return s, nil
}

// executors constructs the five per-dialect provider executors, all
// sharing one upstream HTTP client.
func (s *Server) executors(client *http.Client) proxy.Executors {
	return proxy.Executors{
		Anthropic: anthropic.New(client),
		OpenAIv1:  openaiv1.New(client),
		Codex:     codex.New(client),
		Gemini:    gemini.New(client),
		GeminiCLI: geminicli.New(client),
	}
}

// setupRouter creates and configures the Gin router serving the
// mobile control channel, the debug log tail, and health endpoints.
func (s *Server) setupRouter() {
	if !s.cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(log.GinLogger())

	if s.cfg.IsDevelopment() {
		s.router.Use(s.corsMiddleware())
	} else {
		s.router.Use(s.securityHeadersMiddleware())
	}

	// Gzip everywhere except the two long-lived streaming endpoints.
	s.router.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{
		"/ws",
		"/debug/logs",
	})))

	s.router.SetTrustedProxies(nil)

	s.router.GET("/.well-known/*path", func(c *gin.Context) {
		c.Status(http.StatusNotFound)
	})

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "proxy_addr": s.proxyAddr})
	})

	// The mobile-client control channel: one multiplexed WebSocket
	// carrying every tab.
	s.router.GET("/ws", s.handlers.HandleWebSocket)

	// REST diagnostics: a curl-friendly mirror of the control
	// channel's health/status frames.
	apiGroup := s.router.Group("/api")
	{
		apiGroup.GET("/status", s.handlers.GetStatus)
		apiGroup.GET("/sessions", s.handlers.GetSessions)
		apiGroup.GET("/sessions/:id", s.handlers.GetSession)
		apiGroup.DELETE("/sessions/:id", s.handlers.DeleteSession)
	}

	// Debug log tail: streams recent + live zerolog output over a
	// plain gorilla/websocket connection (distinct from the coder/
	// websocket-based control channel, since this is an
	// operator-facing diagnostic surface, not part of the client
	// protocol).
	s.router.GET("/debug/logs", s.handleLogTail)
}

var logTailUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleLogTail upgrades to a plain WebSocket and streams the
// in-process log ring buffer (recent backlog, then live lines) until
// the client disconnects or the server shuts down.
func (s *Server) handleLogTail(c *gin.Context) {
	conn, err := logTailUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug().Err(err).Msg("server: log tail upgrade failed")
		return
	}
	defer conn.Close()

	for _, line := range log.TailRecent() {
		if err := conn.WriteMessage(websocket.TextMessage, line); err != nil {
			return
		}
	}

	lines, unsubscribe := log.Subscribe(256)
	defer unsubscribe()

	for {
		select {
		case <-s.shutdownCtx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, line); err != nil {
				return
			}
		}
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

// Start runs the background sweepers and blocks serving the control-
// channel HTTP server.
func (s *Server) Start() error {
	log.Info().Msg("starting background sweepers")
	s.buf.StartSweeper(30 * time.Second)
	go s.runConnectionSweeper()
	go s.runSessionSweeper()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	log.Info().Str("addr", addr).Str("env", s.cfg.Env).Msg("control-channel server starting")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) runConnectionSweeper() {
	if s.cfg.ConnectionIdleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdownCtx.Done():
			return
		case <-ticker.C:
			affected := s.conns.SweepIdle(s.cfg.ConnectionIdleTimeout)
			if len(affected) > 0 {
				s.sessions.OnConnectionClosed(affected)
			}
		}
	}
}

func (s *Server) runSessionSweeper() {
	if s.cfg.SessionIdleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdownCtx.Done():
			return
		case <-ticker.C:
			s.sessions.SweepIdle(s.cfg.SessionIdleTimeout)
		}
	}
}

// Shutdown gracefully stops every component.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down server")

	s.shutdownCancel()
	time.Sleep(100 * time.Millisecond)

	s.buf.StopSweeper()

	if err := s.proxySrv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("proxy shutdown error")
	}

	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("http server shutdown error")
			return err
		}
	}

	log.Info().Msg("server shutdown complete")
	return nil
}

// ShutdownContext returns the context cancelled at the start of
// graceful shutdown.
func (s *Server) ShutdownContext() context.Context { return s.shutdownCtx }

// Router exposes the underlying gin.Engine for tests.
func (s *Server) Router() *gin.Engine { return s.router }
