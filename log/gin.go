package log

import (
	"time"

	"github.com/gin-gonic/gin"
)

// ContextKeyHijacked marks a request whose connection was taken over
// by a WebSocket upgrade (the mobile control channel, the log tail).
const ContextKeyHijacked = "connection_hijacked"

// MarkHijacked must be called before websocket.Accept(): net/http has
// no Hijacked() accessor, and touching c.Writer after the upgrade
// writes headers on a dead connection.
func MarkHijacked(c *gin.Context) {
	c.Set(ContextKeyHijacked, true)
}

// IsHijacked reports whether MarkHijacked was called for this request.
func IsHijacked(c *gin.Context) bool {
	hijacked, exists := c.Get(ContextKeyHijacked)
	return exists && hijacked.(bool)
}

// GinLogger logs each request on the control-channel server. Two
// broker-specific rules: health polls log at debug (the mobile client
// probes /health aggressively while reconnecting, and a reconnect
// storm would otherwise drown the log), and hijacked requests log
// their socket lifetime instead of an HTTP status — for /ws that
// duration is the whole control-channel connection, which is the line
// to look at when a client is flapping.
func GinLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		elapsed := time.Since(start)

		if IsHijacked(c) {
			// No meaningful status exists for an upgraded socket;
			// elapsed covers accept through close.
			Info().
				Str("path", path).
				Str("ip", c.ClientIP()).
				Dur("connectedFor", elapsed).
				Msg("socket closed")
			return
		}

		status := c.Writer.Status()
		event := Info()
		switch {
		case status >= 500:
			event = Error()
		case status >= 400:
			event = Warn()
		case path == "/health":
			event = Debug()
		}

		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", elapsed).
			Str("ip", c.ClientIP())

		if errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String(); errorMessage != "" {
			event.Str("error", errorMessage)
		}

		event.Msg("request")
	}
}
