package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tabrelay/broker/connection"
	"github.com/tabrelay/broker/log"
)

// maxFrameBytes is the control channel's max frame size: 10 MiB.
const maxFrameBytes = 10 << 20

// HandleWebSocket upgrades the request to the mobile control channel
// and runs its read loop until the client disconnects, the connection
// is told to shut down, or the server itself is shutting down. One
// goroutine per connection drains its outbound Send channel to the
// socket; this goroutine owns the read side. No ping ticker runs
// here: the client drives heartbeats on this protocol.
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	var w http.ResponseWriter = c.Writer
	if unwrapper, ok := c.Writer.(interface{ Unwrap() http.ResponseWriter }); ok {
		w = unwrapper.Unwrap()
	}

	log.MarkHijacked(c)

	conn, err := websocket.Accept(w, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Error().Err(err).Msg("api: websocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(maxFrameBytes)

	c.Abort()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-h.ShutdownCtx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	record := &connection.Connection{
		ID:          uuid.NewString(),
		Conn:        conn,
		Send:        make(chan []byte, 256),
		ConnectedAt: time.Now(),
	}
	h.Conns.Add(record)
	record.Touch()

	go writePump(ctx, conn, record)

	h.sendDirect(record, map[string]interface{}{
		"type":          "system",
		"status":        "connected",
		"connection_id": record.ID,
	})

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusGoingAway || closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusNoStatusRcvd {
				log.Debug().Str("connId", record.ID).Int("closeStatus", int(closeStatus)).Msg("api: websocket closed normally")
			} else {
				log.Debug().Err(err).Str("connId", record.ID).Msg("api: websocket read error")
			}
			break
		}
		if msgType != websocket.MessageText {
			continue
		}
		record.Touch()

		var frame map[string]interface{}
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Debug().Err(err).Str("connId", record.ID).Msg("api: failed to parse inbound frame")
			continue
		}

		if h.dispatch(record, frame) {
			break
		}
	}

	h.stopConversationWatch(record.ID)
	affected := h.Conns.Remove(record.ID)
	h.Sessions.OnConnectionClosed(affected)
}

// writePump drains a connection's outbound Send channel to its socket
// until ctx is cancelled or the channel is closed.
func writePump(ctx context.Context, conn *websocket.Conn, record *connection.Connection) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-record.Send:
			if !ok {
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				if ctx.Err() == nil {
					log.Debug().Err(err).Str("connId", record.ID).Msg("api: websocket write failed")
				}
				return
			}
		}
	}
}

// sendDirect pushes a frame straight to one connection's socket,
// bypassing the session buffer/ack machinery — used for frames that
// precede any session (the initial "connected" frame, errors for an
// unresolvable tabId, conversation listings).
func (h *Handlers) sendDirect(conn *connection.Connection, frame map[string]interface{}) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Msg("api: failed to marshal direct frame")
		return
	}
	select {
	case conn.Send <- data:
	default:
		log.Warn().Str("connId", conn.ID).Msg("api: dropping direct frame, send buffer full")
	}
}
