package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tabrelay/broker/log"
	"github.com/tabrelay/broker/session"
)

// REST diagnostics surface: a read-mostly mirror of the control
// channel's health/status frames for operators poking the broker with
// curl instead of a WebSocket client, plus an explicit session
// teardown for clearing a wedged tab.

// StatusView is the broker-level diagnostic snapshot.
type StatusView struct {
	Status      string `json:"status"`
	Sessions    int    `json:"sessions"`
	Connections int    `json:"connections"`
}

// SessionView is the per-session diagnostic snapshot.
type SessionView struct {
	SessionID       string    `json:"sessionId"`
	TabID           string    `json:"tabId"`
	State           string    `json:"state"`
	Workdir         string    `json:"workdir,omitempty"`
	PermissionMode  string    `json:"permissionMode"`
	CreatedAt       time.Time `json:"createdAt"`
	LastActivity    time.Time `json:"lastActivity"`
	ClaudeSessionID string    `json:"claudeSessionId,omitempty"`
}

// GetStatus handles GET /api/status.
func (h *Handlers) GetStatus(c *gin.Context) {
	RespondData(c, StatusView{
		Status:      "ok",
		Sessions:    len(h.Sessions.Sessions()),
		Connections: len(h.Conns.Connections()),
	})
}

// GetSessions handles GET /api/sessions.
func (h *Handlers) GetSessions(c *gin.Context) {
	sessions := h.Sessions.Sessions()
	views := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, sessionView(s.Snapshot()))
	}
	RespondList(c, views)
}

// GetSession handles GET /api/sessions/:id, accepting either a
// session id or a tab id (the client-facing key).
func (h *Handlers) GetSession(c *gin.Context) {
	id := c.Param("id")
	sess, ok := h.Sessions.Get(id)
	if !ok {
		sess, ok = h.Sessions.GetByTab(id)
	}
	if !ok {
		RespondNotFound(c, "no session with id or tabId "+id)
		return
	}
	RespondData(c, sessionView(sess.Snapshot()))
}

// DeleteSession handles DELETE /api/sessions/:id: an explicit
// operator-driven destroy, equivalent to the client never coming back
// for that tab.
func (h *Handlers) DeleteSession(c *gin.Context) {
	id := c.Param("id")
	sess, ok := h.Sessions.Get(id)
	if !ok {
		sess, ok = h.Sessions.GetByTab(id)
	}
	if !ok {
		RespondNotFound(c, "no session with id or tabId "+id)
		return
	}
	if err := h.Sessions.Destroy(sess.SessionID, true); err != nil {
		log.Warn().Err(err).Str("sessionId", sess.SessionID).Msg("api: session destroy via REST failed")
		RespondInternalError(c, err.Error())
		return
	}
	RespondNoContent(c)
}

func sessionView(s session.Snapshot) SessionView {
	return SessionView{
		SessionID:       s.SessionID,
		TabID:           s.TabID,
		State:           string(s.State),
		Workdir:         s.Workdir,
		PermissionMode:  string(s.PermissionMode),
		CreatedAt:       s.CreatedAt,
		LastActivity:    s.LastActivity,
		ClaudeSessionID: s.ClaudeSessionID,
	}
}
