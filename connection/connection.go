// Package connection implements the control-channel connection
// registry: an N:M mapping between live mobile-client sockets and the
// sessions they serve, fanout send with per-connection failure
// accounting, and oldest-connection eviction when a session's
// connection cap is exceeded.
package connection

import (
	"sync"
	"time"

	"github.com/coder/websocket"
)

// MaxConnectionsPerSession is the default cap (N=3) on how many live
// connections may serve one session (multi-device).
const MaxConnectionsPerSession = 3

// Connection is one live control-channel socket.
type Connection struct {
	ID            string
	Conn          *websocket.Conn
	Send          chan []byte
	ConnectedAt   time.Time
	lastActivity  time.Time
	ClientInfo    map[string]interface{}

	mu     sync.Mutex
	closed bool
}

// Touch updates the connection's last-activity timestamp.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// LastActivity returns the last-activity timestamp.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Connection) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

// IsClosed reports whether Remove has already torn this connection down.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Registry owns the connection<->session many-to-many mapping. All
// mutations take the single registry mutex; actual socket I/O
// (closing evicted sockets, sending frames) happens outside the lock
// so a slow peer can't block accepts or fanout to other sessions.
type Registry struct {
	mu          sync.Mutex
	connections map[string]*Connection
	bySession   map[string]map[string]struct{} // session id -> set of connection ids
	maxPerSession int
}

// NewRegistry returns an empty Registry with the given per-session
// connection cap.
func NewRegistry(maxPerSession int) *Registry {
	if maxPerSession <= 0 {
		maxPerSession = MaxConnectionsPerSession
	}
	return &Registry{
		connections:   make(map[string]*Connection),
		bySession:     make(map[string]map[string]struct{}),
		maxPerSession: maxPerSession,
	}
}

// Add registers a new connection. Idempotent on connection id.
func (r *Registry) Add(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.connections[conn.ID]; ok {
		return
	}
	r.connections[conn.ID] = conn
}

// Attach associates a connection with a session, additively (it does
// not detach the connection from any session it already serves). If
// the session already has maxPerSession connections, the oldest by
// ConnectedAt is selected for eviction; Attach closes its socket
// asynchronously once the registry lock is released, and also returns
// it as evicted (non-nil if one was chosen).
func (r *Registry) Attach(connID, sessionID string) (evicted *Connection) {
	r.mu.Lock()
	defer func() {
		r.mu.Unlock()
		if evicted != nil {
			r.closeAsync(evicted)
		}
	}()

	set, ok := r.bySession[sessionID]
	if !ok {
		set = make(map[string]struct{})
		r.bySession[sessionID] = set
	}
	set[connID] = struct{}{}

	if len(set) > r.maxPerSession {
		var oldestID string
		var oldestAt time.Time
		for id := range set {
			conn, ok := r.connections[id]
			if !ok {
				continue
			}
			if oldestID == "" || conn.ConnectedAt.Before(oldestAt) {
				oldestID = id
				oldestAt = conn.ConnectedAt
			}
		}
		if oldestID != "" {
			delete(set, oldestID)
			evicted = r.connections[oldestID]
		}
	}

	return evicted
}

func (r *Registry) closeAsync(conn *Connection) {
	if conn == nil {
		return
	}
	go func() {
		if conn.markClosed() && conn.Conn != nil {
			conn.Conn.Close(websocket.StatusNormalClosure, "connection cap exceeded")
		}
	}()
}

// Detach removes one connection's association with one session. It
// does not close the socket (the connection may still serve other
// sessions).
func (r *Registry) Detach(connID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.bySession[sessionID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.bySession, sessionID)
		}
	}
}

// Remove closes the connection's socket and detaches it from every
// session it served, returning the affected session ids so the
// session manager can decide whether each transitions to inactive.
func (r *Registry) Remove(connID string) []string {
	r.mu.Lock()
	conn, ok := r.connections[connID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.connections, connID)

	var affected []string
	for sessionID, set := range r.bySession {
		if _, ok := set[connID]; ok {
			delete(set, connID)
			if len(set) == 0 {
				delete(r.bySession, sessionID)
			}
			affected = append(affected, sessionID)
		}
	}
	r.mu.Unlock()

	if conn.markClosed() && conn.Conn != nil {
		conn.Conn.Close(websocket.StatusNormalClosure, "")
	}
	return affected
}

// SendToSession serializes frame once and attempts delivery to every
// live connection of sessionID. It returns (succeeded, failed) counts
// so callers can distinguish "no connection" (0, 0) from "all
// deliveries failed" (0, n). Connections whose send buffer is full are
// counted as failed and scheduled for removal.
func (r *Registry) SendToSession(sessionID string, frame []byte) (succeeded, failed int) {
	r.mu.Lock()
	set, ok := r.bySession[sessionID]
	if !ok || len(set) == 0 {
		r.mu.Unlock()
		return 0, 0
	}
	conns := make([]*Connection, 0, len(set))
	for id := range set {
		if conn, ok := r.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	r.mu.Unlock()

	var toRemove []string
	for _, conn := range conns {
		select {
		case conn.Send <- frame:
			succeeded++
		default:
			failed++
			toRemove = append(toRemove, conn.ID)
		}
	}

	for _, id := range toRemove {
		r.Remove(id)
	}

	return succeeded, failed
}

// HasAny reports whether a session currently has at least one live
// connection attached.
func (r *Registry) HasAny(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.bySession[sessionID]
	return ok && len(set) > 0
}

// ConnectionsForSession returns the connection ids currently attached
// to a session.
func (r *Registry) ConnectionsForSession(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.bySession[sessionID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Connections returns every live connection (used by the idle sweep).
func (r *Registry) Connections() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Connection, 0, len(r.connections))
	for _, c := range r.connections {
		out = append(out, c)
	}
	return out
}

// SweepIdle removes every connection whose last activity predates the
// cutoff, returning the union of affected session ids (a session with
// no other live connection after this must transition to inactive) so
// the caller can forward them to the session manager.
// Intended to run on a timer when an idle threshold is configured (0
// disables it — callers should not invoke this then).
func (r *Registry) SweepIdle(maxIdle time.Duration) []string {
	cutoff := time.Now().Add(-maxIdle)
	var affected []string
	for _, conn := range r.Connections() {
		if conn.IsClosed() {
			continue
		}
		if conn.LastActivity().Before(cutoff) {
			affected = append(affected, r.Remove(conn.ID)...)
		}
	}
	return affected
}
