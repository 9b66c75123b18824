// Package api implements the mobile control channel: a single
// WebSocket endpoint speaking the broker's frame-oriented protocol,
// dispatching every inbound frame to the session manager, connection
// registry, route registry, and history store it is constructed with.
// One multiplexed channel carries every tab, and server-initiated
// keep-alive pings are deliberately absent — the client drives
// heartbeats on this protocol.
package api

import (
	"context"
	"sync"

	"github.com/tabrelay/broker/connection"
	"github.com/tabrelay/broker/history"
	"github.com/tabrelay/broker/route"
	"github.com/tabrelay/broker/session"
)

// RouteCatalog is the legacy static-route surface (`routes` /
// `set_active_route` / `set_stable_route`): a label-keyed set of
// credentials the client can switch the broker's global default to by
// name instead of resending the full claudeConfig each time.
type RouteCatalog struct {
	mu     sync.Mutex
	byName map[string]route.Config
	stable string
}

func newRouteCatalog() *RouteCatalog {
	return &RouteCatalog{byName: make(map[string]route.Config)}
}

func (c *RouteCatalog) set(label string, cfg route.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byName[label] = cfg
}

func (c *RouteCatalog) get(label string) (route.Config, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg, ok := c.byName[label]
	return cfg, ok
}

func (c *RouteCatalog) labels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.byName))
	for label := range c.byName {
		out = append(out, label)
	}
	return out
}

// Handlers owns the dependencies the control channel dispatches
// against. Constructed with the narrow capabilities each frame
// handler needs rather than a reference to the whole server — that
// keeps this package free of any import back to server, which owns
// construction.
type Handlers struct {
	Sessions *session.Manager
	Conns    *connection.Registry
	Routes   *route.Registry
	History  *history.Store

	// ShutdownCtx is cancelled when the server begins graceful
	// shutdown; every live WebSocket handler selects on it so holding
	// connections don't block process exit.
	ShutdownCtx context.Context

	catalog *RouteCatalog

	// watchers holds, per connection, the live conversation-directory
	// watch started by the request_conversations handler, so the
	// client's conversation list refreshes without polling. Replaced
	// when the client asks about a different workdir; stopped when the
	// connection closes.
	watchMu  sync.Mutex
	watchers map[string]*conversationWatch
}

type conversationWatch struct {
	watcher *history.Watcher
	done    chan struct{}
}

// NewHandlers wires a Handlers over its dependencies.
func NewHandlers(sessions *session.Manager, conns *connection.Registry, routes *route.Registry, historyStore *history.Store, shutdownCtx context.Context) *Handlers {
	return &Handlers{
		Sessions:    sessions,
		Conns:       conns,
		Routes:      routes,
		History:     historyStore,
		ShutdownCtx: shutdownCtx,
		catalog:     newRouteCatalog(),
		watchers:    make(map[string]*conversationWatch),
	}
}
