package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tabrelay/broker/ack"
	"github.com/tabrelay/broker/buffer"
	"github.com/tabrelay/broker/connection"
	"github.com/tabrelay/broker/log"
	"github.com/tabrelay/broker/permission"
	"github.com/tabrelay/broker/route"
)

// ControllerOptions is the subset of Process-construction parameters
// the session package knows about; the llmcli package's factory
// closure fills in the rest (CLI path, proxy base URL) from
// configuration it owns.
type ControllerOptions struct {
	Workdir              string
	SystemPrompt         string
	PermissionMode       PermissionMode
	Resume               string
	ResumeAtMessageUUID  string
	ContinueConversation bool
	Model                string
	FallbackModel        string
	RouteToken           string
}

// ControllerFactory constructs a SubprocessController for one tab.
// onInit fires once the CLI's first system/init event is observed,
// carrying its own session id.
type ControllerFactory func(tabID string, opts ControllerOptions, perm *permission.Manager, onInit func(claudeSessionID string)) (SubprocessController, error)

// NotifyPermission is fired when a session's permission manager falls
// through to the prompt path and the client must be asked.
type NotifyPermission func(sessionID, tabID, requestID, toolName string, input map[string]interface{})

// Manager owns the authoritative {session_id -> Session} and
// {tab_id -> session_id} registries and drives session lifecycle:
// creation, attach/detach, replay-on-reattach, destroy, and the
// edit/branch operation. It depends only on narrow capabilities
// (buffer, ack engine, connection registry, route registry, a
// permission-manager-per-session, and a ControllerFactory) — never on
// llmcli or transport directly.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byTab    map[string]string

	buf    *buffer.Buffer
	acks   *ack.Engine
	conns  *connection.Registry
	routes *route.Registry

	permMu sync.Mutex
	perms  map[string]*permission.Manager

	newController ControllerFactory
	permCacheTTL  time.Duration

	// globalCreds is the broker-wide default route configuration,
	// updated by the update_credentials handler and copied into a
	// session's route entry at registration time when the client's
	// `start` frame carries no session-specific claudeConfig.
	credMu      sync.RWMutex
	globalCreds route.Config
}

// New returns a Manager wired to its dependencies.
func New(buf *buffer.Buffer, acks *ack.Engine, conns *connection.Registry, routes *route.Registry, permCacheTTL time.Duration, factory ControllerFactory) *Manager {
	return &Manager{
		sessions:      make(map[string]*Session),
		byTab:         make(map[string]string),
		buf:           buf,
		acks:          acks,
		conns:         conns,
		routes:        routes,
		perms:         make(map[string]*permission.Manager),
		newController: factory,
		permCacheTTL:  permCacheTTL,
	}
}

// SetGlobalCredentials replaces the broker-wide default route config,
// used by the update_credentials handler.
func (m *Manager) SetGlobalCredentials(cfg route.Config) {
	m.credMu.Lock()
	m.globalCreds = cfg
	m.credMu.Unlock()
}

// GlobalCredentials returns the broker-wide default route config, used
// by the start/load_conversation handlers to decide whether a client
// still needs to be asked for credentials (empty APIKey) before a
// session can be created.
func (m *Manager) GlobalCredentials() route.Config {
	return m.globalCredentials()
}

func (m *Manager) globalCredentials() route.Config {
	m.credMu.RLock()
	defer m.credMu.RUnlock()
	return m.globalCreds
}

// Get returns the session registered for sessionID.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// GetByTab returns the session mapped to tabID.
func (m *Manager) GetByTab(tabID string) (*Session, bool) {
	m.mu.RLock()
	sessionID, ok := m.byTab[tabID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return m.Get(sessionID)
}

// CreateParams bundles the fields needed to create or resume a
// session for a tab.
type CreateParams struct {
	TabID          string
	ConnID         string
	Workdir        string
	SystemPrompt   string
	PermissionMode PermissionMode
	// Creds, if non-nil, registers a session-specific route; otherwise
	// the manager's current global credentials are copied in.
	Creds *route.Config
	// LastReceivedSeq, when >= 0, drives replay-on-attach for a
	// reconnecting client (see Attach).
	LastReceivedSeq int64
	// Resume, when set, starts the subprocess resumed from an existing
	// CLI session id instead of a fresh conversation — used by the
	// load_conversation handler to continue a history file in place of
	// just replaying it.
	Resume       string
	OnEvent      func(sess *Session, frame map[string]interface{})
	OnPermission NotifyPermission
}

// Create returns the existing session for tabID if one is already
// live (optionally attaching a new connection to it), or mints a new
// session, registers its route, spawns its subprocess, and attaches
// the given connection.
func (m *Manager) Create(p CreateParams) (*Session, bool, error) {
	m.mu.Lock()
	if sessionID, ok := m.byTab[p.TabID]; ok {
		sess := m.sessions[sessionID]
		m.mu.Unlock()
		if p.ConnID != "" {
			if err := m.Attach(sess.SessionID, p.ConnID, p.LastReceivedSeq, p.OnEvent); err != nil {
				return sess, true, err
			}
		}
		return sess, true, nil
	}
	m.mu.Unlock()

	sessionID := uuid.NewString()
	routeToken := uuid.NewString()

	cfg := p.Creds
	if cfg == nil {
		gc := m.globalCredentials()
		cfg = &gc
	}
	m.routes.Register(routeToken, *cfg)

	permMgr := permission.NewManager(permission.ModePrompt, m.permCacheTTL, func(requestID, toolName string, input map[string]interface{}) {
		if p.OnPermission != nil {
			p.OnPermission(sessionID, p.TabID, requestID, toolName, input)
		}
	})
	m.permMu.Lock()
	m.perms[sessionID] = permMgr
	m.permMu.Unlock()

	sess := &Session{
		SessionID:      sessionID,
		TabID:          p.TabID,
		State:          StateInitializing,
		Workdir:        p.Workdir,
		SystemPrompt:   p.SystemPrompt,
		PermissionMode: p.PermissionMode,
		CreatedAt:      time.Now(),
		LastActivity:   time.Now(),
		LastRouteToken: routeToken,
	}

	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.byTab[p.TabID] = sessionID
	m.mu.Unlock()

	controller, err := m.newController(p.TabID, ControllerOptions{
		Workdir:        p.Workdir,
		SystemPrompt:   p.SystemPrompt,
		PermissionMode: p.PermissionMode,
		Resume:         p.Resume,
		RouteToken:     routeToken,
	}, permMgr, func(claudeSessionID string) {
		sess.setClaudeSessionID(claudeSessionID)
		sess.setState(StateReady)
	})
	if err != nil {
		sess.setState(StateError)
		return sess, false, fmt.Errorf("session: start subprocess: %w", err)
	}
	sess.setController(controller)

	if err := controller.Start(); err != nil {
		sess.setState(StateError)
		return sess, false, fmt.Errorf("session: start subprocess: %w", err)
	}

	go m.relayEvents(sess, p.OnEvent)

	if p.ConnID != "" {
		if err := m.Attach(sessionID, p.ConnID, p.LastReceivedSeq, p.OnEvent); err != nil {
			return sess, false, err
		}
	}

	return sess, false, nil
}

// relayEvents forwards every raw JSON event the subprocess emits as a
// claude_event frame, fanning it out through Send (so it is buffered
// and ordered exactly like any other outbound frame).
func (m *Manager) relayEvents(sess *Session, onEvent func(*Session, map[string]interface{})) {
	ctrl := sess.controllerRef()
	if ctrl == nil {
		return
	}
	for data := range ctrl.Events() {
		var decoded interface{}
		if err := json.Unmarshal(data, &decoded); err != nil {
			log.Debug().Err(err).Str("tabId", sess.TabID).Msg("session: failed to decode subprocess event")
			continue
		}
		sess.TouchActivity()
		frame := map[string]interface{}{
			"type": "claude_event",
			"data": decoded,
		}
		if _, err := m.Send(sess.SessionID, frame); err != nil {
			log.Debug().Err(err).Str("tabId", sess.TabID).Msg("session: failed to send claude_event")
		}
		if onEvent != nil {
			onEvent(sess, frame)
		}
	}
}

// Attach associates connID with sessionID, transitions the session to
// active, and performs replay-on-attach: every frame past the
// client's last-received seq, framed between two sync_status markers.
// lastReceivedSeq < 0 means "no reconnect hint" (fresh attach); the
// replay still runs (harmlessly, against an empty or fresh buffer).
func (m *Manager) Attach(sessionID, connID string, lastReceivedSeq int64, onEvent func(*Session, map[string]interface{})) error {
	sess, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("session: %s not found", sessionID)
	}

	m.conns.Attach(connID, sessionID)
	m.acks.ResetInbound(sessionID)

	if lastReceivedSeq >= 0 {
		m.acks.AckFromClient(sessionID, uint64(lastReceivedSeq))
	}

	sess.setState(StateActive)
	sess.TouchActivity()

	lastAcked := m.acks.LastAcked(sessionID)
	missed := m.buf.Since(sessionID, lastAcked)

	if _, err := m.Send(sessionID, map[string]interface{}{
		"type": "sync_status",
		"sync": map[string]interface{}{
			"is_synced":    false,
			"broker_to_ios": lastAcked,
			"ios_to_broker": 0,
		},
		"missed_count": len(missed),
	}); err != nil {
		return err
	}

	for _, msg := range missed {
		m.resend(sessionID, msg)
	}

	_, err := m.Send(sessionID, map[string]interface{}{
		"type": "sync_status",
		"sync": map[string]interface{}{
			"is_synced":    true,
			"broker_to_ios": lastAcked,
			"ios_to_broker": 0,
		},
		"missed_count": 0,
	})
	return err
}

// resend re-delivers a previously buffered frame verbatim, without
// allocating a new sequence number, preserving the frame's original
// position in the outbound ordering.
func (m *Manager) resend(sessionID string, msg buffer.Message) {
	data, err := json.Marshal(msg.Content)
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("session: failed to marshal replay frame")
		return
	}
	m.conns.SendToSession(sessionID, data)
}

// OnConnectionClosed is invoked by the connection layer (after
// connection.Registry.Remove) with the ids of sessions that lost a
// connection; any session left with no live connection transitions to
// inactive.
func (m *Manager) OnConnectionClosed(affectedSessionIDs []string) {
	for _, sessionID := range affectedSessionIDs {
		if m.conns.HasAny(sessionID) {
			continue
		}
		if sess, ok := m.Get(sessionID); ok {
			sess.setState(StateInactive)
		}
	}
}

// Send allocates a sequence number, injects tabId/seq into frame,
// appends it to the session's buffer, and fans it out to every live
// connection. A session with no live connection is not an error: the
// frame stays buffered for replay.
func (m *Manager) Send(sessionID string, frame map[string]interface{}) (uint64, error) {
	sess, ok := m.Get(sessionID)
	if !ok {
		return 0, fmt.Errorf("session: %s not found", sessionID)
	}

	seq := m.acks.NextSeq(sessionID)
	frame["tabId"] = sess.TabID
	frame["seq"] = seq

	m.buf.Append(sessionID, buffer.Message{
		Seq:       seq,
		Content:   frame,
		Timestamp: time.Now(),
	})

	data, err := json.Marshal(frame)
	if err != nil {
		return seq, fmt.Errorf("session: marshal frame: %w", err)
	}
	m.conns.SendToSession(sessionID, data)
	return seq, nil
}

// SendBatch wraps a slice of events into a single frame, used
// exclusively by the conversation-load path.
func (m *Manager) SendBatch(sessionID string, events []interface{}, frameType string) (uint64, error) {
	return m.Send(sessionID, map[string]interface{}{
		"type":   frameType,
		"events": events,
	})
}

// ProcessInbound runs one inbound client frame through the ack
// engine's ordering rules and, for every frame that is now ready to
// execute (in order, not a duplicate), invokes exec with it. It
// returns the (ackSeq, isDuplicate) results so the handler can emit
// message_received_ack frames in order.
func (m *Manager) ProcessInbound(sessionID string, clientSeq uint64, frame interface{}, exec func(interface{})) []ack.Processed {
	results := m.acks.Process(sessionID, clientSeq, frame)
	for _, r := range results {
		if !r.IsDuplicate && r.Frame != nil && exec != nil {
			exec(r.Frame)
		}
	}
	return results
}

// AckOutbound applies a client's cumulative ack of the broker's own
// outbound seq: it clears pending-outbound tracking in the ACK engine
// and marks every buffered message up to seq as acknowledged, making
// it eligible for the buffer's retention sweep.
func (m *Manager) AckOutbound(sessionID string, seq uint64) {
	m.acks.AckFromClient(sessionID, seq)
	m.buf.AckUpTo(sessionID, seq)
}

// Permission returns the per-session permission manager.
func (m *Manager) Permission(sessionID string) (*permission.Manager, bool) {
	m.permMu.Lock()
	defer m.permMu.Unlock()
	p, ok := m.perms[sessionID]
	return p, ok
}

// Controller returns the session's attached subprocess controller, if
// any.
func (m *Manager) Controller(sessionID string) (SubprocessController, bool) {
	sess, ok := m.Get(sessionID)
	if !ok {
		return nil, false
	}
	ctrl := sess.controllerRef()
	return ctrl, ctrl != nil
}

// SetPermissionMode updates both the session's record of the CLI's
// permission posture and forwards the change to the subprocess.
func (m *Manager) SetPermissionMode(sessionID string, mode PermissionMode) error {
	sess, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("session: %s not found", sessionID)
	}
	sess.setPermissionMode(mode)
	if ctrl := sess.controllerRef(); ctrl != nil {
		return ctrl.SetPermissionMode(mode)
	}
	return nil
}

// Interrupt forwards an interrupt to the attached subprocess and
// transitively cancels any outstanding permission prompt.
func (m *Manager) Interrupt(sessionID string) error {
	sess, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("session: %s not found", sessionID)
	}
	if p, ok := m.Permission(sessionID); ok {
		p.Interrupt()
	}
	if ctrl := sess.controllerRef(); ctrl != nil {
		return ctrl.Interrupt()
	}
	return nil
}

// Branch implements the edit/branch operation: it closes the
// session's current subprocess, remembers the branch point and the
// original CLI session id, starts a new subprocess resumed at that
// point, and submits newContent as the next user turn. The
// edit_acknowledged frame goes out here, before the restart, so the
// client sees it ahead of any streamed output from the new
// subprocess.
func (m *Manager) Branch(sessionID, messageUUID, newContent string, onEvent func(*Session, map[string]interface{})) error {
	sess, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("session: %s not found", sessionID)
	}

	originalClaudeSessionID := sess.ClaudeSessionIDValue()

	if ctrl := sess.controllerRef(); ctrl != nil {
		_ = ctrl.Close()
	}
	sess.setBranchPoint(messageUUID, originalClaudeSessionID)

	if _, err := m.Send(sessionID, map[string]interface{}{
		"type": "edit_acknowledged",
	}); err != nil {
		return err
	}

	permMgr, _ := m.Permission(sessionID)
	controller, err := m.newController(sess.TabID, ControllerOptions{
		Workdir:             sess.Workdir,
		SystemPrompt:        sess.SystemPrompt,
		PermissionMode:      sess.PermissionMode,
		Resume:              originalClaudeSessionID,
		ResumeAtMessageUUID: messageUUID,
		RouteToken:          sess.LastRouteToken,
	}, permMgr, func(claudeSessionID string) {
		sess.setClaudeSessionID(claudeSessionID)
	})
	if err != nil {
		sess.setState(StateError)
		return fmt.Errorf("session: branch restart: %w", err)
	}
	sess.setController(controller)

	if err := controller.Start(); err != nil {
		sess.setState(StateError)
		return fmt.Errorf("session: branch restart: %w", err)
	}
	sess.setState(StateActive)

	go m.relayEvents(sess, onEvent)

	return controller.SendMessage(newContent)
}

// Destroy tears a session down completely: unregister its route,
// detach it from every connection that served it (without closing
// sockets that may still serve other tabs over the same multiplexed
// connection), clear its buffer and ack state, terminate its
// subprocess, and remove the tab mapping.
func (m *Manager) Destroy(sessionID string, explicit bool) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session: %s not found", sessionID)
	}
	delete(m.sessions, sessionID)
	delete(m.byTab, sess.TabID)
	m.mu.Unlock()

	m.routes.Unregister(sess.LastRouteToken)

	for _, connID := range m.conns.ConnectionsForSession(sessionID) {
		m.conns.Detach(connID, sessionID)
	}

	m.permMu.Lock()
	permMgr, ok := m.perms[sessionID]
	delete(m.perms, sessionID)
	m.permMu.Unlock()
	if ok {
		permMgr.Interrupt()
	}

	if ctrl := sess.controllerRef(); ctrl != nil {
		if err := ctrl.Close(); err != nil {
			log.Warn().Err(err).Str("sessionId", sessionID).Msg("session: error closing subprocess on destroy")
		}
	}

	m.buf.Clear(sessionID)
	m.acks.Remove(sessionID)
	sess.setState(StateTerminated)

	log.Info().Str("sessionId", sessionID).Str("tabId", sess.TabID).Bool("explicit", explicit).Msg("session destroyed")
	return nil
}

// Sessions returns a snapshot of every live session, used by
// diagnostics handlers and the idle sweep.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// SweepIdle destroys every session whose last activity predates the
// cutoff. Intended to run on a timer when an idle threshold is
// configured; 0 disables the sweep and callers should not invoke this.
func (m *Manager) SweepIdle(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle)
	for _, sess := range m.Sessions() {
		if sess.Snapshot().LastActivity.Before(cutoff) {
			if err := m.Destroy(sess.SessionID, false); err != nil {
				log.Warn().Err(err).Str("sessionId", sess.SessionID).Msg("session: idle sweep destroy failed")
			}
		}
	}
}
