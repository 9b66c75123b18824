// Package session implements the broker's session registry: the
// authoritative session lifecycle, replay-on-reattach over the buffer
// and ACK engine, and the edit/branch operation that restarts a
// session's subprocess mid-conversation.
package session

import (
	"sync"
	"time"
)

// State is a session's lifecycle state.
type State string

const (
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateActive       State = "active"
	StateInactive     State = "inactive"
	StateError        State = "error"
	StateTerminated   State = "terminated"
)

// PermissionMode is the LLM-CLI's permission posture, distinct from
// the permission manager's internal arbitration Mode (permission.Mode):
// this is the flag threaded through to the subprocess itself.
type PermissionMode string

const (
	PermissionModeDefault           PermissionMode = "default"
	PermissionModeAcceptEdits       PermissionMode = "acceptEdits"
	PermissionModePlan              PermissionMode = "plan"
	PermissionModeBypassPermissions PermissionMode = "bypassPermissions"
	PermissionModePrompt            PermissionMode = "prompt"
)

// SubprocessController is the narrow capability the session package
// needs from whatever drives the LLM-CLI process: create, close,
// send, and receive. Implemented by the llmcli package; kept as an
// interface here so session has no import-time dependency on process
// management, env wiring, or the control-protocol decorator.
type SubprocessController interface {
	Start() error
	Close() error
	SendMessage(content string) error
	SendToolResult(toolUseID, content string) error
	Interrupt() error
	SetPermissionMode(mode PermissionMode) error
	SetModel(model string) error
	// Events returns the channel of raw JSON events (one object per
	// value) this controller emits until Close or subprocess exit.
	Events() <-chan []byte
}

// Session is the broker's authoritative unit of conversation state.
type Session struct {
	mu sync.RWMutex

	SessionID         string
	TabID             string
	State             State
	Workdir           string
	SystemPrompt      string
	PermissionMode    PermissionMode
	CreatedAt         time.Time
	LastActivity      time.Time
	ClaudeSessionID   string
	BranchPointUUID   string
	OriginalSessionID string
	LastRouteToken    string

	controller SubprocessController
}

// Snapshot is a point-in-time, lock-free copy of a Session's fields.
type Snapshot struct {
	SessionID         string
	TabID             string
	State             State
	Workdir           string
	PermissionMode    PermissionMode
	CreatedAt         time.Time
	LastActivity      time.Time
	ClaudeSessionID   string
	BranchPointUUID   string
	OriginalSessionID string
}

// Snapshot returns a consistent copy of the session's fields.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		SessionID:         s.SessionID,
		TabID:             s.TabID,
		State:             s.State,
		Workdir:           s.Workdir,
		PermissionMode:    s.PermissionMode,
		CreatedAt:         s.CreatedAt,
		LastActivity:      s.LastActivity,
		ClaudeSessionID:   s.ClaudeSessionID,
		BranchPointUUID:   s.BranchPointUUID,
		OriginalSessionID: s.OriginalSessionID,
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.State = state
	s.mu.Unlock()
}

// GetState returns the session's current lifecycle state.
func (s *Session) GetState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

// TouchActivity updates LastActivity to now.
func (s *Session) TouchActivity() {
	s.mu.Lock()
	s.LastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) setClaudeSessionID(id string) {
	s.mu.Lock()
	s.ClaudeSessionID = id
	s.mu.Unlock()
}

func (s *Session) controllerRef() SubprocessController {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.controller
}

func (s *Session) setController(c SubprocessController) {
	s.mu.Lock()
	s.controller = c
	s.mu.Unlock()
}

func (s *Session) setBranchPoint(messageUUID, originalSessionID string) {
	s.mu.Lock()
	s.BranchPointUUID = messageUUID
	s.OriginalSessionID = originalSessionID
	s.mu.Unlock()
}

func (s *Session) setPermissionMode(mode PermissionMode) {
	s.mu.Lock()
	s.PermissionMode = mode
	s.mu.Unlock()
}

// ClaudeSessionIDValue returns the CLI's own session id, if attached.
func (s *Session) ClaudeSessionIDValue() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ClaudeSessionID
}

// RouteToken returns the opaque bearer token under which this
// session's route.Config is currently registered.
func (s *Session) RouteToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.LastRouteToken
}
