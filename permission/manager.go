// Package permission implements the runtime-mutable tool-use
// permission arbiter: a mode, a rule table, a TTL decision cache, and
// a pending-request table of OneShot futures awaited by the prompt
// path.
package permission

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// NotifyFunc is fired (non-blocking, from the caller's goroutine) when
// a request falls through to the prompt path and a client round-trip
// is needed.
type NotifyFunc func(requestID, toolName string, input map[string]interface{})

type cacheEntry struct {
	decision Decision
	expires  time.Time
}

type pendingRequest struct {
	toolName  string
	input     map[string]interface{}
	future    *OneShot[Decision]
	createdAt time.Time
}

// Manager is the single runtime-mutable permission arbiter for one
// session. One Manager is constructed per session, mirroring the
// per-session scoping of the rest of the broker's state.
type Manager struct {
	mu sync.Mutex

	mode   Mode
	rules  map[string]string // custom mode: tool name -> "allow"|"deny"
	notify NotifyFunc

	cacheTTL time.Duration
	cache    map[string]cacheEntry

	pending map[string]*pendingRequest
}

// NewManager returns a Manager in the given starting mode.
func NewManager(mode Mode, cacheTTL time.Duration, notify NotifyFunc) *Manager {
	return &Manager{
		mode:     mode,
		rules:    make(map[string]string),
		notify:   notify,
		cacheTTL: cacheTTL,
		cache:    make(map[string]cacheEntry),
		pending:  make(map[string]*pendingRequest),
	}
}

// SetMode switches the manager's operating posture, e.g. in response
// to a client `set_permission_mode` frame or the auto-accept sequence.
func (m *Manager) SetMode(mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
}

// Mode returns the current operating posture.
func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// SetRule sets a custom-mode rule for a tool name ("allow" or "deny").
func (m *Manager) SetRule(toolName, behavior string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[toolName] = behavior
}

func canonicalize(toolName string, input map[string]interface{}) string {
	b, err := json.Marshal(input)
	if err != nil {
		return toolName
	}
	return toolName + "|" + string(b)
}

// GetPermission resolves a permission request per the mode hierarchy:
// allow/deny modes are unconditional, cached mode consults the TTL
// cache, custom mode consults the rule table, and everything else
// falls back to prompt: a OneShot is parked under requestID, the
// notify callback fires without blocking, and the call blocks on the
// OneShot with no broker-side timeout — the client (or an interrupt)
// is solely responsible for resolving it.
func (m *Manager) GetPermission(toolName string, input map[string]interface{}, requestID string, done <-chan struct{}) (Decision, error) {
	m.mu.Lock()
	mode := m.mode

	switch mode {
	case ModeAllow:
		m.mu.Unlock()
		return Allow(input), nil

	case ModeDeny:
		m.mu.Unlock()
		return Deny("mode=deny", false), nil

	case ModeCached:
		key := canonicalize(toolName, input)
		if entry, ok := m.cache[key]; ok && time.Now().Before(entry.expires) {
			m.mu.Unlock()
			return entry.decision, nil
		}

	case ModeCustom:
		if behavior, ok := m.rules[toolName]; ok {
			m.mu.Unlock()
			if behavior == "deny" {
				return Deny(fmt.Sprintf("rule denies %s", toolName), false), nil
			}
			return Allow(input), nil
		}
	}

	future := NewOneShot[Decision]()
	m.pending[requestID] = &pendingRequest{
		toolName:  toolName,
		input:     input,
		future:    future,
		createdAt: time.Now(),
	}
	m.mu.Unlock()

	if m.notify != nil {
		m.notify(requestID, toolName, input)
	}

	decision, ok := future.Wait(done)
	if !ok {
		return Decision{}, fmt.Errorf("permission: request %s cancelled", requestID)
	}

	if decision.Behavior == "allow" && decision.UpdatedInput == nil {
		decision.UpdatedInput = input
	}

	if mode == ModeCached {
		m.mu.Lock()
		m.cache[canonicalize(toolName, input)] = cacheEntry{
			decision: decision,
			expires:  time.Now().Add(m.cacheTTL),
		}
		m.mu.Unlock()
	}

	return decision, nil
}

// Resolve completes the pending request under requestID. For an allow
// decision with no UpdatedInput, it fills it with the originally
// submitted input — the decision is never forwarded with a null
// input. Resolve is a no-op if requestID is unknown (already resolved
// or never registered).
func (m *Manager) Resolve(requestID string, decision Decision) {
	m.mu.Lock()
	req, ok := m.pending[requestID]
	if ok {
		delete(m.pending, requestID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	if decision.Behavior == "allow" && decision.UpdatedInput == nil {
		decision.UpdatedInput = req.input
	}
	req.future.Resolve(decision)
}

// Interrupt resolves every pending request for this manager with a
// deny decision, used when a session-level interrupt propagates to
// the subprocess and transitively cancels any outstanding prompts.
func (m *Manager) Interrupt() {
	m.mu.Lock()
	pending := m.pending
	m.pending = make(map[string]*pendingRequest)
	m.mu.Unlock()

	for _, req := range pending {
		req.future.Resolve(Deny("interrupted", true))
	}
}

// HasPending reports whether any permission request is awaiting a
// client decision.
func (m *Manager) HasPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending) > 0
}
