// Package route implements the translation proxy's credential
// registry: an opaque-token-keyed mapping to provider configuration,
// with a two-slot (current, pending) staging area so credential
// rotation never lands mid-turn. Get performs the deferred swap, so a
// turn that already read its Config is unaffected by a concurrent
// Update.
package route

import (
	"errors"
	"sync"
)

// ErrUnknownToken is returned by Update for a token that was never
// registered (Get reports the same case with ok == false).
var ErrUnknownToken = errors.New("route: unknown token")

// Config is the provider configuration registered under a token.
type Config struct {
	Provider          string
	BaseURL           string
	APIKey            string
	Model             string
	AuthMethod        string // "api_key" | "oauth"
	ExtraHeaders      map[string]string
	AzureDeployment   string
	AzureAPIVersion   string
	SystemInstruction string
	Label             string // diagnostics only, not invariant-bearing
}

type entry struct {
	current Config
	pending *Config
}

// Registry owns every token's current/pending route state.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register creates or queues the initial configuration for a token.
// If the token is new, cfg becomes current immediately (there is no
// in-flight turn to protect yet). If the token already exists,
// Register behaves like Update — it queues cfg as pending.
func (r *Registry) Register(token string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[token]
	if !ok {
		r.entries[token] = &entry{current: cfg}
		return
	}
	pending := cfg
	e.pending = &pending
}

// Update always queues cfg as pending; it never mutates current
// directly, so an in-flight turn using the current credentials is
// never affected.
func (r *Registry) Update(token string, cfg Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[token]
	if !ok {
		return ErrUnknownToken
	}
	pending := cfg
	e.pending = &pending
	return nil
}

// Get performs the deferred swap (if a pending config is queued, it
// becomes current and is cleared) and returns the resulting current
// config. The swap happens here, on read, not when Update is called —
// this is what defers credential rotation to the next turn boundary.
func (r *Registry) Get(token string) (Config, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[token]
	if !ok {
		return Config{}, false
	}
	if e.pending != nil {
		e.current = *e.pending
		e.pending = nil
	}
	return e.current, true
}

// Unregister removes a token entirely, used on session destroy.
func (r *Registry) Unregister(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, token)
}
