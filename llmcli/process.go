// Package llmcli spawns and drives the LLM-CLI subprocess for one
// session: it wires ANTHROPIC_BASE_URL/ANTHROPIC_API_KEY at the
// translation proxy's loopback address, wraps the raw subprocess
// transport with the permission control-channel interceptor, and
// exposes the narrow SubprocessController capability the session
// package depends on.
package llmcli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tabrelay/broker/control"
	"github.com/tabrelay/broker/log"
	"github.com/tabrelay/broker/permission"
	"github.com/tabrelay/broker/session"
	"github.com/tabrelay/broker/transport"
)

// Options configures a subprocess for one session.
type Options struct {
	CliPath      string
	Cwd          string
	SystemPrompt string

	PermissionMode session.PermissionMode

	Model         string
	FallbackModel string

	Resume               string
	ResumeAtMessageUUID  string
	ContinueConversation bool

	AddDirs []string

	// ProxyBaseURL is the translation proxy's loopback base URL
	// (e.g. http://127.0.0.1:12399); the subprocess's Anthropic client
	// is pointed at it via ANTHROPIC_BASE_URL.
	ProxyBaseURL string
	// RouteToken is this session's opaque bearer token, set as
	// ANTHROPIC_API_KEY so the proxy can resolve it to a route.Config.
	RouteToken string
}

// InitCallback fires once, when the CLI's first system/init event is
// observed, carrying the CLI's own session id (used for resume / edit
// branching).
type InitCallback func(claudeSessionID string)

// Process drives one LLM-CLI subprocess and implements
// session.SubprocessController (the session package depends only on
// that narrow interface, not on this package, to avoid an import
// cycle — Process satisfies it structurally).
type Process struct {
	opts  Options
	tabID string

	xport *control.Interceptor

	events chan []byte

	onInit   InitCallback
	initOnce sync.Once

	requestCounter atomic.Uint64

	mu      sync.Mutex
	started bool
}

// New constructs a Process for the given session/tab, wrapping a
// fresh subprocess transport with the permission interceptor.
func New(tabID string, opts Options, perm *permission.Manager, onInit InitCallback) *Process {
	extraArgs := make(map[string]*string)
	if opts.Resume != "" && opts.ResumeAtMessageUUID != "" {
		uuid := opts.ResumeAtMessageUUID
		extraArgs["resume-session-at"] = &uuid
	}
	if opts.PermissionMode == session.PermissionModeBypassPermissions {
		extraArgs["dangerously-skip-permissions"] = nil
	}

	base, _ := transport.NewSubprocess(transport.Options{
		SystemPrompt:             opts.SystemPrompt,
		PermissionMode:           string(opts.PermissionMode),
		PermissionPromptToolName: "stdio",
		Resume:                   opts.Resume,
		ContinueConversation:     opts.ContinueConversation,
		Model:                    opts.Model,
		FallbackModel:            opts.FallbackModel,
		Cwd:                      opts.Cwd,
		CliPath:                  opts.CliPath,
		AddDirs:                  opts.AddDirs,
		ExtraArgs:                extraArgs,
		IncludePartialMessages:   true,
		Env: map[string]string{
			"ANTHROPIC_BASE_URL": opts.ProxyBaseURL,
			"ANTHROPIC_API_KEY":  opts.RouteToken,
		},
	})

	return &Process{
		opts:   opts,
		tabID:  tabID,
		xport:  control.Wrap(base, tabID, perm),
		events: make(chan []byte, 200),
		onInit: onInit,
	}
}

// Start connects the subprocess and begins relaying its events.
func (p *Process) Start() error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("llmcli: already started")
	}
	p.started = true
	p.mu.Unlock()

	if err := p.xport.Connect(context.Background()); err != nil {
		return fmt.Errorf("llmcli: connect: %w", err)
	}

	go p.relay()
	return nil
}

func (p *Process) relay() {
	defer close(p.events)
	errs := p.xport.Errors()
	for {
		select {
		case data, ok := <-p.xport.ReadMessages():
			if !ok {
				return
			}
			p.observeInit(data)
			select {
			case p.events <- data:
			default:
				log.Warn().Str("tabId", p.tabID).Msg("llmcli: event channel full, dropping event")
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil // closed; a nil channel blocks forever
				continue
			}
			log.Error().Err(err).Str("tabId", p.tabID).Msg("llmcli: transport error")
		}
	}
}

// observeInit watches for the CLI's own "system"/"init" event and
// captures the CLI's session id for later resume, firing onInit once.
// No per-subprocess connection state (connecting, connected,
// streaming) is tracked; the init event only delivers the session id.
func (p *Process) observeInit(data []byte) {
	var msg struct {
		Type    string `json:"type"`
		Subtype string `json:"subtype"`
		Session string `json:"session_id"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.Type != "system" || msg.Subtype != "init" || msg.Session == "" {
		return
	}
	p.initOnce.Do(func() {
		if p.onInit != nil {
			p.onInit(msg.Session)
		}
	})
}

// Events returns the channel of raw JSON events emitted by the CLI
// (with can_use_tool control_requests already diverted).
func (p *Process) Events() <-chan []byte { return p.events }

// SendMessage submits a user turn in the CLI's stream-json input
// format.
func (p *Process) SendMessage(content string) error {
	payload := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": content,
		},
	}
	return p.writeLine(payload)
}

// SendToolResult submits a tool_result content block as the next user
// turn, used when the proxy-side translator needs the CLI to see a
// tool result it didn't originate from a control_request.
func (p *Process) SendToolResult(toolUseID, content string) error {
	payload := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{
					"type":        "tool_result",
					"tool_use_id": toolUseID,
					"content":     content,
				},
			},
		},
	}
	return p.writeLine(payload)
}

// Interrupt asks the CLI to stop its current turn.
func (p *Process) Interrupt() error {
	return p.sendControlRequest(map[string]any{"subtype": "interrupt"})
}

// SetPermissionMode changes the CLI's permission posture mid-session,
// used both for explicit client set_permission_mode frames and for
// the auto-accept sequence's post-resolve mode switch.
func (p *Process) SetPermissionMode(mode session.PermissionMode) error {
	return p.sendControlRequest(map[string]any{
		"subtype": "set_permission_mode",
		"mode":    string(mode),
	})
}

// SetModel changes the CLI's active model mid-session.
func (p *Process) SetModel(model string) error {
	req := map[string]any{"subtype": "set_model"}
	if model != "" {
		req["model"] = model
	}
	return p.sendControlRequest(req)
}

func (p *Process) sendControlRequest(request map[string]any) error {
	env := map[string]any{
		"type":       "control_request",
		"request_id": p.nextRequestID(),
		"request":    request,
	}
	return p.writeLine(env)
}

func (p *Process) nextRequestID() string {
	n := p.requestCounter.Add(1)
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("req_%d_%s", n, hex.EncodeToString(buf))
}

func (p *Process) writeLine(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("llmcli: marshal: %w", err)
	}
	return p.xport.Write(string(data) + "\n")
}

// Close tears the subprocess down.
func (p *Process) Close() error {
	p.xport.SignalShutdown()
	return p.xport.Close()
}
