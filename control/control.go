// Package control implements the permission control-channel
// interceptor: a decorator over a transport.Transport that speaks the
// LLM-CLI's control_request/control_response protocol well enough to
// divert can_use_tool prompts to the permission manager and consume
// control_response echoes of our own outbound requests, while every
// other message passes through unchanged.
package control

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tabrelay/broker/log"
	"github.com/tabrelay/broker/permission"
	"github.com/tabrelay/broker/transport"
)

// request/response wire shapes, mirroring the LLM-CLI's control
// protocol envelopes.
type controlRequestEnvelope struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	Request   map[string]any `json:"request"`
}

type controlResponseEnvelope struct {
	Type     string          `json:"type"`
	Response controlResponse `json:"response"`
}

type controlResponse struct {
	Subtype   string         `json:"subtype"`
	RequestID string         `json:"request_id"`
	Response  map[string]any `json:"response,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Interceptor wraps a transport.Transport, implementing the same
// interface so it can be substituted transparently anywhere a
// Transport is expected (the standard decorator pattern the source's
// runtime monkey-patching collapses to).
type Interceptor struct {
	inner transport.Transport
	tabID string
	perm  *permission.Manager

	out  chan []byte
	errs chan error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Wrap constructs an Interceptor over inner, routing can_use_tool
// control requests to perm and minting broker-side request ids of the
// form "{tab_id}:{8-hex}" — the tab prefix is the routing key back to
// the originating session.
func Wrap(inner transport.Transport, tabID string, perm *permission.Manager) *Interceptor {
	return &Interceptor{
		inner: inner,
		tabID: tabID,
		perm:  perm,
		out:   make(chan []byte, 100),
		errs:  make(chan error, 10),
	}
}

// Connect starts the inner transport and the interception loop.
func (i *Interceptor) Connect(ctx context.Context) error {
	if err := i.inner.Connect(ctx); err != nil {
		return err
	}
	i.ctx, i.cancel = context.WithCancel(ctx)
	i.wg.Add(1)
	go i.loop()
	return nil
}

func (i *Interceptor) loop() {
	defer i.wg.Done()
	defer close(i.out)

	innerErrs := i.inner.Errors()
	for {
		select {
		case <-i.ctx.Done():
			return

		case data, ok := <-i.inner.ReadMessages():
			if !ok {
				return
			}
			i.route(data)

		case err, ok := <-innerErrs:
			if !ok {
				innerErrs = nil // closed; a nil channel blocks forever
				continue
			}
			select {
			case i.errs <- err:
			case <-i.ctx.Done():
			}
		}
	}
}

func (i *Interceptor) route(data []byte) {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &base); err != nil {
		log.Debug().Err(err).Msg("control: failed to parse message type")
		i.forward(data)
		return
	}

	switch base.Type {
	case "control_request":
		var env controlRequestEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Debug().Err(err).Msg("control: failed to parse control_request")
			return
		}
		subtype, _ := env.Request["subtype"].(string)
		if subtype == "can_use_tool" {
			go i.handleCanUseTool(env.RequestID, env.Request)
			return
		}
		// Every other control_request subtype (set_permission_mode,
		// set_model, interrupt, hook_callback, ...) passes through
		// unchanged to the consumer.
		i.forward(data)

	case "control_response":
		// Echo of a request we sent the CLI ourselves; consumed here,
		// never forwarded to the session's event stream.
		log.Debug().Str("tabId", i.tabID).Msg("control: consumed control_response")

	default:
		i.forward(data)
	}
}

func (i *Interceptor) forward(data []byte) {
	select {
	case i.out <- data:
	case <-i.ctx.Done():
	}
}

func (i *Interceptor) handleCanUseTool(cliRequestID string, request map[string]any) {
	toolName, _ := request["tool_name"].(string)
	input, _ := request["input"].(map[string]interface{})
	if input == nil {
		input = map[string]interface{}{}
	}

	brokerRequestID := fmt.Sprintf("%s:%s", i.tabID, shortHex())

	decision, err := i.perm.GetPermission(toolName, input, brokerRequestID, i.ctx.Done())
	if err != nil {
		log.Debug().Err(err).Str("requestId", brokerRequestID).Msg("control: permission request cancelled")
		return
	}

	var resp map[string]any
	if decision.Behavior == "allow" {
		resp = map[string]any{
			"behavior":     "allow",
			"updatedInput": decision.UpdatedInput,
		}
	} else {
		resp = map[string]any{
			"behavior":  "deny",
			"message":   decision.Message,
			"interrupt": decision.Interrupt,
		}
	}

	i.sendControlResponse(cliRequestID, resp)
}

func (i *Interceptor) sendControlResponse(cliRequestID string, response map[string]any) {
	env := controlResponseEnvelope{
		Type: "control_response",
		Response: controlResponse{
			Subtype:   "success",
			RequestID: cliRequestID,
			Response:  response,
		},
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("control: failed to marshal control_response")
		return
	}
	if err := i.inner.Write(string(data) + "\n"); err != nil {
		log.Error().Err(err).Str("requestId", cliRequestID).Msg("control: failed to write control_response")
	}
}

func shortHex() string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// Write sends a raw line to the subprocess's stdin, unchanged.
func (i *Interceptor) Write(data string) error { return i.inner.Write(data) }

// ReadMessages returns the interceptor's filtered output stream.
func (i *Interceptor) ReadMessages() <-chan []byte { return i.out }

// Errors returns the inner transport's error stream.
func (i *Interceptor) Errors() <-chan error { return i.errs }

// EndInput closes stdin, signalling EOF to the subprocess.
func (i *Interceptor) EndInput() error { return i.inner.EndInput() }

// Close tears down the interception loop and the inner transport.
func (i *Interceptor) Close() error {
	if i.cancel != nil {
		i.cancel()
	}
	err := i.inner.Close()
	i.wg.Wait()
	return err
}

// IsConnected reports whether the inner transport is connected.
func (i *Interceptor) IsConnected() bool { return i.inner.IsConnected() }

// SignalShutdown marks the inner transport as shutting down.
func (i *Interceptor) SignalShutdown() { i.inner.SignalShutdown() }

var _ transport.Transport = (*Interceptor)(nil)
