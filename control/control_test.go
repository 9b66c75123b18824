package control

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tabrelay/broker/permission"
)

// fakeTransport is an in-memory Transport: messages pushed into in
// appear on ReadMessages, and every Write is recorded.
type fakeTransport struct {
	mu      sync.Mutex
	in      chan []byte
	errs    chan error
	written []string
	closed  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:   make(chan []byte, 16),
		errs: make(chan error, 1),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error { return nil }

func (f *fakeTransport) Write(data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, data)
	return nil
}

func (f *fakeTransport) ReadMessages() <-chan []byte { return f.in }
func (f *fakeTransport) Errors() <-chan error        { return f.errs }
func (f *fakeTransport) EndInput() error             { return nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.in)
	}
	return nil
}

func (f *fakeTransport) IsConnected() bool { return true }
func (f *fakeTransport) SignalShutdown()   {}

func (f *fakeTransport) writtenLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.written))
	copy(out, f.written)
	return out
}

func waitForWrite(t *testing.T, ft *fakeTransport) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if lines := ft.writtenLines(); len(lines) > 0 {
			return lines[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a control_response write")
	return ""
}

func readForwarded(t *testing.T, i *Interceptor) []byte {
	t.Helper()
	select {
	case data, ok := <-i.ReadMessages():
		if !ok {
			t.Fatal("interceptor output closed unexpectedly")
		}
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a forwarded message")
	}
	return nil
}

func TestCanUseToolRoundTrip(t *testing.T) {
	ft := newFakeTransport()

	notified := make(chan string, 1)
	perm := permission.NewManager(permission.ModePrompt, time.Minute, func(requestID, toolName string, input map[string]interface{}) {
		if toolName != "Bash" {
			t.Errorf("expected toolName Bash, got %s", toolName)
		}
		if input["cmd"] != "ls" {
			t.Errorf("expected original input forwarded, got %v", input)
		}
		notified <- requestID
	})

	i := Wrap(ft, "t1", perm)
	if err := i.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer i.Close()

	ft.in <- []byte(`{"type":"control_request","request_id":"R1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"cmd":"ls"}}}`)

	var brokerID string
	select {
	case brokerID = <-notified:
	case <-time.After(2 * time.Second):
		t.Fatal("permission prompt never fired")
	}

	if !strings.HasPrefix(brokerID, "t1:") {
		t.Fatalf("broker request id %q must start with the tab id", brokerID)
	}
	if suffix := strings.TrimPrefix(brokerID, "t1:"); len(suffix) != 8 {
		t.Fatalf("broker request id suffix %q must be 8 hex chars", suffix)
	}

	perm.Resolve(brokerID, permission.Allow(nil))

	line := waitForWrite(t, ft)
	var env struct {
		Type     string `json:"type"`
		Response struct {
			Subtype   string         `json:"subtype"`
			RequestID string         `json:"request_id"`
			Response  map[string]any `json:"response"`
		} `json:"response"`
	}
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		t.Fatalf("invalid control_response line: %v", err)
	}
	if env.Type != "control_response" || env.Response.RequestID != "R1" {
		t.Fatalf("response must echo the CLI's request id, got %+v", env)
	}
	if env.Response.Response["behavior"] != "allow" {
		t.Fatalf("expected allow, got %v", env.Response.Response)
	}
	updated, _ := env.Response.Response["updatedInput"].(map[string]any)
	if updated["cmd"] != "ls" {
		t.Fatalf("allow with no updated input must carry the original input, got %v", updated)
	}
}

func TestCanUseToolDenyCarriesInterrupt(t *testing.T) {
	ft := newFakeTransport()
	notified := make(chan string, 1)
	perm := permission.NewManager(permission.ModePrompt, time.Minute, func(requestID, _ string, _ map[string]interface{}) {
		notified <- requestID
	})

	i := Wrap(ft, "t1", perm)
	if err := i.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer i.Close()

	ft.in <- []byte(`{"type":"control_request","request_id":"R2","request":{"subtype":"can_use_tool","tool_name":"Write","input":{}}}`)
	brokerID := <-notified
	perm.Resolve(brokerID, permission.Deny("user said no", true))

	line := waitForWrite(t, ft)
	var env struct {
		Response struct {
			RequestID string         `json:"request_id"`
			Response  map[string]any `json:"response"`
		} `json:"response"`
	}
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		t.Fatal(err)
	}
	if env.Response.Response["behavior"] != "deny" {
		t.Fatalf("expected deny, got %v", env.Response.Response)
	}
	if env.Response.Response["interrupt"] != true {
		t.Fatalf("deny must carry interrupt, got %v", env.Response.Response)
	}
	if env.Response.Response["message"] != "user said no" {
		t.Fatalf("deny must carry the reason, got %v", env.Response.Response)
	}
}

func TestOtherControlRequestsPassThrough(t *testing.T) {
	ft := newFakeTransport()
	perm := permission.NewManager(permission.ModePrompt, time.Minute, nil)

	i := Wrap(ft, "t1", perm)
	if err := i.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer i.Close()

	raw := `{"type":"control_request","request_id":"R3","request":{"subtype":"set_permission_mode","mode":"plan"}}`
	ft.in <- []byte(raw)

	got := readForwarded(t, i)
	if string(got) != raw {
		t.Fatalf("set_permission_mode must pass through unchanged, got %s", got)
	}
}

func TestControlResponseConsumedAndEventsForwarded(t *testing.T) {
	ft := newFakeTransport()
	perm := permission.NewManager(permission.ModePrompt, time.Minute, nil)

	i := Wrap(ft, "t1", perm)
	if err := i.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer i.Close()

	ft.in <- []byte(`{"type":"control_response","response":{"subtype":"success","request_id":"req_1"}}`)
	event := `{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}`
	ft.in <- []byte(event)

	// The control_response must be swallowed: the first forwarded
	// message is the assistant event.
	got := readForwarded(t, i)
	if string(got) != event {
		t.Fatalf("expected the assistant event (control_response consumed), got %s", got)
	}
}
