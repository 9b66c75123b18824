package permission

import (
	"testing"
	"time"
)

func TestAllowMode(t *testing.T) {
	m := NewManager(ModeAllow, 300*time.Second, nil)
	done := make(chan struct{})

	decision, err := m.GetPermission("Bash", map[string]interface{}{"cmd": "ls"}, "r1", done)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Behavior != "allow" {
		t.Fatalf("expected allow, got %s", decision.Behavior)
	}
}

func TestDenyMode(t *testing.T) {
	m := NewManager(ModeDeny, 300*time.Second, nil)
	done := make(chan struct{})

	decision, err := m.GetPermission("Bash", nil, "r1", done)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Behavior != "deny" {
		t.Fatalf("expected deny, got %s", decision.Behavior)
	}
}

func TestCustomModeRules(t *testing.T) {
	m := NewManager(ModeCustom, 300*time.Second, nil)
	m.SetRule("Read", "allow")
	m.SetRule("Bash", "deny")
	done := make(chan struct{})

	allowDecision, _ := m.GetPermission("Read", nil, "r1", done)
	if allowDecision.Behavior != "allow" {
		t.Fatalf("expected allow for Read, got %s", allowDecision.Behavior)
	}

	denyDecision, _ := m.GetPermission("Bash", nil, "r2", done)
	if denyDecision.Behavior != "deny" {
		t.Fatalf("expected deny for Bash, got %s", denyDecision.Behavior)
	}
}

func TestPromptModeRoundTrip(t *testing.T) {
	var notified string
	m := NewManager(ModePrompt, 300*time.Second, func(requestID, toolName string, input map[string]interface{}) {
		notified = requestID
	})
	done := make(chan struct{})

	resultCh := make(chan Decision, 1)
	go func() {
		d, _ := m.GetPermission("Bash", map[string]interface{}{"cmd": "ls"}, "t1:abcd1234", done)
		resultCh <- d
	}()

	// Give the goroutine a moment to register the pending request.
	time.Sleep(10 * time.Millisecond)
	if notified != "t1:abcd1234" {
		t.Fatalf("expected notify callback to fire with request id, got %q", notified)
	}

	m.Resolve("t1:abcd1234", Allow(nil))

	select {
	case d := <-resultCh:
		if d.Behavior != "allow" {
			t.Fatalf("expected allow decision, got %s", d.Behavior)
		}
		if d.UpdatedInput["cmd"] != "ls" {
			t.Fatalf("expected UpdatedInput to be filled with original input, got %+v", d.UpdatedInput)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for permission resolution")
	}
}

func TestInterruptResolvesPendingAsDeny(t *testing.T) {
	m := NewManager(ModePrompt, 300*time.Second, nil)
	done := make(chan struct{})

	resultCh := make(chan Decision, 1)
	go func() {
		d, _ := m.GetPermission("Bash", nil, "t1:xyz", done)
		resultCh <- d
	}()

	time.Sleep(10 * time.Millisecond)
	m.Interrupt()

	select {
	case d := <-resultCh:
		if d.Behavior != "deny" {
			t.Fatalf("expected deny after interrupt, got %s", d.Behavior)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for interrupt to resolve permission")
	}
}

func TestCachedModeHitsAfterFirstResolve(t *testing.T) {
	m := NewManager(ModeCached, 300*time.Second, func(string, string, map[string]interface{}) {})
	done := make(chan struct{})

	resultCh := make(chan Decision, 1)
	go func() {
		d, _ := m.GetPermission("Read", map[string]interface{}{"path": "a.txt"}, "r1", done)
		resultCh <- d
	}()
	time.Sleep(10 * time.Millisecond)
	m.Resolve("r1", Allow(map[string]interface{}{"path": "a.txt"}))
	<-resultCh

	// Second call with the same canonicalized input should hit cache
	// without needing a Resolve.
	decision, err := m.GetPermission("Read", map[string]interface{}{"path": "a.txt"}, "r2", done)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Behavior != "allow" {
		t.Fatalf("expected cached allow, got %s", decision.Behavior)
	}
}
