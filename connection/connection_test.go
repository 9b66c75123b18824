package connection

import (
	"testing"
	"time"
)

func newTestConn(id string, connectedAt time.Time) *Connection {
	return &Connection{
		ID:          id,
		Send:        make(chan []byte, 4),
		ConnectedAt: connectedAt,
	}
}

func TestAttachWithinCapSucceeds(t *testing.T) {
	r := NewRegistry(3)
	base := time.Now()
	for i, id := range []string{"c1", "c2", "c3"} {
		conn := newTestConn(id, base.Add(time.Duration(i)*time.Second))
		r.Add(conn)
		if evicted := r.Attach(id, "s1"); evicted != nil {
			t.Fatalf("unexpected eviction for %s", id)
		}
	}

	succeeded, failed := r.SendToSession("s1", []byte("hi"))
	if succeeded != 3 || failed != 0 {
		t.Fatalf("expected 3 succeeded, 0 failed, got %d/%d", succeeded, failed)
	}
}

func TestAttachOverCapEvictsOldest(t *testing.T) {
	r := NewRegistry(2)
	base := time.Now()
	c1 := newTestConn("c1", base)
	c2 := newTestConn("c2", base.Add(time.Second))
	c3 := newTestConn("c3", base.Add(2*time.Second))
	r.Add(c1)
	r.Add(c2)
	r.Add(c3)

	r.Attach("c1", "s1")
	r.Attach("c2", "s1")
	evicted := r.Attach("c3", "s1")

	if evicted == nil || evicted.ID != "c1" {
		t.Fatalf("expected c1 (oldest) evicted, got %+v", evicted)
	}

	succeeded, _ := r.SendToSession("s1", []byte("x"))
	if succeeded != 2 {
		t.Fatalf("expected 2 remaining connections, got %d", succeeded)
	}
}

func TestDetachLeavesConnectionAlive(t *testing.T) {
	r := NewRegistry(3)
	c1 := newTestConn("c1", time.Now())
	r.Add(c1)
	r.Attach("c1", "s1")
	r.Attach("c1", "s2")

	r.Detach("c1", "s1")

	succeeded, _ := r.SendToSession("s1", []byte("x"))
	if succeeded != 0 {
		t.Fatalf("expected s1 to have no connections after detach, got %d", succeeded)
	}
	succeeded, _ = r.SendToSession("s2", []byte("x"))
	if succeeded != 1 {
		t.Fatalf("expected s2 still served by c1, got %d", succeeded)
	}
	if c1.IsClosed() {
		t.Fatal("detach must not close the connection")
	}
}

func TestRemoveReturnsAffectedSessions(t *testing.T) {
	r := NewRegistry(3)
	c1 := newTestConn("c1", time.Now())
	r.Add(c1)
	r.Attach("c1", "s1")
	r.Attach("c1", "s2")

	affected := r.Remove("c1")
	if len(affected) != 2 {
		t.Fatalf("expected 2 affected sessions, got %v", affected)
	}
	if !c1.IsClosed() {
		t.Fatal("expected connection to be marked closed")
	}
}

func TestSendToSessionNoConnectionsReturnsZeroZero(t *testing.T) {
	r := NewRegistry(3)
	succeeded, failed := r.SendToSession("nope", []byte("x"))
	if succeeded != 0 || failed != 0 {
		t.Fatalf("expected 0/0 for unknown session, got %d/%d", succeeded, failed)
	}
}

func TestSendToSessionFullBufferCountsFailedAndRemoves(t *testing.T) {
	r := NewRegistry(3)
	c1 := &Connection{ID: "c1", Send: make(chan []byte), ConnectedAt: time.Now()}
	r.Add(c1)
	r.Attach("c1", "s1")

	succeeded, failed := r.SendToSession("s1", []byte("x"))
	if succeeded != 0 || failed != 1 {
		t.Fatalf("expected 0 succeeded, 1 failed for unbuffered full channel, got %d/%d", succeeded, failed)
	}

	affected := r.Remove("c1")
	if len(affected) != 0 {
		t.Fatalf("expected connection already removed by failed send, got affected=%v", affected)
	}
}

func TestSweepIdleRemovesStaleConnections(t *testing.T) {
	r := NewRegistry(3)
	c1 := newTestConn("c1", time.Now())
	c1.lastActivity = time.Now().Add(-time.Hour)
	c2 := newTestConn("c2", time.Now())
	c2.Touch()
	r.Add(c1)
	r.Add(c2)
	r.Attach("c1", "s1")
	r.Attach("c2", "s1")

	r.SweepIdle(time.Minute)

	succeeded, _ := r.SendToSession("s1", []byte("x"))
	if succeeded != 1 {
		t.Fatalf("expected only c2 to survive the idle sweep, got %d live sends", succeeded)
	}
}
