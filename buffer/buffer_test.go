package buffer

import (
	"testing"
	"time"
)

func TestAppendAndSince(t *testing.T) {
	b := New(1000, 300*time.Second, 100)

	b.Append("s1", Message{Seq: 1, Content: "a", Timestamp: time.Now()})
	b.Append("s1", Message{Seq: 2, Content: "b", Timestamp: time.Now()})
	b.Append("s1", Message{Seq: 3, Content: "c", Timestamp: time.Now()})

	since := b.Since("s1", 1)
	if len(since) != 2 {
		t.Fatalf("expected 2 messages since seq 1, got %d", len(since))
	}
	if since[0].Seq != 2 || since[1].Seq != 3 {
		t.Fatalf("expected seqs [2,3] in order, got [%d,%d]", since[0].Seq, since[1].Seq)
	}
}

func TestAckUpTo(t *testing.T) {
	b := New(1000, 300*time.Second, 100)
	b.Append("s1", Message{Seq: 1})
	b.Append("s1", Message{Seq: 2})
	b.Append("s1", Message{Seq: 3})

	count := b.AckUpTo("s1", 2)
	if count != 2 {
		t.Fatalf("expected 2 newly-acked messages, got %d", count)
	}

	// Re-acking the same range should be a no-op.
	if count := b.AckUpTo("s1", 2); count != 0 {
		t.Fatalf("expected idempotent re-ack to mark 0, got %d", count)
	}
}

func TestRingBoundEviction(t *testing.T) {
	b := New(3, 300*time.Second, 100)
	for seq := uint64(1); seq <= 5; seq++ {
		b.Append("s1", Message{Seq: seq})
	}

	since := b.Since("s1", 0)
	if len(since) != 3 {
		t.Fatalf("expected ring bound to cap at 3 messages, got %d", len(since))
	}
	if since[0].Seq != 3 {
		t.Fatalf("expected oldest retained seq to be 3, got %d", since[0].Seq)
	}
}

func TestRetentionFloorKeepsMostRecentAcked(t *testing.T) {
	b := New(1000, 1*time.Millisecond, 2)

	old := time.Now().Add(-time.Hour)
	b.Append("s1", Message{Seq: 1, Timestamp: old})
	b.Append("s1", Message{Seq: 2, Timestamp: old})
	b.Append("s1", Message{Seq: 3, Timestamp: old})
	b.AckUpTo("s1", 3)

	// Force ackedAt into the past for seq 1 by sweeping after the
	// retention window has already elapsed (1ms).
	time.Sleep(2 * time.Millisecond)
	b.sweepOnce()

	since := b.Since("s1", 0)
	if len(since) != 2 {
		t.Fatalf("expected retention floor of 2 messages to survive, got %d", len(since))
	}
}

func TestClear(t *testing.T) {
	b := New(1000, 300*time.Second, 100)
	b.Append("s1", Message{Seq: 1})
	b.Clear("s1")

	if since := b.Since("s1", 0); len(since) != 0 {
		t.Fatalf("expected empty buffer after Clear, got %d messages", len(since))
	}
}
