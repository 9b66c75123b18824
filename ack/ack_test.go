package ack

import "testing"

func TestProcessInOrder(t *testing.T) {
	e := NewEngine()

	results := e.Process("s1", 1, "frame-1")
	if len(results) != 1 || results[0].IsDuplicate {
		t.Fatalf("expected one non-duplicate result, got %+v", results)
	}
	if results[0].AckSeq != 1 {
		t.Fatalf("expected ack seq 1, got %d", results[0].AckSeq)
	}
}

func TestProcessDuplicate(t *testing.T) {
	e := NewEngine()
	e.Process("s1", 1, "frame-1")

	results := e.Process("s1", 1, "frame-1")
	if len(results) != 1 || !results[0].IsDuplicate {
		t.Fatalf("expected duplicate re-ack, got %+v", results)
	}
}

func TestProcessOutOfOrderThenDrain(t *testing.T) {
	e := NewEngine()

	results := e.Process("s1", 2, "frame-2")
	if len(results) != 0 {
		t.Fatalf("expected no ack for out-of-order seq 2, got %+v", results)
	}

	results = e.Process("s1", 1, "frame-1")
	if len(results) != 2 {
		t.Fatalf("expected draining seq 1 then 2, got %+v", results)
	}
	if results[0].AckSeq != 1 || results[1].AckSeq != 2 {
		t.Fatalf("expected acks in order [1,2], got %+v", results)
	}
}

func TestAckFromClientCumulative(t *testing.T) {
	e := NewEngine()
	s1 := e.NextSeq("sess")
	s2 := e.NextSeq("sess")
	s3 := e.NextSeq("sess")
	_ = s1

	e.AckFromClient("sess", s2)

	status := e.SyncStatus("sess")
	if status.PendingCount != 1 {
		t.Fatalf("expected one still-pending seq (seq3=%d), got pending=%d", s3, status.PendingCount)
	}
	if status.LastAcked != s2 {
		t.Fatalf("expected last acked %d, got %d", s2, status.LastAcked)
	}
}

func TestResetInboundClearsReorderBuffer(t *testing.T) {
	e := NewEngine()
	e.Process("s1", 1, "a")
	e.Process("s1", 3, "c") // buffered, seq 2 missing

	e.ResetInbound("s1")

	// After reset, seq 1 is "new" again (client restarted its counter).
	results := e.Process("s1", 1, "a-again")
	if len(results) != 1 || results[0].IsDuplicate {
		t.Fatalf("expected seq 1 to be treated as fresh after reset, got %+v", results)
	}
}
