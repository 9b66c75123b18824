package wire

import (
	"strings"
	"testing"
)

func TestNewToolUseIDShape(t *testing.T) {
	id := NewToolUseID()
	if !strings.HasPrefix(id, "toolu_") {
		t.Fatalf("expected toolu_ prefix, got %q", id)
	}
	if n := len(strings.TrimPrefix(id, "toolu_")); n != 24 {
		t.Fatalf("expected 24-character suffix, got %d (%q)", n, id)
	}
}

func TestToolIDMapRoundTrip(t *testing.T) {
	m := NewToolIDMap()

	first := m.Mint("call_abc123", "search_files")
	if !strings.HasPrefix(first, "toolu_") {
		t.Fatalf("expected synthesized id, got %q", first)
	}

	// Minting the same upstream id again must return the same
	// synthesized id rather than a fresh one, so the client's later
	// tool_result translates back to the one upstream call it answers.
	again := m.Mint("call_abc123", "search_files")
	if again != first {
		t.Fatalf("expected stable id for repeated mint, got %q then %q", first, again)
	}

	upstream, ok := m.Upstream(first)
	if !ok || upstream != "call_abc123" {
		t.Fatalf("expected reverse lookup to %q, got %q (ok=%v)", "call_abc123", upstream, ok)
	}

	name, ok := m.ToolName(first)
	if !ok || name != "search_files" {
		t.Fatalf("expected tool name %q, got %q (ok=%v)", "search_files", name, ok)
	}

	if _, ok := m.Upstream("toolu_unknown0000000000000"); ok {
		t.Fatal("expected lookup miss for an id never minted")
	}
}

func TestToolIDMapDistinctUpstreamIDsGetDistinctToolIDs(t *testing.T) {
	m := NewToolIDMap()
	a := m.Mint("call_a", "search_files")
	b := m.Mint("call_b", "search_files")
	if a == b {
		t.Fatalf("expected distinct synthesized ids for distinct upstream calls, got %q twice", a)
	}
}
