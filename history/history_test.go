package history

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSession(t *testing.T, root, cwd, sessionID string, lines []string) {
	t.Helper()
	dir := filepath.Join(root, SanitizeCWD(cwd))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("failed to create session dir: %v", err)
	}
	path := filepath.Join(dir, sessionID+".jsonl")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write session file: %v", err)
	}
}

func TestSanitizeCWDReplacesSlashes(t *testing.T) {
	if got := SanitizeCWD("/Users/foo/bar"); got != "-Users-foo-bar" {
		t.Fatalf("expected -Users-foo-bar, got %s", got)
	}
}

func TestListExtractsMetadataAndPreview(t *testing.T) {
	root := t.TempDir()
	cwd := "/home/dev/project"
	writeSession(t, root, cwd, "sess-1", []string{
		`{"sessionId":"sess-1","cwd":"/home/dev/project","gitBranch":"main","timestamp":"2026-07-29T00:00:00Z"}`,
		`{"type":"user","userType":"external","message":{"content":"hello there"}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}`,
	})

	store := New(root)
	entries, err := store.List(cwd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.SessionID != "sess-1" {
		t.Fatalf("expected sessionId sess-1, got %s", e.SessionID)
	}
	if e.GitBranch != "main" {
		t.Fatalf("expected gitBranch main, got %s", e.GitBranch)
	}
	if e.Preview != "hello there" {
		t.Fatalf("expected preview 'hello there', got %q", e.Preview)
	}
}

func TestListReturnsNilForMissingDirectory(t *testing.T) {
	store := New(t.TempDir())
	entries, err := store.List("/never/written")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entries != nil {
		t.Fatalf("expected nil entries for missing directory, got %+v", entries)
	}
}

func TestLoadSlicesFromSecondToLastExternalUserLine(t *testing.T) {
	root := t.TempDir()
	cwd := "/home/dev/project"
	lines := []string{
		`{"sessionId":"sess-1","cwd":"/home/dev/project"}`,
		`{"type":"user","userType":"external","seq":1}`,
		`{"type":"assistant","seq":2}`,
		`{"type":"user","userType":"external","seq":3}`,
		`{"type":"assistant","seq":4}`,
		`{"type":"user","userType":"external","seq":5}`,
		`{"type":"assistant","seq":6}`,
	}
	writeSession(t, root, cwd, "sess-1", lines)

	store := New(root)
	replay, err := store.Load(cwd, "sess-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Second-to-last external-user line is the seq:3 line (index 3);
	// replay should run from there to EOF: 4 lines.
	if len(replay) != 4 {
		t.Fatalf("expected 4 replay lines, got %d", len(replay))
	}
	if string(replay[0]) != lines[3] {
		t.Fatalf("expected replay to start at %q, got %q", lines[3], replay[0])
	}
}

func TestLoadReturnsWholeFileWhenFewerThanTwoExternalUserLines(t *testing.T) {
	root := t.TempDir()
	cwd := "/home/dev/project"
	lines := []string{
		`{"sessionId":"sess-1","cwd":"/home/dev/project"}`,
		`{"type":"user","userType":"external","seq":1}`,
		`{"type":"assistant","seq":2}`,
	}
	writeSession(t, root, cwd, "sess-1", lines)

	store := New(root)
	replay, err := store.Load(cwd, "sess-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(replay) != len(lines) {
		t.Fatalf("expected the full file (%d lines) when fewer than two external-user lines exist, got %d", len(lines), len(replay))
	}
}
