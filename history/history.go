// Package history implements the read-only scanner over the LLM-CLI's
// on-disk conversation history: a flat directory of append-only
// JSON-lines files the broker only indexes and streams, never
// authors. Lines are kept as opaque json.RawMessage values, since
// every line here is forwarded to the mobile client unparsed.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tabrelay/broker/log"
)

// Entry describes one on-disk conversation file, enough to render a
// conversation list without loading the whole file.
type Entry struct {
	SessionID string `json:"sessionId"`
	CWD       string `json:"cwd"`
	GitBranch string `json:"gitBranch,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Preview   string `json:"preview,omitempty"`
	ModTime   int64  `json:"modTime"`
}

// Store scans a single root directory of sanitized-cwd subdirectories
// (the value of config.Config.HistoryRoot).
type Store struct {
	root string
}

// New returns a Store rooted at root (typically ~/.claude/projects).
func New(root string) *Store {
	return &Store{root: root}
}

// Root returns the store's root directory, used by callers that need
// to open a Watcher over the same tree.
func (s *Store) Root() string { return s.root }

// SanitizeCWD maps a working directory to its history directory name:
// every "/" becomes "-".
func SanitizeCWD(cwd string) string {
	return strings.ReplaceAll(cwd, "/", "-")
}

func (s *Store) dir(cwd string) string {
	return filepath.Join(s.root, SanitizeCWD(cwd))
}

// List enumerates every session file under cwd's directory, newest
// first, with enough metadata and a preview to render a conversation
// picker without loading full files.
func (s *Store) List(cwd string) ([]Entry, error) {
	dirPath := s.dir(cwd)
	files, err := os.ReadDir(dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("history: read dir: %w", err)
	}

	var entries []Entry
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".jsonl") {
			continue
		}
		sessionID := strings.TrimSuffix(f.Name(), ".jsonl")
		path := filepath.Join(dirPath, f.Name())

		entry, err := s.readEntry(path, sessionID)
		if err != nil {
			log.Warn().Err(err).Str("file", path).Msg("history: skipping unreadable session file")
			continue
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ModTime > entries[j].ModTime })
	return entries, nil
}

func (s *Store) readEntry(path, sessionID string) (Entry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Entry{}, err
	}

	file, err := os.Open(path)
	if err != nil {
		return Entry{}, err
	}
	defer file.Close()

	entry := Entry{SessionID: sessionID, ModTime: info.ModTime().Unix()}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	first := true
	var lastUserLine string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if first {
			first = false
			applyMetadata(&entry, line)
		}
		if isUserLine(line) {
			lastUserLine = line
		}
	}

	if lastUserLine != "" {
		entry.Preview = extractPreview(lastUserLine)
	}
	return entry, nil
}

func applyMetadata(entry *Entry, line string) {
	var meta struct {
		SessionID string `json:"sessionId"`
		CWD       string `json:"cwd"`
		GitBranch string `json:"gitBranch"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal([]byte(line), &meta); err != nil {
		return
	}
	if meta.SessionID != "" {
		entry.SessionID = meta.SessionID
	}
	entry.CWD = meta.CWD
	entry.GitBranch = meta.GitBranch
	entry.Timestamp = meta.Timestamp
}

func isUserLine(line string) bool {
	return strings.Contains(line, `"type":"user"`)
}

func isExternalUserLine(line string) bool {
	return strings.Contains(line, `"type":"user"`) && strings.Contains(line, `"userType":"external"`)
}

// extractPreview pulls a short human-readable preview out of the last
// user-turn line, returning "" if the message shape doesn't match
// what's expected.
func extractPreview(line string) string {
	var msg struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return ""
	}

	var text string
	if err := json.Unmarshal(msg.Message.Content, &text); err == nil {
		return truncate(text, 200)
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(msg.Message.Content, &blocks); err == nil {
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				return truncate(b.Text, 200)
			}
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Load reads cwd's sessionID.jsonl file and returns the replay slice:
// everything from the second-to-last external-user line
// (type:"user" and userType:"external" on the same line) to EOF. This
// bounds replay for very long conversations while preserving the
// branching context of the most recent turn. If fewer than two
// external-user lines exist, the whole file is returned.
func (s *Store) Load(cwd, sessionID string) ([]json.RawMessage, error) {
	path := filepath.Join(s.dir(cwd), sessionID+".jsonl")
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("history: open session file: %w", err)
	}
	defer file.Close()

	var allLines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		allLines = append(allLines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("history: scan session file: %w", err)
	}

	start := replayStart(allLines)

	out := make([]json.RawMessage, 0, len(allLines)-start)
	for _, line := range allLines[start:] {
		out = append(out, json.RawMessage(line))
	}
	return out, nil
}

// replayStart returns the index of the second-to-last external-user
// line, or 0 when there are fewer than two.
func replayStart(lines []string) int {
	var externalIdx []int
	for i, line := range lines {
		if isExternalUserLine(line) {
			externalIdx = append(externalIdx, i)
		}
	}
	if len(externalIdx) < 2 {
		return 0
	}
	return externalIdx[len(externalIdx)-2]
}
