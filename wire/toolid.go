package wire

import (
	"crypto/rand"
)

const toolIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_-"

// NewToolUseID synthesizes an Anthropic-shaped tool-use id:
// "toolu_" followed by 24 url-safe alphanumeric characters.
func NewToolUseID() string {
	buf := make([]byte, 24)
	_, _ = rand.Read(buf)
	out := make([]byte, 24)
	for i, b := range buf {
		out[i] = toolIDAlphabet[int(b)%len(toolIDAlphabet)]
	}
	return "toolu_" + string(out)
}

// ToolIDMap tracks, for a single request/response cycle, the mapping
// between upstream-native tool-call ids and the synthesized
// Anthropic-shaped toolu_ ids the client sees. The reverse mapping is
// consulted when the client's next tool_result needs to be translated
// back into the upstream id shape.
type ToolIDMap struct {
	toAnthropic map[string]string // upstream id -> toolu_ id
	toUpstream  map[string]string // toolu_ id -> upstream id
	toolNames   map[string]string // toolu_ id -> original tool name (Codex reverse-name lookup)
}

// NewToolIDMap returns an empty mapping.
func NewToolIDMap() *ToolIDMap {
	return &ToolIDMap{
		toAnthropic: make(map[string]string),
		toUpstream:  make(map[string]string),
		toolNames:   make(map[string]string),
	}
}

// Mint records a new upstream id and returns the synthesized toolu_ id
// for it, minting one if this upstream id hasn't been seen yet.
func (m *ToolIDMap) Mint(upstreamID, toolName string) string {
	if existing, ok := m.toAnthropic[upstreamID]; ok {
		return existing
	}
	anthropicID := NewToolUseID()
	m.toAnthropic[upstreamID] = anthropicID
	m.toUpstream[anthropicID] = upstreamID
	m.toolNames[anthropicID] = toolName
	return anthropicID
}

// Upstream resolves a toolu_ id back to the upstream-native id it was
// minted for. ok is false if the id is unknown to this map.
func (m *ToolIDMap) Upstream(toolUseID string) (string, bool) {
	v, ok := m.toUpstream[toolUseID]
	return v, ok
}

// ToolName resolves the original tool name for a toolu_ id.
func (m *ToolIDMap) ToolName(toolUseID string) (string, bool) {
	v, ok := m.toolNames[toolUseID]
	return v, ok
}
