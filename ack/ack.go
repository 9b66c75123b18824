// Package ack implements the per-session bidirectional sequence-number
// bookkeeping for the mobile control channel: outbound cumulative-ack
// tracking plus inbound ordered processing with a reorder buffer for
// frames that arrive ahead of the expected sequence.
package ack

import "sync"

// SyncStatus reports the outbound-delivery state of a session.
type SyncStatus struct {
	PendingCount int
	LastAcked    uint64
	Synced       bool
}

// Frame is an opaque inbound frame payload; the ack engine never
// inspects its contents, only buffers and releases it in order.
type Frame = interface{}

// state is the per-session bookkeeping record.
type state struct {
	// outbound (broker -> client)
	nextSeq         uint64
	lastAcked       uint64
	pendingOutbound map[uint64]struct{}

	// inbound (client -> broker)
	lastSentAck   uint64
	reorderBuffer map[uint64]Frame
}

// Engine owns the per-session ack state for every live session.
type Engine struct {
	mu    sync.RWMutex
	sessions map[string]*state
}

// NewEngine returns an empty Engine.
func NewEngine() *Engine {
	return &Engine{sessions: make(map[string]*state)}
}

func (e *Engine) get(sessionID string) *state {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionID]
	if !ok {
		s = &state{
			pendingOutbound: make(map[uint64]struct{}),
			reorderBuffer:   make(map[uint64]Frame),
		}
		e.sessions[sessionID] = s
	}
	return s
}

// Remove discards all ack state for a destroyed session.
func (e *Engine) Remove(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, sessionID)
}

// NextSeq allocates the next outbound sequence number for a session
// and records it as pending (not yet acked by the client).
func (e *Engine) NextSeq(sessionID string) uint64 {
	s := e.get(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	s.nextSeq++
	seq := s.nextSeq
	s.pendingOutbound[seq] = struct{}{}
	return seq
}

// AckFromClient removes every pending outbound seq <= seq (cumulative
// ack) and advances the last-acked watermark.
func (e *Engine) AckFromClient(sessionID string, seq uint64) {
	s := e.get(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	for pending := range s.pendingOutbound {
		if pending <= seq {
			delete(s.pendingOutbound, pending)
		}
	}
	if seq > s.lastAcked {
		s.lastAcked = seq
	}
}

// SyncStatus reports the outbound delivery state of a session.
func (e *Engine) SyncStatus(sessionID string) SyncStatus {
	s := e.get(sessionID)
	e.mu.RLock()
	defer e.mu.RUnlock()
	return SyncStatus{
		PendingCount: len(s.pendingOutbound),
		LastAcked:    s.lastAcked,
		Synced:       len(s.pendingOutbound) == 0,
	}
}

// LastAcked returns the highest outbound seq the client has
// acknowledged, used to drive reconnect replay.
func (e *Engine) LastAcked(sessionID string) uint64 {
	s := e.get(sessionID)
	e.mu.RLock()
	defer e.mu.RUnlock()
	return s.lastAcked
}

// ResetInbound clears inbound tracking on reconnect: the client
// restarts its outbound numbering at 1, so the broker's expectation
// and reorder buffer must be reset. Outbound tracking is untouched;
// replay is driven by the client's reported last-received seq.
func (e *Engine) ResetInbound(sessionID string) {
	s := e.get(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	s.lastSentAck = 0
	s.reorderBuffer = make(map[uint64]Frame)
}

// Processed is one (ackSeq, frame, isDuplicate) result of Process.
// Frame is nil for duplicate entries (no side effect expected) and for
// the bare acknowledgement of an out-of-order arrival that didn't
// advance anything (never produced — Process returns no entry for
// that case).
type Processed struct {
	AckSeq      uint64
	Frame       Frame
	IsDuplicate bool
}

// Process handles one inbound client_seq/frame pair per the engine's
// ordering rules: duplicates are re-acked without re-execution,
// in-order frames advance and drain any contiguous reorder-buffer
// prefix, and early frames are buffered without acking.
func (e *Engine) Process(sessionID string, clientSeq uint64, frame Frame) []Processed {
	s := e.get(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if clientSeq <= s.lastSentAck {
		return []Processed{{AckSeq: clientSeq, IsDuplicate: true}}
	}

	if clientSeq != s.lastSentAck+1 {
		s.reorderBuffer[clientSeq] = frame
		return nil
	}

	var out []Processed
	s.lastSentAck = clientSeq
	out = append(out, Processed{AckSeq: clientSeq, Frame: frame})
	delete(s.reorderBuffer, clientSeq)

	for {
		next := s.lastSentAck + 1
		buffered, ok := s.reorderBuffer[next]
		if !ok {
			break
		}
		delete(s.reorderBuffer, next)
		s.lastSentAck = next
		out = append(out, Processed{AckSeq: next, Frame: buffered})
	}

	return out
}
