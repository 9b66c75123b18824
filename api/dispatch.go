package api

import (
	"encoding/json"

	"github.com/tabrelay/broker/ack"
	"github.com/tabrelay/broker/connection"
	"github.com/tabrelay/broker/history"
	"github.com/tabrelay/broker/log"
	"github.com/tabrelay/broker/permission"
	"github.com/tabrelay/broker/route"
	"github.com/tabrelay/broker/session"
)

// dispatch routes one decoded inbound frame by its "type" field. It
// returns true when the connection's read loop should stop (a
// "shutdown" frame).
//
// Every frame carrying a "seq" is run through the session's ACK
// engine once a session already exists for its tabId; frames that
// create a session ("start") or that are session-independent
// (conversation listing, diagnostics, the legacy route catalog)
// bypass that gate since there is nothing yet to order against.
func (h *Handlers) dispatch(conn *connection.Connection, frame map[string]interface{}) bool {
	frameType, _ := frame["type"].(string)
	if frameType == "" {
		return false
	}

	switch frameType {
	case "health", "status":
		h.handleHealth(conn)
		return false
	case "shutdown":
		return h.handleShutdown(conn)
	case "routes":
		h.handleRoutesList(conn, frame)
		return false
	case "set_active_route", "set_stable_route":
		h.handleSetRoute(conn, frame, frameType)
		return false
	case "request_conversations":
		h.handleRequestConversations(conn, frame)
		return false
	case "update_credentials":
		h.handleUpdateCredentials(conn, frame)
		return false
	}

	tabID, _ := frame["tabId"].(string)
	if tabID == "" {
		h.sendDirect(conn, errorFrame("", "missing_tab_id", "frame carried no tabId"))
		return false
	}

	sess, exists := h.Sessions.GetByTab(tabID)

	if exists {
		if rawSeq, ok := frame["seq"]; ok {
			if clientSeq, ok := toUint64(rawSeq); ok {
				processed := h.Sessions.ProcessInbound(sess.SessionID, clientSeq, frame, func(f interface{}) {
					h.execute(conn, tabID, sess, f.(map[string]interface{}))
				})
				for _, p := range processed {
					h.sendAck(sess.SessionID, p)
				}
				return false
			}
		}
	}

	h.execute(conn, tabID, sess, frame)
	return false
}

func (h *Handlers) execute(conn *connection.Connection, tabID string, sess *session.Session, frame map[string]interface{}) {
	frameType, _ := frame["type"].(string)
	switch frameType {
	case "start":
		h.handleStart(conn, tabID, frame)
	case "send":
		h.handleSend(conn, tabID, sess, frame)
	case "edit_message":
		h.handleEditMessage(conn, tabID, sess, frame)
	case "interrupt":
		h.handleInterrupt(conn, tabID, sess)
	case "set_permission_mode":
		h.handleSetPermissionMode(conn, tabID, sess, frame)
	case "permission_response":
		h.handlePermissionResponse(conn, tabID, sess, frame)
	case "response_ack":
		h.handleResponseAck(conn, tabID, sess, frame)
	case "load_conversation":
		h.handleLoadConversation(conn, tabID, frame)
	default:
		log.Debug().Str("type", frameType).Str("tabId", tabID).Msg("api: unrecognised frame type")
	}
}

func (h *Handlers) handleStart(conn *connection.Connection, tabID string, frame map[string]interface{}) {
	workdir, _ := frame["workdir"].(string)
	systemPrompt, _ := frame["systemPrompt"].(string)
	permModeStr, _ := frame["permissionMode"].(string)
	if permModeStr == "" {
		permModeStr = string(session.PermissionModePrompt)
	}

	var creds *route.Config
	if rawCfg, ok := frame["claudeConfig"].(map[string]interface{}); ok {
		cfg := parseClaudeConfig(rawCfg)
		log.Info().Str("tabId", tabID).Str("provider", cfg.Provider).Str("model", cfg.Model).
			Str("authMethod", cfg.AuthMethod).Str("apiKey", maskSecret(cfg.APIKey)).
			Msg("api: start carried credentials")
		h.Sessions.SetGlobalCredentials(cfg)
		creds = &cfg
	} else if h.Sessions.GlobalCredentials().APIKey == "" {
		// No session-specific credentials on this frame and no global
		// default yet: ask the client instead of spawning a session
		// that can never reach an upstream.
		h.sendDirect(conn, map[string]interface{}{
			"type":   "request_credentials",
			"reason": "broker requires credentials to process messages",
		})
		h.sendDirect(conn, errorFrame(tabID, "no_active_route", "credentials required"))
		return
	}

	lastReceivedSeq := int64(-1)
	if v, ok := frame["last_received_seq"]; ok {
		if n, ok := toUint64(v); ok {
			lastReceivedSeq = int64(n)
		}
	}

	sess, resumed, err := h.Sessions.Create(session.CreateParams{
		TabID:           tabID,
		ConnID:          conn.ID,
		Workdir:         workdir,
		SystemPrompt:    systemPrompt,
		PermissionMode:  session.PermissionMode(permModeStr),
		Creds:           creds,
		LastReceivedSeq: lastReceivedSeq,
		OnPermission:    h.notifyPermission,
	})
	if err != nil {
		h.sendDirect(conn, errorFrame(tabID, "system_error", err.Error()))
		return
	}

	if _, err := h.Sessions.Send(sess.SessionID, map[string]interface{}{
		"type":    "status",
		"status":  "ready",
		"resumed": resumed,
	}); err != nil {
		log.Warn().Err(err).Str("tabId", tabID).Msg("api: failed to send status frame")
	}
}

// handleSend submits a user turn. The subprocess's own event stream
// is already relayed asynchronously by the session manager's reader
// task, so this handler never blocks on a reply — it only needs to
// hand the line to the subprocess's stdin and return, which is what
// keeps a concurrent permission_response from queuing behind it.
func (h *Handlers) handleSend(conn *connection.Connection, tabID string, sess *session.Session, frame map[string]interface{}) {
	if sess == nil {
		h.sendDirect(conn, errorFrame(tabID, "session_not_found", "no active session for tabId"))
		return
	}
	content, ok := frame["content"].(string)
	if !ok || content == "" {
		h.sendSessionError(sess, "missing_content", "send requires content")
		return
	}
	ctrl, ok := h.Sessions.Controller(sess.SessionID)
	if !ok {
		h.sendSessionError(sess, "claude_send_failed", "no subprocess attached to session")
		return
	}
	if err := ctrl.SendMessage(content); err != nil {
		h.sendSessionError(sess, "claude_send_failed", err.Error())
	}
}

func (h *Handlers) handleEditMessage(conn *connection.Connection, tabID string, sess *session.Session, frame map[string]interface{}) {
	if sess == nil {
		h.sendDirect(conn, errorFrame(tabID, "session_not_found", "no active session for tabId"))
		return
	}
	messageUUID, _ := frame["messageUuid"].(string)
	newContent, _ := frame["newContent"].(string)
	if err := h.Sessions.Branch(sess.SessionID, messageUUID, newContent, nil); err != nil {
		h.sendSessionError(sess, "claude_send_failed", err.Error())
	}
}

func (h *Handlers) handleInterrupt(conn *connection.Connection, tabID string, sess *session.Session) {
	if sess == nil {
		h.sendDirect(conn, errorFrame(tabID, "session_not_found", "no active session for tabId"))
		return
	}
	if err := h.Sessions.Interrupt(sess.SessionID); err != nil {
		h.sendSessionError(sess, "claude_send_failed", err.Error())
	}
}

func (h *Handlers) handleSetPermissionMode(conn *connection.Connection, tabID string, sess *session.Session, frame map[string]interface{}) {
	if sess == nil {
		h.sendDirect(conn, errorFrame(tabID, "session_not_found", "no active session for tabId"))
		return
	}
	mode, _ := frame["mode"].(string)
	if err := h.Sessions.SetPermissionMode(sess.SessionID, session.PermissionMode(mode)); err != nil {
		h.sendSessionError(sess, "claude_send_failed", err.Error())
		return
	}
	if _, err := h.Sessions.Send(sess.SessionID, map[string]interface{}{
		"type": "permission_mode_updated",
		"mode": mode,
	}); err != nil {
		log.Warn().Err(err).Str("tabId", tabID).Msg("api: failed to send permission_mode_updated")
	}
}

// handlePermissionResponse resolves a pending permission prompt. The
// auto-accept case must resolve the future with allow
// *before* switching the CLI's permission mode — doing it in the
// other order can deadlock the subprocess. SetPermissionMode only
// writes the set_permission_mode control request to the CLI's stdin;
// it does not wait for a reply.
func (h *Handlers) handlePermissionResponse(conn *connection.Connection, tabID string, sess *session.Session, frame map[string]interface{}) {
	if sess == nil {
		h.sendDirect(conn, errorFrame(tabID, "session_not_found", "no active session for tabId"))
		return
	}
	requestID, _ := frame["requestId"].(string)
	decisionRaw, _ := frame["decision"].(map[string]interface{})
	behavior, _ := decisionRaw["behavior"].(string)

	perm, ok := h.Sessions.Permission(sess.SessionID)
	if !ok {
		return
	}

	updatedInput, _ := decisionRaw["updatedInput"].(map[string]interface{})

	switch behavior {
	case "deny":
		reason, _ := decisionRaw["reason"].(string)
		interrupt, _ := decisionRaw["interrupt"].(bool)
		perm.Resolve(requestID, permission.Deny(reason, interrupt))
	case "auto":
		perm.Resolve(requestID, permission.Allow(updatedInput))
		if err := h.Sessions.SetPermissionMode(sess.SessionID, session.PermissionModeAcceptEdits); err != nil {
			log.Warn().Err(err).Str("tabId", tabID).Msg("api: auto-accept mode switch failed")
		}
	default: // "allow"
		perm.Resolve(requestID, permission.Allow(updatedInput))
	}
}

func (h *Handlers) handleResponseAck(conn *connection.Connection, tabID string, sess *session.Session, frame map[string]interface{}) {
	if sess == nil {
		return
	}
	rawSeq, ok := frame["seq"]
	if !ok {
		rawSeq, ok = frame["ack_seq"]
	}
	if !ok {
		return
	}
	seq, ok := toUint64(rawSeq)
	if !ok {
		return
	}
	h.Sessions.AckOutbound(sess.SessionID, seq)
}

// handleLoadConversation resumes a subprocess against an on-disk
// conversation and replays it in two frames: the
// conversation_events_batch carrying every replay line, then a
// conversation_loaded status frame carrying the event count.
func (h *Handlers) handleLoadConversation(conn *connection.Connection, tabID string, frame map[string]interface{}) {
	workdir, _ := frame["workdir"].(string)
	sessionID, _ := frame["sessionId"].(string)

	var creds *route.Config
	if rawCfg, ok := frame["claudeConfig"].(map[string]interface{}); ok {
		cfg := parseClaudeConfig(rawCfg)
		log.Info().Str("tabId", tabID).Str("provider", cfg.Provider).Str("apiKey", maskSecret(cfg.APIKey)).
			Msg("api: load_conversation carried credentials")
		h.Sessions.SetGlobalCredentials(cfg)
		creds = &cfg
	} else if h.Sessions.GlobalCredentials().APIKey == "" {
		h.sendDirect(conn, errorFrame(tabID, "no_active_route", "credentials required to load conversation"))
		return
	}

	replay, err := h.History.Load(workdir, sessionID)
	if err != nil {
		h.sendDirect(conn, errorFrame(tabID, "system_error", "failed to load conversation: "+err.Error()))
		return
	}

	sess, _, err := h.Sessions.Create(session.CreateParams{
		TabID:          tabID,
		ConnID:         conn.ID,
		Workdir:        workdir,
		PermissionMode: session.PermissionModePrompt,
		Resume:         sessionID,
		Creds:          creds,
		OnPermission:   h.notifyPermission,
	})
	if err != nil {
		h.sendDirect(conn, errorFrame(tabID, "system_error", err.Error()))
		return
	}

	events := make([]interface{}, len(replay))
	for i, line := range replay {
		events[i] = json.RawMessage(line)
	}
	if _, err := h.Sessions.SendBatch(sess.SessionID, events, "conversation_events_batch"); err != nil {
		log.Warn().Err(err).Str("tabId", tabID).Msg("api: failed to send conversation_events_batch")
	}
	if _, err := h.Sessions.Send(sess.SessionID, map[string]interface{}{
		"type":       "conversation_loaded",
		"sessionId":  sessionID,
		"eventCount": len(events),
	}); err != nil {
		log.Warn().Err(err).Str("tabId", tabID).Msg("api: failed to send conversation_loaded")
	}
}

func (h *Handlers) handleRequestConversations(conn *connection.Connection, frame map[string]interface{}) {
	workdir, _ := frame["workdir"].(string)
	entries, err := h.History.List(workdir)
	if err != nil {
		h.sendDirect(conn, errorFrame("", "system_error", "failed to list conversations: "+err.Error()))
		return
	}
	h.sendDirect(conn, map[string]interface{}{
		"type":    "conversations",
		"entries": entries,
	})
	h.watchConversations(conn, workdir)
}

// watchConversations keeps the client's conversation list for workdir
// fresh: once writes or creations of .jsonl files in the workdir's
// history directory settle, an updated "conversations" frame is pushed
// to this connection. A connection holds at most
// one watch; asking about a new workdir replaces the previous one.
func (h *Handlers) watchConversations(conn *connection.Connection, workdir string) {
	w, err := history.NewWatcher(h.History.Root(), workdir)
	if err != nil {
		log.Debug().Err(err).Str("workdir", workdir).Msg("api: conversation watch unavailable")
		return
	}

	watch := &conversationWatch{watcher: w, done: make(chan struct{})}
	h.watchMu.Lock()
	if prev, ok := h.watchers[conn.ID]; ok {
		close(prev.done)
		prev.watcher.Close()
	}
	h.watchers[conn.ID] = watch
	h.watchMu.Unlock()

	w.Start(h.ShutdownCtx)
	go func() {
		for {
			select {
			case <-watch.done:
				return
			case <-h.ShutdownCtx.Done():
				return
			case <-w.Updates():
				entries, err := h.History.List(workdir)
				if err != nil {
					continue
				}
				h.sendDirect(conn, map[string]interface{}{
					"type":    "conversations",
					"entries": entries,
					"workdir": workdir,
				})
			}
		}
	}()
}

// stopConversationWatch releases the connection's watch, if any; called
// when the connection's read loop ends.
func (h *Handlers) stopConversationWatch(connID string) {
	h.watchMu.Lock()
	watch, ok := h.watchers[connID]
	if ok {
		delete(h.watchers, connID)
	}
	h.watchMu.Unlock()
	if ok {
		close(watch.done)
		watch.watcher.Close()
	}
}

// handleUpdateCredentials queues a broker-wide credential swap and
// confirms it to the client with a credentials_updated frame. The
// client may push new credentials at any point, and the confirmation
// is sent whether or not a tabId was attached to the frame.
func (h *Handlers) handleUpdateCredentials(conn *connection.Connection, frame map[string]interface{}) {
	source := frame
	if nested, ok := frame["claudeConfig"].(map[string]interface{}); ok {
		source = nested
	}
	cfg := parseClaudeConfig(source)
	if cfg.APIKey == "" {
		h.sendDirect(conn, errorFrame("", "no_active_route", "apiKey required in claudeConfig"))
		return
	}

	log.Info().Str("provider", cfg.Provider).Str("model", cfg.Model).
		Str("authMethod", cfg.AuthMethod).Str("apiKey", maskSecret(cfg.APIKey)).
		Msg("api: updating global credentials")

	h.Sessions.SetGlobalCredentials(cfg)
	h.resyncActiveRoutes(cfg)

	tabID, _ := frame["tabId"].(string)
	confirmation := map[string]interface{}{"type": "credentials_updated", "status": "success"}
	if tabID != "" {
		if sess, ok := h.Sessions.GetByTab(tabID); ok {
			if _, err := h.Sessions.Send(sess.SessionID, confirmation); err != nil {
				log.Warn().Err(err).Str("tabId", tabID).Msg("api: failed to send credentials_updated")
			}
			return
		}
		confirmation["tabId"] = tabID
	}
	h.sendDirect(conn, confirmation)
}

// resyncActiveRoutes pushes cfg as the pending config for every live
// session's route token: the two-slot swap defers it to that
// session's next upstream request, never mid-turn.
func (h *Handlers) resyncActiveRoutes(cfg route.Config) {
	for _, sess := range h.Sessions.Sessions() {
		if err := h.Routes.Update(sess.RouteToken(), cfg); err != nil {
			log.Debug().Err(err).Str("sessionId", sess.SessionID).Msg("api: route resync skipped")
		}
	}
}

func (h *Handlers) handleRoutesList(conn *connection.Connection, frame map[string]interface{}) {
	if rawRoutes, ok := frame["routes"].([]interface{}); ok {
		for _, r := range rawRoutes {
			rm, ok := r.(map[string]interface{})
			if !ok {
				continue
			}
			label, _ := rm["label"].(string)
			if label == "" {
				continue
			}
			h.catalog.set(label, parseClaudeConfig(rm))
		}
	}
	h.sendDirect(conn, map[string]interface{}{
		"type":   "routes",
		"routes": h.catalog.labels(),
	})
}

func (h *Handlers) handleSetRoute(conn *connection.Connection, frame map[string]interface{}, frameType string) {
	label, _ := frame["label"].(string)
	cfg, ok := h.catalog.get(label)
	if !ok {
		h.sendDirect(conn, errorFrame("", "invalid_route_token", "unknown route label "+label))
		return
	}
	h.Sessions.SetGlobalCredentials(cfg)
	h.resyncActiveRoutes(cfg)
	if frameType == "set_stable_route" {
		h.catalog.mu.Lock()
		h.catalog.stable = label
		h.catalog.mu.Unlock()
	}
	h.sendDirect(conn, map[string]interface{}{"type": frameType + "_ack", "label": label})
}

func (h *Handlers) handleHealth(conn *connection.Connection) {
	h.sendDirect(conn, map[string]interface{}{
		"type":     "health",
		"status":   "ok",
		"sessions": len(h.Sessions.Sessions()),
	})
}

func (h *Handlers) handleShutdown(conn *connection.Connection) bool {
	h.sendDirect(conn, map[string]interface{}{"type": "status", "status": "closing"})
	return true
}

// notifyPermission implements session.NotifyPermission, translating a
// fallen-through permission request into the client-facing
// permission_request frame.
func (h *Handlers) notifyPermission(sessionID, tabID, requestID, toolName string, input map[string]interface{}) {
	if _, err := h.Sessions.Send(sessionID, map[string]interface{}{
		"type":      "permission_request",
		"requestId": requestID,
		"toolName":  toolName,
		"toolInput": input,
	}); err != nil {
		log.Warn().Err(err).Str("tabId", tabID).Msg("api: failed to send permission_request")
	}
}

// sendAck emits the message_received_ack frame for one inbound-ack
// result. The "seq" field is the broker's own outbound sequence for
// this ack frame itself, distinct from "ack_seq" (the client seq
// being acknowledged).
func (h *Handlers) sendAck(sessionID string, p ack.Processed) {
	if _, err := h.Sessions.Send(sessionID, map[string]interface{}{
		"type":         "message_received_ack",
		"ack_seq":      p.AckSeq,
		"is_duplicate": p.IsDuplicate,
	}); err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("api: failed to send message_received_ack")
	}
}

func (h *Handlers) sendSessionError(sess *session.Session, code, message string) {
	if _, err := h.Sessions.Send(sess.SessionID, errorFrame("", code, message)); err != nil {
		log.Warn().Err(err).Str("sessionId", sess.SessionID).Msg("api: failed to send error frame")
	}
}

func errorFrame(tabID, code, message string) map[string]interface{} {
	frame := map[string]interface{}{
		"type": "error",
		"error": map[string]interface{}{
			"errorCode": code,
			"message":   message,
		},
	}
	if tabID != "" {
		frame["tabId"] = tabID
	}
	return frame
}

// maskSecret redacts a credential for logging: short values are
// fully masked, longer ones keep a 4-char prefix/suffix for
// diagnostics without exposing the key.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

func parseClaudeConfig(m map[string]interface{}) route.Config {
	cfg := route.Config{}
	cfg.Provider, _ = m["provider"].(string)
	cfg.Model, _ = m["model"].(string)
	if v, ok := m["baseUrl"].(string); ok {
		cfg.BaseURL = v
	} else if v, ok := m["baseURL"].(string); ok {
		cfg.BaseURL = v
	}
	cfg.APIKey, _ = m["apiKey"].(string)
	cfg.AuthMethod, _ = m["authMethod"].(string)
	cfg.AzureDeployment, _ = m["azureDeployment"].(string)
	cfg.AzureAPIVersion, _ = m["azureApiVersion"].(string)
	cfg.Label, _ = m["label"].(string)
	if eh, ok := m["extraHeaders"].(map[string]interface{}); ok {
		cfg.ExtraHeaders = make(map[string]string, len(eh))
		for k, v := range eh {
			if s, ok := v.(string); ok {
				cfg.ExtraHeaders[k] = s
			}
		}
	}
	return cfg
}

func toUint64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case float64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil || i < 0 {
			return 0, false
		}
		return uint64(i), true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case uint64:
		return n, true
	default:
		return 0, false
	}
}
