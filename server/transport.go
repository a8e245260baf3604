package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// sendBuffer bounds queued results per session; a slow or gone reader drops
// the oldest-pending delivery path by closing the stream, never blocks the
// dispatcher.
const sendBuffer = 16

// Session binds an opaque session id to one live outbound stream.
type Session struct {
	ID        string
	CreatedAt time.Time

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(id string) *Session {
	return &Session{
		ID:        id,
		CreatedAt: time.Now(),
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
	}
}

// Push queues a serialized message for delivery down the bound stream.
// Messages for a closed session are discarded; the caller does not care.
func (s *Session) Push(msg []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- msg:
		return true
	case <-s.done:
		return false
	}
}

// Close marks the session terminal. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// SessionRegistry maps session ids to live transports. At most one live
// stream exists per id: a second open for the same id is a takeover that
// closes the previous stream and replaces the entry.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	logger   *slog.Logger
}

// NewSessionRegistry constructs an empty registry.
func NewSessionRegistry(logger *slog.Logger) *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Open creates or replaces the session for id. An empty id gets a fresh
// server-generated one.
func (r *SessionRegistry) Open(id string) *Session {
	if id == "" {
		id = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[id]; ok {
		old.Close()
		r.logger.Info("session takeover", "session_id", id)
	}
	sess := newSession(id)
	r.sessions[id] = sess
	return sess
}

// Get returns the live session for id.
func (r *SessionRegistry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Remove deletes the registry entry if it still belongs to sess. A takeover
// replaces the entry before the old stream handler unwinds, so removal is
// conditional on identity.
func (r *SessionRegistry) Remove(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[sess.ID]; ok && current == sess {
		delete(r.sessions, sess.ID)
	}
}

// Len reports the number of live sessions.
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// handleSSE opens the session-bound push channel. The response stays open
// until either side closes; the endpoint event tells the client where to
// post commands for this session.
func (a *App) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sess := a.Sessions.Open(r.URL.Query().Get("session_id"))
	// Cleanup is close-triggered: the deferred remove runs exactly when the
	// stream ends, whatever ended it.
	defer func() {
		sess.Close()
		a.Sessions.Remove(sess)
		a.Logger.Info("session closed", "session_id", sess.ID)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Mcp-Session-Id", sess.ID)
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: endpoint\ndata: /messages?session_id=%s\n\n", sess.ID)
	flusher.Flush()

	a.Logger.Info("session stream open", "session_id", sess.ID)

	interval := a.Config.Transport.KeepaliveInterval
	if interval <= 0 {
		interval = DefaultKeepaliveInterval
	}
	keepalive := time.NewTicker(interval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sess.done:
			return
		case msg := <-sess.send:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// handleMessages accepts one protocol message for a known session. The HTTP
// response only acknowledges queueing; the result travels down the stream,
// correlated by the message's own JSON-RPC id.
func (a *App) handleMessages(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.Sessions.Get(r.URL.Query().Get("session_id"))
	if !ok {
		writeJSONStatus(w, http.StatusNotFound, map[string]string{
			"error":             "session_not_found",
			"error_description": "unknown or closed session_id",
		})
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, errorResponse(nil, codeParseError, "malformed JSON-RPC message"))
		return
	}

	if req.isNotification() {
		// Notifications (e.g. notifications/initialized) need no reply.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	// The post response returns as soon as the command is queued; the
	// outbound upstream call must survive it, and a stream that closes in
	// the meantime just discards the result on arrival.
	ctx := context.WithoutCancel(r.Context())
	go func() {
		resp := a.handleRPC(ctx, req)
		msg, err := json.Marshal(resp)
		if err != nil {
			a.Logger.Error("marshal rpc response", "error", err)
			return
		}
		if !sess.Push(msg) {
			a.Logger.Info("result discarded, session closed", "session_id", sess.ID, "method", req.Method)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

// handleRPCDirect is the request/response transport variant: one message in,
// its response out, no session state.
func (a *App) handleRPCDirect(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, errorResponse(nil, codeParseError, "malformed JSON-RPC message"))
		return
	}
	if req.isNotification() {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, a.handleRPC(r.Context(), req))
}

// handleRPC routes a parsed protocol message.
func (a *App) handleRPC(ctx context.Context, req rpcRequest) rpcResponse {
	switch req.Method {
	case "initialize":
		return resultResponse(req.ID, initializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      serverInfo{Name: serverName, Version: serverVersion},
		})
	case "ping":
		return resultResponse(req.ID, struct{}{})
	case "tools/list":
		return resultResponse(req.ID, listToolsResult{Tools: a.Dispatcher.Descriptors()})
	case "tools/call":
		var params toolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, codeInvalidParams, "invalid tools/call parameters")
		}
		result, err := a.Dispatcher.Call(ctx, params.Name, params.Arguments)
		if err != nil {
			if errors.Is(err, ErrUnknownTool) {
				return errorResponse(req.ID, codeInvalidParams, fmt.Sprintf("unknown tool: %s", params.Name))
			}
			return errorResponse(req.ID, codeInternalError, "internal error")
		}
		return resultResponse(req.ID, result)
	default:
		return errorResponse(req.ID, codeMethodNotFound, fmt.Sprintf("method not supported: %s", req.Method))
	}
}
