// Package streamable implements the streamable HTTP transport: POST for
// client requests, GET for the server-to-client SSE stream with
// Last-Event-ID resumption, DELETE for session teardown. All outbound
// stream messages go through the event store so a reconnecting client
// replays what it missed in order.
package streamable

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/meridianhq/mcpserve/pkg/auth"
	"github.com/meridianhq/mcpserve/pkg/config"
	"github.com/meridianhq/mcpserve/pkg/eventstore"
	"github.com/meridianhq/mcpserve/pkg/logger"
	"github.com/meridianhq/mcpserve/pkg/transport"
	"github.com/meridianhq/mcpserve/pkg/transport/session"
)

// HeaderSessionID carries the session id on every request after initialize.
const HeaderSessionID = "Mcp-Session-Id"

const (
	defaultKeepalive      = 25 * time.Second
	defaultMaxRequestSize = 4 << 20
)

// binding is the per-session transport state: a lock that serializes
// request dispatch within the session and a wakeup channel for the live
// SSE stream.
type binding struct {
	execMu sync.Mutex
	notify chan struct{}
}

func (b *binding) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Handler serves the /mcp endpoint.
type Handler struct {
	dispatcher *transport.Dispatcher
	sessions   *session.Manager
	events     eventstore.Store
	cfg        config.SessionConfig

	mu       sync.Mutex
	bindings map[string]*binding

	// keepalive is the SSE comment interval. Settable in tests.
	keepalive time.Duration
}

// NewHandler creates the streamable HTTP handler.
func NewHandler(dispatcher *transport.Dispatcher, sessions *session.Manager, events eventstore.Store, cfg config.SessionConfig) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		sessions:   sessions,
		events:     events,
		cfg:        cfg,
		bindings:   make(map[string]*binding),
		keepalive:  defaultKeepalive,
	}
}

// DropBinding discards the transport state of a session. Wired as the
// session manager's evict callback.
func (h *Handler) DropBinding(sessionID string) {
	h.mu.Lock()
	delete(h.bindings, sessionID)
	h.mu.Unlock()
}

func (h *Handler) binding(sessionID string) *binding {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.bindings[sessionID]
	if !ok {
		b = &binding{notify: make(chan struct{}, 1)}
		h.bindings[sessionID] = b
	}
	return b
}

// Publish appends a server-initiated message to the session's stream and
// wakes its live SSE connection, if any.
func (h *Handler) Publish(ctx context.Context, sessionID string, payload []byte) (uint64, error) {
	id, err := h.events.Append(ctx, sessionID, "message", payload)
	if err != nil {
		return 0, err
	}
	h.binding(sessionID).wake()
	return id, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		writeRPCError(w, http.StatusMethodNotAllowed, -32600, "method not allowed; use POST, GET, or DELETE")
	}
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	maxSize := h.cfg.MaxRequestSize
	if maxSize <= 0 {
		maxSize = defaultMaxRequestSize
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSize))
	if err != nil {
		writeRPCError(w, http.StatusRequestEntityTooLarge, -32600, "request body too large")
		return
	}

	msg, rpcErr := transport.ParseMessage(body)
	if rpcErr != nil {
		writeRPCError(w, http.StatusBadRequest, rpcErr.Code, rpcErr.Message)
		return
	}

	ctx := r.Context()
	sessionID := r.Header.Get(HeaderSessionID)

	// A bare initialize request starts a new session.
	if sessionID == "" && msg.IsInitialize() {
		sess, err := h.sessions.Create(ctx, session.TransportHTTP)
		if err != nil {
			if errors.Is(err, session.ErrTooManySessions) {
				writeRPCError(w, http.StatusServiceUnavailable, -32000, err.Error())
				return
			}
			writeRPCError(w, http.StatusInternalServerError, -32603, "failed to create session")
			return
		}
		h.bindSessionIdentity(ctx, sess.ID)
		logger.Infow("session created", "session_id", sess.ID, "transport", session.TransportHTTP)

		resp := h.dispatch(withSessionContext(ctx, sess.ID), msg)
		w.Header().Set(HeaderSessionID, sess.ID)
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if sessionID == "" {
		writeRPCError(w, http.StatusBadRequest, -32600, "Mcp-Session-Id header is required; send an initialize request first")
		return
	}

	sess, err := h.sessions.Get(ctx, sessionID, session.TransportHTTP)
	if err != nil {
		h.writeSessionError(w, r.Method, err)
		return
	}

	if msg.IsNotification() {
		h.dispatch(withSessionContext(ctx, sess.ID), msg)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	// Requests within a session run one at a time.
	b := h.binding(sess.ID)
	b.execMu.Lock()
	resp := h.dispatch(withSessionContext(ctx, sess.ID), msg)
	b.execMu.Unlock()

	w.Header().Set(HeaderSessionID, sess.ID)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" {
		writeRPCError(w, http.StatusBadRequest, -32600, "Mcp-Session-Id header is required")
		return
	}
	if accept := r.Header.Get("Accept"); accept != "" && !strings.Contains(accept, "text/event-stream") && !strings.Contains(accept, "*/*") {
		writeRPCError(w, http.StatusNotAcceptable, -32600, "the stream endpoint requires Accept: text/event-stream")
		return
	}

	ctx := r.Context()
	sess, err := h.sessions.Get(ctx, sessionID, session.TransportHTTP)
	if err != nil {
		h.writeSessionError(w, r.Method, err)
		return
	}

	var lastEventID uint64
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		lastEventID, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeRPCError(w, http.StatusBadRequest, -32600, "Last-Event-ID must be a decimal event id")
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeRPCError(w, http.StatusInternalServerError, -32603, "streaming is not supported by this server")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(HeaderSessionID, sess.ID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Replay what the client missed, then go live.
	lastEventID, err = h.drainEvents(ctx, w, flusher, sess.ID, lastEventID)
	if err != nil {
		logger.Debugw("sse replay aborted", "session_id", sess.ID, "error", err)
		return
	}

	b := h.binding(sess.ID)
	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-b.notify:
			lastEventID, err = h.drainEvents(ctx, w, flusher, sess.ID, lastEventID)
			if err != nil {
				logger.Debugw("sse stream aborted", "session_id", sess.ID, "error", err)
				return
			}
		}
	}
}

// drainEvents writes all stored events after lastEventID and returns the new
// high-water mark.
func (h *Handler) drainEvents(ctx context.Context, w io.Writer, flusher http.Flusher, sessionID string, lastEventID uint64) (uint64, error) {
	for ev, err := range h.events.Replay(ctx, sessionID, lastEventID) {
		if err != nil {
			return lastEventID, err
		}
		if err := writeSSEEvent(w, ev); err != nil {
			return lastEventID, err
		}
		lastEventID = ev.EventID
	}
	flusher.Flush()
	return lastEventID, nil
}

func writeSSEEvent(w io.Writer, ev eventstore.Event) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "id: %d\n", ev.EventID)
	buf.WriteString("event: message\n")
	for _, line := range strings.Split(string(ev.Payload), "\n") {
		buf.WriteString("data: ")
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" {
		writeRPCError(w, http.StatusBadRequest, -32600, "Mcp-Session-Id header is required")
		return
	}

	ctx := r.Context()
	if err := h.sessions.Delete(ctx, sessionID); err != nil {
		logger.Warnw("failed to delete session", "session_id", sessionID, "error", err)
	}
	h.DropBinding(sessionID)
	if err := h.events.DeleteStream(ctx, sessionID); err != nil {
		logger.Debugw("failed to delete event stream", "session_id", sessionID, "error", err)
	}
	logger.Infow("session deleted", "session_id", sessionID)

	// Deleting an unknown session still succeeds.
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// bindSessionIdentity copies the authenticated identity, when present, onto
// the freshly created session.
func (h *Handler) bindSessionIdentity(ctx context.Context, sessionID string) {
	rc := auth.RequestContextFrom(ctx)
	if rc == nil || rc.UserID == "" {
		return
	}
	if err := h.sessions.Authenticate(ctx, sessionID, rc.UserID, rc.ClientID, rc.Scopes); err != nil {
		logger.Warnw("failed to bind identity to session", "session_id", sessionID, "error", err)
	}
}

// dispatch runs a message through the dispatcher under the configured
// per-request deadline. Long-running tool calls are cancelled rather than
// holding the session's execution lock indefinitely.
func (h *Handler) dispatch(ctx context.Context, msg *transport.Message) *transport.Message {
	if h.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.RequestTimeout)
		defer cancel()
	}
	return h.dispatcher.Dispatch(ctx, msg)
}

// withSessionContext stamps the session id onto the request context so
// tools, workflows, and the audit trail can attribute their work.
func withSessionContext(ctx context.Context, sessionID string) context.Context {
	rc := auth.RequestContextFrom(ctx)
	if rc == nil {
		rc = auth.NewRequestContext(session.TransportHTTP)
	}
	rc.SessionID = sessionID
	return auth.WithRequestContext(ctx, rc)
}

// writeSessionError maps session lookup failures per method: POSTs with a
// dead session get 400 (the client must re-initialize before posting), while
// the stream endpoints distinguish 404 never-seen from 410 expired.
func (h *Handler) writeSessionError(w http.ResponseWriter, method string, err error) {
	post := method == http.MethodPost
	switch {
	case errors.Is(err, session.ErrExpired):
		status := http.StatusGone
		if post {
			status = http.StatusBadRequest
		}
		writeRPCError(w, status, -32000, "session expired; send a new initialize request")
	case errors.Is(err, session.ErrNotFound):
		status := http.StatusNotFound
		if post {
			status = http.StatusBadRequest
		}
		writeRPCError(w, status, -32001, "session not found; send a new initialize request")
	case errors.Is(err, session.ErrTransportMismatch):
		writeRPCError(w, http.StatusBadRequest, -32600, "session belongs to a different transport")
	default:
		writeRPCError(w, http.StatusInternalServerError, -32603, "failed to load session")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Debugw("failed to write response", "error", err)
	}
}

func writeRPCError(w http.ResponseWriter, status, code int, message string) {
	writeJSON(w, status, transport.Message{
		JSONRPC: "2.0",
		Error:   &transport.RPCError{Code: code, Message: message},
	})
}
