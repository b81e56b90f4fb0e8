package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/teemow/mcpgate/internal/logging"
	"github.com/teemow/mcpgate/internal/session"
)

// SSE defaults.
const (
	DefaultKeepAliveInterval = 15 * time.Second
	DefaultInboxSize         = 256

	// SSEMessagePath is where callers POST messages for an SSE session.
	SSEMessagePath = "/sse/message"
)

// SSEConfig configures the SSE binding.
type SSEConfig struct {
	Sessions      *session.Manager
	Dispatcher    *Dispatcher
	Authenticator Authenticator

	// KeepAliveInterval is the gap between comment frames on an idle stream.
	KeepAliveInterval time.Duration
	// InboxSize bounds the messages waiting for a session's worker.
	InboxSize int

	Logger *slog.Logger
}

// SSEHandler serves the SSE binding. Inbound messages of a session are
// processed in arrival order by one worker per session, and replies are
// pushed to the session's outbox.
type SSEHandler struct {
	sessions   *session.Manager
	dispatcher *Dispatcher
	auth       Authenticator
	keepAlive  time.Duration
	inboxSize  int
	logger     *slog.Logger

	mu      sync.Mutex
	inboxes map[string]chan json.RawMessage
}

// NewSSEHandler creates an SSEHandler.
func NewSSEHandler(cfg SSEConfig) (*SSEHandler, error) {
	if cfg.Sessions == nil || cfg.Dispatcher == nil {
		return nil, errors.New("session manager and dispatcher are required")
	}
	if cfg.Authenticator == nil {
		return nil, errors.New("authenticator is required")
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultInboxSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SSEHandler{
		sessions:   cfg.Sessions,
		dispatcher: cfg.Dispatcher,
		auth:       cfg.Authenticator,
		keepAlive:  cfg.KeepAliveInterval,
		inboxSize:  cfg.InboxSize,
		logger:     cfg.Logger,
		inboxes:    make(map[string]chan json.RawMessage),
	}, nil
}

// Register adds the SSE routes to mux.
func (h *SSEHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /sse/{$}", h.ServeStream)
	mux.HandleFunc("POST "+SSEMessagePath, h.ServeMessage)
}

// ServeStream opens a session and streams its outbox until the session ends
// or the caller disconnects.
func (h *SSEHandler) ServeStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	providerID, subjectID, err := authenticate(h.auth, r)
	if err != nil {
		writeUnauthorized(w, err)
		return
	}

	s, err := h.sessions.Open(r.Context(), providerID, subjectID, session.KindSSE)
	if err != nil {
		writeOpenError(w, err)
		return
	}
	logger := h.logger.With(logging.Session(s.ID), logging.Transport(string(s.Kind)))

	inbox := make(chan json.RawMessage, h.inboxSize)
	h.mu.Lock()
	h.inboxes[s.ID] = inbox
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.inboxes, s.ID)
		h.mu.Unlock()
	}()
	go h.work(s, inbox)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	endpoint := fmt.Sprintf("%s?session_id=%s", SSEMessagePath, s.ID)
	if err := writeEvent(w, "endpoint", []byte(endpoint)); err != nil {
		h.sessions.Close(s.ID, session.ReasonDisconnect)
		return
	}
	flusher.Flush()

	for {
		waitCtx, cancel := context.WithTimeout(r.Context(), h.keepAlive)
		frame, err := s.Outbox().Next(waitCtx)
		cancel()

		switch {
		case err == nil:
		case errors.Is(err, session.ErrSessionClosed):
			return
		case r.Context().Err() != nil:
			if h.sessions.Close(s.ID, session.ReasonDisconnect) {
				logger.Debug("SSE client disconnected")
			}
			return
		default:
			if _, werr := fmt.Fprint(w, ": keep-alive\n\n"); werr != nil {
				h.sessions.Close(s.ID, session.ReasonDisconnect)
				return
			}
			flusher.Flush()
			continue
		}

		if err := writeEvent(w, frame.Event, frame.Data); err != nil {
			h.sessions.Close(s.ID, session.ReasonDisconnect)
			return
		}
		flusher.Flush()
		if frame.Terminal() {
			return
		}
		_ = h.sessions.Touch(s.ID)
	}
}

// work processes the inbound messages of s in order.
func (h *SSEHandler) work(s *session.Session, inbox <-chan json.RawMessage) {
	for {
		select {
		case <-s.Context().Done():
			return
		case raw := <-inbox:
			reply, err := h.dispatcher.Dispatch(s.Context(), s, raw)
			if IsFatal(err) {
				return
			}
			if reply == nil {
				continue
			}
			if perr := s.Outbox().Push(session.Frame{Event: session.EventMessage, Data: reply}); perr != nil {
				return
			}
		}
	}
}

// ServeMessage queues a caller message for an SSE session. The reply arrives
// on the session's stream.
func (h *SSEHandler) ServeMessage(w http.ResponseWriter, r *http.Request) {
	sessionID, msg, _, err := readMessage(r)
	if err != nil {
		writeJSONRPCError(w, http.StatusBadRequest, nil, mcp.PARSE_ERROR, err.Error())
		return
	}
	if sessionID == "" {
		sessionID = r.URL.Query().Get("session_id")
	}
	if sessionID == "" {
		writeJSONRPCError(w, http.StatusBadRequest, nil, mcp.INVALID_REQUEST, "session_id is required")
		return
	}

	if _, err := h.sessions.Get(sessionID); err != nil {
		writeJSONRPCError(w, http.StatusNotFound, nil, CodeSessionNotFound, err.Error())
		return
	}
	h.mu.Lock()
	inbox, ok := h.inboxes[sessionID]
	h.mu.Unlock()
	if !ok {
		writeJSONRPCError(w, http.StatusNotFound, nil, CodeSessionNotFound, session.ErrSessionNotFound.Error())
		return
	}

	select {
	case inbox <- msg:
		w.WriteHeader(http.StatusAccepted)
	default:
		w.Header().Set("Retry-After", "1")
		writeJSONRPCError(w, http.StatusServiceUnavailable, nil, mcp.INTERNAL_ERROR, "session is busy")
	}
}

// writeEvent writes one server-sent event. Multi-line data is split across
// data fields.
func writeEvent(w http.ResponseWriter, event string, data []byte) error {
	var b strings.Builder
	fmt.Fprintf(&b, "event: %s\n", event)
	for _, line := range strings.Split(string(data), "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	_, err := fmt.Fprint(w, b.String())
	return err
}

func writeOpenError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrDraining):
		w.Header().Set("Retry-After", "5")
		writeJSONRPCError(w, http.StatusServiceUnavailable, nil, mcp.INTERNAL_ERROR, err.Error())
	case errors.Is(err, session.ErrUnauthorized):
		writeUnauthorized(w, err)
	default:
		writeJSONRPCError(w, http.StatusInternalServerError, nil, mcp.INTERNAL_ERROR, "failed to open session")
	}
}
