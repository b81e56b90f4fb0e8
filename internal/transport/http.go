package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/teemow/mcpgate/internal/connector"
	"github.com/teemow/mcpgate/internal/logging"
	"github.com/teemow/mcpgate/internal/session"
)

// HTTP binding defaults.
const (
	DefaultResponseWindow = 25 * time.Second

	// SessionHeader carries the session id for bare JSON-RPC requests.
	SessionHeader = "Mcp-Session-Id"

	statusPending = "pending"
)

// HTTPConfig configures the HTTP binding.
type HTTPConfig struct {
	Sessions      *session.Manager
	Dispatcher    *Dispatcher
	Authenticator Authenticator

	// ResponseWindow is how long a request waits for the connector before it
	// is answered with a poll token.
	ResponseWindow time.Duration
	// PendingTTL is how long a reply that missed the window can be collected.
	PendingTTL time.Duration

	Logger *slog.Logger
}

// HTTPHandler serves the request/response binding.
type HTTPHandler struct {
	sessions   *session.Manager
	dispatcher *Dispatcher
	auth       Authenticator
	window     time.Duration
	pending    *pendingReplies
	logger     *slog.Logger
}

// Response is the body of an enveloped POST /mcp/ answer.
type Response struct {
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Status    string          `json:"status,omitempty"`
	PollToken string          `json:"poll_token,omitempty"`
}

// NewHTTPHandler creates an HTTPHandler.
func NewHTTPHandler(cfg HTTPConfig) (*HTTPHandler, error) {
	if cfg.Sessions == nil || cfg.Dispatcher == nil {
		return nil, errors.New("session manager and dispatcher are required")
	}
	if cfg.Authenticator == nil {
		return nil, errors.New("authenticator is required")
	}
	if cfg.ResponseWindow <= 0 {
		cfg.ResponseWindow = DefaultResponseWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &HTTPHandler{
		sessions:   cfg.Sessions,
		dispatcher: cfg.Dispatcher,
		auth:       cfg.Authenticator,
		window:     cfg.ResponseWindow,
		pending:    newPendingReplies(cfg.PendingTTL),
		logger:     cfg.Logger,
	}, nil
}

// Register adds the HTTP binding routes to mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /mcp/{$}", h.ServeMessage)
	mux.HandleFunc("DELETE /mcp/{$}", h.ServeClose)
	mux.HandleFunc("GET /mcp/pending/{poll_token}", h.ServePoll)
}

// ServeMessage handles one message, opening a session first when the request
// names none. Every request carries the caller's bearer credential.
func (h *HTTPHandler) ServeMessage(w http.ResponseWriter, r *http.Request) {
	sessionID, msg, wrapped, err := readMessage(r)
	if err != nil {
		writeJSONRPCError(w, http.StatusBadRequest, nil, mcp.PARSE_ERROR, err.Error())
		return
	}
	bare := !wrapped
	if sessionID == "" {
		sessionID = r.Header.Get(SessionHeader)
	}

	providerID, subjectID, err := authenticate(h.auth, r)
	if err != nil {
		writeUnauthorized(w, err)
		return
	}

	var s *session.Session
	if sessionID == "" {
		if s, err = h.sessions.Open(r.Context(), providerID, subjectID, session.KindHTTP); err != nil {
			writeOpenError(w, err)
			return
		}
	} else if s, err = h.lookupSession(sessionID, providerID, subjectID); err != nil {
		writeJSONRPCError(w, http.StatusNotFound, nil, CodeSessionNotFound, err.Error())
		return
	}

	p := newPendingReply(s.ID, bare)
	// The call outlives the request when it misses the window.
	callCtx := context.WithoutCancel(r.Context())
	go func() {
		p.resolve(h.dispatcher.Dispatch(callCtx, s, msg))
	}()

	timer := time.NewTimer(h.window)
	defer timer.Stop()

	select {
	case <-p.done:
		h.writeReply(w, p)
	case <-timer.C:
		token := h.pending.add(p)
		h.logger.Debug("Reply missed the response window",
			logging.Session(s.ID),
			logging.Duration(h.window))
		h.writePending(w, p, token)
	case <-r.Context().Done():
		// Keep the reply collectable in case the caller polls for it.
		h.pending.add(p)
	}
}

// ServePoll returns a reply that missed the response window, waiting up to
// one more window for it.
func (h *HTTPHandler) ServePoll(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("poll_token")
	p, ok := h.pending.get(token)
	if !ok {
		writeJSONRPCError(w, http.StatusNotFound, nil, mcp.INVALID_REQUEST, "unknown or expired poll token")
		return
	}

	timer := time.NewTimer(h.window)
	defer timer.Stop()

	select {
	case <-p.done:
		h.pending.remove(token)
		h.writeReply(w, p)
	case <-timer.C:
		h.writePending(w, p, token)
	case <-r.Context().Done():
	}
}

// ServeClose ends a session.
func (h *HTTPHandler) ServeClose(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		sessionID = r.URL.Query().Get("session_id")
	}
	if sessionID == "" {
		writeJSONRPCError(w, http.StatusBadRequest, nil, mcp.INVALID_REQUEST, "session id is required")
		return
	}
	providerID, subjectID, err := authenticate(h.auth, r)
	if err != nil {
		writeUnauthorized(w, err)
		return
	}
	if _, err := h.lookupSession(sessionID, providerID, subjectID); err != nil || !h.sessions.Close(sessionID, session.ReasonExplicit) {
		writeJSONRPCError(w, http.StatusNotFound, nil, CodeSessionNotFound, session.ErrSessionNotFound.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// lookupSession returns the HTTP session sessionID if it belongs to the
// caller. Sessions of other callers or of the SSE binding are reported as not
// found.
func (h *HTTPHandler) lookupSession(sessionID, providerID, subjectID string) (*session.Session, error) {
	s, err := h.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if s.Kind != session.KindHTTP || s.ProviderID != providerID || s.SubjectID != subjectID {
		return nil, session.ErrSessionNotFound
	}
	return s, nil
}

func (h *HTTPHandler) writeReply(w http.ResponseWriter, p *pendingReply) {
	status := replyStatus(p.err)
	if p.reply == nil {
		w.Header().Set(SessionHeader, p.sessionID)
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if p.bare {
		w.Header().Set(SessionHeader, p.sessionID)
		writeRaw(w, status, p.reply)
		return
	}
	writeJSON(w, status, Response{SessionID: p.sessionID, Message: p.reply})
}

func (h *HTTPHandler) writePending(w http.ResponseWriter, p *pendingReply, token string) {
	w.Header().Set(SessionHeader, p.sessionID)
	writeJSON(w, http.StatusAccepted, Response{
		SessionID: p.sessionID,
		Status:    statusPending,
		PollToken: token,
	})
}

// replyStatus maps a dispatch error to the HTTP status of its reply.
func replyStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, session.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrMalformedMessage):
		return http.StatusBadRequest
	case errors.Is(err, connector.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
