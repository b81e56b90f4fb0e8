package oauth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/teemow/mcpgate/internal/logging"
	"github.com/teemow/mcpgate/internal/tokenstore"
)

// Connection states reported by ServeStatus.
const (
	ConnectionConnected    = "connected"
	ConnectionExpired      = "expired"
	ConnectionInvalid      = "invalid"
	ConnectionNotConnected = "not_connected"
)

// ConnectionStatus is the body of GET /{provider}/status.
type ConnectionStatus struct {
	Provider    string     `json:"provider"`
	Subject     string     `json:"subject"`
	Status      string     `json:"status"`
	Connected   bool       `json:"connected"`
	Refreshable bool       `json:"refreshable"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Scopes      []string   `json:"scopes,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

// DisconnectResult is the body of DELETE /{provider}/connection.
type DisconnectResult struct {
	Provider       string `json:"provider"`
	Subject        string `json:"subject"`
	SessionsClosed int    `json:"sessions_closed"`
}

// ServeStatus reports the state of the caller's grant with the provider.
func (h *Handler) ServeStatus(w http.ResponseWriter, r *http.Request) {
	providerID, subjectID, ok := h.caller(w, r)
	if !ok {
		return
	}

	rec, err := h.broker.Connection(r.Context(), providerID, subjectID)
	if errors.Is(err, tokenstore.ErrNotFound) {
		h.writeJSON(w, http.StatusOK, ConnectionStatus{
			Provider: providerID,
			Subject:  subjectID,
			Status:   ConnectionNotConnected,
		})
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, connectionStatus(rec, time.Now()))
}

func connectionStatus(rec *tokenstore.Record, now time.Time) ConnectionStatus {
	status := ConnectionStatus{
		Provider:    rec.ProviderID,
		Subject:     rec.SubjectID,
		Status:      ConnectionConnected,
		Refreshable: rec.RefreshToken != "" && !rec.Invalid,
		Scopes:      rec.Scopes,
	}
	if !rec.ExpiresAt.IsZero() {
		expiresAt := rec.ExpiresAt.UTC()
		status.ExpiresAt = &expiresAt
	}
	switch {
	case rec.Invalid:
		status.Status = ConnectionInvalid
		status.Reason = rec.InvalidReason
	case !rec.ExpiresAt.IsZero() && !now.Before(rec.ExpiresAt) && !status.Refreshable:
		status.Status = ConnectionExpired
	}
	status.Connected = status.Status == ConnectionConnected
	return status
}

// ServeDisconnect deletes the caller's grant and closes its sessions.
func (h *Handler) ServeDisconnect(w http.ResponseWriter, r *http.Request) {
	providerID, subjectID, ok := h.caller(w, r)
	if !ok {
		return
	}

	if err := h.broker.Disconnect(r.Context(), providerID, subjectID); err != nil {
		h.writeError(w, r, err)
		return
	}
	closed := 0
	if h.sessions != nil {
		closed = h.sessions.CloseSubject(providerID, subjectID)
	}
	h.logger.Info("Caller disconnected",
		logging.Provider(providerID),
		logging.SubjectHash(subjectID),
		slog.Int("sessions_closed", closed),
	)
	h.writeJSON(w, http.StatusOK, DisconnectResult{
		Provider:       providerID,
		Subject:        subjectID,
		SessionsClosed: closed,
	})
}

// caller verifies the bearer credential of r against the provider in the
// path. On failure the response has been written.
func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (providerID, subjectID string, ok bool) {
	pathProvider := r.PathValue("provider")

	token, found := bearerCredential(r)
	if !found {
		h.writeUnauthorized(w, r, "A bearer credential is required.")
		return "", "", false
	}
	providerID, subjectID, err := h.credentials.Verify(token)
	if err != nil {
		h.writeUnauthorized(w, r, "The credential is invalid or has expired.")
		return "", "", false
	}
	if providerID != pathProvider {
		h.writeError(w, r, NewOAuthError("wrong_provider", "The credential was issued for another provider.", http.StatusForbidden))
		return "", "", false
	}
	return providerID, subjectID, true
}

func (h *Handler) writeUnauthorized(w http.ResponseWriter, r *http.Request, description string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="mcpgate", error="invalid_token"`)
	h.writeError(w, r, NewOAuthError("invalid_token", description, http.StatusUnauthorized))
}

func bearerCredential(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	token = strings.TrimSpace(token)
	if !found || !strings.EqualFold(scheme, "bearer") || token == "" {
		return "", false
	}
	return token, true
}
