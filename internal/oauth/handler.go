package oauth

import (
	"context"
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/teemow/mcpgate/internal/instrumentation"
	"github.com/teemow/mcpgate/internal/logging"
)

// HandlerConfig configures the HTTP routes of the broker.
type HandlerConfig struct {
	Broker      *Broker
	Credentials *Credentials

	// PostAuthRedirect, when set, receives the user after a successful
	// callback with provider and subject in the query and the credential in
	// the URL fragment. Otherwise a confirmation is rendered.
	PostAuthRedirect string

	// RateLimiter, when set, limits the routes per client IP.
	RateLimiter *RateLimiter

	// Sessions, when set, has the live sessions of a caller closed when the
	// caller disconnects its grant.
	Sessions SessionCloser

	Audit  *instrumentation.AuditLogger
	Logger *slog.Logger
}

// SessionCloser ends the live MCP sessions of a caller.
type SessionCloser interface {
	CloseSubject(providerID, subjectID string) int
}

// Handler serves the authorize, callback and connection routes.
type Handler struct {
	broker           *Broker
	credentials      *Credentials
	postAuthRedirect string
	rateLimiter      *RateLimiter
	sessions         SessionCloser
	audit            *instrumentation.AuditLogger
	logger           *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		broker:           cfg.Broker,
		credentials:      cfg.Credentials,
		postAuthRedirect: cfg.PostAuthRedirect,
		rateLimiter:      cfg.RateLimiter,
		sessions:         cfg.Sessions,
		audit:            cfg.Audit,
		logger:           logger,
	}
}

// Register adds the routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET /{provider}/authorize", h.RateLimitMiddleware(http.HandlerFunc(h.ServeAuthorize)))
	mux.Handle("GET /{provider}/callback", h.RateLimitMiddleware(http.HandlerFunc(h.ServeCallback)))
	mux.Handle("GET /{provider}/status", h.RateLimitMiddleware(http.HandlerFunc(h.ServeStatus)))
	mux.Handle("DELETE /{provider}/connection", h.RateLimitMiddleware(http.HandlerFunc(h.ServeDisconnect)))
}

// CallbackResult is the confirmation body returned by the callback when no
// post-auth redirect is configured.
type CallbackResult struct {
	Provider   string    `json:"provider"`
	Subject    string    `json:"subject"`
	Credential string    `json:"credential"`
	TokenType  string    `json:"token_type"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ErrorResponse is the JSON body of a failed authorization.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// ServeAuthorize redirects the user to the provider's consent page.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	providerID := r.PathValue("provider")

	auth, err := h.broker.Begin(r.Context(), providerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.setSecurityHeaders(w)
	http.Redirect(w, r, auth.RedirectURL, http.StatusFound)
}

// ServeCallback completes the flow the provider redirected back from.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	providerID := r.PathValue("provider")
	q := r.URL.Query()

	if providerErr := q.Get("error"); providerErr != "" {
		h.broker.Cancel(q.Get("state"))
		detail := providerErr
		if desc := q.Get("error_description"); desc != "" {
			detail += ": " + desc
		}
		h.audit.Log(instrumentation.AuthEvent{
			Type:     instrumentation.AuditFlowFailed,
			Provider: providerID,
			ClientIP: h.clientIP(r),
			Error:    detail,
		})
		h.writeError(w, r, &ExchangeError{Provider: providerID, Detail: detail})
		return
	}

	rec, err := h.broker.Complete(r.Context(), providerID, q.Get("state"), q.Get("code"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	credential, expiresAt, err := h.credentials.Issue(rec.ProviderID, rec.SubjectID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	result := CallbackResult{
		Provider:   rec.ProviderID,
		Subject:    rec.SubjectID,
		Credential: credential,
		TokenType:  "Bearer",
		ExpiresAt:  expiresAt.UTC(),
	}

	if h.postAuthRedirect != "" {
		target, err := landingURL(h.postAuthRedirect, result)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.setSecurityHeaders(w)
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	if wantsHTML(r) {
		h.renderPage(w, http.StatusOK, pageData{
			Title:   "Authorization complete",
			Message: "Your " + result.Provider + " account is connected. Use the credential below to open an MCP session.",
			Detail:  credential,
		})
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// landingURL appends the callback result to the post-auth target. The
// credential travels in the fragment so it is not sent to the landing server.
func landingURL(base string, result CallbackResult) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("provider", result.Provider)
	q.Set("subject", result.Subject)
	u.RawQuery = q.Encode()

	frag := url.Values{}
	frag.Set("credential", result.Credential)
	frag.Set("token_type", result.TokenType)
	frag.Set("expires_at", strconv.FormatInt(result.ExpiresAt.Unix(), 10))
	u.Fragment = ""
	return u.String() + "#" + frag.Encode(), nil
}

// RateLimitMiddleware applies the per-IP rate limiter, if configured.
func (h *Handler) RateLimitMiddleware(next http.Handler) http.Handler {
	if h.rateLimiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.rateLimiter.Allow(h.clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			h.writeError(w, r, NewOAuthError("rate_limit_exceeded", "Too many requests. Please try again later.", http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RunRateLimitCleanup periodically drops idle rate limiter entries until ctx ends.
func (h *Handler) RunRateLimitCleanup(ctx context.Context, interval time.Duration) {
	if h.rateLimiter == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := h.rateLimiter.Cleanup(); n > 0 {
				h.logger.Debug("Cleaned up rate limiters", slog.Int("removed", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) clientIP(r *http.Request) string {
	if h.rateLimiter != nil {
		return h.rateLimiter.ClientIP(r)
	}
	return clientIP(r, false)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	oe := toOAuthError(err)
	level := slog.LevelInfo
	if oe.Status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(r.Context(), level, "Authorization request failed",
		logging.Provider(r.PathValue("provider")),
		slog.String("code", oe.Code),
		slog.Int("status", oe.Status),
		logging.Err(err),
	)

	if wantsHTML(r) {
		h.renderPage(w, oe.Status, pageData{
			Title:   "Authorization failed",
			Message: oe.Description,
			Failed:  true,
		})
		return
	}
	h.writeJSON(w, oe.Status, ErrorResponse{Error: oe.Code, ErrorDescription: oe.Description})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	h.setSecurityHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("Failed to write response", logging.Err(err))
	}
}

// setSecurityHeaders sets headers that keep credentials out of caches and frames.
func (h *Handler) setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; frame-ancestors 'none'")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")
}

type pageData struct {
	Title   string
	Message string
	Detail  string
	Failed  bool
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<title>{{.Title}} - mcpgate</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif; max-width: 40rem; margin: 4rem auto; color: #222; }
h1 { color: {{if .Failed}}#c0392b{{else}}#16a085{{end}}; }
code { display: block; word-break: break-all; background: #f4f4f4; padding: 1rem; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
{{if .Detail}}<code>{{.Detail}}</code>{{end}}
</body>
</html>
`))

func (h *Handler) renderPage(w http.ResponseWriter, status int, data pageData) {
	h.setSecurityHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pageTemplate.Execute(w, data); err != nil {
		h.logger.Debug("Failed to render page", logging.Err(err))
	}
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
