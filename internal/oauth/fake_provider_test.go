package oauth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/teemow/mcpgate/internal/provider"
	"github.com/teemow/mcpgate/internal/tokenstore"
)

const (
	validCode   = "good-code"
	testSubject = "T123"
)

// fakeProvider is an OAuth provider backed by httptest.
type fakeProvider struct {
	*httptest.Server

	exchangeCalls atomic.Int32
	refreshCalls  atomic.Int32
	issued        atomic.Int32

	mu sync.Mutex
	// refreshDelay is how long refresh grants take.
	refreshDelay time.Duration
	// refreshFailures makes the first n refresh grants fail with refreshStatus.
	refreshFailures int
	refreshStatus   int
	// omitRefreshToken drops refresh_token from refresh responses.
	omitRefreshToken bool
	// rotateRefreshTokens rejects a refresh token that was already used.
	rotateRefreshTokens bool
	usedRefreshTokens   map[string]bool
	// idToken is returned next to the access token when set.
	idToken      string
	lastVerifier string
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	f := &fakeProvider{refreshStatus: http.StatusBadRequest}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", f.serveToken)
	mux.HandleFunc("GET /userinfo", f.serveUserInfo)
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeProvider) config(id string) provider.Config {
	return provider.Config{
		ID:             id,
		AuthorizeURL:   f.URL + "/authorize",
		TokenURL:       f.URL + "/token",
		ClientID:       "client-" + id,
		ClientSecret:   "secret-" + id,
		Scopes:         []string{"channels:read", "chat:write"},
		RedirectURI:    "http://localhost:8080/" + id + "/callback",
		AuthStyle:      provider.AuthStyleParams,
		ScopeSeparator: ",",
		AuthParams:     map[string]string{"user_scope": "users:read"},
		Subject:        provider.SubjectSource{TokenField: "team.id"},
	}
}

func (f *fakeProvider) serveToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeProviderError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		f.exchangeCalls.Add(1)
		if r.PostForm.Get("code") != validCode {
			writeProviderError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		f.mu.Lock()
		f.lastVerifier = r.PostForm.Get("code_verifier")
		idToken := f.idToken
		f.mu.Unlock()

		resp := f.tokenResponse(true)
		resp["team"] = map[string]any{"id": testSubject, "name": "Acme"}
		if idToken != "" {
			resp["id_token"] = idToken
		}
		writeProviderJSON(w, http.StatusOK, resp)

	case "refresh_token":
		n := f.refreshCalls.Add(1)
		f.mu.Lock()
		delay, failures, status, omit := f.refreshDelay, f.refreshFailures, f.refreshStatus, f.omitRefreshToken
		reused := false
		if f.rotateRefreshTokens {
			rt := r.PostForm.Get("refresh_token")
			if f.usedRefreshTokens == nil {
				f.usedRefreshTokens = make(map[string]bool)
			}
			reused = f.usedRefreshTokens[rt]
			f.usedRefreshTokens[rt] = true
		}
		f.mu.Unlock()

		if reused {
			writeProviderError(w, http.StatusBadRequest, "invalid_grant")
			return
		}

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if int(n) <= failures {
			writeProviderError(w, status, "invalid_grant")
			return
		}
		writeProviderJSON(w, http.StatusOK, f.tokenResponse(!omit))

	default:
		writeProviderError(w, http.StatusBadRequest, "unsupported_grant_type")
	}
}

func (f *fakeProvider) tokenResponse(withRefresh bool) map[string]any {
	n := f.issued.Add(1)
	resp := map[string]any{
		"access_token": fmt.Sprintf("at-%d", n),
		"token_type":   "Bearer",
		"expires_in":   3600,
		"scope":        "channels:read,chat:write",
	}
	if withRefresh {
		resp["refresh_token"] = fmt.Sprintf("rt-%d", n)
	}
	return resp
}

func (f *fakeProvider) serveUserInfo(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	writeProviderJSON(w, http.StatusOK, map[string]any{"id": 4242, "login": "octocat"})
}

func (f *fakeProvider) verifier() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastVerifier
}

func writeProviderJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProviderError(w http.ResponseWriter, status int, code string) {
	writeProviderJSON(w, status, map[string]string{"error": code, "error_description": "rejected by test provider"})
}

type brokerFixture struct {
	broker *Broker
	tokens *tokenstore.MemoryStore
	states *StateStore
}

func newTestBroker(t *testing.T, cfg Config, providers ...provider.Config) brokerFixture {
	t.Helper()
	registry, err := provider.NewRegistry(providers...)
	require.NoError(t, err)

	tokens := tokenstore.NewMemoryStore()
	states := NewStateStore(DefaultStateTTL, nil)
	t.Cleanup(states.Stop)

	cfg.Registry = registry
	cfg.Tokens = tokens
	cfg.States = states
	if cfg.RefreshBackoff == 0 {
		cfg.RefreshBackoff = time.Millisecond
	}
	b, err := NewBroker(cfg)
	require.NoError(t, err)
	return brokerFixture{broker: b, tokens: tokens, states: states}
}
