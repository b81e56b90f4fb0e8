package oauth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T, fx brokerFixture, postAuth string, limiter *RateLimiter) (*http.ServeMux, *Credentials) {
	t.Helper()
	creds, err := NewCredentials([]byte(strings.Repeat("k", MinCredentialSecretLength)), 0)
	require.NoError(t, err)

	h := NewHandler(HandlerConfig{
		Broker:           fx.broker,
		Credentials:      creds,
		PostAuthRedirect: postAuth,
		RateLimiter:      limiter,
	})
	mux := http.NewServeMux()
	h.Register(mux)
	return mux, creds
}

func authorize(t *testing.T, mux *http.ServeMux, providerID string) string {
	t.Helper()
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/"+providerID+"/authorize", nil))
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

func TestHandler_AuthorizeAndCallback(t *testing.T) {
	fake := newFakeProvider(t)
	fx := newTestBroker(t, Config{}, fake.config("slack"))
	mux, creds := newTestHandler(t, fx, "", nil)

	state := authorize(t, mux, "slack")

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/slack/callback?code="+validCode+"&state="+state, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var result CallbackResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "slack", result.Provider)
	assert.Equal(t, testSubject, result.Subject)
	assert.Equal(t, "Bearer", result.TokenType)

	providerID, subjectID, err := creds.Verify(result.Credential)
	require.NoError(t, err)
	assert.Equal(t, "slack", providerID)
	assert.Equal(t, testSubject, subjectID)
}

func TestHandler_CallbackRedirectsToLanding(t *testing.T) {
	fake := newFakeProvider(t)
	fx := newTestBroker(t, Config{}, fake.config("slack"))
	mux, creds := newTestHandler(t, fx, "https://app.example.com/connected?from=mcpgate", nil)

	state := authorize(t, mux, "slack")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/slack/callback?code="+validCode+"&state="+state, nil))
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", loc.Host)
	assert.Equal(t, "mcpgate", loc.Query().Get("from"))
	assert.Equal(t, "slack", loc.Query().Get("provider"))
	assert.Equal(t, testSubject, loc.Query().Get("subject"))
	assert.Empty(t, loc.Query().Get("credential"), "credential must stay out of the query")

	frag, err := url.ParseQuery(loc.Fragment)
	require.NoError(t, err)
	_, _, err = creds.Verify(frag.Get("credential"))
	assert.NoError(t, err)
}

func TestHandler_CallbackErrors(t *testing.T) {
	fake := newFakeProvider(t)
	fx := newTestBroker(t, Config{}, fake.config("slack"))
	mux, _ := newTestHandler(t, fx, "", nil)

	tests := []struct {
		name     string
		path     func() string
		wantCode int
		wantErr  string
	}{
		{
			name:     "unknown provider",
			path:     func() string { return "/myspace/authorize" },
			wantCode: http.StatusNotFound,
			wantErr:  "unknown_provider",
		},
		{
			name:     "wrong state",
			path:     func() string { return "/slack/callback?code=" + validCode + "&state=forged" },
			wantCode: http.StatusBadRequest,
			wantErr:  "invalid_state",
		},
		{
			name: "rejected code",
			path: func() string {
				return "/slack/callback?code=bad&state=" + authorize(t, mux, "slack")
			},
			wantCode: http.StatusBadGateway,
			wantErr:  "exchange_failed",
		},
		{
			name: "provider error",
			path: func() string {
				return "/slack/callback?error=access_denied&state=" + authorize(t, mux, "slack")
			},
			wantCode: http.StatusBadGateway,
			wantErr:  "exchange_failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path(), nil))
			assert.Equal(t, tt.wantCode, rec.Code)

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantErr, body.Error)
		})
	}

	assert.Equal(t, 0, fx.states.Len(), "every started flow was consumed")
}

func TestHandler_ErrorPageForBrowsers(t *testing.T) {
	fake := newFakeProvider(t)
	fx := newTestBroker(t, Config{}, fake.config("slack"))
	mux, _ := newTestHandler(t, fx, "", nil)

	req := httptest.NewRequest(http.MethodGet, "/slack/callback?code=x&state=<script>", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "Authorization failed")
	assert.NotContains(t, rec.Body.String(), "<script>")
}

func TestHandler_RateLimit(t *testing.T) {
	fake := newFakeProvider(t)
	fx := newTestBroker(t, Config{}, fake.config("slack"))
	mux, _ := newTestHandler(t, fx, "", NewRateLimiter(0.001, 1, false))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/slack/authorize", nil))
	assert.Equal(t, http.StatusFound, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/slack/authorize", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}
