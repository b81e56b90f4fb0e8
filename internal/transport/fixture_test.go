package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/teemow/mcpgate/internal/connector"
	"github.com/teemow/mcpgate/internal/oauth"
	"github.com/teemow/mcpgate/internal/session"
	"github.com/teemow/mcpgate/internal/tokenstore"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

// stubTokens hands out a live token for every caller until denied.
type stubTokens struct {
	mu     sync.Mutex
	denied bool
	calls  int
}

func (s *stubTokens) Token(_ context.Context, providerID, subjectID string, _ time.Duration) (*tokenstore.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.denied {
		return nil, oauth.ErrRevokedGrant
	}
	return &tokenstore.Record{
		ProviderID:  providerID,
		SubjectID:   subjectID,
		AccessToken: "at-" + subjectID,
		ExpiresAt:   time.Now().Add(time.Hour),
	}, nil
}

func (s *stubTokens) deny() {
	s.mu.Lock()
	s.denied = true
	s.mu.Unlock()
}

// echoConnector answers requests with their method and the caller's token.
// It deliberately answers with a foreign id.
func echoConnector(_ context.Context, call connector.Call) (json.RawMessage, error) {
	msg := gjson.ParseBytes(call.Message)
	if !msg.Get("id").Exists() {
		return nil, nil
	}
	return json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      "connector-id",
		"result": map[string]any{
			"method": msg.Get("method").String(),
			"token":  call.AccessToken,
			"seq":    msg.Get("params.seq").Int(),
		},
	})
}

type fixtureOptions struct {
	connector        connector.Connector
	connectorTimeout time.Duration
	window           time.Duration
	sessions         session.Config
}

type fixture struct {
	tokens     *stubTokens
	sessions   *session.Manager
	creds      *oauth.Credentials
	dispatcher *Dispatcher
	srv        *httptest.Server
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	f := &fixture{tokens: &stubTokens{}}

	cfg := opts.sessions
	cfg.Tokens = f.tokens
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Hour
	}
	var err error
	f.sessions, err = session.NewManager(cfg)
	require.NoError(t, err)

	f.creds, err = oauth.NewCredentials(testSecret, time.Hour)
	require.NoError(t, err)

	conn := opts.connector
	if conn == nil {
		conn = connector.Func(echoConnector)
	}
	f.dispatcher, err = NewDispatcher(DispatcherConfig{
		Sessions:         f.sessions,
		Connector:        conn,
		ConnectorTimeout: opts.connectorTimeout,
		RetryBackoff:     5 * time.Millisecond,
	})
	require.NoError(t, err)

	sse, err := NewSSEHandler(SSEConfig{
		Sessions:          f.sessions,
		Dispatcher:        f.dispatcher,
		Authenticator:     f.creds,
		KeepAliveInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	httpHandler, err := NewHTTPHandler(HTTPConfig{
		Sessions:       f.sessions,
		Dispatcher:     f.dispatcher,
		Authenticator:  f.creds,
		ResponseWindow: opts.window,
	})
	require.NoError(t, err)

	mux := http.NewServeMux()
	sse.Register(mux)
	httpHandler.Register(mux)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	t.Cleanup(f.sessions.Stop)
	t.Cleanup(func() { _ = f.sessions.Drain(context.Background()) })
	return f
}

func (f *fixture) credential(t *testing.T, providerID, subjectID string) string {
	t.Helper()
	token, _, err := f.creds.Issue(providerID, subjectID)
	require.NoError(t, err)
	return token
}

func (f *fixture) post(t *testing.T, path string, body string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": {"Bearer " + token}}
}

// sseStream reads events from an open SSE response.
type sseStream struct {
	resp   *http.Response
	reader *bufio.Reader
}

type sseEvent struct {
	Event string
	Data  string
}

func openStream(t *testing.T, baseURL, credential string) (*sseStream, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/sse/", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)

	s := &sseStream{resp: resp, reader: bufio.NewReader(resp.Body)}
	ev := s.next(t)
	require.Equal(t, "endpoint", ev.Event)
	require.True(t, strings.HasPrefix(ev.Data, SSEMessagePath+"?session_id="), ev.Data)
	return s, strings.TrimPrefix(ev.Data, SSEMessagePath+"?session_id=")
}

// next returns the next event, skipping keep-alive comments.
func (s *sseStream) next(t *testing.T) sseEvent {
	t.Helper()
	var ev sseEvent
	var data []string
	for {
		line, err := s.reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.Event == "" && data == nil {
				continue
			}
			ev.Data = strings.Join(data, "\n")
			return ev
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			ev.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond)
}

func jsonBody(s string) *strings.Reader {
	return strings.NewReader(s)
}
