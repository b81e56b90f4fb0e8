package calendar_tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/teemow/mcpgate/internal/calendar"
	"github.com/teemow/mcpgate/internal/connector"
)

// fakeCalendarAPI serves a tiny Calendar API and records the bearer tokens it sees.
type fakeCalendarAPI struct {
	srv *httptest.Server

	mu     sync.Mutex
	tokens []string
}

func (f *fakeCalendarAPI) seenTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens...)
}

func newFakeCalendarAPI(t *testing.T) *fakeCalendarAPI {
	t.Helper()
	f := &fakeCalendarAPI{}
	mux := http.NewServeMux()
	mux.HandleFunc("/users/me/calendarList", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(gcal.CalendarList{Items: []*gcal.CalendarListEntry{
			{Id: "me@example.com", Summary: "Me", Primary: true, AccessRole: "owner"},
		}})
	})
	mux.HandleFunc("/calendars/primary/events", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(gcal.Events{Items: []*gcal.Event{{
			Id:      "ev1",
			Summary: "Planning",
			Start:   &gcal.EventDateTime{DateTime: "2026-03-01T09:00:00Z"},
			End:     &gcal.EventDateTime{DateTime: "2026-03-01T10:00:00Z"},
		}}})
	})
	mux.HandleFunc("/calendars/primary/events/ev1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(gcal.Event{
			Id:        "ev1",
			Summary:   "Planning",
			Start:     &gcal.EventDateTime{Date: "2026-03-01"},
			End:       &gcal.EventDateTime{Date: "2026-03-02"},
			Attendees: []*gcal.EventAttendee{{Email: "a@example.com", DisplayName: "Ann", Optional: true}},
		})
	})
	mux.HandleFunc("/freeBusy", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(gcal.FreeBusyResponse{Calendars: map[string]gcal.FreeBusyCalendar{
			"primary": {},
		}})
	})
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.tokens = append(f.tokens, r.Header.Get("Authorization"))
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeCalendarAPI) factory(ctx context.Context, accessToken string) (*calendar.Client, error) {
	return calendar.NewClient(ctx, accessToken, option.WithEndpoint(f.srv.URL+"/"))
}

func callTool(t *testing.T, api *fakeCalendarAPI, token, name string, args map[string]any) gjson.Result {
	t.Helper()
	a := connector.NewMCPServerAdapter(NewServer("test", api.factory))

	msg, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params":  map[string]any{"name": name, "arguments": args},
	})
	require.NoError(t, err)

	reply, err := a.Handle(context.Background(), connector.Call{
		SessionID:   "s1",
		ProviderID:  "google",
		SubjectID:   "u1",
		AccessToken: token,
		Message:     msg,
	})
	require.NoError(t, err)
	return gjson.ParseBytes(reply).Get("result")
}

func TestTools_Registered(t *testing.T) {
	a := connector.NewMCPServerAdapter(NewServer("test", nil))
	reply, err := a.Handle(context.Background(), connector.Call{
		Message: json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`),
	})
	require.NoError(t, err)

	var names []string
	for _, tool := range gjson.GetBytes(reply, "result.tools").Array() {
		names = append(names, tool.Get("name").String())
	}
	assert.ElementsMatch(t, []string{
		"calendar_list_calendars",
		"calendar_list_events",
		"calendar_get_event",
		"calendar_query_freebusy",
	}, names)
}

func TestListCalendars_UsesSessionToken(t *testing.T) {
	api := newFakeCalendarAPI(t)

	result := callTool(t, api, "ya29.session", "calendar_list_calendars", nil)
	assert.False(t, result.Get("isError").Bool())
	text := result.Get("content.0.text").String()
	assert.Contains(t, text, "Found 1 calendar(s)")
	assert.Contains(t, text, "[PRIMARY]")
	assert.Equal(t, []string{"Bearer ya29.session"}, api.seenTokens())
}

func TestListEvents(t *testing.T) {
	api := newFakeCalendarAPI(t)

	result := callTool(t, api, "tok", "calendar_list_events", map[string]any{
		"timeMin": "2026-03-01T00:00:00Z",
		"timeMax": "2026-03-02T00:00:00Z",
	})
	assert.False(t, result.Get("isError").Bool())
	text := result.Get("content.0.text").String()
	assert.Contains(t, text, "Found 1 events")
	assert.Contains(t, text, "Planning")
	assert.Contains(t, text, "2026-03-01T09:00:00Z")
}

func TestListEvents_ArgumentErrors(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing timeMin", map[string]any{"timeMax": "2026-03-02T00:00:00Z"}, "timeMin is required"},
		{"bad timeMax", map[string]any{"timeMin": "2026-03-01T00:00:00Z", "timeMax": "tomorrow"}, "invalid timeMax format"},
		{"inverted range", map[string]any{"timeMin": "2026-03-02T00:00:00Z", "timeMax": "2026-03-01T00:00:00Z"}, "timeMax must be after timeMin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeCalendarAPI(t)
			result := callTool(t, api, "tok", "calendar_list_events", tt.args)
			assert.True(t, result.Get("isError").Bool())
			assert.Contains(t, result.Get("content.0.text").String(), tt.want)
			assert.Empty(t, api.seenTokens())
		})
	}
}

func TestGetEvent(t *testing.T) {
	api := newFakeCalendarAPI(t)

	result := callTool(t, api, "tok", "calendar_get_event", map[string]any{"eventId": "ev1"})
	assert.False(t, result.Get("isError").Bool())
	text := result.Get("content.0.text").String()
	assert.Contains(t, text, "Event: Planning")
	assert.Contains(t, text, "2026-03-01 (all day)")
	assert.Contains(t, text, "Ann <a@example.com> [optional]")
}

func TestQueryFreeBusy_DefaultsToPrimary(t *testing.T) {
	api := newFakeCalendarAPI(t)

	result := callTool(t, api, "tok", "calendar_query_freebusy", map[string]any{
		"timeMin": "2026-03-01T00:00:00Z",
		"timeMax": "2026-03-02T00:00:00Z",
	})
	assert.False(t, result.Get("isError").Bool())
	text := result.Get("content.0.text").String()
	assert.Contains(t, text, "Calendar: primary")
	assert.Contains(t, text, "FREE for entire range")
}

func TestTools_WithoutAccessToken(t *testing.T) {
	api := newFakeCalendarAPI(t)

	result := callTool(t, api, "", "calendar_list_calendars", nil)
	assert.True(t, result.Get("isError").Bool())
	assert.Contains(t, result.Get("content.0.text").String(), "no access token")
	assert.Empty(t, api.seenTokens())
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b "))
	assert.Nil(t, splitList(""))
}
