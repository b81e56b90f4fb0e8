package calendar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at-1" {
			http.Error(w, `{"error":{"code":401,"message":"bad token"}}`, http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(context.Background(), "at-1", option.WithEndpoint(srv.URL+"/"))
	require.NoError(t, err)
	return client
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestNewClient_RequiresToken(t *testing.T) {
	_, err := NewClient(context.Background(), "")
	require.Error(t, err)
}

func TestListCalendars(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/users/me/calendarList", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, calendar.CalendarList{Items: []*calendar.CalendarListEntry{
			{Id: "team@example.com", Summary: "Team", AccessRole: "reader"},
			{Id: "me@example.com", Summary: "Me", Primary: true, AccessRole: "owner", TimeZone: "Europe/Berlin"},
		}})
	})

	calendars, err := newTestClient(t, mux).ListCalendars(context.Background())
	require.NoError(t, err)
	require.Len(t, calendars, 2)
	assert.Equal(t, "me@example.com", calendars[0].ID)
	assert.True(t, calendars[0].Primary)
	assert.Equal(t, "Europe/Berlin", calendars[0].TimeZone)
	assert.Equal(t, "team@example.com", calendars[1].ID)
}

func TestListEvents(t *testing.T) {
	min := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	max := min.Add(24 * time.Hour)

	mux := http.NewServeMux()
	mux.HandleFunc("/calendars/primary/events", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, min.Format(time.RFC3339), q.Get("timeMin"))
		assert.Equal(t, max.Format(time.RFC3339), q.Get("timeMax"))
		assert.Equal(t, "true", q.Get("singleEvents"))
		assert.Equal(t, "standup", q.Get("q"))
		assert.Equal(t, "50", q.Get("maxResults"))

		writeJSON(t, w, calendar.Events{Items: []*calendar.Event{
			{
				Id:        "ev1",
				Summary:   "Standup",
				Start:     &calendar.EventDateTime{DateTime: "2026-03-01T09:00:00Z"},
				End:       &calendar.EventDateTime{DateTime: "2026-03-01T09:15:00Z"},
				Organizer: &calendar.EventOrganizer{Email: "lead@example.com"},
				Attendees: []*calendar.EventAttendee{{Email: "me@example.com", ResponseStatus: "accepted"}},
				ConferenceData: &calendar.ConferenceData{EntryPoints: []*calendar.EntryPoint{
					{EntryPointType: "phone", Uri: "tel:+1"},
					{EntryPointType: "video", Uri: "https://meet.example.com/abc"},
				}},
			},
			{
				Id:      "ev2",
				Summary: "Holiday",
				Start:   &calendar.EventDateTime{Date: "2026-03-01"},
				End:     &calendar.EventDateTime{Date: "2026-03-02"},
			},
		}})
	})

	events, err := newTestClient(t, mux).ListEvents(context.Background(), "primary", min, max, "standup", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "Standup", events[0].Summary)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), events[0].Start.UTC())
	assert.Equal(t, "lead@example.com", events[0].Organizer)
	assert.Equal(t, "https://meet.example.com/abc", events[0].MeetLink)
	require.Len(t, events[0].Attendees, 1)
	assert.Equal(t, "accepted", events[0].Attendees[0].ResponseStatus)

	assert.True(t, events[1].AllDay)
	assert.Equal(t, min, events[1].Start)
}

func TestGetEvent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/calendars/primary/events/ev1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, calendar.Event{Id: "ev1", Summary: "Review", Location: "Room 4"})
	})
	mux.HandleFunc("/calendars/primary/events/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":404,"message":"Not Found"}}`))
	})
	client := newTestClient(t, mux)

	event, err := client.GetEvent(context.Background(), "primary", "ev1")
	require.NoError(t, err)
	assert.Equal(t, "Review", event.Summary)
	assert.Equal(t, "Room 4", event.Location)

	_, err = client.GetEvent(context.Background(), "primary", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to get event")
}

func TestQueryFreeBusy(t *testing.T) {
	min := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	max := min.Add(10 * time.Hour)

	mux := http.NewServeMux()
	mux.HandleFunc("/freeBusy", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var req calendar.FreeBusyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Items, 2)

		writeJSON(t, w, calendar.FreeBusyResponse{Calendars: map[string]calendar.FreeBusyCalendar{
			"primary": {Busy: []*calendar.TimePeriod{{Start: "2026-03-01T10:00:00Z", End: "2026-03-01T11:00:00Z"}}},
			"other":   {Errors: []*calendar.Error{{Reason: "notFound"}}},
		}})
	})

	infos, err := newTestClient(t, mux).QueryFreeBusy(context.Background(), min, max, []string{"primary", "other"})
	require.NoError(t, err)
	require.Len(t, infos, 2)

	assert.Equal(t, "other", infos[0].Calendar)
	assert.Equal(t, []string{"notFound"}, infos[0].Errors)
	assert.Equal(t, "primary", infos[1].Calendar)
	require.Len(t, infos[1].Busy, 1)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), infos[1].Busy[0].Start.UTC())
}

func TestClient_RejectedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":401,"message":"Invalid Credentials"}}`))
	}))
	defer srv.Close()

	client, err := NewClient(context.Background(), "stale", option.WithEndpoint(srv.URL+"/"))
	require.NoError(t, err)
	_, err = client.ListCalendars(context.Background())
	require.Error(t, err)
}
