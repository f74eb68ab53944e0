package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-calendar-links/core"
	"google.golang.org/api/calendar/v3"
)

type fakeGoogle struct {
	mu            sync.Mutex
	eventStatus   int
	eventRequests []url.Values
	authHeaders   []string
}

func newFakeGoogle(t *testing.T) (*fakeGoogle, *httptest.Server) {
	t.Helper()
	fake := &fakeGoogle{eventStatus: http.StatusOK}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/token":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "access-1",
				"refresh_token": "refresh-1",
				"token_type":    "Bearer",
				"expires_in":    3600,
			})
		case strings.HasSuffix(r.URL.Path, "/userinfo"):
			fake.authHeaders = append(fake.authHeaders, r.Header.Get("Authorization"))
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "1098", "email": "Ada@Example.com"})
		case strings.HasSuffix(r.URL.Path, "/calendars/primary/events"):
			fake.authHeaders = append(fake.authHeaders, r.Header.Get("Authorization"))
			fake.eventRequests = append(fake.eventRequests, r.URL.Query())
			if fake.eventStatus != http.StatusOK {
				w.WriteHeader(fake.eventStatus)
				_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": fake.eventStatus, "message": "nope"}})
				return
			}
			if r.URL.Query().Get("pageToken") == "" {
				_ = json.NewEncoder(w).Encode(map[string]any{
					"nextPageToken": "page-2",
					"items": []map[string]any{
						{"id": "evt-1", "summary": "Standup", "start": map[string]any{"dateTime": "2026-03-02T09:00:00Z"}, "end": map[string]any{"dateTime": "2026-03-02T09:15:00Z"}},
					},
				})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"items": []map[string]any{
					{"id": "evt-2", "summary": "Offsite", "start": map[string]any{"date": "2026-03-03"}, "end": map[string]any{"date": "2026-03-04"}},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	return fake, server
}

func newTestProvider(t *testing.T, server *httptest.Server) *Provider {
	t.Helper()
	provider, err := New(Config{
		ClientID:     "client",
		ClientSecret: "secret",
		AuthURL:      server.URL + "/authorize",
		TokenURL:     server.URL + "/token",
		RevokeURL:    server.URL + "/revoke",
		APIBaseURL:   server.URL,
		HTTPClient:   server.Client(),
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return provider
}

func testWindow() core.TimeRange {
	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	return core.TimeRange{Start: start, End: start.Add(7 * 24 * time.Hour)}
}

func TestAuthorizationURLRequestsOfflineAccess(t *testing.T) {
	_, server := newFakeGoogle(t)
	provider := newTestProvider(t, server)

	raw, err := provider.BuildAuthorizationURL(context.Background(), core.AuthorizationRequest{State: "state-1"})
	if err != nil {
		t.Fatalf("build url: %v", err)
	}
	parsed, _ := url.Parse(raw)
	query := parsed.Query()
	if query.Get("access_type") != "offline" || query.Get("prompt") != "consent" {
		t.Fatalf("expected offline consent params, got %v", query)
	}
	if !strings.Contains(query.Get("scope"), ScopeCalendarReadOnly) || !strings.Contains(query.Get("scope"), "email") {
		t.Fatalf("expected calendar and identity scopes, got %q", query.Get("scope"))
	}
}

func TestExchangeResolvesAccountFromUserinfo(t *testing.T) {
	fake, server := newFakeGoogle(t)
	provider := newTestProvider(t, server)

	grant, err := provider.ExchangeCode(context.Background(), core.ExchangeRequest{Code: "code"})
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if grant.ExternalAccountID != "ada@example.com" {
		t.Fatalf("expected lowercased email account id, got %q", grant.ExternalAccountID)
	}
	if len(fake.authHeaders) != 1 || fake.authHeaders[0] != "Bearer access-1" {
		t.Fatalf("expected bearer userinfo call, got %v", fake.authHeaders)
	}
}

func TestFetchEventsFollowsPages(t *testing.T) {
	fake, server := newFakeGoogle(t)
	provider := newTestProvider(t, server)

	events, err := provider.FetchEvents(context.Background(), "access-1", testWindow())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(events) != 2 || events[0].ID != "evt-1" || events[1].ID != "evt-2" {
		t.Fatalf("unexpected events: %+v", events)
	}
	first := fake.eventRequests[0]
	if first.Get("singleEvents") != "true" || first.Get("orderBy") != "startTime" {
		t.Fatalf("expected expanded ordered listing, got %v", first)
	}
	if first.Get("timeMin") != "2026-03-02T00:00:00Z" || first.Get("timeMax") != "2026-03-09T00:00:00Z" {
		t.Fatalf("unexpected window params: %v", first)
	}

	timed, err := provider.NormalizeEvent(events[0])
	if err != nil {
		t.Fatalf("normalize timed: %v", err)
	}
	if timed.ID != "google:evt-1" || timed.AllDay || timed.End.Sub(timed.Start) != 15*time.Minute {
		t.Fatalf("unexpected timed event: %+v", timed)
	}
	allDay, err := provider.NormalizeEvent(events[1])
	if err != nil {
		t.Fatalf("normalize all-day: %v", err)
	}
	if !allDay.AllDay || !allDay.Start.Equal(time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected all-day event: %+v", allDay)
	}
}

func TestFetchEventsClassifiesStatus(t *testing.T) {
	tests := []struct {
		status int
		want   core.ErrorKind
	}{
		{status: http.StatusUnauthorized, want: core.ErrorKindReauthRequired},
		{status: http.StatusServiceUnavailable, want: core.ErrorKindTransient},
		{status: http.StatusNotFound, want: core.ErrorKindMalformed},
	}
	for _, tc := range tests {
		fake, server := newFakeGoogle(t)
		fake.eventStatus = tc.status
		provider := newTestProvider(t, server)
		_, err := provider.FetchEvents(context.Background(), "access-1", testWindow())
		if got := core.ClassifyError(err); got != tc.want {
			t.Fatalf("status %d: expected %s, got %s (%v)", tc.status, tc.want, got, err)
		}
	}
}

func TestNormalizeEventMapsFields(t *testing.T) {
	provider, err := New(Config{ClientID: "client"})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	event := core.NativeEvent{ProviderID: ProviderID, ID: "evt-3", Payload: &calendar.Event{
		Id:          "evt-3",
		Description: "<p>Bring <b>notes</b></p>",
		Location:    " Room 4 ",
		Status:      "tentative",
		HtmlLink:    "https://calendar.google.com/event?eid=3",
		Start:       &calendar.EventDateTime{DateTime: "2026-03-02T10:00:00+01:00"},
		End:         &calendar.EventDateTime{DateTime: "2026-03-02T11:00:00+01:00"},
		Attendees: []*calendar.EventAttendee{
			{Email: "Bob@Example.com", DisplayName: "Bob"},
			{Email: "room-4@resource.calendar.google.com", Resource: true},
		},
	}}

	unified, err := provider.NormalizeEvent(event)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if unified.Title != "No Title" || unified.Description != "Bring notes" || unified.Location != "Room 4" {
		t.Fatalf("unexpected text fields: %+v", unified)
	}
	if unified.Status != core.EventStatusTentative || !unified.Start.Equal(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected status or start: %+v", unified)
	}
	if len(unified.Attendees) != 1 || unified.Attendees[0].Email != "bob@example.com" {
		t.Fatalf("expected resource attendees dropped, got %+v", unified.Attendees)
	}

	if _, err := provider.NormalizeEvent(core.NativeEvent{Payload: &calendar.Event{Id: "bad"}}); core.ClassifyError(err) != core.ErrorKindMalformed {
		t.Fatalf("expected malformed error for missing times, got %v", err)
	}
}
