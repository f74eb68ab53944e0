package caldav

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/goliatone/go-calendar-links/core"
)

const standupICS = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:standup-1\r\n" +
	"DTSTAMP:20260301T000000Z\r\n" +
	"DTSTART:20260302T090000Z\r\n" +
	"DTEND:20260302T091500Z\r\n" +
	"SUMMARY:Standup\r\n" +
	"LOCATION:Room 4\r\n" +
	"STATUS:TENTATIVE\r\n" +
	"ATTENDEE;CN=Bob:mailto:Bob@Example.com\r\n" +
	"ATTENDEE;CUTYPE=RESOURCE:mailto:room-4@example.com\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

const recurringICS = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:daily-1\r\n" +
	"DTSTAMP:20260301T000000Z\r\n" +
	"DTSTART:20260302T100000Z\r\n" +
	"DURATION:PT30M\r\n" +
	"RRULE:FREQ=DAILY;COUNT=5\r\n" +
	"SUMMARY:Sync\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:daily-1\r\n" +
	"DTSTAMP:20260301T000000Z\r\n" +
	"RECURRENCE-ID:20260303T100000Z\r\n" +
	"DTSTART:20260303T140000Z\r\n" +
	"DTEND:20260303T143000Z\r\n" +
	"SUMMARY:Sync (moved)\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func decodeCalendar(t *testing.T, raw string) *ical.Calendar {
	t.Helper()
	cal, err := ical.NewDecoder(strings.NewReader(raw)).Decode()
	if err != nil {
		t.Fatalf("decode calendar: %v", err)
	}
	return cal
}

func newTestProvider(t *testing.T, endpoint string, client *http.Client) *Provider {
	t.Helper()
	provider, err := New(Config{
		ClientID:      "client",
		AuthURL:       endpoint + "/authorize",
		TokenURL:      endpoint + "/token",
		Endpoint:      endpoint,
		CalendarPaths: []string{"/calendars/ada/default/"},
		HTTPClient:    client,
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return provider
}

func testWindow() core.TimeRange {
	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	return core.TimeRange{Start: start, End: start.Add(3 * 24 * time.Hour)}
}

func TestNewRequiresEndpoint(t *testing.T) {
	if _, err := New(Config{ClientID: "client", AuthURL: "https://a", TokenURL: "https://t"}); err == nil {
		t.Fatalf("expected missing endpoint to fail")
	}
}

func TestNormalizeEventMapsVEvent(t *testing.T) {
	provider := newTestProvider(t, "https://dav.example.com", nil)
	events := provider.expandObject("/calendars/ada/default/standup.ics", decodeCalendar(t, standupICS), testWindow())
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	unified, err := provider.NormalizeEvent(events[0])
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if unified.ID != "caldav:standup-1" || unified.Title != "Standup" || unified.Location != "Room 4" {
		t.Fatalf("unexpected event: %+v", unified)
	}
	if unified.Status != core.EventStatusTentative || unified.End.Sub(unified.Start) != 15*time.Minute {
		t.Fatalf("unexpected status or duration: %+v", unified)
	}
	if len(unified.Attendees) != 1 || unified.Attendees[0].Email != "bob@example.com" || unified.Attendees[0].Name != "Bob" {
		t.Fatalf("unexpected attendees: %+v", unified.Attendees)
	}
}

func TestExpandObjectAppliesOverrides(t *testing.T) {
	provider := newTestProvider(t, "https://dav.example.com", nil)
	events := provider.expandObject("/calendars/ada/default/daily.ics", decodeCalendar(t, recurringICS), testWindow())

	byID := map[string]core.UnifiedEvent{}
	for _, event := range events {
		unified, err := provider.NormalizeEvent(event)
		if err != nil {
			t.Fatalf("normalize %s: %v", event.ID, err)
		}
		byID[unified.SourceID] = unified
	}
	if len(byID) != 3 {
		t.Fatalf("expected three instances in window, got %v", keys(byID))
	}
	moved, ok := byID["daily-1/20260303T100000Z"]
	if !ok || moved.Title != "Sync (moved)" || moved.Start.Hour() != 14 {
		t.Fatalf("expected override to replace the generated instance, got %+v", byID)
	}
	first := byID["daily-1/20260302T100000Z"]
	if first.End.Sub(first.Start) != 30*time.Minute {
		t.Fatalf("expected duration applied to generated instance, got %+v", first)
	}
}

func TestFetchEventsQueriesConfiguredCalendar(t *testing.T) {
	var method, auth, body string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		auth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		w.WriteHeader(http.StatusMultiStatus)
		fmt.Fprintf(w, `<?xml version="1.0" encoding="utf-8"?>
<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:response>
    <d:href>/calendars/ada/default/standup.ics</d:href>
    <d:propstat>
      <d:prop>
        <d:getetag>"1"</d:getetag>
        <d:getlastmodified>Sun, 01 Mar 2026 00:00:00 GMT</d:getlastmodified>
        <d:getcontentlength>%d</d:getcontentlength>
        <c:calendar-data>%s</c:calendar-data>
      </d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`, len(standupICS), standupICS)
	}))
	defer server.Close()

	provider := newTestProvider(t, server.URL, server.Client())
	events, err := provider.FetchEvents(context.Background(), "access-1", testWindow())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if method != "REPORT" || auth != "Bearer access-1" {
		t.Fatalf("expected bearer REPORT, got %s %q", method, auth)
	}
	if !strings.Contains(body, "time-range") || !strings.Contains(body, "20260302T000000Z") {
		t.Fatalf("expected time-range filter in query, got %s", body)
	}
	if len(events) != 1 || events[0].ID != "standup-1" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestFetchEventsClassifiesAuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	provider := newTestProvider(t, server.URL, server.Client())
	_, err := provider.FetchEvents(context.Background(), "expired", testWindow())
	if core.ClassifyError(err) != core.ErrorKindReauthRequired {
		t.Fatalf("expected reauth required, got %v", err)
	}
}

func keys(m map[string]core.UnifiedEvent) []string {
	out := make([]string, 0, len(m))
	for key := range m {
		out = append(out, key)
	}
	return out
}
