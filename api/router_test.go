package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/goliatone/go-calendar-links/core"
)

const testUser = "ada@example.com"

func TestRouter_ConnectCallbackStatusDisconnect(t *testing.T) {
	provider := newAPIStubProvider("google")
	server := newTestServer(t, provider)

	resp := doRequest(t, server, http.MethodGet, "/providers/google/connect?redirect_uri="+url.QueryEscape("https://app.example.com/cb"), testUser)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("connect status %d", resp.StatusCode)
	}
	var connect core.ConnectResponse
	decodeBody(t, resp, &connect)
	if connect.State == "" || !strings.Contains(connect.URL, connect.State) {
		t.Fatalf("unexpected connect response %+v", connect)
	}

	resp = doRequest(t, server, http.MethodGet, "/providers/google/callback?code=auth-code&state="+url.QueryEscape(connect.State), testUser)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("callback status %d", resp.StatusCode)
	}
	var linked core.LinkResult
	decodeBody(t, resp, &linked)
	if linked.State != core.LinkStateLinked {
		t.Fatalf("expected linked state, got %q", linked.State)
	}

	resp = doRequest(t, server, http.MethodGet, "/providers/google/status", testUser)
	var status core.LinkStatus
	decodeBody(t, resp, &status)
	if !status.Linked || status.ExternalAccountID != "acct-google" {
		t.Fatalf("unexpected status %+v", status)
	}

	for i := 0; i < 2; i++ {
		resp = doRequest(t, server, http.MethodDelete, "/providers/google", testUser)
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("disconnect %d status %d", i, resp.StatusCode)
		}
	}

	resp = doRequest(t, server, http.MethodGet, "/providers", testUser)
	var statuses statusesResponse
	decodeBody(t, resp, &statuses)
	if len(statuses.Providers) != 1 || statuses.Providers[0].Linked {
		t.Fatalf("expected one unlinked provider, got %+v", statuses.Providers)
	}
}

func TestRouter_ConnectRedirects(t *testing.T) {
	server := newTestServer(t, newAPIStubProvider("google"))
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/providers/google/connect?redirect=1", nil)
	req.Header.Set(DefaultIdentityHeader, testUser)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
	if !strings.HasPrefix(resp.Header.Get("Location"), "https://auth.example.com/google") {
		t.Fatalf("unexpected location %q", resp.Header.Get("Location"))
	}
}

func TestRouter_RejectsAnonymousRequests(t *testing.T) {
	server := newTestServer(t, newAPIStubProvider("google"))
	resp := doRequest(t, server, http.MethodGet, "/providers", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var body errorBody
	decodeBody(t, resp, &body)
	if body.Error.TextCode != core.ServiceErrorUnauthenticated {
		t.Fatalf("unexpected text code %q", body.Error.TextCode)
	}
}

func TestRouter_ErrorEnvelopes(t *testing.T) {
	server := newTestServer(t, newAPIStubProvider("google"))

	resp := doRequest(t, server, http.MethodGet, "/providers/unknown/status", testUser)
	var body errorBody
	decodeBody(t, resp, &body)
	if resp.StatusCode != http.StatusNotFound || body.Error.TextCode != core.ServiceErrorProviderNotFound {
		t.Fatalf("expected provider not found, got %d %+v", resp.StatusCode, body.Error)
	}

	resp = doRequest(t, server, http.MethodGet, "/providers/google/callback?code=x&state=forged", testUser)
	decodeBody(t, resp, &body)
	if resp.StatusCode != http.StatusBadRequest || body.Error.TextCode != core.ServiceErrorOAuthStateInvalid {
		t.Fatalf("expected invalid oauth state, got %d %+v", resp.StatusCode, body.Error)
	}

	resp = doRequest(t, server, http.MethodGet, "/providers/google/callback?error=access_denied", testUser)
	decodeBody(t, resp, &body)
	if resp.StatusCode != http.StatusBadRequest || body.Error.TextCode != core.ServiceErrorBadInput {
		t.Fatalf("expected denied consent to be bad input, got %d %+v", resp.StatusCode, body.Error)
	}

	resp = doRequest(t, server, http.MethodGet, "/events?start=2026-03-02&end=2026-03-01", testUser)
	decodeBody(t, resp, &body)
	if resp.StatusCode != http.StatusBadRequest || len(body.Error.Validation) == 0 {
		t.Fatalf("expected validation error for inverted window, got %d %+v", resp.StatusCode, body.Error)
	}
}

func TestRouter_EventsAndICS(t *testing.T) {
	provider := newAPIStubProvider("google")
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	provider.events = []core.UnifiedEvent{
		{SourceID: "e1", Title: "Standup", Start: start, End: start.Add(15 * time.Minute), Status: core.EventStatusConfirmed},
		{SourceID: "e2", Title: "Review", Start: start.Add(time.Hour), End: start.Add(2 * time.Hour), Status: core.EventStatusConfirmed},
	}
	server := newTestServer(t, provider)
	linkProvider(t, server, "google")

	resp := doRequest(t, server, http.MethodGet, "/events?start=2026-03-02T00:00:00Z&end=2026-03-03T00:00:00Z", testUser)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events status %d", resp.StatusCode)
	}
	var result core.UnifiedEventsResult
	decodeBody(t, resp, &result)
	if len(result.Events) != 2 || result.Events[0].Title != "Standup" {
		t.Fatalf("unexpected events %+v", result.Events)
	}
	if result.Partial {
		t.Fatalf("expected complete result")
	}

	resp = doRequest(t, server, http.MethodGet, "/events.ics?start=2026-03-02&end=2026-03-03", testUser)
	defer resp.Body.Close()
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/calendar") {
		t.Fatalf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	buf := new(strings.Builder)
	if _, err := ioCopy(buf, resp); err != nil {
		t.Fatalf("read ics: %v", err)
	}
	if strings.Count(buf.String(), "BEGIN:VEVENT") != 2 {
		t.Fatalf("expected two VEVENTs, got %s", buf.String())
	}
}

func TestRouter_RateLimitsPerUser(t *testing.T) {
	limiter := NewUserRateLimiter(RateLimitConfig{Rate: rate.Limit(0.001), Burst: 1, CleanupInterval: time.Minute})
	server := newTestServer(t, newAPIStubProvider("google"), WithRateLimiter(limiter))

	if resp := doRequest(t, server, http.MethodGet, "/providers", testUser); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", resp.StatusCode)
	}
	resp := doRequest(t, server, http.MethodGet, "/providers", testUser)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	if resp := doRequest(t, server, http.MethodGet, "/providers", "grace@example.com"); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected other user to pass, got %d", resp.StatusCode)
	}
}

func TestRouter_MetricsBypassesIdentity(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("calendar_links_connect_total 1\n"))
	})
	server := newTestServer(t, newAPIStubProvider("google"), WithMetricsHandler(metrics))
	resp := doRequest(t, server, http.MethodGet, "/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected metrics to be public, got %d", resp.StatusCode)
	}
}

func newTestServer(t *testing.T, provider core.Provider, opts ...Option) *httptest.Server {
	t.Helper()
	service, err := core.NewService(core.DefaultConfig(), core.WithProviders(provider))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	server := httptest.NewServer(NewRouter(service, opts...))
	t.Cleanup(server.Close)
	return server
}

func linkProvider(t *testing.T, server *httptest.Server, providerID string) {
	t.Helper()
	resp := doRequest(t, server, http.MethodGet, "/providers/"+providerID+"/connect", testUser)
	var connect core.ConnectResponse
	decodeBody(t, resp, &connect)
	resp = doRequest(t, server, http.MethodGet, "/providers/"+providerID+"/callback?code=c&state="+url.QueryEscape(connect.State), testUser)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("link %s: status %d", providerID, resp.StatusCode)
	}
	resp.Body.Close()
}

func doRequest(t *testing.T, server *httptest.Server, method, path, user string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, server.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if user != "" {
		req.Header.Set(DefaultIdentityHeader, user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

type apiStubProvider struct {
	id     string
	events []core.UnifiedEvent
}

func newAPIStubProvider(id string) *apiStubProvider {
	return &apiStubProvider{id: id}
}

func (p *apiStubProvider) ID() string { return p.id }

func (p *apiStubProvider) BuildAuthorizationURL(_ context.Context, req core.AuthorizationRequest) (string, error) {
	return "https://auth.example.com/" + p.id + "?state=" + url.QueryEscape(req.State), nil
}

func (p *apiStubProvider) ExchangeCode(context.Context, core.ExchangeRequest) (core.TokenGrant, error) {
	return core.TokenGrant{
		AccessToken:       "access-" + p.id,
		RefreshToken:      "refresh-" + p.id,
		Expiry:            time.Now().UTC().Add(time.Hour),
		ExternalAccountID: "acct-" + p.id,
	}, nil
}

func (p *apiStubProvider) Refresh(context.Context, string) (core.TokenGrant, error) {
	return core.TokenGrant{AccessToken: "refreshed-" + p.id, Expiry: time.Now().UTC().Add(time.Hour)}, nil
}

func (p *apiStubProvider) FetchEvents(context.Context, string, core.TimeRange) ([]core.NativeEvent, error) {
	out := make([]core.NativeEvent, 0, len(p.events))
	for _, event := range p.events {
		out = append(out, core.NativeEvent{ProviderID: p.id, ID: event.SourceID, Payload: event})
	}
	return out, nil
}

func (p *apiStubProvider) NormalizeEvent(event core.NativeEvent) (core.UnifiedEvent, error) {
	unified := event.Payload.(core.UnifiedEvent)
	unified.Source = p.id
	unified.ID = core.UnifiedEventID(p.id, unified.SourceID)
	return unified, nil
}

func (p *apiStubProvider) Revoke(context.Context, string) error { return nil }
