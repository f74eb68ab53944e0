package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const testRedirect = "https://app.example.com/providers/google/callback"

// recordingAuthProvider captures the requests the service sends to the
// provider during consent.
type recordingAuthProvider struct {
	*stubProvider

	authMu       sync.Mutex
	authReqs     []AuthorizationRequest
	exchangeReqs []ExchangeRequest
}

func newRecordingAuthProvider(id string) *recordingAuthProvider {
	return &recordingAuthProvider{stubProvider: newStubProvider(id)}
}

func (p *recordingAuthProvider) BuildAuthorizationURL(ctx context.Context, req AuthorizationRequest) (string, error) {
	p.authMu.Lock()
	p.authReqs = append(p.authReqs, req)
	p.authMu.Unlock()
	return p.stubProvider.BuildAuthorizationURL(ctx, req)
}

func (p *recordingAuthProvider) ExchangeCode(ctx context.Context, req ExchangeRequest) (TokenGrant, error) {
	p.authMu.Lock()
	p.exchangeReqs = append(p.exchangeReqs, req)
	p.authMu.Unlock()
	return p.stubProvider.ExchangeCode(ctx, req)
}

func (p *recordingAuthProvider) exchangeCount() int {
	p.authMu.Lock()
	defer p.authMu.Unlock()
	return len(p.exchangeReqs)
}

type recordingStateStore struct {
	inner    *MemoryOAuthStateStore
	saved    []OAuthStateRecord
	consumed []string
	saveErr  error
}

func (s *recordingStateStore) Save(ctx context.Context, record OAuthStateRecord) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, record)
	return s.inner.Save(ctx, record)
}

func (s *recordingStateStore) Consume(ctx context.Context, state string) (OAuthStateRecord, error) {
	s.consumed = append(s.consumed, state)
	return s.inner.Consume(ctx, state)
}

func textCode(t *testing.T, err error) string {
	t.Helper()
	var rich *goerrors.Error
	if !errors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T: %v", err, err)
	}
	return rich.TextCode
}

func TestConnectAndCompleteConsent_ConsumesOAuthState(t *testing.T) {
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	states := &recordingStateStore{inner: NewMemoryOAuthStateStore(time.Hour)}
	states.inner.nowFn = func() time.Time { return now }
	provider := newRecordingAuthProvider("google")
	provider.exchangeGrant.Scopes = nil
	svc, _, err := newTestService([]Provider{provider},
		WithOAuthStateStore(states),
		WithClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx := context.Background()

	begin, err := svc.Connect(ctx, ConnectRequest{
		UserID:      "  Ada@Example.com ",
		ProviderID:  "google",
		RedirectURI: testRedirect,
		Scopes:      []string{"calendar.read", "calendar.read", " openid "},
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if len(states.saved) != 1 {
		t.Fatalf("expected one saved state, got %d", len(states.saved))
	}
	saved := states.saved[0]
	if saved.State != begin.State || saved.UserID != testUser || saved.ProviderID != "google" || saved.RedirectURI != testRedirect {
		t.Fatalf("unexpected state binding %+v", saved)
	}
	if !begin.ExpiresAt.Equal(now.Add(10 * time.Minute)) {
		t.Fatalf("expected consent expiry at now+10m, got %s", begin.ExpiresAt)
	}
	if len(provider.authReqs) != 1 || len(provider.authReqs[0].Scopes) != 2 {
		t.Fatalf("expected normalized scopes on authorization request, got %+v", provider.authReqs)
	}

	result, err := svc.CompleteConsent(ctx, CompleteConsentRequest{
		UserID:      testUser,
		ProviderID:  "google",
		Code:        "code-1",
		State:       begin.State,
		RedirectURI: testRedirect,
	})
	if err != nil {
		t.Fatalf("complete consent: %v", err)
	}
	if result.State != LinkStateLinked || len(result.Scopes) != 2 {
		t.Fatalf("unexpected link result %+v", result)
	}

	_, err = svc.CompleteConsent(ctx, CompleteConsentRequest{
		UserID:     testUser,
		ProviderID: "google",
		Code:       "code-2",
		State:      begin.State,
	})
	if err == nil {
		t.Fatalf("expected consumed state to be rejected")
	}
	if code := textCode(t, err); code != ServiceErrorOAuthStateInvalid {
		t.Fatalf("expected %s, got %s", ServiceErrorOAuthStateInvalid, code)
	}
	if provider.exchangeCount() != 1 {
		t.Fatalf("expected a single code exchange, got %d", provider.exchangeCount())
	}
}

func TestCompleteConsent_UsesStateRedirectWhenCallbackOmitsIt(t *testing.T) {
	provider := newRecordingAuthProvider("google")
	svc, _, err := newTestService([]Provider{provider})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx := context.Background()
	begin, err := svc.Connect(ctx, ConnectRequest{UserID: testUser, ProviderID: "google", RedirectURI: testRedirect})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := svc.CompleteConsent(ctx, CompleteConsentRequest{
		UserID:     testUser,
		ProviderID: "google",
		Code:       " code-1 ",
		State:      begin.State,
	}); err != nil {
		t.Fatalf("complete consent: %v", err)
	}
	if len(provider.exchangeReqs) != 1 {
		t.Fatalf("expected one exchange, got %d", len(provider.exchangeReqs))
	}
	exchange := provider.exchangeReqs[0]
	if exchange.RedirectURI != testRedirect || exchange.Code != "code-1" {
		t.Fatalf("unexpected exchange request %+v", exchange)
	}
}

func TestCompleteConsent_RejectsMismatchedStateBeforeProviderCall(t *testing.T) {
	google := newRecordingAuthProvider("google")
	microsoft := newRecordingAuthProvider("microsoft")
	svc, store, err := newTestService([]Provider{google, microsoft})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx := context.Background()

	cases := []struct {
		name string
		req  func(state string) CompleteConsentRequest
	}{
		{
			name: "provider",
			req: func(state string) CompleteConsentRequest {
				return CompleteConsentRequest{UserID: testUser, ProviderID: "microsoft", Code: "c", State: state}
			},
		},
		{
			name: "redirect",
			req: func(state string) CompleteConsentRequest {
				return CompleteConsentRequest{UserID: testUser, ProviderID: "google", Code: "c", State: state, RedirectURI: "https://evil.example.com/cb"}
			},
		},
		{
			name: "unknown state",
			req: func(string) CompleteConsentRequest {
				return CompleteConsentRequest{UserID: testUser, ProviderID: "google", Code: "c", State: "forged"}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			begin, err := svc.Connect(ctx, ConnectRequest{UserID: testUser, ProviderID: "google", RedirectURI: testRedirect})
			if err != nil {
				t.Fatalf("connect: %v", err)
			}
			if _, err := svc.CompleteConsent(ctx, tc.req(begin.State)); err == nil {
				t.Fatalf("expected %s mismatch to fail", tc.name)
			} else if code := textCode(t, err); code != ServiceErrorOAuthStateInvalid {
				t.Fatalf("expected %s, got %s", ServiceErrorOAuthStateInvalid, code)
			}
		})
	}

	if google.exchangeCount() != 0 || microsoft.exchangeCount() != 0 {
		t.Fatalf("expected no code exchange on mismatched state")
	}
	link, err := store.Get(ctx, testUser, "google")
	if err != nil {
		t.Fatalf("get link: %v", err)
	}
	if link.State != LinkStatePendingConsent || link.HasTokens() {
		t.Fatalf("expected link to stay pending without tokens, got %+v", link)
	}
}

func TestCompleteConsent_MissingAccessTokenIsMalformed(t *testing.T) {
	provider := newStubProvider("google")
	provider.exchangeGrant.AccessToken = ""
	svc, store, err := newTestService([]Provider{provider})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx := context.Background()
	begin, err := svc.Connect(ctx, ConnectRequest{UserID: testUser, ProviderID: "google"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	_, err = svc.CompleteConsent(ctx, CompleteConsentRequest{UserID: testUser, ProviderID: "google", Code: "c", State: begin.State})
	if ClassifyError(err) != ErrorKindMalformed {
		t.Fatalf("expected malformed error, got %v", err)
	}
	link, err := store.Get(ctx, testUser, "google")
	if err != nil {
		t.Fatalf("get link: %v", err)
	}
	if link.State != LinkStateUnlinked {
		t.Fatalf("expected abandoned consent to be unlinked, got %s", link.State)
	}
}

func TestCompleteConsent_InputErrors(t *testing.T) {
	svc, _, err := newTestService([]Provider{newStubProvider("google")})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx := context.Background()

	_, err = svc.CompleteConsent(ctx, CompleteConsentRequest{ProviderID: "google", Code: "c", State: "s"})
	if ClassifyError(err) != ErrorKindUnauthenticated {
		t.Fatalf("expected unauthenticated, got %v", err)
	}

	_, err = svc.CompleteConsent(ctx, CompleteConsentRequest{UserID: testUser, ProviderID: "yahoo", Code: "c", State: "s"})
	if code := textCode(t, err); code != ServiceErrorProviderNotFound {
		t.Fatalf("expected %s, got %s", ServiceErrorProviderNotFound, code)
	}

	_, err = svc.CompleteConsent(ctx, CompleteConsentRequest{UserID: testUser, ProviderID: "google", State: "s"})
	if code := textCode(t, err); code != ServiceErrorBadInput {
		t.Fatalf("expected %s for missing code, got %s", ServiceErrorBadInput, code)
	}
}

func TestConnect_StateStoreFailureLeavesLinkUntouched(t *testing.T) {
	states := &recordingStateStore{
		inner:   NewMemoryOAuthStateStore(time.Minute),
		saveErr: fmt.Errorf("state backend down"),
	}
	svc, store, err := newTestService([]Provider{newStubProvider("google")}, WithOAuthStateStore(states))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx := context.Background()
	if _, err := svc.Connect(ctx, ConnectRequest{UserID: testUser, ProviderID: "google"}); err == nil {
		t.Fatalf("expected state store failure")
	}
	if _, err := store.Get(ctx, testUser, "google"); !errors.Is(err, ErrLinkNotFound) {
		t.Fatalf("expected no link after failed connect, got %v", err)
	}
}

func TestConnect_WhileLinkedKeepsLinkUsable(t *testing.T) {
	provider := newStubProvider("google")
	svc, store, err := newTestService([]Provider{provider})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	connectAndComplete(t, svc, "google")

	ctx := context.Background()
	if _, err := svc.Connect(ctx, ConnectRequest{UserID: testUser, ProviderID: "google"}); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	link, err := store.Get(ctx, testUser, "google")
	if err != nil {
		t.Fatalf("get link: %v", err)
	}
	if link.State != LinkStateLinked || link.AccessToken == "" {
		t.Fatalf("expected linked state to survive a new consent request, got %+v", link)
	}
}
