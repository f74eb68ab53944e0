package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type stubProvider struct {
	id string

	mu            sync.Mutex
	refreshCalls  atomic.Int32
	fetchCalls    atomic.Int32
	revokeCalls   atomic.Int32
	exchangeGrant TokenGrant
	exchangeErr   error
	refreshFn     func(ctx context.Context, refreshToken string) (TokenGrant, error)
	fetchFn       func(ctx context.Context, accessToken string, window TimeRange) ([]NativeEvent, error)
	normalizeFn   func(event NativeEvent) (UnifiedEvent, error)
	revoked       []string
}

func newStubProvider(id string) *stubProvider {
	return &stubProvider{
		id: id,
		exchangeGrant: TokenGrant{
			AccessToken:       "access-" + id,
			RefreshToken:      "refresh-" + id,
			Expiry:            time.Now().UTC().Add(time.Hour),
			ExternalAccountID: "acct-" + id,
			Scopes:            []string{"calendar.read"},
		},
	}
}

func (p *stubProvider) ID() string { return p.id }

func (p *stubProvider) BuildAuthorizationURL(_ context.Context, req AuthorizationRequest) (string, error) {
	return "https://auth.example.com/" + p.id + "?state=" + req.State, nil
}

func (p *stubProvider) ExchangeCode(context.Context, ExchangeRequest) (TokenGrant, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exchangeErr != nil {
		return TokenGrant{}, p.exchangeErr
	}
	return p.exchangeGrant, nil
}

func (p *stubProvider) Refresh(ctx context.Context, refreshToken string) (TokenGrant, error) {
	p.refreshCalls.Add(1)
	if p.refreshFn != nil {
		return p.refreshFn(ctx, refreshToken)
	}
	return TokenGrant{
		AccessToken: "refreshed-" + p.id,
		Expiry:      time.Now().UTC().Add(time.Hour),
	}, nil
}

func (p *stubProvider) FetchEvents(ctx context.Context, accessToken string, window TimeRange) ([]NativeEvent, error) {
	p.fetchCalls.Add(1)
	if p.fetchFn != nil {
		return p.fetchFn(ctx, accessToken, window)
	}
	return nil, nil
}

func (p *stubProvider) NormalizeEvent(event NativeEvent) (UnifiedEvent, error) {
	if p.normalizeFn != nil {
		return p.normalizeFn(event)
	}
	unified, ok := event.Payload.(UnifiedEvent)
	if !ok {
		return UnifiedEvent{}, NewProviderError(ErrorKindMalformed, p.id, "unexpected payload", nil)
	}
	unified.Source = p.id
	return unified, nil
}

func (p *stubProvider) Revoke(_ context.Context, token string) error {
	p.revokeCalls.Add(1)
	p.mu.Lock()
	p.revoked = append(p.revoked, token)
	p.mu.Unlock()
	return nil
}

func nativeEvents(providerID string, events ...UnifiedEvent) []NativeEvent {
	out := make([]NativeEvent, 0, len(events))
	for _, event := range events {
		out = append(out, NativeEvent{ProviderID: providerID, ID: event.SourceID, Payload: event})
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(now time.Time) *testClock {
	return &testClock{now: now}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stubLogger struct{}

func (stubLogger) Trace(string, ...any) {}
func (stubLogger) Debug(string, ...any) {}
func (stubLogger) Info(string, ...any)  {}
func (stubLogger) Warn(string, ...any)  {}
func (stubLogger) Error(string, ...any) {}
func (stubLogger) Fatal(string, ...any) {}
func (s stubLogger) WithContext(context.Context) Logger {
	return s
}

type stubLoggerProvider struct {
	logger Logger
}

func (s stubLoggerProvider) GetLogger(string) Logger {
	return s.logger
}

type mapRawLoader struct {
	values map[string]any
}

func (l mapRawLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.values))
	for key, value := range l.values {
		out[key] = value
	}
	return out, nil
}

func newTestService(providers []Provider, opts ...Option) (*Service, *MemoryCredentialStore, error) {
	store := NewMemoryCredentialStore()
	cfg := DefaultConfig()
	base := []Option{
		WithLogger(stubLogger{}),
		WithCredentialStore(store),
		WithProviders(providers...),
	}
	svc, err := NewService(cfg, append(base, opts...)...)
	return svc, store, err
}

// seedLink writes a linked record directly to the store.
func seedLink(store *MemoryCredentialStore, userID, providerID string, expiry time.Time, refresh bool) error {
	link := ProviderLink{
		UserID:            userID,
		ProviderID:        providerID,
		ExternalAccountID: "acct-" + providerID,
		AccessToken:       "access-" + providerID,
		AccessTokenExpiry: expiry,
		State:             LinkStateLinkedNoRefresh,
		LinkedAt:          time.Now().UTC(),
	}
	if refresh {
		link.RefreshToken = "refresh-" + providerID
		link.State = LinkStateLinked
	}
	_, err := store.Put(context.Background(), link)
	return err
}
