package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type AuthorizationRequest struct {
	State       string
	Scopes      []string
	RedirectURI string
}

type ExchangeRequest struct {
	Code        string
	RedirectURI string
}

// Provider adapts one external calendar provider. Implementations hold no
// user tokens and return errors built with NewProviderError.
type Provider interface {
	ID() string
	BuildAuthorizationURL(ctx context.Context, req AuthorizationRequest) (string, error)
	ExchangeCode(ctx context.Context, req ExchangeRequest) (TokenGrant, error)
	Refresh(ctx context.Context, refreshToken string) (TokenGrant, error)
	FetchEvents(ctx context.Context, accessToken string, window TimeRange) ([]NativeEvent, error)
	NormalizeEvent(event NativeEvent) (UnifiedEvent, error)
	Revoke(ctx context.Context, token string) error
}

type Registry interface {
	Register(provider Provider) error
	Get(providerID string) (Provider, bool)
	List() []Provider
}

// CredentialStore persists provider links. Put and Clear are atomic per
// (user, provider): all token fields change together or not at all.
type CredentialStore interface {
	Get(ctx context.Context, userID, providerID string) (ProviderLink, error)
	Put(ctx context.Context, link ProviderLink) (ProviderLink, error)
	Clear(ctx context.Context, userID, providerID string) error
	List(ctx context.Context, userID string) (UserCredentialSet, error)
}

// ConsistentReader is implemented by stores that cache reads.
type ConsistentReader interface {
	GetConsistent(ctx context.Context, userID, providerID string) (ProviderLink, error)
}

type StoreProvider interface {
	CredentialStore() CredentialStore
}

// OAuthStateStoreProvider is implemented by store providers that also
// persist OAuth state.
type OAuthStateStoreProvider interface {
	OAuthStateStore() OAuthStateStore
}

type RepositoryStoreFactory interface {
	BuildStores(persistenceClient any) (StoreProvider, error)
}

type LockHandle interface {
	Unlock(ctx context.Context) error
}

// LinkLocker serializes mutations of one (user, provider) pair. Acquire
// blocks until the lock is held or ctx is done.
type LinkLocker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (LockHandle, error)
}

type RevocationRequest struct {
	UserID     string
	ProviderID string
	Token      string
}

type RevocationDispatcher interface {
	DispatchRevocation(ctx context.Context, req RevocationRequest) error
}

type SecretProvider interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type TransportRequest struct {
	Method               string
	URL                  string
	Headers              map[string]string
	Query                map[string]string
	Body                 []byte
	Timeout              time.Duration
	MaxResponseBodyBytes int64
}

type TransportResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Metadata   map[string]any
}

type TransportAdapter interface {
	Kind() string
	Do(ctx context.Context, req TransportRequest) (TransportResponse, error)
}

type JobExecutionMessage struct {
	JobID          string
	ScriptPath     string
	Parameters     map[string]any
	IdempotencyKey string
	DedupPolicy    string
}

type JobNackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	Reason     string
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, msg *JobExecutionMessage) error
}

type JobDelivery interface {
	Message() *JobExecutionMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts JobNackOptions) error
}

type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}

type CalendarLinkService interface {
	Connect(ctx context.Context, req ConnectRequest) (ConnectResponse, error)
	CompleteConsent(ctx context.Context, req CompleteConsentRequest) (LinkResult, error)
	Disconnect(ctx context.Context, req DisconnectRequest) error
	Status(ctx context.Context, req StatusRequest) (LinkStatus, error)
	ListStatuses(ctx context.Context, userID string) ([]LinkStatus, error)
	EnsureFresh(ctx context.Context, userID, providerID string) (AccessToken, error)
	UnifiedEvents(ctx context.Context, req UnifiedEventsRequest) (UnifiedEventsResult, error)
}
