package calendarlinks

import "github.com/goliatone/go-calendar-links/core"

type Config = core.Config

type Option = core.Option

type Service = core.Service

type ServiceDependencies = core.ServiceDependencies
type CredentialStore = core.CredentialStore
type OAuthStateStore = core.OAuthStateStore
type LinkLocker = core.LinkLocker
type Provider = core.Provider
type Registry = core.Registry
type RevocationDispatcher = core.RevocationDispatcher
type MetricsRecorder = core.MetricsRecorder

type ProviderLink = core.ProviderLink
type LinkState = core.LinkState
type LinkStatus = core.LinkStatus
type UnifiedEvent = core.UnifiedEvent
type TimeRange = core.TimeRange

type ConnectRequest = core.ConnectRequest
type ConnectResponse = core.ConnectResponse
type CompleteConsentRequest = core.CompleteConsentRequest
type LinkResult = core.LinkResult
type DisconnectRequest = core.DisconnectRequest
type StatusRequest = core.StatusRequest
type UnifiedEventsRequest = core.UnifiedEventsRequest
type UnifiedEventsResult = core.UnifiedEventsResult

var (
	WithLogger               = core.WithLogger
	WithLoggerProvider       = core.WithLoggerProvider
	WithMetricsRecorder      = core.WithMetricsRecorder
	WithErrorFactory         = core.WithErrorFactory
	WithErrorMapper          = core.WithErrorMapper
	WithPersistenceClient    = core.WithPersistenceClient
	WithRepositoryFactory    = core.WithRepositoryFactory
	WithConfigProvider       = core.WithConfigProvider
	WithConfigOverrides      = core.WithConfigOverrides
	WithOptionsResolver      = core.WithOptionsResolver
	WithOAuthStateStore      = core.WithOAuthStateStore
	WithLinkLocker           = core.WithLinkLocker
	WithRegistry             = core.WithRegistry
	WithProviders            = core.WithProviders
	WithCredentialStore      = core.WithCredentialStore
	WithRevocationDispatcher = core.WithRevocationDispatcher
	WithClock                = core.WithClock
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	return core.NewService(cfg, opts...)
}
