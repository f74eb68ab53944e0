package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
)

type Service struct {
	config               Config
	logger               Logger
	loggerProvider       LoggerProvider
	metricsRecorder      MetricsRecorder
	errorFactory         ErrorFactory
	errorMapper          ErrorMapper
	persistenceClient    any
	repositoryFactory    any
	configProvider       ConfigProvider
	optionsResolver      OptionsResolver
	oauthStateStore      OAuthStateStore
	linkLocker           LinkLocker
	registry             Registry
	credentialStore      CredentialStore
	revocationDispatcher RevocationDispatcher
	limiters             *providerLimiters
	now                  func() time.Time
}

type ServiceDependencies struct {
	Logger               Logger
	LoggerProvider       LoggerProvider
	MetricsRecorder      MetricsRecorder
	ErrorFactory         ErrorFactory
	ErrorMapper          ErrorMapper
	PersistenceClient    any
	RepositoryFactory    any
	ConfigProvider       ConfigProvider
	OptionsResolver      OptionsResolver
	OAuthStateStore      OAuthStateStore
	LinkLocker           LinkLocker
	Registry             Registry
	CredentialStore      CredentialStore
	RevocationDispatcher RevocationDispatcher
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	builder := defaultServiceBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("calendar-links", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if builder.logger == nil && provider != nil {
		if named := provider.GetLogger("calendar-links"); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.errorFactory == nil {
		builder.errorFactory = goerrors.New
	}
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.registry == nil {
		builder.registry, _ = NewProviderRegistry()
	}
	if builder.clock == nil {
		builder.clock = func() time.Time { return time.Now().UTC() }
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	if finalConfig, err = applyOverrides(finalConfig, builder.configOverrides); err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	var stores StoreProvider
	if builder.repositoryFactory != nil {
		if storeFactory, ok := builder.repositoryFactory.(RepositoryStoreFactory); ok {
			built, buildErr := storeFactory.BuildStores(builder.persistenceClient)
			if buildErr != nil {
				return nil, mapBuildError(builder.errorMapper, buildErr)
			}
			stores = built
		} else if provided, ok := builder.repositoryFactory.(StoreProvider); ok {
			stores = provided
		}
	}
	if stores != nil {
		if builder.credentialStore == nil {
			builder.credentialStore = stores.CredentialStore()
		}
		if stateStores, ok := stores.(OAuthStateStoreProvider); ok && builder.oauthStateStore == nil {
			builder.oauthStateStore = stateStores.OAuthStateStore()
		}
	}
	if builder.oauthStateStore == nil {
		builder.oauthStateStore = NewMemoryOAuthStateStore(finalConfig.Consent.Timeout)
	}
	if builder.linkLocker == nil {
		builder.linkLocker = NewMemoryLinkLocker()
	}
	if builder.credentialStore == nil {
		builder.credentialStore = NewMemoryCredentialStore()
	}
	if builder.revocationDispatcher == nil {
		builder.revocationDispatcher = NewInlineRevocationDispatcher(builder.registry, logger)
	}

	return &Service{
		config:               finalConfig,
		logger:               logger,
		loggerProvider:       provider,
		metricsRecorder:      builder.metricsRecorder,
		errorFactory:         builder.errorFactory,
		errorMapper:          builder.errorMapper,
		persistenceClient:    builder.persistenceClient,
		repositoryFactory:    builder.repositoryFactory,
		configProvider:       builder.configProvider,
		optionsResolver:      builder.optionsResolver,
		oauthStateStore:      builder.oauthStateStore,
		linkLocker:           builder.linkLocker,
		registry:             builder.registry,
		credentialStore:      builder.credentialStore,
		revocationDispatcher: builder.revocationDispatcher,
		limiters:             newProviderLimiters(finalConfig.Aggregation),
		now:                  builder.clock,
	}, nil
}

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

func (s *Service) Dependencies() ServiceDependencies {
	if s == nil {
		return ServiceDependencies{}
	}
	return ServiceDependencies{
		Logger:               s.logger,
		LoggerProvider:       s.loggerProvider,
		MetricsRecorder:      s.metricsRecorder,
		ErrorFactory:         s.errorFactory,
		ErrorMapper:          s.errorMapper,
		PersistenceClient:    s.persistenceClient,
		RepositoryFactory:    s.repositoryFactory,
		ConfigProvider:       s.configProvider,
		OptionsResolver:      s.optionsResolver,
		OAuthStateStore:      s.oauthStateStore,
		LinkLocker:           s.linkLocker,
		Registry:             s.registry,
		CredentialStore:      s.credentialStore,
		RevocationDispatcher: s.revocationDispatcher,
	}
}

// Connect starts consent for a provider. An unlinked pair moves to
// pending_consent; a linked pair keeps its tokens until consent completes.
func (s *Service) Connect(ctx context.Context, req ConnectRequest) (response ConnectResponse, err error) {
	startedAt := s.now()
	fields := map[string]any{"provider_id": req.ProviderID, "user_id": req.UserID}
	defer func() {
		s.observeOperation(ctx, startedAt, "connect", err, fields)
	}()

	userID, err := s.requireUser(req.UserID)
	if err != nil {
		return ConnectResponse{}, err
	}
	provider, err := s.resolveProvider(req.ProviderID)
	if err != nil {
		return ConnectResponse{}, err
	}
	providerID := provider.ID()

	state, err := GenerateOAuthState()
	if err != nil {
		err = s.mapError(err)
		return ConnectResponse{}, err
	}
	scopes := normalizeScopes(req.Scopes)
	authURL, err := provider.BuildAuthorizationURL(ctx, AuthorizationRequest{
		State:       state,
		Scopes:      scopes,
		RedirectURI: strings.TrimSpace(req.RedirectURI),
	})
	if err != nil {
		err = s.mapError(err)
		return ConnectResponse{}, err
	}

	now := s.now()
	expiresAt := now.Add(s.config.Consent.Timeout)
	if err = s.oauthStateStore.Save(ctx, OAuthStateRecord{
		State:       state,
		UserID:      userID,
		ProviderID:  providerID,
		RedirectURI: strings.TrimSpace(req.RedirectURI),
		Scopes:      scopes,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
	}); err != nil {
		err = s.mapError(err)
		return ConnectResponse{}, err
	}

	err = s.withLinkLock(ctx, userID, providerID, func(ctx context.Context) error {
		current, found, readErr := s.readConsistent(ctx, userID, providerID)
		if readErr != nil {
			return readErr
		}
		if found && current.State.Usable() {
			return nil
		}
		next := ProviderLink{
			UserID:       userID,
			ProviderID:   providerID,
			State:        LinkStatePendingConsent,
			PendingSince: now,
		}
		if found {
			if _, transitionErr := current.State.TransitionTo(LinkStatePendingConsent); transitionErr != nil {
				return transitionErr
			}
			next = current.Cleared()
			next.State = LinkStatePendingConsent
			next.PendingSince = now
		}
		_, putErr := s.credentialStore.Put(ctx, next)
		return putErr
	})
	if err != nil {
		err = s.mapError(err)
		return ConnectResponse{}, err
	}

	return ConnectResponse{URL: authURL, State: state, ExpiresAt: expiresAt}, nil
}

// CompleteConsent validates the callback state, exchanges the code, and stores
// the resulting tokens in a single write.
func (s *Service) CompleteConsent(ctx context.Context, req CompleteConsentRequest) (result LinkResult, err error) {
	startedAt := s.now()
	fields := map[string]any{"provider_id": req.ProviderID, "user_id": req.UserID}
	defer func() {
		if result.State != "" {
			fields["link_state"] = string(result.State)
		}
		s.observeOperation(ctx, startedAt, "complete_consent", err, fields)
	}()

	userID, err := s.requireUser(req.UserID)
	if err != nil {
		return LinkResult{}, err
	}
	provider, err := s.resolveProvider(req.ProviderID)
	if err != nil {
		return LinkResult{}, err
	}
	providerID := provider.ID()
	if strings.TrimSpace(req.Code) == "" {
		err = s.mapError(fmt.Errorf("core: authorization code is required"))
		return LinkResult{}, err
	}

	record, err := s.consumeOAuthState(ctx, userID, providerID, req)
	if err != nil {
		err = s.mapError(err)
		return LinkResult{}, err
	}

	redirectURI := strings.TrimSpace(req.RedirectURI)
	if redirectURI == "" {
		redirectURI = record.RedirectURI
	}
	grant, err := provider.ExchangeCode(ctx, ExchangeRequest{Code: strings.TrimSpace(req.Code), RedirectURI: redirectURI})
	if err != nil {
		s.abandonPendingConsent(ctx, userID, providerID)
		err = s.mapError(err)
		return LinkResult{}, err
	}
	if strings.TrimSpace(grant.AccessToken) == "" {
		s.abandonPendingConsent(ctx, userID, providerID)
		err = s.mapError(NewProviderError(ErrorKindMalformed, providerID, "token response is missing an access token", nil))
		return LinkResult{}, err
	}

	var stored ProviderLink
	err = s.withLinkLock(ctx, userID, providerID, func(ctx context.Context) error {
		current, found, readErr := s.readConsistent(ctx, userID, providerID)
		if readErr != nil {
			return readErr
		}
		now := s.now()
		next := linkFromGrant(userID, providerID, grant, record.Scopes, now)
		if found {
			from := current.State
			switch {
			case from == LinkStatePendingConsent && pendingExpired(current, s.config.Consent.Timeout, now):
				if _, clearErr := s.clearLocked(ctx, current); clearErr != nil {
					return clearErr
				}
				return fmt.Errorf("core: oauth state expired")
			case from == LinkStateUnlinked:
				return fmt.Errorf("core: oauth state is no longer pending")
			case from == LinkStateRefreshing:
				from = LinkStateLinked
			}
			if _, transitionErr := from.TransitionTo(next.State); transitionErr != nil {
				return transitionErr
			}
			next = mergeReconnect(current, next)
			next.Version = current.Version
		}
		saved, putErr := s.credentialStore.Put(ctx, next)
		if putErr != nil {
			return putErr
		}
		stored = saved
		return nil
	})
	if err != nil {
		err = s.mapError(err)
		return LinkResult{}, err
	}

	return LinkResult{
		ProviderID:        providerID,
		State:             stored.State,
		ExternalAccountID: stored.ExternalAccountID,
		Scopes:            append([]string(nil), stored.Scopes...),
		AccessTokenExpiry: stored.AccessTokenExpiry,
	}, nil
}

// Disconnect clears the link and dispatches a best-effort revocation. It
// succeeds on links that are already unlinked or never existed.
func (s *Service) Disconnect(ctx context.Context, req DisconnectRequest) (err error) {
	startedAt := s.now()
	fields := map[string]any{"provider_id": req.ProviderID, "user_id": req.UserID}
	defer func() {
		s.observeOperation(ctx, startedAt, "disconnect", err, fields)
	}()

	userID, err := s.requireUser(req.UserID)
	if err != nil {
		return err
	}
	provider, err := s.resolveProvider(req.ProviderID)
	if err != nil {
		return err
	}
	providerID := provider.ID()

	var revokeToken string
	err = s.withLinkLock(ctx, userID, providerID, func(ctx context.Context) error {
		current, found, readErr := s.readConsistent(ctx, userID, providerID)
		if readErr != nil || !found {
			return readErr
		}
		token, clearErr := s.clearLocked(ctx, current)
		revokeToken = token
		return clearErr
	})
	if err != nil {
		err = s.mapError(err)
		return err
	}

	if revokeToken != "" && s.revocationDispatcher != nil {
		if dispatchErr := s.revocationDispatcher.DispatchRevocation(ctx, RevocationRequest{
			UserID:     userID,
			ProviderID: providerID,
			Token:      revokeToken,
		}); dispatchErr != nil {
			fields["revocation_error"] = dispatchErr.Error()
			s.logWarn(ctx, "provider revocation dispatch failed", fields)
		}
	}
	return nil
}

// Status reports the link state for one provider. A pair that was never
// connected reports unlinked rather than an error.
func (s *Service) Status(ctx context.Context, req StatusRequest) (status LinkStatus, err error) {
	userID, err := s.requireUser(req.UserID)
	if err != nil {
		return LinkStatus{}, err
	}
	provider, err := s.resolveProvider(req.ProviderID)
	if err != nil {
		return LinkStatus{}, err
	}
	link, err := s.credentialStore.Get(ctx, userID, provider.ID())
	if err != nil {
		if errors.Is(err, ErrLinkNotFound) {
			return LinkStatus{ProviderID: provider.ID(), State: LinkStateUnlinked}, nil
		}
		return LinkStatus{}, s.mapError(err)
	}
	return s.statusFor(link), nil
}

// ListStatuses reports one status per registered provider, ordered by id.
func (s *Service) ListStatuses(ctx context.Context, userID string) ([]LinkStatus, error) {
	userID, err := s.requireUser(userID)
	if err != nil {
		return nil, err
	}
	set, err := s.credentialStore.List(ctx, userID)
	if err != nil {
		return nil, s.mapError(err)
	}
	providers := s.registry.List()
	statuses := make([]LinkStatus, 0, len(providers))
	for _, provider := range providers {
		if readErr := set.ReadError(provider.ID()); readErr != nil {
			statuses = append(statuses, LinkStatus{ProviderID: provider.ID(), State: LinkStateUnlinked, ReadError: readErr.Error()})
			continue
		}
		link, ok := set.Link(provider.ID())
		if !ok {
			statuses = append(statuses, LinkStatus{ProviderID: provider.ID(), State: LinkStateUnlinked})
			continue
		}
		statuses = append(statuses, s.statusFor(link))
	}
	return statuses, nil
}

func (s *Service) statusFor(link ProviderLink) LinkStatus {
	now := s.now()
	state := effectiveState(link, s.config.Consent.Timeout, now)
	if noRefreshExpired(link, now) {
		state = LinkStateUnlinked
	}
	status := LinkStatus{
		ProviderID:        link.ProviderID,
		State:             state,
		Linked:            state.Usable(),
		ExternalAccountID: link.ExternalAccountID,
		Debug:             IntrospectTokens(link),
	}
	if status.Linked {
		status.AccessTokenExpiry = link.AccessTokenExpiry
		status.Expired = !link.AccessTokenExpiry.IsZero() && !link.AccessTokenExpiry.After(now)
	}
	return status
}

func (s *Service) consumeOAuthState(ctx context.Context, userID, providerID string, req CompleteConsentRequest) (OAuthStateRecord, error) {
	if strings.TrimSpace(req.State) == "" {
		return OAuthStateRecord{}, fmt.Errorf("core: oauth state is required")
	}
	record, err := s.oauthStateStore.Consume(ctx, req.State)
	if err != nil {
		return OAuthStateRecord{}, err
	}
	if record.ProviderID != providerID {
		return OAuthStateRecord{}, fmt.Errorf("core: oauth state provider mismatch")
	}
	if record.UserID != userID {
		return OAuthStateRecord{}, fmt.Errorf("core: oauth state user mismatch")
	}
	redirectURI := strings.TrimSpace(req.RedirectURI)
	if s.config.Consent.RequireRedirectMatch && redirectURI != "" && record.RedirectURI != "" && redirectURI != record.RedirectURI {
		return OAuthStateRecord{}, fmt.Errorf("core: oauth state redirect uri mismatch")
	}
	return record, nil
}

// abandonPendingConsent returns a pending link to unlinked after a failed
// exchange. Linked pairs are left untouched.
func (s *Service) abandonPendingConsent(ctx context.Context, userID, providerID string) {
	_ = s.withLinkLock(ctx, userID, providerID, func(ctx context.Context) error {
		current, found, err := s.readConsistent(ctx, userID, providerID)
		if err != nil || !found || current.State != LinkStatePendingConsent {
			return err
		}
		_, err = s.clearLocked(ctx, current)
		return err
	})
}

// clearLocked unsets the link tokens and returns the token worth revoking.
// Callers hold the link lock.
func (s *Service) clearLocked(ctx context.Context, current ProviderLink) (string, error) {
	token := current.RefreshToken
	if token == "" {
		token = current.AccessToken
	}
	if err := s.credentialStore.Clear(ctx, current.UserID, current.ProviderID); err != nil {
		return "", err
	}
	return token, nil
}

func (s *Service) withLinkLock(ctx context.Context, userID, providerID string, fn func(context.Context) error) error {
	handle, err := s.linkLocker.Acquire(ctx, LinkKey(userID, providerID), s.config.Refresh.LockTTL)
	if err != nil {
		return NewProviderError(ErrorKindTransient, providerID, "link lock unavailable", err)
	}
	defer func() {
		_ = handle.Unlock(context.WithoutCancel(ctx))
	}()
	return fn(ctx)
}

func (s *Service) readConsistent(ctx context.Context, userID, providerID string) (ProviderLink, bool, error) {
	var (
		link ProviderLink
		err  error
	)
	if reader, ok := s.credentialStore.(ConsistentReader); ok {
		link, err = reader.GetConsistent(ctx, userID, providerID)
	} else {
		link, err = s.credentialStore.Get(ctx, userID, providerID)
	}
	if err != nil {
		if errors.Is(err, ErrLinkNotFound) {
			return ProviderLink{}, false, nil
		}
		return ProviderLink{}, false, err
	}
	return link, true, nil
}

func (s *Service) requireUser(userID string) (string, error) {
	userID = normalizeUserID(userID)
	if userID == "" {
		return "", NewUnauthenticatedError()
	}
	return userID, nil
}

func (s *Service) resolveProvider(providerID string) (Provider, error) {
	if s == nil || s.registry == nil {
		return nil, s.mapError(fmt.Errorf("core: provider registry is not configured"))
	}
	provider, ok := s.registry.Get(providerID)
	if !ok {
		return nil, s.mapError(fmt.Errorf("%w: %s", ErrProviderNotFound, strings.TrimSpace(providerID)))
	}
	return provider, nil
}

func (s *Service) mapError(err error) error {
	if err == nil {
		return nil
	}
	if s == nil || s.errorMapper == nil {
		return err
	}
	mapped := s.errorMapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	if mapped := mapper(err); mapped != nil {
		return mapped
	}
	return err
}

func linkFromGrant(userID, providerID string, grant TokenGrant, requestedScopes []string, now time.Time) ProviderLink {
	state := LinkStateLinked
	if strings.TrimSpace(grant.RefreshToken) == "" {
		state = LinkStateLinkedNoRefresh
	}
	scopes := normalizeScopes(grant.Scopes)
	if len(scopes) == 0 {
		scopes = normalizeScopes(requestedScopes)
	}
	return ProviderLink{
		UserID:            userID,
		ProviderID:        providerID,
		ExternalAccountID: strings.TrimSpace(grant.ExternalAccountID),
		AccessToken:       strings.TrimSpace(grant.AccessToken),
		RefreshToken:      strings.TrimSpace(grant.RefreshToken),
		AccessTokenExpiry: grant.Expiry.UTC(),
		State:             state,
		Scopes:            scopes,
		LinkedAt:          now,
	}
}

// mergeReconnect keeps the stored refresh token when a reconnect grant for the
// same account omits one.
func mergeReconnect(current, next ProviderLink) ProviderLink {
	if next.RefreshToken != "" || current.RefreshToken == "" {
		return next
	}
	if next.ExternalAccountID != "" && current.ExternalAccountID != "" && next.ExternalAccountID != current.ExternalAccountID {
		return next
	}
	next.RefreshToken = current.RefreshToken
	next.State = LinkStateLinked
	if next.ExternalAccountID == "" {
		next.ExternalAccountID = current.ExternalAccountID
	}
	return next
}

func normalizeScopes(scopes []string) []string {
	if len(scopes) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		for _, part := range strings.Fields(scope) {
			if _, ok := seen[part]; ok {
				continue
			}
			seen[part] = struct{}{}
			out = append(out, part)
		}
	}
	return out
}
