package core

import (
	"context"
	"errors"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

// EnsureFresh returns a usable access token for the pair, refreshing it when
// it is within the safety margin of expiry. Concurrent callers for the same
// pair share one refresh: waiters re-read under the lock and reuse the
// winner's token.
func (s *Service) EnsureFresh(ctx context.Context, userID, providerID string) (token AccessToken, err error) {
	startedAt := s.now()
	fields := map[string]any{"provider_id": providerID, "user_id": userID}
	defer func() {
		if err != nil || token.Refreshed {
			fields["refreshed"] = token.Refreshed
			s.observeOperation(ctx, startedAt, "ensure_fresh", err, fields)
		}
	}()

	userID, err = s.requireUser(userID)
	if err != nil {
		return AccessToken{}, err
	}
	provider, err := s.resolveProvider(providerID)
	if err != nil {
		return AccessToken{}, err
	}
	providerID = provider.ID()

	link, err := s.credentialStore.Get(ctx, userID, providerID)
	if err != nil {
		if errors.Is(err, ErrLinkNotFound) {
			return AccessToken{}, NewNotLinkedError(providerID)
		}
		return AccessToken{}, s.mapError(err)
	}
	now := s.now()
	if !effectiveState(link, s.config.Consent.Timeout, now).Usable() {
		return AccessToken{}, NewNotLinkedError(providerID)
	}
	if accessTokenFresh(link, s.config.Refresh.SafetyMargin, now) {
		return AccessToken{Value: link.AccessToken, ExpiresAt: link.AccessTokenExpiry}, nil
	}

	token, err = s.refreshUnderLock(ctx, provider, userID)
	if err != nil {
		return AccessToken{}, s.mapError(err)
	}
	return token, nil
}

func (s *Service) refreshUnderLock(ctx context.Context, provider Provider, userID string) (AccessToken, error) {
	providerID := provider.ID()
	var token AccessToken
	err := s.withLinkLock(ctx, userID, providerID, func(ctx context.Context) error {
		current, found, err := s.readConsistent(ctx, userID, providerID)
		if err != nil {
			return err
		}
		if !found {
			return NewNotLinkedError(providerID)
		}
		now := s.now()
		switch effectiveState(current, s.config.Consent.Timeout, now) {
		case LinkStateUnlinked:
			return NewReauthRequiredError(providerID, nil)
		case LinkStatePendingConsent:
			return NewNotLinkedError(providerID)
		}
		if accessTokenFresh(current, s.config.Refresh.SafetyMargin, now) {
			token = AccessToken{Value: current.AccessToken, ExpiresAt: current.AccessTokenExpiry}
			return nil
		}
		if current.RefreshToken == "" {
			if _, clearErr := s.clearLocked(context.WithoutCancel(ctx), current); clearErr != nil {
				return clearErr
			}
			return NewReauthRequiredError(providerID, nil)
		}

		// A link left in refreshing by a crashed caller is resumed as is.
		if current.State != LinkStateRefreshing {
			refreshing := current.Clone()
			refreshing.State = LinkStateRefreshing
			saved, putErr := s.credentialStore.Put(ctx, refreshing)
			if putErr != nil {
				return putErr
			}
			current = saved
		}

		grant, refreshErr := s.callRefresh(ctx, provider, current.RefreshToken)
		persistCtx := context.WithoutCancel(ctx)
		if refreshErr != nil {
			return s.settleFailedRefresh(persistCtx, current, refreshErr)
		}

		next := current.Clone()
		next.State = LinkStateLinked
		next.AccessToken = grant.AccessToken
		next.AccessTokenExpiry = grant.Expiry.UTC()
		if grant.RefreshToken != "" {
			next.RefreshToken = grant.RefreshToken
		}
		if scopes := normalizeScopes(grant.Scopes); len(scopes) > 0 {
			next.Scopes = scopes
		}
		saved, putErr := s.credentialStore.Put(persistCtx, next)
		if putErr != nil {
			return putErr
		}
		token = AccessToken{Value: saved.AccessToken, ExpiresAt: saved.AccessTokenExpiry, Refreshed: true}
		return nil
	})
	return token, err
}

func (s *Service) callRefresh(ctx context.Context, provider Provider, refreshToken string) (TokenGrant, error) {
	refreshCtx := ctx
	cancel := func() {}
	if s.config.Refresh.Timeout > 0 {
		refreshCtx, cancel = context.WithTimeout(ctx, s.config.Refresh.Timeout)
	}
	defer cancel()

	grant, err := provider.Refresh(refreshCtx, refreshToken)
	if err != nil {
		return TokenGrant{}, classifyProviderFailure(provider.ID(), "token refresh failed", err)
	}
	if grant.AccessToken == "" {
		return TokenGrant{}, NewProviderError(ErrorKindMalformed, provider.ID(), "refresh response is missing an access token", nil)
	}
	if grant.Expiry.IsZero() {
		return TokenGrant{}, NewProviderError(ErrorKindMalformed, provider.ID(), "refresh response is missing an expiry", nil)
	}
	return grant, nil
}

// settleFailedRefresh leaves the link consistent after a failed refresh:
// revoked grants clear the link, anything else restores the previous tokens.
func (s *Service) settleFailedRefresh(ctx context.Context, current ProviderLink, refreshErr error) error {
	if ClassifyError(refreshErr) == ErrorKindReauthRequired {
		if _, clearErr := s.clearLocked(ctx, current); clearErr != nil {
			return clearErr
		}
		return refreshErr
	}
	restored := current.Clone()
	restored.State = LinkStateLinked
	if _, putErr := s.credentialStore.Put(ctx, restored); putErr != nil {
		s.logError(ctx, "restore link after failed refresh", map[string]any{
			"provider_id": current.ProviderID,
			"user_id":     current.UserID,
			"error":       putErr.Error(),
		})
	}
	return refreshErr
}

// InvalidateAccessToken marks the stored access token as expired when it is
// still the rejected one, so the next EnsureFresh refreshes it.
func (s *Service) InvalidateAccessToken(ctx context.Context, userID, providerID, rejectedToken string) error {
	userID, err := s.requireUser(userID)
	if err != nil {
		return err
	}
	provider, err := s.resolveProvider(providerID)
	if err != nil {
		return err
	}
	providerID = provider.ID()
	err = s.withLinkLock(ctx, userID, providerID, func(ctx context.Context) error {
		current, found, readErr := s.readConsistent(ctx, userID, providerID)
		if readErr != nil || !found {
			return readErr
		}
		if current.State != LinkStateLinked && current.State != LinkStateLinkedNoRefresh {
			return nil
		}
		if rejectedToken != "" && current.AccessToken != rejectedToken {
			return nil
		}
		expired := current.Clone()
		expired.AccessTokenExpiry = s.now().Add(-time.Second)
		_, putErr := s.credentialStore.Put(ctx, expired)
		return putErr
	})
	return s.mapError(err)
}

// classifyProviderFailure guarantees err carries an ErrorKind. Unclassified
// failures and deadlines are transient.
func classifyProviderFailure(providerID, message string, err error) error {
	kind := ClassifyError(err)
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		switch kind {
		case ErrorKindTransient, ErrorKindReauthRequired, ErrorKindMalformed:
			return err
		}
	}
	if kind != ErrorKindReauthRequired && kind != ErrorKindMalformed {
		kind = ErrorKindTransient
	}
	return NewProviderError(kind, providerID, message, err)
}
