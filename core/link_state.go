package core

import (
	"fmt"
	"time"
)

var allowedLinkTransitions = map[LinkState]map[LinkState]bool{
	LinkStateUnlinked: {
		LinkStatePendingConsent: true,
	},
	LinkStatePendingConsent: {
		LinkStateLinked:          true,
		LinkStateLinkedNoRefresh: true,
		LinkStateUnlinked:        true,
		LinkStatePendingConsent:  true,
	},
	LinkStateLinked: {
		LinkStateRefreshing:      true,
		LinkStateUnlinked:        true,
		LinkStateLinked:          true,
		LinkStateLinkedNoRefresh: true,
	},
	LinkStateLinkedNoRefresh: {
		LinkStateUnlinked:        true,
		LinkStateLinked:          true,
		LinkStateLinkedNoRefresh: true,
	},
	LinkStateRefreshing: {
		LinkStateLinked:   true,
		LinkStateUnlinked: true,
	},
}

func (s LinkState) Valid() bool {
	_, ok := allowedLinkTransitions[s]
	return ok
}

func (s LinkState) CanTransitionTo(next LinkState) bool {
	targets, ok := allowedLinkTransitions[s]
	if !ok {
		return false
	}
	return targets[next]
}

func (s LinkState) TransitionTo(next LinkState) (LinkState, error) {
	if !s.CanTransitionTo(next) {
		return s, fmt.Errorf("core: invalid link state transition %q -> %q", s, next)
	}
	return next, nil
}

// Usable reports whether the state carries an access token that resource
// calls may use. A refreshing link still holds its previous tokens.
func (s LinkState) Usable() bool {
	switch s {
	case LinkStateLinked, LinkStateLinkedNoRefresh, LinkStateRefreshing:
		return true
	default:
		return false
	}
}

// effectiveState applies lazy expiry of pending consent.
func effectiveState(link ProviderLink, consentTimeout time.Duration, now time.Time) LinkState {
	if link.State == LinkStatePendingConsent && pendingExpired(link, consentTimeout, now) {
		return LinkStateUnlinked
	}
	return link.State
}

func pendingExpired(link ProviderLink, consentTimeout time.Duration, now time.Time) bool {
	if link.State != LinkStatePendingConsent || consentTimeout <= 0 {
		return false
	}
	if link.PendingSince.IsZero() {
		return true
	}
	return !now.Before(link.PendingSince.Add(consentTimeout))
}

// noRefreshExpired reports a linked_no_refresh link whose access token has
// lapsed. Nothing can renew it, so it is unlinked in effect.
func noRefreshExpired(link ProviderLink, now time.Time) bool {
	if link.State != LinkStateLinkedNoRefresh {
		return false
	}
	return !link.AccessTokenExpiry.IsZero() && !link.AccessTokenExpiry.After(now)
}

func accessTokenFresh(link ProviderLink, margin time.Duration, now time.Time) bool {
	if link.AccessToken == "" || link.AccessTokenExpiry.IsZero() {
		return false
	}
	return link.AccessTokenExpiry.Add(-margin).After(now)
}
