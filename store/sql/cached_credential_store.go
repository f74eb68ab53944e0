package sqlstore

import (
	"context"
	"fmt"
	"maps"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/goliatone/go-calendar-links/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const providerLinkCacheKeyPrefix = "calendar-links::provider_link::v1"

// CachedCredentialStore fronts a CredentialStore with a read-through cache.
// Cache keys carry a per-user generation that every write bumps after the
// base store commits, so a read that fetched before the write can only
// populate a key no later read will use.
type CachedCredentialStore struct {
	base  core.CredentialStore
	cache repositorycache.CacheService

	mu          sync.Mutex
	generations map[string]uint64
}

func NewCachedCredentialStore(
	base core.CredentialStore,
	cacheService repositorycache.CacheService,
) (*CachedCredentialStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base credential store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: credential cache service is required")
	}
	return &CachedCredentialStore{base: base, cache: cacheService, generations: map[string]uint64{}}, nil
}

// ProviderLinkCacheKey is calendar-links::provider_link::v1::<user>::<provider>
// with each segment URL-path escaped.
func ProviderLinkCacheKey(userID, providerID string) string {
	return strings.Join([]string{
		providerLinkCacheKeyPrefix,
		url.PathEscape(strings.TrimSpace(userID)),
		url.PathEscape(strings.TrimSpace(providerID)),
	}, "::")
}

func userLinksCacheKey(userID string) string {
	return strings.Join([]string{
		providerLinkCacheKeyPrefix,
		"user",
		url.PathEscape(strings.TrimSpace(userID)),
	}, "::")
}

func (s *CachedCredentialStore) Get(ctx context.Context, userID, providerID string) (core.ProviderLink, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.ProviderLink{}, fmt.Errorf("sqlstore: cached credential store is not configured")
	}
	key := generationKey(ProviderLinkCacheKey(userID, providerID), s.generation(userID))
	link, err := repositorycache.GetOrFetch(ctx, s.cache, key, func(ctx context.Context) (core.ProviderLink, error) {
		return s.base.Get(ctx, userID, providerID)
	})
	if err != nil {
		return core.ProviderLink{}, err
	}
	return link.Clone(), nil
}

// GetConsistent bypasses the cache.
func (s *CachedCredentialStore) GetConsistent(ctx context.Context, userID, providerID string) (core.ProviderLink, error) {
	if s == nil || s.base == nil {
		return core.ProviderLink{}, fmt.Errorf("sqlstore: cached credential store is not configured")
	}
	if reader, ok := s.base.(core.ConsistentReader); ok {
		return reader.GetConsistent(ctx, userID, providerID)
	}
	return s.base.Get(ctx, userID, providerID)
}

func (s *CachedCredentialStore) Put(ctx context.Context, link core.ProviderLink) (core.ProviderLink, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.ProviderLink{}, fmt.Errorf("sqlstore: cached credential store is not configured")
	}
	stored, err := s.base.Put(ctx, link)
	if err != nil {
		return core.ProviderLink{}, err
	}
	if err := s.invalidate(ctx, stored.UserID, stored.ProviderID); err != nil {
		return core.ProviderLink{}, err
	}
	return stored, nil
}

func (s *CachedCredentialStore) Clear(ctx context.Context, userID, providerID string) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached credential store is not configured")
	}
	if err := s.base.Clear(ctx, userID, providerID); err != nil {
		return err
	}
	return s.invalidate(ctx, userID, providerID)
}

func (s *CachedCredentialStore) List(ctx context.Context, userID string) (core.UserCredentialSet, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.UserCredentialSet{}, fmt.Errorf("sqlstore: cached credential store is not configured")
	}
	key := generationKey(userLinksCacheKey(userID), s.generation(userID))
	set, err := repositorycache.GetOrFetch(ctx, s.cache, key, func(ctx context.Context) (core.UserCredentialSet, error) {
		return s.base.List(ctx, userID)
	})
	if err != nil {
		return core.UserCredentialSet{}, err
	}
	cloned := core.UserCredentialSet{UserID: set.UserID, Links: make(map[string]core.ProviderLink, len(set.Links))}
	for providerID, link := range set.Links {
		cloned.Links[providerID] = link.Clone()
	}
	if len(set.Unreadable) > 0 {
		cloned.Unreadable = maps.Clone(set.Unreadable)
	}
	return cloned, nil
}

// invalidate moves the user to a fresh generation and drops the keys of the
// one it leaves.
func (s *CachedCredentialStore) invalidate(ctx context.Context, userID, providerID string) error {
	previous := s.bump(userID)
	if err := s.cache.Delete(ctx, generationKey(ProviderLinkCacheKey(userID, providerID), previous)); err != nil {
		return err
	}
	return s.cache.Delete(ctx, generationKey(userLinksCacheKey(userID), previous))
}

func (s *CachedCredentialStore) generation(userID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generations[generationOwner(userID)]
}

func (s *CachedCredentialStore) bump(userID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner := generationOwner(userID)
	previous := s.generations[owner]
	s.generations[owner] = previous + 1
	return previous
}

func generationOwner(userID string) string {
	return strings.ToLower(strings.TrimSpace(userID))
}

func generationKey(key string, generation uint64) string {
	return key + "::g" + strconv.FormatUint(generation, 10)
}
