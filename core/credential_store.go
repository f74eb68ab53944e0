package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryCredentialStore is a process-local CredentialStore. Every read and
// write copies the link so callers never share slices with the store.
type MemoryCredentialStore struct {
	mu    sync.RWMutex
	nowFn func() time.Time
	links map[string]ProviderLink
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{
		nowFn: func() time.Time { return time.Now().UTC() },
		links: map[string]ProviderLink{},
	}
}

func (s *MemoryCredentialStore) Get(_ context.Context, userID, providerID string) (ProviderLink, error) {
	if s == nil {
		return ProviderLink{}, fmt.Errorf("core: credential store is not configured")
	}
	s.mu.RLock()
	link, ok := s.links[LinkKey(userID, providerID)]
	s.mu.RUnlock()
	if !ok {
		return ProviderLink{}, ErrLinkNotFound
	}
	return link.Clone(), nil
}

func (s *MemoryCredentialStore) GetConsistent(ctx context.Context, userID, providerID string) (ProviderLink, error) {
	return s.Get(ctx, userID, providerID)
}

func (s *MemoryCredentialStore) Put(_ context.Context, link ProviderLink) (ProviderLink, error) {
	if s == nil {
		return ProviderLink{}, fmt.Errorf("core: credential store is not configured")
	}
	link.UserID = strings.TrimSpace(link.UserID)
	link.ProviderID = strings.TrimSpace(link.ProviderID)
	if err := link.Validate(); err != nil {
		return ProviderLink{}, err
	}

	key := link.Key()
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.links[key]
	if link.Version > 0 {
		if !exists || current.Version != link.Version {
			return ProviderLink{}, ErrVersionConflict
		}
	} else if exists {
		return ProviderLink{}, ErrVersionConflict
	}

	stored := link.Clone()
	stored.Version = current.Version + 1
	stored.UpdatedAt = s.nowFn()
	s.links[key] = stored
	return stored.Clone(), nil
}

func (s *MemoryCredentialStore) Clear(_ context.Context, userID, providerID string) error {
	if s == nil {
		return fmt.Errorf("core: credential store is not configured")
	}
	key := LinkKey(userID, providerID)
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.links[key]
	if !ok || (current.State == LinkStateUnlinked && !current.HasTokens()) {
		return nil
	}
	cleared := current.Cleared()
	cleared.Version = current.Version + 1
	cleared.UpdatedAt = s.nowFn()
	s.links[key] = cleared
	return nil
}

func (s *MemoryCredentialStore) List(_ context.Context, userID string) (UserCredentialSet, error) {
	if s == nil {
		return UserCredentialSet{}, fmt.Errorf("core: credential store is not configured")
	}
	userID = strings.TrimSpace(userID)
	set := UserCredentialSet{UserID: userID, Links: map[string]ProviderLink{}}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, link := range s.links {
		if link.UserID == userID {
			set.Links[link.ProviderID] = link.Clone()
		}
	}
	return set, nil
}
