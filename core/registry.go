package core

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// ProviderRegistry holds the calendar providers a service can link. Ids
// are unique and List order is stable (sorted by id) so aggregation and
// status listings are deterministic.
type ProviderRegistry struct {
	mu      sync.RWMutex
	byID    map[string]Provider
	ordered []string
}

func NewProviderRegistry(providers ...Provider) (*ProviderRegistry, error) {
	registry := &ProviderRegistry{}
	for _, provider := range providers {
		if err := registry.Register(provider); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (r *ProviderRegistry) Register(provider Provider) error {
	if provider == nil {
		return fmt.Errorf("core: provider is nil")
	}
	id := strings.TrimSpace(provider.ID())
	if id == "" {
		return fmt.Errorf("core: provider id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.byID[id]; taken {
		return fmt.Errorf("core: provider already registered: %s", id)
	}
	if r.byID == nil {
		r.byID = map[string]Provider{}
	}
	r.byID[id] = provider
	at, _ := slices.BinarySearch(r.ordered, id)
	r.ordered = slices.Insert(r.ordered, at, id)
	return nil
}

func (r *ProviderRegistry) Get(providerID string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, ok := r.byID[strings.TrimSpace(providerID)]
	return provider, ok
}

func (r *ProviderRegistry) List() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, len(r.ordered))
	for i, id := range r.ordered {
		out[i] = r.byID[id]
	}
	return out
}
