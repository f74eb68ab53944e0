package sqlstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/goliatone/go-calendar-links/core"
	sqlstore "github.com/goliatone/go-calendar-links/store/sql"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

// gatedCredentialStore lets a test hold a Get after it has read the base
// store and before its value reaches the cache.
type gatedCredentialStore struct {
	*core.MemoryCredentialStore
	read    chan struct{}
	release chan struct{}
}

func (s *gatedCredentialStore) Get(ctx context.Context, userID, providerID string) (core.ProviderLink, error) {
	link, err := s.MemoryCredentialStore.Get(ctx, userID, providerID)
	if s.read != nil {
		close(s.read)
		<-s.release
		s.read = nil
	}
	return link, err
}

func newTestCacheService(t *testing.T) repositorycache.CacheService {
	t.Helper()
	config := repositorycache.DefaultConfig()
	config.TTL = time.Minute
	cacheService, err := repositorycache.NewCacheService(config)
	if err != nil {
		t.Fatalf("new cache service: %v", err)
	}
	return cacheService
}

func TestCachedCredentialStore_ReadRacingWriteDoesNotPinStaleLink(t *testing.T) {
	ctx := context.Background()
	base := &gatedCredentialStore{MemoryCredentialStore: core.NewMemoryCredentialStore()}
	stored, err := base.Put(ctx, linkedFixture("ada@example.com", "google", 0))
	if err != nil {
		t.Fatalf("seed link: %v", err)
	}
	store, err := sqlstore.NewCachedCredentialStore(base, newTestCacheService(t))
	if err != nil {
		t.Fatalf("new cached store: %v", err)
	}

	base.read = make(chan struct{})
	base.release = make(chan struct{})
	read := base.read
	done := make(chan core.ProviderLink, 1)
	go func() {
		link, _ := store.Get(ctx, "ada@example.com", "google")
		done <- link
	}()
	<-read

	next := stored.Clone()
	next.AccessToken = "access-2"
	if _, err := store.Put(ctx, next); err != nil {
		t.Fatalf("update link: %v", err)
	}
	close(base.release)
	if racing := <-done; racing.AccessToken != "access-1" {
		t.Fatalf("expected the racing read to see the old token, got %q", racing.AccessToken)
	}

	loaded, err := store.Get(ctx, "ada@example.com", "google")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if loaded.AccessToken != "access-2" {
		t.Fatalf("expected fresh link after write, got %q", loaded.AccessToken)
	}
}

func TestCachedCredentialStore_ClearDropsCachedLinkAndList(t *testing.T) {
	ctx := context.Background()
	base := core.NewMemoryCredentialStore()
	if _, err := base.Put(ctx, linkedFixture("ada@example.com", "google", 0)); err != nil {
		t.Fatalf("seed link: %v", err)
	}
	store, err := sqlstore.NewCachedCredentialStore(base, newTestCacheService(t))
	if err != nil {
		t.Fatalf("new cached store: %v", err)
	}
	if _, err := store.Get(ctx, "ada@example.com", "google"); err != nil {
		t.Fatalf("warm link: %v", err)
	}
	if set, err := store.List(ctx, "ada@example.com"); err != nil || len(set.Links) != 1 {
		t.Fatalf("warm list: %+v %v", set, err)
	}

	if err := store.Clear(ctx, "ada@example.com", "google"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	set, err := store.List(ctx, "ada@example.com")
	if err != nil {
		t.Fatalf("list after clear: %v", err)
	}
	if link, ok := set.Link("google"); ok && link.State != core.LinkStateUnlinked {
		t.Fatalf("expected cleared link after clear, got %+v", link)
	}
}
