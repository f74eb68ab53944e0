package sqlstore

import (
	"fmt"
	"time"

	"github.com/goliatone/go-calendar-links/core"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/uptrace/bun"
)

type FactoryOption func(*RepositoryFactory)

// WithSecretProvider sets the provider that seals token payloads. It is
// required before stores can be built.
func WithSecretProvider(secrets core.SecretProvider) FactoryOption {
	return func(f *RepositoryFactory) {
		f.secrets = secrets
	}
}

func WithTokenCodec(codec core.TokenCodec) FactoryOption {
	return func(f *RepositoryFactory) {
		f.codec = codec
	}
}

// WithCacheService fronts the credential store with a read-through cache.
func WithCacheService(cacheService repositorycache.CacheService) FactoryOption {
	return func(f *RepositoryFactory) {
		f.cache = cacheService
	}
}

func WithOAuthStateTTL(ttl time.Duration) FactoryOption {
	return func(f *RepositoryFactory) {
		f.stateTTL = ttl
	}
}

// RepositoryFactory builds the SQL-backed stores once a bun handle is
// known. It satisfies core.RepositoryStoreFactory and, after BuildStores,
// core.StoreProvider.
type RepositoryFactory struct {
	db       *bun.DB
	secrets  core.SecretProvider
	codec    core.TokenCodec
	cache    repositorycache.CacheService
	stateTTL time.Duration

	links  core.CredentialStore
	states *OAuthStateStore
}

func NewRepositoryFactory(opts ...FactoryOption) *RepositoryFactory {
	factory := &RepositoryFactory{}
	for _, opt := range opts {
		if opt != nil {
			opt(factory)
		}
	}
	return factory
}

// NewRepositoryFactoryFromPersistence builds the stores eagerly from a
// go-persistence-bun client.
func NewRepositoryFactoryFromPersistence(client *persistence.Client, opts ...FactoryOption) (*RepositoryFactory, error) {
	return buildEagerly(client, opts)
}

func NewRepositoryFactoryFromDB(db *bun.DB, opts ...FactoryOption) (*RepositoryFactory, error) {
	return buildEagerly(db, opts)
}

func buildEagerly(handle any, opts []FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if _, err := factory.BuildStores(handle); err != nil {
		return nil, err
	}
	return factory, nil
}

// BuildStores accepts a *bun.DB or anything exposing DB() *bun.DB. Later
// calls reuse the stores built by the first.
func (f *RepositoryFactory) BuildStores(persistenceClient any) (core.StoreProvider, error) {
	if f == nil {
		return nil, fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.links != nil && f.states != nil {
		return f, nil
	}
	if f.db == nil {
		db, err := bunHandle(persistenceClient)
		if err != nil {
			return nil, err
		}
		f.db = db
	}

	store, err := NewCredentialStore(f.db, f.secrets, f.codec)
	if err != nil {
		return nil, err
	}
	var links core.CredentialStore = store
	if f.cache != nil {
		if links, err = NewCachedCredentialStore(store, f.cache); err != nil {
			return nil, err
		}
	}
	states, err := NewOAuthStateStore(f.db, f.stateTTL)
	if err != nil {
		return nil, err
	}
	f.links, f.states = links, states
	return f, nil
}

// CredentialStore is the cached store when a cache service was configured.
func (f *RepositoryFactory) CredentialStore() core.CredentialStore {
	if f == nil {
		return nil
	}
	return f.links
}

func (f *RepositoryFactory) OAuthStateStore() core.OAuthStateStore {
	if f == nil || f.states == nil {
		return nil
	}
	return f.states
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func bunHandle(candidate any) (*bun.DB, error) {
	switch handle := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return handle, nil
	case interface{ DB() *bun.DB }:
		if db := handle.DB(); db != nil {
			return db, nil
		}
		return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
