package sqlstore

import "github.com/goliatone/go-calendar-links/core"

var (
	_ core.CredentialStore         = (*CredentialStore)(nil)
	_ core.ConsistentReader        = (*CredentialStore)(nil)
	_ core.CredentialStore         = (*CachedCredentialStore)(nil)
	_ core.ConsistentReader        = (*CachedCredentialStore)(nil)
	_ core.OAuthStateStore         = (*OAuthStateStore)(nil)
	_ core.StoreProvider           = (*RepositoryFactory)(nil)
	_ core.OAuthStateStoreProvider = (*RepositoryFactory)(nil)
	_ core.RepositoryStoreFactory  = (*RepositoryFactory)(nil)
)
