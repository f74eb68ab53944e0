package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

// providerLinkRecord is one row per (user, provider). Token material lives
// only in EncryptedPayload.
type providerLinkRecord struct {
	bun.BaseModel `bun:"table:provider_links,alias:pl"`

	ID                string     `bun:"id,pk"`
	UserID            string     `bun:"user_id,notnull"`
	ProviderID        string     `bun:"provider_id,notnull"`
	ExternalAccountID string     `bun:"external_account_id,notnull"`
	State             string     `bun:"state,notnull"`
	Scopes            string     `bun:"scopes,notnull"`
	EncryptedPayload  []byte     `bun:"encrypted_payload"`
	PayloadFormat     string     `bun:"payload_format,notnull"`
	PayloadVersion    int        `bun:"payload_version,notnull"`
	EncryptionKeyID   string     `bun:"encryption_key_id,notnull"`
	PendingSince      *time.Time `bun:"pending_since,nullzero"`
	LinkedAt          *time.Time `bun:"linked_at,nullzero"`
	Version           int64      `bun:"version,notnull"`
	CreatedAt         time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt         time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type oauthStateRecord struct {
	bun.BaseModel `bun:"table:oauth_states,alias:ost"`

	ID          string    `bun:"id,pk"`
	State       string    `bun:"state,notnull"`
	UserID      string    `bun:"user_id,notnull"`
	ProviderID  string    `bun:"provider_id,notnull"`
	RedirectURI string    `bun:"redirect_uri,notnull"`
	Scopes      string    `bun:"scopes,notnull"`
	CreatedAt   time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	ExpiresAt   time.Time `bun:"expires_at,notnull"`
}
