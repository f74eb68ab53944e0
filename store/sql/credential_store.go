package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-calendar-links/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// CredentialStore persists provider links in provider_links. Tokens are
// encoded with a TokenCodec and sealed by a SecretProvider into a single
// column, so every write replaces all token fields at once.
type CredentialStore struct {
	db      *bun.DB
	repo    repository.Repository[*providerLinkRecord]
	secrets core.SecretProvider
	codec   core.TokenCodec
	now     func() time.Time
}

func NewCredentialStore(db *bun.DB, secrets core.SecretProvider, codec core.TokenCodec) (*CredentialStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	if secrets == nil {
		return nil, fmt.Errorf("sqlstore: secret provider is required")
	}
	if codec == nil {
		codec = core.JSONTokenCodec{}
	}
	repo := repository.NewRepository[*providerLinkRecord](db, providerLinkHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid provider link repository wiring: %w", err)
		}
	}
	return &CredentialStore{
		db:      db,
		repo:    repo,
		secrets: secrets,
		codec:   codec,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *CredentialStore) Get(ctx context.Context, userID, providerID string) (core.ProviderLink, error) {
	if s == nil || s.repo == nil {
		return core.ProviderLink{}, fmt.Errorf("sqlstore: credential store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("user_id", "=", strings.TrimSpace(userID)),
		repository.SelectBy("provider_id", "=", strings.TrimSpace(providerID)),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.ProviderLink{}, err
	}
	if len(records) == 0 {
		return core.ProviderLink{}, core.ErrLinkNotFound
	}
	return s.toDomain(ctx, records[0])
}

// GetConsistent reads straight from the database.
func (s *CredentialStore) GetConsistent(ctx context.Context, userID, providerID string) (core.ProviderLink, error) {
	return s.Get(ctx, userID, providerID)
}

func (s *CredentialStore) Put(ctx context.Context, link core.ProviderLink) (core.ProviderLink, error) {
	if s == nil || s.db == nil {
		return core.ProviderLink{}, fmt.Errorf("sqlstore: credential store is not configured")
	}
	link.UserID = strings.TrimSpace(link.UserID)
	link.ProviderID = strings.TrimSpace(link.ProviderID)
	if err := link.Validate(); err != nil {
		return core.ProviderLink{}, err
	}
	payload, err := s.seal(ctx, core.TokenPayloadFromLink(link))
	if err != nil {
		return core.ProviderLink{}, err
	}
	now := s.now()

	var stored *providerLinkRecord
	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing, findErr := findLinkTx(ctx, tx, link.UserID, link.ProviderID)
		if findErr != nil {
			return findErr
		}
		if link.Version > 0 {
			if existing == nil || existing.Version != link.Version {
				return core.ErrVersionConflict
			}
		} else if existing != nil {
			return core.ErrVersionConflict
		}

		record := s.newRecord(link, payload, now)
		if existing == nil {
			record.ID = uuid.NewString()
			record.Version = 1
			record.CreatedAt = now
			created, createErr := s.repo.CreateTx(ctx, tx, record)
			if createErr != nil {
				return createErr
			}
			stored = created
			return nil
		}

		record.ID = existing.ID
		record.CreatedAt = existing.CreatedAt
		record.Version = existing.Version + 1
		res, updateErr := tx.NewUpdate().
			Model((*providerLinkRecord)(nil)).
			Set("external_account_id = ?", record.ExternalAccountID).
			Set("state = ?", record.State).
			Set("scopes = ?", record.Scopes).
			Set("encrypted_payload = ?", record.EncryptedPayload).
			Set("payload_format = ?", record.PayloadFormat).
			Set("payload_version = ?", record.PayloadVersion).
			Set("encryption_key_id = ?", record.EncryptionKeyID).
			Set("pending_since = ?", record.PendingSince).
			Set("linked_at = ?", record.LinkedAt).
			Set("version = ?", record.Version).
			Set("updated_at = ?", now).
			Where("id = ?", existing.ID).
			Where("version = ?", existing.Version).
			Exec(ctx)
		if updateErr != nil {
			return updateErr
		}
		if affected, _ := res.RowsAffected(); affected != 1 {
			return core.ErrVersionConflict
		}
		stored = record
		return nil
	})
	if err != nil {
		return core.ProviderLink{}, err
	}

	out := link.Clone()
	out.Version = stored.Version
	out.UpdatedAt = now
	return out, nil
}

// Clear unsets every token field in one statement. Missing or already
// cleared links are left alone.
func (s *CredentialStore) Clear(ctx context.Context, userID, providerID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: credential store is not configured")
	}
	userID = strings.TrimSpace(userID)
	providerID = strings.TrimSpace(providerID)
	now := s.now()

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing, err := findLinkTx(ctx, tx, userID, providerID)
		if err != nil || existing == nil {
			return err
		}
		if existing.State == string(core.LinkStateUnlinked) && len(existing.EncryptedPayload) == 0 {
			return nil
		}
		res, err := tx.NewUpdate().
			Model((*providerLinkRecord)(nil)).
			Set("state = ?", string(core.LinkStateUnlinked)).
			Set("scopes = ?", "").
			Set("encrypted_payload = NULL").
			Set("payload_format = ?", "").
			Set("payload_version = ?", 0).
			Set("encryption_key_id = ?", "").
			Set("pending_since = NULL").
			Set("version = ?", existing.Version+1).
			Set("updated_at = ?", now).
			Where("id = ?", existing.ID).
			Where("version = ?", existing.Version).
			Exec(ctx)
		if err != nil {
			return err
		}
		if affected, _ := res.RowsAffected(); affected != 1 {
			return core.ErrVersionConflict
		}
		return nil
	})
}

func (s *CredentialStore) List(ctx context.Context, userID string) (core.UserCredentialSet, error) {
	if s == nil || s.repo == nil {
		return core.UserCredentialSet{}, fmt.Errorf("sqlstore: credential store is not configured")
	}
	userID = strings.TrimSpace(userID)
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("user_id", "=", userID),
		repository.OrderBy("provider_id ASC"),
	)
	if err != nil {
		return core.UserCredentialSet{}, err
	}
	set := core.UserCredentialSet{UserID: userID, Links: make(map[string]core.ProviderLink, len(records))}
	for _, record := range records {
		link, err := s.toDomain(ctx, record)
		if err != nil {
			if set.Unreadable == nil {
				set.Unreadable = map[string]error{}
			}
			set.Unreadable[record.ProviderID] = core.NewProviderError(core.ErrorKindMalformed, record.ProviderID, "stored credentials could not be read", err)
			continue
		}
		set.Links[link.ProviderID] = link
	}
	return set, nil
}

func (s *CredentialStore) newRecord(link core.ProviderLink, payload []byte, now time.Time) *providerLinkRecord {
	record := &providerLinkRecord{
		UserID:            link.UserID,
		ProviderID:        link.ProviderID,
		ExternalAccountID: strings.TrimSpace(link.ExternalAccountID),
		State:             string(link.State),
		Scopes:            joinScopes(link.Scopes),
		EncryptedPayload:  payload,
		PendingSince:      optionalTime(link.PendingSince),
		LinkedAt:          optionalTime(link.LinkedAt),
		UpdatedAt:         now,
	}
	if len(payload) > 0 {
		record.PayloadFormat = s.codec.Format()
		record.PayloadVersion = s.codec.Version()
		record.EncryptionKeyID = secretKeyID(s.secrets)
	}
	return record
}

func (s *CredentialStore) seal(ctx context.Context, payload core.TokenPayload) ([]byte, error) {
	if payload.IsZero() {
		return nil, nil
	}
	encoded, err := s.codec.Encode(payload)
	if err != nil {
		return nil, err
	}
	sealed, err := s.secrets.Encrypt(ctx, encoded)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: seal token payload: %w", err)
	}
	return sealed, nil
}

func (s *CredentialStore) toDomain(ctx context.Context, record *providerLinkRecord) (core.ProviderLink, error) {
	link := core.ProviderLink{
		UserID:            record.UserID,
		ProviderID:        record.ProviderID,
		ExternalAccountID: record.ExternalAccountID,
		State:             core.LinkState(record.State),
		Scopes:            splitScopes(record.Scopes),
		Version:           record.Version,
		UpdatedAt:         record.UpdatedAt.UTC(),
	}
	if record.PendingSince != nil {
		link.PendingSince = record.PendingSince.UTC()
	}
	if record.LinkedAt != nil {
		link.LinkedAt = record.LinkedAt.UTC()
	}
	if len(record.EncryptedPayload) == 0 {
		return link, nil
	}
	plaintext, err := s.secrets.Decrypt(ctx, record.EncryptedPayload)
	if err != nil {
		return core.ProviderLink{}, fmt.Errorf("sqlstore: open token payload for %s: %w", link.Key(), err)
	}
	payload, err := s.codec.Decode(plaintext)
	if err != nil {
		return core.ProviderLink{}, err
	}
	return payload.Apply(link), nil
}

func findLinkTx(ctx context.Context, tx bun.Tx, userID, providerID string) (*providerLinkRecord, error) {
	record := &providerLinkRecord{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.user_id = ?", userID).
		Where("?TableAlias.provider_id = ?", providerID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

func optionalTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}

func secretKeyID(secrets core.SecretProvider) string {
	if keyed, ok := secrets.(interface{ KeyID() string }); ok {
		return keyed.KeyID()
	}
	return ""
}
