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

// OAuthStateStore keeps outstanding consent states in oauth_states so a
// callback can land on any instance.
type OAuthStateStore struct {
	db   *bun.DB
	repo repository.Repository[*oauthStateRecord]
	ttl  time.Duration
	now  func() time.Time
}

func NewOAuthStateStore(db *bun.DB, ttl time.Duration) (*OAuthStateStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	if ttl <= 0 {
		ttl = core.DefaultConfig().Consent.Timeout
	}
	repo := repository.NewRepository[*oauthStateRecord](db, oauthStateHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid oauth state repository wiring: %w", err)
		}
	}
	return &OAuthStateStore{
		db:   db,
		repo: repo,
		ttl:  ttl,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *OAuthStateStore) Save(ctx context.Context, record core.OAuthStateRecord) error {
	if s == nil || s.repo == nil {
		return fmt.Errorf("sqlstore: oauth state store is not configured")
	}
	state := strings.TrimSpace(record.State)
	if state == "" {
		return fmt.Errorf("sqlstore: oauth state is required")
	}
	now := s.now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.ExpiresAt.IsZero() {
		record.ExpiresAt = record.CreatedAt.Add(s.ttl)
	}

	if _, err := s.db.NewDelete().
		Model((*oauthStateRecord)(nil)).
		Where("expires_at < ?", now).
		Exec(ctx); err != nil {
		return fmt.Errorf("sqlstore: prune oauth states: %w", err)
	}

	_, err := s.repo.Create(ctx, &oauthStateRecord{
		ID:          uuid.NewString(),
		State:       state,
		UserID:      strings.TrimSpace(record.UserID),
		ProviderID:  strings.TrimSpace(record.ProviderID),
		RedirectURI: strings.TrimSpace(record.RedirectURI),
		Scopes:      joinScopes(record.Scopes),
		CreatedAt:   record.CreatedAt.UTC(),
		ExpiresAt:   record.ExpiresAt.UTC(),
	})
	return err
}

// Consume deletes the state row and returns it. A second Consume of the
// same state fails even when two callers race.
func (s *OAuthStateStore) Consume(ctx context.Context, state string) (core.OAuthStateRecord, error) {
	if s == nil || s.db == nil {
		return core.OAuthStateRecord{}, fmt.Errorf("sqlstore: oauth state store is not configured")
	}
	state = strings.TrimSpace(state)
	if state == "" {
		return core.OAuthStateRecord{}, fmt.Errorf("sqlstore: oauth state is required")
	}

	var found *oauthStateRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record := &oauthStateRecord{}
		err := tx.NewSelect().
			Model(record).
			Where("?TableAlias.state = ?", state).
			Limit(1).
			Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		res, err := tx.NewDelete().
			Model((*oauthStateRecord)(nil)).
			Where("id = ?", record.ID).
			Exec(ctx)
		if err != nil {
			return err
		}
		if affected, _ := res.RowsAffected(); affected == 1 {
			found = record
		}
		return nil
	})
	if err != nil {
		return core.OAuthStateRecord{}, err
	}
	if found == nil {
		return core.OAuthStateRecord{}, fmt.Errorf("sqlstore: oauth state not found")
	}
	if s.now().After(found.ExpiresAt) {
		return core.OAuthStateRecord{}, fmt.Errorf("sqlstore: oauth state expired")
	}
	return core.OAuthStateRecord{
		State:       found.State,
		UserID:      found.UserID,
		ProviderID:  found.ProviderID,
		RedirectURI: found.RedirectURI,
		Scopes:      splitScopes(found.Scopes),
		CreatedAt:   found.CreatedAt.UTC(),
		ExpiresAt:   found.ExpiresAt.UTC(),
	}, nil
}
