package sqlstore

import (
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

// keyedRecord is a bun model with a uuid text primary key and a natural
// key column used for repository lookups.
type keyedRecord[R any] interface {
	*R
	primaryKey() *string
	naturalKey() string
}

func (r *providerLinkRecord) primaryKey() *string { return &r.ID }

// naturalKey for a link is its row id; (user_id, provider_id) lookups go
// through explicit queries.
func (r *providerLinkRecord) naturalKey() string { return r.ID }

func (r *oauthStateRecord) primaryKey() *string { return &r.ID }
func (r *oauthStateRecord) naturalKey() string { return r.State }

func recordHandlers[R any, P keyedRecord[R]](identifier string) repository.ModelHandlers[P] {
	return repository.ModelHandlers[P]{
		NewRecord: func() P { return P(new(R)) },
		GetID: func(record P) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			id, err := uuid.Parse(strings.TrimSpace(*record.primaryKey()))
			if err != nil {
				return uuid.Nil
			}
			return id
		},
		SetID: func(record P, id uuid.UUID) {
			if record != nil {
				*record.primaryKey() = id.String()
			}
		},
		GetIdentifier: func() string { return identifier },
		GetIdentifierValue: func(record P) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.naturalKey())
		},
	}
}

func providerLinkHandlers() repository.ModelHandlers[*providerLinkRecord] {
	return recordHandlers[providerLinkRecord]("id")
}

func oauthStateHandlers() repository.ModelHandlers[*oauthStateRecord] {
	return recordHandlers[oauthStateRecord]("state")
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

func splitScopes(raw string) []string {
	if fields := strings.Fields(raw); len(fields) > 0 {
		return fields
	}
	return nil
}
