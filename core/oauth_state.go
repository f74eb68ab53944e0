package core

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

// OAuthStateRecord binds an outstanding consent to the user, provider and
// redirect URI that requested it.
type OAuthStateRecord struct {
	State       string
	UserID      string
	ProviderID  string
	RedirectURI string
	Scopes      []string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// OAuthStateStore hands out consume-once state records.
type OAuthStateStore interface {
	Save(ctx context.Context, record OAuthStateRecord) error
	Consume(ctx context.Context, state string) (OAuthStateRecord, error)
}

var (
	errOAuthStateMissing = errors.New("core: oauth state is required")
	errOAuthStateUnknown = errors.New("core: oauth state not found")
	errOAuthStateExpired = errors.New("core: oauth state expired")
)

// MemoryOAuthStateStore keeps states in process. Expired entries are swept
// on every Save.
type MemoryOAuthStateStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	nowFn   func() time.Time
	entries map[string]OAuthStateRecord
}

func NewMemoryOAuthStateStore(ttl time.Duration) *MemoryOAuthStateStore {
	if ttl <= 0 {
		ttl = defaultConsentTimeout
	}
	return &MemoryOAuthStateStore{
		ttl:     ttl,
		nowFn:   func() time.Time { return time.Now().UTC() },
		entries: map[string]OAuthStateRecord{},
	}
}

func (s *MemoryOAuthStateStore) Save(_ context.Context, record OAuthStateRecord) error {
	key := strings.TrimSpace(record.State)
	if key == "" {
		return errOAuthStateMissing
	}
	now := s.nowFn()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.ExpiresAt.IsZero() {
		record.ExpiresAt = record.CreatedAt.Add(s.ttl)
	}
	record.Scopes = slices.Clone(record.Scopes)

	s.mu.Lock()
	defer s.mu.Unlock()
	maps.DeleteFunc(s.entries, func(_ string, held OAuthStateRecord) bool {
		return now.After(held.ExpiresAt)
	})
	if s.entries == nil {
		s.entries = map[string]OAuthStateRecord{}
	}
	s.entries[key] = record
	return nil
}

// Consume removes the state before checking expiry, so an expired state
// cannot be retried either.
func (s *MemoryOAuthStateStore) Consume(_ context.Context, state string) (OAuthStateRecord, error) {
	key := strings.TrimSpace(state)
	if key == "" {
		return OAuthStateRecord{}, errOAuthStateMissing
	}

	s.mu.Lock()
	record, ok := s.entries[key]
	delete(s.entries, key)
	s.mu.Unlock()

	switch {
	case !ok:
		return OAuthStateRecord{}, errOAuthStateUnknown
	case s.nowFn().After(record.ExpiresAt):
		return OAuthStateRecord{}, errOAuthStateExpired
	}
	record.Scopes = slices.Clone(record.Scopes)
	return record, nil
}

// GenerateOAuthState returns 24 random bytes, base64url encoded.
func GenerateOAuthState() (string, error) {
	var raw [24]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("core: generate oauth state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}
