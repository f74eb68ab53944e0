package core

import (
	"fmt"
	"strings"
	"time"
)

type LinkState string

const (
	LinkStateUnlinked        LinkState = "unlinked"
	LinkStatePendingConsent  LinkState = "pending_consent"
	LinkStateLinked          LinkState = "linked"
	LinkStateLinkedNoRefresh LinkState = "linked_no_refresh"
	LinkStateRefreshing      LinkState = "refreshing"
)

type EventStatus string

const (
	EventStatusConfirmed EventStatus = "confirmed"
	EventStatusTentative EventStatus = "tentative"
	EventStatusCancelled EventStatus = "cancelled"
)

// ProviderLink is the credential record binding one user to one provider.
// Tokens are only meaningful in the linked states.
type ProviderLink struct {
	UserID            string
	ProviderID        string
	ExternalAccountID string
	AccessToken       string
	RefreshToken      string
	AccessTokenExpiry time.Time
	State             LinkState
	Scopes            []string
	PendingSince      time.Time
	LinkedAt          time.Time
	UpdatedAt         time.Time
	Version           int64
}

func (l ProviderLink) Key() string {
	return LinkKey(l.UserID, l.ProviderID)
}

func (l ProviderLink) HasTokens() bool {
	return l.AccessToken != "" || l.RefreshToken != ""
}

func (l ProviderLink) Validate() error {
	if strings.TrimSpace(l.UserID) == "" {
		return fmt.Errorf("core: link user id is required")
	}
	if strings.TrimSpace(l.ProviderID) == "" {
		return fmt.Errorf("core: link provider id is required")
	}
	switch l.State {
	case LinkStateLinked, LinkStateRefreshing:
		if l.AccessToken == "" || l.RefreshToken == "" {
			return fmt.Errorf("core: link in state %q requires access and refresh tokens", l.State)
		}
	case LinkStateLinkedNoRefresh:
		if l.AccessToken == "" {
			return fmt.Errorf("core: link in state %q requires an access token", l.State)
		}
		if l.RefreshToken != "" {
			return fmt.Errorf("core: link in state %q must not carry a refresh token", l.State)
		}
	case LinkStateUnlinked, LinkStatePendingConsent:
		if l.HasTokens() {
			return fmt.Errorf("core: link in state %q must not carry tokens", l.State)
		}
	default:
		return fmt.Errorf("core: invalid link state %q", l.State)
	}
	return nil
}

// Clone returns a copy that shares no slices with l.
func (l ProviderLink) Clone() ProviderLink {
	cloned := l
	cloned.Scopes = append([]string(nil), l.Scopes...)
	return cloned
}

// Cleared returns the link with every token field unset and state unlinked.
// The external account id is kept so a later reconnect can be matched.
func (l ProviderLink) Cleared() ProviderLink {
	cleared := l.Clone()
	cleared.AccessToken = ""
	cleared.RefreshToken = ""
	cleared.AccessTokenExpiry = time.Time{}
	cleared.State = LinkStateUnlinked
	cleared.PendingSince = time.Time{}
	cleared.Scopes = nil
	return cleared
}

// UserCredentialSet is every provider link owned by one user, keyed by
// provider id.
// UserCredentialSet holds one user's links. Unreadable names providers
// whose stored record exists but could not be decoded; they have no entry
// in Links.
type UserCredentialSet struct {
	UserID     string
	Links      map[string]ProviderLink
	Unreadable map[string]error
}

func (s UserCredentialSet) Link(providerID string) (ProviderLink, bool) {
	if s.Links == nil {
		return ProviderLink{}, false
	}
	link, ok := s.Links[strings.TrimSpace(providerID)]
	return link, ok
}

// ReadError returns the decode failure recorded for providerID, if any.
func (s UserCredentialSet) ReadError(providerID string) error {
	if s.Unreadable == nil {
		return nil
	}
	return s.Unreadable[strings.TrimSpace(providerID)]
}

type TimeRange struct {
	Start time.Time
	End   time.Time
}

func (r TimeRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("core: time range start and end are required")
	}
	if !r.End.After(r.Start) {
		return fmt.Errorf("core: time range end must be after start")
	}
	return nil
}

func (r TimeRange) Overlaps(start, end time.Time) bool {
	if end.Before(start) {
		end = start
	}
	if end.Equal(start) {
		return !start.Before(r.Start) && start.Before(r.End)
	}
	return start.Before(r.End) && end.After(r.Start)
}

type Attendee struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// UnifiedEvent is the provider-neutral event shape. Members of a dedup group
// other than the primary are kept in Duplicates.
type UnifiedEvent struct {
	ID           string         `json:"id"`
	Source       string         `json:"source"`
	SourceID     string         `json:"source_id"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	Start        time.Time      `json:"start"`
	End          time.Time      `json:"end"`
	AllDay       bool           `json:"all_day"`
	Location     string         `json:"location,omitempty"`
	Attendees    []Attendee     `json:"attendees,omitempty"`
	Status       EventStatus    `json:"status"`
	HTMLLink     string         `json:"html_link,omitempty"`
	DedupGroupID string         `json:"dedup_group_id,omitempty"`
	Sources      []string       `json:"sources,omitempty"`
	Duplicates   []UnifiedEvent `json:"duplicates,omitempty"`
}

func UnifiedEventID(source, sourceID string) string {
	return strings.TrimSpace(source) + ":" + strings.TrimSpace(sourceID)
}

func (e UnifiedEvent) Validate() error {
	if strings.TrimSpace(e.Source) == "" || strings.TrimSpace(e.SourceID) == "" {
		return fmt.Errorf("core: event source and source id are required")
	}
	if e.Start.IsZero() {
		return fmt.Errorf("core: event start is required")
	}
	if !e.AllDay && e.End.Before(e.Start) {
		return fmt.Errorf("core: event end is before start")
	}
	switch e.Status {
	case EventStatusConfirmed, EventStatusTentative, EventStatusCancelled:
	default:
		return fmt.Errorf("core: invalid event status %q", e.Status)
	}
	return nil
}

// NativeEvent is an opaque provider payload handed back to the adapter that
// produced it for normalization.
type NativeEvent struct {
	ProviderID string
	ID         string
	Payload    any
}

type TokenGrant struct {
	AccessToken       string
	RefreshToken      string
	Expiry            time.Time
	ExternalAccountID string
	Scopes            []string
}

// AccessToken is what EnsureFresh hands to resource callers.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
	Refreshed bool
}

func (t AccessToken) String() string {
	return fmt.Sprintf("AccessToken{Value:%s ExpiresAt:%s Refreshed:%t}",
		RedactedValue, t.ExpiresAt.Format(time.RFC3339), t.Refreshed)
}

// TokenIntrospection exposes token presence and size without the values.
type TokenIntrospection struct {
	HasAccessToken     bool `json:"has_access_token"`
	AccessTokenLength  int  `json:"access_token_length"`
	HasRefreshToken    bool `json:"has_refresh_token"`
	RefreshTokenLength int  `json:"refresh_token_length"`
}

func IntrospectTokens(link ProviderLink) TokenIntrospection {
	return TokenIntrospection{
		HasAccessToken:     link.AccessToken != "",
		AccessTokenLength:  len(link.AccessToken),
		HasRefreshToken:    link.RefreshToken != "",
		RefreshTokenLength: len(link.RefreshToken),
	}
}

type ConnectRequest struct {
	UserID      string
	ProviderID  string
	RedirectURI string
	Scopes      []string
}

type ConnectResponse struct {
	URL       string    `json:"url"`
	State     string    `json:"state"`
	ExpiresAt time.Time `json:"expires_at"`
}

type CompleteConsentRequest struct {
	UserID      string
	ProviderID  string
	Code        string
	State       string
	RedirectURI string
}

type LinkResult struct {
	ProviderID        string    `json:"provider_id"`
	State             LinkState `json:"state"`
	ExternalAccountID string    `json:"external_account_id,omitempty"`
	Scopes            []string  `json:"scopes,omitempty"`
	AccessTokenExpiry time.Time `json:"access_token_expiry"`
}

type DisconnectRequest struct {
	UserID     string
	ProviderID string
}

type StatusRequest struct {
	UserID     string
	ProviderID string
}

type LinkStatus struct {
	ProviderID        string             `json:"provider_id"`
	State             LinkState          `json:"state"`
	Linked            bool               `json:"linked"`
	Expired           bool               `json:"expired"`
	ExternalAccountID string             `json:"external_account_id,omitempty"`
	AccessTokenExpiry time.Time          `json:"access_token_expiry,omitempty"`
	Debug             TokenIntrospection `json:"debug"`
	// ReadError is set when the stored link exists but could not be decoded.
	ReadError         string             `json:"read_error,omitempty"`
}

type UnifiedEventsRequest struct {
	UserID string
	Range  TimeRange
}

type ProviderOutcomeStatus string

const (
	ProviderOutcomeOK     ProviderOutcomeStatus = "ok"
	ProviderOutcomeFailed ProviderOutcomeStatus = "failed"
)

type ProviderOutcome struct {
	ProviderID string                `json:"provider_id"`
	Status     ProviderOutcomeStatus `json:"status"`
	ErrorKind  ErrorKind             `json:"error_kind,omitempty"`
	Message    string                `json:"message,omitempty"`
	EventCount int                   `json:"event_count"`
	Skipped    int                   `json:"skipped"`
}

type UnifiedEventsResult struct {
	Events   []UnifiedEvent    `json:"events"`
	Outcomes []ProviderOutcome `json:"outcomes"`
	Failures []ProviderOutcome `json:"failures,omitempty"`
	Partial  bool              `json:"partial"`
}

func LinkKey(userID, providerID string) string {
	return strings.TrimSpace(userID) + "|" + strings.TrimSpace(providerID)
}

func normalizeUserID(userID string) string {
	return strings.ToLower(strings.TrimSpace(userID))
}
