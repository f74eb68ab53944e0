package microsoft

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-calendar-links/core"
	"github.com/goliatone/go-calendar-links/providers"
	"github.com/goliatone/go-calendar-links/transport"
	"golang.org/x/oauth2/endpoints"
)

const (
	ProviderID      = "microsoft"
	DefaultTenant   = "common"
	DefaultGraphURL = "https://graph.microsoft.com/v1.0"

	ScopeOfflineAccess = "offline_access"
	ScopeUserRead      = "User.Read"
	ScopeCalendarsRead = "Calendars.Read"

	defaultPageSize = 100
	defaultMaxPages = 50
	graphTimeLayout = "2006-01-02T15:04:05.9999999"
	eventSelect     = "id,subject,body,bodyPreview,start,end,isAllDay,isCancelled,showAs,location,attendees,webLink"
)

type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Tenant       string
	// AuthURL and TokenURL default to the Azure AD v2 endpoints for Tenant.
	AuthURL       string
	TokenURL      string
	GraphBaseURL  string
	DefaultScopes []string
	PageSize      int
	MaxPages      int
	TokenTTL      time.Duration
	// RequestTimeout bounds token calls and each Graph page request.
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

func DefaultConfig() Config {
	endpoint := endpoints.AzureAD(DefaultTenant)
	return Config{
		Tenant:        DefaultTenant,
		AuthURL:       endpoint.AuthURL,
		TokenURL:      endpoint.TokenURL,
		GraphBaseURL:  DefaultGraphURL,
		DefaultScopes: []string{ScopeOfflineAccess, ScopeUserRead, ScopeCalendarsRead},
		PageSize:      defaultPageSize,
		MaxPages:      defaultMaxPages,
		TokenTTL:      time.Hour,
	}
}

// Provider reads the signed-in user's calendar view from Microsoft Graph.
// Microsoft exposes no revocation endpoint for delegated tokens, so Revoke
// is a no-op.
type Provider struct {
	*providers.OAuth2Provider
	cfg  Config
	rest *transport.RESTAdapter
}

func New(cfg Config) (*Provider, error) {
	defaults := DefaultConfig()
	cfg.Tenant = strings.TrimSpace(cfg.Tenant)
	if cfg.Tenant == "" {
		cfg.Tenant = defaults.Tenant
	}
	endpoint := endpoints.AzureAD(cfg.Tenant)
	if strings.TrimSpace(cfg.AuthURL) == "" {
		cfg.AuthURL = endpoint.AuthURL
	}
	if strings.TrimSpace(cfg.TokenURL) == "" {
		cfg.TokenURL = endpoint.TokenURL
	}
	cfg.GraphBaseURL = strings.TrimRight(strings.TrimSpace(cfg.GraphBaseURL), "/")
	if cfg.GraphBaseURL == "" {
		cfg.GraphBaseURL = defaults.GraphBaseURL
	}
	if len(cfg.DefaultScopes) == 0 {
		cfg.DefaultScopes = defaults.DefaultScopes
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaults.PageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaults.MaxPages
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaults.TokenTTL
	}

	provider := &Provider{cfg: cfg}
	base, err := providers.NewOAuth2Provider(providers.OAuth2Config{
		ID:             ProviderID,
		AuthURL:        cfg.AuthURL,
		TokenURL:       cfg.TokenURL,
		ClientID:       cfg.ClientID,
		ClientSecret:   cfg.ClientSecret,
		RedirectURL:    cfg.RedirectURL,
		DefaultScopes:  providers.WithIdentityScopes(cfg.DefaultScopes, true),
		AuthParams:     map[string]string{"response_mode": "query"},
		TokenTTL:       cfg.TokenTTL,
		RequestTimeout: cfg.RequestTimeout,
		HTTPClient:     cfg.HTTPClient,
		ResolveAccount: provider.resolveAccount,
	})
	if err != nil {
		return nil, err
	}
	provider.OAuth2Provider = base
	provider.rest = transport.NewRESTAdapter(base.HTTPClient())
	return provider, nil
}

type graphUser struct {
	ID                string `json:"id"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
}

type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphEmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Event is the subset of a Graph event resource the adapter reads.
type Event struct {
	ID          string        `json:"id"`
	Subject     string        `json:"subject"`
	BodyPreview string        `json:"bodyPreview"`
	Start       graphDateTime `json:"start"`
	End         graphDateTime `json:"end"`
	IsAllDay    bool          `json:"isAllDay"`
	IsCancelled bool          `json:"isCancelled"`
	ShowAs      string        `json:"showAs"`
	WebLink     string        `json:"webLink"`
	Body        struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	Location struct {
		DisplayName string `json:"displayName"`
	} `json:"location"`
	Attendees []struct {
		EmailAddress graphEmailAddress `json:"emailAddress"`
		Type         string            `json:"type"`
	} `json:"attendees"`
}

type eventPage struct {
	Value    []Event `json:"value"`
	NextLink string  `json:"@odata.nextLink"`
}

func (p *Provider) resolveAccount(ctx context.Context, accessToken string) (string, error) {
	var user graphUser
	if err := p.getJSON(ctx, accessToken, p.cfg.GraphBaseURL+"/me", map[string]string{"$select": "id,mail,userPrincipalName"}, &user); err != nil {
		return "", err
	}
	for _, candidate := range []string{user.Mail, user.UserPrincipalName} {
		if candidate = strings.TrimSpace(candidate); candidate != "" {
			return strings.ToLower(candidate), nil
		}
	}
	return strings.TrimSpace(user.ID), nil
}

func (p *Provider) FetchEvents(ctx context.Context, accessToken string, window core.TimeRange) ([]core.NativeEvent, error) {
	if err := window.Validate(); err != nil {
		return nil, fmt.Errorf("microsoft: invalid fetch window: %w", err)
	}
	nextURL := p.cfg.GraphBaseURL + "/me/calendarView"
	query := map[string]string{
		"startDateTime": window.Start.UTC().Format(time.RFC3339),
		"endDateTime":   window.End.UTC().Format(time.RFC3339),
		"$select":       eventSelect,
		"$orderby":      "start/dateTime",
		"$top":          strconv.Itoa(p.cfg.PageSize),
	}

	var events []core.NativeEvent
	for page := 0; nextURL != ""; page++ {
		if page >= p.cfg.MaxPages {
			return nil, core.NewProviderError(core.ErrorKindMalformed, ProviderID, fmt.Sprintf("calendar view exceeded %d pages", p.cfg.MaxPages), nil)
		}
		var body eventPage
		if err := p.getJSON(ctx, accessToken, nextURL, query, &body); err != nil {
			return nil, err
		}
		for _, item := range body.Value {
			events = append(events, core.NativeEvent{ProviderID: ProviderID, ID: item.ID, Payload: item})
		}
		// nextLink already carries every query parameter.
		nextURL = strings.TrimSpace(body.NextLink)
		query = nil
	}
	return events, nil
}

func (p *Provider) NormalizeEvent(event core.NativeEvent) (core.UnifiedEvent, error) {
	item, ok := event.Payload.(Event)
	if !ok {
		return core.UnifiedEvent{}, core.NewProviderError(core.ErrorKindMalformed, ProviderID, fmt.Sprintf("unexpected payload %T", event.Payload), nil)
	}
	if strings.TrimSpace(item.ID) == "" {
		return core.UnifiedEvent{}, core.NewProviderError(core.ErrorKindMalformed, ProviderID, "event id is missing", nil)
	}
	start, err := parseGraphTime(item.Start)
	if err != nil {
		return core.UnifiedEvent{}, core.NewProviderError(core.ErrorKindMalformed, ProviderID, "invalid event start", err)
	}
	end, err := parseGraphTime(item.End)
	if err != nil {
		return core.UnifiedEvent{}, core.NewProviderError(core.ErrorKindMalformed, ProviderID, "invalid event end", err)
	}

	description := item.Body.Content
	if strings.EqualFold(item.Body.ContentType, "html") {
		description = providers.HTMLToText(description)
	}
	description = strings.TrimSpace(description)
	if description == "" {
		description = strings.TrimSpace(item.BodyPreview)
	}

	unified := core.UnifiedEvent{
		ID:          core.UnifiedEventID(ProviderID, item.ID),
		Source:      ProviderID,
		SourceID:    item.ID,
		Title:       providers.TitleOrDefault(item.Subject),
		Description: description,
		Start:       start,
		End:         end,
		AllDay:      item.IsAllDay,
		Location:    strings.TrimSpace(item.Location.DisplayName),
		Status:      eventStatus(item),
		HTMLLink:    item.WebLink,
	}
	for _, attendee := range item.Attendees {
		if strings.EqualFold(attendee.Type, "resource") {
			continue
		}
		unified.Attendees = append(unified.Attendees, core.Attendee{
			Email: strings.ToLower(strings.TrimSpace(attendee.EmailAddress.Address)),
			Name:  strings.TrimSpace(attendee.EmailAddress.Name),
		})
	}
	return unified, nil
}

// Revoke is a no-op: Graph delegated tokens expire on their own.
func (p *Provider) Revoke(context.Context, string) error {
	return nil
}

func (p *Provider) getJSON(ctx context.Context, accessToken, rawURL string, query map[string]string, out any) error {
	res, err := p.rest.Do(ctx, core.TransportRequest{
		Method: http.MethodGet,
		URL:    rawURL,
		Query:  query,
		Headers: map[string]string{
			"Authorization": "Bearer " + strings.TrimSpace(accessToken),
			"Prefer":        `outlook.timezone="UTC"`,
		},
		Timeout: p.cfg.RequestTimeout,
	})
	if err != nil {
		return providers.ClassifyResourceError(ProviderID, "graph request", err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return classifyGraphError(res)
	}
	if err := json.Unmarshal(res.Body, out); err != nil {
		return core.NewProviderError(core.ErrorKindMalformed, ProviderID, "decode graph response", err)
	}
	return nil
}

func classifyGraphError(res core.TransportResponse) error {
	var envelope graphError
	message := http.StatusText(res.StatusCode)
	if err := json.Unmarshal(res.Body, &envelope); err == nil && envelope.Error.Code != "" {
		message = envelope.Error.Code + ": " + envelope.Error.Message
		switch envelope.Error.Code {
		case "InvalidAuthenticationToken", "AuthenticationError":
			return core.NewProviderError(core.ErrorKindReauthRequired, ProviderID, message, nil)
		case "ApplicationThrottled", "TooManyRequests", "activityLimitReached":
			return core.NewProviderError(core.ErrorKindTransient, ProviderID, message, nil)
		}
	}
	return providers.ClassifyStatus(ProviderID, res.StatusCode, "graph "+message, nil)
}

func parseGraphTime(value graphDateTime) (time.Time, error) {
	raw := strings.TrimSpace(value.DateTime)
	if raw == "" {
		return time.Time{}, fmt.Errorf("missing dateTime")
	}
	loc := time.UTC
	if zone := strings.TrimSpace(value.TimeZone); zone != "" && !strings.EqualFold(zone, "UTC") {
		if loaded, err := time.LoadLocation(zone); err == nil {
			loc = loaded
		}
	}
	parsed, err := time.ParseInLocation(graphTimeLayout, raw, loc)
	if err != nil {
		if parsed, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return time.Time{}, err
		}
	}
	return parsed.UTC(), nil
}

func eventStatus(item Event) core.EventStatus {
	switch {
	case item.IsCancelled:
		return core.EventStatusCancelled
	case strings.EqualFold(item.ShowAs, "tentative"):
		return core.EventStatusTentative
	default:
		return core.EventStatusConfirmed
	}
}
