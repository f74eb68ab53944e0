package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-calendar-links/core"
	"github.com/goliatone/go-calendar-links/providers"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"
)

const (
	ProviderID = "google"
	AuthURL    = "https://accounts.google.com/o/oauth2/v2/auth"
	TokenURL   = "https://oauth2.googleapis.com/token"
	RevokeURL  = "https://oauth2.googleapis.com/revoke"

	ScopeCalendarReadOnly = calendar.CalendarReadonlyScope

	defaultCalendarID = "primary"
	defaultPageSize   = 250
	allDayLayout      = "2006-01-02"
)

type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	RevokeURL    string
	// APIBaseURL overrides the Google API root, used for both the calendar
	// and userinfo services.
	APIBaseURL            string
	CalendarID            string
	DefaultScopes         []string
	DisableIdentityScopes bool
	PageSize              int64
	TokenTTL              time.Duration
	RequestTimeout        time.Duration
	HTTPClient            *http.Client
}

func DefaultConfig() Config {
	return Config{
		AuthURL:       AuthURL,
		TokenURL:      TokenURL,
		RevokeURL:     RevokeURL,
		CalendarID:    defaultCalendarID,
		DefaultScopes: []string{ScopeCalendarReadOnly},
		PageSize:      defaultPageSize,
		TokenTTL:      time.Hour,
	}
}

// Provider reads the primary Google calendar through the Calendar v3 API.
type Provider struct {
	*providers.OAuth2Provider
	cfg Config
}

func New(cfg Config) (*Provider, error) {
	defaults := DefaultConfig()
	if strings.TrimSpace(cfg.AuthURL) == "" {
		cfg.AuthURL = defaults.AuthURL
	}
	if strings.TrimSpace(cfg.TokenURL) == "" {
		cfg.TokenURL = defaults.TokenURL
	}
	if strings.TrimSpace(cfg.RevokeURL) == "" {
		cfg.RevokeURL = defaults.RevokeURL
	}
	if strings.TrimSpace(cfg.CalendarID) == "" {
		cfg.CalendarID = defaults.CalendarID
	}
	if len(cfg.DefaultScopes) == 0 {
		cfg.DefaultScopes = defaults.DefaultScopes
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaults.PageSize
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaults.TokenTTL
	}
	cfg.APIBaseURL = normalizeBaseURL(cfg.APIBaseURL)

	provider := &Provider{cfg: cfg}
	base, err := providers.NewOAuth2Provider(providers.OAuth2Config{
		ID:            ProviderID,
		AuthURL:       cfg.AuthURL,
		TokenURL:      cfg.TokenURL,
		RevokeURL:     cfg.RevokeURL,
		ClientID:      cfg.ClientID,
		ClientSecret:  cfg.ClientSecret,
		RedirectURL:   cfg.RedirectURL,
		DefaultScopes: providers.WithIdentityScopes(cfg.DefaultScopes, !cfg.DisableIdentityScopes),
		AuthParams: map[string]string{
			"access_type":            "offline",
			"prompt":                 "consent",
			"include_granted_scopes": "true",
		},
		TokenTTL:       cfg.TokenTTL,
		RequestTimeout: cfg.RequestTimeout,
		HTTPClient:     cfg.HTTPClient,
		ResolveAccount: provider.resolveAccount,
	})
	if err != nil {
		return nil, err
	}
	provider.OAuth2Provider = base
	return provider, nil
}

func (p *Provider) serviceOptions(ctx context.Context, accessToken string) []option.ClientOption {
	opts := []option.ClientOption{option.WithHTTPClient(p.BearerClient(ctx, accessToken))}
	if p.cfg.APIBaseURL != "" {
		opts = append(opts, option.WithEndpoint(p.cfg.APIBaseURL))
	}
	return opts
}

func (p *Provider) resolveAccount(ctx context.Context, accessToken string) (string, error) {
	svc, err := oauth2api.NewService(ctx, p.serviceOptions(ctx, accessToken)...)
	if err != nil {
		return "", err
	}
	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return "", p.classify("fetch userinfo", err)
	}
	if email := strings.TrimSpace(info.Email); email != "" {
		return strings.ToLower(email), nil
	}
	return strings.TrimSpace(info.Id), nil
}

func (p *Provider) FetchEvents(ctx context.Context, accessToken string, window core.TimeRange) ([]core.NativeEvent, error) {
	if err := window.Validate(); err != nil {
		return nil, fmt.Errorf("google: invalid fetch window: %w", err)
	}
	svc, err := calendar.NewService(ctx, p.serviceOptions(ctx, accessToken)...)
	if err != nil {
		return nil, core.NewProviderError(core.ErrorKindMalformed, ProviderID, "build calendar service", err)
	}

	call := svc.Events.List(p.cfg.CalendarID).
		ShowDeleted(false).
		SingleEvents(true).
		OrderBy("startTime").
		TimeMin(window.Start.UTC().Format(time.RFC3339)).
		TimeMax(window.End.UTC().Format(time.RFC3339)).
		MaxResults(p.cfg.PageSize)

	var events []core.NativeEvent
	err = call.Pages(ctx, func(page *calendar.Events) error {
		for _, item := range page.Items {
			if item == nil {
				continue
			}
			events = append(events, core.NativeEvent{ProviderID: ProviderID, ID: item.Id, Payload: item})
		}
		return nil
	})
	if err != nil {
		return nil, p.classify("list calendar events", err)
	}
	return events, nil
}

func (p *Provider) NormalizeEvent(event core.NativeEvent) (core.UnifiedEvent, error) {
	item, ok := event.Payload.(*calendar.Event)
	if !ok || item == nil {
		return core.UnifiedEvent{}, core.NewProviderError(core.ErrorKindMalformed, ProviderID, fmt.Sprintf("unexpected payload %T", event.Payload), nil)
	}
	start, allDay, err := parseEventTime(item.Start)
	if err != nil {
		return core.UnifiedEvent{}, core.NewProviderError(core.ErrorKindMalformed, ProviderID, "invalid event start", err)
	}
	end, _, err := parseEventTime(item.End)
	if err != nil {
		return core.UnifiedEvent{}, core.NewProviderError(core.ErrorKindMalformed, ProviderID, "invalid event end", err)
	}

	unified := core.UnifiedEvent{
		ID:          core.UnifiedEventID(ProviderID, item.Id),
		Source:      ProviderID,
		SourceID:    item.Id,
		Title:       providers.TitleOrDefault(item.Summary),
		Description: providers.HTMLToText(item.Description),
		Start:       start,
		End:         end,
		AllDay:      allDay,
		Location:    strings.TrimSpace(item.Location),
		Status:      eventStatus(item.Status),
		HTMLLink:    item.HtmlLink,
	}
	for _, attendee := range item.Attendees {
		if attendee == nil || attendee.Resource {
			continue
		}
		unified.Attendees = append(unified.Attendees, core.Attendee{
			Email: strings.ToLower(strings.TrimSpace(attendee.Email)),
			Name:  strings.TrimSpace(attendee.DisplayName),
		})
	}
	return unified, nil
}

func (p *Provider) classify(message string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		detail := strings.TrimSpace(apiErr.Message)
		if detail == "" {
			detail = http.StatusText(apiErr.Code)
		}
		// Calendar quota errors arrive as 403 with a rate limit reason.
		for _, item := range apiErr.Errors {
			switch item.Reason {
			case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
				return core.NewProviderError(core.ErrorKindTransient, ProviderID, message+": "+detail, err)
			}
		}
		return providers.ClassifyStatus(ProviderID, apiErr.Code, message+": "+detail, err)
	}
	return providers.ClassifyResourceError(ProviderID, message, err)
}

func parseEventTime(value *calendar.EventDateTime) (time.Time, bool, error) {
	if value == nil {
		return time.Time{}, false, fmt.Errorf("missing event time")
	}
	if raw := strings.TrimSpace(value.DateTime); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, false, err
		}
		return parsed.UTC(), false, nil
	}
	if raw := strings.TrimSpace(value.Date); raw != "" {
		parsed, err := time.ParseInLocation(allDayLayout, raw, time.UTC)
		if err != nil {
			return time.Time{}, false, err
		}
		return parsed, true, nil
	}
	return time.Time{}, false, fmt.Errorf("event time has neither date nor dateTime")
}

func eventStatus(raw string) core.EventStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "tentative":
		return core.EventStatusTentative
	case "cancelled":
		return core.EventStatusCancelled
	default:
		return core.EventStatusConfirmed
	}
}

func normalizeBaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	return strings.TrimRight(raw, "/") + "/"
}
