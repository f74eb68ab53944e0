package notion

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-calendar-links/core"
	"github.com/goliatone/go-calendar-links/providers"
	"github.com/goliatone/go-calendar-links/transport"
	"golang.org/x/oauth2"
)

const (
	ProviderID        = "notion"
	DefaultAuthURL    = "https://api.notion.com/v1/oauth/authorize"
	DefaultTokenURL   = "https://api.notion.com/v1/oauth/token"
	DefaultAPIBaseURL = "https://api.notion.com/v1"
	DefaultAPIVersion = "2022-06-28"
	// DefaultDateProperty is the database column read as the event time.
	DefaultDateProperty = "Date"

	// Notion access tokens carry no expiry.
	defaultTokenTTL = 365 * 24 * time.Hour
	defaultPageSize = 100
	defaultMaxPages = 50
	allDayLayout    = "2006-01-02"
	localTimeLayout = "2006-01-02T15:04:05.999"
)

type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	APIBaseURL   string
	APIVersion   string
	// DatabaseID pins the calendar database. When empty the first database
	// shared with the integration that has DateProperty is used.
	DatabaseID     string
	DateProperty   string
	PageSize       int
	MaxPages       int
	TokenTTL       time.Duration
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

func DefaultConfig() Config {
	return Config{
		AuthURL:      DefaultAuthURL,
		TokenURL:     DefaultTokenURL,
		APIBaseURL:   DefaultAPIBaseURL,
		APIVersion:   DefaultAPIVersion,
		DateProperty: DefaultDateProperty,
		PageSize:     defaultPageSize,
		MaxPages:     defaultMaxPages,
		TokenTTL:     defaultTokenTTL,
	}
}

// Provider reads pages of a Notion database as calendar events. The token
// exchange authenticates the client with HTTP basic auth.
type Provider struct {
	*providers.OAuth2Provider
	cfg  Config
	rest *transport.RESTAdapter
}

func New(cfg Config) (*Provider, error) {
	defaults := DefaultConfig()
	if strings.TrimSpace(cfg.AuthURL) == "" {
		cfg.AuthURL = defaults.AuthURL
	}
	if strings.TrimSpace(cfg.TokenURL) == "" {
		cfg.TokenURL = defaults.TokenURL
	}
	cfg.APIBaseURL = strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaults.APIBaseURL
	}
	if cfg.APIVersion = strings.TrimSpace(cfg.APIVersion); cfg.APIVersion == "" {
		cfg.APIVersion = defaults.APIVersion
	}
	cfg.DatabaseID = strings.TrimSpace(cfg.DatabaseID)
	if cfg.DateProperty = strings.TrimSpace(cfg.DateProperty); cfg.DateProperty == "" {
		cfg.DateProperty = defaults.DateProperty
	}
	if cfg.PageSize <= 0 || cfg.PageSize > defaultPageSize {
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
		AuthStyle:      oauth2.AuthStyleInHeader,
		AuthParams:     map[string]string{"owner": "user"},
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

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type richText struct {
	PlainText string `json:"plain_text"`
	Text      struct {
		Content string `json:"content"`
	} `json:"text"`
}

type dateValue struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	TimeZone string `json:"time_zone"`
}

type person struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Person struct {
		Email string `json:"email"`
	} `json:"person"`
}

type namedOption struct {
	Name string `json:"name"`
}

// Property is the subset of a page property value the adapter reads.
type Property struct {
	Type     string       `json:"type"`
	Title    []richText   `json:"title,omitempty"`
	RichText []richText   `json:"rich_text,omitempty"`
	Date     *dateValue   `json:"date,omitempty"`
	People   []person     `json:"people,omitempty"`
	Select   *namedOption `json:"select,omitempty"`
	Status   *namedOption `json:"status,omitempty"`
	Checkbox bool         `json:"checkbox,omitempty"`
}

// Page is one database row.
type Page struct {
	ID         string              `json:"id"`
	URL        string              `json:"url"`
	Archived   bool                `json:"archived"`
	InTrash    bool                `json:"in_trash"`
	Properties map[string]Property `json:"properties"`
}

type pageList struct {
	Results    []Page `json:"results"`
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor"`
}

type database struct {
	ID         string                     `json:"id"`
	Properties map[string]json.RawMessage `json:"properties"`
}

type databaseList struct {
	Results []database `json:"results"`
}

type dateCondition struct {
	OnOrAfter  string `json:"on_or_after,omitempty"`
	OnOrBefore string `json:"on_or_before,omitempty"`
}

type propertyFilter struct {
	Property string        `json:"property"`
	Date     dateCondition `json:"date"`
}

type querySort struct {
	Property  string `json:"property"`
	Direction string `json:"direction"`
}

type queryRequest struct {
	Filter struct {
		And []propertyFilter `json:"and"`
	} `json:"filter"`
	Sorts       []querySort `json:"sorts"`
	PageSize    int         `json:"page_size"`
	StartCursor string      `json:"start_cursor,omitempty"`
}

type botUser struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Person struct {
		Email string `json:"email"`
	} `json:"person"`
	Bot struct {
		Owner struct {
			Type string `json:"type"`
			User person `json:"user"`
		} `json:"owner"`
	} `json:"bot"`
}

// resolveAccount prefers the email of the user who installed the
// integration, then their id, then the bot id.
func (p *Provider) resolveAccount(ctx context.Context, accessToken string) (string, error) {
	var user botUser
	if err := p.call(ctx, accessToken, http.MethodGet, p.cfg.APIBaseURL+"/users/me", nil, &user); err != nil {
		return "", err
	}
	for _, candidate := range []string{user.Bot.Owner.User.Person.Email, user.Person.Email} {
		if candidate = strings.TrimSpace(candidate); candidate != "" {
			return strings.ToLower(candidate), nil
		}
	}
	if owner := strings.TrimSpace(user.Bot.Owner.User.ID); owner != "" {
		return owner, nil
	}
	return strings.TrimSpace(user.ID), nil
}

func (p *Provider) FetchEvents(ctx context.Context, accessToken string, window core.TimeRange) ([]core.NativeEvent, error) {
	if err := window.Validate(); err != nil {
		return nil, fmt.Errorf("notion: invalid fetch window: %w", err)
	}
	databaseID := p.cfg.DatabaseID
	if databaseID == "" {
		found, err := p.findDatabase(ctx, accessToken)
		if err != nil {
			return nil, err
		}
		databaseID = found
	}

	query := queryRequest{
		Sorts:    []querySort{{Property: p.cfg.DateProperty, Direction: "ascending"}},
		PageSize: p.cfg.PageSize,
	}
	// Date filters compare calendar days, so widen by a day and let the
	// aggregator trim to the exact window.
	query.Filter.And = []propertyFilter{
		{Property: p.cfg.DateProperty, Date: dateCondition{OnOrAfter: window.Start.UTC().AddDate(0, 0, -1).Format(time.RFC3339)}},
		{Property: p.cfg.DateProperty, Date: dateCondition{OnOrBefore: window.End.UTC().Format(time.RFC3339)}},
	}
	endpoint := p.cfg.APIBaseURL + "/databases/" + url.PathEscape(databaseID) + "/query"

	var events []core.NativeEvent
	for page := 0; ; page++ {
		if page >= p.cfg.MaxPages {
			return nil, core.NewProviderError(core.ErrorKindMalformed, ProviderID, fmt.Sprintf("database query exceeded %d pages", p.cfg.MaxPages), nil)
		}
		var body pageList
		if err := p.call(ctx, accessToken, http.MethodPost, endpoint, query, &body); err != nil {
			return nil, err
		}
		for _, item := range body.Results {
			if item.Archived || item.InTrash {
				continue
			}
			events = append(events, core.NativeEvent{ProviderID: ProviderID, ID: item.ID, Payload: item})
		}
		if !body.HasMore || strings.TrimSpace(body.NextCursor) == "" {
			return events, nil
		}
		query.StartCursor = body.NextCursor
	}
}

func (p *Provider) findDatabase(ctx context.Context, accessToken string) (string, error) {
	search := map[string]any{
		"filter":    map[string]string{"property": "object", "value": "database"},
		"page_size": defaultPageSize,
	}
	var body databaseList
	if err := p.call(ctx, accessToken, http.MethodPost, p.cfg.APIBaseURL+"/search", search, &body); err != nil {
		return "", err
	}
	for _, db := range body.Results {
		raw, ok := db.Properties[p.cfg.DateProperty]
		if !ok {
			continue
		}
		var prop struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(raw, &prop) == nil && prop.Type == "date" && strings.TrimSpace(db.ID) != "" {
			return db.ID, nil
		}
	}
	return "", core.NewProviderError(core.ErrorKindMalformed, ProviderID, fmt.Sprintf("no shared database has a %q date property", p.cfg.DateProperty), nil)
}

func (p *Provider) NormalizeEvent(event core.NativeEvent) (core.UnifiedEvent, error) {
	item, ok := event.Payload.(Page)
	if !ok {
		return core.UnifiedEvent{}, core.NewProviderError(core.ErrorKindMalformed, ProviderID, fmt.Sprintf("unexpected payload %T", event.Payload), nil)
	}
	if strings.TrimSpace(item.ID) == "" {
		return core.UnifiedEvent{}, core.NewProviderError(core.ErrorKindMalformed, ProviderID, "page id is missing", nil)
	}
	when := item.Properties[p.cfg.DateProperty].Date
	if when == nil {
		return core.UnifiedEvent{}, core.NewProviderError(core.ErrorKindMalformed, ProviderID, "page has no date", nil)
	}
	start, dateOnly, err := parseDate(when.Start, when.TimeZone)
	if err != nil {
		return core.UnifiedEvent{}, core.NewProviderError(core.ErrorKindMalformed, ProviderID, "invalid page start", err)
	}
	end := start
	if dateOnly {
		end = start.AddDate(0, 0, 1)
	}
	if strings.TrimSpace(when.End) != "" {
		parsedEnd, endDateOnly, err := parseDate(when.End, when.TimeZone)
		if err != nil {
			return core.UnifiedEvent{}, core.NewProviderError(core.ErrorKindMalformed, ProviderID, "invalid page end", err)
		}
		end = parsedEnd
		if endDateOnly {
			// Notion date ranges are inclusive of the last day.
			end = parsedEnd.AddDate(0, 0, 1)
		}
	}

	unified := core.UnifiedEvent{
		ID:          core.UnifiedEventID(ProviderID, item.ID),
		Source:      ProviderID,
		SourceID:    item.ID,
		Title:       providers.TitleOrDefault(titleOf(item)),
		Description: plainText(item.Properties["Description"].RichText),
		Start:       start,
		End:         end,
		AllDay:      dateOnly || item.Properties["AllDay"].Checkbox,
		Location:    plainText(item.Properties["Location"].RichText),
		Status:      pageStatus(item),
		HTMLLink:    item.URL,
	}
	for _, attendee := range item.Properties["Attendees"].People {
		email := strings.ToLower(strings.TrimSpace(attendee.Person.Email))
		if email == "" {
			continue
		}
		unified.Attendees = append(unified.Attendees, core.Attendee{Email: email, Name: strings.TrimSpace(attendee.Name)})
	}
	return unified, nil
}

// Revoke calls the Notion revocation endpoint, which takes a JSON body and
// client basic auth rather than the RFC 7009 form.
func (p *Provider) Revoke(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	payload, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return core.NewProviderError(core.ErrorKindMalformed, ProviderID, "encode revocation request", err)
	}
	credentials := base64.StdEncoding.EncodeToString([]byte(url.QueryEscape(p.cfg.ClientID) + ":" + url.QueryEscape(p.cfg.ClientSecret)))
	res, err := p.rest.Do(ctx, core.TransportRequest{
		Method: http.MethodPost,
		URL:    p.cfg.APIBaseURL + "/oauth/revoke",
		Body:   payload,
		Headers: map[string]string{
			"Authorization":  "Basic " + credentials,
			"Content-Type":   "application/json",
			"Notion-Version": p.cfg.APIVersion,
		},
		Timeout: p.cfg.RequestTimeout,
	})
	if err != nil {
		return providers.ClassifyResourceError(ProviderID, "revoke token", err)
	}
	// 400 means the token is already invalid.
	if res.StatusCode == http.StatusOK || res.StatusCode == http.StatusBadRequest {
		return nil
	}
	return classifyAPIError(res)
}

func (p *Provider) call(ctx context.Context, accessToken, method, rawURL string, in, out any) error {
	req := core.TransportRequest{
		Method: method,
		URL:    rawURL,
		Headers: map[string]string{
			"Authorization":  "Bearer " + strings.TrimSpace(accessToken),
			"Notion-Version": p.cfg.APIVersion,
		},
		Timeout: p.cfg.RequestTimeout,
	}
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return core.NewProviderError(core.ErrorKindMalformed, ProviderID, "encode notion request", err)
		}
		req.Body = payload
		req.Headers["Content-Type"] = "application/json"
	}
	res, err := p.rest.Do(ctx, req)
	if err != nil {
		return providers.ClassifyResourceError(ProviderID, "notion request", err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return classifyAPIError(res)
	}
	if err := json.Unmarshal(res.Body, out); err != nil {
		return core.NewProviderError(core.ErrorKindMalformed, ProviderID, "decode notion response", err)
	}
	return nil
}

func classifyAPIError(res core.TransportResponse) error {
	var envelope apiError
	message := http.StatusText(res.StatusCode)
	if err := json.Unmarshal(res.Body, &envelope); err == nil && envelope.Code != "" {
		message = envelope.Code + ": " + envelope.Message
		switch envelope.Code {
		case "unauthorized":
			return core.NewProviderError(core.ErrorKindReauthRequired, ProviderID, message, nil)
		case "rate_limited", "service_unavailable", "conflict_error":
			return core.NewProviderError(core.ErrorKindTransient, ProviderID, message, nil)
		case "restricted_resource", "object_not_found", "validation_error":
			// The token is fine; the integration lacks access to the database.
			return core.NewProviderError(core.ErrorKindMalformed, ProviderID, message, nil)
		}
	}
	return providers.ClassifyStatus(ProviderID, res.StatusCode, "notion "+message, nil)
}

func parseDate(raw, zone string) (time.Time, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false, fmt.Errorf("missing date")
	}
	if len(raw) == len(allDayLayout) {
		parsed, err := time.ParseInLocation(allDayLayout, raw, time.UTC)
		return parsed, true, err
	}
	if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return parsed.UTC(), false, nil
	}
	loc := time.UTC
	if zone = strings.TrimSpace(zone); zone != "" {
		if loaded, err := time.LoadLocation(zone); err == nil {
			loc = loaded
		}
	}
	parsed, err := time.ParseInLocation(localTimeLayout, raw, loc)
	if err != nil {
		return time.Time{}, false, err
	}
	return parsed.UTC(), false, nil
}

// titleOf reads the database's title column, whatever it is named.
func titleOf(page Page) string {
	for _, prop := range page.Properties {
		if prop.Type == "title" {
			return plainText(prop.Title)
		}
	}
	return ""
}

func plainText(parts []richText) string {
	var b strings.Builder
	for _, part := range parts {
		text := part.PlainText
		if text == "" {
			text = part.Text.Content
		}
		b.WriteString(text)
	}
	return strings.TrimSpace(b.String())
}

func pageStatus(page Page) core.EventStatus {
	name := ""
	if prop := page.Properties["Status"]; prop.Select != nil {
		name = prop.Select.Name
	} else if prop.Status != nil {
		name = prop.Status.Name
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "cancelled", "canceled":
		return core.EventStatusCancelled
	case "tentative", "maybe":
		return core.EventStatusTentative
	default:
		return core.EventStatusConfirmed
	}
}
