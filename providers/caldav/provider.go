package caldav

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	gocaldav "github.com/emersion/go-webdav/caldav"
	"github.com/goliatone/go-calendar-links/core"
	"github.com/goliatone/go-calendar-links/providers"
)

const (
	ProviderID = "caldav"

	defaultMaxOccurrences = 500
	occurrenceIDLayout    = "20060102T150405Z"
)

type Config struct {
	ID           string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	RevokeURL    string
	// Endpoint is the CalDAV server root used for principal discovery.
	Endpoint string
	// CalendarPaths skips discovery when set.
	CalendarPaths  []string
	DefaultScopes  []string
	MaxOccurrences int
	TokenTTL       time.Duration
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// Provider reads VEVENTs from a CalDAV server that accepts OAuth2 bearer
// tokens. Recurring series are expanded client side.
type Provider struct {
	*providers.OAuth2Provider
	cfg Config
}

// Occurrence is the native payload for one event instance. RecurrenceStart
// is set when the instance was expanded from a recurring series.
type Occurrence struct {
	Href            string
	Component       *ical.Component
	RecurrenceStart time.Time
}

func New(cfg Config) (*Provider, error) {
	cfg.ID = strings.TrimSpace(cfg.ID)
	if cfg.ID == "" {
		cfg.ID = ProviderID
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("caldav: endpoint is required")
	}
	if cfg.MaxOccurrences <= 0 {
		cfg.MaxOccurrences = defaultMaxOccurrences
	}

	provider := &Provider{cfg: cfg}
	base, err := providers.NewOAuth2Provider(providers.OAuth2Config{
		ID:             cfg.ID,
		AuthURL:        cfg.AuthURL,
		TokenURL:       cfg.TokenURL,
		RevokeURL:      cfg.RevokeURL,
		ClientID:       cfg.ClientID,
		ClientSecret:   cfg.ClientSecret,
		RedirectURL:    cfg.RedirectURL,
		DefaultScopes:  cfg.DefaultScopes,
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

// statusTransport turns auth, throttling and server failures into
// classified errors before the WebDAV client sees them.
type statusTransport struct {
	providerID string
	base       http.RoundTripper
}

func (t *statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	res, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	switch {
	case res.StatusCode == http.StatusUnauthorized,
		res.StatusCode == http.StatusForbidden,
		res.StatusCode == http.StatusRequestTimeout,
		res.StatusCode == http.StatusTooManyRequests,
		res.StatusCode >= http.StatusInternalServerError:
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
		res.Body.Close()
		return nil, providers.ClassifyStatus(t.providerID, res.StatusCode, req.Method+" "+req.URL.Path, nil)
	}
	return res, nil
}

func (p *Provider) client(ctx context.Context, accessToken string) (*gocaldav.Client, error) {
	bearer := p.BearerClient(ctx, accessToken)
	httpClient := &http.Client{
		Transport: &statusTransport{providerID: p.ID(), base: bearer.Transport},
		Timeout:   p.HTTPClient().Timeout,
	}
	client, err := gocaldav.NewClient(httpClient, p.cfg.Endpoint)
	if err != nil {
		return nil, core.NewProviderError(core.ErrorKindMalformed, p.ID(), "build caldav client", err)
	}
	return client, nil
}

func (p *Provider) resolveAccount(ctx context.Context, accessToken string) (string, error) {
	client, err := p.client(ctx, accessToken)
	if err != nil {
		return "", err
	}
	principal, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", providers.ClassifyResourceError(p.ID(), "find current user principal", err)
	}
	return strings.TrimSpace(principal), nil
}

func (p *Provider) calendarPaths(ctx context.Context, client *gocaldav.Client) ([]string, error) {
	if len(p.cfg.CalendarPaths) > 0 {
		return p.cfg.CalendarPaths, nil
	}
	principal, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, providers.ClassifyResourceError(p.ID(), "find current user principal", err)
	}
	homeSet, err := client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, providers.ClassifyResourceError(p.ID(), "find calendar home set", err)
	}
	calendars, err := client.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, providers.ClassifyResourceError(p.ID(), "find calendars", err)
	}
	paths := make([]string, 0, len(calendars))
	for _, calendar := range calendars {
		if supportsEvents(calendar.SupportedComponentSet) {
			paths = append(paths, calendar.Path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func supportsEvents(components []string) bool {
	if len(components) == 0 {
		return true
	}
	for _, name := range components {
		if strings.EqualFold(name, ical.CompEvent) {
			return true
		}
	}
	return false
}

func (p *Provider) FetchEvents(ctx context.Context, accessToken string, window core.TimeRange) ([]core.NativeEvent, error) {
	if err := window.Validate(); err != nil {
		return nil, fmt.Errorf("caldav: invalid fetch window: %w", err)
	}
	client, err := p.client(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	paths, err := p.calendarPaths(ctx, client)
	if err != nil {
		return nil, err
	}

	query := &gocaldav.CalendarQuery{
		CompRequest: gocaldav.CalendarCompRequest{
			Name:  ical.CompCalendar,
			Props: []string{ical.PropVersion},
			Comps: []gocaldav.CalendarCompRequest{{Name: ical.CompEvent, AllProps: true}},
		},
		CompFilter: gocaldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []gocaldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: window.Start.UTC(),
				End:   window.End.UTC(),
			}},
		},
	}

	var events []core.NativeEvent
	for _, path := range paths {
		objects, err := client.QueryCalendar(ctx, path, query)
		if err != nil {
			return nil, providers.ClassifyResourceError(p.ID(), "query calendar "+path, err)
		}
		for _, object := range objects {
			if object.Data == nil {
				continue
			}
			events = append(events, p.expandObject(object.Path, object.Data, window)...)
		}
	}
	return events, nil
}

// expandObject emits one native event per instance in window. Overrides
// carrying RECURRENCE-ID replace the matching generated instance.
func (p *Provider) expandObject(href string, cal *ical.Calendar, window core.TimeRange) []core.NativeEvent {
	var masters, overrides []*ical.Component
	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		if child.Props.Get(ical.PropRecurrenceID) != nil {
			overrides = append(overrides, child)
			continue
		}
		masters = append(masters, child)
	}

	replaced := map[string]struct{}{}
	var events []core.NativeEvent
	for _, override := range overrides {
		if recurrenceID, err := override.Props.Get(ical.PropRecurrenceID).DateTime(time.UTC); err == nil {
			replaced[eventUID(override)+"/"+recurrenceID.UTC().Format(occurrenceIDLayout)] = struct{}{}
		}
		events = append(events, p.nativeEvent(Occurrence{Href: href, Component: override}))
	}

	for _, master := range masters {
		if master.Props.Get(ical.PropRecurrenceRule) == nil {
			events = append(events, p.nativeEvent(Occurrence{Href: href, Component: master}))
			continue
		}
		set, err := master.RecurrenceSet(time.UTC)
		if err != nil || set == nil {
			events = append(events, p.nativeEvent(Occurrence{Href: href, Component: master}))
			continue
		}
		start, end, _, err := componentTimes(master)
		if err != nil {
			events = append(events, p.nativeEvent(Occurrence{Href: href, Component: master}))
			continue
		}
		duration := end.Sub(start)
		instances := set.Between(window.Start.Add(-duration), window.End, true)
		if len(instances) > p.cfg.MaxOccurrences {
			instances = instances[:p.cfg.MaxOccurrences]
		}
		for _, instance := range instances {
			key := eventUID(master) + "/" + instance.UTC().Format(occurrenceIDLayout)
			if _, ok := replaced[key]; ok {
				continue
			}
			events = append(events, p.nativeEvent(Occurrence{Href: href, Component: master, RecurrenceStart: instance.UTC()}))
		}
	}
	return events
}

func (p *Provider) nativeEvent(occurrence Occurrence) core.NativeEvent {
	return core.NativeEvent{ProviderID: p.ID(), ID: occurrenceID(occurrence), Payload: occurrence}
}

func (p *Provider) NormalizeEvent(event core.NativeEvent) (core.UnifiedEvent, error) {
	occurrence, ok := event.Payload.(Occurrence)
	if !ok || occurrence.Component == nil {
		return core.UnifiedEvent{}, core.NewProviderError(core.ErrorKindMalformed, p.ID(), fmt.Sprintf("unexpected payload %T", event.Payload), nil)
	}
	comp := occurrence.Component
	sourceID := occurrenceID(occurrence)
	if sourceID == "" {
		return core.UnifiedEvent{}, core.NewProviderError(core.ErrorKindMalformed, p.ID(), "event uid is missing", nil)
	}
	start, end, allDay, err := componentTimes(comp)
	if err != nil {
		return core.UnifiedEvent{}, core.NewProviderError(core.ErrorKindMalformed, p.ID(), "invalid event time", err)
	}
	if !occurrence.RecurrenceStart.IsZero() {
		end = occurrence.RecurrenceStart.Add(end.Sub(start))
		start = occurrence.RecurrenceStart
	}

	unified := core.UnifiedEvent{
		ID:          core.UnifiedEventID(p.ID(), sourceID),
		Source:      p.ID(),
		SourceID:    sourceID,
		Title:       providers.TitleOrDefault(textProp(comp, ical.PropSummary)),
		Description: textProp(comp, ical.PropDescription),
		Start:       start,
		End:         end,
		AllDay:      allDay,
		Location:    textProp(comp, ical.PropLocation),
		Status:      eventStatus(textProp(comp, ical.PropStatus)),
		HTMLLink:    textProp(comp, ical.PropURL),
	}
	for _, attendee := range comp.Props.Values(ical.PropAttendee) {
		email := strings.TrimSpace(attendee.Value)
		if len(email) > len("mailto:") && strings.EqualFold(email[:len("mailto:")], "mailto:") {
			email = email[len("mailto:"):]
		}
		if strings.EqualFold(attendee.Params.Get(ical.ParamCalendarUserType), "RESOURCE") {
			continue
		}
		unified.Attendees = append(unified.Attendees, core.Attendee{
			Email: strings.ToLower(email),
			Name:  strings.TrimSpace(attendee.Params.Get(ical.ParamCommonName)),
		})
	}
	return unified, nil
}

func componentTimes(comp *ical.Component) (time.Time, time.Time, bool, error) {
	startProp := comp.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("DTSTART is missing")
	}
	start, err := startProp.DateTime(time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, false, err
	}
	allDay := startProp.ValueType() == ical.ValueDate
	start = start.UTC()

	end := start
	switch {
	case comp.Props.Get(ical.PropDateTimeEnd) != nil:
		parsed, err := comp.Props.Get(ical.PropDateTimeEnd).DateTime(time.UTC)
		if err != nil {
			return time.Time{}, time.Time{}, false, err
		}
		end = parsed.UTC()
	case comp.Props.Get(ical.PropDuration) != nil:
		duration, err := comp.Props.Get(ical.PropDuration).Duration()
		if err != nil {
			return time.Time{}, time.Time{}, false, err
		}
		end = start.Add(duration)
	case allDay:
		end = start.Add(24 * time.Hour)
	}
	return start, end, allDay, nil
}

func occurrenceID(occurrence Occurrence) string {
	if occurrence.Component == nil {
		return ""
	}
	uid := eventUID(occurrence.Component)
	if uid == "" {
		return ""
	}
	if !occurrence.RecurrenceStart.IsZero() {
		return uid + "/" + occurrence.RecurrenceStart.UTC().Format(occurrenceIDLayout)
	}
	if prop := occurrence.Component.Props.Get(ical.PropRecurrenceID); prop != nil {
		if recurrenceID, err := prop.DateTime(time.UTC); err == nil {
			return uid + "/" + recurrenceID.UTC().Format(occurrenceIDLayout)
		}
	}
	return uid
}

func eventUID(comp *ical.Component) string {
	return textProp(comp, ical.PropUID)
}

func textProp(comp *ical.Component, name string) string {
	prop := comp.Props.Get(name)
	if prop == nil {
		return ""
	}
	value, err := prop.Text()
	if err != nil {
		value = prop.Value
	}
	return strings.TrimSpace(value)
}

func eventStatus(raw string) core.EventStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(ical.EventTentative):
		return core.EventStatusTentative
	case string(ical.EventCancelled):
		return core.EventStatusCancelled
	default:
		return core.EventStatusConfirmed
	}
}
