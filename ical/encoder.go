// Package ical renders unified events as an iCalendar feed.
package ical

import (
	"fmt"
	"io"
	"strings"
	"time"

	goical "github.com/emersion/go-ical"

	"github.com/goliatone/go-calendar-links/core"
)

const (
	DefaultProductID = "-//goliatone//calendar-links//EN"
	PropSources      = "X-CALENDAR-LINKS-SOURCES"
)

type Option func(*encoder)

func WithProductID(productID string) Option {
	return func(e *encoder) {
		if productID = strings.TrimSpace(productID); productID != "" {
			e.productID = productID
		}
	}
}

func WithCalendarName(name string) Option {
	return func(e *encoder) {
		e.name = strings.TrimSpace(name)
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *encoder) {
		if now != nil {
			e.now = now
		}
	}
}

type encoder struct {
	productID string
	name      string
	now       func() time.Time
}

// Calendar builds a VCALENDAR holding one VEVENT per unified event. Merged
// duplicates are not emitted separately.
func Calendar(events []core.UnifiedEvent, opts ...Option) *goical.Calendar {
	enc := &encoder{
		productID: DefaultProductID,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(enc)
		}
	}

	cal := goical.NewCalendar()
	cal.Props.SetText(goical.PropVersion, "2.0")
	cal.Props.SetText(goical.PropProductID, enc.productID)
	if enc.name != "" {
		cal.Props.SetText("X-WR-CALNAME", enc.name)
	}
	stamp := enc.now().UTC()
	for _, event := range events {
		cal.Children = append(cal.Children, eventComponent(event, stamp))
	}
	return cal
}

func Encode(w io.Writer, events []core.UnifiedEvent, opts ...Option) error {
	if w == nil {
		return fmt.Errorf("ical: writer is required")
	}
	if err := goical.NewEncoder(w).Encode(Calendar(events, opts...)); err != nil {
		return fmt.Errorf("ical: encode calendar: %w", err)
	}
	return nil
}

func eventComponent(event core.UnifiedEvent, stamp time.Time) *goical.Component {
	ve := goical.NewComponent(goical.CompEvent)
	ve.Props.SetText(goical.PropUID, eventUID(event))
	ve.Props.SetDateTime(goical.PropDateTimeStamp, stamp)
	ve.Props.SetText(goical.PropSummary, event.Title)

	if event.AllDay {
		ve.Props.SetDate(goical.PropDateTimeStart, event.Start)
		end := event.End
		if !end.After(event.Start) {
			end = event.Start.AddDate(0, 0, 1)
		}
		ve.Props.SetDate(goical.PropDateTimeEnd, end)
	} else {
		ve.Props.SetDateTime(goical.PropDateTimeStart, event.Start.UTC())
		ve.Props.SetDateTime(goical.PropDateTimeEnd, event.End.UTC())
	}

	if event.Description != "" {
		ve.Props.SetText(goical.PropDescription, event.Description)
	}
	if event.Location != "" {
		ve.Props.SetText(goical.PropLocation, event.Location)
	}
	if event.HTMLLink != "" {
		ve.Props.SetText(goical.PropURL, event.HTMLLink)
	}
	if status := eventStatus(event.Status); status != "" {
		ve.Props.SetText(goical.PropStatus, status)
	}
	for _, attendee := range event.Attendees {
		email := strings.TrimSpace(attendee.Email)
		if email == "" {
			continue
		}
		prop := goical.NewProp(goical.PropAttendee)
		prop.SetText("mailto:" + email)
		if name := strings.TrimSpace(attendee.Name); name != "" {
			prop.Params.Set(goical.ParamCommonName, name)
		}
		ve.Props.Add(prop)
	}
	if len(event.Sources) > 0 {
		prop := goical.NewProp(PropSources)
		prop.Value = strings.Join(event.Sources, ",")
		ve.Props.Set(prop)
	}
	return ve
}

func eventUID(event core.UnifiedEvent) string {
	if event.DedupGroupID != "" {
		return event.DedupGroupID + "@calendar-links"
	}
	id := event.ID
	if id == "" {
		id = core.UnifiedEventID(event.Source, event.SourceID)
	}
	return id + "@calendar-links"
}

func eventStatus(status core.EventStatus) string {
	switch status {
	case core.EventStatusConfirmed:
		return "CONFIRMED"
	case core.EventStatusTentative:
		return "TENTATIVE"
	case core.EventStatusCancelled:
		return "CANCELLED"
	default:
		return ""
	}
}
