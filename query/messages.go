package query

import (
	"strings"

	"github.com/goliatone/go-calendar-links/core"
)

const (
	TypeLinkStatus    = "calendar_links.query.status"
	TypeListStatuses  = "calendar_links.query.status.list"
	TypeUnifiedEvents = "calendar_links.query.events.unified"
)

type LinkStatusMessage struct {
	Request core.StatusRequest
}

func (LinkStatusMessage) Type() string { return TypeLinkStatus }

func (m LinkStatusMessage) Validate() error {
	if strings.TrimSpace(m.Request.UserID) != "" && strings.TrimSpace(m.Request.ProviderID) == "" {
		return core.NewFieldError("query", "provider_id", "provider id is required")
	}
	return nil
}

type ListStatusesMessage struct {
	UserID string
}

func (ListStatusesMessage) Type() string { return TypeListStatuses }

type UnifiedEventsMessage struct {
	Request core.UnifiedEventsRequest
}

func (UnifiedEventsMessage) Type() string { return TypeUnifiedEvents }

func (m UnifiedEventsMessage) Validate() error {
	if m.Request.Range.Start.IsZero() {
		return core.NewFieldError("query", "start", "range start is required")
	}
	if m.Request.Range.End.IsZero() {
		return core.NewFieldError("query", "end", "range end is required")
	}
	if err := m.Request.Range.Validate(); err != nil {
		return core.NewFieldError("query", "end", err.Error())
	}
	return nil
}
