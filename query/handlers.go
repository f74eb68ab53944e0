package query

import (
	"context"

	"github.com/goliatone/go-calendar-links/core"
)

type StatusReader interface {
	Status(ctx context.Context, req core.StatusRequest) (core.LinkStatus, error)
	ListStatuses(ctx context.Context, userID string) ([]core.LinkStatus, error)
}

type EventsReader interface {
	UnifiedEvents(ctx context.Context, req core.UnifiedEventsRequest) (core.UnifiedEventsResult, error)
}

type LinkStatusQuery struct {
	reader StatusReader
}

func NewLinkStatusQuery(reader StatusReader) *LinkStatusQuery {
	return &LinkStatusQuery{reader: reader}
}

func (q *LinkStatusQuery) Query(ctx context.Context, msg LinkStatusMessage) (core.LinkStatus, error) {
	if q == nil || q.reader == nil {
		return core.LinkStatus{}, core.NewWiringError("query: status reader is required")
	}
	return q.reader.Status(ctx, msg.Request)
}

type ListStatusesQuery struct {
	reader StatusReader
}

func NewListStatusesQuery(reader StatusReader) *ListStatusesQuery {
	return &ListStatusesQuery{reader: reader}
}

func (q *ListStatusesQuery) Query(ctx context.Context, msg ListStatusesMessage) ([]core.LinkStatus, error) {
	if q == nil || q.reader == nil {
		return nil, core.NewWiringError("query: status reader is required")
	}
	return q.reader.ListStatuses(ctx, msg.UserID)
}

type UnifiedEventsQuery struct {
	reader EventsReader
}

func NewUnifiedEventsQuery(reader EventsReader) *UnifiedEventsQuery {
	return &UnifiedEventsQuery{reader: reader}
}

func (q *UnifiedEventsQuery) Query(ctx context.Context, msg UnifiedEventsMessage) (core.UnifiedEventsResult, error) {
	if q == nil || q.reader == nil {
		return core.UnifiedEventsResult{}, core.NewWiringError("query: events reader is required")
	}
	return q.reader.UnifiedEvents(ctx, msg.Request)
}
