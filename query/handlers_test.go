package query

import (
	"context"
	"testing"
	"time"

	"github.com/goliatone/go-calendar-links/core"
)

type stubReader struct {
	statusFn       func(context.Context, core.StatusRequest) (core.LinkStatus, error)
	listFn         func(context.Context, string) ([]core.LinkStatus, error)
	unifiedEventFn func(context.Context, core.UnifiedEventsRequest) (core.UnifiedEventsResult, error)
}

func (s stubReader) Status(ctx context.Context, req core.StatusRequest) (core.LinkStatus, error) {
	return s.statusFn(ctx, req)
}

func (s stubReader) ListStatuses(ctx context.Context, userID string) ([]core.LinkStatus, error) {
	return s.listFn(ctx, userID)
}

func (s stubReader) UnifiedEvents(ctx context.Context, req core.UnifiedEventsRequest) (core.UnifiedEventsResult, error) {
	return s.unifiedEventFn(ctx, req)
}

func TestLinkStatusQuery_DelegatesToReader(t *testing.T) {
	reader := stubReader{
		statusFn: func(_ context.Context, req core.StatusRequest) (core.LinkStatus, error) {
			if req.UserID != "ada@example.com" || req.ProviderID != "google" {
				t.Fatalf("unexpected status request %#v", req)
			}
			return core.LinkStatus{ProviderID: "google", State: core.LinkStateLinked, Linked: true}, nil
		},
	}
	status, err := NewLinkStatusQuery(reader).Query(context.Background(), LinkStatusMessage{Request: core.StatusRequest{
		UserID:     "ada@example.com",
		ProviderID: "google",
	}})
	if err != nil {
		t.Fatalf("query status: %v", err)
	}
	if !status.Linked {
		t.Fatalf("expected linked status, got %#v", status)
	}
}

func TestListStatusesQuery_DelegatesToReader(t *testing.T) {
	reader := stubReader{
		listFn: func(_ context.Context, userID string) ([]core.LinkStatus, error) {
			return []core.LinkStatus{{ProviderID: "google"}, {ProviderID: "microsoft"}}, nil
		},
	}
	statuses, err := NewListStatusesQuery(reader).Query(context.Background(), ListStatusesMessage{UserID: "ada@example.com"})
	if err != nil {
		t.Fatalf("list statuses: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("expected two statuses, got %d", len(statuses))
	}
}

func TestUnifiedEventsQuery_DelegatesToReader(t *testing.T) {
	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	reader := stubReader{
		unifiedEventFn: func(_ context.Context, req core.UnifiedEventsRequest) (core.UnifiedEventsResult, error) {
			if !req.Range.Start.Equal(start) {
				t.Fatalf("unexpected range %#v", req.Range)
			}
			return core.UnifiedEventsResult{Events: []core.UnifiedEvent{{ID: "google:1"}}}, nil
		},
	}
	msg := UnifiedEventsMessage{Request: core.UnifiedEventsRequest{
		UserID: "ada@example.com",
		Range:  core.TimeRange{Start: start, End: start.Add(7 * 24 * time.Hour)},
	}}
	if err := msg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	result, err := NewUnifiedEventsQuery(reader).Query(context.Background(), msg)
	if err != nil {
		t.Fatalf("unified events: %v", err)
	}
	if len(result.Events) != 1 {
		t.Fatalf("expected one event, got %d", len(result.Events))
	}
}

func TestUnifiedEventsMessage_RejectsInvertedRange(t *testing.T) {
	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	msg := UnifiedEventsMessage{Request: core.UnifiedEventsRequest{
		UserID: "ada@example.com",
		Range:  core.TimeRange{Start: start, End: start.Add(-time.Hour)},
	}}
	if err := msg.Validate(); err == nil {
		t.Fatalf("expected inverted range to be rejected")
	}
	if err := (UnifiedEventsMessage{}).Validate(); err == nil {
		t.Fatalf("expected missing range to be rejected")
	}
}
