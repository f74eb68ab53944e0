package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-calendar-links/core"
	"github.com/goliatone/go-calendar-links/ical"
)

type statusesResponse struct {
	Providers []core.LinkStatus `json:"providers"`
}

func (h *Handler) connect(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	redirectURI := strings.TrimSpace(query.Get("redirect_uri"))
	if redirectURI == "" {
		redirectURI = h.redirectURI
	}
	resp, err := h.service.Connect(r.Context(), core.ConnectRequest{
		UserID:      UserFromContext(r.Context()),
		ProviderID:  chi.URLParam(r, "provider"),
		RedirectURI: redirectURI,
		Scopes:      query["scope"],
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if query.Get("redirect") == "1" {
		http.Redirect(w, r, resp.URL, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if denied := strings.TrimSpace(query.Get("error")); denied != "" {
		writeError(w, badInput("consent was not granted: "+denied, "error"))
		return
	}
	redirectURI := strings.TrimSpace(query.Get("redirect_uri"))
	if redirectURI == "" {
		redirectURI = h.redirectURI
	}
	result, err := h.service.CompleteConsent(r.Context(), core.CompleteConsentRequest{
		UserID:      UserFromContext(r.Context()),
		ProviderID:  chi.URLParam(r, "provider"),
		Code:        query.Get("code"),
		State:       query.Get("state"),
		RedirectURI: redirectURI,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) disconnect(w http.ResponseWriter, r *http.Request) {
	err := h.service.Disconnect(r.Context(), core.DisconnectRequest{
		UserID:     UserFromContext(r.Context()),
		ProviderID: chi.URLParam(r, "provider"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.Status(r.Context(), core.StatusRequest{
		UserID:     UserFromContext(r.Context()),
		ProviderID: chi.URLParam(r, "provider"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) listStatuses(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.service.ListStatuses(r.Context(), UserFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusesResponse{Providers: statuses})
}

func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	result, ok := h.unifiedEvents(w, r)
	if !ok {
		return
	}
	if result.Events == nil {
		result.Events = []core.UnifiedEvent{}
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) eventsICS(w http.ResponseWriter, r *http.Request) {
	result, ok := h.unifiedEvents(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := ical.Encode(&buf, result.Events, ical.WithCalendarName(h.calendarName)); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	if result.Partial {
		w.Header().Set("X-Calendar-Links-Partial", "true")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (h *Handler) unifiedEvents(w http.ResponseWriter, r *http.Request) (core.UnifiedEventsResult, bool) {
	window, err := parseWindow(r)
	if err != nil {
		writeError(w, err)
		return core.UnifiedEventsResult{}, false
	}
	result, err := h.service.UnifiedEvents(r.Context(), core.UnifiedEventsRequest{
		UserID: UserFromContext(r.Context()),
		Range:  window,
	})
	if err != nil {
		writeError(w, err)
		return core.UnifiedEventsResult{}, false
	}
	return result, true
}

// parseWindow reads start and end as RFC 3339 timestamps or YYYY-MM-DD
// dates.
func parseWindow(r *http.Request) (core.TimeRange, error) {
	query := r.URL.Query()
	start, err := parseInstant(query.Get("start"))
	if err != nil {
		return core.TimeRange{}, badInput(err.Error(), "start")
	}
	end, err := parseInstant(query.Get("end"))
	if err != nil {
		return core.TimeRange{}, badInput(err.Error(), "end")
	}
	window := core.TimeRange{Start: start, End: end}
	if err := window.Validate(); err != nil {
		return core.TimeRange{}, badInput(err.Error(), "end")
	}
	return window, nil
}

func parseInstant(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("value is required")
	}
	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		return parsed.UTC(), nil
	}
	parsed, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC 3339 timestamp or YYYY-MM-DD date")
	}
	return parsed, nil
}

func badInput(message, field string) error {
	return goerrors.NewValidation(message, goerrors.FieldError{Field: field, Message: message}).
		WithTextCode(core.ServiceErrorBadInput).
		WithCode(http.StatusBadRequest)
}

func rateLimitedError() error {
	return goerrors.New("too many requests, retry later", goerrors.CategoryRateLimit).
		WithTextCode(core.ServiceErrorRateLimited).
		WithCode(http.StatusTooManyRequests)
}
