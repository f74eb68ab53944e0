// Package api exposes link management and the unified timeline over HTTP.
package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-calendar-links/core"
)

// Service is the link service surface the routes call.
type Service interface {
	Connect(ctx context.Context, req core.ConnectRequest) (core.ConnectResponse, error)
	CompleteConsent(ctx context.Context, req core.CompleteConsentRequest) (core.LinkResult, error)
	Disconnect(ctx context.Context, req core.DisconnectRequest) error
	Status(ctx context.Context, req core.StatusRequest) (core.LinkStatus, error)
	ListStatuses(ctx context.Context, userID string) ([]core.LinkStatus, error)
	UnifiedEvents(ctx context.Context, req core.UnifiedEventsRequest) (core.UnifiedEventsResult, error)
}

type Option func(*Handler)

func WithIdentityResolver(resolver IdentityResolver) Option {
	return func(h *Handler) {
		if resolver != nil {
			h.identity = resolver
		}
	}
}

// WithRateLimiter replaces the default per-user limiter. A nil limiter
// disables rate limiting.
func WithRateLimiter(limiter *UserRateLimiter) Option {
	return func(h *Handler) {
		h.limiter = limiter
	}
}

func WithLogger(logger glog.Logger) Option {
	return func(h *Handler) {
		h.logger = glog.Ensure(logger)
	}
}

// WithMetricsHandler mounts handler on GET /metrics, outside identity and
// rate limiting.
func WithMetricsHandler(handler http.Handler) Option {
	return func(h *Handler) {
		h.metrics = handler
	}
}

// WithRedirectURI sets the callback URL sent to providers when a connect
// request does not name one.
func WithRedirectURI(redirectURI string) Option {
	return func(h *Handler) {
		h.redirectURI = strings.TrimSpace(redirectURI)
	}
}

func WithCalendarName(name string) Option {
	return func(h *Handler) {
		h.calendarName = strings.TrimSpace(name)
	}
}

type Handler struct {
	service      Service
	identity     IdentityResolver
	limiter      *UserRateLimiter
	logger       glog.Logger
	metrics      http.Handler
	redirectURI  string
	calendarName string
}

func NewHandler(service Service, opts ...Option) *Handler {
	h := &Handler{
		service:      service,
		identity:     HeaderIdentityResolver{},
		limiter:      NewUserRateLimiter(DefaultRateLimitConfig()),
		logger:       glog.Nop(),
		calendarName: "Calendar Links",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// NewRouter builds the chi router for service.
func NewRouter(service Service, opts ...Option) http.Handler {
	return NewHandler(service, opts...).Routes()
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(h.authenticate)
		r.Use(h.rateLimit)

		r.Get("/providers", h.listStatuses)
		r.Route("/providers/{provider}", func(r chi.Router) {
			r.Get("/connect", h.connect)
			r.Get("/callback", h.callback)
			r.Get("/status", h.status)
			r.Delete("/", h.disconnect)
		})
		r.Get("/events", h.events)
		r.Get("/events.ics", h.eventsICS)
	})
	return r
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := h.identity.ResolveUser(r)
		if err != nil {
			h.logger.Warn("identity resolution failed", "error", err)
			writeError(w, core.NewUnauthenticatedError())
			return
		}
		if userID == "" {
			writeError(w, core.NewUnauthenticatedError())
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), userID)))
	})
}

func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		userID := UserFromContext(r.Context())
		if !h.limiter.Allow(strings.ToLower(userID)) {
			w.Header().Set("Retry-After", strconv.Itoa(int(h.limiter.RetryAfter().Seconds())))
			writeError(w, rateLimitedError())
			h.logger.Warn("rate limit exceeded", "path", r.URL.Path)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		args := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		}
		logger := h.logger.WithContext(r.Context())
		switch {
		case status >= 500:
			logger.Error("http request", args...)
		case status >= 400:
			logger.Warn("http request", args...)
		default:
			logger.Info("http request", args...)
		}
	})
}
