package core

import (
	"context"
	"slices"
	"sync"

	"golang.org/x/time/rate"
)

type providerFetch struct {
	providerID string
	events     []UnifiedEvent
	skipped    int
	err        error
}

// UnifiedEvents fans out to every linked provider, normalizes and merges the
// results. Provider failures are reported per provider; only a missing
// identity or an invalid range fails the call.
func (s *Service) UnifiedEvents(ctx context.Context, req UnifiedEventsRequest) (result UnifiedEventsResult, err error) {
	startedAt := s.now()
	fields := map[string]any{"user_id": req.UserID}
	defer func() {
		fields["event_count"] = len(result.Events)
		fields["failed_providers"] = len(result.Failures)
		fields["partial"] = result.Partial
		s.observeOperation(ctx, startedAt, "unified_events", err, fields)
	}()

	userID, err := s.requireUser(req.UserID)
	if err != nil {
		return UnifiedEventsResult{}, err
	}
	if err = req.Range.Validate(); err != nil {
		err = s.mapError(err)
		return UnifiedEventsResult{}, err
	}
	set, err := s.credentialStore.List(ctx, userID)
	if err != nil {
		err = s.mapError(err)
		return UnifiedEventsResult{}, err
	}

	now := s.now()
	registered := s.registry.List()
	targets := make([]Provider, 0, len(set.Links))
	unreadable := map[string]error{}
	for _, provider := range registered {
		if readErr := set.ReadError(provider.ID()); readErr != nil {
			s.logWarn(ctx, "stored provider link could not be read", map[string]any{
				"user_id":     userID,
				"provider_id": provider.ID(),
				"error":       readErr.Error(),
			})
			unreadable[provider.ID()] = readErr
			continue
		}
		link, ok := set.Link(provider.ID())
		if ok && effectiveState(link, s.config.Consent.Timeout, now).Usable() {
			targets = append(targets, provider)
		}
	}

	result = UnifiedEventsResult{Events: []UnifiedEvent{}, Outcomes: []ProviderOutcome{}}
	if len(targets) == 0 && len(unreadable) == 0 {
		return result, nil
	}

	requestCtx := ctx
	cancel := func() {}
	if s.config.Aggregation.RequestTimeout > 0 {
		requestCtx, cancel = context.WithTimeout(ctx, s.config.Aggregation.RequestTimeout)
	}
	defer cancel()

	concurrency := s.config.Aggregation.MaxConcurrency
	if concurrency <= 0 {
		concurrency = defaultAggregationMaxConcurrency
	}
	sem := make(chan struct{}, concurrency)
	fetched := make(chan providerFetch, len(targets))
	for _, provider := range targets {
		go s.fetchProvider(requestCtx, sem, provider, userID, req.Range, fetched)
	}

	collected := make(map[string]providerFetch, len(targets))
collect:
	for len(collected) < len(targets) {
		select {
		case item := <-fetched:
			collected[item.providerID] = item
		case <-requestCtx.Done():
			break collect
		}
	}

	var events []UnifiedEvent
	for _, provider := range registered {
		providerID := provider.ID()
		if readErr, ok := unreadable[providerID]; ok {
			outcome := ProviderOutcome{
				ProviderID: providerID,
				Status:     ProviderOutcomeFailed,
				ErrorKind:  ErrorKindMalformed,
				Message:    readErr.Error(),
			}
			result.Failures = append(result.Failures, outcome)
			result.Outcomes = append(result.Outcomes, outcome)
			result.Partial = true
			continue
		}
		if !slices.ContainsFunc(targets, func(target Provider) bool { return target.ID() == providerID }) {
			continue
		}
		item, ok := collected[providerID]
		if !ok {
			item = providerFetch{
				providerID: providerID,
				err:        NewProviderError(ErrorKindTransient, providerID, "provider did not respond before the request deadline", requestCtx.Err()),
			}
		}
		outcome := ProviderOutcome{ProviderID: providerID, Status: ProviderOutcomeOK, Skipped: item.skipped}
		if item.err != nil {
			outcome.Status = ProviderOutcomeFailed
			outcome.ErrorKind = outcomeKind(item.err)
			outcome.Message = item.err.Error()
			result.Failures = append(result.Failures, outcome)
			result.Partial = true
		} else {
			outcome.EventCount = len(item.events)
			events = append(events, item.events...)
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}

	result.Events = Deduplicate(events, s.config.MatchPolicy())
	return result, nil
}

func (s *Service) fetchProvider(
	ctx context.Context,
	sem chan struct{},
	provider Provider,
	userID string,
	window TimeRange,
	out chan<- providerFetch,
) {
	providerID := provider.ID()
	result := providerFetch{providerID: providerID}
	defer func() {
		out <- result
	}()

	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		result.err = NewProviderError(ErrorKindTransient, providerID, "provider fetch was not started before the request deadline", ctx.Err())
		return
	}

	providerCtx := ctx
	cancel := func() {}
	if s.config.Aggregation.ProviderTimeout > 0 {
		providerCtx, cancel = context.WithTimeout(ctx, s.config.Aggregation.ProviderTimeout)
	}
	defer cancel()

	natives, err := s.fetchWithFreshToken(providerCtx, provider, userID, window)
	if err != nil {
		result.err = classifyProviderFailure(providerID, "provider fetch failed", err)
		return
	}

	events := make([]UnifiedEvent, 0, len(natives))
	for _, native := range natives {
		event, normalizeErr := provider.NormalizeEvent(native)
		if normalizeErr == nil {
			event = stampEventIdentity(event, providerID)
			normalizeErr = event.Validate()
		}
		if normalizeErr != nil {
			result.skipped++
			continue
		}
		if !window.Overlaps(event.Start, event.End) {
			continue
		}
		events = append(events, event)
	}
	result.events = events
}

// fetchWithFreshToken retries once with a refreshed token when the provider
// rejects a token that was served from the store.
func (s *Service) fetchWithFreshToken(ctx context.Context, provider Provider, userID string, window TimeRange) ([]NativeEvent, error) {
	providerID := provider.ID()
	token, err := s.EnsureFresh(ctx, userID, providerID)
	if err != nil {
		return nil, err
	}
	natives, err := s.fetchPaced(ctx, provider, token.Value, window)
	if err == nil || token.Refreshed || ClassifyError(err) != ErrorKindReauthRequired {
		return natives, err
	}

	if invalidateErr := s.InvalidateAccessToken(context.WithoutCancel(ctx), userID, providerID, token.Value); invalidateErr != nil {
		return nil, err
	}
	token, refreshErr := s.EnsureFresh(ctx, userID, providerID)
	if refreshErr != nil {
		return nil, refreshErr
	}
	return s.fetchPaced(ctx, provider, token.Value, window)
}

func (s *Service) fetchPaced(ctx context.Context, provider Provider, accessToken string, window TimeRange) ([]NativeEvent, error) {
	if err := s.limiters.wait(ctx, provider.ID()); err != nil {
		return nil, NewProviderError(ErrorKindTransient, provider.ID(), "provider rate limit wait interrupted", err)
	}
	return provider.FetchEvents(ctx, accessToken, window)
}

func stampEventIdentity(event UnifiedEvent, providerID string) UnifiedEvent {
	if event.Source == "" {
		event.Source = providerID
	}
	event.ID = UnifiedEventID(event.Source, event.SourceID)
	event.Start = event.Start.UTC()
	event.End = event.End.UTC()
	if event.Status == "" {
		event.Status = EventStatusConfirmed
	}
	return event
}

func outcomeKind(err error) ErrorKind {
	kind := ClassifyError(err)
	if kind == ErrorKindInternal || kind == ErrorKindNone {
		return ErrorKindTransient
	}
	return kind
}

// providerLimiters paces outbound calls per provider across all users.
type providerLimiters struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newProviderLimiters(cfg AggregationConfig) *providerLimiters {
	limit := rate.Inf
	if cfg.ProviderRateLimit > 0 {
		limit = rate.Limit(cfg.ProviderRateLimit)
	}
	burst := cfg.ProviderBurst
	if burst <= 0 {
		burst = 1
	}
	return &providerLimiters{limit: limit, burst: burst, limiters: map[string]*rate.Limiter{}}
}

func (l *providerLimiters) wait(ctx context.Context, providerID string) error {
	if l == nil || l.limit == rate.Inf {
		return nil
	}
	l.mu.Lock()
	limiter, ok := l.limiters[providerID]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[providerID] = limiter
	}
	l.mu.Unlock()
	return limiter.Wait(ctx)
}
