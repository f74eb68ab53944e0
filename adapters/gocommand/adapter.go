package gocommand

import (
	"context"
	"fmt"
	"strings"

	gocmd "github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"

	"github.com/goliatone/go-calendar-links/command"
	"github.com/goliatone/go-calendar-links/core"
	"github.com/goliatone/go-calendar-links/query"
)

// LinkService is everything the command and query handlers call into.
// *core.Service satisfies it.
type LinkService interface {
	command.MutatingService
	query.StatusReader
	query.EventsReader
}

// ValidateMessageContract checks that msg has a non-empty Type and, when it
// implements Validate, that it validates.
func ValidateMessageContract(msg any) error {
	if err := gocmd.ValidateMessage(msg); err != nil {
		return err
	}
	m, ok := msg.(gocmd.Message)
	if !ok {
		return fmt.Errorf("gocommand: message must implement Type() string")
	}
	if strings.TrimSpace(m.Type()) == "" {
		return fmt.Errorf("gocommand: message type is required")
	}
	return nil
}

type RegistryAdapter struct {
	registry *gocmd.Registry
}

func NewRegistryAdapter(registry *gocmd.Registry) *RegistryAdapter {
	if registry == nil {
		registry = gocmd.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Registry() *gocmd.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

func (a *RegistryAdapter) register(handler any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(handler)
}

func (a *RegistryAdapter) AddResolver(key string, resolver gocmd.Resolver) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.AddResolver(strings.TrimSpace(key), resolver)
}

// AddQueueResolver lets handlers that opt into go-job be run from a queue.
func (a *RegistryAdapter) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return a.AddResolver(key, jobqueuecommand.QueueResolver(queueRegistry))
}

func (a *RegistryAdapter) HasResolver(key string) bool {
	if a == nil || a.registry == nil {
		return false
	}
	return a.registry.HasResolver(strings.TrimSpace(key))
}

func (a *RegistryAdapter) Initialize() error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.Initialize()
}

func RegisterAndSubscribe[T any](
	adapter *RegistryAdapter,
	cmd gocmd.Commander[T],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if cmd == nil {
		return nil, fmt.Errorf("gocommand: command is required")
	}
	subscription := commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
	if err := adapter.register(cmd); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

func RegisterAndSubscribeQuery[T any, R any](
	adapter *RegistryAdapter,
	qry gocmd.Querier[T, R],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if qry == nil {
		return nil, fmt.Errorf("gocommand: query is required")
	}
	subscription := commanddispatcher.SubscribeQuery(qry, runnerOpts...)
	if err := adapter.register(qry); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

// Subscriptions tracks dispatcher subscriptions so they can be dropped as a
// group.
type Subscriptions []commanddispatcher.Subscription

func (s Subscriptions) Unsubscribe() {
	for _, sub := range s {
		if sub != nil {
			sub.Unsubscribe()
		}
	}
}

// RegisterLinkHandlers registers and subscribes every link command and query
// against service. On error nothing stays subscribed.
func RegisterLinkHandlers(adapter *RegistryAdapter, service LinkService, runnerOpts ...runner.Option) (Subscriptions, error) {
	if service == nil {
		return nil, fmt.Errorf("gocommand: link service is required")
	}
	var subs Subscriptions
	track := func(sub commanddispatcher.Subscription, err error) error {
		if err != nil {
			subs.Unsubscribe()
			return err
		}
		subs = append(subs, sub)
		return nil
	}

	if err := track(RegisterAndSubscribe[command.ConnectMessage](adapter, command.NewConnectCommand(service), runnerOpts...)); err != nil {
		return nil, err
	}
	if err := track(RegisterAndSubscribe[command.CompleteConsentMessage](adapter, command.NewCompleteConsentCommand(service), runnerOpts...)); err != nil {
		return nil, err
	}
	if err := track(RegisterAndSubscribe[command.DisconnectMessage](adapter, command.NewDisconnectCommand(service), runnerOpts...)); err != nil {
		return nil, err
	}
	if err := track(RegisterAndSubscribeQuery[query.LinkStatusMessage, core.LinkStatus](adapter, query.NewLinkStatusQuery(service), runnerOpts...)); err != nil {
		return nil, err
	}
	if err := track(RegisterAndSubscribeQuery[query.ListStatusesMessage, []core.LinkStatus](adapter, query.NewListStatusesQuery(service), runnerOpts...)); err != nil {
		return nil, err
	}
	if err := track(RegisterAndSubscribeQuery[query.UnifiedEventsMessage, core.UnifiedEventsResult](adapter, query.NewUnifiedEventsQuery(service), runnerOpts...)); err != nil {
		return nil, err
	}
	return subs, nil
}

// Bus sends link operations through the go-command dispatcher. It expects
// RegisterLinkHandlers to have run.
type Bus struct{}

func (Bus) Connect(ctx context.Context, req core.ConnectRequest) (core.ConnectResponse, error) {
	return dispatchWithResult[command.ConnectMessage, core.ConnectResponse](ctx, command.ConnectMessage{Request: req})
}

func (Bus) CompleteConsent(ctx context.Context, req core.CompleteConsentRequest) (core.LinkResult, error) {
	return dispatchWithResult[command.CompleteConsentMessage, core.LinkResult](ctx, command.CompleteConsentMessage{Request: req})
}

func (Bus) Disconnect(ctx context.Context, req core.DisconnectRequest) error {
	return commanddispatcher.Dispatch(ctx, command.DisconnectMessage{Request: req})
}

func (Bus) Status(ctx context.Context, req core.StatusRequest) (core.LinkStatus, error) {
	return commanddispatcher.Query[query.LinkStatusMessage, core.LinkStatus](ctx, query.LinkStatusMessage{Request: req})
}

func (Bus) ListStatuses(ctx context.Context, userID string) ([]core.LinkStatus, error) {
	return commanddispatcher.Query[query.ListStatusesMessage, []core.LinkStatus](ctx, query.ListStatusesMessage{UserID: userID})
}

func (Bus) UnifiedEvents(ctx context.Context, req core.UnifiedEventsRequest) (core.UnifiedEventsResult, error) {
	return commanddispatcher.Query[query.UnifiedEventsMessage, core.UnifiedEventsResult](ctx, query.UnifiedEventsMessage{Request: req})
}

func dispatchWithResult[T any, R any](ctx context.Context, msg T) (R, error) {
	var zero R
	collector := gocmd.NewResult[R]()
	if err := commanddispatcher.Dispatch(gocmd.ContextWithResult(ctx, collector), msg); err != nil {
		return zero, err
	}
	out, ok := collector.Load()
	if !ok {
		return zero, fmt.Errorf("gocommand: %T produced no result", msg)
	}
	return out, nil
}

var _ LinkService = Bus{}
