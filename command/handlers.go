package command

import (
	"context"

	"github.com/goliatone/go-calendar-links/core"
	gocmd "github.com/goliatone/go-command"
)

// MutatingService is the part of the link service that changes link state.
type MutatingService interface {
	Connect(ctx context.Context, req core.ConnectRequest) (core.ConnectResponse, error)
	CompleteConsent(ctx context.Context, req core.CompleteConsentRequest) (core.LinkResult, error)
	Disconnect(ctx context.Context, req core.DisconnectRequest) error
}

type ConnectCommand struct {
	service MutatingService
}

func NewConnectCommand(service MutatingService) *ConnectCommand {
	return &ConnectCommand{service: service}
}

func (c *ConnectCommand) Execute(ctx context.Context, msg ConnectMessage) error {
	if c == nil || c.service == nil {
		return core.NewWiringError("command: connect service is required")
	}
	out, err := c.service.Connect(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type CompleteConsentCommand struct {
	service MutatingService
}

func NewCompleteConsentCommand(service MutatingService) *CompleteConsentCommand {
	return &CompleteConsentCommand{service: service}
}

func (c *CompleteConsentCommand) Execute(ctx context.Context, msg CompleteConsentMessage) error {
	if c == nil || c.service == nil {
		return core.NewWiringError("command: consent service is required")
	}
	out, err := c.service.CompleteConsent(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type DisconnectCommand struct {
	service MutatingService
}

func NewDisconnectCommand(service MutatingService) *DisconnectCommand {
	return &DisconnectCommand{service: service}
}

func (c *DisconnectCommand) Execute(ctx context.Context, msg DisconnectMessage) error {
	if c == nil || c.service == nil {
		return core.NewWiringError("command: disconnect service is required")
	}
	return c.service.Disconnect(ctx, msg.Request)
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
