package core

import (
	"context"
	"fmt"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

const defaultRevocationTimeout = 10 * time.Second

// InlineRevocationDispatcher revokes tokens on the calling goroutine. Failures
// are logged and returned; Disconnect never fails because of them.
type InlineRevocationDispatcher struct {
	registry Registry
	logger   Logger
	timeout  time.Duration
}

func NewInlineRevocationDispatcher(registry Registry, logger Logger) *InlineRevocationDispatcher {
	return &InlineRevocationDispatcher{
		registry: registry,
		logger:   glog.Ensure(logger),
		timeout:  defaultRevocationTimeout,
	}
}

func (d *InlineRevocationDispatcher) DispatchRevocation(ctx context.Context, req RevocationRequest) error {
	err := RevokeWithRegistry(ctx, d.registry, req, d.timeout)
	if err != nil && d.logger != nil {
		d.logger.Debug("provider token revocation failed", "provider_id", req.ProviderID, "error", err)
	}
	return err
}

// RevokeWithRegistry resolves the provider for req and calls Revoke with a
// bounded timeout that survives cancellation of ctx.
func RevokeWithRegistry(ctx context.Context, registry Registry, req RevocationRequest, timeout time.Duration) error {
	if registry == nil {
		return fmt.Errorf("core: provider registry is not configured")
	}
	provider, ok := registry.Get(req.ProviderID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrProviderNotFound, req.ProviderID)
	}
	if req.Token == "" {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		timeout = defaultRevocationTimeout
	}
	revokeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return provider.Revoke(revokeCtx, req.Token)
}
