package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"golang.org/x/time/rate"

	"github.com/goliatone/go-calendar-links/adapters/gologger"
	promrecorder "github.com/goliatone/go-calendar-links/adapters/prometheus"
	"github.com/goliatone/go-calendar-links/adapters/slogger"
	"github.com/goliatone/go-calendar-links/api"
	"github.com/goliatone/go-calendar-links/core"
	"github.com/goliatone/go-calendar-links/security"
	sqlstore "github.com/goliatone/go-calendar-links/store/sql"
)

const shutdownTimeout = 15 * time.Second

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API.",
		Flags: serveFlags(),
		Action: func(c *cli.Context) error {
			s := settingsFromContext(c)
			if err := s.validate(); err != nil {
				return err
			}
			return serve(c.Context, s)
		},
	}
}

func serve(ctx context.Context, s settings) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	loggers := gologger.Resolve("calendar-links", slogger.NewProvider(slogger.NewJSON(os.Stdout, s.LogLevel)), nil)
	logger := loggers.Named("")

	client, err := openPersistence(ctx, s.DBDriver, s.DBDSN, s.DBDebug)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()
	if err := client.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	secrets, err := security.NewAppKeySecretProviderFromString(s.AppKey, security.WithKeyID(s.AppKeyID))
	if err != nil {
		return fmt.Errorf("app key: %w", err)
	}
	factoryOpts := []sqlstore.FactoryOption{
		sqlstore.WithSecretProvider(secrets),
		sqlstore.WithOAuthStateTTL(s.ConsentTimeout),
	}
	if s.CacheTTL > 0 {
		cacheConfig := repositorycache.DefaultConfig()
		cacheConfig.TTL = s.CacheTTL
		cacheService, err := repositorycache.NewCacheService(cacheConfig)
		if err != nil {
			return fmt.Errorf("credential cache: %w", err)
		}
		factoryOpts = append(factoryOpts, sqlstore.WithCacheService(cacheService))
	}

	providers, err := buildProviders(s)
	if err != nil {
		return err
	}
	registry, err := core.NewProviderRegistry(providers...)
	if err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	service, err := core.NewService(core.Config{},
		core.WithLoggerProvider(loggers.Provider),
		core.WithMetricsRecorder(promrecorder.NewRecorder(promRegistry)),
		core.WithConfigProvider(loadServiceConfig(s)),
		core.WithPersistenceClient(client),
		core.WithRepositoryFactory(sqlstore.NewRepositoryFactory(factoryOpts...)),
		core.WithRegistry(registry),
		core.WithRevocationDispatcher(core.NewInlineRevocationDispatcher(registry, loggers.Named("revocation"))),
	)
	if err != nil {
		return err
	}

	routerOpts := []api.Option{
		api.WithLogger(loggers.Named("api")),
		api.WithIdentityResolver(api.HeaderIdentityResolver{Header: s.IdentityHeader}),
		api.WithMetricsHandler(promrecorder.Handler(promRegistry)),
		api.WithRateLimiter(rateLimiter(s.RateLimit)),
	}
	server := &http.Server{
		Addr:              s.Addr,
		Handler:           api.NewRouter(service, routerOpts...),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", s.Addr, "providers", len(providers))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// rateLimiter returns nil when perMinute is not positive, which disables
// limiting on the router.
func rateLimiter(perMinute int) *api.UserRateLimiter {
	if perMinute <= 0 {
		return nil
	}
	cfg := api.DefaultRateLimitConfig()
	cfg.Rate = rate.Limit(float64(perMinute) / 60.0)
	cfg.Burst = perMinute
	return api.NewUserRateLimiter(cfg)
}
