// Package app wires together leasekeeper's infrastructure and domain
// packages and runs the process in one of two modes: "api" serves the lease
// RPC surface over HTTP, "dispatcher" runs the event dispatcher loop.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/nimbusresv/leasekeeper/internal/config"
	"github.com/nimbusresv/leasekeeper/internal/db"
	"github.com/nimbusresv/leasekeeper/internal/httpserver"
	"github.com/nimbusresv/leasekeeper/internal/platform"
	"github.com/nimbusresv/leasekeeper/internal/telemetry"
	"github.com/nimbusresv/leasekeeper/internal/trust"
	"github.com/nimbusresv/leasekeeper/internal/version"
	"github.com/nimbusresv/leasekeeper/pkg/dispatcher"
	"github.com/nimbusresv/leasekeeper/pkg/host"
	"github.com/nimbusresv/leasekeeper/pkg/hostplugin"
	"github.com/nimbusresv/leasekeeper/pkg/ledger"
	"github.com/nimbusresv/leasekeeper/pkg/lease"
	"github.com/nimbusresv/leasekeeper/pkg/notify"
	"github.com/nimbusresv/leasekeeper/pkg/notify/slack"
	"github.com/nimbusresv/leasekeeper/pkg/plugin"
	"github.com/nimbusresv/leasekeeper/pkg/plugin/dummy"
	"github.com/nimbusresv/leasekeeper/pkg/pool"
)

// dummyPluginName and hostPluginName are the recognized manager.plugins
// entries (§9: "statically configured list of plugin constructors keyed by
// resource type; reject on duplicate type").
const (
	dummyPluginName = "dummy.vm.plugin"
	hostPluginName  = "physical:host"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (api or dispatcher).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting leasekeeper", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "leasekeeper", version.Version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	pgPool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pgPool.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.UsageDBHost)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	resolver, err := newTrustResolver(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing trust resolver: %w", err)
	}

	hostStore, leaseStore, service, err := newLeaseService(cfg, pgPool, rdb, resolver, logger)
	if err != nil {
		return fmt.Errorf("wiring lease manager: %w", err)
	}

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, pgPool, rdb, metricsReg, hostStore, service)
	case "dispatcher":
		return runDispatcher(ctx, cfg, logger, leaseStore, service)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func newTrustResolver(ctx context.Context, cfg *config.Config) (trust.Resolver, error) {
	if cfg.TrustIssuerURL == "" || cfg.TrustClientID == "" {
		slog.Info("trust resolution: using static resolver (LEASEKEEPER_TRUST_ISSUER_URL or LEASEKEEPER_TRUST_CLIENT_ID not set)")
		return trust.NewStatic(trust.Scope{}), nil
	}
	return trust.NewOIDCResolver(ctx, cfg.TrustIssuerURL, cfg.TrustClientID)
}

// newLeaseService wires up C1-C8: host matcher, pools, usage ledger, the
// plugin registry (loaded per cfg.Plugins), notification providers, and
// finally the lease manager itself.
func newLeaseService(cfg *config.Config, pgPool db.DBTX, rdb *redis.Client, resolver trust.Resolver, logger *slog.Logger) (*host.Store, *lease.Store, *lease.Service, error) {
	poolStore := pool.NewStore(pgPool)
	if err := poolStore.EnsureFreepool(context.Background(), cfg.HostAggregateFreepoolName); err != nil {
		return nil, nil, nil, fmt.Errorf("ensuring freepool %q: %w", cfg.HostAggregateFreepoolName, err)
	}

	hostStore := host.NewStore(pgPool, poolStore, cfg.HostAggregateFreepoolName)
	matcher := host.NewMatcher(hostStore)
	leaseStore := lease.NewStore(pgPool)

	usageLedger := ledger.New(rdb, logger, float64(cfg.UsageDefaultAllocated), cfg.UsageStrict)

	registry := plugin.NewRegistry()
	seen := map[string]bool{}
	for _, name := range cfg.Plugins {
		if seen[name] {
			return nil, nil, nil, fmt.Errorf("duplicate plugin resource type %q", name)
		}
		seen[name] = true

		switch name {
		case dummyPluginName:
			registry.Register(name, dummy.New(logger))
		case hostPluginName:
			hostplugStore := hostplugin.NewStore(pgPool)
			registry.Register(name, hostplugin.New(matcher, hostStore, poolStore, hostplugStore, usageLedger, leaseStore, logger))
		default:
			return nil, nil, nil, fmt.Errorf("unknown plugin resource type %q", name)
		}
	}

	providers := []notify.Provider{notify.NewLogProvider(logger)}
	if cfg.SlackBotToken != "" {
		providers = append(providers, slack.New(cfg.SlackBotToken, cfg.SlackAlertChannel, logger))
		logger.Info("slack notifications enabled", "channel", cfg.SlackAlertChannel)
	}
	notifier := notify.NewRegistry(logger, providers...)

	service := lease.NewService(leaseStore, registry, notifier, resolver, cfg.NotifyHoursBeforeLeaseEnd, logger)
	return hostStore, leaseStore, service, nil
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, pgPool *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, hostStore *host.Store, service *lease.Service) error {
	srv := httpserver.NewServer(cfg.CORSAllowedOrigins, logger, pgPool, rdb, metricsReg)

	leaseHandler := httpserver.NewLeaseHandler(service, logger)
	srv.Router.Mount("/leases", leaseHandler.Routes())

	hostHandler := httpserver.NewHostHandler(hostStore, logger)
	srv.Router.Mount("/hosts", hostHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runDispatcher(ctx context.Context, cfg *config.Config, logger *slog.Logger, leaseStore *lease.Store, service *lease.Service) error {
	interval, err := time.ParseDuration(cfg.DispatcherInterval)
	if err != nil {
		return fmt.Errorf("parsing dispatcher interval %q: %w", cfg.DispatcherInterval, err)
	}

	d := dispatcher.New(leaseStore, service, logger)
	d.Run(ctx, interval)
	return nil
}
