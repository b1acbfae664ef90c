// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

// Package main is the entry point for the Fleetback server.
//
// Fleetback orchestrates backup, restore, prune, and download operations
// across a fleet of devices: the local node plus zero or more remote agents
// reached over a NATS control channel.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: layered Koanf loading (defaults, YAML file, env vars)
//  2. Entity stores: BadgerDB record persistence (or in-memory for tests)
//  3. Event bus: in-process Watermill pub/sub for lifecycle events
//  4. Job queue: priority bands, bounded retries, failure escalation
//  5. Execution backend: local archiver plus optional NATS agent channel
//  6. Reconciliation router: event services driving entity state machines
//  7. WebSocket hub: live lifecycle feed for connected UI clients
//  8. HTTP server: REST API, health probes, and /metrics
//
// Everything long-running is supervised by a suture tree with three layers
// (engine, messaging, api) so a crash in one layer restarts only that layer.
//
// # Configuration
//
// Configuration is loaded via Koanf with rising priority: built-in
// defaults, then a YAML file (CONFIG_PATH or ./config.yaml), then
// environment variables. See internal/config for the full variable list;
// the common ones:
//
//	HTTP_HOST, HTTP_PORT      listen address (default 0.0.0.0:8090)
//	DB_BACKEND, DB_PATH       record store ("badger" or "memory")
//	AGENT_ENABLED, AGENT_URL  remote agent control channel
//	LOG_LEVEL, LOG_FORMAT     zerolog level and json/console output
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger a graceful shutdown: the supervisor tree winds
// down its services, the HTTP server drains in-flight requests, and the
// stores are closed last.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/fleetback/fleetback/internal/agent"
	"github.com/fleetback/fleetback/internal/api"
	"github.com/fleetback/fleetback/internal/backend"
	"github.com/fleetback/fleetback/internal/config"
	"github.com/fleetback/fleetback/internal/events"
	"github.com/fleetback/fleetback/internal/hooks"
	"github.com/fleetback/fleetback/internal/logging"
	"github.com/fleetback/fleetback/internal/metrics"
	"github.com/fleetback/fleetback/internal/notify"
	"github.com/fleetback/fleetback/internal/orchestrator"
	"github.com/fleetback/fleetback/internal/progress"
	"github.com/fleetback/fleetback/internal/queue"
	"github.com/fleetback/fleetback/internal/reconcile"
	"github.com/fleetback/fleetback/internal/store"
	"github.com/fleetback/fleetback/internal/strategy"
	"github.com/fleetback/fleetback/internal/supervisor"
	"github.com/fleetback/fleetback/internal/supervisor/services"
	ws "github.com/fleetback/fleetback/internal/websocket"
)

// version is stamped by the release build; the default marks dev builds.
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Config errors surface through the default logger; Init never ran.
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("version", version).
		Str("db_backend", cfg.Database.Backend).
		Str("addr", cfg.Server.Addr()).
		Bool("agent_enabled", cfg.Agent.Enabled).
		Msg("Starting Fleetback")
	metrics.AppInfo.WithLabelValues(version, runtime.Version()).Set(1)

	// Entity stores.
	var stores store.Stores
	if cfg.Database.Backend == "memory" {
		stores = store.NewMemoryStores()
	} else {
		db, err := store.Open(cfg.Database.Path)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to open record database")
		}
		defer func() {
			if err := db.Close(); err != nil {
				logging.Error().Err(err).Msg("Error closing record database")
			}
		}()
		stores = store.NewBadgerStores(db)
	}

	prog, err := progress.NewStore(cfg.Progress.Dir)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open progress store")
	}

	// Lifecycle event bus and job queue. The queue publishes its error and
	// failed events on the same bus the reconciliation services consume.
	bus := events.NewBus(events.BusConfig{Buffer: cfg.Bus.Buffer}, logging.NewWatermillAdapter())
	defer func() {
		if err := bus.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing event bus")
		}
	}()
	jobQueue := queue.New(queue.Config{Workers: cfg.Queue.Workers}, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Strategy dispatch: local archiver always, remote agents when enabled.
	local := backend.NewArchiver(bus, prog)
	commander, forwarder, agentCleanup := initAgent(ctx, cfg, bus)
	defer agentCleanup()

	selector := strategy.NewSelector(strategy.NewLocalSet(local), func(deviceID string) strategy.Set {
		return strategy.RemoteSet(commander, deviceID)
	})

	svcs := orchestrator.New(orchestrator.Deps{
		Stores:      stores,
		Selector:    selector,
		Queue:       jobQueue,
		MaxAttempts: cfg.Queue.MaxAttempts,
		RetryDelay:  cfg.Queue.RetryDelay,
	})

	// Reconciliation: one event service per entity family, consuming from
	// the bus through a Watermill router.
	notifier := notify.NewLogNotifier()
	backupEvents := reconcile.NewBackupEventService(
		stores.Plans, stores.Backups, prog, bus, notifier, hooks.NoopRunner{})
	restoreEvents := reconcile.NewRestoreEventService(
		stores.Plans, stores.Backups, stores.Restores, prog, bus, notifier)
	downloadEvents := reconcile.NewDownloadEventService(stores.Backups)

	reconcileRouter, err := reconcile.NewRouter(
		reconcile.DefaultRouterConfig(), bus, backupEvents, restoreEvents, downloadEvents)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to build reconciliation router")
	}

	// Live event feed for UI clients.
	hub := ws.NewHub()
	listener := ws.NewListener(bus, hub)

	mwCfg := api.DefaultMiddlewareConfig()
	mwCfg.CORSAllowedOrigins = cfg.API.CORSOrigins
	mwCfg.RateLimitRequests = cfg.API.RateLimitRequests
	mwCfg.RateLimitWindow = cfg.API.RateLimitWindow
	mwCfg.RateLimitDisabled = cfg.API.RateLimitDisabled

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.NewRouter(svcs, hub, version, mwCfg).Setup(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	tree.AddEngineService(services.Named("job-queue", jobQueue))
	tree.AddEngineService(services.Named("reconcile-router", reconcileRouter))
	tree.AddMessagingService(services.Named("websocket-hub", hub))
	tree.AddMessagingService(services.Named("event-listener", listener))
	if forwarder != nil {
		tree.AddMessagingService(services.Named("agent-forwarder", forwarder))
	}
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))

	// Shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	go trackUptime(ctx)

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Fleetback stopped gracefully")
}

// initAgent builds the remote control channel: an optional embedded NATS
// server, the command client, and the subscriber that bridges agent-emitted
// lifecycle events onto the local bus. The returned cleanup releases all of
// it; with agents disabled it returns a commander that fails every call.
func initAgent(ctx context.Context, cfg *config.Config, bus *events.Bus) (agent.Commander, *agent.Forwarder, func()) {
	if !cfg.Agent.Enabled {
		logging.Info().Msg("Remote agent support disabled, serving local device only")
		return agent.DisabledCommander{}, nil, func() {}
	}

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	url := cfg.Agent.URL
	if cfg.Agent.EmbeddedServer {
		embedded, err := agent.NewEmbeddedServer(agent.DefaultServerConfig(cfg.Agent.StoreDir))
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to start embedded NATS server")
		}
		cleanups = append(cleanups, func() {
			shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer done()
			if err := embedded.Shutdown(shutdownCtx); err != nil {
				logging.Error().Err(err).Msg("Error shutting down embedded NATS server")
			}
		})
		url = embedded.ClientURL()
		logging.Info().Str("url", url).Msg("Embedded NATS server started")
	}

	cmdCfg := agent.DefaultCommanderConfig(url)
	cmdCfg.SubjectPrefix = cfg.Agent.SubjectPrefix
	cmdCfg.RequestTimeout = cfg.Agent.RequestTimeout
	cmdCfg.BreakerFailureThreshold = cfg.Agent.BreakerMaxFailures
	cmdCfg.BreakerTimeout = cfg.Agent.BreakerOpenFor

	commander, err := agent.NewNATSCommander(cmdCfg)
	if err != nil {
		cleanup()
		logging.Fatal().Err(err).Msg("Failed to connect agent commander")
	}
	cleanups = append(cleanups, func() { commander.Close() })

	forwarder, err := agent.NewForwarder(agent.ForwarderConfig{
		URL:           url,
		SubjectPrefix: cfg.Agent.SubjectPrefix,
	}, bus.Publisher())
	if err != nil {
		cleanup()
		logging.Fatal().Err(err).Msg("Failed to build agent event forwarder")
	}
	cleanups = append(cleanups, func() {
		if err := forwarder.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing agent event forwarder")
		}
	})

	logging.Info().Str("url", url).Msg("Remote agent control channel ready")
	return commander, forwarder, cleanup
}

// trackUptime keeps the uptime gauge current.
func trackUptime(ctx context.Context) {
	start := time.Now()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.AppUptime.Set(time.Since(start).Seconds())
		}
	}
}
