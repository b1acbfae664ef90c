// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/rs/zerolog"

	"github.com/fleetback/fleetback/internal/events"
	"github.com/fleetback/fleetback/internal/logging"
	"github.com/fleetback/fleetback/internal/metrics"
)

// RouterConfig holds configuration for the reconciliation router.
type RouterConfig struct {
	// CloseTimeout is how long to wait for handlers to finish when closing.
	CloseTimeout time.Duration
}

// DefaultRouterConfig returns production defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{CloseTimeout: 30 * time.Second}
}

// Router binds the event bus to the reconciliation services: one handler
// per topic, each consuming sequentially so lifecycle events for a given
// entity apply in emission order. These bindings are pure wiring; all
// business logic lives in the event services.
//
// Handlers always ack. A malformed payload is logged and dropped (the
// data-quality firewall between agent payloads and the persisted model),
// and service-level failures are already swallowed inside the services.
type Router struct {
	router *message.Router
	logger zerolog.Logger
}

// NewRouter wires every lifecycle topic to its service handler.
func NewRouter(
	cfg RouterConfig,
	bus *events.Bus,
	backupSvc *BackupEventService,
	restoreSvc *RestoreEventService,
	downloadSvc *DownloadEventService,
) (*Router, error) {
	logger := logging.With().Str("component", "reconcile_router").Logger()
	wmLogger := logging.NewWatermillAdapterWith(logger)

	wmRouter, err := message.NewRouter(message.RouterConfig{
		CloseTimeout: cfg.CloseTimeout,
	}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("create watermill router: %w", err)
	}

	// A panicking handler must not take the router down with it.
	wmRouter.AddMiddleware(middleware.Recoverer)

	r := &Router{router: wmRouter, logger: logger}

	sub := bus.Subscriber()
	addHandler(r, sub, events.TopicBackupStart, backupSvc.OnStart)
	addHandler(r, sub, events.TopicBackupComplete, backupSvc.OnComplete)
	addHandler(r, sub, events.TopicBackupError, backupSvc.OnError)
	addHandler(r, sub, events.TopicBackupFailed, backupSvc.OnPermanentFailure)
	addHandler(r, sub, events.TopicBackupStatsUpdate, backupSvc.OnStatsUpdate)
	addHandler(r, sub, events.TopicPruneEnd, backupSvc.OnPruneEnd)

	addHandler(r, sub, events.TopicRestoreStart, restoreSvc.OnStart)
	addHandler(r, sub, events.TopicRestoreComplete, restoreSvc.OnComplete)
	addHandler(r, sub, events.TopicRestoreError, restoreSvc.OnError)
	addHandler(r, sub, events.TopicRestoreFailed, restoreSvc.OnFailed)

	addHandler(r, sub, events.TopicDownloadStart, downloadSvc.OnStart)
	addHandler(r, sub, events.TopicDownloadComplete, downloadSvc.OnComplete)
	addHandler(r, sub, events.TopicDownloadError, downloadSvc.OnError)

	return r, nil
}

// addHandler registers one decoded, always-acking consumer for topic.
func addHandler[E any](r *Router, sub message.Subscriber, topic string, handle func(context.Context, E)) {
	r.router.AddNoPublisherHandler(
		"reconcile_"+topic,
		topic,
		sub,
		func(msg *message.Message) error {
			var ev E
			if err := events.Unmarshal(msg.Payload, &ev); err != nil {
				r.logger.Error().Err(err).Str("topic", topic).
					Str("message_uuid", msg.UUID).
					Msg("malformed event payload, dropping")
				metrics.RecordEventDropped(topic, "malformed")
				return nil
			}
			handle(msg.Context(), ev)
			return nil
		},
	)
}

// Serve runs the router until ctx is cancelled. Satisfies suture.Service.
func (r *Router) Serve(ctx context.Context) error {
	return r.router.Run(ctx)
}

// Running returns a channel closed once all handlers are consuming. Tests
// wait on it before publishing.
func (r *Router) Running() <-chan struct{} {
	return r.router.Running()
}

// Close stops the router.
func (r *Router) Close() error {
	return r.router.Close()
}
