// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

// Package notify is the notification dispatch seam. Content rendering and
// delivery transports live behind the Notifier interface; the reconciliation
// services only decide WHEN to notify, per plan settings.
package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/fleetback/fleetback/internal/logging"
	"github.com/fleetback/fleetback/internal/models"
)

// Kind is the notification trigger.
type Kind string

const (
	KindStart   Kind = "start"
	KindSuccess Kind = "success"
	KindFailure Kind = "failure"
)

// Notifier delivers operation notifications. Implementations must be
// best-effort: reconciliation never blocks on or fails from delivery.
type Notifier interface {
	Notify(ctx context.Context, kind Kind, plan *models.Plan, operationID string, detail string)
}

// wanted applies the plan's notification toggles.
func wanted(kind Kind, plan *models.Plan) bool {
	switch kind {
	case KindStart:
		return plan.Settings.NotifyOnStart
	case KindSuccess:
		return plan.Settings.NotifyOnSuccess
	case KindFailure:
		return plan.Settings.NotifyOnFailure
	}
	return false
}

// LogNotifier is the default Notifier: it writes notifications to the
// process log, honoring the plan's per-kind toggles.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier returns the log-backed notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: logging.With().Str("component", "notify").Logger()}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, kind Kind, plan *models.Plan, operationID string, detail string) {
	if plan == nil || !wanted(kind, plan) {
		return
	}
	evt := n.logger.Info().
		Str("kind", string(kind)).
		Str("plan_id", plan.ID).
		Str("plan_name", plan.Name).
		Str("operation_id", operationID)
	if detail != "" {
		evt = evt.Str("detail", detail)
	}
	evt.Msg("operation notification")
}
