// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

// Package orchestrator holds the synchronous entry points the API layer
// calls. These services validate, select a strategy by device reference,
// and hand long-running work to the job queue; reconciliation of the
// resulting lifecycle events happens elsewhere. Expected failures surface
// as typed application errors with HTTP-style status codes.
package orchestrator

import (
	"time"

	"github.com/fleetback/fleetback/internal/queue"
	"github.com/fleetback/fleetback/internal/store"
	"github.com/fleetback/fleetback/internal/strategy"
)

// Job types submitted to the queue. The queue publishes "<type>.error" and
// "<type>.failed" on the bus, which is exactly where the reconciliation
// services listen.
const (
	JobTypeBackup  = "backup"
	JobTypeRestore = "restore"
	JobTypePrune   = "prune"
)

// Retry defaults applied when a plan does not configure its own budget.
const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = time.Minute
)

// Deps bundles the collaborators every service needs.
type Deps struct {
	Stores   store.Stores
	Selector *strategy.Selector
	Queue    *queue.Queue

	// MaxAttempts and RetryDelay apply to plans without their own retry
	// budget. Zero values fall back to the package defaults.
	MaxAttempts int
	RetryDelay  time.Duration
}

// Services bundles the constructed orchestration services.
type Services struct {
	Backups  *BackupService
	Restores *RestoreService
	Plans    *PlanService
}

// New wires the orchestration services and registers their job handlers.
func New(deps Deps) *Services {
	backups := NewBackupService(deps)
	restores := NewRestoreService(deps)
	plans := NewPlanService(deps.Stores)

	deps.Queue.Register(JobTypeBackup, backups.runBackupJob)
	deps.Queue.Register(JobTypePrune, backups.runPruneJob)
	deps.Queue.Register(JobTypeRestore, restores.runRestoreJob)

	return &Services{Backups: backups, Restores: restores, Plans: plans}
}
