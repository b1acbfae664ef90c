// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

// Package hooks is the user-script seam invoked around lifecycle
// transitions. Script execution itself is outside this engine; the default
// runner does nothing.
package hooks

import (
	"context"

	"github.com/fleetback/fleetback/internal/models"
)

// Point identifies where in the lifecycle a hook fires.
type Point string

const (
	PointBeforeBackup Point = "before_backup"
	PointAfterBackup  Point = "after_backup"
	PointAfterFailure Point = "after_failure"
)

// Runner executes user hooks. Errors are the runner's to report; the
// reconciliation path ignores them.
type Runner interface {
	Run(ctx context.Context, point Point, plan *models.Plan, operationID string) error
}

// NoopRunner is the default Runner.
type NoopRunner struct{}

// Run implements Runner.
func (NoopRunner) Run(context.Context, Point, *models.Plan, string) error {
	return nil
}
