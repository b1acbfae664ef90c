// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

// Package store defines the persisted entity stores consumed by the
// orchestration and reconciliation layers, together with a Badger-backed
// implementation and an in-memory implementation for tests.
//
// The single-active-operation invariant is enforced here, inside the create
// transaction, because the in-memory pre-check done by callers is inherently
// racy: the store is the final arbiter.
package store

import (
	"context"
	"errors"

	"github.com/fleetback/fleetback/internal/models"
)

// ErrNotFound is returned when the requested entity does not exist.
var ErrNotFound = errors.New("entity not found")

// ErrAlreadyExists is returned when creating an entity whose id is taken.
var ErrAlreadyExists = errors.New("entity already exists")

// ErrActiveConflict is returned when a create would violate the
// single-active-operation-per-plan invariant.
var ErrActiveConflict = errors.New("an operation is already in progress for this plan")

// PlanStore provides access to backup plan definitions. The reconciliation
// engine never mutates plan configuration, only aggregate stats and the
// active marker.
type PlanStore interface {
	GetByID(ctx context.Context, id string) (*models.Plan, error)
	Create(ctx context.Context, plan *models.Plan) error
	Update(ctx context.Context, id string, mutate func(*models.Plan)) (*models.Plan, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*models.Plan, error)

	// UpdateStats overwrites the plan's aggregate stats. Callers apply the
	// validity guards; this method writes what it is given.
	UpdateStats(ctx context.Context, id string, stats models.PlanStats) error

	// SetActive marks whether the plan currently has an operation in
	// flight. Best-effort presentation state, not the invariant arbiter.
	SetActive(ctx context.Context, id string, active bool) error
}

// BackupStore provides access to backup records.
type BackupStore interface {
	GetByID(ctx context.Context, id string) (*models.BackupRecord, error)

	// Create inserts a new record. It fails with ErrActiveConflict when the
	// record is in-progress and another in-progress record exists for the
	// same plan; this check runs inside the store transaction.
	Create(ctx context.Context, rec *models.BackupRecord) error

	// Update applies mutate to the stored record atomically.
	Update(ctx context.Context, id string, mutate func(*models.BackupRecord)) (*models.BackupRecord, error)

	Delete(ctx context.Context, id string) error
	ListByPlan(ctx context.Context, planID string) ([]*models.BackupRecord, error)

	// HasActiveBackups reports whether any record for the plan is in progress.
	HasActiveBackups(ctx context.Context, planID string) (bool, error)
}

// RestoreStore provides access to restore records.
type RestoreStore interface {
	GetByID(ctx context.Context, id string) (*models.RestoreRecord, error)

	// Create inserts a new record, failing with ErrActiveConflict when an
	// in-progress restore already exists for the same backup.
	Create(ctx context.Context, rec *models.RestoreRecord) error

	Update(ctx context.Context, id string, mutate func(*models.RestoreRecord)) (*models.RestoreRecord, error)
	Delete(ctx context.Context, id string) error
	ListByBackup(ctx context.Context, backupID string) ([]*models.RestoreRecord, error)

	// HasActiveRestore reports whether any restore for the plan is in progress.
	HasActiveRestore(ctx context.Context, planID string) (bool, error)

	// HasActiveRestoreForBackup is the backup-scoped variant used by the
	// restore trigger path.
	HasActiveRestoreForBackup(ctx context.Context, backupID string) (bool, error)
}

// Stores bundles the three entity stores for injection.
type Stores struct {
	Plans    PlanStore
	Backups  BackupStore
	Restores RestoreStore
}
