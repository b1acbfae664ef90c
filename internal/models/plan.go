// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

package models

import "time"

// Plan is a user-configured, recurring backup job definition. The
// reconciliation engine never mutates plan configuration, only the aggregate
// stats and last-backup timestamp.
type Plan struct {
	ID        string `json:"id" validate:"required"`
	Name      string `json:"name" validate:"required"`
	SourceID  string `json:"source_id" validate:"required"` // device id, "main" = local node
	StorageID string `json:"storage_id" validate:"required"`

	SourceType   string            `json:"source_type"` // filesystem, docker-volume, database, ...
	SourceConfig map[string]string `json:"source_config,omitempty"`
	StoragePath  string            `json:"storage_path"`
	Encryption   string            `json:"encryption,omitempty"`
	Compression  string            `json:"compression,omitempty"`

	Schedule string       `json:"schedule,omitempty"` // cron expression, empty = manual only
	Settings PlanSettings `json:"settings"`

	Stats     PlanStats `json:"stats"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PlanSettings holds per-plan behavior toggles consumed by the engine.
type PlanSettings struct {
	NotifyOnStart   bool `json:"notify_on_start"`
	NotifyOnSuccess bool `json:"notify_on_success"`
	NotifyOnFailure bool `json:"notify_on_failure"`

	// MaxAttempts is the retry budget for queued backup jobs.
	MaxAttempts int `json:"max_attempts,omitempty"`
	// RetryDelaySeconds is the fixed delay between attempts.
	RetryDelaySeconds int `json:"retry_delay_seconds,omitempty"`

	// KeepLast bounds how many snapshots a prune keeps, newest first.
	// Zero keeps everything.
	KeepLast int `json:"keep_last,omitempty"`
}

// PlanStats are repository-level aggregates updated best-effort from stats
// and prune events. A write requires a finite, nonzero total size and a
// non-empty snapshot list; anything else leaves the previous values intact.
type PlanStats struct {
	TotalSizeBytes int64      `json:"total_size_bytes"`
	SnapshotCount  int        `json:"snapshot_count"`
	LastBackupAt   *time.Time `json:"last_backup_at,omitempty"`
}

// Device returns the plan's target device reference.
func (p *Plan) Device() DeviceRef {
	return ParseDeviceID(p.SourceID)
}

// Validate checks the plan against its schema.
func (p *Plan) Validate() error {
	return validate.Struct(p)
}
