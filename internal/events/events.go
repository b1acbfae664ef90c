// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

// Package events defines the lifecycle event contracts exchanged between the
// execution backend, the job queue, and the reconciliation services, plus the
// in-process bus they travel on.
//
// Field names are the wire contract: remote agents publish these payloads
// over the control channel and the local backend publishes them in-process,
// so both sides marshal to identical JSON.
package events

import (
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/fleetback/fleetback/internal/models"
)

var validate = validator.New()

// Topic names. One topic per event kind; per-entity ordering is preserved by
// consuming each topic through a single sequential handler.
const (
	TopicBackupStart       = "backup.start"
	TopicBackupComplete    = "backup.complete"
	TopicBackupError       = "backup.error"
	TopicBackupFailed      = "backup.failed" // permanent failure
	TopicBackupStatsUpdate = "backup.stats"
	TopicPruneEnd          = "prune.end"

	TopicRestoreStart    = "restore.start"
	TopicRestoreComplete = "restore.complete"
	TopicRestoreError    = "restore.error"
	TopicRestoreFailed   = "restore.failed"

	TopicDownloadStart    = "download.start"
	TopicDownloadComplete = "download.complete"
	TopicDownloadError    = "download.error"

	// TopicBackupRecordCreated is the derived signal emitted once a backup
	// record exists (or is re-opened for a retry). Callers awaiting a
	// specific backup's record subscribe here and filter by backup id.
	TopicBackupRecordCreated = "backup.record.created"

	// TopicRestoreRecordCreated is the restore counterpart.
	TopicRestoreRecordCreated = "restore.record.created"
)

// LifecycleTopics lists the topics that execution backends emit. The derived
// record-created signals are excluded: those originate in the reconciliation
// layer, never from a backend or agent.
func LifecycleTopics() []string {
	return []string{
		TopicBackupStart,
		TopicBackupComplete,
		TopicBackupError,
		TopicBackupFailed,
		TopicBackupStatsUpdate,
		TopicPruneEnd,
		TopicRestoreStart,
		TopicRestoreComplete,
		TopicRestoreError,
		TopicRestoreFailed,
		TopicDownloadStart,
		TopicDownloadComplete,
		TopicDownloadError,
	}
}

// BackupStart announces that an attempt (first or retry) began executing.
type BackupStart struct {
	PlanID   string            `json:"planId" validate:"required"`
	BackupID string            `json:"backupId" validate:"required"`
	Summary  *models.TaskStats `json:"summary,omitempty"`
}

// BackupComplete announces that the running attempt finished.
type BackupComplete struct {
	PlanID   string                  `json:"planId" validate:"required"`
	BackupID string                  `json:"backupId" validate:"required"`
	Success  bool                    `json:"success"`
	Summary  *models.CompletionStats `json:"summary,omitempty"`
}

// BackupError is a mid-retry-budget failure emitted by the job queue's
// reschedule path, never by the execution backend directly.
type BackupError struct {
	PlanID   string `json:"planId" validate:"required"`
	BackupID string `json:"backupId" validate:"required"`
	Error    string `json:"error"`
}

// BackupPermanentFailure announces an exhausted retry budget.
type BackupPermanentFailure struct {
	PlanID   string `json:"planId" validate:"required"`
	BackupID string `json:"backupId" validate:"required"`
	Error    string `json:"error"`
}

// BackupStatsUpdate carries repository aggregates after a successful backup.
type BackupStatsUpdate struct {
	PlanID    string   `json:"planId" validate:"required"`
	BackupID  string   `json:"backupId"`
	TotalSize *int64   `json:"total_size,omitempty"`
	Snapshots []string `json:"snapshots,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// PruneStats is the aggregate snapshot a prune reports on success.
type PruneStats struct {
	TotalSize int64    `json:"total_size"`
	Snapshots []string `json:"snapshots"`
}

// PruneEnd announces the end of a prune run. A failed prune carries no
// usable stats and must not touch plan aggregates.
type PruneEnd struct {
	PlanID  string      `json:"planId" validate:"required"`
	Success bool        `json:"success"`
	Stats   *PruneStats `json:"stats,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// RestoreStart announces a restore attempt began executing.
type RestoreStart struct {
	PlanID    string               `json:"planId" validate:"required"`
	BackupID  string               `json:"backupId" validate:"required"`
	RestoreID string               `json:"restoreId" validate:"required"`
	Config    models.RestoreConfig `json:"config"`
	Stats     *models.TaskStats    `json:"stats,omitempty"`
}

// RestoreError is a recoverable restore failure; the restore is still
// considered running.
type RestoreError struct {
	PlanID    string `json:"planId" validate:"required"`
	BackupID  string `json:"backupId" validate:"required"`
	RestoreID string `json:"restoreId,omitempty"`
	Error     string `json:"error"`
}

// RestoreFailed is the terminal restore failure.
type RestoreFailed struct {
	PlanID    string `json:"planId" validate:"required"`
	BackupID  string `json:"backupId" validate:"required"`
	RestoreID string `json:"restoreId" validate:"required"`
	Error     string `json:"error"`
}

// RestoreComplete announces the restore finished.
type RestoreComplete struct {
	PlanID    string `json:"planId" validate:"required"`
	BackupID  string `json:"backupId" validate:"required"`
	RestoreID string `json:"restoreId" validate:"required"`
	Success   bool   `json:"success"`
}

// DownloadStart announces on-demand archive generation began for a backup.
type DownloadStart struct {
	BackupID string `json:"backupId" validate:"required"`
	PlanID   string `json:"planId" validate:"required"`
}

// DownloadComplete announces the archive is ready.
type DownloadComplete struct {
	BackupID string `json:"backupId" validate:"required"`
	PlanID   string `json:"planId" validate:"required"`
	Success  bool   `json:"success"`
}

// DownloadError announces archive generation failed.
type DownloadError struct {
	BackupID string `json:"backupId" validate:"required"`
	PlanID   string `json:"planId" validate:"required"`
	Error    string `json:"error"`
}

// RecordCreated is the derived creation signal payload.
type RecordCreated struct {
	PlanID    string `json:"planId"`
	BackupID  string `json:"backupId,omitempty"`
	RestoreID string `json:"restoreId,omitempty"`
	Retry     bool   `json:"retry"`
}

// Marshal serializes an event payload.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal deserializes and validates an event payload. A validation
// failure means the payload is malformed and must be dropped, not retried.
func Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return err
	}
	return validate.Struct(v)
}
