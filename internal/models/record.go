// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

package models

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// validate is the shared schema validator for persisted entities. Malformed
// event payloads are rejected here before they can reach a store write.
var validate = validator.New()

// TaskStats is the live progress snapshot reported by the execution backend
// while an operation runs.
type TaskStats struct {
	BytesDone    int64   `json:"bytes_done"`
	BytesTotal   int64   `json:"bytes_total"`
	FilesDone    int64   `json:"files_done"`
	FilesTotal   int64   `json:"files_total"`
	PercentDone  float64 `json:"percent_done"`
	CurrentFiles int     `json:"current_files,omitempty"`
}

// CompletionStats is the authoritative summary of a finished attempt,
// taken from the completion event or the last summary entry of the
// operation's progress artifact.
type CompletionStats struct {
	SnapshotID      string  `json:"snapshot_id,omitempty"`
	FilesNew        int64   `json:"files_new"`
	FilesChanged    int64   `json:"files_changed"`
	FilesUnmodified int64   `json:"files_unmodified"`
	BytesProcessed  int64   `json:"bytes_processed"`
	BytesAdded      int64   `json:"bytes_added"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// DownloadState is the embedded progress of an on-demand archive-generation
// task for a backup. Updates are merge-patches: fields absent from a patch
// keep their previous value, so Started survives an error or completion.
type DownloadState struct {
	Status    DownloadStatus `json:"status"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Merge applies patch on top of d, returning the merged state. Zero-valued
// patch fields leave the existing value in place.
func (d *DownloadState) Merge(patch DownloadState) DownloadState {
	out := DownloadState{}
	if d != nil {
		out = *d
	}
	if patch.Status != "" {
		out.Status = patch.Status
	}
	if patch.StartedAt != nil {
		out.StartedAt = patch.StartedAt
	}
	if patch.EndedAt != nil {
		out.EndedAt = patch.EndedAt
	}
	if patch.Error != "" {
		out.Error = patch.Error
	}
	return out
}

// BackupRecord is one execution attempt chain of a backup for a plan.
// Retries reuse the same record id; the chain is closed when InProgress
// drops to false on completion, cancellation, or permanent failure.
//
// Invariant: at most one BackupRecord per plan has InProgress=true. The
// store's create transaction is the final arbiter.
type BackupRecord struct {
	ID       string `json:"id" validate:"required"`
	PlanID   string `json:"plan_id" validate:"required"`
	SourceID string `json:"source_id" validate:"required"`

	// Plan-derived fields, frozen at record creation so history survives
	// later plan edits.
	StorageID    string            `json:"storage_id" validate:"required"`
	SourceType   string            `json:"source_type"`
	StoragePath  string            `json:"storage_path"`
	SourceConfig map[string]string `json:"source_config,omitempty"`
	Encryption   string            `json:"encryption,omitempty"`
	Compression  string            `json:"compression,omitempty"`

	Status     OperationStatus `json:"status" validate:"required"`
	InProgress bool            `json:"in_progress"`
	Success    *bool           `json:"success,omitempty"`
	ErrorMsg   string          `json:"error_msg,omitempty"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	TaskStats       *TaskStats       `json:"task_stats,omitempty"`
	CompletionStats *CompletionStats `json:"completion_stats,omitempty"`

	Download *DownloadState `json:"download,omitempty"`
}

// Device returns the record's target device reference.
func (r *BackupRecord) Device() DeviceRef {
	return ParseDeviceID(r.SourceID)
}

// Validate checks the record against its schema.
func (r *BackupRecord) Validate() error {
	return validate.Struct(r)
}

// RestoreConfig describes where and how a restore materializes data.
type RestoreConfig struct {
	TargetPath string   `json:"target_path"`
	Include    []string `json:"include,omitempty"`
	Exclude    []string `json:"exclude,omitempty"`
	Overwrite  bool     `json:"overwrite"`
}

// RestoreRecord is one restore attempt tied to a backup. At most one
// RestoreRecord per backup has InProgress=true.
type RestoreRecord struct {
	ID       string `json:"id" validate:"required"`
	BackupID string `json:"backup_id" validate:"required"`
	PlanID   string `json:"plan_id" validate:"required"`

	Status     OperationStatus `json:"status" validate:"required"`
	InProgress bool            `json:"in_progress"`
	Success    *bool           `json:"success,omitempty"`
	ErrorMsg   string          `json:"error_msg,omitempty"`

	Config RestoreConfig `json:"config"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	TaskStats       *TaskStats       `json:"task_stats,omitempty"`
	CompletionStats *CompletionStats `json:"completion_stats,omitempty"`
}

// Validate checks the record against its schema.
func (r *RestoreRecord) Validate() error {
	return validate.Struct(r)
}

// BoolPtr returns a pointer to b. Records use *bool for success so "not yet
// known" is distinguishable from false.
func BoolPtr(b bool) *bool {
	return &b
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
