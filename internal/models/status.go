// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

package models

// OperationStatus is the lifecycle status of a backup or restore attempt
// chain: queued -> started -> (retrying <-> started) -> completed | failed |
// cancelled.
type OperationStatus string

const (
	// StatusQueued means the job is accepted but not yet executing.
	StatusQueued OperationStatus = "queued"
	// StatusStarted means the execution backend reported a start.
	StatusStarted OperationStatus = "started"
	// StatusRetrying means an attempt failed and the queue will re-invoke.
	StatusRetrying OperationStatus = "retrying"
	// StatusCompleted is the successful terminal state.
	StatusCompleted OperationStatus = "completed"
	// StatusFailed is the terminal state after a failed completion or an
	// exhausted retry budget.
	StatusFailed OperationStatus = "failed"
	// StatusCancelled is the terminal state after an explicit user cancel.
	StatusCancelled OperationStatus = "cancelled"
)

// Terminal reports whether the status is an end state of the attempt chain.
func (s OperationStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// DownloadStatus is the status of an on-demand archive-generation task.
type DownloadStatus string

const (
	// DownloadStarted means archive generation is running.
	DownloadStarted DownloadStatus = "started"
	// DownloadComplete means the archive is ready.
	DownloadComplete DownloadStatus = "complete"
	// DownloadFailed means archive generation failed.
	DownloadFailed DownloadStatus = "failed"
)
