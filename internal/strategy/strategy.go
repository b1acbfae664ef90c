// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

// Package strategy is the location-transparent dispatch layer: one interface
// per operation family, a local variant backed by the in-process execution
// backend, and a remote variant backed by the agent control channel. Callers
// select a variant by device reference only and never branch on capability.
//
// Every method returns (Result, error). Expected failures, a cancel on an
// idle plan or an agent-side rejection, come back as Result{Success: false}
// with a nil error; the error return is reserved for infrastructure faults
// and for ErrUnsupported.
package strategy

import (
	"context"
	"errors"

	"github.com/goccy/go-json"

	"github.com/fleetback/fleetback/internal/models"
)

// ErrUnsupported marks an operation a given implementation does not provide.
// Orchestration translates it to a 501-style application error.
var ErrUnsupported = errors.New("operation not supported by this device")

// Result is the uniform outcome of a strategy call. Payload carries the
// operation-specific result document; Message carries the reason when
// Success is false.
type Result struct {
	Success bool
	Payload json.RawMessage
	Message string
}

// OK wraps a successful payload.
func OK(payload json.RawMessage) Result {
	return Result{Success: true, Payload: payload}
}

// Failed wraps an expected domain failure.
func Failed(message string) Result {
	return Result{Success: false, Message: message}
}

// RestoreRequest carries everything a restore execution needs.
type RestoreRequest struct {
	Plan      *models.Plan
	BackupID  string
	RestoreID string
	Config    models.RestoreConfig
}

// BackupStrategy runs and controls backup executions for one device.
type BackupStrategy interface {
	// PerformBackup enqueues/starts the backup attempt identified by
	// backupID. Lifecycle progress arrives via events, not the return value.
	PerformBackup(ctx context.Context, plan *models.Plan, backupID string) (Result, error)
	// CancelBackup stops the running backup process for the plan.
	CancelBackup(ctx context.Context, planID string) (Result, error)
	PauseBackup(ctx context.Context, planID string) (Result, error)
	ResumeBackup(ctx context.Context, planID string) (Result, error)
	// GetBackupProgress returns the latest raw progress document.
	GetBackupProgress(ctx context.Context, backupID string) (Result, error)
}

// RestoreStrategy runs and controls restore and download executions.
type RestoreStrategy interface {
	PerformRestore(ctx context.Context, req RestoreRequest) (Result, error)
	CancelRestore(ctx context.Context, restoreID string) (Result, error)
	// DownloadFiles starts on-demand archive generation for files of a
	// backup; progress lives in the record's download sub-state.
	DownloadFiles(ctx context.Context, plan *models.Plan, backupID string, paths []string) (Result, error)
}

// SystemStrategy covers repository maintenance verbs.
type SystemStrategy interface {
	PruneBackups(ctx context.Context, plan *models.Plan) (Result, error)
	UnlockRepo(ctx context.Context, plan *models.Plan) (Result, error)
}

// SnapshotStrategy covers snapshot inspection and removal.
type SnapshotStrategy interface {
	ListSnapshots(ctx context.Context, plan *models.Plan) (Result, error)
	GetSnapshotFiles(ctx context.Context, plan *models.Plan, snapshotID, path string) (Result, error)
	ForgetSnapshot(ctx context.Context, plan *models.Plan, snapshotID string) (Result, error)
}

// Set bundles the four families for one device.
type Set struct {
	Backup   BackupStrategy
	Restore  RestoreStrategy
	System   SystemStrategy
	Snapshot SnapshotStrategy
}

// Selector resolves a device reference to its strategy set.
type Selector struct {
	local  Set
	remote func(deviceID string) Set
}

// NewSelector builds a selector from the local set and a remote factory.
func NewSelector(local Set, remote func(deviceID string) Set) *Selector {
	return &Selector{local: local, remote: remote}
}

// For returns the strategy set for the device.
func (s *Selector) For(device models.DeviceRef) Set {
	if device.IsLocal() {
		return s.local
	}
	return s.remote(device.ID())
}
