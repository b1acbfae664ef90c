// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

package strategy

// Backend is the in-process execution backend seam: the component that
// actually runs the backup/restore tool processes on the local device and
// publishes lifecycle events on the bus. It carries the same call shape as
// the strategy families, so the local variants are direct delegation.
// Implementations return ErrUnsupported from verbs they do not provide.
type Backend interface {
	BackupStrategy
	RestoreStrategy
	SystemStrategy
	SnapshotStrategy
}

// NewLocalSet returns the strategy set for the local device.
func NewLocalSet(b Backend) Set {
	return Set{Backup: b, Restore: b, System: b, Snapshot: b}
}
