// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

package strategy

import (
	"context"
	"errors"
	"strings"

	"github.com/fleetback/fleetback/internal/agent"
	"github.com/fleetback/fleetback/internal/models"
)

// Control-channel action names; one per strategy verb.
const (
	ActionPerformBackup     = "backup.perform"
	ActionCancelBackup      = "backup.cancel"
	ActionPauseBackup       = "backup.pause"
	ActionResumeBackup      = "backup.resume"
	ActionGetBackupProgress = "backup.progress"
	ActionPerformRestore    = "restore.perform"
	ActionCancelRestore     = "restore.cancel"
	ActionDownloadFiles     = "download.files"
	ActionPruneBackups      = "system.prune"
	ActionUnlockRepo        = "system.unlock"
	ActionListSnapshots     = "snapshot.list"
	ActionGetSnapshotFiles  = "snapshot.files"
	ActionForgetSnapshot    = "snapshot.forget"
)

// RemoteSet builds the strategy set for a remote device: every verb becomes
// exactly one command on the agent control channel, never retried (retry is
// the job queue's responsibility, one layer up).
func RemoteSet(c agent.Commander, deviceID string) Set {
	r := &remote{commander: c, deviceID: deviceID}
	return Set{Backup: r, Restore: r, System: r, Snapshot: r}
}

type remote struct {
	commander agent.Commander
	deviceID  string
}

// call sends one command and folds the agent's outcome into the Result
// shape: a rejection is an expected domain failure, not an error.
func (r *remote) call(ctx context.Context, action string, payload any) (Result, error) {
	res, err := r.commander.Command(ctx, r.deviceID, action, payload)
	if errors.Is(err, agent.ErrCommandRejected) {
		return Failed(rejectionReason(err)), nil
	}
	if err != nil {
		return Result{}, err
	}
	return OK(res), nil
}

func rejectionReason(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, ": "); i >= 0 {
		return msg[i+2:]
	}
	return msg
}

func (r *remote) PerformBackup(ctx context.Context, plan *models.Plan, backupID string) (Result, error) {
	return r.call(ctx, ActionPerformBackup, map[string]any{
		"planId":   plan.ID,
		"backupId": backupID,
		"plan":     plan,
	})
}

func (r *remote) CancelBackup(ctx context.Context, planID string) (Result, error) {
	return r.call(ctx, ActionCancelBackup, map[string]any{"planId": planID})
}

func (r *remote) PauseBackup(ctx context.Context, planID string) (Result, error) {
	return r.call(ctx, ActionPauseBackup, map[string]any{"planId": planID})
}

func (r *remote) ResumeBackup(ctx context.Context, planID string) (Result, error) {
	return r.call(ctx, ActionResumeBackup, map[string]any{"planId": planID})
}

func (r *remote) GetBackupProgress(ctx context.Context, backupID string) (Result, error) {
	return r.call(ctx, ActionGetBackupProgress, map[string]any{"backupId": backupID})
}

func (r *remote) PerformRestore(ctx context.Context, req RestoreRequest) (Result, error) {
	return r.call(ctx, ActionPerformRestore, map[string]any{
		"planId":    req.Plan.ID,
		"backupId":  req.BackupID,
		"restoreId": req.RestoreID,
		"config":    req.Config,
		"plan":      req.Plan,
	})
}

func (r *remote) CancelRestore(ctx context.Context, restoreID string) (Result, error) {
	return r.call(ctx, ActionCancelRestore, map[string]any{"restoreId": restoreID})
}

func (r *remote) DownloadFiles(ctx context.Context, plan *models.Plan, backupID string, paths []string) (Result, error) {
	return r.call(ctx, ActionDownloadFiles, map[string]any{
		"planId":   plan.ID,
		"backupId": backupID,
		"paths":    paths,
	})
}

func (r *remote) PruneBackups(ctx context.Context, plan *models.Plan) (Result, error) {
	return r.call(ctx, ActionPruneBackups, map[string]any{"planId": plan.ID, "plan": plan})
}

func (r *remote) UnlockRepo(ctx context.Context, plan *models.Plan) (Result, error) {
	return r.call(ctx, ActionUnlockRepo, map[string]any{"planId": plan.ID, "plan": plan})
}

func (r *remote) ListSnapshots(ctx context.Context, plan *models.Plan) (Result, error) {
	return r.call(ctx, ActionListSnapshots, map[string]any{"planId": plan.ID})
}

func (r *remote) GetSnapshotFiles(ctx context.Context, plan *models.Plan, snapshotID, path string) (Result, error) {
	return r.call(ctx, ActionGetSnapshotFiles, map[string]any{
		"planId":     plan.ID,
		"snapshotId": snapshotID,
		"path":       path,
	})
}

func (r *remote) ForgetSnapshot(ctx context.Context, plan *models.Plan, snapshotID string) (Result, error) {
	return r.call(ctx, ActionForgetSnapshot, map[string]any{
		"planId":     plan.ID,
		"snapshotId": snapshotID,
	})
}
