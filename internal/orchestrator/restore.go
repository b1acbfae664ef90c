// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fleetback/fleetback/internal/apperr"
	"github.com/fleetback/fleetback/internal/logging"
	"github.com/fleetback/fleetback/internal/models"
	"github.com/fleetback/fleetback/internal/queue"
	"github.com/fleetback/fleetback/internal/store"
	"github.com/fleetback/fleetback/internal/strategy"
)

type restoreJobPayload struct {
	PlanID    string               `json:"planId"`
	BackupID  string               `json:"backupId"`
	RestoreID string               `json:"restoreId"`
	Config    models.RestoreConfig `json:"config"`
}

// RestoreService is the synchronous entry point for restore operations.
type RestoreService struct {
	stores   store.Stores
	selector *strategy.Selector
	queue    *queue.Queue
	logger   zerolog.Logger
}

// NewRestoreService constructs the service; handlers are registered by New.
func NewRestoreService(deps Deps) *RestoreService {
	return &RestoreService{
		stores:   deps.Stores,
		selector: deps.Selector,
		queue:    deps.Queue,
		logger:   logging.With().Str("component", "restore_service").Logger(),
	}
}

// TriggerRestore starts a restore of the given backup. Returns the restore
// id, 404 when the backup does not exist, 409 when a restore is already
// active for it.
//
// Restores are queued with a single attempt: unlike backups there is no
// retry budget, a failed restore stays failed until the user re-triggers.
func (s *RestoreService) TriggerRestore(ctx context.Context, backupID string, cfg models.RestoreConfig) (string, error) {
	backup, err := s.stores.Backups.GetByID(ctx, backupID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", apperr.NotFound("backup %s not found", backupID)
		}
		return "", apperr.Internal("load backup", err)
	}
	if backup.InProgress {
		return "", apperr.Conflict("backup %s is still running", backupID)
	}
	if backup.Success == nil || !*backup.Success {
		return "", apperr.BadRequest("backup %s did not complete successfully and cannot be restored", backupID)
	}

	active, err := s.stores.Restores.HasActiveRestoreForBackup(ctx, backupID)
	if err != nil {
		return "", apperr.Internal("check active restores", err)
	}
	if active {
		return "", apperr.Conflict("a restore is already in progress for backup %s", backupID)
	}

	restoreID := uuid.NewString()
	payload, err := json.Marshal(restoreJobPayload{
		PlanID:    backup.PlanID,
		BackupID:  backupID,
		RestoreID: restoreID,
		Config:    cfg,
	})
	if err != nil {
		return "", apperr.Internal("encode job payload", err)
	}

	_, err = s.queue.AddPriorityJob(JobTypeRestore, payload, 1, 0, backupID)
	if errors.Is(err, queue.ErrDuplicateJob) {
		return "", apperr.Conflict("a restore job is already queued for backup %s", backupID)
	}
	if err != nil {
		return "", apperr.Internal("enqueue restore", err)
	}

	s.logger.Info().Str("backup_id", backupID).Str("restore_id", restoreID).Msg("restore triggered")
	return restoreID, nil
}

// CancelRestore cancels a running restore: the execution backend stops the
// process and the queue drops the job for the backup's dedup key.
func (s *RestoreService) CancelRestore(ctx context.Context, restoreID string) error {
	rec, err := s.stores.Restores.GetByID(ctx, restoreID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("restore %s not found", restoreID)
		}
		return apperr.Internal("load restore", err)
	}
	if !rec.InProgress {
		return apperr.Conflict("restore %s is not running", restoreID)
	}

	backup, err := s.stores.Backups.GetByID(ctx, rec.BackupID)
	if err != nil {
		return apperr.Internal("load backup", err)
	}

	res, err := s.selector.For(backup.Device()).Restore.CancelRestore(ctx, restoreID)
	if err := translateStrategyErr("cancel restore", res, err); err != nil {
		return err
	}

	removed := s.queue.Remove(JobTypeRestore, rec.BackupID)

	now := time.Now().UTC()
	_, err = s.stores.Restores.Update(ctx, restoreID, func(r *models.RestoreRecord) {
		r.Status = models.StatusCancelled
		r.InProgress = false
		r.EndedAt = models.TimePtr(now)
	})
	if err != nil {
		return apperr.Internal("mark restore cancelled", err)
	}

	s.logger.Info().Str("restore_id", restoreID).Bool("queued_job_removed", removed).
		Msg("restore cancelled")
	return nil
}

// GetRestore returns one restore record.
func (s *RestoreService) GetRestore(ctx context.Context, restoreID string) (*models.RestoreRecord, error) {
	rec, err := s.stores.Restores.GetByID(ctx, restoreID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("restore %s not found", restoreID)
		}
		return nil, apperr.Internal("load restore", err)
	}
	return rec, nil
}

// ListRestores returns the restores attempted for a backup.
func (s *RestoreService) ListRestores(ctx context.Context, backupID string) ([]*models.RestoreRecord, error) {
	recs, err := s.stores.Restores.ListByBackup(ctx, backupID)
	if err != nil {
		return nil, apperr.Internal("list restores", err)
	}
	return recs, nil
}

// runRestoreJob is the queue handler for restore jobs.
func (s *RestoreService) runRestoreJob(ctx context.Context, job queue.Job) error {
	var p restoreJobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode restore job payload: %w", err)
	}
	plan, err := s.stores.Plans.GetByID(ctx, p.PlanID)
	if err != nil {
		return fmt.Errorf("load plan %s: %w", p.PlanID, err)
	}

	res, err := s.selector.For(plan.Device()).Restore.PerformRestore(ctx, strategy.RestoreRequest{
		Plan:      plan,
		BackupID:  p.BackupID,
		RestoreID: p.RestoreID,
		Config:    p.Config,
	})
	if err != nil {
		return err
	}
	if !res.Success {
		return errors.New(res.Message)
	}
	return nil
}
