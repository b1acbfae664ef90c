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

type backupJobPayload struct {
	PlanID   string `json:"planId"`
	BackupID string `json:"backupId"`
}

type pruneJobPayload struct {
	PlanID string `json:"planId"`
}

// BackupService is the synchronous entry point for backup operations.
type BackupService struct {
	stores      store.Stores
	selector    *strategy.Selector
	queue       *queue.Queue
	maxAttempts int
	retryDelay  time.Duration
	logger      zerolog.Logger
}

// NewBackupService constructs the service; handlers are registered by New.
func NewBackupService(deps Deps) *BackupService {
	s := &BackupService{
		stores:      deps.Stores,
		selector:    deps.Selector,
		queue:       deps.Queue,
		maxAttempts: deps.MaxAttempts,
		retryDelay:  deps.RetryDelay,
		logger:      logging.With().Str("component", "backup_service").Logger(),
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = DefaultMaxAttempts
	}
	if s.retryDelay <= 0 {
		s.retryDelay = DefaultRetryDelay
	}
	return s
}

// TriggerBackup starts a backup for the plan. Returns the new backup id, or
// 409 when an operation is already active or queued for the plan.
func (s *BackupService) TriggerBackup(ctx context.Context, planID string) (string, error) {
	plan, err := s.stores.Plans.GetByID(ctx, planID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", apperr.NotFound("plan %s not found", planID)
		}
		return "", apperr.Internal("load plan", err)
	}
	if err := validatePlanForRun(plan); err != nil {
		return "", err
	}

	active, err := s.stores.Backups.HasActiveBackups(ctx, planID)
	if err != nil {
		return "", apperr.Internal("check active backups", err)
	}
	if active {
		return "", apperr.Conflict("a backup is already in progress for plan %s", planID)
	}

	backupID := uuid.NewString()
	payload, err := json.Marshal(backupJobPayload{PlanID: planID, BackupID: backupID})
	if err != nil {
		return "", apperr.Internal("encode job payload", err)
	}

	_, err = s.queue.AddPriorityJob(JobTypeBackup, payload,
		s.planMaxAttempts(plan), s.planRetryDelay(plan), planID)
	if errors.Is(err, queue.ErrDuplicateJob) {
		return "", apperr.Conflict("a backup job is already queued for plan %s", planID)
	}
	if err != nil {
		return "", apperr.Internal("enqueue backup", err)
	}

	s.logger.Info().Str("plan_id", planID).Str("backup_id", backupID).Msg("backup triggered")
	return backupID, nil
}

// CancelBackup cancels the plan's running backup. Correctness requires both
// halves: the execution backend stops the process, and the queue drops any
// scheduled retry so cancellation cannot be silently resurrected.
func (s *BackupService) CancelBackup(ctx context.Context, planID string) error {
	plan, err := s.stores.Plans.GetByID(ctx, planID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("plan %s not found", planID)
		}
		return apperr.Internal("load plan", err)
	}

	activeRec, err := s.activeBackup(ctx, planID)
	if err != nil {
		return err
	}

	// The queued job goes first: in the retry-wait window there is no
	// process for the backend to stop, and the pending job is the half that
	// would resurrect the backup.
	removed := s.queue.Remove(JobTypeBackup, planID)

	res, err := s.selector.For(plan.Device()).Backup.CancelBackup(ctx, planID)
	if cancelErr := translateStrategyErr("cancel backup", res, err); cancelErr != nil {
		if !removed {
			return cancelErr
		}
		// No running process to cancel, which is exactly the retry-wait
		// state; the removed job already ended the operation.
		s.logger.Debug().Str("plan_id", planID).Str("reason", res.Message).
			Msg("backend had nothing to cancel, queued job removed instead")
	}

	now := time.Now().UTC()
	_, err = s.stores.Backups.Update(ctx, activeRec.ID, func(rec *models.BackupRecord) {
		rec.Status = models.StatusCancelled
		rec.InProgress = false
		rec.EndedAt = models.TimePtr(now)
	})
	if err != nil {
		return apperr.Internal("mark backup cancelled", err)
	}
	if err := s.stores.Plans.SetActive(ctx, planID, false); err != nil {
		s.logger.Warn().Err(err).Str("plan_id", planID).Msg("failed to clear plan active marker")
	}

	s.logger.Info().Str("plan_id", planID).Str("backup_id", activeRec.ID).
		Bool("queued_job_removed", removed).Msg("backup cancelled")
	return nil
}

// PauseBackup pauses the plan's running backup, when the device supports it.
func (s *BackupService) PauseBackup(ctx context.Context, planID string) error {
	return s.controlCall(ctx, planID, "pause backup", func(ctx context.Context, set strategy.Set) (strategy.Result, error) {
		return set.Backup.PauseBackup(ctx, planID)
	})
}

// ResumeBackup resumes a paused backup.
func (s *BackupService) ResumeBackup(ctx context.Context, planID string) error {
	return s.controlCall(ctx, planID, "resume backup", func(ctx context.Context, set strategy.Set) (strategy.Result, error) {
		return set.Backup.ResumeBackup(ctx, planID)
	})
}

// PruneBackups queues a repository prune for the plan. Single attempt: a
// half-finished prune must not be blindly re-run by the queue.
func (s *BackupService) PruneBackups(ctx context.Context, planID string) error {
	plan, err := s.stores.Plans.GetByID(ctx, planID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("plan %s not found", planID)
		}
		return apperr.Internal("load plan", err)
	}
	if err := validatePlanForRun(plan); err != nil {
		return err
	}

	payload, err := json.Marshal(pruneJobPayload{PlanID: planID})
	if err != nil {
		return apperr.Internal("encode job payload", err)
	}
	_, err = s.queue.AddJob(JobTypePrune, payload, 1, 0, planID)
	if errors.Is(err, queue.ErrDuplicateJob) {
		return apperr.Conflict("a prune is already queued for plan %s", planID)
	}
	if err != nil {
		return apperr.Internal("enqueue prune", err)
	}
	return nil
}

// UnlockRepo removes a stale repository lock.
func (s *BackupService) UnlockRepo(ctx context.Context, planID string) error {
	plan, err := s.stores.Plans.GetByID(ctx, planID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("plan %s not found", planID)
		}
		return apperr.Internal("load plan", err)
	}
	res, err := s.selector.For(plan.Device()).System.UnlockRepo(ctx, plan)
	return translateStrategyErr("unlock repository", res, err)
}

// GetProgress returns the latest raw progress document for a backup.
func (s *BackupService) GetProgress(ctx context.Context, backupID string) (json.RawMessage, error) {
	rec, err := s.stores.Backups.GetByID(ctx, backupID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("backup %s not found", backupID)
		}
		return nil, apperr.Internal("load backup", err)
	}

	res, err := s.selector.For(rec.Device()).Backup.GetBackupProgress(ctx, backupID)
	if err := translateStrategyErr("get backup progress", res, err); err != nil {
		return nil, err
	}
	return res.Payload, nil
}

// RequestDownload starts on-demand archive generation for files of a
// backup. Progress lands in the record's download sub-state.
func (s *BackupService) RequestDownload(ctx context.Context, backupID string, paths []string) error {
	rec, err := s.stores.Backups.GetByID(ctx, backupID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("backup %s not found", backupID)
		}
		return apperr.Internal("load backup", err)
	}
	if rec.Download != nil && rec.Download.Status == models.DownloadStarted {
		return apperr.Conflict("a download is already being generated for backup %s", backupID)
	}

	plan, err := s.stores.Plans.GetByID(ctx, rec.PlanID)
	if err != nil {
		return apperr.Internal("load plan", err)
	}
	res, err := s.selector.For(rec.Device()).Restore.DownloadFiles(ctx, plan, backupID, paths)
	return translateStrategyErr("request download", res, err)
}

// ListSnapshots returns the raw snapshot listing from the plan's repository.
func (s *BackupService) ListSnapshots(ctx context.Context, planID string) (json.RawMessage, error) {
	return s.snapshotCall(ctx, planID, "list snapshots",
		func(ctx context.Context, set strategy.Set, plan *models.Plan) (strategy.Result, error) {
			return set.Snapshot.ListSnapshots(ctx, plan)
		})
}

// GetSnapshotFiles returns the file entries of one snapshot, optionally
// limited to a path prefix.
func (s *BackupService) GetSnapshotFiles(ctx context.Context, planID, snapshotID, path string) (json.RawMessage, error) {
	return s.snapshotCall(ctx, planID, "list snapshot files",
		func(ctx context.Context, set strategy.Set, plan *models.Plan) (strategy.Result, error) {
			return set.Snapshot.GetSnapshotFiles(ctx, plan, snapshotID, path)
		})
}

// ForgetSnapshot removes one snapshot from the plan's repository. The backup
// record stays; only the archived data goes.
func (s *BackupService) ForgetSnapshot(ctx context.Context, planID, snapshotID string) error {
	_, err := s.snapshotCall(ctx, planID, "forget snapshot",
		func(ctx context.Context, set strategy.Set, plan *models.Plan) (strategy.Result, error) {
			return set.Snapshot.ForgetSnapshot(ctx, plan, snapshotID)
		})
	return err
}

// snapshotCall runs a snapshot-family verb against the plan's device.
func (s *BackupService) snapshotCall(
	ctx context.Context,
	planID, what string,
	call func(context.Context, strategy.Set, *models.Plan) (strategy.Result, error),
) (json.RawMessage, error) {
	plan, err := s.stores.Plans.GetByID(ctx, planID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("plan %s not found", planID)
		}
		return nil, apperr.Internal("load plan", err)
	}
	res, err := call(ctx, s.selector.For(plan.Device()), plan)
	if err := translateStrategyErr(what, res, err); err != nil {
		return nil, err
	}
	return res.Payload, nil
}

// ListBackups returns the plan's backup records.
func (s *BackupService) ListBackups(ctx context.Context, planID string) ([]*models.BackupRecord, error) {
	recs, err := s.stores.Backups.ListByPlan(ctx, planID)
	if err != nil {
		return nil, apperr.Internal("list backups", err)
	}
	return recs, nil
}

// GetBackup returns one backup record.
func (s *BackupService) GetBackup(ctx context.Context, backupID string) (*models.BackupRecord, error) {
	rec, err := s.stores.Backups.GetByID(ctx, backupID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("backup %s not found", backupID)
		}
		return nil, apperr.Internal("load backup", err)
	}
	return rec, nil
}

// runBackupJob is the queue handler for backup jobs: it resolves the plan
// and invokes the device's backup strategy. A returned error consumes one
// retry attempt.
func (s *BackupService) runBackupJob(ctx context.Context, job queue.Job) error {
	var p backupJobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode backup job payload: %w", err)
	}
	plan, err := s.stores.Plans.GetByID(ctx, p.PlanID)
	if err != nil {
		return fmt.Errorf("load plan %s: %w", p.PlanID, err)
	}

	res, err := s.selector.For(plan.Device()).Backup.PerformBackup(ctx, plan, p.BackupID)
	if err != nil {
		return err
	}
	if !res.Success {
		return errors.New(res.Message)
	}
	return nil
}

// runPruneJob is the queue handler for prune jobs.
func (s *BackupService) runPruneJob(ctx context.Context, job queue.Job) error {
	var p pruneJobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode prune job payload: %w", err)
	}
	plan, err := s.stores.Plans.GetByID(ctx, p.PlanID)
	if err != nil {
		return fmt.Errorf("load plan %s: %w", p.PlanID, err)
	}

	res, err := s.selector.For(plan.Device()).System.PruneBackups(ctx, plan)
	if err != nil {
		return err
	}
	if !res.Success {
		return errors.New(res.Message)
	}
	return nil
}

// activeBackup finds the plan's single in-progress record.
func (s *BackupService) activeBackup(ctx context.Context, planID string) (*models.BackupRecord, error) {
	recs, err := s.stores.Backups.ListByPlan(ctx, planID)
	if err != nil {
		return nil, apperr.Internal("list backups", err)
	}
	for _, rec := range recs {
		if rec.InProgress {
			return rec, nil
		}
	}
	return nil, apperr.NotFound("no backup in progress for plan %s", planID)
}

// controlCall runs a pause/resume style verb against the plan's device.
func (s *BackupService) controlCall(
	ctx context.Context,
	planID, what string,
	call func(context.Context, strategy.Set) (strategy.Result, error),
) error {
	plan, err := s.stores.Plans.GetByID(ctx, planID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("plan %s not found", planID)
		}
		return apperr.Internal("load plan", err)
	}
	res, err := call(ctx, s.selector.For(plan.Device()))
	return translateStrategyErr(what, res, err)
}

// translateStrategyErr folds a strategy outcome into the error taxonomy:
// ErrUnsupported becomes 501, infrastructure errors 500, and an expected
// Success=false result a 409 carrying the strategy's message.
func translateStrategyErr(what string, res strategy.Result, err error) error {
	if errors.Is(err, strategy.ErrUnsupported) {
		return apperr.Unsupported("%s is not supported on this device", what)
	}
	if err != nil {
		return apperr.Internal(what, err)
	}
	if !res.Success {
		return apperr.Conflict("%s rejected: %s", what, res.Message)
	}
	return nil
}

func validatePlanForRun(plan *models.Plan) error {
	if err := plan.Validate(); err != nil {
		return apperr.BadRequest("plan %s is not runnable: %v", plan.ID, err)
	}
	return nil
}

func (s *BackupService) planMaxAttempts(plan *models.Plan) int {
	if plan.Settings.MaxAttempts > 0 {
		return plan.Settings.MaxAttempts
	}
	return s.maxAttempts
}

func (s *BackupService) planRetryDelay(plan *models.Plan) time.Duration {
	if plan.Settings.RetryDelaySeconds > 0 {
		return time.Duration(plan.Settings.RetryDelaySeconds) * time.Second
	}
	return s.retryDelay
}
