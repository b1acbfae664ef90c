// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

// Package reconcile turns raw lifecycle events into durable,
// invariant-preserving entity state. Each event service owns one entity's
// state machine and is invoked sequentially per topic, which preserves
// per-entity event ordering.
//
// Every handler swallows its own failures: the event emission path has no
// caller to receive an error, so persistence problems are logged and
// counted, never raised.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetback/fleetback/internal/events"
	"github.com/fleetback/fleetback/internal/hooks"
	"github.com/fleetback/fleetback/internal/logging"
	"github.com/fleetback/fleetback/internal/metrics"
	"github.com/fleetback/fleetback/internal/models"
	"github.com/fleetback/fleetback/internal/notify"
	"github.com/fleetback/fleetback/internal/progress"
	"github.com/fleetback/fleetback/internal/store"
)

// Publisher is the derived-event seam; the events.Bus satisfies it.
type Publisher interface {
	Publish(topic string, v any) error
}

// BackupEventService drives the BackupRecord state machine.
type BackupEventService struct {
	plans    store.PlanStore
	backups  store.BackupStore
	progress *progress.Store
	bus      Publisher
	notifier notify.Notifier
	hooks    hooks.Runner
	logger   zerolog.Logger

	// AfterPermanentFailure runs once a backup's retry budget is exhausted
	// and the record is terminal. The default re-emits a completion signal
	// scoped to the backup id so waiters on that specific backup unblock;
	// deployments may override it to attach escalation behavior.
	AfterPermanentFailure func(ctx context.Context, planID, backupID, errMsg string)
}

// NewBackupEventService wires the backup reconciliation service.
func NewBackupEventService(
	plans store.PlanStore,
	backups store.BackupStore,
	prog *progress.Store,
	bus Publisher,
	notifier notify.Notifier,
	runner hooks.Runner,
) *BackupEventService {
	s := &BackupEventService{
		plans:    plans,
		backups:  backups,
		progress: prog,
		bus:      bus,
		notifier: notifier,
		hooks:    runner,
		logger:   logging.With().Str("component", "backup_events").Logger(),
	}
	s.AfterPermanentFailure = s.defaultAfterPermanentFailure
	return s
}

// ScopedCompletionTopic is the per-backup completion signal topic used by
// callers awaiting one specific backup's resolution.
func ScopedCompletionTopic(backupID string) string {
	return events.TopicBackupComplete + "." + backupID
}

func (s *BackupEventService) defaultAfterPermanentFailure(_ context.Context, planID, backupID, errMsg string) {
	err := s.bus.Publish(ScopedCompletionTopic(backupID), events.BackupComplete{
		PlanID:   planID,
		BackupID: backupID,
		Success:  false,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("backup_id", backupID).
			Msg("failed to re-emit scoped completion signal")
	}
	_ = errMsg
}

// OnStart handles a backup start event: a retry re-opens the existing
// record, a first attempt creates one from plan fields.
func (s *BackupEventService) OnStart(ctx context.Context, ev events.BackupStart) {
	log := s.logger.With().Str("plan_id", ev.PlanID).Str("backup_id", ev.BackupID).Logger()

	existing, err := s.backups.GetByID(ctx, ev.BackupID)
	switch {
	case err == nil:
		// A resolvable prior record on the local device means this start is
		// a retry, not a new attempt chain. Replays are idempotent: no
		// second record is ever created.
		if !existing.Device().IsLocal() {
			log.Warn().Str("source_id", existing.SourceID).
				Msg("start event for existing remote-device record, dropping")
			metrics.RecordEventDropped(events.TopicBackupStart, "stale")
			return
		}
		_, err := s.backups.Update(ctx, ev.BackupID, func(rec *models.BackupRecord) {
			rec.InProgress = true
			rec.Status = models.StatusRetrying
			rec.EndedAt = nil
			if ev.Summary != nil {
				rec.TaskStats = ev.Summary
			}
		})
		if err != nil {
			log.Error().Err(err).Msg("failed to re-open record for retry")
			metrics.RecordEventDropped(events.TopicBackupStart, "store_error")
			return
		}
		s.publishCreated(ev.PlanID, ev.BackupID, true)
		metrics.RecordEventReconciled(events.TopicBackupStart)
		log.Info().Msg("backup retry detected, record re-opened")
		return
	case !errors.Is(err, store.ErrNotFound):
		log.Error().Err(err).Msg("failed to look up backup record")
		metrics.RecordEventDropped(events.TopicBackupStart, "store_error")
		return
	}

	// First attempt. The pre-check catches the common race loudly; the
	// store's create transaction is the final arbiter.
	active, err := s.backups.HasActiveBackups(ctx, ev.PlanID)
	if err != nil {
		log.Error().Err(err).Msg("failed to check active backups")
		metrics.RecordEventDropped(events.TopicBackupStart, "store_error")
		return
	}
	if active {
		log.Warn().Msg("start event while another backup is active for plan, dropping")
		metrics.RecordEventDropped(events.TopicBackupStart, "invariant")
		return
	}

	plan, err := s.plans.GetByID(ctx, ev.PlanID)
	if err != nil {
		log.Error().Err(err).Msg("failed to load plan for new backup record")
		metrics.RecordEventDropped(events.TopicBackupStart, "not_found")
		return
	}

	rec := &models.BackupRecord{
		ID:           ev.BackupID,
		PlanID:       plan.ID,
		SourceID:     plan.SourceID,
		StorageID:    plan.StorageID,
		SourceType:   plan.SourceType,
		StoragePath:  plan.StoragePath,
		SourceConfig: plan.SourceConfig,
		Encryption:   plan.Encryption,
		Compression:  plan.Compression,
		Status:       models.StatusStarted,
		InProgress:   true,
		StartedAt:    time.Now().UTC(),
		TaskStats:    ev.Summary,
	}
	if err := rec.Validate(); err != nil {
		log.Error().Err(err).Msg("backup record failed validation, dropping event")
		metrics.RecordEventDropped(events.TopicBackupStart, "malformed")
		return
	}

	if err := s.backups.Create(ctx, rec); err != nil {
		if errors.Is(err, store.ErrActiveConflict) {
			log.Warn().Msg("lost start race at the store, dropping event")
			metrics.RecordEventDropped(events.TopicBackupStart, "invariant")
			return
		}
		log.Error().Err(err).Msg("failed to persist backup record")
		metrics.RecordEventDropped(events.TopicBackupStart, "store_error")
		return
	}

	if err := s.plans.SetActive(ctx, plan.ID, true); err != nil {
		log.Warn().Err(err).Msg("failed to mark plan active")
	}

	// Remote devices do not get the creation signal: their callers poll
	// instead of waiting on the local event channel.
	if plan.Device().IsLocal() {
		s.publishCreated(ev.PlanID, ev.BackupID, false)
	}
	if err := s.hooks.Run(ctx, hooks.PointBeforeBackup, plan, ev.BackupID); err != nil {
		log.Warn().Err(err).Msg("before-backup hook failed")
	}
	s.notifier.Notify(ctx, notify.KindStart, plan, ev.BackupID, "")
	metrics.RecordEventReconciled(events.TopicBackupStart)
	log.Info().Msg("backup record created")
}

// OnComplete closes the running attempt. The inline summary wins; without
// one the last summary entry of the progress artifact is authoritative.
func (s *BackupEventService) OnComplete(ctx context.Context, ev events.BackupComplete) {
	log := s.logger.With().Str("plan_id", ev.PlanID).Str("backup_id", ev.BackupID).Logger()

	existing, err := s.backups.GetByID(ctx, ev.BackupID)
	if err != nil {
		log.Error().Err(err).Msg("completion for unknown backup, dropping")
		metrics.RecordEventDropped(events.TopicBackupComplete, "not_found")
		return
	}
	// Once the record is terminal (permanent failure or cancellation), a
	// late completion must not resurrect it.
	if !existing.InProgress &&
		(existing.Status == models.StatusFailed || existing.Status == models.StatusCancelled) {
		log.Warn().Str("status", string(existing.Status)).
			Msg("completion for terminal record, dropping stale event")
		metrics.RecordEventDropped(events.TopicBackupComplete, "stale")
		return
	}

	summary := ev.Summary
	if summary == nil {
		var sumErr error
		summary, sumErr = s.progress.LastSummary(progress.KindBackup, ev.BackupID)
		if sumErr != nil && !errors.Is(sumErr, progress.ErrNoSummary) {
			log.Warn().Err(sumErr).Msg("failed to read progress artifact for summary")
		}
	}

	now := time.Now().UTC()
	status := models.StatusFailed
	if ev.Success {
		status = models.StatusCompleted
	}
	_, err = s.backups.Update(ctx, ev.BackupID, func(rec *models.BackupRecord) {
		rec.InProgress = false
		rec.Status = status
		rec.Success = models.BoolPtr(ev.Success)
		rec.EndedAt = models.TimePtr(now)
		if summary != nil {
			rec.CompletionStats = summary
		}
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to close backup record")
		metrics.RecordEventDropped(events.TopicBackupComplete, "store_error")
		return
	}

	if err := s.plans.SetActive(ctx, ev.PlanID, false); err != nil {
		log.Warn().Err(err).Msg("failed to clear plan active marker")
	}

	plan, planErr := s.plans.GetByID(ctx, ev.PlanID)
	if planErr != nil {
		log.Warn().Err(planErr).Msg("plan lookup failed after completion")
	}

	if ev.Success && plan != nil {
		if _, err := s.plans.Update(ctx, plan.ID, func(p *models.Plan) {
			p.Stats.LastBackupAt = models.TimePtr(now)
		}); err != nil {
			log.Warn().Err(err).Msg("failed to update last backup time")
		}
		if err := s.hooks.Run(ctx, hooks.PointAfterBackup, plan, ev.BackupID); err != nil {
			log.Warn().Err(err).Msg("after-backup hook failed")
		}
		// A failed completion gets no notification here: with retry budget
		// left it would be noise, and without it the permanent-failure path
		// notifies.
		s.notifier.Notify(ctx, notify.KindSuccess, plan, ev.BackupID, "")
	}

	metrics.RecordEventReconciled(events.TopicBackupComplete)
	log.Info().Bool("success", ev.Success).Msg("backup record closed")
}

// OnError records a mid-retry-budget failure; the queue will re-invoke.
func (s *BackupEventService) OnError(ctx context.Context, ev events.BackupError) {
	_, err := s.backups.Update(ctx, ev.BackupID, func(rec *models.BackupRecord) {
		rec.Status = models.StatusRetrying
		rec.ErrorMsg = ev.Error
	})
	if err != nil {
		s.logger.Error().Err(err).Str("backup_id", ev.BackupID).
			Msg("failed to record backup error")
		metrics.RecordEventDropped(events.TopicBackupError, "store_error")
		return
	}
	metrics.RecordEventReconciled(events.TopicBackupError)
	s.logger.Warn().Str("plan_id", ev.PlanID).Str("backup_id", ev.BackupID).
		Str("error", ev.Error).Msg("backup attempt failed, awaiting retry")
}

// OnPermanentFailure makes the record terminal after the retry budget is
// exhausted, notifies, and fires the AfterPermanentFailure hook.
func (s *BackupEventService) OnPermanentFailure(ctx context.Context, ev events.BackupPermanentFailure) {
	log := s.logger.With().Str("plan_id", ev.PlanID).Str("backup_id", ev.BackupID).Logger()

	now := time.Now().UTC()
	_, err := s.backups.Update(ctx, ev.BackupID, func(rec *models.BackupRecord) {
		rec.Status = models.StatusFailed
		rec.ErrorMsg = ev.Error
		rec.Success = models.BoolPtr(false)
		rec.InProgress = false
		rec.EndedAt = models.TimePtr(now)
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to record permanent failure")
		metrics.RecordEventDropped(events.TopicBackupFailed, "store_error")
		return
	}

	if err := s.plans.SetActive(ctx, ev.PlanID, false); err != nil {
		log.Warn().Err(err).Msg("failed to clear plan active marker")
	}

	if plan, planErr := s.plans.GetByID(ctx, ev.PlanID); planErr == nil {
		s.notifier.Notify(ctx, notify.KindFailure, plan, ev.BackupID, ev.Error)
		if err := s.hooks.Run(ctx, hooks.PointAfterFailure, plan, ev.BackupID); err != nil {
			log.Warn().Err(err).Msg("after-failure hook failed")
		}
	} else {
		log.Warn().Err(planErr).Msg("plan lookup failed for failure notification")
	}

	if s.AfterPermanentFailure != nil {
		s.AfterPermanentFailure(ctx, ev.PlanID, ev.BackupID, ev.Error)
	}
	metrics.RecordEventReconciled(events.TopicBackupFailed)
	log.Error().Str("error", ev.Error).Msg("backup permanently failed")
}

// OnStatsUpdate applies repository aggregates to the plan, guarded so a
// partial or failed measurement never clobbers previously good stats.
func (s *BackupEventService) OnStatsUpdate(ctx context.Context, ev events.BackupStatsUpdate) {
	log := s.logger.With().Str("plan_id", ev.PlanID).Logger()

	if ev.Error != "" {
		log.Warn().Str("error", ev.Error).Msg("stats update reported an error, ignoring")
		metrics.RecordEventDropped(events.TopicBackupStatsUpdate, "invalid")
		return
	}
	if !statsUsable(ev.TotalSize, ev.Snapshots) {
		log.Warn().Msg("stats update missing usable size or snapshots, ignoring")
		metrics.RecordEventDropped(events.TopicBackupStatsUpdate, "invalid")
		return
	}

	s.writePlanStats(ctx, ev.PlanID, *ev.TotalSize, len(ev.Snapshots), events.TopicBackupStatsUpdate)
}

// OnPruneEnd applies post-prune aggregates under the same guard; a failed
// prune writes nothing at all.
func (s *BackupEventService) OnPruneEnd(ctx context.Context, ev events.PruneEnd) {
	log := s.logger.With().Str("plan_id", ev.PlanID).Logger()

	if !ev.Success {
		log.Warn().Str("error", ev.Error).Msg("prune failed, plan stats untouched")
		metrics.RecordEventDropped(events.TopicPruneEnd, "invalid")
		return
	}
	if ev.Stats == nil || !statsUsable(&ev.Stats.TotalSize, ev.Stats.Snapshots) {
		log.Warn().Msg("prune reported success without usable stats, ignoring")
		metrics.RecordEventDropped(events.TopicPruneEnd, "invalid")
		return
	}

	s.writePlanStats(ctx, ev.PlanID, ev.Stats.TotalSize, len(ev.Stats.Snapshots), events.TopicPruneEnd)
}

// statsUsable is the aggregate-write guard: a present, positive total size
// and a non-empty snapshot list. Zero size with snapshots present means the
// measurement is not trustworthy.
func statsUsable(totalSize *int64, snapshots []string) bool {
	return totalSize != nil && *totalSize > 0 && len(snapshots) > 0
}

func (s *BackupEventService) writePlanStats(ctx context.Context, planID string, totalSize int64, snapshotCount int, topic string) {
	_, err := s.plans.Update(ctx, planID, func(p *models.Plan) {
		p.Stats.TotalSizeBytes = totalSize
		p.Stats.SnapshotCount = snapshotCount
	})
	if err != nil {
		s.logger.Error().Err(err).Str("plan_id", planID).Msg("failed to write plan stats")
		metrics.RecordEventDropped(topic, "store_error")
		return
	}
	metrics.RecordEventReconciled(topic)
	s.logger.Debug().Str("plan_id", planID).Int64("total_size", totalSize).
		Int("snapshots", snapshotCount).Msg("plan stats updated")
}

func (s *BackupEventService) publishCreated(planID, backupID string, retry bool) {
	err := s.bus.Publish(events.TopicBackupRecordCreated, events.RecordCreated{
		PlanID:   planID,
		BackupID: backupID,
		Retry:    retry,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("backup_id", backupID).
			Msg("failed to publish record-created signal")
	}
}
