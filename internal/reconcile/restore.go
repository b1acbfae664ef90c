// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetback/fleetback/internal/events"
	"github.com/fleetback/fleetback/internal/logging"
	"github.com/fleetback/fleetback/internal/metrics"
	"github.com/fleetback/fleetback/internal/models"
	"github.com/fleetback/fleetback/internal/notify"
	"github.com/fleetback/fleetback/internal/progress"
	"github.com/fleetback/fleetback/internal/store"
)

// RestoreEventService drives the RestoreRecord state machine.
//
// Restores deliberately diverge from backups: the referenced backup must
// exist, there is no retry-detection branch on start, and an error event
// leaves the restore running (InProgress stays true) while a failed event is
// terminal. The error/failed distinction is load-bearing.
type RestoreEventService struct {
	plans    store.PlanStore
	backups  store.BackupStore
	restores store.RestoreStore
	progress *progress.Store
	bus      Publisher
	notifier notify.Notifier
	logger   zerolog.Logger
}

// NewRestoreEventService wires the restore reconciliation service.
func NewRestoreEventService(
	plans store.PlanStore,
	backups store.BackupStore,
	restores store.RestoreStore,
	prog *progress.Store,
	bus Publisher,
	notifier notify.Notifier,
) *RestoreEventService {
	return &RestoreEventService{
		plans:    plans,
		backups:  backups,
		restores: restores,
		progress: prog,
		bus:      bus,
		notifier: notifier,
		logger:   logging.With().Str("component", "restore_events").Logger(),
	}
}

// OnStart creates the restore record. Unlike backups there is no plan-level
// fallback: the backup being restored must exist.
func (s *RestoreEventService) OnStart(ctx context.Context, ev events.RestoreStart) {
	log := s.logger.With().Str("plan_id", ev.PlanID).Str("backup_id", ev.BackupID).
		Str("restore_id", ev.RestoreID).Logger()

	backup, err := s.backups.GetByID(ctx, ev.BackupID)
	if err != nil {
		log.Error().Err(err).Msg("start event for unknown backup, dropping")
		metrics.RecordEventDropped(events.TopicRestoreStart, "not_found")
		return
	}

	rec := &models.RestoreRecord{
		ID:         ev.RestoreID,
		BackupID:   ev.BackupID,
		PlanID:     ev.PlanID,
		Status:     models.StatusStarted,
		InProgress: true,
		Config:     ev.Config,
		StartedAt:  time.Now().UTC(),
		TaskStats:  ev.Stats,
	}
	if err := rec.Validate(); err != nil {
		log.Error().Err(err).Msg("restore record failed validation, dropping event")
		metrics.RecordEventDropped(events.TopicRestoreStart, "malformed")
		return
	}

	if err := s.restores.Create(ctx, rec); err != nil {
		switch {
		case errors.Is(err, store.ErrActiveConflict):
			log.Warn().Msg("another restore is active for this backup, dropping event")
			metrics.RecordEventDropped(events.TopicRestoreStart, "invariant")
		case errors.Is(err, store.ErrAlreadyExists):
			log.Warn().Msg("restore record already exists, dropping replayed start")
			metrics.RecordEventDropped(events.TopicRestoreStart, "stale")
		default:
			log.Error().Err(err).Msg("failed to persist restore record")
			metrics.RecordEventDropped(events.TopicRestoreStart, "store_error")
		}
		return
	}

	if backup.Device().IsLocal() {
		err := s.bus.Publish(events.TopicRestoreRecordCreated, events.RecordCreated{
			PlanID:    ev.PlanID,
			BackupID:  ev.BackupID,
			RestoreID: ev.RestoreID,
		})
		if err != nil {
			log.Error().Err(err).Msg("failed to publish record-created signal")
		}
	}

	if plan, planErr := s.plans.GetByID(ctx, ev.PlanID); planErr == nil {
		s.notifier.Notify(ctx, notify.KindStart, plan, ev.RestoreID, "")
	}
	metrics.RecordEventReconciled(events.TopicRestoreStart)
	log.Info().Msg("restore record created")
}

// OnError records a recoverable restore failure. The restore stays running.
func (s *RestoreEventService) OnError(ctx context.Context, ev events.RestoreError) {
	restoreID := ev.RestoreID
	if restoreID == "" {
		// Older agents omit the restore id on error; resolve it through the
		// backup's single in-progress restore.
		found, err := s.activeRestoreID(ctx, ev.BackupID)
		if err != nil {
			s.logger.Error().Err(err).Str("backup_id", ev.BackupID).
				Msg("cannot resolve restore for error event, dropping")
			metrics.RecordEventDropped(events.TopicRestoreError, "not_found")
			return
		}
		restoreID = found
	}

	_, err := s.restores.Update(ctx, restoreID, func(rec *models.RestoreRecord) {
		rec.Status = models.StatusRetrying
		rec.ErrorMsg = ev.Error
		rec.InProgress = true
	})
	if err != nil {
		s.logger.Error().Err(err).Str("restore_id", restoreID).
			Msg("failed to record restore error")
		metrics.RecordEventDropped(events.TopicRestoreError, "store_error")
		return
	}
	metrics.RecordEventReconciled(events.TopicRestoreError)
	s.logger.Warn().Str("restore_id", restoreID).Str("error", ev.Error).
		Msg("restore reported a recoverable error, still running")
}

// OnFailed makes the restore terminal.
func (s *RestoreEventService) OnFailed(ctx context.Context, ev events.RestoreFailed) {
	now := time.Now().UTC()
	_, err := s.restores.Update(ctx, ev.RestoreID, func(rec *models.RestoreRecord) {
		rec.Status = models.StatusFailed
		rec.ErrorMsg = ev.Error
		rec.Success = models.BoolPtr(false)
		rec.InProgress = false
		rec.EndedAt = models.TimePtr(now)
	})
	if err != nil {
		s.logger.Error().Err(err).Str("restore_id", ev.RestoreID).
			Msg("failed to record restore failure")
		metrics.RecordEventDropped(events.TopicRestoreFailed, "store_error")
		return
	}

	if plan, planErr := s.plans.GetByID(ctx, ev.PlanID); planErr == nil {
		s.notifier.Notify(ctx, notify.KindFailure, plan, ev.RestoreID, ev.Error)
	}
	metrics.RecordEventReconciled(events.TopicRestoreFailed)
	s.logger.Error().Str("restore_id", ev.RestoreID).Str("error", ev.Error).
		Msg("restore failed")
}

// OnComplete closes the restore, resolving the summary from the progress
// artifact when the event has none.
func (s *RestoreEventService) OnComplete(ctx context.Context, ev events.RestoreComplete) {
	log := s.logger.With().Str("restore_id", ev.RestoreID).Logger()

	existing, err := s.restores.GetByID(ctx, ev.RestoreID)
	if err != nil {
		log.Error().Err(err).Msg("completion for unknown restore, dropping")
		metrics.RecordEventDropped(events.TopicRestoreComplete, "not_found")
		return
	}
	// A restore that already failed terminally stays failed; a late
	// completion must not resurrect it.
	if !existing.InProgress && existing.Status == models.StatusFailed {
		log.Warn().Msg("completion for terminal restore, dropping stale event")
		metrics.RecordEventDropped(events.TopicRestoreComplete, "stale")
		return
	}

	summary, sumErr := s.progress.LastSummary(progress.KindRestore, ev.RestoreID)
	if sumErr != nil && !errors.Is(sumErr, progress.ErrNoSummary) {
		log.Warn().Err(sumErr).Msg("failed to read restore progress artifact")
	}

	now := time.Now().UTC()
	status := models.StatusFailed
	if ev.Success {
		status = models.StatusCompleted
	}
	_, err = s.restores.Update(ctx, ev.RestoreID, func(rec *models.RestoreRecord) {
		rec.InProgress = false
		rec.Status = status
		rec.Success = models.BoolPtr(ev.Success)
		rec.EndedAt = models.TimePtr(now)
		if summary != nil {
			rec.CompletionStats = summary
		}
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to close restore record")
		metrics.RecordEventDropped(events.TopicRestoreComplete, "store_error")
		return
	}

	if ev.Success {
		if plan, planErr := s.plans.GetByID(ctx, ev.PlanID); planErr == nil {
			s.notifier.Notify(ctx, notify.KindSuccess, plan, ev.RestoreID, "")
		}
	}
	metrics.RecordEventReconciled(events.TopicRestoreComplete)
	log.Info().Bool("success", ev.Success).Msg("restore record closed")
}

func (s *RestoreEventService) activeRestoreID(ctx context.Context, backupID string) (string, error) {
	recs, err := s.restores.ListByBackup(ctx, backupID)
	if err != nil {
		return "", err
	}
	for _, rec := range recs {
		if rec.InProgress {
			return rec.ID, nil
		}
	}
	return "", store.ErrNotFound
}
