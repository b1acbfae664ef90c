// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetback/fleetback/internal/events"
	"github.com/fleetback/fleetback/internal/logging"
	"github.com/fleetback/fleetback/internal/metrics"
	"github.com/fleetback/fleetback/internal/models"
	"github.com/fleetback/fleetback/internal/store"
)

// DownloadEventService maintains the download sub-state embedded in a
// backup record. Three events, no retry budget, and every write is a
// merge-patch so fields set by an earlier event survive later ones.
type DownloadEventService struct {
	backups store.BackupStore
	logger  zerolog.Logger
}

// NewDownloadEventService wires the download reconciliation service.
func NewDownloadEventService(backups store.BackupStore) *DownloadEventService {
	return &DownloadEventService{
		backups: backups,
		logger:  logging.With().Str("component", "download_events").Logger(),
	}
}

func (s *DownloadEventService) patch(ctx context.Context, topic, backupID string, patch models.DownloadState) {
	_, err := s.backups.Update(ctx, backupID, func(rec *models.BackupRecord) {
		merged := rec.Download.Merge(patch)
		rec.Download = &merged
	})
	if err != nil {
		s.logger.Error().Err(err).Str("backup_id", backupID).Str("topic", topic).
			Msg("failed to patch download state")
		metrics.RecordEventDropped(topic, "store_error")
		return
	}
	metrics.RecordEventReconciled(topic)
}

// OnStart marks archive generation running.
func (s *DownloadEventService) OnStart(ctx context.Context, ev events.DownloadStart) {
	s.patch(ctx, events.TopicDownloadStart, ev.BackupID, models.DownloadState{
		Status:    models.DownloadStarted,
		StartedAt: models.TimePtr(time.Now().UTC()),
	})
	s.logger.Info().Str("backup_id", ev.BackupID).Msg("download started")
}

// OnComplete marks the archive ready (or failed, when the backend reports
// an unsuccessful completion).
func (s *DownloadEventService) OnComplete(ctx context.Context, ev events.DownloadComplete) {
	status := models.DownloadComplete
	if !ev.Success {
		status = models.DownloadFailed
	}
	s.patch(ctx, events.TopicDownloadComplete, ev.BackupID, models.DownloadState{
		Status:  status,
		EndedAt: models.TimePtr(time.Now().UTC()),
	})
	s.logger.Info().Str("backup_id", ev.BackupID).Bool("success", ev.Success).
		Msg("download finished")
}

// OnError marks archive generation failed.
func (s *DownloadEventService) OnError(ctx context.Context, ev events.DownloadError) {
	s.patch(ctx, events.TopicDownloadError, ev.BackupID, models.DownloadState{
		Status:  models.DownloadFailed,
		Error:   ev.Error,
		EndedAt: models.TimePtr(time.Now().UTC()),
	})
	s.logger.Warn().Str("backup_id", ev.BackupID).Str("error", ev.Error).
		Msg("download failed")
}
