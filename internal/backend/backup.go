// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

package backend

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"github.com/fleetback/fleetback/internal/events"
	"github.com/fleetback/fleetback/internal/models"
	"github.com/fleetback/fleetback/internal/progress"
	"github.com/fleetback/fleetback/internal/strategy"
)

// progressEvery is how many files pass between live progress entries.
const progressEvery = 1000

// PerformBackup archives the plan's source into a new snapshot. It blocks
// until the attempt finishes; the queue owns retry scheduling, so an
// infrastructure error consumes one attempt.
func (a *Archiver) PerformBackup(ctx context.Context, plan *models.Plan, backupID string) (strategy.Result, error) {
	src, err := sourceDir(plan)
	if err != nil {
		return strategy.Failed(err.Error()), nil
	}
	if plan.Encryption != "" && plan.Encryption != "none" {
		return strategy.Failed(fmt.Sprintf("encryption %q is not supported by the local backend", plan.Encryption)), nil
	}
	dest, err := archivePath(plan, backupID)
	if err != nil {
		return strategy.Failed(err.Error()), nil
	}
	if err := os.MkdirAll(plan.StoragePath, 0o750); err != nil {
		return strategy.Result{}, fmt.Errorf("create repository dir: %w", err)
	}

	unlock, err := acquireLock(plan.StoragePath)
	if err != nil {
		return strategy.Failed(err.Error()), nil
	}
	defer unlock()

	ctx, release := a.track(backupKey(plan.ID), ctx)
	defer release()

	totalFiles, totalBytes, err := scanSource(src)
	if err != nil {
		return strategy.Result{}, fmt.Errorf("scan source: %w", err)
	}

	a.publish(events.TopicBackupStart, events.BackupStart{
		PlanID:   plan.ID,
		BackupID: backupID,
		Summary:  &models.TaskStats{FilesTotal: totalFiles, BytesTotal: totalBytes},
	})

	started := time.Now()
	stats, err := a.writeArchive(ctx, src, dest, plan.Compression != "none", backupID, totalFiles, totalBytes)
	if err != nil {
		os.Remove(dest) //nolint:errcheck // partial archive cleanup
		return strategy.Result{}, err
	}
	stats.SnapshotID = backupID
	stats.DurationSeconds = time.Since(started).Seconds()

	if err := a.progress.AppendSummary(progress.KindBackup, backupID, stats); err != nil {
		a.logger.Warn().Err(err).Str("backup_id", backupID).Msg("failed to record backup summary")
	}

	a.publish(events.TopicBackupComplete, events.BackupComplete{
		PlanID:   plan.ID,
		BackupID: backupID,
		Success:  true,
		Summary:  stats,
	})
	a.publishRepoStats(plan.ID, backupID, plan.StoragePath)

	payload, err := json.Marshal(stats)
	if err != nil {
		return strategy.OK(nil), nil
	}
	return strategy.OK(payload), nil
}

// CancelBackup stops the plan's running backup process.
func (a *Archiver) CancelBackup(_ context.Context, planID string) (strategy.Result, error) {
	if !a.cancelRunning(backupKey(planID)) {
		return strategy.Failed(fmt.Sprintf("no backup process running for plan %s", planID)), nil
	}
	return strategy.OK(nil), nil
}

// PauseBackup is not supported: a tar stream cannot be suspended and
// resumed across process restarts.
func (a *Archiver) PauseBackup(context.Context, string) (strategy.Result, error) {
	return strategy.Result{}, strategy.ErrUnsupported
}

// ResumeBackup is not supported, matching PauseBackup.
func (a *Archiver) ResumeBackup(context.Context, string) (strategy.Result, error) {
	return strategy.Result{}, strategy.ErrUnsupported
}

// GetBackupProgress returns the latest raw progress document for a backup.
func (a *Archiver) GetBackupProgress(_ context.Context, backupID string) (strategy.Result, error) {
	entries, err := a.progress.Read(progress.KindBackup, backupID)
	if err != nil {
		return strategy.Result{}, err
	}
	if len(entries) == 0 {
		return strategy.Failed(fmt.Sprintf("no progress recorded for backup %s", backupID)), nil
	}
	return strategy.OK(entries[len(entries)-1].Data), nil
}

// scanSource pre-walks the source tree so progress events can report totals.
func scanSource(src string) (files, bytes int64, err error) {
	err = filepath.WalkDir(src, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files++
		bytes += info.Size()
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return files, bytes, nil
}

// writeArchive streams the source tree into dest, checking for cancellation
// between files and recording live progress.
func (a *Archiver) writeArchive(
	ctx context.Context,
	src, dest string,
	compress bool,
	backupID string,
	totalFiles, totalBytes int64,
) (*models.CompletionStats, error) {
	out, err := os.Create(dest) //nolint:gosec // G304: dest is derived from plan storage config
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	closers := []io.Closer{out}

	var tarDest io.Writer = out
	if compress {
		gz := gzip.NewWriter(out)
		closers = append(closers, gz)
		tarDest = gz
	}
	tw := tar.NewWriter(tarDest)
	closers = append(closers, tw)

	stats := &models.CompletionStats{}
	var filesDone, bytesDone int64

	walkErr := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("build header for %s: %w", rel, err)
		}
		header.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write header for %s: %w", rel, err)
		}

		f, err := os.Open(path) //nolint:gosec // G304: path comes from the walked source tree
		if err != nil {
			return err
		}
		n, err := io.Copy(tw, f)
		f.Close() //nolint:errcheck // read-only handle
		if err != nil {
			return fmt.Errorf("archive %s: %w", rel, err)
		}

		filesDone++
		bytesDone += n
		if filesDone%progressEvery == 0 {
			a.recordProgress(backupID, filesDone, bytesDone, totalFiles, totalBytes)
		}
		return nil
	})

	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil && walkErr == nil {
			walkErr = fmt.Errorf("finalize archive: %w", err)
		}
	}
	if walkErr != nil {
		return nil, walkErr
	}

	stats.FilesNew = filesDone
	stats.BytesProcessed = bytesDone
	if info, err := os.Stat(dest); err == nil {
		stats.BytesAdded = info.Size()
	}
	return stats, nil
}

// recordProgress appends a live status entry to the progress artifact.
func (a *Archiver) recordProgress(backupID string, filesDone, bytesDone, totalFiles, totalBytes int64) {
	ts := models.TaskStats{
		FilesDone:  filesDone,
		FilesTotal: totalFiles,
		BytesDone:  bytesDone,
		BytesTotal: totalBytes,
	}
	if totalBytes > 0 {
		ts.PercentDone = float64(bytesDone) / float64(totalBytes)
	}
	data, err := json.Marshal(ts)
	if err != nil {
		return
	}
	if err := a.progress.Append(progress.KindBackup, backupID, progress.Entry{
		Type: progress.EntryTypeStatus,
		Data: data,
	}); err != nil {
		a.logger.Warn().Err(err).Str("backup_id", backupID).Msg("failed to append progress entry")
	}
}

// publishRepoStats emits the repository aggregate after a successful backup.
func (a *Archiver) publishRepoStats(planID, backupID, storagePath string) {
	total, ids, err := repoStats(storagePath)
	if err != nil {
		a.publish(events.TopicBackupStatsUpdate, events.BackupStatsUpdate{
			PlanID:   planID,
			BackupID: backupID,
			Error:    err.Error(),
		})
		return
	}
	a.publish(events.TopicBackupStatsUpdate, events.BackupStatsUpdate{
		PlanID:    planID,
		BackupID:  backupID,
		TotalSize: &total,
		Snapshots: ids,
	})
}
