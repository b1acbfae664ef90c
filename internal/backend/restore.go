// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

package backend

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/fleetback/fleetback/internal/events"
	"github.com/fleetback/fleetback/internal/models"
	"github.com/fleetback/fleetback/internal/progress"
	"github.com/fleetback/fleetback/internal/strategy"
)

// PerformRestore extracts a snapshot into the request's target path. It
// blocks until the restore finishes.
func (a *Archiver) PerformRestore(ctx context.Context, req strategy.RestoreRequest) (strategy.Result, error) {
	archive, err := findArchive(req.Plan.StoragePath, req.BackupID)
	if err != nil {
		return strategy.Failed(err.Error()), nil
	}
	if req.Config.TargetPath == "" {
		return strategy.Failed("restore target path is empty"), nil
	}
	if err := os.MkdirAll(req.Config.TargetPath, 0o750); err != nil {
		return strategy.Result{}, fmt.Errorf("create restore target: %w", err)
	}

	ctx, release := a.track(restoreKey(req.RestoreID), ctx)
	defer release()

	a.publish(events.TopicRestoreStart, events.RestoreStart{
		PlanID:    req.Plan.ID,
		BackupID:  req.BackupID,
		RestoreID: req.RestoreID,
		Config:    req.Config,
	})

	started := time.Now()
	stats, err := extractArchive(ctx, archive, req.Config)
	if err != nil {
		return strategy.Result{}, err
	}
	stats.SnapshotID = req.BackupID
	stats.DurationSeconds = time.Since(started).Seconds()

	if err := a.progress.AppendSummary(progress.KindRestore, req.RestoreID, stats); err != nil {
		a.logger.Warn().Err(err).Str("restore_id", req.RestoreID).Msg("failed to record restore summary")
	}

	a.publish(events.TopicRestoreComplete, events.RestoreComplete{
		PlanID:    req.Plan.ID,
		BackupID:  req.BackupID,
		RestoreID: req.RestoreID,
		Success:   true,
	})

	payload, err := json.Marshal(stats)
	if err != nil {
		return strategy.OK(nil), nil
	}
	return strategy.OK(payload), nil
}

// CancelRestore stops the running restore process.
func (a *Archiver) CancelRestore(_ context.Context, restoreID string) (strategy.Result, error) {
	if !a.cancelRunning(restoreKey(restoreID)) {
		return strategy.Failed(fmt.Sprintf("no restore process running for restore %s", restoreID)), nil
	}
	return strategy.OK(nil), nil
}

// DownloadFiles starts on-demand archive generation for selected files of a
// backup. Generation runs detached from the caller's request; progress
// arrives through the download lifecycle events.
func (a *Archiver) DownloadFiles(ctx context.Context, plan *models.Plan, backupID string, paths []string) (strategy.Result, error) {
	archive, err := findArchive(plan.StoragePath, backupID)
	if err != nil {
		return strategy.Failed(err.Error()), nil
	}
	if a.isRunning(downloadKey(backupID)) {
		return strategy.Failed(fmt.Sprintf("a download is already being generated for backup %s", backupID)), nil
	}

	dir := filepath.Join(plan.StoragePath, downloadDirName)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return strategy.Result{}, fmt.Errorf("create download dir: %w", err)
	}
	dest := filepath.Join(dir, backupID+".tar.gz")

	// The HTTP request context ends when the trigger call returns; the
	// generation itself must outlive it.
	genCtx, release := a.track(downloadKey(backupID), context.WithoutCancel(ctx))

	a.publish(events.TopicDownloadStart, events.DownloadStart{
		BackupID: backupID,
		PlanID:   plan.ID,
	})

	go func() {
		defer release()
		if err := buildDownloadArchive(genCtx, archive, dest, paths); err != nil {
			os.Remove(dest) //nolint:errcheck // partial archive cleanup
			a.logger.Error().Err(err).Str("backup_id", backupID).Msg("download generation failed")
			a.publish(events.TopicDownloadError, events.DownloadError{
				BackupID: backupID,
				PlanID:   plan.ID,
				Error:    err.Error(),
			})
			return
		}
		a.publish(events.TopicDownloadComplete, events.DownloadComplete{
			BackupID: backupID,
			PlanID:   plan.ID,
			Success:  true,
		})
	}()

	return strategy.OK(nil), nil
}

// openArchive returns a tar reader over the snapshot, transparently
// handling gzip. Closers must be closed in reverse order.
func openArchive(path string) (*tar.Reader, []io.Closer, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path is resolved inside the repository
	if err != nil {
		return nil, nil, fmt.Errorf("open snapshot: %w", err)
	}
	closers := []io.Closer{f}
	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close() //nolint:errcheck // best effort cleanup
			return nil, nil, fmt.Errorf("open gzip stream: %w", err)
		}
		closers = append(closers, gz)
		r = gz
	}
	return tar.NewReader(r), closers, nil
}

func closeAll(closers []io.Closer) {
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i].Close() //nolint:errcheck // best effort cleanup
	}
}

// wantPath applies the restore config's include/exclude prefix filters.
func wantPath(name string, cfg models.RestoreConfig) bool {
	for _, ex := range cfg.Exclude {
		if underPrefix(name, ex) {
			return false
		}
	}
	if len(cfg.Include) == 0 {
		return true
	}
	for _, in := range cfg.Include {
		if underPrefix(name, in) {
			return true
		}
	}
	return false
}

// underPrefix reports whether name equals prefix or lives beneath it.
func underPrefix(name, prefix string) bool {
	prefix = strings.Trim(filepath.ToSlash(prefix), "/")
	if prefix == "" {
		return true
	}
	return name == prefix || strings.HasPrefix(name, prefix+"/")
}

// safeDestPath joins name under root, rejecting traversal outside it.
func safeDestPath(root, name string) (string, error) {
	dest := filepath.Join(root, filepath.FromSlash(name))
	if !strings.HasPrefix(dest, filepath.Clean(root)+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid file path in snapshot: %s", name)
	}
	return dest, nil
}

// extractArchive materializes the snapshot's entries into the target path,
// honoring include/exclude filters and the overwrite flag.
func extractArchive(ctx context.Context, archive string, cfg models.RestoreConfig) (*models.CompletionStats, error) {
	tr, closers, err := openArchive(archive)
	if err != nil {
		return nil, err
	}
	defer closeAll(closers)

	stats := &models.CompletionStats{}
	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read snapshot entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg || !wantPath(header.Name, cfg) {
			continue
		}

		dest, err := safeDestPath(cfg.TargetPath, header.Name)
		if err != nil {
			return nil, err
		}
		if !cfg.Overwrite {
			if _, err := os.Stat(dest); err == nil {
				stats.FilesUnmodified++
				continue
			}
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
			return nil, fmt.Errorf("create directory for %s: %w", header.Name, err)
		}

		f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(header.Mode)&0o777) //nolint:gosec // G304: dest validated against target root
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", header.Name, err)
		}
		n, err := io.CopyN(f, tr, header.Size)
		closeErr := f.Close()
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("extract %s: %w", header.Name, err)
		}
		if closeErr != nil {
			return nil, fmt.Errorf("finalize %s: %w", header.Name, closeErr)
		}
		stats.FilesNew++
		stats.BytesProcessed += n
	}
	return stats, nil
}

// buildDownloadArchive copies the selected entries of a snapshot into a
// fresh gzip-compressed archive.
func buildDownloadArchive(ctx context.Context, archive, dest string, paths []string) error {
	tr, closers, err := openArchive(archive)
	if err != nil {
		return err
	}
	defer closeAll(closers)

	out, err := os.Create(dest) //nolint:gosec // G304: dest lives inside the repository
	if err != nil {
		return fmt.Errorf("create download archive: %w", err)
	}
	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	selector := models.RestoreConfig{Include: paths}
	matched := 0
	var copyErr error
	for {
		if copyErr = ctx.Err(); copyErr != nil {
			break
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			copyErr = fmt.Errorf("read snapshot entry: %w", err)
			break
		}
		if header.Typeflag != tar.TypeReg || !wantPath(header.Name, selector) {
			continue
		}
		if err := tw.WriteHeader(header); err != nil {
			copyErr = fmt.Errorf("write entry %s: %w", header.Name, err)
			break
		}
		if _, err := io.CopyN(tw, tr, header.Size); err != nil && !errors.Is(err, io.EOF) {
			copyErr = fmt.Errorf("copy entry %s: %w", header.Name, err)
			break
		}
		matched++
	}

	for _, c := range []io.Closer{tw, gz, out} {
		if err := c.Close(); err != nil && copyErr == nil {
			copyErr = fmt.Errorf("finalize download archive: %w", err)
		}
	}
	if copyErr != nil {
		return copyErr
	}
	if len(paths) > 0 && matched == 0 {
		return fmt.Errorf("no snapshot entries matched the requested paths")
	}
	return nil
}
