// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

package backend

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/fleetback/fleetback/internal/events"
	"github.com/fleetback/fleetback/internal/models"
	"github.com/fleetback/fleetback/internal/strategy"
)

// PruneBackups applies the plan's retention to the repository: the newest
// KeepLast snapshots survive, the rest are deleted. The end event carries
// the post-prune aggregate only on success; a failed prune reports no stats.
func (a *Archiver) PruneBackups(ctx context.Context, plan *models.Plan) (strategy.Result, error) {
	unlock, err := acquireLock(plan.StoragePath)
	if err != nil {
		return strategy.Failed(err.Error()), nil
	}
	defer unlock()

	snaps, err := listArchives(plan.StoragePath)
	if err != nil {
		a.publish(events.TopicPruneEnd, events.PruneEnd{PlanID: plan.ID, Error: err.Error()})
		return strategy.Result{}, err
	}

	removed := 0
	if keep := plan.Settings.KeepLast; keep > 0 && len(snaps) > keep {
		for _, s := range snaps[keep:] {
			if ctxErr := ctx.Err(); ctxErr != nil {
				a.publish(events.TopicPruneEnd, events.PruneEnd{PlanID: plan.ID, Error: ctxErr.Error()})
				return strategy.Result{}, ctxErr
			}
			if err := os.Remove(s.path); err != nil {
				a.publish(events.TopicPruneEnd, events.PruneEnd{PlanID: plan.ID, Error: err.Error()})
				return strategy.Result{}, fmt.Errorf("remove snapshot %s: %w", s.ID, err)
			}
			removed++
		}
	}

	total, ids, err := repoStats(plan.StoragePath)
	if err != nil {
		a.publish(events.TopicPruneEnd, events.PruneEnd{PlanID: plan.ID, Error: err.Error()})
		return strategy.Result{}, err
	}

	a.logger.Info().Str("plan_id", plan.ID).Int("removed", removed).
		Int("remaining", len(ids)).Msg("prune finished")
	a.publish(events.TopicPruneEnd, events.PruneEnd{
		PlanID:  plan.ID,
		Success: true,
		Stats:   &events.PruneStats{TotalSize: total, Snapshots: ids},
	})
	return strategy.OK(nil), nil
}

// UnlockRepo removes the repository's writer lock. Removing an absent lock
// succeeds; unlock is how operators clear a lock left by a crashed process.
func (a *Archiver) UnlockRepo(_ context.Context, plan *models.Plan) (strategy.Result, error) {
	path := filepath.Join(plan.StoragePath, lockFileName)
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return strategy.Result{}, fmt.Errorf("remove repository lock: %w", err)
	}
	a.logger.Info().Str("plan_id", plan.ID).Bool("lock_existed", err == nil).Msg("repository unlocked")
	return strategy.OK(nil), nil
}

// ListSnapshots returns the repository's snapshots, newest first.
func (a *Archiver) ListSnapshots(_ context.Context, plan *models.Plan) (strategy.Result, error) {
	snaps, err := listArchives(plan.StoragePath)
	if err != nil {
		return strategy.Result{}, err
	}
	if snaps == nil {
		snaps = []snapshot{}
	}
	payload, err := json.Marshal(snaps)
	if err != nil {
		return strategy.Result{}, fmt.Errorf("encode snapshot list: %w", err)
	}
	return strategy.OK(payload), nil
}

// snapshotFile describes one entry inside a snapshot.
type snapshotFile struct {
	Path  string `json:"path"`
	Size  int64  `json:"size_bytes"`
	IsDir bool   `json:"is_dir"`
}

// GetSnapshotFiles lists the snapshot's entries under path ("" = all).
func (a *Archiver) GetSnapshotFiles(_ context.Context, plan *models.Plan, snapshotID, path string) (strategy.Result, error) {
	archive, err := findArchive(plan.StoragePath, snapshotID)
	if err != nil {
		return strategy.Failed(err.Error()), nil
	}
	tr, closers, err := openArchive(archive)
	if err != nil {
		return strategy.Result{}, err
	}
	defer closeAll(closers)

	files := []snapshotFile{}
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return strategy.Result{}, fmt.Errorf("read snapshot entry: %w", err)
		}
		if path != "" && !underPrefix(header.Name, path) {
			continue
		}
		files = append(files, snapshotFile{
			Path:  header.Name,
			Size:  header.Size,
			IsDir: header.Typeflag == tar.TypeDir,
		})
	}

	payload, err := json.Marshal(files)
	if err != nil {
		return strategy.Result{}, fmt.Errorf("encode file list: %w", err)
	}
	return strategy.OK(payload), nil
}

// ForgetSnapshot deletes one snapshot from the repository.
func (a *Archiver) ForgetSnapshot(_ context.Context, plan *models.Plan, snapshotID string) (strategy.Result, error) {
	archive, err := findArchive(plan.StoragePath, snapshotID)
	if err != nil {
		return strategy.Failed(err.Error()), nil
	}
	if err := os.Remove(archive); err != nil {
		return strategy.Result{}, fmt.Errorf("remove snapshot %s: %w", snapshotID, err)
	}
	a.logger.Info().Str("plan_id", plan.ID).Str("snapshot_id", snapshotID).Msg("snapshot forgotten")
	return strategy.OK(nil), nil
}
