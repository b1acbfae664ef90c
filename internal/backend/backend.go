// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

// Package backend is the local execution backend: it runs backup, restore,
// prune, and download operations against filesystem sources on the node the
// engine itself runs on, and publishes lifecycle events on the bus as the
// work progresses.
//
// Each backup attempt materializes as one tar archive (gzip-compressed
// unless the plan says otherwise) in the plan's storage path; the archive
// file is the snapshot. A repository lock file serializes writers per
// storage path, and UnlockRepo clears a stale one.
package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fleetback/fleetback/internal/logging"
	"github.com/fleetback/fleetback/internal/models"
	"github.com/fleetback/fleetback/internal/progress"
	"github.com/fleetback/fleetback/internal/strategy"
)

// SourceTypeFilesystem is the only source type the local archiver executes.
const SourceTypeFilesystem = "filesystem"

// lockFileName is the per-repository writer lock.
const lockFileName = ".fleetback.lock"

// downloadDirName holds generated on-demand archives inside a repository.
const downloadDirName = "downloads"

// ErrRepoLocked is reported when another operation holds the repository.
var ErrRepoLocked = errors.New("repository is locked by another operation")

// Publisher is the slice of the event bus the backend needs.
type Publisher interface {
	Publish(topic string, v any) error
}

// Archiver implements strategy.Backend with tar archives on the local
// filesystem. All lifecycle progress is reported through bus events; return
// values only carry the immediate outcome of starting or controlling an
// operation.
type Archiver struct {
	bus      Publisher
	progress *progress.Store
	logger   zerolog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

var _ strategy.Backend = (*Archiver)(nil)

// NewArchiver builds the local backend.
func NewArchiver(bus Publisher, prog *progress.Store) *Archiver {
	return &Archiver{
		bus:      bus,
		progress: prog,
		logger:   logging.With().Str("component", "backend").Logger(),
		running:  make(map[string]context.CancelFunc),
	}
}

// publish sends an event, logging delivery failures. Event emission is
// fire-and-forget: the emission path has no caller to receive an error.
func (a *Archiver) publish(topic string, v any) {
	if a.bus == nil {
		return
	}
	if err := a.bus.Publish(topic, v); err != nil {
		a.logger.Error().Err(err).Str("topic", topic).Msg("failed to publish lifecycle event")
	}
}

// track registers a cancellable context under key so control verbs can reach
// the running operation. The returned release must be deferred.
func (a *Archiver) track(key string, ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.running[key] = cancel
	a.mu.Unlock()
	return ctx, func() {
		cancel()
		a.mu.Lock()
		delete(a.running, key)
		a.mu.Unlock()
	}
}

// cancelRunning cancels the operation tracked under key, reporting whether
// one was running.
func (a *Archiver) cancelRunning(key string) bool {
	a.mu.Lock()
	cancel, ok := a.running[key]
	a.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// isRunning reports whether an operation is tracked under key.
func (a *Archiver) isRunning(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.running[key]
	return ok
}

func backupKey(planID string) string     { return "backup:" + planID }
func restoreKey(restoreID string) string { return "restore:" + restoreID }
func downloadKey(backupID string) string { return "download:" + backupID }

// sourceDir resolves and checks the plan's filesystem source root.
func sourceDir(plan *models.Plan) (string, error) {
	if plan.SourceType != "" && plan.SourceType != SourceTypeFilesystem {
		return "", fmt.Errorf("source type %q is not supported by the local backend", plan.SourceType)
	}
	src := plan.SourceConfig["path"]
	if src == "" {
		return "", fmt.Errorf("plan %s has no source path configured", plan.ID)
	}
	info, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("source path %s: %w", src, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("source path %s is not a directory", src)
	}
	return src, nil
}

// archiveExt picks the snapshot file extension from the plan's compression
// setting.
func archiveExt(plan *models.Plan) (string, error) {
	switch plan.Compression {
	case "", "gzip":
		return ".tar.gz", nil
	case "none":
		return ".tar", nil
	default:
		return "", fmt.Errorf("compression %q is not supported by the local backend", plan.Compression)
	}
}

// archivePath is where a new snapshot for backupID is written.
func archivePath(plan *models.Plan, backupID string) (string, error) {
	ext, err := archiveExt(plan)
	if err != nil {
		return "", err
	}
	return filepath.Join(plan.StoragePath, backupID+ext), nil
}

// findArchive locates an existing snapshot regardless of compression.
func findArchive(storagePath, backupID string) (string, error) {
	for _, ext := range []string{".tar.gz", ".tar"} {
		path := filepath.Join(storagePath, backupID+ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no snapshot found for backup %s", backupID)
}

// snapshot describes one archive in a repository.
type snapshot struct {
	ID      string `json:"id"`
	Size    int64  `json:"size_bytes"`
	ModTime int64  `json:"mod_time_unix"`
	path    string
}

// listArchives returns the repository's snapshots, newest first.
func listArchives(storagePath string) ([]snapshot, error) {
	entries, err := os.ReadDir(storagePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read repository %s: %w", storagePath, err)
	}

	var snaps []snapshot
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		var id string
		switch {
		case strings.HasSuffix(name, ".tar.gz"):
			id = strings.TrimSuffix(name, ".tar.gz")
		case strings.HasSuffix(name, ".tar"):
			id = strings.TrimSuffix(name, ".tar")
		default:
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		snaps = append(snaps, snapshot{
			ID:      id,
			Size:    info.Size(),
			ModTime: info.ModTime().Unix(),
			path:    filepath.Join(storagePath, name),
		})
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ModTime > snaps[j].ModTime })
	return snaps, nil
}

// repoStats sums the repository's snapshots into the aggregate the stats
// events carry.
func repoStats(storagePath string) (total int64, ids []string, err error) {
	snaps, err := listArchives(storagePath)
	if err != nil {
		return 0, nil, err
	}
	for _, s := range snaps {
		total += s.Size
		ids = append(ids, s.ID)
	}
	return total, ids, nil
}

// acquireLock takes the repository writer lock. The returned release removes
// the lock file.
func acquireLock(storagePath string) (func(), error) {
	path := filepath.Join(storagePath, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("%w (%s)", ErrRepoLocked, path)
	}
	if err != nil {
		return nil, fmt.Errorf("create repository lock: %w", err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close() //nolint:errcheck // lock content is advisory

	return func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logging.Warn().Err(err).Str("path", path).Msg("failed to remove repository lock")
		}
	}, nil
}
