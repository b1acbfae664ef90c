// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/fleetback/fleetback/internal/models"
)

// withStores runs the test against both implementations, so behavior
// divergence between memory and badger shows up immediately.
func withStores(t *testing.T, run func(t *testing.T, s Stores)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		run(t, NewMemoryStores())
	})

	t.Run("badger", func(t *testing.T) {
		db, err := Open(t.TempDir())
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		t.Cleanup(func() {
			if err := db.Close(); err != nil {
				t.Errorf("Close() error = %v", err)
			}
		})
		run(t, NewBadgerStores(db))
	})
}

func TestPlanStoreCRUD(t *testing.T) {
	withStores(t, func(t *testing.T, s Stores) {
		ctx := context.Background()
		plan := &models.Plan{ID: "p1", Name: "home", SourceID: models.LocalDeviceID, StorageID: "s1"}

		if err := s.Plans.Create(ctx, plan); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if err := s.Plans.Create(ctx, plan); !errors.Is(err, ErrAlreadyExists) {
			t.Errorf("duplicate Create() error = %v, want ErrAlreadyExists", err)
		}

		got, err := s.Plans.GetByID(ctx, "p1")
		if err != nil {
			t.Fatalf("GetByID() error = %v", err)
		}
		if got.Name != "home" {
			t.Errorf("plan name = %q", got.Name)
		}

		updated, err := s.Plans.Update(ctx, "p1", func(p *models.Plan) { p.Name = "home-v2" })
		if err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if updated.Name != "home-v2" {
			t.Errorf("updated name = %q", updated.Name)
		}

		plans, err := s.Plans.List(ctx)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(plans) != 1 {
			t.Errorf("List() returned %d plans, want 1", len(plans))
		}

		if err := s.Plans.Delete(ctx, "p1"); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if _, err := s.Plans.GetByID(ctx, "p1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetByID() after delete error = %v, want ErrNotFound", err)
		}
	})
}

func TestPlanStoreStatsAndActiveMarker(t *testing.T) {
	withStores(t, func(t *testing.T, s Stores) {
		ctx := context.Background()
		plan := &models.Plan{ID: "p1", Name: "home", SourceID: models.LocalDeviceID, StorageID: "s1"}
		if err := s.Plans.Create(ctx, plan); err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		if err := s.Plans.UpdateStats(ctx, "p1", models.PlanStats{
			TotalSizeBytes: 4096, SnapshotCount: 2,
		}); err != nil {
			t.Fatalf("UpdateStats() error = %v", err)
		}

		got, err := s.Plans.GetByID(ctx, "p1")
		if err != nil {
			t.Fatalf("GetByID() error = %v", err)
		}
		if got.Stats.TotalSizeBytes != 4096 {
			t.Errorf("stats total size = %d, want 4096", got.Stats.TotalSizeBytes)
		}
		if got.Stats.SnapshotCount != 2 {
			t.Errorf("stats snapshot count = %d, want 2", got.Stats.SnapshotCount)
		}

		// The active marker is presentation state; setting and clearing it
		// must both succeed even though no read path exposes it directly.
		if err := s.Plans.SetActive(ctx, "p1", true); err != nil {
			t.Fatalf("SetActive(true) error = %v", err)
		}
		if err := s.Plans.SetActive(ctx, "p1", false); err != nil {
			t.Fatalf("SetActive(false) error = %v", err)
		}
	})
}

func TestBackupStoreEnforcesSingleActive(t *testing.T) {
	withStores(t, func(t *testing.T, s Stores) {
		ctx := context.Background()

		first := &models.BackupRecord{
			ID: "b1", PlanID: "p1", SourceID: models.LocalDeviceID, StorageID: "s1",
			Status: models.StatusStarted, InProgress: true,
		}
		if err := s.Backups.Create(ctx, first); err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		second := &models.BackupRecord{
			ID: "b2", PlanID: "p1", SourceID: models.LocalDeviceID, StorageID: "s1",
			Status: models.StatusStarted, InProgress: true,
		}
		if err := s.Backups.Create(ctx, second); !errors.Is(err, ErrActiveConflict) {
			t.Fatalf("second active Create() error = %v, want ErrActiveConflict", err)
		}

		// A finished record for the same plan is fine.
		done := &models.BackupRecord{
			ID: "b3", PlanID: "p1", SourceID: models.LocalDeviceID, StorageID: "s1",
			Status: models.StatusCompleted, InProgress: false,
		}
		if err := s.Backups.Create(ctx, done); err != nil {
			t.Fatalf("finished Create() error = %v", err)
		}

		// Another plan is unaffected.
		other := &models.BackupRecord{
			ID: "b4", PlanID: "p2", SourceID: models.LocalDeviceID, StorageID: "s1",
			Status: models.StatusStarted, InProgress: true,
		}
		if err := s.Backups.Create(ctx, other); err != nil {
			t.Fatalf("other-plan Create() error = %v", err)
		}

		active, err := s.Backups.HasActiveBackups(ctx, "p1")
		if err != nil {
			t.Fatalf("HasActiveBackups() error = %v", err)
		}
		if !active {
			t.Error("HasActiveBackups(p1) = false")
		}

		// Finishing the record clears the invariant for the plan.
		if _, err := s.Backups.Update(ctx, "b1", func(rec *models.BackupRecord) {
			rec.Status = models.StatusCompleted
			rec.InProgress = false
		}); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		active, err = s.Backups.HasActiveBackups(ctx, "p1")
		if err != nil {
			t.Fatalf("HasActiveBackups() error = %v", err)
		}
		if active {
			t.Error("HasActiveBackups(p1) = true after completion")
		}
	})
}

func TestBackupStoreListByPlan(t *testing.T) {
	withStores(t, func(t *testing.T, s Stores) {
		ctx := context.Background()
		for _, id := range []string{"b1", "b2"} {
			rec := &models.BackupRecord{
				ID: id, PlanID: "p1", SourceID: models.LocalDeviceID, StorageID: "s1",
				Status: models.StatusCompleted,
			}
			if err := s.Backups.Create(ctx, rec); err != nil {
				t.Fatalf("Create(%s) error = %v", id, err)
			}
		}
		rec := &models.BackupRecord{
			ID: "b9", PlanID: "p2", SourceID: models.LocalDeviceID, StorageID: "s1",
			Status: models.StatusCompleted,
		}
		if err := s.Backups.Create(ctx, rec); err != nil {
			t.Fatalf("Create(b9) error = %v", err)
		}

		recs, err := s.Backups.ListByPlan(ctx, "p1")
		if err != nil {
			t.Fatalf("ListByPlan() error = %v", err)
		}
		if len(recs) != 2 {
			t.Errorf("ListByPlan(p1) returned %d records, want 2", len(recs))
		}
	})
}

func TestRestoreStoreEnforcesSingleActivePerBackup(t *testing.T) {
	withStores(t, func(t *testing.T, s Stores) {
		ctx := context.Background()

		first := &models.RestoreRecord{
			ID: "r1", BackupID: "b1", PlanID: "p1",
			Status: models.StatusStarted, InProgress: true,
		}
		if err := s.Restores.Create(ctx, first); err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		second := &models.RestoreRecord{
			ID: "r2", BackupID: "b1", PlanID: "p1",
			Status: models.StatusStarted, InProgress: true,
		}
		if err := s.Restores.Create(ctx, second); !errors.Is(err, ErrActiveConflict) {
			t.Fatalf("second active Create() error = %v, want ErrActiveConflict", err)
		}

		activeForBackup, err := s.Restores.HasActiveRestoreForBackup(ctx, "b1")
		if err != nil {
			t.Fatalf("HasActiveRestoreForBackup() error = %v", err)
		}
		if !activeForBackup {
			t.Error("HasActiveRestoreForBackup(b1) = false")
		}

		activeForPlan, err := s.Restores.HasActiveRestore(ctx, "p1")
		if err != nil {
			t.Fatalf("HasActiveRestore() error = %v", err)
		}
		if !activeForPlan {
			t.Error("HasActiveRestore(p1) = false")
		}

		recs, err := s.Restores.ListByBackup(ctx, "b1")
		if err != nil {
			t.Fatalf("ListByBackup() error = %v", err)
		}
		if len(recs) != 1 {
			t.Errorf("ListByBackup(b1) returned %d records, want 1", len(recs))
		}
	})
}

func TestUpdateMissingEntity(t *testing.T) {
	withStores(t, func(t *testing.T, s Stores) {
		ctx := context.Background()
		if _, err := s.Backups.Update(ctx, "nope", func(*models.BackupRecord) {}); !errors.Is(err, ErrNotFound) {
			t.Errorf("Backups.Update() error = %v, want ErrNotFound", err)
		}
		if _, err := s.Restores.Update(ctx, "nope", func(*models.RestoreRecord) {}); !errors.Is(err, ErrNotFound) {
			t.Errorf("Restores.Update() error = %v, want ErrNotFound", err)
		}
		if _, err := s.Plans.Update(ctx, "nope", func(*models.Plan) {}); !errors.Is(err, ErrNotFound) {
			t.Errorf("Plans.Update() error = %v, want ErrNotFound", err)
		}
	})
}
