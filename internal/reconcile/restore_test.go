// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

package reconcile

import (
	"context"
	"testing"

	"github.com/fleetback/fleetback/internal/events"
	"github.com/fleetback/fleetback/internal/models"
	"github.com/fleetback/fleetback/internal/notify"
	"github.com/fleetback/fleetback/internal/progress"
	"github.com/fleetback/fleetback/internal/store"
)

type restoreFixture struct {
	stores   store.Stores
	progress *progress.Store
	bus      *fakePublisher
	notifier *fakeNotifier
	svc      *RestoreEventService
}

func newRestoreFixture(t *testing.T) *restoreFixture {
	t.Helper()
	prog, err := progress.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	stores := store.NewMemoryStores()
	bus := &fakePublisher{}
	notifier := &fakeNotifier{}
	svc := NewRestoreEventService(stores.Plans, stores.Backups, stores.Restores, prog, bus, notifier)
	return &restoreFixture{stores: stores, progress: prog, bus: bus, notifier: notifier, svc: svc}
}

// seedBackup creates the plan and a finished backup record restores refer to.
func (f *restoreFixture) seedBackup(t *testing.T, planID, backupID, sourceID string) {
	t.Helper()
	ctx := context.Background()
	if err := f.stores.Plans.Create(ctx, testPlan(planID, sourceID)); err != nil {
		t.Fatalf("Create plan error = %v", err)
	}
	rec := &models.BackupRecord{
		ID:        backupID,
		PlanID:    planID,
		SourceID:  sourceID,
		StorageID: "s1",
		Status:    models.StatusCompleted,
		Success:   models.BoolPtr(true),
	}
	if err := f.stores.Backups.Create(ctx, rec); err != nil {
		t.Fatalf("Create backup error = %v", err)
	}
}

func TestRestoreOnStartRequiresBackup(t *testing.T) {
	f := newRestoreFixture(t)
	ctx := context.Background()

	f.svc.OnStart(ctx, events.RestoreStart{
		PlanID: "p1", BackupID: "missing", RestoreID: "r1",
	})

	if _, err := f.stores.Restores.GetByID(ctx, "r1"); err == nil {
		t.Fatal("restore record created for a nonexistent backup")
	}
}

func TestRestoreOnStartCreatesRecord(t *testing.T) {
	f := newRestoreFixture(t)
	ctx := context.Background()
	f.seedBackup(t, "p1", "b1", models.LocalDeviceID)

	f.svc.OnStart(ctx, events.RestoreStart{
		PlanID:    "p1",
		BackupID:  "b1",
		RestoreID: "r1",
		Config:    models.RestoreConfig{TargetPath: "/restore/here", Overwrite: true},
	})

	rec, err := f.stores.Restores.GetByID(ctx, "r1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if rec.Status != models.StatusStarted || !rec.InProgress {
		t.Errorf("record = {%s inProgress=%v}, want started/true", rec.Status, rec.InProgress)
	}
	if rec.Config.TargetPath != "/restore/here" {
		t.Errorf("Config.TargetPath = %q", rec.Config.TargetPath)
	}

	if created := f.bus.byTopic(events.TopicRestoreRecordCreated); len(created) != 1 {
		t.Errorf("record-created events = %d, want 1 for local backup", len(created))
	}
	if kinds := f.notifier.kinds(); len(kinds) != 1 || kinds[0] != notify.KindStart {
		t.Errorf("notifications = %v, want [start]", kinds)
	}
}

func TestRestoreOnStartSecondActiveRestoreDropped(t *testing.T) {
	f := newRestoreFixture(t)
	ctx := context.Background()
	f.seedBackup(t, "p1", "b1", models.LocalDeviceID)

	f.svc.OnStart(ctx, events.RestoreStart{PlanID: "p1", BackupID: "b1", RestoreID: "r1"})
	f.svc.OnStart(ctx, events.RestoreStart{PlanID: "p1", BackupID: "b1", RestoreID: "r2"})

	if _, err := f.stores.Restores.GetByID(ctx, "r2"); err == nil {
		t.Fatal("second active restore for the same backup was created")
	}
}

// An error leaves the restore running; a failed event ends it. The
// distinction is load-bearing.
func TestRestoreErrorVersusFailed(t *testing.T) {
	f := newRestoreFixture(t)
	ctx := context.Background()
	f.seedBackup(t, "p1", "b1", models.LocalDeviceID)
	f.svc.OnStart(ctx, events.RestoreStart{PlanID: "p1", BackupID: "b1", RestoreID: "r1"})

	f.svc.OnError(ctx, events.RestoreError{
		PlanID: "p1", BackupID: "b1", RestoreID: "r1", Error: "chunk checksum mismatch",
	})

	rec, _ := f.stores.Restores.GetByID(ctx, "r1")
	if !rec.InProgress {
		t.Fatal("InProgress = false after error, want true (restore still running)")
	}
	if rec.ErrorMsg != "chunk checksum mismatch" {
		t.Errorf("ErrorMsg = %q", rec.ErrorMsg)
	}

	f.svc.OnFailed(ctx, events.RestoreFailed{
		PlanID: "p1", BackupID: "b1", RestoreID: "r1", Error: "target unwritable",
	})

	rec, _ = f.stores.Restores.GetByID(ctx, "r1")
	if rec.InProgress {
		t.Fatal("InProgress = true after failed, want false (terminal)")
	}
	if rec.Status != models.StatusFailed || rec.Success == nil || *rec.Success {
		t.Errorf("record = {%s success=%v}, want failed/false", rec.Status, rec.Success)
	}
	if rec.EndedAt == nil {
		t.Error("EndedAt not set on terminal failure")
	}
}

func TestRestoreOnErrorResolvesMissingRestoreID(t *testing.T) {
	f := newRestoreFixture(t)
	ctx := context.Background()
	f.seedBackup(t, "p1", "b1", models.LocalDeviceID)
	f.svc.OnStart(ctx, events.RestoreStart{PlanID: "p1", BackupID: "b1", RestoreID: "r1"})

	f.svc.OnError(ctx, events.RestoreError{PlanID: "p1", BackupID: "b1", Error: "transient"})

	rec, _ := f.stores.Restores.GetByID(ctx, "r1")
	if rec.ErrorMsg != "transient" {
		t.Errorf("ErrorMsg = %q, want error applied to the active restore", rec.ErrorMsg)
	}
}

func TestRestoreOnCompleteWithArtifactSummary(t *testing.T) {
	f := newRestoreFixture(t)
	ctx := context.Background()
	f.seedBackup(t, "p1", "b1", models.LocalDeviceID)
	f.svc.OnStart(ctx, events.RestoreStart{PlanID: "p1", BackupID: "b1", RestoreID: "r1"})

	want := &models.CompletionStats{BytesProcessed: 777}
	if err := f.progress.AppendSummary(progress.KindRestore, "r1", want); err != nil {
		t.Fatalf("AppendSummary() error = %v", err)
	}

	f.svc.OnComplete(ctx, events.RestoreComplete{
		PlanID: "p1", BackupID: "b1", RestoreID: "r1", Success: true,
	})

	rec, _ := f.stores.Restores.GetByID(ctx, "r1")
	if rec.Status != models.StatusCompleted || rec.InProgress {
		t.Errorf("record = {%s inProgress=%v}, want completed/false", rec.Status, rec.InProgress)
	}
	if rec.CompletionStats == nil || rec.CompletionStats.BytesProcessed != 777 {
		t.Errorf("CompletionStats = %+v, want artifact summary", rec.CompletionStats)
	}

	kinds := f.notifier.kinds()
	if len(kinds) != 2 || kinds[1] != notify.KindSuccess {
		t.Errorf("notifications = %v, want [start success]", kinds)
	}
}

func TestRestoreOnCompleteFailureNoSuccessNotification(t *testing.T) {
	f := newRestoreFixture(t)
	ctx := context.Background()
	f.seedBackup(t, "p1", "b1", models.LocalDeviceID)
	f.svc.OnStart(ctx, events.RestoreStart{PlanID: "p1", BackupID: "b1", RestoreID: "r1"})

	f.svc.OnComplete(ctx, events.RestoreComplete{
		PlanID: "p1", BackupID: "b1", RestoreID: "r1", Success: false,
	})

	rec, _ := f.stores.Restores.GetByID(ctx, "r1")
	if rec.Status != models.StatusFailed {
		t.Errorf("Status = %q, want failed", rec.Status)
	}
	if kinds := f.notifier.kinds(); len(kinds) != 1 {
		t.Errorf("notifications = %v, want only the start one", kinds)
	}
}

// A completion after the terminal failed event must not resurrect the record.
func TestRestoreLateCompletionAfterFailedDropped(t *testing.T) {
	f := newRestoreFixture(t)
	ctx := context.Background()
	f.seedBackup(t, "p1", "b1", models.LocalDeviceID)
	f.svc.OnStart(ctx, events.RestoreStart{PlanID: "p1", BackupID: "b1", RestoreID: "r1"})

	f.svc.OnFailed(ctx, events.RestoreFailed{
		PlanID: "p1", BackupID: "b1", RestoreID: "r1", Error: "target unwritable",
	})
	f.svc.OnComplete(ctx, events.RestoreComplete{
		PlanID: "p1", BackupID: "b1", RestoreID: "r1", Success: true,
	})

	rec, _ := f.stores.Restores.GetByID(ctx, "r1")
	if rec.Status != models.StatusFailed || rec.InProgress {
		t.Errorf("record = {%s inProgress=%v}, want failed/false (terminal)", rec.Status, rec.InProgress)
	}
	if rec.Success == nil || *rec.Success {
		t.Error("Success flipped to true by a stale completion")
	}

	kinds := f.notifier.kinds()
	if len(kinds) != 2 || kinds[1] != notify.KindFailure {
		t.Errorf("notifications = %v, want [start failure] only", kinds)
	}
}

func TestRestoreCompletionForUnknownRecordDropped(t *testing.T) {
	f := newRestoreFixture(t)
	ctx := context.Background()
	f.seedBackup(t, "p1", "b1", models.LocalDeviceID)

	f.svc.OnComplete(ctx, events.RestoreComplete{
		PlanID: "p1", BackupID: "b1", RestoreID: "ghost", Success: true,
	})

	if _, err := f.stores.Restores.GetByID(ctx, "ghost"); err == nil {
		t.Fatal("completion event conjured a restore record")
	}
}
