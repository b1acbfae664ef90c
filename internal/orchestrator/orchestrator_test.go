// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

package orchestrator

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/fleetback/fleetback/internal/apperr"
	"github.com/fleetback/fleetback/internal/models"
	"github.com/fleetback/fleetback/internal/queue"
	"github.com/fleetback/fleetback/internal/store"
	"github.com/fleetback/fleetback/internal/strategy"
)

// fakeBackend records strategy calls and answers from a configurable table.
type fakeBackend struct {
	mu      sync.Mutex
	calls   []string
	results map[string]strategy.Result
	errs    map[string]error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		results: map[string]strategy.Result{},
		errs:    map[string]error{},
	}
}

func (b *fakeBackend) outcome(verb string) (strategy.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, verb)
	if err, ok := b.errs[verb]; ok {
		return strategy.Result{}, err
	}
	if res, ok := b.results[verb]; ok {
		return res, nil
	}
	return strategy.OK(nil), nil
}

func (b *fakeBackend) called(verb string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.calls {
		if c == verb {
			return true
		}
	}
	return false
}

func (b *fakeBackend) PerformBackup(_ context.Context, _ *models.Plan, _ string) (strategy.Result, error) {
	return b.outcome("performBackup")
}
func (b *fakeBackend) CancelBackup(_ context.Context, _ string) (strategy.Result, error) {
	return b.outcome("cancelBackup")
}
func (b *fakeBackend) PauseBackup(_ context.Context, _ string) (strategy.Result, error) {
	return b.outcome("pauseBackup")
}
func (b *fakeBackend) ResumeBackup(_ context.Context, _ string) (strategy.Result, error) {
	return b.outcome("resumeBackup")
}
func (b *fakeBackend) GetBackupProgress(_ context.Context, _ string) (strategy.Result, error) {
	return b.outcome("getBackupProgress")
}
func (b *fakeBackend) PerformRestore(_ context.Context, _ strategy.RestoreRequest) (strategy.Result, error) {
	return b.outcome("performRestore")
}
func (b *fakeBackend) CancelRestore(_ context.Context, _ string) (strategy.Result, error) {
	return b.outcome("cancelRestore")
}
func (b *fakeBackend) DownloadFiles(_ context.Context, _ *models.Plan, _ string, _ []string) (strategy.Result, error) {
	return b.outcome("downloadFiles")
}
func (b *fakeBackend) PruneBackups(_ context.Context, _ *models.Plan) (strategy.Result, error) {
	return b.outcome("pruneBackups")
}
func (b *fakeBackend) UnlockRepo(_ context.Context, _ *models.Plan) (strategy.Result, error) {
	return b.outcome("unlockRepo")
}
func (b *fakeBackend) ListSnapshots(_ context.Context, _ *models.Plan) (strategy.Result, error) {
	return b.outcome("listSnapshots")
}
func (b *fakeBackend) GetSnapshotFiles(_ context.Context, _ *models.Plan, _, _ string) (strategy.Result, error) {
	return b.outcome("getSnapshotFiles")
}
func (b *fakeBackend) ForgetSnapshot(_ context.Context, _ *models.Plan, _ string) (strategy.Result, error) {
	return b.outcome("forgetSnapshot")
}

type fixture struct {
	stores  store.Stores
	backend *fakeBackend
	queue   *queue.Queue
	svcs    *Services
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	stores := store.NewMemoryStores()
	backend := newFakeBackend()
	q := queue.New(queue.Config{}, nil)
	selector := strategy.NewSelector(strategy.NewLocalSet(backend), func(deviceID string) strategy.Set {
		t.Fatalf("unexpected remote strategy lookup for device %s", deviceID)
		return strategy.Set{}
	})
	svcs := New(Deps{Stores: stores, Selector: selector, Queue: q})
	return &fixture{stores: stores, backend: backend, queue: q, svcs: svcs}
}

// serve runs the queue workers for tests that need jobs executed.
func (f *fixture) serve(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.queue.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (f *fixture) seedPlan(t *testing.T, id string) *models.Plan {
	t.Helper()
	plan := &models.Plan{
		ID:        id,
		Name:      "plan-" + id,
		SourceID:  models.LocalDeviceID,
		StorageID: "s1",
	}
	if err := f.stores.Plans.Create(context.Background(), plan); err != nil {
		t.Fatalf("Create plan error = %v", err)
	}
	return plan
}

func (f *fixture) seedBackup(t *testing.T, planID, backupID string, inProgress bool, success *bool) {
	t.Helper()
	rec := &models.BackupRecord{
		ID:         backupID,
		PlanID:     planID,
		SourceID:   models.LocalDeviceID,
		StorageID:  "s1",
		Status:     models.StatusCompleted,
		InProgress: inProgress,
		Success:    success,
	}
	if inProgress {
		rec.Status = models.StatusStarted
	}
	if err := f.stores.Backups.Create(context.Background(), rec); err != nil {
		t.Fatalf("Create backup error = %v", err)
	}
}

func wantStatus(t *testing.T, err error, code int) {
	t.Helper()
	if err == nil {
		t.Fatalf("error = nil, want status %d", code)
	}
	if got := apperr.StatusCode(err); got != code {
		t.Fatalf("status = %d (%v), want %d", got, err, code)
	}
}

func TestTriggerBackupRunsStrategyJob(t *testing.T) {
	f := newFixture(t)
	f.serve(t)
	f.seedPlan(t, "p1")

	backupID, err := f.svcs.Backups.TriggerBackup(context.Background(), "p1")
	if err != nil {
		t.Fatalf("TriggerBackup() error = %v", err)
	}
	if backupID == "" {
		t.Fatal("TriggerBackup() returned empty backup id")
	}

	deadline := time.Now().Add(5 * time.Second)
	for !f.backend.called("performBackup") {
		if time.Now().After(deadline) {
			t.Fatal("backend PerformBackup never invoked")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestTriggerBackupErrors(t *testing.T) {
	t.Run("unknown plan", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svcs.Backups.TriggerBackup(context.Background(), "nope")
		wantStatus(t, err, http.StatusNotFound)
	})

	t.Run("active backup conflicts", func(t *testing.T) {
		f := newFixture(t)
		f.seedPlan(t, "p1")
		f.seedBackup(t, "p1", "b1", true, nil)
		_, err := f.svcs.Backups.TriggerBackup(context.Background(), "p1")
		wantStatus(t, err, http.StatusConflict)
	})

	t.Run("queued job conflicts", func(t *testing.T) {
		f := newFixture(t) // queue not served, first job stays pending
		f.seedPlan(t, "p1")
		if _, err := f.svcs.Backups.TriggerBackup(context.Background(), "p1"); err != nil {
			t.Fatalf("first TriggerBackup() error = %v", err)
		}
		_, err := f.svcs.Backups.TriggerBackup(context.Background(), "p1")
		wantStatus(t, err, http.StatusConflict)
	})
}

func TestCancelBackupDualEffect(t *testing.T) {
	f := newFixture(t) // queue not served: the job sits pending like a scheduled retry
	f.seedPlan(t, "p1")

	if _, err := f.svcs.Backups.TriggerBackup(context.Background(), "p1"); err != nil {
		t.Fatalf("TriggerBackup() error = %v", err)
	}
	// Reconciliation would normally create the record from the start event.
	f.seedBackup(t, "p1", "b1", true, nil)

	if err := f.svcs.Backups.CancelBackup(context.Background(), "p1"); err != nil {
		t.Fatalf("CancelBackup() error = %v", err)
	}

	if !f.backend.called("cancelBackup") {
		t.Error("execution backend was not told to stop the process")
	}
	if f.queue.Pending(JobTypeBackup, "p1") {
		t.Error("queued job survived cancellation and would resurrect the backup")
	}
	rec, _ := f.stores.Backups.GetByID(context.Background(), "b1")
	if rec.Status != models.StatusCancelled || rec.InProgress {
		t.Errorf("record = {%s inProgress=%v}, want cancelled/false", rec.Status, rec.InProgress)
	}
}

// Between attempts there is no running process, so the backend rejects the
// cancel; the pending retry job is the half that must die.
func TestCancelBackupDuringRetryWait(t *testing.T) {
	f := newFixture(t) // queue not served: the job waits like a scheduled retry
	f.seedPlan(t, "p1")

	if _, err := f.svcs.Backups.TriggerBackup(context.Background(), "p1"); err != nil {
		t.Fatalf("TriggerBackup() error = %v", err)
	}
	f.seedBackup(t, "p1", "b1", true, nil)
	if _, err := f.stores.Backups.Update(context.Background(), "b1", func(rec *models.BackupRecord) {
		rec.Status = models.StatusRetrying
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	f.backend.results["cancelBackup"] = strategy.Failed("no backup process running for plan p1")

	if err := f.svcs.Backups.CancelBackup(context.Background(), "p1"); err != nil {
		t.Fatalf("CancelBackup() error = %v", err)
	}
	if f.queue.Pending(JobTypeBackup, "p1") {
		t.Error("pending retry job survived cancellation and would resurrect the backup")
	}
	rec, _ := f.stores.Backups.GetByID(context.Background(), "b1")
	if rec.Status != models.StatusCancelled || rec.InProgress {
		t.Errorf("record = {%s inProgress=%v}, want cancelled/false", rec.Status, rec.InProgress)
	}
}

func TestCancelBackupWithoutActiveBackup(t *testing.T) {
	f := newFixture(t)
	f.seedPlan(t, "p1")
	err := f.svcs.Backups.CancelBackup(context.Background(), "p1")
	wantStatus(t, err, http.StatusNotFound)
}

func TestPauseBackupUnsupported(t *testing.T) {
	f := newFixture(t)
	f.seedPlan(t, "p1")
	f.backend.errs["pauseBackup"] = strategy.ErrUnsupported

	err := f.svcs.Backups.PauseBackup(context.Background(), "p1")
	wantStatus(t, err, http.StatusNotImplemented)
}

func TestStrategyRejectionBecomesConflict(t *testing.T) {
	f := newFixture(t)
	f.seedPlan(t, "p1")
	f.seedBackup(t, "p1", "b1", true, nil)
	f.backend.results["cancelBackup"] = strategy.Failed("no such process")

	err := f.svcs.Backups.CancelBackup(context.Background(), "p1")
	wantStatus(t, err, http.StatusConflict)
}

func TestPruneBackupsQueuesJob(t *testing.T) {
	f := newFixture(t)
	f.serve(t)
	f.seedPlan(t, "p1")

	if err := f.svcs.Backups.PruneBackups(context.Background(), "p1"); err != nil {
		t.Fatalf("PruneBackups() error = %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !f.backend.called("pruneBackups") {
		if time.Now().After(deadline) {
			t.Fatal("backend PruneBackups never invoked")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRequestDownloadConflictsWhileGenerating(t *testing.T) {
	f := newFixture(t)
	f.seedPlan(t, "p1")
	f.seedBackup(t, "p1", "b1", false, models.BoolPtr(true))
	_, err := f.stores.Backups.Update(context.Background(), "b1", func(rec *models.BackupRecord) {
		rec.Download = &models.DownloadState{Status: models.DownloadStarted}
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	err = f.svcs.Backups.RequestDownload(context.Background(), "b1", []string{"/etc"})
	wantStatus(t, err, http.StatusConflict)
}

func TestRequestDownloadInvokesStrategy(t *testing.T) {
	f := newFixture(t)
	f.seedPlan(t, "p1")
	f.seedBackup(t, "p1", "b1", false, models.BoolPtr(true))

	if err := f.svcs.Backups.RequestDownload(context.Background(), "b1", []string{"/etc"}); err != nil {
		t.Fatalf("RequestDownload() error = %v", err)
	}
	if !f.backend.called("downloadFiles") {
		t.Error("backend DownloadFiles not invoked")
	}
}

func TestTriggerRestoreErrors(t *testing.T) {
	t.Run("unknown backup", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svcs.Restores.TriggerRestore(context.Background(), "nope", models.RestoreConfig{})
		wantStatus(t, err, http.StatusNotFound)
	})

	t.Run("backup still running", func(t *testing.T) {
		f := newFixture(t)
		f.seedPlan(t, "p1")
		f.seedBackup(t, "p1", "b1", true, nil)
		_, err := f.svcs.Restores.TriggerRestore(context.Background(), "b1", models.RestoreConfig{})
		wantStatus(t, err, http.StatusConflict)
	})

	t.Run("unsuccessful backup", func(t *testing.T) {
		f := newFixture(t)
		f.seedPlan(t, "p1")
		f.seedBackup(t, "p1", "b1", false, models.BoolPtr(false))
		_, err := f.svcs.Restores.TriggerRestore(context.Background(), "b1", models.RestoreConfig{})
		wantStatus(t, err, http.StatusBadRequest)
	})

	t.Run("active restore conflicts", func(t *testing.T) {
		f := newFixture(t)
		f.seedPlan(t, "p1")
		f.seedBackup(t, "p1", "b1", false, models.BoolPtr(true))
		rec := &models.RestoreRecord{
			ID: "r0", BackupID: "b1", PlanID: "p1",
			Status: models.StatusStarted, InProgress: true,
		}
		if err := f.stores.Restores.Create(context.Background(), rec); err != nil {
			t.Fatalf("Create restore error = %v", err)
		}
		_, err := f.svcs.Restores.TriggerRestore(context.Background(), "b1", models.RestoreConfig{})
		wantStatus(t, err, http.StatusConflict)
	})
}

func TestTriggerRestoreRunsStrategyJob(t *testing.T) {
	f := newFixture(t)
	f.serve(t)
	f.seedPlan(t, "p1")
	f.seedBackup(t, "p1", "b1", false, models.BoolPtr(true))

	restoreID, err := f.svcs.Restores.TriggerRestore(context.Background(), "b1", models.RestoreConfig{
		TargetPath: "/restore",
	})
	if err != nil {
		t.Fatalf("TriggerRestore() error = %v", err)
	}
	if restoreID == "" {
		t.Fatal("TriggerRestore() returned empty restore id")
	}

	deadline := time.Now().Add(5 * time.Second)
	for !f.backend.called("performRestore") {
		if time.Now().After(deadline) {
			t.Fatal("backend PerformRestore never invoked")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCancelRestore(t *testing.T) {
	f := newFixture(t)
	f.seedPlan(t, "p1")
	f.seedBackup(t, "p1", "b1", false, models.BoolPtr(true))
	rec := &models.RestoreRecord{
		ID: "r1", BackupID: "b1", PlanID: "p1",
		Status: models.StatusStarted, InProgress: true,
	}
	if err := f.stores.Restores.Create(context.Background(), rec); err != nil {
		t.Fatalf("Create restore error = %v", err)
	}

	if err := f.svcs.Restores.CancelRestore(context.Background(), "r1"); err != nil {
		t.Fatalf("CancelRestore() error = %v", err)
	}
	if !f.backend.called("cancelRestore") {
		t.Error("backend CancelRestore not invoked")
	}
	got, _ := f.stores.Restores.GetByID(context.Background(), "r1")
	if got.Status != models.StatusCancelled || got.InProgress {
		t.Errorf("record = {%s inProgress=%v}, want cancelled/false", got.Status, got.InProgress)
	}

	// Cancelling a finished restore is rejected.
	err := f.svcs.Restores.CancelRestore(context.Background(), "r1")
	wantStatus(t, err, http.StatusConflict)
}

func TestSnapshotOperations(t *testing.T) {
	f := newFixture(t)
	f.seedPlan(t, "p1")
	f.backend.results["listSnapshots"] = strategy.OK([]byte(`[{"id":"b1"}]`))

	snaps, err := f.svcs.Backups.ListSnapshots(context.Background(), "p1")
	if err != nil {
		t.Fatalf("ListSnapshots() error = %v", err)
	}
	if string(snaps) != `[{"id":"b1"}]` {
		t.Errorf("ListSnapshots() payload = %s", snaps)
	}

	if _, err := f.svcs.Backups.GetSnapshotFiles(context.Background(), "p1", "b1", "docs"); err != nil {
		t.Fatalf("GetSnapshotFiles() error = %v", err)
	}
	if !f.backend.called("getSnapshotFiles") {
		t.Error("backend GetSnapshotFiles not invoked")
	}

	if err := f.svcs.Backups.ForgetSnapshot(context.Background(), "p1", "b1"); err != nil {
		t.Fatalf("ForgetSnapshot() error = %v", err)
	}
	if !f.backend.called("forgetSnapshot") {
		t.Error("backend ForgetSnapshot not invoked")
	}
}

func TestSnapshotOperationsErrors(t *testing.T) {
	t.Run("unknown plan", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svcs.Backups.ListSnapshots(context.Background(), "nope")
		wantStatus(t, err, http.StatusNotFound)
	})

	t.Run("unknown snapshot rejected", func(t *testing.T) {
		f := newFixture(t)
		f.seedPlan(t, "p1")
		f.backend.results["forgetSnapshot"] = strategy.Failed("snapshot missing not found")
		err := f.svcs.Backups.ForgetSnapshot(context.Background(), "p1", "missing")
		wantStatus(t, err, http.StatusConflict)
	})
}

func TestPlanServiceCRUD(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	plan, err := f.svcs.Plans.CreatePlan(ctx, &models.Plan{
		Name: "home", SourceID: models.LocalDeviceID, StorageID: "s1",
	})
	if err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}
	if plan.ID == "" {
		t.Fatal("CreatePlan() did not assign an id")
	}

	if _, err := f.svcs.Plans.CreatePlan(ctx, &models.Plan{Name: "incomplete"}); err == nil {
		t.Error("CreatePlan() accepted a plan missing required fields")
	}

	updated, err := f.svcs.Plans.UpdatePlan(ctx, plan.ID, &models.Plan{
		ID: plan.ID, Name: "home-v2", SourceID: models.LocalDeviceID, StorageID: "s2",
	})
	if err != nil {
		t.Fatalf("UpdatePlan() error = %v", err)
	}
	if updated.Name != "home-v2" || updated.StorageID != "s2" {
		t.Errorf("updated plan = %+v", updated)
	}

	if err := f.svcs.Plans.DeletePlan(ctx, plan.ID); err != nil {
		t.Fatalf("DeletePlan() error = %v", err)
	}
	_, err = f.svcs.Plans.GetPlan(ctx, plan.ID)
	wantStatus(t, err, http.StatusNotFound)
}

func TestDeletePlanBlockedWhileActive(t *testing.T) {
	f := newFixture(t)
	f.seedPlan(t, "p1")
	f.seedBackup(t, "p1", "b1", true, nil)

	err := f.svcs.Plans.DeletePlan(context.Background(), "p1")
	wantStatus(t, err, http.StatusConflict)
}
