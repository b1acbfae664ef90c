// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fleetback/fleetback/internal/events"
	"github.com/fleetback/fleetback/internal/hooks"
	"github.com/fleetback/fleetback/internal/models"
	"github.com/fleetback/fleetback/internal/notify"
	"github.com/fleetback/fleetback/internal/progress"
	"github.com/fleetback/fleetback/internal/store"
)

type publishedEvent struct {
	Topic   string
	Payload any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *fakePublisher) Publish(topic string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{Topic: topic, Payload: v})
	return nil
}

func (p *fakePublisher) byTopic(topic string) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedEvent
	for _, e := range p.events {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}

type notification struct {
	Kind        notify.Kind
	PlanID      string
	OperationID string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *fakeNotifier) Notify(_ context.Context, kind notify.Kind, plan *models.Plan, opID string, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{Kind: kind, PlanID: plan.ID, OperationID: opID})
}

func (n *fakeNotifier) kinds() []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.Kind, len(n.sent))
	for i, s := range n.sent {
		out[i] = s.Kind
	}
	return out
}

type backupFixture struct {
	stores   store.Stores
	progress *progress.Store
	bus      *fakePublisher
	notifier *fakeNotifier
	svc      *BackupEventService
}

func newBackupFixture(t *testing.T) *backupFixture {
	t.Helper()
	prog, err := progress.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	stores := store.NewMemoryStores()
	bus := &fakePublisher{}
	notifier := &fakeNotifier{}
	svc := NewBackupEventService(stores.Plans, stores.Backups, prog, bus, notifier, hooks.NoopRunner{})
	return &backupFixture{stores: stores, progress: prog, bus: bus, notifier: notifier, svc: svc}
}

func testPlan(id, sourceID string) *models.Plan {
	return &models.Plan{
		ID:        id,
		Name:      "nightly-" + id,
		SourceID:  sourceID,
		StorageID: "s1",
		StoragePath: "/backups/" + id,
		Settings: models.PlanSettings{
			NotifyOnStart:   true,
			NotifyOnSuccess: true,
			NotifyOnFailure: true,
		},
	}
}

func (f *backupFixture) createPlan(t *testing.T, plan *models.Plan) {
	t.Helper()
	if err := f.stores.Plans.Create(context.Background(), plan); err != nil {
		t.Fatalf("Create plan error = %v", err)
	}
}

func TestBackupOnStartCreatesRecord(t *testing.T) {
	f := newBackupFixture(t)
	ctx := context.Background()
	f.createPlan(t, testPlan("p1", models.LocalDeviceID))

	f.svc.OnStart(ctx, events.BackupStart{
		PlanID:   "p1",
		BackupID: "b1",
		Summary:  &models.TaskStats{FilesTotal: 10},
	})

	rec, err := f.stores.Backups.GetByID(ctx, "b1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if rec.Status != models.StatusStarted {
		t.Errorf("Status = %q, want started", rec.Status)
	}
	if !rec.InProgress {
		t.Error("InProgress = false, want true")
	}
	if rec.StorageID != "s1" || rec.SourceID != models.LocalDeviceID {
		t.Errorf("plan fields not copied: storage=%q source=%q", rec.StorageID, rec.SourceID)
	}
	if rec.TaskStats == nil || rec.TaskStats.FilesTotal != 10 {
		t.Error("event summary not stored as task stats")
	}

	created := f.bus.byTopic(events.TopicBackupRecordCreated)
	if len(created) != 1 {
		t.Fatalf("record-created events = %d, want 1", len(created))
	}
	if rc := created[0].Payload.(events.RecordCreated); rc.Retry {
		t.Error("creation event marked as retry")
	}

	kinds := f.notifier.kinds()
	if len(kinds) != 1 || kinds[0] != notify.KindStart {
		t.Errorf("notifications = %v, want [start]", kinds)
	}
}

func TestBackupOnStartReplayIsRetry(t *testing.T) {
	f := newBackupFixture(t)
	ctx := context.Background()
	f.createPlan(t, testPlan("p1", models.LocalDeviceID))

	start := events.BackupStart{PlanID: "p1", BackupID: "b1"}
	f.svc.OnStart(ctx, start)
	f.svc.OnStart(ctx, start)

	recs, err := f.stores.Backups.ListByPlan(ctx, "p1")
	if err != nil {
		t.Fatalf("ListByPlan() error = %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1 (replay must not create a second record)", len(recs))
	}
	if recs[0].Status != models.StatusRetrying {
		t.Errorf("Status = %q, want retrying", recs[0].Status)
	}
	if recs[0].EndedAt != nil {
		t.Error("EndedAt not cleared on retry")
	}

	created := f.bus.byTopic(events.TopicBackupRecordCreated)
	if len(created) != 2 {
		t.Fatalf("record-created events = %d, want 2", len(created))
	}
	if rc := created[1].Payload.(events.RecordCreated); !rc.Retry {
		t.Error("replayed start not marked as retry")
	}
}

func TestBackupOnStartInvariantViolationDropsEvent(t *testing.T) {
	f := newBackupFixture(t)
	ctx := context.Background()
	f.createPlan(t, testPlan("p1", models.LocalDeviceID))

	f.svc.OnStart(ctx, events.BackupStart{PlanID: "p1", BackupID: "b1"})
	// Different backup id, same plan, while b1 is still in progress.
	f.svc.OnStart(ctx, events.BackupStart{PlanID: "p1", BackupID: "b2"})

	if _, err := f.stores.Backups.GetByID(ctx, "b2"); err == nil {
		t.Fatal("second concurrent backup record was created, invariant broken")
	}
	recs, _ := f.stores.Backups.ListByPlan(ctx, "p1")
	inProgress := 0
	for _, rec := range recs {
		if rec.InProgress {
			inProgress++
		}
	}
	if inProgress != 1 {
		t.Errorf("in-progress records = %d, want 1", inProgress)
	}
}

func TestBackupOnStartRemotePlanGetsNoCreationEvent(t *testing.T) {
	f := newBackupFixture(t)
	ctx := context.Background()
	f.createPlan(t, testPlan("p1", "device-7"))

	f.svc.OnStart(ctx, events.BackupStart{PlanID: "p1", BackupID: "b1"})

	if _, err := f.stores.Backups.GetByID(ctx, "b1"); err != nil {
		t.Fatalf("record not created for remote plan: %v", err)
	}
	if created := f.bus.byTopic(events.TopicBackupRecordCreated); len(created) != 0 {
		t.Errorf("record-created events = %d, want 0 for remote device", len(created))
	}
}

func TestBackupOnCompleteSuccess(t *testing.T) {
	f := newBackupFixture(t)
	ctx := context.Background()
	f.createPlan(t, testPlan("p1", models.LocalDeviceID))
	f.svc.OnStart(ctx, events.BackupStart{PlanID: "p1", BackupID: "b1"})

	f.svc.OnComplete(ctx, events.BackupComplete{
		PlanID:   "p1",
		BackupID: "b1",
		Success:  true,
		Summary:  &models.CompletionStats{SnapshotID: "snap1", FilesNew: 3},
	})

	rec, _ := f.stores.Backups.GetByID(ctx, "b1")
	if rec.Status != models.StatusCompleted || rec.InProgress {
		t.Errorf("record = {%s inProgress=%v}, want completed/false", rec.Status, rec.InProgress)
	}
	if rec.Success == nil || !*rec.Success {
		t.Error("Success not recorded")
	}
	if rec.EndedAt == nil {
		t.Error("EndedAt not set")
	}
	if rec.CompletionStats == nil || rec.CompletionStats.SnapshotID != "snap1" {
		t.Error("inline summary not stored")
	}

	plan, _ := f.stores.Plans.GetByID(ctx, "p1")
	if plan.Stats.LastBackupAt == nil {
		t.Error("LastBackupAt not updated on success")
	}

	kinds := f.notifier.kinds()
	if len(kinds) != 2 || kinds[1] != notify.KindSuccess {
		t.Errorf("notifications = %v, want [start success]", kinds)
	}
}

func TestBackupOnCompleteFailureSendsNoNotification(t *testing.T) {
	f := newBackupFixture(t)
	ctx := context.Background()
	plan := testPlan("p1", models.LocalDeviceID)
	plan.Settings.NotifyOnStart = false
	f.createPlan(t, plan)
	f.svc.OnStart(ctx, events.BackupStart{PlanID: "p1", BackupID: "b1"})

	f.svc.OnComplete(ctx, events.BackupComplete{PlanID: "p1", BackupID: "b1", Success: false})

	rec, _ := f.stores.Backups.GetByID(ctx, "b1")
	if rec.Status != models.StatusFailed || rec.InProgress {
		t.Errorf("record = {%s inProgress=%v}, want failed/false", rec.Status, rec.InProgress)
	}
	if rec.Success == nil || *rec.Success {
		t.Error("Success = true, want false")
	}
	// Failure notification belongs to the permanent-failure path only.
	if kinds := f.notifier.kinds(); len(kinds) != 0 {
		t.Errorf("notifications = %v, want none for a plain failed completion", kinds)
	}
	plan2, _ := f.stores.Plans.GetByID(ctx, "p1")
	if plan2.Stats.LastBackupAt != nil {
		t.Error("LastBackupAt updated on failure")
	}
}

func TestBackupOnCompleteSummaryFallback(t *testing.T) {
	f := newBackupFixture(t)
	ctx := context.Background()
	f.createPlan(t, testPlan("p1", models.LocalDeviceID))
	f.svc.OnStart(ctx, events.BackupStart{PlanID: "p1", BackupID: "b1"})

	want := &models.CompletionStats{SnapshotID: "snap-from-artifact", BytesAdded: 42}
	if err := f.progress.AppendSummary(progress.KindBackup, "b1", want); err != nil {
		t.Fatalf("AppendSummary() error = %v", err)
	}

	f.svc.OnComplete(ctx, events.BackupComplete{PlanID: "p1", BackupID: "b1", Success: true})

	rec, _ := f.stores.Backups.GetByID(ctx, "b1")
	if rec.CompletionStats == nil || rec.CompletionStats.SnapshotID != "snap-from-artifact" {
		t.Errorf("CompletionStats = %+v, want summary from progress artifact", rec.CompletionStats)
	}
}

func TestBackupOnErrorMarksRetrying(t *testing.T) {
	f := newBackupFixture(t)
	ctx := context.Background()
	f.createPlan(t, testPlan("p1", models.LocalDeviceID))
	f.svc.OnStart(ctx, events.BackupStart{PlanID: "p1", BackupID: "b1"})

	f.svc.OnError(ctx, events.BackupError{PlanID: "p1", BackupID: "b1", Error: "io timeout"})

	rec, _ := f.stores.Backups.GetByID(ctx, "b1")
	if rec.Status != models.StatusRetrying {
		t.Errorf("Status = %q, want retrying", rec.Status)
	}
	if rec.ErrorMsg != "io timeout" {
		t.Errorf("ErrorMsg = %q, want the event error", rec.ErrorMsg)
	}
	if !rec.InProgress {
		t.Error("InProgress = false, want true while retrying")
	}
	if kinds := f.notifier.kinds(); len(kinds) != 1 {
		t.Errorf("notifications = %v, want only the start one", kinds)
	}
}

func TestBackupOnPermanentFailure(t *testing.T) {
	f := newBackupFixture(t)
	ctx := context.Background()
	f.createPlan(t, testPlan("p1", models.LocalDeviceID))
	f.svc.OnStart(ctx, events.BackupStart{PlanID: "p1", BackupID: "b1"})

	f.svc.OnPermanentFailure(ctx, events.BackupPermanentFailure{
		PlanID: "p1", BackupID: "b1", Error: "disk full",
	})

	rec, _ := f.stores.Backups.GetByID(ctx, "b1")
	if rec.Status != models.StatusFailed || rec.InProgress {
		t.Errorf("record = {%s inProgress=%v}, want failed/false", rec.Status, rec.InProgress)
	}
	if rec.Success == nil || *rec.Success {
		t.Error("Success = true, want false")
	}
	if rec.ErrorMsg != "disk full" {
		t.Errorf("ErrorMsg = %q, want disk full", rec.ErrorMsg)
	}
	if rec.EndedAt == nil {
		t.Error("EndedAt not set")
	}

	kinds := f.notifier.kinds()
	if len(kinds) != 2 || kinds[1] != notify.KindFailure {
		t.Errorf("notifications = %v, want [start failure]", kinds)
	}

	// Default hook re-emits the completion signal scoped to this backup.
	scoped := f.bus.byTopic(ScopedCompletionTopic("b1"))
	if len(scoped) != 1 {
		t.Fatalf("scoped completion signals = %d, want 1", len(scoped))
	}
	if done := scoped[0].Payload.(events.BackupComplete); done.Success {
		t.Error("scoped completion signal reports success for a permanent failure")
	}
}

func TestBackupAfterPermanentFailureOverride(t *testing.T) {
	f := newBackupFixture(t)
	ctx := context.Background()
	f.createPlan(t, testPlan("p1", models.LocalDeviceID))
	f.svc.OnStart(ctx, events.BackupStart{PlanID: "p1", BackupID: "b1"})

	var gotPlan, gotBackup, gotErr string
	f.svc.AfterPermanentFailure = func(_ context.Context, planID, backupID, errMsg string) {
		gotPlan, gotBackup, gotErr = planID, backupID, errMsg
	}

	f.svc.OnPermanentFailure(ctx, events.BackupPermanentFailure{
		PlanID: "p1", BackupID: "b1", Error: "disk full",
	})

	if gotPlan != "p1" || gotBackup != "b1" || gotErr != "disk full" {
		t.Errorf("override hook got (%q, %q, %q)", gotPlan, gotBackup, gotErr)
	}
	if scoped := f.bus.byTopic(ScopedCompletionTopic("b1")); len(scoped) != 0 {
		t.Error("default re-emit ran despite override")
	}
}

// A completion arriving after the retry budget is spent must not resurrect
// the terminal record or fire a success notification.
func TestBackupLateCompletionAfterPermanentFailureDropped(t *testing.T) {
	f := newBackupFixture(t)
	ctx := context.Background()
	f.createPlan(t, testPlan("p1", models.LocalDeviceID))
	f.svc.OnStart(ctx, events.BackupStart{PlanID: "p1", BackupID: "b1"})

	f.svc.OnPermanentFailure(ctx, events.BackupPermanentFailure{
		PlanID: "p1", BackupID: "b1", Error: "disk full",
	})
	f.svc.OnComplete(ctx, events.BackupComplete{PlanID: "p1", BackupID: "b1", Success: true})

	rec, _ := f.stores.Backups.GetByID(ctx, "b1")
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
	plan, _ := f.stores.Plans.GetByID(ctx, "p1")
	if plan.Stats.LastBackupAt != nil {
		t.Error("LastBackupAt updated by a stale completion")
	}
}

func TestBackupCompletionForUnknownRecordDropped(t *testing.T) {
	f := newBackupFixture(t)
	ctx := context.Background()
	f.createPlan(t, testPlan("p1", models.LocalDeviceID))

	f.svc.OnComplete(ctx, events.BackupComplete{PlanID: "p1", BackupID: "ghost", Success: true})

	if _, err := f.stores.Backups.GetByID(ctx, "ghost"); err == nil {
		t.Fatal("completion event conjured a backup record")
	}
	if kinds := f.notifier.kinds(); len(kinds) != 0 {
		t.Errorf("notifications = %v, want none", kinds)
	}
}

func TestPlanStatsGuards(t *testing.T) {
	size := func(n int64) *int64 { return &n }

	tests := []struct {
		name      string
		apply     func(f *backupFixture, ctx context.Context)
		wantSize  int64
		wantCount int
	}{
		{
			name: "stats update with valid payload writes",
			apply: func(f *backupFixture, ctx context.Context) {
				f.svc.OnStatsUpdate(ctx, events.BackupStatsUpdate{
					PlanID: "p1", TotalSize: size(2048), Snapshots: []string{"a", "b"},
				})
			},
			wantSize:  2048,
			wantCount: 2,
		},
		{
			name: "stats update with error writes nothing",
			apply: func(f *backupFixture, ctx context.Context) {
				f.svc.OnStatsUpdate(ctx, events.BackupStatsUpdate{
					PlanID: "p1", TotalSize: size(2048), Snapshots: []string{"a"}, Error: "stat failed",
				})
			},
		},
		{
			name: "stats update with zero size writes nothing",
			apply: func(f *backupFixture, ctx context.Context) {
				f.svc.OnStatsUpdate(ctx, events.BackupStatsUpdate{
					PlanID: "p1", TotalSize: size(0), Snapshots: []string{"a"},
				})
			},
		},
		{
			name: "stats update without snapshots writes nothing",
			apply: func(f *backupFixture, ctx context.Context) {
				f.svc.OnStatsUpdate(ctx, events.BackupStatsUpdate{
					PlanID: "p1", TotalSize: size(2048),
				})
			},
		},
		{
			name: "failed prune writes nothing",
			apply: func(f *backupFixture, ctx context.Context) {
				f.svc.OnPruneEnd(ctx, events.PruneEnd{
					PlanID: "p1", Success: false,
					Stats: &events.PruneStats{TotalSize: 4096, Snapshots: []string{"a"}},
				})
			},
		},
		{
			name: "successful prune with zero size writes nothing",
			apply: func(f *backupFixture, ctx context.Context) {
				f.svc.OnPruneEnd(ctx, events.PruneEnd{
					PlanID: "p1", Success: true,
					Stats: &events.PruneStats{TotalSize: 0, Snapshots: []string{"a"}},
				})
			},
		},
		{
			name: "successful prune with valid stats writes",
			apply: func(f *backupFixture, ctx context.Context) {
				f.svc.OnPruneEnd(ctx, events.PruneEnd{
					PlanID: "p1", Success: true,
					Stats: &events.PruneStats{TotalSize: 4096, Snapshots: []string{"a", "b", "c"}},
				})
			},
			wantSize:  4096,
			wantCount: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newBackupFixture(t)
			ctx := context.Background()
			f.createPlan(t, testPlan("p1", models.LocalDeviceID))

			tt.apply(f, ctx)

			plan, err := f.stores.Plans.GetByID(ctx, "p1")
			if err != nil {
				t.Fatalf("GetByID() error = %v", err)
			}
			if plan.Stats.TotalSizeBytes != tt.wantSize {
				t.Errorf("TotalSizeBytes = %d, want %d", plan.Stats.TotalSizeBytes, tt.wantSize)
			}
			if plan.Stats.SnapshotCount != tt.wantCount {
				t.Errorf("SnapshotCount = %d, want %d", plan.Stats.SnapshotCount, tt.wantCount)
			}
		})
	}
}

// The full retry chain: start, error, replayed start, permanent failure.
func TestBackupRetryChainLifecycle(t *testing.T) {
	f := newBackupFixture(t)
	ctx := context.Background()
	f.createPlan(t, testPlan("p1", models.LocalDeviceID))

	f.svc.OnStart(ctx, events.BackupStart{PlanID: "p1", BackupID: "b1"})
	f.svc.OnError(ctx, events.BackupError{PlanID: "p1", BackupID: "b1", Error: "attempt 1"})
	f.svc.OnStart(ctx, events.BackupStart{PlanID: "p1", BackupID: "b1"})
	f.svc.OnError(ctx, events.BackupError{PlanID: "p1", BackupID: "b1", Error: "attempt 2"})
	f.svc.OnPermanentFailure(ctx, events.BackupPermanentFailure{PlanID: "p1", BackupID: "b1", Error: "attempt 3"})

	recs, _ := f.stores.Backups.ListByPlan(ctx, "p1")
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1 across the whole chain", len(recs))
	}
	rec := recs[0]
	if rec.Status != models.StatusFailed || rec.InProgress || rec.ErrorMsg != "attempt 3" {
		t.Errorf("terminal record = {%s inProgress=%v err=%q}", rec.Status, rec.InProgress, rec.ErrorMsg)
	}

	// The plan is free again: a new backup id may start.
	f.svc.OnStart(ctx, events.BackupStart{PlanID: "p1", BackupID: "b2"})
	if _, err := f.stores.Backups.GetByID(ctx, "b2"); err != nil {
		t.Errorf("new backup after permanent failure not created: %v", err)
	}
}

func TestBackupOnCompleteUsesEndedTimestamp(t *testing.T) {
	f := newBackupFixture(t)
	ctx := context.Background()
	f.createPlan(t, testPlan("p1", models.LocalDeviceID))
	f.svc.OnStart(ctx, events.BackupStart{PlanID: "p1", BackupID: "b1"})

	before := time.Now().UTC().Add(-time.Second)
	f.svc.OnComplete(ctx, events.BackupComplete{PlanID: "p1", BackupID: "b1", Success: true})

	rec, _ := f.stores.Backups.GetByID(ctx, "b1")
	if rec.EndedAt == nil || rec.EndedAt.Before(before) {
		t.Errorf("EndedAt = %v, want a recent timestamp", rec.EndedAt)
	}
}
