// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

package store

import (
	"context"
	"sync"

	"github.com/goccy/go-json"

	"github.com/fleetback/fleetback/internal/models"
)

// NewMemoryStores returns map-backed stores with the same invariant
// semantics as the Badger implementation. Used by tests and by deployments
// that opt out of persistence.
func NewMemoryStores() Stores {
	return Stores{
		Plans:    &memoryPlanStore{plans: map[string]*models.Plan{}},
		Backups:  &memoryBackupStore{recs: map[string]*models.BackupRecord{}},
		Restores: &memoryRestoreStore{recs: map[string]*models.RestoreRecord{}},
	}
}

// clone deep-copies an entity so callers never alias stored state.
func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err) // entities are plain JSON-serializable structs
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return &out
}

type memoryPlanStore struct {
	mu     sync.RWMutex
	plans  map[string]*models.Plan
	active map[string]bool
}

func (s *memoryPlanStore) GetByID(_ context.Context, id string) (*models.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan, ok := s.plans[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(plan), nil
}

func (s *memoryPlanStore) Create(_ context.Context, plan *models.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[plan.ID]; ok {
		return ErrAlreadyExists
	}
	s.plans[plan.ID] = clone(plan)
	return nil
}

func (s *memoryPlanStore) Update(_ context.Context, id string, mutate func(*models.Plan)) (*models.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.plans[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := clone(plan)
	mutate(next)
	s.plans[id] = next
	return clone(next), nil
}

func (s *memoryPlanStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[id]; !ok {
		return ErrNotFound
	}
	delete(s.plans, id)
	return nil
}

func (s *memoryPlanStore) List(_ context.Context) ([]*models.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		out = append(out, clone(p))
	}
	return out, nil
}

func (s *memoryPlanStore) UpdateStats(ctx context.Context, id string, stats models.PlanStats) error {
	_, err := s.Update(ctx, id, func(p *models.Plan) {
		p.Stats = stats
	})
	return err
}

func (s *memoryPlanStore) SetActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		s.active = map[string]bool{}
	}
	s.active[id] = active
	return nil
}

type memoryBackupStore struct {
	mu   sync.RWMutex
	recs map[string]*models.BackupRecord
}

func (s *memoryBackupStore) GetByID(_ context.Context, id string) (*models.BackupRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(rec), nil
}

func (s *memoryBackupStore) Create(_ context.Context, rec *models.BackupRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.ID]; ok {
		return ErrAlreadyExists
	}
	if rec.InProgress {
		for _, existing := range s.recs {
			if existing.PlanID == rec.PlanID && existing.InProgress {
				return ErrActiveConflict
			}
		}
	}
	s.recs[rec.ID] = clone(rec)
	return nil
}

func (s *memoryBackupStore) Update(_ context.Context, id string, mutate func(*models.BackupRecord)) (*models.BackupRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := clone(rec)
	mutate(next)
	s.recs[id] = next
	return clone(next), nil
}

func (s *memoryBackupStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[id]; !ok {
		return ErrNotFound
	}
	delete(s.recs, id)
	return nil
}

func (s *memoryBackupStore) ListByPlan(_ context.Context, planID string) ([]*models.BackupRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.BackupRecord
	for _, rec := range s.recs {
		if rec.PlanID == planID {
			out = append(out, clone(rec))
		}
	}
	return out, nil
}

func (s *memoryBackupStore) HasActiveBackups(_ context.Context, planID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.recs {
		if rec.PlanID == planID && rec.InProgress {
			return true, nil
		}
	}
	return false, nil
}

type memoryRestoreStore struct {
	mu   sync.RWMutex
	recs map[string]*models.RestoreRecord
}

func (s *memoryRestoreStore) GetByID(_ context.Context, id string) (*models.RestoreRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(rec), nil
}

func (s *memoryRestoreStore) Create(_ context.Context, rec *models.RestoreRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.ID]; ok {
		return ErrAlreadyExists
	}
	if rec.InProgress {
		for _, existing := range s.recs {
			if existing.BackupID == rec.BackupID && existing.InProgress {
				return ErrActiveConflict
			}
		}
	}
	s.recs[rec.ID] = clone(rec)
	return nil
}

func (s *memoryRestoreStore) Update(_ context.Context, id string, mutate func(*models.RestoreRecord)) (*models.RestoreRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := clone(rec)
	mutate(next)
	s.recs[id] = next
	return clone(next), nil
}

func (s *memoryRestoreStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[id]; !ok {
		return ErrNotFound
	}
	delete(s.recs, id)
	return nil
}

func (s *memoryRestoreStore) ListByBackup(_ context.Context, backupID string) ([]*models.RestoreRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.RestoreRecord
	for _, rec := range s.recs {
		if rec.BackupID == backupID {
			out = append(out, clone(rec))
		}
	}
	return out, nil
}

func (s *memoryRestoreStore) HasActiveRestore(_ context.Context, planID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.recs {
		if rec.PlanID == planID && rec.InProgress {
			return true, nil
		}
	}
	return false, nil
}

func (s *memoryRestoreStore) HasActiveRestoreForBackup(_ context.Context, backupID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.recs {
		if rec.BackupID == backupID && rec.InProgress {
			return true, nil
		}
	}
	return false, nil
}
