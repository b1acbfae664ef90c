// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/fleetback/fleetback/internal/models"
)

// Key prefixes for BadgerDB storage. Secondary indexes keep plan-scoped and
// backup-scoped listings cheap without scanning every record.
const (
	planKeyPrefix    = "plan:"
	backupKeyPrefix  = "backup:"
	restoreKeyPrefix = "restore:"

	backupPlanIdxPrefix    = "idx:backup_plan:"    // idx:backup_plan:<planID>:<backupID>
	restoreBackupIdxPrefix = "idx:restore_backup:" // idx:restore_backup:<backupID>:<restoreID>
	restorePlanIdxPrefix   = "idx:restore_plan:"   // idx:restore_plan:<planID>:<restoreID>
)

// Open opens (or creates) the Badger database at dir. An empty dir opens an
// in-memory database, used by tests.
func Open(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", dir, err)
	}
	return db, nil
}

// NewBadgerStores returns the three entity stores backed by one Badger DB.
func NewBadgerStores(db *badger.DB) Stores {
	return Stores{
		Plans:    &badgerPlanStore{db: db},
		Backups:  &badgerBackupStore{db: db},
		Restores: &badgerRestoreStore{db: db},
	}
}

func getJSON[T any](txn *badger.Txn, key string) (*T, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	var out T
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &out)
	}); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &out, nil
}

func setJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return txn.Set([]byte(key), data)
}

func exists(txn *badger.Txn, key string) (bool, error) {
	_, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// iterateIndex walks a secondary index prefix and yields the indexed ids.
func iterateIndex(txn *badger.Txn, prefix string, fn func(id string) error) error {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefix)})
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		if err := item.Value(func(val []byte) error {
			return fn(string(val))
		}); err != nil {
			return err
		}
	}
	return nil
}

type badgerPlanStore struct {
	db *badger.DB
}

func (s *badgerPlanStore) GetByID(_ context.Context, id string) (*models.Plan, error) {
	var plan *models.Plan
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		plan, err = getJSON[models.Plan](txn, planKeyPrefix+id)
		return err
	})
	return plan, err
}

func (s *badgerPlanStore) Create(_ context.Context, plan *models.Plan) error {
	return s.db.Update(func(txn *badger.Txn) error {
		ok, err := exists(txn, planKeyPrefix+plan.ID)
		if err != nil {
			return err
		}
		if ok {
			return ErrAlreadyExists
		}
		return setJSON(txn, planKeyPrefix+plan.ID, plan)
	})
}

func (s *badgerPlanStore) Update(_ context.Context, id string, mutate func(*models.Plan)) (*models.Plan, error) {
	var out *models.Plan
	err := s.db.Update(func(txn *badger.Txn) error {
		plan, err := getJSON[models.Plan](txn, planKeyPrefix+id)
		if err != nil {
			return err
		}
		mutate(plan)
		out = plan
		return setJSON(txn, planKeyPrefix+id, plan)
	})
	return out, err
}

func (s *badgerPlanStore) Delete(_ context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		ok, err := exists(txn, planKeyPrefix+id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		return txn.Delete([]byte(planKeyPrefix + id))
	})
}

func (s *badgerPlanStore) List(_ context.Context) ([]*models.Plan, error) {
	var plans []*models.Plan
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(planKeyPrefix)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var plan models.Plan
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &plan)
			}); err != nil {
				return err
			}
			plans = append(plans, &plan)
		}
		return nil
	})
	return plans, err
}

func (s *badgerPlanStore) UpdateStats(ctx context.Context, id string, stats models.PlanStats) error {
	_, err := s.Update(ctx, id, func(p *models.Plan) {
		p.Stats = stats
	})
	return err
}

func (s *badgerPlanStore) SetActive(_ context.Context, id string, active bool) error {
	key := "plan_active:" + id
	return s.db.Update(func(txn *badger.Txn) error {
		if !active {
			return txn.Delete([]byte(key))
		}
		return txn.Set([]byte(key), []byte{1})
	})
}

type badgerBackupStore struct {
	db *badger.DB
}

func (s *badgerBackupStore) GetByID(_ context.Context, id string) (*models.BackupRecord, error) {
	var rec *models.BackupRecord
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getJSON[models.BackupRecord](txn, backupKeyPrefix+id)
		return err
	})
	return rec, err
}

func (s *badgerBackupStore) Create(_ context.Context, rec *models.BackupRecord) error {
	return s.db.Update(func(txn *badger.Txn) error {
		ok, err := exists(txn, backupKeyPrefix+rec.ID)
		if err != nil {
			return err
		}
		if ok {
			return ErrAlreadyExists
		}

		// The invariant check runs inside the write transaction so a lost
		// race between the caller's pre-check and this insert still cannot
		// produce two in-progress records for one plan.
		if rec.InProgress {
			active, err := hasActiveBackupTxn(txn, rec.PlanID)
			if err != nil {
				return err
			}
			if active {
				return ErrActiveConflict
			}
		}

		if err := setJSON(txn, backupKeyPrefix+rec.ID, rec); err != nil {
			return err
		}
		idxKey := backupPlanIdxPrefix + rec.PlanID + ":" + rec.ID
		return txn.Set([]byte(idxKey), []byte(rec.ID))
	})
}

func (s *badgerBackupStore) Update(_ context.Context, id string, mutate func(*models.BackupRecord)) (*models.BackupRecord, error) {
	var out *models.BackupRecord
	err := s.db.Update(func(txn *badger.Txn) error {
		rec, err := getJSON[models.BackupRecord](txn, backupKeyPrefix+id)
		if err != nil {
			return err
		}
		mutate(rec)
		out = rec
		return setJSON(txn, backupKeyPrefix+id, rec)
	})
	return out, err
}

func (s *badgerBackupStore) Delete(_ context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		rec, err := getJSON[models.BackupRecord](txn, backupKeyPrefix+id)
		if err != nil {
			return err
		}
		if err := txn.Delete([]byte(backupKeyPrefix + id)); err != nil {
			return err
		}
		return txn.Delete([]byte(backupPlanIdxPrefix + rec.PlanID + ":" + id))
	})
}

func (s *badgerBackupStore) ListByPlan(_ context.Context, planID string) ([]*models.BackupRecord, error) {
	var recs []*models.BackupRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return iterateIndex(txn, backupPlanIdxPrefix+planID+":", func(id string) error {
			rec, err := getJSON[models.BackupRecord](txn, backupKeyPrefix+id)
			if errors.Is(err, ErrNotFound) {
				return nil // index ahead of a delete, skip
			}
			if err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	return recs, err
}

func (s *badgerBackupStore) HasActiveBackups(_ context.Context, planID string) (bool, error) {
	var active bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		active, err = hasActiveBackupTxn(txn, planID)
		return err
	})
	return active, err
}

func hasActiveBackupTxn(txn *badger.Txn, planID string) (bool, error) {
	active := false
	err := iterateIndex(txn, backupPlanIdxPrefix+planID+":", func(id string) error {
		if active {
			return nil
		}
		rec, err := getJSON[models.BackupRecord](txn, backupKeyPrefix+id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.InProgress {
			active = true
		}
		return nil
	})
	return active, err
}

type badgerRestoreStore struct {
	db *badger.DB
}

func (s *badgerRestoreStore) GetByID(_ context.Context, id string) (*models.RestoreRecord, error) {
	var rec *models.RestoreRecord
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getJSON[models.RestoreRecord](txn, restoreKeyPrefix+id)
		return err
	})
	return rec, err
}

func (s *badgerRestoreStore) Create(_ context.Context, rec *models.RestoreRecord) error {
	return s.db.Update(func(txn *badger.Txn) error {
		ok, err := exists(txn, restoreKeyPrefix+rec.ID)
		if err != nil {
			return err
		}
		if ok {
			return ErrAlreadyExists
		}

		if rec.InProgress {
			active, err := hasActiveRestoreTxn(txn, restoreBackupIdxPrefix+rec.BackupID+":")
			if err != nil {
				return err
			}
			if active {
				return ErrActiveConflict
			}
		}

		if err := setJSON(txn, restoreKeyPrefix+rec.ID, rec); err != nil {
			return err
		}
		if err := txn.Set([]byte(restoreBackupIdxPrefix+rec.BackupID+":"+rec.ID), []byte(rec.ID)); err != nil {
			return err
		}
		return txn.Set([]byte(restorePlanIdxPrefix+rec.PlanID+":"+rec.ID), []byte(rec.ID))
	})
}

func (s *badgerRestoreStore) Update(_ context.Context, id string, mutate func(*models.RestoreRecord)) (*models.RestoreRecord, error) {
	var out *models.RestoreRecord
	err := s.db.Update(func(txn *badger.Txn) error {
		rec, err := getJSON[models.RestoreRecord](txn, restoreKeyPrefix+id)
		if err != nil {
			return err
		}
		mutate(rec)
		out = rec
		return setJSON(txn, restoreKeyPrefix+id, rec)
	})
	return out, err
}

func (s *badgerRestoreStore) Delete(_ context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		rec, err := getJSON[models.RestoreRecord](txn, restoreKeyPrefix+id)
		if err != nil {
			return err
		}
		if err := txn.Delete([]byte(restoreKeyPrefix + id)); err != nil {
			return err
		}
		if err := txn.Delete([]byte(restoreBackupIdxPrefix + rec.BackupID + ":" + id)); err != nil {
			return err
		}
		return txn.Delete([]byte(restorePlanIdxPrefix + rec.PlanID + ":" + id))
	})
}

func (s *badgerRestoreStore) ListByBackup(_ context.Context, backupID string) ([]*models.RestoreRecord, error) {
	var recs []*models.RestoreRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return iterateIndex(txn, restoreBackupIdxPrefix+backupID+":", func(id string) error {
			rec, err := getJSON[models.RestoreRecord](txn, restoreKeyPrefix+id)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	return recs, err
}

func (s *badgerRestoreStore) HasActiveRestore(_ context.Context, planID string) (bool, error) {
	var active bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		active, err = hasActiveRestoreTxn(txn, restorePlanIdxPrefix+planID+":")
		return err
	})
	return active, err
}

func (s *badgerRestoreStore) HasActiveRestoreForBackup(_ context.Context, backupID string) (bool, error) {
	var active bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		active, err = hasActiveRestoreTxn(txn, restoreBackupIdxPrefix+backupID+":")
		return err
	})
	return active, err
}

func hasActiveRestoreTxn(txn *badger.Txn, idxPrefix string) (bool, error) {
	active := false
	err := iterateIndex(txn, idxPrefix, func(id string) error {
		if active {
			return nil
		}
		rec, err := getJSON[models.RestoreRecord](txn, restoreKeyPrefix+id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.InProgress {
			active = true
		}
		return nil
	})
	return active, err
}
