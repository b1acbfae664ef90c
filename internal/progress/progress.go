// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

// Package progress reads and writes per-operation progress artifacts:
// ordered lists of raw execution-tool events stored as backup-<id>.json or
// restore-<id>.json. The last "summary" entry is authoritative for
// completion stats when a completion event arrives without an inline
// summary.
package progress

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/fleetback/fleetback/internal/models"
)

// Kind selects the artifact family for an operation id.
type Kind string

const (
	// KindBackup reads/writes backup-<id>.json.
	KindBackup Kind = "backup"
	// KindRestore reads/writes restore-<id>.json.
	KindRestore Kind = "restore"
)

// EntryTypeSummary marks the completion summary entry.
const EntryTypeSummary = "summary"

// EntryTypeStatus marks a live progress entry.
const EntryTypeStatus = "status"

// Entry is one raw execution event appended to an artifact.
type Entry struct {
	Type string          `json:"type"`
	Time time.Time       `json:"time"`
	Data json.RawMessage `json:"data"`
}

// ErrNoSummary is returned when an artifact holds no summary entry.
var ErrNoSummary = errors.New("progress artifact has no summary entry")

// Store reads and appends progress artifacts under a base directory.
// Appends serialize per store; reads are lock-free file reads.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create progress dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(kind Kind, id string) string {
	return filepath.Join(s.dir, string(kind)+"-"+id+".json")
}

// Read returns all entries of the artifact in order. A missing artifact
// yields an empty slice, not an error.
func (s *Store) Read(kind Kind, id string) ([]Entry, error) {
	data, err := os.ReadFile(s.path(kind, id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read progress artifact: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode progress artifact: %w", err)
	}
	return entries, nil
}

// LastSummary extracts the completion stats from the last summary-typed
// entry of the artifact.
func (s *Store) LastSummary(kind Kind, id string) (*models.CompletionStats, error) {
	entries, err := s.Read(kind, id)
	if err != nil {
		return nil, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Type != EntryTypeSummary {
			continue
		}
		var stats models.CompletionStats
		if err := json.Unmarshal(entries[i].Data, &stats); err != nil {
			return nil, fmt.Errorf("decode summary entry: %w", err)
		}
		return &stats, nil
	}
	return nil, ErrNoSummary
}

// Append adds an entry to the artifact, creating it on first write.
func (s *Store) Append(kind Kind, id string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.Read(kind, id)
	if err != nil {
		return err
	}
	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}
	entries = append(entries, entry)

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode progress artifact: %w", err)
	}
	return os.WriteFile(s.path(kind, id), data, 0o600)
}

// AppendSummary is a convenience for recording the completion summary.
func (s *Store) AppendSummary(kind Kind, id string, stats *models.CompletionStats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	return s.Append(kind, id, Entry{Type: EntryTypeSummary, Data: data})
}

// Remove deletes the artifact for an operation. Missing artifacts are fine.
func (s *Store) Remove(kind Kind, id string) error {
	err := os.Remove(s.path(kind, id))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
