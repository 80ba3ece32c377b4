// Package memstore provides an in-memory implementation of runs.Store.
package memstore

import (
	"context"
	"sync"

	"github.com/linnemanlabs/panelscope/internal/runs"
)

// Store holds run records in memory. Suitable for dev and the one-shot CLI.
type Store struct {
	mu      sync.RWMutex
	records map[string]*runs.Record // run ID -> record
	latest  map[string]string       // request fingerprint -> most recent run ID
}

// New initializes an empty Store.
func New() *Store {
	return &Store{
		records: make(map[string]*runs.Record),
		latest:  make(map[string]string),
	}
}

// Get returns a copy of the record with the given ID.
func (s *Store) Get(_ context.Context, id string) (*runs.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

// GetByFingerprint returns a copy of the most recent record for a fingerprint.
func (s *Store) GetByFingerprint(_ context.Context, fp string) (*runs.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.latest[fp]
	if !ok {
		return nil, false, nil
	}
	cp := *s.records[id]
	return &cp, true, nil
}

// Put stores a copy of the record. Inserting an active record while another
// run with the same fingerprint is active fails with runs.ErrActiveDuplicate.
func (s *Store) Put(_ context.Context, r *runs.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[r.ID]; !exists && r.Status.Active() {
		if prev, ok := s.latest[r.Fingerprint]; ok && s.records[prev].Status.Active() {
			return runs.ErrActiveDuplicate
		}
	}
	cp := *r
	s.records[r.ID] = &cp
	if prev, ok := s.latest[r.Fingerprint]; !ok || !s.records[prev].CreatedAt.After(r.CreatedAt) {
		s.latest[r.Fingerprint] = r.ID
	}
	return nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
