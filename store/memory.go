package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alimasry/collab-ot/ot"
)

type docRecord struct {
	history  []ot.Operation
	versions []ContentVersion
}

func (r *docRecord) latest() ContentVersion {
	return r.versions[len(r.versions)-1]
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*docRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*docRecord)}
}

func (s *MemoryStore) Create(_ context.Context, seed ContentVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[seed.ContentID]; exists {
		return fmt.Errorf("%w: %q", ErrAlreadyExists, seed.ContentID)
	}
	seed.Version = 0
	if seed.CreatedAt.IsZero() {
		seed.CreatedAt = time.Now()
	}
	s.docs[seed.ContentID] = &docRecord{versions: []ContentVersion{seed}}
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) LatestSnapshot(_ context.Context, id string) (*ContentVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	snap := rec.latest()
	return &snap, nil
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snap ContentVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.docs[snap.ContentID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, snap.ContentID)
	}
	if snap.Version <= rec.latest().Version {
		return nil
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}
	rec.versions = append(rec.versions, snap)
	return nil
}

func (s *MemoryStore) AppendOperation(_ context.Context, id string, op ot.Operation, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	switch {
	case version <= len(rec.history):
		return nil
	case version > len(rec.history)+1:
		return fmt.Errorf("%w: %q has %d ops, got version %d", ErrVersionGap, id, len(rec.history), version)
	}
	rec.history = append(rec.history, op)
	return nil
}

func (s *MemoryStore) GetOperations(_ context.Context, id string, fromVersion int) ([]ot.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if fromVersion < 0 || fromVersion > len(rec.history) {
		return nil, fmt.Errorf("invalid version %d", fromVersion)
	}
	ops := make([]ot.Operation, len(rec.history)-fromVersion)
	copy(ops, rec.history[fromVersion:])
	return ops, nil
}
