// Package memory provides an in-process metadata store. Records are lost on
// restart; it backs tests and DATABASE_DRIVER=memory.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/fruitsalade/filevault/internal/metadata"
)

// Store keeps records in a map guarded by a mutex.
type Store struct {
	mu    sync.RWMutex
	files map[uuid.UUID]metadata.FileRecord
	keys  map[string]uuid.UUID
}

// New returns an empty store.
func New() *Store {
	return &Store{
		files: make(map[uuid.UUID]metadata.FileRecord),
		keys:  make(map[string]uuid.UUID),
	}
}

// CreateFile inserts a new record. IDs and storage keys must be unique.
func (s *Store) CreateFile(ctx context.Context, rec *metadata.FileRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[rec.ID]; ok {
		return fmt.Errorf("insert file %s: duplicate id", rec.ID)
	}
	if _, ok := s.keys[rec.StorageKey]; ok {
		return fmt.Errorf("insert file %s: duplicate storage key %s", rec.ID, rec.StorageKey)
	}
	s.files[rec.ID] = *rec
	s.keys[rec.StorageKey] = rec.ID
	return nil
}

// GetFile returns a copy of the record for id, or metadata.ErrNotFound.
func (s *Store) GetFile(ctx context.Context, id uuid.UUID) (*metadata.FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.files[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", metadata.ErrNotFound, id)
	}
	return &rec, nil
}

// ListFiles returns an owner's records, oldest first.
func (s *Store) ListFiles(ctx context.Context, ownerID uuid.UUID) ([]*metadata.FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var records []*metadata.FileRecord
	for _, rec := range s.files {
		if rec.OwnerID == ownerID {
			rec := rec
			records = append(records, &rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID.String() < records[j].ID.String()
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// DeleteFile removes the record for id, or returns metadata.ErrNotFound.
func (s *Store) DeleteFile(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.files[id]
	if !ok {
		return fmt.Errorf("%w: %s", metadata.ErrNotFound, id)
	}
	delete(s.files, id)
	delete(s.keys, rec.StorageKey)
	return nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.files)
}
