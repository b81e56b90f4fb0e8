package tokenstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory.
//
// Stored records are immutable; writers swap in a new pointer, so a Get
// never observes a half-written record and never blocks on a writer of a
// different key.
type MemoryStore struct {
	records sync.Map // Key -> *Record
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

// Get returns a copy of the record for (providerID, subjectID).
func (s *MemoryStore) Get(_ context.Context, providerID, subjectID string) (*Record, error) {
	v, ok := s.records.Load(Key{ProviderID: providerID, SubjectID: subjectID})
	if !ok {
		return nil, ErrNotFound
	}
	return v.(*Record).Clone(), nil
}

// Put inserts or replaces rec.
func (s *MemoryStore) Put(_ context.Context, rec *Record) error {
	stored, err := prepare(rec, s.now())
	if err != nil {
		return err
	}
	s.records.Store(stored.Key(), stored)
	return nil
}

// Invalidate marks the latest stored record invalid.
func (s *MemoryStore) Invalidate(_ context.Context, providerID, subjectID, reason string) error {
	key := Key{ProviderID: providerID, SubjectID: subjectID}
	for {
		v, ok := s.records.Load(key)
		if !ok {
			return ErrNotFound
		}
		current := v.(*Record)
		if s.records.CompareAndSwap(key, current, invalidated(current, reason, s.now())) {
			return nil
		}
	}
}

// Delete removes the record.
func (s *MemoryStore) Delete(_ context.Context, providerID, subjectID string) error {
	s.records.Delete(Key{ProviderID: providerID, SubjectID: subjectID})
	return nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	n := 0
	s.records.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
