// Package server hosts the coordination service: the executor-side
// counterpart of the statestore client, enforcing conditions, fencing
// tokens, and expiry over a pluggable store.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/c360/meshrpc/hlc"
)

// Entry is one stored key with its coordination metadata.
type Entry struct {
	Value     []byte        `json:"value"`
	Version   hlc.Timestamp `json:"version"`
	ExpiresAt time.Time     `json:"expiresAt,omitempty"` // zero means no expiry
	Fence     hlc.Timestamp `json:"fence,omitempty"`     // highest fencing token recorded
}

// Protected reports whether writes to this entry require a fencing
// token.
func (e Entry) Protected() bool { return !e.Fence.IsZero() }

// Expired reports whether the entry has lapsed as of now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Store is the persistence boundary of the service. Implementations
// must be safe for concurrent use; coordination semantics (conditions,
// fencing, expiry) live above this interface.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, e Entry) error
	Del(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
	Snapshot(ctx context.Context) (map[string]Entry, error)
}

// MemStore is the in-memory Store used by default.
type MemStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string]Entry)}
}

// Get implements Store.
func (s *MemStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok, nil
}

// Set implements Store.
func (s *MemStore) Set(_ context.Context, key string, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = e
	return nil
}

// Del implements Store.
func (s *MemStore) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// List implements Store.
func (s *MemStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	return keys, nil
}

// Snapshot implements Store.
func (s *MemStore) Snapshot(_ context.Context) (map[string]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Entry, len(s.entries))
	for key, e := range s.entries {
		out[key] = e
	}
	return out, nil
}
