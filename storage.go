// storage.go: Installation-scoped key-value storage capability
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginexec

import (
	"context"
	"sync"
	"time"
)

// KVStore is the backing store contract for plugin storage. Implementations
// must provide per-key atomicity for Get/Set/Delete; no ordering across keys
// is imposed.
//
// Two implementations ship with the library: MemoryKVStore for development
// and tests, and RedisKVStore for durable multi-process deployments. The
// backend is selected by configuration, never by a hard-coded fallback.
type KVStore interface {
	// Get returns the value for key and whether it exists. Expired entries
	// read as absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key. A ttl of zero means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	Close() error
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// MemoryKVStore is a process-local KVStore with lazy TTL expiry. Expired
// entries are garbage-collected on read or explicit delete.
type MemoryKVStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemoryKVStore creates an empty in-memory store.
func NewMemoryKVStore() *MemoryKVStore {
	return &MemoryKVStore{entries: make(map[string]memoryEntry)}
}

// Get implements KVStore.
func (s *MemoryKVStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(s.entries, key)
		return nil, false, nil
	}

	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, true, nil
}

// Set implements KVStore.
func (s *MemoryKVStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	entry := memoryEntry{value: stored}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()
	return nil
}

// Delete implements KVStore.
func (s *MemoryKVStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Close implements KVStore.
func (s *MemoryKVStore) Close() error {
	s.mu.Lock()
	s.entries = make(map[string]memoryEntry)
	s.mu.Unlock()
	return nil
}

// Len returns the number of live entries, counting not-yet-collected expired
// ones. Intended for tests and diagnostics.
func (s *MemoryKVStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// StorageAccessor is the narrow storage capability handed to one plugin
// invocation. Every key is namespaced under the installation identity, so a
// plugin can never read or write another installation's data.
type StorageAccessor struct {
	store          KVStore
	installationID string
}

// NewStorageAccessor scopes store to one installation.
func NewStorageAccessor(store KVStore, installationID string) *StorageAccessor {
	return &StorageAccessor{store: store, installationID: installationID}
}

func (a *StorageAccessor) namespaced(key string) string {
	return a.installationID + ":" + key
}

// Get returns the stored value for key within the installation namespace.
func (a *StorageAccessor) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, ok, err := a.store.Get(ctx, a.namespaced(key))
	if err != nil {
		return nil, false, NewStorageError("get", key, err)
	}
	return value, ok, nil
}

// Set stores value under key within the installation namespace. A ttl of
// zero means no expiry.
func (a *StorageAccessor) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := a.store.Set(ctx, a.namespaced(key), value, ttl); err != nil {
		return NewStorageError("set", key, err)
	}
	return nil
}

// Delete removes key within the installation namespace.
func (a *StorageAccessor) Delete(ctx context.Context, key string) error {
	if err := a.store.Delete(ctx, a.namespaced(key)); err != nil {
		return NewStorageError("delete", key, err)
	}
	return nil
}
