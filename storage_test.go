// storage_test.go: Tests for the key-value store and installation-scoped accessor
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginexec

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func TestMemoryKVStore_SetGetDelete(t *testing.T) {
	store := NewMemoryKVStore()
	ctx := context.Background()

	if err := store.Set(ctx, "k1", []byte("v1"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	value, ok, err := store.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok || string(value) != "v1" {
		t.Fatalf("Expected v1, got %q (ok=%v)", value, ok)
	}

	if err := store.Delete(ctx, "k1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "k1"); ok {
		t.Error("Expected key gone after delete")
	}
}

func TestMemoryKVStore_MissingKey(t *testing.T) {
	store := NewMemoryKVStore()

	value, ok, err := store.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok || value != nil {
		t.Errorf("Expected miss, got %q (ok=%v)", value, ok)
	}
}

func TestMemoryKVStore_TTLExpiry(t *testing.T) {
	store := NewMemoryKVStore()
	ctx := context.Background()

	if err := store.Set(ctx, "short", []byte("v"), 20*time.Millisecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "short"); !ok {
		t.Fatal("Expected key present before expiry")
	}

	time.Sleep(40 * time.Millisecond)
	if _, ok, _ := store.Get(ctx, "short"); ok {
		t.Error("Expected key expired")
	}
}

func TestMemoryKVStore_ValueIsolation(t *testing.T) {
	store := NewMemoryKVStore()
	ctx := context.Background()

	original := []byte("abc")
	_ = store.Set(ctx, "k", original, 0)
	original[0] = 'z'

	value, _, _ := store.Get(ctx, "k")
	if string(value) != "abc" {
		t.Errorf("Expected stored value isolated from caller mutation, got %q", value)
	}

	value[0] = 'z'
	again, _, _ := store.Get(ctx, "k")
	if string(again) != "abc" {
		t.Errorf("Expected returned value isolated from caller mutation, got %q", again)
	}
}

func TestStorageAccessor_NamespacesByInstallation(t *testing.T) {
	store := NewMemoryKVStore()
	ctx := context.Background()

	installA := NewStorageAccessor(store, "install-a")
	installB := NewStorageAccessor(store, "install-b")

	if err := installA.Set(ctx, "shared-key", []byte("from-a"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := installB.Set(ctx, "shared-key", []byte("from-b"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	valueA, okA, _ := installA.Get(ctx, "shared-key")
	valueB, okB, _ := installB.Get(ctx, "shared-key")
	if !okA || string(valueA) != "from-a" {
		t.Errorf("Expected install-a to read its own value, got %q", valueA)
	}
	if !okB || string(valueB) != "from-b" {
		t.Errorf("Expected install-b to read its own value, got %q", valueB)
	}

	// Deleting in one namespace must not touch the other
	if err := installA.Delete(ctx, "shared-key"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, _ := installB.Get(ctx, "shared-key"); !ok {
		t.Error("Expected install-b value to survive install-a delete")
	}
}

type failingKVStore struct{}

func (f *failingKVStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("backend down")
}
func (f *failingKVStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("backend down")
}
func (f *failingKVStore) Delete(context.Context, string) error { return errors.New("backend down") }
func (f *failingKVStore) Close() error                         { return nil }

func TestStorageAccessor_WrapsBackendFailures(t *testing.T) {
	accessor := NewStorageAccessor(&failingKVStore{}, "install-a")
	ctx := context.Background()

	_, _, err := accessor.Get(ctx, "k")
	if errorCode(err) != ErrCodeStorageFailed {
		t.Errorf("Expected storage error code, got %v", err)
	}
	if err := accessor.Set(ctx, "k", []byte("v"), 0); errorCode(err) != ErrCodeStorageFailed {
		t.Errorf("Expected storage error code, got %v", err)
	}
	if err := accessor.Delete(ctx, "k"); errorCode(err) != ErrCodeStorageFailed {
		t.Errorf("Expected storage error code, got %v", err)
	}
}

// TestRedisKVStore_RoundTrip exercises the Redis backend against a live
// server. Skipped unless REDIS_ADDR is set.
func TestRedisKVStore_RoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping Redis integration test")
	}

	store, err := NewRedisKVStore(RedisKVConfig{Addr: addr, KeyPrefix: "pluginexec-test:"})
	if err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	if err := store.Set(ctx, "k1", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	value, ok, err := store.Get(ctx, "k1")
	if err != nil || !ok || string(value) != "v1" {
		t.Fatalf("Expected v1, got %q (ok=%v, err=%v)", value, ok, err)
	}
	if err := store.Delete(ctx, "k1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "k1"); ok {
		t.Error("Expected key gone after delete")
	}
}
