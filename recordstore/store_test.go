// Copyright 2026 The Gangway Authors
// SPDX-License-Identifier: Apache-2.0

package recordstore

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "records", "records.db"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestKVRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.PutKV(ctx, "manifests", "addr-1", []byte("manifest hash")); err != nil {
		t.Fatalf("put: %v", err)
	}
	value, err := store.GetKV(ctx, "manifests", "addr-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(value, []byte("manifest hash")) {
		t.Fatalf("value = %q", value)
	}

	// Replace.
	if err := store.PutKV(ctx, "manifests", "addr-1", []byte("updated")); err != nil {
		t.Fatalf("put replace: %v", err)
	}
	value, err = store.GetKV(ctx, "manifests", "addr-1")
	if err != nil {
		t.Fatalf("get after replace: %v", err)
	}
	if string(value) != "updated" {
		t.Fatalf("value after replace = %q", value)
	}
}

func TestKVMissing(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.GetKV(context.Background(), "bucket", "absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetKV missing = %v, want ErrNotFound", err)
	}
}

func TestListKVSorted(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for _, key := range []string{"charlie", "alpha", "bravo"} {
		if err := store.PutKV(ctx, "b", key, []byte("x")); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	keys, err := store.ListKV(ctx, "b")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"alpha", "bravo", "charlie"}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v", keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys = %v, want %v", keys, want)
		}
	}
}

func TestDocumentLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	address := "/gwdb/abc/test"

	if err := store.UpsertDocument(ctx, address, "doc-1", "hash-1", false); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	record, err := store.GetDocument(ctx, address, "doc-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.EntryHash != "hash-1" || record.Deleted {
		t.Fatalf("record = %+v", record)
	}

	// Update to a new entry.
	if err := store.UpsertDocument(ctx, address, "doc-1", "hash-2", false); err != nil {
		t.Fatalf("upsert update: %v", err)
	}
	record, _ = store.GetDocument(ctx, address, "doc-1")
	if record.EntryHash != "hash-2" {
		t.Fatalf("record after update = %+v", record)
	}

	// Tombstone.
	if err := store.UpsertDocument(ctx, address, "doc-1", "hash-3", true); err != nil {
		t.Fatalf("tombstone: %v", err)
	}
	record, err = store.GetDocument(ctx, address, "doc-1")
	if err != nil {
		t.Fatalf("get tombstone: %v", err)
	}
	if !record.Deleted {
		t.Fatal("tombstone not recorded")
	}

	live, err := store.ListDocuments(ctx, address)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(live) != 0 {
		t.Fatalf("tombstoned document still listed: %v", live)
	}
}

func TestDocumentsScopedByAddress(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	store.UpsertDocument(ctx, "addr-a", "doc", "hash-a", false)
	store.UpsertDocument(ctx, "addr-b", "doc", "hash-b", false)

	record, err := store.GetDocument(ctx, "addr-a", "doc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.EntryHash != "hash-a" {
		t.Fatalf("addr-a record = %+v", record)
	}
}

func TestLogAppendSequence(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	address := "/gwdb/def/log"

	for i := 1; i <= 3; i++ {
		seq, err := store.AppendLog(ctx, address, "hash")
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if seq != int64(i) {
			t.Fatalf("seq = %d, want %d", seq, i)
		}
	}

	hashes, err := store.ListLog(ctx, address)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(hashes) != 3 {
		t.Fatalf("log has %d entries", len(hashes))
	}
}

func TestFirstRunCreatesDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brand", "new", "records.db")
	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open on missing path = %v, want success (first run)", err)
	}
	store.Close()
}
