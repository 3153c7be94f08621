// Copyright 2026 The Gangway Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/gangway-project/gangway/blockstore"
	"github.com/gangway-project/gangway/identity"
	"github.com/gangway-project/gangway/lib/cas"
	"github.com/gangway-project/gangway/recordstore"
)

// localSigner signs sign-request digests directly with an in-process
// key, standing in for the relay round trip.
type localSigner struct {
	privateKey ed25519.PrivateKey
	failWith   error
}

func (s *localSigner) Sign(ctx context.Context, payload []byte) ([]byte, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	digest := cas.SignDigest(payload)
	return ed25519.Sign(s.privateKey, digest[:]), nil
}

func newTestEngine(t *testing.T) (*Engine, *localSigner) {
	t.Helper()
	root := t.TempDir()

	blocks, err := blockstore.Open(filepath.Join(root, "blocks"), nil)
	if err != nil {
		t.Fatalf("blockstore.Open: %v", err)
	}
	records, err := recordstore.Open(filepath.Join(root, "records", "records.db"), nil)
	if err != nil {
		t.Fatalf("recordstore.Open: %v", err)
	}
	t.Cleanup(func() { records.Close() })

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating author key: %v", err)
	}
	signer := &localSigner{privateKey: privateKey}

	engine, err := New(Config{
		Blocks:  blocks,
		Records: records,
		Signer:  signer,
		Author: identity.Descriptor{
			Identifier: identity.DeriveIdentifier(publicKey),
			PublicKey:  publicKey,
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return engine, signer
}

func TestOpenDerivesStableAddress(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	first, err := engine.Open(ctx, "notes", KindDocStore, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := ParseAddress(string(first.Address)); err != nil {
		t.Fatalf("derived address does not parse: %v", err)
	}

	// Reopening is idempotent and yields the same address.
	second, err := engine.Open(ctx, "notes", KindDocStore, true)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if second.Address != first.Address {
		t.Fatalf("reopen changed address: %s != %s", second.Address, first.Address)
	}

	// Same name, different kind, is a different database.
	other, err := engine.Open(ctx, "notes", KindEventLog, true)
	if err != nil {
		t.Fatalf("Open other kind: %v", err)
	}
	if other.Address == first.Address {
		t.Fatal("different kinds share an address")
	}
}

func TestOpenWithoutCreateRequiresExisting(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	if _, err := engine.Open(ctx, "ghost", KindDocStore, false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Open unknown without create = %v, want ErrNotFound", err)
	}

	created, err := engine.Open(ctx, "real", KindDocStore, true)
	if err != nil {
		t.Fatalf("Open create: %v", err)
	}
	if err := engine.Close(created.Address); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The manifest registration survives close; reopening without
	// createIfMissing succeeds.
	if _, err := engine.Open(ctx, "real", KindDocStore, false); err != nil {
		t.Fatalf("reopen existing without create: %v", err)
	}
}

func TestClosedAddressIsNotFound(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	info, err := engine.Open(ctx, "short-lived", KindDocStore, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := engine.Close(info.Address); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := engine.Query(ctx, info.Address, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Query after close = %v, want ErrNotFound", err)
	}
	if err := engine.Close(info.Address); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Close = %v, want ErrNotFound", err)
	}
}

func TestDocstoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	info, err := engine.Open(ctx, "contacts", KindDocStore, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	document := map[string]any{
		"_id":   "alice",
		"name":  "Alice",
		"age":   int64(34),
		"tags":  []any{"friend"},
		"notes": map[string]any{"met": "2024"},
	}
	entryHash, err := engine.Add(ctx, info.Address, document)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if entryHash == (cas.Hash{}) {
		t.Fatal("Add returned a zero entry hash")
	}

	got, err := engine.Get(ctx, info.Address, "alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !reflect.DeepEqual(got, document) {
		t.Fatalf("round trip changed the document:\n got %#v\nwant %#v", got, document)
	}

	documents, err := engine.Query(ctx, info.Address, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(documents) != 1 || !reflect.DeepEqual(documents[0], document) {
		t.Fatalf("Query = %#v, want exactly the added document", documents)
	}
}

func TestDocstoreAddRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)
	info, _ := engine.Open(ctx, "contacts", KindDocStore, true)

	document := map[string]any{"_id": "bob"}
	if _, err := engine.Add(ctx, info.Address, document); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := engine.Add(ctx, info.Address, document); !errors.Is(err, ErrValidation) {
		t.Fatalf("duplicate Add = %v, want ErrValidation", err)
	}

	// Put upserts.
	updated := map[string]any{"_id": "bob", "version": int64(2)}
	if _, err := engine.Put(ctx, info.Address, updated); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := engine.Get(ctx, info.Address, "bob")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !reflect.DeepEqual(got, updated) {
		t.Fatalf("Put did not overwrite: %#v", got)
	}
}

func TestConcurrentAddsOfSameIDAdmitOne(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)
	info, _ := engine.Open(ctx, "contacts", KindDocStore, true)

	const writers = 8
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = engine.Add(ctx, info.Address, map[string]any{"_id": "bob", "writer": int64(i)})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for i, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case !errors.Is(err, ErrValidation):
			t.Fatalf("writer %d: %v, want ErrValidation", i, err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("%d concurrent adds of one id succeeded, want exactly 1", succeeded)
	}

	documents, err := engine.Query(ctx, info.Address, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(documents) != 1 {
		t.Fatalf("query returned %d documents, want 1", len(documents))
	}
}

func TestDocstoreValidation(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)
	info, _ := engine.Open(ctx, "contacts", KindDocStore, true)

	if _, err := engine.Add(ctx, info.Address, nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("Add(nil) = %v, want ErrValidation", err)
	}
	if _, err := engine.Add(ctx, info.Address, map[string]any{"name": "no id"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("Add without _id = %v, want ErrValidation", err)
	}
	if _, err := engine.Add(ctx, info.Address, map[string]any{"_id": int64(7)}); !errors.Is(err, ErrValidation) {
		t.Fatalf("Add with non-string _id = %v, want ErrValidation", err)
	}
}

func TestDeleteTombstones(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)
	info, _ := engine.Open(ctx, "contacts", KindDocStore, true)

	if _, err := engine.Add(ctx, info.Address, map[string]any{"_id": "carol"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := engine.Delete(ctx, info.Address, "carol"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	got, err := engine.Get(ctx, info.Address, "carol")
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if got != nil {
		t.Fatalf("deleted document still resolves: %#v", got)
	}
	documents, err := engine.Query(ctx, info.Address, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(documents) != 0 {
		t.Fatalf("Query returned %d documents after delete", len(documents))
	}

	// Deleting again, or deleting an id that never existed, is NotFound.
	if _, err := engine.Delete(ctx, info.Address, "carol"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete = %v, want ErrNotFound", err)
	}
	if _, err := engine.Delete(ctx, info.Address, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete absent = %v, want ErrNotFound", err)
	}

	// A tombstoned id can be re-added.
	if _, err := engine.Add(ctx, info.Address, map[string]any{"_id": "carol"}); err != nil {
		t.Fatalf("re-Add after delete: %v", err)
	}
}

func TestEventLogOrdering(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)
	info, _ := engine.Open(ctx, "journal", KindEventLog, true)

	var hashes []cas.Hash
	for i := 1; i <= 3; i++ {
		hash, err := engine.Add(ctx, info.Address, map[string]any{"n": int64(i)})
		if err != nil {
			t.Fatalf("Add #%d: %v", i, err)
		}
		hashes = append(hashes, hash)
	}

	documents, err := engine.Query(ctx, info.Address, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(documents) != 3 {
		t.Fatalf("Query returned %d documents, want 3", len(documents))
	}
	for i, document := range documents {
		if document["n"] != int64(i+1) {
			t.Fatalf("document %d out of order: %#v", i, document)
		}
	}

	// Eventlog Get resolves by entry hash.
	got, err := engine.Get(ctx, info.Address, cas.Format(hashes[1]))
	if err != nil {
		t.Fatalf("Get by entry hash: %v", err)
	}
	if got["n"] != int64(2) {
		t.Fatalf("Get by entry hash = %#v", got)
	}

	// Put and Delete are docstore operations.
	if _, err := engine.Put(ctx, info.Address, map[string]any{"_id": "x"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("Put on eventlog = %v, want ErrValidation", err)
	}
	if _, err := engine.Delete(ctx, info.Address, "x"); !errors.Is(err, ErrValidation) {
		t.Fatalf("Delete on eventlog = %v, want ErrValidation", err)
	}
}

func TestQueryPredicate(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)
	info, _ := engine.Open(ctx, "contacts", KindDocStore, true)

	for _, document := range []map[string]any{
		{"_id": "a", "age": int64(30)},
		{"_id": "b", "age": int64(40)},
		{"_id": "c"},
	} {
		if _, err := engine.Add(ctx, info.Address, document); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	documents, err := engine.Query(ctx, info.Address, &Predicate{Field: "age", Op: OpGte, Value: 35})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(documents) != 1 || documents[0]["_id"] != "b" {
		t.Fatalf("predicate query = %#v", documents)
	}

	if _, err := engine.Query(ctx, info.Address, &Predicate{Field: "age", Op: "regex"}); !errors.Is(err, ErrInvalidPredicate) {
		t.Fatalf("invalid predicate = %v, want ErrInvalidPredicate", err)
	}
}

func TestSignerFailureCommitsNothing(t *testing.T) {
	ctx := context.Background()
	engine, signer := newTestEngine(t)
	info, _ := engine.Open(ctx, "contacts", KindDocStore, true)

	signer.failWith = errors.New("user cancelled the prompt")
	if _, err := engine.Add(ctx, info.Address, map[string]any{"_id": "dave"}); err == nil {
		t.Fatal("Add succeeded despite signer failure")
	}

	signer.failWith = nil
	got, err := engine.Get(ctx, info.Address, "dave")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("failed write left a document behind: %#v", got)
	}
}

func TestEntriesAreSignedAndVerifiable(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)
	info, _ := engine.Open(ctx, "journal", KindEventLog, true)

	var captured []Event
	var mu sync.Mutex
	engine.SetEventHandler(func(event Event) {
		mu.Lock()
		captured = append(captured, event)
		mu.Unlock()
	})

	if _, err := engine.Add(ctx, info.Address, map[string]any{"msg": "hello"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(captured) != 1 {
		t.Fatalf("captured %d events, want 1", len(captured))
	}
	entry := captured[0].Entry
	if err := entry.VerifySignature(); err != nil {
		t.Fatalf("committed entry does not verify: %v", err)
	}
	if entry.Author.Identifier == "" || entry.Seq != 1 {
		t.Fatalf("entry metadata wrong: %+v", entry)
	}

	// Tampering breaks verification.
	entry.Document["msg"] = "tampered"
	if err := entry.VerifySignature(); err == nil {
		t.Fatal("tampered entry still verifies")
	}
}

func TestEventsScopedToAddress(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)
	first, _ := engine.Open(ctx, "one", KindEventLog, true)
	second, _ := engine.Open(ctx, "two", KindEventLog, true)

	var mu sync.Mutex
	perAddress := map[Address]int{}
	engine.SetEventHandler(func(event Event) {
		mu.Lock()
		perAddress[event.Address]++
		mu.Unlock()
	})

	if _, err := engine.Add(ctx, first.Address, map[string]any{"n": int64(1)}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := engine.Add(ctx, second.Address, map[string]any{"n": int64(2)}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if perAddress[first.Address] != 1 || perAddress[second.Address] != 1 {
		t.Fatalf("event counts = %v", perAddress)
	}
}

func TestListOpenDatabases(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	if infos := engine.List(); len(infos) != 0 {
		t.Fatalf("fresh engine lists %d databases", len(infos))
	}

	a, _ := engine.Open(ctx, "alpha", KindDocStore, true)
	b, _ := engine.Open(ctx, "beta", KindEventLog, true)

	infos := engine.List()
	if len(infos) != 2 {
		t.Fatalf("List returned %d databases, want 2", len(infos))
	}
	engine.Close(a.Address)
	infos = engine.List()
	if len(infos) != 1 || infos[0].Address != b.Address {
		t.Fatalf("List after close = %#v", infos)
	}
}
