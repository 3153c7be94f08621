// Copyright 2026 The Gangway Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/gangway-project/gangway/blockstore"
	"github.com/gangway-project/gangway/identity"
	"github.com/gangway-project/gangway/lib/cas"
	"github.com/gangway-project/gangway/lib/clock"
	"github.com/gangway-project/gangway/lib/codec"
	"github.com/gangway-project/gangway/recordstore"
)

var (
	// ErrNotFound: the address names no open database, or an existing
	// database was required and none exists.
	ErrNotFound = errors.New("engine: database not found")

	// ErrValidation: the operation's input is rejected (malformed
	// document, missing _id, wrong kind for the operation).
	ErrValidation = errors.New("engine: validation failed")

	// ErrOpenFailed: the database exists but could not be opened.
	ErrOpenFailed = errors.New("engine: open failed")
)

// manifestBucket is the recordstore kv bucket registering known
// manifests by address.
const manifestBucket = "manifests"

// entryBlockBucket maps entry hashes to the block hashes their bodies
// are filed under. The two hashes use different domains over the same
// bytes, so the mapping is needed to fetch an entry body by its
// public identifier.
const entryBlockBucket = "entryblocks"

// Signer obtains a signature over payload bytes. Production wiring is
// the sign-request relay; the signature is expected over the
// sign-request digest of the payload, which is what VerifySignature
// checks.
type Signer interface {
	Sign(ctx context.Context, payload []byte) ([]byte, error)
}

// Event notifies a committed write. Emitted after the entry is
// persisted, in commit order per database.
type Event struct {
	Address Address `json:"address"`
	Entry   Entry   `json:"entry"`
	Op      EntryOp `json:"op"`
}

// EventHandler receives committed-write events. Called synchronously
// on the committing goroutine; implementations must hand off quickly.
type EventHandler func(Event)

// openDatabase is the engine's in-memory handle for one open database.
// commitMu serializes writes (and therefore event emission) for this
// database only; distinct databases commit concurrently.
type openDatabase struct {
	info     Info
	commitMu sync.Mutex
}

// Engine is the database engine. One instance per bound identity; the
// supervisor owns it and every operation arrives via the bridge.
type Engine struct {
	blocks  *blockstore.Store
	records *recordstore.Store
	signer  Signer
	author  identity.Descriptor
	clock   clock.Clock
	logger  *slog.Logger

	mu      sync.Mutex
	open    map[Address]*openDatabase
	handler EventHandler
}

// Config assembles an Engine.
type Config struct {
	Blocks  *blockstore.Store
	Records *recordstore.Store
	Signer  Signer

	// Author is the identity descriptor every entry is attributed to.
	// Must validate; the engine trusts it only after checking the
	// identifier against the key.
	Author identity.Descriptor

	Clock  clock.Clock
	Logger *slog.Logger
}

// New creates an engine bound to one author identity.
func New(cfg Config) (*Engine, error) {
	if cfg.Blocks == nil || cfg.Records == nil || cfg.Signer == nil {
		return nil, fmt.Errorf("engine: blocks, records, and signer are all required")
	}
	if err := cfg.Author.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		blocks:  cfg.Blocks,
		records: cfg.Records,
		signer:  cfg.Signer,
		author:  cfg.Author,
		clock:   clk,
		logger:  logger,
		open:    make(map[Address]*openDatabase),
	}, nil
}

// SetEventHandler installs the committed-write callback. Pass nil to
// clear.
func (e *Engine) SetEventHandler(handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

// Open opens the database named by (name, kind). With createIfMissing,
// a database that does not exist yet is created (its manifest is
// stored and registered); without it, opening an unknown database
// fails with ErrNotFound. Opening an already-open database is
// idempotent.
func (e *Engine) Open(ctx context.Context, name string, kind Kind, createIfMissing bool) (Info, error) {
	manifest := Manifest{Name: name, Kind: kind}
	address, encoded, err := DeriveAddress(manifest)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	e.mu.Lock()
	if existing, isOpen := e.open[address]; isOpen {
		info := existing.info
		e.mu.Unlock()
		return info, nil
	}
	e.mu.Unlock()

	_, err = e.records.GetKV(ctx, manifestBucket, string(address))
	switch {
	case errors.Is(err, recordstore.ErrNotFound):
		if !createIfMissing {
			return Info{}, fmt.Errorf("%w: %s", ErrNotFound, address)
		}
		if _, err := e.blocks.Put(encoded); err != nil {
			return Info{}, fmt.Errorf("%w: storing manifest: %v", ErrOpenFailed, err)
		}
		if err := e.records.PutKV(ctx, manifestBucket, string(address), encoded); err != nil {
			return Info{}, fmt.Errorf("%w: registering manifest: %v", ErrOpenFailed, err)
		}
		e.logger.Info("database created", "address", address, "name", name, "kind", kind)
	case err != nil:
		return Info{}, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}

	info := Info{Address: address, Name: name, Kind: kind}
	e.mu.Lock()
	if existing, isOpen := e.open[address]; isOpen {
		info = existing.info
	} else {
		e.open[address] = &openDatabase{info: info}
	}
	e.mu.Unlock()

	e.logger.Info("database opened", "address", address, "kind", kind)
	return info, nil
}

// Close closes an open database. The manifest registration stays; the
// database can be reopened. Unknown address fails with ErrNotFound.
func (e *Engine) Close(address Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, isOpen := e.open[address]; !isOpen {
		return fmt.Errorf("%w: %s", ErrNotFound, address)
	}
	delete(e.open, address)
	e.logger.Info("database closed", "address", address)
	return nil
}

// List returns the currently open databases, ordered by address.
func (e *Engine) List() []Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	infos := make([]Info, 0, len(e.open))
	for _, database := range e.open {
		infos = append(infos, database.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Address < infos[j].Address })
	return infos
}

// Info describes one open database. Unknown or closed addresses fail
// with ErrNotFound.
func (e *Engine) Info(address Address) (Info, error) {
	database, err := e.resolve(address)
	if err != nil {
		return Info{}, err
	}
	return database.info, nil
}

// Query returns the documents of an open database, optionally filtered
// by a predicate. Docstores yield their live documents ordered by id;
// eventlogs yield every entry's document in sequence order.
func (e *Engine) Query(ctx context.Context, address Address, predicate *Predicate) ([]map[string]any, error) {
	database, err := e.resolve(address)
	if err != nil {
		return nil, err
	}
	if predicate != nil {
		if err := predicate.Validate(); err != nil {
			return nil, err
		}
	}

	var documents []map[string]any
	switch database.info.Kind {
	case KindDocStore:
		records, err := e.records.ListDocuments(ctx, string(address))
		if err != nil {
			return nil, fmt.Errorf("engine: listing documents: %w", err)
		}
		for _, record := range records {
			entry, err := e.loadEntry(ctx, record.EntryHash)
			if err != nil {
				return nil, err
			}
			documents = append(documents, entry.Document)
		}
	case KindEventLog:
		hashes, err := e.records.ListLog(ctx, string(address))
		if err != nil {
			return nil, fmt.Errorf("engine: listing log: %w", err)
		}
		for _, hash := range hashes {
			entry, err := e.loadEntry(ctx, hash)
			if err != nil {
				return nil, err
			}
			documents = append(documents, entry.Document)
		}
	}

	if predicate == nil {
		return documents, nil
	}
	filtered := documents[:0]
	for _, document := range documents {
		if predicate.Matches(document) {
			filtered = append(filtered, document)
		}
	}
	return filtered, nil
}

// Get returns a single document. For docstores the id is the
// document's "_id"; for eventlogs it is an entry hash. A known
// database with no such document returns (nil, nil) — absence is data,
// not an error. Unknown address fails with ErrNotFound.
func (e *Engine) Get(ctx context.Context, address Address, id string) (map[string]any, error) {
	database, err := e.resolve(address)
	if err != nil {
		return nil, err
	}

	switch database.info.Kind {
	case KindDocStore:
		record, err := e.records.GetDocument(ctx, string(address), id)
		if errors.Is(err, recordstore.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("engine: get document: %w", err)
		}
		if record.Deleted {
			return nil, nil
		}
		entry, err := e.loadEntry(ctx, record.EntryHash)
		if err != nil {
			return nil, err
		}
		return entry.Document, nil
	default:
		entry, err := e.loadEntry(ctx, id)
		if errors.Is(err, recordstore.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return entry.Document, nil
	}
}

// Add appends a document. On an eventlog this is the only write
// operation; on a docstore it inserts a document whose "_id" is not
// already live (use Put to overwrite).
func (e *Engine) Add(ctx context.Context, address Address, document map[string]any) (cas.Hash, error) {
	database, err := e.resolve(address)
	if err != nil {
		return cas.Hash{}, err
	}
	if document == nil {
		return cas.Hash{}, fmt.Errorf("%w: document is null", ErrValidation)
	}

	switch database.info.Kind {
	case KindEventLog:
		return e.commit(ctx, database, EntryAdd, "", document)
	default:
		docID, err := documentID(document)
		if err != nil {
			return cas.Hash{}, err
		}
		// The liveness check and the insert happen under one hold of
		// the commit lock: two concurrent adds of the same id must not
		// both pass the check.
		database.commitMu.Lock()
		defer database.commitMu.Unlock()
		existing, err := e.records.GetDocument(ctx, string(address), docID)
		if err != nil && !errors.Is(err, recordstore.ErrNotFound) {
			return cas.Hash{}, fmt.Errorf("engine: checking document: %w", err)
		}
		if err == nil && !existing.Deleted {
			return cas.Hash{}, fmt.Errorf("%w: document %q already exists", ErrValidation, docID)
		}
		return e.commitLocked(ctx, database, EntryAdd, docID, document)
	}
}

// Put upserts a document by its "_id". Docstore only.
func (e *Engine) Put(ctx context.Context, address Address, document map[string]any) (cas.Hash, error) {
	database, err := e.resolve(address)
	if err != nil {
		return cas.Hash{}, err
	}
	if database.info.Kind != KindDocStore {
		return cas.Hash{}, fmt.Errorf("%w: put requires a docstore, %s is %s", ErrValidation, address, database.info.Kind)
	}
	if document == nil {
		return cas.Hash{}, fmt.Errorf("%w: document is null", ErrValidation)
	}
	docID, err := documentID(document)
	if err != nil {
		return cas.Hash{}, err
	}
	return e.commit(ctx, database, EntryPut, docID, document)
}

// Delete tombstones a document by id. Deleting an id that is not live
// fails with ErrNotFound. Docstore only.
func (e *Engine) Delete(ctx context.Context, address Address, id string) (cas.Hash, error) {
	database, err := e.resolve(address)
	if err != nil {
		return cas.Hash{}, err
	}
	if database.info.Kind != KindDocStore {
		return cas.Hash{}, fmt.Errorf("%w: delete requires a docstore, %s is %s", ErrValidation, address, database.info.Kind)
	}

	// Same atomicity as Add: the liveness check is only valid while
	// the commit lock is held.
	database.commitMu.Lock()
	defer database.commitMu.Unlock()
	record, err := e.records.GetDocument(ctx, string(address), id)
	if errors.Is(err, recordstore.ErrNotFound) || (err == nil && record.Deleted) {
		return cas.Hash{}, fmt.Errorf("%w: document %q", ErrNotFound, id)
	}
	if err != nil {
		return cas.Hash{}, fmt.Errorf("engine: checking document: %w", err)
	}
	return e.commitLocked(ctx, database, EntryDelete, id, nil)
}

// resolve returns the open handle for an address.
func (e *Engine) resolve(address Address) (*openDatabase, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	database, isOpen := e.open[address]
	if !isOpen {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, address)
	}
	return database, nil
}

// commit builds the entry, obtains and verifies its signature, stores
// the body, updates the index, and emits the event. Commits to one
// database are serialized under its commitMu, which is also what makes
// event emission per-database in-order.
func (e *Engine) commit(ctx context.Context, database *openDatabase, op EntryOp, key string, document map[string]any) (cas.Hash, error) {
	database.commitMu.Lock()
	defer database.commitMu.Unlock()
	return e.commitLocked(ctx, database, op, key, document)
}

// commitLocked is commit's body for callers already holding the
// database's commitMu (write paths whose validity checks must be
// atomic with the write).
func (e *Engine) commitLocked(ctx context.Context, database *openDatabase, op EntryOp, key string, document map[string]any) (cas.Hash, error) {
	address := database.info.Address
	entry := Entry{
		Address:   address,
		Op:        op,
		Key:       key,
		Document:  document,
		Author:    e.author,
		Timestamp: e.clock.Now().UnixMilli(),
	}
	if database.info.Kind == KindEventLog {
		length, err := e.records.LogLength(ctx, string(address))
		if err != nil {
			return cas.Hash{}, fmt.Errorf("engine: next sequence: %w", err)
		}
		entry.Seq = length + 1
	}

	payload, err := entry.PayloadBytes()
	if err != nil {
		return cas.Hash{}, err
	}
	signature, err := e.signer.Sign(ctx, payload)
	if err != nil {
		return cas.Hash{}, fmt.Errorf("engine: obtaining signature: %w", err)
	}
	entry.Signature = signature
	if err := entry.VerifySignature(); err != nil {
		return cas.Hash{}, err
	}

	encoded, err := codec.Marshal(&entry)
	if err != nil {
		return cas.Hash{}, fmt.Errorf("engine: encoding entry: %w", err)
	}
	blockHash, err := e.blocks.Put(encoded)
	if err != nil {
		return cas.Hash{}, fmt.Errorf("engine: storing entry: %w", err)
	}
	entryHash := cas.EntryHash(encoded)

	if err := e.records.PutKV(ctx, entryBlockBucket, cas.Format(entryHash), []byte(cas.Format(blockHash))); err != nil {
		return cas.Hash{}, fmt.Errorf("engine: mapping entry block: %w", err)
	}

	switch database.info.Kind {
	case KindEventLog:
		assignedSeq, err := e.records.AppendLog(ctx, string(address), cas.Format(entryHash))
		if err != nil {
			return cas.Hash{}, fmt.Errorf("engine: appending log: %w", err)
		}
		if assignedSeq != entry.Seq {
			return cas.Hash{}, fmt.Errorf("engine: log assigned seq %d, entry signed seq %d", assignedSeq, entry.Seq)
		}
	case KindDocStore:
		deleted := op == EntryDelete
		if err := e.records.UpsertDocument(ctx, string(address), key, cas.Format(entryHash), deleted); err != nil {
			return cas.Hash{}, fmt.Errorf("engine: indexing document: %w", err)
		}
	}

	e.logger.Debug("entry committed",
		"address", address, "op", op, "entry_hash", cas.Format(entryHash))

	e.mu.Lock()
	handler := e.handler
	e.mu.Unlock()
	if handler != nil {
		handler(Event{Address: address, Entry: entry, Op: op})
	}
	return entryHash, nil
}

// loadEntry fetches and decodes an entry body by its entry hash.
func (e *Engine) loadEntry(ctx context.Context, entryHashHex string) (*Entry, error) {
	blockHashHex, err := e.records.GetKV(ctx, entryBlockBucket, entryHashHex)
	if err != nil {
		return nil, err
	}
	blockHash, err := cas.Parse(string(blockHashHex))
	if err != nil {
		return nil, fmt.Errorf("engine: corrupt entry-block mapping for %s: %w", entryHashHex, err)
	}
	encoded, err := e.blocks.Get(blockHash)
	if err != nil {
		return nil, fmt.Errorf("engine: fetching entry body: %w", err)
	}
	var entry Entry
	if err := codec.Unmarshal(encoded, &entry); err != nil {
		return nil, fmt.Errorf("engine: decoding entry: %w", err)
	}
	return &entry, nil
}

// documentID extracts the required "_id" string field.
func documentID(document map[string]any) (string, error) {
	raw, present := document["_id"]
	if !present {
		return "", fmt.Errorf("%w: document has no _id field", ErrValidation)
	}
	id, ok := raw.(string)
	if !ok || id == "" {
		return "", fmt.Errorf("%w: _id must be a non-empty string", ErrValidation)
	}
	return id, nil
}
