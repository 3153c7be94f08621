// Copyright 2026 The Gangway Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine implements Gangway's database engine: named databases
// of CBOR documents whose every write is a signed, content-addressed
// entry.
//
// A database is declared by a manifest (name plus kind); the manifest
// is stored in the block store and its hash derives the database
// address, so the address is content-derived and stable per logical
// database. Two kinds exist: eventlog (append-only sequence) and
// docstore (document set indexed by the "_id" field).
//
// Writes build an entry — the operation, the document, the author's
// identity descriptor — and sign its deterministic encoding through
// the configured Signer. In production the Signer is the sign-request
// relay: the signature round-trips through the process that holds the
// user's credential. The engine verifies the returned signature
// against the bound identity before anything is persisted. Entry
// bodies live in the block store; the record store holds only the
// indexes pointing at them.
//
// Queries filter with structured predicate descriptors (field,
// operator, value) interpreted by the engine. Nothing resembling code
// ever crosses the process boundary.
package engine
