// Copyright 2026 The Gangway Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Gangway's standard CBOR encoding configuration.
//
// Gangway uses CBOR everywhere data crosses a boundary: the operation
// bridge frames between the UI process and the node process, database
// entries and manifests in the block store, and the sealed credential
// record on disk. This package provides the shared encoding and
// decoding modes so that every package encodes identically without
// duplicating configuration.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2). This
// matters beyond hygiene: database addresses and entry hashes are
// derived from encoded bytes, so the same logical value must always
// encode to the same bytes.
//
// For buffer-oriented operations (blocks, entries, sealed records):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (the bridge connection):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// Internal protocol types use `cbor` struct tags, usually keyasint for
// compactness. Types that also surface in CLI --json output use `json`
// tags, which fxamacker/cbor reads as a fallback.
package codec
