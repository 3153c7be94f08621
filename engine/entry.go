// Copyright 2026 The Gangway Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"

	"github.com/gangway-project/gangway/identity"
	"github.com/gangway-project/gangway/lib/cas"
	"github.com/gangway-project/gangway/lib/codec"
)

// EntryOp is the operation an entry records.
type EntryOp string

const (
	EntryAdd    EntryOp = "add"
	EntryPut    EntryOp = "put"
	EntryDelete EntryOp = "del"
)

// Entry is one signed write. The signature covers the deterministic
// encoding of every other field; the whole entry (signature included)
// is stored as a block, and its entry-domain hash is the identifier
// returned to callers.
type Entry struct {
	Address   Address             `cbor:"1,keyasint" json:"address"`
	Seq       int64               `cbor:"2,keyasint" json:"seq"`
	Op        EntryOp             `cbor:"3,keyasint" json:"op"`
	Key       string              `cbor:"4,keyasint" json:"key"`
	Document  map[string]any      `cbor:"5,keyasint,omitempty" json:"document,omitempty"`
	Author    identity.Descriptor `cbor:"6,keyasint" json:"author"`
	Timestamp int64               `cbor:"7,keyasint" json:"timestamp"`
	Signature []byte              `cbor:"8,keyasint" json:"signature"`
}

// entryPayload mirrors Entry without the signature. Its deterministic
// encoding is what gets signed.
type entryPayload struct {
	Address   Address             `cbor:"1,keyasint"`
	Seq       int64               `cbor:"2,keyasint"`
	Op        EntryOp             `cbor:"3,keyasint"`
	Key       string              `cbor:"4,keyasint"`
	Document  map[string]any      `cbor:"5,keyasint,omitempty"`
	Author    identity.Descriptor `cbor:"6,keyasint"`
	Timestamp int64               `cbor:"7,keyasint"`
}

// PayloadBytes returns the deterministic encoding of the entry minus
// its signature — the bytes whose sign-request digest the author's
// credential signs.
func (e *Entry) PayloadBytes() ([]byte, error) {
	encoded, err := codec.Marshal(entryPayload{
		Address:   e.Address,
		Seq:       e.Seq,
		Op:        e.Op,
		Key:       e.Key,
		Document:  e.Document,
		Author:    e.Author,
		Timestamp: e.Timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: encoding entry payload: %w", err)
	}
	return encoded, nil
}

// VerifySignature checks the entry's signature against its author's
// public key. Signatures are produced over the sign-request digest of
// the payload bytes, never the raw payload.
func (e *Entry) VerifySignature() error {
	payload, err := e.PayloadBytes()
	if err != nil {
		return err
	}
	digest := cas.SignDigest(payload)
	if !identity.Verify(e.Signature, digest[:], e.Author.PublicKey) {
		return fmt.Errorf("engine: entry signature does not verify against author %s", e.Author.Identifier)
	}
	return nil
}
