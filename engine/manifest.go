// Copyright 2026 The Gangway Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"strings"

	"github.com/gangway-project/gangway/lib/cas"
	"github.com/gangway-project/gangway/lib/codec"
)

// Kind selects a database's semantics.
type Kind string

const (
	// KindEventLog is an append-only sequence of entries.
	KindEventLog Kind = "eventlog"

	// KindDocStore is a document set indexed by the document's "_id"
	// string field.
	KindDocStore Kind = "docstore"
)

// Valid reports whether the kind is one the engine implements.
func (k Kind) Valid() bool {
	return k == KindEventLog || k == KindDocStore
}

// addressPrefix starts every database address.
const addressPrefix = "/gwdb/"

// Address identifies a database: "/gwdb/<manifest-hash-hex>/<name>".
// Derived from the manifest's content, so the same (name, kind) pair
// always yields the same address.
type Address string

// ParseAddress checks the shape of an address string.
func ParseAddress(s string) (Address, error) {
	rest, found := strings.CutPrefix(s, addressPrefix)
	if !found {
		return "", fmt.Errorf("engine: address %q missing %q prefix", s, addressPrefix)
	}
	hashPart, name, found := strings.Cut(rest, "/")
	if !found || name == "" {
		return "", fmt.Errorf("engine: address %q missing database name", s)
	}
	if _, err := cas.Parse(hashPart); err != nil {
		return "", fmt.Errorf("engine: address %q: %w", s, err)
	}
	return Address(s), nil
}

// Manifest declares a database. Its deterministic encoding is stored
// in the block store; the manifest hash derives the address.
type Manifest struct {
	Name string `cbor:"1,keyasint" json:"name"`
	Kind Kind   `cbor:"2,keyasint" json:"kind"`
}

// Validate checks the manifest fields.
func (m Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("engine: database name is empty")
	}
	if strings.ContainsAny(m.Name, "/\x00") {
		return fmt.Errorf("engine: database name %q contains reserved characters", m.Name)
	}
	if !m.Kind.Valid() {
		return fmt.Errorf("engine: unknown database kind %q", m.Kind)
	}
	return nil
}

// DeriveAddress computes the manifest's address and its encoded form.
func DeriveAddress(manifest Manifest) (Address, []byte, error) {
	if err := manifest.Validate(); err != nil {
		return "", nil, err
	}
	encoded, err := codec.Marshal(manifest)
	if err != nil {
		return "", nil, fmt.Errorf("engine: encoding manifest: %w", err)
	}
	hash := cas.ManifestHash(encoded)
	return Address(addressPrefix + cas.Format(hash) + "/" + manifest.Name), encoded, nil
}

// Info is the public description of a database, returned from open,
// list, and info operations.
type Info struct {
	Address Address `cbor:"1,keyasint" json:"address"`
	Name    string  `cbor:"2,keyasint" json:"name"`
	Kind    Kind    `cbor:"3,keyasint" json:"kind"`
}
