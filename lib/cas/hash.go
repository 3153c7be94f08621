// Copyright 2026 The Gangway Authors
// SPDX-License-Identifier: Apache-2.0

// Package cas provides the BLAKE3 keyed hashing that underpins all of
// Gangway's content addressing: block identities, database entry
// hashes, database manifest addresses, and self-certifying identity
// identifiers.
//
// Each context uses its own keyed-hash domain so the same input bytes
// never collide across contexts (a manifest can never be addressed as
// a block, an entry hash can never verify as an identifier).
package cas

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte BLAKE3 digest.
type Hash [32]byte

// domainKey is a 32-byte key for BLAKE3 keyed hashing. The byte values
// are the ASCII encoding of the domain name, zero-padded to 32 bytes —
// readable in hex dumps, and treated as an opaque 32-byte key by
// BLAKE3's keyed mode. These are protocol constants: changing one
// invalidates every hash in its domain.
type domainKey [32]byte

var (
	blockDomainKey = domainKey{
		'g', 'a', 'n', 'g', 'w', 'a', 'y', '.', 'b', 'l', 'o', 'c', 'k',
	}

	entryDomainKey = domainKey{
		'g', 'a', 'n', 'g', 'w', 'a', 'y', '.', 'e', 'n', 't', 'r', 'y',
	}

	manifestDomainKey = domainKey{
		'g', 'a', 'n', 'g', 'w', 'a', 'y', '.', 'm', 'a', 'n', 'i', 'f', 'e', 's', 't',
	}

	identityDomainKey = domainKey{
		'g', 'a', 'n', 'g', 'w', 'a', 'y', '.', 'i', 'd', 'e', 'n', 't', 'i', 't', 'y',
	}

	signRequestDomainKey = domainKey{
		'g', 'a', 'n', 'g', 'w', 'a', 'y', '.', 's', 'i', 'g', 'n', 'r', 'e', 'q',
	}
)

// BlockHash computes the block-domain hash of raw block data. This is
// the address under which the block store files the data.
func BlockHash(data []byte) Hash {
	return keyedHash(blockDomainKey, data)
}

// EntryHash computes the entry-domain hash of a signed database entry's
// encoded bytes. This is the hash returned to bridge callers from
// add/put/delete operations.
func EntryHash(data []byte) Hash {
	return keyedHash(entryDomainKey, data)
}

// ManifestHash computes the manifest-domain hash of an encoded database
// manifest. Database addresses are derived from this hash, which is
// what makes them content-derived and stable per logical database.
func ManifestHash(data []byte) Hash {
	return keyedHash(manifestDomainKey, data)
}

// IdentityHash computes the identity-domain hash of a public key.
// Self-certifying identifiers are derived from this hash.
func IdentityHash(publicKey []byte) Hash {
	return keyedHash(identityDomainKey, publicKey)
}

// SignDigest computes the sign-request-domain hash of a payload
// awaiting signature. The relay ships this digest (not the raw
// payload) across the process boundary, and the signature is produced
// over the digest bytes.
func SignDigest(payload []byte) Hash {
	return keyedHash(signRequestDomainKey, payload)
}

// Format returns the hex-encoded string representation of a hash. This
// is the canonical format used in addresses, bridge payloads, and logs.
func Format(hash Hash) string {
	return hex.EncodeToString(hash[:])
}

// Parse parses a 64-character hex string into a Hash.
func Parse(hexString string) (Hash, error) {
	var hash Hash
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return hash, fmt.Errorf("parsing hash: %w", err)
	}
	if len(decoded) != 32 {
		return hash, fmt.Errorf("hash is %d bytes, want 32", len(decoded))
	}
	copy(hash[:], decoded)
	return hash, nil
}

func keyedHash(key domainKey, data []byte) Hash {
	// NewKeyed requires exactly 32 bytes, which domainKey guarantees,
	// so the error path is unreachable.
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("cas: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var hash Hash
	copy(hash[:], hasher.Sum(nil))
	return hash
}
