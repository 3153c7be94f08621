// Copyright 2026 The Gangway Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"crypto/ed25519"
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/gangway-project/gangway/lib/cas"
)

// identifierPrefix marks gangway self-certifying identifiers. The "1"
// is a format version: a future derivation change gets a new prefix
// rather than silently producing colliding identifiers.
const identifierPrefix = "gw1"

// identifierEncoding is lowercase base32 without padding. Lowercase
// keeps identifiers usable in URLs and file names; no padding keeps
// them fixed-length (52 characters for a 32-byte hash).
var identifierEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// encodedHashLength is the base32 length of a 32-byte hash.
var encodedHashLength = identifierEncoding.EncodedLen(32)

// Identifier is a self-certifying identifier: deterministically
// derived from a public key, verifiable against that key with no
// external registry.
type Identifier string

// DeriveIdentifier computes the identifier for a public key. The same
// key always yields the same identifier.
func DeriveIdentifier(publicKey ed25519.PublicKey) Identifier {
	hash := cas.IdentityHash(publicKey)
	return Identifier(identifierPrefix + identifierEncoding.EncodeToString(hash[:]))
}

// ParseIdentifier validates the format of an identifier string. It
// checks shape only — use MatchesKey to verify against a key.
func ParseIdentifier(s string) (Identifier, error) {
	if !strings.HasPrefix(s, identifierPrefix) {
		return "", fmt.Errorf("identifier %q does not start with %q", s, identifierPrefix)
	}
	encoded := s[len(identifierPrefix):]
	if len(encoded) != encodedHashLength {
		return "", fmt.Errorf("identifier %q has wrong length: got %d encoded chars, want %d", s, len(encoded), encodedHashLength)
	}
	if _, err := identifierEncoding.DecodeString(encoded); err != nil {
		return "", fmt.Errorf("identifier %q is not valid base32: %w", s, err)
	}
	return Identifier(s), nil
}

// MatchesKey reports whether the identifier is the one derived from
// publicKey. This is the self-certification check: any party holding
// the public key can verify the binding locally.
func (id Identifier) MatchesKey(publicKey ed25519.PublicKey) bool {
	return DeriveIdentifier(publicKey) == id
}

func (id Identifier) String() string { return string(id) }
