// Copyright 2026 The Gangway Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity implements the identity bridge: it turns a
// platform signing credential into a self-certifying distributed
// identity with an asynchronous sign/verify capability gated by
// user-presence proof.
//
// An Identity lives in exactly one process — the one that can invoke
// its credential. The only projection that may cross a process
// boundary is the Descriptor (identifier + public key, no signing
// capability). The node process receives Descriptors over the
// operation bridge and obtains signatures through the sign-request
// relay, never by holding the credential itself.
package identity

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
)

// ErrIdentityExists is returned by Create when the store already holds
// an identity. Create never silently overwrites — destroying an
// identity is an explicit user action outside this package.
var ErrIdentityExists = errors.New("identity: an identity already exists")

// Identity is a live, signing-capable identity. Not serializable; use
// ToDescriptor for anything that crosses a process boundary.
type Identity struct {
	identifier  Identifier
	displayName string
	credential  Credential
}

// Identifier returns the self-certifying identifier.
func (i *Identity) Identifier() Identifier { return i.identifier }

// DisplayName returns the human-readable name chosen at creation.
func (i *Identity) DisplayName() string { return i.displayName }

// PublicKey returns the identity's Ed25519 public key.
func (i *Identity) PublicKey() ed25519.PublicKey { return i.credential.PublicKey() }

// Sign produces a signature over data. Every call involves a fresh
// user-presence proof; see Credential.Sign.
func (i *Identity) Sign(ctx context.Context, data []byte) ([]byte, error) {
	return i.credential.Sign(ctx, data)
}

// ToDescriptor returns the serializable projection: identifier and
// public key only. This is the only form safe to pass to another
// process.
func (i *Identity) ToDescriptor() Descriptor {
	return Descriptor{
		Identifier: i.identifier,
		PublicKey:  append([]byte(nil), i.credential.PublicKey()...),
	}
}

// Descriptor is the serializable, non-secret projection of an
// Identity. It carries no signing capability.
type Descriptor struct {
	Identifier Identifier `cbor:"1,keyasint" json:"identifier"`
	PublicKey  []byte     `cbor:"2,keyasint" json:"public_key"`
}

// Validate checks that the descriptor is well-formed and
// self-consistent: valid identifier format, correct key size, and the
// identifier actually derived from the key. Receivers on the other
// side of a process boundary call this before trusting a descriptor.
func (d Descriptor) Validate() error {
	if _, err := ParseIdentifier(string(d.Identifier)); err != nil {
		return fmt.Errorf("descriptor: %w", err)
	}
	if len(d.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("descriptor: public key has %d bytes, want %d", len(d.PublicKey), ed25519.PublicKeySize)
	}
	if !d.Identifier.MatchesKey(ed25519.PublicKey(d.PublicKey)) {
		return fmt.Errorf("descriptor: identifier %s does not match public key", d.Identifier)
	}
	return nil
}

// Create mints a new identity through the platform provider and
// persists its credential reference. Fails with ErrIdentityExists if
// the store already holds one; callers wanting the existing identity
// use Load.
func Create(ctx context.Context, store *Store, provider Provider, displayName string) (*Identity, error) {
	existing, err := store.load(ctx)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrIdentityExists
	}

	credential, err := provider.Create(ctx, displayName)
	if err != nil {
		return nil, err
	}

	record := &storedIdentity{
		DisplayName:   displayName,
		PublicKey:     credential.PublicKey(),
		CredentialRef: credential.Ref(),
	}
	if err := store.save(ctx, record); err != nil {
		return nil, fmt.Errorf("persisting identity: %w", err)
	}

	return &Identity{
		identifier:  DeriveIdentifier(credential.PublicKey()),
		displayName: displayName,
		credential:  credential,
	}, nil
}

// Load revives the persisted identity, or returns (nil, nil) when none
// exists — first-run absence is the expected state, not a failure.
func Load(ctx context.Context, store *Store, provider Provider) (*Identity, error) {
	record, err := store.load(ctx)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}

	credential, err := provider.Load(ctx, record.CredentialRef)
	if err != nil {
		return nil, fmt.Errorf("loading credential: %w", err)
	}

	return &Identity{
		identifier:  DeriveIdentifier(credential.PublicKey()),
		displayName: record.DisplayName,
		credential:  credential,
	}, nil
}

// Verify reports whether signature is a valid signature over data by
// publicKey. It never panics and never returns an error: any internal
// failure (wrong key size, malformed signature) is simply false.
func Verify(signature, data []byte, publicKey []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), data, signature)
}
