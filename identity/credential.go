// Copyright 2026 The Gangway Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/gangway-project/gangway/lib/secret"
)

// Errors surfaced by credential operations. These map directly onto
// the failure kinds the UI shows the user, so they are sentinels
// rather than ad-hoc strings.
var (
	// ErrNoCredentialSupport: the platform has no usable credential
	// facility.
	ErrNoCredentialSupport = errors.New("identity: platform credential support unavailable")

	// ErrUserCancelled: the user dismissed the presence prompt.
	ErrUserCancelled = errors.New("identity: user cancelled")

	// ErrCreationFailed: the platform credential facility failed to
	// mint a credential.
	ErrCreationFailed = errors.New("identity: credential creation failed")

	// ErrCredentialUnavailable: the credential exists but cannot be
	// invoked right now (hardware removed, session locked).
	ErrCredentialUnavailable = errors.New("identity: credential unavailable")
)

// Credential is a live, invokable signing credential. Invoking Sign
// always involves a fresh user-presence proof — that is the property
// the whole sign-request relay exists to respect: a Credential cannot
// be serialized or proxied to another process, only its Descriptor
// can.
type Credential interface {
	// PublicKey returns the credential's Ed25519 public key.
	PublicKey() ed25519.PublicKey

	// Sign produces a signature over data after obtaining a fresh
	// user-presence proof. Two calls on identical data are not
	// required to yield identical signature bytes; both must verify.
	// Fails with ErrUserCancelled or ErrCredentialUnavailable.
	Sign(ctx context.Context, data []byte) ([]byte, error)

	// Ref returns the opaque persistent handle that re-creates this
	// credential through its Provider on a later run. Ref contents
	// are provider-specific and must be treated as secret.
	Ref() []byte
}

// Provider is the platform credential collaborator: it mints new
// credentials and revives persisted ones from their opaque refs.
type Provider interface {
	// Create mints a new credential for the given display name.
	// Fails with ErrNoCredentialSupport, ErrUserCancelled, or
	// ErrCreationFailed.
	Create(ctx context.Context, displayName string) (Credential, error)

	// Load revives a credential from a persisted ref. Fails with
	// ErrCredentialUnavailable if the ref no longer resolves.
	Load(ctx context.Context, ref []byte) (Credential, error)
}

// PresencePrompt requests an interactive user-presence confirmation.
// It returns nil when the user approves, ErrUserCancelled when they
// dismiss, or a platform error. The reason string is shown to the
// user.
type PresencePrompt func(ctx context.Context, reason string) error

// DeviceProvider is the shipped Provider implementation: an Ed25519
// keypair guarded by a PresencePrompt. The prompt stands in for the
// platform biometric gate — production wires the OS prompt, tests
// wire an auto-approve or auto-deny function.
type DeviceProvider struct {
	// Prompt gates every signing operation. Required.
	Prompt PresencePrompt
}

// Create mints a new device credential.
func (p *DeviceProvider) Create(ctx context.Context, displayName string) (Credential, error) {
	if p.Prompt == nil {
		return nil, ErrNoCredentialSupport
	}
	if err := p.Prompt(ctx, fmt.Sprintf("create identity %q", displayName)); err != nil {
		return nil, err
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreationFailed, err)
	}

	guarded, err := secret.NewFromBytes(privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: protecting private key: %v", ErrCreationFailed, err)
	}

	return &deviceCredential{
		publicKey:  publicKey,
		privateKey: guarded,
		prompt:     p.Prompt,
	}, nil
}

// Load revives a device credential from its ref (the raw Ed25519
// private key, which only ever reaches disk sealed inside the
// identity store).
func (p *DeviceProvider) Load(ctx context.Context, ref []byte) (Credential, error) {
	if p.Prompt == nil {
		return nil, ErrNoCredentialSupport
	}
	if len(ref) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: ref has %d bytes, want %d", ErrCredentialUnavailable, len(ref), ed25519.PrivateKeySize)
	}

	privateKey := ed25519.PrivateKey(append([]byte(nil), ref...))
	publicKey := ed25519.PublicKey(append([]byte(nil), privateKey[32:]...))

	// NewFromBytes zeroes privateKey after copying it into the
	// protected buffer.
	guarded, err := secret.NewFromBytes(privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: protecting private key: %v", ErrCredentialUnavailable, err)
	}

	return &deviceCredential{
		publicKey:  publicKey,
		privateKey: guarded,
		prompt:     p.Prompt,
	}, nil
}

type deviceCredential struct {
	publicKey  ed25519.PublicKey
	privateKey *secret.Buffer
	prompt     PresencePrompt
}

func (c *deviceCredential) PublicKey() ed25519.PublicKey { return c.publicKey }

func (c *deviceCredential) Sign(ctx context.Context, data []byte) ([]byte, error) {
	// Fresh presence proof per signature, never cached.
	if err := c.prompt(ctx, "sign database entry"); err != nil {
		return nil, err
	}
	return ed25519.Sign(ed25519.PrivateKey(c.privateKey.Bytes()), data), nil
}

func (c *deviceCredential) Ref() []byte {
	return append([]byte(nil), c.privateKey.Bytes()...)
}
