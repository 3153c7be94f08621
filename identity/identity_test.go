// Copyright 2026 The Gangway Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
)

// approveAll is a presence prompt that always approves.
func approveAll(ctx context.Context, reason string) error { return nil }

// denyAll is a presence prompt that always cancels.
func denyAll(ctx context.Context, reason string) error { return ErrUserCancelled }

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestIdentifierDeterministic(t *testing.T) {
	publicKey, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	first := DeriveIdentifier(publicKey)
	second := DeriveIdentifier(publicKey)
	if first != second {
		t.Fatalf("same key produced %s and %s", first, second)
	}
	if !first.MatchesKey(publicKey) {
		t.Fatal("identifier does not match its own key")
	}

	otherKey, _, _ := ed25519.GenerateKey(rand.Reader)
	if first.MatchesKey(otherKey) {
		t.Fatal("identifier matched a different key")
	}
}

func TestParseIdentifier(t *testing.T) {
	publicKey, _, _ := ed25519.GenerateKey(rand.Reader)
	valid := string(DeriveIdentifier(publicKey))

	if _, err := ParseIdentifier(valid); err != nil {
		t.Fatalf("ParseIdentifier(%q): %v", valid, err)
	}

	for _, invalid := range []string{"", "gw1", "xx1abcdef", valid + "extra", "gw1UPPERCASE"} {
		if _, err := ParseIdentifier(invalid); err == nil {
			t.Fatalf("ParseIdentifier(%q) succeeded", invalid)
		}
	}
}

func TestCreateLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	provider := &DeviceProvider{Prompt: approveAll}

	created, err := Create(ctx, store, provider, "Alyssa")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	loaded, err := Load(ctx, store, provider)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil {
		t.Fatal("Load returned nil after Create")
	}
	if loaded.Identifier() != created.Identifier() {
		t.Fatalf("loaded identifier %s != created %s", loaded.Identifier(), created.Identifier())
	}
	if loaded.DisplayName() != "Alyssa" {
		t.Fatalf("display name = %q", loaded.DisplayName())
	}
}

func TestLoadFirstRunReturnsNil(t *testing.T) {
	loaded, err := Load(context.Background(), testStore(t), &DeviceProvider{Prompt: approveAll})
	if err != nil {
		t.Fatalf("Load on empty store: %v", err)
	}
	if loaded != nil {
		t.Fatal("Load on empty store returned an identity")
	}
}

func TestCreateRefusesOverwrite(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	provider := &DeviceProvider{Prompt: approveAll}

	if _, err := Create(ctx, store, provider, "first"); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := Create(ctx, store, provider, "second"); !errors.Is(err, ErrIdentityExists) {
		t.Fatalf("second Create = %v, want ErrIdentityExists", err)
	}
}

func TestCreateCancelled(t *testing.T) {
	_, err := Create(context.Background(), testStore(t), &DeviceProvider{Prompt: denyAll}, "nope")
	if !errors.Is(err, ErrUserCancelled) {
		t.Fatalf("Create with denying prompt = %v, want ErrUserCancelled", err)
	}
}

func TestSignVerify(t *testing.T) {
	ctx := context.Background()
	provider := &DeviceProvider{Prompt: approveAll}
	id, err := Create(ctx, testStore(t), provider, "signer")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	data := []byte("payload to sign")
	first, err := id.Sign(ctx, data)
	if err != nil {
		t.Fatalf("first Sign: %v", err)
	}
	second, err := id.Sign(ctx, data)
	if err != nil {
		t.Fatalf("second Sign: %v", err)
	}

	// The scheme is not required to be deterministic; both signatures
	// must verify regardless of whether the bytes differ.
	if !Verify(first, data, id.PublicKey()) {
		t.Fatal("first signature did not verify")
	}
	if !Verify(second, data, id.PublicKey()) {
		t.Fatal("second signature did not verify")
	}
	if Verify(first, []byte("different data"), id.PublicKey()) {
		t.Fatal("signature verified against different data")
	}
}

func TestSignRequiresPresence(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	if _, err := Create(ctx, store, &DeviceProvider{Prompt: approveAll}, "flaky"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Reload with a denying prompt: the credential exists, but signing
	// requires a fresh presence proof every time.
	id, err := Load(ctx, store, &DeviceProvider{Prompt: denyAll})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := id.Sign(ctx, []byte("data")); !errors.Is(err, ErrUserCancelled) {
		t.Fatalf("Sign with denying prompt = %v, want ErrUserCancelled", err)
	}
}

func TestVerifyNeverPanics(t *testing.T) {
	// Malformed keys and signatures return false, never panic.
	if Verify(nil, []byte("data"), nil) {
		t.Fatal("Verify(nil, data, nil) = true")
	}
	if Verify([]byte("short"), []byte("data"), []byte("bad key")) {
		t.Fatal("Verify with malformed inputs = true")
	}
	publicKey, _, _ := ed25519.GenerateKey(rand.Reader)
	if Verify(make([]byte, ed25519.SignatureSize), []byte("data"), publicKey) {
		t.Fatal("Verify with zero signature = true")
	}
}

func TestDescriptorValidate(t *testing.T) {
	ctx := context.Background()
	id, err := Create(ctx, testStore(t), &DeviceProvider{Prompt: approveAll}, "descriptor")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	descriptor := id.ToDescriptor()
	if err := descriptor.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	// Tampered key fails self-certification.
	tampered := descriptor
	tampered.PublicKey = append([]byte(nil), descriptor.PublicKey...)
	tampered.PublicKey[0] ^= 0xFF
	if err := tampered.Validate(); err == nil {
		t.Fatal("Validate accepted a tampered public key")
	}
}
