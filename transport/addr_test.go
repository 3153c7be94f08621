// Copyright 2026 The Gangway Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/gangway-project/gangway/identity"
)

func testIdentifier(t *testing.T) identity.Identifier {
	t.Helper()
	publicKey, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	return identity.DeriveIdentifier(publicKey)
}

func TestAddrRoundTrip(t *testing.T) {
	identifier := testIdentifier(t)
	original := Addr{Identifier: identifier, Host: "192.168.1.10", Port: 4871}

	parsed, err := ParseAddr(original.String())
	if err != nil {
		t.Fatalf("ParseAddr(%q): %v", original.String(), err)
	}
	if parsed != original {
		t.Fatalf("round trip changed the address: %+v != %+v", parsed, original)
	}
	if parsed.Endpoint() != "192.168.1.10:4871" {
		t.Fatalf("Endpoint() = %q", parsed.Endpoint())
	}
}

func TestParseAddrRejectsMalformed(t *testing.T) {
	identifier := string(testIdentifier(t))

	for _, invalid := range []string{
		"",
		"no-separator:4871",
		identifier,                     // no endpoint
		identifier + "@hostonly",       // no port
		identifier + "@host:notaport",  // non-numeric port
		identifier + "@host:0",         // port out of range
		identifier + "@host:70000",     // port out of range
		"gw1short@host:4871",           // malformed identifier
		"bad" + identifier + "@h:4871", // wrong prefix
	} {
		if _, err := ParseAddr(invalid); err == nil {
			t.Errorf("ParseAddr(%q) succeeded", invalid)
		}
	}
}
