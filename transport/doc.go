// Copyright 2026 The Gangway Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport implements the network substrate for the Gangway
// node: listening for and dialing peer nodes over TCP, with a mutual
// Ed25519 challenge-response handshake on every connection.
//
// Addresses are self-certifying: a dialable address embeds the peer's
// identifier ("gw1..." derived from its public key), and the handshake
// proves the remote end holds the matching private key before the
// connection is handed to the caller. A peer that presents a key that
// does not derive the dialed identifier fails the dial with reason
// identity-mismatch and never appears in the connection registry.
//
// The package defines two interfaces: [Listener] accepts inbound
// authenticated connections (Serve, Address, Close) and [Dialer]
// establishes outbound ones (DialContext). [Node] ties the pieces
// together: it owns the persisted node keypair, the listener (primary
// port with fallback to a dynamic port), and the registry of
// authenticated connections.
package transport
