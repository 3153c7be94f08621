// Copyright 2026 The Gangway Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/gangway-project/gangway/identity"
)

// Peer describes the authenticated remote end of a connection, as
// proven by the handshake.
type Peer struct {
	Identifier identity.Identifier
	PublicKey  []byte
}

// ConnHandler receives each inbound connection after its handshake
// succeeds. The handler owns conn and is responsible for closing it.
type ConnHandler func(conn net.Conn, peer Peer)

// Listener accepts inbound connections from peer nodes. Connections
// that fail the authentication handshake are dropped before the
// handler sees them.
type Listener interface {
	// Serve starts accepting connections and dispatches authenticated
	// ones to handler. Blocks until ctx is cancelled or Close is
	// called. Returns nil on clean shutdown.
	Serve(ctx context.Context, handler ConnHandler) error

	// Address returns the bound endpoint in "host:port" form, for
	// publishing so peers can dial this node.
	Address() string

	// Close shuts down the listener.
	Close() error
}

// Dialer opens authenticated connections to peer nodes.
type Dialer interface {
	// DialContext connects to the peer the address names and runs the
	// handshake. The returned Peer's identifier always equals
	// addr.Identifier; any mismatch fails the dial. Failures are
	// *DialError values.
	DialContext(ctx context.Context, addr Addr) (net.Conn, Peer, error)
}

// DialReason classifies why a dial failed.
type DialReason string

const (
	// DialTimeout: the connection or handshake did not complete in
	// time.
	DialTimeout DialReason = "timeout"

	// DialIdentityMismatch: the peer answered but presented a public
	// key that does not derive the identifier in the dialed address.
	DialIdentityMismatch DialReason = "identity-mismatch"

	// DialRefused: the endpoint actively refused the connection.
	DialRefused DialReason = "refused"

	// DialHandshakeFailed: the handshake failed for a reason other
	// than an identity mismatch (malformed hello, bad signature,
	// connection lost mid-handshake).
	DialHandshakeFailed DialReason = "handshake-failed"
)

// DialError reports a failed dial attempt. A failed dial never
// registers a connection.
type DialError struct {
	Reason DialReason
	Addr   Addr
	Err    error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("transport: dialing %s: %s: %v", e.Addr, e.Reason, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }
