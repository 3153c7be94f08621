// Copyright 2026 The Gangway Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge implements the cross-process operation bridge: the
// only channel between the restricted UI process and the privileged
// node process.
//
// The wire format is a CBOR stream of frames over any net.Conn
// (production: a Unix socket). Three frame kinds exist — request,
// response, event. Every request yields exactly one response carrying
// either a success payload or a structured {kind, message} error;
// handler panics are recovered into internal errors, so no raw fault
// ever crosses the boundary. The operation set is closed and
// enumerated in protocol.go; unknown operations are rejected as
// bad-request.
//
// The server dispatches each request on its own goroutine, so a call
// suspended on a signature round trip never blocks other traffic on
// the connection, and serializes all writes per connection. Opening a
// database subscribes the calling connection to that database's
// update events; closing unsubscribes. The connection that binds the
// database engine becomes the credential holder: sign-request events
// are pushed there, and losing that connection fails every pending
// sign request.
//
// The client multiplexes concurrent calls over one connection,
// delivers update events to per-address handlers, and — via
// ServeSigner — answers sign-request events by signing the digest
// with the local identity and resolving the request back through
// resolveSignRequest.
package bridge
