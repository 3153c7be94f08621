// Copyright 2026 The Gangway Authors
// SPDX-License-Identifier: Apache-2.0

// gangway-node is the privileged node process: it owns the network
// node, the block and record stores, and the database engine, and
// exposes them to the UI process over the operation bridge on a Unix
// socket.
package main
