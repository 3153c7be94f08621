// Copyright 2026 The Gangway Authors
// SPDX-License-Identifier: Apache-2.0

// gangway-call is a command-line client for the operation bridge. It
// plays the UI-process role: it holds the signing identity, answers
// sign requests, and drives node and database operations over the
// bridge socket. Documents and predicates are given as JSONC.
package main
