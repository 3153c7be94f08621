// Copyright 2026 The Gangway Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/gangway-project/gangway/identity"
)

// Addr is a dialable peer address: the peer's self-certifying
// identifier plus a network endpoint, rendered as
// "<identifier>@host:port". The identifier is what the dial handshake
// verifies the remote key against.
type Addr struct {
	Identifier identity.Identifier
	Host       string
	Port       int
}

// ParseAddr parses "<identifier>@host:port".
func ParseAddr(s string) (Addr, error) {
	identifierPart, endpoint, found := strings.Cut(s, "@")
	if !found {
		return Addr{}, fmt.Errorf("transport: address %q missing '@' separator", s)
	}

	identifier, err := identity.ParseIdentifier(identifierPart)
	if err != nil {
		return Addr{}, fmt.Errorf("transport: address %q: %w", s, err)
	}

	host, portString, err := net.SplitHostPort(endpoint)
	if err != nil {
		return Addr{}, fmt.Errorf("transport: address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portString)
	if err != nil || port < 1 || port > 65535 {
		return Addr{}, fmt.Errorf("transport: address %q has invalid port %q", s, portString)
	}

	return Addr{Identifier: identifier, Host: host, Port: port}, nil
}

// String renders the address in the form ParseAddr accepts.
func (a Addr) String() string {
	return string(a.Identifier) + "@" + net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Endpoint returns the host:port part without the identifier, suitable
// for net.Dial.
func (a Addr) Endpoint() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}
