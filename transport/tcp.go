// Copyright 2026 The Gangway Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"
	"time"
)

// Compile-time interface checks.
var (
	_ Listener = (*TCPListener)(nil)
	_ Dialer   = (*TCPDialer)(nil)
)

// TCPListener accepts inbound TCP connections and authenticates each
// one with the mutual handshake before handing it to the handler.
type TCPListener struct {
	listener   net.Listener
	privateKey ed25519.PrivateKey
	logger     *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewTCPListener binds a TCP listener on the specified address (e.g.
// ":4871" or "192.168.1.10:4871"; use ":0" for a dynamic port).
// privateKey is the node key used in the handshake.
func NewTCPListener(address string, privateKey ed25519.PrivateKey, logger *slog.Logger) (*TCPListener, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &TCPListener{listener: listener, privateKey: privateKey, logger: logger}, nil
}

// Serve accepts connections until ctx is cancelled or Close is called.
// Each accepted connection runs its handshake on its own goroutine; a
// failed handshake closes the connection and is logged, never fatal to
// the accept loop.
func (l *TCPListener) Serve(ctx context.Context, handler ConnHandler) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("transport: accept: %w", err)
		}

		go func() {
			conn.SetDeadline(time.Now().Add(handshakeTimeout))
			peer, err := runHandshake(conn, l.privateKey)
			if err != nil {
				l.logger.Warn("inbound handshake failed",
					"remote", conn.RemoteAddr().String(), "error", err)
				conn.Close()
				return
			}
			conn.SetDeadline(time.Time{})
			handler(conn, peer)
		}()
	}
}

// Address returns the bound endpoint in "host:port" form.
func (l *TCPListener) Address() string {
	return l.listener.Addr().String()
}

// Port returns the bound TCP port.
func (l *TCPListener) Port() int {
	return l.listener.Addr().(*net.TCPAddr).Port
}

// Close shuts down the listener. Safe to call more than once.
func (l *TCPListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.listener.Close()
}

// TCPDialer opens authenticated TCP connections to peer nodes.
type TCPDialer struct {
	// PrivateKey is the node key used in the handshake.
	PrivateKey ed25519.PrivateKey

	// Timeout bounds connection establishment. Zero means only the
	// context deadline applies. The handshake is separately bounded by
	// handshakeTimeout.
	Timeout time.Duration
}

// DialContext connects to addr, runs the handshake, and verifies the
// peer's presented key derives the identifier the address names. All
// failures are *DialError values; the connection is closed on any
// failure.
func (d *TCPDialer) DialContext(ctx context.Context, addr Addr) (net.Conn, Peer, error) {
	conn, err := (&net.Dialer{Timeout: d.Timeout}).DialContext(ctx, "tcp", addr.Endpoint())
	if err != nil {
		return nil, Peer{}, &DialError{Reason: classifyDialFailure(err), Addr: addr, Err: err}
	}

	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	peer, err := runHandshake(conn, d.PrivateKey)
	if err != nil {
		conn.Close()
		reason := DialHandshakeFailed
		if isTimeout(err) {
			reason = DialTimeout
		}
		return nil, Peer{}, &DialError{Reason: reason, Addr: addr, Err: err}
	}
	conn.SetDeadline(time.Time{})

	// Self-certification: the presented key must derive the identifier
	// encoded in the dialed address.
	if peer.Identifier != addr.Identifier {
		conn.Close()
		return nil, Peer{}, &DialError{
			Reason: DialIdentityMismatch,
			Addr:   addr,
			Err:    fmt.Errorf("peer presented identity %s", peer.Identifier),
		}
	}

	return conn, peer, nil
}

func classifyDialFailure(err error) DialReason {
	switch {
	case isTimeout(err):
		return DialTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return DialRefused
	default:
		return DialRefused
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
