// Copyright 2026 The Gangway Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gangway-project/gangway/identity"
)

const (
	nodeKeyFile       = "node.key"
	nodePublicKeyFile = "node.key.pub"
)

// Direction records which side initiated a connection.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// ConnectionInfo describes one live authenticated connection in the
// node's registry.
type ConnectionInfo struct {
	Peer        Peer
	RemoteAddr  string
	Direction   Direction
	ConnectedAt time.Time
}

// NodeConfig configures a Node.
type NodeConfig struct {
	// StateDir holds the persisted node keypair. Created if missing.
	StateDir string

	// ListenPort is the preferred TCP port. If binding it fails and
	// FallbackDynamic is set, the node retries with a dynamic port.
	ListenPort int

	// FallbackDynamic enables the dynamic-port retry.
	FallbackDynamic bool

	Logger *slog.Logger
}

// Node is the p2p network node: it owns the node keypair, the
// listener, and the registry of authenticated connections. The node
// keypair identifies the machine on the wire and is distinct from the
// user's credential — it signs handshakes, never database entries.
type Node struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	identifier identity.Identifier
	listener   *TCPListener
	dialer     *TCPDialer
	logger     *slog.Logger

	mu          sync.Mutex
	connections map[net.Conn]*ConnectionInfo
	serveDone   chan struct{}
	closed      bool
}

// NewNode loads (or on first run generates) the node keypair under
// cfg.StateDir and binds the listener. The node does not accept
// traffic until Start is called.
func NewNode(cfg NodeConfig) (*Node, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if err := os.MkdirAll(cfg.StateDir, 0700); err != nil {
		return nil, fmt.Errorf("transport: creating state directory: %w", err)
	}
	publicKey, privateKey, generated, err := loadOrGenerateKeypair(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("transport: node keypair: %w", err)
	}
	identifier := identity.DeriveIdentifier(publicKey)
	if generated {
		logger.Info("node keypair generated", "identifier", identifier)
	}

	listener, err := NewTCPListener(":"+strconv.Itoa(cfg.ListenPort), privateKey, logger)
	if err != nil {
		if !cfg.FallbackDynamic {
			return nil, fmt.Errorf("transport: binding port %d: %w", cfg.ListenPort, err)
		}
		logger.Warn("primary port unavailable, falling back to dynamic port",
			"port", cfg.ListenPort, "error", err)
		listener, err = NewTCPListener(":0", privateKey, logger)
		if err != nil {
			return nil, fmt.Errorf("transport: binding dynamic port: %w", err)
		}
	}

	return &Node{
		privateKey:  privateKey,
		publicKey:   publicKey,
		identifier:  identifier,
		listener:    listener,
		dialer:      &TCPDialer{PrivateKey: privateKey},
		logger:      logger,
		connections: make(map[net.Conn]*ConnectionInfo),
	}, nil
}

// Start begins accepting inbound connections. Inbound connections are
// registered after their handshake and deregistered when they close.
func (n *Node) Start(ctx context.Context) {
	n.mu.Lock()
	if n.serveDone != nil {
		n.mu.Unlock()
		return
	}
	n.serveDone = make(chan struct{})
	done := n.serveDone
	n.mu.Unlock()

	go func() {
		defer close(done)
		err := n.listener.Serve(ctx, func(conn net.Conn, peer Peer) {
			n.register(conn, peer, DirectionInbound)
			n.logger.Info("peer connected",
				"peer", peer.Identifier, "remote", conn.RemoteAddr().String(), "direction", "inbound")
			// Hold the connection open until the peer hangs up; the
			// registry entry lives exactly as long as the socket.
			go n.drain(conn)
		})
		if err != nil {
			n.logger.Error("listener stopped", "error", err)
		}
	}()
}

// Identifier returns the node's self-certifying identifier.
func (n *Node) Identifier() identity.Identifier {
	return n.identifier
}

// PublicKey returns the node's public key.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.publicKey
}

// Addresses returns the dialable addresses of this node, one per
// usable local interface address.
func (n *Node) Addresses() []string {
	port := n.listener.Port()
	var addresses []string
	for _, host := range localHosts() {
		addresses = append(addresses, Addr{
			Identifier: n.identifier,
			Host:       host,
			Port:       port,
		}.String())
	}
	return addresses
}

// Connections snapshots the registry of live authenticated
// connections.
func (n *Node) Connections() []ConnectionInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	infos := make([]ConnectionInfo, 0, len(n.connections))
	for _, info := range n.connections {
		infos = append(infos, *info)
	}
	return infos
}

// Dial connects to the peer the address names. On success the
// connection is registered; a failed dial never touches the registry.
func (n *Node) Dial(ctx context.Context, addr Addr) (net.Conn, error) {
	conn, peer, err := n.dialer.DialContext(ctx, addr)
	if err != nil {
		return nil, err
	}
	n.register(conn, peer, DirectionOutbound)
	n.logger.Info("peer connected",
		"peer", peer.Identifier, "remote", conn.RemoteAddr().String(), "direction", "outbound")
	go n.drain(conn)
	return conn, nil
}

// Close shuts down the listener and every registered connection.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	conns := make([]net.Conn, 0, len(n.connections))
	for conn := range n.connections {
		conns = append(conns, conn)
	}
	done := n.serveDone
	n.mu.Unlock()

	err := n.listener.Close()
	for _, conn := range conns {
		conn.Close()
	}
	if done != nil {
		<-done
	}
	return err
}

func (n *Node) register(conn net.Conn, peer Peer, direction Direction) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connections[conn] = &ConnectionInfo{
		Peer:        peer,
		RemoteAddr:  conn.RemoteAddr().String(),
		Direction:   direction,
		ConnectedAt: time.Now(),
	}
}

// drain blocks until the connection closes, then removes it from the
// registry. Gangway connections carry no application traffic yet, so
// reading until EOF doubles as liveness detection.
func (n *Node) drain(conn net.Conn) {
	buffer := make([]byte, 1024)
	for {
		if _, err := conn.Read(buffer); err != nil {
			break
		}
	}
	conn.Close()
	n.mu.Lock()
	info := n.connections[conn]
	delete(n.connections, conn)
	n.mu.Unlock()
	if info != nil {
		n.logger.Info("peer disconnected", "peer", info.Peer.Identifier)
	}
}

// localHosts returns the node's non-loopback unicast IP addresses,
// falling back to loopback when nothing else is available.
func localHosts() []string {
	interfaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return []string{"127.0.0.1"}
	}
	var hosts []string
	for _, interfaceAddr := range interfaceAddrs {
		ipNet, ok := interfaceAddr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.To4() == nil {
			continue
		}
		hosts = append(hosts, ipNet.IP.String())
	}
	if len(hosts) == 0 {
		hosts = []string{"127.0.0.1"}
	}
	return hosts
}

// loadOrGenerateKeypair loads the node keypair from stateDir, or
// generates and saves a new one when the files do not exist. Reports
// whether the keypair was newly generated.
func loadOrGenerateKeypair(stateDir string) (ed25519.PublicKey, ed25519.PrivateKey, bool, error) {
	privatePath := filepath.Join(stateDir, nodeKeyFile)

	privateBytes, err := os.ReadFile(privatePath)
	if err == nil {
		if len(privateBytes) != ed25519.PrivateKeySize {
			return nil, nil, false, fmt.Errorf("node key has %d bytes, want %d", len(privateBytes), ed25519.PrivateKeySize)
		}
		privateKey := ed25519.PrivateKey(privateBytes)
		return privateKey.Public().(ed25519.PublicKey), privateKey, false, nil
	}
	if !os.IsNotExist(err) {
		return nil, nil, false, fmt.Errorf("reading node key: %w", err)
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, false, fmt.Errorf("generating node keypair: %w", err)
	}
	if err := os.WriteFile(privatePath, privateKey, 0600); err != nil {
		return nil, nil, false, fmt.Errorf("writing node key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(stateDir, nodePublicKeyFile), publicKey, 0644); err != nil {
		return nil, nil, false, fmt.Errorf("writing node public key: %w", err)
	}
	return publicKey, privateKey, true, nil
}
