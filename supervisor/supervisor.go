// Copyright 2026 The Gangway Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor implements the network and storage supervisor:
// the single owner of the node process's long-lived resources — the
// p2p network node, the block store, the record store, and the
// database engine.
//
// The supervisor is an explicit state machine (Uninitialized →
// Initializing → Ready → ShuttingDown → Stopped). Every mutating
// operation is serialized through one mutex; concurrent Initialize
// calls coalesce onto a single in-flight attempt and all callers
// receive its result. Nothing else in the process may open the stores
// or the node directly — the bridge calls through here.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/gangway-project/gangway/blockstore"
	"github.com/gangway-project/gangway/engine"
	"github.com/gangway-project/gangway/identity"
	"github.com/gangway-project/gangway/lib/clock"
	"github.com/gangway-project/gangway/recordstore"
	"github.com/gangway-project/gangway/signrelay"
	"github.com/gangway-project/gangway/transport"
)

// State is the supervisor lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	StateShuttingDown  State = "shutting-down"
	StateStopped       State = "stopped"
)

var (
	// ErrStorageNotReady: the operation requires a Ready supervisor.
	ErrStorageNotReady = errors.New("supervisor: storage not ready")

	// ErrStopped: the supervisor has shut down and accepts nothing.
	ErrStopped = errors.New("supervisor: stopped")
)

// InitResult is what initialize returns to every caller: the node's
// self-certifying identifier, its dialable addresses, and the storage
// root in use.
type InitResult struct {
	Identifier  identity.Identifier `json:"identifier"`
	Addresses   []string            `json:"addresses"`
	StorageRoot string              `json:"storage_root"`
}

// Config assembles a Supervisor.
type Config struct {
	// StorageRoot is the per-application data directory. Created on
	// first run; its absence is never an error.
	StorageRoot string

	// ListenPort is the node's preferred port; FallbackDynamic allows
	// retrying with a dynamic port when it is taken.
	ListenPort      int
	FallbackDynamic bool

	Clock  clock.Clock
	Logger *slog.Logger
}

// Supervisor owns the node process's resources. Create with New, bring
// up with Initialize, tear down with Shutdown.
type Supervisor struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
	relay  *signrelay.Relay

	mu       sync.Mutex
	state    State
	result   InitResult
	inflight chan struct{} // closed when the in-flight Initialize finishes
	initErr  error

	blocks   *blockstore.Store
	records  *recordstore.Store
	node     *transport.Node
	engine   *engine.Engine
	stopNode context.CancelFunc
}

// New creates a supervisor in the Uninitialized state.
func New(cfg Config) *Supervisor {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Supervisor{
		cfg:    cfg,
		clock:  clk,
		logger: logger,
		relay:  signrelay.New(0, clk, logger),
		state:  StateUninitialized,
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Relay exposes the sign-request relay for the bridge to wire emitters
// and route resolutions.
func (s *Supervisor) Relay() *signrelay.Relay {
	return s.relay
}

// Initialize brings the supervisor to Ready: creates the storage root,
// starts the network node, then opens the block and record stores.
// First-run absence of any on-disk state is success, not error.
//
// Concurrent callers coalesce: the second caller waits on the first
// attempt and receives its result, so two racing initialize calls
// yield one network identity, never two. Calling on a Ready
// supervisor returns the existing result.
func (s *Supervisor) Initialize(ctx context.Context) (InitResult, error) {
	s.mu.Lock()
	switch s.state {
	case StateReady:
		result := s.result
		s.mu.Unlock()
		return result, nil
	case StateInitializing:
		inflight := s.inflight
		s.mu.Unlock()
		select {
		case <-inflight:
		case <-ctx.Done():
			return InitResult{}, ctx.Err()
		}
		s.mu.Lock()
		result, err := s.result, s.initErr
		s.mu.Unlock()
		return result, err
	case StateShuttingDown, StateStopped:
		s.mu.Unlock()
		return InitResult{}, ErrStopped
	}

	s.state = StateInitializing
	s.inflight = make(chan struct{})
	inflight := s.inflight
	s.mu.Unlock()

	result, err := s.bringUp(ctx)

	s.mu.Lock()
	if err != nil {
		s.state = StateUninitialized
		s.initErr = err
		s.logger.Error("initialization failed", "error", err)
	} else {
		s.state = StateReady
		s.result = result
		s.initErr = nil
		s.logger.Info("supervisor ready",
			"identifier", result.Identifier, "storage_root", result.StorageRoot)
	}
	s.inflight = nil
	close(inflight)
	s.mu.Unlock()

	return result, err
}

// bringUp performs the actual startup work, outside the state mutex.
// Any failure rolls back whatever was opened.
func (s *Supervisor) bringUp(ctx context.Context) (InitResult, error) {
	root := s.cfg.StorageRoot
	if err := os.MkdirAll(root, 0700); err != nil {
		return InitResult{}, fmt.Errorf("supervisor: creating storage root: %w", err)
	}

	// The node comes up first, the stores after; teardown mirrors this
	// in reverse. The node outlives the Initialize call: its lifetime
	// is bound to Shutdown, not to the caller's context.
	node, err := transport.NewNode(transport.NodeConfig{
		StateDir:        filepath.Join(root, "node"),
		ListenPort:      s.cfg.ListenPort,
		FallbackDynamic: s.cfg.FallbackDynamic,
		Logger:          s.logger,
	})
	if err != nil {
		return InitResult{}, fmt.Errorf("supervisor: %w", err)
	}
	nodeCtx, stopNode := context.WithCancel(context.Background())
	node.Start(nodeCtx)

	blocks, err := blockstore.Open(filepath.Join(root, "blocks"), s.logger)
	if err != nil {
		stopNode()
		node.Close()
		return InitResult{}, fmt.Errorf("supervisor: %w", err)
	}

	records, err := recordstore.Open(filepath.Join(root, "records", "records.db"), s.logger)
	if err != nil {
		stopNode()
		node.Close()
		return InitResult{}, fmt.Errorf("supervisor: %w", err)
	}

	s.mu.Lock()
	s.blocks = blocks
	s.records = records
	s.node = node
	s.stopNode = stopNode
	s.mu.Unlock()

	return InitResult{
		Identifier:  node.Identifier(),
		Addresses:   node.Addresses(),
		StorageRoot: root,
	}, nil
}

// BindEngine constructs the database engine bound to the given
// identity descriptor, with the sign-request relay as its signer.
// Requires Ready. Binding twice in one process lifetime is a no-op
// success — the engine keeps its first identity.
func (s *Supervisor) BindEngine(descriptor identity.Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateReady {
		return ErrStorageNotReady
	}
	if s.engine != nil {
		return nil
	}
	if err := descriptor.Validate(); err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}

	databaseEngine, err := engine.New(engine.Config{
		Blocks:  s.blocks,
		Records: s.records,
		Signer:  s.relay,
		Author:  descriptor,
		Clock:   s.clock,
		Logger:  s.logger,
	})
	if err != nil {
		return err
	}
	s.engine = databaseEngine
	s.logger.Info("database engine bound", "identity", descriptor.Identifier)
	return nil
}

// Engine returns the bound database engine, or ErrStorageNotReady when
// the supervisor is not Ready or no engine is bound yet.
func (s *Supervisor) Engine() (*engine.Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady || s.engine == nil {
		return nil, ErrStorageNotReady
	}
	return s.engine, nil
}

// Identifier returns the node identifier, zero before Ready.
func (s *Supervisor) Identifier() identity.Identifier {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return ""
	}
	return s.result.Identifier
}

// Addresses returns the node's dialable addresses, nil before Ready.
func (s *Supervisor) Addresses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return nil
	}
	return append([]string(nil), s.result.Addresses...)
}

// Connections snapshots the node's connection registry, nil before
// Ready.
func (s *Supervisor) Connections() []transport.ConnectionInfo {
	s.mu.Lock()
	node := s.node
	ready := s.state == StateReady
	s.mu.Unlock()
	if !ready || node == nil {
		return nil
	}
	return node.Connections()
}

// Dial connects to a peer named by "<identifier>@host:port". Requires
// Ready. Failures are reported per-call; a failed dial registers
// nothing.
func (s *Supervisor) Dial(ctx context.Context, address string) (net.Conn, error) {
	s.mu.Lock()
	node := s.node
	ready := s.state == StateReady
	s.mu.Unlock()
	if !ready {
		return nil, ErrStorageNotReady
	}

	addr, err := transport.ParseAddr(address)
	if err != nil {
		return nil, err
	}
	return node.Dial(ctx, addr)
}

// Shutdown tears everything down in reverse order of startup, each
// step best-effort: a failing store close is logged and teardown
// continues. Pending sign requests are failed first so no suspended
// write outlives the process. Safe to call during Initializing — it
// waits for the in-flight attempt, then tears down whatever it built.
// Idempotent.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	for {
		s.mu.Lock()
		switch s.state {
		case StateStopped, StateShuttingDown:
			s.mu.Unlock()
			return nil
		case StateInitializing:
			inflight := s.inflight
			s.mu.Unlock()
			select {
			case <-inflight:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		break
	}

	s.state = StateShuttingDown
	records, node, stopNode := s.records, s.node, s.stopNode
	s.engine = nil
	s.blocks = nil
	s.records = nil
	s.node = nil
	s.stopNode = nil
	s.mu.Unlock()

	// Fail pending sign requests before anything closes: a write
	// suspended on a signature must resolve, not hang. Then engine,
	// stores, node — the reverse of bring-up.
	s.relay.FailAll("supervisor shutting down")

	if records != nil {
		if err := records.Close(); err != nil {
			s.logger.Warn("closing record store", "error", err)
		}
	}
	if stopNode != nil {
		stopNode()
	}
	if node != nil {
		if err := node.Close(); err != nil {
			s.logger.Warn("closing network node", "error", err)
		}
	}

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	s.logger.Info("supervisor stopped")
	return nil
}
