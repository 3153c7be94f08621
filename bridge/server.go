// Copyright 2026 The Gangway Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/gangway-project/gangway/engine"
	"github.com/gangway-project/gangway/lib/cas"
	"github.com/gangway-project/gangway/lib/codec"
	"github.com/gangway-project/gangway/signrelay"
	"github.com/gangway-project/gangway/supervisor"
	"github.com/gangway-project/gangway/transport"
)

// Server is the node-process side of the operation bridge. It accepts
// connections (production: a Unix socket the UI process connects to),
// reads request frames, dispatches each on its own goroutine so a slow
// operation never blocks the channel, and serializes all writes per
// connection.
type Server struct {
	supervisor *supervisor.Supervisor
	logger     *slog.Logger

	mu          sync.Mutex
	listener    net.Listener
	connections map[*serverConn]struct{}
	credential  *serverConn
	closed      bool
}

// NewServer creates a bridge server fronting the given supervisor.
func NewServer(owner *supervisor.Supervisor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		supervisor:  owner,
		logger:      logger,
		connections: make(map[*serverConn]struct{}),
	}
}

// Serve accepts connections until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("bridge: accept: %w", err)
		}
		go s.handleConnection(conn)
	}
}

// Close shuts down the listener and every connection. Pending sign
// requests fail through the emitter teardown; in-flight calls on each
// connection end when their responses are written or the socket drops.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listener := s.listener
	conns := make([]*serverConn, 0, len(s.connections))
	for conn := range s.connections {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	var err error
	if listener != nil {
		err = listener.Close()
	}
	for _, conn := range conns {
		conn.conn.Close()
	}
	return err
}

// serverConn is one UI-process connection. writeMu serializes every
// frame onto the socket; subscriptions is the set of database
// addresses this connection receives update events for.
type serverConn struct {
	server  *Server
	conn    net.Conn
	decoder *codec.Decoder

	writeMu sync.Mutex
	encoder *codec.Encoder

	mu            sync.Mutex
	subscriptions map[string]struct{}
}

func (s *Server) handleConnection(conn net.Conn) {
	connection := &serverConn{
		server:        s,
		conn:          conn,
		decoder:       codec.NewDecoder(conn),
		encoder:       codec.NewEncoder(conn),
		subscriptions: make(map[string]struct{}),
	}

	s.mu.Lock()
	s.connections[connection] = struct{}{}
	s.mu.Unlock()
	s.logger.Debug("bridge connection opened", "remote", conn.RemoteAddr())

	defer s.dropConnection(connection)

	for {
		frame, err := readFrame(connection.decoder)
		if err != nil {
			if err != io.EOF {
				s.logger.Warn("bridge read failed", "error", err)
			}
			return
		}
		if frame.Kind != FrameRequest {
			// Clients only send requests; anything else is a protocol
			// violation worth logging but not fatal.
			s.logger.Warn("unexpected frame kind from client", "kind", frame.Kind)
			continue
		}
		if s.logger.Enabled(context.Background(), slog.LevelDebug) {
			s.logger.Debug("request frame",
				"op", frame.Op, "id", frame.ID, "payload", diagnosePayload(frame.Payload))
		}
		// Dispatch on its own goroutine: a suspended call (a write
		// waiting on its signature) must not block other calls on the
		// same connection.
		go connection.dispatch(frame)
	}
}

// dropConnection deregisters a closed connection. If it was the
// credential holder, the relay loses its emitter and fails every
// pending sign request — nothing waits on a signer that is gone.
func (s *Server) dropConnection(connection *serverConn) {
	connection.conn.Close()

	s.mu.Lock()
	delete(s.connections, connection)
	wasCredentialHolder := s.credential == connection
	if wasCredentialHolder {
		s.credential = nil
	}
	s.mu.Unlock()

	if wasCredentialHolder {
		s.supervisor.Relay().SetEmitter(nil)
		s.logger.Info("credential-holding connection lost")
	}
	s.logger.Debug("bridge connection closed", "remote", connection.conn.RemoteAddr())
}

// fanOutUpdate delivers a committed-write event to every connection
// subscribed to its address. Best-effort: a dead subscriber is logged
// and skipped, delivery order per database follows commit order
// because the engine emits synchronously from its serialized commit
// path.
func (s *Server) fanOutUpdate(event engine.Event) {
	update := UpdateEvent{
		Address: string(event.Address),
		Entry:   event.Entry,
		Op:      string(event.Op),
	}

	s.mu.Lock()
	subscribers := make([]*serverConn, 0, len(s.connections))
	for connection := range s.connections {
		if connection.isSubscribed(string(event.Address)) {
			subscribers = append(subscribers, connection)
		}
	}
	s.mu.Unlock()

	for _, connection := range subscribers {
		if err := connection.sendEvent(EventUpdate, update); err != nil {
			s.logger.Debug("update event delivery failed", "error", err)
		}
	}
}

func (c *serverConn) isSubscribed(address string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, subscribed := c.subscriptions[address]
	return subscribed
}

func (c *serverConn) subscribe(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[address] = struct{}{}
}

func (c *serverConn) unsubscribe(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, address)
}

func (c *serverConn) sendResponse(id uint64, op string, payload any) error {
	encoded, err := codec.Marshal(payload)
	if err != nil {
		return c.sendError(id, op, &WireError{Kind: ErrorInternal, Message: err.Error()})
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.encoder, &Frame{Kind: FrameResponse, ID: id, Op: op, Payload: encoded})
}

func (c *serverConn) sendError(id uint64, op string, wireError *WireError) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.encoder, &Frame{Kind: FrameResponse, ID: id, Op: op, Error: wireError})
}

func (c *serverConn) sendEvent(op string, payload any) error {
	encoded, err := codec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bridge: encoding event: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.encoder, &Frame{Kind: FrameEvent, Op: op, Payload: encoded})
}

// dispatch runs one request to completion and writes exactly one
// response. A panicking handler is recovered into a structured
// internal error — no fault crosses the boundary raw.
func (c *serverConn) dispatch(frame *Frame) {
	defer func() {
		if recovered := recover(); recovered != nil {
			c.server.logger.Error("handler panicked", "op", frame.Op, "panic", recovered)
			c.sendError(frame.ID, frame.Op, &WireError{
				Kind:    ErrorInternal,
				Message: fmt.Sprintf("handler panicked: %v", recovered),
			})
		}
	}()

	payload, err := c.handle(frame)
	if err != nil {
		c.sendError(frame.ID, frame.Op, classifyError(frame.Op, err))
		return
	}
	if err := c.sendResponse(frame.ID, frame.Op, payload); err != nil {
		c.server.logger.Debug("response write failed", "op", frame.Op, "error", err)
	}
}

// handle routes one request to its implementation and returns the
// success payload.
func (c *serverConn) handle(frame *Frame) (any, error) {
	ctx := context.Background()
	owner := c.server.supervisor

	switch frame.Op {
	case OpInitialize:
		result, err := owner.Initialize(ctx)
		if err != nil {
			return nil, err
		}
		return InitializeResponse{
			Identifier:  string(result.Identifier),
			Addresses:   result.Addresses,
			StorageRoot: result.StorageRoot,
		}, nil

	case OpBindDatabaseEngine:
		var request BindEngineRequest
		if err := c.decode(frame, &request); err != nil {
			return nil, err
		}
		if err := owner.BindEngine(request.Descriptor); err != nil {
			return nil, err
		}
		c.becomeCredentialHolder()
		return struct{}{}, nil

	case OpGetIdentifier:
		return IdentifierResponse{Identifier: string(owner.Identifier())}, nil

	case OpGetAddresses:
		return AddressesResponse{Addresses: owner.Addresses()}, nil

	case OpGetConnections:
		infos := owner.Connections()
		summaries := make([]ConnectionSummary, 0, len(infos))
		for _, info := range infos {
			summaries = append(summaries, ConnectionSummary{
				Peer:       string(info.Peer.Identifier),
				RemoteAddr: info.RemoteAddr,
				Direction:  string(info.Direction),
			})
		}
		return ConnectionsResponse{Connections: summaries}, nil

	case OpDial:
		var request DialRequest
		if err := c.decode(frame, &request); err != nil {
			return nil, err
		}
		if _, err := owner.Dial(ctx, request.Address); err != nil {
			return nil, err
		}
		return struct{}{}, nil

	case OpOpenDatabase:
		var request OpenDatabaseRequest
		if err := c.decode(frame, &request); err != nil {
			return nil, err
		}
		databaseEngine, err := owner.Engine()
		if err != nil {
			return nil, err
		}
		info, err := databaseEngine.Open(ctx, request.Name, request.Kind, request.CreateIfMissing)
		if err != nil {
			return nil, err
		}
		// Opening implicitly subscribes the caller to the database's
		// update events; closing unsubscribes.
		c.subscribe(string(info.Address))
		return info, nil

	case OpCloseDatabase:
		var request AddressRequest
		if err := c.decode(frame, &request); err != nil {
			return nil, err
		}
		databaseEngine, err := owner.Engine()
		if err != nil {
			return nil, err
		}
		if err := databaseEngine.Close(engine.Address(request.Address)); err != nil {
			return nil, err
		}
		c.unsubscribe(request.Address)
		return struct{}{}, nil

	case OpListOpenDatabases:
		databaseEngine, err := owner.Engine()
		if err != nil {
			return nil, err
		}
		return ListDatabasesResponse{Databases: databaseEngine.List()}, nil

	case OpQueryDocuments:
		var request QueryRequest
		if err := c.decode(frame, &request); err != nil {
			return nil, err
		}
		databaseEngine, err := owner.Engine()
		if err != nil {
			return nil, err
		}
		documents, err := databaseEngine.Query(ctx, engine.Address(request.Address), request.Predicate)
		if err != nil {
			return nil, err
		}
		return QueryResponse{Documents: documents}, nil

	case OpGetDocument:
		var request DocumentIDRequest
		if err := c.decode(frame, &request); err != nil {
			return nil, err
		}
		databaseEngine, err := owner.Engine()
		if err != nil {
			return nil, err
		}
		document, err := databaseEngine.Get(ctx, engine.Address(request.Address), request.ID)
		if err != nil {
			return nil, err
		}
		return DocumentResponse{Document: document}, nil

	case OpAddDocument, OpPutDocument:
		var request WriteDocumentRequest
		if err := c.decode(frame, &request); err != nil {
			return nil, err
		}
		databaseEngine, err := owner.Engine()
		if err != nil {
			return nil, err
		}
		var entryHash cas.Hash
		if frame.Op == OpAddDocument {
			entryHash, err = databaseEngine.Add(ctx, engine.Address(request.Address), request.Document)
		} else {
			entryHash, err = databaseEngine.Put(ctx, engine.Address(request.Address), request.Document)
		}
		if err != nil {
			return nil, err
		}
		return EntryHashResponse{EntryHash: cas.Format(entryHash)}, nil

	case OpDeleteDocument:
		var request DocumentIDRequest
		if err := c.decode(frame, &request); err != nil {
			return nil, err
		}
		databaseEngine, err := owner.Engine()
		if err != nil {
			return nil, err
		}
		entryHash, err := databaseEngine.Delete(ctx, engine.Address(request.Address), request.ID)
		if err != nil {
			return nil, err
		}
		return EntryHashResponse{EntryHash: cas.Format(entryHash)}, nil

	case OpGetDatabaseInfo:
		var request AddressRequest
		if err := c.decode(frame, &request); err != nil {
			return nil, err
		}
		databaseEngine, err := owner.Engine()
		if err != nil {
			return nil, err
		}
		return databaseEngine.Info(engine.Address(request.Address))

	case OpResolveSignRequest:
		var request ResolveSignRequest
		if err := c.decode(frame, &request); err != nil {
			return nil, err
		}
		relay := c.server.supervisor.Relay()
		if request.Error != "" {
			if err := relay.Fail(request.RequestID, request.Error); err != nil {
				return nil, err
			}
		} else if err := relay.Resolve(request.RequestID, request.Signature); err != nil {
			return nil, err
		}
		return struct{}{}, nil

	default:
		return nil, &WireError{Kind: ErrorBadRequest, Message: fmt.Sprintf("unknown operation %q", frame.Op)}
	}
}

// becomeCredentialHolder wires this connection as the destination for
// sign-request events and installs the engine's update fan-out. Called
// after a successful bindDatabaseEngine.
func (c *serverConn) becomeCredentialHolder() {
	server := c.server
	server.mu.Lock()
	server.credential = c
	server.mu.Unlock()

	server.supervisor.Relay().SetEmitter(func(request signrelay.Request) error {
		return c.sendEvent(EventSignRequest, request)
	})

	if databaseEngine, err := server.supervisor.Engine(); err == nil {
		databaseEngine.SetEventHandler(server.fanOutUpdate)
	}
	server.logger.Info("credential holder bound", "remote", c.conn.RemoteAddr())
}

// diagnosePayload renders a frame payload in CBOR diagnostic notation
// for traffic logging.
func diagnosePayload(payload codec.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	diagnostic, err := codec.Diagnose(payload)
	if err != nil {
		return fmt.Sprintf("(undecodable: %v)", err)
	}
	return diagnostic
}

// decode unmarshals a request payload, mapping malformed input to a
// bad-request error rather than an internal one.
func (c *serverConn) decode(frame *Frame, request any) error {
	if len(frame.Payload) == 0 {
		return &WireError{Kind: ErrorBadRequest, Message: "missing request payload"}
	}
	if err := codec.Unmarshal(frame.Payload, request); err != nil {
		return &WireError{Kind: ErrorBadRequest, Message: fmt.Sprintf("malformed payload: %v", err)}
	}
	return nil
}

// classifyError maps internal errors onto the wire taxonomy. Already
// structured errors pass through; everything unrecognized is internal.
func classifyError(op string, err error) *WireError {
	var wireError *WireError
	if errors.As(err, &wireError) {
		return wireError
	}

	var dialError *transport.DialError
	if errors.As(err, &dialError) {
		return &WireError{
			Kind:    ErrorDialFailed,
			Message: fmt.Sprintf("%s: %v", dialError.Reason, dialError.Err),
		}
	}

	switch {
	case op == OpInitialize:
		return &WireError{Kind: ErrorInitialization, Message: err.Error()}
	case errors.Is(err, supervisor.ErrStorageNotReady), errors.Is(err, supervisor.ErrStopped):
		return &WireError{Kind: ErrorStorageNotReady, Message: err.Error()}
	case errors.Is(err, engine.ErrNotFound):
		return &WireError{Kind: ErrorNotFound, Message: err.Error()}
	case errors.Is(err, engine.ErrInvalidPredicate):
		return &WireError{Kind: ErrorInvalidPredicate, Message: err.Error()}
	case errors.Is(err, engine.ErrValidation):
		return &WireError{Kind: ErrorValidation, Message: err.Error()}
	case errors.Is(err, engine.ErrOpenFailed):
		return &WireError{Kind: ErrorOpenFailed, Message: err.Error()}
	case errors.Is(err, signrelay.ErrUnknownRequest):
		return &WireError{Kind: ErrorUnknownRequest, Message: err.Error()}
	case op == OpDial:
		// Address parse failures and anything else on the dial path.
		return &WireError{Kind: ErrorDialFailed, Message: err.Error()}
	default:
		return &WireError{Kind: ErrorInternal, Message: err.Error()}
	}
}
