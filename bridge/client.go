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

	"github.com/gangway-project/gangway/identity"
	"github.com/gangway-project/gangway/lib/codec"
)

// ErrClientClosed is returned for calls issued (or still in flight)
// after the connection is gone. Shutdown resolves every pending call
// with this error rather than letting it hang.
var ErrClientClosed = errors.New("bridge: connection closed")

// UpdateHandler receives update events for one subscribed database.
type UpdateHandler func(UpdateEvent)

// Client is the UI-process side of the operation bridge: it
// multiplexes calls over one connection, routes update events to
// per-address handlers, and (once ServeSigner is called) answers
// sign-request events with the local identity's credential.
type Client struct {
	conn   net.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	encoder *codec.Encoder

	mu       sync.Mutex
	nextID   uint64
	pending  map[uint64]chan *Frame
	handlers map[string][]UpdateHandler
	signer   *identity.Identity
	closed   bool
}

// NewClient wraps an established connection and starts its read loop.
func NewClient(conn net.Conn, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	client := &Client{
		conn:     conn,
		logger:   logger,
		encoder:  codec.NewEncoder(conn),
		pending:  make(map[uint64]chan *Frame),
		handlers: make(map[string][]UpdateHandler),
	}
	go client.readLoop(codec.NewDecoder(conn))
	return client
}

// Close tears down the connection. Every in-flight call resolves with
// ErrClientClosed.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes op with request, decoding the success payload into
// response (which may be nil when the caller ignores the payload).
// Errors from the far side arrive as *WireError.
func (c *Client) Call(ctx context.Context, op string, request, response any) error {
	var payload codec.RawMessage
	if request != nil {
		encoded, err := codec.Marshal(request)
		if err != nil {
			return fmt.Errorf("bridge: encoding %s request: %w", op, err)
		}
		payload = encoded
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.nextID++
	id := c.nextID
	done := make(chan *Frame, 1)
	c.pending[id] = done
	c.mu.Unlock()

	frame := &Frame{Kind: FrameRequest, ID: id, Op: op, Payload: payload}
	c.writeMu.Lock()
	err := writeFrame(c.encoder, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}

	select {
	case reply, ok := <-done:
		if !ok {
			return ErrClientClosed
		}
		if reply.Error != nil {
			return reply.Error
		}
		if response == nil || len(reply.Payload) == 0 {
			return nil
		}
		if err := codec.Unmarshal(reply.Payload, response); err != nil {
			return fmt.Errorf("bridge: decoding %s response: %w", op, err)
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// OnUpdate registers a handler for update events on one database
// address. Handlers run on the read loop goroutine in delivery order;
// they must hand off quickly.
func (c *Client) OnUpdate(address string, handler UpdateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[address] = append(c.handlers[address], handler)
}

// ServeSigner answers sign-request events with the given identity:
// each incoming request is signed (which triggers the credential's
// user-presence prompt) and resolved back through resolveSignRequest.
// A declined or failed signature is reported as a failure so the
// suspended write on the far side terminates instead of timing out.
func (c *Client) ServeSigner(signingIdentity *identity.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signer = signingIdentity
}

func (c *Client) readLoop(decoder *codec.Decoder) {
	for {
		frame, err := readFrame(decoder)
		if err != nil {
			if err != io.EOF {
				c.logger.Warn("bridge client read failed", "error", err)
			}
			c.failAllPending()
			return
		}

		switch frame.Kind {
		case FrameResponse:
			c.mu.Lock()
			done, waiting := c.pending[frame.ID]
			delete(c.pending, frame.ID)
			c.mu.Unlock()
			if waiting {
				done <- frame
			}
		case FrameEvent:
			c.handleEvent(frame)
		default:
			c.logger.Warn("unexpected frame kind from server", "kind", frame.Kind)
		}
	}
}

// failAllPending resolves every in-flight call with ErrClientClosed.
func (c *Client) failAllPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan *Frame)
	c.closed = true
	c.mu.Unlock()

	for _, done := range pending {
		close(done)
	}
}

func (c *Client) handleEvent(frame *Frame) {
	switch frame.Op {
	case EventUpdate:
		var event UpdateEvent
		if err := codec.Unmarshal(frame.Payload, &event); err != nil {
			c.logger.Warn("malformed update event", "error", err)
			return
		}
		c.mu.Lock()
		handlers := append([]UpdateHandler(nil), c.handlers[event.Address]...)
		c.mu.Unlock()
		for _, handler := range handlers {
			handler(event)
		}

	case EventSignRequest:
		var request SignRequestEvent
		if err := codec.Unmarshal(frame.Payload, &request); err != nil {
			c.logger.Warn("malformed sign request", "error", err)
			return
		}
		c.mu.Lock()
		signer := c.signer
		c.mu.Unlock()
		if signer == nil {
			c.logger.Warn("sign request received with no signer installed",
				"request_id", request.RequestID)
			return
		}
		// Signing blocks on the user-presence prompt; run it off the
		// read loop so events and responses keep flowing.
		go c.resolveSignRequest(signer, request)

	default:
		c.logger.Warn("unknown event", "op", frame.Op)
	}
}

// SignRequestEvent is the payload of EventSignRequest frames: the
// request id and the digest to sign. The raw payload never crosses the
// boundary.
type SignRequestEvent struct {
	RequestID     string `cbor:"1,keyasint" json:"request_id"`
	PayloadDigest []byte `cbor:"2,keyasint" json:"payload_digest"`
}

func (c *Client) resolveSignRequest(signer *identity.Identity, request SignRequestEvent) {
	ctx := context.Background()
	resolution := ResolveSignRequest{RequestID: request.RequestID}

	signature, err := signer.Sign(ctx, request.PayloadDigest)
	if err != nil {
		resolution.Error = err.Error()
		c.logger.Info("sign request declined", "request_id", request.RequestID, "error", err)
	} else {
		resolution.Signature = signature
	}

	if err := c.Call(ctx, OpResolveSignRequest, resolution, nil); err != nil {
		c.logger.Warn("sign request resolution failed",
			"request_id", request.RequestID, "error", err)
	}
}
