// Copyright 2026 The Gangway Authors
// SPDX-License-Identifier: Apache-2.0

// Package signrelay implements the sign-request relay: the round-trip
// protocol by which the node process obtains signatures it cannot
// produce locally.
//
// The database engine's write path needs a signature from the user's
// credential, but the credential is only invokable in the UI process
// (it requires a live user-presence prompt). Instead of trying to
// proxy a callable across the process boundary, the relay registers a
// pending request, pushes {requestID, payload digest} to the
// credential-holding process over the operation bridge, and suspends
// the write until a matching response or a timeout. The signature is
// produced over the digest bytes, so the raw payload never needs to
// cross the boundary.
//
// Every pending request reaches a terminal state: resolved by exactly
// one matching response, failed by the signer, timed out, or failed
// en masse at shutdown. Nothing hangs.
package signrelay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gangway-project/gangway/lib/cas"
	"github.com/gangway-project/gangway/lib/clock"
)

// DefaultTimeout bounds how long a write waits for its signature. It
// is generous because the user may be mid biometric prompt.
const DefaultTimeout = 30 * time.Second

var (
	// ErrSignTimeout: no response arrived before the timeout. The
	// pending request is purged; a late response is discarded.
	ErrSignTimeout = errors.New("signrelay: sign request timed out")

	// ErrUnknownRequest: a response named a request id that is not
	// pending (never existed, already resolved, or purged).
	ErrUnknownRequest = errors.New("signrelay: unknown request id")

	// ErrNoSigner: no credential-holding process is connected to
	// receive sign requests.
	ErrNoSigner = errors.New("signrelay: no credential holder connected")
)

// Signer is the capability the database engine consumes. The relay is
// the production implementation; tests substitute a local signer.
type Signer interface {
	// Sign obtains a signature over payload, suspending the caller
	// until it arrives or the attempt reaches a terminal failure.
	Sign(ctx context.Context, payload []byte) ([]byte, error)
}

// Request is the outbound sign request pushed to the credential
// holder.
type Request struct {
	// RequestID correlates the response to the pending request.
	RequestID string `cbor:"1,keyasint" json:"request_id"`

	// PayloadDigest is the sign-request-domain hash of the payload.
	// The credential signs these bytes.
	PayloadDigest []byte `cbor:"2,keyasint" json:"payload_digest"`
}

// EmitFunc delivers a Request to the credential-holding process.
// Returning an error means delivery is impossible (no holder
// connected); the relay fails the request immediately rather than
// letting it ride out the timeout.
type EmitFunc func(request Request) error

type signOutcome struct {
	signature []byte
	err       error
}

type pendingRequest struct {
	digest    []byte
	createdAt time.Time
	done      chan signOutcome
}

// Relay tracks pending sign requests. Safe for concurrent use; Sign
// holds no lock while waiting, so concurrent writes to different
// databases relay their signatures independently.
type Relay struct {
	timeout time.Duration
	clock   clock.Clock
	logger  *slog.Logger

	mu      sync.Mutex
	emit    EmitFunc
	pending map[string]*pendingRequest
}

// New creates a relay. A zero timeout means DefaultTimeout; a nil
// clk means the real clock.
func New(timeout time.Duration, clk clock.Clock, logger *slog.Logger) *Relay {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Relay{
		timeout: timeout,
		clock:   clk,
		logger:  logger,
		pending: make(map[string]*pendingRequest),
	}
}

// SetEmitter installs (or clears, with nil) the delivery function.
// The bridge calls this when the credential-holding connection
// appears or disappears. Clearing the emitter fails all pending
// requests — their responses can no longer arrive.
func (r *Relay) SetEmitter(emit EmitFunc) {
	r.mu.Lock()
	r.emit = emit
	var orphaned []*pendingRequest
	if emit == nil {
		for id, pending := range r.pending {
			orphaned = append(orphaned, pending)
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()

	for _, pending := range orphaned {
		pending.done <- signOutcome{err: ErrNoSigner}
	}
}

// Sign implements Signer. It registers a pending request, pushes it
// to the credential holder, and waits for resolution, timeout, or
// context cancellation. Exactly one outcome wins; the pending entry
// is removed before the outcome is delivered, so late or duplicate
// responses find nothing to resolve.
func (r *Relay) Sign(ctx context.Context, payload []byte) ([]byte, error) {
	requestID, err := newRequestID()
	if err != nil {
		return nil, fmt.Errorf("signrelay: generating request id: %w", err)
	}

	digest := cas.SignDigest(payload)
	pending := &pendingRequest{
		digest:    digest[:],
		createdAt: r.clock.Now(),
		done:      make(chan signOutcome, 1),
	}

	r.mu.Lock()
	emit := r.emit
	if emit == nil {
		r.mu.Unlock()
		return nil, ErrNoSigner
	}
	r.pending[requestID] = pending
	r.mu.Unlock()

	r.logger.Debug("sign request issued", "request_id", requestID)

	if err := emit(Request{RequestID: requestID, PayloadDigest: digest[:]}); err != nil {
		r.purge(requestID)
		return nil, fmt.Errorf("signrelay: delivering sign request: %w", err)
	}

	select {
	case outcome := <-pending.done:
		if outcome.err != nil {
			return nil, outcome.err
		}
		return outcome.signature, nil

	case <-r.clock.After(r.timeout):
		if r.purge(requestID) {
			r.logger.Warn("sign request timed out", "request_id", requestID)
			return nil, ErrSignTimeout
		}
		// A response won the race between firing and purging.
		outcome := <-pending.done
		if outcome.err != nil {
			return nil, outcome.err
		}
		return outcome.signature, nil

	case <-ctx.Done():
		if r.purge(requestID) {
			return nil, ctx.Err()
		}
		outcome := <-pending.done
		if outcome.err != nil {
			return nil, outcome.err
		}
		return outcome.signature, nil
	}
}

// Resolve delivers a signature for a pending request. Exactly one
// resolution is accepted per request; late or duplicate responses get
// ErrUnknownRequest and affect nothing else.
func (r *Relay) Resolve(requestID string, signature []byte) error {
	pending := r.take(requestID)
	if pending == nil {
		return ErrUnknownRequest
	}
	pending.done <- signOutcome{signature: append([]byte(nil), signature...)}
	r.logger.Debug("sign request resolved", "request_id", requestID)
	return nil
}

// Fail delivers a terminal failure for a pending request (the user
// cancelled, the credential was unavailable).
func (r *Relay) Fail(requestID, message string) error {
	pending := r.take(requestID)
	if pending == nil {
		return ErrUnknownRequest
	}
	pending.done <- signOutcome{err: fmt.Errorf("signrelay: signer reported failure: %s", message)}
	r.logger.Debug("sign request failed by signer", "request_id", requestID, "message", message)
	return nil
}

// FailAll fails every pending request with the given reason. Called
// at shutdown so no write hangs on a signature that will never come.
func (r *Relay) FailAll(reason string) {
	r.mu.Lock()
	orphaned := make([]*pendingRequest, 0, len(r.pending))
	for id, pending := range r.pending {
		orphaned = append(orphaned, pending)
		delete(r.pending, id)
	}
	r.mu.Unlock()

	for _, pending := range orphaned {
		pending.done <- signOutcome{err: fmt.Errorf("signrelay: %s", reason)}
	}
	if len(orphaned) > 0 {
		r.logger.Info("failed all pending sign requests", "count", len(orphaned), "reason", reason)
	}
}

// PendingCount returns the number of requests awaiting resolution.
func (r *Relay) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// take removes and returns the pending request, or nil.
func (r *Relay) take(requestID string) *pendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending, exists := r.pending[requestID]
	if !exists {
		return nil
	}
	delete(r.pending, requestID)
	return pending
}

// purge removes the pending request if still present, reporting
// whether this call removed it.
func (r *Relay) purge(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pending[requestID]; !exists {
		return false
	}
	delete(r.pending, requestID)
	return true
}

// newRequestID returns 16 random bytes as hex.
func newRequestID() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw[:]), nil
}
