// Copyright 2026 The Gangway Authors
// SPDX-License-Identifier: Apache-2.0

package signrelay

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gangway-project/gangway/lib/cas"
	"github.com/gangway-project/gangway/lib/clock"
	"github.com/gangway-project/gangway/lib/testutil"
)

// captureEmitter records emitted requests and makes them available to
// the test.
type captureEmitter struct {
	mu       sync.Mutex
	requests []Request
	notify   chan Request
}

func newCaptureEmitter() *captureEmitter {
	return &captureEmitter{notify: make(chan Request, 16)}
}

func (e *captureEmitter) emit(request Request) error {
	e.mu.Lock()
	e.requests = append(e.requests, request)
	e.mu.Unlock()
	e.notify <- request
	return nil
}

func TestSignResolvedRoundTrip(t *testing.T) {
	emitter := newCaptureEmitter()
	relay := New(0, nil, nil)
	relay.SetEmitter(emitter.emit)

	payload := []byte("entry payload")
	wantDigest := cas.SignDigest(payload)

	type signResult struct {
		signature []byte
		err       error
	}
	results := make(chan signResult, 1)
	go func() {
		signature, err := relay.Sign(context.Background(), payload)
		results <- signResult{signature, err}
	}()

	request := testutil.RequireReceive(t, emitter.notify, 5*time.Second, "waiting for emitted sign request")
	if !bytes.Equal(request.PayloadDigest, wantDigest[:]) {
		t.Fatal("emitted digest does not match payload digest")
	}

	if err := relay.Resolve(request.RequestID, []byte("the signature")); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	result := testutil.RequireReceive(t, results, 5*time.Second, "waiting for Sign to return")
	if result.err != nil {
		t.Fatalf("Sign: %v", result.err)
	}
	if string(result.signature) != "the signature" {
		t.Fatalf("signature = %q", result.signature)
	}
	if relay.PendingCount() != 0 {
		t.Fatalf("pending count = %d after resolution", relay.PendingCount())
	}
}

func TestSignTimeout(t *testing.T) {
	fakeClock := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	emitter := newCaptureEmitter()
	relay := New(10*time.Second, fakeClock, nil)
	relay.SetEmitter(emitter.emit)

	errs := make(chan error, 1)
	go func() {
		_, err := relay.Sign(context.Background(), []byte("never signed"))
		errs <- err
	}()

	testutil.RequireReceive(t, emitter.notify, 5*time.Second, "waiting for emitted request")
	fakeClock.WaitForTimers(1)
	fakeClock.Advance(10 * time.Second)

	err := testutil.RequireReceive(t, errs, 5*time.Second, "waiting for timeout")
	if !errors.Is(err, ErrSignTimeout) {
		t.Fatalf("Sign = %v, want ErrSignTimeout", err)
	}
	if relay.PendingCount() != 0 {
		t.Fatal("timed-out request not purged")
	}
}

func TestLateResponseDiscarded(t *testing.T) {
	fakeClock := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	emitter := newCaptureEmitter()
	relay := New(10*time.Second, fakeClock, nil)
	relay.SetEmitter(emitter.emit)

	errs := make(chan error, 1)
	go func() {
		_, err := relay.Sign(context.Background(), []byte("payload"))
		errs <- err
	}()

	request := testutil.RequireReceive(t, emitter.notify, 5*time.Second, "waiting for emitted request")
	fakeClock.WaitForTimers(1)
	fakeClock.Advance(10 * time.Second)
	testutil.RequireReceive(t, errs, 5*time.Second, "waiting for timeout")

	// The response arrives after the purge: discarded.
	if err := relay.Resolve(request.RequestID, []byte("late")); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("late Resolve = %v, want ErrUnknownRequest", err)
	}
}

func TestUnknownRequestIDLeavesOthersPending(t *testing.T) {
	emitter := newCaptureEmitter()
	relay := New(0, nil, nil)
	relay.SetEmitter(emitter.emit)

	go relay.Sign(context.Background(), []byte("pending payload"))
	testutil.RequireReceive(t, emitter.notify, 5*time.Second, "waiting for emitted request")

	if err := relay.Resolve("does-not-exist", []byte("sig")); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("Resolve unknown = %v, want ErrUnknownRequest", err)
	}
	if relay.PendingCount() != 1 {
		t.Fatalf("pending count = %d, want 1 (unrelated request must be unaffected)", relay.PendingCount())
	}
}

func TestDuplicateResolveRejected(t *testing.T) {
	emitter := newCaptureEmitter()
	relay := New(0, nil, nil)
	relay.SetEmitter(emitter.emit)

	done := make(chan struct{})
	go func() {
		relay.Sign(context.Background(), []byte("payload"))
		close(done)
	}()
	request := testutil.RequireReceive(t, emitter.notify, 5*time.Second, "waiting for emitted request")

	if err := relay.Resolve(request.RequestID, []byte("first")); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	if err := relay.Resolve(request.RequestID, []byte("second")); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("second Resolve = %v, want ErrUnknownRequest", err)
	}
	testutil.RequireClosed(t, done, 5*time.Second, "Sign returning")
}

func TestSignerFailure(t *testing.T) {
	emitter := newCaptureEmitter()
	relay := New(0, nil, nil)
	relay.SetEmitter(emitter.emit)

	errs := make(chan error, 1)
	go func() {
		_, err := relay.Sign(context.Background(), []byte("payload"))
		errs <- err
	}()
	request := testutil.RequireReceive(t, emitter.notify, 5*time.Second, "waiting for emitted request")

	if err := relay.Fail(request.RequestID, "user cancelled"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	err := testutil.RequireReceive(t, errs, 5*time.Second, "waiting for Sign to fail")
	if err == nil {
		t.Fatal("Sign succeeded after Fail")
	}
}

func TestFailAllTerminatesEverything(t *testing.T) {
	emitter := newCaptureEmitter()
	relay := New(0, nil, nil)
	relay.SetEmitter(emitter.emit)

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := relay.Sign(context.Background(), []byte("payload"))
			errs <- err
		}()
	}
	for i := 0; i < 3; i++ {
		testutil.RequireReceive(t, emitter.notify, 5*time.Second, "waiting for emitted request")
	}

	relay.FailAll("supervisor shutting down")

	for i := 0; i < 3; i++ {
		if err := testutil.RequireReceive(t, errs, 5*time.Second, "waiting for failure"); err == nil {
			t.Fatal("a pending sign request survived FailAll")
		}
	}
	if relay.PendingCount() != 0 {
		t.Fatal("pending requests remain after FailAll")
	}
}

func TestSignWithoutEmitter(t *testing.T) {
	relay := New(0, nil, nil)
	if _, err := relay.Sign(context.Background(), []byte("payload")); !errors.Is(err, ErrNoSigner) {
		t.Fatalf("Sign without emitter = %v, want ErrNoSigner", err)
	}
}

func TestClearingEmitterFailsPending(t *testing.T) {
	emitter := newCaptureEmitter()
	relay := New(0, nil, nil)
	relay.SetEmitter(emitter.emit)

	errs := make(chan error, 1)
	go func() {
		_, err := relay.Sign(context.Background(), []byte("payload"))
		errs <- err
	}()
	testutil.RequireReceive(t, emitter.notify, 5*time.Second, "waiting for emitted request")

	relay.SetEmitter(nil)
	if err := testutil.RequireReceive(t, errs, 5*time.Second, "waiting for failure"); !errors.Is(err, ErrNoSigner) {
		t.Fatalf("Sign after emitter cleared = %v, want ErrNoSigner", err)
	}
}
