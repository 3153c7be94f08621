// Copyright 2026 The Gangway Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/gangway-project/gangway/identity"
)

// handshakeNonceSize is the size of the random challenge nonce in bytes.
const handshakeNonceSize = 32

// handshakeTimeout bounds the entire handshake (hello exchange,
// signing, verification). A connection that has not authenticated
// within this window is torn down.
const handshakeTimeout = 10 * time.Second

// runHandshake executes the mutual authentication protocol on a fresh
// connection. Both peers run this function simultaneously. The
// protocol is:
//
//  1. Send a hello: the 32-byte Ed25519 public key followed by a
//     32-byte random nonce
//  2. Read the peer's hello and derive its identifier from the
//     presented key
//  3. Sign (peerNonce || peerIdentifier) — binding the response to the
//     specific challenger's identity
//  4. Send the 64-byte Ed25519 signature
//  5. Read the peer's 64-byte signature
//  6. Verify it against (ownNonce || ownIdentifier) using the peer's
//     presented key
//
// The identifier binding in step 3 prevents a valid signature for peer
// A from being replayed to authenticate against peer B.
//
// Writes and reads are interleaved using a background writer goroutine
// to avoid deadlock on synchronous channels (such as net.Pipe), where
// Write blocks until the peer Reads. Without concurrent write/read,
// both sides would block on their initial Write simultaneously.
//
// On success the returned Peer carries the remote identifier and
// public key. The caller decides what to do with the connection.
func runHandshake(channel io.ReadWriter, privateKey ed25519.PrivateKey) (Peer, error) {
	publicKey := privateKey.Public().(ed25519.PublicKey)
	ownIdentifier := identity.DeriveIdentifier(publicKey)

	nonce := make([]byte, handshakeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Peer{}, fmt.Errorf("generating handshake nonce: %w", err)
	}

	hello := make([]byte, 0, ed25519.PublicKeySize+handshakeNonceSize)
	hello = append(hello, publicKey...)
	hello = append(hello, nonce...)

	// Background writer: sends our hello, then waits for the signature
	// to be computed by the main goroutine, then sends the signature.
	writeErrors := make(chan error, 1)
	signatureToSend := make(chan []byte, 1)
	go func() {
		if _, err := channel.Write(hello); err != nil {
			writeErrors <- fmt.Errorf("sending hello: %w", err)
			return
		}
		signature, ok := <-signatureToSend
		if !ok {
			return
		}
		if _, err := channel.Write(signature); err != nil {
			writeErrors <- fmt.Errorf("sending signature: %w", err)
			return
		}
		writeErrors <- nil
	}()

	peerHello := make([]byte, ed25519.PublicKeySize+handshakeNonceSize)
	if _, err := io.ReadFull(channel, peerHello); err != nil {
		close(signatureToSend)
		return Peer{}, fmt.Errorf("reading peer hello: %w", err)
	}
	peerPublicKey := ed25519.PublicKey(peerHello[:ed25519.PublicKeySize])
	peerNonce := peerHello[ed25519.PublicKeySize:]
	peerIdentifier := identity.DeriveIdentifier(peerPublicKey)

	// Sign (peerNonce || peerIdentifier): "I am responding to this
	// challenge from the node that presented this key."
	signedMessage := make([]byte, 0, handshakeNonceSize+len(peerIdentifier))
	signedMessage = append(signedMessage, peerNonce...)
	signedMessage = append(signedMessage, peerIdentifier...)
	signatureToSend <- ed25519.Sign(privateKey, signedMessage)

	peerSignature := make([]byte, ed25519.SignatureSize)
	if _, err := io.ReadFull(channel, peerSignature); err != nil {
		return Peer{}, fmt.Errorf("reading peer signature: %w", err)
	}

	if err := <-writeErrors; err != nil {
		return Peer{}, err
	}

	// Verify: the peer signed (ownNonce || ownIdentifier), i.e. it
	// responded to OUR challenge bound to OUR identity.
	verifyMessage := make([]byte, 0, handshakeNonceSize+len(ownIdentifier))
	verifyMessage = append(verifyMessage, nonce...)
	verifyMessage = append(verifyMessage, ownIdentifier...)
	if !identity.Verify(peerSignature, verifyMessage, peerPublicKey) {
		return Peer{}, fmt.Errorf("peer %s failed challenge verification", peerIdentifier)
	}

	return Peer{
		Identifier: peerIdentifier,
		PublicKey:  append([]byte(nil), peerPublicKey...),
	}, nil
}
