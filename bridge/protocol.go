// Copyright 2026 The Gangway Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"fmt"
	"io"

	"github.com/gangway-project/gangway/engine"
	"github.com/gangway-project/gangway/identity"
	"github.com/gangway-project/gangway/lib/codec"
)

// FrameKind discriminates the three frame shapes on the wire.
type FrameKind uint8

const (
	// FrameRequest carries an operation invocation. Every request gets
	// exactly one response with the same ID.
	FrameRequest FrameKind = 1

	// FrameResponse answers a request: either Payload or Error is set.
	FrameResponse FrameKind = 2

	// FrameEvent is an unsolicited push (update, sign-request). No
	// acknowledgment, at-most-once delivery.
	FrameEvent FrameKind = 3
)

// Operation names. This is the closed set of remotely invokable
// operations; the server rejects anything else with ErrorBadRequest.
const (
	OpInitialize         = "initialize"
	OpBindDatabaseEngine = "bindDatabaseEngine"
	OpGetIdentifier      = "getIdentifier"
	OpGetAddresses       = "getAddresses"
	OpGetConnections     = "getConnections"
	OpDial               = "dial"
	OpOpenDatabase       = "openDatabase"
	OpCloseDatabase      = "closeDatabase"
	OpListOpenDatabases  = "listOpenDatabases"
	OpQueryDocuments     = "queryDocuments"
	OpGetDocument        = "getDocument"
	OpAddDocument        = "addDocument"
	OpPutDocument        = "putDocument"
	OpDeleteDocument     = "deleteDocument"
	OpGetDatabaseInfo    = "getDatabaseInfo"
	OpResolveSignRequest = "resolveSignRequest"
)

// Event names carried in the Op field of event frames.
const (
	// EventUpdate notifies a committed write to a subscribed database.
	EventUpdate = "update"

	// EventSignRequest asks the credential-holding process for a
	// signature over a payload digest.
	EventSignRequest = "sign-request"
)

// ErrorKind classifies a structured bridge error.
type ErrorKind string

const (
	ErrorInitialization   ErrorKind = "initialization-error"
	ErrorStorageNotReady  ErrorKind = "storage-not-ready"
	ErrorDialFailed       ErrorKind = "dial-failed"
	ErrorNotFound         ErrorKind = "not-found"
	ErrorOpenFailed       ErrorKind = "open-failed"
	ErrorInvalidPredicate ErrorKind = "invalid-predicate"
	ErrorValidation       ErrorKind = "validation-error"
	ErrorUnknownRequest   ErrorKind = "unknown-request"
	ErrorBadRequest       ErrorKind = "bad-request"
	ErrorInternal         ErrorKind = "internal"
)

// WireError is the structured failure carried in response frames.
// Always data, never a raw fault: handler panics become ErrorInternal.
type WireError struct {
	Kind    ErrorKind `cbor:"1,keyasint" json:"kind"`
	Message string    `cbor:"2,keyasint" json:"message"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("bridge: %s: %s", e.Kind, e.Message)
}

// Frame is the single wire unit: a CBOR-encoded record on the stream.
type Frame struct {
	Kind    FrameKind        `cbor:"1,keyasint"`
	ID      uint64           `cbor:"2,keyasint,omitempty"`
	Op      string           `cbor:"3,keyasint,omitempty"`
	Payload codec.RawMessage `cbor:"4,keyasint,omitempty"`
	Error   *WireError       `cbor:"5,keyasint,omitempty"`
}

// writeFrame encodes one frame onto the stream. Callers serialize
// access to the encoder.
func writeFrame(encoder *codec.Encoder, frame *Frame) error {
	if err := encoder.Encode(frame); err != nil {
		return fmt.Errorf("bridge: writing frame: %w", err)
	}
	return nil
}

// readFrame decodes the next frame. io.EOF means the peer hung up
// cleanly.
func readFrame(decoder *codec.Decoder) (*Frame, error) {
	var frame Frame
	if err := decoder.Decode(&frame); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("bridge: reading frame: %w", err)
	}
	return &frame, nil
}

// Request and response payloads, one struct per bridge operation. All
// CBOR, all closed types — nothing dynamic crosses the boundary except
// document contents themselves.

// InitializeResponse reports the node identity brought up by
// initialize.
type InitializeResponse struct {
	Identifier  string   `cbor:"1,keyasint" json:"identifier"`
	Addresses   []string `cbor:"2,keyasint" json:"addresses"`
	StorageRoot string   `cbor:"3,keyasint" json:"storage_root"`
}

// BindEngineRequest carries the identity descriptor the database
// engine signs on behalf of.
type BindEngineRequest struct {
	Descriptor identity.Descriptor `cbor:"1,keyasint" json:"descriptor"`
}

// IdentifierResponse answers getIdentifier.
type IdentifierResponse struct {
	Identifier string `cbor:"1,keyasint" json:"identifier"`
}

// AddressesResponse answers getAddresses.
type AddressesResponse struct {
	Addresses []string `cbor:"1,keyasint" json:"addresses"`
}

// ConnectionSummary is one registry entry in getConnections.
type ConnectionSummary struct {
	Peer       string `cbor:"1,keyasint" json:"peer"`
	RemoteAddr string `cbor:"2,keyasint" json:"remote_addr"`
	Direction  string `cbor:"3,keyasint" json:"direction"`
}

// ConnectionsResponse answers getConnections.
type ConnectionsResponse struct {
	Connections []ConnectionSummary `cbor:"1,keyasint" json:"connections"`
}

// DialRequest names the peer to connect to.
type DialRequest struct {
	Address string `cbor:"1,keyasint" json:"address"`
}

// OpenDatabaseRequest opens (optionally creating) a database.
type OpenDatabaseRequest struct {
	Name            string      `cbor:"1,keyasint" json:"name"`
	Kind            engine.Kind `cbor:"2,keyasint" json:"kind"`
	CreateIfMissing bool        `cbor:"3,keyasint" json:"create_if_missing"`
}

// AddressRequest names a database by address (closeDatabase,
// getDatabaseInfo).
type AddressRequest struct {
	Address string `cbor:"1,keyasint" json:"address"`
}

// ListDatabasesResponse answers listOpenDatabases.
type ListDatabasesResponse struct {
	Databases []engine.Info `cbor:"1,keyasint" json:"databases"`
}

// QueryRequest filters a database's documents.
type QueryRequest struct {
	Address   string            `cbor:"1,keyasint" json:"address"`
	Predicate *engine.Predicate `cbor:"2,keyasint,omitempty" json:"predicate,omitempty"`
}

// QueryResponse carries the matching documents.
type QueryResponse struct {
	Documents []map[string]any `cbor:"1,keyasint" json:"documents"`
}

// DocumentIDRequest names one document (getDocument, deleteDocument).
type DocumentIDRequest struct {
	Address string `cbor:"1,keyasint" json:"address"`
	ID      string `cbor:"2,keyasint" json:"id"`
}

// DocumentResponse carries one document, nil when the id resolves to
// nothing — absence is data, not an error.
type DocumentResponse struct {
	Document map[string]any `cbor:"1,keyasint,omitempty" json:"document,omitempty"`
}

// WriteDocumentRequest carries a document to add or put.
type WriteDocumentRequest struct {
	Address  string         `cbor:"1,keyasint" json:"address"`
	Document map[string]any `cbor:"2,keyasint" json:"document"`
}

// EntryHashResponse reports the committed entry's hash.
type EntryHashResponse struct {
	EntryHash string `cbor:"1,keyasint" json:"entry_hash"`
}

// ResolveSignRequest routes a signature (or the signer's failure) back
// to the relay.
type ResolveSignRequest struct {
	RequestID string `cbor:"1,keyasint" json:"request_id"`
	Signature []byte `cbor:"2,keyasint,omitempty" json:"signature,omitempty"`
	Error     string `cbor:"3,keyasint,omitempty" json:"error,omitempty"`
}

// UpdateEvent is the payload of EventUpdate frames.
type UpdateEvent struct {
	Address string       `cbor:"1,keyasint" json:"address"`
	Entry   engine.Entry `cbor:"2,keyasint" json:"entry"`
	Op      string       `cbor:"3,keyasint" json:"op"`
}
