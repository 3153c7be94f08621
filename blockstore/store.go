// Copyright 2026 The Gangway Authors
// SPDX-License-Identifier: Apache-2.0

// Package blockstore implements the content-addressed block store
// owned by the supervisor. Blocks are immutable byte payloads filed
// under the BLAKE3 block-domain hash of their contents: database
// manifests, signed entries, and any other payload the engine needs to
// persist by identity rather than by name.
//
// On-disk layout: <root>/<first two hex chars>/<full hex hash>, with
// each block file framed as [1-byte compression tag][4-byte big-endian
// uncompressed size][payload]. Writes go through a temp file and
// rename, so a crash never leaves a partial block under its final name.
package blockstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gangway-project/gangway/lib/cas"
)

// headerSize is the per-block framing overhead: compression tag plus
// uncompressed size.
const headerSize = 5

// ErrNotFound is returned by Get when no block exists for the hash.
var ErrNotFound = errors.New("blockstore: block not found")

// Store is a content-addressed block store rooted at a directory.
// Safe for concurrent use: writes are atomic renames, reads verify
// content against the address.
type Store struct {
	root   string
	logger *slog.Logger
}

// Open opens (or creates) a block store rooted at root. A missing
// directory is the normal first-run state, not an error — it is
// created with 0700 permissions.
func Open(root string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("blockstore: creating root %s: %w", root, err)
	}
	return &Store{root: root, logger: logger}, nil
}

// Put stores data and returns its block hash. Storing the same data
// twice is a no-op returning the same hash — the existing block is
// left untouched.
func (s *Store) Put(data []byte) (cas.Hash, error) {
	hash := cas.BlockHash(data)
	path := s.blockPath(hash)

	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	tag := selectCompression(data)
	payload, err := compress(data, tag)
	if errors.Is(err, errIncompressible) {
		tag, payload = CompressionNone, data
	} else if err != nil {
		return cas.Hash{}, fmt.Errorf("blockstore: compressing block: %w", err)
	}

	framed := make([]byte, headerSize+len(payload))
	framed[0] = byte(tag)
	binary.BigEndian.PutUint32(framed[1:headerSize], uint32(len(data)))
	copy(framed[headerSize:], payload)

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return cas.Hash{}, fmt.Errorf("blockstore: creating shard directory: %w", err)
	}

	temp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return cas.Hash{}, fmt.Errorf("blockstore: creating temp file: %w", err)
	}
	tempPath := temp.Name()
	if _, err := temp.Write(framed); err != nil {
		temp.Close()
		os.Remove(tempPath)
		return cas.Hash{}, fmt.Errorf("blockstore: writing block: %w", err)
	}
	if err := temp.Close(); err != nil {
		os.Remove(tempPath)
		return cas.Hash{}, fmt.Errorf("blockstore: closing temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return cas.Hash{}, fmt.Errorf("blockstore: publishing block: %w", err)
	}

	s.logger.Debug("block stored",
		"hash", cas.Format(hash),
		"size", len(data),
		"compression", tag.String(),
	)
	return hash, nil
}

// Get returns the block for hash. The decoded contents are re-hashed
// and verified against the address, so a corrupted file surfaces as an
// error rather than as wrong data.
func (s *Store) Get(hash cas.Hash) ([]byte, error) {
	framed, err := os.ReadFile(s.blockPath(hash))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blockstore: reading block %s: %w", cas.Format(hash), err)
	}

	if len(framed) < headerSize {
		return nil, fmt.Errorf("blockstore: block %s is truncated (%d bytes)", cas.Format(hash), len(framed))
	}

	tag := CompressionTag(framed[0])
	uncompressedSize := int(binary.BigEndian.Uint32(framed[1:headerSize]))

	data, err := decompress(framed[headerSize:], tag, uncompressedSize)
	if err != nil {
		return nil, fmt.Errorf("blockstore: block %s: %w", cas.Format(hash), err)
	}

	if cas.BlockHash(data) != hash {
		return nil, fmt.Errorf("blockstore: block %s failed content verification", cas.Format(hash))
	}
	return data, nil
}

// Has reports whether a block exists for hash.
func (s *Store) Has(hash cas.Hash) bool {
	_, err := os.Stat(s.blockPath(hash))
	return err == nil
}

// Delete removes the block for hash. Deleting an absent block is a
// no-op.
func (s *Store) Delete(hash cas.Hash) error {
	err := os.Remove(s.blockPath(hash))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blockstore: deleting block %s: %w", cas.Format(hash), err)
	}
	return nil
}

// blockPath returns the on-disk path for a hash, sharded by the first
// two hex characters to keep directory fan-out bounded.
func (s *Store) blockPath(hash cas.Hash) string {
	hexHash := cas.Format(hash)
	return filepath.Join(s.root, hexHash[:2], hexHash)
}
