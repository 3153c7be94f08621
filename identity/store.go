// Copyright 2026 The Gangway Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"filippo.io/age"

	"github.com/gangway-project/gangway/lib/codec"
	"github.com/gangway-project/gangway/lib/secret"
)

const (
	recordFile = "identity.age"
	keyFile    = "store.key"
)

// storedIdentity is the persisted credential record. It is CBOR
// encoded and sealed with age before touching disk; the credential ref
// is the sensitive part.
type storedIdentity struct {
	DisplayName   string `cbor:"1,keyasint"`
	PublicKey     []byte `cbor:"2,keyasint"`
	CredentialRef []byte `cbor:"3,keyasint"`
	CreatedAt     int64  `cbor:"4,keyasint"`
}

// Store persists the credential record for the signed-in user. The
// record is sealed with a per-user age X25519 key generated on first
// save and kept next to the record with 0600 permissions: the age
// layer keeps the credential ref unreadable to tools that casually
// copy the data directory (backups, sync clients) without the key
// file.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore creates a store rooted at dir. The directory is created if
// missing.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("identity: creating store directory %s: %w", dir, err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// load reads the persisted record, or returns (nil, nil) when none
// exists.
func (s *Store) load(ctx context.Context) (*storedIdentity, error) {
	sealedData, err := os.ReadFile(filepath.Join(s.dir, recordFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("identity: reading record: %w", err)
	}

	storeKey, err := s.loadKey()
	if err != nil {
		return nil, err
	}
	defer storeKey.Close()

	ageIdentity, err := age.ParseX25519Identity(storeKey.String())
	if err != nil {
		return nil, fmt.Errorf("identity: parsing store key: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(sealedData), ageIdentity)
	if err != nil {
		return nil, fmt.Errorf("identity: unsealing record: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("identity: reading unsealed record: %w", err)
	}

	var record storedIdentity
	if err := codec.Unmarshal(plaintext, &record); err != nil {
		return nil, fmt.Errorf("identity: decoding record: %w", err)
	}
	return &record, nil
}

// save seals and writes the record, generating the store key on first
// use. The write is atomic (temp file + rename).
func (s *Store) save(ctx context.Context, record *storedIdentity) error {
	if record.CreatedAt == 0 {
		record.CreatedAt = time.Now().Unix()
	}

	recipient, err := s.ensureKey()
	if err != nil {
		return err
	}

	plaintext, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("identity: encoding record: %w", err)
	}

	var sealedBuffer bytes.Buffer
	writer, err := age.Encrypt(&sealedBuffer, recipient)
	if err != nil {
		return fmt.Errorf("identity: sealing record: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return fmt.Errorf("identity: writing sealed record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("identity: finalizing sealed record: %w", err)
	}

	path := filepath.Join(s.dir, recordFile)
	temp, err := os.CreateTemp(s.dir, ".identity-*")
	if err != nil {
		return fmt.Errorf("identity: creating temp file: %w", err)
	}
	tempPath := temp.Name()
	if _, err := temp.Write(sealedBuffer.Bytes()); err != nil {
		temp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("identity: writing record: %w", err)
	}
	if err := temp.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("identity: closing temp file: %w", err)
	}
	if err := os.Chmod(tempPath, 0600); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("identity: setting record permissions: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("identity: publishing record: %w", err)
	}

	s.logger.Info("identity record saved", "display_name", record.DisplayName)
	return nil
}

// loadKey reads the store key into a protected buffer.
func (s *Store) loadKey() (*secret.Buffer, error) {
	keyBytes, err := os.ReadFile(filepath.Join(s.dir, keyFile))
	if err != nil {
		return nil, fmt.Errorf("identity: reading store key: %w", err)
	}
	buffer, err := secret.NewFromBytes(bytes.TrimSpace(keyBytes))
	if err != nil {
		return nil, fmt.Errorf("identity: protecting store key: %w", err)
	}
	return buffer, nil
}

// ensureKey returns the store key's recipient, generating and
// persisting the keypair on first use.
func (s *Store) ensureKey() (age.Recipient, error) {
	keyPath := filepath.Join(s.dir, keyFile)

	keyBytes, err := os.ReadFile(keyPath)
	if err == nil {
		ageIdentity, parseErr := age.ParseX25519Identity(strings.TrimSpace(string(keyBytes)))
		if parseErr != nil {
			return nil, fmt.Errorf("identity: parsing store key: %w", parseErr)
		}
		return ageIdentity.Recipient(), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("identity: reading store key: %w", err)
	}

	ageIdentity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("identity: generating store key: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(ageIdentity.String()+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("identity: writing store key: %w", err)
	}
	s.logger.Info("identity store key generated")
	return ageIdentity.Recipient(), nil
}
