// Package settings persists backup session state: the active backup-set
// token and the one-shot storage-changed flag.
package settings

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"
)

var (
	keyActiveToken    = []byte("backup:active_token")
	keyStorageChanged = []byte("backup:storage_changed")
)

// Config holds settings store configuration.
type Config struct {
	// Dir is the BadgerDB directory. Empty keeps settings in memory.
	Dir string
}

// Store persists settings in BadgerDB.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// Open opens the settings store.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	var opts badger.Options
	if cfg.Dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open settings store: %w", err)
	}

	logger.Info("Settings store opened", "dir", cfg.Dir, "in_memory", cfg.Dir == "")
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ActiveToken returns the active backup-set token, or zero if none was set.
func (s *Store) ActiveToken(_ context.Context) (uint64, error) {
	var token uint64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyActiveToken)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("corrupt token value of %d bytes", len(val))
			}
			token = binary.BigEndian.Uint64(val)
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read active token: %w", err)
	}
	return token, nil
}

// SetActiveToken persists the active backup-set token.
func (s *Store) SetActiveToken(_ context.Context, token uint64) error {
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, token)

	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyActiveToken, val)
	}); err != nil {
		return fmt.Errorf("failed to store active token: %w", err)
	}
	return nil
}

// MarkStorageChanged sets the storage-changed flag.
func (s *Store) MarkStorageChanged(_ context.Context) error {
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyStorageChanged, []byte{1})
	}); err != nil {
		return fmt.Errorf("failed to mark storage changed: %w", err)
	}
	return nil
}

// GetAndResetStorageChanged returns the storage-changed flag and clears it
// in the same transaction.
func (s *Store) GetAndResetStorageChanged(_ context.Context) (bool, error) {
	var changed bool
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(keyStorageChanged)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		changed = true
		return txn.Delete(keyStorageChanged)
	})
	if err != nil {
		return false, fmt.Errorf("failed to read storage changed flag: %w", err)
	}
	return changed, nil
}
