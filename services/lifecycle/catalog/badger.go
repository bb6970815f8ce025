// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/lifecycle/services/lifecycle/storage/badger"
)

// envelope is the on-disk value format: the store-assigned revision
// plus the record payload. The revision lives in the value, not in
// badger's version metadata, so it survives backup/restore.
type envelope struct {
	Revision uint64          `json:"revision"`
	Data     json.RawMessage `json:"data"`
}

// BadgerStore is the BadgerDB-backed Store implementation.
//
// # Description
//
// Records are stored as JSON envelopes under "{kind}/{id}" keys.
// CompareAndSwap reads the current envelope, checks the revision, and
// writes the replacement inside a single read-write transaction, so a
// lost update is impossible even when badger's own conflict detection
// is not triggered.
//
// # Thread Safety
//
// Safe for concurrent use. Contention on the same key surfaces as
// ErrVersionConflict for the loser.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore wraps an opened badger database as a Store.
func NewBadgerStore(db *badger.DB) (*BadgerStore, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: db must not be nil", ErrInvalidInput)
	}
	return &BadgerStore{db: db}, nil
}

// OpenStore opens a persistent store at the given directory with
// default badger settings.
func OpenStore(path string) (*BadgerStore, error) {
	cfg := badger.DefaultConfig()
	cfg.Path = path
	db, err := badger.Open(cfg)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

// OpenInMemoryStore opens an in-memory store for testing.
func OpenInMemoryStore() (*BadgerStore, error) {
	db, err := badger.OpenInMemory()
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

// key builds the namespaced badger key for a record.
func key(kind Kind, id string) []byte {
	return []byte(string(kind) + "/" + id)
}

// Put creates a record with revision 1. Fails with ErrAlreadyExists if
// the id is taken.
func (s *BadgerStore) Put(ctx context.Context, kind Kind, id string, record any) (uint64, error) {
	if err := validateKey(kind, id); err != nil {
		return 0, err
	}

	data, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("marshal record %s/%s: %w", kind, id, err)
	}
	env, err := json.Marshal(envelope{Revision: 1, Data: data})
	if err != nil {
		return 0, fmt.Errorf("marshal envelope %s/%s: %w", kind, id, err)
	}

	err = s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		_, err := txn.Get(key(kind, id))
		if err == nil {
			return fmt.Errorf("%s/%s: %w", kind, id, ErrAlreadyExists)
		}
		if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return fmt.Errorf("get %s/%s: %w", kind, id, err)
		}
		return txn.Set(key(kind, id), env)
	})
	if err != nil {
		return 0, err
	}
	return 1, nil
}

// Get loads a record and returns its revision.
func (s *BadgerStore) Get(ctx context.Context, kind Kind, id string, out any) (uint64, error) {
	if err := validateKey(kind, id); err != nil {
		return 0, err
	}

	var env envelope
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		item, err := txn.Get(key(kind, id))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return fmt.Errorf("%s/%s: %w", kind, id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("get %s/%s: %w", kind, id, err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &env)
		})
	})
	if err != nil {
		return 0, err
	}

	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return 0, fmt.Errorf("unmarshal record %s/%s: %w", kind, id, err)
		}
	}
	return env.Revision, nil
}

// List iterates all records of a kind in ascending id order.
func (s *BadgerStore) List(ctx context.Context, kind Kind, fn func(id string, revision uint64, data []byte) error) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, kind)
	}
	prefix := []byte(string(kind) + "/")

	return s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			id := string(item.Key()[len(prefix):])

			var env envelope
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &env)
			})
			if err != nil {
				return fmt.Errorf("unmarshal envelope %s/%s: %w", kind, id, err)
			}
			if err := fn(id, env.Revision, env.Data); err != nil {
				return err
			}
		}
		return nil
	})
}

// CompareAndSwap replaces the record iff the current revision matches.
func (s *BadgerStore) CompareAndSwap(ctx context.Context, kind Kind, id string, expected uint64, record any) (uint64, error) {
	if err := validateKey(kind, id); err != nil {
		return 0, err
	}

	data, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("marshal record %s/%s: %w", kind, id, err)
	}
	next := expected + 1

	err = s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		item, err := txn.Get(key(kind, id))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return fmt.Errorf("%s/%s: %w", kind, id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("get %s/%s: %w", kind, id, err)
		}

		var current envelope
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &current)
		}); err != nil {
			return fmt.Errorf("unmarshal envelope %s/%s: %w", kind, id, err)
		}
		if current.Revision != expected {
			return fmt.Errorf("%s/%s: expected revision %d, have %d: %w",
				kind, id, expected, current.Revision, ErrVersionConflict)
		}

		env, err := json.Marshal(envelope{Revision: next, Data: data})
		if err != nil {
			return fmt.Errorf("marshal envelope %s/%s: %w", kind, id, err)
		}
		return txn.Set(key(kind, id), env)
	})
	if err != nil {
		// Badger's own SSI conflict means a concurrent writer committed
		// between our read and commit. Same contract as a revision
		// mismatch: re-read and retry.
		if errors.Is(err, badgerdb.ErrConflict) {
			return 0, fmt.Errorf("%s/%s: %w", kind, id, ErrVersionConflict)
		}
		return 0, err
	}
	return next, nil
}

// Delete removes a record. Unknown ids are a no-op.
func (s *BadgerStore) Delete(ctx context.Context, kind Kind, id string) error {
	if err := validateKey(kind, id); err != nil {
		return err
	}
	return s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		return txn.Delete(key(kind, id))
	})
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// validateKey rejects unknown kinds and empty or slash-bearing ids,
// which would escape their key prefix.
func validateKey(kind Kind, id string) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, kind)
	}
	if id == "" {
		return fmt.Errorf("%w: id must not be empty", ErrInvalidInput)
	}
	for i := 0; i < len(id); i++ {
		if id[i] == '/' {
			return fmt.Errorf("%w: id must not contain '/'", ErrInvalidInput)
		}
	}
	return nil
}

// Ensure BadgerStore implements Store.
var _ Store = (*BadgerStore)(nil)
