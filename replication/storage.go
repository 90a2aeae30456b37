// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/hashicorp/raft"
)

// ErrKeyNotFound is returned when a key is not found in the stable store.
// Raft matches on the "not found" text.
var ErrKeyNotFound = errors.New("not found")

var (
	logPrefix    = []byte("raft:log:")
	stablePrefix = []byte("raft:stable:")
)

// BadgerLogStore implements raft.LogStore on BadgerDB. Keys are the prefix
// followed by the big-endian index, so iteration order is log order.
type BadgerLogStore struct {
	db *badger.DB
}

var _ raft.LogStore = (*BadgerLogStore)(nil)

// NewBadgerLogStore creates a Badger-backed log store.
func NewBadgerLogStore(db *badger.DB) *BadgerLogStore {
	return &BadgerLogStore{db: db}
}

// FirstIndex returns the index of the first stored entry, or 0 if empty.
func (b *BadgerLogStore) FirstIndex() (uint64, error) {
	return b.edge(false)
}

// LastIndex returns the index of the last stored entry, or 0 if empty.
func (b *BadgerLogStore) LastIndex() (uint64, error) {
	return b.edge(true)
}

func (b *BadgerLogStore) edge(last bool) (uint64, error) {
	var idx uint64
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = last
		opts.Prefix = logPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := logPrefix
		if last {
			seek = logKey(^uint64(0))
		}
		it.Seek(seek)
		if it.ValidForPrefix(logPrefix) {
			idx = decodeLogKey(it.Item().Key())
		}
		return nil
	})
	return idx, err
}

// GetLog retrieves the entry at index.
func (b *BadgerLogStore) GetLog(index uint64, log *raft.Log) error {
	return b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(logKey(index))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return raft.ErrLogNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, log)
		})
	})
}

// StoreLog stores a single entry.
func (b *BadgerLogStore) StoreLog(log *raft.Log) error {
	return b.StoreLogs([]*raft.Log{log})
}

// StoreLogs stores entries in one write batch.
func (b *BadgerLogStore) StoreLogs(logs []*raft.Log) error {
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()

	for _, l := range logs {
		val, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("failed to marshal log %d: %w", l.Index, err)
		}
		if err := wb.Set(logKey(l.Index), val); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// DeleteRange deletes entries in [lo, hi].
func (b *BadgerLogStore) DeleteRange(lo, hi uint64) error {
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()

	for idx := lo; idx <= hi; idx++ {
		if err := wb.Delete(logKey(idx)); err != nil {
			return err
		}
		if idx == ^uint64(0) {
			break
		}
	}
	return wb.Flush()
}

func logKey(index uint64) []byte {
	key := make([]byte, len(logPrefix)+8)
	copy(key, logPrefix)
	binary.BigEndian.PutUint64(key[len(logPrefix):], index)
	return key
}

func decodeLogKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(logPrefix):])
}

// BadgerStableStore implements raft.StableStore on BadgerDB. It holds the
// current term and the last vote.
type BadgerStableStore struct {
	db *badger.DB
}

var _ raft.StableStore = (*BadgerStableStore)(nil)

// NewBadgerStableStore creates a Badger-backed stable store.
func NewBadgerStableStore(db *badger.DB) *BadgerStableStore {
	return &BadgerStableStore{db: db}
}

func stableKey(key []byte) []byte {
	return append(append([]byte{}, stablePrefix...), key...)
}

// Set stores a key-value pair.
func (b *BadgerStableStore) Set(key, val []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stableKey(key), val)
	})
}

// Get returns the value for key or ErrKeyNotFound.
func (b *BadgerStableStore) Get(key []byte) ([]byte, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stableKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrKeyNotFound
		}
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	return val, err
}

// SetUint64 stores a uint64 value.
func (b *BadgerStableStore) SetUint64(key []byte, val uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, val)
	return b.Set(key, buf)
}

// GetUint64 returns a uint64 value, or 0 if the key was never set.
func (b *BadgerStableStore) GetUint64(key []byte) (uint64, error) {
	val, err := b.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(val) != 8 {
		return 0, fmt.Errorf("invalid uint64 value length: %d", len(val))
	}
	return binary.BigEndian.Uint64(val), nil
}
