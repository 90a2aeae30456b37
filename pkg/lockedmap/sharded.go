// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lockedmap

import (
	"github.com/cespare/xxhash/v2"
)

// DefaultShardCount is the number of shards used when none is given.
const DefaultShardCount = 32

// Sharded is a string-keyed map split into independently locked shards.
// It keeps the per-key guarantees of LockedMap while letting writers to
// different shards proceed in parallel.
type Sharded[V any] struct {
	shards []*LockedMap[string, V]
	mask   uint64
}

var _ Map[string, int] = (*Sharded[int])(nil)

// NewSharded creates a sharded map. The shard count is rounded up to the
// next power of two; values below one select DefaultShardCount.
func NewSharded[V any](shards int) *Sharded[V] {
	if shards < 1 {
		shards = DefaultShardCount
	}
	n := 1
	for n < shards {
		n <<= 1
	}

	s := &Sharded[V]{
		shards: make([]*LockedMap[string, V], n),
		mask:   uint64(n - 1),
	}
	for i := range s.shards {
		s.shards[i] = New[string, V]()
	}
	return s
}

// ShardCount returns the number of shards.
func (s *Sharded[V]) ShardCount() int {
	return len(s.shards)
}

func (s *Sharded[V]) shard(key string) *LockedMap[string, V] {
	return s.shards[xxhash.Sum64String(key)&s.mask]
}

func (s *Sharded[V]) Get(key string) V {
	return s.shard(key).Get(key)
}

func (s *Sharded[V]) Lookup(key string) (V, bool) {
	return s.shard(key).Lookup(key)
}

func (s *Sharded[V]) Put(key string, value V) {
	s.shard(key).Put(key, value)
}

func (s *Sharded[V]) Add(key string, value V) bool {
	return s.shard(key).Add(key, value)
}

func (s *Sharded[V]) Erase(key string) bool {
	return s.shard(key).Erase(key)
}

func (s *Sharded[V]) Take(key string) (V, bool) {
	return s.shard(key).Take(key)
}
