// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package lockedmap provides reader/writer locked maps for sharing per-key
// state between goroutines.
//
// No iteration is exposed: every operation holds the lock only for the
// duration of a single map access, so callers never run their own code
// while the lock is held.
package lockedmap

import "sync"

// Map is the contract shared by every map in this package.
type Map[K comparable, V any] interface {
	// Get returns the value for key, or the zero value if none.
	Get(key K) V

	// Lookup returns the value for key and whether it was present.
	Lookup(key K) (V, bool)

	// Put associates value with key, overwriting any previous value.
	Put(key K, value V)

	// Add associates value with key only if key has no value yet.
	// Returns true if the value was added.
	Add(key K, value V) bool

	// Erase removes the value for key. Returns true if a value was removed.
	Erase(key K) bool

	// Take removes the value for key and returns it, in one step.
	Take(key K) (V, bool)
}

// LockedMap is a map guarded by a single sync.RWMutex.
// Readers do not block each other; a writer excludes everyone.
type LockedMap[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

var _ Map[string, int] = (*LockedMap[string, int])(nil)

// New creates an empty LockedMap.
func New[K comparable, V any]() *LockedMap[K, V] {
	return &LockedMap[K, V]{m: make(map[K]V)}
}

func (lm *LockedMap[K, V]) Get(key K) V {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	return lm.m[key]
}

func (lm *LockedMap[K, V]) Lookup(key K) (V, bool) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	v, ok := lm.m[key]
	return v, ok
}

func (lm *LockedMap[K, V]) Put(key K, value V) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.m[key] = value
}

func (lm *LockedMap[K, V]) Add(key K, value V) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if _, exists := lm.m[key]; exists {
		return false
	}
	lm.m[key] = value
	return true
}

func (lm *LockedMap[K, V]) Erase(key K) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if _, exists := lm.m[key]; !exists {
		return false
	}
	delete(lm.m, key)
	return true
}

func (lm *LockedMap[K, V]) Take(key K) (V, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	v, exists := lm.m[key]
	if exists {
		delete(lm.m, key)
	}
	return v, exists
}
