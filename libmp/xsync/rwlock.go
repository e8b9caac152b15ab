// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

// Package xsync provides a mutex that guards the data it protects, so
// the protected value cannot be touched without holding the lock.
package xsync // import "github.com/miniperf/miniperf/libmp/xsync"

import "sync"

// RWMutex is a thin wrapper around sync.RWMutex that hides away the
// data it protects. Lock methods hand out a pointer to the guarded
// value; the matching unlock invalidates that pointer again, so a
// forgotten defer shows up immediately in tests instead of as a silent
// data race.
type RWMutex[T any] struct {
	guarded T
	mutex   sync.RWMutex
}

// NewRWMutex creates a new read-write mutex guarding the given value.
func NewRWMutex[T any](guarded T) RWMutex[T] {
	return RWMutex[T]{
		guarded: guarded,
	}
}

// RLock locks the mutex for reading, returning a pointer to the
// protected data. The caller must not write through the pointer, and
// must not retain it beyond the matching RUnlock.
func (mtx *RWMutex[T]) RLock() *T {
	mtx.mutex.RLock()
	return &mtx.guarded
}

// RUnlock unlocks the mutex after RLock. Pass a reference to the
// pointer returned from RLock to ensure it is invalidated.
func (mtx *RWMutex[T]) RUnlock(ref **T) {
	*ref = nil
	mtx.mutex.RUnlock()
}

// WLock locks the mutex for writing, returning a pointer to the
// protected data. The caller must not retain the pointer beyond the
// matching WUnlock.
func (mtx *RWMutex[T]) WLock() *T {
	mtx.mutex.Lock()
	return &mtx.guarded
}

// WUnlock unlocks the mutex after WLock. Pass a reference to the
// pointer returned from WLock to ensure it is invalidated.
func (mtx *RWMutex[T]) WUnlock(ref **T) {
	*ref = nil
	mtx.mutex.Unlock()
}
