// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

package libmp // import "github.com/miniperf/miniperf/libmp"

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// NewID allocates a fresh EventID. UUIDv7 ids are time-ordered, so ids
// allocated by one session sort by allocation time, and the embedded
// randomness keeps ids from concurrent producers (profiler and
// collector runtime) from colliding.
func NewID() EventID {
	u, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the random source does; fall back to the
		// purely random variant rather than surfacing an error on the
		// hot path.
		u = uuid.New()
	}
	return EventID{
		P1: binary.BigEndian.Uint64(u[0:8]),
		P2: binary.BigEndian.Uint64(u[8:16]),
	}
}

// StringTable is the session-wide intern dictionary. Strings published
// to it are immortal for the session, which keeps events trivially
// copyable across threads. Lookups on already-interned strings are
// lock-free: readers follow an atomic pointer to an immutable snapshot
// map, writers take the mutex only to install a new snapshot.
type StringTable struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[map[string]EventID]
}

// NewStringTable returns an empty intern dictionary.
func NewStringTable() *StringTable {
	st := &StringTable{}
	empty := map[string]EventID{}
	st.snapshot.Store(&empty)
	return st
}

// Intern returns the id of s, allocating one on first use.
func (st *StringTable) Intern(s string) EventID {
	if id, ok := (*st.snapshot.Load())[s]; ok {
		return id
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	// Re-check: another writer may have interned s while we waited.
	cur := *st.snapshot.Load()
	if id, ok := cur[s]; ok {
		return id
	}
	id := NewID()
	next := make(map[string]EventID, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[s] = id
	st.snapshot.Store(&next)
	return id
}

// Lookup returns the id of s if it has been interned.
func (st *StringTable) Lookup(s string) (EventID, bool) {
	id, ok := (*st.snapshot.Load())[s]
	return id, ok
}

// Len returns the number of interned strings.
func (st *StringTable) Len() int {
	return len(*st.snapshot.Load())
}

// Snapshot returns the id -> string mapping for persistence at session
// end.
func (st *StringTable) Snapshot() map[EventID]string {
	cur := *st.snapshot.Load()
	out := make(map[EventID]string, len(cur))
	for s, id := range cur {
		out[id] = s
	}
	return out
}
