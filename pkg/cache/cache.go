package cache

import (
	"io"
)

// Key identifies a cached response. Generation is the versioned
// bucket the entry lives in ("static-v1", "dynamic-v1"), URL is the
// absolute request URL.
type Key struct {
	Generation string
	URL        string
}

// Backend is a generation-aware store of cached responses.
//
// There is at most one entry per URL per generation. Store overwrites
// any existing entry for the same key. Backends are individually
// atomic per operation but offer no cross-operation transaction: two
// concurrent Stores for the same key resolve to last-write-wins.
type Backend interface {
	// Get returns the entry for key, or ok == false on a miss. The
	// returned entry is shared and must be treated as read-only.
	Get(key Key) (e *Entry, ok bool)

	// Store caches e under key, overwriting an existing entry.
	Store(key Key, e *Entry)

	// Delete removes the entry for key if present.
	Delete(key Key)

	// Generations returns the names of all generations that currently
	// hold at least one entry.
	Generations() []string

	// DeleteGeneration drops a whole generation and returns the
	// number of entries removed.
	DeleteGeneration(generation string) int

	// Len returns the total number of entries over all generations.
	Len() int

	io.Closer
}
