package memo

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/cwbudde/blackboxserve/internal/request"
)

// Store maps canonical request keys to cached reports.
//
// Contract (weak memoization):
//   - Lookup and Store never corrupt the mapping under concurrent use
//   - Store overwrites any previous report for the key (last writer wins)
//   - there is no "compute at most once" guarantee: two callers that both
//     miss will both compute and both write
//   - entries are never evicted
type Store interface {
	// Lookup returns the cached report for key. ok is false on a miss.
	Lookup(ctx context.Context, key request.Key) (report string, ok bool, err error)

	// Store records report for key, replacing any previous value.
	Store(ctx context.Context, key request.Key, report string) error

	// Stats reports entry count and hit/miss counters since construction.
	Stats(ctx context.Context) (Stats, error)

	// Clear removes every entry.
	Clear(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Stats reports cache performance metrics.
type Stats struct {
	Backend string `json:"backend"`
	Entries int64  `json:"entries"`
	Hits    int64  `json:"hits"`
	Misses  int64  `json:"misses"`
}

// counters tracks hits and misses for any backend.
type counters struct {
	hits   atomic.Int64
	misses atomic.Int64
}

func (c *counters) record(hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
}

func (c *counters) stats(backend string, entries int64) Stats {
	return Stats{
		Backend: backend,
		Entries: entries,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}

// NotFoundError is returned by backends that load entries by hash when no
// entry exists. Use errors.Is(err, ErrNotFound) to check for it.
type NotFoundError struct {
	KeyHash string
}

// ErrNotFound matches any *NotFoundError.
var ErrNotFound = &NotFoundError{}

func (e *NotFoundError) Error() string {
	if e.KeyHash != "" {
		return "cache entry not found: " + e.KeyHash
	}
	return "cache entry not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
