// Package cache holds the in-process helpers the ingestion pipeline injects
// into its components: the fast, TTL-bounded tier of the idempotency store
// (in memory or in Redis) and a per-key lock.
//
// Everything here keys by user id first. Users are spread over shards by
// xxhash so that unrelated users rarely contend on the same mutex.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// FastIndex is the TTL-bounded first tier consulted before the durable
// admission table. A miss is never authoritative.
type FastIndex interface {
	// Contains reports whether (userID, eventID) was marked within the TTL.
	Contains(ctx context.Context, userID, eventID string) (bool, error)
	// Mark records (userID, eventID) for the index TTL.
	Mark(ctx context.Context, userID, eventID string) error
	// Purge drops expired entries and returns how many were removed.
	Purge(ctx context.Context) (int, error)
	// Len returns the number of live entries, or -1 when unknown.
	Len(ctx context.Context) int
}

const defaultShards = 32

type memShard struct {
	mu      sync.Mutex
	entries map[string]map[string]time.Time // user -> event -> expiry
	lookups uint64
}

// MemoryIndex is a sharded, process-local FastIndex. Expired entries are
// evicted opportunistically every few thousand lookups and by Purge.
type MemoryIndex struct {
	shards []*memShard
	ttl    time.Duration
	now    func() time.Time
}

// MemoryOption customizes a MemoryIndex.
type MemoryOption func(*MemoryIndex)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryIndex) { m.now = now }
}

// WithShards sets the number of shards; values < 1 are ignored.
func WithShards(n int) MemoryOption {
	return func(m *MemoryIndex) {
		if n >= 1 {
			m.shards = newShards(n)
		}
	}
}

// NewMemoryIndex builds an empty MemoryIndex whose entries live for ttl.
func NewMemoryIndex(ttl time.Duration, opts ...MemoryOption) *MemoryIndex {
	m := &MemoryIndex{
		shards: newShards(defaultShards),
		ttl:    ttl,
		now:    time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func newShards(n int) []*memShard {
	out := make([]*memShard, n)
	for i := range out {
		out[i] = &memShard{entries: make(map[string]map[string]time.Time)}
	}
	return out
}

// ShardFor maps a user id onto one of n buckets.
func ShardFor(userID string, n int) int {
	return int(xxhash.Sum64String(userID) % uint64(n))
}

func (m *MemoryIndex) shard(userID string) *memShard {
	return m.shards[ShardFor(userID, len(m.shards))]
}

// Contains implements FastIndex.
func (m *MemoryIndex) Contains(_ context.Context, userID, eventID string) (bool, error) {
	now := m.now()
	s := m.shard(userID)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lookups++
	if s.lookups >= 5000 {
		s.evictLocked(now)
		s.lookups = 0
	}

	exp, ok := s.entries[userID][eventID]
	if !ok {
		return false, nil
	}
	if !now.Before(exp) {
		delete(s.entries[userID], eventID)
		if len(s.entries[userID]) == 0 {
			delete(s.entries, userID)
		}
		return false, nil
	}
	return true, nil
}

// Mark implements FastIndex.
func (m *MemoryIndex) Mark(_ context.Context, userID, eventID string) error {
	exp := m.now().Add(m.ttl)
	s := m.shard(userID)

	s.mu.Lock()
	defer s.mu.Unlock()
	evs, ok := s.entries[userID]
	if !ok {
		evs = make(map[string]time.Time)
		s.entries[userID] = evs
	}
	evs[eventID] = exp
	return nil
}

// Purge implements FastIndex.
func (m *MemoryIndex) Purge(_ context.Context) (int, error) {
	now := m.now()
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		removed += s.evictLocked(now)
		s.mu.Unlock()
	}
	return removed, nil
}

// Len implements FastIndex.
func (m *MemoryIndex) Len(_ context.Context) int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for _, evs := range s.entries {
			n += len(evs)
		}
		s.mu.Unlock()
	}
	return n
}

func (s *memShard) evictLocked(now time.Time) int {
	removed := 0
	for user, evs := range s.entries {
		for ev, exp := range evs {
			if !now.Before(exp) {
				delete(evs, ev)
				removed++
			}
		}
		if len(evs) == 0 {
			delete(s.entries, user)
		}
	}
	return removed
}
