package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

const defaultShards = 32

// Entry pairs a key's bucket with the last time the key was seen.
// Entries are created and destroyed by the Store only.
type Entry struct {
	bucket     *TokenBucket
	lastAccess atomic.Int64 // unix nanos

	// denied latches on the first rejection so the gate logs one line per offender
	// resets when the entry is evicted and re-created
	denied atomic.Bool
}

func (e *Entry) Bucket() *TokenBucket { return e.bucket }

func (e *Entry) LastAccess() time.Time { return time.Unix(0, e.lastAccess.Load()) }

func (e *Entry) touch(now time.Time) { e.lastAccess.Store(now.UnixNano()) }

type shard struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// Store maps keys to entries. Keys are spread over a fixed set of shards so
// unrelated callers only contend when they hash to the same shard; the map is
// never locked as a whole.
type Store struct {
	shards       []shard
	mask         uint64
	capacity     int
	refillPeriod time.Duration
	now          func() time.Time
}

type StoreOption func(*Store)

// WithStoreClock overrides time.Now, for tests.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithShardCount sets the number of shards, rounded up to a power of two.
func WithShardCount(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.shards = make([]shard, nextPow2(n))
		}
	}
}

// NewStore returns an empty store whose buckets get the given capacity and refill period.
func NewStore(capacity int, refillPeriod time.Duration, opts ...StoreOption) (*Store, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	if refillPeriod <= 0 {
		return nil, ErrInvalidRefillPeriod
	}
	s := &Store{
		shards:       make([]shard, defaultShards),
		capacity:     capacity,
		refillPeriod: refillPeriod,
		now:          time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*Entry)
	}
	s.mask = uint64(len(s.shards) - 1)
	return s, nil
}

func (s *Store) shardFor(key string) *shard {
	return &s.shards[xxhash.Sum64String(key)&s.mask]
}

// GetOrCreate returns the entry for key, creating it with a full bucket and
// lastAccess=now if absent. Concurrent first calls for one key all get the same entry.
// Touching an existing entry is left to the caller.
func (s *Store) GetOrCreate(key string) *Entry {
	sh := s.shardFor(key)

	// fast path, key already tracked
	sh.mu.RLock()
	e, ok := sh.entries[key]
	sh.mu.RUnlock()
	if ok {
		return e
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	// re-check, another request may have created it while we waited for the write lock
	if e, ok := sh.entries[key]; ok {
		return e
	}
	// parameters were validated in NewStore so this cannot fail
	b, _ := NewTokenBucket(s.capacity, s.refillPeriod)
	e = &Entry{bucket: b}
	e.touch(s.now())
	sh.entries[key] = e
	return e
}

// Get returns the entry for key without creating or touching it.
func (s *Store) Get(key string) (*Entry, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.entries[key]
	sh.mu.RUnlock()
	return e, ok
}

// Touch marks key as seen now. A key evicted in the meantime is left absent,
// the next GetOrCreate builds a fresh one.
func (s *Store) Touch(key string) {
	if e, ok := s.Get(key); ok {
		e.touch(s.now())
	}
}

// RemoveIdleOlderThan deletes every entry last seen before now-d and returns
// how many were removed. Shards are swept one at a time so request traffic on
// other shards is never blocked.
func (s *Store) RemoveIdleOlderThan(d time.Duration) int {
	cutoff := s.now().Add(-d)
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, e := range sh.entries {
			if e.LastAccess().Before(cutoff) {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len is the number of tracked keys. Not a snapshot, shards are counted one by one.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
