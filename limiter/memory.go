/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package limiter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/acronis/go-appkit/lrucache"
)

// DefaultMemoryStoreMaxKeys is a default value of the maximum number of keys
// the MemoryBucketStore keeps before evicting the least recently used ones.
const DefaultMemoryStoreMaxKeys = 10000

// MemoryBucketStore keeps buckets in process memory.
// The key map is LRU-bounded to protect against unbounded growth when
// per-host keys are used against many different hosts.
type MemoryBucketStore struct {
	buckets *lrucache.LRUCache[string, *memoryBucket]
}

// NewMemoryBucketStore creates a new in-memory bucket store keeping at most
// maxKeys buckets. If maxKeys is 0, DefaultMemoryStoreMaxKeys is used.
func NewMemoryBucketStore(maxKeys int) *MemoryBucketStore {
	if maxKeys <= 0 {
		maxKeys = DefaultMemoryStoreMaxKeys
	}
	cache, err := lrucache.New[string, *memoryBucket](maxKeys, nil)
	if err != nil {
		// Unreachable, maxKeys is always positive here.
		panic(fmt.Errorf("new LRU cache for buckets: %w", err))
	}
	return &MemoryBucketStore{buckets: cache}
}

// Bucket returns the bucket for the given key, creating it on first use.
func (s *MemoryBucketStore) Bucket(key string) (Bucket, error) {
	b, _ := s.buckets.GetOrAdd(key, func() *memoryBucket {
		return &memoryBucket{}
	})
	return b, nil
}

// memoryBucket is an ordered in-memory log of event timestamps.
type memoryBucket struct {
	mu     sync.Mutex
	events []time.Time
}

func (b *memoryBucket) Put(_ context.Context, t time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n := len(b.events); n == 0 || !t.Before(b.events[n-1]) {
		b.events = append(b.events, t)
		return nil
	}
	// Out-of-order timestamps may show up with custom time sources.
	i := sort.Search(len(b.events), func(i int) bool { return b.events[i].After(t) })
	b.events = append(b.events, time.Time{})
	copy(b.events[i+1:], b.events[i:])
	b.events[i] = t
	return nil
}

func (b *memoryBucket) CountSince(_ context.Context, t time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := sort.Search(len(b.events), func(i int) bool { return !b.events[i].Before(t) })
	return len(b.events) - i, nil
}

func (b *memoryBucket) NthRecent(_ context.Context, n int) (time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < 1 || n > len(b.events) {
		return time.Time{}, fmt.Errorf("bucket holds %d events, no %d-th recent one", len(b.events), n)
	}
	return b.events[len(b.events)-n], nil
}

func (b *memoryBucket) Prune(_ context.Context, t time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := sort.Search(len(b.events), func(i int) bool { return !b.events[i].Before(t) })
	if i > 0 {
		b.events = append(b.events[:0], b.events[i:]...)
	}
	return nil
}
