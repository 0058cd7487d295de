/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Opts represents options for NewLimiter.
type Opts struct {
	// Store keeps per-key buckets. MemoryBucketStore is used by default.
	Store BucketStore

	// Now is a custom time source. time.Now is used by default.
	// Stores backed by external storage shared between processes should be
	// paired with a time source all processes agree on.
	Now func() time.Time
}

// Limiter enforces a list of rates over per-key buckets of request
// timestamps. Acquire is the only blocking operation; all bucket access is
// serialized per key, so a Limiter may be shared freely between goroutines.
type Limiter struct {
	rates       []Rate
	maxInterval time.Duration
	store       BucketStore
	now         func() time.Time

	keyLocks sync.Map // string -> *sync.Mutex
}

// NewLimiter creates a new Limiter with the given rates.
//
// The rates must be ordered ascending by interval: rates[0] is treated as the
// smallest one wherever a single representative rate is needed (see
// SmallestRate). Quota.Rates always produces a correctly ordered list.
func NewLimiter(rates []Rate, opts Opts) (*Limiter, error) {
	if len(rates) == 0 {
		return nil, fmt.Errorf("at least one rate is required")
	}
	maxInterval := time.Duration(0)
	for _, r := range rates {
		if r.Limit <= 0 {
			return nil, fmt.Errorf("rate limit must be positive")
		}
		if r.Interval <= 0 {
			return nil, fmt.Errorf("rate interval must be positive")
		}
		if r.Interval > maxInterval {
			maxInterval = r.Interval
		}
	}

	store := opts.Store
	if store == nil {
		store = NewMemoryBucketStore(0)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Limiter{
		rates:       rates,
		maxInterval: maxInterval,
		store:       store,
		now:         now,
	}, nil
}

// Now returns the current time according to the limiter's time source.
func (l *Limiter) Now() time.Time {
	return l.now()
}

// SmallestRate returns the rate with the smallest interval, assuming the
// rates were supplied ordered ascending by interval.
func (l *Limiter) SmallestRate() Rate {
	return l.rates[0]
}

// Bucket returns the bucket for the given key, creating it if needed.
func (l *Limiter) Bucket(key string) (Bucket, error) {
	return l.store.Bucket(key)
}

// Allow reports whether one more request under the given key fits all rates
// right now. On success the request is recorded in the bucket. On refusal
// retryAfter estimates how long the caller should wait before the most
// constrained window frees up.
func (l *Limiter) Allow(ctx context.Context, key string) (allow bool, retryAfter time.Duration, err error) {
	mu := l.keyLock(key)
	mu.Lock()
	defer mu.Unlock()

	b, err := l.store.Bucket(key)
	if err != nil {
		return false, 0, err
	}

	now := l.now()
	if err = b.Prune(ctx, now.Add(-l.maxInterval)); err != nil {
		return false, 0, err
	}

	for _, r := range l.rates {
		count, countErr := b.CountSince(ctx, now.Add(-r.Interval))
		if countErr != nil {
			return false, 0, countErr
		}
		if count < r.Limit {
			continue
		}
		// The window frees up when the r.Limit-th most recent event leaves it.
		ts, tsErr := b.NthRecent(ctx, r.Limit)
		if tsErr != nil {
			return false, 0, tsErr
		}
		if wait := ts.Add(r.Interval).Sub(now); wait > retryAfter {
			retryAfter = wait
		}
	}
	if retryAfter > 0 {
		return false, retryAfter, nil
	}

	return true, 0, b.Put(ctx, now)
}

// Acquire blocks until one more request under the given key fits all rates,
// waiting at most maxDelay. If the required wait would exceed maxDelay,
// *BucketFullError is returned immediately and nothing is recorded.
// maxDelay <= 0 means no ceiling: Acquire waits as long as the context allows.
func (l *Limiter) Acquire(ctx context.Context, key string, maxDelay time.Duration) error {
	var deadline time.Time
	if maxDelay > 0 {
		deadline = l.now().Add(maxDelay)
	}

	for {
		allow, retryAfter, err := l.Allow(ctx, key)
		if err != nil {
			return err
		}
		if allow {
			return nil
		}
		if !deadline.IsZero() && l.now().Add(retryAfter).After(deadline) {
			return &BucketFullError{Key: key, RetryAfter: retryAfter}
		}

		timer := time.NewTimer(retryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Limiter) keyLock(key string) *sync.Mutex {
	if mu, ok := l.keyLocks.Load(key); ok {
		return mu.(*sync.Mutex)
	}
	mu, _ := l.keyLocks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
