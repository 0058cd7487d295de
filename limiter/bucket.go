/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package limiter

import (
	"context"
	"time"
)

// Bucket is a per-key log of request timestamps.
// Implementations must be safe for concurrent use.
type Bucket interface {
	// Put records a single event with the given timestamp.
	Put(ctx context.Context, t time.Time) error

	// CountSince reports how many recorded events have a timestamp
	// equal to or later than t.
	CountSince(ctx context.Context, t time.Time) (int, error)

	// NthRecent returns the timestamp of the n-th most recent event, n >= 1.
	// It must only be called with n not greater than the number of recorded
	// events.
	NthRecent(ctx context.Context, n int) (time.Time, error)

	// Prune drops all events with timestamps earlier than t.
	Prune(ctx context.Context, t time.Time) error
}

// BucketStore maps bucket keys to buckets, creating them lazily on first use.
// Buckets live for the lifetime of the store (or longer, for stores backed by
// external storage).
type BucketStore interface {
	Bucket(key string) (Bucket, error)
}
