/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package limiter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"
)

// DefaultRedisKeyPrefix prefixes all Redis keys created by RedisBucketStore.
const DefaultRedisKeyPrefix = "httplimiter:"

// RedisBucketStoreOpts represents options for RedisBucketStore.
type RedisBucketStoreOpts struct {
	// KeyPrefix prefixes all Redis keys. DefaultRedisKeyPrefix is used if empty.
	KeyPrefix string
}

// RedisBucketStore keeps buckets in Redis sorted sets, one set per bucket
// key, so the recorded request history may be shared between processes and
// hosts. Scores are event timestamps in
// Unix microseconds (nanoseconds would not fit into a float64 score exactly).
type RedisBucketStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ownClient bool
}

// NewRedisBucketStore creates a store connected to the Redis server at addr.
func NewRedisBucketStore(addr string, opts RedisBucketStoreOpts) *RedisBucketStore {
	s := NewRedisBucketStoreWithClient(redis.NewClient(&redis.Options{Addr: addr}), opts)
	s.ownClient = true
	return s
}

// NewRedisBucketStoreWithClient creates a store on top of an existing client.
// The client is not closed by the store's Close.
func NewRedisBucketStoreWithClient(client redis.UniversalClient, opts RedisBucketStoreOpts) *RedisBucketStore {
	keyPrefix := opts.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = DefaultRedisKeyPrefix
	}
	return &RedisBucketStore{client: client, keyPrefix: keyPrefix}
}

// Bucket returns the bucket for the given key. The sorted set is created
// lazily by Redis on the first Put.
func (s *RedisBucketStore) Bucket(key string) (Bucket, error) {
	return &redisBucket{client: s.client, key: s.keyPrefix + key}, nil
}

// Close closes the underlying client if it was created by the store itself.
func (s *RedisBucketStore) Close() error {
	if !s.ownClient {
		return nil
	}
	return s.client.Close()
}

type redisBucket struct {
	client redis.UniversalClient
	key    string
}

func (b *redisBucket) Put(ctx context.Context, t time.Time) error {
	// Members must be unique within the set, timestamps alone are not.
	err := b.client.ZAdd(ctx, b.key, redis.Z{
		Score:  float64(t.UnixMicro()),
		Member: xid.New().String(),
	}).Err()
	if err != nil {
		return fmt.Errorf("add bucket event: %w", err)
	}
	return nil
}

func (b *redisBucket) CountSince(ctx context.Context, t time.Time) (int, error) {
	count, err := b.client.ZCount(ctx, b.key, strconv.FormatInt(t.UnixMicro(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count bucket events: %w", err)
	}
	return int(count), nil
}

func (b *redisBucket) NthRecent(ctx context.Context, n int) (time.Time, error) {
	events, err := b.client.ZRevRangeWithScores(ctx, b.key, int64(n-1), int64(n-1)).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("query bucket event: %w", err)
	}
	if len(events) == 0 {
		return time.Time{}, fmt.Errorf("bucket holds fewer than %d events", n)
	}
	return time.UnixMicro(int64(events[0].Score)), nil
}

func (b *redisBucket) Prune(ctx context.Context, t time.Time) error {
	maxScore := "(" + strconv.FormatInt(t.UnixMicro(), 10)
	if err := b.client.ZRemRangeByScore(ctx, b.key, "-inf", maxScore).Err(); err != nil {
		return fmt.Errorf("prune bucket events: %w", err)
	}
	return nil
}
