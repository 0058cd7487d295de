/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package httplimiter

import (
	"net/http"

	"github.com/acronis/go-appkit/log"
)

// catchUp partially fills the bucket for the given key so that the next
// request is delayed, trying to resynchronize the local accounting with the
// actual server-side limit. The local limiter only counts the requests it
// issued itself; a rate-limit response means it under-counts reality (other
// clients may share the same server-side quota, or the server's window may
// differ).
//
// If the server tracks multiple limits, there is no way to know which one was
// exceeded, so the rate with the smallest interval is used. For example, if
// that rate allows 60 requests per minute and only 40 are recorded when a 429
// arrives, 20 filler events are added to reach the limit for that interval.
// Limits over coarser intervals (hour, day, month) are never corrected; if
// one of those was exceeded, delaying continues in smallest-interval steps.
//
// Filling never overshoots: with the bucket already at or past the smallest
// rate's limit, the call is a no-op.
func (rt *LimiterRoundTripper) catchUp(r *http.Request, key string) error {
	ctx := r.Context()

	bucket, err := rt.Limiter.Bucket(key)
	if err != nil {
		return err
	}

	now := rt.Limiter.Now()
	smallest := rt.Limiter.SmallestRate()

	count, err := bucket.CountSince(ctx, now.Add(-smallest.Interval))
	if err != nil {
		return err
	}
	deficit := smallest.Limit - count
	if deficit <= 0 {
		return nil
	}

	if logger := rt.logger(ctx); logger != nil {
		logger.Info("rate limit exceeded, filling limiter bucket",
			log.String("url", r.URL.String()),
			log.String("bucket_key", key),
			log.Int("filler_events", deficit),
		)
	}

	for i := 0; i < deficit; i++ {
		if err = bucket.Put(ctx, now); err != nil {
			return err
		}
	}
	return nil
}
