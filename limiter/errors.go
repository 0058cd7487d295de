/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package limiter

import (
	"fmt"
	"time"
)

// BucketFullError is returned by Acquire when satisfying the rate limit would
// require waiting longer than the allowed maximum delay.
type BucketFullError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *BucketFullError) Error() string {
	return fmt.Sprintf("bucket %q is full, retry after %s", e.Key, e.RetryAfter)
}
