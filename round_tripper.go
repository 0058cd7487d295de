/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package httplimiter

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/rs/xid"

	"github.com/acronis/go-httplimiter/limiter"
)

// LimiterRoundTripperOpts represents options for LimiterRoundTripper.
type LimiterRoundTripperOpts struct {
	// GlobalBucket makes all requests share a single bucket regardless of the
	// target host. By default requests are tracked separately per host.
	GlobalBucket bool

	// MaxDelay is the maximum time a request may wait for bucket capacity.
	// If the required wait is longer, RoundTrip fails with
	// *limiter.BucketFullError without sending the request. Zero means no
	// ceiling: the request waits as long as its context allows.
	MaxDelay time.Duration

	// LimitStatuses are the HTTP status codes treated as a server-side
	// "rate limit exceeded" signal. Default is 429 Too Many Requests.
	LimitStatuses []int

	// LoggerProvider is a function that provides a context-specific logger.
	LoggerProvider func(ctx context.Context) log.FieldLogger
}

// LimiterRoundTripper wraps an object implementing the http.RoundTripper
// interface and gates outgoing requests through a limiter before letting the
// underlying transport proceed. When the server responds with a rate-limit
// status anyway, the local bucket is caught up to the server-side limit (see
// catchUp).
type LimiterRoundTripper struct {
	// Delegate is the next RoundTripper in the chain.
	Delegate http.RoundTripper

	// Limiter gates the requests.
	Limiter *limiter.Limiter

	GlobalBucket bool
	MaxDelay     time.Duration

	limitStatuses    map[int]struct{}
	defaultBucketKey string
	loggerProvider   func(ctx context.Context) log.FieldLogger
}

// NewLimiterRoundTripper creates a new LimiterRoundTripper with default options.
func NewLimiterRoundTripper(delegate http.RoundTripper, lim *limiter.Limiter) (*LimiterRoundTripper, error) {
	return NewLimiterRoundTripperWithOpts(delegate, lim, LimiterRoundTripperOpts{})
}

// NewLimiterRoundTripperWithOpts creates a new LimiterRoundTripper with the
// specified options. For options that are not presented, the default values
// will be used.
func NewLimiterRoundTripperWithOpts(
	delegate http.RoundTripper, lim *limiter.Limiter, opts LimiterRoundTripperOpts,
) (*LimiterRoundTripper, error) {
	if lim == nil {
		return nil, fmt.Errorf("limiter must not be nil")
	}
	if opts.MaxDelay < 0 {
		return nil, fmt.Errorf("max delay must not be negative")
	}

	limitStatuses := opts.LimitStatuses
	if len(limitStatuses) == 0 {
		limitStatuses = []int{http.StatusTooManyRequests}
	}
	statusSet := make(map[int]struct{}, len(limitStatuses))
	for _, status := range limitStatuses {
		if status < 100 || status > 599 {
			return nil, fmt.Errorf("limit status must be a valid HTTP status code")
		}
		statusSet[status] = struct{}{}
	}

	return &LimiterRoundTripper{
		Delegate:     delegate,
		Limiter:      lim,
		GlobalBucket: opts.GlobalBucket,
		MaxDelay:     opts.MaxDelay,

		limitStatuses: statusSet,
		// The key is unique per instance, so two round trippers sharing one
		// externally stored bucket group never share a bucket by accident.
		defaultBucketKey: xid.New().String(),
		loggerProvider:   opts.LoggerProvider,
	}, nil
}

// RoundTrip executes a single HTTP transaction, returning a Response for the
// provided Request. The request is sent only after the limiter grants
// capacity for its bucket key; waiting longer than MaxDelay fails the request
// with *limiter.BucketFullError before the underlying transport is invoked.
func (rt *LimiterRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	key := rt.bucketKey(r)

	if err := rt.Limiter.Acquire(r.Context(), key, rt.MaxDelay); err != nil {
		if r.Body != nil {
			_ = r.Body.Close() // Per RoundTripper contract.
		}
		return nil, err
	}

	resp, err := rt.Delegate.RoundTrip(r)
	if err != nil {
		return resp, err
	}

	if _, ok := rt.limitStatuses[resp.StatusCode]; ok {
		if fillErr := rt.catchUp(r, key); fillErr != nil {
			_ = resp.Body.Close()
			return nil, fillErr
		}
	}

	return resp, nil
}

// bucketKey resolves the rate-limit grouping key for the request: the target
// host (host:port) by default, or the instance-wide key in global-bucket
// mode. Malformed URLs yield an empty host, which is accepted as a valid, if
// imprecise, key.
func (rt *LimiterRoundTripper) bucketKey(r *http.Request) string {
	if rt.GlobalBucket {
		return rt.defaultBucketKey
	}
	return r.URL.Host
}

func (rt *LimiterRoundTripper) logger(ctx context.Context) log.FieldLogger {
	if rt.loggerProvider != nil {
		return rt.loggerProvider(ctx)
	}
	return nil
}
