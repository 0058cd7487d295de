/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package httplimiter

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-httplimiter/limiter"
)

type roundTripperFunc func(r *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func makeResponse(statusCode int) *http.Response {
	return &http.Response{
		StatusCode: statusCode,
		Body:       io.NopCloser(strings.NewReader("")),
		Header:     http.Header{},
	}
}

type stubBucketStore struct {
	bucket limiter.Bucket
	err    error
}

func (s *stubBucketStore) Bucket(key string) (limiter.Bucket, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.bucket, nil
}

type putLimitedBucket struct {
	limiter.Bucket
	putsLeft int
	err      error
}

func (b *putLimitedBucket) Put(ctx context.Context, t time.Time) error {
	if b.putsLeft <= 0 {
		return b.err
	}
	b.putsLeft--
	return b.Bucket.Put(ctx, t)
}

type bodyCloseRecorder struct {
	io.Reader
	closed bool
}

func (b *bodyCloseRecorder) Close() error {
	b.closed = true
	return nil
}

func mustNewLimiter(t *testing.T, quota limiter.Quota, now func() time.Time) *limiter.Limiter {
	t.Helper()
	lim, err := limiter.NewLimiter(quota.Rates(), limiter.Opts{Now: now})
	require.NoError(t, err)
	return lim
}

func TestNewLimiterRoundTripperWithOpts(t *testing.T) {
	lim := mustNewLimiter(t, limiter.Quota{PerSecond: 1}, nil)

	tests := []struct {
		Name       string
		Limiter    *limiter.Limiter
		Opts       LimiterRoundTripperOpts
		WantErrMsg string
	}{
		{
			Name:       "nil limiter",
			Limiter:    nil,
			WantErrMsg: "limiter must not be nil",
		},
		{
			Name:       "negative max delay",
			Limiter:    lim,
			Opts:       LimiterRoundTripperOpts{MaxDelay: -time.Second},
			WantErrMsg: "max delay must not be negative",
		},
		{
			Name:       "invalid limit status",
			Limiter:    lim,
			Opts:       LimiterRoundTripperOpts{LimitStatuses: []int{999}},
			WantErrMsg: "limit status must be a valid HTTP status code",
		},
	}
	for i := range tests {
		tt := tests[i]
		t.Run(tt.Name, func(t *testing.T) {
			_, err := NewLimiterRoundTripperWithOpts(http.DefaultTransport, tt.Limiter, tt.Opts)
			require.EqualError(t, err, tt.WantErrMsg)
		})
	}
}

func TestLimiterRoundTripperBucketKey(t *testing.T) {
	newRequest := func(url string) *http.Request {
		r, err := http.NewRequest(http.MethodGet, url, nil)
		require.NoError(t, err)
		return r
	}

	t.Run("per host", func(t *testing.T) {
		rt, err := NewLimiterRoundTripper(http.DefaultTransport, mustNewLimiter(t, limiter.Quota{PerSecond: 1}, nil))
		require.NoError(t, err)

		require.Equal(t, rt.bucketKey(newRequest("https://example.com/a")), rt.bucketKey(newRequest("https://example.com/b")),
			"requests to the same host should share a bucket")
		require.NotEqual(t, rt.bucketKey(newRequest("https://example.com/")), rt.bucketKey(newRequest("https://example.org/")),
			"requests to different hosts should not share a bucket")
		require.NotEqual(t, rt.bucketKey(newRequest("https://example.com/")), rt.bucketKey(newRequest("https://example.com:8443/")),
			"port is part of the key")
	})

	t.Run("global bucket", func(t *testing.T) {
		lim := mustNewLimiter(t, limiter.Quota{PerSecond: 1}, nil)
		rt1, err := NewLimiterRoundTripperWithOpts(http.DefaultTransport, lim, LimiterRoundTripperOpts{GlobalBucket: true})
		require.NoError(t, err)
		rt2, err := NewLimiterRoundTripperWithOpts(http.DefaultTransport, lim, LimiterRoundTripperOpts{GlobalBucket: true})
		require.NoError(t, err)

		require.Equal(t, rt1.bucketKey(newRequest("https://example.com/")), rt1.bucketKey(newRequest("https://example.org/")),
			"all requests of one instance should share a bucket")
		require.NotEqual(t, rt1.bucketKey(newRequest("https://example.com/")), rt2.bucketKey(newRequest("https://example.com/")),
			"instances should never share a bucket")
	})

	t.Run("host-less requests fall back to the empty key", func(t *testing.T) {
		delegateCalls := 0
		delegate := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			delegateCalls++
			return makeResponse(http.StatusOK), nil
		})
		rt, err := NewLimiterRoundTripper(delegate, mustNewLimiter(t, limiter.Quota{PerSecond: 1}, nil))
		require.NoError(t, err)

		r := &http.Request{URL: &url.URL{Path: "/healthz"}}
		require.Empty(t, rt.bucketKey(r))

		resp, err := rt.RoundTrip(r)
		require.NoError(t, err, "the empty key should be accepted")
		_ = resp.Body.Close()
		require.Equal(t, 1, delegateCalls)
	})
}

func TestLimiterRoundTripperRoundTrip(t *testing.T) {
	const allowedTimeDeviation = 100 * time.Millisecond

	t.Run("requests are throttled", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			_, _ = rw.Write([]byte("ok"))
		}))
		defer server.Close()

		rt, err := NewLimiterRoundTripper(http.DefaultTransport, mustNewLimiter(t, limiter.Quota{PerSecond: 1}, nil))
		require.NoError(t, err)
		client := &http.Client{Transport: rt}

		startedAt := time.Now()
		for i := 0; i < 2; i++ {
			resp, respErr := client.Get(server.URL)
			require.NoError(t, respErr)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			_ = resp.Body.Close()
		}
		require.WithinDuration(t, startedAt.Add(time.Second), time.Now(), allowedTimeDeviation,
			"the 2nd request should wait about a second")
	})

	t.Run("bucket full aborts the request without sending it", func(t *testing.T) {
		delegateCalls := 0
		delegate := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			delegateCalls++
			return makeResponse(http.StatusOK), nil
		})

		rt, err := NewLimiterRoundTripperWithOpts(delegate, mustNewLimiter(t, limiter.Quota{PerSecond: 1}, nil),
			LimiterRoundTripperOpts{MaxDelay: 100 * time.Millisecond})
		require.NoError(t, err)
		client := &http.Client{Transport: rt}

		resp, err := client.Get("http://example.com/")
		require.NoError(t, err)
		_ = resp.Body.Close()

		startedAt := time.Now()
		_, err = client.Get("http://example.com/")
		var bucketFullErr *limiter.BucketFullError
		require.ErrorAs(t, err, &bucketFullErr)
		require.WithinDuration(t, startedAt, time.Now(), allowedTimeDeviation,
			"error should be returned without waiting")
		require.Equal(t, 1, delegateCalls, "the 2nd request should never reach the transport")
	})

	t.Run("transport errors propagate unchanged", func(t *testing.T) {
		wantErr := errors.New("connection reset")
		delegate := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return nil, wantErr
		})

		rt, err := NewLimiterRoundTripper(delegate, mustNewLimiter(t, limiter.Quota{PerSecond: 1}, nil))
		require.NoError(t, err)

		r, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
		require.NoError(t, err)
		_, err = rt.RoundTrip(r)
		require.ErrorIs(t, err, wantErr)
	})

	t.Run("response is returned exactly as received", func(t *testing.T) {
		delegate := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			resp := makeResponse(http.StatusTeapot)
			resp.Header.Set("X-Custom", "42")
			return resp, nil
		})

		rt, err := NewLimiterRoundTripper(delegate, mustNewLimiter(t, limiter.Quota{PerSecond: 1}, nil))
		require.NoError(t, err)

		r, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
		require.NoError(t, err)
		resp, err := rt.RoundTrip(r)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusTeapot, resp.StatusCode)
		require.Equal(t, "42", resp.Header.Get("X-Custom"))
	})
}

func TestLimiterRoundTripperCatchUp(t *testing.T) {
	ctx := context.Background()
	const host = "example.com"

	countInWindow := func(t *testing.T, lim *limiter.Limiter, key string, interval time.Duration) int {
		t.Helper()
		bucket, err := lim.Bucket(key)
		require.NoError(t, err)
		count, err := bucket.CountSince(ctx, lim.Now().Add(-interval))
		require.NoError(t, err)
		return count
	}

	t.Run("deficit is filled up to the smallest rate's limit", func(t *testing.T) {
		now := time.Now()
		lim := mustNewLimiter(t, limiter.Quota{PerMinute: 5}, func() time.Time { return now })
		rt, err := NewLimiterRoundTripper(http.DefaultTransport, lim)
		require.NoError(t, err)

		bucket, err := lim.Bucket(host)
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			require.NoError(t, bucket.Put(ctx, now))
		}

		r, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
		require.NoError(t, err)
		require.NoError(t, rt.catchUp(r, host))
		require.Equal(t, 5, countInWindow(t, lim, host, time.Minute), "exactly 2 filler events should be added")
	})

	t.Run("repeated catch-up is a no-op once caught up", func(t *testing.T) {
		now := time.Now()
		lim := mustNewLimiter(t, limiter.Quota{PerMinute: 5}, func() time.Time { return now })
		rt, err := NewLimiterRoundTripper(http.DefaultTransport, lim)
		require.NoError(t, err)

		bucket, err := lim.Bucket(host)
		require.NoError(t, err)
		for i := 0; i < 5; i++ {
			require.NoError(t, bucket.Put(ctx, now))
		}

		r, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
		require.NoError(t, err)
		require.NoError(t, rt.catchUp(r, host))
		require.Equal(t, 5, countInWindow(t, lim, host, time.Minute), "no filler events should be added")
	})

	t.Run("429 response triggers the fill", func(t *testing.T) {
		now := time.Now()
		lim := mustNewLimiter(t, limiter.Quota{PerMinute: 5}, func() time.Time { return now })
		delegate := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return makeResponse(http.StatusTooManyRequests), nil
		})
		rt, err := NewLimiterRoundTripper(delegate, lim)
		require.NoError(t, err)
		client := &http.Client{Transport: rt}

		resp, err := client.Get("http://example.com/")
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusTooManyRequests, resp.StatusCode, "response should still be returned to the caller")
		require.Equal(t, 5, countInWindow(t, lim, host, time.Minute))
	})

	t.Run("custom limit statuses replace the default", func(t *testing.T) {
		now := time.Now()
		lim := mustNewLimiter(t, limiter.Quota{PerMinute: 5}, func() time.Time { return now })
		delegate := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return makeResponse(http.StatusTooManyRequests), nil
		})
		rt, err := NewLimiterRoundTripperWithOpts(delegate, lim, LimiterRoundTripperOpts{
			LimitStatuses: []int{http.StatusServiceUnavailable},
		})
		require.NoError(t, err)
		client := &http.Client{Transport: rt}

		resp, err := client.Get("http://example.com/")
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, 1, countInWindow(t, lim, host, time.Minute),
			"429 is not in the configured status set, only the request itself should be recorded")
	})

	t.Run("repeated 429s never push the count over the limit", func(t *testing.T) {
		now := time.Now()
		lim := mustNewLimiter(t, limiter.Quota{PerSecond: 2}, func() time.Time { return now })
		delegate := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return makeResponse(http.StatusTooManyRequests), nil
		})
		rt, err := NewLimiterRoundTripper(delegate, lim)
		require.NoError(t, err)
		client := &http.Client{Transport: rt}

		for i := 0; i < 3; i++ {
			resp, respErr := client.Get("http://example.com/")
			require.NoError(t, respErr)
			_ = resp.Body.Close()
			require.LessOrEqual(t, countInWindow(t, lim, host, time.Second), 2)
			// Let the window pass so the next acquire does not have to wait.
			now = now.Add(time.Second + time.Millisecond)
		}
	})
}

func TestLimiterRoundTripperBackendErrors(t *testing.T) {
	t.Run("store failure aborts the request before it is sent", func(t *testing.T) {
		wantErr := errors.New("bucket store is down")
		lim, err := limiter.NewLimiter(limiter.Quota{PerSecond: 1}.Rates(),
			limiter.Opts{Store: &stubBucketStore{err: wantErr}})
		require.NoError(t, err)

		delegateCalls := 0
		delegate := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			delegateCalls++
			return makeResponse(http.StatusOK), nil
		})
		rt, err := NewLimiterRoundTripper(delegate, lim)
		require.NoError(t, err)

		r, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
		require.NoError(t, err)
		_, err = rt.RoundTrip(r)
		require.ErrorIs(t, err, wantErr)
		require.Zero(t, delegateCalls, "the request should never reach the transport")
	})

	t.Run("catch-up write failure closes the response and fails the request", func(t *testing.T) {
		wantErr := errors.New("bucket write failed")
		memBucket, err := limiter.NewMemoryBucketStore(0).Bucket("k")
		require.NoError(t, err)
		// One put for the acquire itself, so the failure hits the fill.
		store := &stubBucketStore{bucket: &putLimitedBucket{Bucket: memBucket, putsLeft: 1, err: wantErr}}
		lim, err := limiter.NewLimiter(limiter.Quota{PerMinute: 5}.Rates(), limiter.Opts{Store: store})
		require.NoError(t, err)

		body := &bodyCloseRecorder{Reader: strings.NewReader("")}
		delegate := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			resp := makeResponse(http.StatusTooManyRequests)
			resp.Body = body
			return resp, nil
		})
		rt, err := NewLimiterRoundTripper(delegate, lim)
		require.NoError(t, err)

		r, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
		require.NoError(t, err)
		_, err = rt.RoundTrip(r)
		require.ErrorIs(t, err, wantErr)
		require.True(t, body.closed, "response body should be closed on catch-up failure")
	})
}
