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

	appkithttp "github.com/acronis/go-appkit/httpclient"
	"github.com/acronis/go-appkit/log"

	"github.com/acronis/go-httplimiter/limiter"
)

// New makes a rate-limited *http.Client based on the passed configuration
// and returns an error if any occurs.
func New(cfg *Config) (*http.Client, error) {
	return NewWithOpts(cfg, Opts{})
}

// Must makes a rate-limited *http.Client based on the passed configuration
// and panics if any error occurs.
func Must(cfg *Config) *http.Client {
	client, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return client
}

// Opts provides options for NewWithOpts and MustWithOpts functions.
type Opts struct {
	// UserAgent is a user agent string.
	UserAgent string

	// RequestType is a type of request. e.g. service 'auth-service', an action 'login' or specific information to correlate.
	RequestType string

	// Delegate is the next RoundTripper in the chain.
	Delegate http.RoundTripper

	// Limiter is a pre-built limiter to use instead of the one described by
	// the configuration's rateLimits and bucketStore sections.
	Limiter *limiter.Limiter

	// Now is a custom time source for the limiter built from the configuration.
	Now func() time.Time

	// LoggerProvider is a function that provides a context-specific logger.
	LoggerProvider func(ctx context.Context) log.FieldLogger
}

// NewWithOpts makes a rate-limited *http.Client based on the passed
// configuration and options. The transport chain wraps the delegate with
// logging, rate limiting, user agent and request id round trippers.
func NewWithOpts(cfg *Config, opts Opts) (*http.Client, error) {
	delegate := opts.Delegate
	if delegate == nil {
		delegate = http.DefaultTransport.(*http.Transport).Clone()
	}

	if cfg.Logger.Enabled {
		logOpts := cfg.Logger.TransportOpts()
		logOpts.LoggerProvider = opts.LoggerProvider
		logOpts.ClientType = opts.RequestType
		delegate = appkithttp.NewLoggingRoundTripperWithOpts(delegate, logOpts)
	}

	lim := opts.Limiter
	if lim == nil {
		var err error
		if lim, err = newLimiterForConfig(cfg, opts.Now); err != nil {
			return nil, err
		}
	}
	limiterRoundTripper, err := NewLimiterRoundTripperWithOpts(delegate, lim, LimiterRoundTripperOpts{
		GlobalBucket:   !cfg.RateLimits.PerHost,
		MaxDelay:       cfg.RateLimits.MaxDelay,
		LimitStatuses:  cfg.RateLimits.LimitStatuses,
		LoggerProvider: opts.LoggerProvider,
	})
	if err != nil {
		return nil, fmt.Errorf("create limiter round tripper: %w", err)
	}
	delegate = limiterRoundTripper

	if opts.UserAgent != "" {
		delegate = appkithttp.NewUserAgentRoundTripper(delegate, opts.UserAgent)
	}

	delegate = appkithttp.NewRequestIDRoundTripper(delegate)

	return &http.Client{Transport: delegate, Timeout: cfg.Timeout}, nil
}

// MustWithOpts is a version of NewWithOpts that panics if an error occurs.
func MustWithOpts(cfg *Config, opts Opts) *http.Client {
	client, err := NewWithOpts(cfg, opts)
	if err != nil {
		panic(err)
	}
	return client
}

func newLimiterForConfig(cfg *Config, now func() time.Time) (*limiter.Limiter, error) {
	rates := limiter.Quota{
		PerSecond: cfg.RateLimits.PerSecond,
		PerMinute: cfg.RateLimits.PerMinute,
		PerHour:   cfg.RateLimits.PerHour,
		PerDay:    cfg.RateLimits.PerDay,
		PerMonth:  cfg.RateLimits.PerMonth,
		Burst:     cfg.RateLimits.Burst,
	}.Rates()
	if len(rates) == 0 {
		return nil, fmt.Errorf("at least one rate limit must be configured")
	}

	store, err := newBucketStore(cfg.BucketStore)
	if err != nil {
		return nil, err
	}

	lim, err := limiter.NewLimiter(rates, limiter.Opts{Store: store, Now: now})
	if err != nil {
		return nil, fmt.Errorf("create limiter: %w", err)
	}
	return lim, nil
}

func newBucketStore(cfg BucketStoreConfig) (limiter.BucketStore, error) {
	switch cfg.Type {
	case "", BucketStoreTypeMemory:
		return limiter.NewMemoryBucketStore(cfg.Memory.MaxKeys), nil
	case BucketStoreTypeSQLite:
		store, err := limiter.NewSQLiteBucketStore(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("create sqlite bucket store: %w", err)
		}
		return store, nil
	case BucketStoreTypeRedis:
		return limiter.NewRedisBucketStore(cfg.Redis.Addr, limiter.RedisBucketStoreOpts{
			KeyPrefix: cfg.Redis.KeyPrefix,
		}), nil
	default:
		return nil, fmt.Errorf("unknown bucket store type %q", cfg.Type)
	}
}
