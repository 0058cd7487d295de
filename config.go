/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package httplimiter

import (
	"errors"
	"net/http"
	"time"

	"github.com/acronis/go-appkit/config"
	appkithttp "github.com/acronis/go-appkit/httpclient"
)

// Bucket store types that can be selected in the configuration.
const (
	BucketStoreTypeMemory = "memory"
	BucketStoreTypeSQLite = "sqlite"
	BucketStoreTypeRedis  = "redis"
)

const (
	// configuration properties
	cfgKeyRateLimitsPerSecond     = "rateLimits.perSecond"
	cfgKeyRateLimitsPerMinute     = "rateLimits.perMinute"
	cfgKeyRateLimitsPerHour       = "rateLimits.perHour"
	cfgKeyRateLimitsPerDay        = "rateLimits.perDay"
	cfgKeyRateLimitsPerMonth      = "rateLimits.perMonth"
	cfgKeyRateLimitsBurst         = "rateLimits.burst"
	cfgKeyRateLimitsMaxDelay      = "rateLimits.maxDelay"
	cfgKeyRateLimitsPerHost       = "rateLimits.perHost"
	cfgKeyRateLimitsLimitStatuses = "rateLimits.limitStatuses"
	cfgKeyBucketStoreType         = "bucketStore.type"
	cfgKeyBucketStoreMemMaxKeys   = "bucketStore.memory.maxKeys"
	cfgKeyBucketStoreSQLitePath   = "bucketStore.sqlite.path"
	cfgKeyBucketStoreRedisAddr    = "bucketStore.redis.addr"
	cfgKeyBucketStoreRedisPrefix  = "bucketStore.redis.keyPrefix"
	cfgKeyLoggerEnabled           = "logger.enabled"
	cfgKeyLoggerMode              = "logger.mode"
	cfgKeyLoggerSlowReqThreshold  = "logger.slowRequestThreshold"
	cfgKeyTimeout                 = "timeout"
)

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// RateLimitsConfig represents configuration options for the client-side rate
// limits themselves.
type RateLimitsConfig struct {
	// PerSecond..PerMonth are the maximum numbers of requests per the
	// corresponding interval. Zero values are ignored.
	PerSecond int `mapstructure:"perSecond"`
	PerMinute int `mapstructure:"perMinute"`
	PerHour   int `mapstructure:"perHour"`
	PerDay    int `mapstructure:"perDay"`
	PerMonth  int `mapstructure:"perMonth"`

	// Burst is the number of consecutive requests allowed before per-second
	// rate limiting applies.
	Burst int `mapstructure:"burst"`

	// MaxDelay is the maximum time a request may wait for bucket capacity.
	// Zero means no ceiling: requests wait as long as their context allows.
	MaxDelay time.Duration `mapstructure:"maxDelay"`

	// PerHost tracks rate limits separately for each host.
	PerHost bool `mapstructure:"perHost"`

	// LimitStatuses are the HTTP status codes that indicate a server-side
	// rate limit was exceeded.
	LimitStatuses []int `mapstructure:"limitStatuses"`
}

// Set is part of config interface implementation.
func (c *RateLimitsConfig) Set(dp config.DataProvider) error {
	var err error
	for _, p := range []struct {
		key string
		dst *int
	}{
		{cfgKeyRateLimitsPerSecond, &c.PerSecond},
		{cfgKeyRateLimitsPerMinute, &c.PerMinute},
		{cfgKeyRateLimitsPerHour, &c.PerHour},
		{cfgKeyRateLimitsPerDay, &c.PerDay},
		{cfgKeyRateLimitsPerMonth, &c.PerMonth},
	} {
		if *p.dst, err = dp.GetInt(p.key); err != nil {
			return err
		}
		if *p.dst < 0 {
			return dp.WrapKeyErr(p.key, errors.New("rate limit must not be negative"))
		}
	}

	burst, err := dp.GetInt(cfgKeyRateLimitsBurst)
	if err != nil {
		return err
	}
	if burst < 0 {
		return errors.New("burst must be positive")
	}
	c.Burst = burst

	maxDelay, err := dp.GetDuration(cfgKeyRateLimitsMaxDelay)
	if err != nil {
		return err
	}
	if maxDelay < 0 {
		return errors.New("max delay must not be negative")
	}
	c.MaxDelay = maxDelay

	if c.PerHost, err = dp.GetBool(cfgKeyRateLimitsPerHost); err != nil {
		return err
	}

	limitStatuses, err := dp.GetIntSlice(cfgKeyRateLimitsLimitStatuses)
	if err != nil {
		return err
	}
	for _, status := range limitStatuses {
		if status < 100 || status > 599 {
			return errors.New("limit status must be a valid HTTP status code")
		}
	}
	c.LimitStatuses = limitStatuses

	return nil
}

// SetProviderDefaults is part of config interface implementation.
func (c *RateLimitsConfig) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyRateLimitsBurst, 1)
	dp.SetDefault(cfgKeyRateLimitsPerHost, true)
	dp.SetDefault(cfgKeyRateLimitsLimitStatuses, []int{http.StatusTooManyRequests})
}

// BucketStoreConfig represents configuration options for the bucket backend
// that keeps the recorded request history.
type BucketStoreConfig struct {
	// Type selects the backend: memory, sqlite or redis.
	Type string `mapstructure:"type"`

	// Memory contains options for the in-memory backend.
	Memory MemoryStoreConfig `mapstructure:"memory"`

	// SQLite contains options for the persistent file backend.
	SQLite SQLiteStoreConfig `mapstructure:"sqlite"`

	// Redis contains options for the shared networked backend.
	Redis RedisStoreConfig `mapstructure:"redis"`
}

// MemoryStoreConfig represents configuration options for the in-memory bucket store.
type MemoryStoreConfig struct {
	// MaxKeys is the maximum number of buckets kept before LRU eviction.
	MaxKeys int `mapstructure:"maxKeys"`
}

// SQLiteStoreConfig represents configuration options for the SQLite bucket store.
type SQLiteStoreConfig struct {
	// Path is the database file path.
	Path string `mapstructure:"path"`
}

// RedisStoreConfig represents configuration options for the Redis bucket store.
type RedisStoreConfig struct {
	// Addr is the Redis server address in "host:port" form.
	Addr string `mapstructure:"addr"`

	// KeyPrefix prefixes all Redis keys created by the store.
	KeyPrefix string `mapstructure:"keyPrefix"`
}

// Set is part of config interface implementation.
func (c *BucketStoreConfig) Set(dp config.DataProvider) error {
	storeType, err := dp.GetStringFromSet(cfgKeyBucketStoreType,
		[]string{BucketStoreTypeMemory, BucketStoreTypeSQLite, BucketStoreTypeRedis}, false)
	if err != nil {
		return err
	}
	c.Type = storeType

	switch c.Type {
	case BucketStoreTypeMemory:
		maxKeys, err := dp.GetInt(cfgKeyBucketStoreMemMaxKeys)
		if err != nil {
			return err
		}
		if maxKeys < 0 {
			return errors.New("max keys must not be negative")
		}
		c.Memory.MaxKeys = maxKeys

	case BucketStoreTypeSQLite:
		path, err := dp.GetString(cfgKeyBucketStoreSQLitePath)
		if err != nil {
			return err
		}
		if path == "" {
			return errors.New("sqlite bucket store requires a database path")
		}
		c.SQLite.Path = path

	case BucketStoreTypeRedis:
		addr, err := dp.GetString(cfgKeyBucketStoreRedisAddr)
		if err != nil {
			return err
		}
		if addr == "" {
			return errors.New("redis bucket store requires an address")
		}
		c.Redis.Addr = addr

		if c.Redis.KeyPrefix, err = dp.GetString(cfgKeyBucketStoreRedisPrefix); err != nil {
			return err
		}
	}

	return nil
}

// SetProviderDefaults is part of config interface implementation.
func (c *BucketStoreConfig) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyBucketStoreType, BucketStoreTypeMemory)
}

// LoggerConfig represents configuration options for logging HTTP requests
// going through the constructed client.
type LoggerConfig struct {
	// Enabled is a flag that enables logging.
	Enabled bool `mapstructure:"enabled"`

	// SlowRequestThreshold is a threshold for slow requests.
	SlowRequestThreshold time.Duration `mapstructure:"slowRequestThreshold"`

	// Mode of logging: all, failed.
	Mode string `mapstructure:"mode"`
}

// Set is part of config interface implementation.
func (c *LoggerConfig) Set(dp config.DataProvider) error {
	enabled, err := dp.GetBool(cfgKeyLoggerEnabled)
	if err != nil {
		return err
	}
	c.Enabled = enabled

	if !c.Enabled {
		return nil
	}

	slowRequestThreshold, err := dp.GetDuration(cfgKeyLoggerSlowReqThreshold)
	if err != nil {
		return err
	}
	if slowRequestThreshold < 0 {
		return errors.New("logger slow request threshold can not be negative")
	}
	c.SlowRequestThreshold = slowRequestThreshold

	mode, err := dp.GetString(cfgKeyLoggerMode)
	if err != nil {
		return err
	}
	if !appkithttp.LoggingMode(mode).IsValid() {
		return errors.New("logger invalid mode, choose one of: [all, failed]")
	}
	c.Mode = mode

	return nil
}

// SetProviderDefaults is part of config interface implementation.
func (c *LoggerConfig) SetProviderDefaults(_ config.DataProvider) {}

// TransportOpts returns options for the go-appkit logging round tripper.
func (c *LoggerConfig) TransportOpts() appkithttp.LoggingRoundTripperOpts {
	return appkithttp.LoggingRoundTripperOpts{
		Mode:                 appkithttp.LoggingMode(c.Mode),
		SlowRequestThreshold: c.SlowRequestThreshold,
	}
}

// Config represents options for rate-limited HTTP client configuration.
type Config struct {
	// RateLimits is a configuration for the client-side rate limits.
	RateLimits RateLimitsConfig `mapstructure:"rateLimits"`

	// BucketStore is a configuration for the bucket backend.
	BucketStore BucketStoreConfig `mapstructure:"bucketStore"`

	// Logger is a configuration for HTTP client logs.
	Logger LoggerConfig `mapstructure:"logger"`

	// Timeout is the total timeout of the constructed http.Client.
	Timeout time.Duration `mapstructure:"timeout"`

	// keyPrefix is a prefix for configuration parameters.
	keyPrefix string
}

// NewConfig creates a new instance of the Config.
func NewConfig() *Config {
	return NewConfigWithKeyPrefix("")
}

// NewConfigWithKeyPrefix creates a new instance of the Config.
// Allows specifying key prefix which will be used for parsing configuration parameters.
func NewConfigWithKeyPrefix(keyPrefix string) *Config {
	return &Config{keyPrefix: keyPrefix}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
func (c *Config) KeyPrefix() string {
	return c.keyPrefix
}

// Set is part of config interface implementation.
func (c *Config) Set(dp config.DataProvider) error {
	timeout, err := dp.GetDuration(cfgKeyTimeout)
	if err != nil {
		return err
	}
	c.Timeout = timeout

	prefixedDp := config.NewKeyPrefixedDataProvider(dp, c.keyPrefix)
	if err = c.RateLimits.Set(prefixedDp); err != nil {
		return err
	}
	if err = c.BucketStore.Set(prefixedDp); err != nil {
		return err
	}
	if err = c.Logger.Set(prefixedDp); err != nil {
		return err
	}

	return nil
}

// SetProviderDefaults is part of config interface implementation.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	prefixedDp := config.NewKeyPrefixedDataProvider(dp, c.keyPrefix)
	c.RateLimits.SetProviderDefaults(prefixedDp)
	c.BucketStore.SetProviderDefaults(prefixedDp)
	c.Logger.SetProviderDefaults(prefixedDp)
}
