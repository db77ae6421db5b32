/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package cache

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/tomoncle/uow/errs"
)

const (
	scanCount      = 100
	deleteBatchLen = 500
)

// RedisCache stores JSON encoded values in Redis. Sliding expiration is not
// supported; entries only expire absolutely.
type RedisCache struct {
	client   *redis.Client
	breaker  *gobreaker.CircuitBreaker
	absolute time.Duration
	opts     options
}

var _ Service = (*RedisCache)(nil)

// NewRedisClient builds a client from cfg. With AbortOnConnectFail the
// server is pinged and an unreachable server is an error.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	const op = "cache.NewRedisClient"
	var opt *redis.Options
	if strings.Contains(cfg.URL, "://") {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, errs.With(errs.ErrInvalidConfig, op, err)
		}
		opt = parsed
	} else {
		opt = &redis.Options{Addr: cfg.URL}
	}
	if cfg.DatabaseID > 0 {
		opt.DB = cfg.DatabaseID
	}
	if cfg.Username != "" {
		opt.Username = cfg.Username
	}
	if cfg.Password != "" {
		opt.Password = cfg.Password
	}
	if cfg.DialTimeout > 0 {
		opt.DialTimeout = cfg.DialTimeout
	}

	client := redis.NewClient(opt)
	if cfg.AbortOnConnectFail {
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, errs.With(errs.ErrCacheUnavailable, op, err)
		}
	}
	return client, nil
}

// NewRedisCache connects to the server described by cfg.
func NewRedisCache(ctx context.Context, cfg RedisConfig, opts ...Option) (*RedisCache, error) {
	cfg.applyDefaults(DefaultConfig().Redis)
	if err := validate.Struct(cfg); err != nil {
		return nil, errs.With(errs.ErrInvalidConfig, "cache.NewRedisCache", err)
	}
	client, err := NewRedisClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewRedisCacheWithClient(client, cfg, opts...), nil
}

// NewRedisCacheWithClient wraps an existing client. Close closes it.
func NewRedisCacheWithClient(client *redis.Client, cfg RedisConfig, opts ...Option) *RedisCache {
	cfg.applyDefaults(DefaultConfig().Redis)
	o := buildOptions(opts)
	return &RedisCache{
		client:   client,
		breaker:  newBreaker(cfg.Breaker, o),
		absolute: cfg.AbsoluteExpiration,
		opts:     o,
	}
}

func newBreaker(cfg BreakerConfig, o options) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-cache",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			o.logger.Warn("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
		// a miss is an answer, not a failure
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled)
		},
	})
}

// do runs fn through the breaker and maps failures to cache errors.
func (c *RedisCache) do(ctx context.Context, op string, fn func() (any, error)) (any, error) {
	if err := errs.CheckContext(ctx, op); err != nil {
		return nil, err
	}
	v, err := c.breaker.Execute(fn)
	switch {
	case err == nil, errors.Is(err, redis.Nil):
		return v, err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, errs.Cancelled(op, err)
	default:
		c.opts.metrics.CacheError(BackendRedis)
		c.opts.logger.Error("Redis command failed", "op", op, "error", err)
		return nil, errs.With(errs.ErrCacheUnavailable, op, err)
	}
}

func (c *RedisCache) get(ctx context.Context, op, key string) ([]byte, bool, error) {
	v, err := c.do(ctx, op, func() (any, error) {
		return c.client.Get(ctx, key).Bytes()
	})
	if errors.Is(err, redis.Nil) {
		c.opts.metrics.CacheLookup(BackendRedis, false)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	c.opts.metrics.CacheLookup(BackendRedis, true)
	return v.([]byte), true, nil
}

func (c *RedisCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	const op = "cache.RedisCache.Get"
	rv := reflect.ValueOf(dest)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return false, errs.Withf(errs.ErrNilArgument, op, "dest must be a non-nil pointer")
	}
	data, ok, err := c.get(ctx, op, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, errs.With(errs.ErrSerialization, op, err)
	}
	return true, nil
}

// GetString returns the stored payload, the JSON encoding of the value.
func (c *RedisCache) GetString(ctx context.Context, key string) (string, bool, error) {
	data, ok, err := c.get(ctx, "cache.RedisCache.GetString", key)
	if err != nil || !ok {
		return "", false, err
	}
	return string(data), true, nil
}

// Set stores the JSON encoding of value. The absolute expiration defaults to
// the configured one; a sliding expiration is ignored.
func (c *RedisCache) Set(ctx context.Context, key string, value any, opts ...EntryOption) error {
	const op = "cache.RedisCache.Set"
	data, err := json.Marshal(value)
	if err != nil {
		return errs.With(errs.ErrSerialization, op, err)
	}
	eo, _ := buildEntryOptions(opts)
	ttl := eo.absolute
	if ttl <= 0 {
		ttl = c.absolute
	}
	_, err = c.do(ctx, op, func() (any, error) {
		return nil, c.client.Set(ctx, key, data, ttl).Err()
	})
	return err
}

// Keys scans the keyspace with a server-side MATCH.
func (c *RedisCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	return c.scan(ctx, "cache.RedisCache.Keys", pattern)
}

func (c *RedisCache) scan(ctx context.Context, op, pattern string) ([]string, error) {
	match := toGlob(pattern)
	seen := make(map[string]struct{})
	var cursor uint64
	for {
		v, err := c.do(ctx, op, func() (any, error) {
			keys, next, err := c.client.Scan(ctx, cursor, match, scanCount).Result()
			return scanPage{keys: keys, next: next}, err
		})
		if err != nil {
			return nil, err
		}
		page := v.(scanPage)
		for _, key := range page.keys {
			seen[key] = struct{}{}
		}
		cursor = page.next
		if cursor == 0 {
			break
		}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

type scanPage struct {
	keys []string
	next uint64
}

func (c *RedisCache) DeleteKeysByPattern(ctx context.Context, pattern string) error {
	const op = "cache.RedisCache.DeleteKeysByPattern"
	keys, err := c.scan(ctx, op, pattern)
	if err != nil {
		return err
	}
	for start := 0; start < len(keys); start += deleteBatchLen {
		batch := keys[start:min(start+deleteBatchLen, len(keys))]
		if _, err := c.do(ctx, op, func() (any, error) {
			return nil, c.client.Del(ctx, batch...).Err()
		}); err != nil {
			return err
		}
	}
	return nil
}

func (c *RedisCache) Remove(ctx context.Context, key string) error {
	_, err := c.do(ctx, "cache.RedisCache.Remove", func() (any, error) {
		return nil, c.client.Del(ctx, key).Err()
	})
	return err
}

// Clear flushes the selected Redis database.
func (c *RedisCache) Clear(ctx context.Context) error {
	_, err := c.do(ctx, "cache.RedisCache.Clear", func() (any, error) {
		return nil, c.client.FlushDB(ctx).Err()
	})
	return err
}

// Client exposes the underlying client.
func (c *RedisCache) Client() *redis.Client { return c.client }

func (c *RedisCache) Close() error { return c.client.Close() }
