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
	"reflect"
	"sort"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/viccon/sturdyc"

	"github.com/tomoncle/uow/errs"
)

type localEntry struct {
	value      any
	deadline   time.Time // zero: no absolute expiration
	sliding    time.Duration
	lastAccess atomic.Int64
}

func (e *localEntry) expired(now time.Time) bool {
	if !e.deadline.IsZero() && !now.Before(e.deadline) {
		return true
	}
	if e.sliding > 0 && now.Sub(time.Unix(0, e.lastAccess.Load())) >= e.sliding {
		return true
	}
	return false
}

// LocalCache keeps values in process memory.
//
// Values are stored as given, not copied. The set of written keys is tracked
// next to the store and reconciled against it at the start of every pattern
// operation; between reconciliations it may still list keys that expired or
// were evicted.
type LocalCache struct {
	store  *sturdyc.Client[*localEntry]
	keys   *xsync.MapOf[string, struct{}]
	config InMemoryConfig
	opts   options
}

var _ Service = (*LocalCache)(nil)

// NewLocalCache creates an in-memory cache. Zero config fields take the
// DefaultConfig values.
func NewLocalCache(cfg InMemoryConfig, opts ...Option) (*LocalCache, error) {
	cfg.applyDefaults(DefaultConfig().InMemory)
	if err := cfg.validate("cache.NewLocalCache"); err != nil {
		return nil, err
	}
	return &LocalCache{
		store:  sturdyc.New[*localEntry](cfg.Capacity, cfg.NumShards, cfg.MaxTTL, cfg.EvictionPercentage),
		keys:   xsync.NewMapOf[string, struct{}](),
		config: cfg,
		opts:   buildOptions(opts),
	}, nil
}

// live returns the entry of key unless it is missing or expired. Expired
// entries are dropped.
func (c *LocalCache) live(key string, touch bool) (*localEntry, bool) {
	entry, ok := c.store.Get(key)
	if !ok || entry == nil {
		return nil, false
	}
	now := c.opts.now()
	if entry.expired(now) {
		c.store.Delete(key)
		c.keys.Delete(key)
		return nil, false
	}
	if touch {
		entry.lastAccess.Store(now.UnixNano())
	}
	return entry, true
}

func (c *LocalCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	const op = "cache.LocalCache.Get"
	if err := errs.CheckContext(ctx, op); err != nil {
		return false, err
	}
	rv := reflect.ValueOf(dest)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return false, errs.Withf(errs.ErrNilArgument, op, "dest must be a non-nil pointer")
	}
	entry, ok := c.live(key, true)
	c.opts.metrics.CacheLookup(BackendMemory, ok)
	if !ok {
		return false, nil
	}
	if err := assign(rv.Elem(), entry.value); err != nil {
		return false, errs.With(errs.ErrSerialization, op, err)
	}
	return true, nil
}

// assign stores v into dst, converting through JSON when the types differ.
func assign(dst reflect.Value, v any) error {
	if v == nil {
		dst.SetZero()
		return nil
	}
	src := reflect.ValueOf(v)
	if src.Type().AssignableTo(dst.Type()) {
		dst.Set(src)
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst.Addr().Interface())
}

// GetString returns strings and byte slices as they are and anything else
// JSON encoded.
func (c *LocalCache) GetString(ctx context.Context, key string) (string, bool, error) {
	const op = "cache.LocalCache.GetString"
	if err := errs.CheckContext(ctx, op); err != nil {
		return "", false, err
	}
	entry, ok := c.live(key, true)
	c.opts.metrics.CacheLookup(BackendMemory, ok)
	if !ok {
		return "", false, nil
	}
	switch v := entry.value.(type) {
	case string:
		return v, true, nil
	case []byte:
		return string(v), true, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", false, errs.With(errs.ErrSerialization, op, err)
		}
		return string(data), true, nil
	}
}

// Set stores value. Without options the configured absolute and sliding
// expirations both apply; with options only the given ones do. Expirations
// longer than MaxTTL are rejected.
func (c *LocalCache) Set(ctx context.Context, key string, value any, opts ...EntryOption) error {
	const op = "cache.LocalCache.Set"
	if err := errs.CheckContext(ctx, op); err != nil {
		return err
	}
	eo, custom := buildEntryOptions(opts)
	if !custom {
		eo = entryOptions{absolute: c.config.AbsoluteExpiration, sliding: c.config.SlidingExpiration}
	} else if err := checkMaxTTL(op, c.config.MaxTTL, eo.absolute, eo.sliding); err != nil {
		return err
	}
	now := c.opts.now()
	entry := &localEntry{value: value, sliding: eo.sliding}
	if eo.absolute > 0 {
		entry.deadline = now.Add(eo.absolute)
	}
	entry.lastAccess.Store(now.UnixNano())

	c.store.Set(key, entry)
	c.keys.Store(key, struct{}{})
	return nil
}

// reconcile drops tracked keys whose entry is gone.
func (c *LocalCache) reconcile() {
	c.keys.Range(func(key string, _ struct{}) bool {
		if _, ok := c.live(key, false); !ok {
			c.keys.Delete(key)
		}
		return true
	})
}

func (c *LocalCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	if err := errs.CheckContext(ctx, "cache.LocalCache.Keys"); err != nil {
		return nil, err
	}
	return c.matching(pattern), nil
}

func (c *LocalCache) matching(pattern string) []string {
	c.reconcile()
	var keys []string
	c.keys.Range(func(key string, _ struct{}) bool {
		if matchKey(pattern, key) {
			keys = append(keys, key)
		}
		return true
	})
	sort.Strings(keys)
	return keys
}

func (c *LocalCache) DeleteKeysByPattern(ctx context.Context, pattern string) error {
	if err := errs.CheckContext(ctx, "cache.LocalCache.DeleteKeysByPattern"); err != nil {
		return err
	}
	for _, key := range c.matching(pattern) {
		c.store.Delete(key)
		c.keys.Delete(key)
	}
	return nil
}

func (c *LocalCache) Remove(ctx context.Context, key string) error {
	if err := errs.CheckContext(ctx, "cache.LocalCache.Remove"); err != nil {
		return err
	}
	c.store.Delete(key)
	c.keys.Delete(key)
	return nil
}

// Clear removes every tracked key.
func (c *LocalCache) Clear(ctx context.Context) error {
	if err := errs.CheckContext(ctx, "cache.LocalCache.Clear"); err != nil {
		return err
	}
	c.keys.Range(func(key string, _ struct{}) bool {
		c.store.Delete(key)
		c.keys.Delete(key)
		return true
	})
	return nil
}

// Len returns the number of entries held by the store, expired ones
// included until they are read or reconciled.
func (c *LocalCache) Len() int { return c.store.Size() }

func (c *LocalCache) Close() error { return nil }
