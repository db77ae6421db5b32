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
	"time"

	"github.com/tomoncle/uow/metrics"
	"github.com/tomoncle/uow/utils"
)

// Backend names, also used as metric labels.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// AllKeys is the pattern matching every key.
const AllKeys = "*"

// Service is the capability set shared by the cache backends.
//
// Patterns are matched against keys: "*" (or "") selects every key, a
// pattern containing glob characters (* ? [) is matched as a glob, and any
// other pattern selects the keys containing it as a substring.
type Service interface {
	// Get decodes the value stored under key into dest, a non-nil pointer.
	// A missing or expired key reports false and leaves dest untouched.
	Get(ctx context.Context, key string, dest any) (bool, error)

	// GetString returns the stored value in its text form.
	GetString(ctx context.Context, key string) (string, bool, error)

	// Keys lists the live keys matching pattern, sorted.
	Keys(ctx context.Context, pattern string) ([]string, error)

	Set(ctx context.Context, key string, value any, opts ...EntryOption) error

	// DeleteKeysByPattern removes every key matching pattern.
	DeleteKeysByPattern(ctx context.Context, pattern string) error

	Remove(ctx context.Context, key string) error

	// Clear removes every entry.
	Clear(ctx context.Context) error

	Close() error
}

// Get is the typed form of Service.Get. A miss returns the zero T.
func Get[T any](ctx context.Context, svc Service, key string) (T, bool, error) {
	var v T
	ok, err := svc.Get(ctx, key, &v)
	if err != nil || !ok {
		var zero T
		return zero, false, err
	}
	return v, true, nil
}

// GetByPattern returns the values of the keys matching pattern, in key
// order. Keys that expire between listing and reading are skipped.
func GetByPattern[T any](ctx context.Context, svc Service, pattern string) ([]T, error) {
	keys, err := svc.Keys(ctx, pattern)
	if err != nil {
		return nil, err
	}
	values := make([]T, 0, len(keys))
	for _, key := range keys {
		v, ok, err := Get[T](ctx, svc, key)
		if err != nil {
			return nil, err
		}
		if ok {
			values = append(values, v)
		}
	}
	return values, nil
}

type entryOptions struct {
	absolute time.Duration
	sliding  time.Duration
}

// EntryOption sets the expiration of one entry. When none is given the
// backend defaults apply.
type EntryOption func(*entryOptions)

// WithAbsoluteExpiration expires the entry d after it is set.
func WithAbsoluteExpiration(d time.Duration) EntryOption {
	return func(o *entryOptions) { o.absolute = d }
}

// WithSlidingExpiration expires the entry once it has not been read for d.
// The Redis backend ignores it.
func WithSlidingExpiration(d time.Duration) EntryOption {
	return func(o *entryOptions) { o.sliding = d }
}

func buildEntryOptions(opts []EntryOption) (entryOptions, bool) {
	var o entryOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o, len(opts) > 0
}

type options struct {
	logger  utils.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a backend.
type Option func(*options)

func WithLogger(logger utils.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records hits, misses and backend errors in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func withClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{
		logger: utils.Named("CACHE"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
