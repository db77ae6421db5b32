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
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tomoncle/uow/errs"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config selects and tunes a cache backend.
type Config struct {
	Provider string         `json:"provider" yaml:"provider" validate:"omitempty,oneof=memory redis"`
	InMemory InMemoryConfig `json:"in_memory" yaml:"in_memory"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
}

type InMemoryConfig struct {
	AbsoluteExpiration time.Duration `json:"absolute_expiration" yaml:"absolute_expiration" validate:"gte=0"`
	SlidingExpiration  time.Duration `json:"sliding_expiration" yaml:"sliding_expiration" validate:"gte=0"`
	Capacity           int           `json:"capacity" yaml:"capacity" validate:"gte=0"`
	NumShards          int           `json:"num_shards" yaml:"num_shards" validate:"gte=0"`
	EvictionPercentage int           `json:"eviction_percentage" yaml:"eviction_percentage" validate:"gte=0,lte=100"`
	// MaxTTL caps the lifetime of every entry, sliding ones included. Neither
	// expiration may exceed it.
	MaxTTL time.Duration `json:"max_ttl" yaml:"max_ttl" validate:"gte=0"`
}

type RedisConfig struct {
	// URL is either a redis:// URL or a host:port address.
	URL                string        `json:"url" yaml:"url" validate:"required"`
	DatabaseID         int           `json:"database_id" yaml:"database_id" validate:"gte=0"`
	Username           string        `json:"username" yaml:"username"`
	Password           string        `json:"password" yaml:"password"`
	AbortOnConnectFail bool          `json:"abort_on_connect_fail" yaml:"abort_on_connect_fail"`
	AbsoluteExpiration time.Duration `json:"absolute_expiration" yaml:"absolute_expiration" validate:"gte=0"`
	DialTimeout        time.Duration `json:"dial_timeout" yaml:"dial_timeout" validate:"gte=0"`
	Breaker            BreakerConfig `json:"breaker" yaml:"breaker"`
}

// BreakerConfig tunes the circuit breaker guarding Redis round trips.
type BreakerConfig struct {
	MaxRequests      uint32        `json:"max_requests" yaml:"max_requests"`
	Interval         time.Duration `json:"interval" yaml:"interval" validate:"gte=0"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout" validate:"gte=0"`
	FailureThreshold float64       `json:"failure_threshold" yaml:"failure_threshold" validate:"gte=0,lte=1"`
	MinRequests      uint32        `json:"min_requests" yaml:"min_requests"`
}

// DefaultConfig returns an in-memory configuration: entries live 12 hours,
// or 30 minutes without being read.
func DefaultConfig() Config {
	return Config{
		Provider: BackendMemory,
		InMemory: InMemoryConfig{
			AbsoluteExpiration: 12 * time.Hour,
			SlidingExpiration:  30 * time.Minute,
			Capacity:           10000,
			NumShards:          10,
			EvictionPercentage: 10,
			MaxTTL:             24 * time.Hour,
		},
		Redis: RedisConfig{
			AbsoluteExpiration: 12 * time.Hour,
			DialTimeout:        5 * time.Second,
			Breaker: BreakerConfig{
				MaxRequests:      5,
				Interval:         30 * time.Second,
				Timeout:          60 * time.Second,
				FailureThreshold: 0.8,
				MinRequests:      5,
			},
		},
	}
}

// ApplyDefaults fills zero fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	if c.Provider == "" {
		c.Provider = def.Provider
	}
	c.InMemory.applyDefaults(def.InMemory)
	c.Redis.applyDefaults(def.Redis)
}

func (c *InMemoryConfig) applyDefaults(def InMemoryConfig) {
	if c.AbsoluteExpiration == 0 {
		c.AbsoluteExpiration = def.AbsoluteExpiration
	}
	if c.SlidingExpiration == 0 {
		c.SlidingExpiration = def.SlidingExpiration
	}
	if c.Capacity == 0 {
		c.Capacity = def.Capacity
	}
	if c.NumShards == 0 {
		c.NumShards = def.NumShards
	}
	if c.EvictionPercentage == 0 {
		c.EvictionPercentage = def.EvictionPercentage
	}
	if c.MaxTTL == 0 {
		c.MaxTTL = def.MaxTTL
	}
}

func (c *RedisConfig) applyDefaults(def RedisConfig) {
	if c.AbsoluteExpiration == 0 {
		c.AbsoluteExpiration = def.AbsoluteExpiration
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = def.DialTimeout
	}
	b := &c.Breaker
	if b.MaxRequests == 0 {
		b.MaxRequests = def.Breaker.MaxRequests
	}
	if b.Interval == 0 {
		b.Interval = def.Breaker.Interval
	}
	if b.Timeout == 0 {
		b.Timeout = def.Breaker.Timeout
	}
	if b.FailureThreshold == 0 {
		b.FailureThreshold = def.Breaker.FailureThreshold
	}
	if b.MinRequests == 0 {
		b.MinRequests = def.Breaker.MinRequests
	}
}

// Validate checks the section of the selected provider.
func (c Config) Validate() error {
	const op = "cache.Config.Validate"
	if err := validate.Var(c.Provider, "omitempty,oneof=memory redis"); err != nil {
		return errs.With(errs.ErrInvalidConfig, op, err)
	}
	if c.Provider == BackendRedis {
		if err := validate.Struct(c.Redis); err != nil {
			return errs.With(errs.ErrInvalidConfig, op, err)
		}
		return nil
	}
	return c.InMemory.validate(op)
}

func (c InMemoryConfig) validate(op string) error {
	if err := validate.Struct(c); err != nil {
		return errs.With(errs.ErrInvalidConfig, op, err)
	}
	return checkMaxTTL(op, c.MaxTTL, c.AbsoluteExpiration, c.SlidingExpiration)
}

// checkMaxTTL rejects expirations the store would cut short. A zero maxTTL
// is left to the defaults.
func checkMaxTTL(op string, maxTTL, absolute, sliding time.Duration) error {
	if maxTTL <= 0 {
		return nil
	}
	if absolute > maxTTL {
		return errs.Withf(errs.ErrInvalidConfig, op, fmt.Sprintf("absolute expiration %s exceeds max ttl %s", absolute, maxTTL))
	}
	if sliding > maxTTL {
		return errs.Withf(errs.ErrInvalidConfig, op, fmt.Sprintf("sliding expiration %s exceeds max ttl %s", sliding, maxTTL))
	}
	return nil
}
