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

package config

import (
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tomoncle/uow/cache"
	"github.com/tomoncle/uow/database"
	"github.com/tomoncle/uow/errs"
	"github.com/tomoncle/uow/utils"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config aggregates the settings of every component.
type Config struct {
	Database database.Config `json:"database" yaml:"database"`
	Cache    cache.Config    `json:"cache" yaml:"cache"`
	Log      LogConfig       `json:"log" yaml:"log"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level" validate:"omitempty,oneof=trace debug info warn warning error fatal panic"`
	Format string `json:"format" yaml:"format" validate:"omitempty,oneof=text json"`
}

// Load reads the YAML file at path, then applies environment overrides and
// defaults and validates the result.
func Load(path string) (*Config, error) {
	const op = "config.Load"
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.With(errs.ErrInvalidConfig, op, err)
	}
	return Parse(data)
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errs.With(errs.ErrInvalidConfig, "config.Parse", err)
	}
	cfg.applyEnv()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	database.ApplyEnvOverrides(&c.Database.ConnectionConfig)
	if v := os.Getenv("CACHE_PROVIDER"); v != "" {
		c.Cache.Provider = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Cache.Redis.URL = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Cache.Redis.Password = v
	}
	c.Cache.InMemory.AbsoluteExpiration = utils.EnvDefaultDuration("CACHE_ABSOLUTE_EXPIRATION", c.Cache.InMemory.AbsoluteExpiration)
	c.Cache.InMemory.SlidingExpiration = utils.EnvDefaultDuration("CACHE_SLIDING_EXPIRATION", c.Cache.InMemory.SlidingExpiration)
	c.Cache.Redis.AbsoluteExpiration = utils.EnvDefaultDuration("REDIS_ABSOLUTE_EXPIRATION", c.Cache.Redis.AbsoluteExpiration)
	c.Log.Level = utils.EnvDefaultString("LOG_LEVEL", c.Log.Level)
	c.Log.Format = utils.EnvDefaultString("CONSOLE_LOG_FORMAT", c.Log.Format)
}

func (c *Config) ApplyDefaults() {
	c.Database.ConnectionConfig.ApplyDefaults()
	c.Cache.ApplyDefaults()
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) Validate() error {
	if err := database.ValidateConnectionConfig(&c.Database.ConnectionConfig); err != nil {
		return err
	}
	if err := c.Cache.Validate(); err != nil {
		return err
	}
	if err := validate.Struct(c.Log); err != nil {
		return errs.With(errs.ErrInvalidConfig, "config.Validate", err)
	}
	return nil
}

// ConfigureLogging applies the log section to the logger registry.
func (c *Config) ConfigureLogging() {
	utils.ConfigureConsoleLogFormat(c.Log.Format)
	utils.ConfigureLogLevel(c.Log.Level)
}
