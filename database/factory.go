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

package database

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/uptrace/bun"

	"github.com/tomoncle/uow/errs"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// envBindings lists the DB_* variables read by ApplyEnvOverrides. Durations
// are given in seconds. Unparsable values are ignored.
var envBindings = []struct {
	key   string
	apply func(cfg *ConnectionConfig, v string)
}{
	{"DB_TYPE", func(c *ConnectionConfig, v string) { c.Type = v }},
	{"DB_DSN", func(c *ConnectionConfig, v string) { c.DSN = v }},
	{"DB_HOST", func(c *ConnectionConfig, v string) { c.Host = v }},
	{"DB_PORT", envInt(func(c *ConnectionConfig, n int) { c.Port = n })},
	{"DB_USERNAME", func(c *ConnectionConfig, v string) { c.Username = v }},
	{"DB_PASSWORD", func(c *ConnectionConfig, v string) { c.Password = v }},
	{"DB_NAME", func(c *ConnectionConfig, v string) { c.DBName = v }},
	{"DB_SSLMODE", func(c *ConnectionConfig, v string) { c.SSLMode = v }},
	{"DB_MAX_IDLE_CONNS", envInt(func(c *ConnectionConfig, n int) { c.MaxIdleConns = n })},
	{"DB_MAX_OPEN_CONNS", envInt(func(c *ConnectionConfig, n int) { c.MaxOpenConns = n })},
	{"DB_CONN_MAX_LIFETIME", envSeconds(func(c *ConnectionConfig, d time.Duration) { c.ConnMaxLifetime = d })},
	{"DB_ENABLE_RECONNECT", envBool(func(c *ConnectionConfig, b bool) { c.EnableReconnect = b })},
	{"DB_RECONNECT_INTERVAL", envSeconds(func(c *ConnectionConfig, d time.Duration) { c.ReconnectInterval = d })},
	{"DB_ENABLE_QUERY_LOG", envBool(func(c *ConnectionConfig, b bool) { c.EnableQueryLog = b })},
	{"DB_SLOW_QUERY_TIME", envSeconds(func(c *ConnectionConfig, d time.Duration) { c.SlowQueryTime = d })},
}

func envInt(set func(*ConnectionConfig, int)) func(*ConnectionConfig, string) {
	return func(c *ConnectionConfig, v string) {
		if n, err := strconv.Atoi(v); err == nil {
			set(c, n)
		}
	}
}

func envSeconds(set func(*ConnectionConfig, time.Duration)) func(*ConnectionConfig, string) {
	return envInt(func(c *ConnectionConfig, n int) { set(c, time.Duration(n)*time.Second) })
}

func envBool(set func(*ConnectionConfig, bool)) func(*ConnectionConfig, string) {
	return func(c *ConnectionConfig, v string) {
		if b, err := strconv.ParseBool(v); err == nil {
			set(c, b)
		}
	}
}

// ApplyEnvOverrides overrides cfg with the non-empty DB_* environment
// variables.
func ApplyEnvOverrides(cfg *ConnectionConfig) {
	for _, b := range envBindings {
		if v := os.Getenv(b.key); v != "" {
			b.apply(cfg, v)
		}
	}
}

// ValidateConnectionConfig checks the struct tags of cfg.
func ValidateConnectionConfig(cfg *ConnectionConfig) error {
	if err := validate.Struct(cfg); err != nil {
		return errs.With(errs.ErrInvalidConfig, "database.ValidateConnectionConfig", err)
	}
	return nil
}

// BaseDatabaseFactory owns one database manager from configuration to close.
type BaseDatabaseFactory struct {
	manager AbstractDatabaseManager
	logger  Logger
}

func NewDatabaseFactory() *BaseDatabaseFactory {
	return &BaseDatabaseFactory{logger: GetLogger()}
}

// CreateFromConfig applies environment overrides and defaults to cfg,
// validates it and builds the manager. Nothing is connected yet.
func (f *BaseDatabaseFactory) CreateFromConfig(cfg *ConnectionConfig, opts ...ManagerOption) (AbstractDatabaseManager, error) {
	if cfg == nil {
		return nil, errs.Withf(errs.ErrInvalidConfig, "database.CreateFromConfig", "database configuration cannot be empty")
	}
	ApplyEnvOverrides(cfg)
	cfg.ApplyDefaults()
	if err := ValidateConnectionConfig(cfg); err != nil {
		return nil, err
	}

	manager := NewDatabaseManager(cfg, opts...)
	manager.SetLogger(f.logger)
	f.manager = manager
	return manager, nil
}

// InitializeDatabase connects and, when bootstrap is set, creates the tables
// of the registered models.
func (f *BaseDatabaseFactory) InitializeDatabase(ctx context.Context, bootstrap bool) error {
	const op = "database.InitializeDatabase"
	if f.manager == nil {
		return errs.Withf(errs.ErrNilArgument, op, "database manager not created")
	}
	if err := f.manager.Connect(ctx); err != nil {
		return err
	}
	if bootstrap {
		if err := f.manager.Bootstrap(ctx); err != nil {
			return err
		}
	}
	f.logger.Info("Database initialization completed", "bootstrap", bootstrap)
	return nil
}

func (f *BaseDatabaseFactory) GetManager() AbstractDatabaseManager {
	return f.manager
}

// GetDB returns nil until InitializeDatabase succeeded.
func (f *BaseDatabaseFactory) GetDB() *bun.DB {
	if f.manager == nil {
		return nil
	}
	return f.manager.GetDB()
}

func (f *BaseDatabaseFactory) SetLogger(logger Logger) {
	f.logger = logger
	if f.manager != nil {
		f.manager.SetLogger(logger)
	}
}

func (f *BaseDatabaseFactory) Close() error {
	if f.manager == nil {
		return nil
	}
	return f.manager.Disconnect()
}

func (f *BaseDatabaseFactory) GetHealthStatus(ctx context.Context) *HealthStatus {
	if f.manager == nil {
		return &HealthStatus{LastError: "database manager not created", LastCheckTime: time.Now()}
	}
	return f.manager.HealthCheck(ctx)
}

func (f *BaseDatabaseFactory) GetStats() *DBStats {
	if f.manager == nil {
		return &DBStats{}
	}
	return f.manager.GetStats()
}
