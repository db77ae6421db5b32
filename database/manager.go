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
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/extra/bundebug"
	"github.com/uptrace/bun/schema"

	"github.com/tomoncle/uow/errs"
)

const healthCheckTimeout = 5 * time.Second

type dialectSpec struct {
	driver  string
	dsn     func(c *ConnectionConfig) string
	dialect func() schema.Dialect
}

var dialects = map[string]dialectSpec{
	"mysql": {
		driver:  "mysql",
		dsn:     mysqlDSN,
		dialect: func() schema.Dialect { return mysqldialect.New() },
	},
	"postgres": {
		driver:  "postgres",
		dsn:     postgresDSN,
		dialect: func() schema.Dialect { return pgdialect.New() },
	},
	"sqlite": {
		driver:  sqliteshim.ShimName,
		dsn:     sqliteDSN,
		dialect: func() schema.Dialect { return sqlitedialect.New() },
	},
}

// canonicalType maps the accepted aliases of a database type to the names
// used by dialects.
func canonicalType(t string) string {
	switch t {
	case "postgresql":
		return "postgres"
	case "sqlite3":
		return "sqlite"
	}
	return t
}

func mysqlDSN(c *ConnectionConfig) string {
	mc := mysql.NewConfig()
	mc.User = c.Username
	mc.Passwd = c.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	mc.DBName = c.DBName
	mc.ParseTime = true
	mc.Loc = time.Local
	mc.Timeout = c.ConnectTimeout
	mc.ReadTimeout = c.ReadTimeout
	mc.WriteTimeout = c.WriteTimeout
	mc.Params = map[string]string{"charset": "utf8mb4"}
	return mc.FormatDSN()
}

func postgresDSN(c *ConnectionConfig) string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	q := url.Values{}
	q.Set("sslmode", sslMode)
	if c.ConnectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(c.ConnectTimeout.Seconds())))
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Username, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.DBName,
		RawQuery: q.Encode(),
	}
	return u.String()
}

func sqliteDSN(c *ConnectionConfig) string {
	if strings.HasSuffix(c.DBName, ".db") {
		return c.DBName
	}
	return c.DBName + ".db"
}

type defaultDatabaseManager struct {
	mu       sync.RWMutex
	config   *ConnectionConfig
	schema   SchemaConfig
	registry ModelRegistry
	logger   Logger
	db       *bun.DB

	// stopHealth cancels the background health loop; nil when none runs.
	stopHealth     context.CancelFunc
	reconnectTries int
}

// ManagerOption customizes a database manager.
type ManagerOption func(*defaultDatabaseManager)

// WithSchemaConfig sets the bootstrap settings used by Bootstrap.
func WithSchemaConfig(schema SchemaConfig) ManagerOption {
	return func(dm *defaultDatabaseManager) { dm.schema = schema }
}

// WithModelRegistry makes Bootstrap create the models of registry instead of
// the default registry.
func WithModelRegistry(registry ModelRegistry) ManagerOption {
	return func(dm *defaultDatabaseManager) { dm.registry = registry }
}

// NewDatabaseManager returns an AbstractDatabaseManager backed by Bun. A nil
// config means DefaultConnectionConfig.
func NewDatabaseManager(config *ConnectionConfig, opts ...ManagerOption) AbstractDatabaseManager {
	if config == nil {
		config = DefaultConnectionConfig()
	}
	dm := &defaultDatabaseManager{
		config:   config,
		registry: defaultRegistry,
		logger:   GetLogger(),
	}
	for _, opt := range opts {
		opt(dm)
	}
	return dm
}

// Connect opens the pool and pings it. Calling it on a connected manager is a
// no-op.
func (dm *defaultDatabaseManager) Connect(ctx context.Context) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.db != nil {
		return nil
	}
	return dm.connectLocked(ctx)
}

func (dm *defaultDatabaseManager) connectLocked(ctx context.Context) error {
	const op = "database.Connect"
	db, err := dm.open(op)
	if err != nil {
		return err
	}

	pingCtx, cancel := context.WithTimeout(ctx, dm.connectTimeout())
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return errs.Storage(op, err)
	}

	if canonicalType(dm.config.Type) == "sqlite" {
		// foreign keys are off by default in SQLite
		if _, err := db.ExecContext(pingCtx, "PRAGMA foreign_keys = ON"); err != nil {
			dm.logger.Warn("Failed to enable SQLite foreign keys", "error", err)
		}
	}
	db.RegisterModel(modelInstances(dm.registry)...)

	dm.db = db
	dm.reconnectTries = 0
	if dm.config.HealthCheckInterval > 0 && dm.stopHealth == nil {
		dm.startHealthCheck()
	}
	dm.logger.Info("Database connected", "type", dm.config.Type, "host", dm.config.Host, "dbname", dm.config.DBName)
	return nil
}

func (dm *defaultDatabaseManager) open(op string) (*bun.DB, error) {
	ds, ok := dialects[canonicalType(dm.config.Type)]
	if !ok {
		return nil, errs.Withf(errs.ErrInvalidConfig, op, fmt.Sprintf("unsupported database type %q", dm.config.Type))
	}
	dsn := dm.config.DSN
	if dsn == "" {
		dsn = ds.dsn(dm.config)
	}
	sqlDB, err := sql.Open(ds.driver, dsn)
	if err != nil {
		return nil, errs.Storage(op, err)
	}
	sqlDB.SetMaxIdleConns(dm.config.MaxIdleConns)
	sqlDB.SetMaxOpenConns(dm.config.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(dm.config.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(dm.config.ConnMaxIdleTime)

	db := bun.NewDB(sqlDB, ds.dialect())
	if dm.config.EnableQueryLog {
		if dm.config.QueryLogStyle == "color" {
			db.AddQueryHook(NewQueryHook(nil, true))
		} else {
			db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true), bundebug.FromEnv("BUNDEBUG")))
		}
	}
	if dm.config.SlowQueryTime > 0 {
		db.AddQueryHook(&slowQueryHook{slowTime: dm.config.SlowQueryTime, logger: dm.logger})
	}
	return db, nil
}

func (dm *defaultDatabaseManager) connectTimeout() time.Duration {
	if dm.config.ConnectTimeout > 0 {
		return dm.config.ConnectTimeout
	}
	return DefaultConnectionConfig().ConnectTimeout
}

// Disconnect stops the health loop and closes the pool.
func (dm *defaultDatabaseManager) Disconnect() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.stopHealth != nil {
		dm.stopHealth()
		dm.stopHealth = nil
	}
	return dm.closeLocked()
}

func (dm *defaultDatabaseManager) closeLocked() error {
	if dm.db == nil {
		return nil
	}
	err := dm.db.Close()
	dm.db = nil
	if err != nil {
		dm.logger.Error("Failed to close database connection", "error", err)
		return errs.Storage("database.Disconnect", err)
	}
	dm.logger.Info("Database connection closed")
	return nil
}

// Reconnect replaces the pool with a fresh one. The health loop keeps running.
func (dm *defaultDatabaseManager) Reconnect(ctx context.Context) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if err := dm.closeLocked(); err != nil {
		dm.logger.Warn("Error closing the previous connection", "error", err)
	}
	return dm.connectLocked(ctx)
}

func (dm *defaultDatabaseManager) Ping(ctx context.Context) error {
	db := dm.GetDB()
	if db == nil {
		return errs.Withf(errs.ErrNilArgument, "database.Ping", "database not connected")
	}
	if err := db.PingContext(ctx); err != nil {
		return errs.Storage("database.Ping", err)
	}
	return nil
}

func (dm *defaultDatabaseManager) GetDB() *bun.DB {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.db
}

func (dm *defaultDatabaseManager) GetSQLDB() *sql.DB {
	if db := dm.GetDB(); db != nil {
		return db.DB
	}
	return nil
}

func (dm *defaultDatabaseManager) HealthCheck(ctx context.Context) *HealthStatus {
	start := time.Now()
	status := &HealthStatus{LastCheckTime: start}

	db := dm.GetDB()
	if db == nil {
		status.LastError = "database not connected"
		return status
	}

	pingCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	err := db.PingContext(pingCtx)
	status.ResponseTime = time.Since(start)
	status.Healthy = err == nil
	status.Connected = err == nil
	if err != nil {
		status.LastError = err.Error()
	}

	stats := db.Stats()
	status.ActiveConns = stats.InUse
	status.IdleConns = stats.Idle
	status.MaxOpenConns = stats.MaxOpenConnections
	return status
}

// startHealthCheck must be called with dm.mu held.
func (dm *defaultDatabaseManager) startHealthCheck() {
	ctx, cancel := context.WithCancel(context.Background())
	dm.stopHealth = cancel
	interval := dm.config.HealthCheckInterval

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if status := dm.HealthCheck(ctx); !status.Healthy && dm.config.EnableReconnect {
					dm.reconnect(ctx)
				}
			}
		}
	}()
}

func (dm *defaultDatabaseManager) reconnect(ctx context.Context) {
	dm.mu.Lock()
	tries := dm.reconnectTries
	if tries >= dm.config.MaxReconnectTries {
		dm.mu.Unlock()
		dm.logger.Error("Max reconnect attempts reached", "tries", tries)
		return
	}
	dm.reconnectTries++
	tries = dm.reconnectTries
	dm.mu.Unlock()

	dm.logger.Info("Reconnecting to the database", "try", tries)
	select {
	case <-ctx.Done():
		return
	case <-time.After(dm.config.ReconnectInterval):
	}

	connectCtx, cancel := context.WithTimeout(ctx, dm.connectTimeout())
	defer cancel()

	dm.mu.Lock()
	defer dm.mu.Unlock()
	if ctx.Err() != nil {
		// disconnected while waiting
		return
	}
	_ = dm.closeLocked()
	if err := dm.connectLocked(connectCtx); err != nil {
		dm.logger.Error("Reconnect failed", "error", err, "try", tries)
		return
	}
	dm.logger.Info("Reconnect succeeded")
}

func (dm *defaultDatabaseManager) GetStats() *DBStats {
	db := dm.GetDB()
	if db == nil {
		return &DBStats{}
	}
	s := db.Stats()
	return &DBStats{
		MaxOpenConns:      s.MaxOpenConnections,
		OpenConns:         s.OpenConnections,
		InUse:             s.InUse,
		Idle:              s.Idle,
		WaitCount:         s.WaitCount,
		WaitDuration:      s.WaitDuration,
		MaxIdleClosed:     s.MaxIdleClosed,
		MaxIdleTimeClosed: s.MaxIdleTimeClosed,
		MaxLifetimeClosed: s.MaxLifetimeClosed,
	}
}

// Bootstrap creates the tables of the registered models, after loading the
// foreign key file when the schema config enables it.
func (dm *defaultDatabaseManager) Bootstrap(ctx context.Context) error {
	const op = "database.Bootstrap"
	db := dm.GetDB()
	if db == nil {
		return errs.Withf(errs.ErrNilArgument, op, "database not connected")
	}

	bootstrapper := NewSchemaBootstrapper(db, dm.registry, dm.logger)
	if dm.schema.EnableForeignKey && dm.schema.ForeignKeyFile != "" {
		if err := bootstrapper.ForeignKeys().LoadForeignKeys(dm.schema.ForeignKeyFile); err != nil {
			return err
		}
	}
	return bootstrapper.Bootstrap(ctx)
}

func (dm *defaultDatabaseManager) SetLogger(logger Logger) {
	if logger == nil {
		return
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.logger = logger
}
