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
	"sync"

	"github.com/uptrace/bun"

	"github.com/tomoncle/uow/errs"
)

var (
	globalMu      sync.RWMutex
	globalFactory *BaseDatabaseFactory
)

// GetDB returns the global Bun database instance, or nil before InitDB.
func GetDB() *bun.DB {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalFactory != nil {
		return globalFactory.GetDB()
	}
	return nil
}

// GetDatabaseManager returns the global database manager.
func GetDatabaseManager() AbstractDatabaseManager {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalFactory != nil {
		return globalFactory.GetManager()
	}
	return nil
}

// InitDB initializes the global database using the provided configuration
// and bootstraps the schema when cfg.SchemaConfig.AutoBootstrap is set.
func InitDB(ctx context.Context, cfg *Config, opts ...ManagerOption) (*bun.DB, error) {
	if cfg == nil {
		return nil, errs.Withf(errs.ErrInvalidConfig, "database.InitDB", "database configuration cannot be empty")
	}
	factory := NewDatabaseFactory()
	opts = append([]ManagerOption{WithSchemaConfig(cfg.SchemaConfig)}, opts...)
	manager, err := factory.CreateFromConfig(&cfg.ConnectionConfig, opts...)
	if err != nil {
		return nil, err
	}

	if err := factory.InitializeDatabase(ctx, cfg.SchemaConfig.AutoBootstrap); err != nil {
		_ = factory.Close()
		return nil, err
	}

	globalMu.Lock()
	previous := globalFactory
	globalFactory = factory
	globalMu.Unlock()
	if previous != nil {
		_ = previous.Close()
	}
	return manager.GetDB(), nil
}

// CloseDB closes the global database connection.
func CloseDB() error {
	globalMu.Lock()
	factory := globalFactory
	globalFactory = nil
	globalMu.Unlock()
	if factory != nil {
		return factory.Close()
	}
	return nil
}

// GetHealthStatus returns the current database health status.
func GetHealthStatus(ctx context.Context) *HealthStatus {
	globalMu.RLock()
	factory := globalFactory
	globalMu.RUnlock()
	if factory != nil {
		return factory.GetHealthStatus(ctx)
	}
	return &HealthStatus{
		Healthy:   false,
		Connected: false,
		LastError: "Database not initialized",
	}
}

// GetDatabaseStats returns global database statistics.
func GetDatabaseStats() *DBStats {
	globalMu.RLock()
	factory := globalFactory
	globalMu.RUnlock()
	if factory != nil {
		return factory.GetStats()
	}
	return &DBStats{}
}

// Bootstrap creates the tables of the registered models on the global
// database.
func Bootstrap(ctx context.Context) error {
	manager := GetDatabaseManager()
	if manager == nil {
		return errs.Withf(errs.ErrNilArgument, "database.Bootstrap", "database not initialized")
	}
	return manager.Bootstrap(ctx)
}
