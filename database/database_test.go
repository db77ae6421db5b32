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

package database_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomoncle/uow/database"
	"github.com/tomoncle/uow/errs"
	"github.com/tomoncle/uow/internal/testmodels"
)

func sqliteConfig(name string) *database.Config {
	return &database.Config{
		ConnectionConfig: database.ConnectionConfig{
			Type:         "sqlite3",
			DSN:          fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
			MaxOpenConns: 1,
		},
		SchemaConfig: database.SchemaConfig{AutoBootstrap: true},
	}
}

func tableNames(t *testing.T, ctx context.Context) []string {
	t.Helper()
	var names []string
	err := database.GetDB().NewSelect().
		TableExpr("sqlite_master").
		Column("name").
		Where("type = ?", "table").
		Where("name NOT LIKE ?", "sqlite_%").
		OrderExpr("name").
		Scan(ctx, &names)
	require.NoError(t, err)
	return names
}

func TestInitDBBootstrapsRegisteredModels(t *testing.T) {
	ctx := context.Background()
	registry := database.NewModelRegistry()
	testmodels.Register(registry)

	db, err := database.InitDB(ctx, sqliteConfig(t.Name()), database.WithModelRegistry(registry))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.CloseDB() })
	assert.Same(t, db, database.GetDB())

	assert.Equal(t, []string{"sides", "test_descriptions", "tests", "users"}, tableNames(t, ctx))

	// bootstrapping again is a no-op
	require.NoError(t, database.Bootstrap(ctx))

	status := database.GetHealthStatus(ctx)
	assert.True(t, status.Healthy)
	assert.True(t, status.Connected)
	assert.Equal(t, 1, database.GetDatabaseStats().MaxOpenConns)

	require.NoError(t, database.CloseDB())
	assert.Nil(t, database.GetDB())
	assert.False(t, database.GetHealthStatus(ctx).Healthy)
	assert.Error(t, database.Bootstrap(ctx))
}

func TestBootstrapLoadsForeignKeyFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "fk.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
foreign_keys:
  - table: users
    column: side_id
    reference_table: sides
    reference_column: id
    on_delete: RESTRICT
`), 0o600))

	registry := database.NewModelRegistry()
	registry.Register(database.NewModelAdapter((*testmodels.Side)(nil), 10))
	registry.Register(database.NewModelAdapter((*testmodels.User)(nil), 20))

	cfg := sqliteConfig(t.Name())
	cfg.SchemaConfig.EnableForeignKey = true
	cfg.SchemaConfig.ForeignKeyFile = path
	db, err := database.InitDB(ctx, cfg, database.WithModelRegistry(registry))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.CloseDB() })

	var ddl string
	require.NoError(t, db.NewSelect().TableExpr("sqlite_master").Column("sql").
		Where("name = ?", "users").Scan(ctx, &ddl))
	assert.Contains(t, ddl, "ON DELETE RESTRICT")
}

func TestInitDBRejectsInvalidConfig(t *testing.T) {
	ctx := context.Background()

	_, err := database.InitDB(ctx, nil)
	assert.Error(t, err)

	_, err = database.InitDB(ctx, &database.Config{ConnectionConfig: database.ConnectionConfig{Type: "oracle", DBName: "x"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrInvalidConfig)

	_, err = database.InitDB(ctx, &database.Config{ConnectionConfig: database.ConnectionConfig{Type: "sqlite"}})
	assert.ErrorIs(t, err, errs.ErrInvalidConfig, "dbname or dsn is required")
}

func TestCreateFromConfigAppliesEnvironment(t *testing.T) {
	t.Setenv("DB_TYPE", "postgresql")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("DB_MAX_OPEN_CONNS", "7")

	cfg := &database.ConnectionConfig{Type: "mysql", DBName: "app"}
	_, err := database.NewDatabaseFactory().CreateFromConfig(cfg)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Type)
	assert.Equal(t, "db.internal", cfg.Host)
	assert.Equal(t, 6543, cfg.Port)
	assert.Equal(t, 7, cfg.MaxOpenConns)
	assert.Equal(t, 10, cfg.MaxIdleConns)
}
