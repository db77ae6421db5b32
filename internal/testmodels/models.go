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

// Package testmodels holds the example entities shared by the tests.
package testmodels

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"github.com/tomoncle/uow/database"
	"github.com/tomoncle/uow/types"
)

type Side struct {
	bun.BaseModel `bun:"table:sides,alias:s"`

	ID    int64   `bun:"id,pk,autoincrement"`
	Name  string  `bun:"name,notnull"`
	Users []*User `bun:"rel:has-many,join:id=side_id"`
	Test  *Test   `bun:"rel:has-one,join:id=side_id"`
}

type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID      int64  `bun:"id,pk,autoincrement"`
	Name    string `bun:"name,notnull"`
	Surname string `bun:"surname"`
	SideID  int64  `bun:"side_id,notnull"`
	Side    *Side  `bun:"rel:belongs-to,join:side_id=id"`
}

type Test struct {
	bun.BaseModel `bun:"table:tests,alias:t"`

	ID               int64              `bun:"id,pk,autoincrement"`
	TestName         string             `bun:"test_name"`
	SideID           int64              `bun:"side_id,notnull"`
	Side             *Side              `bun:"rel:belongs-to,join:side_id=id"`
	TestDescriptions []*TestDescription `bun:"rel:has-many,join:id=test_id"`
}

type TestDescription struct {
	bun.BaseModel `bun:"table:test_descriptions,alias:td"`

	ID          int64            `bun:"id,pk,autoincrement"`
	Description string           `bun:"description"`
	TestID      int64            `bun:"test_id,notnull"`
	Test        *Test            `bun:"rel:belongs-to,join:test_id=id"`
	Date        time.Time        `bun:"date,nullzero"`
	Metadata    types.JsonObject `bun:"metadata,type:text"`
}

func cascade(table, column, refTable string) database.ForeignKeyConstraint {
	return database.ForeignKeyConstraint{
		Table:           table,
		Column:          column,
		ReferenceTable:  refTable,
		ReferenceColumn: "id",
		OnDelete:        "CASCADE",
	}
}

// Register adds the example entities to registry, parents first, with
// cascading deletes on the dependent side.
func Register(registry database.ModelRegistry) {
	registry.Register(database.NewModelAdapter((*Side)(nil), 10))
	registry.Register(database.NewModelAdapter((*User)(nil), 20, cascade("users", "side_id", "sides")))
	registry.Register(database.NewModelAdapter((*Test)(nil), 20, cascade("tests", "side_id", "sides")))
	registry.Register(database.NewModelAdapter((*TestDescription)(nil), 30, cascade("test_descriptions", "test_id", "tests")))
}

var dbSeq atomic.Int64

// OpenSQLite connects a fresh shared-cache in-memory SQLite database with the
// example schema and closes it when the test ends.
func OpenSQLite(t testing.TB) *bun.DB {
	t.Helper()

	registry := database.NewModelRegistry()
	Register(registry)

	cfg := database.DefaultConnectionConfig()
	cfg.Type = "sqlite"
	cfg.DSN = fmt.Sprintf("file:uow_test_%d?mode=memory&cache=shared", dbSeq.Add(1))
	// a single connection keeps the in-memory database alive and serializes access
	cfg.MaxOpenConns = 1
	cfg.MaxIdleConns = 1
	cfg.ConnMaxLifetime = 0
	cfg.ConnMaxIdleTime = 0
	cfg.HealthCheckInterval = 0
	cfg.SlowQueryTime = 0

	manager := database.NewDatabaseManager(cfg, database.WithModelRegistry(registry))
	ctx := context.Background()
	require.NoError(t, manager.Connect(ctx))
	t.Cleanup(func() { _ = manager.Disconnect() })
	require.NoError(t, manager.Bootstrap(ctx))
	return manager.GetDB()
}
