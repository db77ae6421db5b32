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
	"errors"
	"fmt"
	"os"
	"reflect"

	"github.com/uptrace/bun"
)

// SchemaBootstrapper creates the tables of registered models, in priority
// order, with their foreign keys. It never alters existing tables.
type SchemaBootstrapper struct {
	db        *bun.DB
	registry  ModelRegistry
	fkManager *ForeignKeyManager
	logger    Logger
}

// NewSchemaBootstrapper returns a bootstrapper for the models in registry. A
// nil registry means the default registry.
func NewSchemaBootstrapper(db *bun.DB, registry ModelRegistry, logger Logger) *SchemaBootstrapper {
	if registry == nil {
		registry = defaultRegistry
	}
	return &SchemaBootstrapper{
		db:        db,
		registry:  registry,
		fkManager: NewForeignKeyManager(logger),
		logger:    logger,
	}
}

// ForeignKeys exposes the manager holding configured (non-model) constraints.
func (b *SchemaBootstrapper) ForeignKeys() *ForeignKeyManager {
	return b.fkManager
}

// Bootstrap creates every missing table inside a single transaction.
func (b *SchemaBootstrapper) Bootstrap(ctx context.Context) error {
	if b.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if _, ok := os.LookupEnv("BUNDEBUG_BOOTSTRAP"); !ok {
		EnableBunSqlSilent(true)
		defer EnableBunSqlSilent(false)
	}

	models := b.registry.Models()
	fks := NewForeignKeyManager(b.logger, b.fkManager.ListAllConstraints()...)
	for _, m := range models {
		if p, ok := m.(ForeignKeyProvider); ok {
			fks.Add(p.ForeignKeys()...)
		}
	}
	if errs := fks.ValidateConstraints(); len(errs) > 0 {
		return fmt.Errorf("foreign key constraint validation failed: %w", errors.Join(errs...))
	}

	err := b.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, m := range models {
			if err := b.createTable(ctx, tx, m.Instance(), fks); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if b.logger != nil {
		b.logger.Info("Schema bootstrap completed", "tables", len(models))
	}
	return nil
}

func (b *SchemaBootstrapper) createTable(ctx context.Context, tx bun.Tx, model interface{}, fks *ForeignKeyManager) error {
	table := b.db.Table(reflect.TypeOf(model))
	q := tx.NewCreateTable().Model(model).IfNotExists()
	for _, fk := range fks.GetConstraintsByTable(table.Name) {
		query, args := fk.Clause()
		q = q.ForeignKey(query, args...)
	}
	if _, err := q.Exec(ctx); err != nil {
		return fmt.Errorf("failed to create table %s: %w", table.Name, err)
	}
	if b.logger != nil {
		b.logger.Debug("Table ready", "table", table.Name)
	}
	return nil
}
