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

package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/feature"

	"github.com/tomoncle/uow/errs"
)

// BulkInsertOrUpdate stages an upsert: rows whose conflictKeys already exist
// get fields overwritten, the others are inserted. Empty conflictKeys means
// the primary key.
func (r *Repository[T]) BulkInsertOrUpdate(ctx context.Context, cfg BulkConfig, fields, conflictKeys []string, entities ...*T) error {
	const op = "repository.BulkInsertOrUpdate"
	if len(fields) == 0 {
		return errs.Withf(errs.ErrNilArgument, op, "upsert fields cannot be empty")
	}
	rows, err := r.bulkRows(op, cfg, entities)
	if err != nil {
		return err
	}
	if len(conflictKeys) == 0 {
		for _, pk := range r.table.PKs {
			conflictKeys = append(conflictKeys, pk.Name)
		}
	}
	upsert, ok := upserter[T](r.session.db.Dialect().Features(), fields, conflictKeys)
	if !ok {
		return errs.Withf(errs.ErrUnsupportedDialect, op,
			fmt.Sprintf("dialect %s has no upsert", r.session.db.Dialect().Name()))
	}

	return r.stage(ctx, op, StateAdded, rows,
		r.chunked(cfg, rows, upsert),
		func(s *Session) { attachAll(s, r.table, rows) })
}

// upserter picks the upsert statement for a dialect. It reports false when
// the dialect supports neither ON CONFLICT nor ON DUPLICATE KEY.
func upserter[T any](features feature.Feature, fields, conflictKeys []string) (func(context.Context, bun.IDB, []*T) error, bool) {
	fields = append([]string(nil), fields...)
	conflictKeys = append([]string(nil), conflictKeys...)
	switch {
	case features.Has(feature.InsertOnConflict):
		return func(ctx context.Context, db bun.IDB, rows []*T) error {
			return upsertOnConflict(ctx, db, fields, conflictKeys, rows)
		}, true
	case features.Has(feature.InsertOnDuplicateKey):
		return func(ctx context.Context, db bun.IDB, rows []*T) error {
			return upsertOnDuplicateKey(ctx, db, fields, rows)
		}, true
	default:
		return nil, false
	}
}

func upsertOnConflict[T any](ctx context.Context, db bun.IDB, fields, conflictKeys []string, rows []*T) error {
	q := db.NewInsert().
		Model(&rows).
		On("CONFLICT (" + strings.Join(conflictKeys, ", ") + ") DO UPDATE")
	for _, field := range fields {
		q = q.Set("? = EXCLUDED.?", bun.Ident(field), bun.Ident(field))
	}
	_, err := q.Exec(ctx)
	return err
}

func upsertOnDuplicateKey[T any](ctx context.Context, db bun.IDB, fields []string, rows []*T) error {
	q := db.NewInsert().
		Model(&rows).
		On("DUPLICATE KEY UPDATE")
	for _, field := range fields {
		q = q.Set("? = VALUES(?)", bun.Ident(field), bun.Ident(field))
	}
	_, err := q.Exec(ctx)
	return err
}
