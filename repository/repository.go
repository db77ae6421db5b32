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
	"reflect"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/feature"
	"github.com/uptrace/bun/schema"

	"github.com/tomoncle/uow/errs"
)

// Repository stages writes for one entity type against a Session and reads
// through it. It holds no state besides that binding.
type Repository[T any] struct {
	session *Session
	table   *schema.Table
}

// New binds a repository for T to session. T must be a struct type known to
// Bun.
func New[T any](session *Session) (*Repository[T], error) {
	const op = "repository.New"
	if session == nil {
		return nil, errs.Withf(errs.ErrNilArgument, op, "session is nil")
	}
	typ := reflect.TypeFor[T]()
	if typ.Kind() != reflect.Struct {
		return nil, errs.Withf(errs.ErrUnknownEntity, op, typ.String()+" is not a struct type")
	}
	return &Repository[T]{session: session, table: session.db.Table(typ)}, nil
}

// Session returns the session the repository is bound to.
func (r *Repository[T]) Session() *Session { return r.session }

// Table returns the Bun table metadata of T.
func (r *Repository[T]) Table() *schema.Table { return r.table }

func (r *Repository[T]) rows(op string, entities []*T) ([]*T, error) {
	for _, e := range entities {
		if e == nil {
			return nil, errs.Withf(errs.ErrNilArgument, op, "entity is nil")
		}
	}
	rows := make([]*T, len(entities))
	copy(rows, entities)
	return rows, nil
}

func (r *Repository[T]) stage(ctx context.Context, op string, state EntityState, rows []*T,
	apply func(ctx context.Context, db bun.IDB) error, after func(s *Session)) error {
	if len(rows) == 0 {
		return errs.CheckContext(ctx, op)
	}
	return r.session.stage(ctx, op, stagedOp{
		PendingOperation: PendingOperation{State: state, Table: r.table.Name, Count: len(rows)},
		apply:            apply,
		after:            after,
	})
}

// Insert stages entities to be added on the next save. Generated keys are
// written back into the entities when the save runs.
func (r *Repository[T]) Insert(ctx context.Context, entities ...*T) error {
	const op = "repository.Insert"
	rows, err := r.rows(op, entities)
	if err != nil {
		return err
	}
	return r.stage(ctx, op, StateAdded, rows,
		func(ctx context.Context, db bun.IDB) error {
			_, err := db.NewInsert().Model(&rows).Exec(ctx)
			return err
		},
		func(s *Session) { attachAll(s, r.table, rows) })
}

// Update stages a full-row overwrite of entity, located by primary key. Every
// column is written whether or not it changed.
func (r *Repository[T]) Update(ctx context.Context, entity *T) error {
	const op = "repository.Update"
	rows, err := r.rows(op, []*T{entity})
	if err != nil {
		return err
	}
	return r.stage(ctx, op, StateModified, rows,
		func(ctx context.Context, db bun.IDB) error {
			_, err := db.NewUpdate().Model(entity).WherePK().Exec(ctx)
			return err
		},
		func(s *Session) { attachAll(s, r.table, rows) })
}

// Delete stages entities to be removed, located by primary key.
func (r *Repository[T]) Delete(ctx context.Context, entities ...*T) error {
	const op = "repository.Delete"
	rows, err := r.rows(op, entities)
	if err != nil {
		return err
	}
	return r.stage(ctx, op, StateRemoved, rows,
		func(ctx context.Context, db bun.IDB) error {
			_, err := db.NewDelete().Model(&rows).WherePK().Exec(ctx)
			return err
		},
		func(s *Session) { detachAll(s, r.table, rows) })
}

// BulkInsert is Insert sent in cfg.BatchSize chunks. It is deferred to the
// next save like Insert.
func (r *Repository[T]) BulkInsert(ctx context.Context, cfg BulkConfig, entities ...*T) error {
	const op = "repository.BulkInsert"
	rows, err := r.bulkRows(op, cfg, entities)
	if err != nil {
		return err
	}
	return r.stage(ctx, op, StateAdded, rows,
		r.chunked(cfg, rows, func(ctx context.Context, db bun.IDB, part []*T) error {
			_, err := db.NewInsert().Model(&part).Exec(ctx)
			return err
		}),
		func(s *Session) { attachAll(s, r.table, rows) })
}

// BulkUpdate is a full-row Update of many entities. Dialects able to update
// from a VALUES list get one statement per chunk, others one per row.
func (r *Repository[T]) BulkUpdate(ctx context.Context, cfg BulkConfig, entities ...*T) error {
	const op = "repository.BulkUpdate"
	rows, err := r.bulkRows(op, cfg, entities)
	if err != nil {
		return err
	}
	return r.stage(ctx, op, StateModified, rows,
		r.chunked(cfg, rows, func(ctx context.Context, db bun.IDB, part []*T) error {
			if db.Dialect().Features().Has(feature.CTE | feature.UpdateFromTable) {
				_, err := db.NewUpdate().Model(&part).Bulk().Exec(ctx)
				return err
			}
			for _, entity := range part {
				if _, err := db.NewUpdate().Model(entity).WherePK().Exec(ctx); err != nil {
					return err
				}
			}
			return nil
		}),
		func(s *Session) { attachAll(s, r.table, rows) })
}

// BulkDelete is Delete sent in cfg.BatchSize chunks.
func (r *Repository[T]) BulkDelete(ctx context.Context, cfg BulkConfig, entities ...*T) error {
	const op = "repository.BulkDelete"
	rows, err := r.bulkRows(op, cfg, entities)
	if err != nil {
		return err
	}
	return r.stage(ctx, op, StateRemoved, rows,
		r.chunked(cfg, rows, func(ctx context.Context, db bun.IDB, part []*T) error {
			_, err := db.NewDelete().Model(&part).WherePK().Exec(ctx)
			return err
		}),
		func(s *Session) { detachAll(s, r.table, rows) })
}

func (r *Repository[T]) bulkRows(op string, cfg BulkConfig, entities []*T) ([]*T, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return r.rows(op, entities)
}

func (r *Repository[T]) chunked(cfg BulkConfig, rows []*T,
	fn func(ctx context.Context, db bun.IDB, part []*T) error) func(ctx context.Context, db bun.IDB) error {
	return func(ctx context.Context, db bun.IDB) error {
		for _, part := range chunk(rows, cfg.batchSize()) {
			if err := ctx.Err(); err != nil {
				return err
			}
			stmtCtx, cancel := cfg.statementContext(ctx)
			err := fn(stmtCtx, db, part)
			cancel()
			if err != nil {
				return err
			}
		}
		return nil
	}
}

// GetQueryable returns a lazy query. Options apply include, then tracking,
// then filter, then order, regardless of the order they are passed in.
func (r *Repository[T]) GetQueryable(opts ...QueryOption) *Query[T] {
	q := &Query[T]{repo: r}
	return q.With(opts...)
}

// GetList runs GetQueryable(opts...) and returns the rows in query order.
func (r *Repository[T]) GetList(ctx context.Context, opts ...QueryOption) ([]*T, error) {
	return r.GetQueryable(opts...).All(ctx)
}

// GetSingle returns the only row matching filter, or nil when there is none.
// More than one match is ErrMultipleResults.
func (r *Repository[T]) GetSingle(ctx context.Context, filter QueryFunc, opts ...QueryOption) (*T, error) {
	if filter == nil {
		return nil, errs.Withf(errs.ErrNilArgument, "repository.GetSingle", "filter is required")
	}
	return r.GetQueryable(append(opts, WithFilter(filter))...).Single(ctx)
}

// Find returns the entity with primary key id, or nil. A tracked entity is
// returned without a query unless includes are requested.
func (r *Repository[T]) Find(ctx context.Context, id any, opts ...QueryOption) (*T, error) {
	const op = "repository.Find"
	if id == nil {
		return nil, errs.Withf(errs.ErrNilArgument, op, "id is nil")
	}
	if len(r.table.PKs) != 1 {
		return nil, errs.Withf(errs.ErrUnknownEntity, op, r.table.Name+" has no single-column primary key")
	}
	q := r.GetQueryable(opts...)
	if !q.spec.readOnly && q.spec.include == nil {
		if err := errs.CheckContext(ctx, op); err != nil {
			return nil, err
		}
		key := identityKey{table: r.table.Name, key: fmtKey(id)}
		if tracked, ok := r.session.lookup(key); ok {
			if entity, ok := tracked.(*T); ok {
				return entity, nil
			}
		}
	}
	pk := r.table.PKs[0]
	return q.With(WithFilter(Where("?TableAlias.? = ?", bun.Ident(pk.Name), id))).Single(ctx)
}
