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

package uow

import (
	"context"

	"github.com/uptrace/bun"

	"github.com/tomoncle/uow/database"
	"github.com/tomoncle/uow/repository"
	"github.com/tomoncle/uow/types"
)

// Service runs one-shot operations on a single entity type. Every call uses
// a unit of work of its own; writes are saved before the call returns.
type Service[T any] interface {
	// Get returns the entity with the given primary key, or nil.
	Get(ctx context.Context, id any) (*T, error)

	// All returns all entities.
	All(ctx context.Context) ([]*T, error)

	// List returns entities that match the provided filter.
	List(ctx context.Context, filter *types.QueryFilter) ([]*T, error)

	// Page returns a paginated list of entities.
	Page(ctx context.Context, page *types.PageRequest) (*types.Pagination[T], error)

	// Save inserts one or more new entities.
	Save(ctx context.Context, model ...*T) error

	// SaveOrUpdate upserts entities, overwriting fields on conflictKeys.
	SaveOrUpdate(ctx context.Context, fields []string, conflictKeys []string, model ...*T) error

	// Update overwrites an existing entity.
	Update(ctx context.Context, model *T) error

	// Delete removes entities by primary key.
	Delete(ctx context.Context, model ...*T) error
}

type baseServiceImpl[T any] struct {
	db   func() *bun.DB
	opts []Option
}

// NewService returns a Service over the global database set up by
// database.InitDB.
func NewService[T any](opts ...Option) Service[T] {
	return &baseServiceImpl[T]{db: database.GetDB, opts: opts}
}

// NewServiceWithDB returns a Service over db.
func NewServiceWithDB[T any](db *bun.DB, opts ...Option) Service[T] {
	return &baseServiceImpl[T]{db: func() *bun.DB { return db }, opts: opts}
}

func (s *baseServiceImpl[T]) run(ctx context.Context, save bool, fn func(repo *repository.Repository[T]) error) error {
	u, err := New(s.db(), s.opts...)
	if err != nil {
		return err
	}
	defer func() { _ = u.Close() }()

	repo, err := GetRepository[T](u)
	if err != nil {
		return err
	}
	if err := fn(repo); err != nil {
		return err
	}
	if save {
		return u.SaveChanges(ctx, false)
	}
	return nil
}

func (s *baseServiceImpl[T]) Get(ctx context.Context, id any) (entity *T, err error) {
	err = s.run(ctx, false, func(repo *repository.Repository[T]) error {
		entity, err = repo.Find(ctx, id, repository.ReadOnly())
		return err
	})
	return entity, err
}

func (s *baseServiceImpl[T]) All(ctx context.Context) (entities []*T, err error) {
	err = s.run(ctx, false, func(repo *repository.Repository[T]) error {
		entities, err = repo.GetList(ctx, repository.ReadOnly())
		return err
	})
	return entities, err
}

func (s *baseServiceImpl[T]) List(ctx context.Context, filter *types.QueryFilter) (entities []*T, err error) {
	err = s.run(ctx, false, func(repo *repository.Repository[T]) error {
		entities, err = repo.GetList(ctx, repository.ReadOnly(), repository.WithQueryFilter(filter))
		return err
	})
	return entities, err
}

func (s *baseServiceImpl[T]) Page(ctx context.Context, page *types.PageRequest) (result *types.Pagination[T], err error) {
	err = s.run(ctx, false, func(repo *repository.Repository[T]) error {
		result, err = repo.GetQueryable(repository.ReadOnly()).Page(ctx, page)
		return err
	})
	return result, err
}

func (s *baseServiceImpl[T]) Save(ctx context.Context, model ...*T) error {
	return s.run(ctx, true, func(repo *repository.Repository[T]) error {
		return repo.Insert(ctx, model...)
	})
}

func (s *baseServiceImpl[T]) SaveOrUpdate(ctx context.Context, fields []string, conflictKeys []string, model ...*T) error {
	return s.run(ctx, true, func(repo *repository.Repository[T]) error {
		return repo.BulkInsertOrUpdate(ctx, repository.BulkConfig{}, fields, conflictKeys, model...)
	})
}

func (s *baseServiceImpl[T]) Update(ctx context.Context, model *T) error {
	return s.run(ctx, true, func(repo *repository.Repository[T]) error {
		return repo.Update(ctx, model)
	})
}

func (s *baseServiceImpl[T]) Delete(ctx context.Context, model ...*T) error {
	return s.run(ctx, true, func(repo *repository.Repository[T]) error {
		return repo.Delete(ctx, model...)
	})
}
