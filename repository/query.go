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
	"iter"

	"github.com/uptrace/bun"

	"github.com/tomoncle/uow/errs"
	"github.com/tomoncle/uow/types"
)

// QueryFunc transforms a select query. Filters, orderings and includes are
// all expressed as QueryFuncs.
type QueryFunc func(*bun.SelectQuery) *bun.SelectQuery

// Where returns a filter adding a WHERE condition.
func Where(query string, args ...any) QueryFunc {
	return func(q *bun.SelectQuery) *bun.SelectQuery { return q.Where(query, args...) }
}

// Order returns an ordering such as Order("name ASC", "id DESC").
func Order(orders ...string) QueryFunc {
	return func(q *bun.SelectQuery) *bun.SelectQuery { return q.Order(orders...) }
}

// Relations returns an include that eager-loads the named relations.
func Relations(names ...string) QueryFunc {
	return func(q *bun.SelectQuery) *bun.SelectQuery {
		for _, name := range names {
			q = q.Relation(name)
		}
		return q
	}
}

func compose(first, next QueryFunc) QueryFunc {
	if first == nil {
		return next
	}
	if next == nil {
		return first
	}
	return func(q *bun.SelectQuery) *bun.SelectQuery { return next(first(q)) }
}

type querySpec struct {
	include  QueryFunc
	filter   QueryFunc
	orderBy  QueryFunc
	readOnly bool
}

// QueryOption parameterizes a single query.
type QueryOption func(*querySpec)

// WithFilter adds a filter. Several filters are ANDed in order.
func WithFilter(f QueryFunc) QueryOption {
	return func(s *querySpec) { s.filter = compose(s.filter, f) }
}

// WithQueryFilter adds the WHERE clause described by f.
func WithQueryFilter(f *types.QueryFilter) QueryOption {
	return func(s *querySpec) {
		if f != nil && f.Schema != "" {
			s.filter = compose(s.filter, Where(f.Schema, f.Args...))
		}
	}
}

func WithOrderBy(f QueryFunc) QueryOption {
	return func(s *querySpec) { s.orderBy = compose(s.orderBy, f) }
}

func WithInclude(f QueryFunc) QueryOption {
	return func(s *querySpec) { s.include = compose(s.include, f) }
}

// ReadOnly excludes results from identity tracking: each call returns fresh
// values that the session never sees.
func ReadOnly() QueryOption {
	return func(s *querySpec) { s.readOnly = true }
}

// Query is a lazily evaluated query over one entity type. Nothing is sent to
// the database until a terminal method runs, and every run issues a new
// statement.
type Query[T any] struct {
	repo *Repository[T]
	spec querySpec
}

// With returns a copy of q with more options applied.
func (q *Query[T]) With(opts ...QueryOption) *Query[T] {
	next := &Query[T]{repo: q.repo, spec: q.spec}
	for _, opt := range opts {
		opt(&next.spec)
	}
	return next
}

func (q *Query[T]) ReadOnly() bool { return q.spec.readOnly }

// build applies include, filter and order, in that order.
func (q *Query[T]) build(dest *[]*T, ordered bool) *bun.SelectQuery {
	sq := q.repo.session.IDB().NewSelect().Model(dest)
	if q.spec.include != nil {
		sq = q.spec.include(sq)
	}
	if q.spec.filter != nil {
		sq = q.spec.filter(sq)
	}
	if ordered && q.spec.orderBy != nil {
		sq = q.spec.orderBy(sq)
	}
	return sq
}

func (q *Query[T]) scan(ctx context.Context, op string, sq *bun.SelectQuery, rows *[]*T) error {
	if err := errs.CheckContext(ctx, op); err != nil {
		return err
	}
	if err := q.repo.session.readable(op); err != nil {
		return err
	}
	if err := sq.Scan(ctx); err != nil {
		return errs.Storage(op, err)
	}
	if !q.spec.readOnly {
		track(q.repo.session, q.repo.table, *rows)
	}
	return nil
}

// All materializes the query.
func (q *Query[T]) All(ctx context.Context) ([]*T, error) {
	rows := make([]*T, 0)
	if err := q.scan(ctx, "repository.Query.All", q.build(&rows, true), &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Seq returns a restartable sequence over the query results. Each range over
// it runs the query once; an error is yielded as the last pair.
func (q *Query[T]) Seq(ctx context.Context) iter.Seq2[*T, error] {
	return func(yield func(*T, error) bool) {
		rows, err := q.All(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, row := range rows {
			if !yield(row, nil) {
				return
			}
		}
	}
}

// Single returns the only matching row, nil when none matches, or
// ErrMultipleResults when more than one does.
func (q *Query[T]) Single(ctx context.Context) (*T, error) {
	const op = "repository.Query.Single"
	rows := make([]*T, 0, 2)
	if err := q.scan(ctx, op, q.build(&rows, true).Limit(2), &rows); err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, nil
	case 1:
		return rows[0], nil
	default:
		return nil, errs.With(errs.ErrMultipleResults, op, nil)
	}
}

// Count returns the number of rows matching the filter.
func (q *Query[T]) Count(ctx context.Context) (int, error) {
	const op = "repository.Query.Count"
	if err := errs.CheckContext(ctx, op); err != nil {
		return 0, err
	}
	if err := q.repo.session.readable(op); err != nil {
		return 0, err
	}
	var rows []*T
	n, err := q.build(&rows, false).Count(ctx)
	if err != nil {
		return 0, errs.Storage(op, err)
	}
	return n, nil
}

// Page returns one page of results. The filter and orders of page are
// applied after those of the query.
func (q *Query[T]) Page(ctx context.Context, page *types.PageRequest) (*types.Pagination[T], error) {
	const op = "repository.Query.Page"
	if page == nil {
		return nil, errs.Withf(errs.ErrNilArgument, op, "page request is nil")
	}
	paged := q.With(WithQueryFilter(page.GetFilter()))
	if orders := page.GetOrders(); len(orders) > 0 {
		paged = paged.With(WithOrderBy(Order(orders...)))
	}

	pagination := types.NewDefaultPagination[T](page.GetPage(), page.GetPageSize())
	total, err := paged.Count(ctx)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return pagination, nil
	}

	rows := make([]*T, 0, page.GetPageSize())
	sq := paged.build(&rows, true).Offset(page.GetOffset()).Limit(page.GetPageSize())
	if err := paged.scan(ctx, op, sq, &rows); err != nil {
		return nil, err
	}
	pagination.Total = total
	pagination.Items = rows
	return pagination, nil
}
