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
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/schema"

	"github.com/tomoncle/uow/errs"
	"github.com/tomoncle/uow/types"
	"github.com/tomoncle/uow/utils"
)

// Logger is the structured logger used by sessions and repositories.
type Logger = utils.Logger

// EntityState tags a staged operation.
type EntityState int

const (
	StateAdded EntityState = iota + 1
	StateModified
	StateRemoved
)

var _ types.Enum = StateAdded

var entityStates = types.EnumTable[EntityState]{
	StateAdded:    {Name: "Added", Desc: "row inserted on save"},
	StateModified: {Name: "Modified", Desc: "row overwritten on save"},
	StateRemoved:  {Name: "Removed", Desc: "row deleted on save"},
}

// ParseEntityState returns the state named name, ignoring case.
func ParseEntityState(name string) (EntityState, bool) { return entityStates.Parse(name) }

func (s EntityState) IsValid() bool  { return entityStates.IsValid(s) }
func (s EntityState) Number() int    { return entityStates.Number(s) }
func (s EntityState) Name() string   { return entityStates.Name(s) }
func (s EntityState) Desc() string   { return entityStates.Desc(s) }
func (s EntityState) String() string { return entityStates.Name(s) }

// PendingOperation describes one staged operation.
type PendingOperation struct {
	State EntityState
	Table string
	Count int
}

type stagedOp struct {
	PendingOperation
	apply func(ctx context.Context, db bun.IDB) error
	// after runs once the flush that carried the operation succeeded
	after func(s *Session)
}

type identityKey struct {
	table string
	key   string
}

// Session is the database scope shared by every repository of one unit of
// work: the connection pool, the optional open transaction, the log of staged
// operations and the identity map of tracked entities.
//
// A Session is not safe for concurrent use.
type Session struct {
	db       *bun.DB
	tx       *bun.Tx
	pending  []stagedOp
	identity map[identityKey]any
	closed   bool
	logger   Logger
}

// NewSession binds a session to db. A nil logger means the REPOSITORY logger.
func NewSession(db *bun.DB, logger Logger) (*Session, error) {
	if db == nil {
		return nil, errs.Withf(errs.ErrNilArgument, "repository.NewSession", "db is nil")
	}
	if logger == nil {
		logger = utils.Named("REPOSITORY")
	}
	return &Session{
		db:       db,
		identity: make(map[identityKey]any),
		logger:   logger,
	}, nil
}

// DB returns the connection pool the session was created with.
func (s *Session) DB() *bun.DB { return s.db }

// IDB returns the open transaction, or the pool when there is none. Every
// statement issued on behalf of the session goes through it.
func (s *Session) IDB() bun.IDB {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

func (s *Session) InTransaction() bool { return s.tx != nil }

func (s *Session) Closed() bool { return s.closed }

// Begin opens a transaction. The transaction lives until Commit or Rollback;
// cancelling ctx after Begin returns does not abort it.
func (s *Session) Begin(ctx context.Context, opts *sql.TxOptions) error {
	const op = "repository.Session.Begin"
	if s.closed {
		return errs.With(errs.ErrSessionClosed, op, nil)
	}
	if s.tx != nil {
		return errs.With(errs.ErrTransactionAlreadyActive, op, nil)
	}
	if err := errs.CheckContext(ctx, op); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(context.WithoutCancel(ctx), opts)
	if err != nil {
		return errs.Storage(op, err)
	}
	s.tx = &tx
	return nil
}

// Commit commits the open transaction. The transaction is released whether
// or not the commit succeeds.
func (s *Session) Commit(ctx context.Context) error {
	const op = "repository.Session.Commit"
	if s.tx == nil {
		return errs.With(errs.ErrNoActiveTransaction, op, nil)
	}
	if err := errs.CheckContext(ctx, op); err != nil {
		return err
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Commit(); err != nil {
		s.clearIdentity()
		return errs.Storage(op, err)
	}
	return nil
}

// Rollback aborts the open transaction and discards staged operations and
// tracked entities.
func (s *Session) Rollback(ctx context.Context) error {
	const op = "repository.Session.Rollback"
	if s.tx == nil {
		return errs.With(errs.ErrNoActiveTransaction, op, nil)
	}
	if err := errs.CheckContext(ctx, op); err != nil {
		return err
	}
	return s.rollback(op)
}

func (s *Session) rollback(op string) error {
	tx := s.tx
	s.tx = nil
	s.pending = nil
	s.clearIdentity()
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return errs.Storage(op, err)
	}
	return nil
}

// Flush applies the staged operations, in staging order, through the open
// transaction under a savepoint. A failed flush rolls back to the savepoint,
// leaving the transaction as it was before the call, and keeps the log so
// that the caller can retry or discard it. With no open transaction Flush is
// FlushInTx with driver defaults.
func (s *Session) Flush(ctx context.Context) error {
	const op = "repository.Session.Flush"
	if s.closed {
		return errs.With(errs.ErrSessionClosed, op, nil)
	}
	if s.tx == nil {
		return s.FlushInTx(ctx, nil)
	}
	if err := errs.CheckContext(ctx, op); err != nil {
		return err
	}
	// the savepoint must stay releasable after ctx is cancelled
	sp, err := s.tx.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return errs.Storage(op, err)
	}
	if err := s.apply(ctx, op, sp); err != nil {
		if rbErr := sp.Rollback(); rbErr != nil {
			s.logger.Error("Rollback to savepoint failed", "error", rbErr)
			return errs.Storage(op, errors.Join(err, rbErr))
		}
		return err
	}
	if err := sp.Commit(); err != nil {
		return errs.Storage(op, err)
	}
	s.settle()
	return nil
}

// FlushInTx applies the staged operations inside a transaction of their own,
// rolled back on any failure.
func (s *Session) FlushInTx(ctx context.Context, opts *sql.TxOptions) error {
	const op = "repository.Session.FlushInTx"
	if s.closed {
		return errs.With(errs.ErrSessionClosed, op, nil)
	}
	if s.tx != nil {
		return errs.With(errs.ErrTransactionAlreadyActive, op, nil)
	}
	if err := errs.CheckContext(ctx, op); err != nil {
		return err
	}
	err := s.db.RunInTx(ctx, opts, func(ctx context.Context, tx bun.Tx) error {
		return s.apply(ctx, op, tx)
	})
	if err != nil {
		return errs.Storage(op, err)
	}
	s.settle()
	return nil
}

func (s *Session) apply(ctx context.Context, op string, db bun.IDB) error {
	for _, staged := range s.pending {
		if err := errs.CheckContext(ctx, op); err != nil {
			return err
		}
		if err := staged.apply(ctx, db); err != nil {
			s.logger.Error("Flush failed", "state", staged.State, "table", staged.Table, "error", err)
			return errs.Storage(op, err)
		}
	}
	return nil
}

func (s *Session) settle() {
	done := s.pending
	s.pending = nil
	for _, staged := range done {
		if staged.after != nil {
			staged.after(s)
		}
	}
}

// Discard drops the staged operations without touching the database.
func (s *Session) Discard() { s.pending = nil }

// Pending returns a snapshot of the staged operations.
func (s *Session) Pending() []PendingOperation {
	out := make([]PendingOperation, len(s.pending))
	for i, staged := range s.pending {
		out[i] = staged.PendingOperation
	}
	return out
}

func (s *Session) HasChanges() bool { return len(s.pending) > 0 }

// Close rolls back an open transaction, drops the staged operations and the
// identity map and marks the session unusable. Calling it again is a no-op.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	var err error
	if s.tx != nil {
		s.logger.Warn("Closing session with an open transaction, rolling back")
		err = s.rollback("repository.Session.Close")
	}
	s.pending = nil
	s.clearIdentity()
	s.closed = true
	return err
}

func (s *Session) stage(ctx context.Context, op string, staged stagedOp) error {
	if s.closed {
		return errs.With(errs.ErrSessionClosed, op, nil)
	}
	if err := errs.CheckContext(ctx, op); err != nil {
		return err
	}
	s.pending = append(s.pending, staged)
	return nil
}

func (s *Session) readable(op string) error {
	if s.closed {
		return errs.With(errs.ErrSessionClosed, op, nil)
	}
	return nil
}

func (s *Session) clearIdentity() {
	clear(s.identity)
}

func (s *Session) lookup(key identityKey) (any, bool) {
	v, ok := s.identity[key]
	return v, ok
}

func (s *Session) attach(key identityKey, entity any) {
	s.identity[key] = entity
}

func (s *Session) detach(key identityKey) {
	delete(s.identity, key)
}

// identityOf builds the identity map key of a struct value. Rows whose
// primary key is unset cannot be tracked.
func identityOf(table *schema.Table, strct reflect.Value) (identityKey, bool) {
	if len(table.PKs) == 0 {
		return identityKey{}, false
	}
	parts := make([]string, len(table.PKs))
	for i, pk := range table.PKs {
		v := strct.FieldByIndex(pk.Index)
		if v.IsZero() {
			return identityKey{}, false
		}
		parts[i] = fmtKey(v.Interface())
	}
	return identityKey{table: table.Name, key: strings.Join(parts, "\x00")}, true
}

// track attaches freshly loaded rows, replacing each row already tracked by
// the tracked pointer. Loaded relations are copied onto the tracked entity.
func track[T any](s *Session, table *schema.Table, rows []*T) {
	for i, row := range rows {
		if row == nil {
			continue
		}
		v := reflect.ValueOf(row).Elem()
		key, ok := identityOf(table, v)
		if !ok {
			continue
		}
		if existing, ok := s.lookup(key); ok {
			if tracked, ok := existing.(*T); ok && tracked != row {
				mergeRelations(reflect.ValueOf(tracked).Elem(), v)
				rows[i] = tracked
				continue
			}
		}
		s.attach(key, row)
	}
}

func fmtKey(v any) string { return fmt.Sprint(v) }

func attachAll[T any](s *Session, table *schema.Table, rows []*T) {
	for _, row := range rows {
		if key, ok := identityOf(table, reflect.ValueOf(row).Elem()); ok {
			s.attach(key, row)
		}
	}
}

func detachAll[T any](s *Session, table *schema.Table, rows []*T) {
	for _, row := range rows {
		if key, ok := identityOf(table, reflect.ValueOf(row).Elem()); ok {
			s.detach(key)
		}
	}
}

func mergeRelations(dst, src reflect.Value) {
	t := dst.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("bun")
		if !strings.Contains(tag, "rel:") && !strings.Contains(tag, "m2m:") {
			continue
		}
		if v := src.Field(i); !v.IsZero() {
			dst.Field(i).Set(v)
		}
	}
}
