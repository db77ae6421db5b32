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
	"database/sql"
	"reflect"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tomoncle/uow/errs"
	"github.com/tomoncle/uow/metrics"
	"github.com/tomoncle/uow/repository"
	"github.com/tomoncle/uow/utils"
)

const tracerName = "github.com/tomoncle/uow"

// Logger is the structured logger used by the unit of work.
type Logger = utils.Logger

// State is the transaction state of a UnitOfWork.
type State int

const (
	Idle State = iota
	InTransaction
)

func (s State) String() string {
	if s == InTransaction {
		return "InTransaction"
	}
	return "Idle"
}

// UnitOfWork owns one Session, hands out repositories bound to it and
// drives its transaction. It serves a single logical operation and is not
// safe for concurrent use.
type UnitOfWork struct {
	session   *repository.Session
	repos     map[reflect.Type]any
	isolation sql.IsolationLevel
	logger    Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	closed    bool
}

type Option func(*UnitOfWork)

func WithLogger(logger Logger) Option {
	return func(u *UnitOfWork) {
		if logger != nil {
			u.logger = logger
		}
	}
}

// WithMetrics records transactions and saves in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(u *UnitOfWork) { u.metrics = m }
}

// WithTracer replaces the global OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(u *UnitOfWork) {
		if tracer != nil {
			u.tracer = tracer
		}
	}
}

// WithInnerIsolation sets the isolation level of the transactions created by
// SaveChanges(ctx, true). The default is ReadCommitted.
func WithInnerIsolation(level sql.IsolationLevel) Option {
	return func(u *UnitOfWork) { u.isolation = level }
}

// New creates a unit of work over db. The pool stays owned by the caller and
// is not closed by Close.
func New(db *bun.DB, opts ...Option) (*UnitOfWork, error) {
	u := &UnitOfWork{
		repos:     make(map[reflect.Type]any),
		isolation: sql.LevelReadCommitted,
		logger:    utils.Named("UOW"),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(u)
	}
	session, err := repository.NewSession(db, u.logger)
	if err != nil {
		return nil, err
	}
	u.session = session
	return u, nil
}

// GetRepository returns the repository of T bound to the session of u. The
// same instance is returned for every call with the same T. A T that is not
// a struct type yields ErrUnknownEntity.
func GetRepository[T any](u *UnitOfWork) (*repository.Repository[T], error) {
	const op = "uow.GetRepository"
	if u == nil {
		return nil, errs.Withf(errs.ErrNilArgument, op, "unit of work is nil")
	}
	if u.closed {
		return nil, errs.With(errs.ErrSessionClosed, op, nil)
	}
	typ := reflect.TypeFor[T]()
	if repo, ok := u.repos[typ]; ok {
		return repo.(*repository.Repository[T]), nil
	}
	repo, err := repository.New[T](u.session)
	if err != nil {
		return nil, err
	}
	u.repos[typ] = repo
	return repo, nil
}

// Session exposes the shared session, e.g. to run raw queries through the
// open transaction with Session().IDB().
func (u *UnitOfWork) Session() *repository.Session { return u.session }

func (u *UnitOfWork) State() State {
	if u.session.InTransaction() {
		return InTransaction
	}
	return Idle
}

func (u *UnitOfWork) InTransaction() bool { return u.session.InTransaction() }

// HasChanges reports whether operations are staged and not yet saved.
func (u *UnitOfWork) HasChanges() bool { return u.session.HasChanges() }

func (u *UnitOfWork) Pending() []repository.PendingOperation { return u.session.Pending() }

// BeginTransaction moves u from Idle to InTransaction. sql.LevelDefault
// selects ReadCommitted.
func (u *UnitOfWork) BeginTransaction(ctx context.Context, level sql.IsolationLevel) (err error) {
	const op = "uow.BeginTransaction"
	ctx, span := u.tracer.Start(ctx, op)
	defer func() { endSpan(span, err) }()

	if u.closed {
		return errs.With(errs.ErrSessionClosed, op, nil)
	}
	opts := u.txOptions(level)
	span.SetAttributes(attribute.String("db.isolation_level", opts.Isolation.String()))
	if err = u.session.Begin(ctx, opts); err != nil {
		return err
	}
	u.logger.Debug("Transaction started", "isolation", opts.Isolation.String())
	return nil
}

// CommitTransaction commits the open transaction and returns u to Idle.
func (u *UnitOfWork) CommitTransaction(ctx context.Context) (err error) {
	const op = "uow.CommitTransaction"
	ctx, span := u.tracer.Start(ctx, op)
	defer func() { endSpan(span, err) }()

	if u.closed {
		return errs.With(errs.ErrSessionClosed, op, nil)
	}
	if err = u.session.Commit(ctx); err != nil {
		if errs.IsStorage(err) {
			u.metrics.Transaction(metrics.OutcomeFailed)
			u.logger.Error("Transaction commit failed", "error", err)
		}
		return err
	}
	u.metrics.Transaction(metrics.OutcomeCommitted)
	u.logger.Debug("Transaction committed")
	return nil
}

// RollbackTransaction aborts the open transaction, discards staged
// operations and returns u to Idle.
func (u *UnitOfWork) RollbackTransaction(ctx context.Context) (err error) {
	const op = "uow.RollbackTransaction"
	ctx, span := u.tracer.Start(ctx, op)
	defer func() { endSpan(span, err) }()

	if u.closed {
		return errs.With(errs.ErrSessionClosed, op, nil)
	}
	if err = u.session.Rollback(ctx); err != nil {
		return err
	}
	u.metrics.Transaction(metrics.OutcomeRolledBack)
	u.logger.Debug("Transaction rolled back")
	return nil
}

// SaveChanges applies the staged operations.
//
// In an explicit transaction they run through it and become durable on
// CommitTransaction; createInnerTransaction must then be false, otherwise
// ErrTransactionAlreadyActive is returned and nothing is touched. When Idle,
// they run in a transaction of their own, committed before SaveChanges
// returns and rolled back on failure. createInnerTransaction selects the
// isolation level set by WithInnerIsolation for that transaction.
//
// On failure the staged operations are kept.
func (u *UnitOfWork) SaveChanges(ctx context.Context, createInnerTransaction bool) (err error) {
	const op = "uow.SaveChanges"
	mode := "implicit"
	switch {
	case u.session.InTransaction():
		mode = "explicit"
	case createInnerTransaction:
		mode = "inner"
	}

	ctx, span := u.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("uow.save_mode", mode),
		attribute.Int("uow.pending", len(u.session.Pending())),
	))
	start := time.Now()
	defer func() {
		u.metrics.ObserveSave(mode, start, err)
		endSpan(span, err)
	}()

	if u.closed {
		return errs.With(errs.ErrSessionClosed, op, nil)
	}
	if u.session.InTransaction() && createInnerTransaction {
		return errs.Withf(errs.ErrTransactionAlreadyActive, op, "an inner transaction cannot be created inside an explicit transaction")
	}
	if err = errs.CheckContext(ctx, op); err != nil {
		return err
	}
	if !u.session.HasChanges() {
		return nil
	}

	switch mode {
	case "explicit":
		err = u.session.Flush(ctx)
	case "inner":
		err = u.session.FlushInTx(ctx, u.txOptions(u.isolation))
	default:
		err = u.session.FlushInTx(ctx, nil)
	}
	if err != nil {
		return err
	}
	u.logger.Debug("Changes saved", "mode", mode)
	return nil
}

// Close releases the session. An open transaction is rolled back, never
// committed. Calling Close again is a no-op.
func (u *UnitOfWork) Close() error {
	if u.closed {
		return nil
	}
	u.closed = true
	if u.session.InTransaction() {
		u.metrics.Transaction(metrics.OutcomeAbandoned)
	}
	clear(u.repos)
	return u.session.Close()
}

func (u *UnitOfWork) txOptions(level sql.IsolationLevel) *sql.TxOptions {
	if level == sql.LevelDefault {
		level = sql.LevelReadCommitted
	}
	// SQLite transactions are always serializable and the drivers reject
	// explicit levels.
	if u.session.DB().Dialect().Name() == dialect.SQLite {
		level = sql.LevelDefault
	}
	return &sql.TxOptions{Isolation: level}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
