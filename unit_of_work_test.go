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

package uow_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"github.com/uptrace/bun"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/tomoncle/uow"
	"github.com/tomoncle/uow/errs"
	"github.com/tomoncle/uow/internal/testmodels"
	"github.com/tomoncle/uow/metrics"
	"github.com/tomoncle/uow/repository"
)

type UnitOfWorkSuite struct {
	suite.Suite
	ctx      context.Context
	db       *bun.DB
	metrics  *metrics.Metrics
	recorder *tracetest.SpanRecorder
	uow      *uow.UnitOfWork
}

func TestUnitOfWorkSuite(t *testing.T) {
	suite.Run(t, new(UnitOfWorkSuite))
}

func (s *UnitOfWorkSuite) SetupTest() {
	s.ctx = context.Background()
	s.db = testmodels.OpenSQLite(s.T())
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.recorder = tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(s.recorder))
	s.uow = s.newUnitOfWork(uow.WithTracer(provider.Tracer("test")))
}

func (s *UnitOfWorkSuite) TearDownTest() {
	s.NoError(s.uow.Close())
}

func (s *UnitOfWorkSuite) newUnitOfWork(opts ...uow.Option) *uow.UnitOfWork {
	u, err := uow.New(s.db, append([]uow.Option{uow.WithMetrics(s.metrics)}, opts...)...)
	s.Require().NoError(err)
	return u
}

func (s *UnitOfWorkSuite) sides(u *uow.UnitOfWork) *repository.Repository[testmodels.Side] {
	r, err := uow.GetRepository[testmodels.Side](u)
	s.Require().NoError(err)
	return r
}

func (s *UnitOfWorkSuite) users(u *uow.UnitOfWork) *repository.Repository[testmodels.User] {
	r, err := uow.GetRepository[testmodels.User](u)
	s.Require().NoError(err)
	return r
}

// countSides reads through a fresh unit of work.
func (s *UnitOfWorkSuite) countSides() int {
	u := s.newUnitOfWork()
	defer u.Close()
	n, err := s.sides(u).GetQueryable(repository.ReadOnly()).Count(s.ctx)
	s.Require().NoError(err)
	return n
}

func (s *UnitOfWorkSuite) TestLightAndDark() {
	sides := s.sides(s.uow)
	s.Require().NoError(sides.Insert(s.ctx, &testmodels.Side{Name: "Light"}, &testmodels.Side{Name: "Dark"}))
	s.Require().NoError(s.uow.SaveChanges(s.ctx, false))

	all, err := sides.GetList(s.ctx)
	s.Require().NoError(err)
	s.Len(all, 2)

	light, err := sides.GetList(s.ctx, repository.WithFilter(repository.Where("name = ?", "Light")))
	s.Require().NoError(err)
	s.Require().Len(light, 1)
	s.Equal("Light", light[0].Name)
}

func (s *UnitOfWorkSuite) TestBeginTwiceKeepsFirstTransaction() {
	s.Require().NoError(s.uow.BeginTransaction(s.ctx, sql.LevelDefault))

	err := s.uow.BeginTransaction(s.ctx, sql.LevelDefault)
	s.ErrorIs(err, errs.ErrTransactionAlreadyActive)
	s.True(errs.IsTransactionState(err))
	s.Equal(uow.InTransaction, s.uow.State())

	s.Require().NoError(s.sides(s.uow).Insert(s.ctx, &testmodels.Side{Name: "Light"}))
	s.Require().NoError(s.uow.SaveChanges(s.ctx, false))
	s.Require().NoError(s.uow.CommitTransaction(s.ctx))
	s.Equal(uow.Idle, s.uow.State())
	s.Equal(1, s.countSides())
}

func (s *UnitOfWorkSuite) TestCommitAndRollbackWhileIdle() {
	s.ErrorIs(s.uow.CommitTransaction(s.ctx), errs.ErrNoActiveTransaction)
	s.ErrorIs(s.uow.RollbackTransaction(s.ctx), errs.ErrNoActiveTransaction)
	s.Equal(uow.Idle, s.uow.State())
}

func (s *UnitOfWorkSuite) TestRollbackUndoesEverySaveOfTheTransaction() {
	s.Require().NoError(s.uow.BeginTransaction(s.ctx, sql.LevelReadCommitted))

	light := &testmodels.Side{Name: "Light"}
	s.Require().NoError(s.sides(s.uow).Insert(s.ctx, light))
	s.Require().NoError(s.uow.SaveChanges(s.ctx, false))

	s.Require().NoError(s.users(s.uow).Insert(s.ctx, &testmodels.User{Name: "Luke", SideID: light.ID}))
	s.Require().NoError(s.uow.SaveChanges(s.ctx, false))

	// visible inside the transaction
	n, err := s.sides(s.uow).GetQueryable().Count(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)

	s.Require().NoError(s.uow.RollbackTransaction(s.ctx))
	s.Equal(uow.Idle, s.uow.State())
	s.Zero(s.countSides())

	u := s.newUnitOfWork()
	defer u.Close()
	users, err := s.users(u).GetList(s.ctx)
	s.Require().NoError(err)
	s.Empty(users)

	s.Equal(1.0, testutil.ToFloat64(s.metrics.Transactions.WithLabelValues(metrics.OutcomeRolledBack)))
}

func (s *UnitOfWorkSuite) TestRollbackDiscardsUnsavedOperations() {
	s.Require().NoError(s.uow.BeginTransaction(s.ctx, sql.LevelDefault))
	s.Require().NoError(s.sides(s.uow).Insert(s.ctx, &testmodels.Side{Name: "Light"}))
	s.True(s.uow.HasChanges())

	s.Require().NoError(s.uow.RollbackTransaction(s.ctx))
	s.False(s.uow.HasChanges())
	s.Require().NoError(s.uow.SaveChanges(s.ctx, false))
	s.Zero(s.countSides())
}

func (s *UnitOfWorkSuite) TestInnerSaveInsideTransactionIsRejected() {
	s.Require().NoError(s.uow.BeginTransaction(s.ctx, sql.LevelDefault))
	s.Require().NoError(s.sides(s.uow).Insert(s.ctx, &testmodels.Side{Name: "Light"}))

	err := s.uow.SaveChanges(s.ctx, true)
	s.ErrorIs(err, errs.ErrTransactionAlreadyActive)
	s.True(s.uow.InTransaction())
	s.Len(s.uow.Pending(), 1)

	s.Require().NoError(s.uow.SaveChanges(s.ctx, false))
	s.Require().NoError(s.uow.CommitTransaction(s.ctx))
	s.Equal(1, s.countSides())
}

func (s *UnitOfWorkSuite) TestSaveWhileIdle() {
	for _, inner := range []bool{false, true} {
		s.Require().NoError(s.sides(s.uow).Insert(s.ctx, &testmodels.Side{Name: "Light"}))
		s.Require().NoError(s.uow.SaveChanges(s.ctx, inner))
		s.Equal(uow.Idle, s.uow.State())
		s.False(s.uow.HasChanges())
	}
	s.Equal(2, s.countSides())
	s.Equal(2, testutil.CollectAndCount(s.metrics.Saves))
}

func (s *UnitOfWorkSuite) TestSaveWithNothingStaged() {
	s.NoError(s.uow.SaveChanges(s.ctx, false))
	s.NoError(s.uow.SaveChanges(s.ctx, true))
	s.Equal(uow.Idle, s.uow.State())
}

func (s *UnitOfWorkSuite) TestFailedSaveKeepsStagedOperations() {
	s.Require().NoError(s.users(s.uow).Insert(s.ctx, &testmodels.User{Name: "Orphan", SideID: 42}))

	err := s.uow.SaveChanges(s.ctx, false)
	s.Require().Error(err)
	s.True(errs.IsStorage(err))
	s.True(s.uow.HasChanges())
	s.Equal(uow.Idle, s.uow.State())
}

func (s *UnitOfWorkSuite) TestFailedExplicitSaveCanBeRetried() {
	s.Require().NoError(s.uow.BeginTransaction(s.ctx, sql.LevelDefault))
	sides, users := s.sides(s.uow), s.users(s.uow)

	light := &testmodels.Side{Name: "Light"}
	orphan := &testmodels.User{Name: "Orphan", SideID: 42}
	s.Require().NoError(sides.Insert(s.ctx, light))
	s.Require().NoError(users.Insert(s.ctx, orphan))

	err := s.uow.SaveChanges(s.ctx, false)
	s.Require().Error(err)
	s.True(errs.IsStorage(err))
	s.Equal(uow.InTransaction, s.uow.State())
	s.Len(s.uow.Pending(), 2)

	// the insert that succeeded before the failure is gone too
	n, err := sides.GetQueryable(repository.ReadOnly()).Count(s.ctx)
	s.Require().NoError(err)
	s.Zero(n)

	orphan.SideID = light.ID
	s.Require().NoError(s.uow.SaveChanges(s.ctx, false))
	s.False(s.uow.HasChanges())
	s.Require().NoError(s.uow.CommitTransaction(s.ctx))

	s.Equal(1, s.countSides())
	stored, err := users.GetList(s.ctx, repository.ReadOnly())
	s.Require().NoError(err)
	s.Require().Len(stored, 1)
	s.Equal(light.ID, stored[0].SideID)
}

func (s *UnitOfWorkSuite) TestCancelledSaveWritesNothing() {
	s.Require().NoError(s.sides(s.uow).Insert(s.ctx, &testmodels.Side{Name: "Light"}))

	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	err := s.uow.SaveChanges(ctx, true)
	s.ErrorIs(err, errs.ErrOperationCancelled)
	s.ErrorIs(err, context.Canceled)
	s.Equal(uow.Idle, s.uow.State())
	s.Zero(s.countSides())
}

func (s *UnitOfWorkSuite) TestCancelledBeginOpensNothing() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	s.True(errs.IsCancelled(s.uow.BeginTransaction(ctx, sql.LevelDefault)))
	s.Equal(uow.Idle, s.uow.State())
}

func (s *UnitOfWorkSuite) TestReadOnlyMutationIsNotPersisted() {
	s.Require().NoError(s.sides(s.uow).Insert(s.ctx, &testmodels.Side{Name: "Light"}))
	s.Require().NoError(s.uow.SaveChanges(s.ctx, false))

	u := s.newUnitOfWork()
	defer u.Close()
	rows, err := s.sides(u).GetQueryable(repository.ReadOnly()).All(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(rows, 1)
	rows[0].Name = "Dark"
	s.Require().NoError(u.SaveChanges(s.ctx, false))

	stored, err := s.sides(u).GetList(s.ctx, repository.ReadOnly())
	s.Require().NoError(err)
	s.Equal("Light", stored[0].Name)
}

func (s *UnitOfWorkSuite) TestGetRepository() {
	first, err := uow.GetRepository[testmodels.Side](s.uow)
	s.Require().NoError(err)
	second, err := uow.GetRepository[testmodels.Side](s.uow)
	s.Require().NoError(err)
	s.Same(first, second)
	s.Same(s.uow.Session(), first.Session())

	users, err := uow.GetRepository[testmodels.User](s.uow)
	s.Require().NoError(err)
	s.Same(first.Session(), users.Session())

	_, err = uow.GetRepository[string](s.uow)
	s.ErrorIs(err, errs.ErrUnknownEntity)
}

func (s *UnitOfWorkSuite) TestCloseRollsBackOpenTransaction() {
	u := s.newUnitOfWork()
	s.Require().NoError(u.BeginTransaction(s.ctx, sql.LevelDefault))
	s.Require().NoError(s.sides(u).Insert(s.ctx, &testmodels.Side{Name: "Light"}))
	s.Require().NoError(u.SaveChanges(s.ctx, false))

	s.Require().NoError(u.Close())
	s.NoError(u.Close())
	s.Equal(uow.Idle, u.State())
	s.Zero(s.countSides())
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Transactions.WithLabelValues(metrics.OutcomeAbandoned)))

	_, err := uow.GetRepository[testmodels.Side](u)
	s.ErrorIs(err, errs.ErrSessionClosed)
	s.ErrorIs(u.SaveChanges(s.ctx, false), errs.ErrSessionClosed)
	s.ErrorIs(u.BeginTransaction(s.ctx, sql.LevelDefault), errs.ErrSessionClosed)
}

func (s *UnitOfWorkSuite) TestSpans() {
	s.Require().NoError(s.uow.BeginTransaction(s.ctx, sql.LevelDefault))
	s.Require().NoError(s.sides(s.uow).Insert(s.ctx, &testmodels.Side{Name: "Light"}))
	s.Require().NoError(s.uow.SaveChanges(s.ctx, false))
	s.Require().NoError(s.uow.CommitTransaction(s.ctx))
	s.Error(s.uow.CommitTransaction(s.ctx))

	spans := s.recorder.Ended()
	s.Require().Len(spans, 4)
	names := make([]string, len(spans))
	for i, span := range spans {
		names[i] = span.Name()
	}
	s.Equal([]string{"uow.BeginTransaction", "uow.SaveChanges", "uow.CommitTransaction", "uow.CommitTransaction"}, names)
	s.Equal("Error", spans[3].Status().Code.String())
}
