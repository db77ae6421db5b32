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
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"

	"github.com/tomoncle/uow"
	"github.com/tomoncle/uow/errs"
	"github.com/tomoncle/uow/internal/testmodels"
	"github.com/tomoncle/uow/metrics"
)

var (
	insertSides       = regexp.QuoteMeta("INSERT INTO `sides`")
	insertUsers       = regexp.QuoteMeta("INSERT INTO `users`")
	savepoint         = "^SAVEPOINT SP_"
	releaseSavepoint  = "^RELEASE SAVEPOINT SP_"
	rollbackSavepoint = "^ROLLBACK TO SAVEPOINT SP_"
)

func newMockUnitOfWork(t *testing.T) (*uow.UnitOfWork, sqlmock.Sqlmock, *metrics.Metrics) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := bun.NewDB(sqlDB, mysqldialect.New())
	t.Cleanup(func() { _ = db.Close() })

	m := metrics.New(prometheus.NewRegistry())
	u, err := uow.New(db, uow.WithMetrics(m))
	require.NoError(t, err)
	t.Cleanup(func() { _ = u.Close() })
	return u, mock, m
}

func TestImplicitSaveRollsBackOnStorageError(t *testing.T) {
	ctx := context.Background()
	u, mock, _ := newMockUnitOfWork(t)

	mock.ExpectBegin()
	mock.ExpectExec(insertSides).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	sides, err := uow.GetRepository[testmodels.Side](u)
	require.NoError(t, err)
	require.NoError(t, sides.Insert(ctx, &testmodels.Side{Name: "Light"}))

	err = u.SaveChanges(ctx, false)
	require.Error(t, err)
	assert.True(t, errs.IsStorage(err))
	assert.True(t, u.HasChanges(), "a failed save keeps the staged operations")
	assert.Equal(t, uow.Idle, u.State())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInnerSaveUsesIsolationLevel(t *testing.T) {
	ctx := context.Background()
	u, mock, m := newMockUnitOfWork(t)

	mock.ExpectBegin()
	mock.ExpectExec(insertSides).WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectCommit()

	sides, err := uow.GetRepository[testmodels.Side](u)
	require.NoError(t, err)
	side := &testmodels.Side{Name: "Light"}
	require.NoError(t, sides.Insert(ctx, side))

	require.NoError(t, u.SaveChanges(ctx, true))
	assert.Equal(t, int64(7), side.ID)
	assert.False(t, u.HasChanges())
	assert.Equal(t, 1, testutil.CollectAndCount(m.Saves))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitFailureReturnsToIdle(t *testing.T) {
	ctx := context.Background()
	u, mock, m := newMockUnitOfWork(t)

	mock.ExpectBegin()
	mock.ExpectExec(savepoint).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(insertSides).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(releaseSavepoint).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit().WillReturnError(errors.New("deadlock found"))

	require.NoError(t, u.BeginTransaction(ctx, sql.LevelDefault))
	sides, err := uow.GetRepository[testmodels.Side](u)
	require.NoError(t, err)
	require.NoError(t, sides.Insert(ctx, &testmodels.Side{Name: "Light"}))
	require.NoError(t, u.SaveChanges(ctx, false))

	err = u.CommitTransaction(ctx)
	require.Error(t, err)
	assert.True(t, errs.IsStorage(err))
	assert.Equal(t, uow.Idle, u.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transactions.WithLabelValues(metrics.OutcomeFailed)))

	// the failed transaction is gone, a new one can start
	mock.ExpectBegin()
	mock.ExpectRollback()
	require.NoError(t, u.BeginTransaction(ctx, sql.LevelDefault))
	require.NoError(t, u.RollbackTransaction(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExplicitSaveFailureKeepsTransactionOpen(t *testing.T) {
	ctx := context.Background()
	u, mock, _ := newMockUnitOfWork(t)

	mock.ExpectBegin()
	mock.ExpectExec(savepoint).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(insertSides).WillReturnError(errors.New("duplicate entry"))
	mock.ExpectExec(rollbackSavepoint).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	require.NoError(t, u.BeginTransaction(ctx, sql.LevelSerializable))
	sides, err := uow.GetRepository[testmodels.Side](u)
	require.NoError(t, err)
	require.NoError(t, sides.Insert(ctx, &testmodels.Side{Name: "Light"}))

	require.Error(t, u.SaveChanges(ctx, false))
	assert.Equal(t, uow.InTransaction, u.State())
	assert.True(t, u.HasChanges())

	require.NoError(t, u.RollbackTransaction(ctx))
	assert.False(t, u.HasChanges())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginFailureLeavesIdle(t *testing.T) {
	ctx := context.Background()
	u, mock, _ := newMockUnitOfWork(t)

	mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

	err := u.BeginTransaction(ctx, sql.LevelDefault)
	require.Error(t, err)
	assert.True(t, errs.IsStorage(err))
	assert.Equal(t, uow.Idle, u.State())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExplicitSaveRetryReplaysEveryOperation(t *testing.T) {
	ctx := context.Background()
	u, mock, _ := newMockUnitOfWork(t)

	mock.ExpectBegin()
	mock.ExpectExec(savepoint).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(insertSides).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(insertUsers).WillReturnError(errors.New("foreign key constraint fails"))
	mock.ExpectExec(rollbackSavepoint).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(savepoint).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(insertSides).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(insertUsers).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(releaseSavepoint).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, u.BeginTransaction(ctx, sql.LevelDefault))
	sides, err := uow.GetRepository[testmodels.Side](u)
	require.NoError(t, err)
	users, err := uow.GetRepository[testmodels.User](u)
	require.NoError(t, err)
	light := &testmodels.Side{Name: "Light"}
	orphan := &testmodels.User{Name: "Orphan", SideID: 42}
	require.NoError(t, sides.Insert(ctx, light))
	require.NoError(t, users.Insert(ctx, orphan))

	require.Error(t, u.SaveChanges(ctx, false))
	assert.Len(t, u.Pending(), 2)

	orphan.SideID = light.ID
	require.NoError(t, u.SaveChanges(ctx, false))
	assert.False(t, u.HasChanges())
	require.NoError(t, u.CommitTransaction(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}
