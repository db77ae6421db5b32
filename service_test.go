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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomoncle/uow"
	"github.com/tomoncle/uow/errs"
	"github.com/tomoncle/uow/internal/testmodels"
	"github.com/tomoncle/uow/types"
)

func TestService(t *testing.T) {
	ctx := context.Background()
	svc := uow.NewServiceWithDB[testmodels.Side](testmodels.OpenSQLite(t))

	light := &testmodels.Side{Name: "Light"}
	dark := &testmodels.Side{Name: "Dark"}
	require.NoError(t, svc.Save(ctx, light, dark))
	require.NotZero(t, light.ID)

	got, err := svc.Get(ctx, light.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Light", got.Name)
	assert.NotSame(t, light, got)

	list, err := svc.List(ctx, types.NewQueryFilter("name = ?", "Dark"))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, dark.ID, list[0].ID)

	dark.Name = "Sith"
	require.NoError(t, svc.Update(ctx, dark))
	require.NoError(t, svc.SaveOrUpdate(ctx, []string{"name"}, nil, &testmodels.Side{ID: light.ID, Name: "Jedi"}))

	page, err := svc.Page(ctx, types.NewPageRequestWithOrders(1, 1, []string{"name ASC"}))
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "Jedi", page.Items[0].Name)

	require.NoError(t, svc.Delete(ctx, dark))
	all, err := svc.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Jedi", all[0].Name)

	missing, err := svc.Get(ctx, int64(404))
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestServiceWithoutDatabase(t *testing.T) {
	svc := uow.NewService[testmodels.Side]()
	_, err := svc.All(context.Background())
	assert.ErrorIs(t, err, errs.ErrNilArgument)
}
