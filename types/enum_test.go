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

package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type color int

var colors = EnumTable[color]{
	1: {Name: "Red", Desc: "warm"},
	2: {Name: "Blue", Desc: "cold"},
}

func TestEnumTable(t *testing.T) {
	assert.True(t, colors.IsValid(2))
	assert.Equal(t, 2, colors.Number(2))
	assert.Equal(t, "Blue", colors.Name(2))
	assert.Equal(t, "cold", colors.Desc(2))

	assert.False(t, colors.IsValid(7))
	assert.Equal(t, UnknownNumber, colors.Number(7))
	assert.Equal(t, UnknownName, colors.Name(7))
	assert.Equal(t, UnknownName, colors.Desc(7))

	c, ok := colors.Parse("red")
	assert.True(t, ok)
	assert.Equal(t, color(1), c)
	_, ok = colors.Parse("green")
	assert.False(t, ok)
}
