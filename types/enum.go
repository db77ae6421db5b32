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
	"fmt"
	"strings"
)

// Reported by an EnumTable for values it does not define.
const (
	UnknownNumber = -1
	UnknownName   = "unknown"
)

// Enum is implemented by the enumerations of this module, such as the state
// of a staged repository operation.
type Enum interface {
	fmt.Stringer
	IsValid() bool
	Number() int
	Name() string
	Desc() string
}

// EnumMember names one value of an enumeration.
type EnumMember struct {
	Name string
	Desc string
}

// EnumTable maps the values of an integer enumeration to their members.
type EnumTable[E ~int] map[E]EnumMember

func (t EnumTable[E]) IsValid(v E) bool {
	_, ok := t[v]
	return ok
}

func (t EnumTable[E]) Number(v E) int {
	if !t.IsValid(v) {
		return UnknownNumber
	}
	return int(v)
}

func (t EnumTable[E]) Name(v E) string {
	if m, ok := t[v]; ok {
		return m.Name
	}
	return UnknownName
}

func (t EnumTable[E]) Desc(v E) string {
	if m, ok := t[v]; ok {
		return m.Desc
	}
	return UnknownName
}

// Parse returns the value whose name matches name, ignoring case.
func (t EnumTable[E]) Parse(name string) (E, bool) {
	name = strings.TrimSpace(name)
	for v, m := range t {
		if strings.EqualFold(m.Name, name) {
			return v, true
		}
	}
	return 0, false
}
