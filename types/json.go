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
	"database/sql/driver"
	"fmt"

	"github.com/goccy/go-json"
)

// JsonObject maps a JSON column holding an object.
type JsonObject map[string]any

// JsonArray maps a JSON column holding an array of objects.
type JsonArray []JsonObject

func (j JsonObject) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return marshalColumn(j)
}

// Scan accepts the text or blob forms drivers return for JSON columns. NULL
// yields an empty object.
func (j *JsonObject) Scan(value any) error {
	*j = make(JsonObject)
	return unmarshalColumn(value, j)
}

func (j JsonArray) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return marshalColumn(j)
}

func (j *JsonArray) Scan(value any) error {
	*j = make(JsonArray, 0)
	return unmarshalColumn(value, j)
}

func marshalColumn(v any) (driver.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalColumn(value any, dest any) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("cannot scan %T into a JSON column", value)
	}
}
