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
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tomoncle/uow/errs"
)

// DefaultBatchSize is the chunk size of bulk operations when BulkConfig does
// not set one.
const DefaultBatchSize = 2000

var validate = validator.New(validator.WithRequiredStructEnabled())

// BulkConfig tunes bulk operations. Zero values select the defaults.
type BulkConfig struct {
	// BatchSize is the number of rows sent per statement.
	BatchSize int `json:"batch_size" yaml:"batch_size" validate:"gte=0"`
	// Timeout bounds each statement. Zero means no bound beyond the caller's ctx.
	Timeout time.Duration `json:"timeout" yaml:"timeout" validate:"gte=0"`
}

// Validate checks the config fields.
func (c BulkConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errs.With(errs.ErrInvalidConfig, "repository.BulkConfig.Validate", err)
	}
	return nil
}

func (c BulkConfig) batchSize() int {
	if c.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return c.BatchSize
}

func (c BulkConfig) statementContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.Timeout)
}

func chunk[T any](rows []*T, size int) [][]*T {
	if len(rows) == 0 {
		return nil
	}
	chunks := make([][]*T, 0, (len(rows)+size-1)/size)
	for start := 0; start < len(rows); start += size {
		end := min(start+size, len(rows))
		chunks = append(chunks, rows[start:end])
	}
	return chunks
}
