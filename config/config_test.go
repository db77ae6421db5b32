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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomoncle/uow/errs"
)

const sample = `
database:
  connection:
    type: sqlite3
    dbname: app
    max_open_conns: 4
    slow_query_time: 500ms
  schema:
    auto_bootstrap: true
cache:
  provider: redis
  redis:
    url: redis://localhost:6379/1
    absolute_expiration: 1h
log:
  level: debug
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	conn := cfg.Database.ConnectionConfig
	assert.Equal(t, "sqlite", conn.Type)
	assert.Equal(t, 4, conn.MaxOpenConns)
	assert.Equal(t, 10, conn.MaxIdleConns)
	assert.Equal(t, 500*time.Millisecond, conn.SlowQueryTime)
	assert.True(t, cfg.Database.SchemaConfig.AutoBootstrap)

	assert.Equal(t, "redis", cfg.Cache.Provider)
	assert.Equal(t, "redis://localhost:6379/1", cfg.Cache.Redis.URL)
	assert.Equal(t, time.Hour, cfg.Cache.Redis.AbsoluteExpiration)
	assert.Equal(t, 30*time.Minute, cfg.Cache.InMemory.SlidingExpiration)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DB_TYPE", "postgres")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "5433")
	t.Setenv("CACHE_PROVIDER", "memory")
	t.Setenv("REDIS_PASSWORD", "secret")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("CACHE_SLIDING_EXPIRATION", "5m")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.ConnectionConfig.Type)
	assert.Equal(t, "db.internal", cfg.Database.ConnectionConfig.Host)
	assert.Equal(t, 5433, cfg.Database.ConnectionConfig.Port)
	assert.Equal(t, "memory", cfg.Cache.Provider)
	assert.Equal(t, "secret", cfg.Cache.Redis.Password)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 5*time.Minute, cfg.Cache.InMemory.SlidingExpiration)
}

func TestParseRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"malformed yaml", "database: [unclosed"},
		{"missing database type", "database:\n  connection:\n    dbname: app\n"},
		{"unknown database type", "database:\n  connection:\n    type: oracle\n    dbname: app\n"},
		{"redis without url", "database:\n  connection:\n    type: sqlite\n    dbname: app\ncache:\n  provider: redis\n"},
		{"unknown log format", "database:\n  connection:\n    type: sqlite\n    dbname: app\nlog:\n  format: xml\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, errs.ErrInvalidConfig)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.True(t, errs.IsConfig(err))
}
