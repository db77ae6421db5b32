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

package utils

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]logrus.Level{
		"trace":   logrus.TraceLevel,
		"DEBUG":   logrus.DebugLevel,
		" warn ":  logrus.WarnLevel,
		"warning": logrus.WarnLevel,
		"error":   logrus.ErrorLevel,
		"":        logrus.InfoLevel,
		"bogus":   logrus.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLogLevel(in), "input %q", in)
	}
}

func TestNamedLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	ConfigureLogOutput(&buf)
	defer ConfigureLogOutput(nil)

	log := Named("UTILS_TEST")
	log.SetLevel("debug")
	log.Debug("flush done", "ops", 3, "table", "sides")

	out := buf.String()
	assert.Contains(t, out, "flush done")
	assert.Contains(t, out, "ops=3")
	assert.Contains(t, out, "table=sides")
}

func TestNamedLoggerReportsCallingLine(t *testing.T) {
	var buf bytes.Buffer
	ConfigureLogOutput(&buf)
	defer ConfigureLogOutput(nil)

	log := Named("CALLER_TEST")
	log.Warn("from test")

	out := buf.String()
	assert.Contains(t, out, "logger_test.go:")
	assert.NotContains(t, out, "fields.go")
	assert.NotContains(t, out, "caller=")
}

func TestNewLoggerIsRegisteredOnce(t *testing.T) {
	a := NewLogger("SAME")
	b := NewLogger("SAME")
	assert.Same(t, a, b)
	assert.True(t, SetLoggerLevel("SAME", "error"))
	assert.Equal(t, logrus.ErrorLevel, a.GetLevel())
	assert.False(t, SetLoggerLevel("MISSING", "error"))
}

func TestJSONLogFormatter(t *testing.T) {
	f := &JSONLogFormatter{LoggerName: "CACHE"}
	entry := &logrus.Entry{
		Time:    time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Level:   logrus.WarnLevel,
		Message: "breaker open",
		Data:    logrus.Fields{"error": errors.New("dial tcp: refused"), "name": "redis"},
	}
	b, err := f.Format(entry)
	require.NoError(t, err)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(b, &rec))
	assert.Equal(t, "warning", rec["level"])
	assert.Equal(t, "CACHE", rec["logger"])
	fields := rec["fields"].(map[string]any)
	assert.Equal(t, "dial tcp: refused", fields["error"])
	assert.Equal(t, "redis", fields["name"])
}

func TestConsoleFormatter(t *testing.T) {
	noColor := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = noColor }()

	f := &ConsoleFormatter{LoggerName: "REPOSITORY", NameWidth: 6}
	entry := &logrus.Entry{
		Time:    time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Level:   logrus.InfoLevel,
		Message: "flushed",
		Data:    logrus.Fields{"table": "sides", "ops": 2},
	}
	b, err := f.Format(entry)
	require.NoError(t, err)

	out := string(b)
	assert.True(t, strings.HasPrefix(out, "2025-01-02 03:04:05.000    INFO "), out)
	assert.Contains(t, out, " --- [REPOSI] : flushed ops=2 table=sides\n")
}

func TestToFieldsOddCount(t *testing.T) {
	fields := toFields([]any{"a", 1, "dangling"})
	assert.Equal(t, 1, fields["a"])
	assert.Equal(t, "dangling", fields["!BADKEY"])
}

func TestEnvDefaults(t *testing.T) {
	t.Setenv("UTILS_DURATION", "90s")
	t.Setenv("UTILS_STRING", "x")
	assert.Equal(t, 90*time.Second, EnvDefaultDuration("UTILS_DURATION", time.Second))
	assert.Equal(t, time.Second, EnvDefaultDuration("UTILS_DURATION_UNSET", time.Second))
	assert.Equal(t, "x", EnvDefaultString("UTILS_STRING", "y"))
	assert.Equal(t, "y", EnvDefaultString("UTILS_STRING_UNSET", "y"))
}

func TestFormattersUseCallerField(t *testing.T) {
	noColor := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = noColor }()

	entry := &logrus.Entry{
		Time:    time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Level:   logrus.InfoLevel,
		Message: "saved",
		Data:    logrus.Fields{CallerField: "unit_of_work.go:42", "ops": 1},
	}

	b, err := (&ConsoleFormatter{LoggerName: "UOW", NameWidth: 3}).Format(entry)
	require.NoError(t, err)
	assert.Contains(t, string(b), "[UOW] unit_of_work.go:42 : saved ops=1\n")

	b, err = (&JSONLogFormatter{LoggerName: "UOW"}).Format(entry)
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(b, &rec))
	assert.Equal(t, "unit_of_work.go:42", rec["caller"])
	assert.NotContains(t, rec["fields"].(map[string]any), CallerField)
}
