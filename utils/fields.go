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
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/sirupsen/logrus"
)

// Logger is the structured logger used across the module. Fields are passed as
// alternating key/value pairs.
type Logger interface {
	SetLevel(level string)
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}

// CallerField holds the "file:line" of the code that called a Named logger.
// Formatters print it in the caller position rather than as a field.
const CallerField = "caller"

type fieldLogger struct {
	name   string
	logger *logrus.Logger
}

// Named returns a Logger backed by the registry logger with the given name.
func Named(name string) Logger {
	return &fieldLogger{name: name, logger: NewLogger(name)}
}

func (l *fieldLogger) SetLevel(level string) { SetLoggerLevel(l.name, level) }

func (l *fieldLogger) Debug(msg string, keyvals ...any) { l.log(logrus.DebugLevel, msg, keyvals) }

func (l *fieldLogger) Info(msg string, keyvals ...any) { l.log(logrus.InfoLevel, msg, keyvals) }

func (l *fieldLogger) Warn(msg string, keyvals ...any) { l.log(logrus.WarnLevel, msg, keyvals) }

func (l *fieldLogger) Error(msg string, keyvals ...any) { l.log(logrus.ErrorLevel, msg, keyvals) }

// log must be called directly from the exported methods: the caller recorded
// is two frames up.
func (l *fieldLogger) log(level logrus.Level, msg string, keyvals []any) {
	if !l.logger.IsLevelEnabled(level) {
		return
	}
	fields := toFields(keyvals)
	if _, file, line, ok := runtime.Caller(2); ok {
		fields[CallerField] = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}
	l.logger.WithFields(fields).Log(level, msg)
}

func toFields(keyvals []any) logrus.Fields {
	fields := make(logrus.Fields, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		fields[fmt.Sprint(keyvals[i])] = keyvals[i+1]
	}
	if len(keyvals)%2 == 1 {
		fields["!BADKEY"] = keyvals[len(keyvals)-1]
	}
	return fields
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) SetLevel(string)      {}
func (NopLogger) Debug(string, ...any) {}
func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}
