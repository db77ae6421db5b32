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
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
)

const defaultTimestampFormat = "2006-01-02 15:04:05.000"

var (
	registryMu     sync.RWMutex
	registry                 = map[string]*logrus.Logger{}
	baseLevel                = ParseLogLevel(EnvDefaultString("LOG_LEVEL", "info"))
	consoleFormat            = EnvDefaultString("CONSOLE_LOG_FORMAT", "text")
	consoleWriter  io.Writer = os.Stdout
	consoleWriteMu sync.Mutex
)

// ParseLogLevel maps a level name to a logrus level, defaulting to info.
func ParseLogLevel(s string) logrus.Level {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(s))
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// ConfigureConsoleLogFormat switches loggers created afterwards between
// "text" and "json" output.
func ConfigureConsoleLogFormat(format string) {
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		consoleFormat = "json"
		return
	}
	consoleFormat = "text"
}

// ConfigureLogOutput redirects every registered logger; nil restores stdout.
func ConfigureLogOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	consoleWriteMu.Lock()
	consoleWriter = w
	consoleWriteMu.Unlock()
}

// ConfigureLogLevel sets the level of every registered logger and of loggers
// created later.
func ConfigureLogLevel(level string) {
	lvl := ParseLogLevel(level)
	registryMu.Lock()
	baseLevel = lvl
	for _, l := range registry {
		l.SetLevel(lvl)
	}
	registryMu.Unlock()
}

// SetLoggerLevel changes the level of one named logger. It reports whether the
// logger exists.
func SetLoggerLevel(name string, level string) bool {
	registryMu.RLock()
	l, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return false
	}
	l.SetLevel(ParseLogLevel(level))
	return true
}

// NewLogger returns the registered logger for name, creating it on first use.
func NewLogger(name string) *logrus.Logger {
	registryMu.Lock()
	defer registryMu.Unlock()
	if l, ok := registry[name]; ok {
		return l
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(baseLevel)
	if consoleFormat == "json" {
		l.SetFormatter(&JSONLogFormatter{LoggerName: name})
	} else {
		l.SetFormatter(&ConsoleFormatter{LoggerName: name, NameWidth: 10})
	}
	l.AddHook(&consoleWriterHook{formatter: l.Formatter})
	registry[name] = l
	return l
}

type consoleWriterHook struct {
	formatter logrus.Formatter
}

func (h *consoleWriterHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *consoleWriterHook) Fire(e *logrus.Entry) error {
	b, err := h.formatter.Format(e)
	if err != nil {
		return err
	}
	consoleWriteMu.Lock()
	defer consoleWriteMu.Unlock()
	_, err = consoleWriter.Write(b)
	return err
}

var (
	faint      = color.New(color.Faint)
	nameColor  = color.New(color.FgCyan)
	pidColor   = color.New(color.FgMagenta)
	levelColor = map[logrus.Level]*color.Color{
		logrus.TraceLevel: color.New(color.FgBlue),
		logrus.DebugLevel: color.New(color.FgBlue),
		logrus.InfoLevel:  color.New(color.FgGreen),
		logrus.WarnLevel:  color.New(color.FgYellow),
	}
	errorColor = color.New(color.FgRed)
)

// ConsoleFormatter renders "time LEVEL pid --- [name] file:line : msg k=v".
// Colors follow color.NoColor, so they are dropped when stdout is not a
// terminal.
type ConsoleFormatter struct {
	LoggerName      string
	TimestampFormat string
	NameWidth       int
}

func (f *ConsoleFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	tsFormat := f.TimestampFormat
	if tsFormat == "" {
		tsFormat = defaultTimestampFormat
	}
	lc, ok := levelColor[entry.Level]
	if !ok {
		lc = errorColor
	}
	name := f.LoggerName
	if f.NameWidth > 0 && len(name) > f.NameWidth {
		name = name[:f.NameWidth]
	}

	var b strings.Builder
	b.WriteString(entry.Time.Format(tsFormat))
	b.WriteByte(' ')
	b.WriteString(lc.Sprintf("%7s", strings.ToUpper(entry.Level.String())))
	b.WriteByte(' ')
	b.WriteString(pidColor.Sprintf("%-6d", os.Getpid()))
	b.WriteString(" --- ")
	b.WriteString(nameColor.Sprintf("[%*s]", f.NameWidth, name))
	if caller := callerOf(entry); caller != "" {
		b.WriteString(faint.Sprint(" " + caller))
	}
	b.WriteString(faint.Sprint(" : "))
	b.WriteString(entry.Message)
	for _, k := range slices.Sorted(maps.Keys(entry.Data)) {
		if k == CallerField {
			continue
		}
		fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
	}
	b.WriteByte('\n')
	return []byte(b.String()), nil
}

// JSONLogFormatter renders one JSON object per line.
type JSONLogFormatter struct {
	LoggerName      string
	TimestampFormat string
}

func (f *JSONLogFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	tsFormat := f.TimestampFormat
	if tsFormat == "" {
		tsFormat = defaultTimestampFormat
	}
	rec := struct {
		Time    string         `json:"time"`
		Level   string         `json:"level"`
		Logger  string         `json:"logger"`
		Caller  string         `json:"caller,omitempty"`
		Message string         `json:"message"`
		Fields  map[string]any `json:"fields,omitempty"`
	}{
		Time:    entry.Time.Format(tsFormat),
		Level:   entry.Level.String(),
		Logger:  f.LoggerName,
		Message: entry.Message,
	}
	rec.Caller = callerOf(entry)
	if len(entry.Data) > 0 {
		rec.Fields = make(map[string]any, len(entry.Data))
		for k, v := range entry.Data {
			if k == CallerField {
				continue
			}
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			rec.Fields[k] = v
		}
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// callerOf prefers the frame logrus captured with ReportCaller and falls
// back to the CallerField set by Named loggers.
func callerOf(entry *logrus.Entry) string {
	if entry.Caller != nil {
		return fmt.Sprintf("%s:%d", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}
	if c, ok := entry.Data[CallerField].(string); ok {
		return c
	}
	return ""
}

// EnvDefaultString returns the environment value for key or def when unset.
func EnvDefaultString(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// EnvDefaultDuration parses a Go duration from the environment.
func EnvDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
