// Copyright 2023 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger provides the process-wide structured logger: a
// log/slog.Logger backed by either a text or a JSON handler, with a
// severity level that can be changed at runtime and an optional rotated
// log file via gopkg.in/natefinch/lumberjack.v2.
package logger

import (
	"context"
	"fmt"
	"io"
	stdlog "log"
	"log/slog"
	"os"
	"sync"

	"github.com/stackfs/stackfs/cfg"
	"github.com/stackfs/stackfs/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity levels, spaced the way the teacher spaces its own slog levels
// so finer-grained severities can be added between them later.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelOff   = slog.Level(12)
)

const timeFormat = "2006/01/02 15:04:05.000000"

// loggerFactory owns the current handler configuration: where logs go,
// in what format, and at what severity.
type loggerFactory struct {
	mu sync.Mutex

	file      *os.File
	sysWriter io.Writer

	format          string
	level           string
	logRotateConfig config.LogRotateConfig

	programLevel *slog.LevelVar
}

var (
	defaultLoggerFactory *loggerFactory
	defaultLogger        *slog.Logger
)

func init() {
	defaultLoggerFactory = &loggerFactory{
		level:           config.INFO,
		format:          "json",
		logRotateConfig: config.DefaultLogRotateConfig(),
	}
	rebuildDefaultLogger()
}

func severityName(level slog.Level) string {
	switch {
	case level <= LevelTrace:
		return "TRACE"
	case level <= LevelDebug:
		return "DEBUG"
	case level <= LevelInfo:
		return "INFO"
	case level <= LevelWarn:
		return "WARNING"
	default:
		return "ERROR"
	}
}

// setLoggingLevel maps a config severity string onto programLevel.
func setLoggingLevel(level string, programLevel *slog.LevelVar) {
	switch level {
	case config.TRACE:
		programLevel.Set(LevelTrace)
	case config.DEBUG:
		programLevel.Set(LevelDebug)
	case config.WARNING:
		programLevel.Set(LevelWarn)
	case config.ERROR:
		programLevel.Set(LevelError)
	case config.OFF:
		programLevel.Set(LevelOff)
	default:
		programLevel.Set(LevelInfo)
	}
}

// textHandler renders `time="..." severity=LEVEL message="prefix: msg"`,
// one line per record, matching the fixed-width text format the teacher's
// CLI output parser expects.
type textHandler struct {
	w      io.Writer
	level  *slog.LevelVar
	prefix string
}

func (h *textHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *textHandler) Handle(_ context.Context, r slog.Record) error {
	line := fmt.Sprintf("time=%q severity=%s message=%q\n",
		r.Time.Format(timeFormat), severityName(r.Level), h.prefix+r.Message)
	_, err := h.w.Write([]byte(line))
	return err
}

func (h *textHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *textHandler) WithGroup(_ string) slog.Handler      { return h }

// jsonHandler renders a single-line JSON object per record: a
// {seconds,nanos} timestamp, severity, and message — the format the
// teacher's log-ingestion pipeline expects by default.
type jsonHandler struct {
	w      io.Writer
	level  *slog.LevelVar
	prefix string
}

func (h *jsonHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *jsonHandler) Handle(_ context.Context, r slog.Record) error {
	line := fmt.Sprintf(`{"timestamp":{"seconds":%d,"nanos":%d},"severity":%q,"message":%q}`+"\n",
		r.Time.Unix(), r.Time.Nanosecond(), severityName(r.Level), h.prefix+r.Message)
	_, err := h.w.Write([]byte(line))
	return err
}

func (h *jsonHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *jsonHandler) WithGroup(_ string) slog.Handler      { return h }

// createJsonOrTextHandler picks the handler according to f.format,
// defaulting to JSON when format is empty or unrecognized.
func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, programLevel *slog.LevelVar, prefix string) slog.Handler {
	if f.format == "text" {
		return &textHandler{w: w, level: programLevel, prefix: prefix}
	}
	return &jsonHandler{w: w, level: programLevel, prefix: prefix}
}

func (f *loggerFactory) writer() io.Writer {
	if f.sysWriter != nil {
		return f.sysWriter
	}
	if f.file != nil {
		return f.file
	}
	return os.Stderr
}

func rebuildDefaultLogger() {
	defaultLoggerFactory.mu.Lock()
	defer defaultLoggerFactory.mu.Unlock()

	pl := new(slog.LevelVar)
	setLoggingLevel(defaultLoggerFactory.level, pl)
	defaultLoggerFactory.programLevel = pl
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(defaultLoggerFactory.writer(), pl, ""))
}

// InitLogFile opens the configured log file and wires rotation
// parameters from the legacy on-disk config, while taking format and
// severity from the flag-bound config — mirroring how the teacher
// bridges its legacy MountConfig and its cobra/viper cfg.Config during
// the flag migration.
func InitLogFile(legacyLogConfig config.LogConfig, newLogConfig cfg.LoggingConfig) error {
	defaultLoggerFactory.mu.Lock()
	if newLogConfig.FilePath != "" {
		f, err := os.OpenFile(string(newLogConfig.FilePath), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			defaultLoggerFactory.mu.Unlock()
			return fmt.Errorf("logger: opening log file: %w", err)
		}
		defaultLoggerFactory.file = f
		defaultLoggerFactory.sysWriter = nil
	}
	defaultLoggerFactory.format = newLogConfig.Format
	defaultLoggerFactory.level = newLogConfig.Severity
	defaultLoggerFactory.logRotateConfig = legacyLogConfig.LogRotateConfig
	defaultLoggerFactory.mu.Unlock()

	rebuildDefaultLogger()
	return nil
}

// SetLogFormat changes the active handler's format ("text" or "json") in
// place, rebuilding defaultLogger against the same writer and severity.
func SetLogFormat(format string) {
	defaultLoggerFactory.mu.Lock()
	defaultLoggerFactory.format = format
	defaultLoggerFactory.mu.Unlock()

	rebuildDefaultLogger()
}

// RotatingWriter builds a lumberjack.Logger from the factory's current
// rotation settings, for callers that want rotation-on-disk rather than a
// plain append file; neither cmd/stackfs nor InitLogFile calls it. Not
// used by InitLogFile itself so tests can assert on a bare
// *os.File, matching the teacher's own split between "open the file"
// and "wrap it for rotation".
func RotatingWriter(path string) *lumberjack.Logger {
	defaultLoggerFactory.mu.Lock()
	defer defaultLoggerFactory.mu.Unlock()

	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    defaultLoggerFactory.logRotateConfig.MaxFileSizeMB,
		MaxBackups: defaultLoggerFactory.logRotateConfig.BackupFileCount,
		Compress:   defaultLoggerFactory.logRotateConfig.Compress,
	}
}

func logf(level slog.Level, format string, args ...any) {
	if !defaultLogger.Enabled(context.Background(), level) {
		return
	}
	defaultLogger.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func Tracef(format string, v ...any) { logf(LevelTrace, format, v...) }
func Debugf(format string, v ...any) { logf(LevelDebug, format, v...) }
func Infof(format string, v ...any)  { logf(LevelInfo, format, v...) }
func Warnf(format string, v ...any)  { logf(LevelWarn, format, v...) }
func Errorf(format string, v ...any) { logf(LevelError, format, v...) }

// NewStdLogger adapts the current writer into a *log.Logger with prefix,
// for handing to third-party callers (jacobsa/fuse's MountConfig.ErrorLogger/
// DebugLogger) that expect the standard library logger type rather than
// slog — mirroring the teacher's own NewLegacyLogger bridge.
func NewStdLogger(prefix string) *stdlog.Logger {
	defaultLoggerFactory.mu.Lock()
	w := defaultLoggerFactory.writer()
	defaultLoggerFactory.mu.Unlock()
	return stdlog.New(w, prefix, stdlog.LstdFlags)
}
