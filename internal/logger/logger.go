// Copyright 2024 The Cloudmount Authors.
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

// Package logger provides a small leveled wrapper around the standard
// library logger, with optional rotation to a file via lumberjack. It is
// intentionally simple: one process-wide default logger, configured once
// at startup from CLOUDMOUNT_LOG (an env var in the spirit of RUST_LOG).
package logger

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity mirrors gcsfuse's logging.severity rank model: each level
// subsumes everything below it.
type Severity int32

const (
	LevelOff Severity = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

func (s Severity) String() string {
	switch s {
	case LevelOff:
		return "OFF"
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	case LevelTrace:
		return "TRACE"
	default:
		return "UNKNOWN"
	}
}

// ParseSeverity accepts case-insensitive level names, defaulting to INFO
// for anything unrecognized.
func ParseSeverity(s string) Severity {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OFF":
		return LevelOff
	case "ERROR":
		return LevelError
	case "WARN", "WARNING":
		return LevelWarn
	case "INFO":
		return LevelInfo
	case "DEBUG":
		return LevelDebug
	case "TRACE":
		return LevelTrace
	default:
		return LevelInfo
	}
}

// Logger is a level-filtered wrapper around *log.Logger.
type Logger struct {
	mu       sync.Mutex
	out      *log.Logger
	level    atomic.Int32
	rotating *lumberjack.Logger
}

var defaultLogger = New(LevelInfo)

// Default returns the process-wide logger.
func Default() *Logger { return defaultLogger }

// New constructs a Logger writing to stderr at the given severity.
func New(level Severity) *Logger {
	l := &Logger{out: log.New(os.Stderr, "", log.LstdFlags)}
	l.level.Store(int32(level))
	return l
}

// SetLevel adjusts the minimum severity logged, safe to call concurrently.
func (l *Logger) SetLevel(level Severity) {
	l.level.Store(int32(level))
}

func (l *Logger) Level() Severity {
	return Severity(l.level.Load())
}

// EnableFileOutput switches output to a size-rotated log file, following
// the same rotation knobs gcsfuse configures through lumberjack.
func (l *Logger) EnableFileOutput(path string, maxSizeMB, maxBackups, maxAgeDays int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rotating = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
	l.out = log.New(l.rotating, "", log.LstdFlags)
}

func (l *Logger) log(level Severity, format string, args ...interface{}) {
	if level > l.Level() {
		return
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Printf("[%s] %s", level, msg)
}

func (l *Logger) Errorf(format string, args ...interface{}) { l.log(LevelError, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.log(LevelWarn, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.log(LevelInfo, format, args...) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.log(LevelDebug, format, args...) }
func (l *Logger) Tracef(format string, args ...interface{}) { l.log(LevelTrace, format, args...) }

// Package-level convenience functions operating on the default logger,
// mirroring gcsfuse's internal/logger package-level API.
func Errorf(format string, args ...interface{}) { defaultLogger.Errorf(format, args...) }
func Warnf(format string, args ...interface{})  { defaultLogger.Warnf(format, args...) }
func Infof(format string, args ...interface{})  { defaultLogger.Infof(format, args...) }
func Debugf(format string, args ...interface{}) { defaultLogger.Debugf(format, args...) }
func Tracef(format string, args ...interface{}) { defaultLogger.Tracef(format, args...) }

// InitFromEnv configures the default logger's severity from the
// CLOUDMOUNT_LOG environment variable, in the spirit of RUST_LOG.
func InitFromEnv() {
	if v, ok := os.LookupEnv("CLOUDMOUNT_LOG"); ok {
		defaultLogger.SetLevel(ParseSeverity(v))
	}
}
