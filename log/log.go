// Copyright 2026 The pageserver Authors
// This file is part of the pageserver library.
//
// The pageserver library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The pageserver library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the pageserver library. If not, see <http://www.gnu.org/licenses/>.

// Package log provides the structured, leveled logger used throughout the
// engine: a thin wrapper over log/slog with an extra Crit level that
// terminates the process, matching the severity taxonomy the storage layer
// relies on to tell "log and continue" apart from "invariant violated,
// abort".
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level mirrors the handful of severities callers actually reach for.
type Level int

const (
	LevelTrace Level = iota - 1
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelCrit
)

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelTrace:
		return slog.Level(-8)
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError, LevelCrit:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger is a structured logger bound to a fixed set of context fields.
type Logger struct {
	h    slog.Handler
	ctxt []any
}

// rootLevel is shared by every handler the package builds, so SetLevel
// takes effect across SetOutput calls.
var rootLevel = new(slog.LevelVar)

var root = New()

// Root returns the process-wide default logger.
func Root() *Logger { return root }

// New builds a Logger writing human-readable text to stderr at the shared
// root level (Info by default; adjust with SetLevel). Use Root().With(...)
// to add fields.
func New() *Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: rootLevel})
	return &Logger{h: h}
}

// SetLevel adjusts the minimum severity the root logger (and every Logger
// derived from it) emits.
func SetLevel(l Level) {
	rootLevel.Set(l.slogLevel())
}

// SetOutput redirects the root logger, optionally rotating via lumberjack
// when path is non-empty.
func SetOutput(path string, maxSizeMB, maxBackups, maxAgeDays int) {
	var w io.Writer = os.Stderr
	if path != "" {
		w = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   true,
		}
	}
	root.h = slog.NewTextHandler(w, &slog.HandlerOptions{Level: rootLevel})
}

// With returns a Logger that always includes the given key/value pairs.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{h: l.h, ctxt: append(append([]any{}, l.ctxt...), kv...)}
}

func (l *Logger) log(level Level, msg string, kv []any) {
	r := slog.NewRecord(time.Now(), level.slogLevel(), msg, 0)
	r.Add(l.ctxt...)
	r.Add(kv...)
	_ = l.h.Handle(context.Background(), r)
	if level == LevelCrit {
		os.Exit(1)
	}
}

func (l *Logger) Trace(msg string, kv ...any) { l.log(LevelTrace, msg, kv) }
func (l *Logger) Debug(msg string, kv ...any) { l.log(LevelDebug, msg, kv) }
func (l *Logger) Info(msg string, kv ...any)  { l.log(LevelInfo, msg, kv) }
func (l *Logger) Warn(msg string, kv ...any)  { l.log(LevelWarn, msg, kv) }
func (l *Logger) Error(msg string, kv ...any) { l.log(LevelError, msg, kv) }

// Crit logs at the highest severity and then terminates the process. It is
// reserved for invariant violations a caller has already decided are
// unrecoverable (see the panic/Crit convention in the storage packages).
func (l *Logger) Crit(msg string, kv ...any) { l.log(LevelCrit, msg, kv) }

// package-level convenience wrappers over Root().
func Trace(msg string, kv ...any) { root.Trace(msg, kv...) }
func Debug(msg string, kv ...any) { root.Debug(msg, kv...) }
func Info(msg string, kv ...any)  { root.Info(msg, kv...) }
func Warn(msg string, kv ...any)  { root.Warn(msg, kv...) }
func Error(msg string, kv ...any) { root.Error(msg, kv...) }
func Crit(msg string, kv ...any)  { root.Crit(msg, kv...) }

// Errorf is a convenience for building a message with fmt.Sprintf semantics
// when no structured fields are needed.
func Errorf(format string, args ...any) {
	root.Error(fmt.Sprintf(format, args...))
}
