// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package log exports logging primitives that log to stderr through logrus
// and also to an optional external logger.
package log // import "rdfdelta.io/log"

// We call this log instead of logging for two reasons:
// 1) It's shorter to type;
// 2) it mimics Go's log package and can be used as a drop-in replacement for it.

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Logger is the interface for logging messages.
type Logger interface {
	// Printf writes a formated message to the log.
	Printf(format string, v ...interface{})

	// Print writes a message to the log.
	Print(v ...interface{})

	// Println writes a line to the log.
	Println(v ...interface{})

	// Fatal writes a message to the log and aborts.
	Fatal(v ...interface{})

	// Fatalf writes a formated message to the log and aborts.
	Fatalf(format string, v ...interface{})
}

// ExternalLogger describes a service that processes logs.
type ExternalLogger interface {
	Log(Level, string)
	Flush()
}

// Level represents the level of logging.
type Level int

// Different levels of logging.
const (
	DebugLevel Level = iota
	InfoLevel
	ErrorLevel
	DisabledLevel
)

// leveled is implemented by a default logger that records the
// severity of each message, such as the logrus sink.
type leveled interface {
	At(Level) Logger
}

// The set of default loggers for each log level.
var (
	Debug = &logger{DebugLevel}
	Info  = &logger{InfoLevel}
	Error = &logger{ErrorLevel}
)

type globalState struct {
	mu            sync.RWMutex
	level         Level
	defaultLogger Logger
	external      ExternalLogger
	format        string
	out           io.Writer
}

var state = globalState{
	level:         InfoLevel,
	defaultLogger: newLogrus(os.Stderr, "text"),
	format:        "text",
	out:           os.Stderr,
}

func globals() (Level, Logger, ExternalLogger) {
	state.mu.RLock()
	defer state.mu.RUnlock()
	return state.level, state.defaultLogger, state.external
}

// Register connects an ExternalLogger to the default logger. This may only be
// called once.
func Register(e ExternalLogger) {
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.external != nil {
		panic("cannot register second external logger")
	}
	state.external = e
}

// SetOutput sets the default loggers to write to w.
// If w is nil, the default loggers are disabled.
func SetOutput(w io.Writer) {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.out = w
	if w == nil {
		state.defaultLogger = nil
		return
	}
	state.defaultLogger = newLogrus(w, state.format)
}

// SetFormat selects the output format of the default loggers,
// "text" or "json".
func SetFormat(format string) error {
	switch format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.format = format
	if state.out != nil {
		state.defaultLogger = newLogrus(state.out, format)
	}
	return nil
}

type logger struct {
	level Level
}

var _ Logger = (*logger)(nil)

func (l *logger) sinks() (Logger, ExternalLogger, bool) {
	current, def, ext := globals()
	if l.level < current {
		return nil, nil, false
	}
	if lv, ok := def.(leveled); ok {
		def = lv.At(l.level)
	}
	return def, ext, true
}

// Printf writes a formatted message to the log.
func (l *logger) Printf(format string, v ...interface{}) {
	def, ext, ok := l.sinks()
	if !ok {
		return // Don't log at lower levels.
	}
	if ext != nil {
		ext.Log(l.level, fmt.Sprintf(format, v...))
	}
	if def != nil {
		def.Printf(format, v...)
	}
}

// Print writes a message to the log.
func (l *logger) Print(v ...interface{}) {
	def, ext, ok := l.sinks()
	if !ok {
		return // Don't log at lower levels.
	}
	if ext != nil {
		ext.Log(l.level, fmt.Sprint(v...))
	}
	if def != nil {
		def.Print(v...)
	}
}

// Println writes a line to the log.
func (l *logger) Println(v ...interface{}) {
	def, ext, ok := l.sinks()
	if !ok {
		return // Don't log at lower levels.
	}
	if ext != nil {
		ext.Log(l.level, fmt.Sprintln(v...))
	}
	if def != nil {
		def.Println(v...)
	}
}

// Fatal writes a message to the log and aborts, regardless of the current log level.
func (l *logger) Fatal(v ...interface{}) {
	_, def, ext := globals()
	if ext != nil {
		ext.Log(l.level, fmt.Sprint(v...))
		ext.Flush()
	}
	if def != nil {
		def.Fatal(v...)
		return
	}
	os.Exit(1)
}

// Fatalf writes a formatted message to the log and aborts, regardless of the
// current log level.
func (l *logger) Fatalf(format string, v ...interface{}) {
	_, def, ext := globals()
	if ext != nil {
		ext.Log(l.level, fmt.Sprintf(format, v...))
		ext.Flush()
	}
	if def != nil {
		def.Fatalf(format, v...)
		return
	}
	os.Exit(1)
}

// String returns the name of the logger.
func (l *logger) String() string {
	return l.level.String()
}

func (l Level) String() string {
	switch l {
	case InfoLevel:
		return "info"
	case DebugLevel:
		return "debug"
	case ErrorLevel:
		return "error"
	case DisabledLevel:
		return "disabled"
	}
	return "unknown"
}

func toLevel(level string) (Level, error) {
	switch strings.ToLower(level) {
	case "info":
		return InfoLevel, nil
	case "debug":
		return DebugLevel, nil
	case "error":
		return ErrorLevel, nil
	case "disabled":
		return DisabledLevel, nil
	}
	return DisabledLevel, fmt.Errorf("invalid log level %q", level)
}

// GetLevel returns the current logging level.
func GetLevel() string {
	level, _, _ := globals()
	return level.String()
}

// SetLevel sets the current level of logging.
func SetLevel(level string) error {
	l, err := toLevel(level)
	if err != nil {
		return err
	}
	state.mu.Lock()
	state.level = l
	state.mu.Unlock()
	return nil
}

// At returns whether the level will be logged currently.
func At(level string) bool {
	l, err := toLevel(level)
	if err != nil {
		return false
	}
	current, _, _ := globals()
	return current <= l
}

// Printf writes a formatted message to the log.
func Printf(format string, v ...interface{}) {
	Info.Printf(format, v...)
}

// Print writes a message to the log.
func Print(v ...interface{}) {
	Info.Print(v...)
}

// Println writes a line to the log.
func Println(v ...interface{}) {
	Info.Println(v...)
}

// Fatal writes a message to the log and aborts.
func Fatal(v ...interface{}) {
	Info.Fatal(v...)
}

// Fatalf writes a formatted message to the log and aborts.
func Fatalf(format string, v ...interface{}) {
	Info.Fatalf(format, v...)
}

// Flush flushes the external logger, if any.
func Flush() {
	_, _, ext := globals()
	if ext != nil {
		ext.Flush()
	}
}
