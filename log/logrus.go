// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package log

import (
	"io"

	"github.com/sirupsen/logrus"
)

// logrusLogger is the default Logger. Level filtering is done by this
// package, so the underlying logrus.Logger accepts everything.
type logrusLogger struct {
	l     *logrus.Logger
	level logrus.Level
}

func newLogrus(w io.Writer, format string) *logrusLogger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.DebugLevel)
	switch format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			DisableColors:   true,
			TimestampFormat: "2006/01/02 15:04:05.000000",
		})
	}
	return &logrusLogger{l: l, level: logrus.InfoLevel}
}

// At implements leveled.
func (r *logrusLogger) At(level Level) Logger {
	lv := logrus.InfoLevel
	switch level {
	case DebugLevel:
		lv = logrus.DebugLevel
	case ErrorLevel:
		lv = logrus.ErrorLevel
	}
	return &logrusLogger{l: r.l, level: lv}
}

func (r *logrusLogger) Printf(format string, v ...interface{}) {
	r.l.Logf(r.level, format, v...)
}

func (r *logrusLogger) Print(v ...interface{}) {
	r.l.Log(r.level, v...)
}

func (r *logrusLogger) Println(v ...interface{}) {
	r.l.Logln(r.level, v...)
}

func (r *logrusLogger) Fatal(v ...interface{}) {
	r.l.Fatal(v...)
}

func (r *logrusLogger) Fatalf(format string, v ...interface{}) {
	r.l.Fatalf(format, v...)
}
