// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package logger is the driver core's structured logging facility: a
// component/level gated async logger that drains a buffered job channel
// on a dedicated goroutine so that a slow LogSink never blocks the
// caller, with environment-variable overrides for use outside of
// explicit configuration.
package logger

import (
	"fmt"
	"os"
	"strconv"
)

const jobBufferSize = 100
const logSinkPathEnvVar = "MONGODB_LOG_PATH"
const maxDocumentLengthEnvVar = "MONGODB_LOG_MAX_DOCUMENT_LENGTH"

// DefaultMaxDocumentLength is the default maximum length, in bytes, of a
// stringified document embedded in a log line before truncation.
const DefaultMaxDocumentLength = 1000

// TruncationSuffix is appended to a truncated string; it does not count
// against the max document length.
const TruncationSuffix = "..."

const (
	logSinkPathStdout = "stdout"
	logSinkPathStderr = "stderr"
)

// LogSink is a subset of go-logr/logr's LogSink interface, letting callers
// plug in their own structured logger without the driver depending on it.
type LogSink interface {
	Info(level int, msg string, keysAndValues ...interface{})
}

type job struct {
	level Level
	msg   ComponentMessage
}

// Logger is the driver core's logger. The zero Logger is not usable; use
// New.
type Logger struct {
	ComponentLevels   map[Component]Level
	Sink              LogSink
	MaxDocumentLength uint

	jobs chan job
}

// New constructs a Logger. componentLevels, if non-nil, takes precedence
// over environment-variable configuration; a nil sink with no
// MONGODB_LOG_PATH override logs to stderr.
func New(sink LogSink, maxDocumentLength uint, componentLevels map[Component]Level) *Logger {
	l := &Logger{
		ComponentLevels:   selectComponentLevels(componentLevels),
		MaxDocumentLength: selectMaxDocumentLength(maxDocumentLength),
		Sink:              selectLogSink(sink),
		jobs:              make(chan job, jobBufferSize),
	}
	go l.run()
	return l
}

// Close stops the logger's background goroutine. It must not be called
// concurrently with Print.
func (l *Logger) Close() {
	close(l.jobs)
}

// Is reports whether level is enabled for component.
func (l *Logger) Is(level Level, component Component) bool {
	return l.ComponentLevels[component] >= level
}

// Print enqueues msg for asynchronous delivery to the sink and never blocks.
// If the job buffer is full, msg is dropped; a CommandMessageDropped
// placeholder takes its place only if a slot has freed up by the second
// attempt, and otherwise nothing is enqueued.
func (l *Logger) Print(level Level, msg ComponentMessage) {
	select {
	case l.jobs <- job{level, msg}:
	default:
		select {
		case l.jobs <- job{level, CommandMessageDropped{}}:
		default:
		}
	}
}

func (l *Logger) run() {
	for j := range l.jobs {
		if !l.Is(j.level, j.msg.Component()) {
			continue
		}
		if l.Sink == nil {
			continue
		}
		kv := j.msg.Serialize(l.MaxDocumentLength)
		l.Sink.Info(int(j.level)-DiffToInfo, j.msg.Message(), kv...)
	}
}

func truncate(str string, width uint) string {
	if width == 0 || len(str) <= int(width) {
		return str
	}
	newStr := str[:width]

	if newStr[len(newStr)-1]&0xC0 == 0xC0 {
		return newStr[:len(newStr)-1] + TruncationSuffix
	}
	if newStr[len(newStr)-1]&0xC0 == 0x80 {
		for i := len(newStr) - 1; i >= 0; i-- {
			if newStr[i]&0xC0 == 0xC0 {
				return newStr[:i] + TruncationSuffix
			}
		}
	}
	return newStr + TruncationSuffix
}

func selectMaxDocumentLength(arg uint) uint {
	if arg != 0 {
		return arg
	}
	if v := os.Getenv(maxDocumentLengthEnvVar); v != "" {
		if parsed, err := strconv.ParseUint(v, 10, 32); err == nil {
			return uint(parsed)
		}
	}
	return DefaultMaxDocumentLength
}

type osSink struct {
	f *os.File
}

func newOSSink(f *os.File) *osSink { return &osSink{f: f} }

// Info implements LogSink by writing a single line to the sink's file.
func (s *osSink) Info(level int, msg string, keysAndValues ...interface{}) {
	fields := ""
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields += fmt.Sprintf(" %v=%v", keysAndValues[i], keysAndValues[i+1])
	}
	_, _ = fmt.Fprintf(s.f, "%s%s\n", msg, fields)
}

func selectLogSink(arg LogSink) LogSink {
	if arg != nil {
		return arg
	}
	switch os.Getenv(logSinkPathEnvVar) {
	case logSinkPathStdout:
		return newOSSink(os.Stdout)
	default:
		return newOSSink(os.Stderr)
	}
}

func selectComponentLevels(arg map[Component]Level) map[Component]Level {
	out := make(map[Component]Level, len(componentEnvVars))
	for env, component := range componentEnvVars {
		out[component] = envLevel(env)
	}
	for k, v := range arg {
		out[k] = v
	}
	return out
}

func envLevel(envVar string) Level {
	if global := os.Getenv(componentEnvVarAll); global != "" {
		return parseLevel(global)
	}
	return parseLevel(os.Getenv(envVar))
}
