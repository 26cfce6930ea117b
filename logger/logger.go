/*
 * Copyright 2025 The IntelliStream Authors.
 *
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

// Package logger provides logging for the stream join runtime.
// The default backend is a zap SugaredLogger; tests and embedders can swap
// in their own implementation through SetDefault.
package logger

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level defines log levels.
type Level int

const (
	// DEBUG displays detailed debug information.
	DEBUG Level = iota
	// INFO displays general information.
	INFO
	// WARN displays warning information.
	WARN
	// ERROR only displays error information.
	ERROR
	// OFF disables logging.
	OFF
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case OFF:
		return "OFF"
	default:
		return "UNKNOWN"
	}
}

// zapLevel maps a Level onto the zap level scale. OFF maps above Fatal so
// nothing is emitted.
func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case INFO:
		return zapcore.InfoLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.FatalLevel + 1
	}
}

// Logger is the logging contract used throughout the runtime.
type Logger interface {
	// Debug records debug level logs.
	Debug(format string, args ...interface{})
	// Info records info level logs.
	Info(format string, args ...interface{})
	// Warn records warning level logs.
	Warn(format string, args ...interface{})
	// Error records error level logs.
	Error(format string, args ...interface{})
	// SetLevel sets the log level.
	SetLevel(level Level)
}

// zapLogger is the default implementation, a console-encoded zap logger with
// a runtime-adjustable level.
type zapLogger struct {
	sugar *zap.SugaredLogger
	level zap.AtomicLevel
}

// NewLogger creates a logger writing to the given output at the given level.
//
// Example:
//
//	log := logger.NewLogger(logger.INFO, os.Stdout)
//	log.Info("scheduler started: window=%dus", 1000000)
func NewLogger(level Level, output io.Writer) Logger {
	atomicLevel := zap.NewAtomicLevelAt(level.zapLevel())

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.AddSync(output),
		atomicLevel,
	)
	return &zapLogger{
		sugar: zap.New(core).Named("streamjoin").Sugar(),
		level: atomicLevel,
	}
}

func (l *zapLogger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

func (l *zapLogger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

func (l *zapLogger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

func (l *zapLogger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

func (l *zapLogger) SetLevel(level Level) {
	l.level.SetLevel(level.zapLevel())
}

// discardLogger drops all output. Used where log noise is unwanted.
type discardLogger struct{}

// NewDiscardLogger creates a logger that discards all logs.
func NewDiscardLogger() Logger {
	return &discardLogger{}
}

func (d *discardLogger) Debug(format string, args ...interface{}) {}
func (d *discardLogger) Info(format string, args ...interface{})  {}
func (d *discardLogger) Warn(format string, args ...interface{})  {}
func (d *discardLogger) Error(format string, args ...interface{}) {}
func (d *discardLogger) SetLevel(level Level)                     {}

// Global default logger.
var defaultInstance Logger = NewLogger(INFO, os.Stdout)

// SetDefault sets the global default logger.
func SetDefault(logger Logger) {
	defaultInstance = logger
}

// GetDefault gets the global default logger.
func GetDefault() Logger {
	return defaultInstance
}

// Debug uses the default logger to record debug information.
func Debug(format string, args ...interface{}) {
	defaultInstance.Debug(format, args...)
}

// Info uses the default logger to record information.
func Info(format string, args ...interface{}) {
	defaultInstance.Info(format, args...)
}

// Warn uses the default logger to record warnings.
func Warn(format string, args ...interface{}) {
	defaultInstance.Warn(format, args...)
}

// Error uses the default logger to record errors.
func Error(format string, args ...interface{}) {
	defaultInstance.Error(format, args...)
}
