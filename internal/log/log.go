// Copyright 2024 The Torii Authors
// This file is part of Torii.
//
// Torii is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Torii is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Torii. If not, see <http://www.gnu.org/licenses/>.

// Package log provides the process-wide structured logger. Call sites use key/value
// pairs ("extracted batch", "from_block", n, "events", len(events)) rather than
// formatting the message string, matching the convention in use across the codebase.
package log

import (
	"os"
	"sync"

	"go.uber.org/zap"
)

var (
	mu   sync.RWMutex
	root *zap.SugaredLogger
)

func init() {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// zap itself failing to build is effectively impossible with this config;
		// fall back to a no-op logger rather than panic in an init().
		logger = zap.NewNop()
	}
	root = logger.Sugar()
}

// SetLevel adjusts verbosity at runtime.
func SetLevel(debug bool) {
	mu.Lock()
	defer mu.Unlock()
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		os.Stderr.WriteString("log: failed to rebuild logger: " + err.Error() + "\n")
		return
	}
	root = logger.Sugar()
}

// Root returns the shared logger, mainly for packages that want a named child via With.
func Root() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

func Debug(msg string, kv ...any) {
	Root().Debugw(msg, kv...)
}

func Info(msg string, kv ...any) {
	Root().Infow(msg, kv...)
}

func Warn(msg string, kv ...any) {
	Root().Warnw(msg, kv...)
}

func Error(msg string, kv ...any) {
	Root().Errorw(msg, kv...)
}

func Fatal(msg string, kv ...any) {
	Root().Fatalw(msg, kv...)
}

// Named returns a child logger tagged with a component name, used to reproduce the
// "[component] message" bracketed-prefix convention at call sites that want it
// (e.g. log.Named("block_range").Infow(...)).
func Named(component string) *zap.SugaredLogger {
	return Root().Named(component)
}
