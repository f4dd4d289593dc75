/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
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

// Package logging builds the hclog loggers used across the extension host.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

const (
	// EnvLogLevel overrides the level when no explicit level is given.
	EnvLogLevel = "EXTENSION_HOST_LOG_LEVEL"
	// EnvJSONLog switches output to JSON when set to "1".
	EnvJSONLog = "EXTENSION_HOST_JSON_LOG"

	defaultLevel = "warn"
)

// New creates a logger named name. An empty level falls back to
// EXTENSION_HOST_LOG_LEVEL and then to warn.
func New(name, level string, out io.Writer) hclog.Logger {
	if out == nil {
		out = os.Stderr
	}
	if strings.TrimSpace(level) == "" {
		level = LevelFromEnv()
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      hclog.LevelFromString(level),
		JSONFormat: os.Getenv(EnvJSONLog) == "1",
		Output:     out,
		TimeFormat: "2006-01-02T15:04:05.000Z",
		TimeFn: func() time.Time {
			return time.Now().UTC()
		},
	})
}

// LevelFromEnv returns the configured level, warn when unset.
func LevelFromEnv() string {
	if level := os.Getenv(EnvLogLevel); level != "" {
		return level
	}
	return defaultLevel
}

// OrNull returns l, or a logger that discards everything when l is nil.
func OrNull(l hclog.Logger) hclog.Logger {
	if l == nil {
		return hclog.NewNullLogger()
	}
	return l
}

// Writer adapts l into an io.Writer that logs every write as one line,
// inferring the level from a leading "[LEVEL]" tag and defaulting to info.
// Used to forward the stderr of extension processes.
func Writer(l hclog.Logger) io.Writer {
	return OrNull(l).StandardWriter(&hclog.StandardLoggerOptions{
		InferLevels:              true,
		InferLevelsWithTimestamp: true,
		ForceLevel:               hclog.NoLevel,
	})
}

// Level maps an extension-supplied level name onto hclog, debug when unknown.
func Level(name string) hclog.Level {
	level := hclog.LevelFromString(name)
	if level == hclog.NoLevel {
		return hclog.Debug
	}
	return level
}
