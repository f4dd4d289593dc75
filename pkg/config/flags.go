/*
 * Copyright 2025 SREDiag Authors
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

package config

import (
	"errors"
	"strings"

	"github.com/spf13/pflag"

	"github.com/srediag/extension-host/pkg/transport"
)

const (
	FlagEnabled        = "extension-enabled"
	FlagDisabled       = "extension-disabled"
	FlagConfig         = "extension-config"
	FlagSnapshotTTL    = "extension-snapshot-ttl"
	FlagIdleTimeout    = "extension-idle-timeout"
	FlagHealthInterval = "extension-health-interval"
	FlagMaxRestarts    = "extension-max-restarts"
	FlagTransportMode  = "extension-transport-mode"

	flagPrefix = "--extension-"
)

// Flags binds the extension flags of a flag set.
type Flags struct {
	fs *pflag.FlagSet

	enabled        bool
	disabled       bool
	configPath     string
	snapshotTTL    int
	idleTimeout    int
	healthInterval int
	maxRestarts    int
	transportMode  string
}

// RegisterFlags adds the extension flags to fs.
func RegisterFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	def := DefaultConfig()
	fs.BoolVar(&f.enabled, FlagEnabled, false, "enable extensions")
	fs.BoolVar(&f.disabled, FlagDisabled, false, "disable extensions")
	fs.StringVar(&f.configPath, FlagConfig, def.ConfigPath, "path of the extensions file")
	fs.IntVar(&f.snapshotTTL, FlagSnapshotTTL, def.SnapshotTTLSeconds.Default, "seconds an unacknowledged snapshot is kept")
	fs.IntVar(&f.idleTimeout, FlagIdleTimeout, def.IdleTimeoutMinutes.Default, "minutes of inactivity before an extension is stopped, 0 never")
	fs.IntVar(&f.healthInterval, FlagHealthInterval, def.HealthCheckIntervalSeconds, "seconds between extension health checks")
	fs.IntVar(&f.maxRestarts, FlagMaxRestarts, def.MaxRestartAttempts, "restart attempts before an extension stays in error")
	fs.StringVar(&f.transportMode, FlagTransportMode, def.DefaultTransportMode, "default snapshot transport: mmap, stdin or file")
	return f
}

// Apply copies the flags that were set on the command line into cfg. It
// returns a warning for every clamped value.
func (f *Flags) Apply(cfg *ExtensionConfig) ([]string, error) {
	changed := f.fs.Changed
	if changed(FlagEnabled) && changed(FlagDisabled) && f.enabled && f.disabled {
		return nil, errors.New("--extension-enabled and --extension-disabled are exclusive")
	}
	if changed(FlagEnabled) {
		cfg.Enabled = f.enabled
	}
	if changed(FlagDisabled) && f.disabled {
		cfg.Enabled = false
	}
	if changed(FlagConfig) {
		cfg.ConfigPath = f.configPath
	}

	var warnings []string
	if changed(FlagSnapshotTTL) {
		var w string
		cfg.SnapshotTTLSeconds, w = cfg.SnapshotTTLSeconds.WithDefault(FlagSnapshotTTL, f.snapshotTTL)
		warnings = appendWarning(warnings, w)
	}
	if changed(FlagIdleTimeout) {
		var w string
		cfg.IdleTimeoutMinutes, w = cfg.IdleTimeoutMinutes.WithDefault(FlagIdleTimeout, f.idleTimeout)
		warnings = appendWarning(warnings, w)
	}
	if changed(FlagHealthInterval) {
		cfg.HealthCheckIntervalSeconds = f.healthInterval
	}
	if changed(FlagMaxRestarts) {
		cfg.MaxRestartAttempts = f.maxRestarts
	}
	if changed(FlagTransportMode) {
		mode, err := transport.ParseMode(f.transportMode)
		if err != nil {
			return warnings, err
		}
		cfg.DefaultTransportMode = string(mode)
	}
	return warnings, nil
}

func appendWarning(warnings []string, w string) []string {
	if w == "" {
		return warnings
	}
	return append(warnings, w)
}

// NormalizeArgs rewrites "--extension-name:value" into
// "--extension-name=value" so the colon separator parses like '='.
func NormalizeArgs(args []string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = arg
		if arg == "--" {
			copy(out[i+1:], args[i+1:])
			break
		}
		if !strings.HasPrefix(arg, flagPrefix) {
			continue
		}
		colon := strings.IndexByte(arg, ':')
		eq := strings.IndexByte(arg, '=')
		if colon > 0 && (eq < 0 || colon < eq) {
			out[i] = arg[:colon] + "=" + arg[colon+1:]
		}
	}
	return out
}
