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

// Package config holds the tunables of the extension host, the extension
// definitions read from the extensions file and the command line flags that
// override them.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/srediag/extension-host/pkg/transport"
)

// ExtensionConfig is the process wide configuration.
type ExtensionConfig struct {
	Enabled        bool   `json:"enabled"`
	SessionSupport bool   `json:"sessionSupport"`
	ConfigPath     string `json:"configPath"`

	SnapshotTTLSeconds  ConstrainedInt `json:"snapshotTtlSeconds"`
	IdleTimeoutMinutes  ConstrainedInt `json:"idleTimeoutMinutes"`
	MaxMissedHeartbeats ConstrainedInt `json:"maxMissedHeartbeats"`
	FrameIntervalMs     ConstrainedInt `json:"frameIntervalMs"`

	HealthCheckIntervalSeconds int `json:"healthCheckIntervalSeconds"`
	MaxRestartAttempts         int `json:"maxRestartAttempts"`
	RestartCooldownSeconds     int `json:"restartCooldownSeconds"`
	HandshakeTimeoutSeconds    int `json:"handshakeTimeoutSeconds"`
	ShutdownGraceSeconds       int `json:"shutdownGraceSeconds"`

	DefaultTransportMode string `json:"defaultTransportMode"`
	// TransportDirectory holds segments and drop files. Empty selects a
	// per-mode default.
	TransportDirectory    string `json:"transportDirectory,omitempty"`
	MaxSnapshotSizeBytes  int64  `json:"maxSnapshotSizeBytes"`
	MinFreeDiskSpaceBytes int64  `json:"minFreeDiskSpaceBytes"`
	// MaxConversionFailures puts a session binding in backoff.
	MaxConversionFailures int `json:"maxConversionFailures"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *ExtensionConfig {
	return &ExtensionConfig{
		Enabled:        false,
		SessionSupport: true,
		ConfigPath:     "extensions.json",

		SnapshotTTLSeconds:  ConstrainedInt{Default: 300, Floor: 10, Ceiling: 3600},
		IdleTimeoutMinutes:  ConstrainedInt{Default: 30, Floor: 1, Ceiling: 1440, SpecialValue: 0, SpecialAllowed: true},
		MaxMissedHeartbeats: ConstrainedInt{Default: 3, Floor: 1, Ceiling: 10},
		FrameIntervalMs:     ConstrainedInt{Default: 1000, Floor: 100, Ceiling: 60000},

		HealthCheckIntervalSeconds: 30,
		MaxRestartAttempts:         3,
		RestartCooldownSeconds:     5,
		HandshakeTimeoutSeconds:    10,
		ShutdownGraceSeconds:       5,

		DefaultTransportMode:  string(transport.ModeFile),
		MaxSnapshotSizeBytes:  64 << 20,
		MinFreeDiskSpaceBytes: 100 << 20,
		MaxConversionFailures: 3,
	}
}

// Validate reports the first invalid field.
func (c *ExtensionConfig) Validate() error {
	if c == nil {
		return errors.New("extension config is nil")
	}
	if c.Enabled && !c.SessionSupport {
		return errors.New("Enabled: extensions require SessionSupport")
	}
	if c.HealthCheckIntervalSeconds <= 0 {
		return fmt.Errorf("HealthCheckIntervalSeconds must be positive, got %d", c.HealthCheckIntervalSeconds)
	}
	if c.MaxRestartAttempts < 0 {
		return fmt.Errorf("MaxRestartAttempts must not be negative, got %d", c.MaxRestartAttempts)
	}
	if c.RestartCooldownSeconds < 0 {
		return fmt.Errorf("RestartCooldownSeconds must not be negative, got %d", c.RestartCooldownSeconds)
	}
	if c.HandshakeTimeoutSeconds <= 0 {
		return fmt.Errorf("HandshakeTimeoutSeconds must be positive, got %d", c.HandshakeTimeoutSeconds)
	}
	if c.ShutdownGraceSeconds < 0 {
		return fmt.Errorf("ShutdownGraceSeconds must not be negative, got %d", c.ShutdownGraceSeconds)
	}
	if _, err := transport.ParseMode(c.DefaultTransportMode); err != nil {
		return fmt.Errorf("DefaultTransportMode: %w", err)
	}
	if c.MaxSnapshotSizeBytes < 0 {
		return fmt.Errorf("MaxSnapshotSizeBytes must not be negative, got %d", c.MaxSnapshotSizeBytes)
	}
	if c.MinFreeDiskSpaceBytes < 0 {
		return fmt.Errorf("MinFreeDiskSpaceBytes must not be negative, got %d", c.MinFreeDiskSpaceBytes)
	}
	if c.MaxConversionFailures <= 0 {
		return fmt.Errorf("MaxConversionFailures must be positive, got %d", c.MaxConversionFailures)
	}
	for _, f := range []struct {
		name string
		ci   ConstrainedInt
	}{
		{"SnapshotTTLSeconds", c.SnapshotTTLSeconds},
		{"IdleTimeoutMinutes", c.IdleTimeoutMinutes},
		{"MaxMissedHeartbeats", c.MaxMissedHeartbeats},
		{"FrameIntervalMs", c.FrameIntervalMs},
	} {
		if err := f.ci.Validate(); err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
	}
	return nil
}

func (c *ExtensionConfig) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalSeconds) * time.Second
}

func (c *ExtensionConfig) RestartCooldown() time.Duration {
	return time.Duration(c.RestartCooldownSeconds) * time.Second
}

func (c *ExtensionConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSeconds) * time.Second
}

func (c *ExtensionConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

func (c *ExtensionConfig) SnapshotTTL() time.Duration {
	return time.Duration(c.SnapshotTTLSeconds.Default) * time.Second
}
