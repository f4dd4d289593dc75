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
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/srediag/extension-host/api"
	"github.com/srediag/extension-host/pkg/transport"
)

// Command describes how an extension process is launched.
type Command struct {
	Type             string            `json:"type"`
	Executable       string            `json:"executable"`
	Arguments        []string          `json:"arguments,omitempty"`
	WorkingDirectory string            `json:"workingDirectory,omitempty"`
	Environment      map[string]string `json:"environment,omitempty"`
}

// ExtensionCapabilities overrides global tunables for one extension. A nil
// field inherits the global value.
type ExtensionCapabilities struct {
	SupportsHeartbeat   bool `json:"supportsHeartbeat"`
	IdleTimeoutMinutes  *int `json:"idleTimeoutMinutes,omitempty"`
	FrameIntervalMs     *int `json:"frameIntervalMs,omitempty"`
	MaxMissedHeartbeats *int `json:"maxMissedHeartbeats,omitempty"`
	SnapshotTTLSeconds  *int `json:"snapshotTtlSeconds,omitempty"`
}

// EffectiveCapabilities are the tunables in force for one extension.
type EffectiveCapabilities struct {
	SupportsHeartbeat   bool
	IdleTimeout         time.Duration // 0 disables the idle stop
	FrameInterval       time.Duration
	MaxMissedHeartbeats int
	SnapshotTTL         time.Duration
}

// Resolve merges c with cfg, clamping every override. The returned warnings
// describe each clamped value. c may be nil.
func (c *ExtensionCapabilities) Resolve(cfg *ExtensionConfig) (EffectiveCapabilities, []string) {
	if c == nil {
		c = &ExtensionCapabilities{}
	}
	var warnings []string
	apply := func(name string, ci ConstrainedInt, v *int) int {
		r, w := ci.ApplyWithWarning(name, v)
		if w != "" {
			warnings = append(warnings, w)
		}
		return r
	}
	idle := apply("idleTimeoutMinutes", cfg.IdleTimeoutMinutes, c.IdleTimeoutMinutes)
	frame := apply("frameIntervalMs", cfg.FrameIntervalMs, c.FrameIntervalMs)
	missed := apply("maxMissedHeartbeats", cfg.MaxMissedHeartbeats, c.MaxMissedHeartbeats)
	ttl := apply("snapshotTtlSeconds", cfg.SnapshotTTLSeconds, c.SnapshotTTLSeconds)

	return EffectiveCapabilities{
		SupportsHeartbeat:   c.SupportsHeartbeat,
		IdleTimeout:         time.Duration(idle) * time.Minute,
		FrameInterval:       time.Duration(frame) * time.Millisecond,
		MaxMissedHeartbeats: missed,
		SnapshotTTL:         time.Duration(ttl) * time.Second,
	}, warnings
}

// DisplayInfo is reported by the extension during the handshake.
type DisplayInfo struct {
	Name        string `json:"name,omitempty"`
	Version     string `json:"version,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Author      string `json:"author,omitempty"`
	WebsiteURL  string `json:"websiteUrl,omitempty"`
}

// ExtensionDefinition is one entry of the extensions file. The runtime
// fields are never serialized and are changed by the owning extension.
type ExtensionDefinition struct {
	InputFormats           []string               `json:"inputFormats"`
	SupportedDocumentTypes []string               `json:"supportedDocumentTypes"`
	TransportModes         []string               `json:"transportModes,omitempty"`
	PreferredTransportMode string                 `json:"preferredTransportMode,omitempty"`
	ProtocolVersion        string                 `json:"protocolVersion,omitempty"`
	Command                *Command               `json:"command,omitempty"`
	Capabilities           *ExtensionCapabilities `json:"capabilities,omitempty"`

	ID string `json:"-"`

	mu          sync.RWMutex
	unavailable bool
	reason      string
	display     DisplayInfo
}

// normalize lower-cases the format and type sets and fills defaults.
func (d *ExtensionDefinition) normalize() {
	d.InputFormats = lowerSet(d.InputFormats)
	d.SupportedDocumentTypes = lowerSet(d.SupportedDocumentTypes)
	d.TransportModes = lowerSet(d.TransportModes)
	if len(d.TransportModes) == 0 {
		d.TransportModes = []string{string(transport.ModeFile)}
	}
	d.PreferredTransportMode = strings.ToLower(strings.TrimSpace(d.PreferredTransportMode))
	if d.ProtocolVersion == "" {
		d.ProtocolVersion = api.ProtocolVersion
	}
}

func lowerSet(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || slices.Contains(out, s) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// HasCommand reports whether the extension is backed by a process.
func (d *ExtensionDefinition) HasCommand() bool {
	return d.Command != nil && d.Command.Executable != ""
}

// Matches reports whether the definition accepts the pair. Empty sets
// match everything.
func (d *ExtensionDefinition) Matches(documentType, format string) bool {
	if len(d.SupportedDocumentTypes) > 0 && !slices.Contains(d.SupportedDocumentTypes, strings.ToLower(documentType)) {
		return false
	}
	if len(d.InputFormats) > 0 && !slices.Contains(d.InputFormats, strings.ToLower(format)) {
		return false
	}
	return true
}

// AcceptsFormat reports whether format is one of the input formats.
func (d *ExtensionDefinition) AcceptsFormat(format string) bool {
	return len(d.InputFormats) == 0 || slices.Contains(d.InputFormats, strings.ToLower(format))
}

func (d *ExtensionDefinition) IsAvailable() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return !d.unavailable
}

func (d *ExtensionDefinition) UnavailableReason() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.reason
}

func (d *ExtensionDefinition) MarkUnavailable(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unavailable = true
	d.reason = reason
}

func (d *ExtensionDefinition) MarkAvailable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unavailable = false
	d.reason = ""
}

// ApplyHandshake stores the display metadata reported by the process.
func (d *ExtensionDefinition) ApplyHandshake(resp api.InitializeResponse) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.display = DisplayInfo{
		Name:        resp.Name,
		Version:     resp.Version,
		Title:       resp.Title,
		Description: resp.Description,
		Author:      resp.Author,
		WebsiteURL:  resp.WebsiteURL,
	}
}

func (d *ExtensionDefinition) Display() DisplayInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.display
}

// Name is the handshake name, or the id before any handshake.
func (d *ExtensionDefinition) Name() string {
	if n := d.Display().Name; n != "" {
		return n
	}
	return d.ID
}
