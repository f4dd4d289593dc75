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

package extension

import (
	"context"
	"mime"
	"strings"

	"github.com/srediag/extension-host/api"
)

// BindSession routes the snapshots of sessionID to extensionID. Binding a
// session again replaces the previous binding.
func (m *Manager) BindSession(sessionID, extensionID, outputFormat, owner string) api.BindingResult {
	if m.disposed.Load() {
		return api.BindingFailed(api.ErrorExtensionUnavailable, "%v", ErrManagerDisposed)
	}
	if sessionID == "" || extensionID == "" {
		return api.BindingFailed(api.ErrorInvalidParameter, "session and extension ids are required")
	}
	ext, ok := m.extensions.Get(extensionID)
	if !ok {
		return api.BindingFailed(api.ErrorExtensionNotFound, "unknown extension %q", extensionID)
	}
	if ext.IsDisposed() || !ext.Definition().IsAvailable() {
		return api.BindingFailed(api.ErrorExtensionUnavailable, "extension %q is unavailable: %s", extensionID, ext.Definition().UnavailableReason())
	}
	if outputFormat != "" && !ext.Definition().AcceptsFormat(outputFormat) {
		return api.BindingFailed(api.ErrorFormatNotSupported, "extension %q does not accept %q", extensionID, outputFormat)
	}
	b := NewSessionBinding(sessionID, extensionID, strings.ToLower(outputFormat), owner, m.cfg.MaxConversionFailures)
	m.bindings.Set(sessionID, b)
	return api.BindingOK(sessionID, extensionID)
}

// UnbindSession removes the binding and tells the extension.
func (m *Manager) UnbindSession(ctx context.Context, sessionID string) api.BindingResult {
	if m.disposed.Load() {
		return api.BindingFailed(api.ErrorExtensionUnavailable, "%v", ErrManagerDisposed)
	}
	b, ok := m.bindings.Pop(sessionID)
	if !ok {
		return api.BindingFailed(api.ErrorBindingNotFound, "no binding for session %q", sessionID)
	}
	if ext, ok := m.extensions.Get(b.ExtensionID()); ok {
		ext.NotifySessionClosed(ctx, sessionID, b.OutputFormat())
	}
	return api.BindingOK(sessionID, b.ExtensionID())
}

// GetBinding returns the binding of sessionID.
func (m *Manager) GetBinding(sessionID string) (*SessionBindingInfo, bool) {
	if m.disposed.Load() {
		return nil, false
	}
	return m.bindings.Get(sessionID)
}

// DeliverSnapshot sends data for a bound session to its extension. Failed
// sends count toward the backoff of the binding.
func (m *Manager) DeliverSnapshot(ctx context.Context, sessionID, documentType string, data []byte) api.BindingResult {
	if m.disposed.Load() {
		return api.BindingFailed(api.ErrorExtensionUnavailable, "%v", ErrManagerDisposed)
	}
	b, ok := m.bindings.Get(sessionID)
	if !ok {
		return api.BindingFailed(api.ErrorBindingNotFound, "no binding for session %q", sessionID)
	}
	if b.IsInBackoff() {
		return api.BindingFailed(api.ErrorConversionFailed, "session %q is in backoff after %d failures", sessionID, b.ConversionFailures())
	}
	ext := m.GetExtension(b.ExtensionID())
	if ext == nil {
		return api.BindingFailed(api.ErrorExtensionUnavailable, "extension %q is unavailable", b.ExtensionID())
	}

	format := b.OutputFormat()
	md := api.NewMetadata(sessionID, ext.NextSequence(), documentType, format, mimeType(format), data)
	if !ext.SendSnapshot(ctx, data, md) {
		if b.RecordConversionFailure() {
			m.logger.Warn("session entered backoff", "session", sessionID, "extension", ext.ID())
		}
		return api.BindingFailed(api.ErrorConversionFailed, "extension %q did not accept snapshot %d", ext.ID(), md.SequenceNumber)
	}
	b.UpdateLastSent()
	return api.BindingOK(sessionID, ext.ID())
}

func mimeType(format string) string {
	if format == "" {
		return "application/octet-stream"
	}
	if t := mime.TypeByExtension("." + format); t != "" {
		return t
	}
	return "application/octet-stream"
}
