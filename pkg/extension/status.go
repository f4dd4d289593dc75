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
	"sort"
	"time"

	"github.com/srediag/extension-host/pkg/health"
)

// ExtensionStatusInfo is a point in time view of one extension.
type ExtensionStatusInfo struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	IsAvailable       bool      `json:"isAvailable"`
	State             State     `json:"state"`
	LastActivity      time.Time `json:"lastActivity"`
	RestartCount      int       `json:"restartCount"`
	UnavailableReason string    `json:"unavailableReason,omitempty"`
}

// GetExtensionStatuses describes every loaded extension by id.
func (m *Manager) GetExtensionStatuses() map[string]ExtensionStatusInfo {
	if m.disposed.Load() {
		return nil
	}
	out := make(map[string]ExtensionStatusInfo)
	for _, def := range m.definitions() {
		info := ExtensionStatusInfo{
			ID:                def.ID,
			Name:              def.Name(),
			IsAvailable:       m.available(def),
			UnavailableReason: def.UnavailableReason(),
		}
		if ext, ok := m.extensions.Get(def.ID); ok {
			info.State = ext.State()
			info.LastActivity = ext.LastActivity()
			info.RestartCount = ext.RestartCount()
			if ext.IsDisposed() && info.UnavailableReason == "" {
				info.UnavailableReason = stoppedReason
			}
		}
		out[def.ID] = info
	}
	return out
}

// HealthStatuses implements health.Reporter.
func (m *Manager) HealthStatuses() []health.Status {
	statuses := m.GetExtensionStatuses()
	out := make([]health.Status, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, health.Status{
			ID:        s.ID,
			Available: s.IsAvailable,
			State:     s.State.String(),
			Reason:    s.UnavailableReason,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
