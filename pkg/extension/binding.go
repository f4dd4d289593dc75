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
	"sync"
	"time"
)

// DefaultMaxConversionFailures is used when a binding is created without a
// limit.
const DefaultMaxConversionFailures = 3

// SessionBindingInfo ties a session to the extension that receives its
// snapshots. All methods are safe for concurrent use.
type SessionBindingInfo struct {
	mu           sync.Mutex
	sessionID    string
	extensionID  string
	owner        string
	outputFormat string
	createdAt    time.Time
	lastSentAt   time.Time
	needsSend    bool
	failures     int
	maxFailures  int
}

// NewSessionBinding creates a binding that needs a first send.
func NewSessionBinding(sessionID, extensionID, outputFormat, owner string, maxFailures int) *SessionBindingInfo {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxConversionFailures
	}
	return &SessionBindingInfo{
		sessionID:    sessionID,
		extensionID:  extensionID,
		owner:        owner,
		outputFormat: outputFormat,
		createdAt:    time.Now(),
		needsSend:    true,
		maxFailures:  maxFailures,
	}
}

func (b *SessionBindingInfo) SessionID() string   { return b.sessionID }
func (b *SessionBindingInfo) ExtensionID() string { return b.extensionID }
func (b *SessionBindingInfo) Owner() string       { return b.owner }
func (b *SessionBindingInfo) CreatedAt() time.Time {
	return b.createdAt
}

func (b *SessionBindingInfo) OutputFormat() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.outputFormat
}

func (b *SessionBindingInfo) LastSentAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSentAt
}

func (b *SessionBindingInfo) NeedsSend() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.needsSend
}

func (b *SessionBindingInfo) MarkNeedsSend() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.needsSend = true
}

func (b *SessionBindingInfo) ConversionFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// RecordConversionFailure counts one failure and reports whether this
// failure put the binding in backoff.
func (b *SessionBindingInfo) RecordConversionFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	return b.failures == b.maxFailures
}

// IsInBackoff reports whether sends are suppressed after repeated failures.
func (b *SessionBindingInfo) IsInBackoff() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures >= b.maxFailures
}

func (b *SessionBindingInfo) ResetConversionFailures() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// UpdateLastSent records a successful send.
func (b *SessionBindingInfo) UpdateLastSent() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSentAt = time.Now()
	b.needsSend = false
	b.failures = 0
}

// UpdateFormat switches the output format, which needs a new send.
func (b *SessionBindingInfo) UpdateFormat(format string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outputFormat = format
	b.needsSend = true
	b.failures = 0
}
