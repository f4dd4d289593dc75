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

// Package health tracks extension heartbeats and exposes the availability
// of all extensions as liveness and readiness endpoints.
package health

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/heptiolabs/healthcheck"
)

// Tracker counts heartbeats that went unanswered. A heartbeat still
// outstanding when the next one is sent counts as missed.
type Tracker struct {
	mu          sync.Mutex
	max         int
	outstanding bool
	lastID      uint64
	missed      int
	lastAck     time.Time
}

// NewTracker tolerates max consecutive missed heartbeats.
func NewTracker(max int) *Tracker {
	return &Tracker{max: max}
}

// Sent records heartbeat id going out.
func (t *Tracker) Sent(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.outstanding {
		t.missed++
	}
	t.outstanding = true
	t.lastID = id
}

// Acked records the answer to heartbeat id. Answers to older heartbeats
// still prove the process alive.
func (t *Tracker) Acked(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id > t.lastID {
		return
	}
	t.outstanding = false
	t.missed = 0
	t.lastAck = time.Now()
}

func (t *Tracker) Missed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.missed
}

// Exceeded reports whether more than max heartbeats were missed.
func (t *Tracker) Exceeded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.missed > t.max
}

func (t *Tracker) LastAck() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastAck
}

// Reset forgets everything, used when a process is restarted.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outstanding = false
	t.lastID = 0
	t.missed = 0
	t.lastAck = time.Time{}
}

// Status is the availability of one extension.
type Status struct {
	ID        string `json:"id"`
	Available bool   `json:"available"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
}

// Reporter lists the current status of every extension.
type Reporter interface {
	HealthStatuses() []Status
}

// MaxGoroutines bounds the liveness goroutine check.
const MaxGoroutines = 10000

// NewHandler serves /live and /ready. Readiness fails while any extension
// is unavailable.
func NewHandler(r Reporter) healthcheck.Handler {
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(MaxGoroutines))
	h.AddReadinessCheck("extensions", ExtensionsCheck(r))
	return h
}

// ExtensionsCheck fails with the ids and reasons of unavailable extensions.
func ExtensionsCheck(r Reporter) healthcheck.Check {
	return func() error {
		var down []string
		for _, s := range r.HealthStatuses() {
			if s.Available {
				continue
			}
			if s.Reason != "" {
				down = append(down, fmt.Sprintf("%s (%s)", s.ID, s.Reason))
			} else {
				down = append(down, s.ID)
			}
		}
		if len(down) == 0 {
			return nil
		}
		sort.Strings(down)
		return errors.New("unavailable extensions: " + strings.Join(down, ", "))
	}
}
