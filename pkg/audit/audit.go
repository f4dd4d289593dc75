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

// Package audit keeps a bounded journal of extension state transitions.
package audit

import (
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/hashicorp/go-hclog"

	"github.com/srediag/extension-host/internal/logging"
)

// DefaultCapacity is the journal size used when none is given.
const DefaultCapacity = 256

// Event is one state transition.
type Event struct {
	ExtensionID string    `json:"extensionId"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

// Journal logs every event and keeps the most recent ones. When full the
// oldest event is dropped.
type Journal struct {
	logger hclog.Logger
	ring   *queue.RingBuffer
}

func NewJournal(capacity int, logger hclog.Logger) *Journal {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Journal{
		logger: logging.OrNull(logger).Named("audit"),
		ring:   queue.NewRingBuffer(uint64(capacity)),
	}
}

// Record stores e, stamping it when At is zero.
func (j *Journal) Record(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	j.logger.Debug("state transition", "extension", e.ExtensionID, "from", e.From, "to", e.To, "reason", e.Reason)
	for {
		ok, err := j.ring.Offer(e)
		if err != nil || ok {
			return
		}
		// Full. Make room and try again.
		if _, err := j.ring.Poll(time.Millisecond); err != nil && err != queue.ErrTimeout {
			return
		}
	}
}

// Len is the number of stored events.
func (j *Journal) Len() int {
	return int(j.ring.Len())
}

// Drain removes and returns the stored events, oldest first.
func (j *Journal) Drain() []Event {
	var events []Event
	for j.ring.Len() > 0 {
		item, err := j.ring.Poll(time.Millisecond)
		if err != nil {
			break
		}
		events = append(events, item.(Event))
	}
	return events
}

// Dispose releases goroutines blocked on the journal.
func (j *Journal) Dispose() {
	j.ring.Dispose()
}
