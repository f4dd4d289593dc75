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
	"fmt"
	"time"
)

// State is the lifecycle state of an extension process.
type State int

const (
	StateUnloaded State = iota
	StateStarting
	StateIdle
	StateBusy
	StateError
	StateDisposed
)

var stateNames = [...]string{
	StateUnloaded: "Unloaded",
	StateStarting: "Starting",
	StateIdle:     "Idle",
	StateBusy:     "Busy",
	StateError:    "Error",
	StateDisposed: "Disposed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Running reports whether a handshaken process backs the extension.
func (s State) Running() bool {
	return s == StateIdle || s == StateBusy
}

func allStateNames() []string {
	return stateNames[:]
}

// StateChange is delivered to state listeners.
type StateChange struct {
	ExtensionID string
	From        State
	To          State
	Reason      string
	At          time.Time
}
