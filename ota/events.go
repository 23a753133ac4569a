//
// Copyright (c) 2023-2026 Uniota Contributors
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
package ota

// State identifies a point in the update lifecycle observable from outside
// the session.
type State int

const (
	StateStarted State = iota
	StateInProgress
	StateCompleted
	StateAborted
	StateError
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateInProgress:
		return "in progress"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Event is a discrete lifecycle notification. Progress is a percentage,
// meaningful for StateInProgress; Code is set for StateError.
type Event struct {
	State    State
	Progress float64
	Code     Response
}

// StateCallback observes session lifecycle events. Callbacks run on the
// session goroutine and must not block.
type StateCallback func(Event)
