/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
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

package xshm

import "fmt"

// SegmentState is the lifecycle state of a Segment.
type SegmentState uint32

const (
	// StateCreated: the region exists locally, the server does not know it.
	StateCreated SegmentState = iota
	// StateAttachPending: Attach was sent, no acknowledgement yet.
	StateAttachPending
	// StateAttached: the server holds the segment; transfers are allowed.
	StateAttached
	// StateDetachPending: Detach was sent, no acknowledgement yet.
	StateDetachPending
	// StateDetached: the server released the segment, the local region is
	// being released.
	StateDetached
	// StateDestroyed: the local region is gone. Terminal.
	StateDestroyed
)

var stateNames = [...]string{
	StateCreated:       "Created",
	StateAttachPending: "AttachPending",
	StateAttached:      "Attached",
	StateDetachPending: "DetachPending",
	StateDetached:      "Detached",
	StateDestroyed:     "Destroyed",
}

func (s SegmentState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("SegmentState(%d)", uint32(s))
}

// Terminal reports whether no further request may reference the segment.
func (s SegmentState) Terminal() bool {
	return s == StateDetached || s == StateDestroyed
}

// Mapped reports whether the local buffer is still valid memory.
func (s SegmentState) Mapped() bool {
	return s <= StateDetachPending
}

// transitions lists every legal edge of the attachment state machine.
// Teardown edges into StateDestroyed are included.
var transitions = map[SegmentState][]SegmentState{
	StateCreated:       {StateAttachPending, StateDestroyed},
	StateAttachPending: {StateAttached, StateDestroyed},
	StateAttached:      {StateDetachPending, StateDestroyed},
	StateDetachPending: {StateDetached, StateDestroyed},
	StateDetached:      {StateDestroyed},
}

func canTransition(from, to SegmentState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
