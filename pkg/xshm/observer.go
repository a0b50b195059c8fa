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

import "github.com/srediag/xshm/api"

// Observer receives lifecycle notifications. SegmentCreated and
// SegmentTransition run while the segment's lock is held: implementations
// must be fast and must not call back into the segment.
type Observer interface {
	SegmentCreated(seg *Segment)
	SegmentTransition(seg *Segment, from, to SegmentState)
	OperationStarted(op *Operation)
	OperationFinished(op *Operation, err error)
	OrphanCompletion(seq api.Sequence)
}

type observers []Observer

func (o observers) SegmentCreated(seg *Segment) {
	for _, ob := range o {
		ob.SegmentCreated(seg)
	}
}

func (o observers) SegmentTransition(seg *Segment, from, to SegmentState) {
	for _, ob := range o {
		ob.SegmentTransition(seg, from, to)
	}
}

func (o observers) OperationStarted(op *Operation) {
	for _, ob := range o {
		ob.OperationStarted(op)
	}
}

func (o observers) OperationFinished(op *Operation, err error) {
	for _, ob := range o {
		ob.OperationFinished(op, err)
	}
}

func (o observers) OrphanCompletion(seq api.Sequence) {
	for _, ob := range o {
		ob.OrphanCompletion(seq)
	}
}
