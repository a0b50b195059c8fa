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

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/srediag/xshm/api"
)

// tracker correlates completion events with pending operations by request
// sequence. Every operation it accepts is resolved exactly once: by complete,
// or by drain when the connection goes away.
//
// Lock order is segment mutex, then tracker mutex. complete and drain never
// hold the tracker mutex while taking a segment mutex.
type tracker struct {
	d *Display

	mu  sync.Mutex
	ops map[api.Sequence]*Operation
}

func newTracker(d *Display) *tracker {
	return &tracker{d: d, ops: make(map[api.Sequence]*Operation)}
}

// begin checks the segment, runs prepare and sends req, all under the
// segment mutex. The request goes out while the tracker mutex is held, so a
// completion cannot be dispatched before the operation is registered.
func (t *tracker) begin(ctx context.Context, op *Operation, exclusive bool, prepare func() error, req api.Request) error {
	seg := op.seg
	seg.mu.Lock()
	defer seg.mu.Unlock()
	if seg.state != StateAttached {
		return fmt.Errorf("%w: %s in state %s", ErrSegmentNotReady, op.kind, seg.state)
	}
	if err := seg.conflictLocked(uint64(op.offset), uint64(op.length), exclusive); err != nil {
		return err
	}
	if err := t.d.Err(); err != nil {
		return err
	}
	if prepare != nil {
		if err := prepare(); err != nil {
			return err
		}
	}

	t.mu.Lock()
	op.started = time.Now()
	seq, err := t.d.send(ctx, req)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	op.seq = seq
	t.ops[seq] = op
	t.mu.Unlock()

	seg.inflight[seq] = op
	t.d.obs.OperationStarted(op)
	return nil
}

// complete resolves the operation registered under seq. A server error
// fails it with ErrServerRejected. An unknown sequence is an orphan: it is
// counted and reported, never fatal.
func (t *tracker) complete(seq api.Sequence, serverErr error) error {
	t.mu.Lock()
	op, ok := t.ops[seq]
	delete(t.ops, seq)
	t.mu.Unlock()
	if !ok {
		if t.d.Err() != nil {
			// late completion of an operation the teardown already failed
			internalLogger.debugf("completion for sequence %d after teardown", seq)
			return fmt.Errorf("%w: sequence %d", ErrOrphanCompletion, seq)
		}
		t.d.obs.OrphanCompletion(seq)
		internalLogger.warnf("completion for sequence %d matches no pending operation", seq)
		return fmt.Errorf("%w: sequence %d", ErrOrphanCompletion, seq)
	}

	seg := op.seg
	seg.mu.Lock()
	delete(seg.inflight, seq)
	seg.mu.Unlock()

	var err error
	if serverErr != nil {
		err = rejected(serverErr)
		internalLogger.infof("%s on segment %#x rejected: %v", op.kind, uint32(seg.id), serverErr)
	}
	t.finish(op, err)
	return nil
}

// drain fails every pending operation with cause and returns how many there
// were.
func (t *tracker) drain(cause error) int {
	t.mu.Lock()
	ops := t.ops
	t.ops = make(map[api.Sequence]*Operation)
	t.mu.Unlock()

	for seq, op := range ops {
		op.seg.mu.Lock()
		delete(op.seg.inflight, seq)
		op.seg.mu.Unlock()
		t.finish(op, cause)
	}
	return len(ops)
}

func (t *tracker) finish(op *Operation, err error) {
	op.resolve(err, func() {
		t.d.obs.OperationFinished(op, err)
	})
}

func (t *tracker) lookup(seq api.Sequence) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.ops[seq]
	return ok
}

func (t *tracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops)
}

// stuck returns the operations pending for longer than threshold, oldest
// first.
func (t *tracker) stuck(threshold time.Duration) []*Operation {
	now := time.Now()
	t.mu.Lock()
	var out []*Operation
	for _, op := range t.ops {
		if now.Sub(op.started) > threshold {
			out = append(out, op)
		}
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
