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
	"sync"
	"time"

	"github.com/srediag/xshm/api"
)

// OpKind is the direction of a transfer.
type OpKind uint8

const (
	// KindPutImage moves pixels from the client to the server.
	KindPutImage OpKind = iota
	// KindGetImage moves pixels from the server to the client.
	KindGetImage
)

func (k OpKind) String() string {
	switch k {
	case KindPutImage:
		return "put_image"
	case KindGetImage:
		return "get_image"
	}
	return fmt.Sprintf("OpKind(%d)", uint8(k))
}

// Outcome is the observable state of an Operation.
type Outcome uint8

const (
	OutcomePending Outcome = iota
	OutcomeCompleted
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	}
	return fmt.Sprintf("Outcome(%d)", uint8(o))
}

// Operation is the handle of one in-flight image transfer.
//
// It resolves exactly once: completed when the server signalled it is done
// with the segment range, failed when the server rejected the request or the
// connection went away. Dropping the handle does not cancel anything; the
// tracker still accounts for the completion when it arrives.
type Operation struct {
	kind    OpKind
	seg     *Segment
	offset  uint32
	length  uint32
	image   api.Image
	seq     api.Sequence
	started time.Time

	done chan struct{}

	mu        sync.Mutex
	resolved  bool
	err       error
	callbacks []func(*Operation)
}

func newOperation(kind OpKind, seg *Segment, offset, length uint32, img api.Image) *Operation {
	return &Operation{
		kind:   kind,
		seg:    seg,
		offset: offset,
		length: length,
		image:  img,
		done:   make(chan struct{}),
	}
}

func (o *Operation) Kind() OpKind           { return o.kind }
func (o *Operation) Segment() *Segment      { return o.seg }
func (o *Operation) Offset() uint32         { return o.offset }
func (o *Operation) Length() uint32         { return o.length }
func (o *Operation) Image() api.Image       { return o.image }
func (o *Operation) Sequence() api.Sequence { return o.seq }
func (o *Operation) Started() time.Time     { return o.started }
func (o *Operation) Done() <-chan struct{}  { return o.done }

// Poll reports the outcome without blocking.
func (o *Operation) Poll() (Outcome, error) {
	select {
	case <-o.done:
	default:
		return OutcomePending, nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return OutcomeFailed, o.err
	}
	return OutcomeCompleted, nil
}

// Err returns the failure reason, nil after a successful completion and
// ErrNotComplete while the operation is pending.
func (o *Operation) Err() error {
	outcome, err := o.Poll()
	if outcome == OutcomePending {
		return ErrNotComplete
	}
	return err
}

// Wait blocks until the operation resolved or ctx is done. While waiting it
// takes its turn reading events from the connection, so it works without a
// separate Run loop.
func (o *Operation) Wait(ctx context.Context) error {
	if err := o.seg.display.wait(ctx, o.done); err != nil {
		return err
	}
	return o.Err()
}

// OnComplete registers fn to run once the operation resolved. Callbacks run
// on the display's worker pool, never on the goroutine delivering events.
func (o *Operation) OnComplete(fn func(*Operation)) {
	o.mu.Lock()
	select {
	case <-o.done:
	default:
		o.callbacks = append(o.callbacks, fn)
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	o.seg.display.runCallback(fn, o)
}

// Snapshot copies the operation's range out of the segment. It is only
// available after a successful completion; for GetImage this is the first
// moment the bytes are defined. Like ReadAt it fails with ErrRangeInFlight
// while a later GetImage overlaps the range. The copy is private to the
// caller, the server cannot change it afterwards.
func (o *Operation) Snapshot() ([]byte, error) {
	if err := o.Err(); err != nil {
		return nil, err
	}
	out := make([]byte, o.length)
	err := o.seg.View(uint64(o.offset), uint64(o.length), func(b []byte) error {
		copy(out, b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (o *Operation) overlaps(offset, length uint64) bool {
	start, end := uint64(o.offset), uint64(o.offset)+uint64(o.length)
	return offset < end && start < offset+length
}

// resolve settles the operation. Only the first call has an effect. notify
// runs before any waiter is released.
func (o *Operation) resolve(err error, notify func()) bool {
	o.mu.Lock()
	if o.resolved {
		o.mu.Unlock()
		return false
	}
	o.resolved = true
	o.err = err
	o.mu.Unlock()

	if notify != nil {
		notify()
	}

	o.mu.Lock()
	close(o.done)
	callbacks := o.callbacks
	o.callbacks = nil
	o.mu.Unlock()

	for _, fn := range callbacks {
		o.seg.display.runCallback(fn, o)
	}
	return true
}
