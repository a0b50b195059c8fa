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
	"errors"
	"fmt"
	"sync"

	"github.com/srediag/xshm/api"
	"github.com/srediag/xshm/pkg/shm"
)

// Segment is one shared memory region as known to the server.
//
// The state and the set of in-flight operations change only under mu. The
// buffer is valid memory while the state is Created, AttachPending, Attached
// or DetachPending; it is released on the way to Destroyed and never touched
// again.
type Segment struct {
	display  *Display
	buf      *shm.Buffer
	id       api.SegID
	size     uint64
	readOnly bool

	mu        sync.Mutex
	state     SegmentState
	inflight  map[api.Sequence]*Operation
	abandoned bool
}

// SegmentOption configures CreateSegment.
type SegmentOption func(*segmentOptions)

type segmentOptions struct {
	serverWritable bool
}

// WithServerWrite grants the server write access to the segment. It is
// required for GetImage.
func WithServerWrite() SegmentOption {
	return func(o *segmentOptions) {
		o.serverWritable = true
	}
}

// Size returns the negotiated size in bytes.
func (s *Segment) Size() uint64 { return s.size }

// ReadOnly reports whether the server is denied write access.
func (s *Segment) ReadOnly() bool { return s.readOnly }

// ShmID returns the OS identifier of the region.
func (s *Segment) ShmID() int { return s.buf.ID() }

// State returns the current lifecycle state.
func (s *Segment) State() SegmentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ServerID returns the server-side identifier. It is only defined while an
// attachment exists or is being set up or torn down.
func (s *Segment) ServerID() (api.SegID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateAttachPending, StateAttached, StateDetachPending:
		return s.id, true
	}
	return 0, false
}

// PendingOps returns the number of transfers waiting for completion.
func (s *Segment) PendingOps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

func (s *Segment) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("seg %#x (shmid %d, %d bytes, %s, %d pending)", uint32(s.id), s.buf.ID(), s.size, s.state, len(s.inflight))
}

// setStateLocked moves the segment along a legal edge. mu must be held.
func (s *Segment) setStateLocked(to SegmentState) bool {
	from := s.state
	if from == to {
		return true
	}
	if !canTransition(from, to) {
		internalLogger.errorf("segment %#x: illegal transition %s -> %s", uint32(s.id), from, to)
		return false
	}
	s.state = to
	s.display.obs.SegmentTransition(s, from, to)
	internalLogger.debugf("segment %#x: %s -> %s", uint32(s.id), from, to)
	return true
}

// Attach registers the segment with the server and waits for the
// acknowledgement. It may be called once; on a server error the segment is
// destroyed and the error wraps ErrServerRejected.
func (s *Segment) Attach(ctx context.Context) error {
	w, err := s.beginAttach(ctx)
	if err != nil {
		s.display.noteError(err)
		return err
	}
	return s.display.awaitAck(ctx, w)
}

func (s *Segment) beginAttach(ctx context.Context) (*ackWaiter, error) {
	d := s.display
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCreated {
		return nil, fmt.Errorf("%w: attach in state %s", ErrSegmentNotReady, s.state)
	}
	w := newAckWaiter(s, api.OpAttach)
	err := d.sendChecked(ctx, api.AttachRequest{
		Seg:      s.id,
		ShmID:    uint32(s.buf.ID()),
		ReadOnly: s.readOnly,
	}, w)
	if err != nil {
		return nil, err
	}
	s.setStateLocked(StateAttachPending)
	return w, nil
}

// Detach unregisters the segment and waits for the acknowledgement, after
// which the local region is released. It fails fast with
// ErrOperationsPending while transfers are in flight: the protocol gives no
// way to know when the server stops touching memory of a detached segment.
func (s *Segment) Detach(ctx context.Context) error {
	w, err := s.beginDetach(ctx)
	if err != nil {
		s.display.noteError(err)
		return err
	}
	return s.display.awaitAck(ctx, w)
}

func (s *Segment) beginDetach(ctx context.Context) (*ackWaiter, error) {
	d := s.display
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAttached {
		return nil, fmt.Errorf("%w: detach in state %s", ErrSegmentNotReady, s.state)
	}
	if n := len(s.inflight); n > 0 {
		return nil, fmt.Errorf("%w: %d in flight", ErrOperationsPending, n)
	}
	w := newAckWaiter(s, api.OpDetach)
	if err := d.sendChecked(ctx, api.DetachRequest{Seg: s.id}, w); err != nil {
		return nil, err
	}
	s.setStateLocked(StateDetachPending)
	return w, nil
}

// Destroy releases a segment that was never attached. Terminal segments are
// left alone; any other state must go through Detach.
func (s *Segment) Destroy() error {
	s.mu.Lock()
	switch {
	case s.state.Terminal():
		s.mu.Unlock()
		return nil
	case s.state != StateCreated:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: destroy in state %s", ErrSegmentNotReady, state)
	}
	s.setStateLocked(StateDestroyed)
	s.mu.Unlock()
	return s.release()
}

// Close releases the segment whatever it went through: it detaches an
// attached segment, destroys a created one and does nothing for a terminal
// one. It is meant for defer.
func (s *Segment) Close(ctx context.Context) error {
	switch state := s.State(); state {
	case StateCreated:
		return s.Destroy()
	case StateAttached:
		return s.Detach(ctx)
	case StateDetached, StateDestroyed:
		return nil
	default:
		return fmt.Errorf("%w: close in state %s", ErrSegmentNotReady, state)
	}
}

// ackReceived applies the server's answer to an Attach or Detach.
func (s *Segment) ackReceived(w *ackWaiter, serverErr error) {
	s.mu.Lock()
	switch {
	case w.op == api.OpAttach && s.state == StateAttachPending:
		if serverErr == nil {
			s.setStateLocked(StateAttached)
			abandoned := s.abandoned
			s.mu.Unlock()
			w.resolve(nil)
			if abandoned {
				s.detachAbandoned()
			}
			return
		}
		s.setStateLocked(StateDestroyed)
		s.mu.Unlock()
		s.logReleaseError(s.release())
		w.resolve(rejected(serverErr))
		return

	case w.op == api.OpDetach && s.state == StateDetachPending:
		if serverErr != nil {
			s.setStateLocked(StateDestroyed)
			s.mu.Unlock()
			s.logReleaseError(s.release())
			w.resolve(rejected(serverErr))
			return
		}
		s.setStateLocked(StateDetached)
		s.mu.Unlock()
		if err := s.release(); err != nil {
			w.resolve(fmt.Errorf("segment %#x detached, releasing region: %w", uint32(s.id), err))
			return
		}
		s.mu.Lock()
		s.setStateLocked(StateDestroyed)
		s.mu.Unlock()
		w.resolve(nil)
		return
	}
	state := s.state
	s.mu.Unlock()
	// teardown got here first
	err := s.display.Err()
	if err == nil {
		err = fmt.Errorf("%w: %s acknowledged in state %s", ErrSegmentNotReady, w.op, state)
	}
	w.resolve(err)
}

// detachAbandoned detaches a segment whose Attach caller gave up waiting.
// Nobody waits for the acknowledgement; dispatch finishes the job.
func (s *Segment) detachAbandoned() {
	if _, err := s.beginDetach(context.Background()); err != nil {
		internalLogger.warnf("segment %#x: detaching abandoned segment: %v", uint32(s.id), err)
		s.display.noteError(err)
	}
}

// forceDestroy is the teardown path: unconditional, any non-terminal state.
// The tracker drains the operations separately.
func (s *Segment) forceDestroy() {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return
	}
	s.inflight = make(map[api.Sequence]*Operation)
	s.setStateLocked(StateDestroyed)
	s.mu.Unlock()
	s.logReleaseError(s.release())
}

func (s *Segment) release() error {
	s.display.segments.Remove(s.id)
	return s.buf.Close()
}

func (s *Segment) logReleaseError(err error) {
	if err != nil {
		internalLogger.warnf("segment %#x: release region: %v", uint32(s.id), err)
	}
}

// conflictLocked reports whether [offset, offset+length) overlaps an
// in-flight operation. An exclusive access conflicts with every operation,
// a shared one only with GetImage, where the server writes.
func (s *Segment) conflictLocked(offset, length uint64, exclusive bool) error {
	for _, op := range s.inflight {
		if !exclusive && op.kind != KindGetImage {
			continue
		}
		if op.overlaps(offset, length) {
			return fmt.Errorf("%w: [%d, %d) overlaps %s at [%d, %d)", ErrRangeInFlight,
				offset, offset+length, op.kind, op.offset, uint64(op.offset)+uint64(op.length))
		}
	}
	return nil
}

// access runs fn over a range of the mapped buffer with mu held, so no
// transfer can begin on the segment meanwhile. fn must not call back into
// the segment.
func (s *Segment) access(offset, length uint64, exclusive bool, fn func([]byte) error) error {
	if err := s.buf.CheckRange(offset, length); err != nil {
		return fmt.Errorf("%w: %v", ErrOutOfBounds, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Mapped() {
		return fmt.Errorf("%w: access in state %s", ErrSegmentNotReady, s.state)
	}
	if err := s.conflictLocked(offset, length, exclusive); err != nil {
		return err
	}
	err := s.buf.Update(offset, length, fn)
	if errors.Is(err, shm.ErrClosed) {
		return fmt.Errorf("%w: region released", ErrSegmentNotReady)
	}
	return err
}

// View calls fn with the bytes in [offset, offset+length). It fails with
// ErrRangeInFlight while a GetImage may still be writing there.
func (s *Segment) View(offset, length uint64, fn func([]byte) error) error {
	return s.access(offset, length, false, fn)
}

// Update calls fn with the writable bytes in [offset, offset+length). It
// fails with ErrRangeInFlight while any transfer uses the range.
func (s *Segment) Update(offset, length uint64, fn func([]byte) error) error {
	return s.access(offset, length, true, fn)
}

// ReadAt implements io.ReaderAt over the segment.
func (s *Segment) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset", ErrOutOfBounds)
	}
	err := s.View(uint64(off), uint64(len(p)), func(b []byte) error {
		copy(p, b)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteAt implements io.WriterAt over the segment.
func (s *Segment) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset", ErrOutOfBounds)
	}
	err := s.Update(uint64(off), uint64(len(p)), func(b []byte) error {
		copy(b, p)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// Slots carves the segment into fixed-size image slots.
func (s *Segment) Slots(layout []shm.SizePercentPair) (*shm.SlotManager, error) {
	return shm.NewSlotManager(s.size, layout)
}

type ackWaiter struct {
	seg  *Segment
	op   api.Opcode
	done chan struct{}
	once sync.Once
	err  error
}

func newAckWaiter(seg *Segment, op api.Opcode) *ackWaiter {
	return &ackWaiter{seg: seg, op: op, done: make(chan struct{})}
}

func (w *ackWaiter) resolve(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.done)
	})
}
