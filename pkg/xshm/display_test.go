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
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/xshm/api"
	internalshm "github.com/srediag/xshm/internal/shm"
	"github.com/srediag/xshm/internal/transport"
)

var image4096 = api.Image{Drawable: 0x400001, Width: 32, Height: 32, Depth: 24, Format: api.FormatZPixmap}

// countingAllocator counts the regions asked for.
type countingAllocator struct {
	internalshm.Allocator
	allocs atomic.Int32
}

func (a *countingAllocator) Allocate(ctx context.Context, opts internalshm.AllocOptions) (*internalshm.Region, error) {
	a.allocs.Add(1)
	return a.Allocator.Allocate(ctx, opts)
}

type DisplayTestSuite struct {
	suite.Suite
	heap  *internalshm.HeapAllocator
	alloc *countingAllocator
	srv   *transport.Loopback
	reg   *prometheus.Registry
	d     *Display
	ctx   context.Context
	stop  context.CancelFunc
}

func TestDisplayTestSuite(t *testing.T) {
	suite.Run(t, new(DisplayTestSuite))
}

func (s *DisplayTestSuite) SetupTest() {
	s.setup(transport.Options{})
}

func (s *DisplayTestSuite) setup(opts transport.Options) {
	s.heap = internalshm.NewHeapAllocator(0)
	opts.Allocator = s.heap
	srv, err := transport.NewLoopback(opts)
	s.Require().NoError(err)
	s.srv = srv

	s.ctx, s.stop = context.WithTimeout(context.Background(), 10*time.Second)
	caps, err := Negotiate(s.ctx, srv)
	s.Require().NoError(err)

	s.reg = prometheus.NewRegistry()
	s.alloc = &countingAllocator{Allocator: s.heap}
	config := DefaultConfig()
	config.Allocator = s.alloc
	config.Registerer = s.reg
	d, err := NewDisplay(srv, caps, config)
	s.Require().NoError(err)
	s.d = d
}

func (s *DisplayTestSuite) TearDownTest() {
	s.Require().NoError(s.d.Close())
	s.srv.Disconnect()
	s.stop()
}

func (s *DisplayTestSuite) attached(size uint64, opts ...SegmentOption) *Segment {
	seg, err := s.d.AttachSegment(s.ctx, size, opts...)
	s.Require().NoError(err)
	s.Require().Equal(StateAttached, seg.State())
	return seg
}

func (s *DisplayTestSuite) TestPutImageLifecycle() {
	seg, err := s.d.CreateSegment(s.ctx, 4096)
	s.Require().NoError(err)
	s.Equal(StateCreated, seg.State())
	_, ok := seg.ServerID()
	s.False(ok)

	s.Require().NoError(seg.Attach(s.ctx))
	s.Equal(StateAttached, seg.State())
	s.Equal(1, s.srv.Attached())

	op, err := seg.PutImage(s.ctx, 0, 4096, image4096, nil)
	s.Require().NoError(err)
	s.Require().NoError(op.Wait(s.ctx))
	outcome, err := op.Poll()
	s.Equal(OutcomeCompleted, outcome)
	s.NoError(err)
	s.Equal(0, seg.PendingOps())

	s.Require().NoError(seg.Detach(s.ctx))
	s.Equal(StateDestroyed, seg.State())
	s.Equal(0, s.heap.Live())
	s.Equal(0, s.srv.Attached())

	_, err = seg.PutImage(s.ctx, 0, 4096, image4096, nil)
	s.ErrorIs(err, ErrSegmentNotReady)
	s.Require().NoError(s.srv.Sync(s.ctx))
	s.Equal(1, s.srv.Requests(api.OpPutImage))
}

func (s *DisplayTestSuite) TestSegmentTooLarge() {
	_, err := s.d.CreateSegment(s.ctx, s.d.Capabilities().MaxSegmentSize+1)
	s.ErrorIs(err, ErrSegmentTooLarge)
	s.Equal(int32(0), s.alloc.allocs.Load())
	s.Equal(0, s.heap.Live())

	_, err = s.d.CreateSegment(s.ctx, 0)
	s.ErrorIs(err, ErrAllocation)
	s.Equal(int32(0), s.alloc.allocs.Load())

	seg, err := s.d.CreateSegment(s.ctx, s.d.Capabilities().MaxSegmentSize/1024)
	s.Require().NoError(err)
	s.Equal(int32(1), s.alloc.allocs.Load())
	s.Require().NoError(seg.Destroy())
}

func (s *DisplayTestSuite) TestAllocationFailure() {
	s.Require().NoError(s.d.Close())
	s.srv.Disconnect()

	heap := internalshm.NewHeapAllocator(1024)
	srv, err := transport.NewLoopback(transport.Options{Allocator: heap})
	s.Require().NoError(err)
	s.srv = srv
	config := DefaultConfig()
	config.Allocator = heap
	s.d, err = NewDisplay(srv, transport.DefaultCapabilities(), config)
	s.Require().NoError(err)

	_, err = s.d.CreateSegment(s.ctx, 2048)
	s.ErrorIs(err, ErrAllocation)
	s.ErrorIs(err, internalshm.ErrQuotaExceeded)
}

func (s *DisplayTestSuite) TestConnectionLostFailsPendingOperation() {
	seg := s.attached(4096, WithServerWrite())
	s.srv.Hold()
	op, err := seg.GetImage(s.ctx, 0, 4096, image4096)
	s.Require().NoError(err)
	s.Equal(1, seg.PendingOps())

	s.srv.Disconnect()
	err = op.Wait(s.ctx)
	s.ErrorIs(err, ErrConnectionLost)
	s.ErrorIs(op.Err(), ErrConnectionLost)
	<-s.d.Done()

	s.Equal(StateDestroyed, seg.State())
	s.Equal(0, seg.PendingOps())
	s.Equal(0, s.heap.Live())
	_, err = op.Snapshot()
	s.ErrorIs(err, ErrConnectionLost)

	_, err = s.d.CreateSegment(s.ctx, 16)
	s.ErrorIs(err, ErrConnectionLost)
	s.ErrorIs(s.d.Err(), ErrConnectionLost)
}

func (s *DisplayTestSuite) TestConnectionLostDestroysEverySegment() {
	created, err := s.d.CreateSegment(s.ctx, 64)
	s.Require().NoError(err)
	attached := s.attached(64)

	s.srv.Hold()
	pending, err := s.d.CreateSegment(s.ctx, 64)
	s.Require().NoError(err)
	attachErr := make(chan error, 1)
	go func() { attachErr <- pending.Attach(s.ctx) }()
	s.Require().Eventually(func() bool { return pending.State() == StateAttachPending }, time.Second, time.Millisecond)

	s.srv.Disconnect()
	s.ErrorIs(<-attachErr, ErrConnectionLost)
	<-s.d.Done()
	for _, seg := range []*Segment{created, attached, pending} {
		s.Equal(StateDestroyed, seg.State())
	}
	s.Empty(s.d.Segments())
	s.Equal(0, s.heap.Live())
}

func (s *DisplayTestSuite) TestOrphanCompletion() {
	seg := s.attached(4096)
	s.srv.Hold()
	op, err := seg.PutImage(s.ctx, 0, 4096, image4096, nil)
	s.Require().NoError(err)

	s.d.Dispatch(api.CompletionEvent{Sequence: op.Sequence() + 1000})
	s.Equal(1.0, testutil.ToFloat64(s.d.Metrics().orphans))
	outcome, _ := op.Poll()
	s.Equal(OutcomePending, outcome)
	s.Equal(1, seg.PendingOps())

	s.srv.Release()
	s.Require().NoError(op.Wait(s.ctx))
}

func (s *DisplayTestSuite) TestCompletionResolvesOnce() {
	seg := s.attached(4096)
	op, err := seg.PutImage(s.ctx, 0, 4096, image4096, nil)
	s.Require().NoError(err)
	s.Require().NoError(op.Wait(s.ctx))

	// a duplicate completion is an orphan, the teardown finds nothing
	s.d.Dispatch(api.CompletionEvent{Sequence: op.Sequence()})
	s.Require().NoError(s.d.Close())
	s.NoError(op.Err())
	s.Equal(1.0, testutil.ToFloat64(s.d.Metrics().operations.WithLabelValues("put_image", "completed")))
	s.Equal(0.0, testutil.ToFloat64(s.d.Metrics().operations.WithLabelValues("put_image", "connection_lost")))
	s.Equal(1.0, testutil.ToFloat64(s.d.Metrics().orphans))
}

func (s *DisplayTestSuite) TestRoundTrip() {
	seg := s.attached(8192, WithServerWrite())
	pixels := make([]byte, 4096)
	for i := range pixels {
		pixels[i] = byte(i * 7)
	}

	put, err := seg.PutImage(s.ctx, 0, 4096, image4096, pixels)
	s.Require().NoError(err)
	s.Require().NoError(put.Wait(s.ctx))

	get, err := seg.GetImage(s.ctx, 4096, 4096, image4096)
	s.Require().NoError(err)
	s.Require().NoError(get.Wait(s.ctx))
	got, err := get.Snapshot()
	s.Require().NoError(err)
	s.Equal(pixels, got)

	readBack := make([]byte, 4096)
	_, err = seg.ReadAt(readBack, 4096)
	s.Require().NoError(err)
	s.Equal(pixels, readBack)
	s.Equal(4096.0*2, testutil.ToFloat64(s.d.Metrics().bytes.WithLabelValues("put_image"))+
		testutil.ToFloat64(s.d.Metrics().bytes.WithLabelValues("get_image")))
}

func (s *DisplayTestSuite) TestDetachWithPendingOperations() {
	seg := s.attached(4096)
	s.srv.Hold()
	op, err := seg.PutImage(s.ctx, 0, 4096, image4096, nil)
	s.Require().NoError(err)

	err = seg.Detach(s.ctx)
	s.ErrorIs(err, ErrOperationsPending)
	s.Equal(StateAttached, seg.State())

	s.srv.Release()
	s.Require().NoError(op.Wait(s.ctx))
	s.Require().NoError(seg.Detach(s.ctx))
	s.Equal(StateDestroyed, seg.State())
}

func (s *DisplayTestSuite) TestAttachRejected() {
	seg, err := s.d.CreateSegment(s.ctx, 4096)
	s.Require().NoError(err)
	s.srv.RejectNext(api.OpAttach, api.BadAccess)

	err = seg.Attach(s.ctx)
	s.ErrorIs(err, ErrServerRejected)
	var perr *api.ProtocolError
	s.Require().True(errors.As(err, &perr))
	s.Equal(api.BadAccess, perr.Code)
	s.Equal(StateDestroyed, seg.State())
	s.Equal(0, s.heap.Live())

	s.ErrorIs(seg.Attach(s.ctx), ErrSegmentNotReady)
}

func (s *DisplayTestSuite) TestDetachRejected() {
	seg := s.attached(64)
	s.srv.RejectNext(api.OpDetach, api.BadShmSeg)
	s.ErrorIs(seg.Detach(s.ctx), ErrServerRejected)
	s.Equal(StateDestroyed, seg.State())
	s.Equal(0, s.heap.Live())
}

func (s *DisplayTestSuite) TestTransferRejected() {
	seg := s.attached(4096)
	s.srv.RejectNext(api.OpPutImage, api.BadMatch)
	op, err := seg.PutImage(s.ctx, 0, 4096, image4096, nil)
	s.Require().NoError(err)
	err = op.Wait(s.ctx)
	s.ErrorIs(err, ErrServerRejected)
	outcome, _ := op.Poll()
	s.Equal(OutcomeFailed, outcome)
	s.Equal(0, seg.PendingOps())
	s.Equal(1.0, testutil.ToFloat64(s.d.Metrics().operations.WithLabelValues("put_image", "failed")))
}

func (s *DisplayTestSuite) TestValidationBeforeSend() {
	seg := s.attached(4096)

	_, err := seg.GetImage(s.ctx, 0, 16, api.Image{})
	s.ErrorIs(err, ErrReadOnlySegment)
	_, err = seg.PutImage(s.ctx, 4000, 200, api.Image{}, nil)
	s.ErrorIs(err, ErrOutOfBounds)
	_, err = seg.PutImage(s.ctx, 0, 1024, image4096, nil)
	s.ErrorIs(err, ErrOutOfBounds)
	_, err = seg.PutImage(s.ctx, 0, 4, api.Image{}, []byte("too long"))
	s.ErrorIs(err, ErrOutOfBounds)

	s.Require().NoError(s.srv.Sync(s.ctx))
	s.Equal(0, s.srv.Requests(api.OpPutImage))
	s.Equal(0, s.srv.Requests(api.OpGetImage))
}

func (s *DisplayTestSuite) TestWritableAttachUnsupported() {
	s.Require().NoError(s.d.Close())
	s.srv.Disconnect()
	caps := transport.DefaultCapabilities()
	caps.WritableAttach = false
	s.setup(transport.Options{Capabilities: caps})

	_, err := s.d.CreateSegment(s.ctx, 64, WithServerWrite())
	s.ErrorIs(err, ErrWriteAccessUnsupported)
	s.Equal(0, s.heap.Live())
}

func (s *DisplayTestSuite) TestRangeInFlight() {
	seg := s.attached(4096, WithServerWrite())
	s.srv.Hold()
	get, err := seg.GetImage(s.ctx, 0, 100, api.Image{})
	s.Require().NoError(err)

	_, err = seg.WriteAt([]byte("x"), 50)
	s.ErrorIs(err, ErrRangeInFlight)
	_, err = seg.ReadAt(make([]byte, 10), 95)
	s.ErrorIs(err, ErrRangeInFlight)
	_, err = seg.PutImage(s.ctx, 64, 64, api.Image{}, []byte("y"))
	s.ErrorIs(err, ErrRangeInFlight)
	_, err = get.Snapshot()
	s.ErrorIs(err, ErrNotComplete)

	_, err = seg.WriteAt([]byte("z"), 100)
	s.NoError(err)

	s.srv.Release()
	s.Require().NoError(get.Wait(s.ctx))
	_, err = seg.WriteAt([]byte("x"), 50)
	s.NoError(err)
}

func (s *DisplayTestSuite) TestPutImageAllowsSharedReads() {
	seg := s.attached(4096)
	s.srv.Hold()
	put, err := seg.PutImage(s.ctx, 0, 4096, image4096, nil)
	s.Require().NoError(err)

	_, err = seg.ReadAt(make([]byte, 16), 0)
	s.NoError(err)
	_, err = seg.WriteAt([]byte("x"), 0)
	s.ErrorIs(err, ErrRangeInFlight)

	s.srv.Release()
	s.Require().NoError(put.Wait(s.ctx))
}

func (s *DisplayTestSuite) TestSnapshotWaitsForOverlappingGetImage() {
	seg := s.attached(4096, WithServerWrite())
	img := api.Image{Drawable: 0x400002}
	s.srv.SetDrawable(img.Drawable, []byte("first"))
	first, err := seg.GetImage(s.ctx, 0, 100, img)
	s.Require().NoError(err)
	s.Require().NoError(first.Wait(s.ctx))

	s.srv.Hold()
	second, err := seg.GetImage(s.ctx, 0, 100, img)
	s.Require().NoError(err)
	_, err = seg.ReadAt(make([]byte, 10), 0)
	s.ErrorIs(err, ErrRangeInFlight)
	_, err = first.Snapshot()
	s.ErrorIs(err, ErrRangeInFlight)

	s.srv.Release()
	s.Require().NoError(second.Wait(s.ctx))
	got, err := first.Snapshot()
	s.Require().NoError(err)
	s.Equal([]byte("first"), got[:5])
}

func (s *DisplayTestSuite) TestDeferredEvents() {
	seg := s.attached(4096)
	s.srv.Hold()
	op, err := seg.PutImage(s.ctx, 0, 4096, image4096, nil)
	s.Require().NoError(err)
	s.Require().NoError(s.srv.Sync(s.ctx))
	s.srv.InjectEvent(api.GenericEvent{Sequence: 1, Code: 12})
	s.srv.Release()
	s.srv.InjectEvent(api.GenericEvent{Sequence: 2, Code: 22})

	s.Require().NoError(op.Wait(s.ctx))
	ev, err := s.d.NextDeferredEvent(s.ctx)
	s.Require().NoError(err)
	s.Equal(uint8(12), ev.(api.GenericEvent).Code)
	ev, err = s.d.NextDeferredEvent(s.ctx)
	s.Require().NoError(err)
	s.Equal(uint8(22), ev.(api.GenericEvent).Code)
	s.Empty(s.d.TakeDeferredEvents())
}

func (s *DisplayTestSuite) TestOnComplete() {
	seg := s.attached(4096)
	op, err := seg.PutImage(s.ctx, 0, 4096, image4096, nil)
	s.Require().NoError(err)

	called := make(chan error, 2)
	op.OnComplete(func(o *Operation) { called <- o.Err() })
	s.Require().NoError(op.Wait(s.ctx))
	op.OnComplete(func(o *Operation) { called <- o.Err() })
	s.NoError(<-called)
	s.NoError(<-called)
}

func (s *DisplayTestSuite) TestRun() {
	ctx, cancel := context.WithCancel(s.ctx)
	runErr := make(chan error, 1)
	go func() { runErr <- s.d.Run(ctx) }()

	seg := s.attached(4096)
	op, err := seg.PutImage(s.ctx, 0, 4096, image4096, nil)
	s.Require().NoError(err)
	select {
	case <-op.Done():
	case <-s.ctx.Done():
		s.FailNow("operation did not complete")
	}
	s.NoError(op.Err())

	cancel()
	s.ErrorIs(<-runErr, context.Canceled)
}

func (s *DisplayTestSuite) TestRunNonBlocking() {
	s.Require().NoError(s.d.Close())
	s.srv.Disconnect()
	s.setup(transport.Options{NonBlocking: true})

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go func() { _ = s.d.Run(ctx) }()

	seg := s.attached(4096)
	op, err := seg.PutImage(s.ctx, 0, 4096, image4096, nil)
	s.Require().NoError(err)
	s.Require().NoError(op.Wait(s.ctx))
}

func (s *DisplayTestSuite) TestRunStopsOnConnectionLost() {
	runErr := make(chan error, 1)
	go func() { runErr <- s.d.Run(s.ctx) }()
	s.srv.Disconnect()
	s.ErrorIs(<-runErr, ErrConnectionLost)
}

func (s *DisplayTestSuite) TestCloseTearsDown() {
	seg := s.attached(64)
	s.Require().NoError(s.d.Close())
	s.Require().NoError(s.d.Close())
	s.Equal(StateDestroyed, seg.State())
	s.ErrorIs(s.d.Err(), ErrConnectionLost)
	s.ErrorIs(seg.Detach(s.ctx), ErrSegmentNotReady)
	s.NoError(seg.Close(s.ctx))
}

func (s *DisplayTestSuite) TestStuckOperations() {
	seg := s.attached(4096)
	s.srv.Hold()
	op, err := seg.PutImage(s.ctx, 0, 4096, image4096, nil)
	s.Require().NoError(err)

	time.Sleep(2 * time.Millisecond)
	stuck := s.d.StuckOperations(time.Millisecond)
	s.Require().Len(stuck, 1)
	s.Same(op, stuck[0])
	s.Empty(s.d.StuckOperations(0))

	st := s.d.Stats()
	s.Equal(1, st.PendingOperations)
	s.Equal(1, st.Segments[StateAttached])
	s.False(st.ConnectionLost)
	s.srv.Release()
	s.Require().NoError(op.Wait(s.ctx))
}

func (s *DisplayTestSuite) TestAttachSegmentAbandoned() {
	s.srv.Hold()
	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
	defer cancel()
	_, err := s.d.AttachSegment(ctx, 64)
	s.ErrorIs(err, context.DeadlineExceeded)

	runCtx, stopRun := context.WithCancel(s.ctx)
	defer stopRun()
	go func() { _ = s.d.Run(runCtx) }()
	s.srv.Release()
	s.Eventually(func() bool {
		return s.heap.Live() == 0 && s.srv.Attached() == 0
	}, 2*time.Second, time.Millisecond)
}

func (s *DisplayTestSuite) TestSegmentCloseByState() {
	created, err := s.d.CreateSegment(s.ctx, 64)
	s.Require().NoError(err)
	s.NoError(created.Close(s.ctx))
	s.Equal(StateDestroyed, created.State())

	attached := s.attached(64)
	s.NoError(attached.Close(s.ctx))
	s.Equal(StateDestroyed, attached.State())
	s.NoError(attached.Close(s.ctx))
	s.Equal(0, s.heap.Live())
}

func (s *DisplayTestSuite) TestMetricsFollowStates() {
	seg := s.attached(64)
	m := s.d.Metrics()
	s.Equal(1.0, testutil.ToFloat64(m.segments.WithLabelValues("Attached")))
	s.Require().NoError(seg.Detach(s.ctx))
	s.Equal(0.0, testutil.ToFloat64(m.segments.WithLabelValues("Attached")))
	s.Equal(1.0, testutil.ToFloat64(m.segments.WithLabelValues("Destroyed")))
	s.Equal(0.0, testutil.ToFloat64(m.pending))

	n, err := testutil.GatherAndCount(s.reg, "xshm_segments")
	s.Require().NoError(err)
	s.Positive(n)
}

func (s *DisplayTestSuite) TestDebugSegmentDetail() {
	attached := s.attached(4096)
	created, err := s.d.CreateSegment(s.ctx, 64)
	s.Require().NoError(err)

	var buf bytes.Buffer
	s.d.DebugSegmentDetail(&buf)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	s.Require().Len(lines, 2)
	s.Contains(lines[0], "4096 bytes, Attached, 0 pending")
	s.Contains(lines[1], "64 bytes, Created")

	s.Require().NoError(created.Destroy())
	s.Require().NoError(attached.Detach(s.ctx))
	buf.Reset()
	s.d.DebugSegmentDetail(&buf)
	s.Empty(buf.String())
}

func TestConcurrentSegments(t *testing.T) {
	heap := internalshm.NewHeapAllocator(0)
	srv, err := transport.NewLoopback(transport.Options{Allocator: heap})
	require.NoError(t, err)
	defer srv.Disconnect()
	config := DefaultConfig()
	config.Allocator = heap
	d, err := NewDisplay(srv, transport.DefaultCapabilities(), config)
	require.NoError(t, err)
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const workers, rounds = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			seg, err := d.AttachSegment(ctx, 4096, WithServerWrite())
			if err != nil {
				errs <- err
				return
			}
			img := api.Image{Drawable: uint32(0x500000 + w), Width: 16, Height: 16, Depth: 24, Format: api.FormatZPixmap}
			for i := 0; i < rounds; i++ {
				put, err := seg.PutImage(ctx, 0, 1024, img, []byte{byte(w), byte(i)})
				if err == nil {
					err = put.Wait(ctx)
				}
				if err != nil {
					errs <- err
					return
				}
				get, err := seg.GetImage(ctx, 2048, 1024, img)
				if err == nil {
					err = get.Wait(ctx)
				}
				if err != nil {
					errs <- err
					return
				}
				got, err := get.Snapshot()
				if err != nil {
					errs <- err
					return
				}
				if got[0] != byte(w) || got[1] != byte(i) {
					errs <- errors.New("round trip mismatch")
					return
				}
			}
			errs <- seg.Detach(ctx)
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 0, d.Stats().PendingOperations)
	assert.Equal(t, 0, heap.Live())
	assert.Equal(t, 0, srv.Attached())
}
