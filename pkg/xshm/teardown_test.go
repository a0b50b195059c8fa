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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/xshm/api"
	internalshm "github.com/srediag/xshm/internal/shm"
	"github.com/srediag/xshm/internal/transport"
)

// resolution is what an operation's segment looked like when it resolved.
type resolution struct {
	state    SegmentState
	writeErr error
	err      error
}

// resolutionRecorder probes the segment of every failed operation from
// OperationFinished, before any waiter wakes up.
type resolutionRecorder struct {
	mu   sync.Mutex
	seen map[*Operation]resolution
}

func newResolutionRecorder() *resolutionRecorder {
	return &resolutionRecorder{seen: make(map[*Operation]resolution)}
}

func (r *resolutionRecorder) SegmentCreated(*Segment) {}

func (r *resolutionRecorder) SegmentTransition(*Segment, SegmentState, SegmentState) {}

func (r *resolutionRecorder) OperationStarted(*Operation) {}

func (r *resolutionRecorder) OrphanCompletion(api.Sequence) {}

func (r *resolutionRecorder) OperationFinished(op *Operation, err error) {
	if err == nil {
		return
	}
	seg := op.Segment()
	_, werr := seg.WriteAt([]byte{0xee}, int64(op.Offset()))
	r.mu.Lock()
	r.seen[op] = resolution{state: seg.State(), writeErr: werr, err: err}
	r.mu.Unlock()
}

func (r *resolutionRecorder) get(op *Operation) (resolution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.seen[op]
	return res, ok
}

func newObservedDisplay(t *testing.T, observers ...Observer) (*Display, *transport.Loopback, *internalshm.HeapAllocator) {
	heap := internalshm.NewHeapAllocator(0)
	srv, err := transport.NewLoopback(transport.Options{Allocator: heap})
	require.NoError(t, err)
	t.Cleanup(srv.Disconnect)

	config := DefaultConfig()
	config.Allocator = heap
	config.Registerer = prometheus.NewRegistry()
	config.Observers = observers
	d, err := NewDisplay(srv, transport.DefaultCapabilities(), config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d, srv, heap
}

func TestTeardownDestroysSegmentsBeforeResolving(t *testing.T) {
	rec := newResolutionRecorder()
	d, srv, heap := newObservedDisplay(t, rec)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	seg, err := d.AttachSegment(ctx, 4096, WithServerWrite())
	require.NoError(t, err)
	srv.Hold()
	get, err := seg.GetImage(ctx, 0, 100, api.Image{Drawable: 0x400003})
	require.NoError(t, err)

	srv.Disconnect()
	assert.ErrorIs(t, get.Wait(ctx), ErrConnectionLost)

	res, ok := rec.get(get)
	require.True(t, ok)
	assert.ErrorIs(t, res.err, ErrConnectionLost)
	assert.Equal(t, StateDestroyed, res.state)
	assert.ErrorIs(t, res.writeErr, ErrSegmentNotReady)

	_, err = seg.PutImage(ctx, 0, 16, api.Image{}, []byte("late"))
	assert.ErrorIs(t, err, ErrSegmentNotReady)
	assert.Equal(t, 0, heap.Live())
}

func TestTeardownResolvesEveryOperationOnce(t *testing.T) {
	rec := newResolutionRecorder()
	d, srv, heap := newObservedDisplay(t, rec)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const segments = 3
	var segs []*Segment
	for i := 0; i < segments; i++ {
		seg, err := d.AttachSegment(ctx, 4096, WithServerWrite())
		require.NoError(t, err)
		segs = append(segs, seg)
	}

	srv.Hold()
	calls := make(map[*Operation]*atomic.Int32)
	var total atomic.Int32
	var ops []*Operation
	for _, seg := range segs {
		get, err := seg.GetImage(ctx, 0, 1024, api.Image{Drawable: 0x400004})
		require.NoError(t, err)
		put, err := seg.PutImage(ctx, 2048, 1024, api.Image{Drawable: 0x400005}, []byte("pixels"))
		require.NoError(t, err)
		for _, op := range []*Operation{get, put} {
			n := new(atomic.Int32)
			calls[op] = n
			op.OnComplete(func(*Operation) {
				n.Add(1)
				total.Add(1)
			})
			ops = append(ops, op)
		}
	}
	require.Equal(t, 2*segments, d.Stats().PendingOperations)

	srv.Disconnect()
	<-d.Done()
	for _, op := range ops {
		select {
		case <-op.Done():
		case <-ctx.Done():
			t.Fatal("operation left pending after teardown")
		}
		assert.ErrorIs(t, op.Err(), ErrConnectionLost)
	}
	require.Eventually(t, func() bool { return total.Load() == int32(len(ops)) }, time.Second, time.Millisecond)

	// late completions for drained operations change nothing
	for _, op := range ops {
		d.Dispatch(api.CompletionEvent{Sequence: op.Sequence()})
	}
	time.Sleep(20 * time.Millisecond)
	for op, n := range calls {
		assert.Equal(t, int32(1), n.Load(), "callbacks of %s sequence %d", op.Kind(), op.Sequence())
		res, ok := rec.get(op)
		require.True(t, ok)
		assert.Equal(t, StateDestroyed, res.state)
		assert.ErrorIs(t, res.writeErr, ErrSegmentNotReady)
	}
	for _, seg := range segs {
		assert.Equal(t, 0, seg.PendingOps())
		assert.Equal(t, StateDestroyed, seg.State())
	}
	assert.Equal(t, 0, d.Stats().PendingOperations)
	assert.Equal(t, 0.0, testutil.ToFloat64(d.Metrics().orphans))
	assert.Equal(t, 0, heap.Live())
}

func TestTransfersRacingDisconnect(t *testing.T) {
	d, srv, heap := newObservedDisplay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const segments, workers = 4, 4
	var wg sync.WaitGroup
	errs := make(chan error, segments*workers)
	for i := 0; i < segments; i++ {
		seg, err := d.AttachSegment(ctx, 4096, WithServerWrite())
		require.NoError(t, err)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				off := uint32(w) * 1024
				img := api.Image{Drawable: uint32(0x410000 + w)}
				for {
					put, err := seg.PutImage(ctx, off, 512, img, []byte{byte(w)})
					if err == nil {
						err = put.Wait(ctx)
					}
					if err == nil {
						var get *Operation
						get, err = seg.GetImage(ctx, off+512, 512, img)
						if err == nil {
							err = get.Wait(ctx)
						}
					}
					if err != nil {
						errs <- err
						return
					}
				}
			}(w)
		}
	}

	time.Sleep(20 * time.Millisecond)
	srv.Disconnect()
	wg.Wait()
	close(errs)
	for err := range errs {
		if !errors.Is(err, ErrConnectionLost) && !errors.Is(err, ErrSegmentNotReady) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 0, d.Stats().PendingOperations)
	assert.Equal(t, 0, heap.Live())
}
