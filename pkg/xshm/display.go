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
	"io"
	"math"
	"sort"
	"sync"
	"time"

	queuepkg "github.com/Workiva/go-datastructures/queue"
	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/srediag/xshm/api"
	"github.com/srediag/xshm/pkg/shm"
)

var errDisplayClosed = errors.New("display closed")

// Display owns the shared memory state of one connection: the segment
// registry, the completion tracker and the queue of events that belong to
// the application.
//
// Events are read cooperatively. Whoever waits (Operation.Wait, Attach,
// Detach, NextDeferredEvent or Run) takes a turn as the single reader, so a
// dedicated event loop is optional.
type Display struct {
	conn    api.Connection
	caps    api.Capabilities
	config  *Config
	alloc   shm.Allocator
	obs     observers
	metrics *Metrics

	segments cmap.ConcurrentMap[api.SegID, *Segment]
	tracker  *tracker

	acksMu sync.Mutex
	acks   map[api.Sequence]*ackWaiter

	deferMu    sync.Mutex
	deferred   *queuepkg.Queue
	deferReady chan struct{}

	pool   *ants.Pool
	reader chan struct{}

	lostMu    sync.RWMutex
	lostErr   error
	lostOnce  sync.Once
	lost      chan struct{}
	closeOnce sync.Once
}

// Negotiate runs the capability query once. Its result is what NewDisplay
// expects.
func Negotiate(ctx context.Context, n api.Negotiator) (api.Capabilities, error) {
	caps, err := n.QueryCapabilities(ctx)
	if err != nil {
		return api.Capabilities{}, fmt.Errorf("query shared memory capabilities: %w", err)
	}
	internalLogger.infof("shared memory extension %d.%d, max segment %s, writable attach %t, shared pixmaps %t",
		caps.Major, caps.Minor, humanize.IBytes(caps.MaxSegmentSize), caps.WritableAttach, caps.SharedPixmaps)
	return caps, nil
}

// NewDisplay binds the shared memory core to conn. A nil config means
// DefaultConfig.
func NewDisplay(conn api.Connection, caps api.Capabilities, config *Config) (*Display, error) {
	if conn == nil {
		return nil, errors.New("connection is nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := VerifyConfig(config); err != nil {
		return nil, err
	}
	if caps.MaxSegmentSize == 0 {
		return nil, errors.New("server advertises a zero maximum segment size")
	}

	d := &Display{
		conn:   conn,
		caps:   caps,
		config: config,
		alloc:  config.Allocator,
		segments: cmap.NewWithCustomShardingFunction[api.SegID, *Segment](func(key api.SegID) uint32 {
			return uint32(key)
		}),
		acks:       make(map[api.Sequence]*ackWaiter),
		deferred:   queuepkg.New(config.DeferredEventHint),
		deferReady: make(chan struct{}),
		reader:     make(chan struct{}, 1),
		lost:       make(chan struct{}),
	}
	if d.alloc == nil {
		d.alloc = shm.SystemAllocator()
	}
	d.tracker = newTracker(d)

	if config.Registerer != nil {
		m, err := NewMetrics(config.Registerer, config.MetricsNamespace)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		d.metrics = m
		d.obs = append(d.obs, m)
	}
	d.obs = append(d.obs, config.Observers...)

	pool, err := ants.NewPool(config.CallbackWorkers, ants.WithPanicHandler(func(p interface{}) {
		internalLogger.errorf("OnComplete callback panic: %v", p)
	}))
	if err != nil {
		return nil, fmt.Errorf("callback pool: %w", err)
	}
	d.pool = pool

	go d.watch()
	return d, nil
}

// watch tears the display down when the connection reports its end.
func (d *Display) watch() {
	select {
	case <-d.conn.Done():
		d.teardown(ErrConnectionLost)
	case <-d.lost:
	}
}

// Capabilities returns the negotiated capabilities.
func (d *Display) Capabilities() api.Capabilities { return d.caps }

// Metrics returns the Prometheus observer, nil without a Registerer.
func (d *Display) Metrics() *Metrics { return d.metrics }

// Err returns nil while the connection is usable and an error wrapping
// ErrConnectionLost afterwards.
func (d *Display) Err() error {
	d.lostMu.RLock()
	defer d.lostMu.RUnlock()
	return d.lostErr
}

// Done is closed once the display is torn down.
func (d *Display) Done() <-chan struct{} { return d.lost }

// CreateSegment allocates a local region of size bytes. The segment starts
// read-only for the server unless WithServerWrite is given. Nothing is sent
// to the server until Attach.
func (d *Display) CreateSegment(ctx context.Context, size uint64, opts ...SegmentOption) (*Segment, error) {
	if err := d.Err(); err != nil {
		return nil, err
	}
	var o segmentOptions
	for _, opt := range opts {
		opt(&o)
	}
	if size == 0 {
		return nil, fmt.Errorf("%w: size must be positive", ErrAllocation)
	}
	if size > d.caps.MaxSegmentSize || size > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %s requested, server maximum %s",
			ErrSegmentTooLarge, humanize.IBytes(size), humanize.IBytes(d.caps.MaxSegmentSize))
	}
	if o.serverWritable && !d.caps.WritableAttach {
		return nil, ErrWriteAccessUnsupported
	}
	if d.config.CheckHostMemory {
		if err := checkHostMemory(ctx, size); err != nil {
			return nil, err
		}
	}

	buf, err := shm.Open(ctx, shm.OpenOptions{
		Size:           size,
		ServerWritable: o.serverWritable,
		Allocator:      d.alloc,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	id, err := d.conn.GenerateID()
	if err != nil {
		if cerr := buf.Close(); cerr != nil {
			internalLogger.warnf("release region after id failure: %v", cerr)
		}
		d.noteError(err)
		return nil, fmt.Errorf("generate segment id: %w", err)
	}

	seg := &Segment{
		display:  d,
		buf:      buf,
		id:       id,
		size:     size,
		readOnly: !o.serverWritable,
		state:    StateCreated,
		inflight: make(map[api.Sequence]*Operation),
	}
	seg.mu.Lock()
	d.obs.SegmentCreated(seg)
	seg.mu.Unlock()
	d.segments.Set(id, seg)

	// a teardown racing with the registration above would have missed it
	if err := d.Err(); err != nil {
		seg.forceDestroy()
		return nil, err
	}
	internalLogger.debugf("segment %#x created: shmid %d, %s, server writable %t",
		uint32(id), buf.ID(), humanize.IBytes(size), o.serverWritable)
	return seg, nil
}

// AttachSegment creates a segment and attaches it. On any failure the
// region is released: immediately when the server never saw it, or by a
// detach issued as soon as a late acknowledgement arrives when ctx ended
// first.
func (d *Display) AttachSegment(ctx context.Context, size uint64, opts ...SegmentOption) (*Segment, error) {
	seg, err := d.CreateSegment(ctx, size, opts...)
	if err != nil {
		return nil, err
	}
	w, err := seg.beginAttach(ctx)
	if err != nil {
		d.noteError(err)
		if derr := seg.Destroy(); derr != nil {
			internalLogger.warnf("destroy segment after failed attach: %v", derr)
		}
		return nil, err
	}
	if err := d.awaitAck(ctx, w); err != nil {
		seg.mu.Lock()
		switch seg.state {
		case StateAttachPending:
			seg.abandoned = true
			seg.mu.Unlock()
		case StateAttached:
			// the ack landed after awaitAck gave up
			seg.mu.Unlock()
			seg.detachAbandoned()
		default:
			seg.mu.Unlock()
		}
		return nil, err
	}
	return seg, nil
}

func checkHostMemory(ctx context.Context, size uint64) error {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		internalLogger.warnf("host memory check skipped: %v", err)
		return nil
	}
	if size > vm.Available {
		return fmt.Errorf("%w: %s requested, %s available on the host",
			ErrAllocation, humanize.IBytes(size), humanize.IBytes(vm.Available))
	}
	return nil
}

// Segments returns the live segments ordered by server id.
func (d *Display) Segments() []*Segment {
	items := d.segments.Items()
	out := make([]*Segment, 0, len(items))
	for _, seg := range items {
		out = append(out, seg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Stats is a point-in-time view of a display.
type Stats struct {
	Segments          map[SegmentState]int
	PendingOperations int
	DeferredEvents    int64
	ConnectionLost    bool
}

// Stats counts live segments by state and pending operations.
func (d *Display) Stats() Stats {
	st := Stats{
		Segments:          make(map[SegmentState]int),
		PendingOperations: d.tracker.len(),
		DeferredEvents:    d.deferred.Len(),
		ConnectionLost:    d.Err() != nil,
	}
	for _, seg := range d.Segments() {
		st.Segments[seg.State()]++
	}
	return st
}

// StuckOperations returns operations pending for longer than threshold. A
// non-positive threshold means Config.StuckThreshold.
func (d *Display) StuckOperations(threshold time.Duration) []*Operation {
	if threshold <= 0 {
		threshold = d.config.StuckThreshold
	}
	return d.tracker.stuck(threshold)
}

// DebugSegmentDetail writes one line per live segment.
func (d *Display) DebugSegmentDetail(w io.Writer) {
	for _, seg := range d.Segments() {
		fmt.Fprintln(w, seg.String())
	}
}

// sendChecked sends a request whose answer is an acknowledgement and
// registers w for it. The caller holds the segment mutex.
func (d *Display) sendChecked(ctx context.Context, req api.Request, w *ackWaiter) error {
	d.acksMu.Lock()
	defer d.acksMu.Unlock()
	seq, err := d.send(ctx, req)
	if err != nil {
		return err
	}
	d.acks[seq] = w
	return nil
}

func (d *Display) send(ctx context.Context, req api.Request) (api.Sequence, error) {
	if err := d.Err(); err != nil {
		return 0, err
	}
	seq, err := d.conn.Send(ctx, req)
	if err != nil {
		if errors.Is(err, api.ErrConnectionLost) {
			return 0, connectionLost(err)
		}
		return 0, fmt.Errorf("send %s: %w", req.Opcode(), err)
	}
	protocolLogger.tracef("-> %s sequence %d %+v", req.Opcode(), seq, req)
	return seq, nil
}

// noteError starts the teardown when err says the connection is gone. It is
// called after every lock was released.
func (d *Display) noteError(err error) {
	if errors.Is(err, ErrConnectionLost) {
		d.teardown(err)
	}
}

func (d *Display) awaitAck(ctx context.Context, w *ackWaiter) error {
	if err := d.wait(ctx, w.done); err != nil {
		return err
	}
	return w.err
}

// Dispatch routes one event from the connection. Acknowledgements settle
// Attach and Detach, completions settle operations, everything else is
// queued for NextDeferredEvent. Applications that read the connection
// themselves hand every event to Dispatch.
func (d *Display) Dispatch(ev api.Event) {
	switch e := ev.(type) {
	case api.AckEvent:
		protocolLogger.tracef("<- ack sequence %d err=%v", e.Sequence, e.Err)
		d.handleAck(e.Sequence, e.Err)
	case api.CompletionEvent:
		protocolLogger.tracef("<- completion sequence %d seg %#x err=%v", e.Sequence, uint32(e.Seg), e.Err)
		_ = d.tracker.complete(e.Sequence, e.Err)
	default:
		protocolLogger.tracef("<- deferred %T sequence %d", ev, ev.Seq())
		d.deferEvent(ev)
	}
}

func (d *Display) handleAck(seq api.Sequence, err error) {
	d.acksMu.Lock()
	w, ok := d.acks[seq]
	delete(d.acks, seq)
	d.acksMu.Unlock()
	if !ok {
		// a protocol error for a transfer arrives as an ack of its sequence
		if err != nil && d.tracker.lookup(seq) {
			_ = d.tracker.complete(seq, err)
			return
		}
		if d.Err() != nil {
			internalLogger.debugf("acknowledgement for sequence %d after teardown (err=%v)", seq, err)
			return
		}
		internalLogger.warnf("acknowledgement for sequence %d matches no request (err=%v)", seq, err)
		return
	}
	w.seg.ackReceived(w, err)
}

func (d *Display) deferEvent(ev api.Event) {
	d.deferMu.Lock()
	defer d.deferMu.Unlock()
	if err := d.deferred.Put(ev); err != nil {
		internalLogger.warnf("drop %T sequence %d: %v", ev, ev.Seq(), err)
		return
	}
	close(d.deferReady)
	d.deferReady = make(chan struct{})
}

// TakeDeferredEvents returns the queued application events without reading
// the connection.
func (d *Display) TakeDeferredEvents() []api.Event {
	d.deferMu.Lock()
	defer d.deferMu.Unlock()
	n := d.deferred.Len()
	if n == 0 {
		return nil
	}
	items, err := d.deferred.Get(n)
	if err != nil {
		return nil
	}
	out := make([]api.Event, 0, len(items))
	for _, item := range items {
		out = append(out, item.(api.Event))
	}
	return out
}

// NextDeferredEvent returns the next application event, reading the
// connection until one arrives or ctx ends.
func (d *Display) NextDeferredEvent(ctx context.Context) (api.Event, error) {
	for {
		ev, ready := d.takeDeferred()
		if ev != nil {
			return ev, nil
		}
		if err := d.wait(ctx, ready); err != nil {
			return nil, err
		}
	}
}

// takeDeferred pops one event or returns the channel closed by the next
// deferEvent.
func (d *Display) takeDeferred() (api.Event, <-chan struct{}) {
	d.deferMu.Lock()
	defer d.deferMu.Unlock()
	if !d.deferred.Empty() {
		if items, err := d.deferred.Get(1); err == nil && len(items) > 0 {
			return items[0].(api.Event), nil
		}
	}
	return nil, d.deferReady
}

// Run reads and dispatches events until ctx ends or the connection is lost.
// It shares the reader role with waiting callers, so it may run next to
// them.
func (d *Display) Run(ctx context.Context) error {
	return d.wait(ctx, nil)
}

// wait returns once done is ready, reading events while no other goroutine
// does. A nil done waits for ctx or the teardown only.
func (d *Display) wait(ctx context.Context, done <-chan struct{}) error {
	var bo *backoff.ExponentialBackOff
	for {
		select {
		case <-done:
			return nil
		default:
		}
		select {
		case <-d.lost:
			return d.Err()
		default:
		}
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-d.lost:
			select {
			case <-done:
				return nil
			default:
				return d.Err()
			}
		case d.reader <- struct{}{}:
		}

		ev, err := d.readEvent(ctx, done)
		<-d.reader
		switch {
		case err == nil:
			if bo != nil {
				bo.Reset()
			}
			d.Dispatch(ev)
		case errors.Is(err, api.ErrNoEvent):
			if bo == nil {
				bo = d.newPollBackOff()
			}
			if err := d.sleep(ctx, done, bo.NextBackOff()); err != nil {
				return err
			}
		case errors.Is(err, api.ErrConnectionLost):
			d.teardown(err)
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, context.Canceled):
			// done or the teardown interrupted the read
		default:
			internalLogger.errorf("read event: %v", err)
			d.teardown(err)
		}
	}
}

// readEvent reads one event as the elected reader. The read is interrupted
// when done becomes ready or the display is torn down, so the reader never
// outlives its own interest.
func (d *Display) readEvent(ctx context.Context, done <-chan struct{}) (api.Event, error) {
	select {
	case <-done:
		return nil, context.Canceled
	default:
	}
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-done:
		case <-d.lost:
		case <-rctx.Done():
		}
		cancel()
	}()
	return d.conn.NextEvent(rctx)
}

func (d *Display) newPollBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.config.PollInitialInterval
	bo.MaxInterval = d.config.PollMaxInterval
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (d *Display) sleep(ctx context.Context, done <-chan struct{}, wait time.Duration) error {
	if wait == backoff.Stop {
		wait = d.config.PollMaxInterval
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
	case <-done:
	case <-d.lost:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (d *Display) runCallback(fn func(*Operation), op *Operation) {
	if err := d.pool.Submit(func() { fn(op) }); err != nil {
		// pool released by Close
		go fn(op)
	}
}

// teardown is the single connection-lost path. Every segment is destroyed,
// then every pending operation fails with an error wrapping
// ErrConnectionLost and every outstanding Attach or Detach returns. It runs
// at most once.
func (d *Display) teardown(cause error) {
	d.lostOnce.Do(func() {
		err := connectionLost(cause)
		d.lostMu.Lock()
		d.lostErr = err
		d.lostMu.Unlock()

		segs := d.Segments()
		for _, seg := range segs {
			seg.forceDestroy()
		}
		n := d.tracker.drain(err)
		d.acksMu.Lock()
		acks := d.acks
		d.acks = make(map[api.Sequence]*ackWaiter)
		d.acksMu.Unlock()
		for _, w := range acks {
			w.resolve(err)
		}
		close(d.lost)
		internalLogger.warnf("display torn down (%v): %d operations failed, %d segments destroyed", err, n, len(segs))
	})
}

// Close tears the display down as if the connection was lost and releases
// the callback pool. The connection itself is left to its owner.
func (d *Display) Close() error {
	d.teardown(errDisplayClosed)
	d.closeOnce.Do(func() {
		d.pool.Release()
		d.deferMu.Lock()
		d.deferred.Dispose()
		d.deferMu.Unlock()
	})
	return nil
}
