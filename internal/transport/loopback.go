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

// Package transport contains an in-process display server speaking the
// shared memory extension. It maps segments through the same allocator the
// client uses, so pixels really travel through shared memory.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	queuepkg "github.com/Workiva/go-datastructures/queue"
	"github.com/valyala/bytebufferpool"

	"github.com/srediag/xshm/api"
	"github.com/srediag/xshm/internal/shm"
)

const (
	defaultQueueHint = 256
	pollInterval     = 5 * time.Millisecond
	firstSegID       = 0x00200000
)

var logger = log.New(os.Stderr, "xshm loopback: ", log.LstdFlags|log.Lmicroseconds)

func logf(format string, a ...interface{}) {
	logger.Printf(format, a...)
}

// Options is used to configure a Loopback.
type Options struct {
	// Allocator must be the allocator of the client, the loopback opens
	// attached regions through it.
	Allocator shm.Allocator
	// Capabilities is what QueryCapabilities answers.
	Capabilities api.Capabilities
	// NonBlocking makes NextEvent return api.ErrNoEvent instead of waiting.
	NonBlocking bool
	// QueueHint sizes the request and event queues.
	QueueHint int64
}

// DefaultCapabilities is the capability set of a current X server.
func DefaultCapabilities() api.Capabilities {
	return api.Capabilities{
		Major:          1,
		Minor:          2,
		MaxSegmentSize: 1 << 30,
		WritableAttach: true,
		SharedPixmaps:  true,
	}
}

type pendingRequest struct {
	seq api.Sequence
	req api.Request
}

type attachment struct {
	shmID    uint32
	readOnly bool
	mem      []byte
	unmap    func() error
}

// Loopback implements api.Connection and api.Negotiator. One worker
// goroutine executes requests in submission order, which keeps events of a
// segment in order.
type Loopback struct {
	opts Options

	sendMu   sync.Mutex
	seq      uint64
	nextID   atomic.Uint32
	requests *queuepkg.Queue
	events   *queuepkg.Queue
	emitMu   sync.Mutex

	mu          sync.Mutex
	segs        map[api.SegID]*attachment
	drawables   map[uint32]*bytebufferpool.ByteBuffer
	held        bool
	heldEvents  []api.Event
	reject      map[api.Opcode]api.ErrorCode
	dropped     int
	processed   uint64
	reqCounts   map[api.Opcode]int
	processedCh chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewLoopback starts a loopback server.
func NewLoopback(opts Options) (*Loopback, error) {
	if opts.Allocator == nil {
		return nil, errors.New("loopback: allocator is nil")
	}
	if opts.QueueHint <= 0 {
		opts.QueueHint = defaultQueueHint
	}
	if opts.Capabilities == (api.Capabilities{}) {
		opts.Capabilities = DefaultCapabilities()
	}
	l := &Loopback{
		opts:        opts,
		requests:    queuepkg.New(opts.QueueHint),
		events:      queuepkg.New(opts.QueueHint),
		segs:        make(map[api.SegID]*attachment),
		drawables:   make(map[uint32]*bytebufferpool.ByteBuffer),
		reject:      make(map[api.Opcode]api.ErrorCode),
		reqCounts:   make(map[api.Opcode]int),
		processedCh: make(chan struct{}),
		done:        make(chan struct{}),
	}
	l.nextID.Store(firstSegID)
	l.wg.Add(1)
	go l.serve()
	return l, nil
}

func (l *Loopback) QueryCapabilities(ctx context.Context) (api.Capabilities, error) {
	if l.closed() {
		return api.Capabilities{}, api.ErrConnectionLost
	}
	return l.opts.Capabilities, ctx.Err()
}

func (l *Loopback) GenerateID() (api.SegID, error) {
	if l.closed() {
		return 0, api.ErrConnectionLost
	}
	return api.SegID(l.nextID.Add(1)), nil
}

func (l *Loopback) Send(ctx context.Context, req api.Request) (api.Sequence, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	if l.closed() {
		return 0, api.ErrConnectionLost
	}
	l.seq++
	seq := api.Sequence(l.seq)
	if err := l.requests.Put(pendingRequest{seq: seq, req: req}); err != nil {
		return 0, fmt.Errorf("%w: %v", api.ErrConnectionLost, err)
	}
	return seq, nil
}

func (l *Loopback) NextEvent(ctx context.Context) (api.Event, error) {
	for {
		if l.opts.NonBlocking && l.events.Empty() {
			if l.closed() {
				return nil, api.ErrConnectionLost
			}
			return nil, api.ErrNoEvent
		}
		items, err := l.events.Poll(1, pollInterval)
		switch {
		case err == nil && len(items) > 0:
			return items[0].(api.Event), nil
		case errors.Is(err, queuepkg.ErrDisposed):
			return nil, api.ErrConnectionLost
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (l *Loopback) Done() <-chan struct{} { return l.done }

// Disconnect drops the connection. Queued requests and events are lost and
// every server-side mapping is removed.
func (l *Loopback) Disconnect() {
	l.closeOnce.Do(func() {
		l.sendMu.Lock()
		close(l.done)
		l.sendMu.Unlock()
		l.requests.Dispose()
		l.events.Dispose()
		l.wg.Wait()

		l.mu.Lock()
		for id, a := range l.segs {
			if err := a.unmap(); err != nil {
				logf("unmap segment %#x: %v", uint32(id), err)
			}
		}
		l.segs = make(map[api.SegID]*attachment)
		for id, b := range l.drawables {
			bytebufferpool.Put(b)
			delete(l.drawables, id)
		}
		l.mu.Unlock()
	})
}

func (l *Loopback) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *Loopback) serve() {
	defer l.wg.Done()
	for {
		items, err := l.requests.Get(1)
		if err != nil {
			return
		}
		for _, item := range items {
			p := item.(pendingRequest)
			if ev := l.handle(p.seq, p.req); ev != nil {
				l.emit(ev)
			}
			l.mu.Lock()
			l.processed = uint64(p.seq)
			l.reqCounts[p.req.Opcode()]++
			close(l.processedCh)
			l.processedCh = make(chan struct{})
			l.mu.Unlock()
		}
	}
}

func (l *Loopback) handle(seq api.Sequence, req api.Request) api.Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	if code, ok := l.reject[req.Opcode()]; ok {
		delete(l.reject, req.Opcode())
		return errorEvent(seq, req, code, 0)
	}
	switch r := req.(type) {
	case api.AttachRequest:
		return l.attach(seq, r)
	case api.DetachRequest:
		a, ok := l.segs[r.Seg]
		if !ok {
			return errorEvent(seq, req, api.BadShmSeg, uint32(r.Seg))
		}
		delete(l.segs, r.Seg)
		if err := a.unmap(); err != nil {
			logf("unmap segment %#x: %v", uint32(r.Seg), err)
		}
		return api.AckEvent{Sequence: seq}
	case api.PutImageRequest:
		a, code := l.transferTarget(r.Seg, r.Offset, r.Length, false)
		if code != 0 {
			return errorEvent(seq, req, code, uint32(r.Seg))
		}
		l.drawable(r.Image.Drawable).Set(a.mem[r.Offset : r.Offset+r.Length])
		if !r.SendEvent {
			return nil
		}
		return l.completion(seq, r.Seg, r.Image.Drawable, r.Offset)
	case api.GetImageRequest:
		a, code := l.transferTarget(r.Seg, r.Offset, r.Length, true)
		if code != 0 {
			return errorEvent(seq, req, code, uint32(r.Seg))
		}
		dst := a.mem[r.Offset : r.Offset+r.Length]
		n := copy(dst, l.drawable(r.Image.Drawable).B)
		clear(dst[n:])
		return l.completion(seq, r.Seg, r.Image.Drawable, r.Offset)
	}
	return errorEvent(seq, req, api.BadValue, 0)
}

func (l *Loopback) attach(seq api.Sequence, r api.AttachRequest) api.Event {
	if _, ok := l.segs[r.Seg]; ok {
		return errorEvent(seq, r, api.BadIDChoice, uint32(r.Seg))
	}
	if !r.ReadOnly && !l.opts.Capabilities.WritableAttach {
		return errorEvent(seq, r, api.BadAccess, r.ShmID)
	}
	mem, unmap, err := l.opts.Allocator.Open(context.Background(), int(r.ShmID))
	if err != nil {
		return errorEvent(seq, r, api.BadValue, r.ShmID)
	}
	l.segs[r.Seg] = &attachment{shmID: r.ShmID, readOnly: r.ReadOnly, mem: mem, unmap: unmap}
	return api.AckEvent{Sequence: seq}
}

// transferTarget resolves the attachment of a transfer. A non-zero code is
// the protocol error the server answers with.
func (l *Loopback) transferTarget(seg api.SegID, offset, length uint32, write bool) (*attachment, api.ErrorCode) {
	a, ok := l.segs[seg]
	if !ok {
		return nil, api.BadShmSeg
	}
	if write && a.readOnly {
		return nil, api.BadAccess
	}
	if uint64(offset)+uint64(length) > uint64(len(a.mem)) {
		return nil, api.BadValue
	}
	return a, 0
}

func (l *Loopback) completion(seq api.Sequence, seg api.SegID, drawable, offset uint32) api.Event {
	if l.dropped > 0 {
		l.dropped--
		return nil
	}
	return api.CompletionEvent{Sequence: seq, Seg: seg, Drawable: drawable, Offset: offset}
}

func (l *Loopback) drawable(id uint32) *bytebufferpool.ByteBuffer {
	b, ok := l.drawables[id]
	if !ok {
		b = bytebufferpool.Get()
		l.drawables[id] = b
	}
	return b
}

func errorEvent(seq api.Sequence, req api.Request, code api.ErrorCode, value uint32) api.Event {
	perr := &api.ProtocolError{Code: code, Sequence: seq, Opcode: req.Opcode(), BadValue: value}
	switch req.(type) {
	case api.PutImageRequest, api.GetImageRequest:
		return api.CompletionEvent{Sequence: seq, Err: perr}
	}
	return api.AckEvent{Sequence: seq, Err: perr}
}

func (l *Loopback) emit(ev api.Event) {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()
	l.emitLocked(ev)
}

func (l *Loopback) emitLocked(ev api.Event) {
	l.mu.Lock()
	if l.held {
		l.heldEvents = append(l.heldEvents, ev)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	if err := l.events.Put(ev); err != nil && !errors.Is(err, queuepkg.ErrDisposed) {
		logf("queue event: %v", err)
	}
}

// Hold keeps every event back until Release. Requests are still executed.
func (l *Loopback) Hold() {
	l.mu.Lock()
	l.held = true
	l.mu.Unlock()
}

// Release delivers the events kept back by Hold, in order.
func (l *Loopback) Release() {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()
	l.mu.Lock()
	l.held = false
	held := l.heldEvents
	l.heldEvents = nil
	l.mu.Unlock()
	for _, ev := range held {
		l.emitLocked(ev)
	}
}

// InjectEvent delivers ev as if the server sent it.
func (l *Loopback) InjectEvent(ev api.Event) {
	l.emit(ev)
}

// RejectNext makes the next request with opcode op fail with code.
func (l *Loopback) RejectNext(op api.Opcode, code api.ErrorCode) {
	l.mu.Lock()
	l.reject[op] = code
	l.mu.Unlock()
}

// DropCompletions swallows the next n completion events.
func (l *Loopback) DropCompletions(n int) {
	l.mu.Lock()
	l.dropped += n
	l.mu.Unlock()
}

// Sync waits until every request sent so far was executed.
func (l *Loopback) Sync(ctx context.Context) error {
	l.sendMu.Lock()
	target := l.seq
	l.sendMu.Unlock()
	for {
		l.mu.Lock()
		processed, ch := l.processed, l.processedCh
		l.mu.Unlock()
		if processed >= target {
			return nil
		}
		select {
		case <-ch:
		case <-l.done:
			return api.ErrConnectionLost
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Attached returns the number of segments the server currently holds.
func (l *Loopback) Attached() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.segs)
}

// Requests returns how many requests with opcode op were executed.
func (l *Loopback) Requests(op api.Opcode) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reqCounts[op]
}

// Drawable returns a copy of the contents of a drawable.
func (l *Loopback) Drawable(id uint32) []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.drawables[id]
	if !ok {
		return nil
	}
	return append([]byte(nil), b.B...)
}

// SetDrawable replaces the contents of a drawable.
func (l *Loopback) SetDrawable(id uint32, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.drawable(id).Set(data)
}
