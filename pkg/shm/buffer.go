package shm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	internalshm "github.com/srediag/xshm/internal/shm"
)

var (
	// ErrClosed is returned by every access after the buffer was released.
	ErrClosed = errors.New("shm: buffer closed")
	// ErrOutOfRange is returned when offset+length exceeds the buffer.
	ErrOutOfRange = errors.New("shm: range out of bounds")
	// ErrInvalidSize is returned when opening a buffer of zero bytes.
	ErrInvalidSize = internalshm.ErrInvalidSize
	// ErrUnsupported is returned by the system allocator on platforms without SysV IPC.
	ErrUnsupported = internalshm.ErrUnsupported
	// ErrQuotaExceeded is returned by a heap allocator that has reached its limit.
	ErrQuotaExceeded = internalshm.ErrQuotaExceeded
)

// Allocator creates and destroys the OS regions behind a Buffer.
type Allocator = internalshm.Allocator

// SystemAllocator returns the System V allocator.
func SystemAllocator() Allocator {
	return internalshm.NewAllocator()
}

// HeapAllocator returns a process-local allocator with the same contract,
// used where SysV IPC is unavailable and by the loopback server in tests.
// A positive limit caps the live bytes.
func HeapAllocator(limit int) Allocator {
	return internalshm.NewHeapAllocator(limit)
}

// Buffer is the only way to touch the bytes of a shared segment.
//
// Every access is bounds checked against Len. Close releases the OS region;
// it waits for accesses in progress and afterwards every access fails with
// ErrClosed, so the mapping is never dereferenced once released.
type Buffer struct {
	mu        sync.RWMutex
	region    *internalshm.Region
	allocator Allocator
	size      uint64
	closed    bool
}

// OpenOptions defines options for creating a shared memory buffer.
type OpenOptions struct {
	// Size is the buffer size in bytes.
	Size uint64
	// ServerWritable grants the peer write access to the region.
	ServerWritable bool
	// Allocator defaults to SystemAllocator.
	Allocator Allocator
}

// Open allocates a region and maps it.
func Open(ctx context.Context, opts OpenOptions) (*Buffer, error) {
	if opts.Size == 0 {
		return nil, ErrInvalidSize
	}
	if opts.Size > uint64(maxInt) {
		return nil, fmt.Errorf("%w: %d bytes", ErrOutOfRange, opts.Size)
	}
	alloc := opts.Allocator
	if alloc == nil {
		alloc = SystemAllocator()
	}
	region, err := alloc.Allocate(ctx, internalshm.AllocOptions{
		Size:           int(opts.Size),
		ServerWritable: opts.ServerWritable,
	})
	if err != nil {
		return nil, err
	}
	return &Buffer{
		region:    region,
		allocator: alloc,
		size:      opts.Size,
	}, nil
}

const maxInt = int(^uint(0) >> 1)

// ID returns the identifier of the OS region, the value sent to the server.
func (b *Buffer) ID() int {
	return b.region.ID
}

// Len returns the size of the buffer. It does not change after Close.
func (b *Buffer) Len() uint64 {
	return b.size
}

// ServerWritable reports whether the peer may write into the region.
func (b *Buffer) ServerWritable() bool {
	return b.region.ServerWritable
}

// Closed reports whether the buffer was released.
func (b *Buffer) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// CheckRange validates offset+length against the buffer size without touching memory.
func (b *Buffer) CheckRange(offset, length uint64) error {
	if length > b.size || offset > b.size-length {
		return fmt.Errorf("%w: offset %d length %d size %d", ErrOutOfRange, offset, length, b.size)
	}
	return nil
}

// ReadAt copies len(p) bytes starting at off into p.
func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	err := b.View(uint64(off), uint64(len(p)), func(data []byte) error {
		copy(p, data)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteAt copies p into the buffer starting at off.
func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	err := b.Update(uint64(off), uint64(len(p)), func(data []byte) error {
		copy(data, p)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// View calls fn with the bytes in [offset, offset+length). The slice must not
// be retained after fn returns.
func (b *Buffer) View(offset, length uint64, fn func([]byte) error) error {
	return b.access(offset, length, fn)
}

// Update calls fn with the writable bytes in [offset, offset+length). The
// slice must not be retained after fn returns.
func (b *Buffer) Update(offset, length uint64, fn func([]byte) error) error {
	return b.access(offset, length, fn)
}

func (b *Buffer) access(offset, length uint64, fn func([]byte) error) error {
	if offset > uint64(maxInt) {
		return fmt.Errorf("%w: offset %d", ErrOutOfRange, offset)
	}
	if err := b.CheckRange(offset, length); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return fn(b.region.Addr[offset : offset+length : offset+length])
}

// Close unmaps and releases the region. It is safe to call more than once
// and on a buffer the server never saw.
func (b *Buffer) Close() error {
	return b.CloseContext(context.Background())
}

// CloseContext is Close with a context for the allocator.
func (b *Buffer) CloseContext(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.allocator.Release(ctx, b.region)
}
