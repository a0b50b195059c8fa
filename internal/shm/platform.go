// Package shm contains platform-specific helpers for allocating the shared
// memory regions handed to the display server.
package shm

import (
	"context"
	"errors"
)

var (
	// ErrInvalidSize is returned when a region of zero (or negative) bytes is requested.
	ErrInvalidSize = errors.New("shm: invalid region size")
	// ErrUnsupported is returned on platforms without System V shared memory.
	ErrUnsupported = errors.New("shm: shared memory segments are not supported on this platform")
	// ErrQuotaExceeded is returned when the allocator has no room left.
	ErrQuotaExceeded = errors.New("shm: allocation quota exceeded")
	// ErrUnknownRegion is returned by Open for an id the allocator never handed out.
	ErrUnknownRegion = errors.New("shm: unknown region id")
)

// Region represents one shared memory region mapped into this process.
type Region struct {
	// ID is the identifier passed to the server (the SysV shmid).
	ID int
	// Addr is the local mapping. Its length is exactly the allocated size.
	Addr []byte
	// ServerWritable reports whether the region was created with write
	// permission for other processes.
	ServerWritable bool

	released bool
}

// Size returns the mapped length in bytes.
func (r *Region) Size() int {
	if r == nil {
		return 0
	}
	return len(r.Addr)
}

// AllocOptions defines options for allocating a region.
type AllocOptions struct {
	Size           int
	ServerWritable bool
}

// Allocator creates, maps and destroys shared memory regions.
//
// Open maps an already allocated region by id. It is what the peer (the
// display server, or the loopback used in tests) does with the id it receives
// in an attach request; the returned closer unmaps that second mapping.
type Allocator interface {
	Allocate(ctx context.Context, opts AllocOptions) (*Region, error)
	Release(ctx context.Context, region *Region) error
	Open(ctx context.Context, id int) ([]byte, func() error, error)
}

// permissions returns the SysV mode bits for a region: the creator can
// always read and write, other processes can only read unless the client
// granted write access.
func permissions(serverWritable bool) int {
	if serverWritable {
		return 0o666
	}
	return 0o644
}

func checkSize(size int) error {
	if size <= 0 {
		return ErrInvalidSize
	}
	return nil
}
