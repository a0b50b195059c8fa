//go:build linux

package shm

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

type sysvAllocator struct{}

// NewAllocator returns the System V allocator used by the MIT-SHM protocol.
func NewAllocator() Allocator {
	return sysvAllocator{}
}

// Allocate creates a private SysV segment and attaches it to this process.
func (sysvAllocator) Allocate(ctx context.Context, opts AllocOptions) (*Region, error) {
	if err := checkSize(opts.Size); err != nil {
		return nil, err
	}
	id, err := unix.SysvShmGet(unix.IPC_PRIVATE, opts.Size, unix.IPC_CREAT|permissions(opts.ServerWritable))
	if err != nil {
		return nil, fmt.Errorf("shmget: %w", err)
	}
	addr, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		// the id is useless without a mapping, do not leak it
		_, _ = unix.SysvShmCtl(id, unix.IPC_RMID, nil)
		return nil, fmt.Errorf("shmat: %w", err)
	}
	return &Region{
		ID:             id,
		Addr:           addr[:opts.Size],
		ServerWritable: opts.ServerWritable,
	}, nil
}

// Release detaches the local mapping and marks the segment for removal.
// The kernel frees it once every attached process, the server included,
// has detached.
func (sysvAllocator) Release(ctx context.Context, region *Region) error {
	if region == nil || region.released {
		return nil
	}
	region.released = true
	var firstErr error
	if region.Addr != nil {
		if err := unix.SysvShmDetach(region.Addr[:cap(region.Addr)]); err != nil {
			firstErr = fmt.Errorf("shmdt: %w", err)
		}
		region.Addr = nil
	}
	if _, err := unix.SysvShmCtl(region.ID, unix.IPC_RMID, nil); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("shmctl(IPC_RMID): %w", err)
	}
	return firstErr
}

// Open attaches an existing segment by id.
func (sysvAllocator) Open(ctx context.Context, id int) ([]byte, func() error, error) {
	addr, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("shmat(%d): %w", id, err)
	}
	return addr, func() error { return unix.SysvShmDetach(addr) }, nil
}
