//go:build !linux

package shm

import (
	"context"
)

type unsupportedAllocator struct{}

// NewAllocator returns an allocator that refuses every request; MIT-SHM
// segments are System V objects and only the Linux backend is implemented.
func NewAllocator() Allocator {
	return unsupportedAllocator{}
}

func (unsupportedAllocator) Allocate(ctx context.Context, opts AllocOptions) (*Region, error) {
	if err := checkSize(opts.Size); err != nil {
		return nil, err
	}
	return nil, ErrUnsupported
}

func (unsupportedAllocator) Release(ctx context.Context, region *Region) error {
	return nil
}

func (unsupportedAllocator) Open(ctx context.Context, id int) ([]byte, func() error, error) {
	return nil, nil, ErrUnsupported
}
