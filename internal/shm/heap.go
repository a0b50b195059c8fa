package shm

import (
	"context"
	"sync"
)

// HeapAllocator hands out process-local memory with the Allocator contract.
// Open returns the very same backing array, so a peer in the same process
// observes every write exactly like a second mapping of a real segment.
type HeapAllocator struct {
	mu      sync.Mutex
	nextID  int
	regions map[int]*Region
	limit   int
}

// NewHeapAllocator creates a heap allocator. A positive limit caps the
// number of bytes that may be live at once; further requests fail the way
// an exhausted shmmni/shmall quota does.
func NewHeapAllocator(limit int) *HeapAllocator {
	return &HeapAllocator{
		nextID:  1,
		regions: make(map[int]*Region),
		limit:   limit,
	}
}

func (h *HeapAllocator) Allocate(ctx context.Context, opts AllocOptions) (*Region, error) {
	if err := checkSize(opts.Size); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.limit > 0 && h.liveBytes()+opts.Size > h.limit {
		return nil, ErrQuotaExceeded
	}
	r := &Region{
		ID:             h.nextID,
		Addr:           make([]byte, opts.Size),
		ServerWritable: opts.ServerWritable,
	}
	h.regions[r.ID] = r
	h.nextID++
	return r, nil
}

func (h *HeapAllocator) Release(ctx context.Context, region *Region) error {
	if region == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if region.released {
		return nil
	}
	region.released = true
	region.Addr = nil
	delete(h.regions, region.ID)
	return nil
}

func (h *HeapAllocator) Open(ctx context.Context, id int) ([]byte, func() error, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.regions[id]
	if !ok {
		return nil, nil, ErrUnknownRegion
	}
	return r.Addr, func() error { return nil }, nil
}

// Live returns the number of regions not yet released.
func (h *HeapAllocator) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.regions)
}

func (h *HeapAllocator) liveBytes() int {
	n := 0
	for _, r := range h.regions {
		n += len(r.Addr)
	}
	return n
}
