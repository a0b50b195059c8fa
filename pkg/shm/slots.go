package shm

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrNoFreeSlot is returned when every slot able to hold the request is in use.
	ErrNoFreeSlot = errors.New("shm: no free slot")
	// ErrInvalidLayout is returned for a layout that does not fit the buffer.
	ErrInvalidLayout = errors.New("shm: invalid slot layout")
)

// SizePercentPair describes one slot class: slots of Size bytes occupying
// Percent percent of the carved range.
type SizePercentPair struct {
	Size    uint64
	Percent uint32
}

// Slot is a fixed range of a segment handed out by a SlotManager.
type Slot struct {
	Offset uint64
	Size   uint64
	used   bool
}

// SlotManager carves a segment into fixed-size slots so several images can
// live in one segment at once (double buffering, tiles). It only does the
// offset bookkeeping; the bytes are still accessed through the Buffer.
type SlotManager struct {
	mu     sync.Mutex
	pools  map[uint64][]*Slot // key: slot size
	sizes  []uint64           // ascending
	layout []SizePercentPair
}

// VerifyLayout checks that the layout is non-empty, that sizes are positive
// and that the percentages add up to at most 100.
func VerifyLayout(size uint64, layout []SizePercentPair) error {
	if len(layout) == 0 {
		return fmt.Errorf("%w: empty layout", ErrInvalidLayout)
	}
	var total uint32
	for _, pair := range layout {
		if pair.Size == 0 || pair.Size > size {
			return fmt.Errorf("%w: slot size %d for a %d byte segment", ErrInvalidLayout, pair.Size, size)
		}
		total += pair.Percent
	}
	if total > 100 {
		return fmt.Errorf("%w: percentages sum to %d", ErrInvalidLayout, total)
	}
	return nil
}

// NewSlotManager carves [0, size) according to layout. Classes are laid out
// in ascending slot size, each taking its share of the segment.
func NewSlotManager(size uint64, layout []SizePercentPair) (*SlotManager, error) {
	if err := VerifyLayout(size, layout); err != nil {
		return nil, err
	}
	sorted := append([]SizePercentPair(nil), layout...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Size < sorted[j].Size })

	sm := &SlotManager{
		pools:  make(map[uint64][]*Slot),
		layout: sorted,
	}
	var offset uint64
	for _, pair := range sorted {
		share := size * uint64(pair.Percent) / 100
		count := share / pair.Size
		for i := uint64(0); i < count; i++ {
			if offset+pair.Size > size {
				break
			}
			sm.pools[pair.Size] = append(sm.pools[pair.Size], &Slot{Offset: offset, Size: pair.Size})
			offset += pair.Size
		}
		if len(sm.pools[pair.Size]) > 0 {
			sm.sizes = append(sm.sizes, pair.Size)
		}
	}
	if len(sm.sizes) == 0 {
		return nil, fmt.Errorf("%w: no slot fits", ErrInvalidLayout)
	}
	return sm, nil
}

// Alloc returns a free slot of the smallest class that holds size bytes.
func (sm *SlotManager) Alloc(size uint64) (*Slot, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, class := range sm.sizes {
		if class < size {
			continue
		}
		for _, s := range sm.pools[class] {
			if !s.used {
				s.used = true
				return s, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %d bytes", ErrNoFreeSlot, size)
}

// Recycle returns a slot to its pool.
func (sm *SlotManager) Recycle(s *Slot) {
	if s == nil {
		return
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s.used = false
}

// Stats returns the number of free slots for each size.
func (sm *SlotManager) Stats() map[uint64]int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	stats := make(map[uint64]int, len(sm.pools))
	for size, pool := range sm.pools {
		free := 0
		for _, s := range pool {
			if !s.used {
				free++
			}
		}
		stats[size] = free
	}
	return stats
}
