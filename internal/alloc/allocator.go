// Package alloc provides the per-client channel allocator.
package alloc

import (
	"errors"
	"fmt"
)

// ErrExhausted is returned when the allocator's range is fully in use.
var ErrExhausted = errors.New("alloc: channel range exhausted")

// ChannelAllocator hands out unique ids from [min, max]. Freed ids are
// reused FIFO before the high-water mark advances, keeping ids small and
// making stale post-remove deliveries against a reused channel detectable.
type ChannelAllocator struct {
	next      uint64
	max       uint64
	freed     []uint64
	allocated map[uint64]struct{}
}

func NewChannelAllocator(min, max uint64) (*ChannelAllocator, error) {
	if min > max {
		return nil, fmt.Errorf("alloc: invalid range [%d, %d]", min, max)
	}
	return &ChannelAllocator{
		next:      min,
		max:       max,
		allocated: make(map[uint64]struct{}),
	}, nil
}

// Allocate returns the first free id.
func (a *ChannelAllocator) Allocate() (uint64, error) {
	if len(a.freed) > 0 {
		id := a.freed[0]
		a.freed = a.freed[1:]
		a.allocated[id] = struct{}{}
		return id, nil
	}
	if a.next > a.max {
		return 0, ErrExhausted
	}
	id := a.next
	a.next++
	a.allocated[id] = struct{}{}
	return id, nil
}

// Free returns id to the pool. Freeing an id that is not currently
// allocated is a no-op, so double-frees cannot corrupt the free list.
func (a *ChannelAllocator) Free(id uint64) {
	if _, ok := a.allocated[id]; !ok {
		return
	}
	delete(a.allocated, id)
	a.freed = append(a.freed, id)
}

// InUse reports how many ids are currently allocated.
func (a *ChannelAllocator) InUse() int {
	return len(a.allocated)
}
