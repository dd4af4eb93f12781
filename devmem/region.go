package devmem

import (
	"sort"
	"sync"

	"github.com/Neo-Vincent/Compass-NPU-Driver/umderr"
)

// PageSize is the device's allocation granularity; align_in_page == 0 means
// "round up to this" (spec.md §4.3).
const PageSize = 4096

type extent struct {
	base uint64
	size uint64
}

// regionState is one ASID region's free-list allocator plus its host-side
// simulation of device-visible bytes. A real kernel back end would mmap a
// BAR or dma-buf here instead of backing the region with a Go slice.
type regionState struct {
	mu   sync.Mutex
	kind string
	base uint64
	size uint64
	free []extent // sorted by base, kept coalesced
	arena []byte
}

func newRegionState(kind string, base, size uint64) *regionState {
	return &regionState{
		kind:  kind,
		base:  base,
		size:  size,
		free:  []extent{{base: base, size: size}},
		arena: make([]byte, size),
	}
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// alloc carves an aligned extent out of the free list, first-fit. Returns
// the aligned base, or ErrBufAllocFail on exhaustion.
func (r *regionState) alloc(size, align uint64) (uint64, error) {
	if align == 0 {
		align = PageSize
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, e := range r.free {
		alignedBase := alignUp(e.base, align)
		pad := alignedBase - e.base
		if pad >= e.size {
			continue
		}
		avail := e.size - pad
		if avail < size {
			continue
		}

		var replacement []extent
		if pad > 0 {
			replacement = append(replacement, extent{base: e.base, size: pad})
		}
		if rem := avail - size; rem > 0 {
			replacement = append(replacement, extent{base: alignedBase + size, size: rem})
		}

		r.free = append(r.free[:i], append(replacement, r.free[i+1:]...)...)
		return alignedBase, nil
	}
	return 0, umderr.ErrBufAllocFail
}

// release returns [base, base+size) to the free list, coalescing neighbors.
func (r *regionState) release(base, size uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.free = append(r.free, extent{base: base, size: size})
	sort.Slice(r.free, func(i, j int) bool { return r.free[i].base < r.free[j].base })

	merged := r.free[:1]
	for _, e := range r.free[1:] {
		last := &merged[len(merged)-1]
		if last.base+last.size == e.base {
			last.size += e.size
		} else {
			merged = append(merged, e)
		}
	}
	r.free = merged
}

// untouched reports whether the region has no live allocations (its free
// list is a single extent covering the whole region, which is also the case
// again once every allocation has been released), the precondition
// reset_asid_base relies on.
func (r *regionState) untouched() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.free) == 1 && r.free[0].base == r.base && r.free[0].size == r.size
}

func (r *regionState) resetBase(newBase uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.base = newBase
	r.free = []extent{{base: newBase, size: r.size}}
}

func (r *regionState) contains(pa, size uint64) bool {
	return pa >= r.base && pa+size <= r.base+r.size
}

func (r *regionState) slice(pa, size uint64) []byte {
	off := pa - r.base
	return r.arena[off : off+size]
}
