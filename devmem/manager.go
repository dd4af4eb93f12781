// Package devmem implements the multi-ASID physical-memory manager
// (spec.md §4.3): a free-list allocator per address-space region, backed by
// a host-side arena that stands in for device-visible bytes.
package devmem

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/Neo-Vincent/Compass-NPU-Driver/umdenv"
	"github.com/Neo-Vincent/Compass-NPU-Driver/umderr"
)

// Region identifies an address-space region. RegionDefault always resolves
// to ASID0 (spec.md §4.3: "Region DEFAULT chooses ASID0").
type Region int

const (
	RegionDefault Region = iota
	RegionASID0
	RegionASID1
)

// ASIDMax bounds how many regions a Manager may hold; callers may register
// additional regions above RegionASID1 up to this count.
const ASIDMax = 8

func (r Region) resolve() Region {
	if r == RegionDefault {
		return RegionASID0
	}
	return r
}

// Buffer is a physical memory region descriptor (spec.md §3 "Buffer
// descriptor"). A Buffer either owns its allocation (freed on Manager.Free)
// or is a non-owning view carved from one via NewView.
type Buffer struct {
	PA      uint64
	Size    uint64
	ReqSize uint64

	AsidBase    uint64
	AlignAsidPA uint64

	Name   string
	Region Region

	isView bool
}

// NewView carves a non-owning sub-view out of an existing buffer. Freeing a
// view only drops the descriptor; the owner's allocation is unaffected.
func NewView(owner *Buffer, offset, size uint64) (*Buffer, error) {
	if offset+size > owner.Size {
		return nil, fmt.Errorf("devmem: view [%d,%d) exceeds owner size %d: %w", offset, offset+size, owner.Size, umderr.ErrBufAllocFail)
	}
	return &Buffer{
		PA:          owner.PA + offset,
		Size:        size,
		ReqSize:     size,
		AsidBase:    owner.AsidBase,
		AlignAsidPA: owner.PA + offset,
		Name:        owner.Name,
		Region:      owner.Region,
		isView:      true,
	}, nil
}

// Manager owns every ASID region's allocator and arena.
type Manager struct {
	regions map[Region]*regionState
}

// NewManager builds a Manager with the two mandatory regions (ASID0
// feature-map/shared, ASID1 weight) sized per cfg. UMD_ASID_BASE, when set,
// overrides ASID0's base the way the original debug hook does.
func NewManager(asid0Size, asid1Size uint64, asid0Base, asid1Base uint64) *Manager {
	if umdenv.AsidBase != 0 {
		asid0Base = umdenv.AsidBase
	}
	m := &Manager{regions: make(map[Region]*regionState, 2)}
	m.regions[RegionASID0] = newRegionState("ASID0:feature-map/shared", asid0Base, asid0Size)
	m.regions[RegionASID1] = newRegionState("ASID1:weight", asid1Base, asid1Size)
	return m
}

// AddRegion registers an additional configured region (spec.md §4.3 "others
// may be configured"). Panics if id is already taken or exceeds ASIDMax,
// mirroring a programming error rather than a runtime condition.
func (m *Manager) AddRegion(id Region, name string, base, size uint64) {
	if int(id) >= ASIDMax {
		panic(fmt.Sprintf("devmem: region id %d exceeds ASIDMax %d", id, ASIDMax))
	}
	if _, exists := m.regions[id]; exists {
		panic(fmt.Sprintf("devmem: region %d already registered", id))
	}
	m.regions[id] = newRegionState(name, base, size)
}

func (m *Manager) region(r Region) (*regionState, error) {
	rs, ok := m.regions[r.resolve()]
	if !ok {
		return nil, fmt.Errorf("devmem: %w: region %d", umderr.ErrTargetNotFound, r)
	}
	return rs, nil
}

// Malloc atomically reserves an aligned extent (spec.md §4.3). alignInPage
// of 0 means page alignment.
func (m *Manager) Malloc(size uint64, alignInPage uint64, name string, region Region) (*Buffer, error) {
	rs, err := m.region(region)
	if err != nil {
		return nil, err
	}
	resolvedAlign := alignInPage
	if resolvedAlign == 0 {
		resolvedAlign = PageSize
	}
	aligned := alignUp(size, resolvedAlign)
	pa, err := rs.alloc(aligned, resolvedAlign)
	if err != nil {
		return nil, fmt.Errorf("devmem: malloc %d bytes in %s: %w", size, rs.kind, err)
	}
	buf := &Buffer{
		PA:          pa,
		Size:        aligned,
		ReqSize:     size,
		AsidBase:    rs.base,
		AlignAsidPA: rs.base + alignUp(pa-rs.base, resolvedAlign),
		Name:        name,
		Region:      region.resolve(),
	}
	slog.Debug("devmem malloc", "name", name, "region", rs.kind, "pa", fmt.Sprintf("%#x", pa), "size", aligned)
	return buf, nil
}

// Free returns an owning allocation to its region's free list. Freeing a
// view only drops the descriptor (spec.md §4.3 free_bufferdesc).
func (m *Manager) Free(buf *Buffer) error {
	if buf == nil || buf.isView {
		return nil
	}
	rs, err := m.region(buf.Region)
	if err != nil {
		return err
	}
	rs.release(buf.PA, buf.Size)
	slog.Debug("devmem free", "name", buf.Name, "pa", fmt.Sprintf("%#x", buf.PA), "size", buf.Size)
	return nil
}

// FreeBufferDesc drops a view descriptor without touching the owner's
// allocation. It is an alias kept for symmetry with Free on owning buffers.
func (m *Manager) FreeBufferDesc(buf *Buffer) {
	_ = buf
}

func (m *Manager) bounds(region Region, pa, size uint64) (*regionState, error) {
	rs, err := m.region(region)
	if err != nil {
		return nil, err
	}
	if !rs.contains(pa, size) {
		return nil, fmt.Errorf("devmem: [%#x,%#x) escapes region %s [%#x,%#x): %w",
			pa, pa+size, rs.kind, rs.base, rs.base+rs.size, umderr.ErrInvalidBin)
	}
	return rs, nil
}

// Zeroize zero-fills device-visible bytes (spec.md §4.3 mem_bzero).
func (m *Manager) Zeroize(region Region, pa, size uint64) error {
	rs, err := m.bounds(region, pa, size)
	if err != nil {
		return err
	}
	dst := rs.slice(pa, size)
	for i := range dst {
		dst[i] = 0
	}
	return nil
}

// Write copies src into device-visible memory at pa.
func (m *Manager) Write(region Region, pa uint64, src []byte) error {
	rs, err := m.bounds(region, pa, uint64(len(src)))
	if err != nil {
		return err
	}
	copy(rs.slice(pa, uint64(len(src))), src)
	return nil
}

// Read copies len(dst) device-visible bytes starting at pa into dst.
func (m *Manager) Read(region Region, pa uint64, dst []byte) error {
	rs, err := m.bounds(region, pa, uint64(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, rs.slice(pa, uint64(len(dst))))
	return nil
}

// ResetAsidBase overrides a region's base while it has no live
// allocations; a debug aid used to line the simulator up with a fixed test
// address. Returns ErrInvalidBin if any allocation in the region is still
// live, since rebasing a live allocator would orphan its extents.
func (m *Manager) ResetAsidBase(region Region, base uint64) error {
	rs, err := m.region(region)
	if err != nil {
		return err
	}
	if !rs.untouched() {
		return fmt.Errorf("devmem: %w: region already allocated from", umderr.ErrInvalidBin)
	}
	rs.resetBase(base)
	return nil
}

// GetAsidBase returns a region's current base address.
func (m *Manager) GetAsidBase(region Region) (uint64, error) {
	rs, err := m.region(region)
	if err != nil {
		return 0, err
	}
	return rs.base, nil
}

// GetMemRegionBase returns a region's base; kind is accepted for parity with
// the original's {const,weight,feature-map} sub-kind lookup but every kind
// shares one physical region in this layout.
func (m *Manager) GetMemRegionBase(region Region, kind string) (uint64, error) {
	_ = kind
	return m.GetAsidBase(region)
}

// DumpFile persists a device-memory range to a host file (spec.md §4.3).
func (m *Manager) DumpFile(region Region, pa uint64, size uint64, path string) error {
	rs, err := m.bounds(region, pa, size)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, rs.slice(pa, size), 0o644); err != nil {
		return fmt.Errorf("devmem: %w: %v", umderr.ErrOpenFileFail, err)
	}
	return nil
}
