package jobbuild

import (
	"fmt"

	"github.com/Neo-Vincent/Compass-NPU-Driver/devmem"
	"github.com/Neo-Vincent/Compass-NPU-Driver/graphbin"
)

// pageAlign mirrors spec.md §4.5.1's ALIGN_PAGE.
func pageAlign(size uint32) uint64 {
	if size == 0 {
		return 0
	}
	return (uint64(size) + devmem.PageSize - 1) &^ (devmem.PageSize - 1)
}

// reuseRef names one reuse section by its (bss, index) position plus the
// byte range it needs, used while planning the allocation.
type reuseRef struct {
	slot   reuseSlot
	size   uint64
	pinned bool
	region devmem.Region
}

// allocState accumulates every buffer a Build call allocates, so a failure
// partway through can unwind everything (spec.md §7 alloc_load_job_buffers
// unwind-on-error).
type allocState struct {
	mm        *devmem.Manager
	allocated []*devmem.Buffer
}

func (a *allocState) malloc(size uint64, align uint64, name string, region devmem.Region) (*devmem.Buffer, error) {
	buf, err := a.mm.Malloc(size, align, name, region)
	if err != nil {
		return nil, err
	}
	a.allocated = append(a.allocated, buf)
	return buf, nil
}

func (a *allocState) unwind() {
	for i := len(a.allocated) - 1; i >= 0; i-- {
		_ = a.mm.Free(a.allocated[i])
	}
	a.allocated = nil
}

// planReuseBuffers implements spec.md §4.5.1's three-policy allocation for
// reuse sections: centralized (one tot_reuse buffer with carved views),
// falling back to scatter on exhaustion; sections pinned to a non-default
// region or named in cfg.FMIdxes always scatter individually (the "hybrid"
// rule), regardless of which policy governs the rest.
func planReuseBuffers(a *allocState, source Source, cfg Config) (map[reuseSlot]*devmem.Buffer, error) {
	pinnedIdx := make(map[int]bool, len(cfg.FMIdxes))
	for _, i := range cfg.FMIdxes {
		pinnedIdx[i] = true
	}

	var refs []reuseRef
	flat := 0
	for bssIdx := 0; bssIdx < source.BSSCount(); bssIdx++ {
		bss := source.BSS(bssIdx)
		for secIdx, sec := range bss.ReuseSections {
			pinned := cfg.FMMemRegion != devmem.RegionDefault || pinnedIdx[flat]
			region := devmem.RegionASID0
			if pinned && cfg.FMMemRegion != devmem.RegionDefault {
				region = cfg.FMMemRegion
			}
			refs = append(refs, reuseRef{
				slot:   reuseSlot{bssIdx, secIdx},
				size:   pageAlign(sec.Size),
				pinned: pinned,
				region: region,
			})
			flat++
		}
	}

	out := make(map[reuseSlot]*devmem.Buffer, len(refs))

	var normal []reuseRef
	for _, r := range refs {
		if r.pinned {
			buf, err := a.malloc(r.size, 0, "reuse-pinned", r.region)
			if err != nil {
				return nil, fmt.Errorf("jobbuild: allocating pinned reuse section: %w", err)
			}
			out[r.slot] = buf
			continue
		}
		normal = append(normal, r)
	}

	if len(normal) == 0 {
		return out, nil
	}

	var total uint64
	for _, r := range normal {
		total += r.size
	}

	if totBuf, err := a.malloc(total, 0, "tot_reuse", devmem.RegionASID0); err == nil {
		var off uint64
		for _, r := range normal {
			view, verr := devmem.NewView(totBuf, off, r.size)
			if verr != nil {
				return nil, fmt.Errorf("jobbuild: carving reuse view: %w", verr)
			}
			out[r.slot] = view
			off += r.size
		}
		return out, nil
	}

	// Centralized allocation failed; fall through to scatter (spec.md §4.5.1).
	for _, r := range normal {
		buf, err := a.malloc(r.size, 0, "reuse-scatter", devmem.RegionASID0)
		if err != nil {
			return nil, fmt.Errorf("jobbuild: scatter-allocating reuse section: %w", err)
		}
		out[r.slot] = buf
	}
	return out, nil
}

// chainWindow is one subgraph's window into the private-buffer chain
// accumulator.
type chainWindow struct {
	offset uint64
	size   uint64
}

// planPrivateBuffers implements spec.md §4.5.1's private-buffer chain
// allocation: offsets accumulate per subgraph, resetting at PRE_ALL
// barriers, and the single tot_priv buffer is sized to the maximum offset
// reached across the whole walk.
func planPrivateBuffers(a *allocState, source Source) ([][]*devmem.Buffer, error) {
	subgraphs := source.Subgraphs()
	windows := make([][]chainWindow, len(subgraphs))

	var chainOffset, maxOffset uint64
	for i, sg := range subgraphs {
		var subWindows []chainWindow
		for _, pb := range sg.PrivateBuffers {
			sz := pageAlign(pb.Size)
			subWindows = append(subWindows, chainWindow{offset: chainOffset, size: sz})
			chainOffset += sz
			if chainOffset > maxOffset {
				maxOffset = chainOffset
			}
		}
		windows[i] = subWindows
		if sg.PrecursorKind == graphbin.PrecursorPreAll {
			chainOffset = 0
		}
	}

	out := make([][]*devmem.Buffer, len(subgraphs))
	if maxOffset == 0 {
		return out, nil
	}

	if totBuf, err := a.malloc(maxOffset, 0, "tot_priv", devmem.RegionASID0); err == nil {
		for i, subWindows := range windows {
			for _, w := range subWindows {
				if w.size == 0 {
					out[i] = append(out[i], nil)
					continue
				}
				view, verr := devmem.NewView(totBuf, w.offset, w.size)
				if verr != nil {
					return nil, fmt.Errorf("jobbuild: carving private-buffer view: %w", verr)
				}
				out[i] = append(out[i], view)
			}
		}
		return out, nil
	}

	// Centralized private-buffer allocation failed; scatter each one.
	for i, sg := range subgraphs {
		for _, pb := range sg.PrivateBuffers {
			buf, err := a.malloc(pageAlign(pb.Size), 0, "priv-scatter", devmem.RegionASID0)
			if err != nil {
				return nil, fmt.Errorf("jobbuild: scatter-allocating private buffer: %w", err)
			}
			out[i] = append(out[i], buf)
		}
	}
	return out, nil
}
