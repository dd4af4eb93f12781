package jobbuild

import (
	"encoding/binary"
	"fmt"

	"github.com/Neo-Vincent/Compass-NPU-Driver/graphbin"
)

// setupRodata implements spec.md §4.5.2: for every parameter-relocation
// entry, resolve the physical address it should carry and patch it into
// rodataHost in place, preserving every bit outside addr_mask. The same
// patch is mirrored into descHost when the graph carries a descriptor
// section, per §4.5.2's "rodata buffer (and the descriptor buffer if
// present)".
func (j *Job) setupRodata(source Source, cfg Config) error {
	for bssIdx := 0; bssIdx < source.BSSCount(); bssIdx++ {
		bss := source.BSS(bssIdx)

		for _, rl := range bss.StaticRelocs {
			pa, err := j.resolveStaticReloc(source, bssIdx, rl)
			if err != nil {
				return err
			}
			patchWord(j.rodataHost, rl.OffsetInRO, pa, rl.AddrMask)
			patchWord(j.descHost, rl.OffsetInRO, pa, rl.AddrMask)
		}

		for _, rl := range bss.ReuseRelocs {
			pa, err := j.resolveReuseReloc(bss, bssIdx, rl, cfg)
			if err != nil {
				return err
			}
			patchWord(j.rodataHost, rl.OffsetInRO, pa, rl.AddrMask)
			patchWord(j.descHost, rl.OffsetInRO, pa, rl.AddrMask)
		}
	}

	for i, sg := range source.Subgraphs() {
		for k, off := range sg.PrivateBuffersMap {
			if k >= len(j.privBufs[i]) || j.privBufs[i][k] == nil {
				continue
			}
			patchWord(j.rodataHost, off, uint32(j.privBufs[i][k].PA), 0xFFFFFFFF)
			patchWord(j.descHost, off, uint32(j.privBufs[i][k].PA), 0xFFFFFFFF)
		}
	}

	return nil
}

func (j *Job) resolveStaticReloc(source Source, bssIdx int, rl graphbin.Reloc) (uint32, error) {
	wb := source.WeightBuffer(bssIdx)
	if wb == nil {
		return 0, fmt.Errorf("jobbuild: static reloc for bss %d with no weight buffer", bssIdx)
	}
	return uint32(wb.PA) + rl.OffsetInSection, nil
}

func (j *Job) resolveReuseReloc(bss graphbin.BSS, bssIdx int, rl graphbin.Reloc, cfg Config) (uint32, error) {
	if pa, ok := cfg.DMABufPAs[dmaKey(bssIdx, rl.BufIndex)]; ok {
		return uint32(pa) + rl.OffsetInSection, nil
	}
	buf, ok := j.reuseBufs[reuseSlot{bssIdx, rl.BufIndex}]
	if !ok {
		return 0, fmt.Errorf("jobbuild: reuse reloc references unallocated section %d/%d", bssIdx, rl.BufIndex)
	}
	return uint32(buf.PA) + rl.OffsetInSection, nil
}

// dmaKey packs a (bssIdx, reuseSectionIdx) pair into the single uint32 key
// space cfg.DMABufPAs is addressed by (tensor ids in spec.md §4.5.2 are
// graph-global; here we key by the section position a tensor refers to,
// which is unique per BSS since bssIdx fits in the high bits).
func dmaKey(bssIdx, sectionIdx int) uint32 {
	return uint32(bssIdx)<<16 | uint32(sectionIdx)
}

// patchWord implements spec.md §3's masked patch:
// rodata[off] = (rodata[off] & ~mask) | ((pa) & mask).
func patchWord(rodata []byte, offset uint32, pa uint32, mask uint32) {
	if int(offset)+4 > len(rodata) {
		return
	}
	existing := binary.LittleEndian.Uint32(rodata[offset : offset+4])
	patched := (existing &^ mask) | (pa & mask)
	binary.LittleEndian.PutUint32(rodata[offset:offset+4], patched)
}
