package jobbuild

import (
	"encoding/binary"
	"fmt"

	"github.com/Neo-Vincent/Compass-NPU-Driver/devmem"
	"github.com/Neo-Vincent/Compass-NPU-Driver/graphbin"
	"github.com/Neo-Vincent/Compass-NPU-Driver/tcb"
	"github.com/Neo-Vincent/Compass-NPU-Driver/umderr"
)

// SegMMU control bits (spec.md §4.5.4). Only the bit names are specified;
// they occupy the low 14 bits alongside a buffer's physical address, so
// they're assigned within that range.
const (
	segMMURemapShareEn = 1 << 0
	segMMUMemCtrlEn    = 1 << 1
	segMMUCtrlMask     = 0x3FFF
)

// gmCtrlRemapEn is GRID_INIT's gm_ctrl REMAP_EN bit (spec.md §4.5.3).
const gmCtrlRemapEn = 1 << 0

// gmCtrlSizeShift is where the encoded remap-size field starts within
// gm_ctrl, above the low REMAP_EN bit.
const gmCtrlSizeShift = 8

// gmCtrlValue computes GRID_INIT's gm_ctrl word (spec.md §4.5.3):
// ((gm_size>>18 - 1) & 0xFF)<<8 | REMAP_EN, set only when the graph both
// enables GM and needs the GM helper's remap window; gm_ctrl stays zero
// for a GM-enabled job that doesn't use remap.
func gmCtrlValue(gm graphbin.GMConfig, remapEnabled bool) uint32 {
	if gm.Size == 0 || !remapEnabled {
		return 0
	}
	sizeField := (uint32(gm.Size>>18) - 1) & 0xFF
	return sizeField<<gmCtrlSizeShift | gmCtrlRemapEn
}

// segMMUConfig is one per-core SegMMU programming block (spec.md §4.5.4).
type segMMUConfig struct {
	Control uint32
	Remap   uint32
	Seg     [4][2]uint32
}

// setupSegMMU implements spec.md §4.5.4: one SegMMUConfig per config the
// graph declares (source.SegMMUCount()), with every tagged I/O buffer's
// physical address folded into the seg/ctrl slot its decoded id selects, in
// every config whose index bit is set in core_mask. The count does not
// follow the device's core count: a single declared config stays a single
// config, and core_mask bits at or above SegMMUCount are ignored.
func setupSegMMU(source Source, reuseBufs map[reuseSlot]*devmem.Buffer) ([]segMMUConfig, error) {
	n := source.SegMMUCount()
	if n == 0 {
		return nil, nil
	}
	configs := make([]segMMUConfig, n)
	for i := range configs {
		configs[i].Control = segMMURemapShareEn | segMMUMemCtrlEn
	}

	apply := func(tag uint32, pa uint64) error {
		ctrlIdx := int(tag & 0xFF)
		segIdx := int((tag >> 8) & 0xFF)
		coreMask := tag >> 16
		if segIdx < 0 || segIdx >= 4 {
			return fmt.Errorf("jobbuild: %w: segmmu seg_idx %d out of range", umderr.ErrInvalidOp, segIdx)
		}
		if ctrlIdx < 0 || ctrlIdx >= 2 {
			return fmt.Errorf("jobbuild: %w: segmmu ctrl_idx %d out of range", umderr.ErrInvalidOp, ctrlIdx)
		}
		if coreMask == 0 {
			return fmt.Errorf("jobbuild: %w: segmmu core_mask is zero", umderr.ErrInvalidOp)
		}
		for core := 0; core < n; core++ {
			if coreMask&(1<<uint(core)) == 0 {
				continue
			}
			existing := configs[core].Seg[segIdx][ctrlIdx] & segMMUCtrlMask
			configs[core].Seg[segIdx][ctrlIdx] = (uint32(pa) &^ segMMUCtrlMask) | existing
		}
		return nil
	}

	walk := func(bssIdx int, tensors []graphbin.IOTensor) error {
		for _, t := range tensors {
			buf, ok := reuseBufs[reuseSlot{bssIdx, t.RefSectionIter}]
			if !ok {
				continue
			}
			if err := apply(t.SegMMUTag, buf.PA+uint64(t.OffsetInSect)); err != nil {
				return err
			}
		}
		return nil
	}

	for bssIdx := 0; bssIdx < source.BSSCount(); bssIdx++ {
		if err := walk(bssIdx, source.BSS(bssIdx).SegMMUs); err != nil {
			return nil, err
		}
	}
	return configs, nil
}

// encodeSegMMU packs every core's config back-to-back for a single device
// write, mirroring graphbin's own little-endian section layout.
func encodeSegMMU(configs []segMMUConfig) []byte {
	const perCore = 4 + 4 + 4*2*4 // control + remap + seg[4][2]
	out := make([]byte, len(configs)*perCore)
	for i, c := range configs {
		off := i * perCore
		binary.LittleEndian.PutUint32(out[off:], c.Control)
		binary.LittleEndian.PutUint32(out[off+4:], c.Remap)
		p := off + 8
		for s := 0; s < 4; s++ {
			for k := 0; k < 2; k++ {
				binary.LittleEndian.PutUint32(out[p:], c.Seg[s][k])
				p += 4
			}
		}
	}
	return out
}

// depFor computes a subgraph's GROUP_INIT dependency flag and words, per
// spec.md §4.5.5: PrecursorNone leaves dependency disabled, PrecursorGroups
// encodes 1-4 explicit group ids relative to this job's start group id, and
// PrecursorPreAll asks the hardware to wait on every group dispatched since
// the last PRE_ALL barrier.
func depFor(sg graphbin.Subgraph, startGroupID uint32) (tcb.DepType, [4]uint32, error) {
	switch sg.PrecursorKind {
	case graphbin.PrecursorNone:
		return tcb.DepTypeNone, [4]uint32{}, nil
	case graphbin.PrecursorPreAll:
		return tcb.DepTypePreAll, [4]uint32{}, nil
	case graphbin.PrecursorGroups:
		if len(sg.Precursors) == 0 || len(sg.Precursors) > 4 {
			return 0, [4]uint32{}, fmt.Errorf("jobbuild: %w: subgraph %d has %d precursors", umderr.ErrInvalidBin, sg.ID, len(sg.Precursors))
		}
		var deps [4]uint32
		for i, p := range sg.Precursors {
			word, err := tcb.EncodedGroupDep(p, startGroupID)
			if err != nil {
				return 0, [4]uint32{}, err
			}
			deps[i] = word
		}
		return tcb.DepTypeGroup, deps, nil
	default:
		return 0, [4]uint32{}, fmt.Errorf("jobbuild: %w: unknown precursor kind %d", umderr.ErrInvalidBin, sg.PrecursorKind)
	}
}

// totalTCBRecords is the fixed record count of a chain over subgraphCount
// subgraphs (spec.md §4.5.3, §8 invariant 3): one GRID_INIT plus, per
// subgraph, one GROUP_INIT and TasksPerSubgraph TASK records.
func totalTCBRecords(subgraphCount int) int {
	return 1 + subgraphCount*(TasksPerSubgraph+1)
}

// buildChain composes the full grid/group/task TCB chain for a job, per
// spec.md §4.5.3: one leading GRID_INIT, then per subgraph one GROUP_INIT
// followed by TasksPerSubgraph TASK records. tcbBuf is the already-allocated
// device buffer the chain will be written into, needed up front so each
// TASK's TCBP field can encode its offset relative to asid_base (spec.md
// §4.5.3) rather than just its offset within the TCB buffer itself.
func (j *Job) buildChain(source Source, mm *devmem.Manager, tcbBuf *devmem.Buffer) ([]byte, error) {
	subgraphs := source.Subgraphs()
	if len(subgraphs) == 0 {
		return nil, fmt.Errorf("jobbuild: %w: graph has no subgraphs", umderr.ErrInvalidOp)
	}
	if source.TextBuffer() == nil {
		return nil, fmt.Errorf("jobbuild: %w: graph has no .text buffer", umderr.ErrInvalidBin)
	}
	if source.RodataBuffer() == nil {
		return nil, fmt.Errorf("jobbuild: %w: graph has no .rodata buffer", umderr.ErrInvalidBin)
	}

	segConfigs, err := setupSegMMU(source, j.reuseBufs)
	if err != nil {
		return nil, err
	}
	var groupSegCtrl, groupSegRemap uint32
	if len(segConfigs) > 0 {
		groupSegCtrl = segConfigs[0].Control
		groupSegRemap = segConfigs[0].Remap
	}

	asid0Base, err := mm.GetAsidBase(devmem.RegionASID0)
	if err != nil {
		return nil, fmt.Errorf("jobbuild: %w", err)
	}
	asid1Base, err := mm.GetAsidBase(devmem.RegionASID1)
	if err != nil {
		return nil, fmt.Errorf("jobbuild: %w", err)
	}
	tcbBaseOffset := uint32(tcbBuf.PA - asid0Base)

	gm := source.GM()
	gmSync := uint32(tcb.GMSyncNone)
	if gm.SyncSize != 0 {
		gmSync = tcb.DDRToGM
	}
	gridInit := tcb.NewGridInit(tcb.GridInit{
		GroupNum:        uint32(len(subgraphs)),
		GridInterruptEn: tcb.GridDone | tcb.GridGMFault,
		GridID:          j.gridID,
		GroupID:         uint32(j.startGroupID),
		GMEnabled:       gm.Size > 0,
		GMCtrl:          gmCtrlValue(gm, source.Header().RemapEnabled()),
		GMAddr:          j.gmBufPA(),
		GMSync:          gmSync,
	})

	records := []tcb.Record{gridInit}

	for i, sg := range subgraphs {
		depType, deps, err := depFor(sg, uint32(j.startGroupID))
		if err != nil {
			return nil, err
		}

		weightBase := uint32pa(asid1Base)
		weightPerm := uint32(0)
		if wb := source.WeightBuffer(sg.BSSIdx); wb != nil {
			weightBase = uint32pa(wb.PA)
			weightPerm = tcb.PermRD | tcb.PermWR
		} else {
			weightPerm = tcb.PermRD | tcb.PermWR
		}

		groupInit := tcb.NewGroupInit(tcb.GroupInit{
			GridID:       j.gridID,
			GroupID:      uint32(j.startGroupID + i),
			DepType:      depType,
			GroupDeps:    deps,
			SegMMUCtrl:   groupSegCtrl,
			SegMMURemap:  groupSegRemap,
			Asid: [8]tcb.AsidSlot{
				{Base: uint32pa(asid0Base), Perm: tcb.PermRD | tcb.PermWR},
				{Base: uint32pa(asid0Base), Perm: tcb.PermRD | tcb.PermWR},
				{Base: weightBase, Perm: weightPerm},
				{Base: weightBase, Perm: weightPerm},
			},
		})
		records = append(records, groupInit)

		for t := 0; t < TasksPerSubgraph; t++ {
			task := tcb.Task{
				SPC:          uint32(sg.Text.Offset) + uint32pa(source.TextBuffer().PA),
				GroupID:      uint32(j.startGroupID + i),
				GridID:       j.gridID,
				TaskID:       uint32(t),
				ICAWarmupLen: sg.WarmupLen,
				GridDim:      tcb.Dim3{X: 1, Y: 1, Z: 1},
				GroupDim:     tcb.Dim3{X: TasksPerSubgraph, Y: 1, Z: 1},
				GroupIdx:     tcb.Dim3{X: 1, Y: 0, Z: 0},
				TaskIdx:      tcb.Dim3{X: uint32(t), Y: 0, Z: 0},
				TCBP:         tcbBaseOffset + uint32(len(records))*tcb.RecordSize,
				SP:           j.subStackPA(i),
				PP:           uint32pa(source.RodataBuffer().PA) + sg.RO.Offset,
				DP:           j.subPrivateDataPA(i),
				CP:           uint32pa(source.RodataBuffer().PA),
				InterruptEn:  tcb.TECAll,
				GroupEnd:     t == TasksPerSubgraph-1,
				GridEnd:      t == TasksPerSubgraph-1 && i == len(subgraphs)-1,
				HasDep:       t == 0,
			}
			if sg.ProfilerBufSize > 0 {
				task.PProfiler = j.subProfilerPA(i)
			}
			if sg.PrintfifoSize > 0 {
				task.PPrint = j.subPrintfifoPA(i)
				task.InterruptEn |= tcb.TECSignal
			}
			if j.dynShapeActive() {
				if pa, ok := j.globalParamPA(source); ok {
					task.GlobalParam = pa
				}
			}
			records = append(records, tcb.NewTask(task))
		}
	}

	out := make([]byte, len(records)*tcb.RecordSize)
	for i, r := range records {
		enc := r.Encode()
		copy(out[i*tcb.RecordSize:], enc[:])
	}

	if len(segConfigs) > 0 {
		j.segMMUBytes = encodeSegMMU(segConfigs)
	}
	return out, nil
}

func uint32pa(pa uint64) uint32 { return uint32(pa) }

func (j *Job) gmBufPA() uint64 {
	if j.gmBuf == nil {
		return 0
	}
	return j.gmBuf.PA
}

func (j *Job) subStackPA(i int) uint32 {
	if i >= len(j.subStacks) || j.subStacks[i] == nil {
		return 0
	}
	return uint32pa(j.subStacks[i].PA)
}

func (j *Job) subPrivateDataPA(i int) uint32 {
	if i >= len(j.subPrivateData) || j.subPrivateData[i] == nil {
		return 0
	}
	return uint32pa(j.subPrivateData[i].PA)
}

func (j *Job) subProfilerPA(i int) uint32 {
	if i >= len(j.subProfiler) || j.subProfiler[i] == nil {
		return 0
	}
	return uint32pa(j.subProfiler[i].PA)
}

func (j *Job) subPrintfifoPA(i int) uint32 {
	if i >= len(j.subPrintfifo) || j.subPrintfifo[i] == nil {
		return 0
	}
	return uint32pa(j.subPrintfifo[i].PA)
}

func (j *Job) dynShapeActive() bool {
	return len(j.cfg.InputShapes) > 0
}
