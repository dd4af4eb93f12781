package graphbin

import (
	"encoding/binary"
	"fmt"

	"github.com/Neo-Vincent/Compass-NPU-Driver/umderr"
)

// Parse walks the BSS, subgraph, remap, GM-config and SegMMU-config payloads
// produced by ReadBinary and normalizes them into a Graph (spec.md §4.2).
func Parse(db *decodedBinary) (*Graph, error) {
	g := &Graph{
		Header:      db.header,
		HW:          db.hw,
		Text:        db.sections[".text"],
		GlobalRO:    db.sections[".rodata"],
		Descriptor:  db.sections[".descriptor"],
		Weights:     db.weights,
		GlobalParam: db.sections[".note.aipu.globalparam"],
	}

	if bss, ok := db.sections[".bss"]; ok {
		buckets, err := parseBSSSections(bss)
		if err != nil {
			return nil, err
		}
		g.BSSList = buckets
		wireStaticLoadSrc(g.BSSList, db.weights)
	}

	if sg, ok := db.sections[".subgraphs"]; ok {
		subgraphs, err := parseSubgraphs(sg)
		if err != nil {
			return nil, err
		}
		g.Subgraphs = subgraphs
	}

	if remap, ok := db.sections[".remap"]; ok {
		entries, err := parseRemapSection(remap)
		if err != nil {
			return nil, err
		}
		g.Remap = entries
	}

	if gm, ok := db.sections[".note.aipu.gmconfig"]; ok && len(gm) >= 16 {
		c := newCursor(gm)
		size, err := readField[uint64](c)
		if err != nil {
			return nil, fmt.Errorf("graphbin: reading gmconfig size: %w", err)
		}
		syncSize, err := readField[uint64](c)
		if err != nil {
			return nil, fmt.Errorf("graphbin: reading gmconfig sync size: %w", err)
		}
		g.GM = GMConfig{Size: size, SyncSize: syncSize}
	}

	if sm, ok := db.sections[".note.aipu.segmmu"]; ok && len(sm) >= 4 {
		c := newCursor(sm)
		num, err := readField[uint32](c)
		if err != nil {
			return nil, fmt.Errorf("graphbin: reading segmmu count: %w", err)
		}
		g.SegMMUCount = int(num)
	}

	return g, nil
}

// rawSectionDesc mirrors the fixed-width fields of a compiler section
// descriptor (spec.md §6); variable-length parts (sub-sections) are walked
// manually after this is read.
type rawSectionDesc struct {
	Size         uint32
	AlignBytes   uint32
	OffsetInFile uint32
	SubCount     uint32
}

type rawSubSectionDesc struct {
	Type            uint32
	Size            uint32
	ID              uint32
	OffsetInSection uint32
	AddrMask        uint32
	RelocCount      uint32
	Scale           float32
	ZeroPoint       int32
	DataType        uint32
}

// taggedIO pairs a decoded I/O tensor with the sub-section type that
// produced it, so the caller can route it into the right bucket (a single
// reuse section may carry sub-sections of different I/O kinds).
type taggedIO struct {
	io   IOTensor
	kind SectionType
}

func parseSectionDesc(c *cursor, loadSrc []byte, relativeAddr uint32, slotIndex int) (Section, []Reloc, []taggedIO, error) {
	raw, err := readField[rawSectionDesc](c)
	if err != nil {
		return Section{}, nil, nil, fmt.Errorf("graphbin: %w: reading section desc: %v", umderr.ErrInvalidBin, err)
	}
	if loadSrc != nil && int64(raw.OffsetInFile)+int64(raw.Size) > int64(len(loadSrc)) {
		return Section{}, nil, nil, fmt.Errorf("graphbin: %w: section desc offset out of range", umderr.ErrInvalidBin)
	}

	sec := Section{
		Size:         raw.Size,
		AlignInPage:  raw.AlignBytes,
		OffsetInFile: raw.OffsetInFile,
		RelativeAddr: relativeAddr,
		SlotIndex:    slotIndex,
	}
	if loadSrc != nil {
		sec.LoadSrc = loadSrc[raw.OffsetInFile : raw.OffsetInFile+raw.Size]
	}

	var relocs []Reloc
	var ioTensors []taggedIO
	for i := uint32(0); i < raw.SubCount; i++ {
		rawSub, err := readField[rawSubSectionDesc](c)
		if err != nil {
			return Section{}, nil, nil, fmt.Errorf("graphbin: %w: reading sub-section %d: %v", umderr.ErrInvalidBin, i, err)
		}

		offsets := make([]uint32, rawSub.RelocCount)
		for j := range offsets {
			offsets[j], err = readField[uint32](c)
			if err != nil {
				return Section{}, nil, nil, fmt.Errorf("graphbin: %w: reading reloc offset: %v", umderr.ErrInvalidBin, err)
			}
		}

		sub := SubSection{
			Type:            SectionType(rawSub.Type),
			Size:            rawSub.Size,
			ID:              rawSub.ID,
			OffsetInSection: rawSub.OffsetInSection,
			AddrMask:        rawSub.AddrMask,
			Scale:           rawSub.Scale,
			ZeroPoint:       rawSub.ZeroPoint,
			DataType:        DataType(rawSub.DataType),
			RelocOffsets:    offsets,
		}
		sec.SubSections = append(sec.SubSections, sub)

		for _, off := range offsets {
			relocs = append(relocs, Reloc{
				OffsetInRO:      off,
				SubType:         sub.Type,
				SubIndex:        int(i),
				OffsetInSection: sub.OffsetInSection,
				AddrMask:        sub.AddrMask,
			})
		}

		if sub.Type.IsIO() {
			io := IOTensor{
				ID:           sub.ID,
				Size:         sub.Size,
				OffsetInSect: sub.OffsetInSection,
				Scale:        sub.Scale,
				ZeroPoint:    sub.ZeroPoint,
				DataType:     sub.DataType,
			}
			if sub.Type == SectionSegMMU {
				io.SegMMUTag = sub.ID
			}
			ioTensors = append(ioTensors, taggedIO{io: io, kind: sub.Type})
		}
	}

	return sec, relocs, ioTensors, nil
}

func parseBSSSections(data []byte) ([]BSS, error) {
	c := newCursor(data)

	count, err := readField[uint32](c)
	if err != nil {
		return nil, fmt.Errorf("graphbin: %w: reading bss count: %v", umderr.ErrInvalidBin, err)
	}

	buckets := make([]BSS, count)
	for bssID := uint32(0); bssID < count; bssID++ {
		stackSize, err := readField[uint32](c)
		if err != nil {
			return nil, fmt.Errorf("graphbin: %w: bss %d stack size: %v", umderr.ErrInvalidBin, bssID, err)
		}
		stackAlign, err := readField[uint32](c)
		if err != nil {
			return nil, fmt.Errorf("graphbin: %w: bss %d stack align: %v", umderr.ErrInvalidBin, bssID, err)
		}
		paramMapCount, err := readField[uint32](c)
		if err != nil {
			return nil, fmt.Errorf("graphbin: %w: bss %d param map count: %v", umderr.ErrInvalidBin, bssID, err)
		}
		paramMap := make([]uint32, paramMapCount)
		for i := range paramMap {
			paramMap[i], err = readField[uint32](c)
			if err != nil {
				return nil, fmt.Errorf("graphbin: %w: bss %d param map entry %d: %v", umderr.ErrInvalidBin, bssID, i, err)
			}
		}

		staticCount, err := readField[uint32](c)
		if err != nil {
			return nil, fmt.Errorf("graphbin: %w: bss %d static count: %v", umderr.ErrInvalidBin, bssID, err)
		}
		reuseCount, err := readField[uint32](c)
		if err != nil {
			return nil, fmt.Errorf("graphbin: %w: bss %d reuse count: %v", umderr.ErrInvalidBin, bssID, err)
		}

		b := BSS{StackSize: stackSize, StackAlign: stackAlign, ParamMap: paramMap}

		// const_start / zerocpy_const_start run independently per spec.md
		// §4.2: each static section is placed at its own bucket's running
		// offset, aligned to its own alignment, depending on whether its
		// sub-sections are weight data or zero-copy constants.
		var constOff, zerocpyOff uint32
		for i := uint32(0); i < staticCount; i++ {
			// LoadSrc is filled in by Parse once the corresponding weight
			// buffer (a sibling top-level section, not part of this BSS
			// payload) is known.
			sec, relocs, _, err := parseSectionDesc(c, nil, 0, int(i))
			if err != nil {
				return nil, err
			}
			sec.Type = staticSectionType(sec)

			if sec.Type == SectionZeroCopyConst {
				sec.RelativeAddr = alignUp(zerocpyOff, sec.AlignInPage)
				zerocpyOff = sec.RelativeAddr + sec.Size
				b.ZeroCopyConstSections = append(b.ZeroCopyConstSections, sec)
			} else {
				sec.RelativeAddr = alignUp(constOff, sec.AlignInPage)
				constOff = sec.RelativeAddr + sec.Size
				b.StaticSections = append(b.StaticSections, sec)
			}
			b.ConstSections = append(b.ConstSections, sec)

			for _, rl := range relocs {
				rl.LoadType = LoadTypeStatic
				rl.BufIndex = int(i)
				b.StaticRelocs = append(b.StaticRelocs, rl)
			}
		}

		var reuseOff uint32
		for i := uint32(0); i < reuseCount; i++ {
			sec, relocs, ioTensors, err := parseSectionDesc(c, nil, 0, int(i))
			if err != nil {
				return nil, err
			}
			sec.RelativeAddr = alignUp(reuseOff, sec.AlignInPage)
			reuseOff = sec.RelativeAddr + sec.Size
			b.ReuseSections = append(b.ReuseSections, sec)

			for _, rl := range relocs {
				rl.LoadType = LoadTypeReuse
				rl.BufIndex = int(i)
				b.ReuseRelocs = append(b.ReuseRelocs, rl)
			}

			for _, t := range ioTensors {
				t.io.RefSectionIter = int(i)
				switch t.kind {
				case SectionReuseInput:
					b.Inputs = append(b.Inputs, t.io)
				case SectionReuseOutput:
					b.Outputs = append(b.Outputs, t.io)
				case SectionIntermediateDump:
					b.InterDumps = append(b.InterDumps, t.io)
				case SectionOutputShape:
					b.OutputsShape = append(b.OutputsShape, t.io)
				case SectionSegMMU:
					b.SegMMUs = append(b.SegMMUs, t.io)
				}
			}
		}

		if err := sortIO(b.Inputs); err != nil {
			return nil, err
		}
		if err := sortIO(b.Outputs); err != nil {
			return nil, err
		}
		if err := sortIO(b.InterDumps); err != nil {
			return nil, err
		}
		if err := sortIO(b.OutputsShape); err != nil {
			return nil, err
		}

		buckets[bssID] = b
	}

	return buckets, nil
}

// sortIO implements spec.md §4.2's sort_io: for each descriptor whose id is
// not already its position, move it to position id. A compiler-declared id
// at or beyond the collection size is corrupt input.
func sortIO(tensors []IOTensor) error {
	for i := range tensors {
		for int(tensors[i].ID) != i {
			id := tensors[i].ID
			if int(id) >= len(tensors) {
				return fmt.Errorf("graphbin: %w: tensor id %d out of range (n=%d)", umderr.ErrInvalidBin, id, len(tensors))
			}
			tensors[i], tensors[id] = tensors[id], tensors[i]
		}
	}
	return nil
}

type rawSubgraphHeader struct {
	ID              uint32
	BSSIdx          uint32
	TextOffset      uint32
	TextSize        uint32
	ROOffset        uint32
	ROSize          uint32
	DCROffset       uint32
	DCRSize         uint32
	PrintfifoSize   uint32
	ProfilerBufSize uint32
	PrivateDataSize uint32
	WarmupLen       uint32
	PrecursorCnt    int32
}

func parseSubgraphs(data []byte) ([]Subgraph, error) {
	c := newCursor(data)

	count, err := readField[uint32](c)
	if err != nil {
		return nil, fmt.Errorf("graphbin: %w: reading subgraph count: %v", umderr.ErrInvalidBin, err)
	}

	subgraphs := make([]Subgraph, count)
	for i := uint32(0); i < count; i++ {
		raw, err := readField[rawSubgraphHeader](c)
		if err != nil {
			return nil, fmt.Errorf("graphbin: %w: reading subgraph %d: %v", umderr.ErrInvalidBin, i, err)
		}

		sg := Subgraph{
			ID:              int(raw.ID),
			BSSIdx:          int(raw.BSSIdx),
			Text:            SectionView{Name: ".text", Offset: raw.TextOffset, Size: raw.TextSize},
			RO:              SectionView{Name: ".rodata", Offset: raw.ROOffset, Size: raw.ROSize},
			DCR:             SectionView{Name: ".dcr", Offset: raw.DCROffset, Size: raw.DCRSize},
			PrintfifoSize:   raw.PrintfifoSize,
			ProfilerBufSize: raw.ProfilerBufSize,
			PrivateDataSize: raw.PrivateDataSize,
			WarmupLen:       raw.WarmupLen,
		}

		switch {
		case raw.PrecursorCnt == 0:
			sg.PrecursorKind = PrecursorNone
		case raw.PrecursorCnt == -1:
			sg.PrecursorKind = PrecursorPreAll
		case raw.PrecursorCnt >= 1 && raw.PrecursorCnt <= 4:
			sg.PrecursorKind = PrecursorGroups
			sg.Precursors = make([]int, raw.PrecursorCnt)
			for j := range sg.Precursors {
				p, err := readField[int32](c)
				if err != nil {
					return nil, fmt.Errorf("graphbin: %w: reading precursor: %v", umderr.ErrInvalidBin, err)
				}
				sg.Precursors[j] = int(p)
			}
		default:
			return nil, fmt.Errorf("graphbin: %w: invalid precursor_cnt %d", umderr.ErrInvalidBin, raw.PrecursorCnt)
		}

		privCount, err := readField[uint32](c)
		if err != nil {
			return nil, fmt.Errorf("graphbin: %w: reading private buffer count: %v", umderr.ErrInvalidBin, err)
		}
		for j := uint32(0); j < privCount; j++ {
			sec, _, _, err := parseSectionDesc(c, nil, 0, int(j))
			if err != nil {
				return nil, err
			}
			sg.PrivateBuffers = append(sg.PrivateBuffers, sec)
		}

		mapCount, err := readField[uint32](c)
		if err != nil {
			return nil, fmt.Errorf("graphbin: %w: reading private buffer map count: %v", umderr.ErrInvalidBin, err)
		}
		sg.PrivateBuffersMap = make([]uint32, mapCount)
		for j := range sg.PrivateBuffersMap {
			sg.PrivateBuffersMap[j], err = readField[uint32](c)
			if err != nil {
				return nil, fmt.Errorf("graphbin: %w: reading private buffer map entry: %v", umderr.ErrInvalidBin, err)
			}
		}

		subgraphs[i] = sg
	}

	return subgraphs, nil
}

// parseRemapSection implements spec.md §4.2's parse_remap_section: a count
// followed by that many fixed-width entries.
func parseRemapSection(data []byte) ([]RemapEntry, error) {
	c := newCursor(data)
	count, err := readField[uint32](c)
	if err != nil {
		return nil, fmt.Errorf("graphbin: %w: reading remap count: %v", umderr.ErrInvalidBin, err)
	}

	entries := make([]RemapEntry, count)
	for i := range entries {
		if err := binary.Read(c.r, byteOrder, &entries[i]); err != nil {
			return nil, fmt.Errorf("graphbin: %w: reading remap entry %d: %v", umderr.ErrInvalidBin, i, err)
		}
	}
	return entries, nil
}

// staticSectionType derives a static section's overall type from its
// sub-sections (spec.md §4.2): a section carrying any zero-copy-const
// sub-section runs against zerocpy_const_start, everything else (plain
// weight data) runs against const_start.
func staticSectionType(sec Section) SectionType {
	for _, sub := range sec.SubSections {
		if sub.Type == SectionZeroCopyConst {
			return SectionZeroCopyConst
		}
	}
	return SectionStaticWeight
}

// wireStaticLoadSrc points each static section's LoadSrc into its BSS
// bucket's weight buffer (spec.md §3: "load_src pointer into the original
// file for static sections"). One weight buffer is expected per BSS bucket,
// matching spec.md §4.4's "one or more wb_weight ... per BSS"; buckets past
// the last weight buffer are left without a LoadSrc (zero-copy-const-only
// buckets, for instance).
func wireStaticLoadSrc(buckets []BSS, weights [][]byte) {
	for i := range buckets {
		if i >= len(weights) {
			continue
		}
		w := weights[i]
		wireSectionLoadSrc(buckets[i].ConstSections, w)
		wireSectionLoadSrc(buckets[i].StaticSections, w)
		wireSectionLoadSrc(buckets[i].ZeroCopyConstSections, w)
	}
}

func wireSectionLoadSrc(secs []Section, w []byte) {
	for j := range secs {
		sec := &secs[j]
		end := sec.OffsetInFile + sec.Size
		if end > uint32(len(w)) {
			continue
		}
		sec.LoadSrc = w[sec.OffsetInFile:end]
	}
}

func alignUp(v, align uint32) uint32 {
	if align == 0 {
		return v
	}
	return (v + align - 1) / align * align
}
