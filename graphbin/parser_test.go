package graphbin

import (
	"bytes"
	"testing"
)

// bssBuilder hand-encodes a single BSS bucket's on-disk bytes, following the
// same rawSectionDesc/rawSubSectionDesc layout parseBSSSections expects.
type bssBuilder struct {
	buf bytes.Buffer
}

func (bb *bssBuilder) writeBSSHeader(stackSize, stackAlign uint32, paramMap []uint32, staticCount, reuseCount uint32) {
	bb.buf.Write(le(stackSize))
	bb.buf.Write(le(stackAlign))
	bb.buf.Write(le(uint32(len(paramMap))))
	for _, p := range paramMap {
		bb.buf.Write(le(p))
	}
	bb.buf.Write(le(staticCount))
	bb.buf.Write(le(reuseCount))
}

type subSectionSpec struct {
	typ       SectionType
	size      uint32
	id        uint32
	offInSect uint32
	addrMask  uint32
	relocs    []uint32
	dataType  DataType
}

func (bb *bssBuilder) writeSection(size, align, offsetInFile uint32, subs []subSectionSpec) {
	bb.buf.Write(le(rawSectionDesc{
		Size:         size,
		AlignBytes:   align,
		OffsetInFile: offsetInFile,
		SubCount:     uint32(len(subs)),
	}))
	for _, s := range subs {
		bb.buf.Write(le(rawSubSectionDesc{
			Type:            uint32(s.typ),
			Size:            s.size,
			ID:              s.id,
			OffsetInSection: s.offInSect,
			AddrMask:        s.addrMask,
			RelocCount:      uint32(len(s.relocs)),
			Scale:           1,
			ZeroPoint:       0,
			DataType:        uint32(s.dataType),
		}))
		for _, off := range s.relocs {
			bb.buf.Write(le(off))
		}
	}
}

// buildBSSFixture builds a one-bucket BSS section with explicit static and
// reuse section counts.
func buildBSSFixture(staticCount, reuseCount uint32, writeStatics, writeReuses func(*bssBuilder)) []byte {
	var out bytes.Buffer
	out.Write(le(uint32(1)))

	hdr := &bssBuilder{}
	hdr.writeBSSHeader(4096, 16, nil, staticCount, reuseCount)
	out.Write(hdr.buf.Bytes())

	statics := &bssBuilder{}
	writeStatics(statics)
	out.Write(statics.buf.Bytes())

	reuses := &bssBuilder{}
	writeReuses(reuses)
	out.Write(reuses.buf.Bytes())

	return out.Bytes()
}

func TestParseBSSSortsIOAndBuildsRelocs(t *testing.T) {
	data := buildBSSFixture(1, 1,
		func(bb *bssBuilder) {
			bb.writeSection(64, 16, 0, []subSectionSpec{
				{typ: SectionStaticWeight, size: 64, id: 0, relocs: []uint32{4, 8}},
			})
		},
		func(bb *bssBuilder) {
			bb.writeSection(256, 16, 0, []subSectionSpec{
				{typ: SectionReuseInput, size: 64, id: 1, dataType: DataTypeF32},
				{typ: SectionReuseInput, size: 64, id: 0, dataType: DataTypeF32},
			})
		},
	)

	buckets, err := parseBSSSections(data)
	if err != nil {
		t.Fatalf("parseBSSSections: %v", err)
	}
	if len(buckets) != 1 {
		t.Fatalf("bucket count = %d, want 1", len(buckets))
	}
	b := buckets[0]

	if len(b.Inputs) != 2 {
		t.Fatalf("inputs = %d, want 2", len(b.Inputs))
	}
	for i, in := range b.Inputs {
		if int(in.ID) != i {
			t.Fatalf("sort_io invariant violated: inputs[%d].ID = %d", i, in.ID)
		}
	}

	if len(b.StaticRelocs) != 2 {
		t.Fatalf("static relocs = %d, want 2", len(b.StaticRelocs))
	}
	for _, rl := range b.StaticRelocs {
		if rl.LoadType != LoadTypeStatic {
			t.Fatalf("reloc load type = %v, want static", rl.LoadType)
		}
	}
}

func TestParseBSSSplitsStaticAndZeroCopyConstOffsets(t *testing.T) {
	// Two static sections: a 64-byte weight section followed by a 32-byte
	// zero-copy-const section. Each must run against its own independent
	// running offset (const_start / zerocpy_const_start), not share one.
	data := buildBSSFixture(2, 0,
		func(bb *bssBuilder) {
			bb.writeSection(64, 16, 0, []subSectionSpec{
				{typ: SectionStaticWeight, size: 64, id: 0},
			})
			bb.writeSection(32, 16, 64, []subSectionSpec{
				{typ: SectionZeroCopyConst, size: 32, id: 0},
			})
		},
		func(bb *bssBuilder) {},
	)

	buckets, err := parseBSSSections(data)
	if err != nil {
		t.Fatalf("parseBSSSections: %v", err)
	}
	b := buckets[0]

	if len(b.StaticSections) != 1 || b.StaticSections[0].RelativeAddr != 0 {
		t.Fatalf("StaticSections = %+v, want one section at offset 0", b.StaticSections)
	}
	if len(b.ZeroCopyConstSections) != 1 || b.ZeroCopyConstSections[0].RelativeAddr != 0 {
		t.Fatalf("ZeroCopyConstSections = %+v, want one section at offset 0", b.ZeroCopyConstSections)
	}
	if len(b.ConstSections) != 2 {
		t.Fatalf("ConstSections = %d, want 2", len(b.ConstSections))
	}
	if b.ConstSections[0].Type != SectionStaticWeight || b.ConstSections[1].Type != SectionZeroCopyConst {
		t.Fatalf("ConstSections types = [%v, %v]", b.ConstSections[0].Type, b.ConstSections[1].Type)
	}
}

func TestParseBSSRejectsOutOfRangeTensorID(t *testing.T) {
	data := buildBSSFixture(0, 1,
		func(bb *bssBuilder) {},
		func(bb *bssBuilder) {
			bb.writeSection(64, 16, 0, []subSectionSpec{
				{typ: SectionReuseInput, size: 64, id: 5, dataType: DataTypeF32},
			})
		},
	)

	if _, err := parseBSSSections(data); err == nil {
		t.Fatal("expected out-of-range tensor id to fail")
	}
}

func TestParseBSSBucketsSegMMUTensorsWithTag(t *testing.T) {
	const ctrlIdx, segIdx, coreMask = uint32(1), uint32(2), uint32(0x3)
	tag := ctrlIdx | segIdx<<8 | coreMask<<16

	data := buildBSSFixture(0, 2,
		func(bb *bssBuilder) {},
		func(bb *bssBuilder) {
			bb.writeSection(64, 16, 0, []subSectionSpec{
				{typ: SectionReuseInput, size: 64, id: 0, dataType: DataTypeF32},
			})
			bb.writeSection(16, 16, 0, []subSectionSpec{
				{typ: SectionSegMMU, size: 16, id: tag},
			})
		},
	)

	buckets, err := parseBSSSections(data)
	if err != nil {
		t.Fatalf("parseBSSSections: %v", err)
	}
	b := buckets[0]

	if len(b.SegMMUs) != 1 {
		t.Fatalf("segmmus = %d, want 1", len(b.SegMMUs))
	}
	got := b.SegMMUs[0]
	if got.SegMMUTag != tag {
		t.Fatalf("SegMMUTag = %#x, want %#x", got.SegMMUTag, tag)
	}
	if got.RefSectionIter != 1 {
		t.Fatalf("RefSectionIter = %d, want 1", got.RefSectionIter)
	}
	if len(b.Inputs) != 1 {
		t.Fatalf("inputs = %d, want 1 (segmmu sub-section must not leak into it)", len(b.Inputs))
	}
}

func TestSortIOIdentityAlreadySorted(t *testing.T) {
	tensors := []IOTensor{{ID: 0}, {ID: 1}, {ID: 2}}
	if err := sortIO(tensors); err != nil {
		t.Fatalf("sortIO: %v", err)
	}
	for i, tn := range tensors {
		if int(tn.ID) != i {
			t.Fatalf("tensors[%d].ID = %d", i, tn.ID)
		}
	}
}

func buildRemapFixture(entries []RemapEntry) []byte {
	var out bytes.Buffer
	out.Write(le(uint32(len(entries))))
	for _, e := range entries {
		out.Write(le(e))
	}
	return out.Bytes()
}

func TestParseRemapSection(t *testing.T) {
	want := []RemapEntry{{SrcAddr: 1, DstAddr: 2, Size: 3}, {SrcAddr: 4, DstAddr: 5, Size: 6}}
	data := buildRemapFixture(want)

	got, err := parseRemapSection(data)
	if err != nil {
		t.Fatalf("parseRemapSection: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func buildSubgraphsFixture(specs []rawSubgraphHeader, precursorsByIdx map[int][]int32) []byte {
	var out bytes.Buffer
	out.Write(le(uint32(len(specs))))
	for i, s := range specs {
		out.Write(le(s))
		for _, p := range precursorsByIdx[i] {
			out.Write(le(p))
		}
		out.Write(le(uint32(0))) // privCount
		out.Write(le(uint32(0))) // privBuffersMapCount
	}
	return out.Bytes()
}

func TestParseSubgraphsDependencyEncoding(t *testing.T) {
	specs := []rawSubgraphHeader{
		{ID: 0, PrecursorCnt: 0},
		{ID: 1, PrecursorCnt: -1},
		{ID: 2, PrecursorCnt: 2},
	}
	precursors := map[int][]int32{2: {0, 1}}

	data := buildSubgraphsFixture(specs, precursors)
	sgs, err := parseSubgraphs(data)
	if err != nil {
		t.Fatalf("parseSubgraphs: %v", err)
	}
	if len(sgs) != 3 {
		t.Fatalf("len = %d, want 3", len(sgs))
	}
	if sgs[0].PrecursorKind != PrecursorNone {
		t.Fatalf("sgs[0].PrecursorKind = %v", sgs[0].PrecursorKind)
	}
	if sgs[1].PrecursorKind != PrecursorPreAll {
		t.Fatalf("sgs[1].PrecursorKind = %v", sgs[1].PrecursorKind)
	}
	if sgs[2].PrecursorKind != PrecursorGroups || len(sgs[2].Precursors) != 2 {
		t.Fatalf("sgs[2] = %+v", sgs[2])
	}
	if sgs[2].Precursors[0] != 0 || sgs[2].Precursors[1] != 1 {
		t.Fatalf("sgs[2].Precursors = %v", sgs[2].Precursors)
	}
}

func TestParseSubgraphsRejectsInvalidPrecursorCount(t *testing.T) {
	specs := []rawSubgraphHeader{{ID: 0, PrecursorCnt: 7}}
	data := buildSubgraphsFixture(specs, nil)
	if _, err := parseSubgraphs(data); err == nil {
		t.Fatal("expected invalid precursor_cnt to fail")
	}
}
