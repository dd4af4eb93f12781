// Package graphbin reads a compiler-produced NPU v3.1 graph binary and
// normalizes it into an in-memory description: section table, BSS buckets,
// parameter-relocation entries, and I/O tensor descriptors.
//
// It does not allocate device memory or build TCBs; that is jobbuild's job.
// graphbin only understands the file format.
package graphbin

import (
	"fmt"

	"github.com/Neo-Vincent/Compass-NPU-Driver/umderr"
)

// GraphVersion identifies the graph-binary container format.
type GraphVersion uint32

const (
	GraphVersionUnknown GraphVersion = iota
	GraphVersionV0005
	GraphVersionELFV0
)

func (v GraphVersion) String() string {
	switch v {
	case GraphVersionV0005:
		return "V0005"
	case GraphVersionELFV0:
		return "ELF_V0"
	default:
		return "unknown"
	}
}

// Flag bits in the top header's Flag word.
const (
	FlagASIDMask = 0x0F
	FlagASIDEn   = 1 << 4
	FlagRemapEn  = 1 << 8
	FlagSRAMEn   = 1 << 12
)

// Header is the top-level graph binary header (spec.md §6).
type Header struct {
	Version      GraphVersion
	Device       uint32 // packed arch/version/config/revision
	BuildVersion uint32
	HeaderSize   uint32
	FileSize     uint32
	Type         uint32
	Flag         uint32
}

func (h Header) ASIDEnabled() bool  { return h.Flag&FlagASIDEn != 0 }
func (h Header) RemapEnabled() bool { return h.Flag&FlagRemapEn != 0 }
func (h Header) SRAMEnabled() bool  { return h.Flag&FlagSRAMEn != 0 }

// HWInfo unpacks the Device word into arch/version/config/revision bytes,
// matching the original packing (8 bits each, arch in the high byte).
type HWInfo struct {
	Arch     uint8
	Version  uint8
	Config   uint8
	Revision uint8
}

func UnpackHWInfo(device uint32) HWInfo {
	return HWInfo{
		Arch:     uint8(device >> 24),
		Version:  uint8(device >> 16),
		Config:   uint8(device >> 8),
		Revision: uint8(device),
	}
}

// SectionView is a typed {offset, size} slice of the raw file, resolved
// against the section table during Read.
type SectionView struct {
	Name   string
	Offset uint32
	Size   uint32
}

func (s SectionView) String() string {
	return fmt.Sprintf("%s[off=%#x size=%#x]", s.Name, s.Offset, s.Size)
}

// SectionType enumerates the compiler-produced BSS section kinds (spec.md §3).
type SectionType uint32

const (
	SectionStaticWeight SectionType = iota
	SectionZeroCopyConst
	SectionReuseInput
	SectionReuseOutput
	SectionIntermediateDump
	SectionProfiler
	SectionPrintf
	SectionLayerCounter
	SectionErrorCode
	SectionSegMMU
	SectionOutputShape
)

func (t SectionType) IsIO() bool {
	switch t {
	case SectionReuseInput, SectionReuseOutput, SectionIntermediateDump, SectionOutputShape, SectionSegMMU:
		return true
	default:
		return false
	}
}

// SubSection is one compiler-emitted sub-region of a static or reuse section.
type SubSection struct {
	Type            SectionType
	Size            uint32
	ID              uint32
	OffsetInSection uint32
	AddrMask        uint32
	Scale           float32
	ZeroPoint       int32
	DataType        DataType
	RelocOffsets    []uint32 // offset_in_ro for each declared relocation
}

// Section is a compiler-produced region (spec.md §3 "Section descriptor").
type Section struct {
	Size         uint32
	AlignInPage  uint32
	OffsetInFile uint32
	Type         SectionType
	RelativeAddr uint32 // offset within its bucket (static/reuse)
	LoadSrc      []byte // nil for reuse sections; points into the file for static
	SubSections  []SubSection
	SlotIndex    int
}

// DataType mirrors the compiler's tensor element type tags.
type DataType uint32

const (
	DataTypeU8 DataType = iota
	DataTypeS8
	DataTypeU16
	DataTypeS16
	DataTypeF16
	DataTypeBF16
	DataTypeU32
	DataTypeS32
	DataTypeF32
)

func (d DataType) String() string {
	switch d {
	case DataTypeU8:
		return "u8"
	case DataTypeS8:
		return "s8"
	case DataTypeU16:
		return "u16"
	case DataTypeS16:
		return "s16"
	case DataTypeF16:
		return "f16"
	case DataTypeBF16:
		return "bf16"
	case DataTypeU32:
		return "u32"
	case DataTypeS32:
		return "s32"
	case DataTypeF32:
		return "f32"
	default:
		return "unknown"
	}
}

// BytesPerElement implements spec.md §4.7's dtype → size table.
func (d DataType) BytesPerElement() (int, error) {
	switch d {
	case DataTypeU8, DataTypeS8:
		return 1, nil
	case DataTypeU16, DataTypeS16, DataTypeF16, DataTypeBF16:
		return 2, nil
	case DataTypeU32, DataTypeS32, DataTypeF32:
		return 4, nil
	default:
		return 0, fmt.Errorf("graphbin: %w: data type %d", umderr.ErrInvalidTensorType, d)
	}
}

// IOTensor is spec.md §3's "I/O tensor descriptor".
type IOTensor struct {
	ID             uint32
	Size           uint32
	RefSectionIter int // index into the owning reuse-section list
	OffsetInSect   uint32
	Scale          float32
	ZeroPoint      int32
	DataType       DataType

	// SegMMUTag mirrors ID for a SegMMU-typed tensor: the compiler packs
	// the {ctrl_idx, seg_idx, core_mask} id into the sub-section's own id
	// field, so this is only meaningful on entries in BSS.SegMMUs.
	SegMMUTag uint32
}

// LoadType distinguishes where a relocation's operand resolves from.
type LoadType uint32

const (
	LoadTypeStatic LoadType = iota
	LoadTypeReuse
)

// Reloc is spec.md §3's "Parameter-relocation entry".
type Reloc struct {
	OffsetInRO      uint32
	LoadType        LoadType
	SubType         SectionType
	BufIndex        int
	SubIndex        int
	OffsetInSection uint32
	AddrMask        uint32
}

// PrecursorKind encodes how a subgraph's GROUP_INIT dependency flag is built.
type PrecursorKind int

const (
	PrecursorNone PrecursorKind = iota
	PrecursorGroups
	PrecursorPreAll
)

// Subgraph is spec.md §3's "Subgraph".
type Subgraph struct {
	ID     int
	BSSIdx int

	Text SectionView
	RO   SectionView
	DCR  SectionView

	PrintfifoSize    uint32
	ProfilerBufSize  uint32
	PrivateDataSize  uint32
	WarmupLen        uint32

	PrecursorKind PrecursorKind
	Precursors    []int // 1..4 entries when PrecursorKind == PrecursorGroups

	PrivateBuffers    []Section
	PrivateBuffersMap []uint32 // rodata offsets to patch with private-buffer PAs
}

// BSS is spec.md §3's "BSS bucket".
type BSS struct {
	StackSize      uint32
	StackAlign     uint32
	ParamMap       []uint32

	// ConstSections holds every static section in file order. StaticSections
	// and ZeroCopyConstSections are the same sections split by type, each
	// placed against its own running offset (const_start /
	// zerocpy_const_start, spec.md §4.2).
	ConstSections         []Section
	StaticSections        []Section
	ZeroCopyConstSections []Section
	ReuseSections         []Section

	Inputs       []IOTensor
	Outputs      []IOTensor
	InterDumps   []IOTensor
	OutputsShape []IOTensor

	// SegMMUs holds the SegMMU-typed sub-sections (spec.md §4.5.4): each
	// one's ID is itself the {ctrl_idx:8, seg_idx:8, core_mask:16} tag, and
	// its resolved buffer PA is what gets folded into that seg/ctrl slot.
	SegMMUs []IOTensor

	StaticRelocs []Reloc
	ReuseRelocs  []Reloc
}

// RemapEntry is one entry of the .remap section (spec.md §4.2).
type RemapEntry struct {
	SrcAddr uint64
	DstAddr uint64
	Size    uint64
}

// SegMMUConfig is one per-core SegMMU configuration block (spec.md §4.5.4).
type SegMMUConfig struct {
	Control uint32
	Seg     [4]SegMMUSeg
}

type SegMMUSeg struct {
	Control [2]uint32
}

// GMConfig is the parsed ".note.aipu.gmconfig" section.
type GMConfig struct {
	Size      uint64
	SyncSize  uint64
}

// Graph is the fully parsed, normalized binary (spec.md §3-4.4's raw
// material; graph.Graph wraps this with ownership and a job factory).
type Graph struct {
	Header Header
	HW     HWInfo

	Text       []byte
	GlobalRO   []byte
	Descriptor []byte
	Weights    [][]byte // one per weight section (.weight0..n)

	BSSList      []BSS
	Subgraphs    []Subgraph
	Remap        []RemapEntry
	GM           GMConfig
	SegMMUCount  int
	GlobalParam  []byte
}
