// Package tcb implements the v3.1 Task Control Block: the fixed-size
// device-format record the hardware command pool consumes (spec.md §3, §6).
//
// The on-disk union is modeled as a Go sum type over three variants
// (GridInit, GroupInit, Task) with a single Encode/Decode pair that packs
// each variant into the same RecordSize-byte layout, following the "tagged
// union" resolution in spec.md §9: explicit hi()/lo() accessors stand in for
// the source's field-punned addr64_t, used here only for the GM physical
// address (the one field that crosses the 4 GB ASID window).
package tcb

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Neo-Vincent/Compass-NPU-Driver/umderr"
)

// RecordSize is the fixed per-TCB byte size. Every variant below packs into
// fewer words than this; the rest of the record is zero padding, the same
// as the hardware leaving reserved fields untouched.
const RecordSize = 128

const wordCount = RecordSize / 4

// Kind is the low-nibble task-type field of Flag.
type Kind uint32

const (
	KindGridInit Kind = 0x1
	KindGroupInit Kind = 0x2
	KindTask Kind = 0x3
)

// Flag bit layout (spec.md §4.5.3, §9).
const (
	typeMask = 0xF

	l2DFlush = 1 << 4 // GRID_INIT only

	depTypeShift = 5
	depTypeMask  = 0x3 << depTypeShift
)

// DepType encodes a subgraph's GROUP_INIT dependency kind.
type DepType uint32

const (
	DepTypeNone   DepType = 0x0
	DepTypeGroup  DepType = 0x1
	DepTypePreAll DepType = 0x2
)

const (
	endGroupEnd = 1 << 7 // last task of a group
	endGridEnd  = 1 << 8 // last task of the last subgraph
)

const enGroupDepend = 1 << 15
const groupDepMask = 0x7FFF

// Grid interrupt-enable bits.
const (
	GridDone    = 1 << 0
	GridGMFault = 1 << 1
)

// GM sync direction.
const (
	GMSyncNone  = 0
	DDRToGM     = 1
)

// Task interrupt-enable bits.
const (
	TECAll    = 0x1
	TECSignal = 0x2
)

// ASID access permissions.
const (
	PermRD = 1 << 0
	PermWR = 1 << 1
)

func hi(v uint64) uint32 { return uint32(v >> 32) }
func lo(v uint64) uint32 { return uint32(v) }

// AsidSlot is one of a GROUP_INIT's eight ASID descriptor entries.
type AsidSlot struct {
	Base uint32
	Perm uint32
}

// GridInit is the chain's single leading TCB.
type GridInit struct {
	GroupNum        uint32
	GridInterruptEn uint32
	GridID          uint32
	GroupID         uint32 // start group id

	GMEnabled bool
	GMCtrl    uint32
	GMAddr    uint64 // split into Hi/Lo words on encode
	GMSync    uint32
}

// GroupInit opens one subgraph's run of tasks.
type GroupInit struct {
	GridID  uint32
	GroupID uint32

	DepType   DepType
	GroupDeps [4]uint32 // only the first k entries are meaningful

	SegMMUCtrl   uint32
	SegMMURemap  uint32
	Asid         [8]AsidSlot
}

// Dim3 is a {x,y,z} hardware dimension triple.
type Dim3 struct{ X, Y, Z uint32 }

// Task is one of a group's four fixed task slots.
type Task struct {
	SPC          uint32 // text base + subgraph text offset
	GroupID      uint32
	GridID       uint32
	TaskID       uint32
	ICAWarmupLen uint32

	GridDim  Dim3
	GroupDim Dim3
	GroupIdx Dim3
	TaskIdx  Dim3

	TCBP uint32 // own TCB offset, relative to asid_base

	SP, PP, DP, CP uint32

	PProfiler   uint32
	PPrint      uint32
	GlobalParam uint32

	InterruptEn uint32

	GroupEnd bool
	GridEnd  bool
	HasDep   bool // only task 0 of a subgraph carries dependency flags
}

// Record is the tagged-union TCB: exactly one of GridInit/GroupInit/Task is
// meaningful, selected by Kind.
type Record struct {
	Kind      Kind
	GridInit  GridInit
	GroupInit GroupInit
	Task      Task
}

// NewGridInit builds the chain's leading TCB (spec.md §4.5.3).
func NewGridInit(gi GridInit) Record {
	return Record{Kind: KindGridInit, GridInit: gi}
}

// NewGroupInit builds a GROUP_INIT TCB for one subgraph.
func NewGroupInit(gi GroupInit) Record {
	return Record{Kind: KindGroupInit, GroupInit: gi}
}

// NewTask builds a TASK TCB.
func NewTask(t Task) Record {
	return Record{Kind: KindTask, Task: t}
}

// Flag computes the 32-bit Flag word for this record (spec.md §4.5.3, §9).
func (r Record) Flag() uint32 {
	switch r.Kind {
	case KindGridInit:
		return uint32(KindGridInit) | l2DFlush
	case KindGroupInit:
		f := uint32(KindGroupInit)
		f |= uint32(r.GroupInit.DepType) << depTypeShift
		return f
	case KindTask:
		f := uint32(KindTask)
		if r.Task.GroupEnd {
			f |= endGroupEnd
		}
		if r.Task.GridEnd {
			f |= endGridEnd
		}
		return f
	default:
		return 0
	}
}

// EncodedGroupDep computes one group_deps[] word from a raw precursor id
// and the job's start group id (spec.md §4.5.3 dependency encoding).
func EncodedGroupDep(precursor int, startGroupID uint32) (uint32, error) {
	if precursor < 0 || precursor > groupDepMask {
		return 0, fmt.Errorf("tcb: %w: precursor %d out of range", umderr.ErrInvalidBin, precursor)
	}
	return enGroupDepend | ((uint32(precursor) + startGroupID) & groupDepMask), nil
}

// Encode packs the record into a fixed RecordSize-byte device layout.
func (r Record) Encode() [RecordSize]byte {
	words := make([]uint32, wordCount)
	words[0] = r.Flag()

	switch r.Kind {
	case KindGridInit:
		gi := r.GridInit
		words[1] = gi.GroupNum
		words[2] = gi.GridInterruptEn
		words[3] = gi.GridID
		words[4] = gi.GroupID
		if gi.GMEnabled {
			words[5] = gi.GMCtrl
			words[6] = lo(gi.GMAddr)
			words[7] = hi(gi.GMAddr)
			words[8] = gi.GMSync
		}

	case KindGroupInit:
		g := r.GroupInit
		words[1] = g.GridID
		words[2] = g.GroupID
		words[3] = uint32(g.DepType)
		for i, d := range g.GroupDeps {
			words[4+i] = d
		}
		words[8] = g.SegMMUCtrl
		words[9] = g.SegMMURemap
		for i, slot := range g.Asid {
			words[10+i*2] = slot.Base
			words[11+i*2] = slot.Perm
		}

	case KindTask:
		t := r.Task
		i := 1
		put := func(v uint32) { words[i] = v; i++ }
		putDim := func(d Dim3) { put(d.X); put(d.Y); put(d.Z) }

		put(t.SPC)
		put(t.GroupID)
		put(t.GridID)
		put(t.TaskID)
		put(t.ICAWarmupLen)
		putDim(t.GridDim)
		putDim(t.GroupDim)
		putDim(t.GroupIdx)
		putDim(t.TaskIdx)
		put(t.TCBP)
		put(t.SP)
		put(t.PP)
		put(t.DP)
		put(t.CP)
		put(t.PProfiler)
		put(t.PPrint)
		put(t.GlobalParam)
		put(t.InterruptEn)
	}

	var out [RecordSize]byte
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*4:i*4+4], w)
	}
	return out
}

// GMSyncWordOffset is the byte offset of a GRID_INIT record's gm_sync
// field. jobbuild's replay path clears it after the first dispatch (spec.md
// §9 Open Question: "current behavior: first run only").
const GMSyncWordOffset = 8 * 4

// ClearGMSync zeroes the gm_sync field of a GRID_INIT record in place.
func ClearGMSync(raw []byte) {
	if len(raw) < GMSyncWordOffset+4 {
		return
	}
	binary.LittleEndian.PutUint32(raw[GMSyncWordOffset:GMSyncWordOffset+4], GMSyncNone)
}

// DecodeKind reads only the Flag word's low nibble, without fully unpacking
// a record.
func DecodeKind(raw []byte) (Kind, error) {
	if len(raw) < 4 {
		return 0, fmt.Errorf("tcb: record too short to decode flag")
	}
	flag := binary.LittleEndian.Uint32(raw[:4])
	return Kind(flag & typeMask), nil
}

// Decode fully unpacks a RecordSize-byte device record, the inverse of
// Encode. Used by the dump emitter (spec.md §4.8) to render metadata.txt's
// human-readable TCB table without tracking its own copy of the layout.
func Decode(raw []byte) (Record, error) {
	if len(raw) < RecordSize {
		return Record{}, fmt.Errorf("tcb: record too short: %d bytes", len(raw))
	}
	words := make([]uint32, wordCount)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(raw[i*4 : i*4+4])
	}
	flag := words[0]
	kind := Kind(flag & typeMask)

	switch kind {
	case KindGridInit:
		gi := GridInit{
			GroupNum:        words[1],
			GridInterruptEn: words[2],
			GridID:          words[3],
			GroupID:         words[4],
		}
		if words[5] != 0 || words[6] != 0 || words[7] != 0 || words[8] != 0 {
			gi.GMEnabled = true
			gi.GMCtrl = words[5]
			gi.GMAddr = uint64(words[7])<<32 | uint64(words[6])
			gi.GMSync = words[8]
		}
		return Record{Kind: kind, GridInit: gi}, nil

	case KindGroupInit:
		g := GroupInit{
			GridID:  words[1],
			GroupID: words[2],
			DepType: DepType(words[3]),
		}
		copy(g.GroupDeps[:], words[4:8])
		g.SegMMUCtrl = words[8]
		g.SegMMURemap = words[9]
		for i := range g.Asid {
			g.Asid[i] = AsidSlot{Base: words[10+i*2], Perm: words[11+i*2]}
		}
		return Record{Kind: kind, GroupInit: g}, nil

	case KindTask:
		t := Task{
			SPC:          words[1],
			GroupID:      words[2],
			GridID:       words[3],
			TaskID:       words[4],
			ICAWarmupLen: words[5],
			GridDim:      Dim3{X: words[6], Y: words[7], Z: words[8]},
			GroupDim:     Dim3{X: words[9], Y: words[10], Z: words[11]},
			GroupIdx:     Dim3{X: words[12], Y: words[13], Z: words[14]},
			TaskIdx:      Dim3{X: words[15], Y: words[16], Z: words[17]},
			TCBP:         words[18],
			SP:           words[19],
			PP:           words[20],
			DP:           words[21],
			CP:           words[22],
			PProfiler:    words[23],
			PPrint:       words[24],
			GlobalParam:  words[25],
			InterruptEn:  words[26],
			GroupEnd:     flag&endGroupEnd != 0,
			GridEnd:      flag&endGridEnd != 0,
		}
		return Record{Kind: kind, Task: t}, nil

	default:
		return Record{}, fmt.Errorf("tcb: %w: unknown task type %d in flag %#x", errUnknownKind, kind, flag)
	}
}

var errUnknownKind = errors.New("unrecognized TCB kind")
