package graphbin

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/Neo-Vincent/Compass-NPU-Driver/umderr"
)

// rawBuilder assembles a minimal, valid graph binary byte-for-byte so the
// reader/parser can be exercised without a real compiler toolchain, the same
// way fs/ggml's tests hand-encode a container before decoding it.
type rawBuilder struct {
	buf     bytes.Buffer
	names   []string
	offsets []uint32
	sizes   []uint32
}

func newRawBuilder() *rawBuilder { return &rawBuilder{} }

func (b *rawBuilder) addSection(name string, data []byte) {
	b.offsets = append(b.offsets, uint32(0)) // patched in finish()
	b.sizes = append(b.sizes, uint32(len(data)))
	b.names = append(b.names, name)
	b.buf.Write(data)
}

func le(v any) []byte {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// finish lays out: ident, rawHeader, sectionCount, nameTableSize, nameTable,
// sectionCount x rawSectionEntry, then the concatenated section payloads.
// It also returns the byte offset of each rawSectionEntry's Size field, so
// tests can corrupt it deterministically.
func (b *rawBuilder) finishWithOffsets() ([]byte, []int) {
	var nameTable bytes.Buffer
	nameIdx := make([]uint32, len(b.names))
	for i, n := range b.names {
		nameIdx[i] = uint32(nameTable.Len())
		nameTable.WriteString(n)
		nameTable.WriteByte(0)
	}

	var out bytes.Buffer
	out.WriteString("AIPU_V0005")
	out.Write(make([]byte, identLen-len("AIPU_V0005")))

	out.Write(le(rawHeader{
		Device:  uint32(1)<<24 | uint32(3)<<16 | uint32(1)<<8 | 0,
		Version: 5 << 16,
	}))

	out.Write(le(uint32(len(b.names))))
	out.Write(le(uint32(nameTable.Len())))
	out.Write(nameTable.Bytes())

	headerLen := len(out.Bytes())
	tableLen := len(b.names) * 12
	payloadStart := uint32(headerLen + tableLen)

	running := payloadStart
	sizeFieldOffsets := make([]int, len(b.names))
	for i := range b.names {
		entry := rawSectionEntry{
			NameIdx: nameIdx[i],
			Offset:  running,
			Size:    b.sizes[i],
		}
		// Size is the third and last u32 field of rawSectionEntry.
		sizeFieldOffsets[i] = out.Len() + 8
		out.Write(le(entry))
		running += b.sizes[i]
	}

	out.Write(b.buf.Bytes())
	return out.Bytes(), sizeFieldOffsets
}

func (b *rawBuilder) finish() []byte {
	data, _ := b.finishWithOffsets()
	return data
}

func TestReadBinaryRejectsUnknownMagic(t *testing.T) {
	bad := bytes.Repeat([]byte{0xAA}, 64)
	_, err := ReadBinary(bytes.NewReader(bad))
	if err == nil {
		t.Fatal("expected error for unknown magic")
	}
}

func TestReadBinaryParsesHeaderAndSections(t *testing.T) {
	b := newRawBuilder()
	b.addSection(".text", []byte{1, 2, 3, 4})
	b.addSection(".rodata", []byte{5, 6, 7, 8})
	raw := b.finish()

	db, err := ReadBinary(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadBinary: %v", err)
	}
	if db.header.Version != GraphVersionV0005 {
		t.Fatalf("version = %v, want V0005", db.header.Version)
	}
	if !bytes.Equal(db.sections[".text"], []byte{1, 2, 3, 4}) {
		t.Fatalf(".text = %v", db.sections[".text"])
	}
	if !bytes.Equal(db.sections[".rodata"], []byte{5, 6, 7, 8}) {
		t.Fatalf(".rodata = %v", db.sections[".rodata"])
	}
	if db.hw.Arch != 1 || db.hw.Version != 3 {
		t.Fatalf("hw info = %+v", db.hw)
	}
}

func TestReadBinaryRejectsUnsupportedGraphVersion(t *testing.T) {
	b := newRawBuilder()
	b.addSection(".text", []byte{1, 2, 3, 4})
	raw := b.finish()

	// Version is rawHeader's second field, right after the 16-byte ident.
	const versionFieldOffset = identLen + 4
	binary.LittleEndian.PutUint32(raw[versionFieldOffset:], 99<<16)

	_, err := ReadBinary(bytes.NewReader(raw))
	if !errors.Is(err, umderr.ErrGraphVersionUnsup) {
		t.Fatalf("err = %v, want ErrGraphVersionUnsup", err)
	}
}

func TestReadBinaryOutOfRangeSectionIsInvalid(t *testing.T) {
	b := newRawBuilder()
	b.addSection(".text", []byte{1, 2, 3, 4})
	raw, sizeOffsets := b.finishWithOffsets()

	binary.LittleEndian.PutUint32(raw[sizeOffsets[0]:], 0xFFFFFFFF)
	if _, err := ReadBinary(bytes.NewReader(raw)); err == nil {
		t.Fatal("expected out-of-range section to be rejected")
	}
}
