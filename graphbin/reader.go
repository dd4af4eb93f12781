package graphbin

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/Neo-Vincent/Compass-NPU-Driver/umderr"
)

var magicELF = []byte{0x7f, 'E', 'L', 'F'}

const identLen = 16

// acceptedGraphVersionCodes maps each container format (selected by the
// 16-byte identifier) to the graph-version code its header's Version word
// must carry in its high 16 bits (spec.md §6). A binary whose identifier
// looks right but whose declared graph version isn't in this set is
// GVERSION_UNSUPPORTED, not INVALID_BIN: the container is well-formed, the
// driver just doesn't implement that version.
var acceptedGraphVersionCodes = map[GraphVersion]uint32{
	GraphVersionV0005: 5,
	GraphVersionELFV0: 0,
}

// byteOrder is fixed little-endian per spec.md §6.
var byteOrder = binary.LittleEndian

// rawHeader is the on-disk layout of the top header, decoded verbatim and
// then reshaped into the exported Header type.
type rawHeader struct {
	Device       uint32
	Version      uint32
	BuildVersion uint32
	HeaderSize   uint32
	FileSize     uint32
	Type         uint32
	Flag         uint32
}

type rawSectionEntry struct {
	NameIdx uint32
	Offset  uint32
	Size    uint32
}

// cursor is a small binary.Read-backed reader over an in-memory file image,
// the same shape as the teacher's readGGUF[T](llm, r) helper but bound to a
// concrete *bytes.Reader instead of a type parameter on the container.
type cursor struct {
	raw []byte
	r   *bytes.Reader
}

func newCursor(raw []byte) *cursor {
	return &cursor{raw: raw, r: bytes.NewReader(raw)}
}

func readField[T any](c *cursor) (T, error) {
	var v T
	err := binary.Read(c.r, byteOrder, &v)
	return v, err
}

func readBytes(c *cursor, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(c.r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (c *cursor) pos() int64 { p, _ := c.r.Seek(0, io.SeekCurrent); return p }

// decodedBinary is the reader's output before parser.go walks the BSS and
// remap payloads into the normalized Graph.
type decodedBinary struct {
	header   Header
	hw       HWInfo
	raw      []byte // full file image; static sections' LoadSrc points into this
	sections map[string][]byte
	weights  [][]byte
}

// ReadBinary validates the magic/version and produces typed section views
// (spec.md §4.1). It does not walk BSS or remap payloads; call Parse on the
// result to get a normalized Graph.
func ReadBinary(rs io.ReadSeeker) (*decodedBinary, error) {
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("graphbin: seeking to start: %w", err)
	}
	raw, err := io.ReadAll(rs)
	if err != nil {
		return nil, fmt.Errorf("graphbin: reading file: %w", err)
	}

	if len(raw) < identLen {
		return nil, fmt.Errorf("graphbin: %w: file too short for identifier", umderr.ErrInvalidBin)
	}
	ident := raw[:identLen]

	var version GraphVersion
	switch {
	case bytes.HasPrefix(ident, []byte("AIPU_V0005")):
		version = GraphVersionV0005
	case bytes.Equal(ident[:4], magicELF):
		version = GraphVersionELFV0
	default:
		return nil, fmt.Errorf("graphbin: %w: unrecognized identifier", umderr.ErrUnknownBin)
	}

	c := newCursor(raw)
	if _, err := c.r.Seek(int64(identLen), io.SeekStart); err != nil {
		return nil, err
	}

	rh, err := readField[rawHeader](c)
	if err != nil {
		return nil, fmt.Errorf("graphbin: reading header: %w", err)
	}

	wantCode, ok := acceptedGraphVersionCodes[version]
	gotCode := rh.Version >> 16
	if !ok || gotCode != wantCode {
		return nil, fmt.Errorf("graphbin: %w: graph version code %d", umderr.ErrGraphVersionUnsup, gotCode)
	}

	header := Header{
		Version:      version,
		Device:       rh.Device,
		BuildVersion: rh.BuildVersion,
		HeaderSize:   rh.HeaderSize,
		FileSize:     rh.FileSize,
		Type:         rh.Type,
		Flag:         rh.Flag,
	}

	sectionCount, err := readField[uint32](c)
	if err != nil {
		return nil, fmt.Errorf("graphbin: reading section count: %w", err)
	}
	nameTableSize, err := readField[uint32](c)
	if err != nil {
		return nil, fmt.Errorf("graphbin: reading name table size: %w", err)
	}
	nameTable, err := readBytes(c, int(nameTableSize))
	if err != nil {
		return nil, fmt.Errorf("graphbin: reading name table: %w", err)
	}

	sections := make(map[string][]byte, sectionCount)
	var weights [][]byte
	for i := uint32(0); i < sectionCount; i++ {
		entry, err := readField[rawSectionEntry](c)
		if err != nil {
			return nil, fmt.Errorf("graphbin: reading section table entry %d: %w", i, err)
		}

		name, err := cstringAt(nameTable, entry.NameIdx)
		if err != nil {
			return nil, fmt.Errorf("graphbin: %w: %v", umderr.ErrInvalidBin, err)
		}

		end := int64(entry.Offset) + int64(entry.Size)
		if entry.Offset > uint32(len(raw)) || end > int64(len(raw)) {
			return nil, fmt.Errorf("graphbin: %w: section %q out of range", umderr.ErrInvalidBin, name)
		}
		data := raw[entry.Offset:end]

		if len(name) >= 7 && name[:7] == ".weight" {
			weights = append(weights, data)
		} else {
			sections[name] = data
		}
	}

	return &decodedBinary{
		header:   header,
		hw:       UnpackHWInfo(header.Device),
		raw:      raw,
		sections: sections,
		weights:  weights,
	}, nil
}

func cstringAt(table []byte, idx uint32) (string, error) {
	if int(idx) >= len(table) {
		return "", fmt.Errorf("name index %d out of range (table len %d)", idx, len(table))
	}
	end := bytes.IndexByte(table[idx:], 0)
	if end < 0 {
		return "", fmt.Errorf("unterminated name at index %d", idx)
	}
	return string(table[idx : int(idx)+end]), nil
}
