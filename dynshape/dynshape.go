// Package dynshape implements spec.md §4.7: patching a model's global-param
// buffer with per-job input shapes before submission, and discovering real
// output tensor sizes from device memory after completion.
//
// The package holds the pure, dtype-aware arithmetic (offset patching,
// element counting, byte-size derivation, and a human preview decode of the
// narrow float types); jobbuild owns the device-memory I/O and calls into
// these helpers from applyInputShapes and Job.ResolveOutputShapes.
package dynshape

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/Neo-Vincent/Compass-NPU-Driver/graphbin"
	"github.com/Neo-Vincent/Compass-NPU-Driver/umderr"
)

// PatchShape writes dims as little-endian u32 words into buf starting at
// offset, one word per dimension (spec.md §4.7: "input_shape_offset + k*4").
func PatchShape(buf []byte, offset uint32, dims []uint32) error {
	end := uint64(offset) + uint64(len(dims))*4
	if end > uint64(len(buf)) {
		return fmt.Errorf("dynshape: %w: shape write at %#x (%d dims) exceeds global-param buffer of size %d",
			umderr.ErrSetShapeFailed, offset, len(dims), len(buf))
	}
	for k, d := range dims {
		binary.LittleEndian.PutUint32(buf[offset+uint32(k)*4:], d)
	}
	return nil
}

// ElementCount computes Π dims, failing with ErrZeroTensorSize on an empty
// shape or any zero dimension (spec.md §4.7, §8 invariant 8).
func ElementCount(dims []uint32) (uint64, error) {
	if len(dims) == 0 {
		return 0, fmt.Errorf("dynshape: %w: empty shape", umderr.ErrZeroTensorSize)
	}
	n := uint64(1)
	for _, d := range dims {
		if d == 0 {
			return 0, fmt.Errorf("dynshape: %w: shape %v has a zero dimension", umderr.ErrZeroTensorSize, dims)
		}
		n *= uint64(d)
	}
	return n, nil
}

// ByteSize computes elements × bytes-per-element for dt, matching spec.md
// §4.7's table {1: U8/S8, 2: U16/S16/F16/BF16, 4: U32/S32/F32}.
func ByteSize(dt graphbin.DataType, dims []uint32) (uint32, error) {
	elems, err := ElementCount(dims)
	if err != nil {
		return 0, err
	}
	bpe, err := dt.BytesPerElement()
	if err != nil {
		return 0, fmt.Errorf("dynshape: %w", err)
	}
	total := elems * uint64(bpe)
	if total > uint64(^uint32(0)) {
		return 0, fmt.Errorf("dynshape: %w: resolved size %d overflows u32", umderr.ErrUnmatchOutShape, total)
	}
	return uint32(total), nil
}

// ReadDims decodes count little-endian u32 dimensions starting at offset,
// the layout used both for the model global-param shape region and for the
// output-shape reuse section the device writes back into (spec.md §4.7).
func ReadDims(buf []byte, offset uint32, count int) ([]uint32, error) {
	end := uint64(offset) + uint64(count)*4
	if end > uint64(len(buf)) {
		return nil, fmt.Errorf("dynshape: %w: shape read at %#x (%d dims) exceeds buffer of size %d",
			umderr.ErrUnmatchOutShape, offset, count, len(buf))
	}
	dims := make([]uint32, count)
	for k := range dims {
		dims[k] = binary.LittleEndian.Uint32(buf[offset+uint32(k)*4:])
	}
	return dims, nil
}

// Preview decodes up to max elements of data as dt for diagnostic logging
// (e.g. slog.Debug("output tensor", "preview", dynshape.Preview(...))). It
// never fails: unrecognized or truncated data yields an empty slice.
func Preview(dt graphbin.DataType, data []byte, max int) []float32 {
	switch dt {
	case graphbin.DataTypeF16:
		return previewF16(data, max)
	case graphbin.DataTypeBF16:
		return previewBF16(data, max)
	case graphbin.DataTypeF32:
		return previewF32(data, max)
	default:
		return nil
	}
}

func previewF16(data []byte, max int) []float32 {
	n := len(data) / 2
	if n > max {
		n = max
	}
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint16(data[i*2:])
		out[i] = float16.Frombits(bits).Float32()
	}
	return out
}

func previewBF16(data []byte, max int) []float32 {
	n := len(data) / 2
	if n > max {
		n = max
	}
	decoded := bfloat16.DecodeFloat32(data[:n*2])
	return decoded
}

func previewF32(data []byte, max int) []float32 {
	n := len(data) / 4
	if n > max {
		n = max
	}
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		out[i] = math.Float32frombits(bits)
	}
	return out
}
