package dynshape

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Neo-Vincent/Compass-NPU-Driver/graphbin"
	"github.com/Neo-Vincent/Compass-NPU-Driver/umderr"
)

func TestPatchAndReadDimsRoundTrip(t *testing.T) {
	buf := make([]byte, 64)
	dims := []uint32{1, 3, 224, 224}
	if err := PatchShape(buf, 16, dims); err != nil {
		t.Fatalf("PatchShape: %v", err)
	}
	got, err := ReadDims(buf, 16, len(dims))
	if err != nil {
		t.Fatalf("ReadDims: %v", err)
	}
	if diff := cmp.Diff(dims, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestPatchShapeOutOfRange(t *testing.T) {
	buf := make([]byte, 8)
	err := PatchShape(buf, 4, []uint32{1, 2, 3})
	if !errors.Is(err, umderr.ErrSetShapeFailed) {
		t.Fatalf("expected ErrSetShapeFailed, got %v", err)
	}
}

func TestByteSizeScenarioE5(t *testing.T) {
	// spec.md §8 E5: output shape [1,1000], dtype F32 -> 4000 bytes.
	size, err := ByteSize(graphbin.DataTypeF32, []uint32{1, 1000})
	if err != nil {
		t.Fatalf("ByteSize: %v", err)
	}
	if size != 4000 {
		t.Errorf("size = %d, want 4000", size)
	}
}

func TestByteSizeZeroDim(t *testing.T) {
	_, err := ByteSize(graphbin.DataTypeU8, []uint32{1, 0, 224})
	if !errors.Is(err, umderr.ErrZeroTensorSize) {
		t.Fatalf("expected ErrZeroTensorSize, got %v", err)
	}
}

func TestByteSizeTable(t *testing.T) {
	cases := []struct {
		dt   graphbin.DataType
		dims []uint32
		want uint32
	}{
		{graphbin.DataTypeU8, []uint32{10}, 10},
		{graphbin.DataTypeS8, []uint32{10}, 10},
		{graphbin.DataTypeU16, []uint32{10}, 20},
		{graphbin.DataTypeF16, []uint32{10}, 20},
		{graphbin.DataTypeBF16, []uint32{10}, 20},
		{graphbin.DataTypeU32, []uint32{10}, 40},
		{graphbin.DataTypeF32, []uint32{10}, 40},
	}
	for _, c := range cases {
		got, err := ByteSize(c.dt, c.dims)
		if err != nil {
			t.Fatalf("ByteSize(%v): %v", c.dt, err)
		}
		if got != c.want {
			t.Errorf("ByteSize(%v, %v) = %d, want %d", c.dt, c.dims, got, c.want)
		}
	}
}

func TestPreviewF32(t *testing.T) {
	buf := make([]byte, 8)
	// 1.0f and 2.0f, little-endian
	buf[0], buf[1], buf[2], buf[3] = 0x00, 0x00, 0x80, 0x3F
	buf[4], buf[5], buf[6], buf[7] = 0x00, 0x00, 0x00, 0x40
	got := Preview(graphbin.DataTypeF32, buf, 8)
	want := []float32{1.0, 2.0}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Preview mismatch (-want +got):\n%s", diff)
	}
}

func TestPreviewUnsupportedType(t *testing.T) {
	if got := Preview(graphbin.DataTypeU8, []byte{1, 2, 3}, 4); got != nil {
		t.Errorf("Preview(U8) = %v, want nil", got)
	}
}
