package devmem

import "testing"

func TestAlignUp(t *testing.T) {
	cases := []struct{ v, align, want uint64 }{
		{0, 0, 0},
		{1, 0, 1},
		{1, 64, 64},
		{64, 64, 64},
		{65, 64, 128},
	}
	for _, c := range cases {
		if got := alignUp(c.v, c.align); got != c.want {
			t.Fatalf("alignUp(%d,%d) = %d, want %d", c.v, c.align, got, c.want)
		}
	}
}

func TestRegionAllocFragmentsAndCoalesces(t *testing.T) {
	r := newRegionState("test", 0, 4096)

	a, err := r.alloc(1024, 256)
	if err != nil {
		t.Fatalf("alloc a: %v", err)
	}
	b, err := r.alloc(1024, 256)
	if err != nil {
		t.Fatalf("alloc b: %v", err)
	}
	if a == b {
		t.Fatal("overlapping allocations")
	}

	r.release(a, 1024)
	r.release(b, 1024)

	if !r.untouched() {
		t.Fatal("expected free list to coalesce back into a single full extent")
	}

	c, err := r.alloc(4096, 256)
	if err != nil {
		t.Fatalf("alloc after coalesce: %v", err)
	}
	if c != 0 {
		t.Fatalf("c = %d, want 0", c)
	}
}

func TestRegionAllocDefaultAlignIsPage(t *testing.T) {
	r := newRegionState("test", 0, PageSize*2)
	pa, err := r.alloc(64, 0)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if pa%PageSize != 0 {
		t.Fatalf("pa %#x not page-aligned despite align=0", pa)
	}
}

func TestRegionAllocExhaustion(t *testing.T) {
	r := newRegionState("test", 0, 256)
	if _, err := r.alloc(128, 64); err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if _, err := r.alloc(256, 64); err == nil {
		t.Fatal("expected exhaustion error")
	}
}
