package umdenv

import (
	"os"
	"testing"
)

func TestLoadConfigParsesAsidBase(t *testing.T) {
	t.Setenv("UMD_ASID_BASE", "0x80000000")
	t.Cleanup(func() { os.Unsetenv("UMD_PART_MODE"); LoadConfig() })
	LoadConfig()
	if AsidBase != 0x80000000 {
		t.Fatalf("AsidBase = %#x, want 0x80000000", AsidBase)
	}
}

func TestLoadConfigIgnoresUnrecognizedPartMode(t *testing.T) {
	t.Setenv("UMD_PART_MODE", "9")
	t.Cleanup(func() { LoadConfig() })
	PartMode = ""
	LoadConfig()
	if PartMode != "" {
		t.Fatalf("PartMode = %q, want empty for an unrecognized value", PartMode)
	}
}

func TestResolvePartitionModes(t *testing.T) {
	t.Cleanup(func() { PartMode = ""; partitionRR.Store(0) })

	PartMode = ""
	if got := ResolvePartition(3, 4); got != 3 {
		t.Fatalf("default mode: got %d, want pass-through 3", got)
	}

	PartMode = "1"
	if got := ResolvePartition(3, 4); got != 0 {
		t.Fatalf("mode 1: got %d, want 0", got)
	}

	PartMode = "2"
	partitionRR.Store(0)
	seen := make([]int, 4)
	for i := range seen {
		seen[i] = ResolvePartition(99, 4)
	}
	for i, p := range seen {
		if p != i%4 {
			t.Fatalf("mode 2 round-robin[%d] = %d, want %d", i, p, i%4)
		}
	}
}
