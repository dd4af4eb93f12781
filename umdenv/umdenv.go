// Package umdenv holds the handful of environment variables the driver reads
// at process start, following the same package-level-var-plus-LoadConfig
// shape as the rest of the ambient stack.
package umdenv

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

var (
	// AsidBase overrides ASID0's physical base address. Set via UMD_ASID_BASE
	// (hex, e.g. "0x80000000"). Zero means "use the memory manager's default".
	AsidBase uint64

	// PartMode selects the partition-pool selection strategy. Set via
	// UMD_PART_MODE to "0", "1", or "2"; any other value is ignored.
	PartMode string
)

// partitionRR backs ResolvePartition's round-robin mode.
var partitionRR atomic.Int64

// EnvVar describes one recognized environment variable for diagnostics.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// ResolvePartition applies UMD_PART_MODE to a caller-requested partition
// index, per spec.md §6 ("'0','1','2' → partition-pool selection"):
//   - "" (unset) or "0": pass the requested partition through unchanged.
//   - "1": pin every job to partition 0, regardless of what was requested
//     (single-partition debug mode).
//   - "2": ignore the requested partition and round-robin across
//     partitionCount partitions, for exercising every command pool under
//     load without the caller having to pick one.
func ResolvePartition(requested, partitionCount int) int {
	switch PartMode {
	case "1":
		return 0
	case "2":
		if partitionCount <= 0 {
			return requested
		}
		n := int(partitionRR.Add(1))
		return (n - 1) % partitionCount
	default:
		return requested
	}
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"UMD_ASID_BASE": {"UMD_ASID_BASE", AsidBase, "Hex physical base address override for ASID0 (debug aid)"},
		"UMD_PART_MODE": {"UMD_PART_MODE", PartMode, "Partition-pool selection mode: '0', '1', or '2'"},
	}
}

func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	LoadConfig()
}

// LoadConfig re-reads the environment. Exported so tests and embedders can
// force a reload after mutating os.Setenv.
func LoadConfig() {
	if v := clean("UMD_ASID_BASE"); v != "" {
		base, err := strconv.ParseUint(strings.TrimPrefix(v, "0x"), 16, 64)
		if err != nil {
			slog.Error("invalid UMD_ASID_BASE, ignoring", "value", v, "error", err)
		} else {
			AsidBase = base
		}
	} else {
		AsidBase = 0
	}

	switch v := clean("UMD_PART_MODE"); v {
	case "0", "1", "2":
		PartMode = v
	case "":
		PartMode = ""
	default:
		slog.Warn("unrecognized UMD_PART_MODE, ignoring", "value", v)
	}
}
