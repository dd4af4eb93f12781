// Package jobbuild is the job-construction engine (spec.md §4.5): given a
// parsed graph it allocates the full device-memory working set, relocates
// physical addresses into rodata, and composes the TCB chain implementing
// the grid/group/task hierarchy.
package jobbuild

import (
	"github.com/Neo-Vincent/Compass-NPU-Driver/devmem"
	"github.com/Neo-Vincent/Compass-NPU-Driver/graphbin"
)

// Source is the read-only view of a loaded graph that Build needs. It is
// declared here, not in package graph, so that jobbuild does not import
// graph (graph.Graph.CreateJob calls jobbuild.Build, so the dependency can
// only run one way). graph.Graph implements this interface structurally.
type Source interface {
	Header() graphbin.Header
	HWInfo() graphbin.HWInfo
	Subgraphs() []graphbin.Subgraph
	BSS(idx int) graphbin.BSS
	BSSCount() int

	TextBuffer() *devmem.Buffer
	RodataBuffer() *devmem.Buffer
	DescBuffer() *devmem.Buffer
	GlobalParamBuffer() *devmem.Buffer
	WeightBuffer(bssIdx int) *devmem.Buffer

	RodataBytes() []byte
	DescriptorBytes() []byte
	GlobalParamBytes() []byte

	Remap() []graphbin.RemapEntry
	GM() graphbin.GMConfig
	SegMMUCount() int

	MemoryManager() *devmem.Manager

	// Unregister drops a completed job's weak handle (spec.md §9).
	Unregister(id uint64)
}
