// Package graph owns a parsed NPU v3.1 graph binary's device-resident
// sections (spec.md §4.4): it loads graphbin's normalized byte views into
// device memory once, exposes read-only accessors consumed by jobbuild, and
// is the factory every job is created from.
//
// Graph and Job have a natural cyclic relationship (a job is built from a
// graph, and a graph must be able to enumerate its live jobs for a combined
// dump) which Go's ownership model doesn't want as a strong reference
// cycle. Following spec.md §9's resolution, Job holds only a non-owning
// jobbuild.Source handle back to its Graph, and Graph keeps a registry of
// live jobs that each Job deregisters itself from in Destroy — a weak
// handle implemented as explicit deregistration rather than a GC trick.
package graph

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Neo-Vincent/Compass-NPU-Driver/devmem"
	"github.com/Neo-Vincent/Compass-NPU-Driver/device"
	"github.com/Neo-Vincent/Compass-NPU-Driver/graphbin"
	"github.com/Neo-Vincent/Compass-NPU-Driver/jobbuild"
)

// Graph is the in-memory normalized graph plus its device-resident sections.
// It holds a shared reference to the device back end every job it creates
// will be submitted through; the back end outlives every Graph and Job built
// against it (spec.md §3 "Ownership summary").
type Graph struct {
	mm     *devmem.Manager
	dev    device.Device
	parsed *graphbin.Graph

	textBuf        *devmem.Buffer
	rodataBuf      *devmem.Buffer
	descBuf        *devmem.Buffer
	globalParamBuf *devmem.Buffer
	weightBufs     []*devmem.Buffer // one per BSS bucket, nil where no weight data

	mu        sync.Mutex
	nextJobID uint64
	jobs      map[uint64]*jobbuild.Job
}

// Load reads and parses a graph binary, then loads its static sections
// (text, rodata, descriptor, weights, global param) into device memory
// through mm. Weight buffers are loaded once here and shared by every job
// this Graph later creates (spec.md §4.4). dev is the device back end every
// job created from this Graph will be submitted through.
func Load(mm *devmem.Manager, dev device.Device, rs io.ReadSeeker) (*Graph, error) {
	decoded, err := graphbin.ReadBinary(rs)
	if err != nil {
		return nil, err
	}
	parsed, err := graphbin.Parse(decoded)
	if err != nil {
		return nil, err
	}

	g := &Graph{
		mm:     mm,
		dev:    dev,
		parsed: parsed,
		jobs:   make(map[uint64]*jobbuild.Job),
	}
	if err := g.loadStaticSections(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) loadStaticSections() error {
	load := func(name string, data []byte, region devmem.Region) (*devmem.Buffer, error) {
		if len(data) == 0 {
			return nil, nil
		}
		buf, err := g.mm.Malloc(uint64(len(data)), 0, name, region)
		if err != nil {
			return nil, fmt.Errorf("graph: loading %s: %w", name, err)
		}
		if err := g.mm.Write(region, buf.PA, data); err != nil {
			return nil, fmt.Errorf("graph: writing %s: %w", name, err)
		}
		return buf, nil
	}

	var err error
	if g.textBuf, err = load(".text", g.parsed.Text, devmem.RegionASID0); err != nil {
		return err
	}
	if g.rodataBuf, err = load(".rodata", g.parsed.GlobalRO, devmem.RegionASID0); err != nil {
		return err
	}
	if g.descBuf, err = load(".descriptor", g.parsed.Descriptor, devmem.RegionASID0); err != nil {
		return err
	}
	if g.globalParamBuf, err = load(".note.aipu.globalparam", g.parsed.GlobalParam, devmem.RegionASID0); err != nil {
		return err
	}

	return g.loadWeightBuffers(load)
}

// loadWeightBuffers fans weight sections out across goroutines: each BSS
// bucket's weight data lands in its own ASID1 allocation, independent of
// every other bucket, so there is no reason to serialize the mallocs and
// writes the way extractFiles fans out its own per-file work.
func (g *Graph) loadWeightBuffers(load func(string, []byte, devmem.Region) (*devmem.Buffer, error)) error {
	g.weightBufs = make([]*devmem.Buffer, len(g.parsed.BSSList))

	eg := new(errgroup.Group)
	for i := range g.parsed.BSSList {
		if i >= len(g.parsed.Weights) || len(g.parsed.Weights[i]) == 0 {
			continue
		}
		i := i
		eg.Go(func() error {
			name := fmt.Sprintf(".weight%d", i)
			buf, err := load(name, g.parsed.Weights[i], devmem.RegionASID1)
			if err != nil {
				return err
			}
			g.weightBufs[i] = buf
			return nil
		})
	}
	return eg.Wait()
}

// CreateJob builds a new job from this graph (spec.md §4.4's create_job
// factory), registering it in this Graph's live-job set until Destroy.
func (g *Graph) CreateJob(cfg jobbuild.Config) (*jobbuild.Job, error) {
	g.mu.Lock()
	id := g.nextJobID
	g.nextJobID++
	g.mu.Unlock()

	job, err := jobbuild.Build(g, id, g.dev, cfg)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.jobs[id] = job
	g.mu.Unlock()
	return job, nil
}

// Unregister drops a job's entry from the live-job registry. Called by
// jobbuild.Job.Destroy; implements jobbuild.Source.
func (g *Graph) Unregister(id uint64) {
	g.mu.Lock()
	delete(g.jobs, id)
	g.mu.Unlock()
}

// LiveJobs enumerates jobs still registered, for a combined multi-job dump
// (spec.md §4.8).
func (g *Graph) LiveJobs() []*jobbuild.Job {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*jobbuild.Job, 0, len(g.jobs))
	for _, j := range g.jobs {
		out = append(out, j)
	}
	return out
}

// The remainder of this file implements jobbuild.Source: read-only
// accessors over the parsed graph and its device-resident sections.

func (g *Graph) Header() graphbin.Header  { return g.parsed.Header }
func (g *Graph) HWInfo() graphbin.HWInfo  { return g.parsed.HW }
func (g *Graph) Subgraphs() []graphbin.Subgraph { return g.parsed.Subgraphs }
func (g *Graph) BSSCount() int            { return len(g.parsed.BSSList) }

func (g *Graph) BSS(idx int) graphbin.BSS {
	if idx < 0 || idx >= len(g.parsed.BSSList) {
		return graphbin.BSS{}
	}
	return g.parsed.BSSList[idx]
}

func (g *Graph) TextBuffer() *devmem.Buffer        { return g.textBuf }
func (g *Graph) RodataBuffer() *devmem.Buffer      { return g.rodataBuf }
func (g *Graph) DescBuffer() *devmem.Buffer        { return g.descBuf }
func (g *Graph) GlobalParamBuffer() *devmem.Buffer { return g.globalParamBuf }

func (g *Graph) WeightBuffer(bssIdx int) *devmem.Buffer {
	if bssIdx < 0 || bssIdx >= len(g.weightBufs) {
		return nil
	}
	return g.weightBufs[bssIdx]
}

func (g *Graph) GlobalParamBytes() []byte { return g.parsed.GlobalParam }
func (g *Graph) RodataBytes() []byte      { return g.parsed.GlobalRO }
func (g *Graph) DescriptorBytes() []byte  { return g.parsed.Descriptor }
func (g *Graph) Remap() []graphbin.RemapEntry { return g.parsed.Remap }
func (g *Graph) GM() graphbin.GMConfig    { return g.parsed.GM }
func (g *Graph) SegMMUCount() int         { return g.parsed.SegMMUCount }
func (g *Graph) MemoryManager() *devmem.Manager { return g.mm }
