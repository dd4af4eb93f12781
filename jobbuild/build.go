package jobbuild

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/Neo-Vincent/Compass-NPU-Driver/devmem"
	"github.com/Neo-Vincent/Compass-NPU-Driver/device"
	"github.com/Neo-Vincent/Compass-NPU-Driver/tcb"
	"github.com/Neo-Vincent/Compass-NPU-Driver/umderr"
)

// Build implements spec.md §4.5's create_job: it allocates the job's full
// device-memory working set, relocates rodata, assembles the TCB chain, and
// returns a Job sitting in StateInit, ready for Bind or Schedule.
//
// On any failure every buffer and id allocated so far is released before
// the error is returned (spec.md §7's alloc_load_job_buffers contract).
func Build(source Source, graphJobID uint64, dev device.Device, cfg Config) (*Job, error) {
	if err := validateDMABufConfig(source, cfg); err != nil {
		return nil, err
	}

	subgraphs := source.Subgraphs()
	if len(subgraphs) == 0 {
		return nil, fmt.Errorf("jobbuild: %w: graph has no subgraphs", umderr.ErrInvalidOp)
	}

	mm := source.MemoryManager()
	region := devmem.RegionASID0
	a := &allocState{mm: mm}

	gridID := dev.GetGridID()
	startGroupID, err := dev.GetStartGroupID(len(subgraphs))
	if err != nil {
		return nil, fmt.Errorf("jobbuild: %w", err)
	}
	releaseGroupIDs := true
	defer func() {
		if releaseGroupIDs {
			dev.PutStartGroupID(startGroupID, len(subgraphs))
		}
	}()

	j := &Job{
		ID:           uuid.New(),
		graphJobID:   graphJobID,
		source:       source,
		dev:          dev,
		cfg:          cfg,
		region:       region,
		gridID:       gridID,
		startGroupID: startGroupID,
		groupCount:   len(subgraphs),
		outputSizes:  make(map[uint32]uint32),
	}

	fail := func(err error) (*Job, error) {
		a.unwind()
		return nil, err
	}

	reuseBufs, err := planReuseBuffers(a, source, cfg)
	if err != nil {
		return fail(err)
	}
	j.reuseBufs = reuseBufs

	privBufs, err := planPrivateBuffers(a, source)
	if err != nil {
		return fail(err)
	}
	j.privBufs = privBufs

	if err := j.allocPerSubgraphBuffers(a, source); err != nil {
		return fail(err)
	}

	gm := source.GM()
	if gm.Size > 0 {
		buf, err := a.malloc(gm.Size, 0, "gm", region)
		if err != nil {
			return fail(fmt.Errorf("jobbuild: allocating gm buffer: %w", err))
		}
		j.gmBuf = buf
	}

	if rb := source.RodataBuffer(); rb != nil {
		j.rodataHost = append([]byte(nil), source.RodataBytes()...)
	}

	if db := source.DescBuffer(); db != nil {
		descBuf, err := a.malloc(db.Size, 0, "descriptor", region)
		if err != nil {
			return fail(fmt.Errorf("jobbuild: allocating descriptor buffer: %w", err))
		}
		j.descBuf = descBuf
		j.descHost = append([]byte(nil), source.DescriptorBytes()...)
	}

	if err := j.setupRodata(source, cfg); err != nil {
		return fail(err)
	}

	if rb := source.RodataBuffer(); rb != nil && len(j.rodataHost) > 0 {
		if err := mm.Write(region, rb.PA, j.rodataHost); err != nil {
			return fail(fmt.Errorf("jobbuild: writing patched rodata: %w", err))
		}
	}

	if j.descBuf != nil && len(j.descHost) > 0 {
		if err := mm.Write(region, j.descBuf.PA, j.descHost); err != nil {
			return fail(fmt.Errorf("jobbuild: writing patched descriptor: %w", err))
		}
	}

	if err := applyInputShapes(j, a, source, cfg); err != nil {
		return fail(err)
	}

	// The TCB buffer is allocated before the chain is built: each TASK's
	// TCBP field encodes its offset relative to asid_base (spec.md §4.5.3),
	// which requires knowing where the chain will live before its bytes are
	// composed.
	tcbSize := uint64(totalTCBRecords(len(subgraphs))) * tcb.RecordSize
	tcbBuf, err := a.malloc(tcbSize, 0, "tcb", region)
	if err != nil {
		return fail(fmt.Errorf("jobbuild: allocating tcb buffer: %w", err))
	}

	chainBytes, err := j.buildChain(source, mm, tcbBuf)
	if err != nil {
		return fail(err)
	}
	if err := mm.Write(region, tcbBuf.PA, chainBytes); err != nil {
		return fail(fmt.Errorf("jobbuild: writing tcb chain: %w", err))
	}
	j.tcbBuf = tcbBuf
	j.backupTCB = chainBytes

	if len(j.segMMUBytes) > 0 {
		segBuf, err := a.malloc(uint64(len(j.segMMUBytes)), 0, "segmmu", region)
		if err != nil {
			return fail(fmt.Errorf("jobbuild: allocating segmmu buffer: %w", err))
		}
		if err := mm.Write(region, segBuf.PA, j.segMMUBytes); err != nil {
			return fail(fmt.Errorf("jobbuild: writing segmmu config: %w", err))
		}
		j.segMMUBuf = segBuf
	}

	j.allocated = a.allocated
	j.state = StateInit
	releaseGroupIDs = false
	return j, nil
}

// allocPerSubgraphBuffers allocates each subgraph's stack, private-data
// scratch, printf fifo and profiler buffer (spec.md §4.5.1, §4.5.3).
func (j *Job) allocPerSubgraphBuffers(a *allocState, source Source) error {
	subgraphs := source.Subgraphs()
	j.subStacks = make([]*devmem.Buffer, len(subgraphs))
	j.subPrivateData = make([]*devmem.Buffer, len(subgraphs))
	j.subPrintfifo = make([]*devmem.Buffer, len(subgraphs))
	j.subProfiler = make([]*devmem.Buffer, len(subgraphs))

	for i, sg := range subgraphs {
		bss := source.BSS(sg.BSSIdx)
		if bss.StackSize > 0 {
			buf, err := a.malloc(pageAlign(bss.StackSize), uint64(bss.StackAlign), "stack", devmem.RegionASID0)
			if err != nil {
				return fmt.Errorf("jobbuild: allocating subgraph %d stack: %w", sg.ID, err)
			}
			j.subStacks[i] = buf
		}
		if sg.PrivateDataSize > 0 {
			buf, err := a.malloc(pageAlign(sg.PrivateDataSize), 0, "private-data", devmem.RegionASID0)
			if err != nil {
				return fmt.Errorf("jobbuild: allocating subgraph %d private data: %w", sg.ID, err)
			}
			j.subPrivateData[i] = buf
		}
		if sg.PrintfifoSize > 0 {
			buf, err := a.malloc(pageAlign(sg.PrintfifoSize), 0, "printf-fifo", devmem.RegionASID0)
			if err != nil {
				return fmt.Errorf("jobbuild: allocating subgraph %d printf fifo: %w", sg.ID, err)
			}
			j.subPrintfifo[i] = buf
		}
		if sg.ProfilerBufSize > 0 {
			buf, err := a.malloc(pageAlign(sg.ProfilerBufSize), 0, "profiler", devmem.RegionASID0)
			if err != nil {
				return fmt.Errorf("jobbuild: allocating subgraph %d profiler buffer: %w", sg.ID, err)
			}
			j.subProfiler[i] = buf
		}
	}
	return nil
}

// validateDMABufConfig rejects a config that imports the same dma-buf
// section index into both a BSS's input and output tensor tables (spec.md
// §8 scenario E4): the host has no way to order the NPU's write against its
// own read of a buffer it does not own, so a shared import is refused
// rather than silently racing.
func validateDMABufConfig(source Source, cfg Config) error {
	if len(cfg.DMABufPAs) == 0 {
		return nil
	}
	for bssIdx := 0; bssIdx < source.BSSCount(); bssIdx++ {
		bss := source.BSS(bssIdx)
		asInput := make(map[int]bool)
		for _, t := range bss.Inputs {
			if _, ok := cfg.DMABufPAs[dmaKey(bssIdx, t.RefSectionIter)]; ok {
				asInput[t.RefSectionIter] = true
			}
		}
		for _, t := range bss.Outputs {
			if !asInput[t.RefSectionIter] {
				continue
			}
			if _, ok := cfg.DMABufPAs[dmaKey(bssIdx, t.RefSectionIter)]; ok {
				return fmt.Errorf("jobbuild: %w: bss %d section %d", umderr.ErrDMABufSharedIO, bssIdx, t.RefSectionIter)
			}
		}
	}
	return nil
}

