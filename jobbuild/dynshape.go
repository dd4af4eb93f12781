package jobbuild

import (
	"fmt"
	"log/slog"

	"github.com/Neo-Vincent/Compass-NPU-Driver/dynshape"
	"github.com/Neo-Vincent/Compass-NPU-Driver/umderr"
)

// previewElems bounds how many decoded elements ResolveOutputShapes logs per
// tensor; it's a diagnostic aid, not a correctness input.
const previewElems = 8

// applyInputShapes implements spec.md §4.7's pre-submission half: each
// configured input shape is patched into a job-private copy of the model
// global-param buffer (never the graph-shared one — concurrent jobs with
// different shapes must not see each other's writes, spec.md §8 scenario
// E6). Skipped entirely when the job config carries no input shapes.
func applyInputShapes(j *Job, a *allocState, source Source, cfg Config) error {
	if len(cfg.InputShapes) == 0 {
		return nil
	}

	base := source.GlobalParamBytes()
	if len(base) == 0 {
		return fmt.Errorf("jobbuild: %w: graph has no model global-param section", umderr.ErrNotConfigShape)
	}
	host := append([]byte(nil), base...)

	for tensorID, dims := range cfg.InputShapes {
		offset, ok := cfg.InputShapeOffsets[tensorID]
		if !ok {
			return fmt.Errorf("jobbuild: %w: input %d has no configured shape offset", umderr.ErrNotConfigShape, tensorID)
		}
		if err := dynshape.PatchShape(host, offset, dims); err != nil {
			return fmt.Errorf("jobbuild: patching input %d shape: %w", tensorID, err)
		}
	}

	buf, err := a.malloc(uint64(len(host)), 0, "global-param", j.region)
	if err != nil {
		return fmt.Errorf("jobbuild: allocating job-private global-param buffer: %w", err)
	}
	if err := a.mm.Write(j.region, buf.PA, host); err != nil {
		return fmt.Errorf("jobbuild: writing job-private global-param buffer: %w", err)
	}
	j.globalParamBuf = buf
	return nil
}

// globalParamPA resolves the buffer whose PA is patched into each TASK's
// GlobalParam field: a job-private copy when dynamic input shapes are
// active, otherwise the graph-shared buffer (spec.md §4.5.3, §4.7).
func (j *Job) globalParamPA(source Source) (uint32, bool) {
	buf := j.globalParamBuf
	if buf == nil {
		buf = source.GlobalParamBuffer()
	}
	if buf == nil {
		return 0, false
	}
	return uint32pa(buf.PA), true
}

// ResolveOutputShapes implements spec.md §4.7's post-completion half: for
// every output-shape tensor the device has written dimensions into, compute
// the element count and byte size and record it as the output tensor's
// resolved size. Idempotent per job — a second call is a no-op, so a caller
// driving Wait() in a retry loop never double-applies the resolution.
func (j *Job) ResolveOutputShapes() error {
	j.mu.Lock()
	if j.shapeDone {
		j.mu.Unlock()
		return nil
	}
	j.mu.Unlock()

	// Accumulate into a local map first: on failure nothing is merged into
	// j.outputSizes, so a retry (spec.md §7: "clears any partial
	// config_out_tensor_size on failure") always sees the pre-call state.
	resolved := make(map[uint32]uint32)

	mm := j.source.MemoryManager()
	for bssIdx := 0; bssIdx < j.source.BSSCount(); bssIdx++ {
		bss := j.source.BSS(bssIdx)
		for i, shapeT := range bss.OutputsShape {
			buf, ok := j.reuseBufs[reuseSlot{bssIdx, shapeT.RefSectionIter}]
			if !ok {
				continue
			}
			dimCount := int(shapeT.Size / 4)
			raw := make([]byte, shapeT.Size)
			if err := mm.Read(j.region, buf.PA+uint64(shapeT.OffsetInSect), raw); err != nil {
				return fmt.Errorf("jobbuild: reading output shape %d: %w", shapeT.ID, err)
			}
			dims, err := dynshape.ReadDims(raw, 0, dimCount)
			if err != nil {
				return fmt.Errorf("jobbuild: decoding output shape %d: %w", shapeT.ID, err)
			}

			if i >= len(bss.Outputs) {
				continue
			}
			outT := bss.Outputs[i]
			size, err := dynshape.ByteSize(outT.DataType, dims)
			if err != nil {
				return fmt.Errorf("jobbuild: output %d: %w", outT.ID, err)
			}
			resolved[outT.ID] = size

			if outBuf, ok := j.reuseBufs[reuseSlot{bssIdx, outT.RefSectionIter}]; ok {
				previewBytes := make([]byte, size)
				if err := mm.Read(j.region, outBuf.PA+uint64(outT.OffsetInSect), previewBytes); err == nil {
					slog.Debug("resolved dynamic output shape",
						"tensor_id", outT.ID, "dims", dims, "size", size,
						"preview", dynshape.Preview(outT.DataType, previewBytes, previewElems))
				}
			}
		}
	}

	j.mu.Lock()
	for id, size := range resolved {
		j.outputSizes[id] = size
	}
	j.shapeDone = true
	j.mu.Unlock()
	return nil
}
