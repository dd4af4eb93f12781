package jobbuild

import (
	"strconv"

	"github.com/Neo-Vincent/Compass-NPU-Driver/devmem"
	"github.com/Neo-Vincent/Compass-NPU-Driver/graphbin"
)

// DumpBuffer names one device-resident region the dump emitter (package
// dump, spec.md §4.8) persists to a host file.
type DumpBuffer struct {
	Name   string
	Region devmem.Region
	PA     uint64
	Size   uint64
}

// DumpTensor is one I/O tensor's placement, for metadata.txt's tensor map.
type DumpTensor struct {
	ID       uint32
	Region   devmem.Region
	PA       uint64
	Size     uint64
	DataType graphbin.DataType
}

// DumpInfo is everything package dump needs to reproduce this job's device
// memory image on disk (spec.md §4.8), assembled from Job's private
// allocation state without exposing it directly.
type DumpInfo struct {
	HW graphbin.HWInfo

	Partition, QoS int
	GMSize         uint64

	MemoryManager *devmem.Manager

	Text, Rodata, Descriptor DumpBuffer
	Weights                  []DumpBuffer
	ZeroCopyConst            []DumpBuffer

	TCB        DumpBuffer
	TCBRecords []byte // host backup, decoded into metadata.txt's TCB table

	Inputs  []DumpTensor
	Outputs []DumpTensor
}

// DumpInfo assembles a snapshot for the dump emitter. Valid any time after
// Build returns (i.e. from StateInit onward); output tensor sizes reflect
// dynshape resolution if ResolveOutputShapes has already run.
func (j *Job) DumpInfo() DumpInfo {
	info := DumpInfo{
		HW:            j.source.HWInfo(),
		Partition:     j.cfg.Partition,
		QoS:           j.cfg.QoS,
		MemoryManager: j.source.MemoryManager(),
	}

	if gm := j.source.GM(); gm.Size > 0 {
		info.GMSize = gm.Size
	}

	if tb := j.source.TextBuffer(); tb != nil {
		info.Text = DumpBuffer{Name: "text", Region: devmem.RegionASID0, PA: tb.PA, Size: tb.Size}
	}
	if rb := j.source.RodataBuffer(); rb != nil {
		info.Rodata = DumpBuffer{Name: "rodata", Region: devmem.RegionASID0, PA: rb.PA, Size: rb.Size}
	}
	if j.descBuf != nil {
		info.Descriptor = DumpBuffer{Name: "descriptor", Region: j.region, PA: j.descBuf.PA, Size: j.descBuf.Size}
	}
	if j.tcbBuf != nil {
		info.TCB = DumpBuffer{Name: "tcb", Region: j.region, PA: j.tcbBuf.PA, Size: j.tcbBuf.Size}
	}
	info.TCBRecords = j.backupTCB

	for bssIdx := 0; bssIdx < j.source.BSSCount(); bssIdx++ {
		if wb := j.source.WeightBuffer(bssIdx); wb != nil {
			info.Weights = append(info.Weights, DumpBuffer{
				Name: weightName(bssIdx), Region: devmem.RegionASID1, PA: wb.PA, Size: wb.Size,
			})
		}
	}

	for bssIdx := 0; bssIdx < j.source.BSSCount(); bssIdx++ {
		bss := j.source.BSS(bssIdx)
		for _, t := range bss.Inputs {
			info.Inputs = append(info.Inputs, j.dumpTensor(bssIdx, t))
		}
		for _, t := range bss.Outputs {
			dt := j.dumpTensor(bssIdx, t)
			if resolved, ok := j.outputSizes[t.ID]; ok {
				dt.Size = uint64(resolved)
			}
			info.Outputs = append(info.Outputs, dt)
		}
	}

	return info
}

func (j *Job) dumpTensor(bssIdx int, t graphbin.IOTensor) DumpTensor {
	dt := DumpTensor{ID: t.ID, Region: j.region, DataType: t.DataType, Size: uint64(t.Size)}
	if buf, ok := j.reuseBufs[reuseSlot{bssIdx, t.RefSectionIter}]; ok {
		dt.PA = buf.PA + uint64(t.OffsetInSect)
	}
	return dt
}

func weightName(bssIdx int) string {
	return "weight" + strconv.Itoa(bssIdx)
}
