package jobbuild

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/Neo-Vincent/Compass-NPU-Driver/devmem"
	"github.com/Neo-Vincent/Compass-NPU-Driver/device"
	"github.com/Neo-Vincent/Compass-NPU-Driver/graphbin"
	"github.com/Neo-Vincent/Compass-NPU-Driver/tcb"
	"github.com/Neo-Vincent/Compass-NPU-Driver/umdenv"
	"github.com/Neo-Vincent/Compass-NPU-Driver/umderr"
)

// TasksPerSubgraph is fixed for the v3.1 TCB layout (spec.md §4.5.3).
const TasksPerSubgraph = 4

// State is a Job's lifecycle stage (spec.md §3).
type State int

const (
	StateCreated State = iota
	StateInit
	StateBind
	StateSched
	StateDone
	StateException
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInit:
		return "init"
	case StateBind:
		return "bind"
	case StateSched:
		return "sched"
	case StateDone:
		return "done"
	case StateException:
		return "exception"
	default:
		return "unknown"
	}
}

// reuseSlot is one (bssIdx, sectionIdx) key into a job's shared reuse
// buffer table (spec.md §4.4: "one copy across all subgraphs of the same
// BSS").
type reuseSlot struct {
	bssIdx, sectionIdx int
}

// Job is a built, schedulable NPU job (spec.md §3 "Job").
type Job struct {
	ID         uuid.UUID
	graphJobID uint64
	source     Source
	dev        device.Device
	cfg        Config

	mu    sync.Mutex
	state State

	region devmem.Region // the ASID0-equivalent region this job's buffers live in

	gridID       uint32
	startGroupID int
	groupCount   int
	poolID       int

	rodataHost []byte // mutable host copy patched by setupRodata
	descHost   []byte // job-private descriptor copy, patched alongside rodataHost
	descBuf    *devmem.Buffer // job-owned backing store for descHost, nil if the graph has no descriptor section

	tcbBuf    *devmem.Buffer
	backupTCB []byte // host backup, restored on replay (spec.md §4.5.5)

	reuseBufs map[reuseSlot]*devmem.Buffer
	privBufs  [][]*devmem.Buffer // per subgraph, one per PrivateBuffers entry

	subStacks       []*devmem.Buffer
	subPrivateData  []*devmem.Buffer // subgraph.PrivateDataSize scratch, distinct from PrivateBuffers
	subPrintfifo    []*devmem.Buffer
	subProfiler     []*devmem.Buffer

	gmBuf          *devmem.Buffer
	globalParamBuf *devmem.Buffer

	segMMUBytes []byte // encoded per-core SegMMU configs, written alongside the chain
	segMMUBuf   *devmem.Buffer

	allocated []*devmem.Buffer // every owned buffer, for Destroy/unwind

	outputSizes map[uint32]uint32 // dynshape-resolved sizes, keyed by tensor id
	shapeDone   bool

	gmSynced bool // set once Reschedule has cleared gm_sync in backupTCB
}

// State reports the job's current lifecycle stage.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

// GridID returns the allocated grid id.
func (j *Job) GridID() uint32 { return j.gridID }

// Bind transitions INIT -> BIND, marking the job for external
// debugger-driven scheduling without dispatching it (spec.md §3, §12
// supplement: debugger_run).
func (j *Job) Bind() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateInit {
		return fmt.Errorf("jobbuild: %w: bind from state %s", umderr.ErrJobNotSchedAble, j.state)
	}
	j.state = StateBind
	return nil
}

// DebuggerRun transitions BIND -> SCHED using the already-built chain
// (spec.md §3, §12 supplement).
func (j *Job) DebuggerRun() error {
	j.mu.Lock()
	if j.state != StateBind {
		j.mu.Unlock()
		return fmt.Errorf("jobbuild: %w: debugger_run from state %s", umderr.ErrJobNotSchedAble, j.state)
	}
	j.mu.Unlock()
	return j.dispatch()
}

// Schedule submits the built chain for dispatch (spec.md §4.5, §4.6).
// schedule never partially commits: on failure the job stays in INIT.
func (j *Job) Schedule() error {
	j.mu.Lock()
	if j.state != StateInit {
		j.mu.Unlock()
		return fmt.Errorf("jobbuild: %w: schedule from state %s", umderr.ErrJobNotSchedAble, j.state)
	}
	j.mu.Unlock()
	return j.dispatch()
}

func (j *Job) dispatch() error {
	partition := umdenv.ResolvePartition(j.cfg.Partition, j.dev.GetPartitionCount())
	poolID, err := j.dev.Schedule(device.JobDesc{
		GridID:    j.gridID,
		TCBPA:     j.tcbBuf.PA,
		TCBCount:  uint32(len(j.backupTCB) / tcb.RecordSize),
		Partition: partition,
		QoS:       j.cfg.QoS,
	})
	if err != nil {
		return fmt.Errorf("jobbuild: schedule: %w", err)
	}
	j.poolID = poolID
	j.setState(StateSched)
	return nil
}

// Wait blocks for completion via the device back end (spec.md §5). On
// success it resolves dynamic output shapes before returning, per spec.md
// §4.7.
func (j *Job) Wait(ctx context.Context) (device.Status, error) {
	status, err := j.dev.PollStatus(ctx, j.gridID)
	if err != nil {
		return status, fmt.Errorf("jobbuild: poll: %w", err)
	}
	switch status {
	case device.StatusDone:
		j.setState(StateDone)
		if serr := j.ResolveOutputShapes(); serr != nil {
			return status, fmt.Errorf("jobbuild: resolving output shapes: %w", serr)
		}
	case device.StatusException:
		j.setState(StateException)
		return status, fmt.Errorf("jobbuild: %w", umderr.ErrJobException)
	}
	return status, nil
}

// Reschedule restores the TCB chain from its host backup and resubmits
// (spec.md §4.5.5: device-side TCBs may have been mutated by the NPU
// during the previous run).
func (j *Job) Reschedule() error {
	j.mu.Lock()
	if j.state != StateDone && j.state != StateException {
		j.mu.Unlock()
		return fmt.Errorf("jobbuild: %w: reschedule from state %s", umderr.ErrJobNotSchedAble, j.state)
	}
	j.mu.Unlock()

	if !j.gmSynced {
		tcb.ClearGMSync(j.backupTCB)
		j.gmSynced = true
	}

	mm := j.source.MemoryManager()
	if err := mm.Write(j.region, j.tcbBuf.PA, j.backupTCB); err != nil {
		return fmt.Errorf("jobbuild: restoring tcb backup: %w", err)
	}
	j.setState(StateInit)
	return j.Schedule()
}

// Destroy frees every buffer this job owns and releases its group ids
// (spec.md §5 "resource discipline"). Only defined when no dispatch is
// outstanding (spec.md §5 "cancellation"); callers must drain via Wait
// first if the job is SCHED.
func (j *Job) Destroy() error {
	j.mu.Lock()
	if j.state == StateSched {
		j.mu.Unlock()
		return fmt.Errorf("jobbuild: %w", umderr.ErrJobOutstanding)
	}
	j.mu.Unlock()

	mm := j.source.MemoryManager()
	var firstErr error
	for _, buf := range j.allocated {
		if err := mm.Free(buf); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	j.dev.PutStartGroupID(j.startGroupID, j.groupCount)
	j.source.Unregister(j.graphJobID)
	return firstErr
}

// LayerCounter reads the job's layer-counter reuse section, if the graph
// declares one (spec.md §12 supplement).
func (j *Job) LayerCounter() ([]byte, error) {
	return j.readTypedSection(graphbin.SectionLayerCounter)
}

// ErrorCode reads the job's error-code reuse section, if the graph
// declares one (spec.md §12 supplement).
func (j *Job) ErrorCode() ([]byte, error) {
	return j.readTypedSection(graphbin.SectionErrorCode)
}

func (j *Job) readTypedSection(want graphbin.SectionType) ([]byte, error) {
	mm := j.source.MemoryManager()
	for bssIdx := 0; bssIdx < j.source.BSSCount(); bssIdx++ {
		bss := j.source.BSS(bssIdx)
		for secIdx, sec := range bss.ReuseSections {
			if sec.Type != want {
				continue
			}
			buf, ok := j.reuseBufs[reuseSlot{bssIdx, secIdx}]
			if !ok {
				continue
			}
			out := make([]byte, buf.Size)
			if err := mm.Read(j.region, buf.PA, out); err != nil {
				return nil, fmt.Errorf("jobbuild: reading section: %w", err)
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("jobbuild: %w: no section of type %v", umderr.ErrTargetNotFound, want)
}

// PrintfReader returns the job's printf FIFO contents read so far, for a
// host-visible stdout-like stream (spec.md §12 supplement).
func (j *Job) PrintfReader(subgraphIdx int) ([]byte, error) {
	if subgraphIdx < 0 || subgraphIdx >= len(j.subPrintfifo) || j.subPrintfifo[subgraphIdx] == nil {
		return nil, fmt.Errorf("jobbuild: %w: subgraph %d has no printf fifo", umderr.ErrTargetNotFound, subgraphIdx)
	}
	buf := j.subPrintfifo[subgraphIdx]
	out := make([]byte, buf.Size)
	if err := j.source.MemoryManager().Read(j.region, buf.PA, out); err != nil {
		return nil, fmt.Errorf("jobbuild: reading printf fifo: %w", err)
	}
	return out, nil
}

// ReadOutput reads an output tensor's bytes, using the dynshape-resolved
// size if one has been computed (spec.md §4.7).
func (j *Job) ReadOutput(tensorID uint32) ([]byte, error) {
	for bssIdx := 0; bssIdx < j.source.BSSCount(); bssIdx++ {
		bss := j.source.BSS(bssIdx)
		if int(tensorID) >= len(bss.Outputs) {
			continue
		}
		t := bss.Outputs[tensorID]
		buf, ok := j.reuseBufs[reuseSlot{bssIdx, t.RefSectionIter}]
		if !ok {
			continue
		}
		size := t.Size
		if resolved, ok := j.outputSizes[tensorID]; ok {
			size = resolved
		}
		out := make([]byte, size)
		if err := j.source.MemoryManager().Read(j.region, buf.PA+uint64(t.OffsetInSect), out); err != nil {
			return nil, fmt.Errorf("jobbuild: reading output %d: %w", tensorID, err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("jobbuild: %w: output tensor %d", umderr.ErrInvalidTensorID, tensorID)
}

// WriteInput writes an input tensor's bytes ahead of Schedule.
func (j *Job) WriteInput(tensorID uint32, data []byte) error {
	for bssIdx := 0; bssIdx < j.source.BSSCount(); bssIdx++ {
		bss := j.source.BSS(bssIdx)
		if int(tensorID) >= len(bss.Inputs) {
			continue
		}
		t := bss.Inputs[tensorID]
		buf, ok := j.reuseBufs[reuseSlot{bssIdx, t.RefSectionIter}]
		if !ok {
			continue
		}
		return j.source.MemoryManager().Write(j.region, buf.PA+uint64(t.OffsetInSect), data)
	}
	return fmt.Errorf("jobbuild: %w: input tensor %d", umderr.ErrInvalidTensorID, tensorID)
}
