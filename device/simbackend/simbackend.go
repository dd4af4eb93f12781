// Package simbackend implements device.Device against an in-process
// instruction-accurate simulator (spec.md §4.6). The simulator itself is an
// opaque black box (spec.md §1 "modeled as a black box that exposes
// register reads/writes, memory, and a completion callback"); this package
// only owns the submit-queue/commit-map bookkeeping and the register
// protocol used to drive it.
package simbackend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/queues/linkedlistqueue"
	"github.com/emirpasic/gods/sets/hashset"
	"github.com/emirpasic/gods/utils"

	"github.com/Neo-Vincent/Compass-NPU-Driver/device"
	"github.com/Neo-Vincent/Compass-NPU-Driver/umderr"
)

// Command-pool registers (spec.md §6). Addresses are this driver's own
// register map for the simulated device; a real kernel back end would use
// the SoC's actual MMIO offsets instead (device/kernelbackend).
const (
	RegSchedAddrHi = 0x00
	RegSchedAddrLo = 0x04
	RegTCBNumber   = 0x08
	RegSchedCtrl   = 0x0C
	RegStatus      = 0x10
	RegBuildInfo   = 0x14
	RegTickCounter = 0x18
	// RegGridID is not part of spec.md §6's register list (the real
	// hardware recovers the grid id from the dispatched chain's GRID_INIT
	// record); this backend's simulator target exposes it directly so the
	// completion callback doesn't need its own TCB decoder.
	RegGridID = 0x1C
)

// RegSchedCtrl bits (spec.md §6).
const (
	CreateCmdPool   = 1 << 0
	DispatchCmdPool = 1 << 1

	ctrlQoSShift       = 8
	ctrlPoolShift      = 16
	ctrlPartitionShift = 19
)

// EventKind identifies a completion event the simulator delivers.
type EventKind int

const (
	EventGridEnd EventKind = iota
	EventGridException
)

// Event is what the simulator's completion callback reports (spec.md §6:
// "the device delivers one event GRID_END carrying the grid id").
type Event struct {
	Kind   EventKind
	GridID uint32
}

// Simulator is the opaque instruction-simulator engine. Its numeric
// correctness and internal execution model are explicitly out of scope
// (spec.md §1 Non-goals); this package drives it purely through register
// writes and a completion callback, exactly the surface spec.md grants it.
type Simulator interface {
	Arch() string
	InitGM(size uint64) error

	WriteReg(addr uint32, val uint32) error
	ReadReg(addr uint32) (uint32, error)

	WriteMem(pa uint64, data []byte) error
	ReadMem(pa uint64, dst []byte) error

	// RegisterCompletionCallback installs the callback the simulator
	// invokes from its own thread on grid completion or exception
	// (spec.md §4.6, §5 "runs on the simulator's own thread").
	RegisterCompletionCallback(cb func(Event)) error

	PartitionCount() int
	ClusterCount() int
	CoreCount() int
}

// pending is a job buffered in Backend's submit queue awaiting dispatch.
type pending struct {
	desc device.JobDesc
	done chan device.Status
}

// Backend implements device.Device by committing TCB chains to an
// in-process Simulator. Scheduling follows spec.md §4.6's "submit queue +
// commit map": at most one batch is ever in flight (the source's
// max_limit=1 buffer queue; see DESIGN.md's Open Question decision). The
// simulator's completion callback (onEvent) takes b.mu itself: it moves the
// finished grid out of commitMap and pending, signals that job's done
// channel, and dispatches the next job waiting in bufferQ.
type Backend struct {
	*device.IDRegistry

	sim Simulator

	mu        sync.Mutex // guards everything below; schedule/poll are write-locked (spec.md §5)
	busy      bool
	bufferQ   *linkedlistqueue.Queue
	commitMap *treemap.Map // uint32 grid id -> *pending, the single dispatched-to-hardware job
	pending   *treemap.Map // uint32 grid id -> *pending, every job from Schedule until completion
	doneSet   *hashset.Set

	gmSize uint64
}

// New wires a Backend to sim, enables GM if gmSize is non-zero, and
// registers the completion callback (spec.md §4.6 "On first has_target,
// creates the simulator ... registers a completion callback").
func New(sim Simulator, gmSize uint64) (*Backend, error) {
	if gmSize != 0 {
		if err := sim.InitGM(gmSize); err != nil {
			return nil, fmt.Errorf("simbackend: init GM: %w", err)
		}
	}

	b := &Backend{
		IDRegistry: device.NewIDRegistry(),
		sim:        sim,
		bufferQ:    linkedlistqueue.New(),
		commitMap:  treemap.NewWith(utils.UInt64Comparator),
		pending:    treemap.NewWith(utils.UInt64Comparator),
		doneSet:    hashset.New(),
		gmSize:     gmSize,
	}
	if err := sim.RegisterCompletionCallback(b.onEvent); err != nil {
		return nil, fmt.Errorf("simbackend: register completion callback: %w", err)
	}
	return b, nil
}

func (b *Backend) GetCoreCount() int      { return b.sim.CoreCount() }
func (b *Backend) GetPartitionCount() int { return b.sim.PartitionCount() }
func (b *Backend) GetClusterID() int      { return b.sim.ClusterCount() }

// onEvent is the simulator's completion callback, running on the
// simulator's own thread. Under the backend's lock it moves the completed
// grid from commitMap/pending into doneSet, sends the status on that job's
// done channel (a channel per pending job stands in for a condition
// variable), and dispatches the next buffered job, so bufferQ drains without
// any caller having to poll.
func (b *Backend) onEvent(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	v, ok := b.commitMap.Get(uint64(ev.GridID))
	if !ok {
		slog.Warn("simbackend: completion for unknown grid id", "grid_id", ev.GridID)
		return
	}
	p := v.(*pending)
	b.commitMap.Remove(uint64(ev.GridID))
	b.pending.Remove(uint64(ev.GridID))
	b.doneSet.Add(ev.GridID)
	b.busy = false

	status := device.StatusDone
	if ev.Kind == EventGridException {
		status = device.StatusException
	}
	p.done <- status
	close(p.done)

	b.fillCommitQueueLocked()
}

// Schedule implements spec.md §4.6's two-step protocol: push onto the
// buffer queue, then attempt to drain it into the hardware registers.
func (b *Backend) Schedule(desc device.JobDesc) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	poolID := assignPool(desc.Partition, desc.QoS)
	p := &pending{desc: desc, done: make(chan device.Status, 1)}
	b.pending.Put(uint64(desc.GridID), p)
	b.bufferQ.Enqueue(p)
	b.fillCommitQueueLocked()
	return poolID, nil
}

// fillCommitQueueLocked pops and dispatches the head of bufferQ if no batch
// is in flight, per spec.md §4.6. Caller must hold b.mu.
func (b *Backend) fillCommitQueueLocked() {
	if b.busy {
		return
	}
	v, ok := b.bufferQ.Dequeue()
	if !ok {
		return
	}
	p := v.(*pending)
	b.dispatchLocked(p)
}

func (b *Backend) dispatchLocked(p *pending) {
	desc := p.desc
	_ = b.sim.WriteReg(RegSchedAddrHi, uint32(desc.TCBPA>>32))
	_ = b.sim.WriteReg(RegSchedAddrLo, uint32(desc.TCBPA))
	_ = b.sim.WriteReg(RegTCBNumber, desc.TCBCount)
	_ = b.sim.WriteReg(RegGridID, desc.GridID)

	ctrl := uint32(desc.Partition)<<ctrlPartitionShift | uint32(assignPool(desc.Partition, desc.QoS))<<ctrlPoolShift | uint32(desc.QoS)<<ctrlQoSShift
	_ = b.sim.WriteReg(RegSchedCtrl, ctrl|CreateCmdPool)
	_ = b.sim.WriteReg(RegSchedCtrl, ctrl|DispatchCmdPool)

	b.commitMap.Put(uint64(desc.GridID), p)
	b.busy = true
}

// assignPool deterministically maps (partition, qos) onto a pool index;
// the real allocation policy is SoC-specific and out of this driver's
// scope (spec.md §1), so this stand-in returns qos modulo 8. The partition
// does not change the result; it travels in its own RegSchedCtrl field.
func assignPool(partition, qos int) int {
	return (partition*8 + qos) % 8
}

// PollStatus blocks on the pending job's completion channel or ctx,
// whichever comes first (spec.md §5 suspension points).
func (b *Backend) PollStatus(ctx context.Context, gridID uint32) (device.Status, error) {
	b.mu.Lock()
	if b.doneSet.Contains(gridID) {
		b.doneSet.Remove(gridID)
		b.mu.Unlock()
		return device.StatusDone, nil
	}
	v, ok := b.pending.Get(uint64(gridID))
	b.mu.Unlock()
	if !ok {
		return device.StatusDone, fmt.Errorf("simbackend: %w: grid id %d not outstanding", umderr.ErrTargetNotFound, gridID)
	}
	p := v.(*pending)

	select {
	case status, ok := <-p.done:
		if !ok {
			return device.StatusDone, nil
		}
		return status, nil
	case <-ctx.Done():
		return device.StatusTimeout, nil
	}
}

// IoctlCmd handles dma-buf import/attach and tick-counter control (spec.md
// §4.6). The simulator back end has no real dma-buf fds to import; it
// treats "import" as a no-op success so callers exercise the same code
// path the kernel back end does.
func (b *Backend) IoctlCmd(op string, payload []byte) ([]byte, error) {
	switch op {
	case "dmabuf_import", "dmabuf_release":
		return nil, nil
	case "tick_counter_start", "tick_counter_stop":
		return nil, nil
	default:
		return nil, fmt.Errorf("simbackend: %w: %s", umderr.ErrInvalidOp, op)
	}
}

// ReadTickCounter reads the coarse profiling tick counter (spec.md §4.6,
// §12 supplement).
func (b *Backend) ReadTickCounter() (uint64, error) {
	lo, err := b.sim.ReadReg(RegTickCounter)
	if err != nil {
		return 0, fmt.Errorf("simbackend: read tick counter: %w", err)
	}
	return uint64(lo), nil
}
