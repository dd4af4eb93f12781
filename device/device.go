// Package device defines the uniform device abstraction (spec.md §4.6): a
// back end hands a built TCB chain to either a real command pool or an
// in-process simulator, and the caller waits for completion per job. The
// interface is implemented by device/simbackend and device/kernelbackend;
// the kernel-mode driver's actual ioctl surface is out of scope (spec.md
// §1) and modeled only as the KernelDriver interface in kernelbackend.
package device

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Neo-Vincent/Compass-NPU-Driver/umderr"
)

// MaxGroupID bounds the group-id bitmap capacity (spec.md §3).
const MaxGroupID = 4096

// Status is a job's completion state as observed through PollStatus.
type Status int

const (
	StatusPending Status = iota
	StatusDone
	StatusException
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDone:
		return "done"
	case StatusException:
		return "exception"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// JobDesc is everything a back end needs to dispatch one built chain
// (spec.md §4.6 schedule(job_desc)).
type JobDesc struct {
	GridID    uint32
	TCBPA     uint64
	TCBCount  uint32
	Partition int
	QoS       int
}

// Device is the uniform interface spec.md §4.6 describes: topology
// queries, grid/group id allocation, chain submission, and completion
// wait. Both back ends embed *IDRegistry for the grid/group half of this.
type Device interface {
	GetCoreCount() int
	GetPartitionCount() int
	GetClusterID() int

	GetGridID() uint32
	GetStartGroupID(count int) (int, error)
	PutStartGroupID(start, count int)

	// Schedule submits desc for dispatch and returns the command-pool id
	// chosen for it. It never partially commits (spec.md §7).
	Schedule(desc JobDesc) (poolID int, err error)

	// PollStatus blocks until gridID completes or ctx is done, whichever
	// comes first (spec.md §5 "no other operation is allowed to block
	// indefinitely").
	PollStatus(ctx context.Context, gridID uint32) (Status, error)

	// IoctlCmd covers dma-buf import/attach and tick-counter control
	// (spec.md §4.6).
	IoctlCmd(op string, payload []byte) ([]byte, error)

	ReadTickCounter() (uint64, error)
}

// IDRegistry is the process-wide grid-id counter and group-id bitmap
// (spec.md §3, §5). Both back ends embed one; it has no back-end-specific
// behavior so it lives here rather than being duplicated.
type IDRegistry struct {
	gridCounter uint32 // atomic, monotonic

	mu      sync.Mutex
	groupID []bool // true where allocated
}

func NewIDRegistry() *IDRegistry {
	return &IDRegistry{groupID: make([]bool, MaxGroupID)}
}

// GetGridID returns the next monotonic grid id (spec.md §4.6).
func (r *IDRegistry) GetGridID() uint32 {
	return atomic.AddUint32(&r.gridCounter, 1) - 1
}

// GetStartGroupID bitmap-searches for a contiguous run of count free group
// ids and reserves it atomically (spec.md §3, §4.6).
func (r *IDRegistry) GetStartGroupID(count int) (int, error) {
	if count <= 0 {
		return 0, fmt.Errorf("device: %w: group count %d", umderr.ErrInvalidOp, count)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i <= len(r.groupID)-count; i++ {
		if r.groupID[i] {
			continue
		}
		ok := true
		for j := 1; j < count; j++ {
			if r.groupID[i+j] {
				ok = false
				break
			}
		}
		if ok {
			for j := 0; j < count; j++ {
				r.groupID[i+j] = true
			}
			return i, nil
		}
	}
	return 0, fmt.Errorf("device: %w: no run of %d contiguous group ids", umderr.ErrAllocGroupID, count)
}

// PutStartGroupID releases a previously allocated run (spec.md §3).
func (r *IDRegistry) PutStartGroupID(start, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for j := 0; j < count && start+j < len(r.groupID); j++ {
		r.groupID[start+j] = false
	}
}
