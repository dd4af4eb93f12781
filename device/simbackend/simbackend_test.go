package simbackend

import (
	"context"
	"testing"
	"time"

	"github.com/Neo-Vincent/Compass-NPU-Driver/device"
)

// fakeSim is a minimal Simulator that completes every dispatched grid from
// its own goroutine as soon as the dispatch is seen (unless hold delays it),
// standing in for the real instruction simulator's black-box behavior in
// tests.
type fakeSim struct {
	cb       func(Event)
	regs     map[uint32]uint32
	dispatch chan uint32

	// hold, if non-nil, is read from before firing each completion event,
	// letting a test keep a dispatched grid "in flight" on demand.
	hold chan struct{}
}

func newFakeSim() *fakeSim {
	return &fakeSim{regs: make(map[uint32]uint32), dispatch: make(chan uint32, 8)}
}

func (f *fakeSim) Arch() string           { return "v3.1" }
func (f *fakeSim) InitGM(uint64) error     { return nil }
func (f *fakeSim) PartitionCount() int     { return 1 }
func (f *fakeSim) ClusterCount() int       { return 1 }
func (f *fakeSim) CoreCount() int          { return 4 }

func (f *fakeSim) WriteReg(addr, val uint32) error {
	f.regs[addr] = val
	if addr == RegSchedCtrl && val&DispatchCmdPool != 0 {
		f.dispatch <- f.regs[RegGridID]
	}
	return nil
}

func (f *fakeSim) ReadReg(addr uint32) (uint32, error) { return f.regs[addr], nil }
func (f *fakeSim) WriteMem(uint64, []byte) error       { return nil }
func (f *fakeSim) ReadMem(uint64, []byte) error         { return nil }

func (f *fakeSim) RegisterCompletionCallback(cb func(Event)) error {
	f.cb = cb
	go func() {
		for gridID := range f.dispatch {
			if f.hold != nil {
				<-f.hold
			}
			f.cb(Event{Kind: EventGridEnd, GridID: gridID})
		}
	}()
	return nil
}

func TestScheduleAndPollCompletes(t *testing.T) {
	sim := newFakeSim()
	b, err := New(sim, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	desc := device.JobDesc{GridID: 42, TCBPA: 0x1000, TCBCount: 9, Partition: 0, QoS: 0}
	if _, err := b.Schedule(desc); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	status, err := b.PollStatus(ctx, 42)
	if err != nil {
		t.Fatalf("PollStatus: %v", err)
	}
	if status != device.StatusDone {
		t.Fatalf("status = %v, want done", status)
	}
}

func TestPollStatusTimesOut(t *testing.T) {
	sim := newFakeSim()
	sim.hold = make(chan struct{}) // never closed, so completion never fires
	b, err := New(sim, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := b.Schedule(device.JobDesc{GridID: 1, TCBPA: 0x2000, TCBCount: 1}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	status, err := b.PollStatus(ctx, 1)
	if err != nil {
		t.Fatalf("PollStatus: %v", err)
	}
	if status != device.StatusTimeout {
		t.Fatalf("status = %v, want timeout", status)
	}
}

// TestPollStatusBlocksOnQueuedJob covers spec.md §5's "poll_status blocks on
// a condition variable until completion or timeout" for a job that has been
// scheduled but is still buffered behind the in-flight one: it must never
// surface as "not outstanding" just because it hasn't reached commitMap yet.
func TestPollStatusBlocksOnQueuedJob(t *testing.T) {
	sim := newFakeSim()
	sim.hold = make(chan struct{})
	b, err := New(sim, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := b.Schedule(device.JobDesc{GridID: 1, TCBPA: 0x1000, TCBCount: 1}); err != nil {
		t.Fatalf("Schedule 1: %v", err)
	}
	if _, err := b.Schedule(device.JobDesc{GridID: 2, TCBPA: 0x2000, TCBCount: 1}); err != nil {
		t.Fatalf("Schedule 2: %v", err)
	}

	done := make(chan struct{})
	var status device.Status
	var pollErr error
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		status, pollErr = b.PollStatus(ctx, 2)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("PollStatus(2) returned before grid 1 completed; a queued job must block, not error")
	case <-time.After(20 * time.Millisecond):
	}

	close(sim.hold) // release grid 1's completion, which then lets grid 2 dispatch and complete

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("PollStatus(2) never returned")
	}
	if pollErr != nil {
		t.Fatalf("PollStatus(2): %v", pollErr)
	}
	if status != device.StatusDone {
		t.Fatalf("status = %v, want done", status)
	}
}

func TestSecondScheduleWaitsForFirst(t *testing.T) {
	sim := newFakeSim()
	b, err := New(sim, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := b.Schedule(device.JobDesc{GridID: 1, TCBPA: 0x1000, TCBCount: 1}); err != nil {
		t.Fatalf("Schedule 1: %v", err)
	}
	if _, err := b.Schedule(device.JobDesc{GridID: 2, TCBPA: 0x2000, TCBCount: 1}); err != nil {
		t.Fatalf("Schedule 2: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, id := range []uint32{1, 2} {
		status, err := b.PollStatus(ctx, id)
		if err != nil {
			t.Fatalf("PollStatus(%d): %v", id, err)
		}
		if status != device.StatusDone {
			t.Fatalf("grid %d status = %v, want done", id, status)
		}
	}
}
