package kernelbackend

import (
	"context"
	"testing"

	"github.com/Neo-Vincent/Compass-NPU-Driver/device"
)

type fakeKMD struct {
	scheduled []ScheduleRequest
	waitErr   error
	waitStatus device.Status
	dmaHandle uint64
}

func (f *fakeKMD) CoreCount() int      { return 4 }
func (f *fakeKMD) PartitionCount() int { return 2 }
func (f *fakeKMD) ClusterID() int      { return 0 }

func (f *fakeKMD) Schedule(req ScheduleRequest) (ScheduleReply, error) {
	f.scheduled = append(f.scheduled, req)
	return ScheduleReply{PoolID: req.Partition}, nil
}

func (f *fakeKMD) Wait(ctx context.Context, gridID uint32) (device.Status, error) {
	return f.waitStatus, f.waitErr
}

func (f *fakeKMD) DMABufImport(fd int) (uint64, error) {
	f.dmaHandle = uint64(fd) + 1000
	return f.dmaHandle, nil
}

func (f *fakeKMD) DMABufRelease(handle uint64) error { return nil }
func (f *fakeKMD) ReadTickCounter() (uint64, error)  { return 7, nil }

func TestScheduleTranslatesRequest(t *testing.T) {
	kmd := &fakeKMD{waitStatus: device.StatusDone}
	b := New(kmd)

	poolID, err := b.Schedule(device.JobDesc{GridID: 5, TCBPA: 0x4000, TCBCount: 9, Partition: 1, QoS: 2})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if poolID != 1 {
		t.Fatalf("poolID = %d, want 1", poolID)
	}
	if len(kmd.scheduled) != 1 || kmd.scheduled[0].GridID != 5 {
		t.Fatalf("kmd.scheduled = %+v", kmd.scheduled)
	}
}

func TestPollStatusDelegatesToWait(t *testing.T) {
	kmd := &fakeKMD{waitStatus: device.StatusException}
	b := New(kmd)
	status, err := b.PollStatus(context.Background(), 5)
	if err != nil {
		t.Fatalf("PollStatus: %v", err)
	}
	if status != device.StatusException {
		t.Fatalf("status = %v, want exception", status)
	}
}

func TestIoctlCmdDMABufImport(t *testing.T) {
	kmd := &fakeKMD{}
	b := New(kmd)
	payload := make([]byte, 8)
	payload[0] = 3 // fd = 3
	out, err := b.IoctlCmd("dmabuf_import", payload)
	if err != nil {
		t.Fatalf("IoctlCmd: %v", err)
	}
	if leUint64(out) != 1003 {
		t.Fatalf("handle = %d, want 1003", leUint64(out))
	}
}

func TestIoctlCmdTickCounterControl(t *testing.T) {
	kmd := &fakeKMD{}
	b := New(kmd)
	if _, err := b.IoctlCmd("tick_counter_start", nil); err != nil {
		t.Fatalf("tick_counter_start: %v", err)
	}
	if _, err := b.IoctlCmd("tick_counter_stop", nil); err != nil {
		t.Fatalf("tick_counter_stop: %v", err)
	}
}

func TestIoctlCmdUnknownOp(t *testing.T) {
	kmd := &fakeKMD{}
	b := New(kmd)
	if _, err := b.IoctlCmd("bogus", nil); err == nil {
		t.Fatal("expected unknown op to fail")
	}
}
