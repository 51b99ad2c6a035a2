package host

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/cwbudde/gpustress/internal/compute"
	"github.com/cwbudde/gpustress/internal/kernel"
)

type fixture struct {
	dev      *Device
	cc       compute.Context
	queue    compute.Queue
	src, dst compute.Buffer
	kernel   compute.Kernel
}

const items = 4

func newFixture(t *testing.T, cfg Config, profiling bool) *fixture {
	t.Helper()

	dev := NewDevice(cfg)
	cc, err := dev.CreateContext()
	if err != nil {
		t.Fatalf("CreateContext() error = %v", err)
	}
	q, err := cc.NewQueue(profiling)
	if err != nil {
		t.Fatalf("NewQueue() error = %v", err)
	}
	t.Cleanup(q.Release)

	f := &fixture{dev: dev, cc: cc, queue: q}
	for _, b := range []*compute.Buffer{&f.src, &f.dst} {
		if *b, err = cc.NewBuffer(items * kernel.ElementSize); err != nil {
			t.Fatalf("NewBuffer() error = %v", err)
		}
	}

	prog, err := cc.BuildProgram([]byte("kernel void gpuStress()"), kernel.BuildOptions(2, 3, kernel.Default))
	if err != nil {
		t.Fatalf("BuildProgram() error = %v", err)
	}
	if f.kernel, err = prog.NewKernel(kernel.EntryPoint); err != nil {
		t.Fatalf("NewKernel() error = %v", err)
	}
	mustSet(t, f.kernel, 0, uint32(items))
	mustSet(t, f.kernel, 1, f.src)
	mustSet(t, f.kernel, 2, f.dst)
	return f
}

func mustSet(t *testing.T, k compute.Kernel, index int, value any) {
	t.Helper()
	if err := k.SetArg(index, value); err != nil {
		t.Fatalf("SetArg(%d) error = %v", index, err)
	}
}

func (f *fixture) dispatch(t *testing.T) compute.Event {
	t.Helper()
	ev, err := f.queue.Dispatch(f.kernel, items, 2)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	return ev
}

func TestDispatchMatchesReference(t *testing.T) {
	f := newFixture(t, Config{}, false)

	input := make([]byte, items*kernel.ElementSize)
	for i := range input {
		input[i] = byte(i * 7)
	}
	if err := f.queue.WriteBuffer(f.src, input); err != nil {
		t.Fatalf("WriteBuffer() error = %v", err)
	}

	ev := f.dispatch(t)
	if err := ev.Wait(); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if status, _ := ev.Status(); status != compute.StatusComplete {
		t.Fatalf("status = %d, want complete", status)
	}

	got := make([]byte, len(input))
	if err := f.queue.ReadBuffer(f.dst, got); err != nil {
		t.Fatalf("ReadBuffer() error = %v", err)
	}

	want := make([]byte, len(input))
	for gid := 0; gid < items; gid++ {
		kernel.RunItem(kernel.Params{KItersNum: 3, Walks: 1}, gid, input, want)
	}
	if !bytes.Equal(got, want) {
		t.Error("device result differs from the Go reference")
	}
}

func TestDispatchValidation(t *testing.T) {
	f := newFixture(t, Config{MaxWorkGroupSize: 2}, false)

	tests := []struct {
		name          string
		global, local int
		status        int
	}{
		{"group too large", 4, 4, compute.StatusInvalidWorkGroupSize},
		{"zero group", 4, 0, compute.StatusInvalidWorkGroupSize},
		{"uneven global", 3, 2, compute.StatusInvalidGlobalWorkSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.queue.Dispatch(f.kernel, tt.global, tt.local)
			if got := statusOf(err); got != tt.status {
				t.Errorf("status = %d, want %d (err %v)", got, tt.status, err)
			}
		})
	}
}

func TestSetArgValidation(t *testing.T) {
	f := newFixture(t, Config{}, false)

	if err := f.kernel.SetArg(3, float32(1)); statusOf(err) != compute.StatusInvalidArgIndex {
		t.Errorf("poly argument on mixing kernel: err = %v", err)
	}
	if err := f.kernel.SetArg(1, uint32(1)); statusOf(err) != compute.StatusInvalidArgValue {
		t.Errorf("scalar as buffer: err = %v", err)
	}
	if err := f.kernel.SetArg(0, "x"); statusOf(err) != compute.StatusInvalidArgValue {
		t.Errorf("string argument: err = %v", err)
	}
}

func TestFailDispatch(t *testing.T) {
	f := newFixture(t, Config{FailDispatch: 2}, false)

	first := f.dispatch(t)
	second := f.dispatch(t)
	third := f.dispatch(t)
	if err := third.Wait(); err != nil {
		t.Fatal(err)
	}

	for i, ev := range []compute.Event{first, second, third} {
		err := compute.CheckEvent("NDRangeKernel", ev)
		if i == 1 {
			if !errors.Is(err, compute.StatusError("", compute.StatusOutOfResources)) {
				t.Errorf("dispatch 2: err = %v, want out of resources", err)
			}
			continue
		}
		if err != nil {
			t.Errorf("dispatch %d: err = %v", i+1, err)
		}
	}
	if f.dev.Dispatches() != 3 {
		t.Errorf("dispatches = %d, want 3", f.dev.Dispatches())
	}
}

func TestCorruptRead(t *testing.T) {
	f := newFixture(t, Config{CorruptRead: 2}, false)

	a := make([]byte, items*kernel.ElementSize)
	b := make([]byte, len(a))
	c := make([]byte, len(a))
	for _, dst := range [][]byte{a, b, c} {
		if err := f.queue.ReadBuffer(f.src, dst); err != nil {
			t.Fatal(err)
		}
	}
	if !bytes.Equal(a, c) {
		t.Error("uncorrupted reads differ")
	}
	if bytes.Equal(a, b) {
		t.Error("read 2 was not corrupted")
	}
	if f.dev.Reads() != 3 {
		t.Errorf("reads = %d, want 3", f.dev.Reads())
	}
}

func TestCrossQueueHazard(t *testing.T) {
	f := newFixture(t, Config{Latency: 50 * time.Millisecond}, false)
	other, err := f.cc.NewQueue(false)
	if err != nil {
		t.Fatal(err)
	}
	defer other.Release()

	ev := f.dispatch(t)
	err = other.ReadBuffer(f.dst, make([]byte, items*kernel.ElementSize))
	if statusOf(err) != compute.StatusInvalidOperation {
		t.Errorf("read of busy buffer: err = %v", err)
	}
	if f.dev.Hazards() != 1 {
		t.Errorf("hazards = %d, want 1", f.dev.Hazards())
	}

	if err := ev.Wait(); err != nil {
		t.Fatal(err)
	}
	if err := other.ReadBuffer(f.dst, make([]byte, items*kernel.ElementSize)); err != nil {
		t.Errorf("read after completion: err = %v", err)
	}
	if f.dev.Hazards() != 1 {
		t.Errorf("hazards = %d, want 1", f.dev.Hazards())
	}
}

func TestSameQueueIsOrdered(t *testing.T) {
	f := newFixture(t, Config{Latency: 20 * time.Millisecond}, false)

	ev := f.dispatch(t)
	if err := f.queue.ReadBuffer(f.dst, make([]byte, items*kernel.ElementSize)); err != nil {
		t.Fatalf("ReadBuffer() error = %v", err)
	}
	if status, _ := ev.Status(); status != compute.StatusComplete {
		t.Errorf("read returned before the preceding dispatch completed (status %d)", status)
	}
	if f.dev.Hazards() != 0 {
		t.Errorf("hazards = %d, want 0", f.dev.Hazards())
	}
}

func TestProfiling(t *testing.T) {
	f := newFixture(t, Config{ProfileDuration: func(p kernel.Params) time.Duration {
		return time.Duration(p.KItersNum) * time.Microsecond
	}}, true)

	ev := f.dispatch(t)
	if err := ev.Wait(); err != nil {
		t.Fatal(err)
	}
	start, end, err := ev.ProfilingTimes()
	if err != nil {
		t.Fatalf("ProfilingTimes() error = %v", err)
	}
	if end-start != uint64(3*time.Microsecond) {
		t.Errorf("elapsed = %d, want %d", end-start, 3*time.Microsecond)
	}

	plain := newFixture(t, Config{}, false)
	ev = plain.dispatch(t)
	_ = ev.Wait()
	if _, _, err := ev.ProfilingTimes(); statusOf(err) != compute.StatusProfilingInfoNotAvailable {
		t.Errorf("non-profiling queue: err = %v", err)
	}
}

func TestBuildProgram(t *testing.T) {
	dev := NewDevice(Config{FailBuild: 2})
	cc, _ := dev.CreateContext()

	if _, err := cc.BuildProgram([]byte("kernel void gpuStress()"), ""); err != nil {
		t.Errorf("first build: %v", err)
	}
	_, err := cc.BuildProgram([]byte("kernel void gpuStress()"), "-DX=1")
	var be *compute.BuildError
	if !errors.As(err, &be) || be.Options != "-DX=1" {
		t.Errorf("second build: err = %v, want injected BuildError", err)
	}
	if _, err := cc.BuildProgram([]byte("kernel void other()"), ""); !errors.As(err, &be) {
		t.Errorf("missing entry point: err = %v", err)
	}
	if dev.Builds() != 3 {
		t.Errorf("builds = %d, want 3", dev.Builds())
	}
}

func TestPlatforms(t *testing.T) {
	platforms, err := Platforms()
	if err != nil || len(platforms) != 1 {
		t.Fatalf("Platforms() = %v, %v", platforms, err)
	}
	info := platforms[0].Info()
	if len(info.Devices) != 1 || info.Devices[0].Type != compute.DeviceTypeCPU {
		t.Errorf("platform devices = %+v", info.Devices)
	}
	if info.Devices[0].MaxComputeUnits == 0 || info.Devices[0].MaxWorkGroupSize != 16 {
		t.Errorf("device info = %+v", info.Devices[0])
	}
	if len(Features()) == 0 {
		t.Error("Features() is empty")
	}
}

func statusOf(err error) int {
	status, _ := compute.StatusOf(err)
	return status
}
