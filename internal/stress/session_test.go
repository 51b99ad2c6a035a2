package stress

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cwbudde/gpustress/internal/compute"
	"github.com/cwbudde/gpustress/internal/compute/host"
	"github.com/cwbudde/gpustress/internal/config"
	"github.com/cwbudde/gpustress/internal/kernel"
	"github.com/cwbudde/gpustress/internal/selector"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func floatAt(buf []byte, i int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
}

func testConfig(passIters, kiters int) config.Config {
	cfg := config.Default()
	cfg.Backend = "host"
	cfg.WorkFactor = 1
	cfg.PassIters = passIters
	cfg.KItersNum = kiters
	cfg.WarnDelay = 0
	return cfg
}

func testTarget(dev *host.Device) selector.Target {
	return selector.Target{
		Platform: compute.PlatformInfo{Name: "Go Host"},
		Device:   dev,
	}
}

func newSession(t *testing.T, dev *host.Device, cfg config.Config, program string, opts Options) *Session {
	t.Helper()

	src, err := kernel.LoadSource(program)
	if err != nil {
		t.Fatalf("LoadSource() error = %v", err)
	}
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}
	s, err := New(context.Background(), testTarget(dev), cfg, src, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// replay recomputes one pass on the host from the initial values.
func replay(initial []byte, workSize, passIters, kiters int, v kernel.Variant) []byte {
	params := kernel.ParamsFromDefines(kernel.ParseDefines(kernel.BuildOptions(1, kiters, v)))
	params.Poly = kernel.PolyCoefficients

	src := append([]byte(nil), initial...)
	dst := make([]byte, len(initial))
	for i := 0; i < passIters; i++ {
		for gid := 0; gid < workSize; gid++ {
			kernel.RunItem(params, gid, src, dst)
		}
		src, dst = dst, src
	}
	return src
}

func TestWorkSize(t *testing.T) {
	tests := []struct {
		cu         uint32
		group, wf  int
		want, size int
	}{
		{1, 1, 1, 1, 64},
		{2, 4, 1, 8, 512},
		{8, 256, 256, 524288, 33554432},
	}

	for _, tt := range tests {
		if got := WorkSize(tt.cu, tt.group, tt.wf); got != tt.want {
			t.Errorf("WorkSize(%d, %d, %d) = %d, want %d", tt.cu, tt.group, tt.wf, got, tt.want)
		}
		if got := BufferSize(tt.want); got != tt.size {
			t.Errorf("BufferSize(%d) = %d, want %d", tt.want, got, tt.size)
		}
	}
}

func TestFillInitialRange(t *testing.T) {
	buf := make([]byte, 64*kernel.ElementSize)
	FillInitial(buf, kernel.Default, 7)

	again := make([]byte, len(buf))
	FillInitial(again, kernel.Default, 7)
	if !bytes.Equal(buf, again) {
		t.Error("same seed produced different values")
	}

	for i := 0; i < len(buf)/4; i++ {
		v := floatAt(buf, i)
		if v < -0.02 || v > 0.02 {
			t.Fatalf("value %d = %v outside the default input range", i, v)
		}
	}
}

func TestNewSmallestWorkload(t *testing.T) {
	dev := host.NewDevice(host.Config{ComputeUnits: 1, MaxWorkGroupSize: 1})
	s := newSession(t, dev, testConfig(2, 1), kernel.DefaultProgram, Options{})

	if s.WorkSize() != 1 || s.GroupSize() != 1 || s.KItersNum() != 1 {
		t.Errorf("work size %d, group %d, kiters %d, want 1, 1, 1", s.WorkSize(), s.GroupSize(), s.KItersNum())
	}
	if dev.Dispatches() != 2 {
		t.Errorf("warm-up dispatches = %d, want 2", dev.Dispatches())
	}
	ref := s.Reference()
	if len(ref) != kernel.ElementSize {
		t.Fatalf("reference length = %d, want %d", len(ref), kernel.ElementSize)
	}
	if want := replay(s.InitialValues(), 1, 2, 1, kernel.Default); !bytes.Equal(ref, want) {
		t.Error("reference differs from the host replay of one pass")
	}
}

func TestReferenceReproducible(t *testing.T) {
	for _, program := range []string{kernel.DefaultProgram, "gpustressPW.cl", "gpustressPW3.cl"} {
		t.Run(program, func(t *testing.T) {
			cfg := testConfig(3, 2)
			a := newSession(t, host.NewDevice(host.Config{ComputeUnits: 2, MaxWorkGroupSize: 4}), cfg, program, Options{Seed: 99})
			b := newSession(t, host.NewDevice(host.Config{ComputeUnits: 2, MaxWorkGroupSize: 4}), cfg, program, Options{Seed: 99})

			if !bytes.Equal(a.InitialValues(), b.InitialValues()) {
				t.Fatal("same seed produced different initial values")
			}
			if !bytes.Equal(a.Reference(), b.Reference()) {
				t.Error("same inputs produced different references")
			}
			want := replay(a.InitialValues(), a.WorkSize(), 3, 2, kernel.VariantForProgram(program))
			if !bytes.Equal(a.Reference(), want) {
				t.Error("reference differs from the host replay of one pass")
			}
		})
	}
}

func TestGroupSizeOverride(t *testing.T) {
	dev := host.NewDevice(host.Config{ComputeUnits: 3, MaxWorkGroupSize: 8})
	cfg := testConfig(1, 1)
	cfg.GroupSize = 2
	s := newSession(t, dev, cfg, kernel.DefaultProgram, Options{})

	if s.GroupSize() != 2 || s.WorkSize() != 6 {
		t.Errorf("group %d, work size %d, want 2 and 6", s.GroupSize(), s.WorkSize())
	}
}

func TestNewCalibrates(t *testing.T) {
	dev := host.NewDevice(host.Config{
		ComputeUnits:     2,
		MaxWorkGroupSize: 2,
		ProfileDuration: func(p kernel.Params) time.Duration {
			// Throughput peaks at kiters 5, and bandwidth only falls
			// with time, so 5 maximizes the product.
			if p.KItersNum == 5 {
				return time.Microsecond
			}
			return time.Duration(p.KItersNum) * time.Millisecond
		},
	})
	s := newSession(t, dev, testConfig(2, 0), kernel.DefaultProgram, Options{})

	if s.KItersNum() != 5 {
		t.Errorf("calibrated kiters = %d, want 5", s.KItersNum())
	}
	if dev.Builds() != config.MaxKItersNum {
		t.Errorf("builds = %d, want %d", dev.Builds(), config.MaxKItersNum)
	}
	if want := int64(config.MaxKItersNum + 2); dev.Dispatches() != want {
		t.Errorf("dispatches = %d, want %d", dev.Dispatches(), want)
	}
}

func TestNewBuildFailure(t *testing.T) {
	src, err := kernel.LoadSource(kernel.DefaultProgram)
	if err != nil {
		t.Fatal(err)
	}
	dev := host.NewDevice(host.Config{ComputeUnits: 1, FailBuild: 1})

	_, err = New(context.Background(), testTarget(dev), testConfig(2, 3), src, Options{Logger: quietLogger()})
	var buildErr *compute.BuildError
	if !errors.As(err, &buildErr) {
		t.Fatalf("New() error = %v, want *compute.BuildError", err)
	}
	if !strings.Contains(err.Error(), "#0 Go Host") {
		t.Errorf("error %q does not identify the device", err)
	}
}

func TestNewWarmUpFailure(t *testing.T) {
	src, err := kernel.LoadSource(kernel.DefaultProgram)
	if err != nil {
		t.Fatal(err)
	}
	dev := host.NewDevice(host.Config{ComputeUnits: 1, FailDispatch: 2})

	_, err = New(context.Background(), testTarget(dev), testConfig(3, 1), src, Options{Logger: quietLogger()})
	if !errors.Is(err, compute.StatusError("NDRangeKernel", compute.StatusOutOfResources)) {
		t.Fatalf("New() error = %v, want failed dispatch", err)
	}
	if dev.Dispatches() != 2 {
		t.Errorf("dispatches = %d, want warm-up to stop at 2", dev.Dispatches())
	}
}

// runUntil runs s until pass reaches stop, then returns.
func runUntil(t *testing.T, s *Session, stop int) error {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.opts.OnPass = func(pass int) {
		if pass >= stop {
			cancel()
		}
	}
	err := s.Run(ctx)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		t.Fatal("session did not stop in time")
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func TestRunVerifiesPasses(t *testing.T) {
	dev := host.NewDevice(host.Config{ComputeUnits: 2, MaxWorkGroupSize: 4, Latency: time.Millisecond})

	var (
		mu      sync.Mutex
		reports []Report
	)
	s := newSession(t, dev, testConfig(3, 2), kernel.DefaultProgram, Options{
		Reporter: func(r Report) {
			mu.Lock()
			reports = append(reports, r)
			mu.Unlock()
		},
	})

	if err := runUntil(t, s, 20); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out := s.Outcome(); out.Failed {
		t.Fatalf("outcome failed: %s", out.Message)
	}
	if s.Passes() < 20 {
		t.Errorf("passes = %d, want at least 20", s.Passes())
	}
	if dev.Hazards() != 0 {
		t.Errorf("hazards = %d, want 0", dev.Hazards())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reports) != 2 || reports[0].Pass != 10 || reports[1].Pass != 20 {
		t.Fatalf("reports = %+v, want passes 10 and 20", reports)
	}
	for _, r := range reports {
		if r.Bandwidth <= 0 || r.Throughput <= 0 || r.Elapsed <= 0 {
			t.Errorf("report %+v has non-positive estimates", r)
		}
	}
}

func TestRunPolyWalker(t *testing.T) {
	dev := host.NewDevice(host.Config{ComputeUnits: 2, MaxWorkGroupSize: 2})
	s := newSession(t, dev, testConfig(2, 3), "gpustressPW2.cl", Options{})

	if err := runUntil(t, s, 6); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if s.Outcome().Failed || s.Passes() < 6 {
		t.Errorf("outcome %+v after %d passes", s.Outcome(), s.Passes())
	}
}

func TestRunDetectsCorruption(t *testing.T) {
	// Read 1 is the reference; read 2 verifies pass 1 and read 3 pass 2.
	dev := host.NewDevice(host.Config{ComputeUnits: 1, MaxWorkGroupSize: 1, CorruptRead: 3})
	s := newSession(t, dev, testConfig(2, 1), kernel.DefaultProgram, Options{})

	err := runUntil(t, s, 100)
	if !errors.Is(err, ErrMismatch) {
		t.Fatalf("Run() error = %v, want ErrMismatch", err)
	}
	var mismatch *MismatchError
	if !errors.As(err, &mismatch) || mismatch.Pass != 2 || mismatch.Offset != kernel.ElementSize-1 {
		t.Errorf("mismatch = %+v, want pass 2 at byte 63", mismatch)
	}

	out := s.Outcome()
	if !out.Failed || !strings.Contains(out.Message, "FAILED COMPUTATIONS") {
		t.Errorf("outcome = %+v", out)
	}
	if s.Passes() != 1 {
		t.Errorf("passes = %d, want 1", s.Passes())
	}
	if dev.Reads() != 3 {
		t.Errorf("reads = %d, want 3", dev.Reads())
	}
}

func TestRunNegativeStatus(t *testing.T) {
	// Dispatches 1 and 2 are the warm-up; 3 is the first of pass 1.
	dev := host.NewDevice(host.Config{ComputeUnits: 1, MaxWorkGroupSize: 1, FailDispatch: 3})
	s := newSession(t, dev, testConfig(2, 1), kernel.DefaultProgram, Options{})

	err := runUntil(t, s, 100)
	if !errors.Is(err, compute.StatusError("", compute.StatusOutOfResources)) {
		t.Fatalf("Run() error = %v, want out of resources", err)
	}

	out := s.Outcome()
	if !out.Failed || !strings.Contains(out.Message, "-5") {
		t.Errorf("outcome = %+v, want failure carrying code -5", out)
	}
	if s.Passes() != 0 {
		t.Errorf("passes = %d, want 0", s.Passes())
	}
	if dev.Hazards() != 0 {
		t.Errorf("hazards = %d, want 0", dev.Hazards())
	}
}

func TestRunCancelledIsNotFailure(t *testing.T) {
	dev := host.NewDevice(host.Config{ComputeUnits: 1, MaxWorkGroupSize: 1})
	s := newSession(t, dev, testConfig(2, 1), kernel.DefaultProgram, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if s.Outcome().Failed {
		t.Error("cancellation recorded a failure")
	}
	if s.Passes() != 0 {
		t.Errorf("passes = %d, want 0", s.Passes())
	}
}

func TestRunRecoversPanic(t *testing.T) {
	dev := host.NewDevice(host.Config{ComputeUnits: 1, MaxWorkGroupSize: 1})
	s := newSession(t, dev, testConfig(2, 1), kernel.DefaultProgram, Options{})
	s.opts.OnPass = func(int) { panic("boom") }

	err := s.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("Run() error = %v, want recovered panic", err)
	}
	if out := s.Outcome(); !out.Failed || !strings.Contains(out.Message, "boom") {
		t.Errorf("outcome = %+v", out)
	}
}

func TestOutcomeRecordedOnce(t *testing.T) {
	dev := host.NewDevice(host.Config{ComputeUnits: 1, MaxWorkGroupSize: 1})
	s := newSession(t, dev, testConfig(1, 1), kernel.DefaultProgram, Options{})

	first := errors.New("first")
	s.fail(first)
	s.fail(errors.New("second"))
	if out := s.Outcome(); out.Err != first || out.Message != "first" {
		t.Errorf("outcome = %+v, want the first failure", out)
	}
}

func TestCloseIdempotent(t *testing.T) {
	dev := host.NewDevice(host.Config{ComputeUnits: 1, MaxWorkGroupSize: 1})
	s := newSession(t, dev, testConfig(1, 1), kernel.DefaultProgram, Options{})
	s.Close()
	s.Close()
}

func TestDescribe(t *testing.T) {
	err := compute.StatusError("NDRangeKernel", compute.StatusOutOfResources)
	want := "compute error happened: NDRangeKernel: CL_OUT_OF_RESOURCES (-5), code: -5"
	if got := describe(err); got != want {
		t.Errorf("describe() = %q, want %q", got, want)
	}
	if got := describe(errors.New("plain")); got != "plain" {
		t.Errorf("describe() = %q", got)
	}
}

func TestFirstDifference(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"abc", "abc", -1},
		{"abc", "abd", 2},
		{"ab", "abc", 2},
		{"", "", -1},
	}
	for _, tt := range tests {
		if got := firstDifference([]byte(tt.a), []byte(tt.b)); got != tt.want {
			t.Errorf("firstDifference(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}
