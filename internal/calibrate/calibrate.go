// Package calibrate chooses the inner iteration count of the workload
// kernel for a device by profiling every candidate.
package calibrate

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/schollz/progressbar/v3"

	"github.com/cwbudde/gpustress/internal/compute"
	"github.com/cwbudde/gpustress/internal/config"
	"github.com/cwbudde/gpustress/internal/kernel"
)

// Sample is the profile of one candidate inner iteration count.
type Sample struct {
	KItersNum int
	// Elapsed is the device execution time in nanoseconds.
	Elapsed    uint64
	Bandwidth  float64
	Throughput float64
}

// Score is the quantity calibration maximizes. Favouring the product keeps
// the device both memory- and compute-bound.
func (s Sample) Score() float64 {
	return s.Bandwidth * s.Throughput
}

// Measure turns an elapsed device time into a Sample.
func Measure(v kernel.Variant, kiters, workSize int, elapsed uint64) Sample {
	if elapsed == 0 {
		elapsed = 1
	}
	ns := float64(elapsed)
	return Sample{
		KItersNum:  kiters,
		Elapsed:    elapsed,
		Bandwidth:  v.Bandwidth(1, float64(workSize), ns),
		Throughput: v.Throughput(1, float64(kiters), float64(workSize), ns),
	}
}

// Select returns the sample with the greatest score. Ties keep the earliest
// sample. Select returns the zero Sample with KItersNum 1 for no samples.
func Select(samples []Sample) Sample {
	best := Sample{KItersNum: 1}
	for _, s := range samples {
		if s.Score() > best.Score() {
			best = s
		}
	}
	return best
}

// Request describes one calibration.
type Request struct {
	Context compute.Context
	Cache   *kernel.Cache
	// Src and Dst are scratch buffers of WorkSize elements; Src holds
	// the initial values.
	Src, Dst  compute.Buffer
	WorkSize  int
	GroupSize int
	Variant   kernel.Variant
	// Pinned skips the sweep when in 1..config.MaxKItersNum.
	Pinned int

	Logger *slog.Logger
	// Progress receives a progress bar during the sweep when not nil.
	Progress io.Writer
}

// Result is the chosen configuration and its production kernel.
type Result struct {
	KItersNum  int
	Bandwidth  float64
	Throughput float64
	Program    *kernel.Program
	Samples    []Sample
}

// Calibrate profiles kitersNum 1..25 and returns the best configuration, or
// builds the pinned configuration directly. A build failure or a dispatch
// that completes with a negative status aborts calibration.
func Calibrate(ctx context.Context, req Request) (*Result, error) {
	logger := req.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if req.Pinned > 0 {
		program, err := req.Cache.Get(req.GroupSize, req.Pinned)
		if err != nil {
			return nil, err
		}
		logger.Info("Kernel kiters pinned", "kiters", req.Pinned)
		logger.Debug("Program build log", "options", program.Options, "log", program.BuildLog())
		return &Result{KItersNum: req.Pinned, Program: program}, nil
	}

	logger.Info("Calibrating kernel")

	queue, err := req.Context.NewQueue(true)
	if err != nil {
		return nil, fmt.Errorf("create profiling queue: %w", err)
	}
	defer queue.Release()

	bar := newBar(req.Progress)
	samples := make([]Sample, 0, config.MaxKItersNum)
	for k := 1; k <= config.MaxKItersNum; k++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		program, err := req.Cache.Get(req.GroupSize, k)
		if err != nil {
			return nil, fmt.Errorf("calibrate kiters=%d: %w", k, err)
		}

		elapsed, err := profile(queue, program, req)
		if err != nil {
			return nil, fmt.Errorf("calibrate kiters=%d: %w", k, err)
		}

		s := Measure(req.Variant, k, req.WorkSize, elapsed)
		samples = append(samples, s)
		logger.Debug("Calibration candidate",
			"kiters", k,
			"elapsed_ns", s.Elapsed,
			"bandwidth_gbps", s.Bandwidth,
			"perf_gflops", s.Throughput,
		)
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}

	best := Select(samples)
	program, err := req.Cache.Get(req.GroupSize, best.KItersNum)
	if err != nil {
		return nil, err
	}
	req.Cache.Retain(program.Key)

	logger.Info("Kernel calibrated",
		"kiters", best.KItersNum,
		"bandwidth_gbps", best.Bandwidth,
		"perf_gflops", best.Throughput,
	)
	logger.Debug("Program build log", "options", program.Options, "log", program.BuildLog())

	return &Result{
		KItersNum:  best.KItersNum,
		Bandwidth:  best.Bandwidth,
		Throughput: best.Throughput,
		Program:    program,
		Samples:    samples,
	}, nil
}

// profile runs one dispatch of program and returns its device time.
func profile(queue compute.Queue, program *kernel.Program, req Request) (uint64, error) {
	if err := program.SetStaticArgs(req.WorkSize); err != nil {
		return 0, err
	}
	if err := program.SetBuffers(req.Src, req.Dst); err != nil {
		return 0, err
	}

	ev, err := queue.Dispatch(program.Kernel(), req.WorkSize, req.GroupSize)
	if err != nil {
		return 0, err
	}
	defer ev.Release()

	if err := ev.Wait(); err != nil {
		return 0, err
	}
	if err := compute.CheckEvent("NDRangeKernel", ev); err != nil {
		return 0, err
	}

	start, end, err := ev.ProfilingTimes()
	if err != nil {
		return 0, err
	}
	if end <= start {
		return 1, nil
	}
	return end - start, nil
}

func newBar(w io.Writer) *progressbar.ProgressBar {
	if w == nil {
		return nil
	}
	return progressbar.NewOptions(config.MaxKItersNum,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("calibrating"),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}
