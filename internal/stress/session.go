// Package stress runs the per-device stress engine: it calibrates the
// workload kernel, records a reference result and then keeps the device
// saturated with two overlapped lanes of kernel passes, verifying every pass
// against the reference.
package stress

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cwbudde/gpustress/internal/calibrate"
	"github.com/cwbudde/gpustress/internal/compute"
	"github.com/cwbudde/gpustress/internal/config"
	"github.com/cwbudde/gpustress/internal/kernel"
	"github.com/cwbudde/gpustress/internal/selector"
)

// Options carries the collaborators of a session that are not part of the
// run configuration.
type Options struct {
	Logger *slog.Logger
	// Progress receives the calibration progress bar when not nil.
	Progress io.Writer
	// Seed fixes the initial values; zero seeds from the system.
	Seed uint64
	// Reporter is called with every throughput report.
	Reporter func(Report)
	// OnPass is called after every verified pass.
	OnPass func(pass int)
}

// Session owns every device resource used to stress one device.
type Session struct {
	target  selector.Target
	info    compute.DeviceInfo
	cfg     config.Config
	variant kernel.Variant
	opts    Options
	logger  *slog.Logger

	groupSize int
	workSize  int
	kitersNum int

	cc      compute.Context
	queue1  compute.Queue
	queue2  compute.Queue
	buffers [4]compute.Buffer
	cache   *kernel.Cache
	program *kernel.Program

	initial   []byte
	reference []byte
	results   []byte

	lastReport time.Time
	passes     atomic.Int64

	mu      sync.Mutex
	outcome Outcome
	closed  bool
}

// New prepares a session for target: it allocates buffers, uploads the
// initial values, calibrates the kernel and computes the reference result.
// Any failure releases what was created and returns the error.
func New(ctx context.Context, target selector.Target, cfg config.Config, source *kernel.Source, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	info := target.Device.Info()
	logger = logger.With("id", target.Index, "platform", target.Platform.Name, "device", info.Name)

	groupSize := info.MaxWorkGroupSize
	if cfg.GroupSize > 0 {
		groupSize = cfg.GroupSize
	}

	s := &Session{
		target:    target,
		info:      info,
		cfg:       cfg,
		variant:   source.Variant,
		opts:      opts,
		logger:    logger,
		groupSize: groupSize,
		workSize:  WorkSize(info.MaxComputeUnits, groupSize, cfg.WorkFactor),
	}

	logger.Info("Preparing stress tester",
		"work_size", s.workSize,
		"work_factor", cfg.WorkFactor,
		"compute_units", info.MaxComputeUnits,
		"group_size", groupSize,
		"variant", s.variant.Name,
	)

	if err := s.setup(ctx, source); err != nil {
		s.Close()
		return nil, fmt.Errorf("prepare %s: %w", target, err)
	}
	return s, nil
}

func (s *Session) setup(ctx context.Context, source *kernel.Source) error {
	if s.workSize <= 0 {
		return fmt.Errorf("work size %d is not positive", s.workSize)
	}

	cc, err := s.target.Device.CreateContext()
	if err != nil {
		return err
	}
	s.cc = cc

	if s.queue1, err = cc.NewQueue(false); err != nil {
		return err
	}
	if s.queue2, err = cc.NewQueue(false); err != nil {
		return err
	}

	size := BufferSize(s.workSize)
	for i := range s.buffers {
		if s.buffers[i], err = cc.NewBuffer(size); err != nil {
			return err
		}
	}

	s.initial = make([]byte, size)
	s.reference = make([]byte, size)
	s.results = make([]byte, size)
	FillInitial(s.initial, s.variant, s.opts.Seed)

	if err := s.queue1.WriteBuffer(s.buffers[0], s.initial); err != nil {
		return err
	}

	s.cache = kernel.NewCache(cc, source, s.logger)
	res, err := calibrate.Calibrate(ctx, calibrate.Request{
		Context:   cc,
		Cache:     s.cache,
		Src:       s.buffers[0],
		Dst:       s.buffers[1],
		WorkSize:  s.workSize,
		GroupSize: s.groupSize,
		Variant:   s.variant,
		Pinned:    s.cfg.KItersNum,
		Logger:    s.logger,
		Progress:  s.opts.Progress,
	})
	if err != nil {
		return err
	}
	s.kitersNum = res.KItersNum
	s.program = res.Program

	if err := s.program.SetStaticArgs(s.workSize); err != nil {
		return err
	}
	return s.warmUp()
}

// warmUp runs one pass from the initial values in A, waiting for every
// dispatch, and stores the final buffer as the reference.
func (s *Session) warmUp() error {
	a, b := s.buffers[0], s.buffers[1]
	for i := 0; i < s.cfg.PassIters; i++ {
		src, dst := a, b
		if i&1 == 1 {
			src, dst = b, a
		}
		if err := s.program.SetBuffers(src, dst); err != nil {
			return err
		}
		ev, err := s.queue1.Dispatch(s.program.Kernel(), s.workSize, s.groupSize)
		if err != nil {
			return err
		}
		err = ev.Wait()
		if err == nil {
			err = compute.CheckEvent("NDRangeKernel", ev)
		}
		ev.Release()
		if err != nil {
			return err
		}
	}

	final := a
	if s.cfg.PassIters&1 == 1 {
		final = b
	}
	return s.queue1.ReadBuffer(final, s.reference)
}

// Close releases every device resource. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	if s.cache != nil {
		s.cache.Release()
	}
	for i, b := range s.buffers {
		if b != nil {
			b.Release()
			s.buffers[i] = nil
		}
	}
	if s.queue1 != nil {
		s.queue1.Release()
	}
	if s.queue2 != nil {
		s.queue2.Release()
	}
	if s.cc != nil {
		s.cc.Release()
	}
}

// Target returns the device the session stresses.
func (s *Session) Target() selector.Target { return s.target }

// WorkSize returns the number of work items per dispatch.
func (s *Session) WorkSize() int { return s.workSize }

// GroupSize returns the work-group size used for dispatches.
func (s *Session) GroupSize() int { return s.groupSize }

// KItersNum returns the calibrated inner iteration count.
func (s *Session) KItersNum() int { return s.kitersNum }

// Passes returns the number of passes verified so far.
func (s *Session) Passes() int64 { return s.passes.Load() }

// Reference returns a copy of the reference result.
func (s *Session) Reference() []byte { return append([]byte(nil), s.reference...) }

// InitialValues returns a copy of the values every pass starts from.
func (s *Session) InitialValues() []byte { return append([]byte(nil), s.initial...) }

// Outcome returns the session outcome. It is final once Run has returned.
func (s *Session) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// fail records err as the outcome unless one is already recorded.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.outcome.Failed {
		s.mu.Unlock()
		return
	}
	s.outcome = Outcome{Failed: true, Message: describe(err), Err: err}
	msg := s.outcome.Message
	s.mu.Unlock()

	s.logger.Error("Stress tester failed", "error", msg)
}
