package stress

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/cwbudde/gpustress/internal/compute"
)

// reportEvery is the pass interval between throughput reports.
const reportEvery = 10

// lane is one half of the pipeline: a buffer pair and the dispatches of the
// pass currently running on it.
type lane struct {
	first, second compute.Buffer
	events        []compute.Event
	pass          int
	next          int
}

func (l *lane) inFlight() bool { return len(l.events) > 0 }

// Run stresses the device until ctx is cancelled or a pass fails. Lane one
// runs odd passes on buffers A and B, lane two even passes on C and D; while
// one lane executes on the first queue the other is verified through the
// second. Cancellation is a normal stop: Run returns the context error and
// leaves the outcome unfailed. Any failure is recorded in the outcome once and
// returned.
func (s *Session) Run(ctx context.Context) (err error) {
	lanes := [2]*lane{
		{first: s.buffers[0], second: s.buffers[1], next: 1},
		{first: s.buffers[2], second: s.buffers[3], next: 2},
	}
	s.lastReport = time.Now()
	s.logger.Info("Stress tester started", "kiters", s.kitersNum, "pass_iters", s.cfg.PassIters)

	stopped := false
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stress tester panic: %v", r)
		}
		s.drain(lanes[:])
		if stopped {
			s.logger.Info("Stress tester stopped", "passes", s.passes.Load())
			return
		}
		s.fail(err)
	}()

	for cur := 0; ; cur ^= 1 {
		if err := ctx.Err(); err != nil {
			stopped = true
			return err
		}
		if err := s.submit(lanes[cur]); err != nil {
			return err
		}
		if err := s.complete(lanes[cur^1]); err != nil {
			return err
		}
	}
}

// submit restores the initial values into the lane and enqueues one pass.
func (s *Session) submit(l *lane) error {
	if err := s.queue2.WriteBuffer(l.first, s.initial); err != nil {
		return err
	}

	l.pass = l.next
	l.next += 2
	for i := 0; i < s.cfg.PassIters; i++ {
		src, dst := l.first, l.second
		if i&1 == 1 {
			src, dst = l.second, l.first
		}
		if err := s.program.SetBuffers(src, dst); err != nil {
			return err
		}
		ev, err := s.queue1.Dispatch(s.program.Kernel(), s.workSize, s.groupSize)
		if err != nil {
			return err
		}
		l.events = append(l.events, ev)
	}
	return nil
}

// complete waits for the lane's pass, checks every dispatch status and
// compares the final buffer with the reference.
func (s *Session) complete(l *lane) error {
	if !l.inFlight() {
		return nil
	}

	err := l.events[len(l.events)-1].Wait()
	for _, ev := range l.events {
		if err == nil {
			err = compute.CheckEvent("NDRangeKernel", ev)
		}
		ev.Release()
	}
	l.events = l.events[:0]
	if err != nil {
		return err
	}

	final := l.first
	if s.cfg.PassIters&1 == 1 {
		final = l.second
	}
	if err := s.queue2.ReadBuffer(final, s.results); err != nil {
		return err
	}
	if !bytes.Equal(s.results, s.reference) {
		return &MismatchError{Pass: l.pass, Offset: firstDifference(s.results, s.reference)}
	}

	s.passes.Add(1)
	if s.opts.OnPass != nil {
		s.opts.OnPass(l.pass)
	}
	if l.pass%reportEvery == 0 {
		s.report(l.pass)
	}
	return nil
}

func (s *Session) report(pass int) {
	now := time.Now()
	elapsed := now.Sub(s.lastReport)
	s.lastReport = now

	ns := float64(max(elapsed.Nanoseconds(), 1))
	dispatches := float64(reportEvery * s.cfg.PassIters)
	r := Report{
		Pass:       pass,
		Elapsed:    elapsed,
		Bandwidth:  s.variant.Bandwidth(dispatches, float64(s.workSize), ns),
		Throughput: s.variant.Throughput(dispatches, float64(s.kitersNum), float64(s.workSize), ns),
	}
	s.logger.Info("Passed",
		"pass", pass,
		"bandwidth_gbps", r.Bandwidth,
		"perf_gflops", r.Throughput,
		"elapsed", elapsed,
	)
	if s.opts.Reporter != nil {
		s.opts.Reporter(r)
	}
}

// drain waits for the latest outstanding dispatch of every lane so no work
// still references the buffers when they are released.
func (s *Session) drain(lanes []*lane) {
	for _, l := range lanes {
		for i := len(l.events) - 1; i >= 0; i-- {
			if l.events[i] != nil {
				if err := l.events[i].Wait(); err != nil {
					s.logger.Debug("Drain wait failed", "error", err)
				}
				break
			}
		}
		for _, ev := range l.events {
			if ev != nil {
				ev.Release()
			}
		}
		l.events = nil
	}
}
