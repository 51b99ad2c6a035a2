// Package supervisor prepares one stress session per selected device, runs
// them concurrently and gathers their outcomes.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/cwbudde/gpustress/internal/config"
	"github.com/cwbudde/gpustress/internal/kernel"
	"github.com/cwbudde/gpustress/internal/selector"
	"github.com/cwbudde/gpustress/internal/stress"
)

// Options are the collaborators shared by every session of a run.
type Options struct {
	Logger *slog.Logger
	// Progress receives calibration progress bars when not nil.
	Progress io.Writer
	// Seed fixes the initial values of every session; zero picks a fresh
	// seed per session.
	Seed uint64
}

// Summary is the aggregated result of a run.
type Summary struct {
	RunID   string
	Devices []DeviceResult
	Failed  bool
}

// Err combines the failures of every failed device, or returns nil.
func (s Summary) Err() error {
	var err error
	for _, d := range s.Devices {
		if d.Failed() {
			err = multierr.Append(err, fmt.Errorf("#%d %s:%s: %s", d.Index, d.Platform, d.Device, d.Error))
		}
	}
	return err
}

// Supervisor owns the sessions of one run.
type Supervisor struct {
	cfg    config.Config
	source *kernel.Source
	opts   Options
	logger *slog.Logger
	runID  string

	registry *Registry
	sessions []*stress.Session
}

// New creates a supervisor for cfg. Every log record it and its sessions
// emit carries the run_id.
func New(cfg config.Config, source *kernel.Source, opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runID := uuid.New().String()
	logger = logger.With("run_id", runID)
	opts.Logger = logger

	return &Supervisor{
		cfg:      cfg,
		source:   source,
		opts:     opts,
		logger:   logger,
		runID:    runID,
		registry: NewRegistry(),
	}
}

// RunID identifies the run in logs and summaries.
func (s *Supervisor) RunID() string { return s.runID }

// Registry exposes the live device records.
func (s *Supervisor) Registry() *Registry { return s.registry }

// Prepare builds a session for every target, one after another. The first
// failure closes the sessions already built and is returned.
func (s *Supervisor) Prepare(ctx context.Context, targets []selector.Target) error {
	for _, t := range targets {
		info := t.Device.Info()
		s.registry.Add(t.Index, t.Platform.Name, info.Name)

		index := t.Index
		session, err := stress.New(ctx, t, s.cfg, s.source, stress.Options{
			Logger:   s.logger,
			Progress: s.opts.Progress,
			Seed:     s.opts.Seed,
			OnPass: func(int) {
				_ = s.registry.Update(index, func(d *DeviceResult) { d.Passes++ })
			},
		})
		if err != nil {
			s.registry.finish(index, StateFailed, err.Error())
			s.Close()
			return err
		}

		_ = s.registry.Update(index, func(d *DeviceResult) {
			d.WorkSize = session.WorkSize()
			d.KItersNum = session.KItersNum()
		})
		s.sessions = append(s.sessions, session)
	}
	return nil
}

// Run stresses every prepared device until ctx is cancelled and returns the
// summary once every session has stopped. A failing device does not stop the
// others.
func (s *Supervisor) Run(ctx context.Context) Summary {
	var g errgroup.Group
	for _, session := range s.sessions {
		g.Go(func() error {
			s.runSession(ctx, session)
			return nil
		})
	}
	_ = g.Wait()

	summary := Summary{RunID: s.runID, Devices: s.registry.List()}
	for _, d := range summary.Devices {
		if d.Failed() {
			summary.Failed = true
		}
	}
	return summary
}

func (s *Supervisor) runSession(ctx context.Context, session *stress.Session) {
	t := session.Target()
	_ = s.registry.Update(t.Index, func(d *DeviceResult) { d.State = StateRunning })

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("join failed: %v", r)
			s.logger.Error("Failed to join stress tester", "id", t.Index, "panic", r, "stack", string(debug.Stack()))
			s.registry.finish(t.Index, StateFailed, msg)
			s.logger.Error(fmt.Sprintf("Failed #%d", t.Index), "error", msg)
		}
	}()

	err := session.Run(ctx)
	out := session.Outcome()
	s.logger.Info(fmt.Sprintf("Finished #%d", t.Index), "device", t.String(), "passes", session.Passes())

	switch {
	case out.Failed:
		s.registry.finish(t.Index, StateFailed, out.Message)
		s.logger.Error(fmt.Sprintf("Failed #%d", t.Index), "device", t.String(), "error", out.Message)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.registry.finish(t.Index, StateCancelled, "")
	default:
		s.registry.finish(t.Index, StateFinished, "")
	}
}

// Close releases every session. It is safe to call more than once.
func (s *Supervisor) Close() {
	for _, session := range s.sessions {
		session.Close()
	}
	s.sessions = nil
}
