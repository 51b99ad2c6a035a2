package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/cwbudde/gpustress/internal/compute"
	"github.com/cwbudde/gpustress/internal/compute/backend"
	"github.com/cwbudde/gpustress/internal/config"
	"github.com/cwbudde/gpustress/internal/kernel"
	"github.com/cwbudde/gpustress/internal/selector"
	"github.com/cwbudde/gpustress/internal/supervisor"
)

const warning = "WARNING: THIS PROGRAM CAN OVERHEAT YOUR GRAPHIC CARD FASTER THAN " +
	"ANY FURMARK STRESS.\nPLEASE USE CAREFULLY!!!"

var errRunFailed = errors.New("stress run failed")

var (
	runCfg  = config.Default()
	runSeed uint64
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Stress the selected devices until interrupted",
	Long: `Calibrates the workload kernel on every selected device, computes a
reference result and then runs and verifies passes until interrupted with
Ctrl-C. The exit status is non-zero when any device failed.`,
	RunE: runStress,
}

func init() {
	addSelectionFlags(runCmd, &runCfg)

	f := runCmd.Flags()
	f.StringVarP(&runCfg.Program, "program", "P", kernel.DefaultProgram, "Kernel program file")
	f.IntVarP(&runCfg.WorkFactor, "work-factor", "W", runCfg.WorkFactor, "Work factor (work size = compute units * group size * factor)")
	f.IntVarP(&runCfg.PassIters, "pass-iters", "S", runCfg.PassIters, "Kernel dispatches per pass")
	f.IntVarP(&runCfg.KItersNum, "kiters", "j", 0, "Inner kernel iterations (1-25, 0 calibrates)")
	f.IntVar(&runCfg.GroupSize, "group-size", 0, "Work-group size (0 uses the device maximum)")
	f.DurationVar(&runCfg.WarnDelay, "warn-delay", runCfg.WarnDelay, "Pause after the start-up warning")
	f.BoolVar(&runCfg.Progress, "progress", false, "Show a progress bar while calibrating (terminals only)")
	f.Uint64Var(&runSeed, "seed", 0, "Seed for the initial values (0 picks a random seed)")

	rootCmd.AddCommand(runCmd)
}

// addSelectionFlags registers the flags shared by every command that picks
// devices.
func addSelectionFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	f.BoolVarP(&cfg.UseCPUs, "cpus", "C", false, "Use CPU devices")
	f.BoolVarP(&cfg.UseGPUs, "gpus", "G", false, "Use GPU devices (default when no class is given)")
	f.StringVar(&cfg.Backend, "backend", cfg.Backend, "Compute backend (opencl, host)")
	f.StringSliceVar(&cfg.ExcludePlatforms, "exclude-platform", cfg.ExcludePlatforms, "Skip platforms whose name contains this text")
}

func runStress(cmd *cobra.Command, args []string) error {
	cfg := runCfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintln(console, warning)
	if err := sleep(ctx, cfg.WarnDelay); err != nil {
		return nil
	}

	targets, err := selectTargets(cfg)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		logger.Warn("No devices selected", "backend", cfg.Backend, "cpus", cfg.UseCPUs, "gpus", cfg.UseGPUs)
		return nil
	}

	source, err := kernel.LoadSource(cfg.Program)
	if err != nil {
		return err
	}
	logger.Info("Loaded kernel program", "program", source.Name, "builtin", source.Builtin, "variant", source.Variant.Name)

	opts := supervisor.Options{Logger: logger, Seed: runSeed}
	if cfg.Progress && isatty.IsTerminal(os.Stdout.Fd()) {
		opts.Progress = console
	}
	sup := supervisor.New(cfg, source, opts)
	defer sup.Close()

	start := time.Now()
	if err := sup.Prepare(ctx, targets); err != nil {
		return err
	}
	logger.Info("Stress testing started. Press Ctrl-C to stop", "devices", len(targets), "run_id", sup.RunID())

	summary := sup.Run(ctx)
	writeSummary(cmd.OutOrStdout(), summary, time.Since(start))
	if summary.Failed {
		return fmt.Errorf("%w: %w", errRunFailed, summary.Err())
	}
	return nil
}

func selectTargets(cfg config.Config) ([]selector.Target, error) {
	platforms, err := backend.Platforms(cfg.Backend)
	if err != nil {
		return nil, err
	}
	if len(platforms) == 0 {
		return nil, compute.ErrNoDevices
	}
	return selector.Select(platforms, cfg.Filter())
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func writeSummary(out io.Writer, summary supervisor.Summary, elapsed time.Duration) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPLATFORM\tDEVICE\tSTATE\tKITERS\tPASSES\tERROR")
	fmt.Fprintln(w, "--\t--------\t------\t-----\t------\t------\t-----")
	for _, d := range summary.Devices {
		fmt.Fprintf(w, "#%d\t%s\t%s\t%s\t%d\t%d\t%s\n",
			d.Index,
			d.Platform,
			d.Device,
			d.State,
			d.KItersNum,
			d.Passes,
			d.Error,
		)
	}
	w.Flush()

	fmt.Fprintf(out, "\nRun %s: %d device(s) in %s\n", summary.RunID, len(summary.Devices), elapsed.Round(time.Millisecond))
}
