package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cwbudde/gpustress/internal/compute"
	"github.com/cwbudde/gpustress/internal/compute/backend"
	"github.com/cwbudde/gpustress/internal/config"
	"github.com/cwbudde/gpustress/internal/selector"
)

var devicesCfg = config.Default()

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List compute platforms and devices",
	Long: `Lists every platform and device of the backend and marks the devices
that "run" would stress with the same selection flags.`,
	RunE: runDevices,
}

func init() {
	addSelectionFlags(devicesCmd, &devicesCfg)
	rootCmd.AddCommand(devicesCmd)
}

func runDevices(cmd *cobra.Command, args []string) error {
	cfg := devicesCfg.Normalize()

	platforms, err := backend.Platforms(cfg.Backend)
	if err != nil {
		return err
	}
	if len(platforms) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No platforms found.")
		return nil
	}
	return writeDevices(cmd.OutOrStdout(), platforms, cfg.Filter())
}

// writeDevices prints one row per device. Selected devices carry the index
// they get in a run.
func writeDevices(out io.Writer, platforms []compute.Platform, filter selector.Filter) error {
	selected, err := selector.Select(platforms, filter)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPLATFORM\tDEVICE\tTYPE\tCOMPUTE UNITS\tMAX GROUP")
	fmt.Fprintln(w, "--\t--------\t------\t----\t-------------\t---------")

	next := 0
	for _, p := range platforms {
		info := p.Info()
		for _, d := range info.Devices {
			id := "-"
			if next < len(selected) && selected[next].Platform.Name == info.Name && selected[next].Device.Info().Name == d.Name {
				id = fmt.Sprintf("#%d", selected[next].Index)
				next++
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n",
				id,
				info.Name,
				d.Name,
				d.Type,
				d.MaxComputeUnits,
				d.MaxWorkGroupSize,
			)
		}
	}
	w.Flush()

	fmt.Fprintf(out, "\nSelected devices: %d\n", len(selected))
	return nil
}
