package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"gantry-twist-go/pkg/calibrate"
	"gantry-twist-go/pkg/compensation"
	"gantry-twist-go/pkg/grid"
)

func NewAxisCommand() *cobra.Command {
	var (
		f       runFlags
		samples int
		home    bool
	)
	cmd := &cobra.Command{
		Use:   "axis <x|y>",
		Short: "Calibrate X or Y twist",
		Long: `Calibrate X or Y twist along the line configured in [axis_twist_compensation]
and stage the new table for SAVE_CONFIG.

X needs calibrate_start_x, calibrate_end_x and calibrate_y.
Y needs calibrate_start_y, calibrate_end_y and calibrate_x.`,
		GroupID: gCalibrate,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			axis, err := compensation.ParseAxis(args[0])
			if err != nil {
				return err
			}
			mode := grid.AxisX
			if axis == compensation.AxisY {
				mode = grid.AxisY
			}
			return runCalibration(cmd, &f, home, calibrate.Request{Mode: mode, SampleCount: samples, Debug: f.debug})
		},
	}
	f.register(cmd)
	cmd.Flags().IntVarP(&samples, "samples", "n", 0, "number of points, 2 to 10 (default from config)")
	cmd.Flags().BoolVar(&home, "home", false, "home all axes before sampling")
	return cmd
}

func NewCompensateCommand() *cobra.Command {
	var (
		f        runFlags
		gridSize int
	)
	cmd := &cobra.Command{
		Use:   "compensate",
		Short: "Sweep X along the home row and stage the X table",
		Long: `Home the printer, sweep X across [gantry_twist_utility] x_min..x_max at
calibrate_y (or the homed Y) and stage the new X table for SAVE_CONFIG.`,
		GroupID: gCalibrate,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCalibration(cmd, &f, false, calibrate.Request{Mode: grid.HomeRowMode, GridSize: gridSize, Debug: f.debug})
		},
	}
	f.register(cmd)
	cmd.Flags().IntVarP(&gridSize, "grid-size", "g", 0, "number of points (default from config)")
	return cmd
}

func NewGridCommand() *cobra.Command {
	var (
		f        runFlags
		gridSize int
		home     bool
	)
	cmd := &cobra.Command{
		Use:   "grid [mode]",
		Short: "Sample the full bed for analysis",
		Long: `Sample a grid over [gantry_twist_utility] x_min..x_max and y_min..y_max.
No compensation is derived. The mode defaults to sampling_direction.

Modes: raster_x, raster_y, serpentine_xy (xy), serpentine_yx (yx).`,
		GroupID: gCalibrate,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var mode grid.Mode
			if len(args) == 1 {
				m, err := grid.ParseMode(args[0])
				if err != nil {
					return err
				}
				if !m.IsGrid() {
					return fmt.Errorf("%s is not a grid mode", m)
				}
				mode = m
			}
			return runCalibration(cmd, &f, home, calibrate.Request{Mode: mode, GridSize: gridSize, Debug: f.debug})
		},
	}
	f.register(cmd)
	cmd.Flags().IntVarP(&gridSize, "grid-size", "g", 0, "points per axis (default from config)")
	cmd.Flags().BoolVar(&home, "home", false, "home all axes before sampling")
	return cmd
}

// runCalibration runs req to completion. The first SIGINT or SIGTERM
// stops the run before its next point; a second one aborts it.
func runCalibration(cmd *cobra.Command, f *runFlags, home bool, req calibrate.Request) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	s, err := newSession(ctx, f)
	if err != nil {
		return err
	}
	defer s.close()

	if req.Mode == "" {
		req.Mode = s.settings.Utility.Mode
	}
	// compensate homes on its own
	if (home || s.sim != nil) && req.Mode != grid.HomeRowMode {
		s.log.Info("Homing all axes...")
		if err := s.machine.Home(ctx); err != nil {
			return err
		}
	}

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, unix.SIGINT, unix.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		n := 0
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigs:
				n++
				if n == 1 {
					s.log.Warn("Received %v, stopping after the current point", sig)
					s.orch.Cancel()
					continue
				}
				s.log.Warn("Received %v again, aborting", sig)
				cancel()
				return
			}
		}
	}()

	res, err := s.orch.Run(ctx, req)
	s.orch.Wait()
	if res != nil {
		printResult(cmd.OutOrStdout(), res)
	}
	if err != nil {
		return err
	}
	if res.Table == nil {
		return nil
	}
	if !f.save {
		fmt.Fprintf(cmd.OutOrStdout(), "Table not saved. Run again with --save, or use save-config %s, to write it to %s.\n", res.RunID, configPath)
		return nil
	}
	if err := s.autosave.SaveChanges(""); err != nil {
		return fmt.Errorf("failed to save %s: %w", configPath, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Saved [%s] to %s\n", compensation.Section, configPath)
	return nil
}

func printResult(w io.Writer, res *calibrate.Result) {
	fmt.Fprintf(w, "Run %s %s: %d/%d points", res.RunID, res.State, res.Stats.Completed, res.Stats.TotalPlanned)
	if res.Stats.Failed > 0 {
		fmt.Fprintf(w, ", %d failed", res.Stats.Failed)
	}
	if res.Stats.NotAttempted > 0 {
		fmt.Fprintf(w, ", %d not attempted", res.Stats.NotAttempted)
	}
	fmt.Fprintln(w)
	for _, fl := range res.Failures {
		fmt.Fprintf(w, "  point %d (%.3f, %.3f): %s\n", fl.Index, fl.Point.X, fl.Point.Y, fl.Err)
	}
	if t := res.Table; t != nil {
		keys := t.Axis.Keys()
		vals := make([]string, len(t.Values))
		for i, v := range t.Values {
			vals[i] = fmt.Sprintf("%.6f", v)
		}
		fmt.Fprintf(w, "%s: %g\n%s: %g\n%s: %s\n",
			keys.Start, t.Start, keys.End, t.End, keys.Values, strings.Join(vals, ", "))
	}
}
