package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"gantry-twist-go/pkg/compensation"
	"gantry-twist-go/pkg/grid"
	"gantry-twist-go/pkg/history"
	"gantry-twist-go/pkg/report"
)

func openHistory() (*history.Store, error) {
	if historyDB == "" {
		return nil, errors.New("history is disabled (--history is empty)")
	}
	return history.Open(historyDB, nil)
}

func NewHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "history",
		Short:   "Inspect recorded calibration runs",
		GroupID: gData,
	}
	cmd.AddCommand(
		newHistoryListCommand(),
		newHistoryShowCommand(),
		newHistoryDeleteCommand(),
	)
	return cmd
}

func newHistoryListCommand() *cobra.Command {
	var (
		limit int
		mode  string
		since time.Duration
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := history.ListOptions{Limit: limit}
			if mode != "" {
				m, err := grid.ParseMode(mode)
				if err != nil {
					return err
				}
				opts.Mode = m
			}
			if since > 0 {
				opts.Since = time.Now().Add(-since)
			}

			store, err := openHistory()
			if err != nil {
				return err
			}
			defer store.Close()
			runs, err := store.List(cmd.Context(), opts)
			if err != nil {
				return err
			}
			printRuns(cmd.OutOrStdout(), runs, time.Now())
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs, 0 for all")
	cmd.Flags().StringVarP(&mode, "mode", "m", "", "only runs of this mode")
	cmd.Flags().DurationVar(&since, "since", 0, "only runs finished within this duration")
	return cmd
}

func printRuns(w io.Writer, runs []history.Run, now time.Time) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}
	fmt.Fprintf(w, "%-8s  %-14s  %-10s  %-7s  %-10s  %-10s  %s\n",
		"RUN", "MODE", "OUTCOME", "POINTS", "MEAN", "RANGE", "FINISHED")
	for _, r := range runs {
		id := r.RunID
		if len(id) > 8 {
			id = id[:8]
		}
		outcome := r.Outcome
		if r.HasTable {
			outcome += "*"
		}
		fmt.Fprintf(w, "%-8s  %-14s  %-10s  %-7s  %-10s  %-10s  %s\n",
			id, r.Mode, outcome,
			fmt.Sprintf("%d/%d", r.PointsCompleted, r.TotalPoints),
			nullMM(r.Mean.Float64, r.Mean.Valid), nullMM(r.Range.Float64, r.Range.Valid),
			humanize.RelTime(r.FinishedAt, now, "ago", "from now"))
	}
	fmt.Fprintln(w, "* produced a compensation table")
}

func nullMM(v float64, valid bool) string {
	if !valid {
		return "-"
	}
	return fmt.Sprintf("%+.4f", v)
}

func newHistoryShowCommand() *cobra.Command {
	var (
		csvOut    bool
		reportDir string
	)
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run by ID or unique ID prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory()
			if err != nil {
				return err
			}
			defer store.Close()
			snap, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if csvOut {
				return report.WriteCSV(w, snap)
			}
			printSnapshot(w, snap)
			if reportDir != "" {
				dir, files, err := report.NewRenderer(reportDir, nil).Render(cmd.Context(), snap)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "\nReport written to %s (%d files)\n", dir, len(files))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&csvOut, "csv", false, "print the samples as CSV")
	cmd.Flags().StringVar(&reportDir, "report", "", "render the report again into this directory")
	return cmd
}

func printSnapshot(w io.Writer, snap *report.Snapshot) {
	m := snap.Meta
	fmt.Fprintf(w, "Run:      %s\n", m.RunID)
	fmt.Fprintf(w, "Mode:     %s\n", m.Mode)
	fmt.Fprintf(w, "Outcome:  %s\n", m.Outcome)
	if m.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", m.Error)
	}
	fmt.Fprintf(w, "Started:  %s (%s)\n", m.StartedAt.Format(time.DateTime), humanize.Time(m.StartedAt))
	fmt.Fprintf(w, "Duration: %s\n", m.Duration().Round(time.Second))
	fmt.Fprintf(w, "Points:   %d/%d completed, %d failed\n", m.PointsCompleted, m.TotalPoints, m.PointsFailed)
	if m.X != nil {
		fmt.Fprintf(w, "X:        %.1f..%.1f\n", m.X.Min, m.X.Max)
	}
	if m.Y != nil {
		fmt.Fprintf(w, "Y:        %.1f..%.1f\n", m.Y.Min, m.Y.Max)
	}

	if a, err := report.Analyze(snap.Samples, m.Mode); err == nil {
		s := a.Summary
		fmt.Fprintf(w, "\nDelta mean %+.4f mm, std %.4f mm, median %+.4f mm, range %.4f mm\n",
			s.Mean, s.StdDev, s.Median, s.Range)
		for _, t := range []report.Trend{a.TrendX, a.TrendY} {
			if t.Significant {
				fmt.Fprintf(w, "Trend along %s: r=%.3f, %.2f µm per 100 mm\n", strings.ToUpper(t.Axis), t.R, t.Slope*1e5)
			}
		}
		if n := report.Flagged(a.Columns) + report.Flagged(a.Rows); n > 0 {
			fmt.Fprintf(w, "%d rows or columns spread more than %.3f mm\n", n, report.SpreadThreshold)
		}
	}

	if t := snap.Table; t != nil {
		keys := t.Axis.Keys()
		fmt.Fprintf(w, "\n[%s]\n%s: %g\n%s: %g\n%s:", compensation.Section, keys.Start, t.Start, keys.End, t.End, keys.Values)
		for i, v := range t.Values {
			if i > 0 {
				fmt.Fprint(w, ",")
			}
			fmt.Fprintf(w, " %.6f", v)
		}
		fmt.Fprintln(w)
	}
}

func newHistoryDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>...",
		Short: "Delete runs by ID or unique ID prefix",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory()
			if err != nil {
				return err
			}
			defer store.Close()
			for _, arg := range args {
				id, err := store.Resolve(cmd.Context(), arg)
				if err == nil {
					err = store.Delete(cmd.Context(), id)
				}
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", arg, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
			}
			return nil
		},
	}
}
