package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sawpanic/mcalib/internal/config"
	"github.com/sawpanic/mcalib/internal/pipeline"
	"github.com/sawpanic/mcalib/internal/runlog"
)

// runFlags override run file fields from the command line.
type runFlags struct {
	trials     int
	iterations int
	seed       uint64
	monitor    string
	reportDir  string
	trace      string
	hold       bool
}

func addRunFlags(fs *pflag.FlagSet, f *runFlags) {
	fs.IntVar(&f.trials, "trials", 0, "Override Monte-Carlo trials")
	fs.IntVar(&f.iterations, "iterations", 0, "Override optimizer iterations")
	fs.Uint64Var(&f.seed, "seed", 0, "Override the simulation seed")
	fs.StringVar(&f.monitor, "monitor", "", "Serve the live monitor on this address")
	fs.StringVar(&f.reportDir, "report-dir", "", "Write reports to this directory")
	fs.StringVar(&f.trace, "trace", "none", "Span exporter (none|stdout|<file>)")
	fs.BoolVar(&f.hold, "hold", false, "Keep the monitor up after the run until interrupted")
}

func (f *runFlags) load(path string) (*config.RunConfig, error) {
	cfg, err := config.LoadRunConfig(path)
	if err != nil {
		return nil, err
	}
	if f.trials > 0 {
		cfg.Portfolio.Trials = f.trials
	}
	if f.iterations > 0 {
		cfg.Calibration.Iterations = f.iterations
	}
	if f.seed > 0 {
		cfg.Seed = f.seed
	}
	if f.monitor != "" {
		cfg.Monitor = config.MonitorConfig{Enabled: true, Addr: f.monitor}
	}
	if f.reportDir != "" {
		cfg.Report.Dir = f.reportDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid overrides: %w", err)
	}
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newRunCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run <run.yaml>",
		Short: "Run one calibration",
		Long:  "Build the portfolio a run file describes, calibrate it and write records and reports",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			tracer, shutdown, err := setupTracing(flags.trace)
			if err != nil {
				return err
			}
			defer func() {
				sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer scancel()
				if err := shutdown(sctx); err != nil {
					log.Warn().Err(err).Msg("flushing spans")
				}
			}()

			out, err := pipeline.Run(ctx, cfg, pipeline.Options{Tracer: tracer, Hold: flags.hold})
			if err != nil {
				return err
			}
			printOutcome(cmd.OutOrStdout(), out)
			return nil
		},
	}
	addRunFlags(cmd.Flags(), &flags)
	return cmd
}

func newSweepCmd() *cobra.Command {
	var (
		flags    runFlags
		seeds    string
		parallel int
		metric   string
	)
	cmd := &cobra.Command{
		Use:   "sweep <run.yaml>",
		Short: "Repeat a calibration over several seeds",
		Long:  "Run the same calibration once per seed in parallel and summarize the spread of a final metric",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load(args[0])
			if err != nil {
				return err
			}
			list, err := parseSeeds(seeds)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			outs, err := pipeline.Sweep(ctx, cfg, list, parallel, pipeline.Options{})
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, o := range outs {
				printOutcome(w, o)
			}
			if s, ok := pipeline.FinalSpread(outs, metric); ok {
				fmt.Fprintf(w, "\n%s over %d runs: mean %.6f  std %.6f  min %.6f  max %.6f\n",
					color.New(color.Bold).Sprint(s.Metric), s.Runs, s.Mean, s.StdDev, s.Min, s.Max)
			}
			return nil
		},
	}
	addRunFlags(cmd.Flags(), &flags)
	cmd.Flags().StringVar(&seeds, "seeds", "1-4", "Seeds as a list or range (1,2,5 or 1-8)")
	cmd.Flags().IntVar(&parallel, "parallel", 4, "Maximum concurrent runs")
	cmd.Flags().StringVar(&metric, "metric", runlog.LossColumn, "Final metric to summarize")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <run.yaml>...",
		Short: "Check run files without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				if _, err := config.LoadRunConfig(path); err != nil {
					failed++
					fmt.Fprintf(w, "%s %s: %v\n", color.RedString("FAIL"), path, err)
					continue
				}
				fmt.Fprintf(w, "%s %s\n", color.GreenString("OK"), path)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d run files invalid", failed, len(args))
			}
			return nil
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var driver, dsn string
	cmd := &cobra.Command{
		Use:   "history <run-id>",
		Short: "Print the records of a past run from the SQL store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				return fmt.Errorf("--dsn is required")
			}
			ctx, cancel := signalContext()
			defer cancel()
			store, err := runlog.OpenSQL(ctx, driver, dsn, args[0])
			if err != nil {
				return err
			}
			defer store.Close()
			rows, err := store.History(ctx, args[0])
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				return fmt.Errorf("no records for run %s", args[0])
			}
			printRows(cmd.OutOrStdout(), rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&driver, "driver", "sqlite", "SQL driver (sqlite|postgres)")
	cmd.Flags().StringVar(&dsn, "dsn", "", "SQL data source name")
	return cmd
}

// parseSeeds reads "1,2,5" or "3-6".
func parseSeeds(s string) ([]uint64, error) {
	if lo, hi, ok := strings.Cut(s, "-"); ok {
		a, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid seed range %q: %w", s, err)
		}
		b, err := strconv.ParseUint(strings.TrimSpace(hi), 10, 64)
		if err != nil || b < a {
			return nil, fmt.Errorf("invalid seed range %q", s)
		}
		out := make([]uint64, 0, b-a+1)
		for v := a; v <= b; v++ {
			out = append(out, v)
		}
		return out, nil
	}
	var out []uint64
	for _, part := range strings.Split(s, ",") {
		v, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid seed %q: %w", part, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func printOutcome(w io.Writer, o *pipeline.Outcome) {
	status := color.YellowString("exhausted")
	if o.Result.Converged {
		status = color.GreenString("converged")
	}
	fmt.Fprintf(w, "%s  run %s  seed %d  %s after %d iterations in %s\n",
		color.New(color.Bold).Sprint(o.Name), o.RunID[:8], o.Seed, status,
		o.Result.Iterations, o.Result.Elapsed.Round(time.Millisecond))
	for _, col := range runlog.Columns(o.Result.Final) {
		fmt.Fprintf(w, "  %-28s %14.6f -> %14.6f\n", col, o.Result.Initial[col], o.Result.Final[col])
	}
	fmt.Fprintf(w, "  %-28s %14.6f -> %14.6f\n", "mean profit", o.Before.Mean, o.After.Mean)
	for _, path := range o.Reports {
		fmt.Fprintf(w, "  report %s\n", path)
	}
}

func printRows(w io.Writer, rows []runlog.Row) {
	cols := map[string]float64{}
	for _, r := range rows {
		for k, v := range r.Metrics {
			cols[k] = v
		}
	}
	names := runlog.Columns(cols)
	fmt.Fprintf(w, "%-10s", "iteration")
	for _, n := range names {
		fmt.Fprintf(w, " %14s", n)
	}
	fmt.Fprintln(w)
	for _, r := range rows {
		fmt.Fprintf(w, "%-10d", r.Iteration)
		for _, n := range names {
			if v, ok := r.Metrics[n]; ok {
				fmt.Fprintf(w, " %14.6f", v)
			} else {
				fmt.Fprintf(w, " %14s", "-")
			}
		}
		fmt.Fprintln(w)
	}
}
