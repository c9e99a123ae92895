// Package pipeline runs calibrations described by run files: it builds the
// portfolio, opens the record sinks, optionally serves the live monitor,
// optimizes and writes the reports.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"

	"github.com/sawpanic/mcalib/internal/calibrate"
	"github.com/sawpanic/mcalib/internal/config"
	"github.com/sawpanic/mcalib/internal/metrics"
	"github.com/sawpanic/mcalib/internal/monitor"
	"github.com/sawpanic/mcalib/internal/portfolio"
	"github.com/sawpanic/mcalib/internal/report"
	"github.com/sawpanic/mcalib/internal/runlog"
	"github.com/sawpanic/mcalib/internal/scenario"
)

// Confidence level and risk-free rate of the profit summaries.
const (
	SummaryVaRLevel = 0.05
	SummaryRiskFree = 0.0
)

// Options tune a run beyond what the run file says.
type Options struct {
	Registry *metrics.Registry
	Tracer   trace.Tracer
	// Redis replaces the client built from the run file.
	Redis redis.Cmdable
	// Extra loggers receive every record alongside the configured sinks.
	Extra []runlog.Logger
	// Hold keeps the monitor serving after the run until ctx is done.
	Hold bool
	Now  func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Registry == nil {
		o.Registry = metrics.NewRegistry()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Outcome is what one run produced.
type Outcome struct {
	RunID   string
	Name    string
	Seed    uint64
	Targets []string
	Config  calibrate.Config
	Result  calibrate.Result
	Before  metrics.Summary
	After   metrics.Summary
	Rows    []runlog.Row
	Reports []string
}

// Run executes the calibration cfg describes.
func Run(ctx context.Context, cfg *config.RunConfig, opts Options) (out *Outcome, err error) {
	opts = opts.withDefaults()
	runID := runlog.NewRunID()
	logger := log.With().Str("run", runID).Str("name", cfg.Name).Logger()

	p, pref, err := scenario.Build(cfg, portfolio.WithCacheObserver(opts.Registry))
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", cfg.Name, err)
	}

	s, err := openSinks(ctx, cfg.Sinks, runID, opts.Redis)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := s.close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("closing sinks")
		}
	}()

	history := runlog.NewMemory()
	loggers := runlog.Multi{history, opts.Registry.Sink(runID)}
	loggers = append(loggers, s.loggers...)
	loggers = append(loggers, opts.Extra...)

	if cfg.Monitor.Enabled {
		hub := monitor.NewHub(runID)
		loggers = append(loggers, hub)
		mcfg := monitor.DefaultConfig()
		mcfg.Addr = cfg.Monitor.Addr
		srv := monitor.NewServer(mcfg, opts.Registry.Handler(), hub, history)
		mctx, stop := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- srv.Run(mctx) }()
		defer func() {
			if opts.Hold && err == nil {
				logger.Info().Str("addr", mcfg.Addr).Msg("run finished, monitor still serving until interrupted")
				<-ctx.Done()
			}
			stop()
			if merr := <-done; merr != nil {
				logger.Warn().Err(merr).Msg("monitor stopped")
			}
		}()
	}

	copts := []calibrate.Option{calibrate.WithLogger(loggers)}
	if opts.Tracer != nil {
		copts = append(copts, calibrate.WithTracer(opts.Tracer))
	}
	o, err := calibrate.New(p, pref, copts...)
	if err != nil {
		return nil, err
	}
	before := summarize(o)
	targets, err := scenario.Setup(o, cfg.Calibration)
	if err != nil {
		return nil, err
	}

	ocfg := scenario.OptimizerConfig(cfg.Calibration)
	timer := opts.Registry.StartRun(runID)
	res, err := o.Optimize(ctx, targets, ocfg)
	switch {
	case err != nil:
		timer.Stop("error")
		return nil, fmt.Errorf("calibrate %s: %w", cfg.Name, err)
	case res.Converged:
		timer.Stop("converged")
	default:
		timer.Stop("exhausted")
	}

	out = &Outcome{
		RunID:   runID,
		Name:    cfg.Name,
		Seed:    cfg.Seed,
		Targets: targets,
		Config:  ocfg,
		Result:  res,
		Before:  before,
		After:   summarize(o),
		Rows:    history.Rows(),
	}
	if cfg.Report.Dir != "" {
		out.Reports, err = writeReports(cfg.Report, out, opts.Now())
		if err != nil {
			return out, err
		}
	}
	logger.Info().Int("iterations", res.Iterations).Bool("converged", res.Converged).
		Float64("final_loss", res.Final[runlog.LossColumn]).Msg("run complete")
	return out, nil
}

func summarize(o *calibrate.Optimizer) metrics.Summary {
	if o.Profits() == nil {
		return metrics.Summary{}
	}
	return metrics.Summarize(o.Profits().Data(), SummaryVaRLevel, SummaryRiskFree)
}

func writeReports(rc config.ReportConfig, out *Outcome, now time.Time) ([]string, error) {
	if err := os.MkdirAll(rc.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	in := report.Input{
		Run:       out.RunID,
		Name:      out.Name,
		Targets:   out.Targets,
		Config:    out.Config,
		Result:    out.Result,
		Before:    out.Before,
		After:     out.After,
		Generated: now,
	}
	base := filepath.Join(rc.Dir, out.Name+"_"+out.RunID[:8])
	paths := []string{base + ".md"}
	if err := report.NewGenerator().WriteMarkdown(paths[0], in); err != nil {
		return nil, err
	}
	if rc.XLSX {
		path := base + ".xlsx"
		if err := report.WriteXLSX(path, in, out.Rows); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	if rc.Chart {
		path := base + "_loss.png"
		err := report.WriteLossChart(path, out.Name, runlog.LossColumn, out.Rows)
		switch {
		case errors.Is(err, report.ErrNotEnoughPoints):
			log.Warn().Str("run", out.RunID).Msg("too few records for a loss chart")
		case err != nil:
			return paths, err
		default:
			paths = append(paths, path)
		}
	}
	return paths, nil
}
