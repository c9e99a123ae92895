package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/sawpanic/mcalib/internal/config"
)

// Sweep repeats cfg once per seed, at most parallel runs at a time. Sweep
// runs share opts.Registry but write no files, streams or monitors of their
// own. Outcomes come back in seed order.
func Sweep(ctx context.Context, cfg *config.RunConfig, seeds []uint64, parallel int, opts Options) ([]*Outcome, error) {
	if len(seeds) == 0 {
		return nil, fmt.Errorf("sweep needs at least one seed")
	}
	opts = opts.withDefaults()
	opts.Hold = false
	opts.Redis = nil

	g, gctx := errgroup.WithContext(ctx)
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	outcomes := make([]*Outcome, len(seeds))
	for i, seed := range seeds {
		run := *cfg
		run.Seed = seed
		run.Name = fmt.Sprintf("%s-seed%d", cfg.Name, seed)
		run.Sinks = config.SinksConfig{}
		run.Monitor = config.MonitorConfig{}
		run.Report = config.ReportConfig{}
		g.Go(func() error {
			out, err := Run(gctx, &run, opts)
			if err != nil {
				return fmt.Errorf("seed %d: %w", seed, err)
			}
			outcomes[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	log.Info().Str("name", cfg.Name).Int("runs", len(seeds)).Msg("sweep complete")
	return outcomes, nil
}

// Spread summarizes one final metric across sweep outcomes.
type Spread struct {
	Metric   string
	Runs     int
	Min, Max float64
	Mean     float64
	StdDev   float64
}

// FinalSpread collects metric from the final record of every outcome.
// Outcomes missing the metric are skipped.
func FinalSpread(outcomes []*Outcome, metric string) (Spread, bool) {
	var values []float64
	for _, o := range outcomes {
		if v, ok := o.Result.Final[metric]; ok {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return Spread{}, false
	}
	s := Spread{Metric: metric, Runs: len(values), Min: floats.Min(values), Max: floats.Max(values)}
	if len(values) == 1 {
		s.Mean = values[0]
		return s, true
	}
	s.Mean, s.StdDev = stat.MeanStdDev(values, nil)
	return s, true
}
