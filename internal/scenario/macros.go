package scenario

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/mcalib/internal/asset"
	"github.com/sawpanic/mcalib/internal/calibrate"
	"github.com/sawpanic/mcalib/internal/instrument"
	"github.com/sawpanic/mcalib/internal/portfolio"
	"github.com/sawpanic/mcalib/internal/preference"
	"github.com/sawpanic/mcalib/internal/process"
	"github.com/sawpanic/mcalib/internal/strategy"
)

// Paths used by the macros.
const (
	WeightsPath    = "portfolio.strategy.portfolioWeights"
	NormalizedPath = "portfolio.strategy.normalizedWeights"
	UtilityPath    = "utility"
	ProfitsPath    = "profits"
)

// DefaultDerivativeWeight is the allocation UtilityEqualization gives each
// priced instrument.
const DefaultDerivativeWeight = 0.005

// ErrNotPriceable is returned when a location mapper cannot place a target.
var ErrNotPriceable = errors.New("instrument cannot be calibrated at this location")

// LocationMapper maps an instrument key string to the graph path the
// equalization adjusts.
type LocationMapper func(target string, p *portfolio.Portfolio) (string, error)

// PriceLocation solves for the instrument price.
func PriceLocation(target string, p *portfolio.Portfolio) (string, error) {
	if _, err := lookup(p, target); err != nil {
		return "", err
	}
	return "portfolio.instruments." + target + ".price", nil
}

// VolatilityLocation solves for the std parameter of the underlying. Members
// of co-simulated groups share a covariance matrix and are rejected.
func VolatilityLocation(target string, p *portfolio.Portfolio) (string, error) {
	inst, err := lookup(p, target)
	if err != nil {
		return "", err
	}
	a, ok := p.Asset(asset.Single(inst.AssetName()))
	if !ok {
		return "", fmt.Errorf("%w: %s is written on a grouped asset", ErrNotPriceable, target)
	}
	if !a.Params().Has("std") {
		return "", fmt.Errorf("%w: asset %s has no std parameter", ErrNotPriceable, inst.AssetName())
	}
	return "portfolio.assets." + a.ID().String() + ".params.std", nil
}

func lookup(p *portfolio.Portfolio, target string) (*instrument.Instrument, error) {
	for _, inst := range p.Book().Instruments() {
		if inst.Key().String() == target {
			return inst, nil
		}
	}
	return nil, fmt.Errorf("%w: instrument %s", portfolio.ErrAssetNotFound, target)
}

// OptimizeRiskNeutral maximizes expected profit over the portfolio weights
// and reports one weight<Instrument> metric per instrument.
func OptimizeRiskNeutral(ctx context.Context, p *portfolio.Portfolio, cfg calibrate.Config,
	opts ...calibrate.Option) (*calibrate.Optimizer, calibrate.Result, error) {
	pref := preference.New(preference.RiskNeutral, preference.NoDiscount, nil)
	return optimizeWeights(ctx, p, pref, cfg, func(k instrument.Key) string { return "weight" + k.Instrument }, opts)
}

// DefaultRiskAversion is the CRRA coefficient OptimizeRiskAverse uses when
// none is given.
const DefaultRiskAversion = 0.5

// OptimizeRiskAverse maximizes CRRA utility over the portfolio weights with
// a tight early-stopping tolerance and reports <key>weight per instrument.
func OptimizeRiskAverse(ctx context.Context, p *portfolio.Portfolio, riskAversion float64, cfg calibrate.Config,
	opts ...calibrate.Option) (*calibrate.Optimizer, calibrate.Result, error) {
	if riskAversion == 0 {
		riskAversion = DefaultRiskAversion
	}
	if cfg.Tolerance == 0 {
		cfg.Tolerance = 1e-8
	}
	pref := preference.New(preference.CRRA, preference.NoDiscount,
		process.MustParams(map[string]any{"riskAversion": riskAversion}))
	return optimizeWeights(ctx, p, pref, cfg, func(k instrument.Key) string { return k.String() + "weight" }, opts)
}

func optimizeWeights(ctx context.Context, p *portfolio.Portfolio, pref *preference.Preference, cfg calibrate.Config,
	name func(instrument.Key) string, opts []calibrate.Option) (*calibrate.Optimizer, calibrate.Result, error) {
	if cfg.Iterations == 0 {
		cfg.Iterations = calibrate.DefaultConfig().Iterations
	}
	o, err := calibrate.New(p, pref, opts...)
	if err != nil {
		return nil, calibrate.Result{}, err
	}
	if err := o.RegisterLoss([]string{UtilityPath}, calibrate.PortfolioOptimizationLoss, nil); err != nil {
		return nil, calibrate.Result{}, err
	}
	for i, k := range p.Book().Keys() {
		if err := o.RegisterMetric(name(k), []string{NormalizedPath}, calibrate.Element(i)); err != nil {
			return nil, calibrate.Result{}, err
		}
	}
	res, err := o.Optimize(ctx, []string{WeightsPath}, cfg)
	return o, res, err
}

// Equalization configures UtilityEqualization.
type Equalization struct {
	Targets          []string
	Mapper           LocationMapper
	DerivativeWeight float64
	// TargetUtility overrides the utility of the zero-allocation portfolio.
	TargetUtility *float64
	Config        calibrate.Config
}

// DefaultEqualizationConfig is the loop used for indifference pricing.
func DefaultEqualizationConfig() calibrate.Config {
	cfg := calibrate.DefaultConfig()
	cfg.LearningRate = 0.1
	return cfg
}

// UtilityEqualization finds the values at the mapped locations that leave
// the investor indifferent between the portfolio without the target
// instruments and one holding DerivativeWeight of each of them.
func UtilityEqualization(ctx context.Context, p *portfolio.Portfolio, pref *preference.Preference, eq Equalization,
	opts ...calibrate.Option) (*calibrate.Optimizer, calibrate.Result, error) {
	if eq.Config == (calibrate.Config{}) {
		eq.Config = DefaultEqualizationConfig()
	}
	o, err := calibrate.New(p, pref, opts...)
	if err != nil {
		return nil, calibrate.Result{}, err
	}
	locations, err := Equalize(o, eq)
	if err != nil {
		return nil, calibrate.Result{}, err
	}
	res, err := o.Optimize(ctx, locations, eq.Config)
	return o, res, err
}

// Equalize prepares o for utility equalization and returns the locations to
// optimize. It measures the target utility with every target at zero weight,
// rebalances the portfolio to DerivativeWeight per target, registers the
// equalization loss and one value and one weight metric per target.
func Equalize(o *calibrate.Optimizer, eq Equalization) ([]string, error) {
	if len(eq.Targets) == 0 {
		return nil, errors.New("utility equalization needs at least one target instrument")
	}
	if eq.Mapper == nil {
		eq.Mapper = PriceLocation
	}
	if eq.DerivativeWeight == 0 {
		eq.DerivativeWeight = DefaultDerivativeWeight
	}
	p := o.Portfolio()
	if p.Strategy() == nil {
		return nil, portfolio.ErrNoStrategy
	}

	keys := p.Book().Keys()
	current := p.Strategy().NormalizedWeights().Data()
	reference, err := RebalanceWeights(keys, current, eq.Targets, 0)
	if err != nil {
		return nil, err
	}
	rebalanced, err := RebalanceWeights(keys, current, eq.Targets, eq.DerivativeWeight)
	if err != nil {
		return nil, err
	}

	var target float64
	if eq.TargetUtility != nil {
		target = *eq.TargetUtility
	} else {
		if err := p.SetWeights(reference, strategy.WeightsSimplex); err != nil {
			return nil, err
		}
		if err := o.CalculateUtility(); err != nil {
			return nil, err
		}
		target = o.Utility().Item()
	}
	if err := p.SetWeights(rebalanced, strategy.WeightsSimplex); err != nil {
		return nil, err
	}
	if err := o.CalculateUtility(); err != nil {
		return nil, err
	}
	if err := o.RegisterLoss([]string{UtilityPath}, calibrate.UtilityEqualizationLoss,
		map[string]float64{calibrate.TargetUtility: target}); err != nil {
		return nil, err
	}

	index := make(map[string]int, len(keys))
	for i, k := range keys {
		index[k.String()] = i
	}
	locations := make([]string, len(eq.Targets))
	for i, t := range eq.Targets {
		loc, err := eq.Mapper(t, p)
		if err != nil {
			return nil, err
		}
		locations[i] = loc
		if err := o.RegisterMetric(t, []string{loc}, calibrate.Value); err != nil {
			return nil, err
		}
		if err := o.RegisterMetric("weight"+t, []string{NormalizedPath}, calibrate.Element(index[t])); err != nil {
			return nil, err
		}
	}
	log.Debug().Float64("target_utility", target).Strs("locations", locations).Msg("equalizing utility")
	return locations, nil
}
