package scenario

import (
	"fmt"

	"github.com/sawpanic/mcalib/internal/asset"
	"github.com/sawpanic/mcalib/internal/cache"
	"github.com/sawpanic/mcalib/internal/calibrate"
	"github.com/sawpanic/mcalib/internal/config"
	"github.com/sawpanic/mcalib/internal/instrument"
	"github.com/sawpanic/mcalib/internal/metrics"
	"github.com/sawpanic/mcalib/internal/portfolio"
	"github.com/sawpanic/mcalib/internal/preference"
	"github.com/sawpanic/mcalib/internal/process"
	"github.com/sawpanic/mcalib/internal/strategy"
)

var (
	generators = map[string]process.Generator{
		"normal_diffusion":       process.NormalDiffusion,
		"multi_normal_diffusion": process.MultiNormalDiffusion,
		"binomial":               process.Binomial,
		"fixed_income":           process.FixedIncome,
	}
	payoffs = map[string]instrument.Payoff{
		"non_derivative":       instrument.NonDerivative,
		"non_derivative_short": instrument.NonDerivativeShort,
		"european_call":        instrument.EuropeanCall,
		"european_put":         instrument.EuropeanPut,
		"american_call":        instrument.AmericanCall,
		"american_put":         instrument.AmericanPut,
	}
	liquidations = map[string]strategy.LiquidationFunc{
		"buy_and_hold": strategy.BuyAndHold,
		"uniform":      strategy.UniformLiquidation,
	}
	utilities = map[string]preference.UtilityFunc{
		"risk_neutral": preference.RiskNeutral,
		"crra":         preference.CRRA,
	}
	discounts = map[string]preference.DiscountFunc{
		"none":     preference.NoDiscount,
		"periodic": preference.PeriodicDiscount,
	}
	stages = map[string]cache.Stage{
		cache.StageAssets.Name:      cache.StageAssets,
		cache.StageRevenue.Name:     cache.StageRevenue,
		cache.StageLiquidation.Name: cache.StageLiquidation,
		cache.StageReturns.Name:     cache.StageReturns,
		cache.StageProduct.Name:     cache.StageProduct,
	}
)

// Stages maps cache stage names to stages. "all" expands to every stage.
func Stages(names []string) ([]cache.Stage, error) {
	var out []cache.Stage
	for _, n := range names {
		if n == "all" {
			return []cache.Stage{cache.StageAssets, cache.StageRevenue, cache.StageLiquidation,
				cache.StageReturns, cache.StageProduct}, nil
		}
		s, ok := stages[n]
		if !ok {
			return nil, fmt.Errorf("unknown cache stage %q", n)
		}
		out = append(out, s)
	}
	return out, nil
}

// Build assembles the portfolio and preference a run file describes. opts
// are applied after the seed and caching the file selects.
func Build(cfg *config.RunConfig, opts ...portfolio.Option) (*portfolio.Portfolio, *preference.Preference, error) {
	cached, err := Stages(cfg.Portfolio.Caching)
	if err != nil {
		return nil, nil, err
	}
	base := []portfolio.Option{portfolio.WithSeed(cfg.Seed), portfolio.WithCaching(cached...)}
	p, err := portfolio.New(cfg.Portfolio.Periods, cfg.Portfolio.Trials, append(base, opts...)...)
	if err != nil {
		return nil, nil, err
	}

	for _, a := range cfg.Assets {
		gen, ok := generators[a.Process]
		if !ok {
			return nil, nil, fmt.Errorf("asset %s: unknown process %q", a.Name, a.Process)
		}
		params, err := newParams(a.Params)
		if err != nil {
			return nil, nil, fmt.Errorf("asset %s: %w", a.Name, err)
		}
		id := asset.Single(a.Name)
		if len(a.Members) > 0 {
			id = asset.Group(a.Members...)
		}
		if _, err := p.AddAsset(id, gen, params); err != nil {
			return nil, nil, fmt.Errorf("asset %s: %w", id, err)
		}
	}

	for _, spec := range cfg.Instruments {
		payoff, ok := payoffs[spec.Payoff]
		if !ok {
			return nil, nil, fmt.Errorf("instrument %s: unknown payoff %q", spec.Name, spec.Payoff)
		}
		params, err := newParams(spec.Params)
		if err != nil {
			return nil, nil, fmt.Errorf("instrument %s: %w", spec.Name, err)
		}
		if _, err := p.AddInstrument(instrument.Config{
			Name:       spec.Name,
			AssetName:  spec.Asset,
			Payoff:     payoff,
			Price:      spec.Price,
			Short:      spec.Short,
			Commission: spec.Commission,
			Params:     params,
		}); err != nil {
			return nil, nil, fmt.Errorf("instrument %s: %w", spec.Name, err)
		}
	}

	mode := strategy.WeightsSimplex
	if cfg.Strategy.Mode == "logits" {
		mode = strategy.WeightsLogits
	}
	weights := cfg.Strategy.Weights
	if len(weights) == 0 {
		weights = equalWeights(len(cfg.Instruments))
		mode = strategy.WeightsSimplex
	}
	if err := p.SetStrategy(strategy.Config{
		Weights:     weights,
		Mode:        mode,
		Liquidation: liquidations[cfg.Strategy.Liquidation],
	}); err != nil {
		return nil, nil, err
	}

	utility, ok := utilities[cfg.Preference.Utility]
	if !ok {
		return nil, nil, fmt.Errorf("unknown utility %q", cfg.Preference.Utility)
	}
	discount, ok := discounts[cfg.Preference.Discount]
	if !ok {
		return nil, nil, fmt.Errorf("unknown discount %q", cfg.Preference.Discount)
	}
	raw := make(map[string]any, len(cfg.Preference.Params))
	for k, v := range cfg.Preference.Params {
		raw[k] = v
	}
	prefParams, err := process.NewParams(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("preference: %w", err)
	}
	return p, preference.New(utility, discount, prefParams), nil
}

func newParams(raw map[string]any) (process.Params, error) {
	values, err := config.Params(raw)
	if err != nil {
		return nil, err
	}
	return process.NewParams(values)
}

// OptimizerConfig converts the calibration section into loop settings.
func OptimizerConfig(c config.CalibrationConfig) calibrate.Config {
	cfg := calibrate.Config{
		Iterations:   c.Iterations,
		LearningRate: c.LearningRate,
		Tolerance:    c.Tolerance,
		Patience:     c.Patience,
		Method:       c.Method,
	}
	if cfg.Iterations == 0 {
		cfg.Iterations = calibrate.DefaultConfig().Iterations
	}
	if cfg.Tolerance == 0 {
		cfg.Tolerance = calibrate.DefaultConfig().Tolerance
	}
	return cfg
}

// Metric builds the function and targets of one configured metric. Profit
// metrics default to the profits leaf and element metrics to the normalized
// weights.
func Metric(m config.MetricConfig) (calibrate.MetricFunc, []string, error) {
	target := m.Target
	var fn calibrate.MetricFunc
	switch m.Kind {
	case "value":
		fn = calibrate.Value
	case "element":
		if target == "" {
			target = NormalizedPath
		}
		fn = calibrate.Element(m.Index)
	case "mean_profit":
		fn = calibrate.MetricFunc(metrics.MeanProfit())
	case "min_profit":
		fn = calibrate.MetricFunc(metrics.MinProfit())
	case "max_profit":
		fn = calibrate.MetricFunc(metrics.MaxProfit())
	case "profit_std_dev":
		fn = calibrate.MetricFunc(metrics.ProfitStdDev())
	case "profit_percentile":
		fn = calibrate.MetricFunc(metrics.ProfitPercentile(m.Level))
	case "value_at_risk":
		fn = calibrate.MetricFunc(metrics.ValueAtRisk(m.Level))
	case "scenario_count":
		fn = calibrate.MetricFunc(metrics.ScenarioCount())
	case "sharpe_ratio":
		fn = calibrate.MetricFunc(metrics.SharpeRatio(m.Level))
	default:
		return nil, nil, fmt.Errorf("metric %s: unknown kind %q", m.Name, m.Kind)
	}
	if target == "" {
		if m.Kind == "value" {
			return nil, nil, fmt.Errorf("metric %s: value needs a target", m.Name)
		}
		target = ProfitsPath
	}
	return fn, []string{target}, nil
}

// Setup registers the configured loss and metrics on o and returns the
// targets to optimize. Utility equalization goes through Equalize, which
// rebalances the portfolio towards the derivative targets and optimizes
// their mapped locations.
func Setup(o *calibrate.Optimizer, c config.CalibrationConfig) ([]string, error) {
	targets := c.Targets
	switch c.Loss {
	case "", "portfolio_optimization":
		if err := o.RegisterLoss([]string{UtilityPath}, calibrate.PortfolioOptimizationLoss, nil); err != nil {
			return nil, err
		}
	case "utility_equalization":
		mapper := PriceLocation
		if c.DerivativeLocation == "volatility" {
			mapper = VolatilityLocation
		}
		locations, err := Equalize(o, Equalization{
			Targets:          c.DerivativeTargets,
			Mapper:           mapper,
			DerivativeWeight: c.DerivativeWeight,
			TargetUtility:    c.TargetUtility,
		})
		if err != nil {
			return nil, err
		}
		targets = locations
	default:
		return nil, fmt.Errorf("unknown loss %q", c.Loss)
	}
	for _, m := range c.Metrics {
		fn, paths, err := Metric(m)
		if err != nil {
			return nil, err
		}
		if err := o.RegisterMetric(m.Name, paths, fn); err != nil {
			return nil, fmt.Errorf("metric %s: %w", m.Name, err)
		}
	}
	return targets, nil
}
