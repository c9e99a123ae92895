package scenario

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat/combin"

	"github.com/sawpanic/mcalib/internal/calibrate"
	"github.com/sawpanic/mcalib/internal/config"
	"github.com/sawpanic/mcalib/internal/instrument"
	"github.com/sawpanic/mcalib/internal/preference"
	"github.com/sawpanic/mcalib/internal/process"
	"github.com/sawpanic/mcalib/internal/runlog"
	"github.com/sawpanic/mcalib/internal/tensor"
)

// binomialPrice discounts the expected payoff of a European option expiring
// after n moves under up-probability q.
func binomialPrice(s0, u, d, r, q float64, n int, strike float64, call bool) float64 {
	var sum float64
	for i := 0; i <= n; i++ {
		s := s0 * math.Pow(u, float64(i)) * math.Pow(d, float64(n-i))
		payoff := math.Max(s-strike, 0)
		if !call {
			payoff = math.Max(strike-s, 0)
		}
		sum += float64(combin.Binomial(n, i)) * math.Pow(q, float64(i)) * math.Pow(1-q, float64(n-i)) * payoff
	}
	return sum / math.Pow(1+r, float64(n))
}

func TestMartingaleProbability(t *testing.T) {
	assert.InDelta(t, 2.0/3, MartingaleProbability(1.2, 0.9, 0.1), 1e-12)
	// a call struck at zero is the stock itself
	assert.InDelta(t, 100, binomialPrice(100, 1.2, 0.9, 0.1, 2.0/3, 3, 0, true), 1e-9)
}

func TestBinomialPortfolio(t *testing.T) {
	p, err := BinomialPortfolio(BinomialConfig{
		S0: 100, U: 1.2, D: 0.9, R: 0.1, Maturity: 3, Trials: 50,
		Option: &BinomialOption{Call: true, Strike: 100, Price: 19},
	})
	require.NoError(t, err)

	keys := p.Book().Keys()
	require.Len(t, keys, 3)
	assert.Equal(t, "Stock_Company", keys[0].String())
	assert.Equal(t, "Bond_GovernmentObligation", keys[1].String())
	assert.Equal(t, "EuropeanOption_Company", keys[2].String())
	assert.InDeltaSlice(t, []float64{1.0 / 3, 1.0 / 3, 1.0 / 3}, p.Strategy().NormalizedWeights().Data(), 1e-9)

	bond, err := p.Scenario(Government)
	require.NoError(t, err)
	assert.InDelta(t, 121, bond.At(0, 2), 1e-9)

	company, err := p.Scenario(Company)
	require.NoError(t, err)
	for _, v := range tensor.Select(company, -1, 2).Data() {
		assert.Contains(t, []float64{81, 108, 144}, math.Round(v*1e9)/1e9)
	}
}

func TestStockPortfolioFromMultiAsset(t *testing.T) {
	params := process.MustParams(map[string]any{
		"mean":             []float64{0.01, 0.02},
		"covarianceMatrix": [][]float64{{0.01, 0}, {0, 0.04}},
		"initialValue":     []float64{100, 50},
	})
	p, err := StockPortfolioFromMultiAsset([]string{"A", "B"}, process.MultiNormalDiffusion, params,
		[]float64{100, 50}, 4, 20)
	require.NoError(t, err)
	require.Len(t, p.Assets(), 1)
	assert.Equal(t, "(A,B)", p.Assets()[0].ID().String())
	assert.Equal(t, []instrument.Key{{Instrument: Stock, Asset: "A"}, {Instrument: Stock, Asset: "B"}}, p.Book().Keys())

	_, err = StockPortfolioFromMultiAsset([]string{"A"}, process.MultiNormalDiffusion, params, nil, 4, 20)
	assert.Error(t, err)
}

func TestRebalanceWeights(t *testing.T) {
	keys := []instrument.Key{{Instrument: "Stock", Asset: "C"}, {Instrument: "Bond", Asset: "G"}, {Instrument: "Call", Asset: "C"}}

	got, err := RebalanceWeights(keys, []float64{0.5, 0.5, 0}, []string{"Call_C"}, 0.03)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.485, 0.485, 0.03}, got, 1e-12)

	got, err = RebalanceWeights(keys, []float64{0.2, 0.6, 0.2}, []string{"Call_C"}, 0)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.25, 0.75, 0}, got, 1e-12, "zero-allocation reference")

	got, err = RebalanceWeights(keys, []float64{0, 0, 1}, []string{"Call_C"}, 0.1)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.45, 0.45, 0.1}, got, 1e-12, "empty remainder is split evenly")

	_, err = RebalanceWeights(keys, []float64{1}, nil, 0.03)
	assert.Error(t, err)
	_, err = RebalanceWeights(keys, []float64{0.5, 0.5, 0}, []string{"Put_C"}, 0.03)
	assert.Error(t, err)
	_, err = RebalanceWeights(keys, []float64{0.5, 0.5, 0}, []string{"Call_C"}, -0.1)
	assert.Error(t, err)
	_, err = RebalanceWeights(keys, []float64{0.5, 0.5, 0}, []string{"Stock_C", "Call_C"}, 0.6)
	assert.Error(t, err)
	_, err = RebalanceWeights(keys, []float64{0.5, 0.5, 0}, []string{"Stock_C", "Bond_G", "Call_C"}, 0.3)
	assert.Error(t, err, "no instrument left to absorb the remainder")
}

func TestRebalanceWeights_StaysOnSimplex(t *testing.T) {
	keys := []instrument.Key{
		{Instrument: "Stock", Asset: "C"}, {Instrument: "Bond", Asset: "G"},
		{Instrument: "Call", Asset: "C"}, {Instrument: "Put", Asset: "C"}, {Instrument: "Digital", Asset: "C"},
	}
	weights := []float64{0.4, 0.3, 0.1, 0.2, 0}
	tests := []struct {
		name    string
		targets []string
		dw      float64
	}{
		{"one", []string{"Call_C"}, 0.005},
		{"two", []string{"Call_C", "Put_C"}, 0.05},
		{"three", []string{"Call_C", "Put_C", "Digital_C"}, 0.2},
		{"repeated", []string{"Call_C", "Call_C"}, 0.05},
		{"reference", []string{"Call_C", "Put_C"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RebalanceWeights(keys, weights, tt.targets, tt.dw)
			require.NoError(t, err)
			sum := 0.0
			for _, w := range got {
				assert.GreaterOrEqual(t, w, 0.0)
				sum += w
			}
			assert.InDelta(t, 1, sum, 1e-12)
			for _, target := range tt.targets {
				for i, k := range keys {
					if k.String() == target {
						assert.InDelta(t, tt.dw, got[i], 1e-12)
					}
				}
			}
			assert.InDelta(t, weights[0]/weights[1], got[0]/got[1], 1e-12, "non-targets keep their proportions")
		})
	}
}

func TestLocationMappers(t *testing.T) {
	p, err := BinomialPortfolio(BinomialConfig{S0: 100, U: 1.2, D: 0.9, R: 0.1, Trials: 10,
		Option: &BinomialOption{Call: true, Strike: 100, Price: 10}})
	require.NoError(t, err)

	loc, err := PriceLocation("EuropeanOption_Company", p)
	require.NoError(t, err)
	assert.Equal(t, "portfolio.instruments.EuropeanOption_Company.price", loc)
	_, err = PriceLocation("Missing_Company", p)
	assert.Error(t, err)

	_, err = VolatilityLocation("EuropeanOption_Company", p)
	assert.ErrorIs(t, err, ErrNotPriceable, "binomial assets have no std")

	multi, err := StockPortfolioFromMultiAsset([]string{"A", "B"}, process.MultiNormalDiffusion,
		process.MustParams(map[string]any{
			"mean": []float64{0, 0}, "covarianceMatrix": [][]float64{{1, 0}, {0, 1}}, "initialValue": []float64{1, 1},
		}), []float64{1, 1}, 3, 5)
	require.NoError(t, err)
	_, err = VolatilityLocation("Stock_A", multi)
	assert.ErrorIs(t, err, ErrNotPriceable)
}

func TestUtilityEqualization_PricesBinomialCall(t *testing.T) {
	const (
		s0, u, d, r = 100.0, 1.2, 0.9, 0.1
		maturity    = 3
		strike      = 100.0
	)
	p, err := BinomialPortfolio(BinomialConfig{
		S0: s0, U: u, D: d, R: r, Maturity: maturity, Trials: 4000,
		Weights: []float64{0.5, 0.5, 0},
		Option:  &BinomialOption{Call: true, Strike: strike, Price: 17},
	})
	require.NoError(t, err)

	fair := binomialPrice(s0, u, d, r, MartingaleProbability(u, d, r), maturity-1, strike, true)
	require.InDelta(t, 19.10, fair, 0.01)

	mem := runlog.NewMemory()
	o, res, err := UtilityEqualization(context.Background(), p,
		preference.New(preference.RiskNeutral, preference.NoDiscount, nil),
		Equalization{
			Targets:          []string{"EuropeanOption_Company"},
			DerivativeWeight: 0.05,
			Config:           calibrate.Config{Iterations: 1000, LearningRate: 0.1, Tolerance: 1e-8, Patience: 50},
		}, calibrate.WithLogger(mem))
	require.NoError(t, err)
	require.NotNil(t, o)

	assert.InDelta(t, fair, res.Final["EuropeanOption_Company"], 1.5)
	assert.InDelta(t, 0.05, res.Final["weightEuropeanOption_Company"], 1e-6)
	assert.Equal(t, 17.0, mem.Series("EuropeanOption_Company")[0])
}

func TestUtilityEqualization_Validation(t *testing.T) {
	p, err := BinomialPortfolio(BinomialConfig{S0: 100, U: 1.2, D: 0.9, R: 0.1, Trials: 10})
	require.NoError(t, err)
	pref := preference.New(preference.RiskNeutral, preference.NoDiscount, nil)

	_, _, err = UtilityEqualization(context.Background(), p, pref, Equalization{})
	assert.Error(t, err)
	_, _, err = UtilityEqualization(context.Background(), p, pref, Equalization{Targets: []string{"EuropeanOption_Company"}})
	assert.Error(t, err)
}

func TestOptimizeRiskNeutral_MispricedPut(t *testing.T) {
	p, err := BinomialPortfolio(BinomialConfig{
		S0: 100, U: 1.2, D: 0.9, R: 0.1, Maturity: 3, Trials: 1000,
		Option: &BinomialOption{Call: false, Strike: 100, Price: 0.5},
	})
	require.NoError(t, err)

	_, res, err := OptimizeRiskNeutral(context.Background(), p, calibrate.Config{Iterations: 300, LearningRate: 0.1})
	require.NoError(t, err)
	assert.Greater(t, res.Final["weightEuropeanOption"], 0.9)
	total := res.Final["weightStock"] + res.Final["weightBond"] + res.Final["weightEuropeanOption"]
	assert.InDelta(t, 1, total, 1e-9)
}

func TestOptimizeRiskAverse_FavorsLowVariance(t *testing.T) {
	params := process.MustParams(map[string]any{
		"mean":             []float64{0.01, 0.01},
		"covarianceMatrix": [][]float64{{0.01, 0}, {0, 0.04}},
		"initialValue":     []float64{1, 1},
	})
	p, err := StockPortfolioFromMultiAsset([]string{"Calm", "Wild"}, process.MultiNormalDiffusion, params,
		[]float64{1, 1}, 4, 2000)
	require.NoError(t, err)

	_, res, err := OptimizeRiskAverse(context.Background(), p, 3, calibrate.Config{Iterations: 300, LearningRate: 0.05})
	require.NoError(t, err)
	calm, wild := res.Final["Stock_Calmweight"], res.Final["Stock_Wildweight"]
	assert.Greater(t, calm, 0.6)
	assert.InDelta(t, 1, calm+wild, 1e-9)
}

const runYAML = `
name: binomial
seed: 7
portfolio: {periods: 3, trials: 200, caching: [assets, revenue]}
assets:
  - {name: Company, process: binomial, params: {S0: 100, u: 1.2, d: 0.9, qU: 0.6666666666666666}}
  - {name: Government, process: fixed_income, params: {initialValue: 100, interestRate: 0.1}}
instruments:
  - {name: Stock, asset: Company, payoff: non_derivative, price: 100}
  - {name: Bond, asset: Government, payoff: non_derivative, price: 100}
  - {name: Call, asset: Company, payoff: european_call, price: 19, params: {strikePrice: 100, maturity: 3}}
preference:
  utility: crra
  params: {riskAversion: 2}
calibration:
  iterations: 5
  metrics:
    - {name: weightCall, kind: element, index: 2}
    - {name: meanProfit, kind: mean_profit}
    - {name: var10, kind: value_at_risk, level: 0.1}
    - {name: sharpe, kind: sharpe_ratio, level: 0.21}
    - {name: callPrice, kind: value, target: portfolio.instruments.Call_Company.price}
`

func TestBuildAndSetup(t *testing.T) {
	cfg, err := config.Parse([]byte(runYAML))
	require.NoError(t, err)

	p, pref, err := Build(cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Periods())
	assert.Len(t, p.Book().Keys(), 3)
	assert.InDelta(t, 1.0/3, p.Strategy().NormalizedWeights().At(2), 1e-9)
	assert.True(t, pref.Params().Has("riskAversion"))

	mem := runlog.NewMemory()
	o, err := calibrate.New(p, pref, calibrate.WithLogger(mem))
	require.NoError(t, err)
	targets, err := Setup(o, cfg.Calibration)
	require.NoError(t, err)
	assert.Equal(t, cfg.Calibration.Targets, targets)

	res, err := o.Optimize(context.Background(), targets, OptimizerConfig(cfg.Calibration))
	require.NoError(t, err)
	assert.Equal(t, 19.0, res.Initial["callPrice"])
	assert.Contains(t, res.Final, "var10")
	assert.Contains(t, res.Final, "sharpe")
	assert.Len(t, mem.Rows(), res.Iterations+2)
}

const equalizationYAML = `
name: indifference
seed: 3
portfolio: {periods: 3, trials: 3000}
assets:
  - {name: Company, process: binomial, params: {S0: 100, u: 1.2, d: 0.9, qU: 0.6666666666666666}}
  - {name: Government, process: fixed_income, params: {initialValue: 100, interestRate: 0.1}}
instruments:
  - {name: Stock, asset: Company, payoff: non_derivative, price: 100}
  - {name: Bond, asset: Government, payoff: non_derivative, price: 100}
  - {name: EuropeanOption, asset: Company, payoff: european_call, price: 5, params: {strikePrice: 100, maturity: 3}}
strategy:
  weights: [0.475, 0.475, 0.05]
calibration:
  loss: utility_equalization
  derivative_targets: [EuropeanOption_Company]
  derivative_weight: 0.05
  iterations: 1000
  learning_rate: 0.1
  tolerance: 1e-8
  patience: 50
`

func TestSetup_UtilityEqualizationFromRunFile(t *testing.T) {
	cfg, err := config.Parse([]byte(equalizationYAML))
	require.NoError(t, err)
	p, pref, err := Build(cfg)
	require.NoError(t, err)

	o, err := calibrate.New(p, pref)
	require.NoError(t, err)
	targets, err := Setup(o, cfg.Calibration)
	require.NoError(t, err)
	assert.Equal(t, []string{"portfolio.instruments.EuropeanOption_Company.price"}, targets)

	res, err := o.Optimize(context.Background(), targets, OptimizerConfig(cfg.Calibration))
	require.NoError(t, err)
	assert.Greater(t, res.Initial["loss"], 0.0, "a cheap call beats the reference portfolio")
	assert.Equal(t, 5.0, res.Initial["EuropeanOption_Company"])

	fair := binomialPrice(100, 1.2, 0.9, 0.1, MartingaleProbability(1.2, 0.9, 0.1), 2, 100, true)
	assert.InDelta(t, fair, res.Final["EuropeanOption_Company"], 1.5)
	assert.InDelta(t, 0.05, res.Final["weightEuropeanOption_Company"], 1e-6)
}

func TestSetup_ExplicitZeroTargetUtility(t *testing.T) {
	cfg, err := config.Parse([]byte(equalizationYAML))
	require.NoError(t, err)
	zero := 0.0
	cfg.Calibration.TargetUtility = &zero
	p, pref, err := Build(cfg)
	require.NoError(t, err)

	o, err := calibrate.New(p, pref)
	require.NoError(t, err)
	targets, err := Setup(o, cfg.Calibration)
	require.NoError(t, err)
	u := o.Utility().Item()

	res, err := o.Optimize(context.Background(), targets, calibrate.Config{Iterations: 0})
	require.NoError(t, err)
	assert.InDelta(t, math.Abs(u), res.Initial["loss"], 1e-12)
}

func TestBuild_SameSeedSameScenarios(t *testing.T) {
	cfg, err := config.Parse([]byte(runYAML))
	require.NoError(t, err)
	a, _, err := Build(cfg)
	require.NoError(t, err)
	b, _, err := Build(cfg)
	require.NoError(t, err)

	sa, err := a.Scenario(Company)
	require.NoError(t, err)
	sb, err := b.Scenario(Company)
	require.NoError(t, err)
	assert.Equal(t, sa.Data(), sb.Data())
}

func TestMetric(t *testing.T) {
	_, targets, err := Metric(config.MetricConfig{Name: "m", Kind: "min_profit"})
	require.NoError(t, err)
	assert.Equal(t, []string{ProfitsPath}, targets)

	_, targets, err = Metric(config.MetricConfig{Name: "w", Kind: "element", Index: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{NormalizedPath}, targets)

	_, _, err = Metric(config.MetricConfig{Name: "v", Kind: "value"})
	assert.Error(t, err)
	_, _, err = Metric(config.MetricConfig{Name: "x", Kind: "kurtosis"})
	assert.Error(t, err)
}

func TestStages(t *testing.T) {
	all, err := Stages([]string{"all"})
	require.NoError(t, err)
	assert.Len(t, all, 5)

	some, err := Stages([]string{"assets", "product"})
	require.NoError(t, err)
	assert.Equal(t, "product", some[1].Name)

	_, err = Stages([]string{"weights"})
	assert.Error(t, err)
}
