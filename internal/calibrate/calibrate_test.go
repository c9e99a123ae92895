package calibrate

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/mcalib/internal/asset"
	"github.com/sawpanic/mcalib/internal/graph"
	"github.com/sawpanic/mcalib/internal/instrument"
	"github.com/sawpanic/mcalib/internal/portfolio"
	"github.com/sawpanic/mcalib/internal/preference"
	"github.com/sawpanic/mcalib/internal/process"
	"github.com/sawpanic/mcalib/internal/runlog"
	"github.com/sawpanic/mcalib/internal/strategy"
	"github.com/sawpanic/mcalib/internal/tensor"
)

const (
	weightsPath    = "portfolio.strategy.portfolioWeights"
	normalizedPath = "portfolio.strategy.normalizedWeights"
)

func stockBond(t *testing.T) *portfolio.Portfolio {
	t.Helper()
	p, err := portfolio.New(10, 300)
	require.NoError(t, err)
	_, err = p.AddAsset(asset.Single("Company"), process.NormalDiffusion,
		process.MustParams(map[string]any{"mean": 0.01, "std": 0.05, "initialValue": 100.0}))
	require.NoError(t, err)
	_, err = p.AddAsset(asset.Single("Government"), process.FixedIncome,
		process.MustParams(map[string]any{"initialValue": 100.0, "interestRate": 0.05}))
	require.NoError(t, err)
	_, err = p.AddInstrument(instrument.Config{Name: "Stock", AssetName: "Company", Payoff: instrument.NonDerivative, Price: 100})
	require.NoError(t, err)
	_, err = p.AddInstrument(instrument.Config{Name: "Bond", AssetName: "Government", Payoff: instrument.NonDerivative, Price: 100})
	require.NoError(t, err)
	require.NoError(t, p.SetStrategy(strategy.Config{Weights: []float64{0.6, 0.4}}))
	return p
}

func riskNeutral() *preference.Preference {
	return preference.New(preference.RiskNeutral, preference.NoDiscount, nil)
}

func TestEarlyStopping(t *testing.T) {
	e := NewEarlyStopping(3, 0.1)
	assert.False(t, e.Step(1.0))
	assert.False(t, e.Step(0.5))
	assert.False(t, e.Step(0.45), "within tolerance counts as no improvement")
	assert.False(t, e.Step(0.46))
	assert.True(t, e.Step(0.41))
	assert.Equal(t, 0.5, e.Best())

	d := NewEarlyStopping(0, -1)
	assert.Equal(t, DefaultPatience, d.Patience)
	assert.Equal(t, DefaultTolerance, d.Tolerance)
}

func TestResult_Flat(t *testing.T) {
	r := Result{
		Initial:   map[string]float64{"loss": 2, "weightBond": 0.4},
		Final:     map[string]float64{"loss": 1, "weightBond": 0.9},
		Converged: true,
		History:   []Step{{Iteration: 0, Metrics: map[string]float64{"loss": 2}}, {Iteration: 1, Metrics: map[string]float64{"loss": 1.5}}},
	}
	assert.Equal(t, map[string]float64{
		"initial_loss": 2, "initial_weightBond": 0.4,
		"final_loss": 1, "final_weightBond": 0.9,
		"converged": 1,
	}, r.Flat())
	assert.Equal(t, []float64{2, 1.5}, r.Series("loss"))
}

func TestDiscovery(t *testing.T) {
	o, err := New(stockBond(t), riskNeutral())
	require.NoError(t, err)

	assert.Contains(t, o.OptimizationTargets(), weightsPath)
	assert.Contains(t, o.OptimizationTargets(), "portfolio.assets.Company.params.std")
	assert.Contains(t, o.OptimizationTargets(), "portfolio.instruments.Bond_Government.price")
	assert.NotContains(t, o.OptimizationTargets(), "utility")
	assert.Contains(t, o.LossTargets(), "utility")
	assert.Contains(t, o.LossTargets(), normalizedPath)
	for _, path := range o.OptimizationTargets() {
		assert.Contains(t, o.LossTargets(), path)
	}
}

func TestOptimize_Errors(t *testing.T) {
	o, err := New(stockBond(t), riskNeutral())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = o.Optimize(ctx, []string{weightsPath}, Config{Iterations: 1})
	assert.ErrorIs(t, err, ErrNoLoss)

	assert.ErrorIs(t, o.RegisterLoss([]string{"nope"}, PortfolioOptimizationLoss, nil), graph.ErrUnknownTarget)
	require.NoError(t, o.RegisterLoss([]string{"utility"}, PortfolioOptimizationLoss, nil))

	_, err = o.Optimize(ctx, []string{"portfolio.strategy.missing"}, Config{Iterations: 1})
	assert.ErrorIs(t, err, graph.ErrUnknownTarget)
	_, err = o.Optimize(ctx, []string{"utility"}, Config{Iterations: 1})
	assert.ErrorIs(t, err, ErrNotOptimizable)
	_, err = o.Optimize(ctx, []string{weightsPath}, Config{Iterations: 1, Method: "lbfgs"})
	assert.Error(t, err)

	assert.Error(t, o.RegisterMetric(runlog.LossColumn, []string{"utility"}, Value))
}

func TestOptimize_RiskNeutralPrefersBetterAsset(t *testing.T) {
	o, err := New(stockBond(t), riskNeutral())
	require.NoError(t, err)
	require.NoError(t, o.RegisterLoss([]string{"utility"}, PortfolioOptimizationLoss, nil))
	require.NoError(t, o.RegisterMetric("weightBond", []string{normalizedPath}, Element(1)))

	mem := runlog.NewMemory()
	o.logger = mem
	res, err := o.Optimize(context.Background(), []string{weightsPath}, Config{Iterations: 300, LearningRate: 0.05})
	require.NoError(t, err)

	assert.InDelta(t, 0.4, res.Initial["weightBond"], 1e-9)
	assert.Greater(t, res.Final["weightBond"], 0.9)
	assert.Less(t, res.Final[runlog.LossColumn], res.Initial[runlog.LossColumn])

	rows := mem.Rows()
	require.NotEmpty(t, rows)
	assert.Equal(t, -1, rows[0].Iteration)
	assert.Equal(t, res.Iterations, rows[len(rows)-1].Iteration)
	assert.Len(t, rows, res.Iterations+2)

	w := o.Portfolio().Strategy().Weights()
	assert.False(t, w.RequiresGrad(), "targets are frozen after the run")
	last, ok := o.LastResult()
	require.True(t, ok)
	assert.Equal(t, res.Iterations, last.Iterations)
}

func TestOptimize_SampledLoggerKeepsFinalRecord(t *testing.T) {
	mem := runlog.NewMemory()
	o, err := New(stockBond(t), riskNeutral(), WithLogger(runlog.Multi{runlog.NewSampled(mem, 4)}))
	require.NoError(t, err)
	require.NoError(t, o.RegisterLoss([]string{"utility"}, PortfolioOptimizationLoss, nil))

	res, err := o.Optimize(context.Background(), []string{weightsPath}, Config{Iterations: 6, LearningRate: 0.05})
	require.NoError(t, err)

	rows := mem.Rows()
	require.NotEmpty(t, rows)
	assert.Equal(t, -1, rows[0].Iteration)
	last := rows[len(rows)-1]
	assert.Equal(t, res.Iterations, last.Iteration)
	assert.Equal(t, res.Final[runlog.LossColumn], last.Metrics[runlog.LossColumn])
}

func TestOptimize_MispricedCallAttractsWeight(t *testing.T) {
	p, err := portfolio.New(5, 400)
	require.NoError(t, err)
	_, err = p.AddAsset(asset.Single("Company"), process.Binomial,
		process.MustParams(map[string]any{"S0": 100.0, "u": 1.1, "d": 0.9, "qU": 0.5}))
	require.NoError(t, err)
	_, err = p.AddInstrument(instrument.Config{Name: "Stock", AssetName: "Company", Payoff: instrument.NonDerivative, Price: 100})
	require.NoError(t, err)
	_, err = p.AddInstrument(instrument.Config{
		Name: "Call", AssetName: "Company", Payoff: instrument.EuropeanCall, Price: 1,
		Params: process.MustParams(map[string]any{"strikePrice": 100.0, "maturity": 5}),
	})
	require.NoError(t, err)
	require.NoError(t, p.SetStrategy(strategy.Config{Weights: []float64{0.5, 0.5}}))

	o, err := New(p, riskNeutral())
	require.NoError(t, err)
	require.NoError(t, o.RegisterLoss([]string{"utility"}, PortfolioOptimizationLoss, nil))
	require.NoError(t, o.RegisterMetric("weightCall", []string{normalizedPath}, Element(1)))

	res, err := o.Optimize(context.Background(), []string{weightsPath}, Config{Iterations: 300, LearningRate: 0.1})
	require.NoError(t, err)
	assert.Greater(t, res.Final["weightCall"], 0.95)
}

func TestOptimize_MartingaleLeavesLossFlat(t *testing.T) {
	p, err := portfolio.New(6, 500)
	require.NoError(t, err)
	_, err = p.AddAsset(asset.Single("Company"), process.Binomial,
		process.MustParams(map[string]any{"S0": 100.0, "u": 1.1, "d": 0.9, "qU": 0.5}))
	require.NoError(t, err)
	_, err = p.AddAsset(asset.Single("Cash"), process.FixedIncome,
		process.MustParams(map[string]any{"initialValue": 1.0, "interestRate": 0.0}))
	require.NoError(t, err)
	_, err = p.AddInstrument(instrument.Config{Name: "Stock", AssetName: "Company", Payoff: instrument.NonDerivative, Price: 100})
	require.NoError(t, err)
	_, err = p.AddInstrument(instrument.Config{Name: "Deposit", AssetName: "Cash", Payoff: instrument.NonDerivative, Price: 1})
	require.NoError(t, err)
	require.NoError(t, p.SetStrategy(strategy.Config{Weights: []float64{0.5, 0.5}}))

	o, err := New(p, riskNeutral())
	require.NoError(t, err)
	require.NoError(t, o.RegisterLoss([]string{"utility"}, PortfolioOptimizationLoss, nil))
	res, err := o.Optimize(context.Background(), []string{weightsPath}, Config{Iterations: 50, LearningRate: 0.01})
	require.NoError(t, err)

	// Sampling noise only; a fair game has no weight worth moving to.
	assert.InDelta(t, 0, res.Initial[runlog.LossColumn], 0.05)
	assert.InDelta(t, res.Initial[runlog.LossColumn], res.Final[runlog.LossColumn], 0.05)
}

func TestOptimize_UtilityEqualizationPricesInstrument(t *testing.T) {
	p, err := portfolio.New(5, 400)
	require.NoError(t, err)
	_, err = p.AddAsset(asset.Single("Company"), process.NormalDiffusion,
		process.MustParams(map[string]any{"mean": 0.0, "std": 0.05, "initialValue": 100.0}))
	require.NoError(t, err)
	_, err = p.AddInstrument(instrument.Config{Name: "Stock", AssetName: "Company", Payoff: instrument.NonDerivative, Price: 95})
	require.NoError(t, err)
	require.NoError(t, p.SetStrategy(strategy.Config{Weights: []float64{1}}))

	o, err := New(p, riskNeutral())
	require.NoError(t, err)
	require.NoError(t, o.RegisterLoss([]string{"utility"}, UtilityEqualizationLoss, map[string]float64{TargetUtility: 0}))
	require.NoError(t, o.RegisterMetric("utility", []string{"utility"}, Value))

	pricePath := "portfolio.instruments.Stock_Company.price"
	res, err := o.Optimize(context.Background(), []string{pricePath}, Config{Iterations: 1000, LearningRate: 0.1, Patience: 50})
	require.NoError(t, err)

	company, err := p.Scenario("Company")
	require.NoError(t, err)
	fair := tensor.MeanAll(tensor.Select(company, -1, 4)).Item()

	price := p.Book().Instruments()[0].Price().Item()
	assert.InDelta(t, fair, price, 0.5)
	assert.Less(t, math.Abs(res.Final["utility"]), math.Abs(res.Initial["utility"]))
	assert.Less(t, res.Final[runlog.LossColumn], 0.01)
}

type brokenSink struct{ calls int }

func (b *brokenSink) ProcessRecord(context.Context, int, map[string]float64) error {
	b.calls++
	return errors.New("sink offline")
}

func TestOptimize_LoggerFailureIsNotFatal(t *testing.T) {
	sink := &brokenSink{}
	o, err := New(stockBond(t), riskNeutral(), WithLogger(sink))
	require.NoError(t, err)
	require.NoError(t, o.RegisterLoss([]string{"utility"}, PortfolioOptimizationLoss, nil))

	res, err := o.Optimize(context.Background(), []string{weightsPath}, Config{Iterations: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Iterations)
	assert.Equal(t, 7, sink.calls)
}

func TestOptimize_ProcessParameter(t *testing.T) {
	p := stockBond(t)
	o, err := New(p, riskNeutral())
	require.NoError(t, err)
	require.NoError(t, o.RegisterLoss([]string{"utility"}, PortfolioOptimizationLoss, nil))

	meanPath := "portfolio.assets.Company.params.mean"
	before := mustResolve(t, o, meanPath).Item()
	_, err = o.Optimize(context.Background(), []string{meanPath}, Config{Iterations: 20, LearningRate: 0.001})
	require.NoError(t, err)
	after := mustResolve(t, o, meanPath).Item()
	assert.Greater(t, after, before, "higher drift raises expected profit")
}

func TestOptimize_CanceledContext(t *testing.T) {
	o, err := New(stockBond(t), riskNeutral())
	require.NoError(t, err)
	require.NoError(t, o.RegisterLoss([]string{"utility"}, PortfolioOptimizationLoss, nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = o.Optimize(ctx, []string{weightsPath}, Config{Iterations: 10})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, o.Portfolio().Strategy().Weights().RequiresGrad())
}

func mustResolve(t *testing.T, o *Optimizer, path string) *tensor.Tensor {
	t.Helper()
	target, err := graph.Resolve(o, path)
	require.NoError(t, err)
	return target.Tensor
}
