// Package scenario assembles ready-made portfolios and calibration runs: the
// stock/bond and binomial set-ups, weight rebalancing, the risk-neutral and
// risk-averse weight optimizations and utility equalization pricing.
package scenario

import (
	"fmt"

	"github.com/sawpanic/mcalib/internal/asset"
	"github.com/sawpanic/mcalib/internal/instrument"
	"github.com/sawpanic/mcalib/internal/portfolio"
	"github.com/sawpanic/mcalib/internal/process"
	"github.com/sawpanic/mcalib/internal/strategy"
)

// Asset and instrument names used by the generated portfolios.
const (
	Company    = "Company"
	Government = "GovernmentObligation"
	Stock      = "Stock"
	Bond       = "Bond"
	Option     = "EuropeanOption"
)

// StockPortfolioFromMultiAsset co-simulates names with gen and holds one
// equally weighted stock per member, bought at prices[i].
func StockPortfolioFromMultiAsset(names []string, gen process.Generator, params process.Params,
	prices []float64, periods, trials int, opts ...portfolio.Option) (*portfolio.Portfolio, error) {
	if len(names) == 0 || len(names) != len(prices) {
		return nil, fmt.Errorf("need one price per asset, got %d names and %d prices", len(names), len(prices))
	}
	p, err := portfolio.New(periods, trials, opts...)
	if err != nil {
		return nil, err
	}
	if _, err := p.AddAsset(asset.Group(names...), gen, params); err != nil {
		return nil, err
	}
	weights := make([]float64, len(names))
	for i, name := range names {
		if _, err := p.AddInstrument(instrument.Config{
			Name: Stock, AssetName: name, Payoff: instrument.NonDerivative, Price: prices[i],
		}); err != nil {
			return nil, err
		}
		weights[i] = 1 / float64(len(names))
	}
	if err := p.SetStrategy(strategy.Config{Weights: weights, Liquidation: strategy.BuyAndHold}); err != nil {
		return nil, err
	}
	return p, nil
}

// MartingaleProbability is the up-move probability under which the binomial
// stock grows at the risk-free rate r: (1+r-d)/(u-d).
func MartingaleProbability(u, d, r float64) float64 {
	return (1 + r - d) / (u - d)
}

// BinomialOption adds a European option on the binomial stock.
type BinomialOption struct {
	Call   bool
	Strike float64
	Price  float64
}

// BinomialConfig describes a binomial stock, a bond growing at R and an
// optional European option maturing at the last period.
type BinomialConfig struct {
	S0, U, D, R float64
	// QU is the up-move probability; zero means the martingale probability.
	QU       float64
	Weights  []float64
	Option   *BinomialOption
	Maturity int
	Trials   int
}

// BinomialPortfolio builds the binomial stock, bond and option portfolio.
// Weights are taken as given, one per instrument.
func BinomialPortfolio(cfg BinomialConfig, opts ...portfolio.Option) (*portfolio.Portfolio, error) {
	if cfg.Maturity == 0 {
		cfg.Maturity = 2
	}
	if cfg.QU == 0 {
		cfg.QU = MartingaleProbability(cfg.U, cfg.D, cfg.R)
	}
	p, err := portfolio.New(cfg.Maturity, cfg.Trials, opts...)
	if err != nil {
		return nil, err
	}
	if _, err := p.AddAsset(asset.Single(Company), process.Binomial, process.MustParams(map[string]any{
		"S0": cfg.S0, "u": cfg.U, "d": cfg.D, "qU": cfg.QU,
	})); err != nil {
		return nil, err
	}
	if _, err := p.AddAsset(asset.Single(Government), process.FixedIncome, process.MustParams(map[string]any{
		"initialValue": cfg.S0, "interestRate": cfg.R,
	})); err != nil {
		return nil, err
	}
	instruments := []instrument.Config{
		{Name: Stock, AssetName: Company, Payoff: instrument.NonDerivative, Price: cfg.S0},
		{Name: Bond, AssetName: Government, Payoff: instrument.NonDerivative, Price: cfg.S0},
	}
	if o := cfg.Option; o != nil {
		payoff := instrument.EuropeanPut
		if o.Call {
			payoff = instrument.EuropeanCall
		}
		instruments = append(instruments, instrument.Config{
			Name: Option, AssetName: Company, Payoff: payoff, Price: o.Price,
			Params: process.MustParams(map[string]any{"strikePrice": o.Strike, "maturity": cfg.Maturity}),
		})
	}
	for _, c := range instruments {
		if _, err := p.AddInstrument(c); err != nil {
			return nil, err
		}
	}
	weights := cfg.Weights
	if len(weights) == 0 {
		weights = equalWeights(len(instruments))
	}
	if err := p.SetStrategy(strategy.Config{Weights: weights, Liquidation: strategy.BuyAndHold}); err != nil {
		return nil, err
	}
	return p, nil
}

// RebalanceWeights gives every target instrument derivativeWeight and scales
// the remaining instruments so the result still sums to 1. A zero
// derivativeWeight yields the zero-allocation reference portfolio. When the
// non-targets hold no weight the remainder is split evenly among them.
func RebalanceWeights(keys []instrument.Key, weights []float64, targets []string, derivativeWeight float64) ([]float64, error) {
	if len(keys) != len(weights) {
		return nil, fmt.Errorf("%d weights for %d instruments", len(weights), len(keys))
	}
	index := make(map[string]int, len(keys))
	for i, k := range keys {
		index[k.String()] = i
	}
	isTarget := make([]bool, len(keys))
	picked := 0
	for _, t := range targets {
		i, ok := index[t]
		if !ok {
			return nil, fmt.Errorf("%w: instrument %s", portfolio.ErrAssetNotFound, t)
		}
		if !isTarget[i] {
			isTarget[i] = true
			picked++
		}
	}
	if derivativeWeight < 0 {
		return nil, fmt.Errorf("derivative weight must not be negative, got %f", derivativeWeight)
	}
	remainder := 1 - float64(picked)*derivativeWeight
	others := len(keys) - picked
	if remainder < 0 || (others == 0 && remainder > 1e-12) {
		return nil, fmt.Errorf("cannot give %d of %d instruments weight %f each", picked, len(keys), derivativeWeight)
	}

	held := 0.0
	for i, w := range weights {
		if !isTarget[i] {
			held += max(0, w)
		}
	}
	out := make([]float64, len(weights))
	for i, w := range weights {
		switch {
		case isTarget[i]:
			out[i] = derivativeWeight
		case held > 0:
			out[i] = max(0, w) / held * remainder
		default:
			out[i] = remainder / float64(others)
		}
	}
	return out, nil
}

func equalWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1 / float64(n)
	}
	return w
}
