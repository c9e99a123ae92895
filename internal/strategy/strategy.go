// Package strategy turns raw liquidation signals into realizable liquidation
// fractions and combines them with portfolio weights and instrument returns
// into per-scenario profit.
package strategy

import (
	"errors"
	"fmt"

	"github.com/sawpanic/mcalib/internal/cache"
	"github.com/sawpanic/mcalib/internal/graph"
	"github.com/sawpanic/mcalib/internal/process"
	"github.com/sawpanic/mcalib/internal/tensor"
)

// ErrEmptyBook is returned when profit is requested from a strategy that
// holds no instruments.
var ErrEmptyBook = errors.New("strategy has no instruments")

// Config describes a strategy.
type Config struct {
	Weights     []float64
	Mode        WeightsMode
	Liquidation LiquidationFunc
	Params      process.Params
}

// Strategy holds log-space portfolio weights, a liquidation function and the
// caches for its intermediate stages.
type Strategy struct {
	book        *Book
	weights     *tensor.Tensor
	liquidation LiquidationFunc
	params      process.Params
	cache       *cache.Cache[*tensor.Tensor]
}

// New builds a strategy over book. A nil liquidation function means
// BuyAndHold.
func New(book *Book, cfg Config) (*Strategy, error) {
	if book == nil {
		return nil, ErrEmptyBook
	}
	if cfg.Liquidation == nil {
		cfg.Liquidation = BuyAndHold
	}
	if cfg.Params == nil {
		cfg.Params = process.Params{}
	}
	s := &Strategy{
		book:        book,
		liquidation: cfg.Liquidation,
		params:      cfg.Params,
		cache:       cache.New[*tensor.Tensor](),
	}
	if err := s.SetWeights(cfg.Weights, cfg.Mode); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Strategy) Book() *Book                         { return s.book }
func (s *Strategy) Params() process.Params              { return s.params }
func (s *Strategy) Cache() *cache.Cache[*tensor.Tensor] { return s.cache }

// Weights returns the stored log-space weights. The tensor keeps its identity
// across SetWeights calls of the same length.
func (s *Strategy) Weights() *tensor.Tensor { return s.weights }

// NormalizedWeights is the softmax of the stored weights.
func (s *Strategy) NormalizedWeights() *tensor.Tensor { return tensor.Softmax(s.weights) }

// SetWeights replaces the weights. Weights are not part of any cached stage.
func (s *Strategy) SetWeights(w []float64, mode WeightsMode) error {
	logits, err := toLogits(w, mode)
	if err != nil {
		return fmt.Errorf("set %s weights: %w", mode, err)
	}
	if s.weights != nil && s.weights.Len() == len(logits) {
		return s.weights.Set(logits)
	}
	s.weights, err = tensor.Param(logits, len(logits))
	return err
}

// Liquidations returns the realized liquidation fractions
// [instruments, trials, periods-1]; column j is period j+1.
func (s *Strategy) Liquidations(assets *tensor.Tensor) (*tensor.Tensor, error) {
	return s.cache.Do(cache.StageLiquidation, func() (*tensor.Tensor, error) {
		raw, err := s.liquidation(assets, s.book, s.params)
		if err != nil {
			return nil, fmt.Errorf("liquidation signal: %w", err)
		}
		want := []int{s.book.Len(), assets.Dim(-2), assets.Dim(-1)}
		if !equalShape(raw.Shape(), want) {
			return nil, fmt.Errorf("%w: liquidation signal %v, want %v", tensor.ErrShape, raw.Shape(), want)
		}
		return backroll(s.applyBoundaries(raw)), nil
	})
}

// applyBoundaries forces no liquidation at entry, full liquidation at the
// horizon and at maturity-1 of every instrument that matures inside it.
func (s *Strategy) applyBoundaries(raw *tensor.Tensor) *tensor.Tensor {
	n, periods := raw.Dim(0), raw.Dim(-1)
	keep := tensor.Full(1, n, 1, periods)
	force := tensor.Zeros(n, 1, periods)
	for i, inst := range s.book.Instruments() {
		forced := []int{periods - 1}
		if m, ok := inst.Maturity(); ok && m >= 1 && m <= periods {
			forced = append(forced, m-1)
		}
		keep.Update(func(j int, v float64) float64 {
			if j == i*periods {
				return 0
			}
			for _, t := range forced {
				if j == i*periods+t {
					return 0
				}
			}
			return v
		})
		force.Update(func(j int, v float64) float64 {
			for _, t := range forced {
				if j == i*periods+t {
					return 1
				}
			}
			return v
		})
	}
	return tensor.Add(tensor.Mul(raw, keep), force)
}

// backroll converts liquidation desire into realized fractions: period t+1
// realizes its desire times what survived every earlier period.
func backroll(liq *tensor.Tensor) *tensor.Tensor {
	periods := liq.Dim(-1)
	remaining := tensor.CumProd(tensor.RSub(1, liq))
	return tensor.Mul(tensor.Slice(liq, -1, 1, periods), tensor.Slice(remaining, -1, 0, periods-1))
}

// Returns computes sign * (revenue - price) / price for every instrument from
// period 1 on, shaped [instruments, trials, periods-1].
func (s *Strategy) Returns(revenue *tensor.Tensor) (*tensor.Tensor, error) {
	return s.cache.Do(cache.StageReturns, func() (*tensor.Tensor, error) {
		insts := s.book.Instruments()
		if revenue.Dims() != 3 || revenue.Dim(0) != len(insts) {
			return nil, fmt.Errorf("%w: revenue %v for %d instruments", tensor.ErrShape, revenue.Shape(), len(insts))
		}
		prices := make([]*tensor.Tensor, len(insts))
		signs := make([]float64, len(insts))
		for i, inst := range insts {
			prices[i] = inst.Price()
			signs[i] = inst.Sign()
		}
		price := tensor.Reshape(tensor.Stack(0, prices...), len(insts), 1, 1)
		sign := tensor.MustNew(signs, len(insts), 1, 1)
		returns := tensor.Mul(sign, tensor.Div(tensor.Sub(revenue, price), price))
		return tensor.Slice(returns, -1, 1, revenue.Dim(-1)), nil
	})
}

// EstimateProfit returns per-scenario, per-period profit [trials, periods-1]
// from stacked asset scenarios and instrument revenue [instruments, trials,
// periods].
func (s *Strategy) EstimateProfit(assets, revenue *tensor.Tensor) (*tensor.Tensor, error) {
	n := s.book.Len()
	if n == 0 {
		return nil, ErrEmptyBook
	}
	if s.weights.Len() != n {
		return nil, fmt.Errorf("%w: %d weights for %d instruments", tensor.ErrShape, s.weights.Len(), n)
	}
	if assets.Dim(-1) < 2 {
		return nil, fmt.Errorf("%w: profit needs at least two periods, got %d", tensor.ErrShape, assets.Dim(-1))
	}
	product, err := s.cache.Do(cache.StageProduct, func() (*tensor.Tensor, error) {
		liq, err := s.Liquidations(assets)
		if err != nil {
			return nil, err
		}
		ret, err := s.Returns(revenue)
		if err != nil {
			return nil, err
		}
		return tensor.Mul(liq, ret), nil
	})
	if err != nil {
		return nil, err
	}
	w := tensor.Reshape(s.NormalizedWeights(), n, 1, 1)
	return tensor.Sum(tensor.Mul(w, product), 0), nil
}

func (s *Strategy) Leaves() map[string]*tensor.Tensor {
	return map[string]*tensor.Tensor{
		"portfolioWeights":  s.weights,
		"normalizedWeights": s.NormalizedWeights(),
	}
}

func (s *Strategy) Children() map[string]any {
	return map[string]any{
		"params":      graph.Params{Values: s.params, Deps: cache.ScopeLiquidation},
		"instruments": s.book,
	}
}

func (s *Strategy) Scope() cache.Scope { return cache.ScopeWeights }

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
