package strategy

import (
	"github.com/sawpanic/mcalib/internal/process"
	"github.com/sawpanic/mcalib/internal/tensor"
)

// LiquidationFunc proposes a raw liquidation fraction in [0, 1] for every
// [instrument, trial, period] given the stacked asset scenarios
// [rows, trials, periods]. Boundary and maturity rules are applied afterwards
// by the strategy.
type LiquidationFunc func(assets *tensor.Tensor, book *Book, params process.Params) (*tensor.Tensor, error)

// BuyAndHold liquidates everything at the final period.
func BuyAndHold(assets *tensor.Tensor, book *Book, _ process.Params) (*tensor.Tensor, error) {
	periods := assets.Dim(-1)
	trials := assets.Dim(-2)
	signal := tensor.Zeros(book.Len(), trials, periods)
	signal.Update(func(i int, v float64) float64 {
		if i%periods == periods-1 {
			return 1
		}
		return v
	})
	return signal, nil
}

// UniformLiquidation proposes 1/periods in every period and full liquidation
// at the final one.
func UniformLiquidation(assets *tensor.Tensor, book *Book, _ process.Params) (*tensor.Tensor, error) {
	periods := assets.Dim(-1)
	trials := assets.Dim(-2)
	signal := tensor.Full(1/float64(periods), book.Len(), trials, periods)
	signal.Update(func(i int, v float64) float64 {
		if i%periods == periods-1 {
			return 1
		}
		return v
	})
	return signal, nil
}
