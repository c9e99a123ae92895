// Package preference reduces a per-scenario money stream to a scalar expected
// utility.
package preference

import (
	"fmt"
	"math"

	"github.com/sawpanic/mcalib/internal/cache"
	"github.com/sawpanic/mcalib/internal/graph"
	"github.com/sawpanic/mcalib/internal/process"
	"github.com/sawpanic/mcalib/internal/tensor"
)

// MoneyFloor keeps CRRA utility finite near ruin.
const MoneyFloor = 0.01

// UtilityFunc maps aggregated money [trials] to utility [trials].
type UtilityFunc func(money *tensor.Tensor, params process.Params) (*tensor.Tensor, error)

// DiscountFunc returns the discount factor of a period, counted from 1.
type DiscountFunc func(period int, params process.Params) (*tensor.Tensor, error)

// Preference combines a money utility with a time discount.
type Preference struct {
	utility  UtilityFunc
	discount DiscountFunc
	params   process.Params
}

// New builds a preference. Nil functions default to RiskNeutral and NoDiscount.
func New(utility UtilityFunc, discount DiscountFunc, params process.Params) *Preference {
	if utility == nil {
		utility = RiskNeutral
	}
	if discount == nil {
		discount = NoDiscount
	}
	if params == nil {
		params = process.Params{}
	}
	return &Preference{utility: utility, discount: discount, params: params}
}

func (p *Preference) Params() process.Params { return p.params }

// Utility discounts column j of money [trials, n] as period j+1, sums each
// scenario, applies the utility function and averages across scenarios.
func (p *Preference) Utility(money *tensor.Tensor) (*tensor.Tensor, error) {
	if money.Dims() != 2 {
		return nil, fmt.Errorf("%w: utility needs [trials, periods] money, got %v", tensor.ErrShape, money.Shape())
	}
	n := money.Dim(1)
	if n == 0 {
		return nil, fmt.Errorf("%w: money has no periods", tensor.ErrShape)
	}
	factors := make([]*tensor.Tensor, n)
	for j := 0; j < n; j++ {
		f, err := p.discount(j+1, p.params)
		if err != nil {
			return nil, fmt.Errorf("discount period %d: %w", j+1, err)
		}
		if f.Len() != 1 {
			return nil, fmt.Errorf("%w: discount period %d returned %v", tensor.ErrShape, j+1, f.Shape())
		}
		factors[j] = tensor.Reshape(f, 1)
	}
	discounts := tensor.Reshape(tensor.Stack(0, factors...), n)
	aggregated := tensor.Sum(tensor.Mul(money, discounts), 1)
	u, err := p.utility(aggregated, p.params)
	if err != nil {
		return nil, err
	}
	return tensor.MeanAll(u), nil
}

func (p *Preference) Leaves() map[string]*tensor.Tensor { return nil }

func (p *Preference) Children() map[string]any {
	return map[string]any{"params": graph.Params{Values: p.params, Deps: cache.ScopeNone}}
}

// NoDiscount values every period at 1.
func NoDiscount(int, process.Params) (*tensor.Tensor, error) { return tensor.Scalar(1), nil }

// PeriodicDiscount is 1 / (1 + interestRate)^period.
func PeriodicDiscount(period int, params process.Params) (*tensor.Tensor, error) {
	rate, err := params.Get("interestRate")
	if err != nil {
		return nil, err
	}
	return tensor.PowScalar(tensor.AddScalar(rate, 1), -float64(period)), nil
}

// RiskNeutral is the identity.
func RiskNeutral(money *tensor.Tensor, _ process.Params) (*tensor.Tensor, error) { return money, nil }

// CRRA is ((1+money)^(1-γ) - 1) / (1-γ) with 1+money floored at MoneyFloor,
// and log(1+money) at γ = 1. γ is read from riskAversion.
func CRRA(money *tensor.Tensor, params process.Params) (*tensor.Tensor, error) {
	gamma, err := params.Get("riskAversion")
	if err != nil {
		return nil, err
	}
	if gamma.Len() != 1 {
		return nil, fmt.Errorf("%w: riskAversion must be a scalar, got %v", tensor.ErrShape, gamma.Shape())
	}
	wealth := tensor.ClampMin(tensor.AddScalar(money, 1), MoneyFloor)
	if math.Abs(1-gamma.Item()) < 1e-12 {
		return tensor.Log(wealth), nil
	}
	exponent := tensor.RSub(1, gamma)
	return tensor.Div(tensor.AddScalar(tensor.Pow(wealth, exponent), -1), exponent), nil
}
