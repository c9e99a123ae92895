package instrument

import (
	"errors"
	"fmt"

	"github.com/sawpanic/mcalib/internal/process"
	"github.com/sawpanic/mcalib/internal/tensor"
)

// ErrUnknownOptionType is returned when an option payoff is evaluated with a
// style other than European or American.
var ErrUnknownOptionType = errors.New("unknown option type")

// Payoff maps a [trials, periods] scenario array and a period index to the
// per-scenario cash amount [trials] paid in that period.
type Payoff func(x *tensor.Tensor, t int, params process.Params) (*tensor.Tensor, error)

// Option styles.
const (
	European = "European"
	American = "American"
)

// Right is the side of an option contract.
type Right int

const (
	Call Right = iota
	Put
)

func (r Right) String() string {
	if r == Put {
		return "put"
	}
	return "call"
}

// NonDerivative marks the position to market: the payout is the asset value.
func NonDerivative(x *tensor.Tensor, t int, _ process.Params) (*tensor.Tensor, error) {
	return tensor.Select(x, -1, t), nil
}

// NonDerivativeShort references the initial value: X[0] + (X[0] - X[t]).
func NonDerivativeShort(x *tensor.Tensor, t int, _ process.Params) (*tensor.Tensor, error) {
	first := tensor.Select(x, -1, 0)
	return tensor.Sub(tensor.MulScalar(first, 2), tensor.Select(x, -1, t)), nil
}

// Option returns the payoff of a vanilla option. A European option pays only
// at maturity-1; an American option pays its intrinsic value at every period
// up to maturity-1 and leaves the choice of a single exercise to the
// liquidation schedule. Unknown styles fail at evaluation time.
func Option(right Right, style string) Payoff {
	return func(x *tensor.Tensor, t int, params process.Params) (*tensor.Tensor, error) {
		if style != European && style != American {
			return nil, fmt.Errorf("%w: %q", ErrUnknownOptionType, style)
		}
		strike, err := params.Get("strikePrice")
		if err != nil {
			return nil, err
		}
		maturity, err := params.Float("maturity")
		if err != nil {
			return nil, err
		}
		last := int(maturity) - 1
		trials := x.Dim(0)
		if (style == European && t < last) || t > last {
			return tensor.Zeros(trials), nil
		}
		value := tensor.Select(x, -1, t)
		if right == Call {
			return tensor.Relu(tensor.Sub(value, strike)), nil
		}
		return tensor.Relu(tensor.Sub(strike, value)), nil
	}
}

var (
	EuropeanCall = Option(Call, European)
	EuropeanPut  = Option(Put, European)
	AmericanCall = Option(Call, American)
	AmericanPut  = Option(Put, American)
)

// WithCommission subtracts a flat fee from every evaluation of payoff.
func WithCommission(fee float64, payoff Payoff) Payoff {
	return func(x *tensor.Tensor, t int, params process.Params) (*tensor.Tensor, error) {
		p, err := payoff(x, t, params)
		if err != nil {
			return nil, err
		}
		return tensor.AddScalar(p, -fee), nil
	}
}
