// Package process holds the scenario generators behind simulated assets.
//
// Generators draw their randomness up front and build the path from the
// parameters with differentiable tensor operations, so a calibration run can
// optimize drift, volatility, initial value or rates through the paths.
package process

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/sawpanic/mcalib/internal/tensor"
)

// Generator produces a scenario array of shape [trials, periods] for one
// asset or [assets, trials, periods] for a co-simulated group.
type Generator func(periods, trials int, params Params, src rand.Source) (*tensor.Tensor, error)

// Forecaster is an external model producing scenario arrays for a ticker at a
// point in time. Only the contract lives here.
type Forecaster interface {
	Forecast(ctx context.Context, ts time.Time, ticker string, periods, trials int, params Params) (*tensor.Tensor, error)
}

// FromForecaster adapts a forecaster into a Generator bound to ts and ticker.
func FromForecaster(ctx context.Context, f Forecaster, ts time.Time, ticker string) Generator {
	return func(periods, trials int, params Params, _ rand.Source) (*tensor.Tensor, error) {
		x, err := f.Forecast(ctx, ts, ticker, periods, trials, params)
		if err != nil {
			return nil, fmt.Errorf("forecast %s at %s: %w", ticker, ts.Format(time.RFC3339), err)
		}
		return x, nil
	}
}

// NormalDiffusion is a discretized geometric random walk anchored at
// initialValue in period 0: X[t] = initialValue * prod_{k=1..t} (1 + N(mean, std)).
func NormalDiffusion(periods, trials int, params Params, src rand.Source) (*tensor.Tensor, error) {
	if err := checkDims(periods, trials); err != nil {
		return nil, err
	}
	mean, err := params.Get("mean")
	if err != nil {
		return nil, err
	}
	std, err := params.Get("std")
	if err != nil {
		return nil, err
	}
	initial, err := params.Get("initialValue")
	if err != nil {
		return nil, err
	}

	z := standardNormal(src, trials, periods)
	growth := tensor.AddScalar(tensor.Add(tensor.Mul(z, std), mean), 1)
	growth = anchorFirstPeriod(growth, periods, 1)
	return tensor.Mul(initial, tensor.CumProd(growth)), nil
}

// MultiNormalDiffusion applies the NormalDiffusion recurrence jointly across
// assets whose per-period shocks share covarianceMatrix. The covariance enters
// through its Cholesky factor and is not differentiated.
func MultiNormalDiffusion(periods, trials int, params Params, src rand.Source) (*tensor.Tensor, error) {
	if err := checkDims(periods, trials); err != nil {
		return nil, err
	}
	mean, err := params.Get("mean")
	if err != nil {
		return nil, err
	}
	cov, err := params.Get("covarianceMatrix")
	if err != nil {
		return nil, err
	}
	initial, err := params.Get("initialValue")
	if err != nil {
		return nil, err
	}

	n := mean.Len()
	if cov.Dims() != 2 || cov.Dim(0) != n || cov.Dim(1) != n {
		return nil, fmt.Errorf("%w: covarianceMatrix %v for %d assets", tensor.ErrShape, cov.Shape(), n)
	}
	if initial.Len() != n {
		return nil, fmt.Errorf("%w: initialValue has %d values for %d assets", tensor.ErrShape, initial.Len(), n)
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(mat.NewSymDense(n, cov.Data())); !ok {
		return nil, fmt.Errorf("covarianceMatrix is not positive definite")
	}
	var lower mat.TriDense
	chol.LTo(&lower)

	draws := standardNormal(src, n, trials*periods).Data()
	shocks := make([]float64, n*trials*periods)
	cell := trials * periods
	for k := 0; k < cell; k++ {
		for i := 0; i < n; i++ {
			acc := 0.0
			for j := 0; j <= i; j++ {
				acc += lower.At(i, j) * draws[j*cell+k]
			}
			shocks[i*cell+k] = acc
		}
	}
	z := tensor.MustNew(shocks, n, trials, periods)

	growth := tensor.AddScalar(tensor.Add(z, tensor.Reshape(mean, n, 1, 1)), 1)
	growth = anchorFirstPeriod(growth, periods, 1)
	return tensor.Mul(tensor.Reshape(initial, n, 1, 1), tensor.CumProd(growth)), nil
}

// Binomial starts at S0 and moves by u with probability qU, otherwise by d,
// independently per scenario and period.
func Binomial(periods, trials int, params Params, src rand.Source) (*tensor.Tensor, error) {
	if err := checkDims(periods, trials); err != nil {
		return nil, err
	}
	s0, err := params.Get("S0")
	if err != nil {
		return nil, err
	}
	u, err := params.Get("u")
	if err != nil {
		return nil, err
	}
	d, err := params.Get("d")
	if err != nil {
		return nil, err
	}
	qU, err := params.Float("qU")
	if err != nil {
		return nil, err
	}
	if qU < 0 || qU > 1 {
		return nil, fmt.Errorf("qU must be a probability, got %f", qU)
	}

	coin := distuv.Bernoulli{P: qU, Src: src}
	up := make([]float64, trials*periods)
	for i := range up {
		up[i] = coin.Rand()
	}
	mask := tensor.MustNew(up, trials, periods)

	moves := tensor.Add(tensor.Mul(mask, u), tensor.Mul(tensor.RSub(1, mask), d))
	moves = anchorFirstPeriod(moves, periods, 1)
	return tensor.Mul(s0, tensor.CumProd(moves)), nil
}

// FixedIncome compounds deterministically: initialValue * (1+interestRate)^t,
// identical in every scenario.
func FixedIncome(periods, trials int, params Params, _ rand.Source) (*tensor.Tensor, error) {
	if err := checkDims(periods, trials); err != nil {
		return nil, err
	}
	initial, err := params.Get("initialValue")
	if err != nil {
		return nil, err
	}
	rate, err := params.Get("interestRate")
	if err != nil {
		return nil, err
	}

	path := tensor.Mul(initial, tensor.Pow(tensor.AddScalar(rate, 1), tensor.Arange(periods)))
	return tensor.Mul(tensor.Full(1, trials, 1), path), nil
}

func checkDims(periods, trials int) error {
	if periods < 1 || trials < 1 {
		return fmt.Errorf("%w: need at least one period and one trial, got periods=%d trials=%d",
			tensor.ErrShape, periods, trials)
	}
	return nil
}

func standardNormal(src rand.Source, shape ...int) *tensor.Tensor {
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	t := tensor.Zeros(shape...)
	t.Update(func(int, float64) float64 { return normal.Rand() })
	return t
}

// anchorFirstPeriod replaces the first period of x (last axis) with value.
func anchorFirstPeriod(x *tensor.Tensor, periods int, value float64) *tensor.Tensor {
	keep := tensor.Full(1, periods)
	first := tensor.Zeros(periods)
	keep.Update(func(i int, v float64) float64 {
		if i == 0 {
			return 0
		}
		return v
	})
	first.Update(func(i int, v float64) float64 {
		if i == 0 {
			return value
		}
		return v
	})
	return tensor.Add(tensor.Mul(x, keep), first)
}
