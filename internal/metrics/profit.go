// Package metrics holds profit statistics that can be registered as
// calibration metrics, and the Prometheus collectors a calibration run feeds.
package metrics

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/sawpanic/mcalib/internal/process"
	"github.com/sawpanic/mcalib/internal/tensor"
)

// Func has the shape of a calibration metric. The first target is the
// per-scenario profit vector, usually "profits".
type Func func(targets []*tensor.Tensor, params process.Params) (*tensor.Tensor, error)

func profits(targets []*tensor.Tensor) ([]float64, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("profit metric needs a profits target")
	}
	x := targets[0]
	if x.Len() == 0 {
		return nil, fmt.Errorf("%w: empty profits", tensor.ErrShape)
	}
	return x.Data(), nil
}

func scalar(fn func(x []float64) float64) Func {
	return func(targets []*tensor.Tensor, _ process.Params) (*tensor.Tensor, error) {
		x, err := profits(targets)
		if err != nil {
			return nil, err
		}
		return tensor.Scalar(fn(x)), nil
	}
}

// Kth returns the k-th smallest value of x, 1-based. k is clamped to
// [1, len(x)].
func Kth(x []float64, k int) float64 {
	sorted := append([]float64(nil), x...)
	sort.Float64s(sorted)
	k = max(1, min(k, len(sorted)))
	return sorted[k-1]
}

// ProfitPercentile is the int(n*p)-th smallest scenario profit.
func ProfitPercentile(p float64) Func {
	return scalar(func(x []float64) float64 {
		return Kth(x, int(float64(len(x))*p))
	})
}

// ValueAtRisk is the profit percentile at level p, 0.05 being customary.
func ValueAtRisk(p float64) Func { return ProfitPercentile(p) }

// ProfitStdDev is the sample standard deviation of scenario profits.
func ProfitStdDev() Func {
	return scalar(func(x []float64) float64 { return stat.StdDev(x, nil) })
}

// MinProfit is the worst scenario profit.
func MinProfit() Func { return scalar(floats.Min) }

// MaxProfit is the best scenario profit.
func MaxProfit() Func { return scalar(floats.Max) }

// MeanProfit is the mean scenario profit. It stays on the tape, so it can also
// serve as a loss input.
func MeanProfit() Func {
	return func(targets []*tensor.Tensor, _ process.Params) (*tensor.Tensor, error) {
		if _, err := profits(targets); err != nil {
			return nil, err
		}
		return tensor.MeanAll(targets[0]), nil
	}
}

// ScenarioCount is the number of scenarios.
func ScenarioCount() Func {
	return scalar(func(x []float64) float64 { return float64(len(x)) })
}

// SharpeRatio is (mean - rf) / stddev. A zero deviation yields ±Inf or NaN.
func SharpeRatio(rf float64) Func {
	return scalar(func(x []float64) float64 {
		mean, std := stat.MeanStdDev(x, nil)
		if std == 0 {
			return math.Copysign(math.Inf(1), mean-rf)
		}
		return (mean - rf) / std
	})
}

// Summary is a one-shot description of a profit distribution.
type Summary struct {
	Scenarios   int     `json:"scenarios"`
	Mean        float64 `json:"mean"`
	StdDev      float64 `json:"std_dev"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	ValueAtRisk float64 `json:"value_at_risk"`
	Sharpe      float64 `json:"sharpe"`
}

// Summarize computes a Summary with value at risk at level varLevel and Sharpe
// ratio against rf.
func Summarize(x []float64, varLevel, rf float64) Summary {
	if len(x) == 0 {
		return Summary{}
	}
	mean, std := stat.MeanStdDev(x, nil)
	s := Summary{
		Scenarios:   len(x),
		Mean:        mean,
		StdDev:      std,
		Min:         floats.Min(x),
		Max:         floats.Max(x),
		ValueAtRisk: Kth(x, int(float64(len(x))*varLevel)),
	}
	if std > 0 {
		s.Sharpe = (mean - rf) / std
	}
	return s
}
