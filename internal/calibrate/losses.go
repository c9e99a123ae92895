package calibrate

import (
	"fmt"

	"github.com/sawpanic/mcalib/internal/process"
	"github.com/sawpanic/mcalib/internal/tensor"
)

// TargetUtility is the loss parameter read by UtilityEqualizationLoss.
const TargetUtility = "targetUtility"

// PortfolioOptimizationLoss maximizes the first target, usually utility.
func PortfolioOptimizationLoss(targets []*tensor.Tensor, _ process.Params) (*tensor.Tensor, error) {
	if len(targets) != 1 {
		return nil, fmt.Errorf("portfolio optimization loss takes one target, got %d", len(targets))
	}
	return tensor.Neg(targets[0]), nil
}

// UtilityEqualizationLoss is |utility - targetUtility|.
func UtilityEqualizationLoss(targets []*tensor.Tensor, params process.Params) (*tensor.Tensor, error) {
	if len(targets) != 1 {
		return nil, fmt.Errorf("utility equalization loss takes one target, got %d", len(targets))
	}
	target, err := params.Get(TargetUtility)
	if err != nil {
		return nil, err
	}
	return tensor.Abs(tensor.Sub(targets[0], target)), nil
}

// Value reports a single-element target as a metric.
func Value(targets []*tensor.Tensor, _ process.Params) (*tensor.Tensor, error) {
	if len(targets) != 1 || targets[0].Len() != 1 {
		return nil, fmt.Errorf("value metric needs one single-element target")
	}
	return targets[0], nil
}

// Element reports element i of the first target, for example one normalized
// weight.
func Element(i int) MetricFunc {
	return func(targets []*tensor.Tensor, _ process.Params) (*tensor.Tensor, error) {
		if len(targets) != 1 {
			return nil, fmt.Errorf("element metric takes one target, got %d", len(targets))
		}
		x := targets[0]
		if x.Dims() != 1 || i < 0 || i >= x.Len() {
			return nil, fmt.Errorf("%w: element %d of %v", tensor.ErrShape, i, x.Shape())
		}
		return tensor.Select(x, 0, i), nil
	}
}
