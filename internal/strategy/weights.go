package strategy

import (
	"fmt"
	"math"

	"github.com/sawpanic/mcalib/internal/tensor"
)

// MinWeight floors simplex entries before the log so zero allocations stay
// finite in logit space.
const MinWeight = 1e-12

// WeightsMode tells SetWeights how to read its input.
type WeightsMode int

const (
	// WeightsSimplex is a non-negative allocation; it is renormalized and
	// mapped to logits.
	WeightsSimplex WeightsMode = iota
	// WeightsLogits is stored as given.
	WeightsLogits
)

func (m WeightsMode) String() string {
	if m == WeightsLogits {
		return "logits"
	}
	return "simplex"
}

// SoftmaxInverse maps a simplex to logits: renormalize, floor at MinWeight,
// take the log. softmax(SoftmaxInverse(w)) == w up to the floor.
func SoftmaxInverse(w []float64) ([]float64, error) {
	var sum float64
	for i, v := range w {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("weight %d is %v, want a finite non-negative value", i, v)
		}
		sum += v
	}
	if sum <= 0 {
		return nil, fmt.Errorf("weights sum to %v, want a positive total", sum)
	}
	out := make([]float64, len(w))
	for i, v := range w {
		out[i] = math.Log(math.Max(v/sum, MinWeight))
	}
	return out, nil
}

func toLogits(w []float64, mode WeightsMode) ([]float64, error) {
	if len(w) == 0 {
		return nil, fmt.Errorf("%w: empty weight vector", tensor.ErrShape)
	}
	if mode == WeightsSimplex {
		return SoftmaxInverse(w)
	}
	out := make([]float64, len(w))
	finite := false
	for i, v := range w {
		if math.IsNaN(v) || math.IsInf(v, 1) {
			return nil, fmt.Errorf("logit %d is %v", i, v)
		}
		finite = finite || !math.IsInf(v, -1)
		out[i] = v
	}
	if !finite {
		return nil, fmt.Errorf("every logit is -Inf, want at least one finite value")
	}
	return out, nil
}
