package process

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	"github.com/sawpanic/mcalib/internal/tensor"
)

func column(x *tensor.Tensor, t int) []float64 {
	return tensor.Select(x, -1, t).Data()
}

func TestNormalDiffusion_AnchorAndSpread(t *testing.T) {
	params := MustParams(map[string]any{"mean": 0.05, "std": 0.2, "initialValue": 100.0})

	for _, dims := range [][2]int{{2, 500}, {10, 2000}} {
		periods, trials := dims[0], dims[1]
		x, err := NormalDiffusion(periods, trials, params, rand.NewPCG(1, 2))
		require.NoError(t, err)
		require.Equal(t, []int{trials, periods}, x.Shape())

		for _, v := range column(x, 0) {
			assert.Equal(t, 100.0, v)
		}
		if periods < 3 {
			continue
		}
		first := column(x, 1)
		last := column(x, periods-1)
		assert.Greater(t, stat.Mean(last, nil), stat.Mean(first, nil))
		assert.Greater(t, stat.Variance(last, nil), stat.Variance(first, nil))
	}
}

func TestNormalDiffusion_DifferentiableInVolatility(t *testing.T) {
	params := MustParams(map[string]any{"mean": 0.0, "std": 0.3, "initialValue": 1.0})
	params["std"].SetRequiresGrad(true)

	x, err := NormalDiffusion(5, 200, params, rand.NewPCG(3, 4))
	require.NoError(t, err)

	payoff := tensor.MeanAll(tensor.Relu(tensor.AddScalar(tensor.Select(x, -1, 4), -1)))
	require.NoError(t, payoff.Backward())

	grad := params["std"].Grad()
	require.Len(t, grad, 1)
	assert.Greater(t, grad[0], 0.0, "call value should increase with volatility")
}

func TestNormalDiffusion_MissingParam(t *testing.T) {
	params := MustParams(map[string]any{"mean": 0.05, "initialValue": 100.0})
	_, err := NormalDiffusion(3, 10, params, rand.NewPCG(1, 1))
	require.ErrorIs(t, err, ErrMissingParam)
}

func TestFixedIncome_ExactCompounding(t *testing.T) {
	params := MustParams(map[string]any{"initialValue": 100.0, "interestRate": 0.05})
	x, err := FixedIncome(10, 50, params, nil)
	require.NoError(t, err)
	require.Equal(t, []int{50, 10}, x.Shape())

	for trial := 0; trial < 50; trial++ {
		for period := 0; period < 10; period++ {
			assert.Equal(t, 100.0*math.Pow(1.05, float64(period)), x.At(trial, period))
		}
	}
}

func TestBinomial_MovesAreUpOrDown(t *testing.T) {
	params := MustParams(map[string]any{"S0": 100.0, "u": 1.2, "d": 0.9, "qU": 0.5})
	x, err := Binomial(3, 1000, params, rand.NewPCG(5, 6))
	require.NoError(t, err)

	ups := 0
	for trial := 0; trial < 1000; trial++ {
		assert.Equal(t, 100.0, x.At(trial, 0))
		for period := 1; period < 3; period++ {
			ratio := x.At(trial, period) / x.At(trial, period-1)
			if math.Abs(ratio-1.2) < 1e-12 {
				ups++
				continue
			}
			assert.InDelta(t, 0.9, ratio, 1e-12)
		}
	}
	assert.InDelta(t, 0.5, float64(ups)/2000, 0.05)
}

func TestBinomial_RejectsBadProbability(t *testing.T) {
	params := MustParams(map[string]any{"S0": 100.0, "u": 1.2, "d": 0.9, "qU": 1.5})
	_, err := Binomial(3, 10, params, rand.NewPCG(1, 1))
	assert.Error(t, err)
}

func TestMultiNormalDiffusion_ShapeAndAnchor(t *testing.T) {
	params := MustParams(map[string]any{
		"mean":             []float64{0.01, 0.02},
		"covarianceMatrix": [][]float64{{0.04, 0.01}, {0.01, 0.09}},
		"initialValue":     []float64{100, 50},
	})
	x, err := MultiNormalDiffusion(4, 3000, params, rand.NewPCG(7, 8))
	require.NoError(t, err)
	require.Equal(t, []int{2, 3000, 4}, x.Shape())

	first := tensor.Select(x, 0, 0)
	second := tensor.Select(x, 0, 1)
	for _, v := range column(first, 0) {
		assert.Equal(t, 100.0, v)
	}
	for _, v := range column(second, 0) {
		assert.Equal(t, 50.0, v)
	}

	// One-period growth factors should carry the requested correlation.
	g1 := column(first, 1)
	g2 := column(second, 1)
	for i := range g1 {
		g1[i] = g1[i]/100 - 1
		g2[i] = g2[i]/50 - 1
	}
	want := 0.01 / math.Sqrt(0.04*0.09)
	assert.InDelta(t, want, stat.Correlation(g1, g2, nil), 0.08)
}

func TestMultiNormalDiffusion_ShapeValidation(t *testing.T) {
	params := MustParams(map[string]any{
		"mean":             []float64{0.01, 0.02},
		"covarianceMatrix": [][]float64{{0.04}},
		"initialValue":     []float64{100, 50},
	})
	_, err := MultiNormalDiffusion(4, 10, params, rand.NewPCG(1, 1))
	require.ErrorIs(t, err, tensor.ErrShape)
}

type stubForecaster struct {
	calls  int
	ticker string
	err    error
}

func (s *stubForecaster) Forecast(_ context.Context, _ time.Time, ticker string, periods, trials int, _ Params) (*tensor.Tensor, error) {
	s.calls++
	s.ticker = ticker
	if s.err != nil {
		return nil, s.err
	}
	return tensor.Full(42, trials, periods), nil
}

func TestFromForecaster(t *testing.T) {
	f := &stubForecaster{}
	gen := FromForecaster(context.Background(), f, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), "AAPL")

	x, err := gen(5, 7, Params{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{7, 5}, x.Shape())
	assert.Equal(t, "AAPL", f.ticker)

	f.err = errors.New("model not fitted")
	_, err = gen(5, 7, Params{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AAPL")
}

func TestNewParams_Conversion(t *testing.T) {
	p, err := NewParams(map[string]any{
		"scalar": 1.5,
		"int":    3,
		"vector": []float64{1, 2},
		"matrix": [][]float64{{1, 2}, {3, 4}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"int", "matrix", "scalar", "vector"}, p.Names())
	assert.Equal(t, []int{2, 2}, p["matrix"].Shape())
	for _, name := range p.Names() {
		assert.True(t, p[name].IsLearnable())
		assert.False(t, p[name].RequiresGrad())
	}

	v, err := p.Float("int")
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)

	_, err = NewParams(map[string]any{"bad": "x"})
	assert.Error(t, err)

	_, err = NewParams(map[string]any{"ragged": [][]float64{{1, 2}, {3}}})
	assert.ErrorIs(t, err, tensor.ErrShape)
}
