// Package optim implements first-order optimizers over learnable tensors.
package optim

import (
	"fmt"
	"math"
	"strings"

	"github.com/sawpanic/mcalib/internal/tensor"
)

// Method names accepted by New.
const (
	MethodAdam = "adam"
	MethodSGD  = "sgd"
)

// Optimizer updates a fixed set of learnable tensors from their gradients.
type Optimizer interface {
	ZeroGrad()
	Step()
	Params() []*tensor.Tensor
}

// New constructs the optimizer named by method ("adam" when empty).
func New(method string, params []*tensor.Tensor, lr float64) (Optimizer, error) {
	if lr <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %f", lr)
	}
	switch strings.ToLower(method) {
	case "", MethodAdam:
		return NewAdam(params, AdamConfig{LearningRate: lr}), nil
	case MethodSGD:
		return NewSGD(params, lr), nil
	}
	return nil, fmt.Errorf("unknown optimizer method %q", method)
}

// AdamConfig holds Adam hyperparameters; zero values take the usual defaults.
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
}

func (c AdamConfig) withDefaults() AdamConfig {
	if c.LearningRate == 0 {
		c.LearningRate = 0.001
	}
	if c.Beta1 == 0 {
		c.Beta1 = 0.9
	}
	if c.Beta2 == 0 {
		c.Beta2 = 0.999
	}
	if c.Epsilon == 0 {
		c.Epsilon = 1e-8
	}
	return c
}

// Adam is the bias-corrected adaptive moment optimizer.
type Adam struct {
	config AdamConfig
	params []*tensor.Tensor
	m, v   [][]float64
	step   int
}

func NewAdam(params []*tensor.Tensor, config AdamConfig) *Adam {
	a := &Adam{config: config.withDefaults(), params: params}
	a.m = make([][]float64, len(params))
	a.v = make([][]float64, len(params))
	for i, p := range params {
		a.m[i] = make([]float64, p.Len())
		a.v[i] = make([]float64, p.Len())
	}
	return a
}

func (a *Adam) Params() []*tensor.Tensor { return a.params }

func (a *Adam) ZeroGrad() {
	for _, p := range a.params {
		p.ZeroGrad()
	}
}

func (a *Adam) Step() {
	a.step++
	c := a.config
	corr1 := 1 - math.Pow(c.Beta1, float64(a.step))
	corr2 := 1 - math.Pow(c.Beta2, float64(a.step))
	for k, p := range a.params {
		g := p.Grad()
		if g == nil {
			continue
		}
		m, v := a.m[k], a.v[k]
		p.Update(func(i int, x float64) float64 {
			m[i] = c.Beta1*m[i] + (1-c.Beta1)*g[i]
			v[i] = c.Beta2*v[i] + (1-c.Beta2)*g[i]*g[i]
			mHat := m[i] / corr1
			vHat := v[i] / corr2
			return x - c.LearningRate*mHat/(math.Sqrt(vHat)+c.Epsilon)
		})
	}
}

// SGD is plain gradient descent.
type SGD struct {
	lr     float64
	params []*tensor.Tensor
}

func NewSGD(params []*tensor.Tensor, lr float64) *SGD {
	return &SGD{lr: lr, params: params}
}

func (s *SGD) Params() []*tensor.Tensor { return s.params }

func (s *SGD) ZeroGrad() {
	for _, p := range s.params {
		p.ZeroGrad()
	}
}

func (s *SGD) Step() {
	for _, p := range s.params {
		g := p.Grad()
		if g == nil {
			continue
		}
		p.Update(func(i int, x float64) float64 { return x - s.lr*g[i] })
	}
}
