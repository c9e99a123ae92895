// Package tensor provides dense float64 tensors with a reverse-mode gradient tape.
//
// A graph is only recorded when at least one operand requires gradients, so
// evaluating a model whose learnable leaves are frozen costs no tape memory.
package tensor

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrShape is returned when operands have incompatible shapes.
var ErrShape = errors.New("tensor: shape mismatch")

// Tensor is a row-major n-dimensional array of float64 values.
type Tensor struct {
	shape []int
	data  []float64
	grad  []float64

	requiresGrad bool
	learnable    bool

	parents  []*Tensor
	backward func()
}

// New builds a tensor from data and shape. The data slice is copied.
func New(data []float64, shape ...int) (*Tensor, error) {
	if len(shape) == 0 {
		shape = []int{len(data)}
	}
	if numel(shape) != len(data) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShape, len(data), shape)
	}
	buf := make([]float64, len(data))
	copy(buf, data)
	return &Tensor{shape: cloneInts(shape), data: buf}, nil
}

// MustNew is New for literals known to be well formed.
func MustNew(data []float64, shape ...int) *Tensor {
	t, err := New(data, shape...)
	if err != nil {
		panic(err)
	}
	return t
}

// Scalar returns a 0-dimensional tensor.
func Scalar(v float64) *Tensor {
	return &Tensor{shape: []int{}, data: []float64{v}}
}

// Zeros returns a zero-filled tensor.
func Zeros(shape ...int) *Tensor {
	return &Tensor{shape: cloneInts(shape), data: make([]float64, numel(shape))}
}

// Full returns a tensor filled with v.
func Full(v float64, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

// Arange returns [0, 1, ..., n-1].
func Arange(n int) *Tensor {
	t := Zeros(n)
	for i := range t.data {
		t.data[i] = float64(i)
	}
	return t
}

// Param returns a learnable leaf. It does not require gradients until an
// optimizer switches tracking on with SetRequiresGrad.
func Param(data []float64, shape ...int) (*Tensor, error) {
	t, err := New(data, shape...)
	if err != nil {
		return nil, err
	}
	t.learnable = true
	return t, nil
}

// AsParam turns a leaf tensor into a learnable leaf in place.
func (t *Tensor) AsParam() *Tensor {
	t.learnable = true
	t.parents = nil
	t.backward = nil
	return t
}

func (t *Tensor) Shape() []int { return cloneInts(t.shape) }
func (t *Tensor) Dims() int    { return len(t.shape) }
func (t *Tensor) Len() int     { return len(t.data) }

// Dim returns the size of axis i; negative indices count from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

// Data returns a copy of the underlying values.
func (t *Tensor) Data() []float64 {
	out := make([]float64, len(t.data))
	copy(out, t.data)
	return out
}

// Item returns the single value of a one-element tensor.
func (t *Tensor) Item() float64 {
	if len(t.data) != 1 {
		panic(fmt.Sprintf("tensor: Item on %d-element tensor", len(t.data)))
	}
	return t.data[0]
}

// At returns the value at the given multi-index.
func (t *Tensor) At(idx ...int) float64 {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("tensor: At with %d indices on %d-d tensor", len(idx), len(t.shape)))
	}
	off := 0
	for i, v := range idx {
		off = off*t.shape[i] + v
	}
	return t.data[off]
}

// Grad returns a copy of the accumulated gradient, or nil when none was computed.
func (t *Tensor) Grad() []float64 {
	if t.grad == nil {
		return nil
	}
	out := make([]float64, len(t.grad))
	copy(out, t.grad)
	return out
}

func (t *Tensor) RequiresGrad() bool { return t.requiresGrad }
func (t *Tensor) IsLearnable() bool  { return t.learnable }

// SetRequiresGrad toggles gradient tracking on a leaf.
func (t *Tensor) SetRequiresGrad(on bool) {
	t.requiresGrad = on
}

// ZeroGrad clears the accumulated gradient.
func (t *Tensor) ZeroGrad() {
	t.grad = nil
}

// Detach returns a copy that shares no graph with t.
func (t *Tensor) Detach() *Tensor {
	out := &Tensor{shape: cloneInts(t.shape), data: make([]float64, len(t.data))}
	copy(out.data, t.data)
	return out
}

// Update applies fn to every value of a leaf in place. Used by optimizers.
func (t *Tensor) Update(fn func(i int, v float64) float64) {
	for i, v := range t.data {
		t.data[i] = fn(i, v)
	}
}

// Set overwrites the values of a leaf in place, keeping its identity.
func (t *Tensor) Set(values []float64) error {
	if len(values) != len(t.data) {
		return fmt.Errorf("%w: %d values for %d-element tensor", ErrShape, len(values), len(t.data))
	}
	copy(t.data, values)
	return nil
}

func (t *Tensor) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tensor%v[", t.shape)
	for i, v := range t.data {
		if i > 0 {
			b.WriteString(" ")
		}
		if i == 8 && len(t.data) > 9 {
			b.WriteString("...")
			break
		}
		fmt.Fprintf(&b, "%.6g", v)
	}
	b.WriteString("]")
	return b.String()
}

// Backward propagates gradients from a one-element tensor to every tracked leaf.
func (t *Tensor) Backward() error {
	if len(t.data) != 1 {
		return fmt.Errorf("%w: backward from %d-element tensor", ErrShape, len(t.data))
	}
	if !t.requiresGrad {
		return errors.New("tensor: backward on a tensor that does not require gradients")
	}

	order := make([]*Tensor, 0, 64)
	seen := make(map[*Tensor]bool)
	var visit func(n *Tensor)
	visit = func(n *Tensor) {
		if seen[n] {
			return
		}
		seen[n] = true
		for _, p := range n.parents {
			visit(p)
		}
		order = append(order, n)
	}
	visit(t)

	for _, n := range order {
		if n.backward != nil {
			n.grad = nil
		}
	}
	t.grad = []float64{1}
	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		if n.backward != nil && n.grad != nil {
			n.backward()
		}
	}
	return nil
}

// IsFinite reports whether every value is finite.
func (t *Tensor) IsFinite() bool {
	for _, v := range t.data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (t *Tensor) accumulate(g []float64) {
	if t.grad == nil {
		t.grad = make([]float64, len(t.data))
	}
	for i, v := range g {
		t.grad[i] += v
	}
}

func (t *Tensor) accumulateAt(i int, v float64) {
	if t.grad == nil {
		t.grad = make([]float64, len(t.data))
	}
	t.grad[i] += v
}

// result wires a freshly computed tensor into the graph when any parent is tracked.
func result(shape []int, data []float64, parents ...*Tensor) *Tensor {
	out := &Tensor{shape: shape, data: data}
	for _, p := range parents {
		if p.requiresGrad {
			out.requiresGrad = true
			out.parents = parents
			break
		}
	}
	return out
}

func numel(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

func cloneInts(s []int) []int {
	out := make([]int, len(s))
	copy(out, s)
	return out
}

func sameShape(a, b []int) bool {
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
