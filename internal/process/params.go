package process

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sawpanic/mcalib/internal/tensor"
)

// ErrMissingParam is returned when a generator or payoff needs a parameter
// that was not supplied.
var ErrMissingParam = errors.New("missing parameter")

// Params maps parameter names to learnable tensors. Every value is a leaf that
// an optimizer may take over; none track gradients until then.
type Params map[string]*tensor.Tensor

// NewParams converts plain values into learnable leaves. Accepted value types
// are float64, int, []float64, [][]float64 and *tensor.Tensor.
func NewParams(values map[string]any) (Params, error) {
	p := make(Params, len(values))
	for name, v := range values {
		t, err := toTensor(v)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", name, err)
		}
		p[name] = t.AsParam()
	}
	return p, nil
}

// MustParams is NewParams for literals known to be well formed.
func MustParams(values map[string]any) Params {
	p, err := NewParams(values)
	if err != nil {
		panic(err)
	}
	return p
}

func toTensor(v any) (*tensor.Tensor, error) {
	switch x := v.(type) {
	case float64:
		return tensor.New([]float64{x}, 1)
	case int:
		return tensor.New([]float64{float64(x)}, 1)
	case []float64:
		return tensor.New(x, len(x))
	case [][]float64:
		if len(x) == 0 {
			return nil, fmt.Errorf("%w: empty matrix", tensor.ErrShape)
		}
		cols := len(x[0])
		flat := make([]float64, 0, len(x)*cols)
		for i, row := range x {
			if len(row) != cols {
				return nil, fmt.Errorf("%w: row %d has %d columns, want %d", tensor.ErrShape, i, len(row), cols)
			}
			flat = append(flat, row...)
		}
		return tensor.New(flat, len(x), cols)
	case *tensor.Tensor:
		return x.Detach(), nil
	}
	return nil, fmt.Errorf("unsupported parameter type %T", v)
}

// Get returns the named parameter.
func (p Params) Get(name string) (*tensor.Tensor, error) {
	t, ok := p[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingParam, name)
	}
	return t, nil
}

// Float reads a one-element parameter as a plain number.
func (p Params) Float(name string) (float64, error) {
	t, err := p.Get(name)
	if err != nil {
		return 0, err
	}
	if t.Len() != 1 {
		return 0, fmt.Errorf("%w: %s has %d values, want 1", tensor.ErrShape, name, t.Len())
	}
	return t.Item(), nil
}

// Has reports whether name is present.
func (p Params) Has(name string) bool {
	_, ok := p[name]
	return ok
}

// Names returns the parameter names in sorted order.
func (p Params) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tracked reports whether any parameter currently requires gradients.
func (p Params) Tracked() bool {
	for _, t := range p {
		if t.RequiresGrad() {
			return true
		}
	}
	return false
}
