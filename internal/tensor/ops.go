package tensor

import (
	"fmt"
	"math"
)

// Binary operations broadcast their operands with NumPy rules. Shape errors in
// arithmetic are programming errors and panic with ErrShape, the way gonum/mat
// treats dimension mismatches; callers validate user-facing shapes up front.

func Add(a, b *Tensor) *Tensor {
	return binary(a, b,
		func(x, y float64) float64 { return x + y },
		func(x, y, z float64) float64 { return 1 },
		func(x, y, z float64) float64 { return 1 },
	)
}

func Sub(a, b *Tensor) *Tensor {
	return binary(a, b,
		func(x, y float64) float64 { return x - y },
		func(x, y, z float64) float64 { return 1 },
		func(x, y, z float64) float64 { return -1 },
	)
}

func Mul(a, b *Tensor) *Tensor {
	return binary(a, b,
		func(x, y float64) float64 { return x * y },
		func(x, y, z float64) float64 { return y },
		func(x, y, z float64) float64 { return x },
	)
}

func Div(a, b *Tensor) *Tensor {
	return binary(a, b,
		func(x, y float64) float64 { return x / y },
		func(x, y, z float64) float64 { return 1 / y },
		func(x, y, z float64) float64 { return -x / (y * y) },
	)
}

// Pow raises a to the power b elementwise.
func Pow(a, b *Tensor) *Tensor {
	return binary(a, b,
		math.Pow,
		func(x, y, z float64) float64 {
			if y == 0 {
				return 0
			}
			return y * math.Pow(x, y-1)
		},
		func(x, y, z float64) float64 {
			if x <= 0 {
				return 0
			}
			return z * math.Log(x)
		},
	)
}

func AddScalar(a *Tensor, c float64) *Tensor {
	return unary(a,
		func(x float64) float64 { return x + c },
		func(x, z float64) float64 { return 1 },
	)
}

func MulScalar(a *Tensor, c float64) *Tensor {
	return unary(a,
		func(x float64) float64 { return x * c },
		func(x, z float64) float64 { return c },
	)
}

// RSub returns c - a.
func RSub(c float64, a *Tensor) *Tensor {
	return unary(a,
		func(x float64) float64 { return c - x },
		func(x, z float64) float64 { return -1 },
	)
}

func PowScalar(a *Tensor, p float64) *Tensor {
	return unary(a,
		func(x float64) float64 { return math.Pow(x, p) },
		func(x, z float64) float64 {
			if p == 0 {
				return 0
			}
			return p * math.Pow(x, p-1)
		},
	)
}

func Neg(a *Tensor) *Tensor { return MulScalar(a, -1) }

func Exp(a *Tensor) *Tensor {
	return unary(a, math.Exp, func(x, z float64) float64 { return z })
}

func Log(a *Tensor) *Tensor {
	return unary(a, math.Log, func(x, z float64) float64 { return 1 / x })
}

func Abs(a *Tensor) *Tensor {
	return unary(a, math.Abs, func(x, z float64) float64 {
		switch {
		case x > 0:
			return 1
		case x < 0:
			return -1
		}
		return 0
	})
}

// Relu returns max(a, 0).
func Relu(a *Tensor) *Tensor { return ClampMin(a, 0) }

// ClampMin returns max(a, lo); the gradient is zero where the floor is active.
func ClampMin(a *Tensor, lo float64) *Tensor {
	return unary(a,
		func(x float64) float64 { return math.Max(x, lo) },
		func(x, z float64) float64 {
			if x > lo {
				return 1
			}
			return 0
		},
	)
}

// SumAll reduces every element into a scalar.
func SumAll(a *Tensor) *Tensor {
	s := 0.0
	for _, v := range a.data {
		s += v
	}
	out := result([]int{}, []float64{s}, a)
	if out.requiresGrad {
		out.backward = func() {
			g := out.grad[0]
			for i := range a.data {
				a.accumulateAt(i, g)
			}
		}
	}
	return out
}

// MeanAll averages every element into a scalar.
func MeanAll(a *Tensor) *Tensor {
	return MulScalar(SumAll(a), 1/float64(len(a.data)))
}

// Sum reduces along axis, dropping it.
func Sum(a *Tensor, axis int) *Tensor {
	axis = normAxis(a, axis)
	outer, n, inner := split(a.shape, axis)
	shape := dropAxis(a.shape, axis)
	data := make([]float64, outer*inner)
	for o := 0; o < outer; o++ {
		for j := 0; j < n; j++ {
			base := (o*n + j) * inner
			for i := 0; i < inner; i++ {
				data[o*inner+i] += a.data[base+i]
			}
		}
	}
	out := result(shape, data, a)
	if out.requiresGrad {
		out.backward = func() {
			for o := 0; o < outer; o++ {
				for j := 0; j < n; j++ {
					base := (o*n + j) * inner
					for i := 0; i < inner; i++ {
						a.accumulateAt(base+i, out.grad[o*inner+i])
					}
				}
			}
		}
	}
	return out
}

// Mean averages along axis, dropping it.
func Mean(a *Tensor, axis int) *Tensor {
	axis = normAxis(a, axis)
	return MulScalar(Sum(a, axis), 1/float64(a.shape[axis]))
}

// CumProd is the running product along the last axis.
func CumProd(a *Tensor) *Tensor {
	if len(a.shape) == 0 {
		return unary(a, func(x float64) float64 { return x }, func(x, z float64) float64 { return 1 })
	}
	n := a.shape[len(a.shape)-1]
	rows := len(a.data) / max(n, 1)
	data := make([]float64, len(a.data))
	for r := 0; r < rows; r++ {
		acc := 1.0
		for j := 0; j < n; j++ {
			acc *= a.data[r*n+j]
			data[r*n+j] = acc
		}
	}
	out := result(cloneInts(a.shape), data, a)
	if out.requiresGrad {
		out.backward = func() {
			// d out[j] / d x[i] = prod_{k<=j, k!=i} x[k] for j >= i.
			for r := 0; r < rows; r++ {
				x := a.data[r*n : (r+1)*n]
				g := out.grad[r*n : (r+1)*n]
				for i := 0; i < n; i++ {
					prefix := 1.0
					for k := 0; k < i; k++ {
						prefix *= x[k]
					}
					total := 0.0
					running := prefix
					for j := i; j < n; j++ {
						if j > i {
							running *= x[j]
						}
						total += g[j] * running
					}
					a.accumulateAt(r*n+i, total)
				}
			}
		}
	}
	return out
}

// Softmax normalizes a 1-D tensor onto the probability simplex.
func Softmax(a *Tensor) *Tensor {
	if len(a.shape) != 1 {
		panic(fmt.Errorf("%w: softmax expects 1-d input, got %v", ErrShape, a.shape))
	}
	hi := math.Inf(-1)
	for _, v := range a.data {
		hi = math.Max(hi, v)
	}
	data := make([]float64, len(a.data))
	total := 0.0
	for i, v := range a.data {
		data[i] = math.Exp(v - hi)
		total += data[i]
	}
	for i := range data {
		data[i] /= total
	}
	out := result(cloneInts(a.shape), data, a)
	if out.requiresGrad {
		out.backward = func() {
			dot := 0.0
			for i, s := range out.data {
				dot += s * out.grad[i]
			}
			for i, s := range out.data {
				a.accumulateAt(i, s*(out.grad[i]-dot))
			}
		}
	}
	return out
}

// Stack joins same-shaped tensors along a new axis.
func Stack(axis int, ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic(fmt.Errorf("%w: stack of nothing", ErrShape))
	}
	base := ts[0].shape
	for _, t := range ts[1:] {
		if !sameShape(base, t.shape) {
			panic(fmt.Errorf("%w: stack %v with %v", ErrShape, base, t.shape))
		}
	}
	if axis < 0 {
		axis += len(base) + 1
	}
	shape := make([]int, 0, len(base)+1)
	shape = append(shape, base[:axis]...)
	shape = append(shape, len(ts))
	shape = append(shape, base[axis:]...)
	outer, n, inner := split(shape, axis)
	data := make([]float64, numel(shape))
	for o := 0; o < outer; o++ {
		for k, t := range ts {
			copy(data[(o*n+k)*inner:(o*n+k+1)*inner], t.data[o*inner:(o+1)*inner])
		}
	}
	out := result(shape, data, ts...)
	if out.requiresGrad {
		out.backward = func() {
			for o := 0; o < outer; o++ {
				for k, t := range ts {
					if !t.requiresGrad {
						continue
					}
					for i := 0; i < inner; i++ {
						t.accumulateAt(o*inner+i, out.grad[(o*n+k)*inner+i])
					}
				}
			}
		}
	}
	return out
}

// Select picks index along axis, dropping the axis.
func Select(a *Tensor, axis, index int) *Tensor {
	axis = normAxis(a, axis)
	if index < 0 {
		index += a.shape[axis]
	}
	if index < 0 || index >= a.shape[axis] {
		panic(fmt.Errorf("%w: index %d out of range for axis %d of %v", ErrShape, index, axis, a.shape))
	}
	outer, n, inner := split(a.shape, axis)
	data := make([]float64, outer*inner)
	for o := 0; o < outer; o++ {
		copy(data[o*inner:(o+1)*inner], a.data[(o*n+index)*inner:(o*n+index+1)*inner])
	}
	out := result(dropAxis(a.shape, axis), data, a)
	if out.requiresGrad {
		out.backward = func() {
			for o := 0; o < outer; o++ {
				for i := 0; i < inner; i++ {
					a.accumulateAt((o*n+index)*inner+i, out.grad[o*inner+i])
				}
			}
		}
	}
	return out
}

// Slice keeps [from, to) along axis.
func Slice(a *Tensor, axis, from, to int) *Tensor {
	axis = normAxis(a, axis)
	if from < 0 || to > a.shape[axis] || from > to {
		panic(fmt.Errorf("%w: slice [%d:%d] of axis %d in %v", ErrShape, from, to, axis, a.shape))
	}
	outer, n, inner := split(a.shape, axis)
	m := to - from
	shape := cloneInts(a.shape)
	shape[axis] = m
	data := make([]float64, outer*m*inner)
	for o := 0; o < outer; o++ {
		copy(data[o*m*inner:(o+1)*m*inner], a.data[(o*n+from)*inner:(o*n+to)*inner])
	}
	out := result(shape, data, a)
	if out.requiresGrad {
		out.backward = func() {
			for o := 0; o < outer; o++ {
				for j := 0; j < m; j++ {
					for i := 0; i < inner; i++ {
						a.accumulateAt((o*n+from+j)*inner+i, out.grad[(o*m+j)*inner+i])
					}
				}
			}
		}
	}
	return out
}

// Reshape returns the same values under a new shape.
func Reshape(a *Tensor, shape ...int) *Tensor {
	if numel(shape) != len(a.data) {
		panic(fmt.Errorf("%w: reshape %v to %v", ErrShape, a.shape, shape))
	}
	data := make([]float64, len(a.data))
	copy(data, a.data)
	out := result(cloneInts(shape), data, a)
	if out.requiresGrad {
		out.backward = func() { a.accumulate(out.grad) }
	}
	return out
}

func unary(a *Tensor, f func(x float64) float64, df func(x, z float64) float64) *Tensor {
	data := make([]float64, len(a.data))
	for i, v := range a.data {
		data[i] = f(v)
	}
	out := result(cloneInts(a.shape), data, a)
	if out.requiresGrad {
		out.backward = func() {
			for i, g := range out.grad {
				a.accumulateAt(i, g*df(a.data[i], out.data[i]))
			}
		}
	}
	return out
}

func binary(a, b *Tensor, f func(x, y float64) float64, da, db func(x, y, z float64) float64) *Tensor {
	shape, ia, ib := broadcast(a.shape, b.shape)
	data := make([]float64, numel(shape))
	for i := range data {
		data[i] = f(a.data[ia(i)], b.data[ib(i)])
	}
	out := result(shape, data, a, b)
	if out.requiresGrad {
		out.backward = func() {
			for i, g := range out.grad {
				x, y := a.data[ia(i)], b.data[ib(i)]
				if a.requiresGrad {
					a.accumulateAt(ia(i), g*da(x, y, out.data[i]))
				}
				if b.requiresGrad {
					b.accumulateAt(ib(i), g*db(x, y, out.data[i]))
				}
			}
		}
	}
	return out
}

// broadcast returns the result shape and index maps from result offsets to
// operand offsets.
func broadcast(a, b []int) ([]int, func(int) int, func(int) int) {
	if sameShape(a, b) {
		id := func(i int) int { return i }
		return cloneInts(a), id, id
	}
	nd := max(len(a), len(b))
	shape := make([]int, nd)
	pa := padShape(a, nd)
	pb := padShape(b, nd)
	for i := 0; i < nd; i++ {
		switch {
		case pa[i] == pb[i]:
			shape[i] = pa[i]
		case pa[i] == 1:
			shape[i] = pb[i]
		case pb[i] == 1:
			shape[i] = pa[i]
		default:
			panic(fmt.Errorf("%w: cannot broadcast %v with %v", ErrShape, a, b))
		}
	}
	ma := offsetMap(pa, shape)
	mb := offsetMap(pb, shape)
	return shape, func(i int) int { return ma[i] }, func(i int) int { return mb[i] }
}

func padShape(s []int, nd int) []int {
	out := make([]int, nd)
	for i := range out {
		out[i] = 1
	}
	copy(out[nd-len(s):], s)
	return out
}

// offsetMap precomputes, for every offset of the broadcast shape, the offset
// into an operand of shape src (already padded to the same rank).
func offsetMap(src, shape []int) []int {
	nd := len(shape)
	strides := make([]int, nd)
	acc := 1
	for i := nd - 1; i >= 0; i-- {
		if src[i] == 1 {
			strides[i] = 0
		} else {
			strides[i] = acc
		}
		acc *= src[i]
	}
	total := numel(shape)
	out := make([]int, total)
	idx := make([]int, nd)
	off := 0
	for k := 0; k < total; k++ {
		out[k] = off
		for d := nd - 1; d >= 0; d-- {
			idx[d]++
			off += strides[d]
			if idx[d] < shape[d] {
				break
			}
			off -= strides[d] * idx[d]
			idx[d] = 0
		}
	}
	return out
}

func normAxis(a *Tensor, axis int) int {
	if axis < 0 {
		axis += len(a.shape)
	}
	if axis < 0 || axis >= len(a.shape) {
		panic(fmt.Errorf("%w: axis %d out of range for %v", ErrShape, axis, a.shape))
	}
	return axis
}

func split(shape []int, axis int) (outer, n, inner int) {
	outer, inner = 1, 1
	for _, s := range shape[:axis] {
		outer *= s
	}
	for _, s := range shape[axis+1:] {
		inner *= s
	}
	return outer, shape[axis], inner
}

func dropAxis(shape []int, axis int) []int {
	out := make([]int, 0, len(shape)-1)
	out = append(out, shape[:axis]...)
	return append(out, shape[axis+1:]...)
}
