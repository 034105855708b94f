//
// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package tensor contains the flat float64 tensors that make up model
// parameters and client updates.
package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Tensor is a dense row-major array of float64 values.
type Tensor struct {
	Name   string
	Shape  []int
	Values []float64
}

// New returns a zero-valued Tensor of the given shape.
func New(name string, shape ...int) Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return Tensor{Name: name, Shape: append([]int(nil), shape...), Values: make([]float64, n)}
}

// Len returns the number of values in t.
func (t Tensor) Len() int { return len(t.Values) }

// Vector is an ordered sequence of tensors matching a model's shape. It is
// used both for global model parameters and for client updates.
type Vector []Tensor

// ZerosLike returns a Vector of zeros with the same shape as v.
func ZerosLike(v Vector) Vector {
	out := make(Vector, len(v))
	for i, t := range v {
		out[i] = Tensor{Name: t.Name, Shape: append([]int(nil), t.Shape...), Values: make([]float64, len(t.Values))}
	}
	return out
}

// Clone returns a deep copy of v.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	for i, t := range v {
		out[i] = Tensor{Name: t.Name, Shape: append([]int(nil), t.Shape...), Values: append([]float64(nil), t.Values...)}
	}
	return out
}

// NumValues returns the total number of values across all tensors.
func (v Vector) NumValues() int {
	var n int
	for _, t := range v {
		n += len(t.Values)
	}
	return n
}

// L2Norm returns the global L2 norm of v, computed over all tensors as if they
// were concatenated. The per-tensor norms are accumulated relative to the
// largest one, so the result only overflows if the norm itself exceeds
// math.MaxFloat64.
func (v Vector) L2Norm() float64 {
	scale, sumSquares := 0.0, 1.0
	for _, t := range v {
		if len(t.Values) == 0 {
			continue
		}
		n := floats.Norm(t.Values, 2)
		switch {
		case n == 0:
			continue
		case math.IsInf(n, 0) || math.IsNaN(n):
			return n
		case n > scale:
			sumSquares = 1 + sumSquares*(scale/n)*(scale/n)
			scale = n
		default:
			sumSquares += (n / scale) * (n / scale)
		}
	}
	return scale * math.Sqrt(sumSquares)
}

// Scale multiplies every value of v by c in place.
func (v Vector) Scale(c float64) {
	for _, t := range v {
		floats.Scale(c, t.Values)
	}
}

// AddInPlace adds other to v element-wise. Both must have the same shape.
func (v Vector) AddInPlace(other Vector) error {
	if err := SameShape(v, other); err != nil {
		return err
	}
	for i := range v {
		floats.Add(v[i].Values, other[i].Values)
	}
	return nil
}

// AddScaledInPlace adds c*other to v element-wise. Both must have the same shape.
func (v Vector) AddScaledInPlace(c float64, other Vector) error {
	if err := SameShape(v, other); err != nil {
		return err
	}
	for i := range v {
		floats.AddScaled(v[i].Values, c, other[i].Values)
	}
	return nil
}

// Sub returns v - other as a new Vector.
func Sub(v, other Vector) (Vector, error) {
	if err := SameShape(v, other); err != nil {
		return nil, err
	}
	out := v.Clone()
	for i := range out {
		floats.Sub(out[i].Values, other[i].Values)
	}
	return out, nil
}

// Apply replaces every value x of v with f(x) in place.
func (v Vector) Apply(f func(float64) float64) {
	for _, t := range v {
		for i, x := range t.Values {
			t.Values[i] = f(x)
		}
	}
}

// SameShape returns an error if a and b do not have the same number of
// tensors with the same number of values each.
func SameShape(a, b Vector) error {
	if len(a) != len(b) {
		return fmt.Errorf("tensor count mismatch: %d != %d", len(a), len(b))
	}
	for i := range a {
		if len(a[i].Values) != len(b[i].Values) {
			return fmt.Errorf("tensor %d (%q) size mismatch: %d != %d", i, a[i].Name, len(a[i].Values), len(b[i].Values))
		}
	}
	return nil
}

// Flatten returns all values of v concatenated in order.
func (v Vector) Flatten() []float64 {
	out := make([]float64, 0, v.NumValues())
	for _, t := range v {
		out = append(out, t.Values...)
	}
	return out
}
