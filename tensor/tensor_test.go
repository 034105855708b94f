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

package tensor

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func vec(values ...[]float64) Vector {
	v := make(Vector, len(values))
	for i, vals := range values {
		v[i] = Tensor{Shape: []int{len(vals)}, Values: vals}
	}
	return v
}

func TestL2Norm(t *testing.T) {
	for _, tc := range []struct {
		desc string
		v    Vector
		want float64
	}{
		{"empty vector", Vector{}, 0},
		{"single tensor", vec([]float64{3, 4}), 5},
		{"norm spans tensors", vec([]float64{3}, []float64{4}), 5},
		{"zero tensor", vec([]float64{0, 0, 0}), 0},
		{"empty tensor is skipped", vec([]float64{}, []float64{1, 2, 2}), 3},
		{"large values", vec([]float64{3e200, 4e200}), 5e200},
		{"large values span tensors", vec([]float64{3e200}, []float64{0}, []float64{4e200}), 5e200},
		{"small values span tensors", vec([]float64{3e-200}, []float64{4e-200}), 5e-200},
		{"largest tensor comes last", vec([]float64{1}, []float64{2}, []float64{2e10}), math.Sqrt(5 + 4e20)},
	} {
		if got := tc.v.L2Norm(); !cmp.Equal(got, tc.want, cmpopts.EquateApprox(1e-12, 1e-12)) {
			t.Errorf("L2Norm: when %s got %f, want %f", tc.desc, got, tc.want)
		}
	}
}

func TestNew(t *testing.T) {
	got := New("kernel", 2, 3)
	if got.Len() != 6 {
		t.Errorf("New(2, 3).Len() = %d, want 6", got.Len())
	}
	if diff := cmp.Diff([]int{2, 3}, got.Shape); diff != "" {
		t.Errorf("New(2, 3).Shape mismatch (-want +got):\n%s", diff)
	}
}

func TestArithmetic(t *testing.T) {
	a := vec([]float64{1, 2}, []float64{3})
	b := vec([]float64{0.5, 0.5}, []float64{1})

	sum := a.Clone()
	if err := sum.AddInPlace(b); err != nil {
		t.Fatalf("AddInPlace: %v", err)
	}
	if diff := cmp.Diff([]float64{1.5, 2.5, 4}, sum.Flatten()); diff != "" {
		t.Errorf("AddInPlace mismatch (-want +got):\n%s", diff)
	}

	diff, err := Sub(a, b)
	if err != nil {
		t.Fatalf("Sub: %v", err)
	}
	if d := cmp.Diff([]float64{0.5, 1.5, 2}, diff.Flatten()); d != "" {
		t.Errorf("Sub mismatch (-want +got):\n%s", d)
	}

	scaled := a.Clone()
	scaled.Scale(2)
	if d := cmp.Diff([]float64{2, 4, 6}, scaled.Flatten()); d != "" {
		t.Errorf("Scale mismatch (-want +got):\n%s", d)
	}
	if d := cmp.Diff([]float64{1, 2, 3}, a.Flatten()); d != "" {
		t.Errorf("Clone did not copy values (-want +got):\n%s", d)
	}

	acc := ZerosLike(a)
	if err := acc.AddScaledInPlace(-1, a); err != nil {
		t.Fatalf("AddScaledInPlace: %v", err)
	}
	if d := cmp.Diff([]float64{-1, -2, -3}, acc.Flatten()); d != "" {
		t.Errorf("AddScaledInPlace mismatch (-want +got):\n%s", d)
	}
}

func TestSameShape(t *testing.T) {
	for _, tc := range []struct {
		desc    string
		a, b    Vector
		wantErr bool
	}{
		{"equal shapes", vec([]float64{1, 2}), vec([]float64{3, 4}), false},
		{"different tensor count", vec([]float64{1}), vec([]float64{1}, []float64{2}), true},
		{"different tensor size", vec([]float64{1, 2}), vec([]float64{1}), true},
	} {
		if err := SameShape(tc.a, tc.b); (err != nil) != tc.wantErr {
			t.Errorf("SameShape: when %s for err got %v, want %t", tc.desc, err, tc.wantErr)
		}
	}
}
