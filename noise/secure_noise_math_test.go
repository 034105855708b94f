//
// Copyright 2020 Google LLC
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
package noise

import (
	"math"
	"testing"
)

func TestCeilPowerOfTwoInputIsNotInDomain(t *testing.T) {
	for _, x := range []float64{
		0.0,
		-1.0,
		math.Inf(-1),
		math.Inf(1),
		math.NaN(),
		math.MaxFloat64,
	} {
		if got := ceilPowerOfTwo(x); !math.IsNaN(got) {
			t.Errorf("ceilPowerOfTwo(%f) = %f, want NaN", x, got)
		}
	}
}

func TestCeilPowerOfTwoInputIsPowerOfTwo(t *testing.T) {
	// Exhaustive over all possible exponents of a normal float64 value.
	for exponent := -1022.0; exponent <= 1023; exponent++ {
		x := math.Pow(2.0, exponent)
		if got := ceilPowerOfTwo(x); got != x {
			t.Errorf("ceilPowerOfTwo(%g) = %g, want %g", x, got, x)
		}
	}
}

func TestCeilPowerOfTwoInputIsNotPowerOfTwo(t *testing.T) {
	for _, tc := range []struct {
		x, want float64
	}{
		{0.99, 1.0},
		{3.0, 4.0},
		{1.5, 2.0},
		{0.3, 0.5},
		{1000.0, 1024.0},
		{1e-10, math.Pow(2, -33)},
		// Subnormal.
		{3 * math.SmallestNonzeroFloat64, 4 * math.SmallestNonzeroFloat64},
	} {
		if got := ceilPowerOfTwo(tc.x); got != tc.want {
			t.Errorf("ceilPowerOfTwo(%g) = %g, want %g", tc.x, got, tc.want)
		}
	}
}

func TestRoundToMultipleOfPowerOfTwoXIsAMultiple(t *testing.T) {
	for _, tc := range []struct {
		x, granularity float64
	}{
		{0.0, 1.0},
		{8.0, 2.0},
		{-8.0, 4.0},
		{0.75, 0.25},
		{-1.5, 0.5},
		{1024.0, 1024.0},
	} {
		if got := roundToMultipleOfPowerOfTwo(tc.x, tc.granularity); got != tc.x {
			t.Errorf("roundToMultipleOfPowerOfTwo(%f, %f) = %f, want %f", tc.x, tc.granularity, got, tc.x)
		}
	}
}

func TestRoundToMultipleOfPowerOfTwoXIsNotAMultiple(t *testing.T) {
	for _, tc := range []struct {
		x, granularity, want float64
	}{
		{0.1, 1.0, 0.0},
		{0.9, 1.0, 1.0},
		{3.2, 2.0, 4.0},
		{-3.2, 2.0, -4.0},
		{0.3, 0.25, 0.25},
		{-0.3, 0.25, -0.25},
		{500.0, 1024.0, 0.0},
	} {
		if got := roundToMultipleOfPowerOfTwo(tc.x, tc.granularity); got != tc.want {
			t.Errorf("roundToMultipleOfPowerOfTwo(%f, %f) = %f, want %f", tc.x, tc.granularity, got, tc.want)
		}
	}
}
