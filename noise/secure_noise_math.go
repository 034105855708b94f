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
)

// ceilPowerOfTwo returns the smallest power of 2 larger than or equal to x, or
// NaN if x is not a finite positive number or its ceiling overflows. The
// result is an exact power of 2.
func ceilPowerOfTwo(x float64) float64 {
	if x <= 0 || math.IsInf(x, 0) || math.IsNaN(x) {
		return math.NaN()
	}
	// x = frac·2^exp with frac in [0.5, 1).
	frac, exp := math.Frexp(x)
	if frac == 0.5 {
		return x
	}
	p := math.Ldexp(1, exp)
	if math.IsInf(p, 1) {
		return math.NaN()
	}
	return p
}

// roundToMultipleOfPowerOfTwo returns the multiple of granularity closest to
// x. The result is exact only if granularity is a power of 2.
func roundToMultipleOfPowerOfTwo(x, granularity float64) float64 {
	return math.Round(x/granularity) * granularity
}
