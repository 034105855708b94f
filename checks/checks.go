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

// Package checks contains checks for the parameters of differentially private
// federated averaging.
//
// Every check returns an error wrapping ErrInvalidConfiguration, so that
// callers can tell setup errors apart from runtime failures with errors.Is.
package checks

import (
	"errors"
	"fmt"
	"math"

	log "github.com/golang/glog"
)

// ErrInvalidConfiguration is wrapped by every error returned from this package.
var ErrInvalidConfiguration = errors.New("invalid configuration")

func invalid(label, format string, args ...any) error {
	return fmt.Errorf("%s: %w: %s", label, ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// CheckEpsilonStrict returns an error if ε is nonpositive or +∞.
func CheckEpsilonStrict(label string, epsilon float64) error {
	if epsilon <= 0 || !isFinite(epsilon) {
		return invalid(label, "Epsilon is %f, must be strictly positive and finite", epsilon)
	}
	return nil
}

// CheckEpsilon returns an error if ε is strictly negative or +∞.
func CheckEpsilon(label string, epsilon float64) error {
	if epsilon < 0 || !isFinite(epsilon) {
		return invalid(label, "Epsilon is %f, must be nonnegative and finite", epsilon)
	}
	return nil
}

// CheckDelta returns an error if δ is negative or greater than or equal to 1.
func CheckDelta(label string, delta float64) error {
	if math.IsNaN(delta) {
		return invalid(label, "Delta is %e, cannot be NaN", delta)
	}
	if delta < 0 {
		return invalid(label, "Delta is %e, cannot be negative", delta)
	}
	if delta >= 1 {
		return invalid(label, "Delta is %e, must be strictly less than 1", delta)
	}
	return nil
}

// CheckDeltaStrict returns an error if δ is nonpositive or greater than or equal to 1.
func CheckDeltaStrict(label string, delta float64) error {
	if math.IsNaN(delta) {
		return invalid(label, "Delta is %e, cannot be NaN", delta)
	}
	if delta <= 0 {
		return invalid(label, "Delta is %e, must be strictly positive", delta)
	}
	if delta >= 1 {
		return invalid(label, "Delta is %e, must be strictly less than 1", delta)
	}
	return nil
}

// CheckNoiseMultiplier returns an error if the noise multiplier is negative, NaN or +∞.
// A noise multiplier of 0 is accepted and disables noising, which is logged.
func CheckNoiseMultiplier(label string, noiseMultiplier float64) error {
	if noiseMultiplier < 0 || !isFinite(noiseMultiplier) {
		return invalid(label, "NoiseMultiplier is %f, must be nonnegative and finite", noiseMultiplier)
	}
	if noiseMultiplier == 0 {
		log.Warningf("%s: NoiseMultiplier is 0, updates will not be differentially private", label)
	}
	return nil
}

// CheckClipNorm returns an error if the clipping norm is nonpositive, NaN or +∞.
func CheckClipNorm(label string, clipNorm float64) error {
	if clipNorm <= 0 || !isFinite(clipNorm) {
		return invalid(label, "ClipNorm is %f, must be strictly positive and finite", clipNorm)
	}
	return nil
}

// CheckTargetQuantile returns an error if the target quantile is not within (0, 1).
func CheckTargetQuantile(label string, quantile float64) error {
	if quantile <= 0 || quantile >= 1 || math.IsNaN(quantile) {
		return invalid(label, "TargetQuantile is %f, must be within (0, 1)", quantile)
	}
	return nil
}

// CheckLearningRate returns an error if the learning rate is nonpositive, NaN or +∞.
func CheckLearningRate(label string, lr float64) error {
	if lr <= 0 || !isFinite(lr) {
		return invalid(label, "LearningRate is %f, must be strictly positive and finite", lr)
	}
	return nil
}

// CheckStdDev returns an error if the standard deviation is negative, NaN or +∞.
func CheckStdDev(label string, stdDev float64) error {
	if stdDev < 0 || !isFinite(stdDev) {
		return invalid(label, "StdDev is %f, must be nonnegative and finite", stdDev)
	}
	return nil
}

// CheckFraction returns an error if the fraction is not within [0, 1].
func CheckFraction(label, name string, fraction float64) error {
	if fraction < 0 || fraction > 1 || math.IsNaN(fraction) {
		return invalid(label, "%s is %f, must be within [0, 1]", name, fraction)
	}
	return nil
}

// CheckSamplingProbability returns an error if q is not within [0, 1].
func CheckSamplingProbability(label string, q float64) error {
	return CheckFraction(label, "SamplingProbability", q)
}

// CheckPositiveInt returns an error if n is less than 1.
func CheckPositiveInt(label, name string, n int) error {
	if n < 1 {
		return invalid(label, "%s is %d, must be at least 1", name, n)
	}
	return nil
}

// CheckNonNegativeInt returns an error if n is negative.
func CheckNonNegativeInt(label, name string, n int) error {
	if n < 0 {
		return invalid(label, "%s is %d, must be at least 0", name, n)
	}
	return nil
}

// CheckRDPOrders returns an error if orders is empty or contains an order that
// is not strictly greater than 1 and finite.
func CheckRDPOrders(label string, orders []float64) error {
	if len(orders) == 0 {
		return invalid(label, "at least one Rényi order is required")
	}
	for _, a := range orders {
		if a <= 1 || !isFinite(a) {
			return invalid(label, "Rényi order %f must be strictly greater than 1 and finite", a)
		}
	}
	return nil
}

// CheckBracket returns an error if lower is less than 1 or larger than upper.
func CheckBracket(label string, lower, upper int) error {
	if lower < 1 {
		return invalid(label, "Lower endpoint is %d, must be at least 1", lower)
	}
	if lower > upper {
		return invalid(label, "Upper endpoint (%d) must be larger than or equal to lower endpoint (%d)", upper, lower)
	}
	return nil
}
