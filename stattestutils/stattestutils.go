//
// Copyright 2023 Google LLC
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
// Package stattestutils provides the statistical helpers shared by the noise
// and clipping tests.
//
// This package is not optimized for performance or speed and is only intended
// to be used in tests.
package stattestutils

import (
	"math"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// FalseRejectionProbability is the probability with which a tolerance returned
// by this package rejects a sample that was drawn from the expected distribution.
const FalseRejectionProbability = 1e-5

// SampleMean returns the average over the values in the slice. The mean of an
// empty slice is 0.
func SampleMean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}

// SampleVariance returns the sum of squares of the distance to the mean of
// each of the values, divided by the number of values.
func SampleVariance(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	_, v := stat.PopMeanVariance(values, nil)
	return v
}

// twoSidedQuantile returns z such that |N(0, 1)| > z with probability
// FalseRejectionProbability.
func twoSidedQuantile() float64 {
	return distuv.UnitNormal.Quantile(1 - FalseRejectionProbability/2)
}

// MeanTolerance returns the tolerance for the sample mean of numSamples draws
// from a distribution with standard deviation sigma.
func MeanTolerance(sigma float64, numSamples int) float64 {
	return twoSidedQuantile() * sigma / math.Sqrt(float64(numSamples))
}

// GaussianVarianceTolerance returns the tolerance for the sample variance of
// numSamples draws from a Gaussian with standard deviation sigma. The sample
// variance is approximately Gaussian with standard deviation
// sqrt(2)·sigma²/sqrt(numSamples).
func GaussianVarianceTolerance(sigma float64, numSamples int) float64 {
	return twoSidedQuantile() * math.Sqrt2 * sigma * sigma / math.Sqrt(float64(numSamples))
}
