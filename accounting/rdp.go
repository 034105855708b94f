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
package accounting

import (
	"math"
)

const (
	// Series terms are summed until both fall below e^seriesCutoff.
	seriesCutoff = -30
	// maxSeriesTerms bounds the fractional-order series. The series converges
	// very slowly for large noise multipliers and sampling probabilities close
	// to 1/2.
	maxSeriesTerms = 10000
	// Above this argument math.Erfc loses precision to subnormals.
	erfcAsymptoticThreshold = 25
)

// logAdd returns log(exp(a) + exp(b)).
func logAdd(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if math.IsInf(b, -1) {
		return a
	}
	hi, lo := math.Max(a, b), math.Min(a, b)
	return hi + math.Log1p(math.Exp(lo-hi))
}

// logSub returns log(exp(a) - exp(b)). It reports false if b > a.
func logSub(a, b float64) (float64, bool) {
	if math.IsInf(b, -1) {
		return a, true
	}
	if a == b {
		return math.Inf(-1), true
	}
	if a < b {
		return 0, false
	}
	return a + math.Log1p(-math.Exp(b-a)), true
}

// logErfc returns log(erfc(x)).
func logErfc(x float64) float64 {
	if x < erfcAsymptoticThreshold {
		return math.Log(math.Erfc(x))
	}
	// Asymptotic expansion erfc(x) ≈ exp(-x²)/(x·√π)·(1 - 1/(2x²) + 3/(4x⁴)).
	x2 := x * x
	return -x2 - math.Log(x) - 0.5*math.Log(math.Pi) + math.Log1p(-1/(2*x2)+3/(4*x2*x2))
}

// logBinomial returns log(n choose k) for integers 0 ≤ k ≤ n.
func logBinomial(n, k float64) float64 {
	a, _ := math.Lgamma(n + 1)
	b, _ := math.Lgamma(k + 1)
	c, _ := math.Lgamma(n - k + 1)
	return a - b - c
}

// logAInt returns log(A_α) for an integer order α, with
//
//	A_α = Σ_{i=0}^{α} (α choose i) q^i (1-q)^(α-i) exp((i²-i)/(2σ²)).
func logAInt(q, sigma float64, alpha int) float64 {
	logA := math.Inf(-1)
	logQ, log1mQ := math.Log(q), math.Log1p(-q)
	a := float64(alpha)
	for i := 0; i <= alpha; i++ {
		fi := float64(i)
		term := logBinomial(a, fi) + fi*logQ + (a-fi)*log1mQ + (fi*fi-fi)/(2*sigma*sigma)
		logA = logAdd(logA, term)
	}
	return logA
}

// logAFrac returns log(A_α) for a fractional order α using the two-sided
// series of Mironov et al., "Rényi Differential Privacy of the Sampled
// Gaussian Mechanism" (https://arxiv.org/abs/1908.10530). It reports false
// if the series did not converge within maxSeriesTerms terms or lost
// precision.
func logAFrac(q, sigma, alpha float64) (float64, bool) {
	a0, a1 := math.Inf(-1), math.Inf(-1)
	logQ, log1mQ := math.Log(q), math.Log1p(-q)
	z0 := sigma*sigma*math.Log(1/q-1) + 0.5
	// log|α choose i| and its sign, updated incrementally.
	logCoef, positive := 0.0, true
	for i := 0; i < maxSeriesTerms; i++ {
		fi := float64(i)
		if i > 0 {
			f := (alpha - fi + 1) / fi
			if f < 0 {
				positive = !positive
			}
			logCoef += math.Log(math.Abs(f))
		}
		j := alpha - fi
		logT0 := logCoef + fi*logQ + j*log1mQ
		logT1 := logCoef + j*logQ + fi*log1mQ
		logE0 := math.Log(0.5) + logErfc((fi-z0)/(math.Sqrt2*sigma))
		logE1 := math.Log(0.5) + logErfc((z0-j)/(math.Sqrt2*sigma))
		logS0 := logT0 + (fi*fi-fi)/(2*sigma*sigma) + logE0
		logS1 := logT1 + (j*j-j)/(2*sigma*sigma) + logE1
		if positive {
			a0 = logAdd(a0, logS0)
			a1 = logAdd(a1, logS1)
		} else {
			var ok0, ok1 bool
			a0, ok0 = logSub(a0, logS0)
			a1, ok1 = logSub(a1, logS1)
			if !ok0 || !ok1 {
				return 0, false
			}
		}
		if math.Max(logS0, logS1) < seriesCutoff {
			return logAdd(a0, a1), true
		}
		if math.IsNaN(a0) || math.IsNaN(a1) {
			return 0, false
		}
	}
	return 0, false
}

// sampledGaussianRDP returns the RDP of order alpha of the Poisson-subsampled
// Gaussian mechanism with sampling probability q and noise multiplier sigma.
// When the fractional-order series does not converge it returns the RDP at
// the next integer order, which bounds it since RDP is non-decreasing in the
// order.
func sampledGaussianRDP(q, sigma, alpha float64) float64 {
	if r, ok := sampledGaussianRDPExact(q, sigma, alpha); ok {
		return r
	}
	r, _ := sampledGaussianRDPExact(q, sigma, math.Ceil(alpha))
	return r
}

// sampledGaussianRDPExact is sampledGaussianRDP without the fallback. It reports
// false if the fractional-order series did not converge.
func sampledGaussianRDPExact(q, sigma, alpha float64) (float64, bool) {
	switch {
	case q == 0:
		return 0, true
	case sigma == 0:
		return math.Inf(1), true
	case q == 1:
		return alpha / (2 * sigma * sigma), true
	case math.IsInf(alpha, 1):
		return math.Inf(1), true
	}
	var logA float64
	if alpha == math.Trunc(alpha) {
		logA = logAInt(q, sigma, int(alpha))
	} else {
		var ok bool
		if logA, ok = logAFrac(q, sigma, alpha); !ok {
			return 0, false
		}
	}
	return math.Max(0, logA/(alpha-1)), true
}

// sampledGaussianProfile returns sampledGaussianRDP at every order. An order
// whose series did not converge is bounded by the smallest value at a larger
// order instead, if that is tighter than the next integer order.
func sampledGaussianProfile(q, sigma float64, orders []float64) []float64 {
	profile := make([]float64, len(orders))
	converged := make([]bool, len(orders))
	for i, a := range orders {
		profile[i], converged[i] = sampledGaussianRDPExact(q, sigma, a)
	}
	for i, a := range orders {
		if converged[i] {
			continue
		}
		bound, _ := sampledGaussianRDPExact(q, sigma, math.Ceil(a))
		for j, b := range orders {
			if converged[j] && b >= a && profile[j] < bound {
				bound = profile[j]
			}
		}
		profile[i] = bound
	}
	return profile
}

// epsilonFromRDP converts an RDP profile to the smallest ε such that the
// mechanism is (ε, delta)-DP, following Canonne et al., "The Discrete Gaussian
// for Differential Privacy" (https://arxiv.org/abs/2004.00010), Proposition 12.
// It returns ε and the optimal order.
func epsilonFromRDP(orders, rdp []float64, delta float64) (float64, float64) {
	best, bestOrder := math.Inf(1), orders[0]
	for i, a := range orders {
		r := rdp[i]
		var eps float64
		switch {
		case delta*delta+math.Expm1(-r) > 0:
			eps = 0
		case a > 1.01:
			eps = r + math.Log1p(-1/a) - math.Log(delta*a)/(a-1)
		default:
			eps = math.Inf(1)
		}
		if eps < best {
			best, bestOrder = eps, a
		}
	}
	return math.Max(0, best), bestOrder
}

// deltaFromRDP converts an RDP profile to the smallest δ such that the
// mechanism is (epsilon, δ)-DP. It returns δ and the optimal order.
func deltaFromRDP(orders, rdp []float64, epsilon float64) (float64, float64) {
	best, bestOrder := math.Inf(1), orders[0]
	for i, a := range orders {
		r := rdp[i]
		logDelta := 0.5 * math.Log1p(-math.Exp(-r))
		if a > 1.01 {
			bound := (a-1)*(r-epsilon+math.Log1p(-1/a)) - math.Log(a)
			logDelta = math.Min(logDelta, bound)
		}
		if logDelta < best {
			best, bestOrder = logDelta, a
		}
	}
	return math.Min(math.Exp(best), 1), bestOrder
}
