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
	"errors"
	"fmt"

	log "github.com/golang/glog"
	"github.com/privacy-fl/dpfedavg/checks"
)

// ErrCalibrationInfeasible is returned when no value inside the search bracket
// meets the target privacy budget.
var ErrCalibrationInfeasible = errors.New("calibration infeasible")

// Budget is a target (ε, δ) guarantee together with the ε achieved by a
// calibrated configuration.
type Budget struct {
	TargetEpsilon   float64
	TargetDelta     float64
	AchievedEpsilon float64
}

// Satisfied reports whether the achieved ε is at most the target ε.
func (b Budget) Satisfied() bool {
	return b.AchievedEpsilon <= b.TargetEpsilon
}

// CalibrationOptions contains the options of Calibrate.
type CalibrationOptions struct {
	// MakeEvent returns the event whose privacy loss is evaluated for the
	// parameter value c. ε(c) must be non-increasing in c. Required.
	MakeEvent func(c int) Event
	// Target privacy budget. Required.
	TargetEpsilon, TargetDelta float64
	// Inclusive integer search bracket. Required; 1 ≤ Lower ≤ Upper.
	Lower, Upper int
	Orders []float64 // Rényi orders of the accountant. Defaults to DefaultOrders().
}

// Calibrate returns the smallest c in [Lower, Upper] such that
// ε(MakeEvent(c)) ≤ TargetEpsilon at TargetDelta, together with that ε. Every
// candidate is evaluated on a fresh accountant.
//
// It returns an error wrapping ErrCalibrationInfeasible if ε(Upper) exceeds
// the target.
func Calibrate(opt *CalibrationOptions) (int, float64, error) {
	if opt == nil {
		opt = &CalibrationOptions{} // Prevents panicking due to a nil pointer dereference.
	}
	if opt.MakeEvent == nil {
		return 0, 0, fmt.Errorf("Calibrate: %w: MakeEvent must be set", checks.ErrInvalidConfiguration)
	}
	if err := checks.CheckEpsilonStrict("Calibrate", opt.TargetEpsilon); err != nil {
		return 0, 0, err
	}
	if err := checks.CheckDeltaStrict("Calibrate", opt.TargetDelta); err != nil {
		return 0, 0, err
	}
	if err := checks.CheckBracket("Calibrate", opt.Lower, opt.Upper); err != nil {
		return 0, 0, err
	}
	orders := opt.Orders
	if len(orders) == 0 {
		orders = DefaultOrders()
	}
	if err := checks.CheckRDPOrders("Calibrate", orders); err != nil {
		return 0, 0, err
	}

	epsilon := func(c int) (float64, error) {
		acc, err := NewRDPAccountant(orders)
		if err != nil {
			return 0, err
		}
		if err := acc.Record(opt.MakeEvent(c)); err != nil {
			return 0, err
		}
		eps, _, err := acc.Epsilon(opt.TargetDelta)
		log.V(1).Infof("Calibrate: ε(%d) = %f", c, eps)
		return eps, err
	}

	hi := opt.Upper
	hiEps, err := epsilon(hi)
	if err != nil {
		return 0, 0, fmt.Errorf("Calibrate: %w", err)
	}
	if hiEps > opt.TargetEpsilon {
		return 0, 0, fmt.Errorf("Calibrate: %w: ε(%d) = %f exceeds the target %f", ErrCalibrationInfeasible, hi, hiEps, opt.TargetEpsilon)
	}
	lo := opt.Lower
	loEps, err := epsilon(lo)
	if err != nil {
		return 0, 0, fmt.Errorf("Calibrate: %w", err)
	}
	if loEps <= opt.TargetEpsilon {
		return lo, loEps, nil
	}
	// Invariant: ε(lo) > target ≥ ε(hi).
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		midEps, err := epsilon(mid)
		if err != nil {
			return 0, 0, fmt.Errorf("Calibrate: %w", err)
		}
		if midEps <= opt.TargetEpsilon {
			hi, hiEps = mid, midEps
		} else {
			lo = mid
		}
	}
	return hi, hiEps, nil
}

// FedAvgEvent returns the event of rounds rounds of federated averaging in
// which clientsPerRound out of totalClients clients are sampled and the sum of
// their clipped updates is noised with the given noise multiplier.
func FedAvgEvent(totalClients, clientsPerRound int, noiseMultiplier float64, rounds int) Event {
	q := float64(clientsPerRound) / float64(totalClients)
	return SelfComposedEvent{
		Event: PoissonSampledEvent{SamplingProbability: q, Event: GaussianEvent{NoiseMultiplier: noiseMultiplier}},
		Count: rounds,
	}
}

// CalibrateClientsPerRound returns the smallest number of clients per round,
// and the resulting noise multiplier, such that rounds rounds of federated
// averaging over totalClients clients meet the target budget. The noise
// multiplier grows with the number of clients as
// clientsPerRound·noiseToClientsRatio, keeping the noise standard deviation on
// the averaged update constant.
//
// The returned Budget carries the achieved ε.
func CalibrateClientsPerRound(totalClients int, noiseToClientsRatio float64, rounds int, target Budget) (int, float64, Budget, error) {
	if err := checks.CheckPositiveInt("CalibrateClientsPerRound", "TotalClients", totalClients); err != nil {
		return 0, 0, target, err
	}
	if err := checks.CheckPositiveInt("CalibrateClientsPerRound", "Rounds", rounds); err != nil {
		return 0, 0, target, err
	}
	if err := checks.CheckNoiseMultiplier("CalibrateClientsPerRound (NoiseToClientsRatio)", noiseToClientsRatio); err != nil {
		return 0, 0, target, err
	}
	c, eps, err := Calibrate(&CalibrationOptions{
		MakeEvent: func(c int) Event {
			return FedAvgEvent(totalClients, c, float64(c)*noiseToClientsRatio, rounds)
		},
		TargetEpsilon: target.TargetEpsilon,
		TargetDelta:   target.TargetDelta,
		Lower:         1,
		Upper:         totalClients,
	})
	if err != nil {
		return 0, 0, target, fmt.Errorf("CalibrateClientsPerRound: %w", err)
	}
	target.AchievedEpsilon = eps
	noiseMultiplier := float64(c) * noiseToClientsRatio
	log.Infof("CalibrateClientsPerRound: %d clients per round, noise multiplier %f, ε = %f (target %f, δ = %g)",
		c, noiseMultiplier, eps, target.TargetEpsilon, target.TargetDelta)
	return c, noiseMultiplier, target, nil
}
