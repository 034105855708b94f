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
// Package accounting tracks the privacy loss of differentially private
// federated averaging with a Rényi differential privacy (RDP) accountant, and
// calibrates the number of clients per round to a target privacy budget.
//
// The analysis of the Poisson-subsampled Gaussian mechanism follows Mironov
// et al., "Rényi Differential Privacy of the Sampled Gaussian Mechanism"
// (https://arxiv.org/abs/1908.10530).
package accounting

import (
	"errors"
	"fmt"
	"math"

	"github.com/privacy-fl/dpfedavg/checks"
)

// ErrUnsupportedEvent is returned when an event cannot be analysed by the RDP
// accountant.
var ErrUnsupportedEvent = errors.New("unsupported privacy event")

// DefaultOrders returns the Rényi orders used when none are given:
// 1.1, 1.2, ..., 10.9, then 11, ..., 63, then 128, 256, 512 and 1024.
func DefaultOrders() []float64 {
	orders := make([]float64, 0, 99+53+4)
	for x := 1; x < 100; x++ {
		orders = append(orders, 1+float64(x)/10)
	}
	for a := 11; a < 64; a++ {
		orders = append(orders, float64(a))
	}
	return append(orders, 128, 256, 512, 1024)
}

// RDPAccountant accumulates the RDP profile of a sequence of events. The
// profile at every order is the sum of the profiles of the recorded events,
// so it never decreases.
//
// Not thread-safe.
type RDPAccountant struct {
	orders  []float64
	rdp     []float64
	history []Event
}

// NewRDPAccountant returns an accountant evaluating the given orders. A nil
// or empty orders uses DefaultOrders().
func NewRDPAccountant(orders []float64) (*RDPAccountant, error) {
	if len(orders) == 0 {
		orders = DefaultOrders()
	}
	if err := checks.CheckRDPOrders("NewRDPAccountant", orders); err != nil {
		return nil, err
	}
	return &RDPAccountant{
		orders: append([]float64(nil), orders...),
		rdp:    make([]float64, len(orders)),
	}, nil
}

// Orders returns the Rényi orders of a.
func (a *RDPAccountant) Orders() []float64 {
	return append([]float64(nil), a.orders...)
}

// profile returns a copy of the cumulative RDP profile, one value per order.
func (a *RDPAccountant) profile() []float64 {
	return append([]float64(nil), a.rdp...)
}

// Record adds the privacy loss of e to the cumulative profile. An invalid or
// unsupported e leaves the profile unchanged.
func (a *RDPAccountant) Record(e Event) error {
	profile := make([]float64, len(a.orders))
	if err := a.compose(e, 1, profile); err != nil {
		return fmt.Errorf("Record(%v): %w", e, err)
	}
	for i := range a.rdp {
		a.rdp[i] += profile[i]
	}
	a.history = append(a.history, e)
	return nil
}

// compose adds count times the profile of e to profile.
func (a *RDPAccountant) compose(e Event, count int, profile []float64) error {
	switch ev := e.(type) {
	case NoOpEvent:
		return nil
	case GaussianEvent:
		if err := checkNoiseMultiplier(ev.NoiseMultiplier); err != nil {
			return err
		}
		if count == 0 {
			return nil
		}
		for i, r := range sampledGaussianProfile(1, ev.NoiseMultiplier, a.orders) {
			profile[i] += float64(count) * r
		}
		return nil
	case PoissonSampledEvent:
		if err := checks.CheckSamplingProbability("PoissonSampledEvent", ev.SamplingProbability); err != nil {
			return err
		}
		g, ok := ev.Event.(GaussianEvent)
		if !ok {
			return fmt.Errorf("%w: Poisson sampling of %v", ErrUnsupportedEvent, ev.Event)
		}
		if err := checkNoiseMultiplier(g.NoiseMultiplier); err != nil {
			return err
		}
		if count == 0 {
			return nil
		}
		for i, r := range sampledGaussianProfile(ev.SamplingProbability, g.NoiseMultiplier, a.orders) {
			profile[i] += float64(count) * r
		}
		return nil
	case SelfComposedEvent:
		if err := checks.CheckNonNegativeInt("SelfComposedEvent", "Count", ev.Count); err != nil {
			return err
		}
		return a.compose(ev.Event, count*ev.Count, profile)
	case ComposedEvent:
		for _, inner := range ev.Events {
			if err := a.compose(inner, count, profile); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%w: %T", ErrUnsupportedEvent, e)
}

func checkNoiseMultiplier(sigma float64) error {
	if sigma < 0 || math.IsNaN(sigma) || math.IsInf(sigma, 0) {
		return fmt.Errorf("GaussianEvent: %w: NoiseMultiplier is %f, must be nonnegative and finite", checks.ErrInvalidConfiguration, sigma)
	}
	return nil
}

// Epsilon returns the smallest ε such that the recorded events are jointly
// (ε, delta)-DP, and the order at which it is attained.
func (a *RDPAccountant) Epsilon(delta float64) (float64, float64, error) {
	if err := checks.CheckDeltaStrict("Epsilon", delta); err != nil {
		return 0, 0, err
	}
	eps, order := epsilonFromRDP(a.orders, a.rdp, delta)
	return eps, order, nil
}

// Delta returns the smallest δ such that the recorded events are jointly
// (epsilon, δ)-DP, and the order at which it is attained.
func (a *RDPAccountant) Delta(epsilon float64) (float64, float64, error) {
	if err := checks.CheckEpsilon("Delta", epsilon); err != nil {
		return 0, 0, err
	}
	delta, order := deltaFromRDP(a.orders, a.rdp, epsilon)
	return delta, order, nil
}

// History returns the recorded events in the order they were recorded.
func (a *RDPAccountant) History() []Event {
	return append([]Event(nil), a.history...)
}
