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
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/privacy-fl/dpfedavg/checks"
	"github.com/privacy-fl/dpfedavg/noise"
)

func newAccountant(t *testing.T, orders []float64) *RDPAccountant {
	t.Helper()
	acc, err := NewRDPAccountant(orders)
	if err != nil {
		t.Fatalf("NewRDPAccountant(%v): %v", orders, err)
	}
	return acc
}

func TestDefaultOrders(t *testing.T) {
	orders := DefaultOrders()
	if got, want := len(orders), 99+53+4; got != want {
		t.Fatalf("len(DefaultOrders()) = %d, want %d", got, want)
	}
	for _, tc := range []struct {
		index int
		want  float64
	}{
		{0, 1.1},
		{9, 2},
		{98, 10.9},
		{99, 11},
		{151, 63},
		{152, 128},
		{155, 1024},
	} {
		if got := orders[tc.index]; !cmp.Equal(got, tc.want, cmpopts.EquateApprox(1e-12, 0)) {
			t.Errorf("DefaultOrders()[%d] = %f, want %f", tc.index, got, tc.want)
		}
	}
	for i := 1; i < len(orders); i++ {
		if orders[i] <= orders[i-1] {
			t.Errorf("DefaultOrders() not increasing at %d: %f <= %f", i, orders[i], orders[i-1])
		}
	}
}

func TestSampledGaussianRDP(t *testing.T) {
	for _, tc := range []struct {
		desc            string
		q, sigma, alpha float64
		steps           float64
		want            float64
	}{
		{"no sampling", 1, 10, 20, 1, 0.1},
		{"scalar", 0.1, 2, 5, 10, 0.07737},
		{"fractional order", 0.01, 2.5, 1.5, 50, 6.5007e-04},
		{"fractional order above two", 0.01, 2.5, 2.5, 50, 1.0854e-03},
		{"integer order", 0.01, 2.5, 5, 50, 2.1808e-03},
		{"large integer order", 0.01, 2.5, 50, 50, 2.3846e-02},
		{"very large integer order", 0.01, 2.5, 100, 50, 1.6742e+02},
		{"zero sampling probability", 0, 2.5, 10, 1, 0},
	} {
		got := tc.steps * sampledGaussianRDP(tc.q, tc.sigma, tc.alpha)
		if !cmp.Equal(got, tc.want, cmpopts.EquateApprox(1e-4, 0)) {
			t.Errorf("sampledGaussianRDP: when %s got %g, want %g", tc.desc, got, tc.want)
		}
	}
	if got := sampledGaussianRDP(0.5, 0, 2); !math.IsInf(got, 1) {
		t.Errorf("sampledGaussianRDP with no noise got %g, want +Inf", got)
	}
}

func TestSampledGaussianRDPIsNonDecreasingInOrder(t *testing.T) {
	for _, tc := range []struct{ q, sigma float64 }{
		{0.00232, 0.58},
		{0.01, 1.1},
		{0.1, 4},
		{0.5, 125},
	} {
		prev := 0.0
		orders := DefaultOrders()
		for i, got := range sampledGaussianProfile(tc.q, tc.sigma, orders) {
			a := orders[i]
			if math.IsNaN(got) || got < 0 {
				t.Fatalf("sampledGaussianRDP(%g, %g, %g) = %g, want a nonnegative value", tc.q, tc.sigma, a, got)
			}
			if got < prev*(1-1e-6) {
				t.Errorf("sampledGaussianRDP(%g, %g, %g) = %g, smaller than %g at the previous order", tc.q, tc.sigma, a, got, prev)
			}
			prev = got
		}
	}
}

func TestNewRDPAccountant(t *testing.T) {
	for _, tc := range []struct {
		desc    string
		orders  []float64
		wantErr bool
	}{
		{"default orders", nil, false},
		{"custom orders", []float64{1.5, 2, 32}, false},
		{"order equal to one", []float64{1, 2}, true},
		{"NaN order", []float64{math.NaN()}, true},
	} {
		_, err := NewRDPAccountant(tc.orders)
		if (err != nil) != tc.wantErr {
			t.Errorf("NewRDPAccountant: when %s for err got %v, want %t", tc.desc, err, tc.wantErr)
		}
	}
}

func TestRecordComposedEqualsSequentialRecords(t *testing.T) {
	e1 := PoissonSampledEvent{SamplingProbability: 0.01, Event: GaussianEvent{NoiseMultiplier: 1.1}}
	e2 := GaussianEvent{NoiseMultiplier: 3}
	composed := newAccountant(t, nil)
	if err := composed.Record(ComposedEvent{Events: []Event{e1, e2}}); err != nil {
		t.Fatalf("Record(composed): %v", err)
	}
	sequential := newAccountant(t, nil)
	for _, e := range []Event{e1, e2} {
		if err := sequential.Record(e); err != nil {
			t.Fatalf("Record(%v): %v", e, err)
		}
	}
	reversed := newAccountant(t, nil)
	for _, e := range []Event{e2, e1} {
		if err := reversed.Record(e); err != nil {
			t.Fatalf("Record(%v): %v", e, err)
		}
	}
	if diff := cmp.Diff(sequential.profile(), composed.profile(), cmpopts.EquateApprox(1e-12, 0)); diff != "" {
		t.Errorf("composed RDP mismatch (-sequential +composed):\n%s", diff)
	}
	if diff := cmp.Diff(sequential.profile(), reversed.profile(), cmpopts.EquateApprox(1e-12, 0)); diff != "" {
		t.Errorf("RDP depends on the recording order (-forward +reversed):\n%s", diff)
	}
	if got := len(composed.History()); got != 1 {
		t.Errorf("composed History() has %d events, want 1", got)
	}
	if diff := cmp.Diff([]Event{e1, e2}, sequential.History()); diff != "" {
		t.Errorf("sequential History() mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordSelfComposed(t *testing.T) {
	e := PoissonSampledEvent{SamplingProbability: 0.05, Event: GaussianEvent{NoiseMultiplier: 0.9}}
	self := newAccountant(t, nil)
	if err := self.Record(SelfComposedEvent{Event: e, Count: 7}); err != nil {
		t.Fatalf("Record(self-composed): %v", err)
	}
	repeated := newAccountant(t, nil)
	for i := 0; i < 7; i++ {
		if err := repeated.Record(e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if diff := cmp.Diff(repeated.profile(), self.profile(), cmpopts.EquateApprox(1e-12, 0)); diff != "" {
		t.Errorf("self-composed RDP mismatch (-repeated +self-composed):\n%s", diff)
	}
}

func TestRecordIsMonotonic(t *testing.T) {
	acc := newAccountant(t, nil)
	prevRDP := acc.profile()
	prevEps := 0.0
	for round := 0; round < 20; round++ {
		if err := acc.Record(PoissonSampledEvent{SamplingProbability: 0.02, Event: GaussianEvent{NoiseMultiplier: 1}}); err != nil {
			t.Fatalf("Record: %v", err)
		}
		rdp := acc.profile()
		for i := range rdp {
			if rdp[i] < prevRDP[i] {
				t.Errorf("round %d: RDP at order %f decreased from %g to %g", round, acc.Orders()[i], prevRDP[i], rdp[i])
			}
		}
		eps, _, err := acc.Epsilon(1e-5)
		if err != nil {
			t.Fatalf("Epsilon: %v", err)
		}
		if eps < prevEps {
			t.Errorf("round %d: ε decreased from %f to %f", round, prevEps, eps)
		}
		prevRDP, prevEps = rdp, eps
	}
}

func TestRecordRejectsInvalidEvents(t *testing.T) {
	for _, tc := range []struct {
		desc       string
		event      Event
		wantConfig bool
	}{
		{"negative noise multiplier", GaussianEvent{NoiseMultiplier: -1}, true},
		{"sampling probability above one", PoissonSampledEvent{SamplingProbability: 1.5, Event: GaussianEvent{NoiseMultiplier: 1}}, true},
		{"negative count", SelfComposedEvent{Event: NoOpEvent{}, Count: -1}, true},
		{"invalid event inside a composition", ComposedEvent{Events: []Event{NoOpEvent{}, GaussianEvent{NoiseMultiplier: math.NaN()}}}, true},
		{"nested Poisson sampling", PoissonSampledEvent{SamplingProbability: 0.1, Event: PoissonSampledEvent{SamplingProbability: 0.1, Event: GaussianEvent{NoiseMultiplier: 1}}}, false},
		{"nil event", nil, false},
	} {
		acc := newAccountant(t, nil)
		err := acc.Record(tc.event)
		if err == nil {
			t.Errorf("Record: when %s got nil error", tc.desc)
			continue
		}
		if tc.wantConfig && !errors.Is(err, checks.ErrInvalidConfiguration) {
			t.Errorf("Record: when %s got err %v, want it to wrap ErrInvalidConfiguration", tc.desc, err)
		}
		if !tc.wantConfig && !errors.Is(err, ErrUnsupportedEvent) {
			t.Errorf("Record: when %s got err %v, want it to wrap ErrUnsupportedEvent", tc.desc, err)
		}
		if len(acc.History()) != 0 {
			t.Errorf("Record: when %s the event was added to the history", tc.desc)
		}
		for _, r := range acc.profile() {
			if r != 0 {
				t.Errorf("Record: when %s the profile changed", tc.desc)
				break
			}
		}
	}
}

func TestEpsilon(t *testing.T) {
	for _, tc := range []struct {
		desc  string
		event Event
		delta float64
		want  float64
	}{
		{"no events", NoOpEvent{}, 1e-5, 0},
		{"Gaussian with σ=1", GaussianEvent{NoiseMultiplier: 1}, 1e-5, 4.7285},
		{"Gaussian with σ=2", GaussianEvent{NoiseMultiplier: 2}, 1e-5, 2.1657},
		{"Gaussian with σ=5", GaussianEvent{NoiseMultiplier: 5}, 1e-5, 0.79452},
		{"zero rounds", SelfComposedEvent{Event: GaussianEvent{NoiseMultiplier: 0}, Count: 0}, 1e-5, 0},
	} {
		acc := newAccountant(t, nil)
		if err := acc.Record(tc.event); err != nil {
			t.Fatalf("Record(%v): %v", tc.event, err)
		}
		got, _, err := acc.Epsilon(tc.delta)
		if err != nil {
			t.Fatalf("Epsilon: when %s got err %v", tc.desc, err)
		}
		if !cmp.Equal(got, tc.want, cmpopts.EquateApprox(1e-4, 1e-12)) {
			t.Errorf("Epsilon: when %s got %f, want %f", tc.desc, got, tc.want)
		}
	}
}

func TestEpsilonWithoutNoiseIsInfinite(t *testing.T) {
	acc := newAccountant(t, nil)
	if err := acc.Record(PoissonSampledEvent{SamplingProbability: 0.1, Event: GaussianEvent{NoiseMultiplier: 0}}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	eps, _, err := acc.Epsilon(1e-5)
	if err != nil {
		t.Fatalf("Epsilon: %v", err)
	}
	if !math.IsInf(eps, 1) {
		t.Errorf("Epsilon without noise got %f, want +Inf", eps)
	}
	delta, _, err := acc.Delta(1)
	if err != nil {
		t.Fatalf("Delta: %v", err)
	}
	if delta != 1 {
		t.Errorf("Delta without noise got %f, want 1", delta)
	}
}

func TestEpsilonRejectsInvalidDelta(t *testing.T) {
	acc := newAccountant(t, nil)
	for _, delta := range []float64{0, -1e-5, 1, math.NaN()} {
		if _, _, err := acc.Epsilon(delta); !errors.Is(err, checks.ErrInvalidConfiguration) {
			t.Errorf("Epsilon(%f) got err %v, want it to wrap ErrInvalidConfiguration", delta, err)
		}
	}
	if _, _, err := acc.Delta(-1); !errors.Is(err, checks.ErrInvalidConfiguration) {
		t.Errorf("Delta(-1) got err %v, want it to wrap ErrInvalidConfiguration", err)
	}
}

func TestDeltaInvertsEpsilon(t *testing.T) {
	acc := newAccountant(t, nil)
	if err := acc.Record(FedAvgEvent(50000, 116, 0.58, 10)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	for _, delta := range []float64{1e-3, 1e-4, 1e-6} {
		eps, _, err := acc.Epsilon(delta)
		if err != nil {
			t.Fatalf("Epsilon(%g): %v", delta, err)
		}
		got, _, err := acc.Delta(eps)
		if err != nil {
			t.Fatalf("Delta(%f): %v", eps, err)
		}
		if got > delta*(1+1e-9) {
			t.Errorf("Delta(Epsilon(%g)) = %g, want at most %g", delta, got, delta)
		}
	}
}

func TestEpsilonUpperBoundsExactGaussian(t *testing.T) {
	const delta = 1e-5
	for _, sigma := range []float64{0.8, 1, 2, 5, 10} {
		acc := newAccountant(t, nil)
		if err := acc.Record(GaussianEvent{NoiseMultiplier: sigma}); err != nil {
			t.Fatalf("Record: %v", err)
		}
		eps, _, err := acc.Epsilon(delta)
		if err != nil {
			t.Fatalf("Epsilon: %v", err)
		}
		// The RDP conversion is an upper bound on the tight ε of the Gaussian mechanism.
		if exact := noise.DeltaForGaussian(sigma, 1, eps); exact > delta {
			t.Errorf("σ=%f: ε=%f from RDP has exact δ=%g, want at most %g", sigma, eps, exact, delta)
		}
	}
}

func TestHalfSamplingProbabilityWithLargeNoise(t *testing.T) {
	// A sampling probability of 1/2 with a large noise multiplier makes the
	// fractional-order series converge very slowly.
	acc := newAccountant(t, nil)
	if err := acc.Record(FedAvgEvent(50000, 25000, 125, 10)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	eps, _, err := acc.Epsilon(1e-4)
	if err != nil {
		t.Fatalf("Epsilon: %v", err)
	}
	if math.IsNaN(eps) || math.IsInf(eps, 0) || eps < 0 {
		t.Errorf("Epsilon(1e-4) = %f, want a finite nonnegative value", eps)
	}
	orders := []float64{1.1, 1.5, 4.5, 10.9}
	for i, frac := range sampledGaussianProfile(0.5, 125, orders) {
		ceil := sampledGaussianRDP(0.5, 125, math.Ceil(orders[i]))
		if math.IsNaN(frac) || frac > ceil*(1+1e-9) {
			t.Errorf("sampledGaussianProfile(0.5, 125) at order %f = %g, want at most %g", orders[i], frac, ceil)
		}
	}
}
