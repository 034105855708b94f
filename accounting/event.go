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
	"fmt"
	"strings"
)

// Event is a differentially private mechanism, or a composition of
// mechanisms, whose privacy loss an accountant can track. Events are
// immutable once created.
//
// The implementations are GaussianEvent, PoissonSampledEvent,
// SelfComposedEvent, ComposedEvent and NoOpEvent.
type Event interface {
	fmt.Stringer
	isEvent()
}

// GaussianEvent is the Gaussian mechanism applied to a query of L2
// sensitivity 1, with noise of standard deviation NoiseMultiplier.
type GaussianEvent struct {
	NoiseMultiplier float64
}

// PoissonSampledEvent applies Event to a subsample in which every record is
// included independently with probability SamplingProbability. Only
// GaussianEvent is supported as the inner event.
type PoissonSampledEvent struct {
	SamplingProbability float64
	Event               Event
}

// SelfComposedEvent is Event applied Count times.
type SelfComposedEvent struct {
	Event Event
	Count int
}

// ComposedEvent is the sequential composition of Events.
type ComposedEvent struct {
	Events []Event
}

// NoOpEvent has no privacy cost.
type NoOpEvent struct{}

func (GaussianEvent) isEvent()       {}
func (PoissonSampledEvent) isEvent() {}
func (SelfComposedEvent) isEvent()   {}
func (ComposedEvent) isEvent()       {}
func (NoOpEvent) isEvent()           {}

func (e GaussianEvent) String() string {
	return fmt.Sprintf("Gaussian(σ=%g)", e.NoiseMultiplier)
}

func (e PoissonSampledEvent) String() string {
	return fmt.Sprintf("PoissonSampled(q=%g, %v)", e.SamplingProbability, e.Event)
}

func (e SelfComposedEvent) String() string {
	return fmt.Sprintf("SelfComposed(%v, count=%d)", e.Event, e.Count)
}

func (e ComposedEvent) String() string {
	parts := make([]string, len(e.Events))
	for i, ev := range e.Events {
		parts[i] = fmt.Sprint(ev)
	}
	return "Composed(" + strings.Join(parts, ", ") + ")"
}

func (NoOpEvent) String() string { return "NoOp" }
