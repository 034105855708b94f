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

package fedavg

import (
	"github.com/privacy-fl/dpfedavg/tensor"
)

// RoundRecord describes one committed round. It is read-only once appended to
// the History.
type RoundRecord struct {
	Round                int
	SampledClients       int
	ParticipatingClients int
	FailedClients        []string
	// Noised average of the clipped updates applied to the global model.
	Aggregate tensor.Vector
	// Clipping norm used in the round, and the noised fraction of updates
	// below it. The fraction is 0 without adaptive clipping.
	ClipNorm            float64
	NoisedFractionBelow float64
	// Cumulative ε after the round at the configured δ. 0 when accounting is
	// disabled.
	Epsilon float64
	// Evaluation results, set when Evaluated is true.
	Evaluated        bool
	EvaluatedClients int
	Loss             float64
	Metrics          map[string]float64
}

// RoundValue is a value reported for a round.
type RoundValue struct {
	Round int
	Value float64
}

// History is the per-round record of a run.
type History struct {
	Rounds []RoundRecord
}

func (h *History) append(rec RoundRecord) {
	h.Rounds = append(h.Rounds, rec)
}

// Losses returns the example-weighted distributed evaluation loss of every
// evaluated round.
func (h *History) Losses() []RoundValue {
	var out []RoundValue
	for _, r := range h.Rounds {
		if r.Evaluated {
			out = append(out, RoundValue{Round: r.Round, Value: r.Loss})
		}
	}
	return out
}

// Metrics returns, for every metric name, the aggregated evaluation metric of
// every round that reported it.
func (h *History) Metrics() map[string][]RoundValue {
	out := make(map[string][]RoundValue)
	for _, r := range h.Rounds {
		for _, name := range metricNames(r.Metrics) {
			out[name] = append(out[name], RoundValue{Round: r.Round, Value: r.Metrics[name]})
		}
	}
	return out
}

// MetricNames returns the sorted names of all metrics in h.
func (h *History) MetricNames() []string {
	seen := make(map[string]float64)
	for _, r := range h.Rounds {
		for name := range r.Metrics {
			seen[name] = 0
		}
	}
	return metricNames(seen)
}

// ClipNorms returns the clipping norm of every round.
func (h *History) ClipNorms() []RoundValue {
	out := make([]RoundValue, len(h.Rounds))
	for i, r := range h.Rounds {
		out[i] = RoundValue{Round: r.Round, Value: r.ClipNorm}
	}
	return out
}

// Epsilon returns the cumulative ε after the last round, or 0 for an empty
// history.
func (h *History) Epsilon() float64 {
	if len(h.Rounds) == 0 {
		return 0
	}
	return h.Rounds[len(h.Rounds)-1].Epsilon
}
