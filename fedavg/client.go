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
	"context"
	"sort"

	"github.com/privacy-fl/dpfedavg/tensor"
)

// ClientConfig is sent to a client together with the global model.
type ClientConfig struct {
	Round       int
	LocalEpochs int
}

// FitResult is the outcome of a client's local training.
type FitResult struct {
	// Difference between the locally trained and the global model. It must
	// have the shape of the global model.
	Update      tensor.Vector
	NumExamples int
	Metrics     map[string]float64
}

// ClientUpdateComputer trains the global model on a client's local data.
// ComputeUpdate is called concurrently for different clients and must return
// promptly once ctx is done. global must not be retained or modified.
type ClientUpdateComputer interface {
	ComputeUpdate(ctx context.Context, clientID string, global tensor.Vector, cfg ClientConfig) (FitResult, error)
}

// EvaluateResult is the outcome of evaluating the global model on a client.
type EvaluateResult struct {
	Loss        float64
	NumExamples int
	Metrics     map[string]float64
}

// Evaluator evaluates the global model on a client's local data. Evaluate
// is called concurrently for different clients.
type Evaluator interface {
	Evaluate(ctx context.Context, clientID string, global tensor.Vector, cfg ClientConfig) (EvaluateResult, error)
}

// MetricsAggregationFunc reduces the metrics reported by the clients of a
// round to one value per metric name.
type MetricsAggregationFunc func(results []EvaluateResult) map[string]float64

// UnweightedAverage is the default MetricsAggregationFunc. It averages every
// metric over the clients that reported it.
func UnweightedAverage(results []EvaluateResult) map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, r := range results {
		for name, v := range r.Metrics {
			sums[name] += v
			counts[name]++
		}
	}
	out := make(map[string]float64, len(sums))
	for name, s := range sums {
		out[name] = s / float64(counts[name])
	}
	return out
}

// WeightedLoss returns the average loss weighted by the number of examples of
// each client. Clients without examples count once.
func WeightedLoss(results []EvaluateResult) float64 {
	var total, weights float64
	for _, r := range results {
		w := float64(r.NumExamples)
		if w <= 0 {
			w = 1
		}
		total += w * r.Loss
		weights += w
	}
	if weights == 0 {
		return 0
	}
	return total / weights
}

// Observer is notified of the progress of a run. Methods are called from the
// goroutine running the orchestrator.
type Observer interface {
	RoundStarted(round, sampledClients int)
	ClientFailed(round int, clientID string, err error)
	RoundCompleted(rec RoundRecord)
}

// ClientUpdate is the update of one client within a round. It is discarded
// once folded into the round's aggregate.
type ClientUpdate struct {
	ClientID    string
	Update      tensor.Vector
	NumExamples int
	Norm        float64
}

// metricNames returns the names of m in sorted order.
func metricNames(m map[string]float64) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
