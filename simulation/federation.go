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

// Package simulation contains a synthetic federation of clients for running
// DP-FedAvg experiments in process: every client holds a shard of a binary
// classification dataset and trains a logistic-regression model locally.
package simulation

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/cespare/xxhash/v2"
	log "github.com/golang/glog"
	"github.com/privacy-fl/dpfedavg/checks"
	"github.com/privacy-fl/dpfedavg/fedavg"
	"github.com/privacy-fl/dpfedavg/tensor"
	exprand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// Config describes a synthetic federation.
type Config struct {
	NumClients        int `yaml:"num_clients"`
	ExamplesPerClient int `yaml:"examples_per_client"`
	Features          int `yaml:"features"`
	// Fraction of every client's examples held out for evaluation.
	TestFraction float64 `yaml:"test_fraction"`
	// Standard deviation of the per-client shift of the feature means. 0
	// makes the clients identically distributed.
	Heterogeneity float64 `yaml:"heterogeneity"`
	// Step size and batch size of local gradient descent.
	LearningRate float64 `yaml:"learning_rate"`
	BatchSize    int     `yaml:"batch_size"`
	// Probability that a client fails its local training in a round.
	FailureRate float64 `yaml:"failure_rate"`
	Seed        int64   `yaml:"seed"`
}

// DefaultConfig returns the federation used for unset options.
func DefaultConfig() Config {
	return Config{
		NumClients:        100,
		ExamplesPerClient: 50,
		Features:          10,
		TestFraction:      0.2,
		Heterogeneity:     0.5,
		LearningRate:      0.1,
		BatchSize:         10,
		Seed:              1,
	}
}

// Validate returns an error wrapping checks.ErrInvalidConfiguration if any
// option is out of range.
func (c Config) Validate() error {
	const label = "simulation.Config"
	if err := checks.CheckPositiveInt(label, "NumClients", c.NumClients); err != nil {
		return err
	}
	if err := checks.CheckPositiveInt(label, "ExamplesPerClient", c.ExamplesPerClient); err != nil {
		return err
	}
	if err := checks.CheckPositiveInt(label, "Features", c.Features); err != nil {
		return err
	}
	if err := checks.CheckFraction(label, "TestFraction", c.TestFraction); err != nil {
		return err
	}
	if err := checks.CheckStdDev(label+" (Heterogeneity)", c.Heterogeneity); err != nil {
		return err
	}
	if err := checks.CheckLearningRate(label, c.LearningRate); err != nil {
		return err
	}
	if err := checks.CheckPositiveInt(label, "BatchSize", c.BatchSize); err != nil {
		return err
	}
	return checks.CheckFraction(label, "FailureRate", c.FailureRate)
}

type dataset struct {
	x [][]float64
	y []float64
}

type client struct {
	train, test dataset
}

// Federation is a set of clients sharing one ground-truth model. It is safe
// for concurrent use once created.
type Federation struct {
	cfg       Config
	ids       []string
	clients   map[string]*client
	trueModel tensor.Vector
}

// NewFederation generates the data of every client from cfg.Seed.
func NewFederation(cfg Config) (*Federation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("NewFederation: %w", err)
	}
	src := exprand.NewSource(uint64(cfg.Seed))
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: src}

	f := &Federation{cfg: cfg, clients: make(map[string]*client, cfg.NumClients)}
	f.trueModel = NewModel(cfg.Features)
	for i := range f.trueModel[0].Values {
		f.trueModel[0].Values[i] = normal.Rand()
	}
	f.trueModel[1].Values[0] = normal.Rand()

	numTest := int(math.Round(cfg.TestFraction * float64(cfg.ExamplesPerClient)))
	for c := 0; c < cfg.NumClients; c++ {
		id := "client-" + strconv.Itoa(c)
		shift := make([]float64, cfg.Features)
		for j := range shift {
			shift[j] = cfg.Heterogeneity * normal.Rand()
		}
		var d dataset
		for e := 0; e < cfg.ExamplesPerClient; e++ {
			x := make([]float64, cfg.Features)
			for j := range x {
				x[j] = shift[j] + normal.Rand()
			}
			p := sigmoid(predict(f.trueModel, x))
			label := distuv.Bernoulli{P: p, Src: src}.Rand()
			d.x = append(d.x, x)
			d.y = append(d.y, label)
		}
		f.clients[id] = &client{
			train: dataset{x: d.x[numTest:], y: d.y[numTest:]},
			test:  dataset{x: d.x[:numTest], y: d.y[:numTest]},
		}
		f.ids = append(f.ids, id)
	}
	log.Infof("NewFederation: %d clients with %d examples each (%d held out), %d features",
		cfg.NumClients, cfg.ExamplesPerClient, numTest, cfg.Features)
	return f, nil
}

// NewModel returns a zero logistic-regression model over features features.
func NewModel(features int) tensor.Vector {
	return tensor.Vector{tensor.New("weights", features), tensor.New("bias", 1)}
}

// ClientIDs returns the identifiers of all clients.
func (f *Federation) ClientIDs() []string { return append([]string(nil), f.ids...) }

// InitialModel returns the model the first round starts from.
func (f *Federation) InitialModel() tensor.Vector { return NewModel(f.cfg.Features) }

// Trainer returns the local trainer of the federation.
func (f *Federation) Trainer() *Trainer { return &Trainer{f: f} }

// Evaluator returns the local evaluator of the federation.
func (f *Federation) Evaluator() *Evaluator { return &Evaluator{f: f} }

func (f *Federation) client(id string) (*client, error) {
	c, ok := f.clients[id]
	if !ok {
		return nil, fmt.Errorf("unknown client %q", id)
	}
	return c, nil
}

// failsIn reports whether client id fails in round. The outcome only depends
// on the seed, the round and the client.
func (f *Federation) failsIn(round int, id string) bool {
	if f.cfg.FailureRate == 0 {
		return false
	}
	h := xxhash.Sum64String(strconv.FormatInt(f.cfg.Seed, 10) + "/" + strconv.Itoa(round) + "/" + id)
	return float64(h>>11)/(1<<53) < f.cfg.FailureRate
}

func sigmoid(z float64) float64 { return 1 / (1 + math.Exp(-z)) }

func predict(model tensor.Vector, x []float64) float64 {
	return floats.Dot(model[0].Values, x) + model[1].Values[0]
}

// Trainer runs mini-batch gradient descent on a client's training examples.
// It implements fedavg.ClientUpdateComputer.
type Trainer struct {
	f *Federation
}

// ComputeUpdate trains global for cfg.LocalEpochs epochs and returns the
// difference between the trained and the global model.
func (t *Trainer) ComputeUpdate(ctx context.Context, clientID string, global tensor.Vector, cfg fedavg.ClientConfig) (fedavg.FitResult, error) {
	c, err := t.f.client(clientID)
	if err != nil {
		return fedavg.FitResult{}, err
	}
	if t.f.failsIn(cfg.Round, clientID) {
		return fedavg.FitResult{}, fmt.Errorf("simulated failure of %s in round %d", clientID, cfg.Round)
	}
	if err := tensor.SameShape(global, NewModel(t.f.cfg.Features)); err != nil {
		return fedavg.FitResult{}, fmt.Errorf("global model: %w", err)
	}
	local := global.Clone()
	grad := tensor.ZerosLike(local)
	n := len(c.train.y)
	for epoch := 0; epoch < cfg.LocalEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return fedavg.FitResult{}, err
		}
		for start := 0; start < n; start += t.f.cfg.BatchSize {
			end := min(start+t.f.cfg.BatchSize, n)
			grad.Scale(0)
			for i := start; i < end; i++ {
				residual := sigmoid(predict(local, c.train.x[i])) - c.train.y[i]
				floats.AddScaled(grad[0].Values, residual, c.train.x[i])
				grad[1].Values[0] += residual
			}
			if err := local.AddScaledInPlace(-t.f.cfg.LearningRate/float64(end-start), grad); err != nil {
				return fedavg.FitResult{}, err
			}
		}
	}
	update, err := tensor.Sub(local, global)
	if err != nil {
		return fedavg.FitResult{}, err
	}
	loss, _ := evaluate(local, c.train)
	return fedavg.FitResult{
		Update:      update,
		NumExamples: n,
		Metrics:     map[string]float64{"train_loss": loss},
	}, nil
}

// Evaluator computes the log loss and the accuracy of the global model on a
// client's held-out examples. It implements fedavg.Evaluator.
type Evaluator struct {
	f *Federation
}

// Evaluate returns the loss and the accuracy of global on the client's test
// examples.
func (e *Evaluator) Evaluate(ctx context.Context, clientID string, global tensor.Vector, _ fedavg.ClientConfig) (fedavg.EvaluateResult, error) {
	c, err := e.f.client(clientID)
	if err != nil {
		return fedavg.EvaluateResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return fedavg.EvaluateResult{}, err
	}
	if len(c.test.y) == 0 {
		return fedavg.EvaluateResult{}, fmt.Errorf("client %s has no test examples", clientID)
	}
	loss, accuracy := evaluate(global, c.test)
	return fedavg.EvaluateResult{
		Loss:        loss,
		NumExamples: len(c.test.y),
		Metrics:     map[string]float64{"accuracy": accuracy},
	}, nil
}

// evaluate returns the mean log loss and the accuracy of model on d.
func evaluate(model tensor.Vector, d dataset) (float64, float64) {
	if len(d.y) == 0 {
		return 0, 0
	}
	const eps = 1e-12
	var loss, correct float64
	for i, x := range d.x {
		p := sigmoid(predict(model, x))
		loss -= d.y[i]*math.Log(p+eps) + (1-d.y[i])*math.Log(1-p+eps)
		if (p >= 0.5) == (d.y[i] == 1) {
			correct++
		}
	}
	n := float64(len(d.y))
	return loss / n, correct / n
}
