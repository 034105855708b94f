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

package main

import (
	"context"
	"fmt"

	log "github.com/golang/glog"
	"github.com/privacy-fl/dpfedavg/accounting"
	"github.com/privacy-fl/dpfedavg/config"
	"github.com/privacy-fl/dpfedavg/fedavg"
	"github.com/privacy-fl/dpfedavg/metrics"
	"github.com/privacy-fl/dpfedavg/simulation"
	"github.com/prometheus/client_golang/prometheus"
)

// Scenario is something the command can run on an experiment.
type Scenario interface {
	Run(ctx context.Context, exp *config.Experiment) error
}

// CalibrateScenario searches for the number of clients per round meeting the
// experiment's privacy budget and logs the resulting strategy.
type CalibrateScenario struct{}

// Run implements Scenario.
func (*CalibrateScenario) Run(_ context.Context, exp *config.Experiment) error {
	res, err := exp.Calibrate()
	if err != nil {
		return err
	}
	log.Infof("Calibrated %d clients per round (fraction_fit = %g), noise_multiplier = %g, ε = %g at δ = %g over %d rounds",
		res.ClientsPerRound, exp.Strategy.FractionFit, res.NoiseMultiplier,
		res.Budget.AchievedEpsilon, res.Budget.TargetDelta, exp.Strategy.NumRounds)
	log.Infof("A single unsampled release with noise_multiplier = %g has δ = %g at ε = %g; it would need noise_multiplier = %g",
		res.NoiseMultiplier, res.SingleReleaseDelta, res.Budget.TargetEpsilon, res.SingleReleaseNoiseMultiplier)
	return nil
}

// TrainScenario runs DP-FedAvg over the simulated federation of the
// experiment. The strategy is calibrated first if the experiment has a
// calibration section.
type TrainScenario struct {
	// Optional output files.
	HistoryFile string
	MetricsFile string
}

// Run implements Scenario.
func (s *TrainScenario) Run(ctx context.Context, exp *config.Experiment) error {
	if exp.Calibration != nil {
		if err := (&CalibrateScenario{}).Run(ctx, exp); err != nil {
			return err
		}
	}
	fed, err := simulation.NewFederation(exp.Simulation)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	obs, err := metrics.NewObserver(reg)
	if err != nil {
		return err
	}
	opts := []fedavg.Option{
		fedavg.WithInitialModel(fed.InitialModel()),
		fedavg.WithEvaluator(fed.Evaluator()),
		fedavg.WithObserver(obs),
	}
	var acc *accounting.RDPAccountant
	if exp.Strategy.TargetDelta > 0 {
		if acc, err = accounting.NewRDPAccountant(exp.Strategy.RDPOrders); err != nil {
			return err
		}
		opts = append(opts, fedavg.WithAccountant(acc))
	}
	o, err := fedavg.New(exp.Strategy, fed.ClientIDs(), fed.Trainer(), opts...)
	if err != nil {
		return err
	}

	h, runErr := o.Run(ctx)
	if h != nil {
		log.Infof("Ran %d rounds, ε = %g, clip norm = %g", len(h.Rounds), h.Epsilon(), o.ClipState().ClipNorm)
		if losses := h.Losses(); len(losses) > 0 {
			last := losses[len(losses)-1]
			log.Infof("Loss after round %d: %g", last.Round, last.Value)
		}
		if acc != nil {
			if eps, order, err := acc.Epsilon(exp.Strategy.TargetDelta); err == nil {
				log.Infof("Recorded %d privacy events over %d Rényi orders: ε = %g at δ = %g (order %g)",
					len(acc.History()), len(acc.Orders()), eps, exp.Strategy.TargetDelta, order)
			}
		}
		if s.HistoryFile != "" {
			if err := simulation.WriteHistoryCSV(h, s.HistoryFile); err != nil {
				return combine(runErr, err)
			}
		}
	}
	if s.MetricsFile != "" {
		if err := metrics.WriteTextfile(s.MetricsFile, reg); err != nil {
			return combine(runErr, err)
		}
	}
	return runErr
}

func combine(runErr, err error) error {
	if runErr == nil {
		return err
	}
	return fmt.Errorf("%w (and %v)", runErr, err)
}
