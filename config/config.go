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

// Package config parses the YAML experiment files of the dpfedavg command.
//
// An experiment file has three sections:
//
//	strategy:     # fedavg.Config
//	  noise_multiplier: 0.58
//	  num_rounds: 100
//	calibration:  # optional, see CalibrationConfig
//	  total_clients: 1000
//	  rounds: 100
//	  noise_to_clients_ratio: 0.005
//	  target_epsilon: 2
//	  target_delta: 1e-5
//	simulation:   # simulation.Config
//	  num_clients: 1000
//
// Options that are not set keep the values of Default.
package config

import (
	"fmt"
	"os"

	log "github.com/golang/glog"
	"github.com/privacy-fl/dpfedavg/accounting"
	"github.com/privacy-fl/dpfedavg/checks"
	"github.com/privacy-fl/dpfedavg/fedavg"
	"github.com/privacy-fl/dpfedavg/noise"
	"github.com/privacy-fl/dpfedavg/simulation"
	"gopkg.in/yaml.v3"
)

// Experiment is a parsed experiment file.
type Experiment struct {
	Strategy    fedavg.Config      `yaml:"strategy"`
	Calibration *CalibrationConfig `yaml:"calibration,omitempty"`
	Simulation  simulation.Config  `yaml:"simulation"`
}

// CalibrationConfig describes a search for the number of clients per round
// that meets a privacy budget when the noise multiplier grows linearly with
// the number of clients.
type CalibrationConfig struct {
	TotalClients        int     `yaml:"total_clients"`
	Rounds              int     `yaml:"rounds"`
	NoiseToClientsRatio float64 `yaml:"noise_to_clients_ratio"`
	TargetEpsilon       float64 `yaml:"target_epsilon"`
	TargetDelta         float64 `yaml:"target_delta"`
}

// Validate returns an error wrapping checks.ErrInvalidConfiguration if any
// option is out of range.
func (c *CalibrationConfig) Validate() error {
	const label = "CalibrationConfig"
	if err := checks.CheckPositiveInt(label, "TotalClients", c.TotalClients); err != nil {
		return err
	}
	if err := checks.CheckPositiveInt(label, "Rounds", c.Rounds); err != nil {
		return err
	}
	if c.NoiseToClientsRatio <= 0 {
		return fmt.Errorf("%s: %w: NoiseToClientsRatio is %f, must be strictly positive", label, checks.ErrInvalidConfiguration, c.NoiseToClientsRatio)
	}
	if err := checks.CheckNoiseMultiplier(label+" (NoiseToClientsRatio)", c.NoiseToClientsRatio); err != nil {
		return err
	}
	if err := checks.CheckEpsilonStrict(label, c.TargetEpsilon); err != nil {
		return err
	}
	return checks.CheckDeltaStrict(label, c.TargetDelta)
}

// Default returns the experiment used for unset options.
func Default() *Experiment {
	return &Experiment{
		Strategy:   fedavg.DefaultConfig(),
		Simulation: simulation.DefaultConfig(),
	}
}

// Parse parses and validates an experiment file.
func Parse(data []byte) (*Experiment, error) {
	exp := Default()
	if err := yaml.Unmarshal(data, exp); err != nil {
		return nil, fmt.Errorf("config: invalid YAML: %w", err)
	}
	if err := exp.Validate(); err != nil {
		return nil, err
	}
	return exp, nil
}

// ParseFile reads and parses the experiment file at path.
func ParseFile(path string) (*Experiment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %s: %w", path, err)
	}
	return Parse(data)
}

// Validate validates every section of the experiment.
func (e *Experiment) Validate() error {
	if err := e.Strategy.Validate(); err != nil {
		return fmt.Errorf("config: strategy: %w", err)
	}
	if e.Calibration != nil {
		if err := e.Calibration.Validate(); err != nil {
			return fmt.Errorf("config: calibration: %w", err)
		}
	}
	if err := e.Simulation.Validate(); err != nil {
		return fmt.Errorf("config: simulation: %w", err)
	}
	return nil
}

// CalibrationResult is the outcome of Experiment.Calibrate.
type CalibrationResult struct {
	ClientsPerRound int
	NoiseMultiplier float64
	// Target and achieved ε of all rounds under client sampling.
	Budget accounting.Budget
	// δ at the target ε of a single unsampled release with NoiseMultiplier,
	// and the noise multiplier a single unsampled release needs to meet the
	// budget. They bound what client sampling and RDP accounting save.
	SingleReleaseDelta           float64
	SingleReleaseNoiseMultiplier float64
}

// Calibrate runs the calibration search of the experiment and applies its
// outcome to the strategy: the sampling fraction, the noise multiplier, the
// number of rounds and the privacy budget.
func (e *Experiment) Calibrate() (*CalibrationResult, error) {
	c := e.Calibration
	if c == nil {
		return nil, fmt.Errorf("config: experiment has no calibration section")
	}
	clients, noiseMultiplier, budget, err := accounting.CalibrateClientsPerRound(c.TotalClients, c.NoiseToClientsRatio, c.Rounds, accounting.Budget{
		TargetEpsilon: c.TargetEpsilon,
		TargetDelta:   c.TargetDelta,
	})
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if e.Simulation.NumClients != c.TotalClients {
		log.Warningf("Calibrate: calibrated for %d clients, the simulation has %d", c.TotalClients, e.Simulation.NumClients)
	}
	e.Strategy.FractionFit = float64(clients) / float64(c.TotalClients)
	e.Strategy.MinFitClients = clients
	e.Strategy.NoiseMultiplier = noiseMultiplier
	e.Strategy.NumRounds = c.Rounds
	e.Strategy.TargetEpsilon = c.TargetEpsilon
	e.Strategy.TargetDelta = c.TargetDelta
	// Noise multipliers are relative to the clipping norm, so the sensitivity
	// of a single release is 1.
	return &CalibrationResult{
		ClientsPerRound:              clients,
		NoiseMultiplier:              noiseMultiplier,
		Budget:                       budget,
		SingleReleaseDelta:           noise.DeltaForGaussian(noiseMultiplier, 1, c.TargetEpsilon),
		SingleReleaseNoiseMultiplier: noise.SigmaForGaussian(1, c.TargetEpsilon, c.TargetDelta),
	}, nil
}
