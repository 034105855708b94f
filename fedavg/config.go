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
	"fmt"
	"math"
	"time"

	"github.com/privacy-fl/dpfedavg/checks"
)

// Config is the options record of a differentially private federated
// averaging experiment. The yaml tags are the option names used in
// experiment files.
type Config struct {
	// Fraction of the available clients sampled for training each round.
	FractionFit float64 `yaml:"fraction_fit"`
	// Fraction of the available clients sampled for evaluation each round. 0
	// disables evaluation.
	FractionEvaluate    float64 `yaml:"fraction_evaluate"`
	MinFitClients       int     `yaml:"min_fit_clients"`
	MinEvaluateClients  int     `yaml:"min_evaluate_clients"`
	MinAvailableClients int     `yaml:"min_available_clients"`

	InitClipNorm    float64 `yaml:"init_clip_norm"`
	NoiseMultiplier float64 `yaml:"noise_multiplier"`
	// Whether the server noises the sum of clipped updates, or every client
	// noises its own clipped update.
	ServerSideNoising bool `yaml:"server_side_noising"`
	// Adapts the clipping norm towards ClipNormTargetQuantile. When false the
	// clipping norm stays at InitClipNorm.
	AdaptiveClipping       bool    `yaml:"adaptive_clipping"`
	ClipNormTargetQuantile float64 `yaml:"clip_norm_target_quantile"`
	ClipNormLR             float64 `yaml:"clip_norm_lr"`
	// Standard deviation of the noise added to the count of clients below the
	// clipping norm. Defaults to sampled clients / 20 when NoiseMultiplier > 0
	// and to 0 otherwise. Only used with AdaptiveClipping.
	ClipCountStdDev *float64 `yaml:"clip_count_stddev,omitempty"`

	NumRounds int `yaml:"num_rounds"`
	// Privacy budget of the experiment. TargetDelta is the δ at which ε is
	// reported after every round; 0 disables accounting.
	TargetEpsilon float64 `yaml:"target_epsilon"`
	TargetDelta   float64 `yaml:"target_delta"`
	// Rényi orders of the accountant. Defaults to accounting.DefaultOrders().
	RDPOrders []float64 `yaml:"rdp_orders,omitempty"`

	LocalEpochs        int     `yaml:"local_epochs"`
	ServerLearningRate float64 `yaml:"server_learning_rate"`
	// Bound on a single client's training or evaluation. 0 means no timeout.
	ClientTimeout time.Duration `yaml:"client_timeout"`
	// Number of clients training concurrently. 0 means unbounded.
	MaxParallelism int `yaml:"max_parallelism"`
	// Seeds client sampling and noise. It must stay 0 outside of experiments
	// and tests: seeded noise does not provide differential privacy.
	Seed int64 `yaml:"seed"`
}

// DefaultConfig returns the configuration used for unset options.
func DefaultConfig() Config {
	return Config{
		FractionFit:            1,
		FractionEvaluate:       1,
		MinFitClients:          2,
		MinEvaluateClients:     2,
		MinAvailableClients:    2,
		InitClipNorm:           0.1,
		NoiseMultiplier:        1,
		ServerSideNoising:      true,
		AdaptiveClipping:       true,
		ClipNormTargetQuantile: 0.5,
		ClipNormLR:             0.2,
		NumRounds:              1,
		TargetDelta:            1e-5,
		LocalEpochs:            1,
		ServerLearningRate:     1,
	}
}

// Validate returns an error wrapping checks.ErrInvalidConfiguration if any
// option is out of range.
func (c Config) Validate() error {
	const label = "Config"
	if err := checks.CheckFraction(label, "FractionFit", c.FractionFit); err != nil {
		return err
	}
	if err := checks.CheckFraction(label, "FractionEvaluate", c.FractionEvaluate); err != nil {
		return err
	}
	if err := checks.CheckPositiveInt(label, "MinFitClients", c.MinFitClients); err != nil {
		return err
	}
	if err := checks.CheckNonNegativeInt(label, "MinEvaluateClients", c.MinEvaluateClients); err != nil {
		return err
	}
	if err := checks.CheckNonNegativeInt(label, "MinAvailableClients", c.MinAvailableClients); err != nil {
		return err
	}
	if err := checks.CheckClipNorm(label, c.InitClipNorm); err != nil {
		return err
	}
	if err := checks.CheckNoiseMultiplier(label, c.NoiseMultiplier); err != nil {
		return err
	}
	if c.AdaptiveClipping {
		if err := checks.CheckTargetQuantile(label, c.ClipNormTargetQuantile); err != nil {
			return err
		}
		if err := checks.CheckLearningRate(label, c.ClipNormLR); err != nil {
			return err
		}
		if c.ClipCountStdDev != nil {
			if err := checks.CheckStdDev(label+" (ClipCountStdDev)", *c.ClipCountStdDev); err != nil {
				return err
			}
		}
	}
	if err := checks.CheckPositiveInt(label, "NumRounds", c.NumRounds); err != nil {
		return err
	}
	if c.TargetEpsilon != 0 {
		if err := checks.CheckEpsilonStrict(label, c.TargetEpsilon); err != nil {
			return err
		}
	}
	if c.TargetDelta != 0 {
		if err := checks.CheckDeltaStrict(label, c.TargetDelta); err != nil {
			return err
		}
	}
	if len(c.RDPOrders) > 0 {
		if err := checks.CheckRDPOrders(label, c.RDPOrders); err != nil {
			return err
		}
	}
	if err := checks.CheckPositiveInt(label, "LocalEpochs", c.LocalEpochs); err != nil {
		return err
	}
	if c.ServerLearningRate <= 0 || math.IsInf(c.ServerLearningRate, 0) || math.IsNaN(c.ServerLearningRate) {
		return fmt.Errorf("%s: %w: ServerLearningRate is %f, must be strictly positive and finite", label, checks.ErrInvalidConfiguration, c.ServerLearningRate)
	}
	if c.ClientTimeout < 0 {
		return fmt.Errorf("%s: %w: ClientTimeout is %v, cannot be negative", label, checks.ErrInvalidConfiguration, c.ClientTimeout)
	}
	return checks.CheckNonNegativeInt(label, "MaxParallelism", c.MaxParallelism)
}

// SampleSize returns the number of clients sampled out of numAvailable for a
// fraction and a minimum: max(⌊fraction·numAvailable⌋, minClients). A
// tolerance of 1e-9 absorbs floating-point error in the product.
func SampleSize(fraction float64, minClients, numAvailable int) int {
	n := int(math.Floor(fraction*float64(numAvailable) + 1e-9))
	if n < minClients {
		n = minClients
	}
	return n
}

// clipCountStdDev returns the configured clip count standard deviation, or its
// default for numSampled clients.
func (c Config) clipCountStdDev(numSampled int) float64 {
	if !c.AdaptiveClipping {
		return 0
	}
	if c.ClipCountStdDev != nil {
		return *c.ClipCountStdDev
	}
	if c.NoiseMultiplier > 0 {
		return float64(numSampled) / 20
	}
	return 0
}
