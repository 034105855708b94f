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

package noise

import (
	"fmt"
	"math"

	log "github.com/golang/glog"
	"github.com/privacy-fl/dpfedavg/checks"
	"github.com/privacy-fl/dpfedavg/tensor"
)

// Config describes how an experiment noises its aggregates. It is immutable
// once the experiment is configured.
type Config struct {
	// Ratio of the standard deviation of the noise added to the sum of clipped
	// updates to the clipping norm. 0 disables noising.
	NoiseMultiplier float64
	// Whether the server adds a single noise draw to the sum (true), or each
	// client noises its own clipped update before transmission (false).
	ServerSide bool
	// Standard deviation of the noise added to the count of clients whose
	// update norm was below the clipping norm. 0 when the clipping norm is not
	// adapted.
	ClipCountStdDev float64
}

// InjectorOptions contains the options necessary to initialize an Injector.
type InjectorOptions struct {
	Config  Config
	Sampler Sampler // Source of Gaussian noise. Defaults to Secure().
}

// Injector adds calibrated Gaussian noise to clipped client updates so that
// their unweighted average is differentially private.
//
// In server-side mode a single draw with standard deviation σ·C is added to
// each coordinate of the sum of n clipped updates. In client-side mode each of
// the n clients adds an independent draw with standard deviation σ·C/√n; the
// sum of those draws has the same variance (σ·C)² as the server-side draw.
//
// Safe for concurrent use if its Sampler is.
type Injector struct {
	cfg                   Config
	updateNoiseMultiplier float64
	sampler               Sampler
}

// NewInjector returns a new Injector.
func NewInjector(opt *InjectorOptions) (*Injector, error) {
	if opt == nil {
		opt = &InjectorOptions{} // Prevents panicking due to a nil pointer dereference.
	}
	cfg := opt.Config
	if err := checks.CheckNoiseMultiplier("NewInjector", cfg.NoiseMultiplier); err != nil {
		return nil, err
	}
	if err := checks.CheckStdDev("NewInjector (ClipCountStdDev)", cfg.ClipCountStdDev); err != nil {
		return nil, err
	}
	updateNoiseMultiplier := cfg.NoiseMultiplier
	if cfg.ClipCountStdDev > 0 {
		var err error
		updateNoiseMultiplier, err = UpdateNoiseMultiplier(cfg.NoiseMultiplier, cfg.ClipCountStdDev)
		if err != nil {
			return nil, fmt.Errorf("NewInjector: %w", err)
		}
	}
	s := opt.Sampler
	if s == nil {
		s = Secure()
	}
	return &Injector{cfg: cfg, updateNoiseMultiplier: updateNoiseMultiplier, sampler: s}, nil
}

// Config returns the configuration of inj.
func (inj *Injector) Config() Config { return inj.cfg }

// UpdateNoiseMultiplier returns the noise multiplier applied to the sum of
// clipped updates. It differs from Config().NoiseMultiplier when part of the
// privacy budget is spent on the noisy clipped count.
func (inj *Injector) UpdateNoiseMultiplier() float64 { return inj.updateNoiseMultiplier }

// ServerStdDev returns the standard deviation of the single noise draw added
// to each coordinate of the sum of clipped updates.
func ServerStdDev(noiseMultiplier, clipNorm float64) float64 {
	return noiseMultiplier * clipNorm
}

// ClientStdDev returns the standard deviation of the noise each of numClients
// clients adds to its own clipped update, so that the sum of all draws has
// standard deviation ServerStdDev(noiseMultiplier, clipNorm).
func ClientStdDev(noiseMultiplier, clipNorm float64, numClients int) float64 {
	if numClients <= 0 {
		return 0
	}
	return noiseMultiplier * clipNorm / math.Sqrt(float64(numClients))
}

// PerturbClient adds the client's share of the noise to a clipped update in
// place. It is a no-op in server-side mode.
func (inj *Injector) PerturbClient(update tensor.Vector, clipNorm float64, numClients int) {
	if inj.cfg.ServerSide {
		return
	}
	sigma := ClientStdDev(inj.updateNoiseMultiplier, clipNorm, numClients)
	update.Apply(func(x float64) float64 { return inj.sampler.AddNoise(x, sigma) })
}

// Aggregate turns the sum of numClients clipped updates into their noised
// unweighted average. In server-side mode it adds noise to each coordinate of
// sum first; in client-side mode sum is expected to already carry the noise
// added by PerturbClient. sum is not modified.
func (inj *Injector) Aggregate(sum tensor.Vector, clipNorm float64, numClients int) (tensor.Vector, error) {
	if numClients <= 0 {
		return nil, fmt.Errorf("Aggregate: numClients is %d, must be at least 1", numClients)
	}
	out := sum.Clone()
	if inj.cfg.ServerSide {
		sigma := ServerStdDev(inj.updateNoiseMultiplier, clipNorm)
		out.Apply(func(x float64) float64 { return inj.sampler.AddNoise(x, sigma) })
	}
	out.Scale(1 / float64(numClients))
	return out, nil
}

// UpdateNoiseMultiplier splits the noise multiplier σ of an adaptive-clipping
// round between the clipped-update sum and the clipped count, following Andrew
// et al., "Differentially Private Learning with Adaptive Clipping"
// (https://arxiv.org/abs/1905.03871). The count has sensitivity ½, so its noise
// multiplier is 2·clipCountStdDev, and the returned update multiplier σ_u
// satisfies σ⁻² = σ_u⁻² + (2·clipCountStdDev)⁻².
//
// It returns an error wrapping checks.ErrInvalidConfiguration if σ ≥ 2·clipCountStdDev,
// since no update multiplier can reach σ then.
func UpdateNoiseMultiplier(noiseMultiplier, clipCountStdDev float64) (float64, error) {
	if err := checks.CheckNoiseMultiplier("UpdateNoiseMultiplier", noiseMultiplier); err != nil {
		return 0, err
	}
	if noiseMultiplier == 0 {
		return 0, nil
	}
	if err := checks.CheckStdDev("UpdateNoiseMultiplier (ClipCountStdDev)", clipCountStdDev); err != nil {
		return 0, err
	}
	if noiseMultiplier >= 2*clipCountStdDev {
		return 0, fmt.Errorf("UpdateNoiseMultiplier: %w: ClipCountStdDev (%f) is too low to achieve the noise multiplier %f, it must be larger than %f",
			checks.ErrInvalidConfiguration, clipCountStdDev, noiseMultiplier, noiseMultiplier/2)
	}
	m := math.Pow(math.Pow(noiseMultiplier, -2)-math.Pow(2*clipCountStdDev, -2), -0.5)
	if m/noiseMultiplier >= 2 {
		log.Warningf("UpdateNoiseMultiplier: the update noise multiplier %f is more than twice the target %f, consider increasing ClipCountStdDev or the number of sampled clients", m, noiseMultiplier)
	}
	return m, nil
}
