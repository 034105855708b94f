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
// Package clipping bounds the L2 norm of client updates and adapts the
// clipping norm towards a target quantile of the update norms, following
// Andrew et al., "Differentially Private Learning with Adaptive Clipping"
// (https://arxiv.org/abs/1905.03871).
package clipping

import (
	"fmt"
	"math"

	log "github.com/golang/glog"
	"github.com/privacy-fl/dpfedavg/checks"
	"github.com/privacy-fl/dpfedavg/noise"
	"github.com/privacy-fl/dpfedavg/tensor"
)

// Defaults used when the corresponding option is not set.
const (
	DefaultInitialClipNorm = 0.1
	DefaultTargetQuantile  = 0.5
	DefaultLearningRate    = 0.2
	// MinClipNorm is the smallest clipping norm the geometric update can
	// reach, so that the clipping norm always stays strictly positive.
	MinClipNorm = 1e-12
)

// Clip returns update scaled by min(1, clipNorm/‖update‖), and whether
// ‖update‖ ≤ clipNorm. update is not modified. An update of norm 0 is
// returned as is and counts as below the clipping norm.
func Clip(update tensor.Vector, clipNorm float64) (tensor.Vector, bool) {
	out := update.Clone()
	norm := update.L2Norm()
	if norm <= clipNorm {
		return out, true
	}
	out.Scale(clipNorm / norm)
	return out, false
}

// State is a snapshot of a Clipper. It persists across rounds.
type State struct {
	ClipNorm       float64
	TargetQuantile float64
	LearningRate   float64
	// Noised fraction of updates below the clipping norm in the last round.
	QuantileEstimate float64
	// Number of adaptation steps taken so far.
	Round int
}

// Options contains the options necessary to initialize a Clipper.
type Options struct {
	InitialClipNorm float64 // Clipping norm of the first round. Defaults to DefaultInitialClipNorm.
	TargetQuantile  float64 // Quantile of update norms to track, within (0, 1). Defaults to DefaultTargetQuantile.
	LearningRate    float64 // Step size of the geometric update. Defaults to DefaultLearningRate.
	// Keeps the clipping norm at InitialClipNorm.
	Fixed bool
	// Standard deviation of the noise added to the count of updates below the
	// clipping norm. 0 releases the count without noise.
	ClipCountStdDev float64
	Sampler         noise.Sampler // Source of the count noise. Defaults to noise.Secure().
}

// Clipper clips client updates and adapts its clipping norm once per round.
//
// Not thread-safe.
type Clipper struct {
	state           State
	fixed           bool
	clipCountStdDev float64
	sampler         noise.Sampler
}

// NewClipper returns a new Clipper.
func NewClipper(opt *Options) (*Clipper, error) {
	if opt == nil {
		opt = &Options{} // Prevents panicking due to a nil pointer dereference.
	}
	clipNorm := opt.InitialClipNorm
	if clipNorm == 0 {
		clipNorm = DefaultInitialClipNorm
	}
	if err := checks.CheckClipNorm("NewClipper", clipNorm); err != nil {
		return nil, err
	}
	quantile := opt.TargetQuantile
	if quantile == 0 {
		quantile = DefaultTargetQuantile
	}
	if err := checks.CheckTargetQuantile("NewClipper", quantile); err != nil {
		return nil, err
	}
	lr := opt.LearningRate
	if lr == 0 {
		lr = DefaultLearningRate
	}
	if err := checks.CheckLearningRate("NewClipper", lr); err != nil {
		return nil, err
	}
	if err := checks.CheckStdDev("NewClipper (ClipCountStdDev)", opt.ClipCountStdDev); err != nil {
		return nil, err
	}
	s := opt.Sampler
	if s == nil {
		s = noise.Secure()
	}
	return &Clipper{
		state: State{
			ClipNorm:       clipNorm,
			TargetQuantile: quantile,
			LearningRate:   lr,
		},
		fixed:           opt.Fixed,
		clipCountStdDev: opt.ClipCountStdDev,
		sampler:         s,
	}, nil
}

// ClipNorm returns the current clipping norm.
func (c *Clipper) ClipNorm() float64 { return c.state.ClipNorm }

// Adaptive reports whether the clipping norm is adapted after each round.
func (c *Clipper) Adaptive() bool { return !c.fixed }

// ClipAll clips every update to the current clipping norm. It returns the
// clipped updates and, for each, whether its norm was at most the clipping norm.
func (c *Clipper) ClipAll(updates []tensor.Vector) ([]tensor.Vector, []bool) {
	clipped := make([]tensor.Vector, len(updates))
	below := make([]bool, len(updates))
	for i, u := range updates {
		clipped[i], below[i] = Clip(u, c.state.ClipNorm)
	}
	return clipped, below
}

// Adapt updates the clipping norm from the indicators of one round,
// C ← C·exp(−lr·(fraction − target)), where fraction is the noised fraction
// of indicators that are true. It returns that fraction. A fixed Clipper
// returns the fraction without changing its clipping norm.
func (c *Clipper) Adapt(below []bool) (float64, error) {
	if len(below) == 0 {
		return 0, fmt.Errorf("Adapt: no clipping indicators, at least one update is required")
	}
	var count float64
	for _, b := range below {
		if b {
			count++
		}
	}
	noisedCount := c.sampler.AddNoise(count, c.clipCountStdDev)
	fraction := noisedCount / float64(len(below))
	c.state.QuantileEstimate = fraction
	c.state.Round++
	if c.fixed {
		return fraction, nil
	}
	next := c.state.ClipNorm * math.Exp(-c.state.LearningRate*(fraction-c.state.TargetQuantile))
	if next < MinClipNorm || math.IsNaN(next) {
		log.Warningf("Adapt: clipping norm %g fell below the minimum, using %g", next, MinClipNorm)
		next = MinClipNorm
	}
	if math.IsInf(next, 1) {
		next = math.MaxFloat64
	}
	log.V(1).Infof("Adapt: noised fraction below %f, clipping norm %f -> %f", fraction, c.state.ClipNorm, next)
	c.state.ClipNorm = next
	return fraction, nil
}

// State returns a snapshot of c.
func (c *Clipper) State() State { return c.state }

// Restore replaces the state of c, e.g. to resume an experiment.
func (c *Clipper) Restore(s State) error {
	if err := checks.CheckClipNorm("Restore", s.ClipNorm); err != nil {
		return err
	}
	if err := checks.CheckTargetQuantile("Restore", s.TargetQuantile); err != nil {
		return err
	}
	if err := checks.CheckLearningRate("Restore", s.LearningRate); err != nil {
		return err
	}
	if err := checks.CheckNonNegativeInt("Restore", "Round", s.Round); err != nil {
		return err
	}
	c.state = s
	return nil
}
