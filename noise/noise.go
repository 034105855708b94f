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

// Package noise contains the Gaussian mechanism used to make aggregated client
// updates differentially private, and the injector that applies it either on
// the server or on each client.
package noise

import (
	"sync"

	"github.com/privacy-fl/dpfedavg/rand"
	exprand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Kind is an enum type. Its values are the supported Gaussian samplers.
type Kind int

// Gaussian samplers.
const (
	SecureGaussian Kind = iota
	SeededGaussian
	Unrecognised
)

func (k Kind) String() string {
	switch k {
	case SecureGaussian:
		return "SecureGaussian"
	case SeededGaussian:
		return "SeededGaussian"
	}
	return "Unrecognised"
}

// Sampler adds zero-mean Gaussian noise to float64 values.
type Sampler interface {
	// AddNoise returns x plus a sample drawn from N(0, sigma²). A sigma of 0
	// returns x unchanged.
	AddNoise(x, sigma float64) float64
	// Kind identifies the sampler.
	Kind() Kind
}

// seededGaussian draws from gonum's normal distribution over a seeded source.
type seededGaussian struct {
	mu     sync.Mutex
	normal distuv.Normal
}

// Seeded returns a Sampler with a deterministic seeded source. The samples are
// not protected against floating-point attacks and the sequence is
// predictable: use it only for reproducible experiments and tests.
func Seeded(seed uint64) Sampler {
	return &seededGaussian{normal: distuv.Normal{Mu: 0, Sigma: 1, Src: exprand.NewSource(seed)}}
}

func (s *seededGaussian) AddNoise(x, sigma float64) float64 {
	if sigma == 0 {
		return x
	}
	s.mu.Lock()
	z := s.normal.Rand()
	s.mu.Unlock()
	return x + sigma*z
}

func (s *seededGaussian) Kind() Kind { return SeededGaussian }

// generatorGaussian adapts a rand.Generator.
type generatorGaussian struct {
	g rand.Generator
}

// FromGenerator returns a Sampler drawing standard normal samples from g.
func FromGenerator(g rand.Generator) Sampler {
	return generatorGaussian{g: g}
}

func (s generatorGaussian) AddNoise(x, sigma float64) float64 {
	if sigma == 0 {
		return x
	}
	return x + sigma*s.g.Normal()
}

func (s generatorGaussian) Kind() Kind { return SeededGaussian }
