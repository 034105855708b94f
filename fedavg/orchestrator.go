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

// Package fedavg runs differentially private federated averaging
// (DP-FedAvg): every round it samples clients, collects their local updates,
// clips and noises them, and applies their noised average to the global model
// while an accountant tracks the cumulative privacy loss.
package fedavg

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	log "github.com/golang/glog"
	"github.com/privacy-fl/dpfedavg/accounting"
	"github.com/privacy-fl/dpfedavg/checks"
	"github.com/privacy-fl/dpfedavg/clipping"
	"github.com/privacy-fl/dpfedavg/noise"
	"github.com/privacy-fl/dpfedavg/rand"
	"github.com/privacy-fl/dpfedavg/tensor"
	"golang.org/x/sync/errgroup"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithInitialModel sets the global model of the first round. Required.
func WithInitialModel(model tensor.Vector) Option {
	return func(o *Orchestrator) { o.model = model.Clone() }
}

// WithEvaluator evaluates the global model on a sample of clients after every
// round.
func WithEvaluator(e Evaluator) Option {
	return func(o *Orchestrator) { o.evaluator = e }
}

// WithMetricsAggregation sets the reducer of evaluation metrics. Defaults to
// UnweightedAverage.
func WithMetricsAggregation(f MetricsAggregationFunc) Option {
	return func(o *Orchestrator) { o.aggregateMetrics = f }
}

// WithObserver adds an observer of the run.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, obs) }
}

// WithRand sets the randomness used to sample clients. Defaults to
// rand.Secure(), or to a generator seeded with Config.Seed if it is set.
// Without WithNoiseSampler, a generator other than rand.Secure() also draws
// the noise.
func WithRand(g rand.Generator) Option {
	return func(o *Orchestrator) { o.gen = g }
}

// WithNoiseSampler sets the source of the noise added to updates and to the
// clipped count. Defaults to noise.Secure(), or to a sampler seeded with
// Config.Seed if it is set.
func WithNoiseSampler(s noise.Sampler) Option {
	return func(o *Orchestrator) { o.sampler = s }
}

// WithAccountant sets the accountant that records every round. Defaults to a
// new accountant over Config.RDPOrders when Config.TargetDelta is set.
func WithAccountant(a *accounting.RDPAccountant) Option {
	return func(o *Orchestrator) { o.accountant = a }
}

// Orchestrator drives the rounds of a DP-FedAvg run. Rounds are sequential:
// a round starts only after the previous one has been committed. Within a
// round, clients train in parallel.
//
// Run must not be called concurrently. State may be called at any time.
type Orchestrator struct {
	cfg              Config
	pool             []string
	trainer          ClientUpdateComputer
	evaluator        Evaluator
	aggregateMetrics MetricsAggregationFunc
	observers        []Observer
	gen              rand.Generator
	sampler          noise.Sampler
	accountant       *accounting.RDPAccountant
	clipper          *clipping.Clipper
	injector         *noise.Injector

	numSampled int
	model      tensor.Vector
	round      int
	state      atomic.Int32
	history    History
}

// New returns an Orchestrator training over the clients of pool. The
// configuration is validated eagerly; the size of pool is checked at the
// start of every round.
func New(cfg Config, pool []string, trainer ClientUpdateComputer, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("New: %w", err)
	}
	if trainer == nil {
		return nil, fmt.Errorf("New: %w: a ClientUpdateComputer is required", checks.ErrInvalidConfiguration)
	}
	o := &Orchestrator{
		cfg:              cfg,
		pool:             append([]string(nil), pool...),
		trainer:          trainer,
		aggregateMetrics: UnweightedAverage,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.model == nil {
		return nil, fmt.Errorf("New: %w: an initial model is required", checks.ErrInvalidConfiguration)
	}
	if cfg.Seed != 0 {
		log.Warningf("New: client sampling and noise are seeded with %d, the run is not differentially private", cfg.Seed)
	}
	customGen := o.gen != nil && o.gen != rand.Secure()
	if o.gen == nil {
		o.gen = rand.Secure()
		if cfg.Seed != 0 {
			o.gen = rand.NewSeeded(cfg.Seed)
		}
	}
	if o.sampler == nil {
		switch {
		case customGen:
			o.sampler = noise.FromGenerator(o.gen)
		case cfg.Seed != 0:
			o.sampler = noise.Seeded(uint64(cfg.Seed))
		default:
			o.sampler = noise.Secure()
		}
	}

	o.numSampled = SampleSize(cfg.FractionFit, cfg.MinFitClients, len(o.pool))
	clipCountStdDev := cfg.clipCountStdDev(o.numSampled)
	var err error
	o.clipper, err = clipping.NewClipper(&clipping.Options{
		InitialClipNorm: cfg.InitClipNorm,
		TargetQuantile:  cfg.ClipNormTargetQuantile,
		LearningRate:    cfg.ClipNormLR,
		Fixed:           !cfg.AdaptiveClipping,
		ClipCountStdDev: clipCountStdDev,
		Sampler:         o.sampler,
	})
	if err != nil {
		return nil, fmt.Errorf("New: %w", err)
	}
	o.injector, err = noise.NewInjector(&noise.InjectorOptions{
		Config: noise.Config{
			NoiseMultiplier: cfg.NoiseMultiplier,
			ServerSide:      cfg.ServerSideNoising,
			ClipCountStdDev: clipCountStdDev,
		},
		Sampler: o.sampler,
	})
	if err != nil {
		return nil, fmt.Errorf("New: %w", err)
	}
	if o.accountant == nil && cfg.TargetDelta > 0 {
		if o.accountant, err = accounting.NewRDPAccountant(cfg.RDPOrders); err != nil {
			return nil, fmt.Errorf("New: %w", err)
		}
	}
	return o, nil
}

// State returns the phase the orchestrator is in.
func (o *Orchestrator) State() State { return State(o.state.Load()) }

func (o *Orchestrator) setState(s State) { o.state.Store(int32(s)) }

// Model returns a copy of the current global model.
func (o *Orchestrator) Model() tensor.Vector { return o.model.Clone() }

// ClipState returns the current clipping state.
func (o *Orchestrator) ClipState() clipping.State { return o.clipper.State() }

// NoiseConfig returns the noise configuration of the run.
func (o *Orchestrator) NoiseConfig() noise.Config { return o.injector.Config() }

// Round returns the number of committed rounds.
func (o *Orchestrator) Round() int { return o.round }

// Epsilon returns the cumulative ε of the committed rounds at
// Config.TargetDelta, or 0 if no accountant is configured.
func (o *Orchestrator) Epsilon() (float64, error) {
	if o.accountant == nil {
		return 0, nil
	}
	eps, _, err := o.accountant.Epsilon(o.cfg.TargetDelta)
	return eps, err
}

// Run runs the remaining rounds and returns the history of the committed
// rounds. On error, the history holds the rounds committed before it; a
// failed or cancelled round leaves the model, the clipping state and the
// accountant unchanged.
func (o *Orchestrator) Run(ctx context.Context) (*History, error) {
	defer o.setState(Idle)
	for o.round < o.cfg.NumRounds {
		round := o.round + 1
		if err := ctx.Err(); err != nil {
			return o.historySnapshot(), fmt.Errorf("Run: round %d: %w", round, err)
		}
		if err := o.runRound(ctx, round); err != nil {
			return o.historySnapshot(), fmt.Errorf("Run: round %d: %w", round, err)
		}
	}
	return o.historySnapshot(), nil
}

func (o *Orchestrator) historySnapshot() *History {
	return &History{Rounds: append([]RoundRecord(nil), o.history.Rounds...)}
}

func (o *Orchestrator) sample(fraction float64, minClients int) ([]string, error) {
	if len(o.pool) < o.cfg.MinAvailableClients {
		return nil, fmt.Errorf("%w: %d clients available, %d required", ErrInsufficientClients, len(o.pool), o.cfg.MinAvailableClients)
	}
	n := SampleSize(fraction, minClients, len(o.pool))
	if len(o.pool) < n {
		return nil, fmt.Errorf("%w: %d clients available, cannot sample %d", ErrInsufficientClients, len(o.pool), n)
	}
	ids := make([]string, n)
	for i, j := range rand.Sample(o.gen, len(o.pool), n) {
		ids[i] = o.pool[j]
	}
	return ids, nil
}

func (o *Orchestrator) runRound(ctx context.Context, round int) error {
	o.setState(Sampling)
	sampled, err := o.sample(o.cfg.FractionFit, o.cfg.MinFitClients)
	if err != nil {
		return err
	}
	log.Infof("Round %d: sampled %d of %d clients", round, len(sampled), len(o.pool))
	for _, obs := range o.observers {
		obs.RoundStarted(round, len(sampled))
	}

	o.setState(LocalTraining)
	updates, failed, err := o.fit(ctx, round, sampled)
	if err != nil {
		return err
	}
	if len(updates) < o.cfg.MinFitClients {
		return fmt.Errorf("%w: %d of %d sampled clients completed training, %d required",
			ErrInsufficientClients, len(updates), len(sampled), o.cfg.MinFitClients)
	}

	o.setState(Clipping)
	clipNorm := o.clipper.ClipNorm()
	vectors := make([]tensor.Vector, len(updates))
	for i, u := range updates {
		vectors[i] = u.Update
		log.V(1).Infof("Round %d: client %q update norm %f, clip norm %f", round, u.ClientID, u.Norm, clipNorm)
	}
	clipped, below := o.clipper.ClipAll(vectors)
	// Client-side noising happens before the updates leave the clients.
	for _, c := range clipped {
		o.injector.PerturbClient(c, clipNorm, len(clipped))
	}

	o.setState(Aggregating)
	sum := tensor.ZerosLike(o.model)
	for _, c := range clipped {
		if err := sum.AddInPlace(c); err != nil {
			return fmt.Errorf("aggregating updates: %w", err)
		}
	}

	o.setState(Noising)
	avg, err := o.injector.Aggregate(sum, clipNorm, len(clipped))
	if err != nil {
		return err
	}
	next := o.model.Clone()
	if err := next.AddScaledInPlace(o.cfg.ServerLearningRate, avg); err != nil {
		return fmt.Errorf("updating the global model: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Commit.
	rec := RoundRecord{
		Round:                round,
		SampledClients:       len(sampled),
		ParticipatingClients: len(updates),
		FailedClients:        failed,
		Aggregate:            avg,
		ClipNorm:             clipNorm,
	}
	if o.accountant != nil {
		q := float64(len(sampled)) / float64(len(o.pool))
		event := accounting.PoissonSampledEvent{SamplingProbability: q, Event: accounting.GaussianEvent{NoiseMultiplier: o.cfg.NoiseMultiplier}}
		if err := o.accountant.Record(event); err != nil {
			return err
		}
	}
	if o.clipper.Adaptive() {
		if rec.NoisedFractionBelow, err = o.clipper.Adapt(below); err != nil {
			log.Errorf("Round %d: %v", round, err)
		}
	}
	o.model = next
	o.round = round
	if rec.Epsilon, err = o.Epsilon(); err != nil {
		log.Errorf("Round %d: computing ε: %v", round, err)
	}
	if o.cfg.TargetEpsilon > 0 && rec.Epsilon > o.cfg.TargetEpsilon {
		log.Warningf("Round %d: ε = %f exceeds the target %f", round, rec.Epsilon, o.cfg.TargetEpsilon)
	}
	log.Infof("Round %d: aggregated %d clipped updates (%d failed), clip norm %f -> %f, ε = %f",
		round, len(updates), len(failed), clipNorm, o.clipper.ClipNorm(), rec.Epsilon)

	if o.evaluator != nil && o.cfg.FractionEvaluate > 0 {
		o.setState(Evaluating)
		o.evaluate(ctx, round, &rec)
	}

	o.setState(RoundComplete)
	o.history.append(rec)
	for _, obs := range o.observers {
		obs.RoundCompleted(rec)
	}
	return nil
}

// fit trains the sampled clients in parallel and waits for all of them. It
// returns the updates of the clients that succeeded and the identifiers of
// those that failed. It only returns an error if ctx is done.
func (o *Orchestrator) fit(ctx context.Context, round int, sampled []string) ([]ClientUpdate, []string, error) {
	cfg := ClientConfig{Round: round, LocalEpochs: o.cfg.LocalEpochs}
	// Abandoned calls may outlive the round, so they only see this model.
	global := o.model
	outcomes := runClients(ctx, sampled, o.cfg.MaxParallelism, o.cfg.ClientTimeout,
		func(ctx context.Context, id string) (FitResult, error) {
			res, err := o.trainer.ComputeUpdate(ctx, id, global.Clone(), cfg)
			if err != nil {
				return res, err
			}
			if err := tensor.SameShape(global, res.Update); err != nil {
				return res, fmt.Errorf("update does not match the model: %w", err)
			}
			if !finite(res.Update) {
				return res, errors.New("update contains NaN or infinite values")
			}
			return res, nil
		})
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	var updates []ClientUpdate
	var failed []string
	for _, out := range outcomes {
		if out.err != nil {
			o.clientFailed(round, out.clientID, out.err)
			failed = append(failed, out.clientID)
			continue
		}
		updates = append(updates, ClientUpdate{
			ClientID:    out.clientID,
			Update:      out.value.Update,
			NumExamples: out.value.NumExamples,
			Norm:        out.value.Update.L2Norm(),
		})
	}
	return updates, failed, nil
}

// evaluate evaluates the committed global model on a sample of clients.
// Failures are logged and leave rec without evaluation results.
func (o *Orchestrator) evaluate(ctx context.Context, round int, rec *RoundRecord) {
	ids, err := o.sample(o.cfg.FractionEvaluate, o.cfg.MinEvaluateClients)
	if err != nil {
		log.Warningf("Round %d: skipping evaluation: %v", round, err)
		return
	}
	if len(ids) == 0 {
		return
	}
	cfg := ClientConfig{Round: round, LocalEpochs: o.cfg.LocalEpochs}
	global := o.model
	outcomes := runClients(ctx, ids, o.cfg.MaxParallelism, o.cfg.ClientTimeout,
		func(ctx context.Context, id string) (EvaluateResult, error) {
			return o.evaluator.Evaluate(ctx, id, global.Clone(), cfg)
		})
	if ctx.Err() != nil {
		log.Warningf("Round %d: evaluation cancelled: %v", round, ctx.Err())
		return
	}
	var results []EvaluateResult
	for _, out := range outcomes {
		if out.err != nil {
			o.clientFailed(round, out.clientID, out.err)
			continue
		}
		results = append(results, out.value)
	}
	if len(results) == 0 {
		log.Warningf("Round %d: no client completed evaluation", round)
		return
	}
	rec.Evaluated = true
	rec.EvaluatedClients = len(results)
	rec.Loss = WeightedLoss(results)
	rec.Metrics = o.aggregateMetrics(results)
	log.Infof("Round %d: evaluation loss %f on %d clients", round, rec.Loss, len(results))
}

func (o *Orchestrator) clientFailed(round int, clientID string, err error) {
	log.Warningf("Round %d: excluding client %q: %v", round, clientID, err)
	for _, obs := range o.observers {
		obs.ClientFailed(round, clientID, err)
	}
}

type outcome[T any] struct {
	clientID string
	value    T
	err      error
}

// runClients calls call for every client with at most maxParallelism calls in
// flight (0 means unbounded) and waits for all of them. A call that does not
// return within timeout (0 means none) is abandoned and fails with
// ErrClientCompute. Every error is wrapped with ErrClientCompute.
func runClients[T any](ctx context.Context, ids []string, maxParallelism int, timeout time.Duration, call func(context.Context, string) (T, error)) []outcome[T] {
	outcomes := make([]outcome[T], len(ids))
	var g errgroup.Group
	if maxParallelism > 0 {
		g.SetLimit(maxParallelism)
	}
	for i, id := range ids {
		g.Go(func() error {
			v, err := callClient(ctx, id, timeout, call)
			if err != nil {
				err = fmt.Errorf("client %q: %w: %w", id, ErrClientCompute, err)
			}
			outcomes[i] = outcome[T]{clientID: id, value: v, err: err}
			return nil
		})
	}
	g.Wait()
	return outcomes
}

func callClient[T any](ctx context.Context, id string, timeout time.Duration, call func(context.Context, string) (T, error)) (T, error) {
	var cctx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		cctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := call(cctx, id)
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-cctx.Done():
		var zero T
		return zero, cctx.Err()
	}
}

func finite(v tensor.Vector) bool {
	for _, t := range v {
		for _, x := range t.Values {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return false
			}
		}
	}
	return true
}
