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

// Package metrics exports the progress of a DP-FedAvg run as Prometheus
// metrics.
package metrics

import (
	"fmt"

	log "github.com/golang/glog"
	"github.com/privacy-fl/dpfedavg/fedavg"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dpfedavg"

// Observer is a fedavg.Observer that updates a set of Prometheus collectors.
type Observer struct {
	roundsStarted        prometheus.Counter
	roundsCompleted      prometheus.Counter
	clientFailures       prometheus.Counter
	sampledClients       prometheus.Gauge
	participatingClients prometheus.Gauge
	clipNorm             prometheus.Gauge
	fractionBelow        prometheus.Gauge
	epsilon              prometheus.Gauge
	evalLoss             prometheus.Gauge
	evalMetrics          *prometheus.GaugeVec
}

// NewObserver creates the collectors of an Observer and registers them with
// reg.
func NewObserver(reg prometheus.Registerer) (*Observer, error) {
	o := &Observer{
		roundsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rounds_started_total", Help: "Number of rounds started."}),
		roundsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rounds_total", Help: "Number of rounds committed to the global model."}),
		clientFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "client_failures_total", Help: "Number of failed client computations."}),
		sampledClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sampled_clients", Help: "Clients sampled in the latest round."}),
		participatingClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "participating_clients", Help: "Clients whose update was aggregated in the latest round."}),
		clipNorm: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "clip_norm", Help: "Clipping norm used in the latest round."}),
		fractionBelow: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "noised_fraction_below_clip_norm", Help: "Noised fraction of updates below the clipping norm in the latest round."}),
		epsilon: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "epsilon", Help: "Cumulative privacy loss after the latest round."}),
		evalLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "eval", Name: "loss", Help: "Distributed evaluation loss of the latest evaluated round."}),
		evalMetrics: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "eval", Name: "metric", Help: "Aggregated evaluation metrics of the latest evaluated round."},
			[]string{"name"}),
	}
	for _, c := range []prometheus.Collector{
		o.roundsStarted, o.roundsCompleted, o.clientFailures, o.sampledClients, o.participatingClients,
		o.clipNorm, o.fractionBelow, o.epsilon, o.evalLoss, o.evalMetrics,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("NewObserver: %w", err)
		}
	}
	return o, nil
}

// RoundStarted implements fedavg.Observer.
func (o *Observer) RoundStarted(_, sampledClients int) {
	o.roundsStarted.Inc()
	o.sampledClients.Set(float64(sampledClients))
}

// ClientFailed implements fedavg.Observer.
func (o *Observer) ClientFailed(round int, clientID string, err error) {
	o.clientFailures.Inc()
	log.V(1).Infof("round %d: client %s failed: %v", round, clientID, err)
}

// RoundCompleted implements fedavg.Observer.
func (o *Observer) RoundCompleted(rec fedavg.RoundRecord) {
	o.roundsCompleted.Inc()
	o.participatingClients.Set(float64(rec.ParticipatingClients))
	o.clipNorm.Set(rec.ClipNorm)
	o.fractionBelow.Set(rec.NoisedFractionBelow)
	o.epsilon.Set(rec.Epsilon)
	if !rec.Evaluated {
		return
	}
	o.evalLoss.Set(rec.Loss)
	for name, v := range rec.Metrics {
		o.evalMetrics.WithLabelValues(name).Set(v)
	}
}

// WriteTextfile writes the metrics gathered from g to path in the text
// exposition format.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("couldn't write the metrics file = %q, err = %v", path, err)
	}
	return nil
}
