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

// This is a command line utility which runs differentially private federated
// averaging over a simulated federation of clients.
// Usage example:
// go run ./cmd/dpfedavg --scenario=Calibrate --config=experiment.yaml
// go run ./cmd/dpfedavg --scenario=Train --config=experiment.yaml --history_file=history.csv --metrics_file=dpfedavg.prom
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	log "github.com/golang/glog"
	"github.com/privacy-fl/dpfedavg/config"
)

var (
	scenario = flag.String("scenario", "", "Scenario ID:\n"+
		"Calibrate - number of clients per round and noise multiplier meeting the privacy budget.\n"+
		"Train - trains a model over the simulated federation.")
	configFile  = flag.String("config", "", "YAML experiment file.")
	historyFile = flag.String("history_file", "", "Output csv file name for the per-round history. Only used by Train.")
	metricsFile = flag.String("metrics_file", "", "Output file name for the Prometheus metrics. Only used by Train.")
)

const (
	calibrateScenarioID = "Calibrate"
	trainScenarioID     = "Train"
)

func main() {
	flag.Parse()

	log.Infof("dpfedavg was run with arguments: scenario = %q,"+
		" config = %q, historyFile = %q, metricsFile = %q",
		*scenario,
		*configFile,
		*historyFile,
		*metricsFile,
	)

	if *scenario == "" {
		log.Exit("No scenario was chosen")
	}

	if *configFile == "" {
		log.Exit("No experiment file was chosen")
	}

	exp, err := config.ParseFile(*configFile)
	if err != nil {
		log.Exitf("Couldn't read the experiment, err = %v", err)
	}

	var sc Scenario
	switch id := *scenario; id {
	case calibrateScenarioID:
		sc = &CalibrateScenario{}
	case trainScenarioID:
		sc = &TrainScenario{HistoryFile: *historyFile, MetricsFile: *metricsFile}
	default:
		log.Exitf("There is no scenario with id = %s", id)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := sc.Run(ctx, exp); err != nil {
		log.Exitf("Couldn't execute the scenario, err = %v", err)
	}

	log.Infof("Successfully finished executing the scenario")
}
