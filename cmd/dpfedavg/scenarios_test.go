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

package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/privacy-fl/dpfedavg/config"
)

const smallExperiment = `
strategy:
  fraction_fit: 0.5
  fraction_evaluate: 0.5
  noise_multiplier: 0.5
  init_clip_norm: 1
  num_rounds: 3
  target_delta: 1e-5
  seed: 3
simulation:
  num_clients: 20
  examples_per_client: 20
`

func TestTrainScenario(t *testing.T) {
	exp, err := config.Parse([]byte(smallExperiment))
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}
	dir := t.TempDir()
	sc := &TrainScenario{
		HistoryFile: filepath.Join(dir, "history.csv"),
		MetricsFile: filepath.Join(dir, "dpfedavg.prom"),
	}
	if err := sc.Run(context.Background(), exp); err != nil {
		t.Fatalf("Run: %v", err)
	}
	history, err := os.ReadFile(sc.HistoryFile)
	if err != nil {
		t.Fatalf("couldn't read the history: %v", err)
	}
	// Header and one line per round.
	if got := strings.Count(string(history), "\n"); got != 4 {
		t.Errorf("history has %d lines, want 4:\n%s", got, history)
	}
	m, err := os.ReadFile(sc.MetricsFile)
	if err != nil {
		t.Fatalf("couldn't read the metrics: %v", err)
	}
	if !strings.Contains(string(m), "dpfedavg_rounds_total 3") {
		t.Errorf("metrics file does not report 3 rounds:\n%s", m)
	}
}

func TestCalibrateScenario(t *testing.T) {
	exp, err := config.Parse([]byte(`
calibration:
  total_clients: 50000
  rounds: 10
  noise_to_clients_ratio: 0.005
  target_epsilon: 2
  target_delta: 1e-4
`))
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}
	if err := (&CalibrateScenario{}).Run(context.Background(), exp); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exp.Strategy.MinFitClients != 116 {
		t.Errorf("MinFitClients = %d, want 116", exp.Strategy.MinFitClients)
	}
}

func TestCalibrateScenarioWithoutCalibrationSection(t *testing.T) {
	if err := (&CalibrateScenario{}).Run(context.Background(), config.Default()); err == nil {
		t.Errorf("Run without a calibration section: got nil err")
	}
}
