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

package simulation

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/privacy-fl/dpfedavg/fedavg"
)

func TestWriteHistoryCSV(t *testing.T) {
	h := &fedavg.History{Rounds: []fedavg.RoundRecord{
		{Round: 1, SampledClients: 4, ParticipatingClients: 3, FailedClients: []string{"c2"}, ClipNorm: 0.1, NoisedFractionBelow: 0.25, Epsilon: 0.5},
		{Round: 2, SampledClients: 4, ParticipatingClients: 4, ClipNorm: 0.09, Epsilon: 0.75,
			Evaluated: true, EvaluatedClients: 2, Loss: 0.6, Metrics: map[string]float64{"accuracy": 0.8}},
	}}
	path := filepath.Join(t.TempDir(), "history.csv")
	if err := WriteHistoryCSV(h, path); err != nil {
		t.Fatalf("WriteHistoryCSV: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("couldn't open %q: %v", path, err)
	}
	defer f.Close()
	got, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("couldn't read %q: %v", path, err)
	}
	want := [][]string{
		{"round", "sampled_clients", "participating_clients", "failed_clients", "clip_norm", "noised_fraction_below", "epsilon", "loss", "accuracy"},
		{"1", "4", "3", "1", "0.1", "0.25", "0.5", "", ""},
		{"2", "4", "4", "0", "0.09", "0", "0.75", "0.6", "0.8"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("WriteHistoryCSV wrote (-want +got):\n%s", diff)
	}
}

func TestWriteHistoryCSVToMissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "history.csv")
	if err := WriteHistoryCSV(&fedavg.History{}, path); err == nil {
		t.Errorf("WriteHistoryCSV to a missing directory: got nil err")
	}
}
