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

package simulation

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"github.com/privacy-fl/dpfedavg/fedavg"
)

var historyHeader = []string{
	"round", "sampled_clients", "participating_clients", "failed_clients",
	"clip_norm", "noised_fraction_below", "epsilon", "loss",
}

// WriteHistoryCSV writes one line per round of h to outputFile, after a header
// line. Evaluation metrics follow the fixed columns in sorted order. Loss and
// metrics are left empty for rounds that were not evaluated.
func WriteHistoryCSV(h *fedavg.History, outputFile string) error {
	csvFile, err := os.Create(outputFile)
	if err != nil {
		return fmt.Errorf("couldn't open the csv file = %q, err = %v", outputFile, err)
	}

	writer := csv.NewWriter(csvFile)
	metrics := h.MetricNames()
	lines := [][]string{append(append([]string(nil), historyHeader...), metrics...)}
	for _, r := range h.Rounds {
		line := []string{
			strconv.Itoa(r.Round),
			strconv.Itoa(r.SampledClients),
			strconv.Itoa(r.ParticipatingClients),
			strconv.Itoa(len(r.FailedClients)),
			toString(r.ClipNorm),
			toString(r.NoisedFractionBelow),
			toString(r.Epsilon),
			"",
		}
		if r.Evaluated {
			line[7] = toString(r.Loss)
		}
		for _, name := range metrics {
			v, ok := r.Metrics[name]
			if !ok {
				line = append(line, "")
				continue
			}
			line = append(line, toString(v))
		}
		lines = append(lines, line)
	}

	for _, line := range lines {
		if err := writer.Write(line); err != nil {
			return fmt.Errorf(
				"couldn't write to the csv file = %q, err = %v",
				outputFile, combineErrors(err, csvFile.Close()))
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf(
			"couldn't write to the csv file = %q, err = %v",
			outputFile, combineErrors(err, csvFile.Close()))
	}

	if err := csvFile.Close(); err != nil {
		return fmt.Errorf("couldn't close the csv file = %q, err = %v", outputFile, err)
	}
	return nil
}

func toString(x float64) string {
	return strconv.FormatFloat(x, 'g', -1, 64)
}

func combineErrors(errors ...error) string {
	var nonNilErrors []error
	for _, err := range errors {
		if err != nil {
			nonNilErrors = append(nonNilErrors, err)
		}
	}
	return fmt.Sprintf("%+v", nonNilErrors)
}
