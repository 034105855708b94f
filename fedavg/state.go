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

package fedavg

// State is the phase of the round the orchestrator is in.
type State int

var stateName = map[State]string{
	Idle:          "Idle",
	Sampling:      "Sampling",
	LocalTraining: "LocalTraining",
	Clipping:      "Clipping",
	Aggregating:   "Aggregating",
	Noising:       "Noising",
	Evaluating:    "Evaluating",
	RoundComplete: "RoundComplete",
}

// Orchestrator states. A run loops from Sampling to RoundComplete once per
// round and ends in Idle.
const (
	Idle State = iota
	Sampling
	LocalTraining
	Clipping
	Aggregating
	Noising
	Evaluating
	RoundComplete
)

func (s State) String() string {
	if name, ok := stateName[s]; ok {
		return name
	}
	return "Unknown"
}
