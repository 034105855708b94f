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

package fedavg

import "errors"

var (
	// ErrInsufficientClients is returned when fewer clients are available,
	// or survive local training, than a round requires. Nothing is committed
	// for the round.
	ErrInsufficientClients = errors.New("insufficient clients")
	// ErrClientCompute wraps the failure of a single client, including
	// timeouts. The orchestrator excludes the client from the round and
	// continues.
	ErrClientCompute = errors.New("client computation failed")
)
