// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package status

import "github.com/ptzhub/encoder-hub/pkg/core"

// transitions lists the lifecycle moves the encoder is known to make. The
// device remains authoritative; anything outside this table is still
// applied, only logged.
var transitions = map[core.LifecycleState][]core.LifecycleState{
	core.StateInvalid:    {core.StateWaiting, core.StateReady},
	core.StateWaiting:    {core.StateReady},
	core.StateReady:      {core.StateStarting, core.StatePreviewing, core.StateWaiting},
	core.StateStarting:   {core.StateLive, core.StateReady},
	core.StatePreviewing: {core.StateReady, core.StateLive, core.StateStarting},
	core.StateLive:       {core.StateStopping, core.StateReady},
	core.StateStopping:   {core.StateReady},
	core.StateError:      {core.StateReady, core.StateWaiting},
}

// Expected reports whether from → to is a documented transition. Entering
// Error is always expected, as is the first report after start-up.
func Expected(from, to core.LifecycleState) bool {
	if from == to || from == "" || to == core.StateError {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
