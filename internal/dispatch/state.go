// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package dispatch

// State is the position of the engine within one request cycle.
type State int32

const (
	Idle State = iota
	FrameReceived
	Validated
	WorkerInvoked
	ResponseBuilt
	Sent
)

var stateNames = [...]string{
	Idle:          "idle",
	FrameReceived: "frame received",
	Validated:     "validated",
	WorkerInvoked: "worker invoked",
	ResponseBuilt: "response built",
	Sent:          "sent",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
