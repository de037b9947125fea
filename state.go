// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fmfu

import "fmt"

// ModemState is the operational state of the modem as tracked by the host.
// Values match the modem library's numeric state codes.
type ModemState int

const (
	// StateUninitialized means init has not been run (or End completed).
	StateUninitialized ModemState = 1
	// StateWaitingForBootloader means the modem is in DFU mode and expects the bootloader segment.
	StateWaitingForBootloader ModemState = 2
	// StateReadyForIPCCommands means the bootloader runs and firmware segments can be written.
	StateReadyForIPCCommands ModemState = 3
	// StateBad means a protocol error or fault occurred; only Init is accepted.
	StateBad ModemState = 4
)

// String returns a human-readable state name
func (s ModemState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateWaitingForBootloader:
		return "waiting-for-bootloader"
	case StateReadyForIPCCommands:
		return "ready-for-ipc-commands"
	case StateBad:
		return "bad"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Operation identifies a public session operation for legality checks
type Operation string

// Public operations
const (
	OpInit             Operation = "init"
	OpEnd              Operation = "end"
	OpTransferStart    Operation = "transfer_start"
	OpWriteMemoryChunk Operation = "write_memory_chunk"
	OpTransferEnd      Operation = "transfer_end"
	OpGetMemoryHash    Operation = "get_memory_hash"
	OpGetUUID          Operation = "get_uuid"
	OpGetModemState    Operation = "get_modem_state"
)

// legalStates lists, per operation, the states in which it may be called.
// A nil entry means the operation is legal in every state.
var legalStates = map[Operation][]ModemState{
	OpInit:             nil,
	OpGetModemState:    nil,
	OpEnd:              {StateReadyForIPCCommands, StateWaitingForBootloader},
	OpTransferStart:    {StateWaitingForBootloader, StateReadyForIPCCommands},
	OpWriteMemoryChunk: {StateWaitingForBootloader, StateReadyForIPCCommands},
	OpTransferEnd:      {StateWaitingForBootloader, StateReadyForIPCCommands},
	OpGetMemoryHash:    {StateReadyForIPCCommands},
	OpGetUUID:          {StateReadyForIPCCommands},
}

// IsLegal reports whether op may be called while the modem is in state s
func IsLegal(op Operation, s ModemState) bool {
	states, ok := legalStates[op]
	if !ok {
		return false
	}
	if states == nil {
		return true
	}
	for _, legal := range states {
		if legal == s {
			return true
		}
	}
	return false
}

// checkOperation returns an InvalidOperation error when op is not legal in s
func checkOperation(op Operation, s ModemState) error {
	if IsLegal(op, s) {
		return nil
	}
	return newOperationError(op, KindInvalidOperation, s,
		fmt.Errorf("%s not allowed in state %s", op, s))
}

// stateController owns the canonical modem state. Transitions other than
// the forward progression and the fault override are rejected.
type stateController struct {
	state ModemState
}

func newStateController() stateController {
	return stateController{state: StateUninitialized}
}

// current returns the modem state
func (sc *stateController) current() ModemState {
	return sc.state
}

// advance moves the state forward after a successful operation.
// Only single-step progressions and the End/Init resets are accepted.
func (sc *stateController) advance(to ModemState) error {
	from := sc.state
	switch {
	case to == StateWaitingForBootloader:
		// Init is re-entrant from every state.
	case from == StateWaitingForBootloader && to == StateReadyForIPCCommands:
	case to == StateUninitialized &&
		(from == StateReadyForIPCCommands || from == StateWaitingForBootloader):
	case from == to:
		return nil
	default:
		return fmt.Errorf("illegal state transition %s -> %s", from, to)
	}
	if from != to {
		Debugf("modem state %s -> %s", from, to)
	}
	sc.state = to
	return nil
}

// fail forces the Bad state. It overrides any pending forward transition.
func (sc *stateController) fail(cause error) {
	if sc.state != StateBad {
		Debugf("modem state %s -> %s: %v", sc.state, StateBad, cause)
	}
	sc.state = StateBad
}
