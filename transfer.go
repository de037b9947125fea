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

import (
	"context"
	"errors"
	"fmt"
)

// MemoryChunk is a contiguous block of bytes destined for a modem address
type MemoryChunk struct {
	Data          []byte
	TargetAddress uint32
}

// End returns the address one past the last byte of the chunk
func (c MemoryChunk) End() uint64 {
	return uint64(c.TargetAddress) + uint64(len(c.Data))
}

var (
	errEmptyChunk      = errors.New("chunk has no data")
	errNoTransfer      = errors.New("no transfer in progress")
	errTransferRunning = errors.New("transfer already in progress")
)

// transfer is the host-side bookkeeping of one segment upload
type transfer struct {
	kind    SegmentKind
	written uint64
	chunks  int
	active  bool
}

func (t *transfer) open(kind SegmentKind) {
	*t = transfer{active: true, kind: kind}
}

func (t *transfer) close() {
	t.active = false
}

// TransferActive reports whether a segment upload is open
func (s *Session) TransferActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.xfer.active
}

// TransferStart opens a segment upload. It performs no I/O: the segment is
// the bootloader when the modem is StateWaitingForBootloader and firmware
// otherwise. Starting a transfer while one is open is an invalid operation.
func (s *Session) TransferStart() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.states.current()
	if err := checkOperation(OpTransferStart, state); err != nil {
		return err
	}
	if s.xfer.active {
		return newOperationError(OpTransferStart, KindInvalidOperation, state, errTransferRunning)
	}

	kind := SegmentFirmware
	if state == StateWaitingForBootloader {
		kind = SegmentBootloader
	}
	s.xfer.open(kind)
	Debugf("transfer started: %s segment", kind)
	return nil
}

// WriteMemoryChunk sends one chunk of the open segment. The chunk must fit in
// the modem's RPC buffer after the write envelope, see MaxChunkSize.
func (s *Session) WriteMemoryChunk(ctx context.Context, chunk MemoryChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.states.current()
	if err := checkOperation(OpWriteMemoryChunk, state); err != nil {
		return err
	}
	if !s.xfer.active {
		return newOperationError(OpWriteMemoryChunk, KindInvalidOperation, state, errNoTransfer)
	}
	if len(chunk.Data) == 0 {
		return newOperationError(OpWriteMemoryChunk, KindInvalidArgument, state, errEmptyChunk)
	}
	if limit := s.maxChunkSize(); len(chunk.Data) > limit {
		return newOperationError(OpWriteMemoryChunk, KindInvalidArgument, state,
			fmt.Errorf("%w: %d bytes, limit %d", ErrDataTooLarge, len(chunk.Data), limit))
	}
	if chunk.End() > 1<<32 {
		return newOperationError(OpWriteMemoryChunk, KindInvalidArgument, state,
			fmt.Errorf("chunk at 0x%08X overflows the address space", chunk.TargetAddress))
	}

	if _, err := s.call(ctx, OpWriteMemoryChunk, writeRequest(chunk), s.config.ResponseTimeout); err != nil {
		return err
	}
	s.xfer.chunks++
	s.xfer.written += uint64(len(chunk.Data))
	return nil
}

// TransferEnd closes the open segment and asks the modem to commit it. The
// transfer is closed whatever the outcome. Completing the bootloader segment
// moves the modem to StateReadyForIPCCommands. Timeouts and faults are
// reported as UnexpectedResponse wrapping the cause.
func (s *Session) TransferEnd(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.states.current()
	if err := checkOperation(OpTransferEnd, state); err != nil {
		return err
	}
	if !s.xfer.active {
		return newOperationError(OpTransferEnd, KindInvalidOperation, state, errNoTransfer)
	}

	xfer := s.xfer
	s.xfer.close()
	if _, err := s.call(ctx, OpTransferEnd, transferEndRequest(xfer.kind), s.config.ResponseTimeout); err != nil {
		return collapseKinds(err, KindCommandFault, KindCommandFailed)
	}

	Debugf("transfer ended: %s segment, %d chunk(s), %d byte(s)", xfer.kind, xfer.chunks, xfer.written)
	if xfer.kind == SegmentBootloader {
		if err := s.states.advance(StateReadyForIPCCommands); err != nil {
			return newOperationError(OpTransferEnd, KindUnexpectedResponse, s.states.current(), err)
		}
	}
	return nil
}
