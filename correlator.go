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
	"time"
)

// correlatorState is the state of the single pending-operation slot
type correlatorState int

const (
	correlatorIdle correlatorState = iota
	correlatorAwaiting
	correlatorResolved
)

func (s correlatorState) String() string {
	switch s {
	case correlatorIdle:
		return "idle"
	case correlatorAwaiting:
		return "awaiting-response"
	case correlatorResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// pendingOperation exists between dispatch and resolution
type pendingOperation struct {
	deadline time.Time
	expected uint32
	command  Command
}

type receiveResult struct {
	at  time.Time
	err error
	msg []byte
}

// drainGrace bounds how long a resolved operation waits for the adapter's
// Receive to return after its context was cancelled.
const drainGrace = 250 * time.Millisecond

// maxLatchedFaults bounds clearFaults on adapters that close their fault channel
const maxLatchedFaults = 64

var errCorrelatorBusy = errors.New("correlator busy: another command is in flight")

// correlator dispatches one RPC at a time and resolves it to a payload or a
// failure kind. It is not safe for concurrent use; the Session serializes
// callers.
type correlator struct {
	transport Transport
	framer    Framer
	trace     *TraceBuffer
	pending   *pendingOperation
	// stale holds response ids of commands abandoned after a timeout or
	// fault. A late answer carrying one of them is dropped, once, while
	// waiting for a different command.
	stale map[uint32]struct{}
	state correlatorState
}

func newCorrelator(transport Transport, framer Framer, traceSize int) *correlator {
	name := "none"
	if transport != nil {
		name = string(transport.Type())
	}
	return &correlator{
		transport: transport,
		framer:    framer,
		trace:     NewTraceBuffer(name, traceSize),
		stale:     make(map[uint32]struct{}),
		state:     correlatorIdle,
	}
}

// roundTrip sends req and waits up to timeout for its response. On success it
// returns a copy of the response payload. On failure it returns the kind and
// a trace-wrapped cause.
func (c *correlator) roundTrip(ctx context.Context, req Request, timeout time.Duration) ([]byte, ErrorKind, error) {
	if c.state != correlatorIdle {
		return nil, KindInvalidOperation, errCorrelatorBusy
	}
	if c.faultLatched() {
		c.trace.RecordFault("latched before dispatch")
		return nil, KindIPCFaultEvent, c.trace.WrapError(ErrFaultEvent)
	}

	raw, err := c.framer.EncodeRequest(req)
	if err != nil {
		return nil, KindInvalidArgument, fmt.Errorf("encode %s: %w", req.Command, err)
	}

	c.pending = &pendingOperation{
		expected: ResponseID(req.Command),
		command:  req.Command,
		deadline: time.Now().Add(timeout),
	}
	c.state = correlatorAwaiting
	defer c.release()

	waitCtx, cancel := context.WithDeadline(ctx, c.pending.deadline)
	defer cancel()

	c.trace.RecordTX(raw, req.Command.String())
	Debugf("TX %s (%d bytes), expecting 0x%08X before %s",
		req.Command, len(raw), c.pending.expected, c.pending.deadline.Format("15:04:05.000"))

	if err := c.transport.Send(waitCtx, raw); err != nil {
		kind := classifyTransportError(err)
		c.abandon()
		return nil, kind, c.trace.WrapError(fmt.Errorf("send %s: %w", req.Command, err))
	}

	payload, kind, err := c.await(waitCtx)
	c.state = correlatorResolved
	if err != nil {
		return nil, kind, c.trace.WrapError(err)
	}
	return payload, KindNone, nil
}

// await waits for the pending command's response, a fault, or the deadline
func (c *correlator) await(ctx context.Context) ([]byte, ErrorKind, error) {
	for {
		recvCtx, cancelRecv := context.WithCancel(ctx)
		results := make(chan receiveResult, 1)
		go func() {
			msg, err := c.transport.Receive(recvCtx)
			results <- receiveResult{msg: msg, err: err, at: time.Now()}
		}()

		select {
		case <-c.transport.Faults():
			cancelRecv()
			c.drain(results)
			return c.fault("fault channel signaled")

		case res := <-results:
			cancelRecv()
			// A fault that raced with the response wins.
			if c.faultLatched() {
				c.discard(res, "fault pending")
				return c.fault("fault channel signaled with response available")
			}
			if res.err != nil {
				kind := classifyTransportError(res.err)
				switch kind {
				case KindTimeout:
					c.trace.RecordTimeout(c.pending.command.String())
					c.abandon()
				case KindIPCFaultEvent:
					c.trace.RecordFault("in-band fault reported by transport")
					c.abandon()
				default:
				}
				return nil, kind, fmt.Errorf("receive %s: %w", c.pending.command, res.err)
			}
			if res.at.After(c.pending.deadline) {
				c.discard(res, "arrived after deadline")
				return c.timeout()
			}

			c.trace.RecordRX(res.msg, "")
			msg, err := c.framer.DecodeMessage(res.msg)
			if err != nil {
				return nil, KindUnexpectedResponse, fmt.Errorf("decode response to %s: %w", c.pending.command, err)
			}
			if msg.Kind == MessageFault {
				return c.fault("in-band fault indication")
			}
			if _, late := c.stale[msg.ID]; late && msg.ID != c.pending.expected {
				Debugf("discarding late response 0x%08X while waiting for %s", msg.ID, c.pending.command)
				delete(c.stale, msg.ID)
				continue
			}
			return c.resolve(msg)

		case <-ctx.Done():
			cancelRecv()
			c.drain(results)
			return c.timeout()
		}
	}
}

// resolve maps a response to success or one of the command failure kinds
func (c *correlator) resolve(msg Message) ([]byte, ErrorKind, error) {
	cmd := c.pending.command
	if msg.ID != c.pending.expected {
		return nil, KindUnexpectedResponse,
			fmt.Errorf("response id 0x%08X does not match %s (0x%08X)", msg.ID, cmd, c.pending.expected)
	}

	switch msg.Status {
	case StatusOK:
		if want := expectedPayloadLen(cmd); len(msg.Payload) != want {
			return nil, KindUnexpectedResponse,
				fmt.Errorf("%s response carries %d bytes, expected %d", cmd, len(msg.Payload), want)
		}
		Debugf("RX %s ok (%d bytes)", cmd, len(msg.Payload))
		payload := make([]byte, len(msg.Payload))
		copy(payload, msg.Payload)
		return payload, KindNone, nil
	case StatusCommandError:
		return nil, KindCommandFailed, fmt.Errorf("%s returned error status", cmd)
	case StatusUnknownCommand:
		return nil, KindCommandFault, fmt.Errorf("%s not recognized by modem", cmd)
	default:
		return nil, KindUnexpectedResponse, fmt.Errorf("%s returned unknown status 0x%08X", cmd, uint32(msg.Status))
	}
}

func (c *correlator) fault(note string) ([]byte, ErrorKind, error) {
	c.trace.RecordFault(note)
	Debugf("IPC fault while waiting for %s: %s", c.pending.command, note)
	c.abandon()
	return nil, KindIPCFaultEvent, fmt.Errorf("%s: %w", c.pending.command, ErrFaultEvent)
}

func (c *correlator) timeout() ([]byte, ErrorKind, error) {
	c.trace.RecordTimeout(c.pending.command.String())
	Debugf("timeout waiting for %s", c.pending.command)
	c.abandon()
	return nil, KindTimeout, fmt.Errorf("%s: no response before deadline", c.pending.command)
}

// drain waits for the receive goroutine to finish so nothing it returns can
// be mistaken for the next command's response. Callers cancel the receive
// context first (via the deferred cancel or an expired deadline).
func (c *correlator) drain(results <-chan receiveResult) {
	select {
	case res := <-results:
		c.discard(res, "operation already resolved")
	case <-time.After(drainGrace):
		// The adapter ignored cancellation; its eventual result is dropped
		// with the buffered channel.
		Debugln("receive did not return after cancellation, abandoning it")
	}
}

func (c *correlator) discard(res receiveResult, why string) {
	if res.err != nil || res.msg == nil {
		return
	}
	c.trace.RecordRX(res.msg, "discarded: "+why)
	Debugf("discarding late message (%d bytes): %s", len(res.msg), why)
}

// abandon remembers the pending response id so a late answer can be dropped
func (c *correlator) abandon() {
	if c.pending != nil {
		c.stale[c.pending.expected] = struct{}{}
	}
}

func (c *correlator) release() {
	c.pending = nil
	c.state = correlatorIdle
}

// faultLatched consumes a pending fault signal without blocking
func (c *correlator) faultLatched() bool {
	select {
	case <-c.transport.Faults():
		return true
	default:
		return false
	}
}

// clearFaults drops fault signals latched before a re-initialization
func (c *correlator) clearFaults() int {
	n := 0
	for n < maxLatchedFaults && c.faultLatched() {
		n++
	}
	return n
}

// reset forgets trace history; stale ids are kept so late answers to
// abandoned commands are still dropped after re-initialization.
func (c *correlator) reset() {
	c.trace.Clear()
}

// classifyTransportError maps adapter errors onto failure kinds
func classifyTransportError(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrFaultEvent):
		return KindIPCFaultEvent
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, ErrTransportTimeout):
		return KindTimeout
	default:
		return KindUnexpectedResponse
	}
}
