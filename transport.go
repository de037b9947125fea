// go-fmfu
// Copyright (c) 2025 The Zaparoo Project Contributors.
// SPDX-License-Identifier: LGPL-3.0-or-later
//
// This file is part of go-fmfu.
//
// go-fmfu is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; either
// version 3 of the License, or (at your option) any later version.
//
// go-fmfu is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-fmfu; if not, write to the Free Software Foundation,
// Inc., 51 Franklin Street, Fifth Floor, Boston, MA  02110-1301, USA.

package fmfu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Transport defines the interface to the IPC channel between the host and
// the modem. It can be implemented by UART, SPI or character-device backends.
//
// A Transport moves opaque RPC envelopes; it does not interpret them.
type Transport interface {
	// Send delivers one request envelope to the modem
	Send(ctx context.Context, msg []byte) error

	// Receive blocks until one inbound envelope is available or ctx is done.
	// It returns ctx.Err() on cancellation, ErrTransportTimeout if the
	// adapter has its own deadline, and ErrFaultEvent if the adapter saw a
	// fault in-band.
	Receive(ctx context.Context) ([]byte, error)

	// Faults delivers out-of-band fault signals from the modem
	Faults() <-chan struct{}

	// Close closes the transport connection
	Close() error

	// IsConnected returns true if the transport is connected
	IsConnected() bool

	// Type returns the transport type
	Type() TransportType
}

// TransportType represents the type of transport
type TransportType string

const (
	// TransportUART represents a serial IPC bridge.
	TransportUART TransportType = "uart"
	// TransportSPI represents an SPI link with a GPIO fault line.
	TransportSPI TransportType = "spi"
	// TransportCharDev represents a kernel IPC character device.
	TransportCharDev TransportType = "chardev"
	// TransportMock represents a mock transport for testing
	TransportMock TransportType = "mock"
)

// DefaultMockBufferLength is the RPC buffer length a MockTransport reports at init
const DefaultMockBufferLength = 4096

// MockTransport provides a scripted implementation of Transport for testing.
// Every command is answered with StatusOK and a zero payload of the expected
// size unless a response, error, fault or silence is configured for it.
type MockTransport struct {
	responses   map[Command][]byte
	callCount   map[Command]int
	errorMap    map[Command]error
	silent      map[Command]bool
	faultBefore map[Command]bool
	inbound     chan []byte
	faults      chan struct{}
	receiveErr  error
	sent        [][]byte
	delay       time.Duration
	mu          sync.RWMutex
	connected   bool
}

// NewMockTransport creates a new mock transport
func NewMockTransport() *MockTransport {
	return &MockTransport{
		connected:   true,
		responses:   make(map[Command][]byte),
		callCount:   make(map[Command]int),
		errorMap:    make(map[Command]error),
		silent:      make(map[Command]bool),
		faultBefore: make(map[Command]bool),
		inbound:     make(chan []byte, 64),
		faults:      make(chan struct{}, 1),
	}
}

// Send implements Transport interface
func (m *MockTransport) Send(ctx context.Context, msg []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	req, err := ParseRequest(msg)
	if err != nil {
		return fmt.Errorf("mock transport: %w", err)
	}

	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return errors.New("transport not connected")
	}
	m.callCount[req.Command]++
	m.sent = append(m.sent, append([]byte(nil), msg...))

	if err, exists := m.errorMap[req.Command]; exists {
		m.mu.Unlock()
		return err
	}
	faultFirst := m.faultBefore[req.Command]
	silent := m.silent[req.Command]
	delay := m.delay
	response, exists := m.responses[req.Command]
	m.mu.Unlock()

	if faultFirst {
		m.InjectFault()
	}
	if silent {
		return nil
	}
	if !exists {
		response = defaultMockResponse(req.Command)
	}

	if delay > 0 {
		time.AfterFunc(delay, func() { m.push(response) })
		return nil
	}
	m.push(response)
	return nil
}

func (m *MockTransport) push(msg []byte) {
	select {
	case m.inbound <- msg:
	default:
		Debugln("mock transport: inbound queue full, dropping message")
	}
}

func defaultMockResponse(cmd Command) []byte {
	switch cmd {
	case CmdInit:
		return EncodeResponse(cmd, StatusOK, EncodeInitPayload(Digest{}, DefaultMockBufferLength))
	case CmdWrite, CmdTransferEnd, CmdDigest, CmdUUID, CmdReset:
		return EncodeResponse(cmd, StatusOK, make([]byte, expectedPayloadLen(cmd)))
	default:
		return EncodeResponse(cmd, StatusUnknownCommand, nil)
	}
}

// Receive implements Transport interface
func (m *MockTransport) Receive(ctx context.Context) ([]byte, error) {
	m.mu.RLock()
	receiveErr := m.receiveErr
	m.mu.RUnlock()
	if receiveErr != nil {
		return nil, receiveErr
	}

	select {
	case msg := <-m.inbound:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Faults implements Transport interface
func (m *MockTransport) Faults() <-chan struct{} {
	return m.faults
}

// Close implements Transport interface
func (m *MockTransport) Close() error {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	return nil
}

// IsConnected implements Transport interface
func (m *MockTransport) IsConnected() bool {
	m.mu.RLock()
	connected := m.connected
	m.mu.RUnlock()
	return connected
}

// Type implements Transport interface
func (*MockTransport) Type() TransportType {
	return TransportMock
}

// Test helper methods

// SetResponse configures the raw response envelope for a specific command
func (m *MockTransport) SetResponse(cmd Command, response []byte) {
	m.mu.Lock()
	m.responses[cmd] = response
	m.mu.Unlock()
}

// SetPayload configures a successful response carrying payload
func (m *MockTransport) SetPayload(cmd Command, payload []byte) {
	m.SetResponse(cmd, EncodeResponse(cmd, StatusOK, payload))
}

// SetStatus configures a response with the given status and no payload
func (m *MockTransport) SetStatus(cmd Command, status Status) {
	m.SetResponse(cmd, EncodeResponse(cmd, status, nil))
}

// ClearResponse restores the default response for a command
func (m *MockTransport) ClearResponse(cmd Command) {
	m.mu.Lock()
	delete(m.responses, cmd)
	m.mu.Unlock()
}

// SetError configures an error to be returned by Send for a specific command
func (m *MockTransport) SetError(cmd Command, err error) {
	m.mu.Lock()
	m.errorMap[cmd] = err
	m.mu.Unlock()
}

// ClearError removes error injection for a command
func (m *MockTransport) ClearError(cmd Command) {
	m.mu.Lock()
	delete(m.errorMap, cmd)
	m.mu.Unlock()
}

// SetNoResponse makes the modem stay silent for a command
func (m *MockTransport) SetNoResponse(cmd Command, silent bool) {
	m.mu.Lock()
	m.silent[cmd] = silent
	m.mu.Unlock()
}

// SetFaultBeforeResponse signals a fault when cmd is sent, then still
// delivers the (otherwise matching) response.
func (m *MockTransport) SetFaultBeforeResponse(cmd Command, enabled bool) {
	m.mu.Lock()
	m.faultBefore[cmd] = enabled
	m.mu.Unlock()
}

// SetReceiveError makes Receive fail with err; nil restores normal operation
func (m *MockTransport) SetReceiveError(err error) {
	m.mu.Lock()
	m.receiveErr = err
	m.mu.Unlock()
}

// SetDelay configures a delay before each response is delivered
func (m *MockTransport) SetDelay(delay time.Duration) {
	m.mu.Lock()
	m.delay = delay
	m.mu.Unlock()
}

// InjectFault raises an out-of-band fault signal
func (m *MockTransport) InjectFault() {
	select {
	case m.faults <- struct{}{}:
	default:
	}
}

// Deliver queues an unsolicited inbound envelope
func (m *MockTransport) Deliver(msg []byte) {
	m.push(msg)
}

// GetCallCount returns how many times a command was sent
func (m *MockTransport) GetCallCount(cmd Command) int {
	m.mu.RLock()
	count := m.callCount[cmd]
	m.mu.RUnlock()
	return count
}

// SentCount returns the total number of envelopes sent
func (m *MockTransport) SentCount() int {
	m.mu.RLock()
	count := len(m.sent)
	m.mu.RUnlock()
	return count
}

// SentRequests returns copies of all envelopes sent so far
func (m *MockTransport) SentRequests() [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]byte, len(m.sent))
	for i, msg := range m.sent {
		out[i] = append([]byte(nil), msg...)
	}
	return out
}

// Pending returns the number of queued inbound envelopes
func (m *MockTransport) Pending() int {
	return len(m.inbound)
}

// Reset clears all call counts and resets state
func (m *MockTransport) Reset() {
	m.mu.Lock()
	m.callCount = make(map[Command]int)
	m.sent = nil
	m.connected = true
	m.mu.Unlock()
}
