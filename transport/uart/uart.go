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

// Package uart implements fmfu.Transport over a serial IPC bridge. RPC
// envelopes travel inside link frames (see internal/frame); a fault frame
// from the modem is surfaced on the Faults channel.
package uart

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	fmfu "github.com/ZaparooProject/go-fmfu"
	"github.com/ZaparooProject/go-fmfu/internal/frame"
	"go.bug.st/serial"
)

// DefaultBaudRate is the bridge speed used when none is configured
const DefaultBaudRate = 115200

// inboundQueueSize bounds decoded envelopes not yet taken by Receive
const inboundQueueSize = 16

// Transport implements the fmfu.Transport interface for UART communication.
type Transport struct {
	port     serial.Port
	decoder  *frame.Decoder
	inbound  chan []byte
	faults   chan struct{}
	done     chan struct{}
	failed   chan struct{}
	readErr  error
	portName string
	wg       sync.WaitGroup
	writeMu  sync.Mutex
	mu       sync.Mutex
	closed   bool
}

// isWindows returns true if running on Windows
func isWindows() bool {
	return runtime.GOOS == "windows"
}

// getWindowsTimeout returns the serial read timeout. It also bounds how
// quickly the reader goroutine notices Close.
func getWindowsTimeout() time.Duration {
	if isWindows() {
		return 100 * time.Millisecond
	}
	return 50 * time.Millisecond
}

// windowsPostWriteDelay gives Windows drivers time to flush
func windowsPostWriteDelay() {
	if isWindows() {
		time.Sleep(15 * time.Millisecond)
	}
}

// New opens portName at baudRate (DefaultBaudRate when zero).
func New(portName string, baudRate int) (*Transport, error) {
	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open UART port %s: %w", portName, err)
	}

	if err := port.SetReadTimeout(getWindowsTimeout()); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to set UART read timeout: %w", err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to flush UART input: %w", err)
	}

	return newTransport(port, portName), nil
}

// newTransport wraps an open port and starts the reader
func newTransport(port serial.Port, portName string) *Transport {
	t := &Transport{
		port:     port,
		portName: portName,
		decoder:  frame.NewDecoder(portName),
		inbound:  make(chan []byte, inboundQueueSize),
		faults:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		failed:   make(chan struct{}),
	}
	t.wg.Add(1)
	go t.readLoop()
	return t
}

// Send frames msg and writes it to the port
func (t *Transport) Send(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.IsConnected() {
		return fmfu.NewTransportClosedError("send", t.portName)
	}

	encoded, err := frame.Encode(frame.HostToModem, msg)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	n, err := t.port.Write(encoded)
	if err != nil {
		return fmt.Errorf("UART write failed: %w", err)
	} else if n != len(encoded) {
		return fmfu.NewTransportWriteError("send", t.portName)
	}
	windowsPostWriteDelay()
	return t.drainWithRetry("send")
}

// Receive returns the next envelope decoded by the reader
func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-t.inbound:
		return msg, nil
	case <-t.failed:
		return nil, t.readFailure()
	case <-t.done:
		return nil, fmfu.NewTransportClosedError("receive", t.portName)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Faults delivers fault frames seen by the reader
func (t *Transport) Faults() <-chan struct{} {
	return t.faults
}

// SetTimeout sets the read timeout for the transport
func (t *Transport) SetTimeout(timeout time.Duration) error {
	if err := t.port.SetReadTimeout(timeout); err != nil {
		return fmt.Errorf("UART set timeout failed: %w", err)
	}
	return nil
}

// Close stops the reader and closes the port
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()

	err := t.port.Close()
	t.wg.Wait()
	if err != nil {
		return fmt.Errorf("UART close failed: %w", err)
	}
	return nil
}

// IsConnected returns true until Close is called or the port fails
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && t.readErr == nil
}

// Type returns the transport type
func (*Transport) Type() fmfu.TransportType {
	return fmfu.TransportUART
}

// readLoop feeds port bytes to the frame decoder until Close or a port error
func (t *Transport) readLoop() {
	defer t.wg.Done()
	buf := make([]byte, 256)
	for {
		select {
		case <-t.done:
			return
		default:
		}

		n, err := t.port.Read(buf)
		if err != nil {
			if isInterruptedSystemCall(err) {
				continue
			}
			t.fail(err)
			return
		}
		if n == 0 {
			continue
		}

		t.decoder.Feed(buf[:n])
		if !t.dispatchFrames() {
			return
		}
	}
}

// dispatchFrames routes every complete frame; false means Close was called
func (t *Transport) dispatchFrames() bool {
	for {
		f, ok, err := t.decoder.Next()
		if err != nil {
			fmfu.Debugf("UART %s: dropping corrupt frame: %v", t.portName, err)
			continue
		}
		if !ok {
			return true
		}

		switch {
		case f.IsFault():
			fmfu.Debugf("UART %s: fault frame", t.portName)
			select {
			case t.faults <- struct{}{}:
			default:
			}
		case f.Type == frame.ModemToHost:
			select {
			case t.inbound <- f.Payload:
			case <-t.done:
				return false
			}
		default:
			fmfu.Debugf("UART %s: ignoring frame type 0x%02X", t.portName, f.Type)
		}
	}
}

func (t *Transport) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.readErr = err
	close(t.failed)
}

func (t *Transport) readFailure() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fmfu.NewTransportError("receive", t.portName,
		errors.Join(fmfu.ErrTransportClosed, t.readErr), fmfu.ErrorTypePermanent)
}

// isInterruptedSystemCall checks if an error is caused by an interrupted system call
func isInterruptedSystemCall(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "interrupted system call") ||
		strings.Contains(errStr, "eintr")
}

// drainWithRetry waits for written bytes to leave the port, retrying
// interrupted system calls
func (t *Transport) drainWithRetry(operation string) error {
	const maxRetries = 3
	baseDelay := 2 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := t.port.Drain()
		if err == nil {
			return nil
		}

		if isInterruptedSystemCall(err) && attempt < maxRetries-1 {
			time.Sleep(baseDelay * time.Duration(1<<attempt)) // 2ms, 4ms, 8ms
			continue
		}

		return fmt.Errorf("UART %s drain failed: %w", operation, err)
	}

	return fmt.Errorf("UART %s drain failed after %d retries", operation, maxRetries)
}

var _ fmfu.Transport = (*Transport)(nil)
