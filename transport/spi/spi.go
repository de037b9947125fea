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

// Package spi implements fmfu.Transport over an SPI link. The host polls the
// modem's status byte and clocks out link frames when it reports data ready.
// An optional GPIO input carries the modem's fault line.
package spi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	fmfu "github.com/ZaparooProject/go-fmfu"
	"github.com/ZaparooProject/go-fmfu/internal/frame"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

const (
	// SPI protocol constants
	spiDataWrite = 0x01
	spiStatRead  = 0x02
	spiDataRead  = 0x03
	spiReady     = 0x01

	// Default SPI settings
	defaultFreq = 1 * physic.MegaHertz
	mode        = spi.Mode0

	// DefaultPollInterval is how often the status byte is polled
	DefaultPollInterval = 2 * time.Millisecond

	// faultWaitSlice bounds each WaitForEdge so Close is noticed
	faultWaitSlice = 100 * time.Millisecond

	// maxConsecutiveErrors is how many failed bus transactions in a row
	// take the transport down
	maxConsecutiveErrors = 5

	inboundQueueSize = 16
)

// Config selects the bus and the optional fault line
type Config struct {
	// Port is the spireg name, e.g. "/dev/spidev0.0" or "SPI0.0"
	Port string
	// FaultPin is the gpioreg name of the fault input; empty disables it
	FaultPin string
	// Frequency defaults to 1MHz
	Frequency physic.Frequency
	// PollInterval defaults to DefaultPollInterval
	PollInterval time.Duration
}

// Transport implements the fmfu.Transport interface for SPI communication
type Transport struct {
	port         spi.PortCloser
	conn         spi.Conn
	faultPin     gpio.PinIn
	decoder      *frame.Decoder
	inbound      chan []byte
	faults       chan struct{}
	done         chan struct{}
	failed       chan struct{}
	busErr       error
	portName     string
	pollInterval time.Duration
	wg           sync.WaitGroup
	busMu        sync.Mutex
	mu           sync.Mutex
	closed       bool
}

// New opens the SPI port and the fault line named in cfg
func New(cfg Config) (*Transport, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}

	port, err := spireg.Open(cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("failed to open SPI port %s: %w", cfg.Port, err)
	}

	freq := cfg.Frequency
	if freq == 0 {
		freq = defaultFreq
	}
	conn, err := port.Connect(freq, mode, 8)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to connect SPI: %w", err)
	}

	var pin gpio.PinIn
	if cfg.FaultPin != "" {
		p := gpioreg.ByName(cfg.FaultPin)
		if p == nil {
			_ = port.Close()
			return nil, fmt.Errorf("fault pin %s not found", cfg.FaultPin)
		}
		pin = p
	}

	t, err := newTransport(port, conn, pin, cfg.Port, cfg.PollInterval)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	return t, nil
}

// newTransport starts the status poller and, with a fault pin, the edge watcher
func newTransport(port spi.PortCloser, conn spi.Conn, faultPin gpio.PinIn,
	portName string, pollInterval time.Duration,
) (*Transport, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if faultPin != nil {
		// The fault line is active low.
		if err := faultPin.In(gpio.PullUp, gpio.FallingEdge); err != nil {
			return nil, fmt.Errorf("failed to configure fault pin %s: %w", faultPin, err)
		}
	}

	t := &Transport{
		port:         port,
		conn:         conn,
		faultPin:     faultPin,
		decoder:      frame.NewDecoder(portName),
		inbound:      make(chan []byte, inboundQueueSize),
		faults:       make(chan struct{}, 1),
		done:         make(chan struct{}),
		failed:       make(chan struct{}),
		portName:     portName,
		pollInterval: pollInterval,
	}
	t.wg.Add(1)
	go t.pollLoop()
	if faultPin != nil {
		t.wg.Add(1)
		go t.faultLoop()
	}
	return t, nil
}

// Send frames msg and clocks it out in one transaction
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
	buf := make([]byte, 0, len(encoded)+1)
	buf = append(buf, spiDataWrite)
	buf = append(buf, encoded...)

	t.busMu.Lock()
	defer t.busMu.Unlock()
	if err := t.conn.Tx(buf, nil); err != nil {
		fmfu.Debugf("SPI %s write failed: %v", t.portName, err)
		return fmfu.NewTransportWriteError("send", t.portName)
	}
	return nil
}

// Receive returns the next envelope read by the poller
func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-t.inbound:
		return msg, nil
	case <-t.failed:
		t.mu.Lock()
		defer t.mu.Unlock()
		return nil, fmfu.NewTransportError("receive", t.portName,
			errors.Join(fmfu.ErrTransportClosed, t.busErr), fmfu.ErrorTypePermanent)
	case <-t.done:
		return nil, fmfu.NewTransportClosedError("receive", t.portName)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Faults delivers fault line edges and in-band fault frames
func (t *Transport) Faults() <-chan struct{} {
	return t.faults
}

// SetPollInterval changes how often the modem status is polled
func (t *Transport) SetPollInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", d)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pollInterval = d
	return nil
}

// Close stops the background goroutines and closes the port
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()

	t.wg.Wait()
	if t.port != nil {
		if err := t.port.Close(); err != nil {
			return fmt.Errorf("SPI close failed: %w", err)
		}
	}
	return nil
}

// IsConnected returns true until Close is called or the bus fails
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && t.busErr == nil
}

// Type returns the transport type
func (*Transport) Type() fmfu.TransportType {
	return fmfu.TransportSPI
}

func (t *Transport) interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pollInterval
}

func (t *Transport) pollLoop() {
	defer t.wg.Done()
	consecutive := 0
	for {
		select {
		case <-t.done:
			return
		case <-time.After(t.interval()):
		}

		raw, err := t.readFrame()
		if err != nil {
			consecutive++
			fmfu.Debugf("SPI %s poll failed (%d in a row): %v", t.portName, consecutive, err)
			if consecutive >= maxConsecutiveErrors {
				t.fail(err)
				return
			}
			continue
		}
		consecutive = 0
		if raw != nil && !t.dispatch(raw) {
			return
		}
	}
}

// readFrame returns one raw link frame, or nil when the modem has nothing
func (t *Transport) readFrame() ([]byte, error) {
	t.busMu.Lock()
	defer t.busMu.Unlock()

	status := make([]byte, 2)
	if err := t.conn.Tx([]byte{spiStatRead, 0}, status); err != nil {
		return nil, fmt.Errorf("SPI status read failed: %w", err)
	}
	if status[1]&spiReady == 0 {
		return nil, nil
	}

	header, err := t.clockIn(frame.HeaderLength)
	if err != nil {
		return nil, err
	}
	frameLen, resync, err := frame.ValidateFrameLength(header, 0, t.portName)
	if err != nil || resync || !bytes.HasPrefix(header, frame.StartSequence) {
		return nil, fmfu.NewFrameCorruptedError("readFrame", t.portName)
	}

	body, err := t.clockIn(frameLen + 2)
	if err != nil {
		return nil, err
	}
	return append(header, body...), nil
}

// clockIn reads n bytes after a data-read command byte
func (t *Transport) clockIn(n int) ([]byte, error) {
	w := make([]byte, n+1)
	w[0] = spiDataRead
	r := make([]byte, n+1)
	if err := t.conn.Tx(w, r); err != nil {
		return nil, fmfu.NewTransportReadError("clockIn", t.portName)
	}
	return r[1:], nil
}

// dispatch decodes raw and routes it; false means Close was called
func (t *Transport) dispatch(raw []byte) bool {
	t.decoder.Reset()
	t.decoder.Feed(raw)
	f, ok, err := t.decoder.Next()
	if err != nil || !ok {
		fmfu.Debugf("SPI %s: dropping undecodable frame % X", t.portName, raw)
		return true
	}

	switch {
	case f.IsFault():
		t.signalFault()
	case f.Type == frame.ModemToHost:
		select {
		case t.inbound <- f.Payload:
		case <-t.done:
			return false
		}
	default:
		fmfu.Debugf("SPI %s: ignoring frame type 0x%02X", t.portName, f.Type)
	}
	return true
}

func (t *Transport) faultLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		default:
		}
		if t.faultPin.WaitForEdge(faultWaitSlice) {
			fmfu.Debugf("SPI %s: fault line asserted", t.portName)
			t.signalFault()
		}
	}
}

func (t *Transport) signalFault() {
	select {
	case t.faults <- struct{}{}:
	default:
	}
}

func (t *Transport) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.busErr = err
	close(t.failed)
}

var _ fmfu.Transport = (*Transport)(nil)
