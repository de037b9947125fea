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

package testing

import (
	"context"
	"errors"
	"sync"
	"time"

	fmfu "github.com/ZaparooProject/go-fmfu"
)

var errNotConnected = errors.New("modem transport not connected")

// ModemTransport implements fmfu.Transport on top of a VirtualModem.
// Faults are signaled out-of-band on the Faults channel unless InBandFaults
// is set, in which case a fault envelope is queued instead.
type ModemTransport struct {
	modem        *VirtualModem
	inbound      chan []byte
	faults       chan struct{}
	timers       []*time.Timer
	mu           sync.Mutex
	connected    bool
	InBandFaults bool
}

// NewModemTransport creates a transport connected to modem
func NewModemTransport(modem *VirtualModem) *ModemTransport {
	return &ModemTransport{
		modem:     modem,
		inbound:   make(chan []byte, 64),
		faults:    make(chan struct{}, 1),
		connected: true,
	}
}

// Modem returns the simulated modem
func (t *ModemTransport) Modem() *VirtualModem {
	return t.modem
}

// Send implements fmfu.Transport
func (t *ModemTransport) Send(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()
	if !connected {
		return errNotConnected
	}

	reply := t.modem.Handle(msg)
	if reply.Fault {
		t.RaiseFault()
	}
	if len(reply.Messages) == 0 {
		return nil
	}
	if reply.Delay > 0 {
		t.mu.Lock()
		t.timers = append(t.timers, time.AfterFunc(reply.Delay, func() { t.deliver(reply.Messages) }))
		t.mu.Unlock()
		return nil
	}
	t.deliver(reply.Messages)
	return nil
}

func (t *ModemTransport) deliver(msgs [][]byte) {
	for _, msg := range msgs {
		select {
		case t.inbound <- msg:
		default:
		}
	}
}

// RaiseFault signals a modem fault
func (t *ModemTransport) RaiseFault() {
	if t.InBandFaults {
		t.deliver([][]byte{fmfu.EncodeFault()})
		return
	}
	select {
	case t.faults <- struct{}{}:
	default:
	}
}

// Receive implements fmfu.Transport
func (t *ModemTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-t.inbound:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Faults implements fmfu.Transport
func (t *ModemTransport) Faults() <-chan struct{} {
	return t.faults
}

// Close implements fmfu.Transport and cancels undelivered delayed replies
func (t *ModemTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	for _, timer := range t.timers {
		timer.Stop()
	}
	t.timers = nil
	return nil
}

// IsConnected implements fmfu.Transport
func (t *ModemTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Type implements fmfu.Transport
func (*ModemTransport) Type() fmfu.TransportType {
	return fmfu.TransportMock
}
