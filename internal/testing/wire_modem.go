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
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/ZaparooProject/go-fmfu/internal/frame"
)

// DefaultWireReadTimeout is how long Read waits for data before returning 0
const DefaultWireReadTimeout = 10 * time.Millisecond

// WireModem exposes a VirtualModem as a byte stream carrying link frames,
// the way a serial IPC bridge does. Read follows serial port semantics: it
// returns (0, nil) when no data arrives within the read timeout.
type WireModem struct {
	modem       *VirtualModem
	decoder     *frame.Decoder
	notify      chan struct{}
	outbound    bytes.Buffer
	written     [][]byte
	readTimeout time.Duration
	mu          sync.Mutex
	closed      bool
}

// NewWireModem wraps modem in a link-frame byte stream
func NewWireModem(modem *VirtualModem) *WireModem {
	return &WireModem{
		modem:       modem,
		decoder:     frame.NewDecoder("wire-modem"),
		notify:      make(chan struct{}, 1),
		readTimeout: DefaultWireReadTimeout,
	}
}

// Modem returns the simulated modem
func (w *WireModem) Modem() *VirtualModem {
	return w.modem
}

// SetReadTimeout changes how long Read blocks without data
func (w *WireModem) SetReadTimeout(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.readTimeout = d
}

// Write accepts host bytes; every complete request frame is handled
func (w *WireModem) Write(p []byte) (int, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	w.written = append(w.written, append([]byte(nil), p...))
	w.decoder.Feed(p)
	var requests [][]byte
	for {
		f, ok, err := w.decoder.Next()
		if err != nil {
			continue
		}
		if !ok {
			break
		}
		if f.Type == frame.HostToModem {
			requests = append(requests, f.Payload)
		}
	}
	w.mu.Unlock()

	for _, req := range requests {
		reply := w.modem.Handle(req)
		if reply.Fault {
			w.RaiseFault()
		}
		frames := make([][]byte, 0, len(reply.Messages))
		for _, msg := range reply.Messages {
			f, err := frame.Encode(frame.ModemToHost, msg)
			if err != nil {
				return 0, err
			}
			frames = append(frames, f)
		}
		if reply.Delay > 0 {
			time.AfterFunc(reply.Delay, func() { w.Inject(bytes.Join(frames, nil)) })
			continue
		}
		w.Inject(bytes.Join(frames, nil))
	}
	return len(p), nil
}

// Read returns queued modem bytes, waiting up to the read timeout
func (w *WireModem) Read(p []byte) (int, error) {
	deadline := time.Now().Add(w.timeout())
	for {
		w.mu.Lock()
		if w.outbound.Len() > 0 {
			n, _ := w.outbound.Read(p)
			w.mu.Unlock()
			return n, nil
		}
		if w.closed {
			w.mu.Unlock()
			return 0, io.EOF
		}
		w.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, nil
		}
		select {
		case <-w.notify:
		case <-time.After(remaining):
		}
	}
}

// Inject queues raw bytes for the host, e.g. line noise
func (w *WireModem) Inject(raw []byte) {
	if len(raw) == 0 {
		return
	}
	w.mu.Lock()
	w.outbound.Write(raw)
	w.mu.Unlock()
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// RaiseFault queues a fault indication frame
func (w *WireModem) RaiseFault() {
	w.Inject(frame.EncodeFault())
}

// Written returns every chunk of bytes the host wrote
func (w *WireModem) Written() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]byte(nil), w.written...)
}

// Close makes further reads return io.EOF once drained
func (w *WireModem) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	select {
	case w.notify <- struct{}{}:
	default:
	}
	return nil
}

func (w *WireModem) timeout() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.readTimeout
}
