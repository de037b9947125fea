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

//go:build linux

// Package chardev implements fmfu.Transport over a kernel IPC character
// device. Envelopes travel inside link frames; the driver raises POLLPRI on
// the device when the modem's fault line fires.
package chardev

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	fmfu "github.com/ZaparooProject/go-fmfu"
	"github.com/ZaparooProject/go-fmfu/internal/frame"
	"golang.org/x/sys/unix"
)

// DefaultDevice is the IPC node exposed by the modem driver
const DefaultDevice = "/dev/modem_ipc"

const (
	inboundQueueSize = 16
	readBufferSize   = 512
	// pollSlice bounds how quickly the reader notices Close
	pollSlice = 50 * time.Millisecond
)

// Transport implements the fmfu.Transport interface for a character device.
type Transport struct {
	decoder *frame.Decoder
	inbound chan []byte
	faults  chan struct{}
	done    chan struct{}
	failed  chan struct{}
	readErr error
	path    string
	wg      sync.WaitGroup
	fd      int
	writeMu sync.Mutex
	mu      sync.Mutex
	closed  bool
}

// New opens the device at path (DefaultDevice when empty).
func New(path string) (*Transport, error) {
	if path == "" {
		path = DefaultDevice
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open IPC device %s: %w", path, err)
	}
	return newTransport(fd, path)
}

// newTransport takes ownership of fd and starts the reader
func newTransport(fd int, path string) (*Transport, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("failed to set %s non-blocking: %w", path, err)
	}
	t := &Transport{
		fd:      fd,
		path:    path,
		decoder: frame.NewDecoder(path),
		inbound: make(chan []byte, inboundQueueSize),
		faults:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		failed:  make(chan struct{}),
	}
	t.wg.Add(1)
	go t.readLoop()
	return t, nil
}

// Send frames msg and writes it to the device
func (t *Transport) Send(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.IsConnected() {
		return fmfu.NewTransportClosedError("send", t.path)
	}

	encoded, err := frame.Encode(frame.HostToModem, msg)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	for len(encoded) > 0 {
		n, err := unix.Write(t.fd, encoded)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			if err := t.waitWritable(ctx); err != nil {
				return err
			}
			continue
		case err != nil:
			return fmt.Errorf("IPC device write failed: %w", err)
		}
		encoded = encoded[n:]
	}
	return nil
}

// waitWritable blocks until the device accepts more bytes
func (t *Transport) waitWritable(ctx context.Context) error {
	fds := []unix.PollFd{{Fd: int32(t.fd), Events: unix.POLLOUT}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll(fds, int(pollSlice/time.Millisecond))
		if err != nil && !errors.Is(err, unix.EINTR) {
			return fmfu.NewTransportWriteError("send", t.path)
		}
		if n > 0 {
			if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
				return fmfu.NewTransportClosedError("send", t.path)
			}
			return nil
		}
	}
}

// Receive returns the next envelope decoded by the reader
func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-t.inbound:
		return msg, nil
	case <-t.failed:
		t.mu.Lock()
		defer t.mu.Unlock()
		return nil, fmfu.NewTransportError("receive", t.path,
			errors.Join(fmfu.ErrTransportClosed, t.readErr), fmfu.ErrorTypePermanent)
	case <-t.done:
		return nil, fmfu.NewTransportClosedError("receive", t.path)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Faults delivers POLLPRI notifications and in-band fault frames
func (t *Transport) Faults() <-chan struct{} {
	return t.faults
}

// Close stops the reader and closes the device
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
	if err := unix.Close(t.fd); err != nil {
		return fmt.Errorf("IPC device close failed: %w", err)
	}
	return nil
}

// IsConnected returns true until Close is called or the device fails
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && t.readErr == nil
}

// Type returns the transport type
func (*Transport) Type() fmfu.TransportType {
	return fmfu.TransportCharDev
}

func (t *Transport) readLoop() {
	defer t.wg.Done()
	fds := []unix.PollFd{{Fd: int32(t.fd), Events: unix.POLLIN | unix.POLLPRI}}
	buf := make([]byte, readBufferSize)
	for {
		select {
		case <-t.done:
			return
		default:
		}

		n, err := unix.Poll(fds, int(pollSlice/time.Millisecond))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			t.fail(fmt.Errorf("poll: %w", err))
			return
		}
		if n == 0 {
			continue
		}
		revents := fds[0].Revents

		if revents&unix.POLLPRI != 0 {
			t.ackUrgent()
			fmfu.Debugf("chardev %s: fault line asserted", t.path)
			t.signalFault()
		}
		if revents&unix.POLLNVAL != 0 {
			t.fail(unix.EBADF)
			return
		}
		if revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
			continue
		}

		n, err = unix.Read(t.fd, buf)
		switch {
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			t.fail(err)
			return
		case n == 0:
			t.fail(io.EOF)
			return
		}

		t.decoder.Feed(buf[:n])
		if !t.dispatchFrames() {
			return
		}
	}
}

// ackUrgent consumes the urgent byte when the device is a socket; drivers
// clear POLLPRI themselves and the call fails harmlessly with ENOTSOCK.
func (t *Transport) ackUrgent() {
	var b [1]byte
	_, _, _ = unix.Recvfrom(t.fd, b[:], unix.MSG_OOB)
}

// dispatchFrames routes every complete frame; false means Close was called
func (t *Transport) dispatchFrames() bool {
	for {
		f, ok, err := t.decoder.Next()
		if err != nil {
			fmfu.Debugf("chardev %s: dropping corrupt frame: %v", t.path, err)
			continue
		}
		if !ok {
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
			fmfu.Debugf("chardev %s: ignoring frame type 0x%02X", t.path, f.Type)
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
	t.readErr = err
	close(t.failed)
}

var _ fmfu.Transport = (*Transport)(nil)
