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

//go:build !linux

package chardev

import (
	"context"
	"errors"
	"fmt"

	fmfu "github.com/ZaparooProject/go-fmfu"
)

// DefaultDevice is the IPC node exposed by the modem driver
const DefaultDevice = "/dev/modem_ipc"

// ErrUnsupported is returned on platforms without the IPC driver
var ErrUnsupported = errors.New("IPC character devices are only supported on Linux")

// Transport is unavailable on this platform.
type Transport struct{}

// New always fails on this platform.
func New(path string) (*Transport, error) {
	return nil, fmt.Errorf("open %s: %w", path, ErrUnsupported)
}

// Send implements fmfu.Transport
func (*Transport) Send(context.Context, []byte) error { return ErrUnsupported }

// Receive implements fmfu.Transport
func (*Transport) Receive(context.Context) ([]byte, error) { return nil, ErrUnsupported }

// Faults implements fmfu.Transport
func (*Transport) Faults() <-chan struct{} { return nil }

// Close implements fmfu.Transport
func (*Transport) Close() error { return nil }

// IsConnected implements fmfu.Transport
func (*Transport) IsConnected() bool { return false }

// Type returns the transport type
func (*Transport) Type() fmfu.TransportType { return fmfu.TransportCharDev }

var _ fmfu.Transport = (*Transport)(nil)
