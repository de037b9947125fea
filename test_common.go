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

//go:build !prod

package fmfu

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testResponseTimeout keeps timeout-path tests fast
const testResponseTimeout = 50 * time.Millisecond

// createMockSession creates an uninitialized session over a fresh mock transport
func createMockSession(t *testing.T, opts ...Option) (*Session, *MockTransport) {
	t.Helper()
	mockTransport := NewMockTransport()
	opts = append([]Option{
		WithResponseTimeout(testResponseTimeout),
		WithInitTimeout(testResponseTimeout),
	}, opts...)
	session, err := New(mockTransport, opts...)
	require.NoError(t, err)
	return session, mockTransport
}

// createWaitingSession returns a session that completed Init and is waiting
// for the bootloader segment
func createWaitingSession(t *testing.T, opts ...Option) (*Session, *MockTransport) {
	t.Helper()
	session, mockTransport := createMockSession(t, opts...)
	_, err := session.Init(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateWaitingForBootloader, session.State())
	return session, mockTransport
}

// createReadySession returns a session whose bootloader segment was accepted
func createReadySession(t *testing.T, opts ...Option) (*Session, *MockTransport) {
	t.Helper()
	session, mockTransport := createWaitingSession(t, opts...)
	ctx := context.Background()
	require.NoError(t, session.TransferStart())
	require.NoError(t, session.WriteMemoryChunk(ctx, MemoryChunk{TargetAddress: 0, Data: []byte{0xAA}}))
	require.NoError(t, session.TransferEnd(ctx))
	require.Equal(t, StateReadyForIPCCommands, session.State())
	return session, mockTransport
}

// createBadSession returns a session forced into StateBad by a timeout
func createBadSession(t *testing.T) (*Session, *MockTransport) {
	t.Helper()
	session, mockTransport := createReadySession(t)
	mockTransport.SetNoResponse(CmdUUID, true)
	_, err := session.GetUUID(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, StateBad, session.State())
	mockTransport.SetNoResponse(CmdUUID, false)
	return session, mockTransport
}
