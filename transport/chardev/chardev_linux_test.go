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

package chardev

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	fmfu "github.com/ZaparooProject/go-fmfu"
	"github.com/ZaparooProject/go-fmfu/internal/frame"
	virt "github.com/ZaparooProject/go-fmfu/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// peerConn is the modem end of a socketpair
type peerConn struct {
	fd int
}

func (p peerConn) Read(b []byte) (int, error) {
	n, err := unix.Read(p.fd, b)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (p peerConn) Write(b []byte) (int, error) {
	n, err := unix.Write(p.fd, b)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// newRawTransport returns a transport over one end of a socketpair and the
// other end for the test to drive
func newRawTransport(t *testing.T) (*Transport, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)

	transport, err := newTransport(fds[0], "socketpair")
	require.NoError(t, err)
	t.Cleanup(func() { _ = transport.Close() })
	return transport, fds[1]
}

// newTestTransport connects a transport to a WireModem through a socketpair
func newTestTransport(t *testing.T) (*Transport, *virt.WireModem, int) {
	t.Helper()
	transport, peer := newRawTransport(t)
	wire := virt.NewWireModem(virt.NewVirtualModem())

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		_, _ = io.Copy(wire, peerConn{fd: peer})
	}()
	go func() {
		defer pumps.Done()
		buf := make([]byte, 256)
		for {
			n, err := wire.Read(buf)
			if err != nil {
				return
			}
			if n > 0 {
				if _, err := (peerConn{fd: peer}).Write(buf[:n]); err != nil {
					return
				}
			}
		}
	}()

	t.Cleanup(func() {
		_ = transport.Close()
		_ = wire.Close()
		_ = unix.Shutdown(peer, unix.SHUT_RDWR)
		pumps.Wait()
		_ = unix.Close(peer)
	})
	return transport, wire, peer
}

func newSession(t *testing.T, transport fmfu.Transport) *fmfu.Session {
	t.Helper()
	session, err := fmfu.New(transport,
		fmfu.WithResponseTimeout(500*time.Millisecond),
		fmfu.WithInitTimeout(500*time.Millisecond),
	)
	require.NoError(t, err)
	return session
}

func waitFault(t *testing.T, transport *Transport) {
	t.Helper()
	select {
	case <-transport.Faults():
	case <-time.After(time.Second):
		t.Fatal("fault was not surfaced")
	}
}

func TestCharDev_FullUpdate(t *testing.T) {
	t.Parallel()
	transport, wire, _ := newTestTransport(t)
	session := newSession(t, transport)
	ctx := context.Background()

	result, err := session.Init(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(virt.DefaultBufferLength), result.BufferLength)

	require.NoError(t, session.TransferStart())
	require.NoError(t, session.WriteMemoryChunk(ctx, fmfu.MemoryChunk{Data: []byte("bootloader")}))
	require.NoError(t, session.TransferEnd(ctx))

	image := make([]byte, 3*session.MaxChunkSize()/2)
	for i := range image {
		image[i] = byte(i)
	}
	require.NoError(t, session.TransferStart())
	for off := 0; off < len(image); off += session.MaxChunkSize() {
		end := min(off+session.MaxChunkSize(), len(image))
		require.NoError(t, session.WriteMemoryChunk(ctx,
			fmfu.MemoryChunk{TargetAddress: 0x10000 + uint32(off), Data: image[off:end]}))
	}
	require.NoError(t, session.TransferEnd(ctx))

	digest, err := session.GetMemoryHash(ctx, 0x10000, 0x10000+uint32(len(image)))
	require.NoError(t, err)
	assert.Equal(t, virt.DigestOf(image), digest)

	id, err := session.GetUUID(ctx)
	require.NoError(t, err)
	assert.Equal(t, virt.DefaultUUID, id.String())

	require.NoError(t, session.End(ctx))
	assert.Equal(t, virt.ModeNormal, wire.Modem().Mode())
}

func TestCharDev_InBandFault(t *testing.T) {
	t.Parallel()
	transport, wire, _ := newTestTransport(t)

	wire.RaiseFault()
	waitFault(t, transport)
}

func TestCharDev_UrgentDataSignalsFault(t *testing.T) {
	t.Parallel()
	transport, _, peer := newTestTransport(t)

	if err := unix.Sendto(peer, []byte{0xFA}, unix.MSG_OOB, nil); err != nil {
		t.Skipf("AF_UNIX out-of-band data unsupported: %v", err)
	}
	waitFault(t, transport)

	// The urgent byte is consumed; normal traffic continues
	session := newSession(t, transport)
	_, err := session.Init(context.Background())
	require.NoError(t, err)
}

func TestCharDev_SkipsNoise(t *testing.T) {
	t.Parallel()
	transport, peer := newRawTransport(t)

	responseID := uint32(fmfu.CmdUUID) | 0x80000000
	payload := virt.EncodeWords(responseID, 0)
	encoded, err := frame.Encode(frame.ModemToHost, payload)
	require.NoError(t, err)
	corrupt := append([]byte(nil), encoded...)
	corrupt[len(corrupt)-2] ^= 0xFF

	for _, chunk := range [][]byte{{0x13, 0x37}, corrupt, encoded} {
		_, err := unix.Write(peer, chunk)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := transport.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestCharDev_SendWritesFrame(t *testing.T) {
	t.Parallel()
	transport, peer := newRawTransport(t)

	envelope := virt.EncodeWords(uint32(fmfu.CmdReset))
	require.NoError(t, transport.Send(context.Background(), envelope))

	want, err := frame.Encode(frame.HostToModem, envelope)
	require.NoError(t, err)
	got := make([]byte, len(want))
	_, err = io.ReadFull(peerConn{fd: peer}, got)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestCharDev_PeerHangup(t *testing.T) {
	t.Parallel()
	transport, peer := newRawTransport(t)

	require.NoError(t, unix.Shutdown(peer, unix.SHUT_RDWR))
	t.Cleanup(func() { _ = unix.Close(peer) })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := transport.Receive(ctx)
	require.ErrorIs(t, err, fmfu.ErrTransportClosed)
	require.ErrorIs(t, err, io.EOF)
	assert.True(t, fmfu.IsFatal(err))
	assert.False(t, transport.IsConnected())
}

func TestCharDev_ReceiveHonorsContext(t *testing.T) {
	t.Parallel()
	transport, _ := newRawTransport(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := transport.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, transport.IsConnected())
}

func TestCharDev_Close(t *testing.T) {
	t.Parallel()
	transport, peer := newRawTransport(t)
	t.Cleanup(func() { _ = unix.Close(peer) })

	assert.Equal(t, fmfu.TransportCharDev, transport.Type())
	require.NoError(t, transport.Close())
	require.NoError(t, transport.Close())
	assert.False(t, transport.IsConnected())

	err := transport.Send(context.Background(), virt.EncodeWords(uint32(fmfu.CmdInit)))
	require.ErrorIs(t, err, fmfu.ErrTransportClosed)
	_, err = transport.Receive(context.Background())
	require.ErrorIs(t, err, fmfu.ErrTransportClosed)
}

func TestNew_MissingDevice(t *testing.T) {
	t.Parallel()

	_, err := New(filepath.Join(t.TempDir(), "modem_ipc"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open IPC device")
}
