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

package fmfu_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	fmfu "github.com/ZaparooProject/go-fmfu"
	fmfutest "github.com/ZaparooProject/go-fmfu/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const integrationTimeout = 50 * time.Millisecond

func newSimulatedSession(t *testing.T) (*fmfu.Session, *fmfutest.ModemTransport) {
	t.Helper()
	transport := fmfutest.NewModemTransport(fmfutest.NewVirtualModem())
	session, err := fmfu.New(transport,
		fmfu.WithResponseTimeout(integrationTimeout),
		fmfu.WithInitTimeout(integrationTimeout),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session, transport
}

// writeSegment uploads image at base using the largest chunks the modem allows
func writeSegment(ctx context.Context, t *testing.T, session *fmfu.Session, base uint32, image []byte) {
	t.Helper()
	require.NoError(t, session.TransferStart())
	step := session.MaxChunkSize()
	for off := 0; off < len(image); off += step {
		end := min(off+step, len(image))
		require.NoError(t, session.WriteMemoryChunk(ctx, fmfu.MemoryChunk{
			TargetAddress: base + uint32(off),
			Data:          image[off:end],
		}))
	}
	require.NoError(t, session.TransferEnd(ctx))
}

func readySimulatedSession(t *testing.T) (*fmfu.Session, *fmfutest.ModemTransport) {
	t.Helper()
	session, transport := newSimulatedSession(t)
	ctx := context.Background()
	_, err := session.Init(ctx)
	require.NoError(t, err)
	writeSegment(ctx, t, session, 0, []byte("bootloader"))
	require.Equal(t, fmfu.StateReadyForIPCCommands, session.State())
	return session, transport
}

func TestIntegration_FullUpdate(t *testing.T) {
	t.Parallel()
	session, transport := newSimulatedSession(t)
	modem := transport.Modem()
	ctx := context.Background()

	result, err := session.Init(ctx)
	require.NoError(t, err)
	assert.Equal(t, modem.RootKeyDigest(), result.RootKeyDigest)
	assert.Equal(t, uint32(fmfutest.DefaultBufferLength), result.BufferLength)
	assert.Equal(t, fmfu.StateWaitingForBootloader, session.State())

	bootloader := bytes.Repeat([]byte{0xB0, 0x07}, 1500)
	writeSegment(ctx, t, session, 0x00000000, bootloader)
	assert.Equal(t, fmfu.StateReadyForIPCCommands, session.State())

	const firmwareBase = 0x00100000
	firmware := make([]byte, 5000)
	for i := range firmware {
		firmware[i] = byte(i * 7)
	}
	writeSegment(ctx, t, session, firmwareBase, firmware)
	assert.Equal(t, fmfu.StateReadyForIPCCommands, session.State())
	maxChunk := session.MaxChunkSize()

	digest, err := session.GetMemoryHash(ctx, firmwareBase, firmwareBase+uint32(len(firmware)))
	require.NoError(t, err)
	assert.Equal(t, fmfutest.DigestOf(firmware), digest)

	id, err := session.GetUUID(ctx)
	require.NoError(t, err)
	assert.Equal(t, fmfutest.DefaultUUID, id.String())

	require.NoError(t, session.End(ctx))
	assert.Equal(t, fmfu.StateUninitialized, session.State())
	assert.Equal(t, fmfutest.ModeNormal, modem.Mode())

	segments := modem.Segments()
	require.Len(t, segments, 2)
	assert.Equal(t, fmfu.SegmentBootloader, segments[0].Kind)
	assert.Equal(t, len(bootloader), segments[0].Bytes)
	assert.Equal(t, fmfu.SegmentFirmware, segments[1].Kind)
	assert.Equal(t, len(firmware), segments[1].Bytes)
	assert.Equal(t, (len(firmware)+maxChunk-1)/maxChunk, segments[1].Chunks)
	assert.Zero(t, session.MaxChunkSize(), "buffer length is forgotten after end")
}

func TestIntegration_ChunkCountMatchesBufferLength(t *testing.T) {
	t.Parallel()
	session, transport := readySimulatedSession(t)
	ctx := context.Background()

	maxChunk := session.MaxChunkSize()
	assert.Equal(t, fmfutest.DefaultBufferLength-fmfu.WriteOverhead, maxChunk)

	writeSegment(ctx, t, session, 0x2000, make([]byte, 3*maxChunk+1))
	segments := transport.Modem().Segments()
	assert.Equal(t, 4, segments[len(segments)-1].Chunks)
}

func TestIntegration_LateResponseDiscardedAfterRecovery(t *testing.T) {
	t.Parallel()
	session, transport := readySimulatedSession(t)
	modem := transport.Modem()
	ctx := context.Background()

	modem.DelayCommandOnce(fmfu.CmdUUID, 3*integrationTimeout)
	_, err := session.GetUUID(ctx)
	require.ErrorIs(t, err, fmfu.ErrTimeout)
	assert.Equal(t, fmfu.StateBad, session.State())

	_, err = session.Init(ctx)
	require.NoError(t, err)

	// Let the abandoned UUID answer land in the inbound queue
	time.Sleep(4 * integrationTimeout)

	require.NoError(t, session.TransferStart())
	require.NoError(t, session.WriteMemoryChunk(ctx, fmfu.MemoryChunk{Data: []byte{1, 2, 3}}))
	assert.Equal(t, fmfu.StateWaitingForBootloader, session.State())
}

func TestIntegration_FaultBeatsMatchingResponse(t *testing.T) {
	t.Parallel()

	for _, inBand := range []bool{false, true} {
		name := "out of band"
		if inBand {
			name = "in band"
		}
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			session, transport := readySimulatedSession(t)
			transport.InBandFaults = inBand
			transport.Modem().FaultOnCommandOnce(fmfu.CmdDigest)
			ctx := context.Background()

			_, err := session.GetMemoryHash(ctx, 0, 16)
			require.ErrorIs(t, err, fmfu.ErrIPCFaultEvent)
			assert.Equal(t, fmfu.StateBad, session.State())

			// Recovery: the answer left behind by the faulted command is dropped.
			_, err = session.Init(ctx)
			require.NoError(t, err)
			writeSegment(ctx, t, session, 0, []byte{0xB0})
			_, err = session.GetMemoryHash(ctx, 0, 1)
			require.NoError(t, err)
		})
	}
}

func TestIntegration_FaultLatchedWhileIdle(t *testing.T) {
	t.Parallel()
	session, transport := readySimulatedSession(t)

	transport.RaiseFault()
	_, err := session.GetUUID(context.Background())
	require.ErrorIs(t, err, fmfu.ErrIPCFaultEvent)
	assert.Equal(t, fmfu.StateBad, session.State())
	assert.Zero(t, transport.Modem().CommandCount(fmfu.CmdUUID), "nothing dispatched")
}

func TestIntegration_ModemRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		run   func(context.Context, *fmfu.Session) error
		setup func(*fmfutest.VirtualModem)
		want  error
		name  string
	}{
		{
			name:  "digest command error",
			setup: func(m *fmfutest.VirtualModem) { m.FailCommandOnce(fmfu.CmdDigest, fmfu.StatusCommandError) },
			run: func(ctx context.Context, s *fmfu.Session) error {
				_, err := s.GetMemoryHash(ctx, 0, 4)
				return err
			},
			want: fmfu.ErrCommandFailed,
		},
		{
			name:  "uuid unknown command",
			setup: func(m *fmfutest.VirtualModem) { m.FailCommandOnce(fmfu.CmdUUID, fmfu.StatusUnknownCommand) },
			run: func(ctx context.Context, s *fmfu.Session) error {
				_, err := s.GetUUID(ctx)
				return err
			},
			want: fmfu.ErrCommandFault,
		},
		{
			name:  "short uuid",
			setup: func(m *fmfutest.VirtualModem) { m.OverridePayload(fmfu.CmdUUID, []byte("abc")) },
			run: func(ctx context.Context, s *fmfu.Session) error {
				_, err := s.GetUUID(ctx)
				return err
			},
			want: fmfu.ErrUnexpectedResponse,
		},
		{
			name:  "silent write",
			setup: func(m *fmfutest.VirtualModem) { m.SilenceCommand(fmfu.CmdWrite) },
			run: func(ctx context.Context, s *fmfu.Session) error {
				if err := s.TransferStart(); err != nil {
					return err
				}
				return s.WriteMemoryChunk(ctx, fmfu.MemoryChunk{Data: []byte{1}})
			},
			want: fmfu.ErrTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			session, transport := readySimulatedSession(t)
			tt.setup(transport.Modem())

			err := tt.run(context.Background(), session)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, fmfu.StateBad, session.State())
			assert.False(t, session.TransferActive())
		})
	}
}

func TestIntegration_InitSilentModem(t *testing.T) {
	t.Parallel()
	session, transport := newSimulatedSession(t)
	transport.Modem().SilenceCommand(fmfu.CmdInit)

	_, err := session.Init(context.Background())
	require.ErrorIs(t, err, fmfu.ErrUnexpectedResponse)
	require.ErrorIs(t, err, fmfu.ErrTimeout)
	assert.Equal(t, fmfu.KindUnexpectedResponse, fmfu.KindOf(err))
	assert.Equal(t, fmfu.StateBad, session.State())
}

func TestIntegration_WrongStateSendsNothing(t *testing.T) {
	t.Parallel()
	session, transport := newSimulatedSession(t)
	ctx := context.Background()
	_, err := session.Init(ctx)
	require.NoError(t, err)

	_, err = session.GetUUID(ctx)
	require.ErrorIs(t, err, fmfu.ErrInvalidOperation)
	_, err = session.GetMemoryHash(ctx, 0, 4)
	require.ErrorIs(t, err, fmfu.ErrInvalidOperation)

	assert.Equal(t, fmfu.StateWaitingForBootloader, session.State())
	assert.Equal(t, []fmfu.Command{fmfu.CmdInit}, transport.Modem().Commands())
}

func TestIntegration_TransferEndRejected(t *testing.T) {
	t.Parallel()
	session, transport := newSimulatedSession(t)
	ctx := context.Background()
	_, err := session.Init(ctx)
	require.NoError(t, err)

	transport.Modem().FailCommandOnce(fmfu.CmdTransferEnd, fmfu.StatusCommandError)
	require.NoError(t, session.TransferStart())
	require.NoError(t, session.WriteMemoryChunk(ctx, fmfu.MemoryChunk{Data: []byte{1}}))
	err = session.TransferEnd(ctx)
	require.ErrorIs(t, err, fmfu.ErrCommandFailed)
	assert.Equal(t, fmfu.StateBad, session.State())
}
