// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package testing

import (
	"io"
	"testing"
	"time"

	fmfu "github.com/ZaparooProject/go-fmfu"
	"github.com/ZaparooProject/go-fmfu/internal/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeRequestFrame(t *testing.T, words ...uint32) []byte {
	t.Helper()
	f, err := frame.Encode(frame.HostToModem, EncodeWords(words...))
	require.NoError(t, err)
	return f
}

// readFrame reads from r until one complete frame decodes
func readFrame(t *testing.T, r io.Reader, deadline time.Duration) frame.Frame {
	t.Helper()
	dec := frame.NewDecoder("test")
	buf := make([]byte, 64)
	stop := time.Now().Add(deadline)
	for time.Now().Before(stop) {
		n, err := r.Read(buf)
		require.NoError(t, err)
		dec.Feed(buf[:n])
		f, ok, err := dec.Next()
		require.NoError(t, err)
		if ok {
			return f
		}
	}
	t.Fatal("no frame before deadline")
	return frame.Frame{}
}

func TestWireModem_AnswersRequestFrames(t *testing.T) {
	t.Parallel()
	wire := NewWireModem(NewVirtualModem())

	req := encodeRequestFrame(t, uint32(fmfu.CmdInit))
	// Split the request across writes
	_, err := wire.Write(req[:4])
	require.NoError(t, err)
	_, err = wire.Write(req[4:])
	require.NoError(t, err)

	f := readFrame(t, wire, time.Second)
	assert.Equal(t, frame.ModemToHost, f.Type)
	msg, err := fmfu.WireFramer{}.DecodeMessage(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, fmfu.ResponseID(fmfu.CmdInit), msg.ID)
	assert.Len(t, wire.Written(), 2)
}

func TestWireModem_ReadTimesOutWithoutData(t *testing.T) {
	t.Parallel()
	wire := NewWireModem(NewVirtualModem())
	wire.SetReadTimeout(5 * time.Millisecond)

	n, err := wire.Read(make([]byte, 8))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWireModem_Fault(t *testing.T) {
	t.Parallel()
	wire := NewWireModem(NewVirtualModem())
	wire.Modem().FaultOnCommandOnce(fmfu.CmdInit)

	_, err := wire.Write(encodeRequestFrame(t, uint32(fmfu.CmdInit)))
	require.NoError(t, err)

	first := readFrame(t, wire, time.Second)
	assert.True(t, first.IsFault())
}

func TestWireModem_IgnoresFramesOfOtherTypes(t *testing.T) {
	t.Parallel()
	wire := NewWireModem(NewVirtualModem())
	wire.SetReadTimeout(5 * time.Millisecond)

	echo, err := frame.Encode(frame.ModemToHost, EncodeWords(uint32(fmfu.CmdInit)))
	require.NoError(t, err)
	_, err = wire.Write(echo)
	require.NoError(t, err)

	n, err := wire.Read(make([]byte, 32))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, wire.Modem().Commands())
}

func TestWireModem_Close(t *testing.T) {
	t.Parallel()
	wire := NewWireModem(NewVirtualModem())
	require.NoError(t, wire.Close())

	_, err := wire.Read(make([]byte, 8))
	require.ErrorIs(t, err, io.EOF)
	_, err = wire.Write([]byte{0})
	require.ErrorIs(t, err, io.ErrClosedPipe)
}
