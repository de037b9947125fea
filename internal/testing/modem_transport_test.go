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
	"context"
	"testing"
	"time"

	fmfu "github.com/ZaparooProject/go-fmfu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveWithin(t *testing.T, tr *ModemTransport, d time.Duration) ([]byte, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return tr.Receive(ctx)
}

func TestModemTransport_RoundTrip(t *testing.T) {
	t.Parallel()
	tr := NewModemTransport(NewVirtualModem())

	require.NoError(t, tr.Send(context.Background(), EncodeWords(uint32(fmfu.CmdInit))))
	raw, err := receiveWithin(t, tr, time.Second)
	require.NoError(t, err)

	msg, err := fmfu.WireFramer{}.DecodeMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, fmfu.ResponseID(fmfu.CmdInit), msg.ID)
	assert.Equal(t, ModeDFU, tr.Modem().Mode())
	assert.Equal(t, fmfu.TransportMock, tr.Type())
}

func TestModemTransport_SilentCommandTimesOut(t *testing.T) {
	t.Parallel()
	tr := NewModemTransport(NewVirtualModem())
	tr.Modem().SilenceCommand(fmfu.CmdInit)

	require.NoError(t, tr.Send(context.Background(), EncodeWords(uint32(fmfu.CmdInit))))
	_, err := receiveWithin(t, tr, 20*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestModemTransport_DelayedReply(t *testing.T) {
	t.Parallel()
	tr := NewModemTransport(NewVirtualModem())
	tr.Modem().DelayCommandOnce(fmfu.CmdInit, 30*time.Millisecond)

	require.NoError(t, tr.Send(context.Background(), EncodeWords(uint32(fmfu.CmdInit))))
	_, err := receiveWithin(t, tr, 5*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	raw, err := receiveWithin(t, tr, time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
}

func TestModemTransport_Faults(t *testing.T) {
	t.Parallel()

	t.Run("out of band", func(t *testing.T) {
		t.Parallel()
		tr := NewModemTransport(NewVirtualModem())
		tr.Modem().FaultOnCommandOnce(fmfu.CmdInit)

		require.NoError(t, tr.Send(context.Background(), EncodeWords(uint32(fmfu.CmdInit))))
		select {
		case <-tr.Faults():
		default:
			t.Fatal("fault was not signaled before Send returned")
		}
	})

	t.Run("in band", func(t *testing.T) {
		t.Parallel()
		tr := NewModemTransport(NewVirtualModem())
		tr.InBandFaults = true
		tr.RaiseFault()

		raw, err := receiveWithin(t, tr, time.Second)
		require.NoError(t, err)
		assert.Equal(t, fmfu.EncodeFault(), raw)
		assert.Empty(t, tr.Faults())
	})
}

func TestModemTransport_Close(t *testing.T) {
	t.Parallel()
	tr := NewModemTransport(NewVirtualModem())
	tr.Modem().DelayCommand(fmfu.CmdInit, 20*time.Millisecond)
	require.NoError(t, tr.Send(context.Background(), EncodeWords(uint32(fmfu.CmdInit))))

	require.NoError(t, tr.Close())
	assert.False(t, tr.IsConnected())
	require.Error(t, tr.Send(context.Background(), EncodeWords(uint32(fmfu.CmdInit))))

	_, err := receiveWithin(t, tr, 50*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded, "delayed reply is cancelled by Close")
}
