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

package frame

import (
	"bytes"
	"testing"

	fmfu "github.com/ZaparooProject/go-fmfu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEncode(t *testing.T, frameType byte, payload []byte) []byte {
	t.Helper()
	f, err := Encode(frameType, payload)
	require.NoError(t, err)
	return f
}

func TestDecoder_RoundTrip(t *testing.T) {
	t.Parallel()

	payloads := [][]byte{
		{0x01, 0x00, 0x00, 0x00},
		bytes.Repeat([]byte{0xA5}, 4096),
		{},
	}
	d := NewDecoder("test")
	for _, p := range payloads {
		d.Feed(mustEncode(t, ModemToHost, p))
	}

	for _, want := range payloads {
		f, ok, err := d.Next()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, byte(ModemToHost), f.Type)
		assert.Equal(t, len(want), len(f.Payload))
		assert.True(t, bytes.Equal(want, f.Payload))
	}
	_, ok, err := d.Next()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, d.Buffered())
}

func TestDecoder_Fragmented(t *testing.T) {
	t.Parallel()

	raw := mustEncode(t, ModemToHost, []byte{0x81, 0, 0, 0x80, 0, 0, 0, 0})
	d := NewDecoder("test")
	for i, b := range raw {
		d.Feed([]byte{b})
		f, ok, err := d.Next()
		require.NoError(t, err)
		if i < len(raw)-1 {
			require.False(t, ok, "frame complete after %d of %d bytes", i+1, len(raw))
			continue
		}
		require.True(t, ok)
		assert.Len(t, f.Payload, 8)
	}
}

func TestDecoder_SkipsNoise(t *testing.T) {
	t.Parallel()

	d := NewDecoder("test")
	d.Feed([]byte{0x13, 0x37, 0x00, 0xFF, 0x00, 0x00})
	// Start sequence followed by a bad length checksum.
	d.Feed([]byte{0x00, 0x00, 0xFF, 0x05, 0x00, 0x00})
	d.Feed(EncodeFault())

	f, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, f.IsFault())
	assert.Empty(t, f.Payload)
}

func TestDecoder_BadDataChecksum(t *testing.T) {
	t.Parallel()

	bad := mustEncode(t, ModemToHost, []byte{1, 2, 3, 4})
	bad[len(bad)-2] ^= 0xFF
	good := mustEncode(t, ModemToHost, []byte{5, 6, 7, 8})

	d := NewDecoder("/dev/ttyACM0")
	d.Feed(bad)
	d.Feed(good)

	_, ok, err := d.Next()
	require.Error(t, err)
	require.ErrorIs(t, err, fmfu.ErrChecksumMismatch)
	assert.False(t, ok)

	f, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{5, 6, 7, 8}, f.Payload)
}

func TestDecoder_BadPostamble(t *testing.T) {
	t.Parallel()

	raw := mustEncode(t, ModemToHost, []byte{9})
	raw[len(raw)-1] = 0x55

	d := NewDecoder("test")
	d.Feed(raw)
	_, _, err := d.Next()
	require.ErrorIs(t, err, fmfu.ErrChecksumMismatch)
}

func TestDecoder_Reset(t *testing.T) {
	t.Parallel()

	d := NewDecoder("test")
	d.Feed([]byte{0x00, 0x00, 0xFF, 0x05})
	d.Reset()
	assert.Zero(t, d.Buffered())
}

func TestValidateFrameLength(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		buf        []byte
		wantLen    int
		wantResync bool
		wantErr    bool
	}{
		{name: "valid", buf: []byte{0x00, 0x00, 0xFF, 0x05, 0x00, 0xFB}, wantLen: 5},
		{name: "long", buf: []byte{0x00, 0x00, 0xFF, 0x0D, 0x10, 0xE3}, wantLen: 0x100D},
		{name: "bad lcs", buf: []byte{0x00, 0x00, 0xFF, 0x05, 0x00, 0xFA}, wantResync: true},
		{name: "zero length", buf: []byte{0x00, 0x00, 0xFF, 0x00, 0x00, 0x00}, wantResync: true},
		{name: "short header", buf: []byte{0x00, 0x00, 0xFF, 0x05}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			n, resync, err := ValidateFrameLength(tt.buf, 0, "test")
			if tt.wantErr {
				require.ErrorIs(t, err, fmfu.ErrFrameCorrupted)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantResync, resync)
			assert.Equal(t, tt.wantLen, n)
		})
	}
}

func TestValidateFrameChecksum_Bounds(t *testing.T) {
	t.Parallel()

	buf := []byte{0xD5, 0x2B}
	assert.True(t, ValidateFrameChecksum(buf, 0, 2))
	assert.False(t, ValidateFrameChecksum(buf, 0, 1))
	assert.False(t, ValidateFrameChecksum(buf, -1, 2))
	assert.False(t, ValidateFrameChecksum(buf, 1, 5))
	assert.False(t, ValidateFrameChecksum(buf, 2, 1))
}
