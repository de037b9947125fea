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
	"testing"

	fmfu "github.com/ZaparooProject/go-fmfu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_InitRequest(t *testing.T) {
	t.Parallel()

	got, err := Encode(HostToModem, []byte{0x01, 0x00, 0x00, 0x00})
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0x00, 0x00, 0xFF, 0x05, 0x00, 0xFB, 0xD4, 0x01, 0x00, 0x00, 0x00, 0x2B, 0x00,
	}, got)
}

func TestEncode_Fault(t *testing.T) {
	t.Parallel()

	f := EncodeFault()
	assert.Len(t, f, Overhead)
	assert.Equal(t, byte(FaultSignal), f[HeaderLength])
}

func TestEncode_TooLarge(t *testing.T) {
	t.Parallel()

	_, err := Encode(HostToModem, make([]byte, MaxPayloadLength+1))
	require.ErrorIs(t, err, fmfu.ErrDataTooLarge)

	f, err := Encode(HostToModem, make([]byte, MaxPayloadLength))
	require.NoError(t, err)
	assert.Len(t, f, Overhead+MaxPayloadLength)
}
