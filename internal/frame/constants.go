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

// Package frame implements the link framing used by byte-stream IPC
// adapters. Each RPC envelope travels in one frame:
//
//	[00 00 FF][LEN_L LEN_H][LCS][TYPE][payload...][DCS][00]
//
// LEN counts TYPE plus payload, LCS makes LEN_L+LEN_H+LCS sum to zero and
// DCS makes TYPE+payload+DCS sum to zero.
package frame

// Frame type constants indicate the direction or meaning of a frame
const (
	HostToModem = 0xD4 // RPC request from host to modem
	ModemToHost = 0xD5 // RPC response from modem to host
	FaultSignal = 0xFA // Fault indication from modem, no payload
)

// Frame markers
const (
	Preamble   = 0x00 // Frame preamble byte
	StartCode1 = 0x00 // Start code byte 1
	StartCode2 = 0xFF // Start code byte 2
	Postamble  = 0x00 // Frame postamble byte
)

// Frame size limits
const (
	// HeaderLength is preamble, start code, two length bytes and LCS
	HeaderLength = 6
	// Overhead is every byte of a frame that is not payload
	Overhead = HeaderLength + 3
	// MaxFrameDataLength is the largest TYPE+payload a 16-bit length allows
	MaxFrameDataLength = 0xFFFF
	// MaxPayloadLength is the largest RPC envelope carried in one frame
	MaxPayloadLength = MaxFrameDataLength - 1
)

// StartSequence is the preamble followed by the start code
var StartSequence = []byte{Preamble, StartCode1, StartCode2}
