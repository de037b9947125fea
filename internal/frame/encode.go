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
	"encoding/binary"

	fmfu "github.com/ZaparooProject/go-fmfu"
)

// Encode wraps payload in a frame of the given type
func Encode(frameType byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadLength {
		return nil, fmfu.NewDataTooLargeError("encodeFrame", "")
	}

	dataLen := uint16(len(payload) + 1)
	buf := make([]byte, 0, Overhead+len(payload))
	buf = append(buf, StartSequence...)
	buf = binary.LittleEndian.AppendUint16(buf, dataLen)
	buf = append(buf, Complement(byte(dataLen), byte(dataLen>>8)))
	buf = append(buf, frameType)
	buf = append(buf, payload...)
	buf = append(buf, Complement(frameType)-CalculateChecksum(payload))
	return append(buf, Postamble), nil
}

// EncodeFault builds a fault indication frame
func EncodeFault() []byte {
	f, _ := Encode(FaultSignal, nil)
	return f
}
