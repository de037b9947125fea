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
)

// Fuzz tests for the stream decoder. Malformed input from a flaky bridge or a
// crashing modem must never panic the host.
//
// Run with: go test -fuzz=FuzzDecoder -fuzztime=30s ./internal/frame/

func FuzzDecoder(f *testing.F) {
	f.Add([]byte{0x00, 0x00, 0xFF, 0x05, 0x00, 0xFB, 0xD4, 0x01, 0x00, 0x00, 0x00, 0x2B, 0x00})
	f.Add(EncodeFault())
	f.Add([]byte{})
	f.Add([]byte{0x00, 0x00, 0xFF})
	f.Add([]byte{0x00, 0x00, 0xFF, 0xFF, 0xFF, 0x02})
	f.Add([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})

	f.Fuzz(func(t *testing.T, data []byte) {
		d := NewDecoder("fuzz")
		d.Feed(data)
		for range len(data) + 1 {
			fr, ok, _ := d.Next()
			if !ok {
				continue
			}
			if len(fr.Payload) > MaxPayloadLength {
				t.Fatalf("payload of %d bytes exceeds frame limit", len(fr.Payload))
			}
		}
	})
}

// FuzzEncodeDecode checks that every encodable payload decodes unchanged.
func FuzzEncodeDecode(f *testing.F) {
	f.Add(byte(HostToModem), []byte{0x02, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0xAA})
	f.Add(byte(ModemToHost), []byte{0x00, 0x00, 0xFF})
	f.Add(byte(FaultSignal), []byte{})

	f.Fuzz(func(t *testing.T, frameType byte, payload []byte) {
		raw, err := Encode(frameType, payload)
		if err != nil {
			return
		}
		d := NewDecoder("fuzz")
		d.Feed(raw)
		fr, ok, err := d.Next()
		if err != nil || !ok {
			t.Fatalf("decode failed: ok=%v err=%v", ok, err)
		}
		if fr.Type != frameType || !bytes.Equal(fr.Payload, payload) {
			t.Fatalf("round trip mismatch: type %#02x payload % X", fr.Type, fr.Payload)
		}
	})
}

func FuzzValidateFrameChecksum(f *testing.F) {
	f.Add([]byte{0xD5, 0x2B}, 0, 2)
	f.Add([]byte{0x00}, 0, 1)
	f.Add([]byte{}, 0, 0)

	f.Fuzz(func(_ *testing.T, buf []byte, start, end int) {
		_ = ValidateFrameChecksum(buf, start, end)
	})
}
