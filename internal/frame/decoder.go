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
	"encoding/binary"

	fmfu "github.com/ZaparooProject/go-fmfu"
)

// Frame is a decoded link frame
type Frame struct {
	Payload []byte
	Type    byte
}

// IsFault reports whether the frame is a fault indication
func (f Frame) IsFault() bool {
	return f.Type == FaultSignal
}

// Decoder reassembles frames from a byte stream delivered in arbitrary
// fragments. Noise before a start sequence is skipped.
type Decoder struct {
	port string
	buf  []byte
}

// NewDecoder creates a decoder; port only labels errors
func NewDecoder(port string) *Decoder {
	return &Decoder{port: port}
}

// Feed appends received bytes
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes not yet consumed
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset drops all buffered bytes
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}

// Next returns the next complete frame. ok is false when more bytes are
// needed. A frame whose data checksum or postamble is wrong is dropped and
// reported as a checksum mismatch; decoding can continue afterwards.
func (d *Decoder) Next() (f Frame, ok bool, err error) {
	for {
		start := bytes.Index(d.buf, StartSequence)
		if start < 0 {
			// Keep a possible partial start sequence.
			d.discard(max(0, len(d.buf)-(len(StartSequence)-1)))
			return Frame{}, false, nil
		}
		d.discard(start)

		frameLen, resync, err := ValidateFrameLength(d.buf, 0, d.port)
		if err != nil {
			return Frame{}, false, nil
		}
		if resync {
			d.discard(1)
			continue
		}

		total := HeaderLength + frameLen + 2
		if len(d.buf) < total {
			return Frame{}, false, nil
		}

		raw := d.buf[:total]
		if !ValidateFrameChecksum(raw, HeaderLength, HeaderLength+frameLen+1) || raw[total-1] != Postamble {
			d.discard(total)
			return Frame{}, false, fmfu.NewChecksumMismatchError("decodeFrame", d.port)
		}

		f = Frame{
			Type:    raw[HeaderLength],
			Payload: append([]byte(nil), raw[HeaderLength+1:HeaderLength+frameLen]...),
		}
		d.discard(total)
		return f, true, nil
	}
}

func (d *Decoder) discard(n int) {
	d.buf = append(d.buf[:0], d.buf[n:]...)
}

// ValidateFrameLength reads the length field of a frame starting at off.
// It returns an error when the header is incomplete and resync=true when the
// length checksum is wrong, meaning off is not a real frame start.
func ValidateFrameLength(buf []byte, off int, port string) (frameLen int, resync bool, err error) {
	if off < 0 || off+HeaderLength > len(buf) {
		return 0, false, fmfu.NewFrameCorruptedError("validateFrameLength", port)
	}

	lenField := buf[off+3 : off+5]
	lcs := buf[off+5]
	if CalculateChecksum(lenField)+lcs != 0 {
		return 0, true, nil
	}

	frameLen = int(binary.LittleEndian.Uint16(lenField))
	if frameLen == 0 {
		// Every frame carries at least TYPE.
		return 0, true, nil
	}
	return frameLen, false, nil
}

// ValidateFrameChecksum reports whether buf[start:end] sums to zero.
// Out-of-range bounds are reported as invalid.
func ValidateFrameChecksum(buf []byte, start, end int) bool {
	if start < 0 || end < 0 || start > end || end > len(buf) {
		return false
	}
	return CalculateChecksum(buf[start:end]) == 0
}
