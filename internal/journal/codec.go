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

package journal

import (
	"errors"
	"fmt"
	"time"

	fmfu "github.com/ZaparooProject/go-fmfu"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the stored run record. Numbers are never reused.
const (
	fieldUUID          protowire.Number = 1
	fieldStarted       protowire.Number = 2
	fieldFinished      protowire.Number = 3
	fieldAttempts      protowire.Number = 4
	fieldError         protowire.Number = 5
	fieldBufferLength  protowire.Number = 6
	fieldRootKeyDigest protowire.Number = 7
	fieldSegment       protowire.Number = 8
)

// Field numbers of an embedded segment record
const (
	segName     protowire.Number = 1
	segAddress  protowire.Number = 2
	segSize     protowire.Number = 3
	segChunks   protowire.Number = 4
	segDigest   protowire.Number = 5
	segVerified protowire.Number = 6
)

var errCorruptRecord = errors.New("corrupt journal record")

func marshalEntry(e *Entry) []byte {
	var b []byte
	b = appendString(b, fieldUUID, e.UUID)
	b = appendVarint(b, fieldStarted, uint64(e.Started.UnixNano()))
	b = appendVarint(b, fieldFinished, uint64(e.Finished.UnixNano()))
	b = appendVarint(b, fieldAttempts, uint64(e.Attempts))
	b = appendString(b, fieldError, e.Error)
	b = appendVarint(b, fieldBufferLength, uint64(e.BufferLength))
	if !e.RootKeyDigest.IsZero() {
		b = protowire.AppendTag(b, fieldRootKeyDigest, protowire.BytesType)
		b = protowire.AppendBytes(b, e.RootKeyDigest[:])
	}
	for i := range e.Segments {
		b = protowire.AppendTag(b, fieldSegment, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalSegment(&e.Segments[i]))
	}
	return b
}

func marshalSegment(s *SegmentEntry) []byte {
	var b []byte
	b = appendString(b, segName, s.Name)
	b = appendVarint(b, segAddress, uint64(s.Address))
	b = appendVarint(b, segSize, uint64(s.Size))
	b = appendVarint(b, segChunks, uint64(s.Chunks))
	if !s.Digest.IsZero() {
		b = protowire.AppendTag(b, segDigest, protowire.BytesType)
		b = protowire.AppendBytes(b, s.Digest[:])
	}
	if s.Verified {
		b = appendVarint(b, segVerified, 1)
	}
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// unmarshalEntry decodes a record; unknown fields are skipped
func unmarshalEntry(b []byte, e *Entry) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldSegment && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			var seg SegmentEntry
			if err := unmarshalSegment(v, &seg); err != nil {
				return 0, err
			}
			e.Segments = append(e.Segments, seg)
			return n, nil
		case num == fieldUUID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			e.UUID = v
			return n, nil
		case num == fieldError && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			e.Error = v
			return n, nil
		case num == fieldRootKeyDigest && typ == protowire.BytesType:
			return consumeDigest(b, &e.RootKeyDigest)
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			switch num {
			case fieldStarted:
				e.Started = time.Unix(0, int64(v))
			case fieldFinished:
				e.Finished = time.Unix(0, int64(v))
			case fieldAttempts:
				e.Attempts = int(v)
			case fieldBufferLength:
				e.BufferLength = uint32(v)
			}
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
}

func unmarshalSegment(b []byte, s *SegmentEntry) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == segName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			s.Name = v
			return n, nil
		case num == segDigest && typ == protowire.BytesType:
			return consumeDigest(b, &s.Digest)
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			switch num {
			case segAddress:
				s.Address = uint32(v)
			case segSize:
				s.Size = int(v)
			case segChunks:
				s.Chunks = int(v)
			case segVerified:
				s.Verified = v != 0
			}
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
}

func consumeDigest(b []byte, d *fmfu.Digest) (int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	if len(v) != fmfu.DigestLen {
		return 0, fmt.Errorf("%w: digest of %d bytes", errCorruptRecord, len(v))
	}
	copy(d[:], v)
	return n, nil
}

// walkFields calls fn for every field in b. fn consumes the value and
// returns its length, negative on a malformed value.
func walkFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", errCorruptRecord, protowire.ParseError(n))
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %w", errCorruptRecord, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}
