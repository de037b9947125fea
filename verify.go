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

package fmfu

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Digest is a 32-byte hash as reported by the modem
type Digest [DigestLen]byte

// String returns the digest as lowercase hex
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether every byte of the digest is zero
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// ParseDigest decodes a 64 character hex string
func ParseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("invalid digest: %w", err)
	}
	if len(b) != DigestLen {
		return d, fmt.Errorf("invalid digest: %d bytes, expected %d", len(b), DigestLen)
	}
	copy(d[:], b)
	return d, nil
}

// UUID is the 36-byte device identifier reported by the modem, in its
// canonical textual form.
type UUID [UUIDLen]byte

// String returns the UUID text with trailing NUL padding removed
func (u UUID) String() string {
	return string(bytes.TrimRight(u[:], "\x00"))
}

// Parse interprets the UUID bytes as an RFC 4122 UUID. The modem returns the
// bytes verbatim, so a malformed identifier is only reported here.
func (u UUID) Parse() (uuid.UUID, error) {
	id, err := uuid.Parse(u.String())
	if err != nil {
		return uuid.Nil, fmt.Errorf("modem UUID %q: %w", u.String(), err)
	}
	return id, nil
}

// UUIDFrom builds a UUID value from its canonical text
func UUIDFrom(id uuid.UUID) UUID {
	var u UUID
	copy(u[:], id.String())
	return u
}

// GetMemoryHash returns the digest of modem memory in [start, end). The
// range is checked before any I/O: end must be greater than start.
func (s *Session) GetMemoryHash(ctx context.Context, start, end uint32) (Digest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.states.current()
	if err := checkOperation(OpGetMemoryHash, state); err != nil {
		return Digest{}, err
	}
	if end <= start {
		return Digest{}, newOperationError(OpGetMemoryHash, KindInvalidArgument, state,
			fmt.Errorf("empty range [0x%08X, 0x%08X)", start, end))
	}

	payload, err := s.call(ctx, OpGetMemoryHash, digestRequest(start, end), s.config.ResponseTimeout)
	if err != nil {
		return Digest{}, err
	}
	var d Digest
	copy(d[:], payload)
	return d, nil
}

// GetUUID returns the modem's device identifier
func (s *Session) GetUUID(ctx context.Context) (UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := checkOperation(OpGetUUID, s.states.current()); err != nil {
		return UUID{}, err
	}

	payload, err := s.call(ctx, OpGetUUID, uuidRequest(), s.config.ResponseTimeout)
	if err != nil {
		return UUID{}, err
	}
	var u UUID
	copy(u[:], payload)
	return u, nil
}
