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

package update

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"

	fmfu "github.com/ZaparooProject/go-fmfu"
)

// ErrInvalidPackage is returned before any I/O when a package cannot be flashed
var ErrInvalidPackage = errors.New("invalid update package")

// Segment is one firmware image loaded at Address.
type Segment struct {
	Name    string
	Data    []byte
	Address uint32
	// Digest is the expected read-back digest. When zero it is computed
	// locally from Data.
	Digest fmfu.Digest
}

// End returns the first address past the segment
func (s Segment) End() uint64 {
	return uint64(s.Address) + uint64(len(s.Data))
}

// Package is a complete modem update: the bootloader followed by one or more
// firmware segments.
type Package struct {
	Bootloader []byte
	Segments   []Segment
}

// Size returns the number of bytes the update writes
func (p *Package) Size() int {
	total := len(p.Bootloader)
	for _, seg := range p.Segments {
		total += len(seg.Data)
	}
	return total
}

// Validate checks the package can be flashed as given: a bootloader is
// present, every segment has data and does not overlap another segment. A
// segment must end below 2^32 so its digest range end fits in 32 bits.
func (p *Package) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil package", ErrInvalidPackage)
	}
	if len(p.Bootloader) == 0 {
		return fmt.Errorf("%w: bootloader is empty", ErrInvalidPackage)
	}
	if len(p.Segments) == 0 {
		return fmt.Errorf("%w: no firmware segments", ErrInvalidPackage)
	}

	sorted := make([]Segment, len(p.Segments))
	copy(sorted, p.Segments)
	slices.SortFunc(sorted, func(a, b Segment) int {
		return cmp.Compare(a.Address, b.Address)
	})

	for i, seg := range sorted {
		if len(seg.Data) == 0 {
			return fmt.Errorf("%w: segment %s is empty", ErrInvalidPackage, seg.label())
		}
		if seg.End() > math.MaxUint32 {
			return fmt.Errorf("%w: segment %s runs past the address space", ErrInvalidPackage, seg.label())
		}
		if i > 0 && uint64(seg.Address) < sorted[i-1].End() {
			return fmt.Errorf("%w: segment %s overlaps %s",
				ErrInvalidPackage, seg.label(), sorted[i-1].label())
		}
	}
	return nil
}

func (s Segment) label() string {
	if s.Name != "" {
		return fmt.Sprintf("%q", s.Name)
	}
	return fmt.Sprintf("@0x%08X", s.Address)
}
