// go-fmfu
// Copyright (c) 2025 The Zaparoo Project Contributors.
// SPDX-License-Identifier: LGPL-3.0-or-later
//
// This file is part of go-fmfu.
//
// go-fmfu is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; either
// version 3 of the License, or (at your option) any later version.
//
// go-fmfu is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-fmfu; if not, write to the Free Software Foundation,
// Inc., 51 Franklin Street, Fifth Floor, Boston, MA  02110-1301, USA.

// Package testing provides test utilities including a simulated modem.
//
// VirtualModem answers RPC envelopes the way the modem's DFU firmware does:
// it tracks its own mode, stores written memory and hashes it with SHA-256.
// ModemTransport exposes it as an fmfu.Transport and WireModem exposes it as
// an io.ReadWriter speaking link frames, for adapter tests.
package testing

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	fmfu "github.com/ZaparooProject/go-fmfu"
	"github.com/ZaparooProject/go-fmfu/internal/syncutil"
)

// Default virtual modem identity
const (
	DefaultBufferLength = 1024
	DefaultUUID         = "5b7e0c1a-2f44-4d0e-9a3b-6c1d2e3f4a5b"
	// ErasedByte is returned for memory that was never written
	ErasedByte = 0xFF
)

// Mode is the virtual modem's own view of where it is in the update
type Mode int

const (
	// ModeNormal means the modem runs its application firmware
	ModeNormal Mode = iota
	// ModeDFU means init was received and the bootloader is expected
	ModeDFU
	// ModeBootloader means the uploaded bootloader accepts firmware segments
	ModeBootloader
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeDFU:
		return "dfu"
	case ModeBootloader:
		return "bootloader"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Segment records one completed TransferEnd
type Segment struct {
	Kind   fmfu.SegmentKind
	Chunks int
	Bytes  int
}

// Reply is what the modem does in response to one request
type Reply struct {
	// Messages are response envelopes, delivered in order
	Messages [][]byte
	// Delay postpones delivery of Messages
	Delay time.Duration
	// Fault raises a fault signal before Messages are delivered
	Fault bool
}

// behavior holds injected misbehavior for one command
type behavior struct {
	status  *fmfu.Status
	payload []byte
	delay   time.Duration
	silent  bool
	fault   bool
	once    bool
}

// VirtualModem simulates the modem side of the firmware update protocol
type VirtualModem struct {
	memory     map[uint32]byte
	behaviors  map[fmfu.Command]*behavior
	commandLog []fmfu.Command
	segments   []Segment
	uuid       fmfu.UUID
	rootKey    fmfu.Digest
	mu         syncutil.Mutex
	bufferLen  uint32
	pending    Segment
	mode       Mode
}

// NewVirtualModem creates a modem in normal mode with DefaultBufferLength
// and DefaultUUID
func NewVirtualModem() *VirtualModem {
	m := &VirtualModem{
		memory:    make(map[uint32]byte),
		behaviors: make(map[fmfu.Command]*behavior),
		bufferLen: DefaultBufferLength,
		rootKey:   sha256.Sum256([]byte("virtual modem root key")),
	}
	copy(m.uuid[:], DefaultUUID)
	return m
}

// SetBufferLength sets the RPC buffer length reported at init
func (m *VirtualModem) SetBufferLength(n uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bufferLen = n
}

// SetUUID sets the device identifier bytes
func (m *VirtualModem) SetUUID(u fmfu.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uuid = u
}

// RootKeyDigest returns the digest reported at init
func (m *VirtualModem) RootKeyDigest() fmfu.Digest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rootKey
}

// FailCommand makes cmd answer with status until cleared
func (m *VirtualModem) FailCommand(cmd fmfu.Command, status fmfu.Status) {
	m.setBehavior(cmd, func(b *behavior) { b.status = &status })
}

// FailCommandOnce makes the next cmd answer with status
func (m *VirtualModem) FailCommandOnce(cmd fmfu.Command, status fmfu.Status) {
	m.setBehavior(cmd, func(b *behavior) {
		b.status = &status
		b.once = true
	})
}

// SilenceCommand makes the modem never answer cmd
func (m *VirtualModem) SilenceCommand(cmd fmfu.Command) {
	m.setBehavior(cmd, func(b *behavior) { b.silent = true })
}

// FaultOnCommand raises a fault when cmd is received; the command is still
// executed and answered afterwards
func (m *VirtualModem) FaultOnCommand(cmd fmfu.Command) {
	m.setBehavior(cmd, func(b *behavior) { b.fault = true })
}

// FaultOnCommandOnce raises a fault the next time cmd is received
func (m *VirtualModem) FaultOnCommandOnce(cmd fmfu.Command) {
	m.setBehavior(cmd, func(b *behavior) {
		b.fault = true
		b.once = true
	})
}

// DelayCommand postpones the answer to cmd
func (m *VirtualModem) DelayCommand(cmd fmfu.Command, d time.Duration) {
	m.setBehavior(cmd, func(b *behavior) { b.delay = d })
}

// DelayCommandOnce postpones the next answer to cmd
func (m *VirtualModem) DelayCommandOnce(cmd fmfu.Command, d time.Duration) {
	m.setBehavior(cmd, func(b *behavior) {
		b.delay = d
		b.once = true
	})
}

// OverridePayload replaces the payload of successful cmd answers
func (m *VirtualModem) OverridePayload(cmd fmfu.Command, payload []byte) {
	m.setBehavior(cmd, func(b *behavior) { b.payload = append([]byte(nil), payload...) })
}

// ClearBehavior restores normal handling of cmd
func (m *VirtualModem) ClearBehavior(cmd fmfu.Command) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.behaviors, cmd)
}

func (m *VirtualModem) setBehavior(cmd fmfu.Command, apply func(*behavior)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.behaviors[cmd]
	if !ok {
		b = &behavior{}
		m.behaviors[cmd] = b
	}
	apply(b)
}

// Mode returns the modem's current mode
func (m *VirtualModem) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Commands returns every command received, in order
func (m *VirtualModem) Commands() []fmfu.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]fmfu.Command(nil), m.commandLog...)
}

// CommandCount returns how many times cmd was received
func (m *VirtualModem) CommandCount(cmd fmfu.Command) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.commandLog {
		if c == cmd {
			n++
		}
	}
	return n
}

// Segments returns the completed segments
func (m *VirtualModem) Segments() []Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Segment(nil), m.segments...)
}

// Memory returns n bytes of memory starting at addr
func (m *VirtualModem) Memory(addr uint32, n int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read(addr, n)
}

// WrittenRange returns the lowest written address and one past the highest
func (m *VirtualModem) WrittenRange() (start, end uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.memory) == 0 {
		return 0, 0
	}
	addrs := make([]uint32, 0, len(m.memory))
	for a := range m.memory {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs[0], addrs[len(addrs)-1] + 1
}

// ExpectedDigest hashes memory in [start, end) the same way CmdDigest does
func (m *VirtualModem) ExpectedDigest(start, end uint32) fmfu.Digest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.digest(start, end)
}

// DigestOf returns the digest the modem reports for data written at 0 and
// hashed over exactly len(data) bytes
func DigestOf(data []byte) fmfu.Digest {
	return sha256.Sum256(data)
}

// Handle processes one request envelope and returns the modem's reply
func (m *VirtualModem) Handle(raw []byte) Reply {
	req, err := fmfu.ParseRequest(raw)
	if err != nil {
		// Malformed requests are dropped; the host sees a timeout.
		return Reply{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.commandLog = append(m.commandLog, req.Command)

	var reply Reply
	b := m.behaviors[req.Command]
	if b != nil {
		reply.Fault = b.fault
		reply.Delay = b.delay
		if b.once {
			delete(m.behaviors, req.Command)
		}
		if b.status != nil {
			reply.Messages = [][]byte{fmfu.EncodeResponse(req.Command, *b.status, nil)}
			return reply
		}
	}

	status, payload := m.execute(req)
	if b != nil && b.payload != nil && status == fmfu.StatusOK {
		payload = b.payload
	}
	if b != nil && b.silent {
		return reply
	}
	reply.Messages = [][]byte{fmfu.EncodeResponse(req.Command, status, payload)}
	return reply
}

func (m *VirtualModem) execute(req fmfu.Request) (fmfu.Status, []byte) {
	switch req.Command {
	case fmfu.CmdInit:
		m.mode = ModeDFU
		m.memory = make(map[uint32]byte)
		m.segments = nil
		m.pending = Segment{}
		return fmfu.StatusOK, fmfu.EncodeInitPayload(m.rootKey, m.bufferLen)

	case fmfu.CmdWrite:
		if m.mode == ModeNormal {
			return fmfu.StatusCommandError, nil
		}
		if uint32(len(req.Data))+fmfu.WriteOverhead > m.bufferLen {
			return fmfu.StatusCommandError, nil
		}
		addr := req.Params[0]
		for i, b := range req.Data {
			m.memory[addr+uint32(i)] = b
		}
		m.pending.Chunks++
		m.pending.Bytes += len(req.Data)
		return fmfu.StatusOK, nil

	case fmfu.CmdTransferEnd:
		kind := fmfu.SegmentKind(req.Params[0])
		switch {
		case m.mode == ModeDFU && kind == fmfu.SegmentBootloader:
			m.mode = ModeBootloader
		case m.mode == ModeBootloader && kind == fmfu.SegmentFirmware:
		default:
			return fmfu.StatusCommandError, nil
		}
		m.pending.Kind = kind
		m.segments = append(m.segments, m.pending)
		m.pending = Segment{}
		return fmfu.StatusOK, nil

	case fmfu.CmdDigest:
		start, end := req.Params[0], req.Params[1]
		if m.mode != ModeBootloader || end <= start {
			return fmfu.StatusCommandError, nil
		}
		d := m.digest(start, end)
		return fmfu.StatusOK, d[:]

	case fmfu.CmdUUID:
		if m.mode != ModeBootloader {
			return fmfu.StatusCommandError, nil
		}
		return fmfu.StatusOK, append([]byte(nil), m.uuid[:]...)

	case fmfu.CmdReset:
		if m.mode == ModeNormal {
			return fmfu.StatusCommandError, nil
		}
		m.mode = ModeNormal
		return fmfu.StatusOK, nil

	default:
		return fmfu.StatusUnknownCommand, nil
	}
}

func (m *VirtualModem) read(addr uint32, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		b, ok := m.memory[addr+uint32(i)]
		if !ok {
			b = ErasedByte
		}
		out[i] = b
	}
	return out
}

func (m *VirtualModem) digest(start, end uint32) fmfu.Digest {
	h := sha256.New()
	var word [4]byte
	// Stream in words so large ranges do not allocate a full copy.
	for addr := start; addr < end; {
		n := min(end-addr, uint32(len(word)))
		copy(word[:n], m.read(addr, int(n)))
		h.Write(word[:n])
		addr += n
	}
	var d fmfu.Digest
	copy(d[:], h.Sum(nil))
	return d
}

// EncodeWords is a helper for building raw requests in tests
func EncodeWords(words ...uint32) []byte {
	buf := make([]byte, 0, 4*len(words))
	for _, w := range words {
		buf = binary.LittleEndian.AppendUint32(buf, w)
	}
	return buf
}
