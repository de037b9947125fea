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
	"encoding/binary"
	"errors"
	"fmt"
)

// Command is an RPC command identifier
type Command uint32

// RPC commands
const (
	CmdInit        Command = 0x01
	CmdWrite       Command = 0x02
	CmdTransferEnd Command = 0x03
	CmdDigest      Command = 0x04
	CmdUUID        Command = 0x05
	CmdReset       Command = 0x06
)

// String returns the command name
func (c Command) String() string {
	switch c {
	case CmdInit:
		return "Init"
	case CmdWrite:
		return "Write"
	case CmdTransferEnd:
		return "TransferEnd"
	case CmdDigest:
		return "Digest"
	case CmdUUID:
		return "UUID"
	case CmdReset:
		return "Reset"
	default:
		return fmt.Sprintf("Cmd(0x%08X)", uint32(c))
	}
}

// Status is the status word of an RPC response
type Status uint32

// Response status codes
const (
	StatusOK             Status = 0x00
	StatusCommandError   Status = 0x01
	StatusUnknownCommand Status = 0x02
)

// Envelope constants
const (
	// ResponseBit is set in a response identifier; the low bits echo the command.
	ResponseBit uint32 = 0x8000_0000
	// FaultID is the identifier word of an in-band fault indication.
	FaultID uint32 = 0xFFFF_FFFF

	wordSize = 4
	// WriteOverhead is the envelope size of a CmdWrite request excluding data.
	WriteOverhead = 3 * wordSize
	// responseHeaderLen is id + status.
	responseHeaderLen = 2 * wordSize

	// DigestLen is the size of a digest payload in bytes
	DigestLen = 32
	// UUIDLen is the size of a UUID payload in bytes
	UUIDLen = 36
	// initPayloadLen is the root-key digest followed by the buffer length word
	initPayloadLen = DigestLen + wordSize
)

// SegmentKind tells the modem what kind of segment TransferEnd closes
type SegmentKind uint32

const (
	// SegmentBootloader is the first segment uploaded after init
	SegmentBootloader SegmentKind = 0
	// SegmentFirmware is any segment uploaded once the bootloader runs
	SegmentFirmware SegmentKind = 1
)

// String returns the segment kind name
func (k SegmentKind) String() string {
	if k == SegmentBootloader {
		return "bootloader"
	}
	return "firmware"
}

// ResponseID returns the identifier the modem uses when answering cmd
func ResponseID(cmd Command) uint32 {
	return uint32(cmd) | ResponseBit
}

// expectedPayloadLen returns the payload size a successful response to cmd carries
func expectedPayloadLen(cmd Command) int {
	switch cmd {
	case CmdInit:
		return initPayloadLen
	case CmdDigest:
		return DigestLen
	case CmdUUID:
		return UUIDLen
	case CmdWrite, CmdTransferEnd, CmdReset:
		return 0
	default:
		return 0
	}
}

// Request is a logical RPC request
type Request struct {
	Data    []byte
	Params  []uint32
	Command Command
}

// MessageKind distinguishes decoded inbound messages
type MessageKind int

const (
	// MessageResponse is a response to a command
	MessageResponse MessageKind = iota
	// MessageFault is an in-band fault indication with no payload
	MessageFault
)

// Message is a decoded inbound envelope
type Message struct {
	Payload []byte
	Kind    MessageKind
	ID      uint32
	Status  Status
}

// Framer converts logical requests into envelopes and envelopes into messages.
// The layout is owned by the modem firmware, so it can be replaced with
// WithFramer when a different envelope is negotiated.
type Framer interface {
	EncodeRequest(req Request) ([]byte, error)
	DecodeMessage(raw []byte) (Message, error)
}

var (
	errShortEnvelope = errors.New("envelope too short")
	errTrailingBytes = errors.New("trailing bytes in fault indication")
)

// WireFramer is the default little-endian envelope codec
type WireFramer struct{}

// EncodeRequest builds [command][params...][data...]
func (WireFramer) EncodeRequest(req Request) ([]byte, error) {
	if err := validateParams(req); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, wordSize*(1+len(req.Params))+len(req.Data))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(req.Command))
	for _, p := range req.Params {
		buf = binary.LittleEndian.AppendUint32(buf, p)
	}
	buf = append(buf, req.Data...)
	return buf, nil
}

// DecodeMessage parses [id][status][payload...] or a bare fault word.
// The payload aliases raw.
func (WireFramer) DecodeMessage(raw []byte) (Message, error) {
	if len(raw) < wordSize {
		return Message{}, fmt.Errorf("%w: %d bytes", errShortEnvelope, len(raw))
	}
	id := binary.LittleEndian.Uint32(raw)
	if id == FaultID {
		if len(raw) != wordSize {
			return Message{}, errTrailingBytes
		}
		return Message{Kind: MessageFault, ID: id}, nil
	}
	if len(raw) < responseHeaderLen {
		return Message{}, fmt.Errorf("%w: %d bytes", errShortEnvelope, len(raw))
	}
	return Message{
		Kind:    MessageResponse,
		ID:      id,
		Status:  Status(binary.LittleEndian.Uint32(raw[wordSize:])),
		Payload: raw[responseHeaderLen:],
	}, nil
}

// paramCount is the number of parameter words each command carries
var paramCount = map[Command]int{
	CmdInit:        0,
	CmdWrite:       2,
	CmdTransferEnd: 1,
	CmdDigest:      2,
	CmdUUID:        0,
	CmdReset:       0,
}

func validateParams(req Request) error {
	want, ok := paramCount[req.Command]
	if !ok {
		return fmt.Errorf("unknown command %s", req.Command)
	}
	if len(req.Params) != want {
		return fmt.Errorf("%s takes %d params, got %d", req.Command, want, len(req.Params))
	}
	if req.Command != CmdWrite && len(req.Data) > 0 {
		return fmt.Errorf("%s carries no data", req.Command)
	}
	return nil
}

// Request builders

func initRequest() Request {
	return Request{Command: CmdInit}
}

func writeRequest(chunk MemoryChunk) Request {
	return Request{
		Command: CmdWrite,
		Params:  []uint32{chunk.TargetAddress, uint32(len(chunk.Data))},
		Data:    chunk.Data,
	}
}

func transferEndRequest(kind SegmentKind) Request {
	return Request{Command: CmdTransferEnd, Params: []uint32{uint32(kind)}}
}

func digestRequest(start, end uint32) Request {
	return Request{Command: CmdDigest, Params: []uint32{start, end}}
}

func uuidRequest() Request {
	return Request{Command: CmdUUID}
}

func resetRequest() Request {
	return Request{Command: CmdReset}
}

// Modem-side helpers, used by simulators and adapters that terminate the
// protocol on the host.

// ParseRequest decodes a request envelope produced by WireFramer
func ParseRequest(raw []byte) (Request, error) {
	if len(raw) < wordSize {
		return Request{}, fmt.Errorf("%w: %d bytes", errShortEnvelope, len(raw))
	}
	cmd := Command(binary.LittleEndian.Uint32(raw))
	n, ok := paramCount[cmd]
	if !ok {
		// Unknown commands still parse so the modem can answer with
		// StatusUnknownCommand.
		return Request{Command: cmd, Data: raw[wordSize:]}, nil
	}
	if len(raw) < wordSize*(1+n) {
		return Request{}, fmt.Errorf("%w: %s needs %d params", errShortEnvelope, cmd, n)
	}
	req := Request{Command: cmd, Params: make([]uint32, n)}
	for i := range n {
		req.Params[i] = binary.LittleEndian.Uint32(raw[wordSize*(1+i):])
	}
	req.Data = raw[wordSize*(1+n):]
	if cmd == CmdWrite && uint32(len(req.Data)) != req.Params[1] {
		return Request{}, fmt.Errorf("write length %d does not match %d data bytes",
			req.Params[1], len(req.Data))
	}
	return req, nil
}

// EncodeResponse builds a response envelope for cmd
func EncodeResponse(cmd Command, status Status, payload []byte) []byte {
	return EncodeRawResponse(ResponseID(cmd), status, payload)
}

// EncodeRawResponse builds a response envelope with an arbitrary identifier
func EncodeRawResponse(id uint32, status Status, payload []byte) []byte {
	buf := make([]byte, 0, responseHeaderLen+len(payload))
	buf = binary.LittleEndian.AppendUint32(buf, id)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(status))
	return append(buf, payload...)
}

// EncodeFault builds an in-band fault indication
func EncodeFault() []byte {
	return binary.LittleEndian.AppendUint32(nil, FaultID)
}

// EncodeInitPayload builds the payload of a successful CmdInit response
func EncodeInitPayload(rootKey Digest, bufferLen uint32) []byte {
	buf := make([]byte, 0, initPayloadLen)
	buf = append(buf, rootKey[:]...)
	return binary.LittleEndian.AppendUint32(buf, bufferLen)
}

// decodeInitPayload splits an init payload; the length was checked by the correlator
func decodeInitPayload(payload []byte) (Digest, uint32) {
	var d Digest
	copy(d[:], payload[:DigestLen])
	return d, binary.LittleEndian.Uint32(payload[DigestLen:])
}
