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
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Failure kinds reported by session operations. Use errors.Is against these
// sentinels, or KindOf to get the ErrorKind.
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidOperation   = errors.New("operation not allowed in current modem state")
	ErrCommandFault       = errors.New("modem reported unknown command")
	ErrCommandFailed      = errors.New("modem reported command error")
	ErrUnexpectedResponse = errors.New("unexpected modem response")
	ErrIPCFaultEvent      = errors.New("modem signaled IPC fault")
	ErrTimeout            = errors.New("timeout waiting for modem response")
)

// Transport errors returned by adapters
var (
	// ErrTransportTimeout is returned by Receive when no message arrived in time
	ErrTransportTimeout = errors.New("transport timeout")
	ErrTransportWrite   = errors.New("transport write failed")
	ErrTransportRead    = errors.New("transport read failed")
	ErrTransportClosed  = errors.New("transport is closed")
	// ErrFaultEvent is returned by Receive when the adapter observed a fault in-band
	ErrFaultEvent = errors.New("fault event received")

	ErrFrameCorrupted   = errors.New("frame corrupted")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrDataTooLarge     = errors.New("data too large")
)

// ErrorKind classifies a failed session operation
type ErrorKind int

const (
	// KindNone is returned by KindOf for nil or foreign errors
	KindNone ErrorKind = iota
	// KindIPCFaultEvent: the modem signaled a fault on the fault channel
	KindIPCFaultEvent
	// KindUnexpectedResponse: the response did not match the expected shape or identifier
	KindUnexpectedResponse
	// KindCommandFailed: the modem replied with an error status
	KindCommandFailed
	// KindCommandFault: the modem did not recognize the command
	KindCommandFault
	// KindTimeout: no response before the deadline
	KindTimeout
	// KindInvalidArgument: a parameter was rejected before any I/O
	KindInvalidArgument
	// KindInvalidOperation: the call is illegal in the current state
	KindInvalidOperation
)

var kindSentinels = map[ErrorKind]error{
	KindIPCFaultEvent:      ErrIPCFaultEvent,
	KindUnexpectedResponse: ErrUnexpectedResponse,
	KindCommandFailed:      ErrCommandFailed,
	KindCommandFault:       ErrCommandFault,
	KindTimeout:            ErrTimeout,
	KindInvalidArgument:    ErrInvalidArgument,
	KindInvalidOperation:   ErrInvalidOperation,
}

// Code returns the modem library's numeric return code for the kind:
// 0 for KindNone, -1 (IPC fault) through -7 (invalid operation).
func (k ErrorKind) Code() int {
	return -int(k)
}

// String returns the kind name
func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindIPCFaultEvent:
		return "ipc-fault-event"
	case KindUnexpectedResponse:
		return "unexpected-response"
	case KindCommandFailed:
		return "command-failed"
	case KindCommandFault:
		return "command-fault"
	case KindTimeout:
		return "timeout"
	case KindInvalidArgument:
		return "invalid-argument"
	case KindInvalidOperation:
		return "invalid-operation"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Sentinel returns the sentinel error matching the kind, or nil for KindNone
func (k ErrorKind) Sentinel() error {
	return kindSentinels[k]
}

// ForcesBad reports whether a failure of this kind moves the modem to StateBad.
// Argument and legality errors are detected locally and leave the state alone.
func (k ErrorKind) ForcesBad() bool {
	switch k {
	case KindIPCFaultEvent, KindUnexpectedResponse, KindCommandFailed,
		KindCommandFault, KindTimeout:
		return true
	case KindNone, KindInvalidArgument, KindInvalidOperation:
		return false
	default:
		return false
	}
}

// OperationError is returned by every failing session operation.
// errors.Is matches both the kind sentinel and the wrapped cause.
type OperationError struct {
	Err   error
	Op    Operation
	Kind  ErrorKind
	State ModemState // modem state after the failure was applied
}

func newOperationError(op Operation, kind ErrorKind, state ModemState, cause error) *OperationError {
	return &OperationError{
		Op:    op,
		Kind:  kind,
		State: state,
		Err:   cause,
	}
}

func (e *OperationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind.Sentinel())
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind.Sentinel(), e.Err)
}

// Unwrap exposes the kind sentinel and the cause
func (e *OperationError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if sentinel := e.Kind.Sentinel(); sentinel != nil {
		errs = append(errs, sentinel)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf returns the ErrorKind of err, or KindNone if err carries none
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var oe *OperationError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindNone
}

// ForcesBad reports whether err is a failure that moved the modem to StateBad.
// Such failures are only recoverable by running Init again.
func ForcesBad(err error) bool {
	return KindOf(err).ForcesBad()
}

// ErrorType represents the category of a transport error
type ErrorType int

const (
	// ErrorTypeTransient indicates a potentially retryable error
	ErrorTypeTransient ErrorType = iota
	// ErrorTypePermanent indicates a non-retryable error
	ErrorTypePermanent
	// ErrorTypeTimeout indicates a timeout error (special handling)
	ErrorTypeTimeout
)

// TransportError wraps adapter-level errors with additional context
type TransportError struct {
	Err       error     // Underlying error
	Op        string    // Operation that failed
	Port      string    // Port or device identifier
	Type      ErrorType // Error category
	Retryable bool      // Whether the error is retryable
}

func (e *TransportError) Error() string {
	if e.Port != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Port, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if the error indicates the transport is gone and the
// session cannot continue even after re-initialization.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Type == ErrorTypePermanent
	}

	switch {
	case errors.Is(err, ErrTransportClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrClosedPipe):
		return true
	default:
		return false
	}
}

// NewTransportError creates a standard transport error with consistent formatting
func NewTransportError(op, port string, err error, errType ErrorType) *TransportError {
	return &TransportError{
		Op:        op,
		Port:      port,
		Err:       err,
		Type:      errType,
		Retryable: errType == ErrorTypeTransient || errType == ErrorTypeTimeout,
	}
}

// NewTimeoutError creates a timeout error for transport operations
func NewTimeoutError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrTransportTimeout, ErrorTypeTimeout)
}

// NewFrameCorruptedError creates a frame corruption error
func NewFrameCorruptedError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrFrameCorrupted, ErrorTypeTransient)
}

// NewDataTooLargeError creates a data too large error (permanent)
func NewDataTooLargeError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrDataTooLarge, ErrorTypePermanent)
}

// NewTransportWriteError creates a write error (transient)
func NewTransportWriteError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrTransportWrite, ErrorTypeTransient)
}

// NewTransportReadError creates a read error (transient)
func NewTransportReadError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrTransportRead, ErrorTypeTransient)
}

// NewChecksumMismatchError creates a checksum mismatch error (transient)
func NewChecksumMismatchError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrChecksumMismatch, ErrorTypeTransient)
}

// NewTransportClosedError creates a closed transport error (permanent)
func NewTransportClosedError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrTransportClosed, ErrorTypePermanent)
}

// =============================================================================
// Wire Trace Logging
// =============================================================================
// TraceableError embeds wire-level trace data in errors, allowing callers
// to see the RPC exchange that preceded a failure.

// TraceDirection indicates the direction of wire data
type TraceDirection string

const (
	// TraceTX indicates data sent to the modem
	TraceTX TraceDirection = "TX"
	// TraceRX indicates data received from the modem
	TraceRX TraceDirection = "RX"
)

// TraceEntry represents a single wire-level operation
type TraceEntry struct {
	Timestamp time.Time
	Direction TraceDirection
	Note      string
	Data      []byte
}

// String formats a trace entry for display
func (e TraceEntry) String() string {
	hexData := formatHexBytes(e.Data)
	if e.Note != "" {
		return fmt.Sprintf("[%s] %s: %s (%s)", e.Timestamp.Format("15:04:05.000"), e.Direction, hexData, e.Note)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Timestamp.Format("15:04:05.000"), e.Direction, hexData)
}

// TraceableError wraps an error with wire-level trace data for debugging.
//
//	var te *fmfu.TraceableError
//	if errors.As(err, &te) {
//	    log.Printf("Wire trace:\n%s", te.FormatTrace())
//	}
type TraceableError struct {
	Err       error
	Transport string
	Trace     []TraceEntry
}

// Error implements the error interface
func (e *TraceableError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/As compatibility
func (e *TraceableError) Unwrap() error {
	return e.Err
}

// FormatTrace returns a human-readable formatted trace log
func (e *TraceableError) FormatTrace() string {
	if len(e.Trace) == 0 {
		return fmt.Sprintf("[%s] (no trace data)", e.Transport)
	}

	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "[%s] Wire trace (%d entries):\n", e.Transport, len(e.Trace))

	for _, entry := range e.Trace {
		direction := ">"
		if entry.Direction == TraceRX {
			direction = "<"
		}
		hexData := formatHexBytes(entry.Data)
		if entry.Note != "" {
			_, _ = fmt.Fprintf(&sb, "  %s %s (%s)\n", direction, hexData, entry.Note)
		} else {
			_, _ = fmt.Fprintf(&sb, "  %s %s\n", direction, hexData)
		}
	}

	return sb.String()
}

// formatHexBytes formats a byte slice as space-separated hex values
func formatHexBytes(data []byte) string {
	if len(data) == 0 {
		return "(empty)"
	}
	if len(data) > 32 {
		parts := make([]string, 32)
		for i := range 32 {
			parts[i] = fmt.Sprintf("%02X", data[i])
		}
		return strings.Join(parts, " ") + fmt.Sprintf(" ... (%d bytes total)", len(data))
	}
	parts := make([]string, len(data))
	for i, b := range data {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, " ")
}

// TraceBuffer collects trace entries across RPC round trips.
// It keeps the most recent maxSize entries.
type TraceBuffer struct {
	transport string
	entries   []TraceEntry
	maxSize   int
}

// NewTraceBuffer creates a new trace buffer with the specified capacity
func NewTraceBuffer(transport string, maxSize int) *TraceBuffer {
	if maxSize <= 0 {
		maxSize = 16
	}
	return &TraceBuffer{
		entries:   make([]TraceEntry, 0, maxSize),
		maxSize:   maxSize,
		transport: transport,
	}
}

// RecordTX records a message sent to the modem
func (tb *TraceBuffer) RecordTX(data []byte, note string) {
	tb.record(TraceTX, data, note)
}

// RecordRX records a message received from the modem
func (tb *TraceBuffer) RecordRX(data []byte, note string) {
	tb.record(TraceRX, data, note)
}

// RecordTimeout records a timeout event
func (tb *TraceBuffer) RecordTimeout(note string) {
	tb.record(TraceRX, nil, "TIMEOUT: "+note)
}

// RecordFault records a fault signal
func (tb *TraceBuffer) RecordFault(note string) {
	tb.record(TraceRX, nil, "FAULT: "+note)
}

func (tb *TraceBuffer) record(dir TraceDirection, data []byte, note string) {
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	entry := TraceEntry{
		Direction: dir,
		Data:      dataCopy,
		Timestamp: time.Now(),
		Note:      note,
	}

	if len(tb.entries) >= tb.maxSize {
		copy(tb.entries, tb.entries[1:])
		tb.entries[len(tb.entries)-1] = entry
	} else {
		tb.entries = append(tb.entries, entry)
	}
}

// Entries returns a copy of the recorded entries
func (tb *TraceBuffer) Entries() []TraceEntry {
	entriesCopy := make([]TraceEntry, len(tb.entries))
	copy(entriesCopy, tb.entries)
	return entriesCopy
}

// WrapError wraps an error with the collected trace data.
// Returns nil if err is nil.
func (tb *TraceBuffer) WrapError(err error) error {
	if err == nil {
		return nil
	}
	return &TraceableError{
		Err:       err,
		Trace:     tb.Entries(),
		Transport: tb.transport,
	}
}

// Clear resets the trace buffer
func (tb *TraceBuffer) Clear() {
	tb.entries = tb.entries[:0]
}

// HasTrace checks if an error contains trace data
func HasTrace(err error) bool {
	var te *TraceableError
	return errors.As(err, &te)
}

// GetTrace extracts trace data from an error, returning nil if not present
func GetTrace(err error) *TraceableError {
	var te *TraceableError
	if errors.As(err, &te) {
		return te
	}
	return nil
}
