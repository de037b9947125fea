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

package fmfu

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ZaparooProject/go-fmfu/internal/syncutil"
)

// Default timeouts. The modem firmware contract does not fix them, so they
// are configurable per session.
const (
	DefaultResponseTimeout = 5 * time.Second
	DefaultInitTimeout     = 10 * time.Second
	DefaultTraceSize       = 16
)

var errNoTransport = errors.New("session has no transport")

// Config contains configuration options for the Session
type Config struct {
	// Framer encodes requests and decodes responses
	Framer Framer
	// ResponseTimeout bounds the wait for every response except init
	ResponseTimeout time.Duration
	// InitTimeout bounds the wait for the init handshake, which includes
	// the modem switching into DFU mode
	InitTimeout time.Duration
	// TraceSize is the number of wire trace entries attached to errors
	TraceSize int
}

// DefaultConfig returns default session configuration
func DefaultConfig() *Config {
	return &Config{
		Framer:          WireFramer{},
		ResponseTimeout: DefaultResponseTimeout,
		InitTimeout:     DefaultInitTimeout,
		TraceSize:       DefaultTraceSize,
	}
}

// Option configures a Session
type Option func(*Config) error

// WithResponseTimeout sets the per-command response timeout
func WithResponseTimeout(timeout time.Duration) Option {
	return func(c *Config) error {
		if timeout <= 0 {
			return fmt.Errorf("response timeout must be positive, got %v", timeout)
		}
		c.ResponseTimeout = timeout
		return nil
	}
}

// WithInitTimeout sets the init handshake timeout
func WithInitTimeout(timeout time.Duration) Option {
	return func(c *Config) error {
		if timeout <= 0 {
			return fmt.Errorf("init timeout must be positive, got %v", timeout)
		}
		c.InitTimeout = timeout
		return nil
	}
}

// WithFramer replaces the envelope codec
func WithFramer(framer Framer) Option {
	return func(c *Config) error {
		if framer == nil {
			return errors.New("framer cannot be nil")
		}
		c.Framer = framer
		return nil
	}
}

// WithTraceSize sets how many wire trace entries are kept
func WithTraceSize(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return fmt.Errorf("trace size must be positive, got %d", n)
		}
		c.TraceSize = n
		return nil
	}
}

// InitResult is returned by a successful Init
type InitResult struct {
	// RootKeyDigest is the modem's root key digest, verbatim
	RootKeyDigest Digest
	// BufferLength is the size the modem reserved for its RPC buffer
	BufferLength uint32
}

// Session drives the firmware update protocol with one modem.
//
// Thread Safety: all methods are safe for concurrent use. Calls are
// serialized by a session-wide lock so only one RPC is ever in flight;
// a second caller blocks until the first operation resolves.
type Session struct {
	transport Transport
	config    *Config
	corr      *correlator
	xfer      transfer
	init      InitResult
	mu        syncutil.Mutex
	states    stateController
}

// New creates a session over the given transport. The modem starts in
// StateUninitialized; call Init before anything else.
func New(transport Transport, opts ...Option) (*Session, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	return &Session{
		transport: transport,
		config:    config,
		corr:      newCorrelator(transport, config.Framer, config.TraceSize),
		states:    newStateController(),
	}, nil
}

// Transport returns the underlying transport
func (s *Session) Transport() Transport {
	return s.transport
}

// State returns the current modem state. It never fails and never
// changes state.
func (s *Session) State() ModemState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states.current()
}

// BufferLength returns the RPC buffer length reported by the last Init,
// or 0 if the session is not initialized.
func (s *Session) BufferLength() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.init.BufferLength
}

// RootKeyDigest returns the root key digest reported by the last Init
func (s *Session) RootKeyDigest() Digest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.init.RootKeyDigest
}

// MaxChunkSize returns the largest chunk WriteMemoryChunk accepts, derived
// from the reserved RPC buffer length, or 0 before Init.
func (s *Session) MaxChunkSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxChunkSize()
}

func (s *Session) maxChunkSize() int {
	if s.init.BufferLength <= WriteOverhead {
		return 0
	}
	return int(s.init.BufferLength) - WriteOverhead
}

// Init puts the modem in DFU/RPC mode. It is accepted in every state and is
// the recovery path from StateBad: the session is reset, latched faults are
// cleared and the handshake is run again. On success the modem is in
// StateWaitingForBootloader.
func (s *Session) Init(ctx context.Context) (InitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transport == nil {
		return InitResult{}, newOperationError(OpInit, KindInvalidArgument, s.states.current(), errNoTransport)
	}

	s.resetLocked()
	if n := s.corr.clearFaults(); n > 0 {
		Debugf("init: cleared %d latched fault signal(s)", n)
	}

	payload, err := s.call(ctx, OpInit, initRequest(), s.config.InitTimeout)
	if err != nil {
		return InitResult{}, collapseKinds(err, KindIPCFaultEvent)
	}

	digest, bufferLen := decodeInitPayload(payload)
	if bufferLen <= WriteOverhead {
		s.states.fail(errors.New("modem reported unusable RPC buffer"))
		return InitResult{}, newOperationError(OpInit, KindUnexpectedResponse, s.states.current(),
			fmt.Errorf("reserved buffer length %d is too small", bufferLen))
	}

	s.init = InitResult{RootKeyDigest: digest, BufferLength: bufferLen}
	if err := s.states.advance(StateWaitingForBootloader); err != nil {
		return InitResult{}, newOperationError(OpInit, KindUnexpectedResponse, s.states.current(), err)
	}
	Debugf("init complete: buffer length %d, root key digest %s", bufferLen, digest)
	return s.init, nil
}

// End finalizes the update and returns the modem to normal mode. On success
// the session is back in StateUninitialized. Every protocol failure is
// reported as UnexpectedResponse wrapping the cause.
func (s *Session) End(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := checkOperation(OpEnd, s.states.current()); err != nil {
		return err
	}

	if _, err := s.call(ctx, OpEnd, resetRequest(), s.config.ResponseTimeout); err != nil {
		return collapseKinds(err)
	}

	s.resetLocked()
	if err := s.states.advance(StateUninitialized); err != nil {
		return newOperationError(OpEnd, KindUnexpectedResponse, s.states.current(), err)
	}
	return nil
}

// Close closes the underlying transport. The session cannot be used afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			return fmt.Errorf("failed to close transport: %w", err)
		}
	}
	return nil
}

// call runs one RPC round trip and applies the state consequences of a
// failure. The caller holds s.mu.
func (s *Session) call(ctx context.Context, op Operation, req Request, timeout time.Duration) ([]byte, error) {
	payload, kind, err := s.corr.roundTrip(ctx, req, timeout)
	if err == nil {
		return payload, nil
	}
	if kind.ForcesBad() {
		s.xfer.close()
		s.states.fail(err)
	}
	return nil, newOperationError(op, kind, s.states.current(), err)
}

// resetLocked forgets everything learned from the previous init
func (s *Session) resetLocked() {
	s.xfer.close()
	s.init = InitResult{}
	s.corr.reset()
}

// collapseKinds reports every protocol failure whose kind is not in keep as
// UnexpectedResponse, keeping the original failure as the cause. Init tells
// faults apart, End reports everything as UnexpectedResponse and TransferEnd
// keeps the command status kinds.
func collapseKinds(err error, keep ...ErrorKind) error {
	var oe *OperationError
	if !errors.As(err, &oe) || !oe.Kind.ForcesBad() || oe.Kind == KindUnexpectedResponse {
		return err
	}
	for _, k := range keep {
		if oe.Kind == k {
			return err
		}
	}
	return newOperationError(oe.Op, KindUnexpectedResponse, oe.State, err)
}
