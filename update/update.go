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

// Package update drives a complete modem firmware update over an
// fmfu.Session: init, bootloader, firmware segments with digest read-back,
// UUID capture and reset. A failed step is recovered by re-initializing the
// modem and starting over, up to the configured number of attempts.
package update

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	fmfu "github.com/ZaparooProject/go-fmfu"
)

// ErrDigestMismatch is returned when the modem's read-back digest of a
// segment differs from the expected one
var ErrDigestMismatch = errors.New("segment digest mismatch")

// DigestMismatchError carries both digests of a failed verification.
type DigestMismatchError struct {
	Segment  string
	Expected fmfu.Digest
	Got      fmfu.Digest
}

func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf("segment %s: expected digest %s, modem reported %s", e.Segment, e.Expected, e.Got)
}

// Unwrap lets errors.Is match ErrDigestMismatch
func (*DigestMismatchError) Unwrap() error {
	return ErrDigestMismatch
}

// Phase identifies a step of an update run
type Phase string

// Update phases, in order
const (
	PhaseInit       Phase = "init"
	PhaseBootloader Phase = "bootloader"
	PhaseFirmware   Phase = "firmware"
	PhaseVerify     Phase = "verify"
	PhaseIdentify   Phase = "identify"
	PhaseReset      Phase = "reset"
	PhaseDone       Phase = "done"
)

// Progress is reported after every step and every written chunk.
type Progress struct {
	Phase   Phase
	Segment string
	Written int
	Total   int
	Attempt int
}

// Fraction returns Written/Total in [0, 1]
func (p Progress) Fraction() float64 {
	if p.Total <= 0 {
		return 0
	}
	return float64(p.Written) / float64(p.Total)
}

// ProgressFunc receives progress reports. It runs on the updating goroutine
// and must not call back into the Updater.
type ProgressFunc func(Progress)

// SegmentResult describes one flashed segment
type SegmentResult struct {
	Name     string
	Address  uint32
	Size     int
	Chunks   int
	Digest   fmfu.Digest
	Verified bool
}

// Result is the outcome of a run. It is filled in as far as the run got,
// so a failed run still reports what was written.
type Result struct {
	Started       time.Time
	Finished      time.Time
	Segments      []SegmentResult
	Attempts      int
	BufferLength  uint32
	RootKeyDigest fmfu.Digest
	UUID          fmfu.UUID
}

// Recorder persists the outcome of every run
type Recorder interface {
	Record(result *Result, runErr error) error
}

// Updater flashes packages through one session.
type Updater struct {
	session  *fmfu.Session
	retry    *fmfu.RetryConfig
	progress ProgressFunc
	recorder Recorder
	now      func() time.Time
	verify   bool
}

// Option configures an Updater
type Option func(*Updater)

// WithRetryConfig sets how often a failed run is retried after re-init
func WithRetryConfig(config *fmfu.RetryConfig) Option {
	return func(u *Updater) {
		u.retry = config
	}
}

// WithProgress installs a progress callback
func WithProgress(fn ProgressFunc) Option {
	return func(u *Updater) {
		u.progress = fn
	}
}

// WithRecorder stores every run's result
func WithRecorder(r Recorder) Option {
	return func(u *Updater) {
		u.recorder = r
	}
}

// WithVerification turns digest read-back of firmware segments on or off
func WithVerification(enabled bool) Option {
	return func(u *Updater) {
		u.verify = enabled
	}
}

// New creates an Updater for session
func New(session *fmfu.Session, opts ...Option) (*Updater, error) {
	if session == nil {
		return nil, fmt.Errorf("%w: nil session", fmfu.ErrInvalidArgument)
	}
	u := &Updater{
		session: session,
		retry:   fmfu.DefaultRetryConfig(),
		now:     time.Now,
		verify:  true,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u, nil
}

// Run flashes pkg. The package is validated before any command is sent.
// On success the modem has been reset into normal operation and the session
// is back in StateUninitialized.
func (u *Updater) Run(ctx context.Context, pkg *Package) (*Result, error) {
	if err := pkg.Validate(); err != nil {
		return nil, err
	}

	result := &Result{Started: u.now()}
	err := fmfu.RetryWithConfig(ctx, u.retry, func() error {
		result.Attempts++
		if result.Attempts > 1 {
			fmfu.Debugf("update: retrying from %s (attempt %d)", u.session.State(), result.Attempts)
		}
		return u.attempt(ctx, pkg, result)
	})
	result.Finished = u.now()

	if u.recorder != nil {
		if recErr := u.recorder.Record(result, err); recErr != nil {
			fmfu.Debugf("update: failed to record run: %v", recErr)
			if err == nil {
				return result, fmt.Errorf("update succeeded but was not recorded: %w", recErr)
			}
		}
	}
	if err != nil {
		return result, fmt.Errorf("update failed after %d attempt(s): %w", result.Attempts, err)
	}
	return result, nil
}

// Identity is what a modem reports about itself without being flashed
type Identity struct {
	RootKeyDigest fmfu.Digest
	BufferLength  uint32
	// UUID is only read when a bootloader was loaded
	UUID    fmfu.UUID
	HasUUID bool
}

// Identify initializes the modem, optionally loads bootloader to read the
// UUID, and resets the modem without touching its firmware.
func (u *Updater) Identify(ctx context.Context, bootloader []byte) (*Identity, error) {
	initResult, err := u.session.Init(ctx)
	if err != nil {
		return nil, err
	}
	id := &Identity{RootKeyDigest: initResult.RootKeyDigest, BufferLength: initResult.BufferLength}

	if len(bootloader) > 0 {
		tracker := &progressTracker{fn: u.progress, total: len(bootloader), attempt: 1}
		tracker.report(PhaseBootloader, "bootloader")
		if _, err := u.writeSegment(ctx, 0, bootloader, tracker); err != nil {
			return id, fmt.Errorf("bootloader: %w", err)
		}
		if id.UUID, err = u.session.GetUUID(ctx); err != nil {
			return id, err
		}
		id.HasUUID = true
	}

	if err := u.session.End(ctx); err != nil {
		return id, err
	}
	return id, nil
}

// attempt runs the whole sequence once, starting from Init
func (u *Updater) attempt(ctx context.Context, pkg *Package, result *Result) error {
	result.Segments = result.Segments[:0]
	tracker := &progressTracker{fn: u.progress, total: pkg.Size(), attempt: result.Attempts}

	tracker.report(PhaseInit, "")
	initResult, err := u.session.Init(ctx)
	if err != nil {
		return err
	}
	result.BufferLength = initResult.BufferLength
	result.RootKeyDigest = initResult.RootKeyDigest

	tracker.report(PhaseBootloader, "bootloader")
	if _, err := u.writeSegment(ctx, 0, pkg.Bootloader, tracker); err != nil {
		return fmt.Errorf("bootloader: %w", err)
	}

	for _, seg := range pkg.Segments {
		name := seg.label()
		tracker.report(PhaseFirmware, name)
		chunks, err := u.writeSegment(ctx, seg.Address, seg.Data, tracker)
		if err != nil {
			return fmt.Errorf("segment %s: %w", name, err)
		}
		sr := SegmentResult{Name: seg.Name, Address: seg.Address, Size: len(seg.Data), Chunks: chunks}

		if u.verify {
			tracker.report(PhaseVerify, name)
			if err := u.verifySegment(ctx, seg, &sr); err != nil {
				result.Segments = append(result.Segments, sr)
				return err
			}
		}
		result.Segments = append(result.Segments, sr)
	}

	tracker.report(PhaseIdentify, "")
	id, err := u.session.GetUUID(ctx)
	if err != nil {
		return err
	}
	result.UUID = id

	tracker.report(PhaseReset, "")
	if err := u.session.End(ctx); err != nil {
		return err
	}
	tracker.report(PhaseDone, "")
	return nil
}

// writeSegment sends data as one transfer, split into chunks no larger than
// the modem's buffer allows
func (u *Updater) writeSegment(ctx context.Context, base uint32, data []byte, tracker *progressTracker) (int, error) {
	if err := u.session.TransferStart(); err != nil {
		return 0, err
	}
	maxChunk := u.session.MaxChunkSize()
	if maxChunk <= 0 {
		return 0, fmt.Errorf("%w: modem reported no usable buffer", fmfu.ErrInvalidOperation)
	}

	chunks := 0
	for off := 0; off < len(data); off += maxChunk {
		end := min(off+maxChunk, len(data))
		chunk := fmfu.MemoryChunk{TargetAddress: base + uint32(off), Data: data[off:end]}
		if err := u.session.WriteMemoryChunk(ctx, chunk); err != nil {
			return chunks, err
		}
		chunks++
		tracker.advance(end - off)
	}
	return chunks, u.session.TransferEnd(ctx)
}

func (u *Updater) verifySegment(ctx context.Context, seg Segment, sr *SegmentResult) error {
	expected := seg.Digest
	if expected.IsZero() {
		expected = sha256.Sum256(seg.Data)
	}
	got, err := u.session.GetMemoryHash(ctx, seg.Address, seg.Address+uint32(len(seg.Data)))
	if err != nil {
		return fmt.Errorf("segment %s: %w", seg.label(), err)
	}
	sr.Digest = got
	if got != expected {
		return &DigestMismatchError{Segment: seg.label(), Expected: expected, Got: got}
	}
	sr.Verified = true
	return nil
}

type progressTracker struct {
	fn      ProgressFunc
	phase   Phase
	segment string
	written int
	total   int
	attempt int
}

func (p *progressTracker) report(phase Phase, segment string) {
	p.phase = phase
	p.segment = segment
	p.emit()
}

func (p *progressTracker) advance(n int) {
	p.written += n
	p.emit()
}

func (p *progressTracker) emit() {
	if p.fn == nil {
		return
	}
	p.fn(Progress{
		Phase:   p.phase,
		Segment: p.segment,
		Written: p.written,
		Total:   p.total,
		Attempt: p.attempt,
	})
}
