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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	fmfu "github.com/ZaparooProject/go-fmfu"
	"github.com/ZaparooProject/go-fmfu/internal/journal"
	"github.com/ZaparooProject/go-fmfu/internal/syncutil"
	"github.com/ZaparooProject/go-fmfu/update"
	"gopkg.in/yaml.v3"
)

func newSession(cfg *config) (*fmfu.Session, error) {
	transport, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}
	session, err := fmfu.New(transport,
		fmfu.WithResponseTimeout(cfg.responseTimeout),
		fmfu.WithInitTimeout(cfg.initTimeout),
	)
	if err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if cfg.transport == transportSim {
		_, _ = fmt.Println("Using the simulated modem")
	}
	return session, nil
}

func closeSession(session *fmfu.Session) {
	if err := session.Close(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to close transport: %v\n", err)
	}
}

// loadPackage reads the bootloader and segment images named in cfg
func loadPackage(cfg *config) (*update.Package, error) {
	if cfg.bootloader == "" {
		return nil, errors.New("no bootloader image given (-bootloader)")
	}
	boot, err := os.ReadFile(cfg.bootloader)
	if err != nil {
		return nil, fmt.Errorf("failed to read bootloader: %w", err)
	}

	pkg := &update.Package{Bootloader: boot}
	for _, spec := range cfg.segments {
		data, err := os.ReadFile(spec.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read segment: %w", err)
		}
		seg := update.Segment{Name: spec.Name, Address: spec.Address, Data: data}
		if spec.Digest != "" {
			if seg.Digest, err = fmfu.ParseDigest(spec.Digest); err != nil {
				return nil, fmt.Errorf("segment %s digest: %w", spec.Path, err)
			}
		}
		pkg.Segments = append(pkg.Segments, seg)
	}
	return pkg, pkg.Validate()
}

func retryConfig(cfg *config) *fmfu.RetryConfig {
	retry := fmfu.DefaultRetryConfig()
	retry.MaxAttempts = cfg.attempts
	return retry
}

func runFlash(ctx context.Context, cfg *config, out *os.File) error {
	pkg, err := loadPackage(cfg)
	if err != nil {
		return err
	}

	session, err := newSession(cfg)
	if err != nil {
		return err
	}
	defer closeSession(session)

	progress := newProgressPrinter(out)
	opts := []update.Option{
		update.WithRetryConfig(retryConfig(cfg)),
		update.WithVerification(cfg.verify),
		update.WithProgress(progress.update),
	}
	if cfg.journal != "" {
		store, err := journal.Open(cfg.journal)
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				_, _ = fmt.Fprintf(os.Stderr, "Failed to close journal: %v\n", err)
			}
		}()
		opts = append(opts, update.WithRecorder(store))
	}

	updater, err := update.New(session, opts...)
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(out, "Flashing %d bytes in %d segment(s)\n", pkg.Size(), len(pkg.Segments)+1)
	result, runErr := updater.Run(ctx, pkg)

	if cfg.report != "" {
		if err := writeReportToFile(cfg.report, createReport(cfg, result, runErr)); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "%v\n", err)
		} else {
			_, _ = fmt.Fprintf(out, "Report written to %s\n", cfg.report)
		}
	}
	if runErr != nil {
		if cfg.debug && fmfu.HasTrace(runErr) {
			_, _ = fmt.Fprint(os.Stderr, fmfu.GetTrace(runErr).FormatTrace())
		}
		return runErr
	}

	printSummary(out, result)
	return nil
}

func printSummary(out io.Writer, result *update.Result) {
	_, _ = fmt.Fprintf(out, "Update complete: modem %s in %s (%d attempt(s))\n",
		result.UUID, result.Finished.Sub(result.Started).Round(100*time.Millisecond), result.Attempts)
	for _, seg := range result.Segments {
		status := "written"
		if seg.Verified {
			status = "verified"
		}
		_, _ = fmt.Fprintf(out, "  0x%08X %8d bytes %4d chunks  %s\n", seg.Address, seg.Size, seg.Chunks, status)
	}
}

func runInfo(ctx context.Context, cfg *config, out io.Writer) error {
	var boot []byte
	if cfg.bootloader != "" {
		var err error
		if boot, err = os.ReadFile(cfg.bootloader); err != nil {
			return fmt.Errorf("failed to read bootloader: %w", err)
		}
	}

	session, err := newSession(cfg)
	if err != nil {
		return err
	}
	defer closeSession(session)

	updater, err := update.New(session)
	if err != nil {
		return err
	}
	id, err := updater.Identify(ctx, boot)
	if err != nil {
		return fmt.Errorf("failed to identify modem: %w", err)
	}

	_, _ = fmt.Fprintf(out, "Root key digest: %s\n", id.RootKeyDigest)
	_, _ = fmt.Fprintf(out, "Buffer length:   %d bytes (%d per chunk)\n",
		id.BufferLength, int(id.BufferLength)-fmfu.WriteOverhead)
	if id.HasUUID {
		_, _ = fmt.Fprintf(out, "UUID:            %s\n", id.UUID)
	}
	_, _ = fmt.Fprintf(out, "Modem state:     %s\n", session.State())
	return nil
}

// historyRun is the YAML view of one journal entry
type historyRun struct {
	Started  time.Time `yaml:"started"`
	Error    string    `yaml:"error,omitempty"`
	Duration string    `yaml:"duration"`
	Run      uint64    `yaml:"run"`
	Attempts int       `yaml:"attempts"`
	Segments int       `yaml:"segments"`
	Success  bool      `yaml:"success"`
}

func runHistory(cfg *config, out io.Writer) error {
	if cfg.journal == "" {
		return errors.New("history needs a journal (-journal)")
	}
	store, err := journal.Open(cfg.journal)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	view := make(map[string][]historyRun)
	ids := []string{cfg.uuid}
	if cfg.uuid == "" {
		if ids, err = store.Modems(); err != nil {
			return fmt.Errorf("failed to list modems: %w", err)
		}
	}
	for _, id := range ids {
		entries, err := store.History(id)
		if err != nil {
			return fmt.Errorf("failed to read history of %s: %w", id, err)
		}
		for i := range entries {
			e := &entries[i]
			view[id] = append(view[id], historyRun{
				Run:      e.Seq,
				Started:  e.Started.UTC(),
				Duration: e.Duration().Round(time.Millisecond).String(),
				Attempts: e.Attempts,
				Segments: len(e.Segments),
				Success:  e.Succeeded(),
				Error:    e.Error,
			})
		}
	}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(view); err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}
	return enc.Close()
}

func run(ctx context.Context, cfg *config, args []string, out *os.File) error {
	command := "flash"
	if len(args) > 0 {
		command = args[0]
	}
	switch command {
	case "flash":
		return runFlash(ctx, cfg, out)
	case "info":
		return runInfo(ctx, cfg, out)
	case "history":
		return runHistory(cfg, out)
	default:
		return fmt.Errorf("unknown command %q (want flash, info or history)", command)
	}
}

func main() {
	os.Exit(mainWithExitCode(os.Args[1:]))
}

func mainWithExitCode(args []string) int {
	cfg, rest, err := parseArgs(args, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	if cfg.debug {
		fmfu.SetDebugEnabled(true)
	}
	if cfg.lockTimeout > 0 {
		syncutil.SetLockTimeout(cfg.lockTimeout)
	}
	if cfg.logDir != "" {
		path, err := fmfu.InitSessionLog(cfg.logDir)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		defer func() { _ = fmfu.CloseSessionLog() }()
		_, _ = fmt.Printf("Session log: %s\n", path)
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			_, _ = fmt.Print("\nShutting down gracefully...\n")
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := run(ctx, cfg, rest, os.Stdout); err != nil {
		if errors.Is(err, context.Canceled) {
			return 130
		}
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
