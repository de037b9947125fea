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
	"fmt"
	"os"
	"time"

	fmfu "github.com/ZaparooProject/go-fmfu"
	"github.com/ZaparooProject/go-fmfu/update"
	"gopkg.in/yaml.v3"
)

// flashReport is the YAML record written by -report
type flashReport struct {
	Timestamp     time.Time       `yaml:"timestamp"`
	Transport     string          `yaml:"transport"`
	Device        string          `yaml:"device,omitempty"`
	UUID          string          `yaml:"uuid,omitempty"`
	Error         string          `yaml:"error,omitempty"`
	Duration      string          `yaml:"duration"`
	RootKeyDigest string          `yaml:"root_key_digest,omitempty"`
	Segments      []segmentReport `yaml:"segments"`
	Attempts      int             `yaml:"attempts"`
	BufferLength  uint32          `yaml:"buffer_length"`
	Success       bool            `yaml:"success"`
}

type segmentReport struct {
	Name     string `yaml:"name,omitempty"`
	Address  string `yaml:"address"`
	Digest   string `yaml:"digest,omitempty"`
	Size     int    `yaml:"size"`
	Chunks   int    `yaml:"chunks"`
	Verified bool   `yaml:"verified"`
}

func createReport(cfg *config, result *update.Result, runErr error) *flashReport {
	report := &flashReport{
		Timestamp: time.Now(),
		Transport: cfg.transport,
		Device:    cfg.device,
		Success:   runErr == nil,
		Segments:  []segmentReport{},
	}
	if runErr != nil {
		report.Error = runErr.Error()
	}
	if result == nil {
		return report
	}

	report.Timestamp = result.Started
	report.Attempts = result.Attempts
	report.Duration = result.Finished.Sub(result.Started).Round(time.Millisecond).String()
	report.BufferLength = result.BufferLength
	if !result.RootKeyDigest.IsZero() {
		report.RootKeyDigest = result.RootKeyDigest.String()
	}
	if result.UUID != (fmfu.UUID{}) {
		report.UUID = result.UUID.String()
	}
	for _, seg := range result.Segments {
		sr := segmentReport{
			Name:     seg.Name,
			Address:  fmt.Sprintf("0x%08X", seg.Address),
			Size:     seg.Size,
			Chunks:   seg.Chunks,
			Verified: seg.Verified,
		}
		if !seg.Digest.IsZero() {
			sr.Digest = seg.Digest.String()
		}
		report.Segments = append(report.Segments, sr)
	}
	return report
}

func writeReportToFile(path string, report *flashReport) error {
	data, err := yaml.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
