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
	"io"
	"os"
	"strings"

	"github.com/ZaparooProject/go-fmfu/update"
	"golang.org/x/term"
)

const (
	minBarWidth = 10
	maxBarWidth = 50
)

// progressPrinter renders update progress: a redrawn bar on a terminal,
// one line per step otherwise
type progressPrinter struct {
	out         io.Writer
	lastPhase   update.Phase
	lastSegment string
	barWidth    int
	lastAttempt int
	tty         bool
}

func newProgressPrinter(f *os.File) *progressPrinter {
	p := &progressPrinter{out: f, barWidth: maxBarWidth / 2, lastAttempt: 1}
	fd := int(f.Fd()) //nolint:gosec // file descriptors fit in int
	if term.IsTerminal(fd) {
		p.tty = true
		if width, _, err := term.GetSize(fd); err == nil {
			p.barWidth = min(max(width-40, minBarWidth), maxBarWidth)
		}
	}
	return p
}

func (p *progressPrinter) update(pr update.Progress) {
	if pr.Attempt > p.lastAttempt {
		p.lastAttempt = pr.Attempt
		p.endLine()
		_, _ = fmt.Fprintf(p.out, "Modem needs recovery, restarting update (attempt %d)\n", pr.Attempt)
	}

	stepChanged := pr.Phase != p.lastPhase || pr.Segment != p.lastSegment
	p.lastPhase = pr.Phase
	p.lastSegment = pr.Segment

	if !p.tty {
		if stepChanged {
			_, _ = fmt.Fprintf(p.out, "%3.0f%% %s\n", 100*pr.Fraction(), describe(pr))
		}
		return
	}

	filled := int(pr.Fraction() * float64(p.barWidth))
	bar := strings.Repeat("#", filled) + strings.Repeat(" ", p.barWidth-filled)
	_, _ = fmt.Fprintf(p.out, "\r\033[K[%s] %3.0f%% %s", bar, 100*pr.Fraction(), describe(pr))
	if pr.Phase == update.PhaseDone {
		p.endLine()
	}
}

func (p *progressPrinter) endLine() {
	if p.tty {
		_, _ = fmt.Fprintln(p.out)
	}
}

func describe(pr update.Progress) string {
	if pr.Segment == "" {
		return string(pr.Phase)
	}
	return fmt.Sprintf("%s %s", pr.Phase, pr.Segment)
}
