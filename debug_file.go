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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Session log rotation limits. A full-modem update at debug level produces
// one line per chunk, so a single run stays well inside one file.
const (
	SessionLogMaxSizeMB  = 20
	SessionLogMaxBackups = 5
	SessionLogMaxAgeDays = 30
)

// Session log state
var (
	sessionLogger    *lumberjack.Logger
	sessionLogPath   string
	sessionLogWriter io.Writer
)

// InitSessionLog opens a rotating session log in dir (the current directory
// if dir is empty) and routes all Debugf output to it.
// Returns the log file path for display to the user.
func InitSessionLog(dir string) (string, error) {
	if sessionLogger != nil {
		return "", fmt.Errorf("session log already open at %s", sessionLogPath)
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create session log directory: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	path := filepath.Join(dir, fmt.Sprintf("fmfu_%s.log", timestamp))

	logger := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    SessionLogMaxSizeMB,
		MaxBackups: SessionLogMaxBackups,
		MaxAge:     SessionLogMaxAgeDays,
	}
	if err := writeSessionHeader(logger); err != nil {
		_ = logger.Close()
		return "", fmt.Errorf("failed to create session log: %w", err)
	}

	sessionLogger = logger
	sessionLogPath = path
	sessionLogWriter = logger
	return path, nil
}

// CloseSessionLog closes the current session log file.
func CloseSessionLog() error {
	if sessionLogger == nil {
		return nil
	}
	timestamp := time.Now().Format("15:04:05.000")
	_, _ = fmt.Fprintf(sessionLogWriter, "\n%s === Session ended ===\n", timestamp)

	err := sessionLogger.Close()
	sessionLogger = nil
	sessionLogPath = ""
	sessionLogWriter = nil
	if err != nil {
		return fmt.Errorf("failed to close session log: %w", err)
	}
	return nil
}

// GetSessionLogPath returns the current session log file path.
func GetSessionLogPath() string {
	return sessionLogPath
}

// writeSessionHeader writes metadata about the session to the log file.
func writeSessionHeader(writer io.Writer) error {
	var b strings.Builder
	b.WriteString("=== FMFU Debug Session Log ===\n")
	fmt.Fprintf(&b, "Started: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(&b, "PID: %d\n", os.Getpid())
	fmt.Fprintf(&b, "OS: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&b, "Go Version: %s\n", runtime.Version())
	if exe, err := os.Executable(); err == nil {
		fmt.Fprintf(&b, "Executable: %s\n", exe)
	}
	fmt.Fprintf(&b, "Command Line: %s\n", strings.Join(os.Args, " "))
	b.WriteString("================================\n\n")
	_, err := io.WriteString(writer, b.String())
	return err
}
