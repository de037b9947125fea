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
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	fmfu "github.com/ZaparooProject/go-fmfu"
)

const (
	transportUART    = "uart"
	transportSPI     = "spi"
	transportCharDev = "chardev"
	transportSim     = "sim"
)

type segmentSpec struct {
	Name    string
	Path    string
	Digest  string
	Address uint32
}

type config struct {
	transport       string
	device          string
	faultPin        string
	bootloader      string
	journal         string
	logDir          string
	report          string
	uuid            string
	segments        []segmentSpec
	baudRate        int
	spiFrequencyHz  int64
	attempts        int
	pollInterval    time.Duration
	responseTimeout time.Duration
	initTimeout     time.Duration
	lockTimeout     time.Duration
	verify          bool
	debug           bool
}

func defaultConfig() *config {
	return &config{
		transport:       transportUART,
		responseTimeout: fmfu.DefaultResponseTimeout,
		initTimeout:     fmfu.DefaultInitTimeout,
		attempts:        fmfu.DefaultRecoveryAttempts,
		verify:          true,
	}
}

// fileConfig is the TOML layout of -config
type fileConfig struct {
	Transport       string        `toml:"transport"`
	Device          string        `toml:"device"`
	FaultPin        string        `toml:"fault_pin"`
	PollInterval    string        `toml:"poll_interval"`
	ResponseTimeout string        `toml:"response_timeout"`
	InitTimeout     string        `toml:"init_timeout"`
	LockTimeout     string        `toml:"lock_timeout"`
	Bootloader      string        `toml:"bootloader"`
	Journal         string        `toml:"journal"`
	LogDir          string        `toml:"log_dir"`
	Report          string        `toml:"report"`
	Segments        []fileSegment `toml:"segment"`
	BaudRate        int           `toml:"baud_rate"`
	SPIFrequencyHz  int64         `toml:"spi_frequency_hz"`
	Attempts        int           `toml:"attempts"`
	Verify          bool          `toml:"verify"`
	Debug           bool          `toml:"debug"`
}

type fileSegment struct {
	Name    string `toml:"name"`
	Path    string `toml:"path"`
	Digest  string `toml:"digest"`
	Address int64  `toml:"address"`
}

// loadConfigFile overlays the keys present in the TOML file at path on cfg
func loadConfigFile(path string, cfg *config) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	setString := func(key, value string, dst *string) {
		if meta.IsDefined(key) {
			*dst = strings.TrimSpace(value)
		}
	}
	setString("transport", raw.Transport, &cfg.transport)
	setString("device", raw.Device, &cfg.device)
	setString("fault_pin", raw.FaultPin, &cfg.faultPin)
	setString("bootloader", raw.Bootloader, &cfg.bootloader)
	setString("journal", raw.Journal, &cfg.journal)
	setString("log_dir", raw.LogDir, &cfg.logDir)
	setString("report", raw.Report, &cfg.report)

	durations := []struct {
		dst   *time.Duration
		key   string
		value string
	}{
		{key: "poll_interval", value: raw.PollInterval, dst: &cfg.pollInterval},
		{key: "response_timeout", value: raw.ResponseTimeout, dst: &cfg.responseTimeout},
		{key: "init_timeout", value: raw.InitTimeout, dst: &cfg.initTimeout},
		{key: "lock_timeout", value: raw.LockTimeout, dst: &cfg.lockTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.value))
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if meta.IsDefined("baud_rate") {
		cfg.baudRate = raw.BaudRate
	}
	if meta.IsDefined("spi_frequency_hz") {
		cfg.spiFrequencyHz = raw.SPIFrequencyHz
	}
	if meta.IsDefined("attempts") {
		cfg.attempts = raw.Attempts
	}
	if meta.IsDefined("verify") {
		cfg.verify = raw.Verify
	}
	if meta.IsDefined("debug") {
		cfg.debug = raw.Debug
	}

	for i, seg := range raw.Segments {
		if seg.Address < 0 || seg.Address > 0xFFFFFFFF {
			return fmt.Errorf("segment %d: address 0x%X out of range", i, seg.Address)
		}
		if seg.Path == "" {
			return fmt.Errorf("segment %d: path is required", i)
		}
		cfg.segments = append(cfg.segments, segmentSpec{
			Name:    seg.Name,
			Path:    seg.Path,
			Digest:  seg.Digest,
			Address: uint32(seg.Address),
		})
	}
	return nil
}

// segmentList collects repeated -segment [name=]address:path flags
type segmentList struct {
	specs *[]segmentSpec
}

func (l segmentList) String() string {
	if l.specs == nil {
		return ""
	}
	parts := make([]string, 0, len(*l.specs))
	for _, s := range *l.specs {
		parts = append(parts, fmt.Sprintf("0x%X:%s", s.Address, s.Path))
	}
	return strings.Join(parts, ",")
}

func (l segmentList) Set(value string) error {
	spec, err := parseSegmentSpec(value)
	if err != nil {
		return err
	}
	*l.specs = append(*l.specs, spec)
	return nil
}

func parseSegmentSpec(value string) (segmentSpec, error) {
	var spec segmentSpec
	if name, rest, ok := strings.Cut(value, "="); ok {
		spec.Name = name
		value = rest
	}
	addr, path, ok := strings.Cut(value, ":")
	if !ok || path == "" {
		return spec, fmt.Errorf("segment %q: want [name=]address:path", value)
	}
	parsed, err := strconv.ParseUint(addr, 0, 32)
	if err != nil {
		return spec, fmt.Errorf("segment address %q: %w", addr, err)
	}
	spec.Address = uint32(parsed)
	spec.Path = path
	return spec, nil
}

func bindFlags(fs *flag.FlagSet, cfg *config, configPath *string) {
	fs.StringVar(configPath, "config", "", "TOML configuration file")
	fs.StringVar(&cfg.transport, "transport", cfg.transport, "IPC transport: uart, spi, chardev or sim")
	fs.StringVar(&cfg.device, "device", cfg.device, "Serial port, SPI port or IPC device node")
	fs.IntVar(&cfg.baudRate, "baud", cfg.baudRate, "UART baud rate (0 = default)")
	fs.StringVar(&cfg.faultPin, "fault-pin", cfg.faultPin, "GPIO carrying the modem fault line (SPI only)")
	fs.Int64Var(&cfg.spiFrequencyHz, "spi-freq", cfg.spiFrequencyHz, "SPI clock in Hz (0 = default)")
	fs.DurationVar(&cfg.pollInterval, "poll", cfg.pollInterval, "SPI status poll interval (0 = default)")
	fs.DurationVar(&cfg.responseTimeout, "timeout", cfg.responseTimeout, "Per-command response timeout")
	fs.DurationVar(&cfg.initTimeout, "init-timeout", cfg.initTimeout, "Init response timeout")
	fs.IntVar(&cfg.attempts, "attempts", cfg.attempts, "Update attempts, re-initializing the modem in between")
	fs.BoolVar(&cfg.verify, "verify", cfg.verify, "Read back and compare segment digests")
	fs.StringVar(&cfg.bootloader, "bootloader", cfg.bootloader, "Bootloader image")
	fs.Var(segmentList{specs: &cfg.segments}, "segment", "Firmware segment as [name=]address:path (repeatable)")
	fs.StringVar(&cfg.journal, "journal", cfg.journal, "Update journal database (disabled if empty)")
	fs.StringVar(&cfg.logDir, "log-dir", cfg.logDir, "Write a rotating session log to this directory")
	fs.StringVar(&cfg.report, "report", cfg.report, "Write a YAML report of the run to this file")
	fs.StringVar(&cfg.uuid, "uuid", cfg.uuid, "Modem UUID for the history command")
	fs.DurationVar(&cfg.lockTimeout, "lock-timeout", cfg.lockTimeout, "Deadlock detection timeout (deadlock builds only)")
	fs.BoolVar(&cfg.debug, "debug", cfg.debug, "Enable debug output")
}

// parseArgs resolves defaults, then the -config file, then flags. It
// returns the config and the remaining arguments (the command).
func parseArgs(args []string, output io.Writer) (*config, []string, error) {
	// First pass only finds -config; errors are reported by the second.
	var configPath string
	probe := flag.NewFlagSet("fmfu", flag.ContinueOnError)
	probe.SetOutput(io.Discard)
	bindFlags(probe, defaultConfig(), &configPath)

	cfg := defaultConfig()
	if err := probe.Parse(args); err == nil && configPath != "" {
		if err := loadConfigFile(configPath, cfg); err != nil {
			return nil, nil, err
		}
	}

	// Segments from the file are replaced, not extended, by -segment flags.
	fileSegments := cfg.segments
	cfg.segments = nil
	fs := flag.NewFlagSet("fmfu", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		_, _ = fmt.Fprintln(output, "Usage: fmfu [flags] flash|info|history")
		fs.PrintDefaults()
	}
	bindFlags(fs, cfg, &configPath)
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if len(cfg.segments) == 0 {
		cfg.segments = fileSegments
	}

	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}
	return cfg, fs.Args(), nil
}

func (c *config) validate() error {
	switch c.transport {
	case transportUART, transportSPI, transportCharDev, transportSim:
	default:
		return fmt.Errorf("unsupported transport %q", c.transport)
	}
	if c.transport != transportSim && c.transport != transportCharDev && c.device == "" {
		return fmt.Errorf("-device is required for the %s transport", c.transport)
	}
	if c.responseTimeout <= 0 || c.initTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.attempts < 1 {
		return fmt.Errorf("attempts must be at least 1, got %d", c.attempts)
	}
	return nil
}
