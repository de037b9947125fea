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

	fmfu "github.com/ZaparooProject/go-fmfu"
	virt "github.com/ZaparooProject/go-fmfu/internal/testing"
	"github.com/ZaparooProject/go-fmfu/transport/chardev"
	"github.com/ZaparooProject/go-fmfu/transport/spi"
	"github.com/ZaparooProject/go-fmfu/transport/uart"
	"periph.io/x/conn/v3/physic"
)

// newTransport opens the transport selected by cfg
func newTransport(cfg *config) (fmfu.Transport, error) {
	switch cfg.transport {
	case transportUART:
		transport, err := uart.New(cfg.device, cfg.baudRate)
		if err != nil {
			return nil, fmt.Errorf("failed to create UART transport: %w", err)
		}
		return transport, nil
	case transportSPI:
		transport, err := spi.New(spi.Config{
			Port:         cfg.device,
			FaultPin:     cfg.faultPin,
			Frequency:    physic.Frequency(cfg.spiFrequencyHz) * physic.Hertz,
			PollInterval: cfg.pollInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SPI transport: %w", err)
		}
		return transport, nil
	case transportCharDev:
		transport, err := chardev.New(cfg.device)
		if err != nil {
			return nil, fmt.Errorf("failed to create chardev transport: %w", err)
		}
		return transport, nil
	case transportSim:
		return virt.NewModemTransport(virt.NewVirtualModem()), nil
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", cfg.transport)
	}
}
