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

// Package fmfu implements the host side of the full-modem firmware update
// protocol over an IPC transport.
//
// A Session tracks the modem state (Uninitialized, WaitingForBootloader,
// ReadyForIPCCommands, Bad), frames one RPC at a time, correlates each
// response with its request under a deadline and reacts to fault signals.
// A typical update is:
//
//	s, _ := fmfu.New(transport)
//	s.Init(ctx)                       // modem enters DFU mode
//	s.TransferStart()                 // bootloader segment
//	s.WriteMemoryChunk(ctx, chunk)    // repeated
//	s.TransferEnd(ctx)                // modem is ReadyForIPCCommands
//	// firmware segments: TransferStart / WriteMemoryChunk / TransferEnd
//	s.GetMemoryHash(ctx, start, end)  // verify
//	s.End(ctx)
//
// Any protocol failure (timeout, fault, unexpected or failed response) moves
// the modem to StateBad, from which only Init recovers. The update package
// drives the full sequence including recovery.
package fmfu
