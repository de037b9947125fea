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

package spi

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	fmfu "github.com/ZaparooProject/go-fmfu"
	"github.com/ZaparooProject/go-fmfu/internal/frame"
	virt "github.com/ZaparooProject/go-fmfu/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

var errBusDown = errors.New("spi bus down")

// MockSPIConn implements spi.Conn on top of a WireModem. Bytes the modem
// produces are buffered and handed out on data reads after the status byte
// reports them ready.
type MockSPIConn struct {
	wire    *virt.WireModem
	txErr   error
	pending []byte
	writes  [][]byte
	mu      sync.Mutex
	closed  bool
}

// NewMockSPIConn creates a new mock SPI connection.
func NewMockSPIConn(wire *virt.WireModem) *MockSPIConn {
	// Status polls must not block
	wire.SetReadTimeout(0)
	return &MockSPIConn{wire: wire}
}

// FailTx makes every following transaction fail
func (m *MockSPIConn) FailTx(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txErr = err
}

// Tx implements spi.Conn.Tx
//
//nolint:varnamelen // Interface compliance requires these parameter names
func (m *MockSPIConn) Tx(w, r []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("mock spi closed")
	}
	if m.txErr != nil {
		return m.txErr
	}
	if len(w) == 0 {
		return nil
	}

	switch w[0] {
	case spiDataWrite:
		m.writes = append(m.writes, append([]byte(nil), w[1:]...))
		_, err := m.wire.Write(w[1:])
		return err
	case spiStatRead:
		buf := make([]byte, 256)
		n, _ := m.wire.Read(buf)
		m.pending = append(m.pending, buf[:n]...)
		if len(r) > 1 && len(m.pending) > 0 {
			r[1] = spiReady
		}
	case spiDataRead:
		n := copy(r[1:], m.pending)
		m.pending = m.pending[n:]
	}
	return nil
}

// Duplex implements conn.Conn.
func (*MockSPIConn) Duplex() conn.Duplex {
	return conn.Full
}

// String returns connection name.
func (*MockSPIConn) String() string {
	return "mock://spi"
}

// TxPackets implements spi.Conn.
func (m *MockSPIConn) TxPackets(p []spi.Packet) error {
	for _, pkt := range p {
		if err := m.Tx(pkt.W, pkt.R); err != nil {
			return err
		}
	}
	return nil
}

// MockSPIPort implements spi.PortCloser.
type MockSPIPort struct {
	conn   *MockSPIConn
	closed bool
}

// Connect implements spi.Port.
func (p *MockSPIPort) Connect(_ physic.Frequency, _ spi.Mode, _ int) (spi.Conn, error) {
	return p.conn, nil
}

// Close implements io.Closer.
func (p *MockSPIPort) Close() error {
	p.closed = true
	p.conn.mu.Lock()
	p.conn.closed = true
	p.conn.mu.Unlock()
	return nil
}

// String returns port name.
func (*MockSPIPort) String() string {
	return "mock://spi"
}

// LimitSpeed implements spi.Port.
func (*MockSPIPort) LimitSpeed(_ physic.Frequency) error {
	return nil
}

var (
	_ spi.Conn       = (*MockSPIConn)(nil)
	_ spi.PortCloser = (*MockSPIPort)(nil)
)

func newFaultPin() *gpiotest.Pin {
	return &gpiotest.Pin{N: "FAULT", Num: 17, EdgesChan: make(chan gpio.Level, 1)}
}

// newTestSPITransport creates a Transport using the mock SPI port.
func newTestSPITransport(t *testing.T, pin gpio.PinIn) (*Transport, *virt.WireModem, *MockSPIPort) {
	t.Helper()
	wire := virt.NewWireModem(virt.NewVirtualModem())
	port := &MockSPIPort{conn: NewMockSPIConn(wire)}
	spiConn, err := port.Connect(defaultFreq, mode, 8)
	require.NoError(t, err)

	transport, err := newTransport(port, spiConn, pin, "mock://spi", time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { _ = transport.Close() })
	return transport, wire, port
}

func newSession(t *testing.T, transport fmfu.Transport) *fmfu.Session {
	t.Helper()
	session, err := fmfu.New(transport,
		fmfu.WithResponseTimeout(500*time.Millisecond),
		fmfu.WithInitTimeout(500*time.Millisecond),
	)
	require.NoError(t, err)
	return session
}

func TestSPI_FullUpdate(t *testing.T) {
	t.Parallel()
	transport, wire, _ := newTestSPITransport(t, nil)
	session := newSession(t, transport)
	ctx := context.Background()

	_, err := session.Init(ctx)
	require.NoError(t, err)

	require.NoError(t, session.TransferStart())
	require.NoError(t, session.WriteMemoryChunk(ctx, fmfu.MemoryChunk{Data: []byte("boot")}))
	require.NoError(t, session.TransferEnd(ctx))

	image := []byte("modem firmware image over spi")
	require.NoError(t, session.TransferStart())
	require.NoError(t, session.WriteMemoryChunk(ctx, fmfu.MemoryChunk{TargetAddress: 0x4000, Data: image}))
	require.NoError(t, session.TransferEnd(ctx))

	digest, err := session.GetMemoryHash(ctx, 0x4000, 0x4000+uint32(len(image)))
	require.NoError(t, err)
	assert.Equal(t, virt.DigestOf(image), digest)

	require.NoError(t, session.End(ctx))
	assert.Equal(t, virt.ModeNormal, wire.Modem().Mode())
}

func TestSPI_SendWritesOneFrame(t *testing.T) {
	t.Parallel()
	transport, _, port := newTestSPITransport(t, nil)

	envelope := virt.EncodeWords(uint32(fmfu.CmdUUID))
	require.NoError(t, transport.Send(context.Background(), envelope))

	want, err := frame.Encode(frame.HostToModem, envelope)
	require.NoError(t, err)
	port.conn.mu.Lock()
	defer port.conn.mu.Unlock()
	require.Len(t, port.conn.writes, 1)
	assert.Equal(t, want, port.conn.writes[0])
}

func TestSPI_FaultLine(t *testing.T) {
	t.Parallel()
	pin := newFaultPin()
	transport, _, _ := newTestSPITransport(t, pin)

	pin.EdgesChan <- gpio.Low
	select {
	case <-transport.Faults():
	case <-time.After(time.Second):
		t.Fatal("fault edge was not surfaced")
	}
	assert.Equal(t, gpio.PullUp, pin.Pull())
}

func TestSPI_FaultLineDuringCommand(t *testing.T) {
	t.Parallel()
	pin := newFaultPin()
	transport, wire, _ := newTestSPITransport(t, pin)
	session := newSession(t, transport)
	ctx := context.Background()

	_, err := session.Init(ctx)
	require.NoError(t, err)

	// The modem drops the write and pulls the fault line instead
	wire.Modem().SilenceCommand(fmfu.CmdWrite)
	require.NoError(t, session.TransferStart())
	go func() {
		time.Sleep(20 * time.Millisecond)
		pin.EdgesChan <- gpio.Low
	}()
	err = session.WriteMemoryChunk(ctx, fmfu.MemoryChunk{Data: []byte{1}})
	require.ErrorIs(t, err, fmfu.ErrIPCFaultEvent)
	assert.Equal(t, fmfu.StateBad, session.State())
}

func TestSPI_InBandFaultFrame(t *testing.T) {
	t.Parallel()
	transport, wire, _ := newTestSPITransport(t, nil)

	wire.RaiseFault()
	select {
	case <-transport.Faults():
	case <-time.After(time.Second):
		t.Fatal("fault frame was not surfaced")
	}
}

func TestSPI_BusFailure(t *testing.T) {
	t.Parallel()
	transport, _, port := newTestSPITransport(t, nil)

	port.conn.FailTx(errBusDown)
	require.Error(t, transport.Send(context.Background(), virt.EncodeWords(uint32(fmfu.CmdInit))))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := transport.Receive(ctx)
	require.ErrorIs(t, err, fmfu.ErrTransportClosed)
	require.ErrorIs(t, err, errBusDown)
	assert.True(t, fmfu.IsFatal(err))
	assert.False(t, transport.IsConnected())
}

func TestSPI_Close(t *testing.T) {
	t.Parallel()
	transport, _, port := newTestSPITransport(t, newFaultPin())

	require.NoError(t, transport.Close())
	require.NoError(t, transport.Close())
	assert.True(t, port.closed)
	assert.False(t, transport.IsConnected())

	err := transport.Send(context.Background(), virt.EncodeWords(uint32(fmfu.CmdInit)))
	require.ErrorIs(t, err, fmfu.ErrTransportClosed)
	_, err = transport.Receive(context.Background())
	require.ErrorIs(t, err, fmfu.ErrTransportClosed)
}

func TestSPI_Settings(t *testing.T) {
	t.Parallel()
	transport, _, _ := newTestSPITransport(t, nil)

	assert.Equal(t, fmfu.TransportSPI, transport.Type())
	require.Error(t, transport.SetPollInterval(0))
	require.NoError(t, transport.SetPollInterval(5*time.Millisecond))
	assert.Equal(t, 5*time.Millisecond, transport.interval())
}

func TestSPI_FaultPinWithoutEdgeChannel(t *testing.T) {
	t.Parallel()
	wire := virt.NewWireModem(virt.NewVirtualModem())
	port := &MockSPIPort{conn: NewMockSPIConn(wire)}

	_, err := newTransport(port, port.conn, &gpiotest.Pin{N: "FAULT"}, "mock://spi", 0)
	require.Error(t, err)
}
