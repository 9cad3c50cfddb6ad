// go-usbdev
// Copyright (c) 2025 The USBForge Project Contributors.
// SPDX-License-Identifier: LGPL-3.0-or-later
//
// This file is part of go-usbdev.
//
// go-usbdev is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; either
// version 3 of the License, or (at your option) any later version.
//
// go-usbdev is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-usbdev; if not, write to the Free Software Foundation,
// Inc., 51 Franklin Street, Fifth Floor, Boston, MA  02110-1301, USA.

package usbdev

import "sync"

// HAL is the hardware abstraction the control engine drives. It is
// implemented per USB peripheral (see hal/max3420 for an SPI-attached
// controller) and by MockHAL for tests.
type HAL interface {
	// ReadPacket reads the pending packet on the given endpoint into buf.
	// It does not block: it returns whatever is currently available, up to
	// len(buf). A nil buf consumes a zero-length packet.
	ReadPacket(ep uint8, buf []byte) (int, error)

	// WritePacket queues a packet for transmission on the given endpoint.
	// An empty or nil data slice queues a zero-length packet.
	WritePacket(ep uint8, data []byte) error

	// SetStall sets or clears the stall condition on an endpoint, signaling
	// a protocol error to the host.
	SetStall(ep uint8, stalled bool)

	// SetAddress programs the USB device address. The engine calls this
	// only after the status stage of a SET_ADDRESS transfer has completed,
	// per USB timing rules.
	SetAddress(addr uint8)
}

// StallReader is an optional HAL extension that reports the current stall
// state of an endpoint. The standard GET_STATUS endpoint request uses it
// when available; without it the halt bit reads as zero.
type StallReader interface {
	Stalled(ep uint8) bool
}

// MockHAL provides an in-memory implementation of HAL for testing. Host
// packets (SETUP and DATA OUT payloads) are queued ahead of delivering the
// matching control event; everything the device transmits is recorded.
type MockHAL struct {
	mu        sync.Mutex
	pending   [][]byte
	written   [][]byte
	stalled   map[uint8]bool
	readErr   error
	address   uint8
	addrCalls int
}

// NewMockHAL creates a new mock HAL.
func NewMockHAL() *MockHAL {
	return &MockHAL{
		stalled: make(map[uint8]bool),
	}
}

// QueuePacket appends a host packet to the receive queue.
func (m *MockHAL) QueuePacket(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.pending = append(m.pending, cp)
}

// SetReadError makes the next ReadPacket calls fail with err.
func (m *MockHAL) SetReadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// ReadPacket implements HAL. It pops the next queued host packet and copies
// as much of it as fits into buf. An empty queue reads as zero bytes.
func (m *MockHAL) ReadPacket(_ uint8, buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return 0, m.readErr
	}
	if len(m.pending) == 0 {
		return 0, nil
	}
	pkt := m.pending[0]
	m.pending = m.pending[1:]
	return copy(buf, pkt), nil
}

// WritePacket implements HAL, recording a copy of every transmitted packet.
func (m *MockHAL) WritePacket(_ uint8, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.written = append(m.written, cp)
	return nil
}

// SetStall implements HAL.
func (m *MockHAL) SetStall(ep uint8, stalled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stalled[ep] = stalled
}

// SetAddress implements HAL.
func (m *MockHAL) SetAddress(addr uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.address = addr
	m.addrCalls++
}

// Stalled implements StallReader.
func (m *MockHAL) Stalled(ep uint8) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stalled[ep]
}

// Written returns every packet transmitted so far, in order.
func (m *MockHAL) Written() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.written))
	copy(out, m.written)
	return out
}

// Address returns the last address programmed via SetAddress.
func (m *MockHAL) Address() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.address
}

// AddressCalls returns how many times SetAddress has been invoked.
func (m *MockHAL) AddressCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addrCalls
}

// Reset clears recorded traffic and stall state.
func (m *MockHAL) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = nil
	m.written = nil
	m.stalled = make(map[uint8]bool)
	m.readErr = nil
	m.address = 0
	m.addrCalls = 0
}
