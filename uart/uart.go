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

// Package uart implements a polled UART line driver with ring-buffered
// transmit and receive paths and edge-triggered overrun reporting. It is the
// serial side of a USB-to-serial device and shares no state with the control
// endpoint engine.
package uart

import (
	"fmt"
	"time"

	"github.com/usbforge/go-usbdev/internal/syncutil"
	"go.bug.st/serial"
)

// pollReadTimeout bounds how long one Poll may wait on an idle line.
const pollReadTimeout = 10 * time.Millisecond

// StopBits selects the number of stop bits of the line coding.
type StopBits uint8

const (
	StopBitsOne StopBits = iota
	StopBitsOnePointFive
	StopBitsTwo
)

// Parity selects the parity of the line coding.
type Parity uint8

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
)

// Config contains construction options for a Driver.
type Config struct {
	// TxBufferSize and RxBufferSize are the ring buffer capacities. One
	// slot of each ring stays unused to distinguish full from empty.
	TxBufferSize int
	RxBufferSize int
	// MaxTxChunk caps how many bytes one Poll writes to the port. Zero
	// derives the cap from the baud rate so the ring frees up steadily.
	MaxTxChunk int
}

// DefaultConfig returns the default driver configuration.
func DefaultConfig() *Config {
	return &Config{
		TxBufferSize: 1024,
		RxBufferSize: 1024,
	}
}

// Port is the serial port surface the driver needs. go.bug.st/serial ports
// satisfy it; tests substitute an in-memory fake.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetMode(mode *serial.Mode) error
	Close() error
}

// Driver is a polled UART driver. Transmit queues data into a ring buffer
// that Poll drains to the port in bounded chunks; Poll also moves received
// bytes into the receive ring, recording an overrun when the consumer falls
// behind.
//
// All methods are safe for use from a poll goroutine plus a producer
// goroutine; a single mutex serializes them.
type Driver struct {
	port Port

	txBuf  []byte
	txHead int
	txTail int

	rxBuf  []byte
	rxHead int
	rxTail int

	scratch []byte

	overrun bool

	baudRate   int
	dataBits   int
	stopBits   StopBits
	parity     Parity
	maxTxChunk int
	chunkFixed bool

	mu syncutil.Mutex
}

// NewDriver wraps an open port. The port's mode is left untouched until
// SetCoding is called.
func NewDriver(port Port, cfg *Config) *Driver {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	d := &Driver{
		port:       port,
		txBuf:      make([]byte, cfg.TxBufferSize),
		rxBuf:      make([]byte, cfg.RxBufferSize),
		scratch:    make([]byte, 512),
		baudRate:   115200,
		dataBits:   8,
		maxTxChunk: cfg.MaxTxChunk,
		chunkFixed: cfg.MaxTxChunk > 0,
	}
	if !d.chunkFixed {
		d.maxTxChunk = deriveTxChunk(d.baudRate)
	}
	return d
}

// Open opens the named serial port at 115200 8N1 and wraps it in a Driver
// with the default configuration.
func Open(portName string) (*Driver, error) {
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open UART port %s: %w", portName, err)
	}
	// Short read timeout keeps Poll from blocking on an idle line.
	if err := port.SetReadTimeout(pollReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to set UART read timeout: %w", err)
	}
	return NewDriver(port, nil), nil
}

// Close closes the underlying port.
func (d *Driver) Close() error {
	if err := d.port.Close(); err != nil {
		return fmt.Errorf("failed to close UART port: %w", err)
	}
	return nil
}

// Transmit copies data into the transmit ring. It never blocks: bytes that
// do not fit are discarded, and the number of bytes accepted is returned.
func (d *Driver) Transmit(data []byte) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	written := 0
	for len(data) > 0 {
		free := ringFree(d.txHead, d.txTail, len(d.txBuf))
		if free == 0 {
			break // buffer full - discard the rest
		}
		// contiguous space from head to wrap point or tail
		chunk := len(d.txBuf) - d.txHead
		if d.txTail > d.txHead {
			chunk = d.txTail - d.txHead - 1
		} else if d.txTail == 0 {
			chunk--
		}
		if chunk > len(data) {
			chunk = len(data)
		}
		copy(d.txBuf[d.txHead:], data[:chunk])
		if d.dataBits == 7 {
			clearHighBits(d.txBuf[d.txHead : d.txHead+chunk])
		}
		d.txHead = (d.txHead + chunk) % len(d.txBuf)
		data = data[chunk:]
		written += chunk
	}
	return written
}

// AvailableTxSpace returns how many bytes Transmit would currently accept.
func (d *Driver) AvailableTxSpace() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return ringFree(d.txHead, d.txTail, len(d.txBuf))
}

// ReceivedLen returns the number of received bytes waiting to be copied out.
func (d *Driver) ReceivedLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return ringUsed(d.rxHead, d.rxTail, len(d.rxBuf))
}

// CopyReceived moves received bytes into buf and returns the count.
func (d *Driver) CopyReceived(buf []byte) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	copied := 0
	for len(buf) > 0 && d.rxTail != d.rxHead {
		end := d.rxHead
		if end < d.rxTail {
			end = len(d.rxBuf) // chunk up to the wrap point first
		}
		n := end - d.rxTail
		if n > len(buf) {
			n = len(buf)
		}
		copy(buf, d.rxBuf[d.rxTail:d.rxTail+n])
		if d.dataBits == 7 {
			clearHighBits(buf[:n])
		}
		d.rxTail = (d.rxTail + n) % len(d.rxBuf)
		buf = buf[n:]
		copied += n
	}
	return copied
}

// OverrunOccurred reports whether a receive overrun happened since the last
// call. The flag resets on read.
func (d *Driver) OverrunOccurred() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	occurred := d.overrun
	d.overrun = false
	return occurred
}

// Poll advances both directions: it writes at most one bounded chunk from
// the transmit ring to the port and drains whatever the port has received
// into the receive ring. Call it from the device's main loop.
func (d *Driver) Poll() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.pollTx(); err != nil {
		return err
	}
	return d.pollRx()
}

func (d *Driver) pollTx() error {
	if d.txHead == d.txTail {
		return nil // queue empty
	}
	end := d.txHead
	if end <= d.txTail {
		end = len(d.txBuf)
	}
	size := end - d.txTail
	if size > d.maxTxChunk {
		size = d.maxTxChunk // limit size to free up space soon
	}
	n, err := d.port.Write(d.txBuf[d.txTail : d.txTail+size])
	d.txTail = (d.txTail + n) % len(d.txBuf)
	if err != nil {
		return fmt.Errorf("uart transmit: %w", err)
	}
	return nil
}

func (d *Driver) pollRx() error {
	n, err := d.port.Read(d.scratch)
	if err != nil {
		return fmt.Errorf("uart receive: %w", err)
	}
	if n == 0 {
		return nil
	}

	data := d.scratch[:n]
	if n > ringFree(d.rxHead, d.rxTail, len(d.rxBuf)) {
		// Overrun: clear the error condition by discarding buffered data.
		d.overrun = true
		d.rxHead, d.rxTail = 0, 0
		if max := len(d.rxBuf) - 1; len(data) > max {
			data = data[len(data)-max:]
		}
	}

	for len(data) > 0 {
		chunk := len(d.rxBuf) - d.rxHead
		if chunk > len(data) {
			chunk = len(data)
		}
		copy(d.rxBuf[d.rxHead:], data[:chunk])
		d.rxHead = (d.rxHead + chunk) % len(d.rxBuf)
		data = data[chunk:]
	}
	return nil
}

// SetCoding reprograms the line coding and recomputes the per-poll transmit
// chunk for the new baud rate.
func (d *Driver) SetCoding(baudRate, dataBits int, stopBits StopBits, parity Parity) error {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: dataBits,
		Parity:   serialParity(parity),
		StopBits: serialStopBits(stopBits),
	}
	if err := d.port.SetMode(mode); err != nil {
		return fmt.Errorf("failed to set UART mode: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.baudRate = baudRate
	d.dataBits = dataBits
	d.stopBits = stopBits
	d.parity = parity
	if !d.chunkFixed {
		d.maxTxChunk = deriveTxChunk(baudRate)
	}
	return nil
}

func serialParity(p Parity) serial.Parity {
	switch p {
	case ParityOdd:
		return serial.OddParity
	case ParityEven:
		return serial.EvenParity
	default:
		return serial.NoParity
	}
}

func serialStopBits(s StopBits) serial.StopBits {
	switch s {
	case StopBitsOnePointFive:
		return serial.OnePointFiveStopBits
	case StopBitsTwo:
		return serial.TwoStopBits
	default:
		return serial.OneStopBit
	}
}

// deriveTxChunk sizes the per-poll transmit chunk to roughly one
// millisecond of line time, clamped to a sane range.
func deriveTxChunk(baudRate int) int {
	chunk := baudRate / 10000
	if chunk < 16 {
		chunk = 16
	}
	if chunk > 256 {
		chunk = 256
	}
	return chunk
}

// clearHighBits masks the data to 7 bits for 7-bit line codings.
func clearHighBits(buf []byte) {
	for i := range buf {
		buf[i] &= 0x7F
	}
}

func ringFree(head, tail, size int) int {
	if head >= tail {
		return size - (head - tail) - 1
	}
	return tail - head - 1
}

func ringUsed(head, tail, size int) int {
	if head >= tail {
		return head - tail
	}
	return size - tail + head
}
