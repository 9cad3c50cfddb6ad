// Copyright 2026 The USBForge Project Contributors.
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

package max3420

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/spi"

	usbdev "github.com/usbforge/go-usbdev"
)

// fakeChip emulates the chip's SPI register window: plain registers hold
// one byte, FIFO registers stream, and the interrupt registers clear on
// writing ones.
type fakeChip struct {
	regs     [21]uint8
	fifoIn   map[uint8][]byte // data the chip would return on FIFO reads
	fifoOut  map[uint8][]byte // data written into FIFOs
	ackStats int
}

func newFakeChip() *fakeChip {
	return &fakeChip{
		fifoIn:  make(map[uint8][]byte),
		fifoOut: make(map[uint8][]byte),
	}
}

func (f *fakeChip) isFIFO(reg uint8) bool { return reg <= regSUDFIFO }

func (f *fakeChip) Tx(w, r []byte) error {
	cmd := w[0]
	reg := cmd >> 3
	write := cmd&0x02 != 0

	if write {
		if f.isFIFO(reg) {
			f.fifoOut[reg] = append(f.fifoOut[reg], w[1:]...)
			return nil
		}
		switch reg {
		case regEPIRQ, regUSBIRQ:
			f.regs[reg] &^= w[1] // write 1 to clear
		case regEPStalls:
			if w[1]&ackStat != 0 {
				f.ackStats++
			}
			f.regs[reg] = w[1] &^ ackStat // ACKSTAT self-clears
		default:
			f.regs[reg] = w[1]
		}
		return nil
	}

	if f.isFIFO(reg) {
		n := copy(r[1:], f.fifoIn[reg])
		f.fifoIn[reg] = f.fifoIn[reg][n:]
		return nil
	}
	for i := 1; i < len(r); i++ {
		r[i] = f.regs[reg]
	}
	return nil
}

func (f *fakeChip) String() string { return "fake3420" }

func (f *fakeChip) Duplex() conn.Duplex { return conn.Full }

func (f *fakeChip) TxPackets(_ []spi.Packet) error { return nil }

func newTestController() (*Controller, *fakeChip) {
	chip := newFakeChip()
	return newWithConn(chip), chip
}

func TestCmdByte(t *testing.T) {
	t.Parallel()

	assert.EqualValues(t, 0x00, cmdByte(regEP0FIFO, false))
	assert.EqualValues(t, 0x02, cmdByte(regEP0FIFO, true))
	assert.EqualValues(t, 19<<3|0x02, cmdByte(regFnAddr, true))
	assert.EqualValues(t, 18<<3, cmdByte(regRevision, false))
}

func TestSetAddressMasksTo7Bits(t *testing.T) {
	t.Parallel()
	c, chip := newTestController()

	c.SetAddress(0x85)
	assert.EqualValues(t, 0x05, chip.regs[regFnAddr])
}

func TestSetStallEndpointZero(t *testing.T) {
	t.Parallel()
	c, chip := newTestController()

	c.SetStall(0, true)
	assert.EqualValues(t, stallEP0In|stallEP0Out|stallStatus, chip.regs[regEPStalls])
	assert.True(t, c.Stalled(0))

	c.SetStall(0, false)
	assert.Zero(t, chip.regs[regEPStalls])
	assert.False(t, c.Stalled(0))
	// unstalling must reset the data toggles
	assert.EqualValues(t, stallEP0In|stallEP0Out|stallStatus, chip.regs[regClrTogs])
}

func TestWritePacketControl(t *testing.T) {
	t.Parallel()
	c, chip := newTestController()

	data := []byte{1, 2, 3, 4, 5}
	require.NoError(t, c.WritePacket(0, data))
	assert.Equal(t, data, chip.fifoOut[regEP0FIFO])
	assert.EqualValues(t, 5, chip.regs[regEP0BC])
}

func TestWritePacketZeroLengthAcksStatus(t *testing.T) {
	t.Parallel()
	c, chip := newTestController()

	require.NoError(t, c.WritePacket(0, nil))
	assert.Equal(t, 1, chip.ackStats)
	assert.Empty(t, chip.fifoOut[regEP0FIFO])
}

func TestWritePacketUnknownEndpoint(t *testing.T) {
	t.Parallel()
	c, _ := newTestController()

	err := c.WritePacket(5, []byte{1})
	require.Error(t, err)
	var halErr *usbdev.HALError
	require.ErrorAs(t, err, &halErr)
	assert.EqualValues(t, 5, halErr.Endpoint)
}

func TestSetupEventRoutesReadToSetupFIFO(t *testing.T) {
	t.Parallel()
	c, chip := newTestController()

	setup := []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x40, 0x00}
	chip.fifoIn[regSUDFIFO] = append([]byte(nil), setup...)
	chip.regs[regEPIRQ] = irqSetupAvail

	ev, err := c.PollEvent()
	require.NoError(t, err)
	require.Equal(t, EventSetup, ev)
	assert.Zero(t, chip.regs[regEPIRQ], "SUDAV must be acknowledged")

	buf := make([]byte, usbdev.SetupPacketSize)
	n, err := c.ReadPacket(0, buf)
	require.NoError(t, err)
	assert.Equal(t, usbdev.SetupPacketSize, n)
	assert.Equal(t, setup, buf)

	// the next endpoint 0 read comes from the data FIFO again
	chip.fifoIn[regEP0FIFO] = []byte{0xAA, 0xBB}
	chip.regs[regEP0BC] = 2
	n, err = c.ReadPacket(0, buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte{0xAA, 0xBB}, buf[:n])
}

func TestPollEventSetupWins(t *testing.T) {
	t.Parallel()
	c, chip := newTestController()

	chip.regs[regEPIRQ] = irqSetupAvail | irqOut0DataAvail

	ev, err := c.PollEvent()
	require.NoError(t, err)
	assert.Equal(t, EventSetup, ev)

	ev, err = c.PollEvent()
	require.NoError(t, err)
	assert.Equal(t, EventControlOut, ev)
}

func TestInBufAvailOnlyAfterArming(t *testing.T) {
	t.Parallel()
	c, chip := newTestController()

	// the chip reports the IN FIFO free at idle; without a packet in flight
	// that is not an event
	chip.regs[regEPIRQ] = irqIn0BufAvail
	ev, err := c.PollEvent()
	require.NoError(t, err)
	assert.Equal(t, EventNone, ev)

	require.NoError(t, c.WritePacket(0, []byte{1}))
	chip.regs[regEPIRQ] = irqIn0BufAvail
	ev, err = c.PollEvent()
	require.NoError(t, err)
	assert.Equal(t, EventControlIn, ev)

	// one transmit, one event
	chip.regs[regEPIRQ] = irqIn0BufAvail
	ev, err = c.PollEvent()
	require.NoError(t, err)
	assert.Equal(t, EventNone, ev)
}

func TestBulkEndpointTraffic(t *testing.T) {
	t.Parallel()
	c, chip := newTestController()

	chip.fifoIn[regEP1OutFIFO] = []byte{9, 8, 7}
	chip.regs[regEP1OutBC] = 3
	chip.regs[regEPIRQ] = irqOut1DataAvail

	ev, err := c.PollEvent()
	require.NoError(t, err)
	require.Equal(t, EventDataOut, ev)

	buf := make([]byte, 64)
	n, err := c.ReadPacket(1, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 8, 7}, buf[:n])

	require.NoError(t, c.WritePacket(2, []byte{1, 2}))
	assert.Equal(t, []byte{1, 2}, chip.fifoOut[regEP2InFIFO])
	assert.EqualValues(t, 2, chip.regs[regEP2InBC])

	chip.regs[regEPIRQ] = irqIn2BufAvail
	ev, err = c.PollEvent()
	require.NoError(t, err)
	assert.Equal(t, EventDataIn, ev)
}

func TestDispatchRoutesControlEvents(t *testing.T) {
	t.Parallel()
	c, chip := newTestController()

	dev, err := usbdev.New(c, &usbdev.DeviceDescriptor{MaxPacketSize0: 64}, nil, nil)
	require.NoError(t, err)

	// an unclaimed vendor IN request must end in a stall on endpoint 0
	chip.fifoIn[regSUDFIFO] = []byte{0xC0, 0x01, 0x00, 0x00, 0x00, 0x00, 0x08, 0x00}
	chip.regs[regEPIRQ] = irqSetupAvail

	ev, err := c.Dispatch(dev)
	require.NoError(t, err)
	assert.Equal(t, EventSetup, ev)
	assert.True(t, c.Stalled(0))
}
