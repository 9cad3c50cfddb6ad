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

// Package max3420 implements the usbdev.HAL contract on a MAX3420E USB
// peripheral controller attached over SPI. The chip exposes endpoint 0, one
// OUT endpoint (EP1) and two IN endpoints (EP2, EP3) through a register
// window; interrupt flags are polled and translated into control events for
// the engine.
package max3420

import (
	"errors"
	"fmt"
	"time"

	usbdev "github.com/usbforge/go-usbdev"
	"github.com/usbforge/go-usbdev/internal/syncutil"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// Register map (MAX3420E data sheet, table 1)
const (
	regEP0FIFO    = 0
	regEP1OutFIFO = 1
	regEP2InFIFO  = 2
	regEP3InFIFO  = 3
	regSUDFIFO    = 4
	regEP0BC      = 5
	regEP1OutBC   = 6
	regEP2InBC    = 7
	regEP3InBC    = 8
	regEPStalls   = 9
	regClrTogs    = 10
	regEPIRQ      = 11
	regEPIEN      = 12
	regUSBIRQ     = 13
	regUSBIEN     = 14
	regUSBCtl     = 15
	regCPUCtl     = 16
	regPinCtl     = 17
	regRevision   = 18
	regFnAddr     = 19
	regIOPins     = 20
)

// EPSTALLS bits
const (
	stallEP0In  = 0x01
	stallEP0Out = 0x02
	stallEP1Out = 0x04
	stallEP2In  = 0x08
	stallEP3In  = 0x10
	stallStatus = 0x20
	ackStat     = 0x40
)

// EPIRQ / EPIEN bits
const (
	irqIn0BufAvail   = 0x01
	irqOut0DataAvail = 0x02
	irqOut1DataAvail = 0x04
	irqIn2BufAvail   = 0x08
	irqIn3BufAvail   = 0x10
	irqSetupAvail    = 0x20
)

// USBIRQ / USBIEN bits
const (
	irqOscOK = 0x01
)

// USBCTL bits
const (
	ctlSignalResume = 0x04
	ctlConnect      = 0x08
	ctlPowerDown    = 0x10
	ctlChipReset    = 0x20
	ctlVBGate       = 0x40
)

// PINCTL bits
const (
	pinFullDuplexSPI = 0x10
)

const (
	// defaultFreq keeps well under the chip's 26 MHz SPI limit.
	defaultFreq = 4 * physic.MegaHertz

	oscSettleTimeout = 100 * time.Millisecond
)

var (
	errUnsupportedEndpoint = errors.New("endpoint not provided by this controller")
	errOscillatorTimeout   = errors.New("oscillator did not settle after chip reset")
)

// Event identifies a pending bus event reported by PollEvent. The chip's
// endpoint layout is fixed: endpoint 0 is the control endpoint, EP1 receives
// bulk OUT data and EP2 transmits bulk IN data.
type Event uint8

const (
	EventNone Event = iota
	EventSetup
	EventControlOut
	EventControlIn
	EventDataOut // EP1 received a packet
	EventDataIn  // EP2 finished transmitting and can take another packet
)

// Controller drives one MAX3420E. It implements usbdev.HAL and
// usbdev.StallReader.
type Controller struct {
	port   spi.PortCloser
	conn   spi.Conn
	intPin gpio.PinIn

	// setupPending routes the next endpoint 0 read to the SETUP FIFO
	// instead of the data FIFO.
	setupPending bool
	// in0Armed/in2Armed gate the buffer-available interrupts: the chip
	// raises them whenever a FIFO is free, but they only mean "packet
	// transmitted" while a transfer is in flight.
	in0Armed bool
	in2Armed bool

	mu syncutil.Mutex
}

// New opens the SPI port, resets the chip and connects to the bus.
// intPinName may be empty when the interrupt line is not wired; PollEvent
// then relies on reading EPIRQ alone.
func New(spiPortName, intPinName string) (*Controller, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}

	port, err := spireg.Open(spiPortName)
	if err != nil {
		return nil, fmt.Errorf("failed to open SPI port %s: %w", spiPortName, err)
	}

	conn, err := port.Connect(defaultFreq, spi.Mode0, 8)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to connect SPI: %w", err)
	}

	c := &Controller{port: port, conn: conn}

	if intPinName != "" {
		pin := gpioreg.ByName(intPinName)
		if pin == nil {
			_ = port.Close()
			return nil, fmt.Errorf("interrupt pin %q not found", intPinName)
		}
		if err := pin.In(gpio.PullUp, gpio.FallingEdge); err != nil {
			_ = port.Close()
			return nil, fmt.Errorf("failed to configure interrupt pin: %w", err)
		}
		c.intPin = pin
	}

	if err := c.reset(); err != nil {
		_ = port.Close()
		return nil, err
	}
	return c, nil
}

// newWithConn wires a controller directly to a SPI connection; tests use it
// with a fake register file.
func newWithConn(conn spi.Conn) *Controller {
	return &Controller{conn: conn}
}

// Close disconnects from the bus and releases the SPI port.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	// drop off the bus before releasing the port
	_ = c.writeReg(regUSBCtl, ctlVBGate)
	if c.port == nil {
		return nil
	}
	if err := c.port.Close(); err != nil {
		return fmt.Errorf("failed to close SPI port: %w", err)
	}
	return nil
}

// reset performs a chip reset, waits for the oscillator, programs full
// duplex SPI and connects to the bus.
func (c *Controller) reset() error {
	// Full duplex SPI must be selected before anything else; the chip
	// powers up half duplex.
	if err := c.writeReg(regPinCtl, pinFullDuplexSPI); err != nil {
		return err
	}

	if err := c.writeReg(regUSBCtl, ctlChipReset); err != nil {
		return err
	}
	if err := c.writeReg(regUSBCtl, 0); err != nil {
		return err
	}

	deadline := time.Now().Add(oscSettleTimeout)
	for {
		v, err := c.readReg(regUSBIRQ)
		if err != nil {
			return err
		}
		if v&irqOscOK != 0 {
			break
		}
		if time.Now().After(deadline) {
			return errOscillatorTimeout
		}
		time.Sleep(time.Millisecond)
	}
	if err := c.writeReg(regUSBIRQ, irqOscOK); err != nil { // write 1 to clear
		return err
	}

	if err := c.writeReg(regEPIEN, irqSetupAvail|irqOut0DataAvail|irqIn0BufAvail|irqOut1DataAvail|irqIn2BufAvail); err != nil {
		return err
	}

	// connect once VBUS comparison allows it
	return c.writeReg(regUSBCtl, ctlVBGate|ctlConnect)
}

// Revision reads the chip revision register.
func (c *Controller) Revision() (uint8, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readReg(regRevision)
}

// PollEvent reads the endpoint interrupt register and returns the highest
// priority pending event, or EventNone. SETUP always wins: the chip parks
// the packet in a dedicated FIFO, and the engine restarts from it no matter
// what else was in flight.
func (c *Controller) PollEvent() (Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.intPin != nil && c.intPin.Read() == gpio.High {
		return EventNone, nil
	}

	irq, err := c.readReg(regEPIRQ)
	if err != nil {
		return EventNone, err
	}

	switch {
	case irq&irqSetupAvail != 0:
		if err := c.writeReg(regEPIRQ, irqSetupAvail); err != nil {
			return EventNone, err
		}
		c.setupPending = true
		c.in0Armed = false
		return EventSetup, nil

	case irq&irqOut0DataAvail != 0:
		return EventControlOut, nil

	case irq&irqIn0BufAvail != 0 && c.in0Armed:
		if err := c.writeReg(regEPIRQ, irqIn0BufAvail); err != nil {
			return EventNone, err
		}
		c.in0Armed = false
		return EventControlIn, nil

	case irq&irqOut1DataAvail != 0:
		return EventDataOut, nil

	case irq&irqIn2BufAvail != 0 && c.in2Armed:
		if err := c.writeReg(regEPIRQ, irqIn2BufAvail); err != nil {
			return EventNone, err
		}
		c.in2Armed = false
		return EventDataIn, nil
	}
	return EventNone, nil
}

// Dispatch polls one event and routes it to the control engine. It reports
// whether an event was consumed; EventDataOut/EventDataIn are returned to
// the caller untouched since the data endpoints belong to the application.
func (c *Controller) Dispatch(dev *usbdev.Device) (Event, error) {
	ev, err := c.PollEvent()
	if err != nil {
		return EventNone, err
	}
	switch ev {
	case EventSetup:
		dev.HandleSetup()
	case EventControlOut:
		dev.HandleControlOut()
	case EventControlIn:
		dev.HandleControlIn()
	}
	return ev, nil
}

// ReadPacket implements usbdev.HAL. On endpoint 0 it reads either the
// parked SETUP packet or the EP0 data FIFO; endpoint 1 reads the bulk OUT
// FIFO.
func (c *Controller) ReadPacket(ep uint8, buf []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ep {
	case 0:
		if c.setupPending {
			c.setupPending = false
			return c.readFIFO(regSUDFIFO, buf, usbdev.SetupPacketSize)
		}
		count, err := c.readReg(regEP0BC)
		if err != nil {
			return 0, err
		}
		n, err := c.readFIFO(regEP0FIFO, buf, int(count))
		if err != nil {
			return 0, err
		}
		// re-arm EP0 OUT
		if err := c.writeReg(regEPIRQ, irqOut0DataAvail); err != nil {
			return 0, err
		}
		return n, nil

	case 1:
		count, err := c.readReg(regEP1OutBC)
		if err != nil {
			return 0, err
		}
		n, err := c.readFIFO(regEP1OutFIFO, buf, int(count))
		if err != nil {
			return 0, err
		}
		if err := c.writeReg(regEPIRQ, irqOut1DataAvail); err != nil {
			return 0, err
		}
		return n, nil
	}
	return 0, &usbdev.HALError{Err: errUnsupportedEndpoint, Op: "ReadPacket", Endpoint: ep}
}

// WritePacket implements usbdev.HAL. A zero-length write on endpoint 0 acks
// the status stage via the chip's ACKSTAT mechanism; the chip answers the
// host's status transaction itself.
func (c *Controller) WritePacket(ep uint8, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ep {
	case 0:
		if len(data) == 0 {
			return c.setAckStat()
		}
		if err := c.writeFIFO(regEP0FIFO, data); err != nil {
			return err
		}
		if err := c.writeReg(regEP0BC, uint8(len(data))); err != nil {
			return err
		}
		c.in0Armed = true
		return nil

	case 2:
		if err := c.writeFIFO(regEP2InFIFO, data); err != nil {
			return err
		}
		if err := c.writeReg(regEP2InBC, uint8(len(data))); err != nil {
			return err
		}
		c.in2Armed = true
		return nil
	}
	return &usbdev.HALError{Err: errUnsupportedEndpoint, Op: "WritePacket", Endpoint: ep}
}

// SetStall implements usbdev.HAL.
func (c *Controller) SetStall(ep uint8, stalled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var bits uint8
	switch ep {
	case 0, 0 | usbdev.EndpointDirIn:
		bits = stallEP0In | stallEP0Out | stallStatus
	case 1:
		bits = stallEP1Out
	case 2 | usbdev.EndpointDirIn:
		bits = stallEP2In
	case 3 | usbdev.EndpointDirIn:
		bits = stallEP3In
	default:
		return
	}

	cur, err := c.readReg(regEPStalls)
	if err != nil {
		return
	}
	if stalled {
		cur |= bits
	} else {
		cur &^= bits
		// unstalling restarts the data toggle
		defer func() { _ = c.writeReg(regClrTogs, bits) }()
	}
	_ = c.writeReg(regEPStalls, cur)
}

// Stalled implements usbdev.StallReader.
func (c *Controller) Stalled(ep uint8) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, err := c.readReg(regEPStalls)
	if err != nil {
		return false
	}
	switch ep {
	case 0, 0 | usbdev.EndpointDirIn:
		return cur&(stallEP0In|stallEP0Out) != 0
	case 1:
		return cur&stallEP1Out != 0
	case 2 | usbdev.EndpointDirIn:
		return cur&stallEP2In != 0
	case 3 | usbdev.EndpointDirIn:
		return cur&stallEP3In != 0
	}
	return false
}

// SetAddress implements usbdev.HAL.
func (c *Controller) SetAddress(addr uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.writeReg(regFnAddr, addr&0x7F)
}

// setAckStat raises ACKSTAT, letting the chip complete the status stage.
func (c *Controller) setAckStat() error {
	cur, err := c.readReg(regEPStalls)
	if err != nil {
		return err
	}
	return c.writeReg(regEPStalls, cur|ackStat)
}

// cmdByte builds the SPI command byte: register address in the upper five
// bits, the direction bit set for writes.
func cmdByte(reg uint8, write bool) byte {
	b := reg << 3
	if write {
		b |= 0x02
	}
	return b
}

func (c *Controller) readReg(reg uint8) (uint8, error) {
	w := []byte{cmdByte(reg, false), 0}
	r := make([]byte, len(w))
	if err := c.conn.Tx(w, r); err != nil {
		return 0, fmt.Errorf("read reg %d: %w", reg, err)
	}
	return r[1], nil
}

func (c *Controller) writeReg(reg, value uint8) error {
	w := []byte{cmdByte(reg, true), value}
	if err := c.conn.Tx(w, make([]byte, len(w))); err != nil {
		return fmt.Errorf("write reg %d: %w", reg, err)
	}
	return nil
}

// readFIFO burst-reads count bytes from a FIFO register into buf, returning
// how many landed in buf.
func (c *Controller) readFIFO(reg uint8, buf []byte, count int) (int, error) {
	if count == 0 || len(buf) == 0 {
		return 0, nil
	}
	w := make([]byte, count+1)
	w[0] = cmdByte(reg, false)
	r := make([]byte, len(w))
	if err := c.conn.Tx(w, r); err != nil {
		return 0, fmt.Errorf("read fifo %d: %w", reg, err)
	}
	return copy(buf, r[1:]), nil
}

func (c *Controller) writeFIFO(reg uint8, data []byte) error {
	w := make([]byte, len(data)+1)
	w[0] = cmdByte(reg, true)
	copy(w[1:], data)
	if err := c.conn.Tx(w, make([]byte, len(w))); err != nil {
		return fmt.Errorf("write fifo %d: %w", reg, err)
	}
	return nil
}
