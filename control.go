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

// Control transfer handling for endpoint 0.

package usbdev

// controlState is the stage the control endpoint is currently in. Every
// transfer starts from stateIdle on a SETUP event and returns to stateIdle
// on completion, stall or protocol error.
type controlState uint8

const (
	stateIdle controlState = iota
	stateDataIn
	stateLastDataIn
	stateStatusIn
	stateDataOut
	stateLastDataOut
	stateStatusOut
)

func (s controlState) String() string {
	switch s {
	case stateIdle:
		return "IDLE"
	case stateDataIn:
		return "DATA_IN"
	case stateLastDataIn:
		return "LAST_DATA_IN"
	case stateStatusIn:
		return "STATUS_IN"
	case stateDataOut:
		return "DATA_OUT"
	case stateLastDataOut:
		return "LAST_DATA_OUT"
	case stateStatusOut:
		return "STATUS_OUT"
	default:
		return "UNKNOWN"
	}
}

// controlTransferState is the mutable state of the transfer in flight.
type controlTransferState struct {
	// req is the engine's working copy of the setup packet. req.Length is
	// counted down while transmitting so the ZLP decision can compare the
	// remaining response against what the host still expects.
	req SetupPacket
	// data is the remaining IN payload while transmitting, or the
	// dispatched OUT payload view once reception completes.
	data []byte
	// completion is captured from dispatch and runs once after the status
	// stage.
	completion func()
	// received counts accumulated OUT payload bytes.
	received int
	state    controlState
}

// stallControl asserts a stall on endpoint 0 and aborts the current
// transfer. Retrying is the host's job per the USB protocol, so there is no
// internal recovery beyond returning to idle.
func (d *Device) stallControl() {
	d.hal.SetStall(0, true)
	d.ctrl.state = stateIdle
}

// sendDataIn submits the next DATA IN packet of the response.
func (d *Device) sendDataIn() {
	cs := &d.ctrl
	maxPacket := d.maxPacketSize0()

	if maxPacket < len(cs.data) {
		// Partial chunk
		_ = d.hal.WritePacket(0, cs.data[:maxPacket])
		cs.state = stateDataIn
		cs.data = cs.data[maxPacket:]
		cs.req.Length -= uint16(maxPacket)
		return
	}

	// Last data chunk
	_ = d.hal.WritePacket(0, cs.data)

	// A ZLP is required if the transmitted data is shorter than announced in
	// the setup stage (wLength) and the last packet exactly fills a packet,
	// leaving the host no short packet to detect the end of the transfer.
	if len(cs.data) == maxPacket && len(cs.data) < int(cs.req.Length) {
		cs.state = stateDataIn // one more (zero-length) data packet follows
	} else {
		cs.state = stateLastDataIn
	}
	cs.data = nil
}

// readDataOut accepts one DATA OUT packet and appends it to the control
// buffer. It reports false after stalling on a packet that does not match
// the expected size.
func (d *Device) readDataOut() bool {
	cs := &d.ctrl
	packetSize := int(cs.req.Length) - cs.received
	if mps := d.maxPacketSize0(); packetSize > mps {
		packetSize = mps
	}

	n, err := d.hal.ReadPacket(0, d.ctrlBuf[cs.received:cs.received+packetSize])
	if err != nil || n != packetSize {
		Debugf("control: DATA OUT expected %d bytes, got %d (err=%v)", packetSize, n, err)
		d.stallControl()
		return false
	}

	cs.received += n
	return true
}

// dispatchRequest walks the registered control callbacks in registration
// order and falls back to the standard request handler. The first handler
// returning a definitive outcome (handled or not supported) ends dispatch;
// RequestNextHandler falls through.
func (d *Device) dispatchRequest(req *SetupPacket) RequestOutcome {
	cs := &d.ctrl
	xfer := ControlTransfer{Data: cs.data, Completion: cs.completion}

	for i := range d.controlCallbacks {
		cb := &d.controlCallbacks[i]
		if req.RequestType&cb.typeMask != cb.reqType {
			continue
		}
		outcome := cb.handler(req, &xfer)
		if outcome == RequestHandled || outcome == RequestNotSupported {
			d.adoptTransfer(req, &xfer)
			return outcome
		}
	}

	// Not claimed by any callback: forward to the standard request handler.
	outcome := d.standardRequest(req, &xfer)
	d.adoptTransfer(req, &xfer)
	return outcome
}

// adoptTransfer takes over the buffer view and completion callback a handler
// left in xfer. The response never exceeds what the host asked for.
func (d *Device) adoptTransfer(req *SetupPacket, xfer *ControlTransfer) {
	cs := &d.ctrl
	cs.data = xfer.Data
	if len(cs.data) > int(req.Length) {
		cs.data = cs.data[:req.Length]
	}
	cs.completion = xfer.Completion
}

// handleRequestNoData processes a request whose payload is already fully
// known: either there is no data stage, or the data stage flows device to
// host.
func (d *Device) handleRequestNoData(req *SetupPacket) {
	cs := &d.ctrl

	// Stage the control buffer as the candidate response area, sized to what
	// the host will accept.
	staged := len(d.ctrlBuf)
	if int(req.Length) < staged {
		staged = int(req.Length)
	}
	cs.data = d.ctrlBuf[:staged]

	if d.dispatchRequest(req) == RequestHandled {
		if req.Length > 0 {
			// send response as DATA IN packet(s)
			d.sendDataIn()
		} else {
			// submit STATUS IN packet (response has no data stage)
			_ = d.hal.WritePacket(0, nil)
			cs.state = stateStatusIn
		}
	} else {
		d.stallControl()
	}
}

// prepareDataOut arms the state machine to accumulate the announced OUT
// payload across subsequent CONTROL OUT events.
func (d *Device) prepareDataOut(req *SetupPacket) {
	if int(req.Length) > len(d.ctrlBuf) {
		// The host announced a payload larger than the control buffer can
		// ever hold. Reject before accepting any data.
		Debugf("control: OUT payload %d exceeds buffer %d", req.Length, len(d.ctrlBuf))
		d.stallControl()
		return
	}

	cs := &d.ctrl
	cs.received = 0
	cs.data = nil

	if int(req.Length) > d.maxPacketSize0() {
		cs.state = stateDataOut
	} else {
		cs.state = stateLastDataOut
	}
}

// HandleSetup processes a SETUP event on endpoint 0. A SETUP event always
// aborts whatever transfer was in flight and starts a new one.
func (d *Device) HandleSetup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	cs := &d.ctrl
	cs.completion = nil

	var raw [SetupPacketSize]byte
	n, err := d.hal.ReadPacket(0, raw[:])
	if err != nil || n != SetupPacketSize {
		d.stallControl()
		return
	}
	_ = DecodeSetupPacket(raw[:], &cs.req)
	Debugf("control: SETUP %s", cs.req.String())

	req := &cs.req
	if req.Length == 0 || req.IsDeviceToHost() {
		// no DATA OUT packets will arrive - process the request now
		d.handleRequestNoData(req)
	} else {
		// wait for DATA OUT packets
		d.prepareDataOut(req)
	}
}

// HandleControlOut processes a CONTROL OUT event on endpoint 0.
func (d *Device) HandleControlOut() {
	d.mu.Lock()
	defer d.mu.Unlock()

	cs := &d.ctrl
	switch cs.state {
	case stateDataOut:
		if !d.readDataOut() {
			return
		}
		// switch to the final packet once the remainder fits one packet
		if int(cs.req.Length)-cs.received <= d.maxPacketSize0() {
			cs.state = stateLastDataOut
		}

	case stateLastDataOut:
		if !d.readDataOut() {
			return
		}
		// payload complete - dispatch the request
		cs.data = d.ctrlBuf[:cs.received]
		if d.dispatchRequest(&cs.req) == RequestHandled {
			// submit STATUS IN packet
			_ = d.hal.WritePacket(0, nil)
			cs.state = stateStatusIn
		} else {
			d.stallControl()
		}

	case stateStatusOut:
		// consume zero-length STATUS OUT packet
		_, _ = d.hal.ReadPacket(0, nil)
		cs.state = stateIdle
		if cs.completion != nil {
			cs.completion()
			cs.completion = nil
		}

	default:
		Debugf("control: CONTROL OUT in %s", cs.state)
		d.stallControl()
	}
}

// HandleControlIn processes a CONTROL IN event on endpoint 0.
func (d *Device) HandleControlIn() {
	d.mu.Lock()
	defer d.mu.Unlock()

	cs := &d.ctrl
	switch cs.state {
	case stateDataIn:
		d.sendDataIn()

	case stateLastDataIn:
		cs.state = stateStatusOut

	case stateStatusIn:
		if cs.completion != nil {
			cs.completion()
			cs.completion = nil
		}

		// The new device address may only take effect once the host has
		// acknowledged the full SET_ADDRESS transfer.
		if cs.req.RequestType == 0 && cs.req.Request == RequestSetAddress {
			d.hal.SetAddress(uint8(cs.req.Value))
		}

		cs.state = stateIdle

	default:
		Debugf("control: CONTROL IN in %s", cs.state)
		d.stallControl()
	}
}
