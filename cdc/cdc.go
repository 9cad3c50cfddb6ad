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

// Package cdc implements the USB Communications Device Class, Abstract
// Control Model (CDC ACM, a.k.a. USB serial). It registers a class request
// handler on a usbdev.Device and provides the class-specific descriptors.
//
// Based on:
//   - USB Class Definitions for Communications Devices, revision 1.2
//   - USB PSTN Devices subclass specification, revision 1.2
package cdc

import (
	"encoding/binary"

	usbdev "github.com/usbforge/go-usbdev"
)

// Interface class codes (CDC spec, tables 3, 4, 5 and 6)
const (
	InterfaceClassComm    = 0x02 // communications interface class
	InterfaceSubclassDLCM = 0x01
	InterfaceSubclassACM  = 0x02
	InterfaceProtocolNone = 0x00
	InterfaceProtocolAT   = 0x01
	InterfaceClassData    = 0x0A // data interface class
)

// Functional descriptor types and subtypes (CDC spec, tables 12 and 13)
const (
	FuncDescriptorTypeInterface = 0x24
	FuncDescriptorTypeEndpoint  = 0x25

	FuncSubtypeHeader         = 0x00
	FuncSubtypeCallManagement = 0x01
	FuncSubtypeACM            = 0x02
	FuncSubtypeUnion          = 0x06
)

// PSTN class request codes (PSTN spec, table 13)
const (
	RequestSetLineCoding       = 0x20
	RequestGetLineCoding       = 0x21
	RequestSetControlLineState = 0x22
	RequestSendBreak           = 0x23
)

// Control line state bits of SET_CONTROL_LINE_STATE (PSTN spec, table 18)
const (
	ControlLineDTR = 0x01
	ControlLineRTS = 0x02
)

// LineCodingSize is the wire size of a line coding structure.
const LineCodingSize = 7

// Stop bit and parity encodings of the line coding (PSTN spec, table 17)
const (
	StopBits1   = 0
	StopBits1_5 = 1
	StopBits2   = 2

	ParityNone  = 0
	ParityOdd   = 1
	ParityEven  = 2
	ParityMark  = 3
	ParitySpace = 4
)

// LineCoding is the PSTN line coding: baud rate, framing and parity.
type LineCoding struct {
	BaudRate uint32
	StopBits uint8
	Parity   uint8
	DataBits uint8
}

// DecodeLineCoding decodes the 7-byte wire form into out.
func DecodeLineCoding(data []byte, out *LineCoding) error {
	if len(data) < LineCodingSize {
		return usbdev.ErrShortPacket
	}
	out.BaudRate = binary.LittleEndian.Uint32(data[0:4])
	out.StopBits = data[4]
	out.Parity = data[5]
	out.DataBits = data[6]
	return nil
}

// Encode serializes the line coding into its 7-byte wire form.
func (lc *LineCoding) Encode() []byte {
	b := make([]byte, LineCodingSize)
	binary.LittleEndian.PutUint32(b[0:4], lc.BaudRate)
	b[4] = lc.StopBits
	b[5] = lc.Parity
	b[6] = lc.DataBits
	return b
}

// ACM implements the control plane of a CDC ACM function: it answers the
// PSTN class requests the host sends on endpoint 0. Data endpoints are the
// application's business.
type ACM struct {
	// SetCodingFunc is called when the host sets a new line coding. A nil
	// hook accepts any coding. Returning false rejects the coding and
	// stalls the request.
	SetCodingFunc func(coding LineCoding) bool
	// ControlLineFunc is called when the host changes DTR/RTS.
	ControlLineFunc func(dtr, rts bool)

	coding   LineCoding
	commIntf uint16
	dtr      bool
	rts      bool
}

// NewACM creates the ACM control plane for the communications interface
// with the given interface number, starting from a 115200 8N1 line coding.
func NewACM(commInterface uint8) *ACM {
	return &ACM{
		coding: LineCoding{
			BaudRate: 115200,
			StopBits: StopBits1,
			Parity:   ParityNone,
			DataBits: 8,
		},
		commIntf: uint16(commInterface),
	}
}

// Install registers the ACM as a configuration handler on dev: once the
// host selects a configuration, the class request handler is registered
// (the device flushes the handler table on every SET_CONFIGURATION).
func (a *ACM) Install(dev *usbdev.Device) error {
	return dev.RegisterConfigHandler(func(value uint8) {
		if value == 0 {
			return
		}
		_ = dev.RegisterControlHandler(
			usbdev.RequestTypeClass|usbdev.RequestRecipientInterface,
			usbdev.RequestTypeTypeMask|usbdev.RequestTypeRecipientMask,
			a.handleRequest,
		)
	})
}

// LineCoding returns the current line coding.
func (a *ACM) LineCoding() LineCoding {
	return a.coding
}

// ControlLines returns the current DTR and RTS state.
func (a *ACM) ControlLines() (dtr, rts bool) {
	return a.dtr, a.rts
}

// handleRequest processes the PSTN class requests addressed to the
// communications interface. Requests for other interfaces or with unknown
// codes fall through to the next handler.
func (a *ACM) handleRequest(req *usbdev.SetupPacket, xfer *usbdev.ControlTransfer) usbdev.RequestOutcome {
	if req.Index != a.commIntf {
		return usbdev.RequestNextHandler
	}

	switch req.Request {
	case RequestSetLineCoding:
		var coding LineCoding
		if DecodeLineCoding(xfer.Data, &coding) != nil {
			return usbdev.RequestNotSupported
		}
		if a.SetCodingFunc != nil && !a.SetCodingFunc(coding) {
			return usbdev.RequestNotSupported
		}
		a.coding = coding
		return usbdev.RequestHandled

	case RequestGetLineCoding:
		if len(xfer.Data) < LineCodingSize {
			return usbdev.RequestNotSupported
		}
		xfer.Data = xfer.Data[:copy(xfer.Data, a.coding.Encode())]
		return usbdev.RequestHandled

	case RequestSetControlLineState:
		a.dtr = req.Value&ControlLineDTR != 0
		a.rts = req.Value&ControlLineRTS != 0
		if a.ControlLineFunc != nil {
			a.ControlLineFunc(a.dtr, a.rts)
		}
		return usbdev.RequestHandled
	}

	return usbdev.RequestNextHandler
}
